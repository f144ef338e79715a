// Package stratum implements the miner-facing TCP server: Stratum
// session lifecycle, dialect handling, share validation and job fan-out.
package stratum

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/kaspool/kaspool/internal/config"
	"github.com/kaspool/kaspool/internal/template"
	"github.com/kaspool/kaspool/internal/util"
)

const (
	// maxBufferSize bounds the per-session partial-message buffer.
	maxBufferSize = 8 * 1024

	// idleTimeout closes sessions that never subscribe.
	idleTimeout = 30 * time.Second

	// Sustained-rate limit: burst of rateBurst messages, then
	// rateLimit messages per second over the connection lifetime.
	rateLimit = 100
	rateBurst = rateLimit * 10

	// malformedLimit closes sessions after repeated protocol garbage.
	malformedLimit = 10
)

// BlockFound is emitted when a session solves a block: the canonical
// hash the node recorded and the finder's own contribution.
type BlockFound struct {
	Hash   string
	Finder Contribution
}

// Server terminates miner TCP connections and runs the share pipeline.
type Server struct {
	cfg        *config.StratumConfig
	vardiffCfg *config.VardiffConfig
	templates  *template.Manager
	log        *zap.SugaredLogger

	listener net.Listener

	sessionSeq    uint64
	extranonceSeq uint32

	mu          sync.RWMutex
	sessions    map[uint64]*Session
	subscribers map[uint64]*Session
	byAddress   map[string]map[uint64]*Session
	extranonces map[string]uint64

	ledger *contributionLedger
	blocks chan BlockFound

	defaultDiff   *big.Rat
	defaultTarget *big.Int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer creates the stratum server. The starting difficulty comes
// from config and must already have passed validation.
func NewServer(cfg *config.StratumConfig, templates *template.Manager) (*Server, error) {
	diff, err := util.ParseDifficulty(cfg.Difficulty)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:           cfg,
		vardiffCfg:    &cfg.Vardiff,
		templates:     templates,
		log:           util.Named("stratum"),
		sessions:      map[uint64]*Session{},
		subscribers:   map[uint64]*Session{},
		byAddress:     map[string]map[uint64]*Session{},
		extranonces:   map[string]uint64{},
		ledger:        newContributionLedger(),
		blocks:        make(chan BlockFound, 16),
		defaultDiff:   diff,
		defaultTarget: util.DifficultyToTarget(diff),
		ctx:           ctx,
		cancel:        cancel,
	}, nil
}

// Blocks is the found-block event stream consumed by the orchestrator.
func (s *Server) Blocks() <-chan BlockFound {
	return s.blocks
}

// SnapshotContributions drains the accumulated share ledger.
func (s *Server) SnapshotContributions() []Contribution {
	return s.ledger.snapshot()
}

// Start binds the listener and begins accepting connections.
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.cfg.HostName, strconv.Itoa(s.cfg.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bind stratum server: %w", err)
	}
	s.listener = listener
	s.log.Infof("Stratum server listening on %s", addr)

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Stop closes the listener and all sessions.
func (s *Server) Stop() {
	s.cancel()
	if s.listener != nil {
		s.listener.Close()
	}
	s.mu.Lock()
	for _, session := range s.sessions {
		session.close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	s.log.Info("Stratum server stopped")
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				s.log.Warnf("Accept error: %v", err)
				continue
			}
		}

		session := s.createSession(conn)
		s.mu.Lock()
		s.sessions[session.id] = session
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handleSession(session)
	}
}

func (s *Server) createSession(conn net.Conn) *Session {
	id := atomic.AddUint64(&s.sessionSeq, 1)

	session := &Session{
		id:          id,
		conn:        conn,
		extranonce:  s.allocateExtranonce(id),
		dialect:     DialectStandard,
		difficulty:  s.defaultDiff,
		target:      s.defaultTarget,
		workers:     map[workerKey]struct{}{},
		connectedAt: time.Now(),
	}

	session.idleTimer = time.AfterFunc(idleTimeout, func() {
		if !session.isSubscribed() {
			s.log.Debugf("Session %d closed: idle-timeout-no-subscribe", id)
			session.close()
		}
	})

	return session
}

// allocateExtranonce hands out the next 2-byte extranonce. The counter
// wraps at 65536, so values still held by a live session are skipped;
// sharing one would collide in the global nonce-dedup set. Only if
// every value is held does the allocator reuse one.
func (s *Server) allocateExtranonce(sessionID uint64) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < 1<<16; i++ {
		en := fmt.Sprintf("%04x", uint16(atomic.AddUint32(&s.extranonceSeq, 1)))
		if _, held := s.extranonces[en]; !held {
			s.extranonces[en] = sessionID
			return en
		}
	}
	en := fmt.Sprintf("%04x", uint16(atomic.AddUint32(&s.extranonceSeq, 1)))
	s.log.Warnf("Extranonce space exhausted, reusing %s", en)
	s.extranonces[en] = sessionID
	return en
}

// handleSession reads and processes messages strictly sequentially.
// ASICs batch subscribe+authorize in one packet and depend on the
// subscribe response (and its trailing notifications) landing before
// the authorize response.
func (s *Server) handleSession(session *Session) {
	defer s.wg.Done()
	defer func() {
		session.close()
		s.removeSession(session)
		s.log.Debugf("Session %d disconnected: %s", session.id, session.conn.RemoteAddr())
	}()

	s.log.Debugf("New connection from %s (session %d)", session.conn.RemoteAddr(), session.id)

	buffer := make([]byte, 0, 1024)
	chunk := make([]byte, 4096)

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		n, err := session.conn.Read(chunk)
		if err != nil {
			return
		}
		buffer = append(buffer, chunk[:n]...)
		if len(buffer) > maxBufferSize {
			s.log.Warnf("Session %d: message buffer overflow", session.id)
			return
		}

		for {
			idx := bytes.IndexByte(buffer, '\n')
			if idx < 0 {
				break
			}
			line := bytes.TrimSpace(buffer[:idx])
			buffer = buffer[idx+1:]
			if len(line) == 0 {
				continue
			}
			if !s.processMessage(session, line) {
				return
			}
		}
	}
}

// processMessage handles one frame. Returns false to drop the session.
func (s *Server) processMessage(session *Session, line []byte) bool {
	session.msgCount++
	if session.msgCount > rateBurst {
		elapsed := time.Since(session.connectedAt).Seconds()
		if elapsed > 0 && float64(session.msgCount)/elapsed > rateLimit {
			s.log.Warnf("Session %d: message rate limit exceeded", session.id)
			return false
		}
	}

	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		session.malformed++
		if session.malformed > malformedLimit {
			s.log.Warnf("Session %d closed after repeated malformed messages", session.id)
			return false
		}
		session.writeError(nil, &Error{CodeUnknown, "Malformed message"})
		return true
	}

	if !session.isSubscribed() && req.Method != "mining.subscribe" {
		session.writeError(req.ID, ErrNotSubscribed)
		return true
	}

	switch req.Method {
	case "mining.subscribe":
		return s.handleSubscribe(session, &req)
	case "mining.authorize":
		s.handleAuthorize(session, &req)
	case "mining.submit":
		s.handleSubmit(session, &req)
	default:
		session.malformed++
		if session.malformed > malformedLimit {
			return false
		}
		session.writeError(req.ID, &Error{CodeUnknown, "Unknown method"})
	}
	return true
}

// handleSubscribe latches the dialect, answers, and immediately emits
// set_extranonce and mining.set_difficulty on the same session. Miners
// time out if anything else arrives in between.
func (s *Server) handleSubscribe(session *Session, req *Request) bool {
	// Dialect is latched on the first subscribe; a repeat must not
	// re-run detection and flip it mid-session.
	if session.isSubscribed() {
		session.writeError(req.ID, &Error{CodeUnknown, "Already subscribed"})
		return true
	}

	agent := ""
	if len(req.Params) > 0 {
		agent, _ = req.Params[0].(string)
	}

	session.mu.Lock()
	session.userAgent = agent
	if bitmainAgents.MatchString(agent) {
		session.dialect = DialectBitmain
	}
	dialect := session.dialect
	session.subscribed = true
	session.mu.Unlock()

	var result interface{}
	if dialect == DialectBitmain {
		result = []interface{}{nil, session.extranonce, session.extranonce2Size()}
	} else {
		result = []interface{}{true, protocolName}
	}
	if err := session.writeResult(req.ID, result); err != nil {
		return false
	}

	var extranonceParams []interface{}
	if dialect == DialectBitmain {
		extranonceParams = []interface{}{session.extranonce, session.extranonce2Size()}
	} else {
		extranonceParams = []interface{}{session.extranonce}
	}
	if err := session.write(Notification{Method: "set_extranonce", Params: extranonceParams}); err != nil {
		return false
	}

	diff, _ := session.currentDifficulty()
	if err := session.write(Notification{
		Method: "mining.set_difficulty",
		Params: []interface{}{util.DifficultyFloat(diff)},
	}); err != nil {
		return false
	}

	s.mu.Lock()
	s.subscribers[session.id] = session
	s.mu.Unlock()

	s.log.Debugf("Session %d subscribed (agent %q, dialect %d)", session.id, agent, dialect)
	return true
}

func (s *Server) handleAuthorize(session *Session, req *Request) {
	if len(req.Params) < 1 {
		session.writeError(req.ID, &Error{CodeUnknown, "Missing worker identity"})
		return
	}
	identity, ok := req.Params[0].(string)
	if !ok {
		session.writeError(req.ID, &Error{CodeUnknown, "Invalid worker identity"})
		return
	}

	address, worker, err := splitIdentity(identity)
	if err != nil {
		session.writeError(req.ID, &Error{CodeUnknown, err.Error()})
		return
	}

	if !util.ValidateAddress(address, s.cfg.AddressPrefix()) {
		session.writeError(req.ID, &Error{CodeUnknown, "Invalid address"})
		return
	}
	canonical := util.CanonicalAddress(address)

	session.authorize(canonical, worker)

	s.mu.Lock()
	set, ok := s.byAddress[canonical]
	if !ok {
		set = map[uint64]*Session{}
		s.byAddress[canonical] = set
	}
	set[session.id] = session
	s.mu.Unlock()

	s.log.Infof("Session %d authorized: %s.%s", session.id, shortAddr(canonical), worker)
	session.writeResult(req.ID, true)
}

// splitIdentity splits "address.worker" on the first dot. Worker names
// may themselves contain dots.
func splitIdentity(identity string) (address, worker string, err error) {
	i := strings.IndexByte(identity, '.')
	if i < 0 || i == len(identity)-1 {
		return "", "", fmt.Errorf("missing worker name")
	}
	return identity[:i], identity[i+1:], nil
}

func (s *Server) handleSubmit(session *Session, req *Request) {
	if len(req.Params) < 3 {
		session.writeError(req.ID, &Error{CodeUnknown, "Invalid submit params"})
		return
	}
	identity, _ := req.Params[0].(string)
	jobID, _ := req.Params[1].(string)
	nonceStr, _ := req.Params[2].(string)

	if err := s.processShare(session, identity, jobID, nonceStr); err != nil {
		if serr, ok := err.(*Error); ok {
			session.writeError(req.ID, serr)
		} else {
			session.writeError(req.ID, &Error{CodeUnknown, err.Error()})
		}
		return
	}
	session.writeResult(req.ID, true)
}

// processShare runs the share validation pipeline.
func (s *Server) processShare(session *Session, identity, jobID, nonceStr string) error {
	address, worker, err := splitIdentity(identity)
	if err != nil {
		return ErrUnauthorizedWorker
	}
	canonical := util.CanonicalAddress(address)
	if !session.isAuthorized(canonical, worker) {
		return ErrUnauthorizedWorker
	}

	preHash, ok := s.templates.GetHash(jobID)
	if !ok {
		return ErrJobNotFound
	}
	state, ok := s.templates.GetPoW(preHash)
	if !ok {
		return ErrJobNotFound
	}

	var nonce uint64
	if session.dialect == DialectBitmain {
		nonce, err = strconv.ParseUint(strings.TrimSpace(nonceStr), 10, 64)
	} else {
		nonce, err = util.ParseNonceHex(nonceStr, session.extranonce)
	}
	if err != nil {
		return &Error{CodeUnknown, "Invalid nonce"}
	}

	diff, target := session.currentDifficulty()

	// Duplicates are rejected before any PoW evaluation; a resubmitted
	// solving nonce must never reach the node a second time.
	if s.ledger.seen(nonce) {
		return ErrDuplicateShare
	}

	isBlock, powValue := state.CheckWork(nonce)
	if powValue.Cmp(target) > 0 {
		return ErrLowDiffShare
	}

	if isBlock {
		if !s.ledger.addNonce(nonce) {
			return ErrDuplicateShare
		}
		blockHash, submitErr := s.templates.Submit(s.ctx, preHash, nonce)
		s.applyVardiff(session, time.Now())
		if submitErr != nil {
			s.log.Errorf("Block submission failed (job %s): %v", jobID, submitErr)
			return ErrSubmitFailed
		}

		s.log.Infof("BLOCK FOUND! hash=%s finder=%s.%s diff=%s",
			blockHash, shortAddr(canonical), worker, diff.FloatString(2))
		event := BlockFound{
			Hash:   blockHash,
			Finder: Contribution{Address: canonical, Difficulty: diff},
		}
		select {
		case s.blocks <- event:
		case <-s.ctx.Done():
		}
		return nil
	}

	if !s.ledger.add(nonce, canonical, diff) {
		return ErrDuplicateShare
	}
	s.applyVardiff(session, time.Now())
	return nil
}

// HandleTemplateAnnounce is wired to the template manager: it builds
// the mining.notify frame and fans it out to all subscribers.
func (s *Server) HandleTemplateAnnounce(jobID, preHash string, timestamp int64) {
	// Second param is the pre-PoW hash with the 8-byte little-endian
	// timestamp appended. The Bitmain notify encoding is not publicly
	// documented; those sessions receive the standard frame.
	payload := preHash + util.Uint64ToLEHex(uint64(timestamp))
	frame := Notification{
		Method: "mining.notify",
		Params: []interface{}{jobID, payload},
	}

	s.mu.RLock()
	targets := make([]*Session, 0, len(s.subscribers))
	for _, session := range s.subscribers {
		targets = append(targets, session)
	}
	s.mu.RUnlock()

	for _, session := range targets {
		if err := session.write(frame); err != nil {
			s.log.Debugf("Session %d dropped on notify write: %v", session.id, err)
			session.close()
			s.removeSession(session)
		}
	}
}

// removeSession clears a session from every index and releases its
// extranonce for reuse.
func (s *Server) removeSession(session *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, session.id)
	delete(s.subscribers, session.id)
	if owner, ok := s.extranonces[session.extranonce]; ok && owner == session.id {
		delete(s.extranonces, session.extranonce)
	}
	for addr, set := range s.byAddress {
		delete(set, session.id)
		if len(set) == 0 {
			delete(s.byAddress, addr)
		}
	}
}

// SessionCount reports live connections.
func (s *Server) SessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// WorkerCount reports distinct authorized addresses.
func (s *Server) WorkerCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byAddress)
}

func shortAddr(addr string) string {
	if len(addr) <= 12 {
		return addr
	}
	return addr[:12]
}
