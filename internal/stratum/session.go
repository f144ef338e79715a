package stratum

import (
	"encoding/json"
	"math/big"
	"net"
	"regexp"
	"sync"
	"time"
)

// Dialect selects the response and notification shapes for a session.
// Latched at subscribe time; no later message changes it.
type Dialect int

const (
	DialectStandard Dialect = iota
	DialectBitmain
)

// bitmainAgents matches user agents that require the Bitmain subscribe
// and set_extranonce shapes.
var bitmainAgents = regexp.MustCompile(`(?i)GodMiner|Bitmain|Antminer`)

// protocolName is the protocol identifier echoed on standard subscribes.
const protocolName = "EthereumStratum/1.0.0"

type workerKey struct {
	address string
	worker  string
}

// Session is one live miner connection. All message processing is
// sequential on the session's read goroutine; only outbound writes and
// vardiff touches need the mutex.
type Session struct {
	id         uint64
	conn       net.Conn
	extranonce string // 4 hex chars

	mu          sync.Mutex
	dialect     Dialect
	userAgent   string
	difficulty  *big.Rat
	target      *big.Int
	workers     map[workerKey]struct{}
	subscribed  bool
	msgCount    uint64
	malformed   int
	connectedAt time.Time

	vardiff vardiffState

	idleTimer *time.Timer
	closeOnce sync.Once
}

// Request is a Stratum request frame from a miner.
type Request struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params []interface{}   `json:"params"`
}

// Response is a Stratum response frame.
type Response struct {
	ID     json.RawMessage `json:"id"`
	Result interface{}     `json:"result"`
	Error  interface{}     `json:"error"`
}

// Notification is a server-initiated frame (no id).
type Notification struct {
	Method string        `json:"method"`
	Params []interface{} `json:"params"`
}

// close shuts the socket down once.
func (s *Session) close() {
	s.closeOnce.Do(func() {
		if s.idleTimer != nil {
			s.idleTimer.Stop()
		}
		s.conn.Close()
	})
}

// write marshals and writes one newline-terminated frame. Writes are
// serialized so frames never interleave.
func (s *Session) write(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	_, err = s.conn.Write(append(data, '\n'))
	return err
}

// writeResult sends a success response.
func (s *Session) writeResult(id json.RawMessage, result interface{}) error {
	return s.write(Response{ID: normalizeID(id), Result: result, Error: nil})
}

// writeError sends a coded error response.
func (s *Session) writeError(id json.RawMessage, serr *Error) error {
	return s.write(Response{
		ID:     normalizeID(id),
		Result: nil,
		Error:  []interface{}{serr.Code, serr.Message, nil},
	})
}

func normalizeID(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return json.RawMessage("null")
	}
	return id
}

// setDifficulty swaps the session difficulty and its derived target.
func (s *Session) setDifficulty(diff *big.Rat, target *big.Int) {
	s.mu.Lock()
	s.difficulty = diff
	s.target = target
	s.mu.Unlock()
}

// currentDifficulty returns the live difficulty and target.
func (s *Session) currentDifficulty() (*big.Rat, *big.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.difficulty, s.target
}

// authorize adds a worker pair to the session.
func (s *Session) authorize(address, worker string) {
	s.mu.Lock()
	s.workers[workerKey{address, worker}] = struct{}{}
	s.mu.Unlock()
}

// isAuthorized reports whether the pair was authorized on this session.
func (s *Session) isAuthorized(address, worker string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.workers[workerKey{address, worker}]
	return ok
}

// isSubscribed reports whether mining.subscribe completed.
func (s *Session) isSubscribed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subscribed
}

// extranonce2Size is the miner-searched nonce width for the Bitmain
// subscribe shape: 8 bytes minus the pool-assigned extranonce.
func (s *Session) extranonce2Size() int {
	return 8 - len(s.extranonce)/2
}
