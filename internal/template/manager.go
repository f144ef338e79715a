// Package template maintains the rolling window of block templates,
// assigns short job IDs and bridges solved blocks back to the node.
package template

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/kaspool/kaspool/internal/pow"
	"github.com/kaspool/kaspool/internal/rpc"
	"github.com/kaspool/kaspool/internal/util"
)

// ErrSubmitFailed is returned when the node refuses a solved block
// (initial block download, full route, or an explicit reject).
var ErrSubmitFailed = errors.New("template: block submission failed")

// Node is the subset of the node client the manager consumes.
type Node interface {
	GetBlockTemplate(ctx context.Context, payAddress, extraData string) (*rpc.Block, error)
	SubmitBlock(ctx context.Context, block *rpc.Block) error
	GetBlock(ctx context.Context, hash string, includeTransactions bool) (*rpc.Block, error)
	SubscribeNewBlockTemplate(ctx context.Context, fn func()) error
}

// AnnounceFunc receives every admitted template: the minted job ID, the
// pre-PoW hash and the header timestamp (ms).
type AnnounceFunc func(jobID, preHash string, timestamp int64)

type entry struct {
	block     *rpc.Block
	state     *pow.State
	jobID     string
	timestamp int64
}

// Manager keeps at most window templates keyed by pre-PoW hash, in FIFO
// admission order. Reads dominate writes, so a RWMutex guards the maps.
type Manager struct {
	node       Node
	payAddress string // external (prefixed) form
	identity   string
	window     int

	mu      sync.RWMutex
	entries map[string]*entry // preHash -> entry
	jobs    map[string]string // jobID -> preHash
	order   []string          // preHashes, oldest first
	jobSeq  uint16

	announce AnnounceFunc
}

// NewManager creates a template manager. window bounds job ID lifetime;
// identity is appended to the coinbase extra-data.
func NewManager(node Node, payAddress, identity string, window int) *Manager {
	return &Manager{
		node:       node,
		payAddress: payAddress,
		identity:   identity,
		window:     window,
		entries:    map[string]*entry{},
		jobs:       map[string]string{},
	}
}

// Register subscribes to the node's template stream and fetches one
// template immediately, so a job exists before the first miner connects.
func (m *Manager) Register(ctx context.Context, onAnnounce AnnounceFunc) error {
	m.announce = onAnnounce

	err := m.node.SubscribeNewBlockTemplate(ctx, func() {
		if err := m.fetch(context.Background()); err != nil {
			util.Warnf("Template fetch failed: %v", err)
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe templates: %w", err)
	}

	if err := m.fetch(ctx); err != nil {
		return fmt.Errorf("initial template fetch: %w", err)
	}
	return nil
}

func (m *Manager) fetch(ctx context.Context) error {
	block, err := m.node.GetBlockTemplate(ctx, m.payAddress, m.identity)
	if err != nil {
		return err
	}
	m.admit(block)
	return nil
}

// admit inserts a new template, minting a job ID and evicting the
// oldest entry once the window overflows. Duplicate pre-PoW hashes are
// skipped.
func (m *Manager) admit(block *rpc.Block) {
	state := pow.NewState(&block.Header)
	preHash := state.PrePowHashHex()

	m.mu.Lock()
	if _, ok := m.entries[preHash]; ok {
		m.mu.Unlock()
		return
	}

	jobID := fmt.Sprintf("%04x", m.jobSeq)
	m.jobSeq++

	e := &entry{
		block:     block,
		state:     state,
		jobID:     jobID,
		timestamp: block.Header.Timestamp,
	}
	m.entries[preHash] = e
	m.jobs[jobID] = preHash
	m.order = append(m.order, preHash)

	for len(m.order) > m.window {
		oldest := m.order[0]
		m.order = m.order[1:]
		if old, ok := m.entries[oldest]; ok {
			delete(m.jobs, old.jobID)
			delete(m.entries, oldest)
		}
	}
	announce := m.announce
	m.mu.Unlock()

	if announce != nil {
		announce(jobID, preHash, e.timestamp)
	}
}

// GetHash resolves a job ID to its pre-PoW hash. False means the job
// has expired out of the window.
func (m *Manager) GetHash(jobID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	preHash, ok := m.jobs[jobID]
	return preHash, ok
}

// GetPoW resolves a pre-PoW hash to its verifier state.
func (m *Manager) GetPoW(preHash string) (*pow.State, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[preHash]
	if !ok {
		return nil, false
	}
	return e.state, true
}

// Submit finalizes the stored template with the winning nonce and
// submits it. It returns the canonical block hash the node recorded,
// falling back to the locally finalized header hash when the
// post-submit query fails.
func (m *Manager) Submit(ctx context.Context, preHash string, nonce uint64) (string, error) {
	m.mu.RLock()
	e, ok := m.entries[preHash]
	m.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("template: no template for %s", preHash)
	}

	solved := *e.block
	solved.Header.Nonce = nonce

	if err := m.node.SubmitBlock(ctx, &solved); err != nil {
		msg := strings.ToLower(err.Error())
		if strings.Contains(msg, "ibd") || strings.Contains(msg, "route is full") || strings.Contains(msg, "reject") {
			return "", fmt.Errorf("%w: %v", ErrSubmitFailed, err)
		}
		return "", err
	}

	localHash := pow.BlockHash(&solved.Header)
	localHex := util.BytesToHex(localHash[:])

	// The node may mutate the header before recording the block; give it
	// a moment, then ask for the hash it actually stored.
	select {
	case <-time.After(500 * time.Millisecond):
	case <-ctx.Done():
		return localHex, nil
	}

	queried, err := m.node.GetBlock(ctx, localHex, false)
	if err != nil || queried == nil || queried.VerboseData == nil {
		util.Debugf("Post-submit block query fell back to local hash %s", localHex)
		return localHex, nil
	}
	return queried.VerboseData.Hash, nil
}

// WindowSize reports the current number of live templates.
func (m *Manager) WindowSize() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.order)
}
