package stratum

import (
	"math/big"
	"sync"
)

// Contribution is one accepted share: the canonical address it is
// credited to and the exact session difficulty it was accepted at.
type Contribution struct {
	Address    string
	Difficulty *big.Rat
}

// contributionLedger accumulates accepted shares and rejects duplicate
// nonces. The orchestrator drains it atomically when a block is found;
// submitters racing the drain land in the post-drain empty state.
type contributionLedger struct {
	mu     sync.Mutex
	nonces map[uint64]struct{}
	shares []Contribution
}

func newContributionLedger() *contributionLedger {
	return &contributionLedger{nonces: map[uint64]struct{}{}}
}

// seen reports whether a nonce is already in the dedup set.
func (l *contributionLedger) seen(nonce uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, dup := l.nonces[nonce]
	return dup
}

// addNonce records a nonce without a contribution entry. Used for block
// solves, whose credit travels on the block event instead. Returns
// false on a duplicate.
func (l *contributionLedger) addNonce(nonce uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, dup := l.nonces[nonce]; dup {
		return false
	}
	l.nonces[nonce] = struct{}{}
	return true
}

// add records an accepted share. Returns false on a duplicate nonce.
func (l *contributionLedger) add(nonce uint64, addr string, difficulty *big.Rat) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, dup := l.nonces[nonce]; dup {
		return false
	}
	l.nonces[nonce] = struct{}{}
	l.shares = append(l.shares, Contribution{Address: addr, Difficulty: difficulty})
	return true
}

// snapshot drains the ledger: it returns all accumulated contributions
// and clears both the share list and the nonce set.
func (l *contributionLedger) snapshot() []Contribution {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.shares
	l.shares = nil
	l.nonces = map[uint64]struct{}{}
	return out
}

// size reports the number of pending contributions.
func (l *contributionLedger) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.shares)
}
