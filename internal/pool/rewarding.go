package pool

import (
	"math/big"
	"sync"

	"github.com/kaspool/kaspool/internal/store"
	"github.com/kaspool/kaspool/internal/stratum"
	"github.com/kaspool/kaspool/internal/util"
)

// blockReward is the in-memory contribution aggregation for one unpaid
// block: per-address summed work plus the block's total.
type blockReward struct {
	hash          string
	contributions map[string]*big.Rat
	totalWork     *big.Rat
}

// rewarding holds the unpaid-block aggregations in arrival order. It is
// pure state; the orchestrator drives the PPLNS fold and the node
// queries around it.
type rewarding struct {
	mu     sync.Mutex
	blocks map[string]*blockReward
	order  []string
}

func newRewarding() *rewarding {
	return &rewarding{blocks: map[string]*blockReward{}}
}

// record aggregates freshly drained stratum contributions under a block
// hash. Duplicate hashes merge into the existing aggregation.
func (r *rewarding) record(hash string, contribs []stratum.Contribution) {
	r.mu.Lock()
	defer r.mu.Unlock()

	br := r.ensure(hash)
	for _, c := range contribs {
		br.fold(c.Address, c.Difficulty)
	}
}

// reinstate rebuilds an aggregation from a persisted block record.
// Unparseable difficulty strings are skipped with a warning rather than
// poisoning the whole block.
func (r *rewarding) reinstate(block store.Block) {
	r.mu.Lock()
	defer r.mu.Unlock()

	br := r.ensure(block.Hash)
	for _, c := range block.Contributions {
		diff, ok := new(big.Rat).SetString(c.Difficulty)
		if !ok {
			util.Warnf("Block %s: unparseable contribution difficulty %q", block.Hash, c.Difficulty)
			continue
		}
		br.fold(c.Address, diff)
	}
}

func (r *rewarding) ensure(hash string) *blockReward {
	br, ok := r.blocks[hash]
	if !ok {
		br = &blockReward{
			hash:          hash,
			contributions: map[string]*big.Rat{},
			totalWork:     new(big.Rat),
		}
		r.blocks[hash] = br
		r.order = append(r.order, hash)
	}
	return br
}

func (br *blockReward) fold(addr string, diff *big.Rat) {
	sum, ok := br.contributions[addr]
	if !ok {
		sum = new(big.Rat)
		br.contributions[addr] = sum
	}
	sum.Add(sum, diff)
	br.totalWork.Add(br.totalWork, diff)
}

// unpaidOrder snapshots the block hashes in arrival order.
func (r *rewarding) unpaidOrder() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// take folds the given blocks into one contributor map and removes them
// from the state. Returns the merged address→work map and the
// accumulated total work.
func (r *rewarding) take(hashes []string) (map[string]*big.Rat, *big.Rat) {
	r.mu.Lock()
	defer r.mu.Unlock()

	contributors := map[string]*big.Rat{}
	accumulated := new(big.Rat)

	taken := map[string]struct{}{}
	for _, hash := range hashes {
		br, ok := r.blocks[hash]
		if !ok {
			continue
		}
		for addr, work := range br.contributions {
			sum, ok := contributors[addr]
			if !ok {
				sum = new(big.Rat)
				contributors[addr] = sum
			}
			sum.Add(sum, work)
		}
		accumulated.Add(accumulated, br.totalWork)
		delete(r.blocks, hash)
		taken[hash] = struct{}{}
	}

	remaining := r.order[:0]
	for _, hash := range r.order {
		if _, gone := taken[hash]; !gone {
			remaining = append(remaining, hash)
		}
	}
	r.order = remaining

	return contributors, accumulated
}

// size reports the number of tracked unpaid blocks.
func (r *rewarding) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.order)
}
