package rpc

import (
	"context"
	"sync"
	"time"

	"github.com/kaspool/kaspool/internal/util"
)

// MaturityEvent is emitted when a watched UTXO reaches coinbase
// maturity (or immediately, for non-coinbase deposits).
type MaturityEvent struct {
	Amount        uint64
	TxID          string
	BlockDAAScore uint64
	IsCoinbase    bool
}

// UTXOProcessor watches one address's UTXO set and emits maturity
// events once pending coinbase outputs are maturity DAA steps behind
// the virtual.
type UTXOProcessor struct {
	client   *Client
	address  string // external (prefixed) form, as the node requires
	maturity uint64

	mu           sync.Mutex
	pending      map[Outpoint]UTXOPair
	emitted      map[Outpoint]struct{}
	emittedOrder []Outpoint

	events chan MaturityEvent

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// maxEmittedOutpoints bounds the emitted-outpoint set. The set only has
// to cover outpoints that may still reappear in a UTXO notification; at
// ~10 blocks/sec this spans many maturity windows.
const maxEmittedOutpoints = 8192

// NewUTXOProcessor creates a processor for the given prefixed address.
// maturity is the network coinbase-maturity parameter in DAA steps.
func NewUTXOProcessor(client *Client, address string, maturity uint64) *UTXOProcessor {
	ctx, cancel := context.WithCancel(context.Background())
	return &UTXOProcessor{
		client:   client,
		address:  address,
		maturity: maturity,
		pending:  map[Outpoint]UTXOPair{},
		emitted:  map[Outpoint]struct{}{},
		events:   make(chan MaturityEvent, 64),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Events is the maturity event stream.
func (p *UTXOProcessor) Events() <-chan MaturityEvent {
	return p.events
}

// Start seeds the pending set from the current UTXO snapshot, subscribes
// to changes and begins the maturity poll loop.
func (p *UTXOProcessor) Start() error {
	entries, err := p.client.GetUtxosByAddresses(p.ctx, []string{p.address})
	if err != nil {
		return err
	}
	p.admit(entries)

	if err := p.client.SubscribeUtxosChanged(p.ctx, []string{p.address}, p.admit); err != nil {
		return err
	}

	p.wg.Add(1)
	go p.pollLoop()

	util.Infof("UTXO processor watching %s (maturity %d DAA)", p.address, p.maturity)
	return nil
}

// Stop shuts the processor down.
func (p *UTXOProcessor) Stop() {
	p.cancel()
	p.wg.Wait()
	close(p.events)
}

func (p *UTXOProcessor) admit(entries []UTXOPair) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range entries {
		if _, seen := p.emitted[e.Outpoint]; seen {
			continue
		}
		p.pending[e.Outpoint] = e
	}
}

// markEmitted records an emitted outpoint, evicting FIFO past the cap.
// Caller holds p.mu.
func (p *UTXOProcessor) markEmitted(op Outpoint) {
	p.emitted[op] = struct{}{}
	p.emittedOrder = append(p.emittedOrder, op)
	if len(p.emittedOrder) > maxEmittedOutpoints {
		old := p.emittedOrder[0]
		p.emittedOrder = p.emittedOrder[1:]
		delete(p.emitted, old)
	}
}

func (p *UTXOProcessor) pollLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(3 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.sweep()
		}
	}
}

// sweep emits events for pending entries that have matured.
func (p *UTXOProcessor) sweep() {
	info, err := p.client.GetBlockDAGInfo(p.ctx)
	if err != nil {
		util.Warnf("UTXO processor: DAG info failed: %v", err)
		return
	}
	virtual := info.VirtualDAAScore

	p.mu.Lock()
	var matured []UTXOPair
	for op, e := range p.pending {
		need := e.UTXOEntry.BlockDAAScore + p.maturity
		if !e.UTXOEntry.IsCoinbase || virtual >= need {
			matured = append(matured, e)
			delete(p.pending, op)
			p.markEmitted(op)
		}
	}
	p.mu.Unlock()

	for _, e := range matured {
		ev := MaturityEvent{
			Amount:        e.UTXOEntry.Amount,
			TxID:          e.Outpoint.TransactionID,
			BlockDAAScore: e.UTXOEntry.BlockDAAScore,
			IsCoinbase:    e.UTXOEntry.IsCoinbase,
		}
		select {
		case p.events <- ev:
		case <-p.ctx.Done():
			return
		}
	}
}
