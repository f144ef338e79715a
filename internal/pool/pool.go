// Package pool orchestrates the reward cycle: block recording, PPLNS
// distribution of matured coinbases, payout execution and restart
// recovery.
package pool

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kaspool/kaspool/internal/config"
	"github.com/kaspool/kaspool/internal/rpc"
	"github.com/kaspool/kaspool/internal/store"
	"github.com/kaspool/kaspool/internal/stratum"
	"github.com/kaspool/kaspool/internal/treasury"
	"github.com/kaspool/kaspool/internal/util"
)

// recoverySweepDelay is how long after startup the mature-block sweep
// runs, giving the node subscriptions time to settle.
const recoverySweepDelay = 5 * time.Second

// recoveryMinAge is the minimum age of an unpaid block before the sweep
// re-checks it. Younger blocks are still in the normal maturity path.
const recoveryMinAge = 2 * time.Minute

// forwardedUTXOWindow is the DAA-score window for the last
// reconstruction stage, matching coinbases forwarded by a secondary
// transaction.
const forwardedUTXOWindow = 100

// Node is the subset of the node client the orchestrator consumes.
type Node interface {
	GetBlock(ctx context.Context, hash string, includeTransactions bool) (*rpc.Block, error)
	GetCurrentBlockColor(ctx context.Context, hash string) (bool, error)
	GetUtxosByAddresses(ctx context.Context, addresses []string) ([]rpc.UTXOPair, error)
}

// Payer is the treasury surface: matured coinbase events in, on-chain
// payouts out.
type Payer interface {
	Coinbases() <-chan treasury.CoinbaseEvent
	Send(ctx context.Context, toAddress string, amount uint64) (string, error)
	Balance(ctx context.Context) (uint64, error)
}

// Shares is the stratum surface the orchestrator drains on block events.
type Shares interface {
	Blocks() <-chan stratum.BlockFound
	SnapshotContributions() []stratum.Contribution
}

// Notifier receives pool lifecycle events for external announcement.
// All methods are best-effort; failures never affect the reward path.
type Notifier interface {
	BlockFound(hash, finder string)
	PaymentSent(address string, amount uint64, txID string)
}

// Pool wires the stratum server, template manager, treasury and store
// into the reward cycle.
type Pool struct {
	cfg      *config.Config
	node     Node
	store    *store.Store
	treasury Payer
	stratum  Shares
	rewards  *rewarding
	notifier Notifier
	log      *zap.SugaredLogger

	// payoutMu serializes distributions and force payouts. At most one
	// reward computation touches balances at a time.
	payoutMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates the orchestrator. notifier may be nil.
func New(cfg *config.Config, node Node, st *store.Store, tr Payer, sv Shares, notifier Notifier) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		cfg:      cfg,
		node:     node,
		store:    st,
		treasury: tr,
		stratum:  sv,
		rewards:  newRewarding(),
		notifier: notifier,
		log:      util.Named("pool"),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start recovers persisted state and begins consuming block and
// coinbase events.
func (p *Pool) Start() error {
	stale, err := p.recoverUnpaid()
	if err != nil {
		return fmt.Errorf("recover unpaid blocks: %w", err)
	}

	if len(stale) > 0 {
		p.wg.Add(1)
		go p.recoverySweep(stale)
	}

	p.wg.Add(2)
	go p.blockLoop()
	go p.coinbaseLoop()

	p.log.Infof("Pool started (%d unpaid blocks reinstated)", p.rewards.size())
	return nil
}

// Stop halts event processing.
func (p *Pool) Stop() {
	p.cancel()
	p.wg.Wait()
	p.log.Info("Pool stopped")
}

// recoverUnpaid reinstates the contribution aggregations of all
// persisted unpaid blocks and returns those old enough for the sweep.
func (p *Pool) recoverUnpaid() ([]store.Block, error) {
	blocks, err := p.store.GetBlocks(0)
	if err != nil {
		return nil, err
	}

	cutoff := time.Now().Add(-recoveryMinAge).Unix()
	var stale []store.Block
	for _, b := range blocks {
		if b.Paid {
			continue
		}
		p.rewards.reinstate(b)
		if b.Timestamp < cutoff {
			stale = append(stale, b)
		}
	}
	return stale, nil
}

// recoverySweep re-checks stale unpaid blocks against the DAG: blue
// blocks get their coinbase value reconstructed and distributed.
func (p *Pool) recoverySweep(stale []store.Block) {
	defer p.wg.Done()

	select {
	case <-time.After(recoverySweepDelay):
	case <-p.ctx.Done():
		return
	}

	p.log.Infof("Recovery sweep over %d stale unpaid blocks", len(stale))
	for _, block := range stale {
		blue, err := p.node.GetCurrentBlockColor(p.ctx, block.Hash)
		if err != nil {
			p.log.Warnf("Recovery: color query for %s failed: %v", block.Hash, err)
			continue
		}
		if !blue {
			continue
		}

		gross, ok := p.reconstructCoinbase(p.ctx, block)
		if !ok {
			p.log.Errorf("Recovery: coinbase value of %s unrecoverable, marking paid", block.Hash)
			if err := p.store.SetBlockPaid(block.Hash, true); err != nil {
				p.log.Errorf("Recovery: marking %s paid failed: %v", block.Hash, err)
			}
			continue
		}

		fee := gross * p.cfg.Treasury.FeeBps() / 10000
		if err := p.store.AddBalance(store.RevenueKey, int64(fee)); err != nil {
			p.log.Errorf("Recovery: crediting revenue failed: %v", err)
		}
		if err := p.distribute(p.ctx, gross-fee); err != nil {
			p.log.Errorf("Recovery: distribution for %s failed: %v", block.Hash, err)
			continue
		}
		if err := p.store.SetBlockPaid(block.Hash, true); err != nil {
			p.log.Errorf("Recovery: marking %s paid failed: %v", block.Hash, err)
		}
	}
}

// reconstructCoinbase re-derives the coinbase amount of a block whose
// maturity event was missed. Four stages, cheapest first; each covers a
// different way the UTXO may have moved since the block was found.
func (p *Pool) reconstructCoinbase(ctx context.Context, block store.Block) (uint64, bool) {
	fundingAddr := util.ExternalAddress(p.cfg.Treasury.Address, p.cfg.Stratum.AddressPrefix())

	utxos, err := p.node.GetUtxosByAddresses(ctx, []string{fundingAddr})
	if err != nil {
		p.log.Warnf("Reconstruct %s: utxo fetch failed: %v", block.Hash, err)
		utxos = nil
	}

	// Stage 1: coinbase UTXO still live at the block's DAA score.
	for _, e := range utxos {
		if e.UTXOEntry.IsCoinbase && e.UTXOEntry.BlockDAAScore == uint64(block.DAAScore) {
			return e.UTXOEntry.Amount, true
		}
	}

	full, err := p.node.GetBlock(ctx, block.Hash, true)
	if err != nil || full == nil || len(full.Transactions) == 0 {
		p.log.Warnf("Reconstruct %s: block fetch failed: %v", block.Hash, err)
	} else {
		coinbase := full.Transactions[0]

		// Stage 2: match the coinbase transaction ID in the UTXO set.
		if coinbase.VerboseData != nil {
			txID := coinbase.VerboseData.TransactionID
			for _, e := range utxos {
				if e.Outpoint.TransactionID == txID {
					return e.UTXOEntry.Amount, true
				}
			}
		}

		// Stage 3: decode the coinbase outputs; the UTXO may be spent
		// but the transaction still names us.
		for _, out := range coinbase.Outputs {
			if out.VerboseData != nil && out.VerboseData.ScriptPublicKeyAddress == fundingAddr {
				return out.Amount, true
			}
		}
	}

	// Stage 4: nearest UTXO within the forwarding window, for coinbases
	// relayed to the funding address by a secondary transaction.
	var (
		best     uint64
		bestDist uint64 = forwardedUTXOWindow + 1
		found    bool
	)
	for _, e := range utxos {
		score := e.UTXOEntry.BlockDAAScore
		var dist uint64
		if score > uint64(block.DAAScore) {
			dist = score - uint64(block.DAAScore)
		} else {
			dist = uint64(block.DAAScore) - score
		}
		if dist <= forwardedUTXOWindow && dist < bestDist {
			best = e.UTXOEntry.Amount
			bestDist = dist
			found = true
		}
	}
	return best, found
}

func (p *Pool) blockLoop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case ev, ok := <-p.stratum.Blocks():
			if !ok {
				return
			}
			p.handleBlock(ev)
		}
	}
}

// handleBlock records a found block: drains the share ledger into the
// rewarding state and persists the record once the node confirms the
// block exists.
func (p *Pool) handleBlock(ev stratum.BlockFound) {
	contribs := p.stratum.SnapshotContributions()
	contribs = append(contribs, ev.Finder)
	p.rewards.record(ev.Hash, contribs)

	ctx, cancel := context.WithTimeout(p.ctx, 15*time.Second)
	defer cancel()

	verified, err := p.node.GetBlock(ctx, ev.Hash, false)
	if err == nil && verified == nil {
		p.log.Warnf("Block %s not found on node, not persisting (orphaned or rejected)", ev.Hash)
		return
	}

	record := store.Block{
		Hash:       ev.Hash,
		Finder:     ev.Finder.Address,
		Timestamp:  time.Now().Unix(),
		FinderDiff: ev.Finder.Difficulty.RatString(),
	}
	if verified != nil {
		record.DAAScore = store.Sompi(verified.Header.DAAScore)
		if verified.VerboseData != nil && verified.VerboseData.Hash != "" {
			record.Hash = verified.VerboseData.Hash
		}
	} else {
		// Transient RPC failure: persist anyway, losing the payout data
		// would be worse than a missing DAA score.
		p.log.Warnf("Block %s verification errored (%v), persisting unverified", ev.Hash, err)
	}
	record.Contributions = storedContributions(contribs)

	if err := p.store.AddBlock(record); err != nil {
		p.log.Errorf("Persisting block %s failed: %v", record.Hash, err)
		return
	}
	if err := p.store.IncrementBlockCount(ev.Finder.Address); err != nil {
		p.log.Errorf("Incrementing block count for %s failed: %v", ev.Finder.Address, err)
	}

	if p.notifier != nil {
		p.notifier.BlockFound(record.Hash, ev.Finder.Address)
	}
}

func storedContributions(contribs []stratum.Contribution) []store.Contribution {
	out := make([]store.Contribution, 0, len(contribs))
	for _, c := range contribs {
		out = append(out, store.Contribution{
			Address:    c.Address,
			Difficulty: c.Difficulty.RatString(),
		})
	}
	return out
}

func (p *Pool) coinbaseLoop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case ev, ok := <-p.treasury.Coinbases():
			if !ok {
				return
			}
			p.handleCoinbase(ev)
		}
	}
}

// handleCoinbase credits the pool fee and distributes the net amount.
func (p *Pool) handleCoinbase(ev treasury.CoinbaseEvent) {
	if ev.Fee > 0 {
		if err := p.store.AddBalance(store.RevenueKey, int64(ev.Fee)); err != nil {
			p.log.Errorf("Crediting pool revenue failed: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(p.ctx, 2*time.Minute)
	defer cancel()
	if err := p.distribute(ctx, ev.Net); err != nil {
		p.log.Errorf("Distribution of %d sompi failed: %v", ev.Net, err)
	}
}

// distribute runs one PPLNS round: folds the last contiguous run of
// unpaid blocks up to and including the first confirmed one, splits the
// net amount by work, and executes payouts past their gates.
func (p *Pool) distribute(ctx context.Context, net uint64) error {
	p.payoutMu.Lock()
	defer p.payoutMu.Unlock()

	order := p.rewards.unpaidOrder()
	if len(order) == 0 {
		p.log.Warnf("Distribution of %d sompi with no unpaid blocks, crediting revenue", net)
		return p.store.AddBalance(store.RevenueKey, int64(net))
	}

	var run []string
	for _, hash := range order {
		run = append(run, hash)
		blue, err := p.node.GetCurrentBlockColor(ctx, hash)
		if err != nil {
			p.log.Warnf("Color query for %s failed: %v", hash, err)
			continue
		}
		if blue {
			break
		}
	}

	contributors, accumulated := p.rewards.take(run)
	if accumulated.Sign() <= 0 {
		p.log.Warnf("Distribution run of %d blocks carries no work, crediting revenue", len(run))
		return p.store.AddBalance(store.RevenueKey, int64(net))
	}

	amount := new(big.Rat).SetUint64(net)
	now := time.Now()
	var payAddresses []string

	for addr, work := range contributors {
		// share = work / accumulated · net, floored to base units.
		share := new(big.Rat).Mul(work, amount)
		share.Quo(share, accumulated)
		sompi := new(big.Int).Quo(share.Num(), share.Denom()).Uint64()
		if sompi == 0 {
			continue
		}

		if err := p.store.AddBalance(addr, int64(sompi)); err != nil {
			return fmt.Errorf("crediting %s: %w", addr, err)
		}

		miner, err := p.store.GetMiner(addr)
		if err != nil {
			p.log.Errorf("Reading miner %s after credit failed: %v", addr, err)
			continue
		}
		if p.shouldPay(miner, now) {
			payAddresses = append(payAddresses, addr)
		}
	}

	p.log.Infof("Distributed %d sompi over %d blocks to %d contributors (%d payouts due)",
		net, len(run), len(contributors), len(payAddresses))

	var firstErr error
	for _, addr := range payAddresses {
		if err := p.payMiner(ctx, addr); err != nil {
			p.log.Errorf("Payout to %s failed: %v", addr, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// shouldPay applies the payout gates: balance over the effective
// threshold, or a configured interval that has elapsed.
func (p *Pool) shouldPay(m store.Miner, now time.Time) bool {
	threshold := store.Sompi(p.cfg.Treasury.Rewarding.PaymentThreshold)
	if m.PaymentThreshold > 0 {
		threshold = m.PaymentThreshold
	}
	if m.Balance > threshold {
		return true
	}
	if m.PaymentInterval > 0 && m.Balance > 0 {
		interval := time.Duration(m.PaymentInterval * float64(time.Hour))
		return now.Sub(time.Unix(m.LastPayoutTime, 0)) >= interval
	}
	return false
}

// payMiner takes the miner's full balance, sends it, and records the
// outcome. A failed send restores the balance and leaves a
// failed-then-restored payment row.
func (p *Pool) payMiner(ctx context.Context, addr string) error {
	amount, err := p.store.TakeBalance(addr)
	if err != nil {
		return fmt.Errorf("take balance: %w", err)
	}
	if amount == 0 {
		return nil
	}

	now := time.Now()
	external := util.ExternalAddress(addr, p.cfg.Stratum.AddressPrefix())

	txID, sendErr := p.treasury.Send(ctx, external, uint64(amount))
	if sendErr != nil {
		restoreErr := p.store.AddBalance(addr, int64(amount))

		failID := fmt.Sprintf("failed-%d-%s", now.UnixNano(), shortKey(addr))
		row := store.Payment{
			TxID:          failID,
			Address:       addr,
			Amount:        amount,
			Status:        store.PaymentFailed,
			BalanceBefore: amount,
			Timestamp:     now.Unix(),
		}
		if err := p.store.AddPayment(row); err != nil {
			p.log.Errorf("Recording failed payment for %s: %v", addr, err)
		} else if restoreErr == nil {
			if err := p.store.UpdatePayment(failID, store.PaymentRestored); err != nil {
				p.log.Errorf("Marking payment %s restored: %v", failID, err)
			}
		}
		if restoreErr != nil {
			p.log.Errorf("RESTORING BALANCE FOR %s FAILED, %d sompi in limbo: %v", addr, amount, restoreErr)
		}
		return fmt.Errorf("send to %s: %w", addr, sendErr)
	}

	blocks, err := p.store.GetBlocksByAddress(addr, 0)
	if err != nil {
		p.log.Errorf("Listing blocks for %s after payout: %v", addr, err)
	}
	var paidHashes []string
	for _, b := range blocks {
		if b.Paid {
			continue
		}
		if err := p.store.SetBlockPaid(b.Hash, true); err != nil {
			p.log.Errorf("Marking block %s paid: %v", b.Hash, err)
			continue
		}
		paidHashes = append(paidHashes, b.Hash)
	}

	row := store.Payment{
		TxID:          txID,
		Address:       addr,
		Amount:        amount,
		Status:        store.PaymentSent,
		BlockHashes:   paidHashes,
		BalanceBefore: amount,
		Timestamp:     now.Unix(),
	}
	if err := p.store.AddPayment(row); err != nil {
		p.log.Errorf("Recording payment %s: %v", txID, err)
	}

	miner, err := p.store.GetMiner(addr)
	if err == nil && miner.PaymentInterval > 0 {
		if err := p.store.SetLastPayoutTime(addr, now); err != nil {
			p.log.Errorf("Setting last payout time for %s: %v", addr, err)
		}
	}

	if p.notifier != nil {
		p.notifier.PaymentSent(addr, uint64(amount), txID)
	}
	return nil
}

// ForcePayout pays out one address's full balance, ignoring the
// threshold and interval gates. addr must be canonical.
func (p *Pool) ForcePayout(ctx context.Context, addr string) error {
	p.payoutMu.Lock()
	defer p.payoutMu.Unlock()

	miner, err := p.store.GetMiner(addr)
	if err != nil {
		return err
	}
	if miner.Balance == 0 {
		return fmt.Errorf("no balance for %s", addr)
	}
	return p.payMiner(ctx, addr)
}

// ForcePayoutAll pays every positive balance. The total is checked
// against the on-chain treasury balance first: a short treasury fails
// the whole attempt rather than paying a partial set.
func (p *Pool) ForcePayoutAll(ctx context.Context) error {
	p.payoutMu.Lock()
	defer p.payoutMu.Unlock()

	miners, err := p.store.GetAllMiners()
	if err != nil {
		return err
	}

	var total uint64
	var due []string
	for _, m := range miners {
		if m.Balance > 0 {
			total += uint64(m.Balance)
			due = append(due, m.Address)
		}
	}
	if len(due) == 0 {
		return nil
	}

	available, err := p.treasury.Balance(ctx)
	if err != nil {
		return fmt.Errorf("treasury balance check: %w", err)
	}
	if available < total {
		return fmt.Errorf("treasury holds %d sompi but %d are owed, refusing partial force payout", available, total)
	}

	var firstErr error
	for _, addr := range due {
		if err := p.payMiner(ctx, addr); err != nil {
			p.log.Errorf("Force payout to %s failed: %v", addr, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func shortKey(addr string) string {
	if len(addr) <= 8 {
		return addr
	}
	return addr[:8]
}
