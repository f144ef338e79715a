// Package treasury manages the pool funding wallet: it turns matured
// coinbase UTXOs into reward events, splits out the pool fee, and sends
// payout transactions through the wallet daemon.
package treasury

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kaspool/kaspool/internal/config"
	"github.com/kaspool/kaspool/internal/rpc"
	"github.com/kaspool/kaspool/internal/util"
)

// staleCoinbaseAge is the cutoff for coinbases that matured before this
// process generation. Rewards older than this were handled by a prior
// run (or belong to someone else's history) and are not re-credited.
const staleCoinbaseAge = 24 * time.Hour

// watchdogInterval bounds how long the blockAdded stream may stay
// silent before the subscription is cycled.
const watchdogInterval = 120 * time.Second

// CoinbaseEvent is one matured coinbase reward, already split into the
// pool fee and the distributable remainder.
type CoinbaseEvent struct {
	Gross     uint64
	Net       uint64
	Fee       uint64
	TxID      string
	BlockHash string // empty when the coinbase could not be tied to a block
	DAAScore  uint64
}

// Treasury owns the funding wallet lifecycle.
type Treasury struct {
	cfg    *config.TreasuryConfig
	client *rpc.Client
	wallet *rpc.WalletClient
	log    *zap.SugaredLogger

	address   string // external (prefixed) form
	processor *rpc.UTXOProcessor

	mu         sync.Mutex
	txToBlock  map[string]string
	txOrder    []string
	lastBlock  time.Time
	startedAt  time.Time

	coinbases chan CoinbaseEvent

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// maxIndexedTxs bounds the coinbase txID index. At ~10 blocks/sec this
// covers several maturity windows.
const maxIndexedTxs = 4096

// New creates a treasury. address must be the external (prefixed) form
// of the funding address.
func New(cfg *config.TreasuryConfig, client *rpc.Client, address string) *Treasury {
	ctx, cancel := context.WithCancel(context.Background())
	return &Treasury{
		cfg:       cfg,
		client:    client,
		log:       util.Named("treasury"),
		wallet:    rpc.NewWalletClient(cfg.WalletURL),
		address:   address,
		processor: rpc.NewUTXOProcessor(client, address, cfg.CoinbaseMaturity),
		txToBlock: map[string]string{},
		coinbases: make(chan CoinbaseEvent, 64),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Coinbases is the matured-reward event stream.
func (t *Treasury) Coinbases() <-chan CoinbaseEvent {
	return t.coinbases
}

// Start subscribes to block and UTXO streams and begins event processing.
func (t *Treasury) Start() error {
	t.startedAt = time.Now()
	t.lastBlock = t.startedAt

	if err := t.client.SubscribeBlockAdded(t.ctx, t.handleBlockAdded); err != nil {
		return fmt.Errorf("subscribe blockAdded: %w", err)
	}
	if err := t.processor.Start(); err != nil {
		return fmt.Errorf("start utxo processor: %w", err)
	}

	t.wg.Add(2)
	go t.eventLoop()
	go t.watchdogLoop()

	t.log.Infof("Treasury started for %s (fee %.2f%%, maturity %d DAA)",
		t.address, t.cfg.Fee, t.cfg.CoinbaseMaturity)
	return nil
}

// Stop shuts down event processing.
func (t *Treasury) Stop() {
	t.cancel()
	t.processor.Stop()
	t.wg.Wait()
	close(t.coinbases)
	t.log.Info("Treasury stopped")
}

// handleBlockAdded indexes coinbase transactions that pay the funding
// address, so matured UTXOs can be tied back to the block that earned
// them.
func (t *Treasury) handleBlockAdded(block *rpc.Block) {
	t.mu.Lock()
	t.lastBlock = time.Now()
	t.mu.Unlock()

	if block.VerboseData == nil || len(block.Transactions) == 0 {
		return
	}
	coinbase := block.Transactions[0]
	if len(coinbase.Inputs) != 0 || coinbase.VerboseData == nil {
		return
	}

	pays := false
	for _, out := range coinbase.Outputs {
		if out.VerboseData != nil && out.VerboseData.ScriptPublicKeyAddress == t.address {
			pays = true
			break
		}
	}
	if !pays {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	txID := coinbase.VerboseData.TransactionID
	if _, exists := t.txToBlock[txID]; !exists {
		t.txToBlock[txID] = block.VerboseData.Hash
		t.txOrder = append(t.txOrder, txID)
		if len(t.txOrder) > maxIndexedTxs {
			evict := t.txOrder[0]
			t.txOrder = t.txOrder[1:]
			delete(t.txToBlock, evict)
		}
	}
}

// blockForTx resolves a coinbase transaction to the block it came from.
func (t *Treasury) blockForTx(txID string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.txToBlock[txID]
}

func (t *Treasury) eventLoop() {
	defer t.wg.Done()

	for {
		select {
		case <-t.ctx.Done():
			return
		case ev, ok := <-t.processor.Events():
			if !ok {
				return
			}
			t.handleMaturity(ev)
		}
	}
}

func (t *Treasury) handleMaturity(ev rpc.MaturityEvent) {
	if !ev.IsCoinbase {
		// Change from our own payout transactions returns here.
		t.log.Debugf("Ignoring non-coinbase deposit of %d sompi (tx %s)", ev.Amount, ev.TxID)
		return
	}

	if t.isStale(ev.BlockDAAScore) {
		t.log.Infof("Skipping stale coinbase %s (%d sompi, DAA %d)", ev.TxID, ev.Amount, ev.BlockDAAScore)
		return
	}

	fee := ev.Amount * t.cfg.FeeBps() / 10000
	event := CoinbaseEvent{
		Gross:     ev.Amount,
		Net:       ev.Amount - fee,
		Fee:       fee,
		TxID:      ev.TxID,
		BlockHash: t.blockForTx(ev.TxID),
		DAAScore:  ev.BlockDAAScore,
	}

	t.log.Infof("Coinbase matured: %d sompi gross, %d fee (tx %s, block %s)",
		event.Gross, event.Fee, event.TxID, event.BlockHash)

	select {
	case t.coinbases <- event:
	case <-t.ctx.Done():
	}
}

// isStale reports whether the coinbase's block predates this process by
// more than the stale cutoff. Estimation failures err on the side of
// crediting.
func (t *Treasury) isStale(daaScore uint64) bool {
	ctx, cancel := context.WithTimeout(t.ctx, 10*time.Second)
	defer cancel()

	timestamps, err := t.client.GetDAAScoreTimestampEstimate(ctx, []uint64{daaScore})
	if err != nil || len(timestamps) == 0 {
		t.log.Warnf("DAA timestamp estimate failed for %d: %v", daaScore, err)
		return false
	}
	blockTime := time.UnixMilli(timestamps[0])
	return blockTime.Before(t.startedAt.Add(-staleCoinbaseAge))
}

// watchdogLoop cycles the blockAdded subscription when the stream goes
// silent. A healthy network produces blocks every ~100ms; two minutes
// of silence means the subscription is dead.
func (t *Treasury) watchdogLoop() {
	defer t.wg.Done()

	ticker := time.NewTicker(watchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			t.mu.Lock()
			stale := time.Since(t.lastBlock) > watchdogInterval
			t.mu.Unlock()
			if !stale {
				continue
			}

			t.log.Warnf("No blockAdded notifications for %s, resubscribing", watchdogInterval)
			ctx, cancel := context.WithTimeout(t.ctx, 10*time.Second)
			if err := t.client.UnsubscribeBlockAdded(ctx); err != nil {
				t.log.Warnf("Unsubscribe blockAdded failed: %v", err)
			}
			if err := t.client.SubscribeBlockAdded(ctx, t.handleBlockAdded); err != nil {
				t.log.Errorf("Resubscribe blockAdded failed: %v", err)
			} else {
				t.mu.Lock()
				t.lastBlock = time.Now()
				t.mu.Unlock()
			}
			cancel()
		}
	}
}

// Balance returns the confirmed funding wallet balance.
func (t *Treasury) Balance(ctx context.Context) (uint64, error) {
	return t.client.GetBalanceByAddress(ctx, t.address)
}

// Send pays amount to the external-form address, verifying funds first.
// Returns the broadcast transaction ID.
func (t *Treasury) Send(ctx context.Context, toAddress string, amount uint64) (string, error) {
	entries, err := t.client.GetUtxosByAddresses(ctx, []string{t.address})
	if err != nil {
		return "", fmt.Errorf("fetch treasury utxos: %w", err)
	}
	var available uint64
	for _, e := range entries {
		available += e.UTXOEntry.Amount
	}
	if available < amount {
		return "", fmt.Errorf("insufficient treasury funds: have %d, need %d", available, amount)
	}

	feerate := 1.0
	if fe, err := t.client.GetFeeEstimate(ctx); err != nil {
		t.log.Warnf("Fee estimate failed, using feerate %v: %v", feerate, err)
	} else if len(fe.NormalBuckets) > 0 {
		feerate = fe.NormalBuckets[0].Feerate
	} else {
		feerate = fe.PriorityBucket.Feerate
	}

	txID, err := t.wallet.Send(ctx, rpc.SendRequest{
		FromKeyHex: t.cfg.PrivateKey,
		ToAddress:  toAddress,
		Amount:     amount,
		Feerate:    feerate,
	})
	if err != nil {
		return "", fmt.Errorf("wallet send: %w", err)
	}

	t.log.Infof("Sent %d sompi to %s (tx %s)", amount, toAddress, txID)
	return txID, nil
}
