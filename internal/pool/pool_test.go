package pool

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kaspool/kaspool/internal/config"
	"github.com/kaspool/kaspool/internal/rpc"
	"github.com/kaspool/kaspool/internal/store"
	"github.com/kaspool/kaspool/internal/stratum"
	"github.com/kaspool/kaspool/internal/treasury"
)

type fakeNode struct {
	mu       sync.Mutex
	colors   map[string]bool
	colorErr map[string]error
	blocks   map[string]*rpc.Block
	blockErr error
	utxos    []rpc.UTXOPair
	utxoErr  error
}

func (f *fakeNode) GetBlock(ctx context.Context, hash string, includeTransactions bool) (*rpc.Block, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.blockErr != nil {
		return nil, f.blockErr
	}
	return f.blocks[hash], nil
}

func (f *fakeNode) GetCurrentBlockColor(ctx context.Context, hash string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.colorErr[hash]; err != nil {
		return false, err
	}
	return f.colors[hash], nil
}

func (f *fakeNode) GetUtxosByAddresses(ctx context.Context, addresses []string) ([]rpc.UTXOPair, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.utxos, f.utxoErr
}

type sentPayout struct {
	to     string
	amount uint64
}

type fakePayer struct {
	mu       sync.Mutex
	events   chan treasury.CoinbaseEvent
	balance  uint64
	sendErr  error
	sent     []sentPayout
	seq      int
}

func newFakePayer() *fakePayer {
	return &fakePayer{events: make(chan treasury.CoinbaseEvent, 4)}
}

func (f *fakePayer) Coinbases() <-chan treasury.CoinbaseEvent { return f.events }

func (f *fakePayer) Balance(ctx context.Context) (uint64, error) {
	return f.balance, nil
}

func (f *fakePayer) Send(ctx context.Context, toAddress string, amount uint64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.seq++
	f.sent = append(f.sent, sentPayout{toAddress, amount})
	return fmt.Sprintf("tx-%d", f.seq), nil
}

type fakeShares struct {
	mu       sync.Mutex
	events   chan stratum.BlockFound
	contribs []stratum.Contribution
}

func newFakeShares() *fakeShares {
	return &fakeShares{events: make(chan stratum.BlockFound, 4)}
}

func (f *fakeShares) Blocks() <-chan stratum.BlockFound { return f.events }

func (f *fakeShares) SnapshotContributions() []stratum.Contribution {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.contribs
	f.contribs = nil
	return out
}

type recordedNotify struct {
	mu       sync.Mutex
	blocks   []string
	payments []string
}

func (n *recordedNotify) BlockFound(hash, finder string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.blocks = append(n.blocks, hash)
}

func (n *recordedNotify) PaymentSent(address string, amount uint64, txID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.payments = append(n.payments, txID)
}

func testConfig() *config.Config {
	return &config.Config{
		Treasury: config.TreasuryConfig{
			Address: strings.Repeat("q", 61),
			Fee:     1.0,
			Rewarding: config.RewardingConfig{
				PaymentThreshold: 100000,
			},
		},
		Stratum: config.StratumConfig{Network: "mainnet"},
	}
}

func newTestPool(t *testing.T, node *fakeNode, payer *fakePayer) (*Pool, *store.Store, *recordedNotify) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "pool.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	notifier := &recordedNotify{}
	p := New(testConfig(), node, st, payer, newFakeShares(), notifier)
	t.Cleanup(p.cancel)
	return p, st, notifier
}

func balanceOf(t *testing.T, st *store.Store, addr string) uint64 {
	t.Helper()
	m, err := st.GetMiner(addr)
	if err != nil {
		t.Fatalf("get miner %s: %v", addr, err)
	}
	return uint64(m.Balance)
}

func TestDistributeSplitsByWork(t *testing.T) {
	node := &fakeNode{colors: map[string]bool{"h1": true}}
	p, st, _ := newTestPool(t, node, newFakePayer())

	p.rewards.record("h1", []stratum.Contribution{
		contrib("alice", 3),
		contrib("bob", 1),
	})

	if err := p.distribute(context.Background(), 1000); err != nil {
		t.Fatalf("distribute: %v", err)
	}

	if got := balanceOf(t, st, "alice"); got != 750 {
		t.Errorf("alice balance = %d, want 750", got)
	}
	if got := balanceOf(t, st, "bob"); got != 250 {
		t.Errorf("bob balance = %d, want 250", got)
	}
	if p.rewards.size() != 0 {
		t.Errorf("distributed blocks still tracked: %d", p.rewards.size())
	}
}

func TestDistributeFloorsShares(t *testing.T) {
	node := &fakeNode{colors: map[string]bool{"h1": true}}
	p, st, _ := newTestPool(t, node, newFakePayer())

	p.rewards.record("h1", []stratum.Contribution{
		contrib("alice", 1),
		contrib("bob", 1),
		contrib("carol", 1),
	})

	if err := p.distribute(context.Background(), 1000); err != nil {
		t.Fatalf("distribute: %v", err)
	}

	// 1000/3 floored; the dust stays in the treasury.
	for _, addr := range []string{"alice", "bob", "carol"} {
		if got := balanceOf(t, st, addr); got != 333 {
			t.Errorf("%s balance = %d, want 333", addr, got)
		}
	}
}

func TestDistributeStopsAtFirstBlueBlock(t *testing.T) {
	node := &fakeNode{colors: map[string]bool{"h1": false, "h2": true, "h3": false}}
	p, st, _ := newTestPool(t, node, newFakePayer())

	p.rewards.record("h1", []stratum.Contribution{contrib("alice", 1)})
	p.rewards.record("h2", []stratum.Contribution{contrib("alice", 1)})
	p.rewards.record("h3", []stratum.Contribution{contrib("bob", 8)})

	if err := p.distribute(context.Background(), 1000); err != nil {
		t.Fatalf("distribute: %v", err)
	}

	// h3 arrived after the confirmed block and waits for the next round.
	if got := balanceOf(t, st, "alice"); got != 1000 {
		t.Errorf("alice balance = %d, want 1000", got)
	}
	if got := balanceOf(t, st, "bob"); got != 0 {
		t.Errorf("bob balance = %d, want 0", got)
	}
	if p.rewards.size() != 1 {
		t.Errorf("remaining blocks = %d, want 1", p.rewards.size())
	}
}

func TestDistributeColorErrorKeepsFolding(t *testing.T) {
	node := &fakeNode{
		colors:   map[string]bool{"h2": true},
		colorErr: map[string]error{"h1": errors.New("node busy")},
	}
	p, st, _ := newTestPool(t, node, newFakePayer())

	p.rewards.record("h1", []stratum.Contribution{contrib("alice", 1)})
	p.rewards.record("h2", []stratum.Contribution{contrib("bob", 1)})

	if err := p.distribute(context.Background(), 1000); err != nil {
		t.Fatalf("distribute: %v", err)
	}

	// Both blocks fold despite the failed color query on h1.
	if got := balanceOf(t, st, "alice"); got != 500 {
		t.Errorf("alice balance = %d, want 500", got)
	}
	if got := balanceOf(t, st, "bob"); got != 500 {
		t.Errorf("bob balance = %d, want 500", got)
	}
}

func TestDistributeWithoutBlocksCreditsRevenue(t *testing.T) {
	p, st, _ := newTestPool(t, &fakeNode{}, newFakePayer())

	if err := p.distribute(context.Background(), 777); err != nil {
		t.Fatalf("distribute: %v", err)
	}
	if got := balanceOf(t, st, store.RevenueKey); got != 777 {
		t.Errorf("revenue balance = %d, want 777", got)
	}
}

func TestDistributeZeroWorkCreditsRevenue(t *testing.T) {
	node := &fakeNode{colors: map[string]bool{"h1": true}}
	p, st, _ := newTestPool(t, node, newFakePayer())

	p.rewards.record("h1", nil)

	if err := p.distribute(context.Background(), 500); err != nil {
		t.Fatalf("distribute: %v", err)
	}
	if got := balanceOf(t, st, store.RevenueKey); got != 500 {
		t.Errorf("revenue balance = %d, want 500", got)
	}
}

func TestDistributeTriggersPayout(t *testing.T) {
	node := &fakeNode{colors: map[string]bool{"h1": true}}
	payer := newFakePayer()
	p, st, notifier := newTestPool(t, node, payer)

	if err := st.AddBlock(store.Block{Hash: "h1", Finder: "alice", Timestamp: time.Now().Unix()}); err != nil {
		t.Fatal(err)
	}
	p.rewards.record("h1", []stratum.Contribution{contrib("alice", 1)})

	// Over the 100000 sompi pool threshold.
	if err := p.distribute(context.Background(), 500000); err != nil {
		t.Fatalf("distribute: %v", err)
	}

	if len(payer.sent) != 1 {
		t.Fatalf("sent %d payouts, want 1", len(payer.sent))
	}
	if payer.sent[0].to != "kaspa:alice" {
		t.Errorf("payout went to %q", payer.sent[0].to)
	}
	if payer.sent[0].amount != 500000 {
		t.Errorf("payout amount = %d, want 500000", payer.sent[0].amount)
	}
	if got := balanceOf(t, st, "alice"); got != 0 {
		t.Errorf("alice balance after payout = %d", got)
	}

	payments, err := st.GetPayments(10)
	if err != nil || len(payments) != 1 {
		t.Fatalf("payments = %v (%v)", payments, err)
	}
	pay := payments[0]
	if pay.Status != store.PaymentSent || pay.TxID != "tx-1" {
		t.Errorf("payment = %+v", pay)
	}
	if len(pay.BlockHashes) != 1 || pay.BlockHashes[0] != "h1" {
		t.Errorf("payment block hashes = %v", pay.BlockHashes)
	}

	blocks, _ := st.GetBlocksByAddress("alice", 0)
	if len(blocks) != 1 || !blocks[0].Paid {
		t.Error("finder's block not flipped to paid")
	}

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if len(notifier.payments) != 1 || notifier.payments[0] != "tx-1" {
		t.Errorf("payment notifications = %v", notifier.payments)
	}
}

func TestDistributeBelowThresholdHoldsBalance(t *testing.T) {
	node := &fakeNode{colors: map[string]bool{"h1": true}}
	payer := newFakePayer()
	p, st, _ := newTestPool(t, node, payer)

	p.rewards.record("h1", []stratum.Contribution{contrib("alice", 1)})

	if err := p.distribute(context.Background(), 50000); err != nil {
		t.Fatalf("distribute: %v", err)
	}
	if len(payer.sent) != 0 {
		t.Errorf("sub-threshold balance paid out: %v", payer.sent)
	}
	if got := balanceOf(t, st, "alice"); got != 50000 {
		t.Errorf("alice balance = %d, want 50000", got)
	}
}

func TestPayMinerSendFailureRestoresBalance(t *testing.T) {
	payer := newFakePayer()
	payer.sendErr = errors.New("wallet down")
	p, st, notifier := newTestPool(t, &fakeNode{}, payer)

	st.AddBalance("alice", 500)

	if err := p.payMiner(context.Background(), "alice"); err == nil {
		t.Fatal("payMiner should surface the send failure")
	}

	if got := balanceOf(t, st, "alice"); got != 500 {
		t.Errorf("balance after failed send = %d, want 500", got)
	}

	payments, _ := st.GetPayments(10)
	if len(payments) != 1 {
		t.Fatalf("payments = %v", payments)
	}
	if payments[0].Status != store.PaymentRestored {
		t.Errorf("payment status = %q, want %q", payments[0].Status, store.PaymentRestored)
	}
	if !strings.HasPrefix(payments[0].TxID, "failed-") {
		t.Errorf("failed payment txID = %q", payments[0].TxID)
	}

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if len(notifier.payments) != 0 {
		t.Error("failed payout must not be announced")
	}
}

func TestShouldPay(t *testing.T) {
	p, _, _ := newTestPool(t, &fakeNode{}, newFakePayer())
	now := time.Now()

	tests := []struct {
		name  string
		miner store.Miner
		want  bool
	}{
		{"over pool threshold", store.Miner{Balance: 100001}, true},
		{"at pool threshold", store.Miner{Balance: 100000}, false},
		{"over per-miner override", store.Miner{Balance: 501, PaymentThreshold: 500}, true},
		{"under raised override", store.Miner{Balance: 150000, PaymentThreshold: 200000}, false},
		{"interval elapsed", store.Miner{Balance: 10, PaymentInterval: 1, LastPayoutTime: now.Add(-2 * time.Hour).Unix()}, true},
		{"interval pending", store.Miner{Balance: 10, PaymentInterval: 1, LastPayoutTime: now.Add(-30 * time.Minute).Unix()}, false},
		{"interval with zero balance", store.Miner{Balance: 0, PaymentInterval: 1}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := p.shouldPay(tc.miner, now); got != tc.want {
				t.Errorf("shouldPay(%+v) = %v, want %v", tc.miner, got, tc.want)
			}
		})
	}
}

func TestHandleBlockPersistsVerified(t *testing.T) {
	node := &fakeNode{blocks: map[string]*rpc.Block{
		"local-h1": {
			Header:      rpc.BlockHeader{DAAScore: 4242},
			VerboseData: &rpc.BlockVerboseData{Hash: "canonical-h1"},
		},
	}}
	p, st, notifier := newTestPool(t, node, newFakePayer())
	shares := p.stratum.(*fakeShares)
	shares.contribs = []stratum.Contribution{contrib("bob", 7)}

	p.handleBlock(stratum.BlockFound{Hash: "local-h1", Finder: contrib("alice", 2)})

	blocks, err := st.GetBlocks(0)
	if err != nil || len(blocks) != 1 {
		t.Fatalf("blocks = %v (%v)", blocks, err)
	}
	b := blocks[0]
	if b.Hash != "canonical-h1" {
		t.Errorf("persisted under %q, want the node-canonical hash", b.Hash)
	}
	if b.Finder != "alice" || uint64(b.DAAScore) != 4242 {
		t.Errorf("block = %+v", b)
	}
	if len(b.Contributions) != 2 {
		t.Errorf("contributions = %v, want drained shares plus the finder", b.Contributions)
	}

	miner, _ := st.GetMiner("alice")
	if miner.BlocksFound != 1 {
		t.Errorf("finder block count = %d", miner.BlocksFound)
	}

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if len(notifier.blocks) != 1 || notifier.blocks[0] != "canonical-h1" {
		t.Errorf("block notifications = %v", notifier.blocks)
	}
}

func TestHandleBlockOrphanNotPersisted(t *testing.T) {
	// Node answers nil: the block vanished before verification.
	p, st, _ := newTestPool(t, &fakeNode{}, newFakePayer())

	p.handleBlock(stratum.BlockFound{Hash: "gone", Finder: contrib("alice", 2)})

	blocks, _ := st.GetBlocks(0)
	if len(blocks) != 0 {
		t.Errorf("orphan persisted: %v", blocks)
	}
	// The work still folds into the next distribution round.
	if p.rewards.size() != 1 {
		t.Errorf("orphan contributions dropped from rewarding state")
	}
}

func TestHandleBlockVerificationErrorStillPersists(t *testing.T) {
	node := &fakeNode{blockErr: errors.New("rpc timeout")}
	p, st, _ := newTestPool(t, node, newFakePayer())

	p.handleBlock(stratum.BlockFound{Hash: "h1", Finder: contrib("alice", 2)})

	blocks, _ := st.GetBlocks(0)
	if len(blocks) != 1 || blocks[0].Hash != "h1" {
		t.Fatalf("blocks = %v", blocks)
	}
}

func TestHandleCoinbaseCreditsFee(t *testing.T) {
	p, st, _ := newTestPool(t, &fakeNode{}, newFakePayer())

	p.handleCoinbase(treasury.CoinbaseEvent{Gross: 1000, Net: 990, Fee: 10})

	// No unpaid blocks: the net also lands in revenue.
	if got := balanceOf(t, st, store.RevenueKey); got != 1000 {
		t.Errorf("revenue balance = %d, want 1000", got)
	}
}

func TestRecoverUnpaidReinstatesAndFindsStale(t *testing.T) {
	p, st, _ := newTestPool(t, &fakeNode{}, newFakePayer())

	old := time.Now().Add(-10 * time.Minute).Unix()
	st.AddBlock(store.Block{
		Hash: "h-old", Finder: "alice", Timestamp: old,
		Contributions: []store.Contribution{{Address: "alice", Difficulty: "64"}},
	})
	st.AddBlock(store.Block{
		Hash: "h-new", Finder: "bob", Timestamp: time.Now().Unix(),
		Contributions: []store.Contribution{{Address: "bob", Difficulty: "64"}},
	})
	st.AddBlock(store.Block{Hash: "h-paid", Finder: "carol", Timestamp: old, Paid: true})

	stale, err := p.recoverUnpaid()
	if err != nil {
		t.Fatalf("recoverUnpaid: %v", err)
	}

	if p.rewards.size() != 2 {
		t.Errorf("reinstated %d blocks, want 2 (paid excluded)", p.rewards.size())
	}
	if len(stale) != 1 || stale[0].Hash != "h-old" {
		t.Errorf("stale = %v, want only h-old", stale)
	}
}

func TestReconstructCoinbase(t *testing.T) {
	funding := "kaspa:" + strings.Repeat("q", 61)
	block := store.Block{Hash: "h1", DAAScore: 5000}

	tests := []struct {
		name   string
		node   *fakeNode
		want   uint64
		wantOK bool
	}{
		{
			name: "live coinbase utxo at block daa score",
			node: &fakeNode{utxos: []rpc.UTXOPair{
				{UTXOEntry: rpc.UTXOEntry{Amount: 111, BlockDAAScore: 5000, IsCoinbase: true}},
			}},
			want: 111, wantOK: true,
		},
		{
			name: "utxo matched by coinbase transaction id",
			node: &fakeNode{
				utxos: []rpc.UTXOPair{
					{Outpoint: rpc.Outpoint{TransactionID: "cbtx"}, UTXOEntry: rpc.UTXOEntry{Amount: 222, BlockDAAScore: 9999}},
				},
				blocks: map[string]*rpc.Block{"h1": {
					Transactions: []rpc.Transaction{{VerboseData: &rpc.TxVerboseData{TransactionID: "cbtx"}}},
				}},
			},
			want: 222, wantOK: true,
		},
		{
			name: "decoded coinbase output to funding address",
			node: &fakeNode{
				blocks: map[string]*rpc.Block{"h1": {
					Transactions: []rpc.Transaction{{
						VerboseData: &rpc.TxVerboseData{TransactionID: "other"},
						Outputs: []rpc.TransactionOutput{{
							Amount:      333,
							VerboseData: &rpc.TxOutVerboseData{ScriptPublicKeyAddress: funding},
						}},
					}},
				}},
			},
			want: 333, wantOK: true,
		},
		{
			name: "nearest utxo inside the forwarding window",
			node: &fakeNode{utxos: []rpc.UTXOPair{
				{UTXOEntry: rpc.UTXOEntry{Amount: 999, BlockDAAScore: 5090}},
				{UTXOEntry: rpc.UTXOEntry{Amount: 444, BlockDAAScore: 5010}},
			}},
			want: 444, wantOK: true,
		},
		{
			name: "utxo outside the forwarding window",
			node: &fakeNode{utxos: []rpc.UTXOPair{
				{UTXOEntry: rpc.UTXOEntry{Amount: 999, BlockDAAScore: 5200}},
			}},
			wantOK: false,
		},
		{
			name:   "nothing to go on",
			node:   &fakeNode{},
			wantOK: false,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p, _, _ := newTestPool(t, tc.node, newFakePayer())
			got, ok := p.reconstructCoinbase(context.Background(), block)
			if ok != tc.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tc.wantOK)
			}
			if ok && got != tc.want {
				t.Errorf("amount = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestForcePayout(t *testing.T) {
	payer := newFakePayer()
	p, st, _ := newTestPool(t, &fakeNode{}, payer)

	if err := p.ForcePayout(context.Background(), "alice"); err == nil {
		t.Error("force payout with no balance should fail")
	}

	st.AddBalance("alice", 42)
	if err := p.ForcePayout(context.Background(), "alice"); err != nil {
		t.Fatalf("ForcePayout: %v", err)
	}
	if len(payer.sent) != 1 || payer.sent[0].amount != 42 {
		t.Errorf("sent = %v", payer.sent)
	}
	if got := balanceOf(t, st, "alice"); got != 0 {
		t.Errorf("balance after force payout = %d", got)
	}
}

func TestForcePayoutAllRefusesShortTreasury(t *testing.T) {
	payer := newFakePayer()
	payer.balance = 500
	p, st, _ := newTestPool(t, &fakeNode{}, payer)

	st.AddBalance("alice", 600)
	st.AddBalance("bob", 400)

	err := p.ForcePayoutAll(context.Background())
	if err == nil || !strings.Contains(err.Error(), "refusing partial") {
		t.Fatalf("err = %v, want partial-payout refusal", err)
	}
	if len(payer.sent) != 0 {
		t.Errorf("short treasury still sent payouts: %v", payer.sent)
	}
	if balanceOf(t, st, "alice") != 600 || balanceOf(t, st, "bob") != 400 {
		t.Error("balances touched despite refusal")
	}
}

func TestForcePayoutAllPaysEveryone(t *testing.T) {
	payer := newFakePayer()
	payer.balance = 10000
	p, st, _ := newTestPool(t, &fakeNode{}, payer)

	st.AddBalance("alice", 600)
	st.AddBalance("bob", 400)

	if err := p.ForcePayoutAll(context.Background()); err != nil {
		t.Fatalf("ForcePayoutAll: %v", err)
	}
	if len(payer.sent) != 2 {
		t.Fatalf("sent = %v", payer.sent)
	}
	if balanceOf(t, st, "alice") != 0 || balanceOf(t, st, "bob") != 0 {
		t.Error("balances not drained")
	}
}

func TestStoredContributionsRoundTrip(t *testing.T) {
	in := []stratum.Contribution{
		{Address: "alice", Difficulty: big.NewRat(2048, 3)},
	}
	out := storedContributions(in)
	if len(out) != 1 || out[0].Difficulty != "2048/3" {
		t.Errorf("stored = %v", out)
	}
}
