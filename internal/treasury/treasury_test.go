package treasury

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/kaspool/kaspool/internal/config"
	"github.com/kaspool/kaspool/internal/rpc"
)

var fundingAddr = "kaspa:" + strings.Repeat("q", 61)

func newTestTreasury() *Treasury {
	cfg := &config.TreasuryConfig{
		PrivateKey:       "deadbeef",
		Address:          strings.Repeat("q", 61),
		Fee:              1.0,
		CoinbaseMaturity: 100,
	}
	return New(cfg, nil, fundingAddr)
}

// coinbaseBlock builds a block whose coinbase pays the given address.
func coinbaseBlock(hash, txID, payTo string) *rpc.Block {
	return &rpc.Block{
		VerboseData: &rpc.BlockVerboseData{Hash: hash},
		Transactions: []rpc.Transaction{{
			VerboseData: &rpc.TxVerboseData{TransactionID: txID},
			Outputs: []rpc.TransactionOutput{{
				Amount:      50000000000,
				VerboseData: &rpc.TxOutVerboseData{ScriptPublicKeyAddress: payTo},
			}},
		}},
	}
}

func TestBlockAddedIndexesOwnCoinbase(t *testing.T) {
	tr := newTestTreasury()

	tr.handleBlockAdded(coinbaseBlock("block-1", "tx-1", fundingAddr))

	if got := tr.blockForTx("tx-1"); got != "block-1" {
		t.Errorf("blockForTx = %q, want block-1", got)
	}
	if got := tr.blockForTx("unknown"); got != "" {
		t.Errorf("unknown tx resolved to %q", got)
	}
}

func TestBlockAddedIgnoresForeignCoinbase(t *testing.T) {
	tr := newTestTreasury()

	other := "kaspa:" + strings.Repeat("p", 61)
	tr.handleBlockAdded(coinbaseBlock("block-1", "tx-1", other))

	if got := tr.blockForTx("tx-1"); got != "" {
		t.Errorf("foreign coinbase indexed: %q", got)
	}
}

func TestBlockAddedIgnoresNonCoinbase(t *testing.T) {
	tr := newTestTreasury()

	block := coinbaseBlock("block-1", "tx-1", fundingAddr)
	// An input makes the first transaction a regular spend.
	block.Transactions[0].Inputs = []rpc.TransactionInput{{}}
	tr.handleBlockAdded(block)

	if got := tr.blockForTx("tx-1"); got != "" {
		t.Errorf("non-coinbase transaction indexed: %q", got)
	}
}

func TestBlockAddedDuplicateKeepsFirstBlock(t *testing.T) {
	tr := newTestTreasury()

	tr.handleBlockAdded(coinbaseBlock("block-1", "tx-1", fundingAddr))
	tr.handleBlockAdded(coinbaseBlock("block-2", "tx-1", fundingAddr))

	if got := tr.blockForTx("tx-1"); got != "block-1" {
		t.Errorf("blockForTx = %q, want the first indexed block", got)
	}
}

func TestBlockAddedIndexEviction(t *testing.T) {
	tr := newTestTreasury()

	for i := 0; i <= maxIndexedTxs; i++ {
		tr.handleBlockAdded(coinbaseBlock(
			fmt.Sprintf("block-%d", i), fmt.Sprintf("tx-%d", i), fundingAddr))
	}

	if got := tr.blockForTx("tx-0"); got != "" {
		t.Error("oldest entry should have been evicted")
	}
	if got := tr.blockForTx(fmt.Sprintf("tx-%d", maxIndexedTxs)); got == "" {
		t.Error("newest entry missing")
	}

	tr.mu.Lock()
	defer tr.mu.Unlock()
	if len(tr.txToBlock) != maxIndexedTxs || len(tr.txOrder) != maxIndexedTxs {
		t.Errorf("index size = %d/%d, want %d", len(tr.txToBlock), len(tr.txOrder), maxIndexedTxs)
	}
}

func TestBlockAddedTouchesWatchdog(t *testing.T) {
	tr := newTestTreasury()
	tr.lastBlock = time.Now().Add(-time.Hour)

	tr.handleBlockAdded(&rpc.Block{})

	tr.mu.Lock()
	defer tr.mu.Unlock()
	if time.Since(tr.lastBlock) > time.Minute {
		t.Error("blockAdded did not refresh the watchdog timestamp")
	}
}

func TestCoinbaseEventFeeSplit(t *testing.T) {
	cfg := &config.TreasuryConfig{Fee: 1.0}

	gross := uint64(50000000000)
	fee := gross * cfg.FeeBps() / 10000
	if fee != 500000000 {
		t.Errorf("1%% of %d = %d", gross, fee)
	}
	if gross-fee != 49500000000 {
		t.Errorf("net = %d", gross-fee)
	}
}
