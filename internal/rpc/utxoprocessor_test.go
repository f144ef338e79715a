package rpc

import (
	"fmt"
	"testing"
)

func testPair(txID string, index uint32) UTXOPair {
	return UTXOPair{
		Outpoint:  Outpoint{TransactionID: txID, Index: index},
		UTXOEntry: UTXOEntry{Amount: 100, BlockDAAScore: 1, IsCoinbase: true},
	}
}

func TestAdmitSkipsEmittedOutpoints(t *testing.T) {
	p := NewUTXOProcessor(nil, "kaspa:test", 100)

	pair := testPair("tx-1", 0)
	p.mu.Lock()
	p.markEmitted(pair.Outpoint)
	p.mu.Unlock()

	p.admit([]UTXOPair{pair, testPair("tx-2", 0)})

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.pending[pair.Outpoint]; ok {
		t.Error("already-emitted outpoint re-admitted")
	}
	if _, ok := p.pending[Outpoint{TransactionID: "tx-2"}]; !ok {
		t.Error("fresh outpoint not admitted")
	}
}

func TestEmittedSetIsBounded(t *testing.T) {
	p := NewUTXOProcessor(nil, "kaspa:test", 100)

	p.mu.Lock()
	for i := 0; i <= maxEmittedOutpoints; i++ {
		p.markEmitted(Outpoint{TransactionID: fmt.Sprintf("tx-%d", i)})
	}
	p.mu.Unlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.emitted) != maxEmittedOutpoints || len(p.emittedOrder) != maxEmittedOutpoints {
		t.Errorf("emitted set size = %d/%d, want %d",
			len(p.emitted), len(p.emittedOrder), maxEmittedOutpoints)
	}
	if _, ok := p.emitted[Outpoint{TransactionID: "tx-0"}]; ok {
		t.Error("oldest outpoint should have been evicted")
	}
	newest := Outpoint{TransactionID: fmt.Sprintf("tx-%d", maxEmittedOutpoints)}
	if _, ok := p.emitted[newest]; !ok {
		t.Error("newest outpoint missing")
	}
}
