package store

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSompiJSON(t *testing.T) {
	// Amounts above 53 bits must serialize as strings.
	v := Sompi(1 << 60)
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `"1152921504606846976"` {
		t.Errorf("Sompi serialized as %s", data)
	}

	var back Sompi
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back != v {
		t.Errorf("round trip: %d != %d", back, v)
	}

	// Numeric form accepted for hand-edited databases.
	if err := json.Unmarshal([]byte(`42`), &back); err != nil {
		t.Fatalf("numeric unmarshal: %v", err)
	}
	if back != 42 {
		t.Errorf("numeric form gave %d", back)
	}
}

func TestGetMinerDefault(t *testing.T) {
	s := openTestStore(t)

	m, err := s.GetMiner("unknown")
	if err != nil {
		t.Fatalf("GetMiner: %v", err)
	}
	if m.Address != "unknown" || m.Balance != 0 || m.BlocksFound != 0 {
		t.Errorf("unknown miner should be zero-valued, got %+v", m)
	}
}

func TestAddBalance(t *testing.T) {
	s := openTestStore(t)

	if err := s.AddBalance("alice", 100); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if err := s.AddBalance("alice", -30); err != nil {
		t.Fatalf("debit: %v", err)
	}

	m, _ := s.GetMiner("alice")
	if m.Balance != 70 {
		t.Errorf("balance = %d, want 70", m.Balance)
	}

	// Underflow is rejected and leaves the record untouched.
	err := s.AddBalance("alice", -100)
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	m, _ = s.GetMiner("alice")
	if m.Balance != 70 {
		t.Errorf("balance after failed debit = %d, want 70", m.Balance)
	}
}

func TestTakeBalance(t *testing.T) {
	s := openTestStore(t)

	s.AddBalance("bob", 500)
	taken, err := s.TakeBalance("bob")
	if err != nil {
		t.Fatalf("take: %v", err)
	}
	if taken != 500 {
		t.Errorf("taken = %d, want 500", taken)
	}

	m, _ := s.GetMiner("bob")
	if m.Balance != 0 {
		t.Errorf("balance after take = %d, want 0", m.Balance)
	}

	// Taking an empty balance yields zero.
	taken, err = s.TakeBalance("bob")
	if err != nil || taken != 0 {
		t.Errorf("second take = %d, %v", taken, err)
	}
}

func TestMinerSettings(t *testing.T) {
	s := openTestStore(t)

	if err := s.SetPaymentThreshold("carol", 1000); err != nil {
		t.Fatal(err)
	}
	if err := s.SetPaymentInterval("carol", 12.5); err != nil {
		t.Fatal(err)
	}
	now := time.Now()
	if err := s.SetLastPayoutTime("carol", now); err != nil {
		t.Fatal(err)
	}
	if err := s.IncrementBlockCount("carol"); err != nil {
		t.Fatal(err)
	}

	m, _ := s.GetMiner("carol")
	if m.PaymentThreshold != 1000 || m.PaymentInterval != 12.5 || m.BlocksFound != 1 {
		t.Errorf("settings not persisted: %+v", m)
	}
	if m.LastPayoutTime != now.Unix() {
		t.Errorf("LastPayoutTime = %d, want %d", m.LastPayoutTime, now.Unix())
	}
}

func TestGetAllMinersExcludesRevenue(t *testing.T) {
	s := openTestStore(t)

	s.AddBalance("alice", 1)
	s.AddBalance("bob", 2)
	s.AddBalance(RevenueKey, 99)

	miners, err := s.GetAllMiners()
	if err != nil {
		t.Fatal(err)
	}
	if len(miners) != 2 {
		t.Fatalf("got %d miners, want 2", len(miners))
	}
	for _, m := range miners {
		if m.Address == RevenueKey {
			t.Error("revenue key leaked into miner enumeration")
		}
	}

	// The revenue record itself remains readable directly.
	rev, _ := s.GetMiner(RevenueKey)
	if rev.Balance != 99 {
		t.Errorf("revenue balance = %d", rev.Balance)
	}
}

func TestAddBlockIdempotent(t *testing.T) {
	s := openTestStore(t)

	block := Block{
		Hash:      "aa11",
		Finder:    "alice",
		Timestamp: 100,
		DAAScore:  12345,
		Contributions: []Contribution{
			{Address: "alice", Difficulty: "4096"},
		},
	}
	if err := s.AddBlock(block); err != nil {
		t.Fatal(err)
	}

	// Re-adding the same hash must not duplicate and must preserve the
	// original fields.
	update := Block{Hash: "aa11", Paid: true}
	if err := s.AddBlock(update); err != nil {
		t.Fatal(err)
	}

	blocks, _ := s.GetBlocks(0)
	if len(blocks) != 1 {
		t.Fatalf("got %d blocks, want 1", len(blocks))
	}
	if !blocks[0].Paid || blocks[0].Finder != "alice" || len(blocks[0].Contributions) != 1 {
		t.Errorf("merge lost fields: %+v", blocks[0])
	}

	if err := s.AddBlock(Block{}); err == nil {
		t.Error("empty hash should be rejected")
	}
}

func TestBlockQueries(t *testing.T) {
	s := openTestStore(t)

	s.AddBlock(Block{Hash: "b1", Finder: "alice", Timestamp: 1})
	s.AddBlock(Block{Hash: "b2", Finder: "bob", Timestamp: 2})
	s.AddBlock(Block{Hash: "b3", Finder: "alice", Timestamp: 3})

	blocks, _ := s.GetBlocks(2)
	if len(blocks) != 2 || blocks[0].Hash != "b3" || blocks[1].Hash != "b2" {
		t.Errorf("GetBlocks order wrong: %+v", blocks)
	}

	mine, _ := s.GetBlocksByAddress("alice", 0)
	if len(mine) != 2 || mine[0].Hash != "b3" {
		t.Errorf("GetBlocksByAddress wrong: %+v", mine)
	}

	if err := s.SetBlockPaid("b2", true); err != nil {
		t.Fatal(err)
	}
	blocks, _ = s.GetBlocks(0)
	for _, b := range blocks {
		if b.Hash == "b2" && !b.Paid {
			t.Error("SetBlockPaid did not stick")
		}
	}

	if err := s.SetBlockPaid("missing", true); err == nil {
		t.Error("SetBlockPaid on missing hash should fail")
	}
}

func TestPaymentLifecycle(t *testing.T) {
	s := openTestStore(t)

	p := Payment{
		TxID:          "tx1",
		Address:       "alice",
		Amount:        1000,
		Status:        PaymentFailed,
		BalanceBefore: 1000,
		Timestamp:     10,
	}
	if err := s.AddPayment(p); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdatePayment("tx1", PaymentRestored); err != nil {
		t.Fatal(err)
	}

	payments, _ := s.GetPaymentsByAddress("alice", 0)
	if len(payments) != 1 || payments[0].Status != PaymentRestored {
		t.Errorf("payment lifecycle wrong: %+v", payments)
	}

	if err := s.UpdatePayment("missing", PaymentSent); err == nil {
		t.Error("UpdatePayment on missing tx should fail")
	}
	if err := s.AddPayment(Payment{}); err == nil {
		t.Error("empty tx id should be rejected")
	}

	s.AddPayment(Payment{TxID: "tx2", Address: "bob", Amount: 5, Status: PaymentSent, Timestamp: 20})
	all, _ := s.GetPayments(0)
	if len(all) != 2 || all[0].TxID != "tx2" {
		t.Errorf("GetPayments order wrong: %+v", all)
	}
}

func TestPersistenceAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "reopen.db")

	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	s.AddBalance("alice", 777)
	s.Close()

	s2, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()

	m, _ := s2.GetMiner("alice")
	if m.Balance != 777 {
		t.Errorf("balance after reopen = %d, want 777", m.Balance)
	}
}
