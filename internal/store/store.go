package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/kaspool/kaspool/internal/util"
)

// Sub-domain buckets
var (
	bucketMiners   = []byte("miners")
	bucketBlocks   = []byte("blocks")
	bucketPayments = []byte("payments")
)

// ErrInsufficientBalance is returned when a debit would drive a balance
// below zero. Correct callers never trip it; it is a fail-safe.
var ErrInsufficientBalance = errors.New("store: balance would go negative")

// Store is the single-writer persistent map backing the pool. bbolt
// serializes all write transactions, and a committed Update is durable
// before the call returns.
type Store struct {
	db *bolt.DB
}

// Open opens or creates the database and its sub-domain buckets.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketMiners, bucketBlocks, bucketPayments} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init store buckets: %w", err)
	}

	util.Infof("Store opened at %s", path)
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// GetMiner returns the miner record for a canonical address, or a
// zero-valued default for unknown addresses. It never fails for missing
// keys.
func (s *Store) GetMiner(addr string) (Miner, error) {
	m := Miner{Address: addr}
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketMiners).Get([]byte(addr))
		if raw == nil {
			return nil
		}
		return json.Unmarshal(raw, &m)
	})
	if err != nil {
		return Miner{}, fmt.Errorf("get miner %s: %w", addr, err)
	}
	m.Address = addr
	return m, nil
}

// mutateMiner applies fn to the stored record (creating it lazily) and
// writes it back in one transaction.
func (s *Store) mutateMiner(addr string, fn func(*Miner) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMiners)
		m := Miner{Address: addr}
		if raw := b.Get([]byte(addr)); raw != nil {
			if err := json.Unmarshal(raw, &m); err != nil {
				return fmt.Errorf("decode miner %s: %w", addr, err)
			}
		}
		if err := fn(&m); err != nil {
			return err
		}
		raw, err := json.Marshal(&m)
		if err != nil {
			return err
		}
		return b.Put([]byte(addr), raw)
	})
}

// AddBalance atomically adjusts a miner balance. Negative deltas that
// would underflow fail with ErrInsufficientBalance and leave the record
// untouched.
func (s *Store) AddBalance(addr string, delta int64) error {
	return s.mutateMiner(addr, func(m *Miner) error {
		if delta < 0 && uint64(-delta) > uint64(m.Balance) {
			return ErrInsufficientBalance
		}
		if delta < 0 {
			m.Balance -= Sompi(-delta)
		} else {
			m.Balance += Sompi(delta)
		}
		return nil
	})
}

// TakeBalance zeroes a miner's balance and returns what it held, in one
// transaction. The caller owns the returned amount; on a downstream
// failure it must be restored with AddBalance.
func (s *Store) TakeBalance(addr string) (Sompi, error) {
	var taken Sompi
	err := s.mutateMiner(addr, func(m *Miner) error {
		taken = m.Balance
		m.Balance = 0
		return nil
	})
	if err != nil {
		return 0, err
	}
	return taken, nil
}

// SetPaymentThreshold sets a per-miner payout threshold override.
func (s *Store) SetPaymentThreshold(addr string, threshold Sompi) error {
	return s.mutateMiner(addr, func(m *Miner) error {
		m.PaymentThreshold = threshold
		return nil
	})
}

// SetPaymentInterval sets a per-miner payout interval in hours.
func (s *Store) SetPaymentInterval(addr string, hours float64) error {
	return s.mutateMiner(addr, func(m *Miner) error {
		m.PaymentInterval = hours
		return nil
	})
}

// SetLastPayoutTime records the time of the last successful payout.
func (s *Store) SetLastPayoutTime(addr string, t time.Time) error {
	return s.mutateMiner(addr, func(m *Miner) error {
		m.LastPayoutTime = t.Unix()
		return nil
	})
}

// IncrementBlockCount bumps the miner's blocks-found counter.
func (s *Store) IncrementBlockCount(addr string) error {
	return s.mutateMiner(addr, func(m *Miner) error {
		m.BlocksFound++
		return nil
	})
}

// GetAllMiners enumerates all miner records, excluding the reserved
// revenue key.
func (s *Store) GetAllMiners() ([]Miner, error) {
	var miners []Miner
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMiners).ForEach(func(k, v []byte) error {
			if string(k) == RevenueKey {
				return nil
			}
			var m Miner
			if err := json.Unmarshal(v, &m); err != nil {
				return fmt.Errorf("decode miner %s: %w", k, err)
			}
			m.Address = string(k)
			miners = append(miners, m)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return miners, nil
}

// AddBlock stores a block record, idempotent on hash. Re-adding an
// existing hash updates the mutable fields without duplicating.
func (s *Store) AddBlock(block Block) error {
	if block.Hash == "" {
		return fmt.Errorf("add block: empty hash")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBlocks)
		if raw := b.Get([]byte(block.Hash)); raw != nil {
			var existing Block
			if err := json.Unmarshal(raw, &existing); err != nil {
				return fmt.Errorf("decode block %s: %w", block.Hash, err)
			}
			existing.Paid = block.Paid
			if len(block.Contributions) > 0 {
				existing.Contributions = block.Contributions
			}
			block = existing
		}
		raw, err := json.Marshal(&block)
		if err != nil {
			return err
		}
		return b.Put([]byte(block.Hash), raw)
	})
}

// SetBlockPaid flips the paid flag on a stored block.
func (s *Store) SetBlockPaid(hash string, paid bool) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBlocks)
		raw := b.Get([]byte(hash))
		if raw == nil {
			return fmt.Errorf("set paid: block %s not found", hash)
		}
		var block Block
		if err := json.Unmarshal(raw, &block); err != nil {
			return err
		}
		block.Paid = paid
		out, err := json.Marshal(&block)
		if err != nil {
			return err
		}
		return b.Put([]byte(hash), out)
	})
}

// GetBlocks returns up to limit blocks ordered by timestamp descending.
// limit <= 0 returns all.
func (s *Store) GetBlocks(limit int) ([]Block, error) {
	return s.getBlocksFiltered(limit, "")
}

// GetBlocksByAddress returns the finder's blocks, newest first.
func (s *Store) GetBlocksByAddress(addr string, limit int) ([]Block, error) {
	return s.getBlocksFiltered(limit, addr)
}

func (s *Store) getBlocksFiltered(limit int, finder string) ([]Block, error) {
	var blocks []Block
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBlocks).ForEach(func(k, v []byte) error {
			var b Block
			if err := json.Unmarshal(v, &b); err != nil {
				return fmt.Errorf("decode block %s: %w", k, err)
			}
			if finder != "" && b.Finder != finder {
				return nil
			}
			blocks = append(blocks, b)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(blocks, func(i, j int) bool { return blocks[i].Timestamp > blocks[j].Timestamp })
	if limit > 0 && len(blocks) > limit {
		blocks = blocks[:limit]
	}
	return blocks, nil
}

// AddPayment appends a payment record keyed by transaction ID.
func (s *Store) AddPayment(p Payment) error {
	if p.TxID == "" {
		return fmt.Errorf("add payment: empty tx id")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		raw, err := json.Marshal(&p)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketPayments).Put([]byte(p.TxID), raw)
	})
}

// UpdatePayment mutates the status of an existing payment record.
func (s *Store) UpdatePayment(txID, status string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPayments)
		raw := b.Get([]byte(txID))
		if raw == nil {
			return fmt.Errorf("update payment: %s not found", txID)
		}
		var p Payment
		if err := json.Unmarshal(raw, &p); err != nil {
			return err
		}
		p.Status = status
		out, err := json.Marshal(&p)
		if err != nil {
			return err
		}
		return b.Put([]byte(txID), out)
	})
}

// GetPayments returns up to limit payments, newest first.
func (s *Store) GetPayments(limit int) ([]Payment, error) {
	return s.getPaymentsFiltered(limit, "")
}

// GetPaymentsByAddress returns a miner's payments, newest first.
func (s *Store) GetPaymentsByAddress(addr string, limit int) ([]Payment, error) {
	return s.getPaymentsFiltered(limit, addr)
}

func (s *Store) getPaymentsFiltered(limit int, addr string) ([]Payment, error) {
	var payments []Payment
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPayments).ForEach(func(k, v []byte) error {
			var p Payment
			if err := json.Unmarshal(v, &p); err != nil {
				return fmt.Errorf("decode payment %s: %w", k, err)
			}
			if addr != "" && p.Address != addr {
				return nil
			}
			payments = append(payments, p)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(payments, func(i, j int) bool { return payments[i].Timestamp > payments[j].Timestamp })
	if limit > 0 && len(payments) > limit {
		payments = payments[:limit]
	}
	return payments, nil
}
