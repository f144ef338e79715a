// Package store provides crash-safe persistence for miner balances,
// found blocks and payment history on an embedded bbolt database.
package store

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// RevenueKey is the reserved miners-domain key holding the pool's own
// fee revenue. It never appears in miner enumerations.
const RevenueKey = "me"

// Sompi is an amount in base units. JSON-encoded as a string because
// amounts routinely exceed 53 bits.
type Sompi uint64

// MarshalJSON implements json.Marshaler
func (s Sompi) MarshalJSON() ([]byte, error) {
	return json.Marshal(strconv.FormatUint(uint64(s), 10))
}

// UnmarshalJSON implements json.Unmarshaler, accepting both string and
// numeric forms for compatibility with hand-edited databases.
func (s *Sompi) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		v, err := strconv.ParseUint(str, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid sompi amount %q: %w", str, err)
		}
		*s = Sompi(v)
		return nil
	}
	var v uint64
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("invalid sompi amount: %w", err)
	}
	*s = Sompi(v)
	return nil
}

// Miner is a persisted miner account, keyed by canonical address.
type Miner struct {
	Address          string  `json:"address"`
	Balance          Sompi   `json:"balance"`
	PaymentThreshold Sompi   `json:"payment_threshold,omitempty"` // overrides pool-wide when set
	PaymentInterval  float64 `json:"payment_interval_hours,omitempty"`
	LastPayoutTime   int64   `json:"last_payout_time,omitempty"` // unix seconds
	BlocksFound      uint64  `json:"blocks_found"`
}

// Contribution is one accepted share credited to a block: the canonical
// address and the share difficulty it was accepted at, as an exact
// rational string.
type Contribution struct {
	Address    string `json:"address"`
	Difficulty string `json:"difficulty"`
}

// Block is a persisted found block, keyed by the node-canonical hash.
type Block struct {
	Hash          string         `json:"hash"`
	Finder        string         `json:"finder"`
	Timestamp     int64          `json:"timestamp"`
	FinderDiff    string         `json:"finder_difficulty"`
	DAAScore      Sompi          `json:"daa_score"`
	Paid          bool           `json:"paid"`
	Contributions []Contribution `json:"contributions"`
}

// Payment statuses. A failed send is recorded as failed and then
// transitioned to restored once the balance has been returned.
const (
	PaymentSent     = "sent"
	PaymentFailed   = "failed"
	PaymentRestored = "restored"
)

// Payment is an append-only payout record, keyed by transaction ID.
type Payment struct {
	TxID          string   `json:"tx_id"`
	Address       string   `json:"address"`
	Amount        Sompi    `json:"amount"`
	Status        string   `json:"status"`
	BlockHashes   []string `json:"block_hashes,omitempty"`
	BalanceBefore Sompi    `json:"balance_before"`
	Timestamp     int64    `json:"timestamp"`
}
