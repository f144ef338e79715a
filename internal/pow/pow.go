// Package pow evaluates proof-of-work for block templates. The pool
// consumes it as a primitive: a State wraps one template header and
// answers whether a nonce solves the block and at what hash value.
package pow

import (
	"encoding/binary"
	"math/big"

	"github.com/zeebo/blake3"

	"github.com/kaspool/kaspool/internal/rpc"
	"github.com/kaspool/kaspool/internal/util"
)

// Hashing domains. Keys are zero-padded to the 32 bytes blake3 requires.
var (
	keyBlockHash = paddedKey("BlockHash")
	keyHeavyHash = paddedKey("ProofOfWorkHash")
)

func paddedKey(domain string) []byte {
	key := make([]byte, 32)
	copy(key, domain)
	return key
}

// State is the per-template verifier: the pre-PoW hash of the header
// (nonce and timestamp zeroed) plus the network target from the
// compact bits.
type State struct {
	prePowHash [32]byte
	Timestamp  int64
	Target     *big.Int
}

// NewState builds the verifier for a template header.
func NewState(header *rpc.BlockHeader) *State {
	return &State{
		prePowHash: prePowHash(header),
		Timestamp:  header.Timestamp,
		Target:     util.CompactToTarget(header.Bits),
	}
}

// PrePowHash returns the 32-byte hash that keys the template window.
func (s *State) PrePowHash() [32]byte {
	return s.prePowHash
}

// PrePowHashHex returns the window key in hex.
func (s *State) PrePowHashHex() string {
	return util.BytesToHex(s.prePowHash[:])
}

// CheckWork evaluates a nonce. isBlock reports whether the PoW value
// meets the network target; the value itself is compared against the
// session target by the share pipeline.
func (s *State) CheckWork(nonce uint64) (isBlock bool, powValue *big.Int) {
	h, _ := blake3.NewKeyed(keyHeavyHash)
	h.Write(s.prePowHash[:])

	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(s.Timestamp))
	h.Write(buf[:])

	var pad [32]byte
	h.Write(pad[:])

	binary.LittleEndian.PutUint64(buf[:], nonce)
	h.Write(buf[:])

	powValue = new(big.Int).SetBytes(h.Sum(nil))
	return powValue.Cmp(s.Target) <= 0, powValue
}

// prePowHash hashes the header with nonce and timestamp zeroed, in the
// field order the node uses for block hashing.
func prePowHash(header *rpc.BlockHeader) [32]byte {
	return hashHeader(header, true)
}

// BlockHash computes the finalized header hash, nonce and timestamp
// included. Used as the local fallback when the node's canonical hash
// cannot be queried after submission.
func BlockHash(header *rpc.BlockHeader) [32]byte {
	return hashHeader(header, false)
}

func hashHeader(header *rpc.BlockHeader, zeroNonceTime bool) [32]byte {
	h, _ := blake3.NewKeyed(keyBlockHash)

	var u16 [2]byte
	binary.LittleEndian.PutUint16(u16[:], header.Version)
	h.Write(u16[:])

	var u64 [8]byte
	binary.LittleEndian.PutUint64(u64[:], uint64(len(header.Parents)))
	h.Write(u64[:])
	for _, level := range header.Parents {
		binary.LittleEndian.PutUint64(u64[:], uint64(len(level.ParentHashes)))
		h.Write(u64[:])
		for _, parent := range level.ParentHashes {
			h.Write(util.MustHexToBytes(parent))
		}
	}

	h.Write(util.MustHexToBytes(header.HashMerkleRoot))
	h.Write(util.MustHexToBytes(header.AcceptedIDMerkleRoot))
	h.Write(util.MustHexToBytes(header.UTXOCommitment))

	// timestamp and nonce are zeroed in the pre-PoW image
	var ts [8]byte
	if !zeroNonceTime {
		binary.LittleEndian.PutUint64(ts[:], uint64(header.Timestamp))
	}
	h.Write(ts[:])

	var u32 [4]byte
	binary.LittleEndian.PutUint32(u32[:], header.Bits)
	h.Write(u32[:])

	var nonce [8]byte
	if !zeroNonceTime {
		binary.LittleEndian.PutUint64(nonce[:], header.Nonce)
	}
	h.Write(nonce[:])

	binary.LittleEndian.PutUint64(u64[:], header.DAAScore)
	h.Write(u64[:])
	binary.LittleEndian.PutUint64(u64[:], header.BlueScore)
	h.Write(u64[:])

	blueWork := header.BlueWork
	if len(blueWork)%2 == 1 {
		blueWork = "0" + blueWork
	}
	workBytes := util.MustHexToBytes(blueWork)
	binary.LittleEndian.PutUint64(u64[:], uint64(len(workBytes)))
	h.Write(u64[:])
	h.Write(workBytes)

	h.Write(util.MustHexToBytes(header.PruningPoint))

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}
