package util

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
)

// HexToBytes converts a hex string to bytes
func HexToBytes(s string) ([]byte, error) {
	s = strings.TrimPrefix(s, "0x")
	return hex.DecodeString(s)
}

// BytesToHex converts bytes to a hex string without prefix
func BytesToHex(b []byte) string {
	return hex.EncodeToString(b)
}

// MustHexToBytes converts a hex string to bytes, panics on error
func MustHexToBytes(s string) []byte {
	b, err := HexToBytes(s)
	if err != nil {
		panic(fmt.Sprintf("invalid hex string: %s", s))
	}
	return b
}

// Uint64ToLEHex encodes v as 8 little-endian bytes in hex. Used for the
// timestamp suffix of mining.notify frames.
func Uint64ToLEHex(v uint64) string {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	return hex.EncodeToString(buf[:])
}

// ParseNonceHex parses a hex nonce, left-padding with the session
// extranonce when the miner sent only the extranonce-2 portion. The
// result is always interpreted as an 8-byte big-endian value.
func ParseNonceHex(nonce, extranonce string) (uint64, error) {
	nonce = strings.TrimPrefix(nonce, "0x")
	if len(nonce) < 16 && len(extranonce)+len(nonce) <= 16 {
		nonce = extranonce + nonce
	}
	if len(nonce)%2 == 1 {
		nonce = "0" + nonce
	}
	b, err := hex.DecodeString(nonce)
	if err != nil {
		return 0, fmt.Errorf("invalid nonce hex: %w", err)
	}
	if len(b) > 8 {
		return 0, fmt.Errorf("nonce too long: %d bytes", len(b))
	}
	var full [8]byte
	copy(full[8-len(b):], b)
	return binary.BigEndian.Uint64(full[:]), nil
}
