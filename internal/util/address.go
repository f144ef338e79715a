package util

import "strings"

// Address prefixes recognized on authorize and on node-facing calls.
const (
	MainnetPrefix = "kaspa"
	TestnetPrefix = "kaspatest"
)

// bech32 payload charset used by Kaspa addresses
const addressCharset = "qpzry9x8gf2tvdw0s3jn54khce6mua7l"

// CanonicalAddress strips any network prefix and lower-cases the payload.
// Canonical addresses are the storage and in-memory key form; the prefix
// is re-attached at external boundaries (node RPC, API output).
func CanonicalAddress(addr string) string {
	addr = strings.ToLower(strings.TrimSpace(addr))
	if i := strings.IndexByte(addr, ':'); i >= 0 {
		addr = addr[i+1:]
	}
	return addr
}

// ExternalAddress attaches the network prefix to a canonical address.
// Already-prefixed input is returned unchanged.
func ExternalAddress(addr, prefix string) string {
	if strings.Contains(addr, ":") {
		return addr
	}
	return prefix + ":" + addr
}

// ValidateAddress accepts both prefixed and unprefixed forms. The payload
// must be bech32 charset and of plausible length (schnorr, ECDSA and
// script-hash payloads are 61 to 63 characters).
func ValidateAddress(addr, prefix string) bool {
	addr = strings.ToLower(strings.TrimSpace(addr))
	if i := strings.IndexByte(addr, ':'); i >= 0 {
		if addr[:i] != prefix {
			return false
		}
		addr = addr[i+1:]
	}
	if len(addr) < 61 || len(addr) > 63 {
		return false
	}
	for _, c := range addr {
		if !strings.ContainsRune(addressCharset, c) {
			return false
		}
	}
	return true
}
