package storage

import (
	"fmt"
	"strconv"
	"strings"
)

// Key schema for Pebble storage:
//
//   trade:<symbol>:<unix seconds>:<counter> → TradeRecord (JSON)
//   usr:<username>                          → users.User (JSON)
//
// Numeric components are zero-padded to 20 digits so lexicographic order is
// chronological order.

const (
	prefixTrade = "trade:"
	prefixUser  = "usr:"
)

// tradeKey returns the key for a trade
// Format: "trade:{symbol}:{timestamp}:{counter}"
func tradeKey(symbol string, timestamp int64, counter uint64) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d:%020d", prefixTrade, symbol, timestamp, counter))
}

// tradePrefix returns the prefix for all trades of a symbol
// Format: "trade:{symbol}:"
func tradePrefix(symbol string) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixTrade, symbol))
}

// tradeTimeBound returns the smallest key at or after timestamp ts.
func tradeTimeBound(symbol string, ts int64) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d:", prefixTrade, symbol, ts))
}

// tradeCounter parses the trailing counter of a trade key.
func tradeCounter(key []byte) (uint64, error) {
	s := string(key)
	i := strings.LastIndexByte(s, ':')
	if i < 0 {
		return 0, fmt.Errorf("malformed trade key %q", s)
	}
	return strconv.ParseUint(s[i+1:], 10, 64)
}

// userKey returns the key for a user
// Format: "usr:{username}"
func userKey(username string) []byte {
	return []byte(prefixUser + username)
}

// keyUpperBound returns the exclusive upper bound for a prefix scan
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
