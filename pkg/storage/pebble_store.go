package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/uhyunpark/clobnode/pkg/app/core/orderbook"
	"github.com/uhyunpark/clobnode/pkg/users"
)

type PebbleStore struct {
	db *pebble.DB

	mu      sync.Mutex
	counter map[string]uint64 // symbol -> last trade key counter
}

func NewPebbleStore(path string) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &PebbleStore{db: db, counter: make(map[string]uint64)}, nil
}

func (s *PebbleStore) Close() error { return s.db.Close() }

// ============================================================================
// Trade history
// ============================================================================

// SaveTrade appends a trade for symbol. Trades are written without fsync:
// history is best-effort.
func (s *PebbleStore) SaveTrade(symbol string, rec orderbook.TradeRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal trade: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	n, err := s.lastCounter(symbol)
	if err != nil {
		return err
	}
	n++
	if err := s.db.Set(tradeKey(symbol, rec.Timestamp, n), data, pebble.NoSync); err != nil {
		return fmt.Errorf("failed to save trade: %w", err)
	}
	s.counter[symbol] = n
	return nil
}

// LoadTrades returns trades of symbol with from <= timestamp < to in key order.
func (s *PebbleStore) LoadTrades(symbol string, from, to time.Time) ([]orderbook.TradeRecord, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: tradeTimeBound(symbol, from.Unix()),
		UpperBound: tradeTimeBound(symbol, to.Unix()),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open trade iterator: %w", err)
	}
	defer iter.Close()

	var trades []orderbook.TradeRecord
	for iter.First(); iter.Valid(); iter.Next() {
		var rec orderbook.TradeRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			continue // Skip invalid entries
		}
		trades = append(trades, rec)
	}
	return trades, iter.Error()
}

// CountTrades returns the number of stored trades for symbol.
func (s *PebbleStore) CountTrades(symbol string) (int, error) {
	prefix := tradePrefix(symbol)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	n := 0
	for iter.First(); iter.Valid(); iter.Next() {
		n++
	}
	return n, iter.Error()
}

// lastCounter recovers the highest key counter for symbol on first use, so
// keys stay unique across restarts.
func (s *PebbleStore) lastCounter(symbol string) (uint64, error) {
	if n, ok := s.counter[symbol]; ok {
		return n, nil
	}
	prefix := tradePrefix(symbol)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	var max uint64
	for iter.First(); iter.Valid(); iter.Next() {
		n, err := tradeCounter(iter.Key())
		if err != nil {
			continue
		}
		if n > max {
			max = n
		}
	}
	s.counter[symbol] = max
	return max, iter.Error()
}

// History binds the store to one symbol as a TradeLog.
func (s *PebbleStore) History(symbol string) *PebbleHistory {
	return &PebbleHistory{store: s, symbol: symbol}
}

type PebbleHistory struct {
	store  *PebbleStore
	symbol string
}

func (h *PebbleHistory) SaveTrade(_ context.Context, rec orderbook.TradeRecord) error {
	return h.store.SaveTrade(h.symbol, rec)
}

func (h *PebbleHistory) LoadTrades(_ context.Context, from, to time.Time) ([]orderbook.TradeRecord, error) {
	return h.store.LoadTrades(h.symbol, from, to)
}

func (h *PebbleHistory) CountTrades(context.Context) (int, error) {
	return h.store.CountTrades(h.symbol)
}

// ============================================================================
// Users
// ============================================================================

// SaveUser persists a user to Pebble
func (s *PebbleStore) SaveUser(u users.User) error {
	data, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("failed to marshal user: %w", err)
	}
	if err := s.db.Set(userKey(u.Username), data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to save user: %w", err)
	}
	return nil
}

// LoadUser loads a user from Pebble
// Returns ok=false if the user doesn't exist
func (s *PebbleStore) LoadUser(username string) (users.User, bool, error) {
	data, closer, err := s.db.Get(userKey(username))
	if errors.Is(err, pebble.ErrNotFound) {
		return users.User{}, false, nil
	}
	if err != nil {
		return users.User{}, false, fmt.Errorf("failed to get user: %w", err)
	}
	defer closer.Close()

	var u users.User
	if err := json.Unmarshal(data, &u); err != nil {
		return users.User{}, false, fmt.Errorf("failed to unmarshal user: %w", err)
	}
	return u, true, nil
}

var _ users.Store = (*PebbleStore)(nil)
var _ TradeLog = (*PebbleHistory)(nil)
