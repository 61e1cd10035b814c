package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/uhyunpark/clobnode/pkg/app/core/orderbook"
)

// TradeLog is an append-only trade history for one instrument.
type TradeLog interface {
	SaveTrade(ctx context.Context, rec orderbook.TradeRecord) error
	LoadTrades(ctx context.Context, from, to time.Time) ([]orderbook.TradeRecord, error)
	CountTrades(ctx context.Context) (int, error)
}

// Recorder appends one record per fill and serves the records back for
// price history.
type Recorder struct {
	log TradeLog
}

func NewRecorder(log TradeLog) *Recorder { return &Recorder{log: log} }

// HandleFill implements events.Handler.
func (r *Recorder) HandleFill(ctx context.Context, f orderbook.Fill) error {
	return r.log.SaveTrade(ctx, f.Record())
}

// TradesBetween implements orderbook.HistoryReader.
func (r *Recorder) TradesBetween(ctx context.Context, from, to time.Time) ([]orderbook.TradeRecord, error) {
	return r.log.LoadTrades(ctx, from, to)
}

// TradeDocument is the JSON history file layout: {"trades": [...]}.
type TradeDocument struct {
	Trades []orderbook.TradeRecord `json:"trades"`
}

// ImportJSON appends every trade of a history document to log.
func ImportJSON(ctx context.Context, r io.Reader, log TradeLog) (int, error) {
	var doc TradeDocument
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return 0, fmt.Errorf("decode history document: %w", err)
	}
	for i, rec := range doc.Trades {
		if err := log.SaveTrade(ctx, rec); err != nil {
			return i, fmt.Errorf("import trade %d: %w", i, err)
		}
	}
	return len(doc.Trades), nil
}

// ExportJSON writes the trades in [from, to) as a history document.
func ExportJSON(ctx context.Context, w io.Writer, log TradeLog, from, to time.Time) error {
	trades, err := log.LoadTrades(ctx, from, to)
	if err != nil {
		return err
	}
	if trades == nil {
		trades = []orderbook.TradeRecord{}
	}
	return json.NewEncoder(w).Encode(TradeDocument{Trades: trades})
}
