// Package market describes the single instrument the node trades and checks
// incoming orders against its limits.
package market

import (
	"fmt"
	"strings"

	"github.com/uhyunpark/clobnode/pkg/app/core/orderbook"
)

// Status defines the trading status of the market
type Status int8

const (
	Active Status = iota // Trading enabled
	Paused               // Trading halted; cancels and queries still work
)

func (s Status) String() string {
	switch s {
	case Active:
		return "Active"
	case Paused:
		return "Paused"
	default:
		return "Unknown"
	}
}

// Market defines the parameters of the traded instrument (e.g., BTC-USD)
type Market struct {
	Symbol     string // "BTC-USD"
	BaseAsset  string // "BTC"
	QuoteAsset string // "USD"
	Status     Status

	// All prices are integer ticks and all sizes integer lots.
	TickSize int64
	LotSize  int64

	MinOrderSize int64
	MaxOrderSize int64
}

// Params separates config from the runtime Market struct
type Params struct {
	TickSize     int64
	LotSize      int64
	MinOrderSize int64
	MaxOrderSize int64
}

// DefaultParams accepts any positive integer price and size up to one billion lots.
var DefaultParams = Params{
	TickSize:     1,
	LotSize:      1,
	MinOrderSize: 1,
	MaxOrderSize: 1_000_000_000,
}

// New creates a market with validation. The symbol must look like BASE-QUOTE.
func New(symbol string, params Params) (*Market, error) {
	base, quote, err := splitSymbol(symbol)
	if err != nil {
		return nil, err
	}
	m := &Market{
		Symbol:       symbol,
		BaseAsset:    base,
		QuoteAsset:   quote,
		Status:       Active,
		TickSize:     params.TickSize,
		LotSize:      params.LotSize,
		MinOrderSize: params.MinOrderSize,
		MaxOrderSize: params.MaxOrderSize,
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("invalid market params: %w", err)
	}
	return m, nil
}

// Validate checks market parameter sanity
func (m *Market) Validate() error {
	if m.Symbol == "" {
		return fmt.Errorf("symbol cannot be empty")
	}
	if m.BaseAsset == "" || m.QuoteAsset == "" {
		return fmt.Errorf("base and quote assets must be specified")
	}
	if m.TickSize <= 0 {
		return fmt.Errorf("tick size must be positive")
	}
	if m.LotSize <= 0 {
		return fmt.Errorf("lot size must be positive")
	}
	if m.MinOrderSize <= 0 {
		return fmt.Errorf("min order size must be positive")
	}
	if m.MaxOrderSize <= 0 {
		return fmt.Errorf("max order size must be positive")
	}
	if m.MinOrderSize > m.MaxOrderSize {
		return fmt.Errorf("min order size cannot exceed max order size")
	}
	return nil
}

// ValidateOrderSize checks if order size is within limits
func (m *Market) ValidateOrderSize(qty int64) error {
	if qty <= 0 {
		return orderbook.NewValidationError("size", "must be positive")
	}
	if qty%m.LotSize != 0 {
		return orderbook.NewValidationError("size", fmt.Sprintf("must be a multiple of lot size %d", m.LotSize))
	}
	if qty < m.MinOrderSize {
		return orderbook.NewValidationError("size", fmt.Sprintf("%d below minimum %d", qty, m.MinOrderSize))
	}
	if qty > m.MaxOrderSize {
		return orderbook.NewValidationError("size", fmt.Sprintf("%d exceeds maximum %d", qty, m.MaxOrderSize))
	}
	return nil
}

// ValidatePrice checks a limit price or a stop trigger.
func (m *Market) ValidatePrice(price int64) error {
	if price <= 0 {
		return orderbook.NewValidationError("price", "must be positive")
	}
	if price%m.TickSize != 0 {
		return orderbook.NewValidationError("price", fmt.Sprintf("must be a multiple of tick size %d", m.TickSize))
	}
	return nil
}

// ValidateOrder performs all order validations. Market orders carry no price.
func (m *Market) ValidateOrder(kind orderbook.Kind, side orderbook.Side, qty, price int64) error {
	if m.Status != Active {
		return orderbook.NewValidationError("market", fmt.Sprintf("%s is not active (status: %s)", m.Symbol, m.Status))
	}
	if side != orderbook.Bid && side != orderbook.Ask {
		return orderbook.NewValidationError("side", "must be bid or ask")
	}
	if err := m.ValidateOrderSize(qty); err != nil {
		return err
	}
	switch kind {
	case orderbook.Limit, orderbook.Stop:
		return m.ValidatePrice(price)
	case orderbook.Market:
		return nil
	default:
		return orderbook.ErrUnrecognizedOrderType
	}
}

func splitSymbol(symbol string) (string, string, error) {
	base, quote, ok := strings.Cut(symbol, "-")
	if !ok {
		return "", "", fmt.Errorf("symbol %q must be BASE-QUOTE", symbol)
	}
	return base, quote, nil
}
