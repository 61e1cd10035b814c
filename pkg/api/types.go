package api

// API response types for REST endpoints and WebSocket messages

// ==============================
// REST Response Types
// ==============================

// MarketInfo represents the market's static configuration
type MarketInfo struct {
	Symbol       string `json:"symbol"`     // e.g., "BTC-USD"
	BaseAsset    string `json:"baseAsset"`  // e.g., "BTC"
	QuoteAsset   string `json:"quoteAsset"` // e.g., "USD"
	Status       string `json:"status"`     // "Active", "Paused"
	TickSize     int64  `json:"tickSize"`   // Minimum price increment
	LotSize      int64  `json:"lotSize"`    // Minimum size increment
	MinOrderSize int64  `json:"minOrderSize"`
	MaxOrderSize int64  `json:"maxOrderSize"`
}

// OrderbookSnapshot represents current orderbook state
type OrderbookSnapshot struct {
	Symbol    string       `json:"symbol"`
	Bids      []PriceLevel `json:"bids"` // Sorted high to low
	Asks      []PriceLevel `json:"asks"` // Sorted low to high
	LastPrice int64        `json:"lastPrice"`
	Timestamp int64        `json:"timestamp"` // Unix milliseconds
}

// PriceLevel represents [price, size] tuple
type PriceLevel struct {
	Price int64 `json:"price"`
	Size  int64 `json:"size"` // total resting size at this price
}

// ==============================
// WebSocket Message Types
// ==============================

// WSSubscribeRequest is sent by client to subscribe to channels
type WSSubscribeRequest struct {
	Op       string   `json:"op"`       // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"` // e.g., ["orderbook", "trades", "alerts"]
}

// OrderbookUpdate is broadcast after every order operation on the "orderbook" channel
type OrderbookUpdate struct {
	Type      string       `json:"type"` // "orderbook"
	Symbol    string       `json:"symbol"`
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
	Timestamp int64        `json:"timestamp"`
}

// TradeUpdate is broadcast on the "trades" channel for every fill
type TradeUpdate struct {
	Type      string `json:"type"` // "trade"
	Seq       uint64 `json:"seq"`
	Symbol    string `json:"symbol"`
	Price     int64  `json:"price"`
	Size      int64  `json:"size"`
	Side      string `json:"side"` // aggressor side
	Timestamp int64  `json:"timestamp"`
}

// ErrorResponse is returned for all transport-level errors. Protocol errors
// travel inside the operation response instead.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
