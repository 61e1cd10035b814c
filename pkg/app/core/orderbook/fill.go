package orderbook

import "time"

// Fill is one match step between an aggressing order (taker) and a resting
// order (maker). Limit crossings trade at the ask's price, whichever side
// rested; market and triggered stop fills trade at the resting order's price.
type Fill struct {
	Seq uint64 // stamped by the dispatcher, zero inside the book

	TakerID    int64
	TakerSide  Side
	TakerKind  Kind
	TakerOwner string

	MakerID    int64
	MakerKind  Kind
	MakerOwner string

	Price int64
	Qty   int64
	Time  time.Time
}

// AskPrice is the fill price, used for threshold alerts.
func (f Fill) AskPrice() int64 { return f.Price }

// Record returns the history entry for this fill, keyed on the aggressor.
func (f Fill) Record() TradeRecord {
	return TradeRecord{
		OrderID:   f.TakerID,
		Side:      f.TakerSide,
		Kind:      f.TakerKind,
		Size:      f.Qty,
		Price:     f.Price,
		Timestamp: f.Time.UTC().Unix(),
	}
}

// Leg is one participant's view of a fill.
type Leg struct {
	Owner   string
	OrderID int64
	Side    Side
	Kind    Kind
	Size    int64
	Price   int64
}

// Legs returns the aggressor leg followed by the resting leg.
func (f Fill) Legs() [2]Leg {
	return [2]Leg{
		{Owner: f.TakerOwner, OrderID: f.TakerID, Side: f.TakerSide, Kind: f.TakerKind, Size: f.Qty, Price: f.Price},
		{Owner: f.MakerOwner, OrderID: f.MakerID, Side: f.TakerSide.Opposite(), Kind: f.MakerKind, Size: f.Qty, Price: f.Price},
	}
}

// TradeRecord is the persisted trade-history entry.
type TradeRecord struct {
	OrderID   int64 `json:"orderId"`
	Side      Side  `json:"side"`
	Kind      Kind  `json:"orderKind"`
	Size      int64 `json:"size"`
	Price     int64 `json:"price"`
	Timestamp int64 `json:"timestamp"` // unix seconds, UTC
}

// FillSink receives every batch of fills in the order matching produced
// them. Publish is called with the book lock held and must not block on I/O.
type FillSink interface {
	Publish(fills []Fill)
}

type nopSink struct{}

func (nopSink) Publish([]Fill) {}
