// Package notify turns fills into client notifications and delivers them
// over the configured sinks.
package notify

import "github.com/uhyunpark/clobnode/pkg/app/core/orderbook"

// TradeNotice is one participant's view of a closed trade.
type TradeNotice struct {
	OrderID int64          `json:"orderId"`
	Side    orderbook.Side `json:"side"`
	Kind    orderbook.Kind `json:"orderKind"`
	Size    int64          `json:"size"`
	Price   int64          `json:"price"`
}

// ClosedTrades is sent to the owner of each side of a fill.
type ClosedTrades struct {
	Notification string        `json:"notification"` // always "closedTrades"
	Trades       []TradeNotice `json:"trades"`
}

// ThresholdReached is broadcast when a fill prices at or above the threshold.
type ThresholdReached struct {
	LimitPriceThresholdReached int64 `json:"limitPriceThresholdReached"`
}

func NewClosedTrades(leg orderbook.Leg) ClosedTrades {
	return ClosedTrades{
		Notification: "closedTrades",
		Trades: []TradeNotice{{
			OrderID: leg.OrderID,
			Side:    leg.Side,
			Kind:    leg.Kind,
			Size:    leg.Size,
			Price:   leg.Price,
		}},
	}
}
