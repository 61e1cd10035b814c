package notify

import (
	"context"
	"errors"

	"github.com/uhyunpark/clobnode/pkg/app/core/orderbook"
)

// Sink delivers notifications over one transport.
type Sink interface {
	DeliverTrades(ctx context.Context, owner string, msg ClosedTrades) error
	DeliverThreshold(ctx context.Context, msg ThresholdReached) error
}

// Notifier fans each fill out to both participants on every sink and raises
// the threshold alert.
type Notifier struct {
	sinks     []Sink
	threshold int64 // <= 0 disables alerts
}

func NewNotifier(threshold int64, sinks ...Sink) *Notifier {
	return &Notifier{sinks: sinks, threshold: threshold}
}

// HandleFill implements events.Handler.
func (n *Notifier) HandleFill(ctx context.Context, f orderbook.Fill) error {
	var errs []error
	for _, leg := range f.Legs() {
		if leg.Owner == "" {
			continue
		}
		msg := NewClosedTrades(leg)
		for _, s := range n.sinks {
			if err := s.DeliverTrades(ctx, leg.Owner, msg); err != nil {
				errs = append(errs, err)
			}
		}
	}

	if n.threshold > 0 && f.AskPrice() >= n.threshold {
		msg := ThresholdReached{LimitPriceThresholdReached: n.threshold}
		for _, s := range n.sinks {
			if err := s.DeliverThreshold(ctx, msg); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
