package feeder

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/uhyunpark/clobnode/pkg/app/core/orderbook"
)

// Book is the part of the order book the feeder drives.
type Book interface {
	Submit(o orderbook.Order) (orderbook.Result, error)
	Cancel(id int64, owner string) error
}

// Config controls generation rate
type Config struct {
	OrdersPerSecond int
	Interval        time.Duration // how often a batch is generated
	NumAccounts     int
	MidPrice        int64
	Seed            int64
}

func DefaultConfig() Config {
	return Config{
		OrdersPerSecond: 20,
		Interval:        100 * time.Millisecond,
		NumAccounts:     10,
		MidPrice:        50000,
		Seed:            time.Now().UnixNano(),
	}
}

type Stats struct {
	Orders   uint64
	Fills    uint64
	Cancels  uint64
	Rejected uint64
}

type Feeder struct {
	cfg  Config
	book Book
	gen  *Generator
	log  *zap.SugaredLogger

	orders, fills, cancels, rejected atomic.Uint64
}

func New(cfg Config, book Book, log *zap.SugaredLogger) *Feeder {
	if cfg.Interval <= 0 {
		cfg.Interval = 100 * time.Millisecond
	}
	return &Feeder{
		cfg:  cfg,
		book: book,
		gen:  NewGenerator(cfg.NumAccounts, cfg.MidPrice, cfg.Seed),
		log:  log,
	}
}

// BatchSize is the number of actions per tick, at least one.
func (f *Feeder) BatchSize() int {
	n := int(float64(f.cfg.OrdersPerSecond) * f.cfg.Interval.Seconds())
	if n < 1 {
		n = 1
	}
	return n
}

// Step generates and applies n actions.
func (f *Feeder) Step(n int) {
	for i := 0; i < n; i++ {
		a := f.gen.Next()
		if a.CancelID != 0 {
			if err := f.book.Cancel(a.CancelID, a.Order.Owner); err == nil {
				f.cancels.Add(1)
			}
			continue
		}

		res, err := f.book.Submit(a.Order)
		switch {
		case errors.Is(err, orderbook.ErrInsufficientLiquidity):
			f.rejected.Add(1)
			continue
		case err != nil:
			f.rejected.Add(1)
			f.log.Warnw("feeder_order_failed", "kind", a.Order.Kind, "err", err)
			continue
		}
		f.orders.Add(1)
		f.fills.Add(uint64(len(res.Fills)))
		if a.Order.Kind != orderbook.Market {
			f.gen.Accepted(res.OrderID, a.Order.Owner)
		}
	}
}

// Run feeds the book until ctx is done.
func (f *Feeder) Run(ctx context.Context) {
	ticker := time.NewTicker(f.cfg.Interval)
	defer ticker.Stop()

	start := time.Now()
	batch := f.BatchSize()
	f.log.Infow("feeder_started", "rate", f.cfg.OrdersPerSecond, "batch", batch, "interval", f.cfg.Interval)

	lastReport := start
	for {
		select {
		case <-ctx.Done():
			s := f.Stats()
			f.log.Infow("feeder_stopped", "orders", s.Orders, "fills", s.Fills, "cancels", s.Cancels,
				"rejected", s.Rejected, "elapsed", time.Since(start).Round(time.Second))
			return
		case now := <-ticker.C:
			f.Step(batch)
			if now.Sub(lastReport) >= 10*time.Second {
				lastReport = now
				s := f.Stats()
				f.log.Infow("feeder_stats", "orders", s.Orders, "fills", s.Fills,
					"rate", float64(s.Orders)/now.Sub(start).Seconds())
			}
		}
	}
}

func (f *Feeder) Stats() Stats {
	return Stats{
		Orders:   f.orders.Load(),
		Fills:    f.fills.Load(),
		Cancels:  f.cancels.Load(),
		Rejected: f.rejected.Load(),
	}
}
