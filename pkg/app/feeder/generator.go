// Package feeder generates synthetic order flow around a mid price, for demos
// and load tests.
package feeder

import (
	"fmt"
	"math/rand"

	"github.com/uhyunpark/clobnode/pkg/app/core/orderbook"
)

// Action is one generated instruction: an order, or a cancel when CancelID is set.
type Action struct {
	Order    orderbook.Order
	CancelID int64
}

type placed struct {
	id    int64
	owner string
}

// Generator creates random trading actions. It is not safe for concurrent use.
type Generator struct {
	accounts []string
	midPrice int64
	rng      *rand.Rand
	live     []placed // recently accepted orders, cancel candidates
}

func NewGenerator(numAccounts int, midPrice int64, seed int64) *Generator {
	if numAccounts < 1 {
		numAccounts = 1
	}
	accounts := make([]string, numAccounts)
	for i := range accounts {
		accounts[i] = fmt.Sprintf("feeder_%d", i+1)
	}
	return &Generator{
		accounts: accounts,
		midPrice: midPrice,
		rng:      rand.New(rand.NewSource(seed)),
	}
}

// Next returns a random action: 70% limit, 12% market, 8% stop, 10% cancel.
func (g *Generator) Next() Action {
	r := g.rng.Intn(100)
	if r >= 90 && len(g.live) > 0 {
		i := g.rng.Intn(len(g.live))
		p := g.live[i]
		g.live = append(g.live[:i], g.live[i+1:]...)
		return Action{CancelID: p.id, Order: orderbook.Order{Owner: p.owner}}
	}

	o := orderbook.Order{
		Side:  orderbook.Bid,
		Qty:   int64(g.rng.Intn(100) + 1),
		Owner: g.accounts[g.rng.Intn(len(g.accounts))],
	}
	if g.rng.Intn(2) == 1 {
		o.Side = orderbook.Ask
	}

	// Random price within ±5% of mid
	band := g.midPrice / 20
	if band < 1 {
		band = 1
	}
	price := g.midPrice + g.rng.Int63n(2*band+1) - band
	if price < 1 {
		price = 1
	}

	switch {
	case r < 70:
		o.Kind = orderbook.Limit
		o.Price = price
	case r < 82:
		o.Kind = orderbook.Market
		o.Qty = int64(g.rng.Intn(10) + 1)
	default:
		// stops sit on the far side of mid so most start dormant
		o.Kind = orderbook.Stop
		o.Price = g.midPrice + g.rng.Int63n(band+1)
		if o.Side == orderbook.Ask {
			o.Price = g.midPrice - g.rng.Int63n(band+1)
		}
		if o.Price < 1 {
			o.Price = 1
		}
	}
	return Action{Order: o}
}

// Accepted records a resting order as a cancel candidate. Only the most
// recent orders are remembered.
func (g *Generator) Accepted(id int64, owner string) {
	const maxLive = 256
	g.live = append(g.live, placed{id: id, owner: owner})
	if len(g.live) > maxLive {
		g.live = g.live[len(g.live)-maxLive:]
	}
}
