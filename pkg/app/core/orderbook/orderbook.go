package orderbook

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/uhyunpark/clobnode/pkg/util"
)

// RejectedOrderID is returned in place of an id when a market order is
// rejected for lack of liquidity.
const RejectedOrderID int64 = -1

type PriceLevel struct {
	Price int64
	Qty   int64 // total qty at this price level
}

// Result is what a submission hands back to the caller.
type Result struct {
	OrderID int64
	Fills   []Fill
}

// HistoryReader loads recorded trades with timestamps in [from, to).
type HistoryReader interface {
	TradesBetween(ctx context.Context, from, to time.Time) ([]TradeRecord, error)
}

// OrderBook is a single-instrument book. Every exported method runs under one
// mutex, so all four queues and the index change together.
type OrderBook struct {
	mu sync.Mutex

	bids      *orderQueue // price desc, timestamp asc
	asks      *orderQueue // price asc, timestamp asc
	stopBuys  *orderQueue // trigger asc
	stopSells *orderQueue // trigger desc

	// every live limit and stop order by id
	active map[int64]*Order

	nextID    int64
	nextTS    uint64
	lastPrice int64

	clock   util.Clock
	sink    FillSink
	history HistoryReader
}

type Option func(*OrderBook)

func WithClock(c util.Clock) Option { return func(ob *OrderBook) { ob.clock = c } }

// WithSink routes every fill batch to s.
func WithSink(s FillSink) Option { return func(ob *OrderBook) { ob.sink = s } }

func WithHistory(h HistoryReader) Option { return func(ob *OrderBook) { ob.history = h } }

func NewOrderBook(opts ...Option) *OrderBook {
	ob := &OrderBook{
		bids:      newOrderQueue(bidLess),
		asks:      newOrderQueue(askLess),
		stopBuys:  newOrderQueue(stopBuyLess),
		stopSells: newOrderQueue(stopSellLess),
		active:    make(map[int64]*Order),
		clock:     util.RealClock{},
		sink:      nopSink{},
	}
	for _, opt := range opts {
		opt(ob)
	}
	return ob
}

// Submit dispatches o by kind. Only Kind, Side, Qty, Price and Owner are read.
func (ob *OrderBook) Submit(o Order) (Result, error) {
	switch o.Kind {
	case Limit:
		return ob.SubmitLimit(o.Side, o.Qty, o.Price, o.Owner)
	case Market:
		return ob.SubmitMarket(o.Side, o.Qty, o.Owner)
	case Stop:
		return ob.SubmitStop(o.Side, o.Qty, o.Price, o.Owner)
	default:
		return Result{}, ErrUnrecognizedOrderType
	}
}

// SubmitLimit rests a limit order, resolves any crossing, then gives the
// opposite stop queue one chance to fire. The order id is returned even when
// nothing matched.
func (ob *OrderBook) SubmitLimit(side Side, qty, price int64, owner string) (Result, error) {
	if err := checkSideQty(side, qty); err != nil {
		return Result{}, err
	}
	if price <= 0 {
		return Result{}, NewValidationError("price", "must be positive")
	}

	ob.mu.Lock()
	defer ob.mu.Unlock()

	o := ob.accept(Limit, side, qty, price, owner)
	ob.active[o.ID] = o
	ob.restingQueue(side).Push(o)

	fills := ob.match()
	if side == Bid {
		fills = append(fills, ob.sweepStopSells()...)
	} else {
		fills = append(fills, ob.sweepStopBuys()...)
	}

	ob.publish(fills)
	return Result{OrderID: o.ID, Fills: fills}, nil
}

// SubmitMarket fills qty against the opposite side or does nothing at all.
// A rejected order consumes no id.
func (ob *OrderBook) SubmitMarket(side Side, qty int64, owner string) (Result, error) {
	if err := checkSideQty(side, qty); err != nil {
		return Result{}, err
	}

	ob.mu.Lock()
	defer ob.mu.Unlock()

	opp := ob.restingQueue(side.Opposite())
	if opp.Len() == 0 || opp.TotalQty() < qty {
		return Result{OrderID: RejectedOrderID}, ErrInsufficientLiquidity
	}

	o := ob.accept(Market, side, qty, 0, owner)

	fills := make([]Fill, 0, 1)
	for o.Qty > 0 {
		maker := opp.Peek()
		match := min(o.Qty, maker.Qty)
		o.Qty -= match
		maker.Qty -= match
		fills = append(fills, ob.newFill(o, maker, maker.Price, match))
		ob.lastPrice = maker.Price
		if maker.Qty == 0 {
			opp.PopTop()
			delete(ob.active, maker.ID)
		}
	}

	ob.publish(fills)
	return Result{OrderID: o.ID, Fills: fills}, nil
}

// SubmitStop parks a stop order in its stop queue and runs one sweep of that
// queue, so an already marketable trigger fires immediately.
func (ob *OrderBook) SubmitStop(side Side, qty, trigger int64, owner string) (Result, error) {
	if err := checkSideQty(side, qty); err != nil {
		return Result{}, err
	}
	if trigger <= 0 {
		return Result{}, NewValidationError("price", "trigger must be positive")
	}

	ob.mu.Lock()
	defer ob.mu.Unlock()

	o := ob.accept(Stop, side, qty, trigger, owner)
	ob.active[o.ID] = o

	var fills []Fill
	if side == Bid {
		ob.stopBuys.Push(o)
		fills = ob.sweepStopBuys()
	} else {
		ob.stopSells.Push(o)
		fills = ob.sweepStopSells()
	}

	ob.publish(fills)
	return Result{OrderID: o.ID, Fills: fills}, nil
}

// Cancel removes a live order owned by owner. A missing id and a foreign
// owner both yield ErrNotFound.
func (ob *OrderBook) Cancel(id int64, owner string) error {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	o, ok := ob.active[id]
	if !ok || o.Owner != owner {
		return ErrNotFound
	}

	var q *orderQueue
	switch {
	case o.Kind == Stop && o.Side == Bid:
		q = ob.stopBuys
	case o.Kind == Stop:
		q = ob.stopSells
	default:
		q = ob.restingQueue(o.Side)
	}
	q.Remove(o)
	delete(ob.active, id)
	return nil
}

// PriceHistory returns one OHLC entry per UTC day of the month that has at
// least one recorded trade, ordered by date.
func (ob *OrderBook) PriceHistory(ctx context.Context, month time.Month, year int) ([]DayPrice, error) {
	if month < time.January || month > time.December {
		return nil, NewValidationError("month", "must be between 1 and 12")
	}

	ob.mu.Lock()
	defer ob.mu.Unlock()

	if ob.history == nil {
		return nil, ErrNoPriceHistory
	}

	from := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	records, err := ob.history.TradesBetween(ctx, from, from.AddDate(0, 1, 0))
	if err != nil {
		return nil, err
	}

	days := AggregateDaily(records, month, year)
	if len(days) == 0 {
		return nil, ErrNoPriceHistory
	}
	return days, nil
}

// Order returns a copy of a live limit or stop order.
func (ob *OrderBook) Order(id int64) (Order, bool) {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	o, ok := ob.active[id]
	if !ok {
		return Order{}, false
	}
	return *o, true
}

// Snapshot is a copy of every queue in priority order.
type Snapshot struct {
	Bids      []Order
	Asks      []Order
	StopBuys  []Order
	StopSells []Order
}

func (ob *OrderBook) Snapshot() Snapshot {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	return Snapshot{
		Bids:      values(ob.bids.Sorted()),
		Asks:      values(ob.asks.Sorted()),
		StopBuys:  values(ob.stopBuys.Sorted()),
		StopSells: values(ob.stopSells.Sorted()),
	}
}

// BestBid returns the highest resting bid price.
func (ob *OrderBook) BestBid() (int64, bool) {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	if o := ob.bids.Peek(); o != nil {
		return o.Price, true
	}
	return 0, false
}

// BestAsk returns the lowest resting ask price.
func (ob *OrderBook) BestAsk() (int64, bool) {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	if o := ob.asks.Peek(); o != nil {
		return o.Price, true
	}
	return 0, false
}

// GetLastPrice returns the price of the most recent fill
// Returns 0 if no trades have occurred
func (ob *OrderBook) GetLastPrice() int64 {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	return ob.lastPrice
}

// GetBidLevels returns resting bid levels sorted high to low (best bid first).
func (ob *OrderBook) GetBidLevels() []PriceLevel {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	levels := aggregateLevels(ob.bids)
	sort.Slice(levels, func(i, j int) bool { return levels[i].Price > levels[j].Price })
	return levels
}

// GetAskLevels returns resting ask levels sorted low to high (best ask first).
func (ob *OrderBook) GetAskLevels() []PriceLevel {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	levels := aggregateLevels(ob.asks)
	sort.Slice(levels, func(i, j int) bool { return levels[i].Price < levels[j].Price })
	return levels
}

// ActiveCount is the number of live limit and stop orders.
func (ob *OrderBook) ActiveCount() int {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	return len(ob.active)
}

func (ob *OrderBook) accept(kind Kind, side Side, qty, price int64, owner string) *Order {
	ob.nextID++
	ob.nextTS++
	return &Order{
		ID:        ob.nextID,
		Kind:      kind,
		Side:      side,
		Qty:       qty,
		Price:     price,
		Timestamp: ob.nextTS,
		Owner:     owner,
		key:       priorityKey{price: price, ts: ob.nextTS},
		slot:      -1,
	}
}

func (ob *OrderBook) restingQueue(side Side) *orderQueue {
	if side == Bid {
		return ob.bids
	}
	return ob.asks
}

func (ob *OrderBook) newFill(taker, maker *Order, price, qty int64) Fill {
	return Fill{
		TakerID:    taker.ID,
		TakerSide:  taker.Side,
		TakerKind:  taker.Kind,
		TakerOwner: taker.Owner,
		MakerID:    maker.ID,
		MakerKind:  maker.Kind,
		MakerOwner: maker.Owner,
		Price:      price,
		Qty:        qty,
		Time:       ob.clock.Now(),
	}
}

func (ob *OrderBook) publish(fills []Fill) {
	if len(fills) > 0 {
		ob.sink.Publish(fills)
	}
}

func checkSideQty(side Side, qty int64) error {
	if side != Bid && side != Ask {
		return NewValidationError("side", "must be bid or ask")
	}
	if qty <= 0 {
		return NewValidationError("size", "must be positive")
	}
	return nil
}

func aggregateLevels(q *orderQueue) []PriceLevel {
	byPrice := make(map[int64]int64)
	for _, o := range q.h.orders {
		byPrice[o.Price] += o.Qty
	}
	levels := make([]PriceLevel, 0, len(byPrice))
	for price, qty := range byPrice {
		levels = append(levels, PriceLevel{Price: price, Qty: qty})
	}
	return levels
}

func values(orders []*Order) []Order {
	out := make([]Order, len(orders))
	for i, o := range orders {
		out[i] = *o
	}
	return out
}
