package orderbook

import (
	"errors"
	"math/rand"
	"reflect"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/clobnode/pkg/util"
)

type recordingSink struct {
	batches [][]Fill
}

func (s *recordingSink) Publish(fills []Fill) {
	s.batches = append(s.batches, append([]Fill(nil), fills...))
}

func (s *recordingSink) all() []Fill {
	var out []Fill
	for _, b := range s.batches {
		out = append(out, b...)
	}
	return out
}

func newTestBook(t *testing.T) (*OrderBook, *recordingSink) {
	t.Helper()
	sink := &recordingSink{}
	clock := util.NewManualClock(time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC))
	return NewOrderBook(WithSink(sink), WithClock(clock)), sink
}

func mustLimit(t *testing.T, ob *OrderBook, side Side, qty, price int64, owner string) Result {
	t.Helper()
	res, err := ob.SubmitLimit(side, qty, price, owner)
	require.NoError(t, err)
	return res
}

func TestOrderBookScenario(t *testing.T) {
	ob, sink := newTestBook(t)

	bid := mustLimit(t, ob, Bid, 500, 50000, "alice")
	ask1 := mustLimit(t, ob, Ask, 100, 51000, "bob")
	assert.Empty(t, bid.Fills)
	assert.Empty(t, ask1.Fills, "51000 > 50000 must not match")

	ask2 := mustLimit(t, ob, Ask, 200, 50000, "carol")
	require.Len(t, ask2.Fills, 1)
	fill := ask2.Fills[0]
	assert.Equal(t, int64(200), fill.Qty)
	assert.Equal(t, int64(50000), fill.Price)
	assert.Equal(t, ask2.OrderID, fill.TakerID)
	assert.Equal(t, bid.OrderID, fill.MakerID)

	snap := ob.Snapshot()
	require.Len(t, snap.Bids, 1)
	assert.Equal(t, int64(300), snap.Bids[0].Qty)
	require.Len(t, snap.Asks, 1)
	assert.Equal(t, ask1.OrderID, snap.Asks[0].ID)

	_, ok := ob.Order(ask2.OrderID)
	assert.False(t, ok, "fully filled ask must leave the index")
	assert.Len(t, sink.all(), 1)

	rec := fill.Record()
	assert.Equal(t, TradeRecord{OrderID: ask2.OrderID, Side: Ask, Kind: Limit, Size: 200, Price: 50000, Timestamp: fill.Time.Unix()}, rec)
}

func TestOrderBookIDsMonotonic(t *testing.T) {
	ob, _ := newTestBook(t)
	var last int64
	for i := 0; i < 10; i++ {
		res := mustLimit(t, ob, Bid, 1, int64(100+i), "alice")
		if res.OrderID <= last {
			t.Fatalf("id %d not greater than previous %d", res.OrderID, last)
		}
		last = res.OrderID
	}
}

func TestOrderBookNeverCrossed(t *testing.T) {
	ob, _ := newTestBook(t)
	rng := rand.New(rand.NewSource(7))

	for i := 0; i < 2000; i++ {
		side := Bid
		if rng.Intn(2) == 0 {
			side = Ask
		}
		qty := int64(rng.Intn(50) + 1)
		price := int64(990 + rng.Intn(21))
		mustLimit(t, ob, side, qty, price, "trader")

		bid, okB := ob.BestBid()
		ask, okA := ob.BestAsk()
		if okB && okA && bid >= ask {
			t.Fatalf("step %d: crossed book bid=%d ask=%d", i, bid, ask)
		}
	}
}

func TestOrderBookMatchesAtAskPrice(t *testing.T) {
	tests := []struct {
		name      string
		resting   Side
		restPx    int64
		incomePx  int64
		wantPrice int64
	}{
		{name: "incoming bid pays resting ask", resting: Ask, restPx: 100, incomePx: 105, wantPrice: 100},
		{name: "incoming ask trades at its own ask price", resting: Bid, restPx: 100, incomePx: 95, wantPrice: 95},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ob, _ := newTestBook(t)
			mustLimit(t, ob, tt.resting, 10, tt.restPx, "maker")
			res := mustLimit(t, ob, tt.resting.Opposite(), 10, tt.incomePx, "taker")
			if len(res.Fills) != 1 {
				t.Fatalf("fills = %d, want 1", len(res.Fills))
			}
			if res.Fills[0].Price != tt.wantPrice {
				t.Errorf("price = %d, want %d", res.Fills[0].Price, tt.wantPrice)
			}
		})
	}
}

func TestOrderBookPriceTimePriority(t *testing.T) {
	ob, _ := newTestBook(t)

	first := mustLimit(t, ob, Ask, 10, 100, "early")
	second := mustLimit(t, ob, Ask, 10, 100, "late")
	better := mustLimit(t, ob, Ask, 5, 99, "best")

	res := mustLimit(t, ob, Bid, 12, 100, "buyer")
	require.Len(t, res.Fills, 2)
	assert.Equal(t, better.OrderID, res.Fills[0].MakerID, "best price first")
	assert.Equal(t, int64(99), res.Fills[0].Price)
	assert.Equal(t, first.OrderID, res.Fills[1].MakerID, "earlier timestamp before later at equal price")
	assert.Equal(t, int64(7), res.Fills[1].Qty)

	o, ok := ob.Order(first.OrderID)
	require.True(t, ok)
	assert.Equal(t, int64(3), o.Qty)
	o, ok = ob.Order(second.OrderID)
	require.True(t, ok)
	assert.Equal(t, int64(10), o.Qty, "later order untouched")
}

func TestOrderBookIncomingSweepsSeveralLevels(t *testing.T) {
	ob, sink := newTestBook(t)
	mustLimit(t, ob, Bid, 5, 102, "a")
	mustLimit(t, ob, Bid, 5, 101, "b")
	mustLimit(t, ob, Bid, 5, 100, "c")

	res := mustLimit(t, ob, Ask, 12, 101, "seller")
	require.Len(t, res.Fills, 2)
	assert.Equal(t, int64(5), res.Fills[0].Qty)
	assert.Equal(t, int64(5), res.Fills[1].Qty)

	snap := ob.Snapshot()
	require.Len(t, snap.Asks, 1)
	assert.Equal(t, int64(2), snap.Asks[0].Qty, "remainder rests at its limit")
	assert.Equal(t, int64(101), snap.Asks[0].Price)
	require.Len(t, snap.Bids, 1)
	assert.Equal(t, int64(100), snap.Bids[0].Price)
	require.Len(t, sink.batches, 1, "one publish per submission")
}

func TestOrderBookMarketAllOrNothing(t *testing.T) {
	ob, sink := newTestBook(t)
	mustLimit(t, ob, Ask, 10, 100, "a")
	mustLimit(t, ob, Ask, 10, 101, "b")
	mustLimit(t, ob, Bid, 4, 90, "c")

	before := ob.Snapshot()
	res, err := ob.SubmitMarket(Bid, 21, "buyer")
	if !errors.Is(err, ErrInsufficientLiquidity) {
		t.Fatalf("err = %v, want ErrInsufficientLiquidity", err)
	}
	if res.OrderID != RejectedOrderID {
		t.Errorf("order id = %d, want sentinel %d", res.OrderID, RejectedOrderID)
	}
	if after := ob.Snapshot(); !reflect.DeepEqual(before, after) {
		t.Errorf("book changed on rejected market order:\nbefore %+v\nafter  %+v", before, after)
	}
	if len(sink.batches) != 0 {
		t.Errorf("rejected market order published %d batches", len(sink.batches))
	}

	// the rejection must not consume an id
	next := mustLimit(t, ob, Bid, 1, 80, "c")
	assert.Equal(t, int64(4), next.OrderID)
}

func TestOrderBookMarketEmptySide(t *testing.T) {
	ob, _ := newTestBook(t)
	mustLimit(t, ob, Bid, 10, 100, "a")

	res, err := ob.SubmitMarket(Bid, 1, "buyer")
	assert.ErrorIs(t, err, ErrInsufficientLiquidity)
	assert.Equal(t, RejectedOrderID, res.OrderID)
}

func TestOrderBookMarketWalksBook(t *testing.T) {
	ob, _ := newTestBook(t)
	a := mustLimit(t, ob, Ask, 10, 100, "a")
	b := mustLimit(t, ob, Ask, 10, 101, "b")

	res, err := ob.SubmitMarket(Bid, 15, "buyer")
	require.NoError(t, err)
	require.Len(t, res.Fills, 2)

	assert.Equal(t, a.OrderID, res.Fills[0].MakerID)
	assert.Equal(t, int64(10), res.Fills[0].Qty)
	assert.Equal(t, int64(100), res.Fills[0].Price)
	assert.Equal(t, b.OrderID, res.Fills[1].MakerID)
	assert.Equal(t, int64(5), res.Fills[1].Qty)
	assert.Equal(t, int64(101), res.Fills[1].Price)
	for _, f := range res.Fills {
		assert.Equal(t, Market, f.TakerKind)
		assert.Equal(t, res.OrderID, f.TakerID)
	}

	_, ok := ob.Order(a.OrderID)
	assert.False(t, ok)
	o, ok := ob.Order(b.OrderID)
	require.True(t, ok)
	assert.Equal(t, int64(5), o.Qty)
	_, ok = ob.Order(res.OrderID)
	assert.False(t, ok, "market orders never rest")
}

func TestOrderBookCancel(t *testing.T) {
	ob, _ := newTestBook(t)
	bid := mustLimit(t, ob, Bid, 10, 100, "alice")
	stop, err := ob.SubmitStop(Ask, 5, 110, "alice")
	require.NoError(t, err)
	require.Empty(t, stop.Fills, "best bid 100 is below trigger 110")

	t.Run("missing and foreign are indistinguishable", func(t *testing.T) {
		errMissing := ob.Cancel(9999, "alice")
		errForeign := ob.Cancel(bid.OrderID, "mallory")
		if !errors.Is(errMissing, ErrNotFound) || !errors.Is(errForeign, ErrNotFound) {
			t.Fatalf("missing=%v foreign=%v, want ErrNotFound for both", errMissing, errForeign)
		}
		if errMissing.Error() != errForeign.Error() {
			t.Errorf("messages differ: %q vs %q", errMissing, errForeign)
		}
	})

	t.Run("owner cancels resting limit", func(t *testing.T) {
		require.NoError(t, ob.Cancel(bid.OrderID, "alice"))
		_, ok := ob.BestBid()
		assert.False(t, ok)
		assert.ErrorIs(t, ob.Cancel(bid.OrderID, "alice"), ErrNotFound)
	})

	t.Run("owner cancels dormant stop", func(t *testing.T) {
		require.NoError(t, ob.Cancel(stop.OrderID, "alice"))
		assert.Empty(t, ob.Snapshot().StopSells)
		assert.Equal(t, 0, ob.ActiveCount())

		// a bid above the old trigger no longer finds anything to fire
		res := mustLimit(t, ob, Bid, 5, 120, "bob")
		assert.Empty(t, res.Fills)
	})
}

func TestOrderBookSubmitDispatch(t *testing.T) {
	ob, _ := newTestBook(t)

	_, err := ob.Submit(Order{Kind: Kind(42), Side: Bid, Qty: 1, Price: 1, Owner: "x"})
	assert.ErrorIs(t, err, ErrUnrecognizedOrderType)

	res, err := ob.Submit(Order{Kind: Limit, Side: Ask, Qty: 3, Price: 10, Owner: "x"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.OrderID)

	_, err = ob.Submit(Order{Kind: Limit, Side: Ask, Qty: 0, Price: 10, Owner: "x"})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "size", verr.Field)
}

func TestOrderBookLevels(t *testing.T) {
	ob, _ := newTestBook(t)
	mustLimit(t, ob, Bid, 5, 100, "a")
	mustLimit(t, ob, Bid, 7, 100, "b")
	mustLimit(t, ob, Bid, 1, 101, "c")
	mustLimit(t, ob, Ask, 2, 105, "d")
	mustLimit(t, ob, Ask, 3, 103, "e")

	assert.Equal(t, []PriceLevel{{Price: 101, Qty: 1}, {Price: 100, Qty: 12}}, ob.GetBidLevels())
	assert.Equal(t, []PriceLevel{{Price: 103, Qty: 3}, {Price: 105, Qty: 2}}, ob.GetAskLevels())
}
