package orderbook

// match resolves crossings between the two resting queues by price-time
// priority. Each step trades at the resting ask price. The later of the two
// orders is the aggressor; before the call the book was uncrossed, so that is
// always the order just inserted.
func (ob *OrderBook) match() []Fill {
	var fills []Fill
	for {
		bid, ask := ob.bids.Peek(), ob.asks.Peek()
		if bid == nil || ask == nil || bid.Price < ask.Price {
			return fills
		}

		qty := min(bid.Qty, ask.Qty)
		bid.Qty -= qty
		ask.Qty -= qty

		taker, maker := bid, ask
		if ask.Timestamp > bid.Timestamp {
			taker, maker = ask, bid
		}
		fills = append(fills, ob.newFill(taker, maker, ask.Price, qty))
		ob.lastPrice = ask.Price

		if bid.Qty == 0 {
			ob.bids.PopTop()
			delete(ob.active, bid.ID)
		}
		if ask.Qty == 0 {
			ob.asks.PopTop()
			delete(ob.active, ask.ID)
		}
	}
}

// sweepStopBuys fires the lowest buy-stop once if the best ask is at or
// below its trigger.
func (ob *OrderBook) sweepStopBuys() []Fill {
	stop, ask := ob.stopBuys.Peek(), ob.asks.Peek()
	if stop == nil || ask == nil || ask.Price > stop.Price {
		return nil
	}
	return ob.fireStop(stop, ask, ob.stopBuys, ob.asks)
}

// sweepStopSells fires the highest sell-stop once if the best bid is at or
// above its trigger.
func (ob *OrderBook) sweepStopSells() []Fill {
	stop, bid := ob.stopSells.Peek(), ob.bids.Peek()
	if stop == nil || bid == nil || bid.Price < stop.Price {
		return nil
	}
	return ob.fireStop(stop, bid, ob.stopSells, ob.bids)
}

// fireStop executes exactly one match between a triggered stop and the best
// opposing resting order, at the resting order's price. Remaining stop
// quantity waits for the next book event.
func (ob *OrderBook) fireStop(stop, resting *Order, stops, book *orderQueue) []Fill {
	qty := min(stop.Qty, resting.Qty)
	stop.Qty -= qty
	resting.Qty -= qty

	fill := ob.newFill(stop, resting, resting.Price, qty)
	ob.lastPrice = resting.Price

	if stop.Qty == 0 {
		stops.PopTop()
		delete(ob.active, stop.ID)
	}
	if resting.Qty == 0 {
		book.PopTop()
		delete(ob.active, resting.ID)
	}
	return []Fill{fill}
}
