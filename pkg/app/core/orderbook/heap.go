package orderbook

import "container/heap"

// lessFunc orders two priority keys; the queue top is the key that sorts first.
type lessFunc func(a, b priorityKey) bool

// bids: highest price first, earlier timestamp on ties
func bidLess(a, b priorityKey) bool {
	if a.price != b.price {
		return a.price > b.price
	}
	return a.ts < b.ts
}

// asks: lowest price first, earlier timestamp on ties
func askLess(a, b priorityKey) bool {
	if a.price != b.price {
		return a.price < b.price
	}
	return a.ts < b.ts
}

// buy-stops: lowest trigger first
func stopBuyLess(a, b priorityKey) bool {
	if a.price != b.price {
		return a.price < b.price
	}
	return a.ts < b.ts
}

// sell-stops: highest trigger first
func stopSellLess(a, b priorityKey) bool {
	if a.price != b.price {
		return a.price > b.price
	}
	return a.ts < b.ts
}

// orderHeap implements heap.Interface over orders. Each order tracks its own
// slot so cancellation can remove it in O(log n).
// Use container/heap package to manipulate this heap (Init, Push, Pop, Remove)
type orderHeap struct {
	orders []*Order
	less   lessFunc
}

func (h orderHeap) Len() int           { return len(h.orders) }
func (h orderHeap) Less(i, j int) bool { return h.less(h.orders[i].key, h.orders[j].key) }
func (h orderHeap) Swap(i, j int) {
	h.orders[i], h.orders[j] = h.orders[j], h.orders[i]
	h.orders[i].slot = i
	h.orders[j].slot = j
}

func (h *orderHeap) Push(x interface{}) {
	o := x.(*Order)
	o.slot = len(h.orders)
	h.orders = append(h.orders, o)
}

func (h *orderHeap) Pop() interface{} {
	old := h.orders
	n := len(old)
	o := old[n-1]
	old[n-1] = nil
	o.slot = -1
	h.orders = old[0 : n-1]
	return o
}

// orderQueue wraps orderHeap with the operations the book needs.
type orderQueue struct {
	h orderHeap
}

func newOrderQueue(less lessFunc) *orderQueue {
	q := &orderQueue{h: orderHeap{less: less}}
	heap.Init(&q.h)
	return q
}

func (q *orderQueue) Len() int { return q.h.Len() }

// Peek returns the top order without removing it, nil when empty.
func (q *orderQueue) Peek() *Order {
	if q.h.Len() == 0 {
		return nil
	}
	return q.h.orders[0]
}

func (q *orderQueue) Push(o *Order) { heap.Push(&q.h, o) }

func (q *orderQueue) PopTop() *Order {
	if q.h.Len() == 0 {
		return nil
	}
	return heap.Pop(&q.h).(*Order)
}

// Remove deletes o if it is queued here.
func (q *orderQueue) Remove(o *Order) bool {
	if o.slot < 0 || o.slot >= q.h.Len() || q.h.orders[o.slot] != o {
		return false
	}
	heap.Remove(&q.h, o.slot)
	return true
}

// TotalQty sums the remaining quantity of every queued order.
func (q *orderQueue) TotalQty() int64 {
	var total int64
	for _, o := range q.h.orders {
		total += o.Qty
	}
	return total
}

// Sorted returns the queued orders in priority order without mutating the heap.
func (q *orderQueue) Sorted() []*Order {
	cp := orderHeap{orders: make([]*Order, len(q.h.orders)), less: q.h.less}
	for i, o := range q.h.orders {
		c := *o
		c.slot = i
		cp.orders[i] = &c
	}
	out := make([]*Order, 0, len(cp.orders))
	for cp.Len() > 0 {
		out = append(out, heap.Pop(&cp).(*Order))
	}
	return out
}
