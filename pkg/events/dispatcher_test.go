package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/uhyunpark/clobnode/pkg/app/core/orderbook"
)

type collector struct {
	mu   sync.Mutex
	seqs []uint64
	ids  []int64
}

func (c *collector) HandleFill(_ context.Context, f orderbook.Fill) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seqs = append(c.seqs, f.Seq)
	c.ids = append(c.ids, f.TakerID)
	return nil
}

func (c *collector) snapshot() ([]uint64, []int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]uint64(nil), c.seqs...), append([]int64(nil), c.ids...)
}

func fills(ids ...int64) []orderbook.Fill {
	out := make([]orderbook.Fill, len(ids))
	for i, id := range ids {
		out[i] = orderbook.Fill{TakerID: id, Qty: 1, Price: 100, Time: time.Now()}
	}
	return out
}

func TestDispatcherPreservesPublishOrder(t *testing.T) {
	d := NewDispatcher(zap.NewNop().Sugar(), 4)
	c := &collector{}
	d.Register("collector", c)
	d.Start(context.Background())

	d.Publish(fills(10, 11, 12))
	d.Publish(fills(13))
	d.Publish(fills(14, 15, 16, 17, 18))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	seqs, ids := c.snapshot()
	if len(seqs) != 9 {
		t.Fatalf("delivered %d fills, want 9", len(seqs))
	}
	for i := range seqs {
		if seqs[i] != uint64(i+1) {
			t.Errorf("seq[%d] = %d, want %d", i, seqs[i], i+1)
		}
		if ids[i] != int64(10+i) {
			t.Errorf("id[%d] = %d, want %d", i, ids[i], 10+i)
		}
	}
	if d.Published() != 9 || d.Delivered() != 9 {
		t.Errorf("published=%d delivered=%d, want 9/9", d.Published(), d.Delivered())
	}
	d.Close()
}

func TestDispatcherDoesNotMutateCallerSlice(t *testing.T) {
	d := NewDispatcher(zap.NewNop().Sugar(), 4)
	d.Start(context.Background())
	defer d.Close()

	batch := fills(1, 2)
	d.Publish(batch)
	for _, f := range batch {
		if f.Seq != 0 {
			t.Fatalf("caller fill stamped with seq %d", f.Seq)
		}
	}
}

type countingObserver struct {
	mu       sync.Mutex
	failures map[string]int
}

func (o *countingObserver) FillDispatched(time.Duration) {}
func (o *countingObserver) QueueDepth(int)               {}
func (o *countingObserver) HandlerFailed(name string) {
	o.mu.Lock()
	o.failures[name]++
	o.mu.Unlock()
}

func TestDispatcherHandlerErrorDoesNotStall(t *testing.T) {
	d := NewDispatcher(zap.NewNop().Sugar(), 1)
	obs := &countingObserver{failures: map[string]int{}}
	d.SetObserver(obs)
	d.Register("broken", HandlerFunc(func(context.Context, orderbook.Fill) error {
		return errors.New("sink offline")
	}))
	c := &collector{}
	d.Register("collector", c)
	d.Start(context.Background())

	d.Publish(fills(1, 2, 3))
	d.Close()

	seqs, _ := c.snapshot()
	if len(seqs) != 3 {
		t.Fatalf("collector got %d fills after broken handler, want 3", len(seqs))
	}
	if obs.failures["broken"] != 3 {
		t.Errorf("broken failures = %d, want 3", obs.failures["broken"])
	}
}

func TestDispatcherClosed(t *testing.T) {
	d := NewDispatcher(zap.NewNop().Sugar(), 1)
	d.Start(context.Background())
	d.Close()
	d.Close()

	d.Publish(fills(1)) // dropped and logged, must not panic
	if err := d.Flush(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Flush after close = %v, want ErrClosed", err)
	}
}

func TestDispatcherFlushHonoursContext(t *testing.T) {
	d := NewDispatcher(zap.NewNop().Sugar(), 1) // never started
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := d.Flush(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Flush = %v, want deadline exceeded", err)
	}
}

func TestStalledHandlerDoesNotBlockBook(t *testing.T) {
	d := NewDispatcher(zap.NewNop().Sugar(), 2)
	release := make(chan struct{})
	c := &collector{}
	d.Register("stalled", HandlerFunc(func(context.Context, orderbook.Fill) error {
		<-release
		return nil
	}))
	d.Register("collector", c)
	d.Start(context.Background())

	ob := orderbook.NewOrderBook(orderbook.WithSink(d))

	finished := make(chan struct{})
	go func() {
		defer close(finished)
		for i := 0; i < 6; i++ {
			ob.SubmitLimit(orderbook.Bid, 1, 100, "alice")
			ob.SubmitLimit(orderbook.Ask, 1, 100, "bob")
		}
		ob.SubmitLimit(orderbook.Bid, 1, 90, "alice")
		ob.BestBid()
	}()

	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("book blocked behind a stalled fill handler")
	}
	if bid, ok := ob.BestBid(); !ok || bid != 90 {
		t.Errorf("BestBid = %d, %v; want 90, true", bid, ok)
	}
	if d.Published() != 6 {
		t.Errorf("published = %d, want 6", d.Published())
	}

	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	seqs, _ := c.snapshot()
	if len(seqs) != 6 {
		t.Fatalf("delivered %d fills, want 6", len(seqs))
	}
	for i, s := range seqs {
		if s != uint64(i+1) {
			t.Errorf("seq[%d] = %d, want %d", i, s, i+1)
		}
	}
	if d.Pending() != 0 {
		t.Errorf("pending = %d after flush, want 0", d.Pending())
	}
	d.Close()
}

func TestCloseDrainsBacklog(t *testing.T) {
	d := NewDispatcher(zap.NewNop().Sugar(), 1)
	c := &collector{}
	d.Register("collector", c)

	// published before Start: the backlog holds them
	d.Publish(fills(1, 2, 3, 4, 5))
	d.Start(context.Background())
	d.Close()

	seqs, _ := c.snapshot()
	if len(seqs) != 5 {
		t.Fatalf("delivered %d fills, want 5", len(seqs))
	}
}
