package dispatcher

import (
	"context"
	"sync"
	"time"

	"arbflow/logger"
	"arbflow/models"
)

// Dispatcher fans normalized book updates from all venues into a single
// ordered stream. Ordering is per-venue FIFO only; no total order across
// venues is guaranteed or needed, since venue clocks are independent.
//
// Each venue gets a bounded queue with a drop-oldest overflow policy: if
// the consumer falls behind, old quotes are sacrificed first because stale
// market data is economically worthless for arbitrage.
type Dispatcher struct {
	mu      sync.Mutex
	queues  map[string]*venueQueue
	order   []string
	depth   int
	out     chan models.BookUpdate
	notify  chan struct{}
	dropped int64
	log     *logger.Log
}

type venueQueue struct {
	items []models.BookUpdate
}

// New creates a dispatcher whose per-venue queues hold at most depth
// updates.
func New(depth int) *Dispatcher {
	if depth <= 0 {
		depth = 256
	}
	return &Dispatcher{
		queues: make(map[string]*venueQueue),
		depth:  depth,
		out:    make(chan models.BookUpdate),
		notify: make(chan struct{}, 1),
		log:    logger.GetLogger(),
	}
}

// Enqueue adds an update to its venue queue, evicting the oldest queued
// update when the queue is full.
func (d *Dispatcher) Enqueue(u models.BookUpdate) {
	d.mu.Lock()
	q, ok := d.queues[u.Venue]
	if !ok {
		q = &venueQueue{}
		d.queues[u.Venue] = q
		d.order = append(d.order, u.Venue)
	}
	if len(q.items) >= d.depth {
		q.items = q.items[1:]
		d.dropped++
	}
	q.items = append(q.items, u)
	d.mu.Unlock()

	select {
	case d.notify <- struct{}{}:
	default:
	}
}

// Dropped returns how many updates were evicted by the overflow policy.
func (d *Dispatcher) Dropped() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dropped
}

// Out is the fan-in stream consumed by the engine. It is closed after Run
// returns.
func (d *Dispatcher) Out() <-chan models.BookUpdate {
	return d.out
}

// pop removes one update, rotating across venues so a busy venue cannot
// starve the others. The second return is false when all queues are empty.
func (d *Dispatcher) pop() (models.BookUpdate, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for range d.order {
		venue := d.order[0]
		d.order = append(d.order[1:], venue)
		q := d.queues[venue]
		if len(q.items) == 0 {
			continue
		}
		u := q.items[0]
		q.items = q.items[1:]
		return u, true
	}
	return models.BookUpdate{}, false
}

// Run pumps queued updates into the output stream until the context is
// cancelled, then drains what remains within the grace period and closes
// the stream.
func (d *Dispatcher) Run(ctx context.Context, grace time.Duration) {
	defer close(d.out)

	for {
		u, ok := d.pop()
		if !ok {
			select {
			case <-ctx.Done():
				d.drain(grace)
				return
			case <-d.notify:
				continue
			}
		}

		select {
		case d.out <- u:
		case <-ctx.Done():
			// requeue is pointless during shutdown; deliver within grace
			if !d.deliver(u, grace) {
				return
			}
			d.drain(grace)
			return
		}
	}
}

func (d *Dispatcher) deliver(u models.BookUpdate, grace time.Duration) bool {
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case d.out <- u:
		return true
	case <-timer.C:
		return false
	}
}

// drain flushes remaining queued updates to the consumer, discarding
// whatever is left once the grace period expires.
func (d *Dispatcher) drain(grace time.Duration) {
	deadline := time.Now().Add(grace)
	for {
		u, ok := d.pop()
		if !ok {
			return
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			d.logDiscard()
			return
		}
		if !d.deliver(u, remaining) {
			d.logDiscard()
			return
		}
	}
}

func (d *Dispatcher) logDiscard() {
	d.mu.Lock()
	left := 0
	for _, q := range d.queues {
		left += len(q.items)
	}
	d.mu.Unlock()
	if left > 0 {
		d.log.WithComponent("dispatcher").WithFields(logger.Fields{
			"discarded": left,
		}).Warn("shutdown grace expired, discarding queued updates")
	}
}
