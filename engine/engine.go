package engine

import (
	"context"
	"sync"

	"arbflow/book"
	"arbflow/detector"
	"arbflow/internal/channel"
	"arbflow/logger"
	"arbflow/models"
)

// Resyncer requests a fresh snapshot for one venue's symbol. The feed
// manager implements it.
type Resyncer interface {
	RequestResync(venue, symbol string)
}

// Engine is the single consumer of the dispatcher stream. It applies each
// update to the book store, turns sequence gaps into resync requests, and
// runs the detector on every successful apply. Keeping one consumer makes
// the store's write path effectively single threaded.
type Engine struct {
	store    *book.Store
	detector *detector.Detector
	channels *channel.Channels
	resync   Resyncer
	log      *logger.Log

	mu      sync.Mutex
	applied int64
	gaps    int64
	stale   int64
}

// New creates an engine over the shared store and detector.
func New(store *book.Store, det *detector.Detector, channels *channel.Channels, resync Resyncer) *Engine {
	return &Engine{
		store:    store,
		detector: det,
		channels: channels,
		resync:   resync,
		log:      logger.GetLogger(),
	}
}

// Run consumes the update stream until it closes or the context is
// cancelled.
func (e *Engine) Run(ctx context.Context, updates <-chan models.BookUpdate) {
	log := e.log.WithComponent("engine")
	log.Info("engine started")
	defer log.Info("engine stopped")

	for {
		select {
		case <-ctx.Done():
			// the dispatcher drains its queues into this stream before
			// closing it; keep consuming so the drain has a reader
			for u := range updates {
				e.handle(ctx, u)
			}
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			e.handle(ctx, u)
		}
	}
}

func (e *Engine) handle(ctx context.Context, u models.BookUpdate) {
	switch e.store.Apply(u) {
	case book.Applied, book.Resynced:
		e.mu.Lock()
		e.applied++
		e.mu.Unlock()
		if opp := e.detector.OnQuote(u); opp != nil {
			if !e.channels.SendOpportunity(ctx, *opp) && ctx.Err() == nil {
				e.log.WithComponent("engine").WithFields(logger.Fields{
					"symbol": opp.Symbol,
				}).Warn("opportunity channel full, dropping")
			}
		}

	case book.GapDetected:
		e.mu.Lock()
		e.gaps++
		e.mu.Unlock()
		if e.resync != nil {
			e.resync.RequestResync(u.Venue, u.Symbol)
		}

	case book.Stale, book.Invalid:
		e.mu.Lock()
		e.stale++
		e.mu.Unlock()
	}
}

// Stats returns how many updates were applied, how many opened gaps, and
// how many were discarded as stale or invalid.
func (e *Engine) Stats() (applied, gaps, stale int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.applied, e.gaps, e.stale
}
