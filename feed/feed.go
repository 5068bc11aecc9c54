package feed

import (
	"context"
	"fmt"
	"time"

	"github.com/jpillora/backoff"
	"golang.org/x/time/rate"

	appconfig "arbflow/config"
	"arbflow/internal/channel"
	"arbflow/logger"
)

// Adapter is one venue's feed connection. Adapters own their websocket
// lifecycle: connect, subscribe, keepalive, reconnect with backoff, and
// forward raw payloads to the shared raw channel.
type Adapter interface {
	Venue() string
	Start(ctx context.Context) error
	Stop()
	// RequestResync asks the venue for a fresh snapshot of a canonical
	// symbol after the book store detected a sequence gap.
	RequestResync(symbol string)
	// ForceReconnect recycles the connection, used when the normalizer sees
	// repeated garbage on the wire.
	ForceReconnect(reason string)
}

// VenueSpec captures a venue's websocket liveness conventions. These are
// protocol facts, not tunables: venues disconnect clients that ignore them.
type VenueSpec struct {
	// PingInterval is how often the client must emit its keepalive.
	PingInterval time.Duration
	// PongTimeout bounds the wait for any inbound traffic before the
	// connection is considered dead.
	PongTimeout time.Duration
	// MinReconnect floors the reconnect backoff so an aggressive config
	// cannot trip the venue's connection rate limit.
	MinReconnect time.Duration
	// SubscribeRPS and Burst bound subscription request rates.
	SubscribeRPS float64
	Burst        int
}

var venueSpecs = map[string]VenueSpec{
	// binance pings the client and the SDK answers; our interval only
	// bounds stream inactivity detection
	"binance": {PingInterval: 3 * time.Minute, PongTimeout: 10 * time.Minute, MinReconnect: time.Second, SubscribeRPS: 5, Burst: 5},
	// coinbase expects protocol-level ping frames from the client
	"coinbase": {PingInterval: 15 * time.Second, PongTimeout: 30 * time.Second, MinReconnect: time.Second, SubscribeRPS: 5, Burst: 5},
	// okx expects a "ping" text message at least every 30 seconds
	"okx": {PingInterval: 20 * time.Second, PongTimeout: 30 * time.Second, MinReconnect: time.Second, SubscribeRPS: 3, Burst: 3},
}

// SpecFor returns the liveness conventions for a venue, with conservative
// defaults for unknown venues.
func SpecFor(venue string) VenueSpec {
	if spec, ok := venueSpecs[venue]; ok {
		return spec
	}
	return VenueSpec{
		PingInterval: 15 * time.Second,
		PongTimeout:  30 * time.Second,
		MinReconnect: time.Second,
		SubscribeRPS: 1,
		Burst:        1,
	}
}

// NewBackoff builds the reconnect backoff for a venue. The configured
// minimum never undercuts the venue's floor.
func NewBackoff(vc appconfig.VenueConfig, spec VenueSpec) *backoff.Backoff {
	min := vc.MinReconnect
	if min < spec.MinReconnect {
		min = spec.MinReconnect
	}
	max := vc.MaxReconnect
	if max <= 0 {
		max = 30 * time.Second
	}
	if max < min {
		max = min
	}
	return &backoff.Backoff{Min: min, Max: max, Factor: 2, Jitter: true}
}

// NewSubscribeLimiter builds the subscription rate limiter for a venue. The
// configured rate never exceeds the venue's published limit.
func NewSubscribeLimiter(vc appconfig.VenueConfig, spec VenueSpec) *rate.Limiter {
	rps := vc.SubscribeRPS
	if rps <= 0 || rps > spec.SubscribeRPS {
		rps = spec.SubscribeRPS
	}
	burst := vc.BurstSize
	if burst <= 0 || burst > spec.Burst {
		burst = spec.Burst
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}

// Options carries the shared wiring every adapter needs.
type Options struct {
	Venue    string
	Config   appconfig.VenueConfig
	Feed     appconfig.FeedConfig
	Channels *channel.Channels
	// OnDown fires after the reconnect budget is exhausted so the caller
	// can invalidate the venue's books.
	OnDown func(venue string)
}

// Manager owns all venue adapters and routes resync and reconnect requests
// to the right one.
type Manager struct {
	adapters map[string]Adapter
	log      *logger.Log
}

// NewManager creates a manager over the given adapters.
func NewManager(adapters ...Adapter) *Manager {
	m := &Manager{
		adapters: make(map[string]Adapter, len(adapters)),
		log:      logger.GetLogger(),
	}
	for _, a := range adapters {
		m.adapters[a.Venue()] = a
	}
	return m
}

// StartAll starts every adapter, failing fast on the first error.
func (m *Manager) StartAll(ctx context.Context) error {
	for venue, a := range m.adapters {
		if err := a.Start(ctx); err != nil {
			return fmt.Errorf("starting %s feed: %w", venue, err)
		}
	}
	return nil
}

// StopAll stops every adapter and waits for their goroutines.
func (m *Manager) StopAll() {
	for _, a := range m.adapters {
		a.Stop()
	}
}

// RequestResync forwards a resync request to the venue's adapter.
func (m *Manager) RequestResync(venue, symbol string) {
	if a, ok := m.adapters[venue]; ok {
		a.RequestResync(symbol)
		return
	}
	m.log.WithComponent("feed_manager").WithFields(logger.Fields{
		"venue": venue,
	}).Warn("resync requested for unknown venue")
}

// ForceReconnect recycles a venue connection on behalf of the normalizer.
func (m *Manager) ForceReconnect(venue, reason string) {
	if a, ok := m.adapters[venue]; ok {
		a.ForceReconnect(reason)
	}
}
