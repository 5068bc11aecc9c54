package feed

import (
	"context"
	"testing"
	"time"

	appconfig "arbflow/config"
)

func TestBackoffRespectsVenueFloor(t *testing.T) {
	spec := SpecFor("okx")
	b := NewBackoff(appconfig.VenueConfig{MinReconnect: time.Millisecond, MaxReconnect: 10 * time.Second}, spec)
	if b.Min < spec.MinReconnect {
		t.Errorf("backoff min = %v, must not undercut venue floor %v", b.Min, spec.MinReconnect)
	}
	if b.Max != 10*time.Second {
		t.Errorf("backoff max = %v, want 10s", b.Max)
	}
}

func TestBackoffDefaultsWhenUnconfigured(t *testing.T) {
	b := NewBackoff(appconfig.VenueConfig{}, SpecFor("binance"))
	if b.Min <= 0 || b.Max < b.Min {
		t.Errorf("backoff bounds %v..%v invalid", b.Min, b.Max)
	}
}

func TestSubscribeLimiterCapsAtVenueLimit(t *testing.T) {
	spec := SpecFor("okx")
	l := NewSubscribeLimiter(appconfig.VenueConfig{SubscribeRPS: 1000, BurstSize: 100}, spec)
	if float64(l.Limit()) > spec.SubscribeRPS {
		t.Errorf("limiter rate = %v, must not exceed venue limit %v", l.Limit(), spec.SubscribeRPS)
	}
	if l.Burst() > spec.Burst {
		t.Errorf("limiter burst = %d, must not exceed venue limit %d", l.Burst(), spec.Burst)
	}
}

func TestSpecForUnknownVenue(t *testing.T) {
	spec := SpecFor("kraken")
	if spec.PingInterval <= 0 || spec.PongTimeout <= 0 {
		t.Errorf("unknown venue must get conservative defaults, got %+v", spec)
	}
}

type fakeAdapter struct {
	venue      string
	resyncs    []string
	reconnects []string
	started    bool
	stopped    bool
}

func (f *fakeAdapter) Venue() string                { return f.venue }
func (f *fakeAdapter) Start(context.Context) error  { f.started = true; return nil }
func (f *fakeAdapter) Stop()                        { f.stopped = true }
func (f *fakeAdapter) RequestResync(symbol string)  { f.resyncs = append(f.resyncs, symbol) }
func (f *fakeAdapter) ForceReconnect(reason string) { f.reconnects = append(f.reconnects, reason) }

func TestManagerRoutesByVenue(t *testing.T) {
	binance := &fakeAdapter{venue: "binance"}
	okx := &fakeAdapter{venue: "okx"}
	m := NewManager(binance, okx)

	if err := m.StartAll(context.Background()); err != nil {
		t.Fatalf("start all: %v", err)
	}
	if !binance.started || !okx.started {
		t.Error("all adapters must start")
	}

	m.RequestResync("okx", "BTCUSDT")
	if len(okx.resyncs) != 1 || okx.resyncs[0] != "BTCUSDT" {
		t.Errorf("okx resyncs = %v", okx.resyncs)
	}
	if len(binance.resyncs) != 0 {
		t.Errorf("binance resyncs = %v, want none", binance.resyncs)
	}

	m.ForceReconnect("binance", "malformed payloads")
	if len(binance.reconnects) != 1 {
		t.Errorf("binance reconnects = %v", binance.reconnects)
	}

	// unknown venue must not panic
	m.RequestResync("kraken", "BTCUSD")

	m.StopAll()
	if !binance.stopped || !okx.stopped {
		t.Error("all adapters must stop")
	}
}
