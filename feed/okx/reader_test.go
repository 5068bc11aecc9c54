package okx

import (
	"context"
	"strings"
	"testing"
	"time"

	appconfig "arbflow/config"
	"arbflow/feed"
	"arbflow/internal/channel"
	"arbflow/logger"
	"arbflow/models"
)

func testOptions(ch *channel.Channels) feed.Options {
	return feed.Options{
		Venue:    "okx",
		Config:   appconfig.VenueConfig{Enabled: true, Symbols: []string{"BTC-USDT"}},
		Feed:     appconfig.FeedConfig{ConnectTimeout: time.Second},
		Channels: ch,
	}
}

func TestNewReader(t *testing.T) {
	ch := channel.NewChannels(1, 1, 1)
	if r := NewReader(testOptions(ch)); r == nil {
		t.Fatal("NewReader returned nil")
	}
}

func TestHandleMessageForwardsBookPush(t *testing.T) {
	ch := channel.NewChannels(4, 1, 1)
	r := NewReader(testOptions(ch))
	r.ctx = context.Background()
	log := logger.GetLogger().WithComponent("test")

	raw := []byte(`{"arg":{"channel":"books5","instId":"BTC-USDT"},"data":[{"bids":[["1","2","0","1"]],"asks":[["3","4","0","1"]],"ts":"1700000000000","seqId":7}]}`)
	r.handleMessage(raw, log)

	select {
	case msg := <-ch.Raw:
		if msg.Venue != "okx" || msg.Symbol != "BTC-USDT" {
			t.Errorf("envelope = %+v", msg)
		}
		if msg.Market != models.MarketOrderbookSnapshot {
			t.Errorf("market = %s, every books5 push is a snapshot", msg.Market)
		}
	case <-time.After(time.Second):
		t.Fatal("no message forwarded")
	}
}

func TestHandleMessageIgnoresControlTraffic(t *testing.T) {
	ch := channel.NewChannels(4, 1, 1)
	r := NewReader(testOptions(ch))
	r.ctx = context.Background()
	log := logger.GetLogger().WithComponent("test")

	r.handleMessage([]byte("pong"), log)
	r.handleMessage([]byte(`{"event":"subscribe","arg":{"channel":"books5","instId":"BTC-USDT"}}`), log)

	select {
	case msg := <-ch.Raw:
		t.Fatalf("control message forwarded: %+v", msg)
	default:
	}
}

func TestErrorEventForcesReconnect(t *testing.T) {
	ch := channel.NewChannels(4, 1, 1)
	r := NewReader(testOptions(ch))
	r.ctx = context.Background()
	log := logger.GetLogger().WithComponent("test")

	r.handleMessage([]byte(`{"event":"error","msg":"Too Many Requests"}`), log)

	select {
	case reason := <-r.reconnect:
		if !strings.Contains(reason, "Too Many Requests") {
			t.Errorf("reconnect reason = %q", reason)
		}
	default:
		t.Fatal("rejection did not request a reconnect")
	}
	select {
	case msg := <-ch.Raw:
		t.Fatalf("rejection forwarded as data: %+v", msg)
	default:
	}
}

func TestRequestResyncUsesVenueSpelling(t *testing.T) {
	ch := channel.NewChannels(1, 1, 1)
	r := NewReader(testOptions(ch))

	r.RequestResync("BTCUSDT")
	select {
	case inst := <-r.resync:
		if inst != "BTC-USDT" {
			t.Errorf("resync instrument = %s, want BTC-USDT", inst)
		}
	default:
		t.Fatal("resync request not queued")
	}
}
