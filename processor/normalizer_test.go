package processor

import (
	"context"
	"testing"
	"time"

	appconfig "arbflow/config"
	"arbflow/dispatcher"
	"arbflow/internal/channel"
	"arbflow/models"
)

var recvTime = time.UnixMilli(1700000000500)

func rawMsg(venue, symbol, market string, data string) models.RawFeedMessage {
	return models.RawFeedMessage{
		Venue:      venue,
		Symbol:     symbol,
		Market:     market,
		Data:       []byte(data),
		ReceivedAt: recvTime,
	}
}

func TestParseBinanceDelta(t *testing.T) {
	payload := `{
		"e": "depthUpdate", "E": 1700000000123, "s": "BTCUSDT",
		"U": 157, "u": 160,
		"b": [{"price": "26500.10", "quantity": "0.5"}, {"price": "26499.00", "quantity": "0"}],
		"a": [{"price": "26501.00", "quantity": "1.2"}]
	}`
	update, err := Parse(rawMsg("binance", "BTCUSDT", models.MarketOrderbookDelta, payload))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if update.Type != models.UpdateDelta {
		t.Errorf("type = %s, want delta", update.Type)
	}
	if update.Symbol != "BTCUSDT" {
		t.Errorf("symbol = %s", update.Symbol)
	}
	if update.FirstSeq != 157 || update.Seq != 160 {
		t.Errorf("seq range = %d..%d, want 157..160", update.FirstSeq, update.Seq)
	}
	if update.VenueTime != 1700000000123 {
		t.Errorf("venue time = %d", update.VenueTime)
	}
	if update.ReceivedTime != recvTime.UnixMilli() {
		t.Errorf("received time = %d", update.ReceivedTime)
	}
	if len(update.Bids) != 2 || len(update.Asks) != 1 {
		t.Fatalf("levels = %d bids %d asks", len(update.Bids), len(update.Asks))
	}
	// zero quantity must survive as a level removal
	if update.Bids[1].Price != 26499 || update.Bids[1].Quantity != 0 {
		t.Errorf("removal level = %+v", update.Bids[1])
	}
}

func TestParseBinanceSnapshot(t *testing.T) {
	payload := `{
		"lastUpdateId": 160,
		"bids": [{"price": "26500.10", "quantity": "0.5"}],
		"asks": [{"price": "26501.00", "quantity": "1.2"}]
	}`
	update, err := Parse(rawMsg("binance", "BTCUSDT", models.MarketOrderbookSnapshot, payload))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if update.Type != models.UpdateSnapshot {
		t.Errorf("type = %s, want snapshot", update.Type)
	}
	if update.Seq != 160 {
		t.Errorf("seq = %d, want 160", update.Seq)
	}
}

func TestParseCoinbaseSnapshot(t *testing.T) {
	payload := `{
		"type": "snapshot", "product_id": "BTC-USD",
		"bids": [["26500.10", "0.5"]],
		"asks": [["26501.00", "1.2"]]
	}`
	raw := rawMsg("coinbase", "BTC-USD", models.MarketOrderbookSnapshot, payload)
	raw.Seq = 1
	update, err := Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if update.Type != models.UpdateSnapshot || update.Symbol != "BTCUSD" {
		t.Errorf("update = %+v", update)
	}
	if update.Seq != 1 {
		t.Errorf("seq = %d, want connection-local 1", update.Seq)
	}
}

func TestParseCoinbaseL2Update(t *testing.T) {
	payload := `{
		"type": "l2update", "product_id": "BTC-USD",
		"time": "2023-11-14T22:13:20.123Z",
		"changes": [["buy", "26500.10", "0.5"], ["sell", "26501.00", "0"]]
	}`
	raw := rawMsg("coinbase", "BTC-USD", models.MarketOrderbookDelta, payload)
	raw.Seq = 7
	update, err := Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if update.Type != models.UpdateDelta {
		t.Errorf("type = %s", update.Type)
	}
	if update.Seq != 7 || update.PrevSeq != 6 {
		t.Errorf("seq = %d prev %d, want 7/6", update.Seq, update.PrevSeq)
	}
	if want := time.Date(2023, 11, 14, 22, 13, 20, 123000000, time.UTC).UnixMilli(); update.VenueTime != want {
		t.Errorf("venue time = %d, want %d", update.VenueTime, want)
	}
	if len(update.Bids) != 1 || len(update.Asks) != 1 {
		t.Fatalf("levels = %d bids %d asks", len(update.Bids), len(update.Asks))
	}
	if update.Asks[0].Quantity != 0 {
		t.Errorf("sell change with size 0 must become a removal, got %+v", update.Asks[0])
	}
}

func TestParseOkxBooks(t *testing.T) {
	payload := `{
		"arg": {"channel": "books5", "instId": "BTC-USDT"},
		"data": [{
			"bids": [["26500.1", "0.5", "0", "3"]],
			"asks": [["26501.0", "1.2", "0", "1"]],
			"ts": "1700000000123", "seqId": 42
		}]
	}`
	update, err := Parse(rawMsg("okx", "BTC-USDT", models.MarketOrderbookSnapshot, payload))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if update.Type != models.UpdateSnapshot {
		t.Errorf("type = %s, want snapshot: every books5 push is one", update.Type)
	}
	if update.Symbol != "BTCUSDT" {
		t.Errorf("symbol = %s", update.Symbol)
	}
	if update.Seq != 42 || update.VenueTime != 1700000000123 {
		t.Errorf("seq = %d venue time = %d", update.Seq, update.VenueTime)
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	cases := []struct {
		name string
		raw  models.RawFeedMessage
	}{
		{"bad json", rawMsg("binance", "BTCUSDT", models.MarketOrderbookDelta, `{"e":`)},
		{"unknown venue", rawMsg("kraken", "BTCUSD", models.MarketOrderbookDelta, `{}`)},
		{"binance missing ids", rawMsg("binance", "BTCUSDT", models.MarketOrderbookDelta, `{"e":"depthUpdate"}`)},
		{"coinbase bad side", rawMsg("coinbase", "BTC-USD", models.MarketOrderbookDelta,
			`{"type":"l2update","changes":[["hold","1","1"]]}`)},
		{"coinbase bad number", rawMsg("coinbase", "BTC-USD", models.MarketOrderbookDelta,
			`{"type":"l2update","changes":[["buy","abc","1"]]}`)},
		{"binance bad level", rawMsg("binance", "BTCUSDT", models.MarketOrderbookDelta,
			`{"e":"depthUpdate","u":5,"b":[{"price":"x","quantity":"1"}]}`)},
		{"binance bad snapshot level", rawMsg("binance", "BTCUSDT", models.MarketOrderbookSnapshot,
			`{"lastUpdateId":5,"asks":[{"price":"1.0","quantity":"y"}]}`)},
		{"okx empty data", rawMsg("okx", "BTC-USDT", models.MarketOrderbookSnapshot,
			`{"arg":{"channel":"books5"},"data":[]}`)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Parse(tc.raw); err == nil {
				t.Error("expected parse error")
			}
		})
	}
}

// Same-venue messages must reach the dispatcher in arrival order even with
// several workers running, or the contiguous receipt sequence on coinbase
// deltas turns every inversion into a spurious gap and reconnect.
func TestSameVenueOrderPreservedAcrossWorkers(t *testing.T) {
	cfg := &appconfig.Config{}
	cfg.Feed.NormalizerWorkers = 4
	channels := channel.NewChannels(4096, 1, 1)
	disp := dispatcher.New(4096)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go disp.Run(ctx, time.Second)

	n := NewNormalizer(cfg, channels, disp, nil)
	if err := n.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	const total = 2000
	go func() {
		for i := 1; i <= total; i++ {
			raw := rawMsg("coinbase", "BTC-USD", models.MarketOrderbookDelta,
				`{"type":"l2update","product_id":"BTC-USD","changes":[["buy","26500.10","0.5"]]}`)
			raw.Seq = int64(i)
			channels.Raw <- raw
		}
	}()

	var last int64
	for i := 0; i < total; i++ {
		select {
		case u := <-disp.Out():
			if u.Seq != last+1 {
				t.Fatalf("seq %d delivered after %d, per-venue order broken", u.Seq, last)
			}
			last = u.Seq
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out after %d ordered updates", i)
		}
	}

	cancel()
	n.Stop()
}
