package detector

import (
	"math"
	"testing"
	"time"

	"arbflow/book"
	appconfig "arbflow/config"
	"arbflow/models"
)

var testNow = time.UnixMilli(1700000001000)

func seedStore(t *testing.T, store *book.Store, venue string, bid, ask float64, receivedTime int64) {
	t.Helper()
	res := store.Apply(models.BookUpdate{
		Venue:        venue,
		Symbol:       "BTCUSD",
		Type:         models.UpdateSnapshot,
		Bids:         []models.BookLevel{{Price: bid, Quantity: 1}},
		Asks:         []models.BookLevel{{Price: ask, Quantity: 1}},
		Seq:          1,
		VenueTime:    receivedTime,
		ReceivedTime: receivedTime,
	})
	if res != book.Resynced {
		t.Fatalf("seed apply = %v", res)
	}
}

func newTestDetector(cfg appconfig.DetectorConfig, store *book.Store) *Detector {
	d := New(cfg, store)
	d.now = func() time.Time { return testNow }
	return d
}

func trigger(venue string) models.BookUpdate {
	return models.BookUpdate{Venue: venue, Symbol: "BTCUSD", Type: models.UpdateDelta}
}

func TestDetectsSingleOpportunity(t *testing.T) {
	store := book.NewStore(10)
	seedStore(t, store, "venueA", 100, 101, testNow.UnixMilli())
	seedStore(t, store, "venueB", 103, 104, testNow.UnixMilli())

	d := newTestDetector(appconfig.DetectorConfig{}, store)

	opp := d.OnQuote(trigger("venueA"))
	if opp == nil {
		t.Fatal("expected an opportunity")
	}
	if opp.BuyVenue != "venueA" || opp.SellVenue != "venueB" {
		t.Errorf("direction = buy %s sell %s, want buy venueA sell venueB", opp.BuyVenue, opp.SellVenue)
	}
	if opp.BuyPrice != 101 || opp.SellPrice != 103 {
		t.Errorf("prices = %v/%v, want 101/103", opp.BuyPrice, opp.SellPrice)
	}
	perUnit := opp.EstNetProfit / opp.MaxSize
	if math.Abs(perUnit-2) > 1e-9 {
		t.Errorf("net profit per unit = %v, want 2", perUnit)
	}
}

func TestFeesSuppressUnprofitableSpread(t *testing.T) {
	store := book.NewStore(10)
	seedStore(t, store, "venueA", 100, 101, testNow.UnixMilli())
	seedStore(t, store, "venueB", 103, 104, testNow.UnixMilli())

	// 1.5 per leg per unit, 3 total against a gross spread of 2
	cfg := appconfig.DetectorConfig{
		Fees: map[string]appconfig.FeeConfig{
			"venueA": {Mode: "absolute", Rate: 1.5},
			"venueB": {Mode: "absolute", Rate: 1.5},
		},
	}
	d := newTestDetector(cfg, store)

	if opp := d.OnQuote(trigger("venueA")); opp != nil {
		t.Fatalf("expected no opportunity, got net %v", opp.EstNetProfit)
	}
}

func TestRelativeThresholdGuardsDeMinimis(t *testing.T) {
	store := book.NewStore(10)
	// tiny absolute edge on a high-priced pair
	seedStore(t, store, "venueA", 99999, 100000, testNow.UnixMilli())
	seedStore(t, store, "venueB", 100000.5, 100001.5, testNow.UnixMilli())

	cfg := appconfig.DetectorConfig{RelMinProfit: 0.001}
	d := newTestDetector(cfg, store)

	if opp := d.OnQuote(trigger("venueA")); opp != nil {
		t.Fatalf("expected relative threshold to suppress, got %+v", opp)
	}
}

func TestStaleQuoteSuppressed(t *testing.T) {
	store := book.NewStore(10)
	old := testNow.Add(-10 * time.Second).UnixMilli()
	seedStore(t, store, "venueA", 100, 101, old)
	seedStore(t, store, "venueB", 103, 104, testNow.UnixMilli())

	cfg := appconfig.DetectorConfig{MaxQuoteAge: 2 * time.Second}
	d := newTestDetector(cfg, store)

	if opp := d.OnQuote(trigger("venueB")); opp != nil {
		t.Fatal("expected stale quote to suppress opportunity")
	}
}

func TestInvalidBookIgnored(t *testing.T) {
	store := book.NewStore(10)
	seedStore(t, store, "venueA", 100, 101, testNow.UnixMilli())
	seedStore(t, store, "venueB", 103, 104, testNow.UnixMilli())
	store.InvalidateVenue("venueB")

	d := newTestDetector(appconfig.DetectorConfig{}, store)
	if opp := d.OnQuote(trigger("venueA")); opp != nil {
		t.Fatal("expected no opportunity against an invalid book")
	}
}

func TestCrossedBooksEmitHigherNetDirectionOnly(t *testing.T) {
	store := book.NewStore(10)
	// stale/crossed data: each venue's bid exceeds the other's ask
	seedStore(t, store, "venueA", 105, 106, testNow.UnixMilli())
	seedStore(t, store, "venueB", 103, 101, testNow.UnixMilli())

	d := newTestDetector(appconfig.DetectorConfig{}, store)

	opp := d.OnQuote(trigger("venueA"))
	if opp == nil {
		t.Fatal("expected one opportunity")
	}
	// buy B at 101, sell A at 105 (net 4) beats buy A at 106, sell B at 103
	if opp.BuyVenue != "venueB" || opp.SellVenue != "venueA" {
		t.Errorf("direction = buy %s sell %s, want the higher-net one", opp.BuyVenue, opp.SellVenue)
	}
}

func TestSizeIsMinOfBothSides(t *testing.T) {
	store := book.NewStore(10)
	res := store.Apply(models.BookUpdate{
		Venue: "venueA", Symbol: "BTCUSD", Type: models.UpdateSnapshot,
		Bids:         []models.BookLevel{{Price: 100, Quantity: 5}},
		Asks:         []models.BookLevel{{Price: 101, Quantity: 0.4}},
		Seq:          1,
		ReceivedTime: testNow.UnixMilli(),
	})
	if res != book.Resynced {
		t.Fatalf("apply = %v", res)
	}
	store.Apply(models.BookUpdate{
		Venue: "venueB", Symbol: "BTCUSD", Type: models.UpdateSnapshot,
		Bids:         []models.BookLevel{{Price: 103, Quantity: 2}},
		Asks:         []models.BookLevel{{Price: 104, Quantity: 1}},
		Seq:          1,
		ReceivedTime: testNow.UnixMilli(),
	})

	d := newTestDetector(appconfig.DetectorConfig{}, store)
	opp := d.OnQuote(trigger("venueA"))
	if opp == nil {
		t.Fatal("expected an opportunity")
	}
	if opp.MaxSize != 0.4 {
		t.Errorf("max size = %v, want 0.4 (limited by ask side)", opp.MaxSize)
	}
}
