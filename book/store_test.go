package book

import (
	"testing"

	"arbflow/models"
)

func snapshotUpdate(seq int64) models.BookUpdate {
	return models.BookUpdate{
		Venue:  "binance",
		Symbol: "BTCUSDT",
		Type:   models.UpdateSnapshot,
		Bids: []models.BookLevel{
			{Price: 100, Quantity: 2},
			{Price: 99, Quantity: 5},
		},
		Asks: []models.BookLevel{
			{Price: 101, Quantity: 1},
			{Price: 102, Quantity: 4},
		},
		Seq:          seq,
		VenueTime:    1700000000000,
		ReceivedTime: 1700000000010,
	}
}

func delta(first, seq, prev int64, bids, asks []models.BookLevel) models.BookUpdate {
	return models.BookUpdate{
		Venue:        "binance",
		Symbol:       "BTCUSDT",
		Type:         models.UpdateDelta,
		Bids:         bids,
		Asks:         asks,
		FirstSeq:     first,
		Seq:          seq,
		PrevSeq:      prev,
		VenueTime:    1700000000100,
		ReceivedTime: 1700000000110,
	}
}

func TestApplySnapshotThenDelta(t *testing.T) {
	s := NewStore(10)

	if res := s.Apply(snapshotUpdate(10)); res != Resynced {
		t.Fatalf("snapshot apply = %v, want Resynced", res)
	}

	res := s.Apply(delta(11, 11, 10, []models.BookLevel{{Price: 100.5, Quantity: 3}}, nil))
	if res != Applied {
		t.Fatalf("delta apply = %v, want Applied", res)
	}

	q, ok := s.Quote("binance", "BTCUSDT")
	if !ok {
		t.Fatal("expected quote")
	}
	if q.BidPrice != 100.5 || q.BidQty != 3 {
		t.Errorf("best bid = %v/%v, want 100.5/3", q.BidPrice, q.BidQty)
	}
	if q.AskPrice != 101 {
		t.Errorf("best ask = %v, want 101", q.AskPrice)
	}
	if q.Crossed() {
		t.Error("quote must not be crossed after valid updates")
	}
}

func TestBidAskInvariantAfterEachUpdate(t *testing.T) {
	s := NewStore(10)
	s.Apply(snapshotUpdate(1))

	updates := []models.BookUpdate{
		delta(2, 2, 1, []models.BookLevel{{Price: 100.9, Quantity: 1}}, nil),
		delta(3, 3, 2, nil, []models.BookLevel{{Price: 101, Quantity: 0}}),
		delta(4, 4, 3, nil, []models.BookLevel{{Price: 101.5, Quantity: 2}}),
		delta(5, 5, 4, []models.BookLevel{{Price: 100.9, Quantity: 0}}, nil),
	}
	for i, u := range updates {
		if res := s.Apply(u); res != Applied {
			t.Fatalf("update %d = %v, want Applied", i, res)
		}
		snap, _ := s.Snapshot("binance", "BTCUSDT")
		bid, okBid := snap.BestBid()
		ask, okAsk := snap.BestAsk()
		if okBid && okAsk && bid.Price >= ask.Price {
			t.Fatalf("update %d crossed book: bid %v ask %v", i, bid.Price, ask.Price)
		}
	}
}

func TestZeroQuantityRemovesLevel(t *testing.T) {
	s := NewStore(10)
	s.Apply(snapshotUpdate(1))
	s.Apply(delta(2, 2, 1, []models.BookLevel{{Price: 100, Quantity: 0}}, nil))

	q, ok := s.Quote("binance", "BTCUSDT")
	if !ok {
		t.Fatal("expected quote")
	}
	if q.BidPrice != 99 {
		t.Errorf("best bid after removal = %v, want 99", q.BidPrice)
	}
}

func TestStaleUpdateDiscarded(t *testing.T) {
	s := NewStore(10)
	s.Apply(snapshotUpdate(10))

	res := s.Apply(delta(9, 9, 8, []models.BookLevel{{Price: 50, Quantity: 1}}, nil))
	if res != Stale {
		t.Fatalf("stale apply = %v, want Stale", res)
	}
	q, _ := s.Quote("binance", "BTCUSDT")
	if q.BidPrice != 100 {
		t.Errorf("stale update mutated book: bid %v", q.BidPrice)
	}
}

func TestGapInvalidatesUntilResync(t *testing.T) {
	s := NewStore(10)
	s.Apply(snapshotUpdate(10))

	// seq jumps from 10 to 15 without chaining
	res := s.Apply(delta(15, 15, 14, []models.BookLevel{{Price: 1, Quantity: 1}}, nil))
	if res != GapDetected {
		t.Fatalf("gapped apply = %v, want GapDetected", res)
	}

	// the gapped update must not have mutated state
	snap, _ := s.Snapshot("binance", "BTCUSDT")
	if snap.Valid {
		t.Error("book still valid after gap")
	}
	if bid, _ := snap.BestBid(); bid.Price != 100 {
		t.Errorf("gapped update mutated book: bid %v", bid.Price)
	}

	// further deltas are rejected while invalid, even well-formed ones
	if res := s.Apply(delta(16, 16, 15, nil, nil)); res != Invalid {
		t.Fatalf("post-gap apply = %v, want Invalid", res)
	}
	if _, ok := s.Quote("binance", "BTCUSDT"); ok {
		t.Error("invalid book must not produce quotes")
	}

	// a snapshot clears the invalid state and updates resume
	if res := s.Apply(snapshotUpdate(20)); res != Resynced {
		t.Fatal("expected snapshot to resync")
	}
	if res := s.Apply(delta(21, 21, 20, nil, nil)); res != Applied {
		t.Fatalf("post-resync apply = %v, want Applied", res)
	}
}

func TestFirstSeqGapRule(t *testing.T) {
	s := NewStore(10)
	s.Apply(snapshotUpdate(10))

	// binance-style: FirstSeq within last+1 is contiguous even without PrevSeq
	u := delta(8, 12, 0, []models.BookLevel{{Price: 100.2, Quantity: 1}}, nil)
	if res := s.Apply(u); res != Applied {
		t.Fatalf("overlapping range apply = %v, want Applied", res)
	}

	// FirstSeq starting past last+1 is a gap
	u = delta(20, 25, 0, nil, nil)
	if res := s.Apply(u); res != GapDetected {
		t.Fatalf("disjoint range apply = %v, want GapDetected", res)
	}
}

func TestInvalidateVenue(t *testing.T) {
	s := NewStore(10)
	s.Apply(snapshotUpdate(1))
	other := snapshotUpdate(1)
	other.Venue = "okx"
	s.Apply(other)

	s.InvalidateVenue("binance")

	if _, ok := s.Quote("binance", "BTCUSDT"); ok {
		t.Error("binance book should be invalid")
	}
	if _, ok := s.Quote("okx", "BTCUSDT"); !ok {
		t.Error("okx book should be unaffected")
	}
}

func TestSnapshotsForSymbol(t *testing.T) {
	s := NewStore(10)
	s.Apply(snapshotUpdate(1))
	other := snapshotUpdate(1)
	other.Venue = "coinbase"
	s.Apply(other)

	snaps := s.SnapshotsForSymbol("BTCUSDT")
	if len(snaps) != 2 {
		t.Fatalf("expected 2 snapshots, got %d", len(snaps))
	}
}

func TestDepthTruncation(t *testing.T) {
	s := NewStore(2)
	u := snapshotUpdate(1)
	u.Bids = append(u.Bids, models.BookLevel{Price: 98, Quantity: 1}, models.BookLevel{Price: 97, Quantity: 1})
	s.Apply(u)

	snap, _ := s.Snapshot("binance", "BTCUSDT")
	if len(snap.Bids) != 2 {
		t.Errorf("expected depth-truncated bids, got %d levels", len(snap.Bids))
	}
	if snap.Bids[0].Price != 100 {
		t.Errorf("best bid after truncation = %v", snap.Bids[0].Price)
	}
}
