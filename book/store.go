package book

import (
	"sort"
	"sync"
	"sync/atomic"

	"arbflow/logger"
	"arbflow/models"
)

// ApplyResult classifies the outcome of applying one update to the store.
type ApplyResult int

const (
	// Applied means the incremental update advanced book state.
	Applied ApplyResult = iota
	// Resynced means a full snapshot reinitialized the book.
	Resynced
	// Stale means the update's sequence was at or behind the last applied
	// one and was discarded.
	Stale
	// GapDetected means the update did not chain onto the last applied
	// sequence; the book is now invalid until a snapshot arrives.
	GapDetected
	// Invalid means the book is awaiting a resync snapshot and the
	// incremental update was discarded.
	Invalid
)

func (r ApplyResult) String() string {
	switch r {
	case Applied:
		return "applied"
	case Resynced:
		return "resynced"
	case Stale:
		return "stale"
	case GapDetected:
		return "gap_detected"
	case Invalid:
		return "invalid"
	}
	return "unknown"
}

// Snapshot is an immutable top-of-book view published atomically after each
// write. Readers never observe a partially applied update.
type Snapshot struct {
	Venue        string
	Symbol       string
	Bids         []models.BookLevel
	Asks         []models.BookLevel
	Seq          int64
	VenueTime    int64
	ReceivedTime int64
	Valid        bool
}

// BestBid returns the highest bid level.
func (s Snapshot) BestBid() (models.BookLevel, bool) {
	if len(s.Bids) == 0 {
		return models.BookLevel{}, false
	}
	return s.Bids[0], true
}

// BestAsk returns the lowest ask level.
func (s Snapshot) BestAsk() (models.BookLevel, bool) {
	if len(s.Asks) == 0 {
		return models.BookLevel{}, false
	}
	return s.Asks[0], true
}

// Quote condenses the snapshot to a top-of-book quote. The second return is
// false when either side is empty.
func (s Snapshot) Quote() (models.NormalizedQuote, bool) {
	bid, okBid := s.BestBid()
	ask, okAsk := s.BestAsk()
	if !okBid || !okAsk {
		return models.NormalizedQuote{}, false
	}
	return models.NormalizedQuote{
		Venue:        s.Venue,
		Symbol:       s.Symbol,
		BidPrice:     bid.Price,
		BidQty:       bid.Quantity,
		AskPrice:     ask.Price,
		AskQty:       ask.Quantity,
		VenueTime:    s.VenueTime,
		ReceivedTime: s.ReceivedTime,
		Seq:          s.Seq,
	}, true
}

// bookState holds the mutable book for one venue+symbol pair. The engine is
// the only steady-state writer; wmu serializes it against venue
// invalidation, and readers go through the atomically swapped snapshot.
type bookState struct {
	wmu     sync.Mutex
	bids    map[float64]float64
	asks    map[float64]float64
	lastSeq int64
	valid   bool
	snap    atomic.Value // Snapshot
}

// Store keeps per venue+symbol order book state and enforces sequence
// ordering on incremental updates.
type Store struct {
	mu    sync.RWMutex
	books map[string]*bookState
	depth int
	log   *logger.Log
}

// NewStore creates a store that publishes snapshots truncated to the given
// depth per side.
func NewStore(depth int) *Store {
	if depth <= 0 {
		depth = 10
	}
	return &Store{
		books: make(map[string]*bookState),
		depth: depth,
		log:   logger.GetLogger(),
	}
}

func bookKey(venue, symbol string) string { return venue + "|" + symbol }

func (s *Store) state(venue, symbol string) *bookState {
	key := bookKey(venue, symbol)
	s.mu.RLock()
	b, ok := s.books[key]
	s.mu.RUnlock()
	if ok {
		return b
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok = s.books[key]; ok {
		return b
	}
	b = &bookState{
		bids: make(map[float64]float64),
		asks: make(map[float64]float64),
	}
	b.snap.Store(Snapshot{Venue: venue, Symbol: symbol})
	s.books[key] = b
	return b
}

// Apply applies one normalized update. Snapshots always reinitialize the
// book and clear any invalid state; deltas must chain exactly onto the last
// applied sequence or the book is marked invalid until the adapter supplies
// a fresh snapshot.
func (s *Store) Apply(u models.BookUpdate) ApplyResult {
	b := s.state(u.Venue, u.Symbol)
	b.wmu.Lock()
	defer b.wmu.Unlock()

	if u.Type == models.UpdateSnapshot {
		b.bids = make(map[float64]float64, len(u.Bids))
		b.asks = make(map[float64]float64, len(u.Asks))
		applyLevels(b.bids, u.Bids)
		applyLevels(b.asks, u.Asks)
		b.lastSeq = u.Seq
		b.valid = true
		s.publish(b, u)
		return Resynced
	}

	if !b.valid {
		return Invalid
	}

	if u.Seq <= b.lastSeq {
		return Stale
	}

	if gapped(b.lastSeq, u) {
		b.valid = false
		s.publishInvalid(b)
		s.log.WithComponent("book_store").WithFields(logger.Fields{
			"venue":    u.Venue,
			"symbol":   u.Symbol,
			"last_seq": b.lastSeq,
			"update":   u.Seq,
		}).Warn("sequence gap detected, book invalidated until resync")
		return GapDetected
	}

	applyLevels(b.bids, u.Bids)
	applyLevels(b.asks, u.Asks)
	b.lastSeq = u.Seq
	s.publish(b, u)
	return Applied
}

// gapped reports whether a delta fails to chain onto lastSeq. Venues that
// declare the previous sequence (binance pu-style or synthetic receipt
// counters) must match it exactly; venues that declare a first-update id
// must not start past lastSeq+1.
func gapped(lastSeq int64, u models.BookUpdate) bool {
	if u.PrevSeq > 0 {
		return u.PrevSeq != lastSeq
	}
	if u.FirstSeq > 0 {
		return u.FirstSeq > lastSeq+1
	}
	return false
}

func applyLevels(side map[float64]float64, levels []models.BookLevel) {
	for _, lvl := range levels {
		if lvl.Quantity == 0 {
			delete(side, lvl.Price)
			continue
		}
		side[lvl.Price] = lvl.Quantity
	}
}

func (s *Store) publish(b *bookState, u models.BookUpdate) {
	b.snap.Store(Snapshot{
		Venue:        u.Venue,
		Symbol:       u.Symbol,
		Bids:         topLevels(b.bids, s.depth, true),
		Asks:         topLevels(b.asks, s.depth, false),
		Seq:          b.lastSeq,
		VenueTime:    u.VenueTime,
		ReceivedTime: u.ReceivedTime,
		Valid:        true,
	})
}

func (s *Store) publishInvalid(b *bookState) {
	prev := b.snap.Load().(Snapshot)
	prev.Valid = false
	b.snap.Store(prev)
}

func topLevels(side map[float64]float64, depth int, descending bool) []models.BookLevel {
	levels := make([]models.BookLevel, 0, len(side))
	for price, qty := range side {
		levels = append(levels, models.BookLevel{Price: price, Quantity: qty})
	}
	sort.Slice(levels, func(i, j int) bool {
		if descending {
			return levels[i].Price > levels[j].Price
		}
		return levels[i].Price < levels[j].Price
	})
	if len(levels) > depth {
		levels = levels[:depth]
	}
	return levels
}

// Snapshot returns the latest published snapshot for a venue+symbol pair.
func (s *Store) Snapshot(venue, symbol string) (Snapshot, bool) {
	s.mu.RLock()
	b, ok := s.books[bookKey(venue, symbol)]
	s.mu.RUnlock()
	if !ok {
		return Snapshot{}, false
	}
	return b.snap.Load().(Snapshot), true
}

// Quote returns the current top-of-book quote for a venue+symbol pair. Only
// valid books produce quotes.
func (s *Store) Quote(venue, symbol string) (models.NormalizedQuote, bool) {
	snap, ok := s.Snapshot(venue, symbol)
	if !ok || !snap.Valid {
		return models.NormalizedQuote{}, false
	}
	return snap.Quote()
}

// SnapshotsForSymbol returns the published snapshots of every venue that
// carries the symbol.
func (s *Store) SnapshotsForSymbol(symbol string) []Snapshot {
	s.mu.RLock()
	states := make([]*bookState, 0, len(s.books))
	for key, b := range s.books {
		if keySymbol(key) == symbol {
			states = append(states, b)
		}
	}
	s.mu.RUnlock()

	snaps := make([]Snapshot, 0, len(states))
	for _, b := range states {
		snaps = append(snaps, b.snap.Load().(Snapshot))
	}
	return snaps
}

func keySymbol(key string) string {
	for i := 0; i < len(key); i++ {
		if key[i] == '|' {
			return key[i+1:]
		}
	}
	return key
}

// InvalidateVenue marks every book of a venue invalid, used when the venue
// connection drops or its retry budget is exhausted.
func (s *Store) InvalidateVenue(venue string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for key, b := range s.books {
		if len(key) > len(venue) && key[:len(venue)] == venue && key[len(venue)] == '|' {
			b.wmu.Lock()
			b.valid = false
			s.publishInvalid(b)
			b.wmu.Unlock()
		}
	}
}
