package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strconv"
	"sync"
	"time"

	appconfig "arbflow/config"
	"arbflow/dispatcher"
	"arbflow/internal/channel"
	"arbflow/internal/symbols"
	"arbflow/logger"
	"arbflow/models"
)

// ForceReconnector lets the normalizer ask the feed layer to recycle a
// venue connection after repeated malformed payloads.
type ForceReconnector interface {
	ForceReconnect(venue, reason string)
}

// laneBuffer bounds each worker's backlog; a full lane applies
// backpressure to the router instead of dropping.
const laneBuffer = 64

// Normalizer turns raw venue payloads into normalized book updates and
// hands them to the dispatcher. Parsing is the only CPU-heavy stage of the
// pipeline, so it runs a small worker pool, sharded so that all messages
// from one venue land on the same worker and reach the dispatcher in
// arrival order.
type Normalizer struct {
	config     *appconfig.Config
	channels   *channel.Channels
	dispatcher *dispatcher.Dispatcher
	feeds      ForceReconnector
	ctx        context.Context
	wg         *sync.WaitGroup
	mu         sync.Mutex
	running    bool
	log        *logger.Log

	lanes      []chan models.RawFeedMessage
	violations map[string]*violationWindow
	parsed     int64
	malformed  int64
}

// violationWindow counts malformed payloads from one venue inside a rolling
// window.
type violationWindow struct {
	count int
	since time.Time
}

// NewNormalizer creates a normalizer reading from the raw channel.
func NewNormalizer(cfg *appconfig.Config, channels *channel.Channels, disp *dispatcher.Dispatcher, feeds ForceReconnector) *Normalizer {
	return &Normalizer{
		config:     cfg,
		channels:   channels,
		dispatcher: disp,
		feeds:      feeds,
		wg:         &sync.WaitGroup{},
		log:        logger.GetLogger(),
		violations: make(map[string]*violationWindow),
	}
}

// Start launches the worker pool.
func (n *Normalizer) Start(ctx context.Context) error {
	n.mu.Lock()
	if n.running {
		n.mu.Unlock()
		return fmt.Errorf("normalizer already running")
	}
	n.running = true
	n.ctx = ctx
	n.mu.Unlock()

	log := n.log.WithComponent("normalizer").WithFields(logger.Fields{"operation": "start"})

	workers := n.config.Feed.NormalizerWorkers
	if workers < 1 {
		workers = 1
	}
	n.lanes = make([]chan models.RawFeedMessage, workers)
	for i := range n.lanes {
		n.lanes[i] = make(chan models.RawFeedMessage, laneBuffer)
		n.wg.Add(1)
		go n.worker(n.lanes[i])
	}

	n.wg.Add(1)
	go n.route()

	log.WithFields(logger.Fields{"workers": workers}).Info("normalizer started")
	return nil
}

// Stop waits for the workers to drain.
func (n *Normalizer) Stop() {
	n.mu.Lock()
	n.running = false
	n.mu.Unlock()

	n.wg.Wait()
	n.log.WithComponent("normalizer").Info("normalizer stopped")
}

// route shards raw messages onto a fixed lane per venue. One venue must
// never be parsed by two workers at once: concurrent workers could hand
// same-venue updates to the dispatcher out of order, and the book layer
// would read every inversion as a sequence gap.
func (n *Normalizer) route() {
	defer n.wg.Done()
	defer func() {
		for _, lane := range n.lanes {
			close(lane)
		}
	}()

	for {
		select {
		case <-n.ctx.Done():
			return
		case raw, ok := <-n.channels.Raw:
			if !ok {
				return
			}
			lane := n.lanes[laneFor(raw.Venue, len(n.lanes))]
			select {
			case lane <- raw:
			case <-n.ctx.Done():
				return
			}
		}
	}
}

func laneFor(venue string, lanes int) int {
	h := fnv.New32a()
	h.Write([]byte(venue))
	return int(h.Sum32() % uint32(lanes))
}

func (n *Normalizer) worker(lane <-chan models.RawFeedMessage) {
	defer n.wg.Done()
	for raw := range lane {
		n.handleMessage(raw)
	}
}

func (n *Normalizer) handleMessage(raw models.RawFeedMessage) {
	update, err := Parse(raw)
	if err != nil {
		n.mu.Lock()
		n.malformed++
		n.mu.Unlock()
		n.log.WithComponent("normalizer").WithFields(logger.Fields{
			"venue":  raw.Venue,
			"symbol": raw.Symbol,
		}).WithError(err).Warn("discarding malformed payload")
		n.recordViolation(raw.Venue, err)
		return
	}

	n.mu.Lock()
	n.parsed++
	n.mu.Unlock()
	n.dispatcher.Enqueue(update)
}

// recordViolation counts malformed payloads per venue and forces a
// reconnect once the limit is exceeded inside the window. A burst of
// garbage usually means the connection state is corrupt, not the market.
func (n *Normalizer) recordViolation(venue string, cause error) {
	limit := n.config.Feed.ViolationLimit
	window := n.config.Feed.ViolationWindow
	if limit <= 0 || n.feeds == nil {
		return
	}

	n.mu.Lock()
	v, ok := n.violations[venue]
	now := time.Now()
	if !ok || (window > 0 && now.Sub(v.since) > window) {
		v = &violationWindow{since: now}
		n.violations[venue] = v
	}
	v.count++
	tripped := v.count >= limit
	if tripped {
		delete(n.violations, venue)
	}
	n.mu.Unlock()

	if tripped {
		n.log.WithComponent("normalizer").WithFields(logger.Fields{
			"venue": venue,
			"limit": limit,
		}).WithError(cause).Error("malformed payload limit exceeded, forcing reconnect")
		n.feeds.ForceReconnect(venue, "malformed payloads")
	}
}

// Stats returns how many payloads were normalized and how many discarded.
func (n *Normalizer) Stats() (parsed, malformed int64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.parsed, n.malformed
}

// Parse decodes one raw venue payload into a normalized update. The symbol
// on the returned update is always canonical.
func Parse(raw models.RawFeedMessage) (models.BookUpdate, error) {
	switch raw.Venue {
	case "binance":
		return parseBinance(raw)
	case "coinbase":
		return parseCoinbase(raw)
	case "okx":
		return parseOkx(raw)
	}
	return models.BookUpdate{}, fmt.Errorf("unknown venue %q", raw.Venue)
}

func parseBinance(raw models.RawFeedMessage) (models.BookUpdate, error) {
	recv := raw.ReceivedAt.UnixMilli()

	if raw.Market == models.MarketOrderbookSnapshot {
		var snap models.BinanceSnapshotResp
		if err := json.Unmarshal(raw.Data, &snap); err != nil {
			return models.BookUpdate{}, fmt.Errorf("binance snapshot: %w", err)
		}
		bids, err := parseStringLevels(snap.Bids)
		if err != nil {
			return models.BookUpdate{}, fmt.Errorf("binance snapshot bids: %w", err)
		}
		asks, err := parseStringLevels(snap.Asks)
		if err != nil {
			return models.BookUpdate{}, fmt.Errorf("binance snapshot asks: %w", err)
		}
		return models.BookUpdate{
			Venue:        raw.Venue,
			Symbol:       symbols.ToCanonical(raw.Venue, raw.Symbol),
			Type:         models.UpdateSnapshot,
			Bids:         bids,
			Asks:         asks,
			Seq:          snap.LastUpdateID,
			VenueTime:    recv,
			ReceivedTime: recv,
		}, nil
	}

	var evt models.BinanceDepthResp
	if err := json.Unmarshal(raw.Data, &evt); err != nil {
		return models.BookUpdate{}, fmt.Errorf("binance delta: %w", err)
	}
	if evt.LastUpdateID == 0 {
		return models.BookUpdate{}, fmt.Errorf("binance delta: missing update id")
	}
	bids, err := parseStringLevels(evt.Bids)
	if err != nil {
		return models.BookUpdate{}, fmt.Errorf("binance delta bids: %w", err)
	}
	asks, err := parseStringLevels(evt.Asks)
	if err != nil {
		return models.BookUpdate{}, fmt.Errorf("binance delta asks: %w", err)
	}
	return models.BookUpdate{
		Venue:        raw.Venue,
		Symbol:       symbols.ToCanonical(raw.Venue, raw.Symbol),
		Type:         models.UpdateDelta,
		Bids:         bids,
		Asks:         asks,
		FirstSeq:     evt.FirstUpdateID,
		Seq:          evt.LastUpdateID,
		VenueTime:    evt.Time,
		ReceivedTime: recv,
	}, nil
}

func parseCoinbase(raw models.RawFeedMessage) (models.BookUpdate, error) {
	var msg models.CoinbaseL2Resp
	if err := json.Unmarshal(raw.Data, &msg); err != nil {
		return models.BookUpdate{}, fmt.Errorf("coinbase level2: %w", err)
	}

	recv := raw.ReceivedAt.UnixMilli()
	venueTime := recv
	if msg.Time != "" {
		t, err := time.Parse(time.RFC3339, msg.Time)
		if err != nil {
			return models.BookUpdate{}, fmt.Errorf("coinbase time %q: %w", msg.Time, err)
		}
		venueTime = t.UnixMilli()
	}

	canonical := symbols.ToCanonical(raw.Venue, msg.ProductID)
	if msg.ProductID == "" {
		canonical = symbols.ToCanonical(raw.Venue, raw.Symbol)
	}

	switch msg.Type {
	case "snapshot":
		bids, err := parsePairLevels(msg.Bids)
		if err != nil {
			return models.BookUpdate{}, fmt.Errorf("coinbase snapshot bids: %w", err)
		}
		asks, err := parsePairLevels(msg.Asks)
		if err != nil {
			return models.BookUpdate{}, fmt.Errorf("coinbase snapshot asks: %w", err)
		}
		return models.BookUpdate{
			Venue:        raw.Venue,
			Symbol:       canonical,
			Type:         models.UpdateSnapshot,
			Bids:         bids,
			Asks:         asks,
			Seq:          raw.Seq,
			VenueTime:    venueTime,
			ReceivedTime: recv,
		}, nil

	case "l2update":
		update := models.BookUpdate{
			Venue:        raw.Venue,
			Symbol:       canonical,
			Type:         models.UpdateDelta,
			Seq:          raw.Seq,
			PrevSeq:      raw.Seq - 1,
			VenueTime:    venueTime,
			ReceivedTime: recv,
		}
		for _, change := range msg.Changes {
			if len(change) < 3 {
				return models.BookUpdate{}, fmt.Errorf("coinbase change has %d fields, want 3", len(change))
			}
			price, err1 := strconv.ParseFloat(change[1], 64)
			qty, err2 := strconv.ParseFloat(change[2], 64)
			if err1 != nil || err2 != nil {
				return models.BookUpdate{}, fmt.Errorf("coinbase change %v: bad number", change)
			}
			level := models.BookLevel{Price: price, Quantity: qty}
			switch change[0] {
			case "buy":
				update.Bids = append(update.Bids, level)
			case "sell":
				update.Asks = append(update.Asks, level)
			default:
				return models.BookUpdate{}, fmt.Errorf("coinbase change side %q", change[0])
			}
		}
		return update, nil
	}

	return models.BookUpdate{}, fmt.Errorf("coinbase message type %q", msg.Type)
}

func parseOkx(raw models.RawFeedMessage) (models.BookUpdate, error) {
	var msg models.OkxBooksResp
	if err := json.Unmarshal(raw.Data, &msg); err != nil {
		return models.BookUpdate{}, fmt.Errorf("okx books: %w", err)
	}
	if len(msg.Data) == 0 {
		return models.BookUpdate{}, fmt.Errorf("okx books: empty data")
	}

	// books5 pushes carry a single element
	book := msg.Data[0]
	bids, err := parsePairLevels(book.Bids)
	if err != nil {
		return models.BookUpdate{}, fmt.Errorf("okx bids: %w", err)
	}
	asks, err := parsePairLevels(book.Asks)
	if err != nil {
		return models.BookUpdate{}, fmt.Errorf("okx asks: %w", err)
	}

	recv := raw.ReceivedAt.UnixMilli()
	venueTime := recv
	if book.Ts != "" {
		ts, err := strconv.ParseInt(book.Ts, 10, 64)
		if err != nil {
			return models.BookUpdate{}, fmt.Errorf("okx ts %q: %w", book.Ts, err)
		}
		venueTime = ts
	}

	symbol := msg.Arg.InstID
	if symbol == "" {
		symbol = raw.Symbol
	}

	// every books5 push is a full top-of-book snapshot
	return models.BookUpdate{
		Venue:        raw.Venue,
		Symbol:       symbols.ToCanonical(raw.Venue, symbol),
		Type:         models.UpdateSnapshot,
		Bids:         bids,
		Asks:         asks,
		Seq:          book.SeqID,
		VenueTime:    venueTime,
		ReceivedTime: recv,
	}, nil
}

// parseStringLevels converts string price levels. Zero quantities are kept
// so removals survive normalization. A level that does not parse fails the
// whole message: silently dropping a removal would desync the book.
func parseStringLevels(entries []models.PriceQty) ([]models.BookLevel, error) {
	levels := make([]models.BookLevel, 0, len(entries))
	for _, e := range entries {
		price, err1 := strconv.ParseFloat(e.Price, 64)
		qty, err2 := strconv.ParseFloat(e.Quantity, 64)
		if err1 != nil || err2 != nil || price == 0 {
			return nil, fmt.Errorf("level [%s %s]: bad price or quantity", e.Price, e.Quantity)
		}
		levels = append(levels, models.BookLevel{Price: price, Quantity: qty})
	}
	return levels, nil
}

// parsePairLevels converts [price, size, ...] string arrays as used by the
// coinbase and okx wire formats.
func parsePairLevels(entries [][]string) ([]models.BookLevel, error) {
	levels := make([]models.BookLevel, 0, len(entries))
	for _, e := range entries {
		if len(e) < 2 {
			return nil, fmt.Errorf("level has %d fields, want at least 2", len(e))
		}
		price, err1 := strconv.ParseFloat(e[0], 64)
		qty, err2 := strconv.ParseFloat(e[1], 64)
		if err1 != nil || err2 != nil {
			return nil, fmt.Errorf("level %v: bad number", e)
		}
		levels = append(levels, models.BookLevel{Price: price, Quantity: qty})
	}
	return levels, nil
}
