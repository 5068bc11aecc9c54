package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	gobinance "github.com/adshao/go-binance/v2"

	"arbflow/feed"
	"arbflow/internal/symbols"
	"arbflow/logger"
	"arbflow/models"
)

// Reader streams spot order book diffs from Binance over the official SDK
// websocket and seeds each book with a REST depth snapshot. Diffs arrive
// continuously; snapshots are fetched on connect and whenever the book
// store requests a resync.
type Reader struct {
	opts    feed.Options
	ctx     context.Context
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log
	client  *gobinance.Client

	stopCs map[string]chan struct{}
	resync chan string
}

// NewReader creates a binance feed adapter.
func NewReader(opts feed.Options) *Reader {
	return &Reader{
		opts:   opts,
		wg:     &sync.WaitGroup{},
		log:    logger.GetLogger(),
		client: gobinance.NewClient("", ""),
		stopCs: make(map[string]chan struct{}),
		resync: make(chan string, 16),
	}
}

// Venue returns the canonical venue name.
func (r *Reader) Venue() string { return "binance" }

// Start subscribes to diff depth streams for all configured symbols.
func (r *Reader) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("binance reader already running")
	}
	r.running = true
	r.ctx = ctx
	r.mu.Unlock()

	cfg := r.opts.Config
	log := r.log.WithComponent("binance_reader").WithFields(logger.Fields{"operation": "start"})
	if !cfg.Enabled {
		return fmt.Errorf("binance feed is disabled")
	}

	log.WithFields(logger.Fields{"symbols": cfg.Symbols}).Info("starting binance reader")

	for _, symbol := range cfg.Symbols {
		r.wg.Add(1)
		go r.streamSymbol(symbol)
	}

	r.wg.Add(1)
	go r.resyncWorker()

	log.Info("binance reader started successfully")
	return nil
}

// Stop terminates all websocket subscriptions.
func (r *Reader) Stop() {
	r.mu.Lock()
	r.running = false
	r.mu.Unlock()

	r.log.WithComponent("binance_reader").Info("stopping binance reader")
	r.wg.Wait()
	r.log.WithComponent("binance_reader").Info("binance reader stopped")
}

// RequestResync schedules a fresh REST snapshot for a canonical symbol.
func (r *Reader) RequestResync(symbol string) {
	select {
	case r.resync <- symbols.ToVenue("binance", symbol):
	default:
		r.log.WithComponent("binance_reader").WithFields(logger.Fields{
			"symbol": symbol,
		}).Warn("resync queue full, dropping request")
	}
}

// ForceReconnect tears down every stream; the per-symbol loops reconnect
// with backoff and refetch their snapshots.
func (r *Reader) ForceReconnect(reason string) {
	r.log.WithComponent("binance_reader").WithFields(logger.Fields{
		"reason": reason,
	}).Warn("forcing reconnect")

	r.mu.Lock()
	for _, stopC := range r.stopCs {
		select {
		case <-stopC:
		default:
			close(stopC)
		}
	}
	r.mu.Unlock()
}

func (r *Reader) streamSymbol(symbol string) {
	defer r.wg.Done()

	log := r.log.WithComponent("binance_reader").WithFields(logger.Fields{
		"symbol": symbol,
		"worker": "depth_stream",
	})

	spec := feed.SpecFor("binance")
	retry := feed.NewBackoff(r.opts.Config, spec)
	failures := 0

	for {
		if r.ctx.Err() != nil {
			return
		}

		handler := func(event *gobinance.WsDepthEvent) {
			payload, err := json.Marshal(event)
			if err != nil {
				log.WithError(err).Warn("failed to marshal depth event")
				return
			}
			r.send(symbol, models.MarketOrderbookDelta, payload)
		}
		errHandler := func(err error) {
			if err != nil {
				log.WithError(err).Warn("websocket error")
			}
		}

		doneC, stopC, err := gobinance.WsDepthServe100Ms(symbol, handler, errHandler)
		if err != nil {
			failures++
			logger.IncrementRetryCount()
			if r.exhausted(failures, log) {
				return
			}
			log.WithError(err).Warn("failed to subscribe to depth stream, retrying")
			if !r.sleep(retry.Duration()) {
				return
			}
			continue
		}
		failures = 0
		retry.Reset()

		r.mu.Lock()
		r.stopCs[symbol] = stopC
		r.mu.Unlock()

		// the stream delivers diffs only; the book needs a baseline
		r.fetchSnapshot(symbol)

		select {
		case <-r.ctx.Done():
			select {
			case <-stopC:
			default:
				close(stopC)
			}
			<-doneC
			return
		case <-doneC:
			log.Warn("depth stream ended, reconnecting")
			logger.IncrementRetryCount()
			if !r.sleep(retry.Duration()) {
				return
			}
		}
	}
}

func (r *Reader) resyncWorker() {
	defer r.wg.Done()
	for {
		select {
		case <-r.ctx.Done():
			return
		case symbol := <-r.resync:
			r.fetchSnapshot(symbol)
		}
	}
}

// fetchSnapshot pulls a REST depth snapshot and injects it into the raw
// stream as a snapshot-tagged message.
func (r *Reader) fetchSnapshot(symbol string) {
	log := r.log.WithComponent("binance_reader").WithFields(logger.Fields{"symbol": symbol})

	depth := r.opts.Config.SnapshotDepth
	if depth <= 0 {
		depth = 100
	}

	ctx, cancel := context.WithTimeout(r.ctx, r.opts.Feed.ConnectTimeout)
	defer cancel()

	resp, err := r.client.NewDepthService().Symbol(symbol).Limit(depth).Do(ctx)
	if err != nil {
		log.WithError(err).Error("failed to fetch depth snapshot")
		return
	}

	payload, err := json.Marshal(resp)
	if err != nil {
		log.WithError(err).Warn("failed to marshal depth snapshot")
		return
	}
	r.send(symbol, models.MarketOrderbookSnapshot, payload)
	logger.LogDataFlowEntry(log, "binance_rest", "raw_channel", len(resp.Bids)+len(resp.Asks), "snapshot_levels")
}

func (r *Reader) send(symbol, market string, payload []byte) {
	msg := models.RawFeedMessage{
		Venue:      "binance",
		Symbol:     symbol,
		Market:     market,
		Data:       payload,
		ReceivedAt: time.Now(),
	}
	if r.opts.Channels.SendRaw(r.ctx, msg) {
		logger.RecordDataFlow(len(payload))
	} else if r.ctx.Err() == nil {
		r.log.WithComponent("binance_reader").Warn("raw channel full, dropping message")
	}
}

// exhausted reports whether the reconnect budget is spent, marking the
// venue down on the way out.
func (r *Reader) exhausted(failures int, log *logger.Entry) bool {
	max := r.opts.Feed.MaxReconnectAttempts
	if max <= 0 || failures < max {
		return false
	}
	log.WithFields(logger.Fields{"attempts": failures}).Error("reconnect budget exhausted, marking venue down")
	if r.opts.OnDown != nil {
		r.opts.OnDown("binance")
	}
	return true
}

func (r *Reader) sleep(d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-r.ctx.Done():
		return false
	}
}
