package coinbase

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	appconfig "arbflow/config"
	"arbflow/feed"
	"arbflow/internal/symbols"
	"arbflow/logger"
	"arbflow/models"
)

const defaultURL = "wss://ws-feed.exchange.coinbase.com"

// Reader subscribes to the Coinbase level2 channel over a single websocket.
// Coinbase replays a full snapshot on every subscribe and does not number
// its l2update messages, so the reader assigns a per-connection receipt
// sequence; the book layer treats any hole in it as a gap.
type Reader struct {
	opts    feed.Options
	ctx     context.Context
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log

	conn      *websocket.Conn
	connMu    sync.Mutex
	reconnect chan string
}

// NewReader creates a coinbase feed adapter.
func NewReader(opts feed.Options) *Reader {
	return &Reader{
		opts:      opts,
		wg:        &sync.WaitGroup{},
		log:       logger.GetLogger(),
		reconnect: make(chan string, 1),
	}
}

// Venue returns the canonical venue name.
func (r *Reader) Venue() string { return "coinbase" }

// Start opens the websocket and subscribes to level2 for all configured
// products.
func (r *Reader) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("coinbase reader already running")
	}
	r.running = true
	r.ctx = ctx
	r.mu.Unlock()

	cfg := r.opts.Config
	log := r.log.WithComponent("coinbase_reader").WithFields(logger.Fields{"operation": "start"})
	if !cfg.Enabled {
		return fmt.Errorf("coinbase feed is disabled")
	}

	log.WithFields(logger.Fields{"products": cfg.Symbols}).Info("starting coinbase reader")
	r.wg.Add(1)
	go r.stream()
	log.Info("coinbase reader started successfully")
	return nil
}

// Stop closes the connection and waits for the stream goroutine.
func (r *Reader) Stop() {
	r.mu.Lock()
	r.running = false
	r.mu.Unlock()

	r.log.WithComponent("coinbase_reader").Info("stopping coinbase reader")
	r.closeConn()
	r.wg.Wait()
	r.log.WithComponent("coinbase_reader").Info("coinbase reader stopped")
}

// RequestResync recycles the connection. Coinbase only sends snapshots on
// subscribe, so a reconnect is the one way to get a fresh baseline.
func (r *Reader) RequestResync(symbol string) {
	r.ForceReconnect("resync requested for " + symbol)
}

// ForceReconnect closes the connection; the stream loop reconnects with
// backoff and resubscribes.
func (r *Reader) ForceReconnect(reason string) {
	select {
	case r.reconnect <- reason:
	default:
	}
	r.closeConn()
}

func (r *Reader) closeConn() {
	r.connMu.Lock()
	if r.conn != nil {
		r.conn.Close()
		r.conn = nil
	}
	r.connMu.Unlock()
}

func (r *Reader) stream() {
	defer r.wg.Done()

	cfg := r.opts.Config
	log := r.log.WithComponent("coinbase_reader").WithFields(logger.Fields{"worker": "level2_stream"})

	spec := feed.SpecFor("coinbase")
	retry := feed.NewBackoff(cfg, spec)
	limiter := feed.NewSubscribeLimiter(cfg, spec)
	failures := 0

	url := cfg.URL
	if url == "" {
		url = defaultURL
	}

	for {
		if r.ctx.Err() != nil {
			return
		}
		select {
		case reason := <-r.reconnect:
			log.WithFields(logger.Fields{"reason": reason}).Warn("reconnect requested")
		default:
		}

		conn, err := r.connect(url, limiter)
		if err != nil {
			failures++
			logger.IncrementRetryCount()
			max := r.opts.Feed.MaxReconnectAttempts
			if max > 0 && failures >= max {
				log.WithError(err).WithFields(logger.Fields{"attempts": failures}).Error("reconnect budget exhausted, marking venue down")
				if r.opts.OnDown != nil {
					r.opts.OnDown("coinbase")
				}
				return
			}
			log.WithError(err).Warn("failed to connect, retrying")
			select {
			case <-time.After(retry.Duration()):
				continue
			case <-r.ctx.Done():
				return
			}
		}
		failures = 0
		retry.Reset()

		r.connMu.Lock()
		r.conn = conn
		r.connMu.Unlock()

		r.readLoop(conn, spec, log)

		r.closeConn()
		if r.ctx.Err() != nil {
			return
		}
		logger.IncrementRetryCount()
		select {
		case <-time.After(retry.Duration()):
		case <-r.ctx.Done():
			return
		}
	}
}

// connect dials and subscribes. The subscribe call is throttled so rapid
// reconnect cycles cannot trip the venue's request limits.
func (r *Reader) connect(url string, limiter *rate.Limiter) (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(r.ctx, r.opts.Feed.ConnectTimeout)
	defer cancel()

	if err := limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("subscribe throttle: %w", err)
	}

	dialer := websocket.Dialer{HandshakeTimeout: r.opts.Feed.ConnectTimeout}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}

	if err := conn.WriteJSON(r.subscribeMessage()); err != nil {
		conn.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	return conn, nil
}

// subscribeMessage builds the level2 subscription, signed when the feed is
// configured to authenticate.
func (r *Reader) subscribeMessage() map[string]interface{} {
	sub := map[string]interface{}{
		"type":        "subscribe",
		"product_ids": r.opts.Config.Symbols,
		"channels":    []string{"level2"},
	}
	if !r.opts.Config.RequireAuth {
		return sub
	}
	creds := appconfig.OptionalVenueCredentials("coinbase")
	if creds.Key == "" {
		return sub
	}

	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	payload := timestamp + "GET" + "/users/self/verify"
	mac := hmac.New(sha256.New, []byte(creds.Secret))
	mac.Write([]byte(payload))

	sub["key"] = creds.Key
	sub["timestamp"] = timestamp
	sub["signature"] = base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return sub
}

// readLoop pumps messages until the connection dies. Liveness is enforced
// with protocol-level pings: each pong extends the read deadline.
func (r *Reader) readLoop(conn *websocket.Conn, spec feed.VenueSpec, log *logger.Entry) {
	conn.SetReadDeadline(time.Now().Add(spec.PongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(spec.PongTimeout))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(spec.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-r.ctx.Done():
				return
			case <-ticker.C:
				conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			}
		}
	}()

	// receipt sequence per product, restarted on every connection
	seq := make(map[string]int64)

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if r.ctx.Err() == nil {
				log.WithError(err).Warn("websocket read error, reconnecting")
			}
			return
		}
		r.handleMessage(msg, seq, log)
	}
}

func (r *Reader) handleMessage(msg []byte, seq map[string]int64, log *logger.Entry) {
	var head struct {
		Type      string `json:"type"`
		ProductID string `json:"product_id"`
		Message   string `json:"message"`
	}
	if err := json.Unmarshal(msg, &head); err != nil {
		log.WithError(err).Debug("failed to decode message header")
		return
	}

	var market string
	switch head.Type {
	case "snapshot":
		market = models.MarketOrderbookSnapshot
	case "l2update":
		market = models.MarketOrderbookDelta
	case "error":
		// rejections usually mean the subscribe was throttled; cycling
		// the connection re-enters the backoff loop
		log.WithFields(logger.Fields{"message": head.Message}).Error("venue rejected request, forcing backoff")
		r.ForceReconnect("venue rejection: " + head.Message)
		return
	case "subscriptions", "heartbeat":
		return
	default:
		return
	}

	canonical := symbols.ToCanonical("coinbase", head.ProductID)
	seq[canonical]++

	raw := models.RawFeedMessage{
		Venue:      "coinbase",
		Symbol:     head.ProductID,
		Market:     market,
		Data:       msg,
		Seq:        seq[canonical],
		ReceivedAt: time.Now(),
	}
	if r.opts.Channels.SendRaw(r.ctx, raw) {
		logger.RecordDataFlow(len(msg))
	} else if r.ctx.Err() == nil {
		log.Warn("raw channel full, dropping message")
	}
}
