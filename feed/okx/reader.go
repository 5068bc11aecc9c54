package okx

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"arbflow/feed"
	"arbflow/internal/symbols"
	"arbflow/logger"
	"arbflow/models"
)

const defaultURL = "wss://ws.okx.com:8443/ws/v5/public"

// Reader subscribes to the OKX books5 channel over the public websocket.
// Every books5 push carries the full top five levels, which makes gap
// recovery trivial: a resync is just a resubscribe, and the next push
// reinitializes the book.
type Reader struct {
	opts    feed.Options
	ctx     context.Context
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log

	conn      *websocket.Conn
	connMu    sync.Mutex
	resync    chan string
	reconnect chan string
}

// NewReader creates an okx feed adapter.
func NewReader(opts feed.Options) *Reader {
	return &Reader{
		opts:      opts,
		wg:        &sync.WaitGroup{},
		log:       logger.GetLogger(),
		resync:    make(chan string, 16),
		reconnect: make(chan string, 1),
	}
}

// Venue returns the canonical venue name.
func (r *Reader) Venue() string { return "okx" }

// Start opens the websocket and subscribes to books5 for all configured
// instruments.
func (r *Reader) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("okx reader already running")
	}
	r.running = true
	r.ctx = ctx
	r.mu.Unlock()

	cfg := r.opts.Config
	log := r.log.WithComponent("okx_reader").WithFields(logger.Fields{"operation": "start"})
	if !cfg.Enabled {
		return fmt.Errorf("okx feed is disabled")
	}

	log.WithFields(logger.Fields{"instruments": cfg.Symbols}).Info("starting okx reader")
	r.wg.Add(1)
	go r.stream()
	log.Info("okx reader started successfully")
	return nil
}

// Stop closes the connection and waits for the stream goroutine.
func (r *Reader) Stop() {
	r.mu.Lock()
	r.running = false
	r.mu.Unlock()

	r.log.WithComponent("okx_reader").Info("stopping okx reader")
	r.closeConn()
	r.wg.Wait()
	r.log.WithComponent("okx_reader").Info("okx reader stopped")
}

// RequestResync resubscribes one instrument so the venue pushes a fresh
// full book immediately.
func (r *Reader) RequestResync(symbol string) {
	select {
	case r.resync <- symbols.ToVenue("okx", symbol):
	default:
		r.log.WithComponent("okx_reader").WithFields(logger.Fields{
			"symbol": symbol,
		}).Warn("resync queue full, dropping request")
	}
}

// ForceReconnect closes the connection; the stream loop reconnects with
// backoff and resubscribes everything.
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
	log := r.log.WithComponent("okx_reader").WithFields(logger.Fields{"worker": "books5_stream"})

	spec := feed.SpecFor("okx")
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
					r.opts.OnDown("okx")
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

		r.readLoop(conn, limiter, spec, log)

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

	if err := conn.WriteJSON(r.subscribeMessage(r.opts.Config.Symbols)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	return conn, nil
}

func (r *Reader) subscribeMessage(instIDs []string) map[string]interface{} {
	args := make([]map[string]string, 0, len(instIDs))
	for _, inst := range instIDs {
		args = append(args, map[string]string{"channel": "books5", "instId": inst})
	}
	return map[string]interface{}{"op": "subscribe", "args": args}
}

// readLoop pumps messages until the connection dies. OKX liveness is
// application level: the client sends "ping" and the venue answers "pong";
// silence past the deadline kills the connection.
func (r *Reader) readLoop(conn *websocket.Conn, limiter *rate.Limiter, spec feed.VenueSpec, log *logger.Entry) {
	conn.SetReadDeadline(time.Now().Add(spec.PongTimeout))

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
				conn.WriteMessage(websocket.TextMessage, []byte("ping"))
			case inst := <-r.resync:
				if err := limiter.Wait(r.ctx); err != nil {
					return
				}
				conn.WriteJSON(map[string]interface{}{
					"op":   "unsubscribe",
					"args": []map[string]string{{"channel": "books5", "instId": inst}},
				})
				conn.WriteJSON(r.subscribeMessage([]string{inst}))
				log.WithFields(logger.Fields{"instrument": inst}).Info("resubscribed for resync")
			}
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if r.ctx.Err() == nil {
				log.WithError(err).Warn("websocket read error, reconnecting")
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(spec.PongTimeout))
		r.handleMessage(msg, log)
	}
}

func (r *Reader) handleMessage(msg []byte, log *logger.Entry) {
	if string(msg) == "pong" {
		return
	}

	var head struct {
		Event string `json:"event"`
		Msg   string `json:"msg"`
		Arg   struct {
			Channel string `json:"channel"`
			InstID  string `json:"instId"`
		} `json:"arg"`
	}
	if err := json.Unmarshal(msg, &head); err != nil {
		log.WithError(err).Debug("failed to decode message header")
		return
	}
	switch head.Event {
	case "error":
		// rejections usually mean the subscribe was throttled; cycling
		// the connection re-enters the backoff loop
		log.WithFields(logger.Fields{"message": head.Msg}).Error("venue rejected request, forcing backoff")
		r.ForceReconnect("venue rejection: " + head.Msg)
		return
	case "subscribe", "unsubscribe":
		return
	}
	if head.Arg.Channel != "books5" {
		return
	}

	raw := models.RawFeedMessage{
		Venue:      "okx",
		Symbol:     head.Arg.InstID,
		Market:     models.MarketOrderbookSnapshot,
		Data:       msg,
		ReceivedAt: time.Now(),
	}
	if r.opts.Channels.SendRaw(r.ctx, raw) {
		logger.RecordDataFlow(len(msg))
	} else if r.ctx.Err() == nil {
		log.Warn("raw channel full, dropping message")
	}
}
