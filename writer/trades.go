package writer

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	appconfig "arbflow/config"
	"arbflow/logger"
	"arbflow/models"
)

// tradeRecord defines the parquet schema for simulated executions.
type tradeRecord struct {
	OpportunityID     string  `parquet:"name=opportunity_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Symbol            string  `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	BuyVenue          string  `parquet:"name=buy_venue, type=BYTE_ARRAY, convertedtype=UTF8"`
	SellVenue         string  `parquet:"name=sell_venue, type=BYTE_ARRAY, convertedtype=UTF8"`
	ExecutedBuyPrice  float64 `parquet:"name=executed_buy_price, type=DOUBLE"`
	ExecutedSellPrice float64 `parquet:"name=executed_sell_price, type=DOUBLE"`
	Size              float64 `parquet:"name=size, type=DOUBLE"`
	Fees              float64 `parquet:"name=fees, type=DOUBLE"`
	RealizedPnL       float64 `parquet:"name=realized_pnl, type=DOUBLE"`
	ExecutedAt        int64   `parquet:"name=executed_at, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
}

// memFileWriter buffers a parquet file in memory before upload.
type memFileWriter struct{ buffer *bytes.Buffer }

func newMemFileWriter() *memFileWriter { return &memFileWriter{buffer: &bytes.Buffer{}} }

func (m *memFileWriter) Create(string) (source.ParquetFile, error) { return m, nil }
func (m *memFileWriter) Open(string) (source.ParquetFile, error)   { return m, nil }
func (m *memFileWriter) Seek(int64, int) (int64, error)            { return int64(m.buffer.Len()), nil }
func (m *memFileWriter) Read([]byte) (int, error)                  { return 0, nil }
func (m *memFileWriter) Write(b []byte) (int, error)               { return m.buffer.Write(b) }
func (m *memFileWriter) Close() error                              { return nil }
func (m *memFileWriter) Bytes() []byte                             { return m.buffer.Bytes() }

// TradeWriter consumes executed trades and archives them to S3 in parquet
// format. Trades are buffered per symbol and flushed on batch size, on the
// flush interval, and on shutdown.
type TradeWriter struct {
	cfg         *appconfig.Config
	tradeChan   <-chan models.Trade
	s3Client    *s3.Client
	buffer      map[string][]models.Trade
	mu          sync.Mutex
	flushTicker *time.Ticker
	ctx         context.Context
	wg          *sync.WaitGroup
	running     bool
	log         *logger.Log
}

// NewTradeWriter initializes a trade writer with AWS credentials.
func NewTradeWriter(cfg *appconfig.Config, tradeChan <-chan models.Trade) (*TradeWriter, error) {
	ctx := context.Background()
	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Storage.S3.Region)}
	if cfg.Storage.S3.AccessKeyID != "" && cfg.Storage.S3.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				cfg.Storage.S3.AccessKeyID,
				cfg.Storage.S3.SecretAccessKey,
				"",
			)))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Storage.S3.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Storage.S3.Endpoint)
		}
		o.UsePathStyle = cfg.Storage.S3.PathStyle
	})
	return &TradeWriter{
		cfg:       cfg,
		tradeChan: tradeChan,
		s3Client:  s3Client,
		buffer:    make(map[string][]models.Trade),
		wg:        &sync.WaitGroup{},
		log:       logger.GetLogger(),
	}, nil
}

// Start launches the consumer and the flush ticker.
func (w *TradeWriter) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("trade writer already running")
	}
	w.running = true
	w.ctx = ctx
	w.flushTicker = time.NewTicker(w.cfg.Storage.S3.FlushInterval)
	w.mu.Unlock()

	w.wg.Add(1)
	go w.worker()

	w.wg.Add(1)
	go w.flushLoop()

	w.log.WithComponent("trade_writer").Info("trade writer started")
	return nil
}

// Stop waits for the workers and flushes whatever is buffered.
func (w *TradeWriter) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	if w.flushTicker != nil {
		w.flushTicker.Stop()
	}
	w.wg.Wait()
	w.flushBuffers()
	w.log.WithComponent("trade_writer").Info("trade writer stopped")
}

func (w *TradeWriter) worker() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case trade, ok := <-w.tradeChan:
			if !ok {
				return
			}
			w.addTrade(trade)
		}
	}
}

func (w *TradeWriter) addTrade(trade models.Trade) {
	w.mu.Lock()
	w.buffer[trade.Symbol] = append(w.buffer[trade.Symbol], trade)
	size := len(w.buffer[trade.Symbol])
	w.mu.Unlock()

	if w.cfg.Storage.S3.BatchSize > 0 && size >= w.cfg.Storage.S3.BatchSize {
		w.flushSymbol(trade.Symbol)
	}
}

func (w *TradeWriter) flushSymbol(symbol string) {
	w.mu.Lock()
	trades, ok := w.buffer[symbol]
	if !ok || len(trades) == 0 {
		w.mu.Unlock()
		return
	}
	delete(w.buffer, symbol)
	w.mu.Unlock()

	w.writeBatch(symbol, trades)
}

func (w *TradeWriter) flushLoop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			w.flushBuffers()
			return
		case <-w.flushTicker.C:
			w.flushBuffers()
		}
	}
}

func (w *TradeWriter) flushBuffers() {
	w.mu.Lock()
	buffers := w.buffer
	w.buffer = make(map[string][]models.Trade)
	w.mu.Unlock()

	for symbol, trades := range buffers {
		if len(trades) == 0 {
			continue
		}
		w.writeBatch(symbol, trades)
	}
}

func (w *TradeWriter) writeBatch(symbol string, trades []models.Trade) {
	start := time.Now()
	data, err := w.createParquet(trades)
	if err != nil {
		w.log.WithComponent("trade_writer").WithError(err).Error("create parquet failed")
		return
	}
	key := w.s3Key(symbol, start)
	if err := w.upload(key, data); err != nil {
		w.log.WithComponent("trade_writer").WithError(err).Error("upload to s3 failed")
		return
	}
	logger.LogPerformanceEntry(w.log.WithComponent("trade_writer"), "trade_writer", "batch_upload", time.Since(start), logger.Fields{
		"s3_key":  key,
		"records": len(trades),
		"bytes":   len(data),
	})
}

func (w *TradeWriter) createParquet(trades []models.Trade) ([]byte, error) {
	mw := newMemFileWriter()
	pw, err := writer.NewParquetWriter(mw, new(tradeRecord), 4)
	if err != nil {
		return nil, err
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY
	for _, t := range trades {
		rec := tradeRecord{
			OpportunityID:     t.OpportunityID.String(),
			Symbol:            t.Symbol,
			BuyVenue:          t.BuyVenue,
			SellVenue:         t.SellVenue,
			ExecutedBuyPrice:  t.ExecutedBuyPrice,
			ExecutedSellPrice: t.ExecutedSellPrice,
			Size:              t.Size,
			Fees:              t.Fees,
			RealizedPnL:       t.RealizedPnL,
			ExecutedAt:        t.ExecutedAt.UnixMilli(),
		}
		if err := pw.Write(rec); err != nil {
			return nil, err
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, err
	}
	return mw.Bytes(), nil
}

func (w *TradeWriter) upload(key string, data []byte) error {
	input := &s3.PutObjectInput{
		Bucket: aws.String(w.cfg.Storage.S3.Bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	}
	// uploads must survive the shutdown cancel
	ctx := context.WithoutCancel(w.ctx)
	_, err := w.s3Client.PutObject(ctx, input)
	return err
}

func (w *TradeWriter) s3Key(symbol string, ts time.Time) string {
	parts := []string{}
	if w.cfg.Storage.S3.Prefix != "" {
		parts = append(parts, w.cfg.Storage.S3.Prefix)
	}
	parts = append(parts,
		"trades",
		fmt.Sprintf("symbol=%s", symbol),
		fmt.Sprintf("%04d/%02d/%02d", ts.Year(), int(ts.Month()), ts.Day()),
		fmt.Sprintf("trades_%s_%d.parquet", symbol, ts.UnixNano()),
	)
	return filepath.ToSlash(filepath.Join(parts...))
}
