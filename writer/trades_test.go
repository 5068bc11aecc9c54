package writer

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	appconfig "arbflow/config"
	"arbflow/logger"
	"arbflow/models"
)

func testWriter(batchSize int) *TradeWriter {
	cfg := &appconfig.Config{}
	cfg.Storage.S3.BatchSize = batchSize
	cfg.Storage.S3.Prefix = "arbflow"
	return &TradeWriter{
		cfg:    cfg,
		log:    logger.GetLogger(),
		buffer: make(map[string][]models.Trade),
	}
}

func TestAddTradeBuffersPerSymbol(t *testing.T) {
	w := testWriter(100)
	w.addTrade(models.Trade{Symbol: "BTCUSD", Size: 1})
	w.addTrade(models.Trade{Symbol: "BTCUSD", Size: 2})
	w.addTrade(models.Trade{Symbol: "ETHUSD", Size: 3})

	if len(w.buffer["BTCUSD"]) != 2 || len(w.buffer["ETHUSD"]) != 1 {
		t.Fatalf("unexpected buffer layout: %v", w.buffer)
	}
}

func TestCreateParquetRoundsTrip(t *testing.T) {
	w := testWriter(100)
	trades := []models.Trade{
		{
			OpportunityID:     uuid.New(),
			Symbol:            "BTCUSD",
			BuyVenue:          "binance",
			SellVenue:         "coinbase",
			ExecutedBuyPrice:  101,
			ExecutedSellPrice: 103,
			Size:              0.5,
			Fees:              0.1,
			RealizedPnL:       0.9,
			ExecutedAt:        time.Now(),
		},
	}
	data, err := w.createParquet(trades)
	if err != nil {
		t.Fatalf("create parquet: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("empty parquet output")
	}
	// PAR1 magic at both ends of a parquet file
	if string(data[:4]) != "PAR1" || string(data[len(data)-4:]) != "PAR1" {
		t.Error("output is not a parquet file")
	}
}

func TestS3KeyLayout(t *testing.T) {
	w := testWriter(100)
	ts := time.Date(2026, 3, 9, 15, 0, 0, 0, time.UTC)
	key := w.s3Key("BTCUSD", ts)

	if !strings.HasPrefix(key, "arbflow/trades/symbol=BTCUSD/2026/03/09/") {
		t.Errorf("key = %s", key)
	}
	if !strings.HasSuffix(key, ".parquet") {
		t.Errorf("key = %s", key)
	}
}
