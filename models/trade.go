package models

import (
	"time"

	"github.com/google/uuid"
)

// Opportunity is a detected cross-venue price discrepancy. It is immutable
// once emitted and consumed exactly once by the simulator.
type Opportunity struct {
	ID           uuid.UUID `json:"id"`
	Symbol       string    `json:"symbol"`
	BuyVenue     string    `json:"buy_venue"`
	SellVenue    string    `json:"sell_venue"`
	BuyPrice     float64   `json:"buy_price"`
	SellPrice    float64   `json:"sell_price"`
	MaxSize      float64   `json:"max_size"`
	EstNetProfit float64   `json:"est_net_profit"`
	DetectedAt   time.Time `json:"detected_at"`
}

// Trade is a simulated fill of an opportunity. Trades are append-only and
// owned by the ledger.
type Trade struct {
	OpportunityID     uuid.UUID `json:"opportunity_id"`
	Symbol            string    `json:"symbol"`
	BuyVenue          string    `json:"buy_venue"`
	SellVenue         string    `json:"sell_venue"`
	ExecutedBuyPrice  float64   `json:"executed_buy_price"`
	ExecutedSellPrice float64   `json:"executed_sell_price"`
	Size              float64   `json:"size"`
	Fees              float64   `json:"fees"`
	RealizedPnL       float64   `json:"realized_pnl"`
	ExecutedAt        time.Time `json:"executed_at"`
}

// LedgerSnapshot is the aggregate view handed to external observers.
type LedgerSnapshot struct {
	RealizedPnL     float64            `json:"realized_pnl"`
	ExposureByVenue map[string]float64 `json:"exposure_by_venue"`
	TradeCount      int64              `json:"trade_count"`
	Opportunities   int64              `json:"opportunities"`
	Rejected        int64              `json:"rejected"`
	AsOf            time.Time          `json:"as_of"`
}
