package detector

import (
	"time"

	"github.com/google/uuid"

	"arbflow/book"
	appconfig "arbflow/config"
	"arbflow/logger"
	"arbflow/models"
)

// Detector recomputes the cross-venue spread for a symbol whenever one of
// its books changes and emits an opportunity when the net edge clears both
// the absolute and the relative threshold.
type Detector struct {
	store    *book.Store
	fees     FeeSchedule
	absMin   float64
	relMin   float64
	maxAge   time.Duration
	latency  float64 // basis points of mid price per unit
	log      *logger.Log
	detected int64

	// now is swappable for tests
	now func() time.Time
}

// New creates a detector reading book state from the store.
func New(cfg appconfig.DetectorConfig, store *book.Store) *Detector {
	return &Detector{
		store:   store,
		fees:    NewFeeSchedule(cfg.Fees),
		absMin:  cfg.AbsMinProfit,
		relMin:  cfg.RelMinProfit,
		maxAge:  cfg.MaxQuoteAge,
		latency: cfg.LatencyPenaltyBps,
		log:     logger.GetLogger(),
		now:     time.Now,
	}
}

// OnQuote evaluates the updated venue against every other venue carrying
// the symbol. At most one opportunity is returned: when both directions of
// a pair qualify (possible only with stale or crossed books), only the
// higher-net direction survives.
func (d *Detector) OnQuote(u models.BookUpdate) *models.Opportunity {
	updated, ok := d.store.Quote(u.Venue, u.Symbol)
	if !ok {
		return nil
	}

	var best *models.Opportunity
	for _, snap := range d.store.SnapshotsForSymbol(u.Symbol) {
		if snap.Venue == u.Venue || !snap.Valid {
			continue
		}
		other, ok := snap.Quote()
		if !ok {
			continue
		}

		for _, cand := range []*models.Opportunity{
			d.evaluate(u.Symbol, updated, other),
			d.evaluate(u.Symbol, other, updated),
		} {
			if cand == nil {
				continue
			}
			if best == nil || cand.EstNetProfit > best.EstNetProfit {
				best = cand
			}
		}
	}

	if best != nil {
		d.detected++
		d.log.WithComponent("detector").WithFields(logger.Fields{
			"symbol":     best.Symbol,
			"buy_venue":  best.BuyVenue,
			"sell_venue": best.SellVenue,
			"buy_price":  best.BuyPrice,
			"sell_price": best.SellPrice,
			"max_size":   best.MaxSize,
			"net_profit": best.EstNetProfit,
		}).Info("arbitrage opportunity detected")
	}
	return best
}

// Detected returns how many opportunities have been emitted.
func (d *Detector) Detected() int64 { return d.detected }

// evaluate prices one direction: buy at buySide's ask, sell at sellSide's
// bid. Returns nil when the direction is stale, undersized or unprofitable.
func (d *Detector) evaluate(symbol string, buySide, sellSide models.NormalizedQuote) *models.Opportunity {
	if d.stale(buySide) || d.stale(sellSide) {
		return nil
	}

	buyPrice := buySide.AskPrice
	sellPrice := sellSide.BidPrice
	if buyPrice <= 0 || sellPrice <= buyPrice {
		return nil
	}

	size := buySide.AskQty
	if sellSide.BidQty < size {
		size = sellSide.BidQty
	}
	if size <= 0 {
		return nil
	}

	gross := (sellPrice - buyPrice) * size
	feeCost := (d.fees.For(buySide.Venue).PerUnit(buyPrice) + d.fees.For(sellSide.Venue).PerUnit(sellPrice)) * size
	mid := (buyPrice + sellPrice) / 2
	latencyCost := mid * d.latency / 10000 * size
	net := gross - feeCost - latencyCost

	cost := buyPrice * size
	if net <= d.absMin {
		return nil
	}
	if cost <= 0 || net/cost < d.relMin {
		return nil
	}

	return &models.Opportunity{
		ID:           uuid.New(),
		Symbol:       symbol,
		BuyVenue:     buySide.Venue,
		SellVenue:    sellSide.Venue,
		BuyPrice:     buyPrice,
		SellPrice:    sellPrice,
		MaxSize:      size,
		EstNetProfit: net,
		DetectedAt:   d.now(),
	}
}

// stale guards against acting on quotes that have outlived the configured
// max age, measured against local receipt time.
func (d *Detector) stale(q models.NormalizedQuote) bool {
	if d.maxAge <= 0 {
		return false
	}
	received := time.UnixMilli(q.ReceivedTime)
	return d.now().Sub(received) > d.maxAge
}
