package sim

import (
	"sync"
	"time"

	"arbflow/models"
)

// Ledger is the append-only record of simulated executions. It tracks
// realized PnL and open notional exposure per venue so the simulator can
// enforce its risk caps, and it is safe for concurrent use.
type Ledger struct {
	mu            sync.RWMutex
	trades        []models.Trade
	realizedPnL   float64
	exposure      map[string]float64
	opportunities int64
	rejected      int64
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{exposure: make(map[string]float64)}
}

// Record appends an executed trade and accrues both legs' notional to the
// venue exposure totals.
func (l *Ledger) Record(t models.Trade) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.trades = append(l.trades, t)
	l.realizedPnL += t.RealizedPnL
	l.exposure[t.BuyVenue] += t.ExecutedBuyPrice * t.Size
	l.exposure[t.SellVenue] += t.ExecutedSellPrice * t.Size
}

// NoteOpportunity counts an opportunity presented to the simulator.
func (l *Ledger) NoteOpportunity() {
	l.mu.Lock()
	l.opportunities++
	l.mu.Unlock()
}

// NoteRejected counts an opportunity the simulator declined.
func (l *Ledger) NoteRejected() {
	l.mu.Lock()
	l.rejected++
	l.mu.Unlock()
}

// TotalRealizedPnL returns cumulative realized profit across all trades.
func (l *Ledger) TotalRealizedPnL() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.realizedPnL
}

// VenueExposure returns the accumulated notional traded at a venue.
func (l *Ledger) VenueExposure(venue string) float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.exposure[venue]
}

// OpportunityCount returns how many opportunities were presented.
func (l *Ledger) OpportunityCount() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.opportunities
}

// RejectedCount returns how many opportunities were declined.
func (l *Ledger) RejectedCount() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.rejected
}

// TradeCount returns how many trades have been recorded.
func (l *Ledger) TradeCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.trades)
}

// Trades returns a copy of the recorded trades in execution order.
func (l *Ledger) Trades() []models.Trade {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]models.Trade, len(l.trades))
	copy(out, l.trades)
	return out
}

// Snapshot returns a point-in-time summary for reporting.
func (l *Ledger) Snapshot() models.LedgerSnapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	exposure := make(map[string]float64, len(l.exposure))
	for venue, notional := range l.exposure {
		exposure[venue] = notional
	}
	return models.LedgerSnapshot{
		RealizedPnL:     l.realizedPnL,
		ExposureByVenue: exposure,
		TradeCount:      int64(len(l.trades)),
		Opportunities:   l.opportunities,
		Rejected:        l.rejected,
		AsOf:            time.Now(),
	}
}
