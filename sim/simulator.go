package sim

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	appconfig "arbflow/config"
	"arbflow/detector"
	"arbflow/internal/channel"
	"arbflow/logger"
	"arbflow/models"
)

// Rejection reasons returned by Execute.
var (
	ErrDuplicate = errors.New("opportunity already executed")
	ErrCooldown  = errors.New("symbol in post-trade cooldown")
	ErrExposure  = errors.New("venue exposure cap exceeded")
	ErrZeroSize  = errors.New("opportunity size is zero")
)

// Simulator executes detected opportunities against a paper ledger. Fills
// are pessimistic: both legs pay the configured slippage and venue fees, so
// simulated PnL understates the detector's estimate.
type Simulator struct {
	cfg    appconfig.SimulatorConfig
	ledger *Ledger
	fees   detector.FeeSchedule
	log    *logger.Log

	executed  map[uuid.UUID]struct{}
	lastTrade map[string]time.Time

	// now is swappable for tests
	now func() time.Time
}

// New creates a simulator recording into the given ledger. The fee schedule
// is shared with the detector so both price the same venue costs.
func New(cfg appconfig.SimulatorConfig, fees detector.FeeSchedule, ledger *Ledger) *Simulator {
	return &Simulator{
		cfg:       cfg,
		ledger:    ledger,
		fees:      fees,
		log:       logger.GetLogger(),
		executed:  make(map[uuid.UUID]struct{}),
		lastTrade: make(map[string]time.Time),
		now:       time.Now,
	}
}

// Execute fills one opportunity. Replays of an already executed opportunity
// ID are rejected, as are fills that would breach the per-venue exposure cap
// or land inside the per-symbol cooldown window.
func (s *Simulator) Execute(opp models.Opportunity) (models.Trade, error) {
	if _, done := s.executed[opp.ID]; done {
		return models.Trade{}, ErrDuplicate
	}

	now := s.now()
	if s.cfg.Cooldown > 0 {
		if last, ok := s.lastTrade[opp.Symbol]; ok && now.Sub(last) < s.cfg.Cooldown {
			return models.Trade{}, ErrCooldown
		}
	}

	size := opp.MaxSize
	if size > s.cfg.MaxPositionSize {
		size = s.cfg.MaxPositionSize
	}
	if size <= 0 {
		return models.Trade{}, ErrZeroSize
	}

	slip := s.cfg.SlippageBps / 10000
	buyPrice := opp.BuyPrice * (1 + slip)
	sellPrice := opp.SellPrice * (1 - slip)

	if s.cfg.MaxVenueExposure > 0 {
		if s.ledger.VenueExposure(opp.BuyVenue)+buyPrice*size > s.cfg.MaxVenueExposure {
			return models.Trade{}, ErrExposure
		}
		if s.ledger.VenueExposure(opp.SellVenue)+sellPrice*size > s.cfg.MaxVenueExposure {
			return models.Trade{}, ErrExposure
		}
	}

	fees := (s.fees.For(opp.BuyVenue).PerUnit(buyPrice) + s.fees.For(opp.SellVenue).PerUnit(sellPrice)) * size
	trade := models.Trade{
		OpportunityID:     opp.ID,
		Symbol:            opp.Symbol,
		BuyVenue:          opp.BuyVenue,
		SellVenue:         opp.SellVenue,
		ExecutedBuyPrice:  buyPrice,
		ExecutedSellPrice: sellPrice,
		Size:              size,
		Fees:              fees,
		RealizedPnL:       (sellPrice-buyPrice)*size - fees,
		ExecutedAt:        now,
	}

	s.executed[opp.ID] = struct{}{}
	s.lastTrade[opp.Symbol] = now
	s.ledger.Record(trade)

	s.log.WithComponent("simulator").WithFields(logger.Fields{
		"symbol":       trade.Symbol,
		"buy_venue":    trade.BuyVenue,
		"sell_venue":   trade.SellVenue,
		"size":         trade.Size,
		"realized_pnl": trade.RealizedPnL,
	}).Info("simulated trade executed")

	return trade, nil
}

// Run consumes opportunities until the channel closes or the context is
// cancelled, forwarding executed trades to the trade sink.
func (s *Simulator) Run(ctx context.Context, channels *channel.Channels) {
	log := s.log.WithComponent("simulator")
	log.Info("simulator started")
	defer log.Info("simulator stopped")

	for {
		select {
		case <-ctx.Done():
			return
		case opp, ok := <-channels.Opportunities:
			if !ok {
				return
			}
			s.ledger.NoteOpportunity()
			trade, err := s.Execute(opp)
			if err != nil {
				s.ledger.NoteRejected()
				log.WithFields(logger.Fields{
					"symbol":         opp.Symbol,
					"opportunity_id": opp.ID.String(),
				}).WithError(err).Debug("opportunity rejected")
				continue
			}
			channels.SendTrade(ctx, trade)
		}
	}
}
