package channel

import (
	"context"
	"sync"
	"time"

	"arbflow/logger"
	"arbflow/models"
)

// ChannelStats counts messages moved through and dropped from the pipeline
// channels.
type ChannelStats struct {
	RawSent              int64
	RawDropped           int64
	OpportunitiesSent    int64
	OpportunitiesDropped int64
	TradesSent           int64
	TradesDropped        int64
}

// Channels bundles the buffered channels connecting feed adapters,
// normalizer, simulator and trade sink.
type Channels struct {
	Raw           chan models.RawFeedMessage
	Opportunities chan models.Opportunity
	Trades        chan models.Trade

	stats      ChannelStats
	statsMutex sync.RWMutex
	log        *logger.Log
}

// NewChannels creates the channel bundle with the configured buffer sizes.
func NewChannels(rawBuffer, opportunityBuffer, tradeBuffer int) *Channels {
	log := logger.GetLogger()
	c := &Channels{
		Raw:           make(chan models.RawFeedMessage, rawBuffer),
		Opportunities: make(chan models.Opportunity, opportunityBuffer),
		Trades:        make(chan models.Trade, tradeBuffer),
		log:           log,
	}

	log.WithComponent("channels").WithFields(logger.Fields{
		"raw_buffer":         rawBuffer,
		"opportunity_buffer": opportunityBuffer,
		"trade_buffer":       tradeBuffer,
	}).Info("pipeline channels initialized")

	return c
}

// Close releases all channels. Senders must have stopped first.
func (c *Channels) Close() {
	close(c.Raw)
	close(c.Opportunities)
	close(c.Trades)
	c.log.WithComponent("channels").Info("pipeline channels closed")
}

// SendRaw enqueues a raw feed message without blocking. A full buffer drops
// the message: stale market data is worthless, unbounded memory is worse.
func (c *Channels) SendRaw(ctx context.Context, msg models.RawFeedMessage) bool {
	select {
	case c.Raw <- msg:
		c.statsMutex.Lock()
		c.stats.RawSent++
		c.statsMutex.Unlock()
		return true
	case <-ctx.Done():
		return false
	default:
		c.statsMutex.Lock()
		c.stats.RawDropped++
		c.statsMutex.Unlock()
		return false
	}
}

// SendOpportunity enqueues a detected opportunity without blocking.
func (c *Channels) SendOpportunity(ctx context.Context, opp models.Opportunity) bool {
	select {
	case c.Opportunities <- opp:
		c.statsMutex.Lock()
		c.stats.OpportunitiesSent++
		c.statsMutex.Unlock()
		return true
	case <-ctx.Done():
		return false
	default:
		c.statsMutex.Lock()
		c.stats.OpportunitiesDropped++
		c.statsMutex.Unlock()
		return false
	}
}

// SendTrade enqueues an executed trade for the sink. The sink is fire and
// forget: its unavailability never blocks the pipeline.
func (c *Channels) SendTrade(ctx context.Context, trade models.Trade) bool {
	select {
	case c.Trades <- trade:
		c.statsMutex.Lock()
		c.stats.TradesSent++
		c.statsMutex.Unlock()
		return true
	case <-ctx.Done():
		return false
	default:
		c.statsMutex.Lock()
		c.stats.TradesDropped++
		c.statsMutex.Unlock()
		return false
	}
}

// GetStats returns a copy of the current counters.
func (c *Channels) GetStats() ChannelStats {
	c.statsMutex.RLock()
	defer c.statsMutex.RUnlock()
	return c.stats
}

// StartMetricsReporting periodically logs channel occupancy and drop
// counters until the context is cancelled.
func (c *Channels) StartMetricsReporting(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := c.GetStats()
			c.log.WithComponent("channels").WithFields(logger.Fields{
				"raw_len":               len(c.Raw),
				"raw_sent":              stats.RawSent,
				"raw_dropped":           stats.RawDropped,
				"opportunities_sent":    stats.OpportunitiesSent,
				"opportunities_dropped": stats.OpportunitiesDropped,
				"trades_sent":           stats.TradesSent,
				"trades_dropped":        stats.TradesDropped,
			}).Debug("channel metrics")
		}
	}
}
