package detector

import (
	"fmt"

	"arbflow/config"
)

// Fee estimates the per-unit execution cost of one leg at a venue. All
// amounts are in quote currency per base unit.
type Fee interface {
	PerUnit(price float64) float64
	Describe() string
}

// RelativeFee charges a fraction of notional, e.g. 0.001 = 0.1% per leg.
type RelativeFee struct{ Rate float64 }

func (f RelativeFee) PerUnit(price float64) float64 { return price * f.Rate }
func (f RelativeFee) Describe() string              { return fmt.Sprintf("relative %.6f", f.Rate) }

// AbsoluteFee charges a fixed amount of quote currency per base unit.
type AbsoluteFee struct{ Amount float64 }

func (f AbsoluteFee) PerUnit(float64) float64 { return f.Amount }
func (f AbsoluteFee) Describe() string        { return fmt.Sprintf("absolute %.6f", f.Amount) }

// FeeSchedule maps venues to their fee model. Venues without an entry trade
// free, which only makes sense in simulation.
type FeeSchedule map[string]Fee

// NewFeeSchedule builds the schedule from configuration. Fee modes were
// validated at startup.
func NewFeeSchedule(cfg map[string]config.FeeConfig) FeeSchedule {
	schedule := make(FeeSchedule, len(cfg))
	for venue, fc := range cfg {
		switch fc.Mode {
		case "absolute":
			schedule[venue] = AbsoluteFee{Amount: fc.Rate}
		default:
			schedule[venue] = RelativeFee{Rate: fc.Rate}
		}
	}
	return schedule
}

// For returns the venue's fee model, defaulting to zero cost.
func (s FeeSchedule) For(venue string) Fee {
	if f, ok := s[venue]; ok {
		return f
	}
	return RelativeFee{}
}
