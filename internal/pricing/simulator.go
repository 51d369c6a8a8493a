package pricing

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/shopspring/decimal"

	"github.com/paperbet/order-engine/internal/store"
)

// Price bounds for simulated markets. Keeping prices away from 0 and 1
// leaves every resting limit order a chance to fill.
var (
	simFloor   = decimal.NewFromFloat(0.05)
	simCeiling = decimal.NewFromFloat(0.95)
)

// Simulator nudges every active market's YES price by a small random
// amount each step, clamped to [0.05, 0.95], with NO kept complementary.
// It exists so orders, fills and PnL can be exercised without a live
// price feed.
type Simulator struct {
	store store.Store
	scale decimal.Decimal // maximum absolute nudge per step
	rng   *rand.Rand
	now   func() time.Time
}

// NewSimulator creates a simulator. rng may be nil, in which case a
// time-seeded source is used.
func NewSimulator(st store.Store, scale decimal.Decimal, rng *rand.Rand) *Simulator {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Simulator{
		store: st,
		scale: scale,
		rng:   rng,
		now:   time.Now,
	}
}

// Step applies one random-walk tick to every tradable market and returns
// the number of markets updated. A failure on one market is logged and
// does not stop the others.
func (s *Simulator) Step(ctx context.Context) (int, error) {
	markets, err := s.store.ListMarkets(ctx)
	if err != nil {
		return 0, err
	}

	updated := 0
	for _, m := range markets {
		if !m.Tradable() {
			continue
		}

		delta := decimal.NewFromFloat(s.rng.Float64() - 0.5).Mul(s.scale)
		yes := Normalize(m.PriceYes).Add(delta)
		if yes.LessThan(simFloor) {
			yes = simFloor
		}
		if yes.GreaterThan(simCeiling) {
			yes = simCeiling
		}
		yes = yes.Round(6)
		no := one.Sub(yes)

		if err := s.store.UpdateMarketPrices(ctx, m.ID, yes, no, s.now().UTC()); err != nil {
			slog.Warn("price simulation failed for market", "market", m.ID, "err", err)
			continue
		}
		updated++
	}
	return updated, nil
}
