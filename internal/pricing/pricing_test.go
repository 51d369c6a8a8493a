package pricing

import (
	"context"
	"math/rand"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paperbet/order-engine/internal/model"
	"github.com/paperbet/order-engine/internal/store"
)

func TestNormalize(t *testing.T) {
	cases := []struct {
		in   float64
		want float64
	}{
		{0.05, 0.05},
		{0.99, 0.99},
		{1, 1},       // exactly 1 is left alone; validation rejects it later
		{5, 0.05},    // integer percent
		{40, 0.40},
		{99.5, 0.995},
	}
	for _, tc := range cases {
		got := Normalize(decimal.NewFromFloat(tc.in))
		assert.True(t, got.Equal(decimal.NewFromFloat(tc.want)),
			"Normalize(%v) = %s, want %v", tc.in, got, tc.want)
	}
}

func TestStoreSource_ComplementRule(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	require.NoError(t, st.CreateMarket(ctx, &model.Market{
		ID:       "m1",
		Slug:     "m1",
		PriceYes: decimal.NewFromFloat(0.65),
		Active:   true,
	}))

	src := NewStoreSource(st)

	yes, err := src.CurrentPrice(ctx, "m1", model.SideYes)
	require.NoError(t, err)
	assert.True(t, yes.Equal(decimal.NewFromFloat(0.65)))

	// NO is derived from YES, never read from the stored column.
	no, err := src.CurrentPrice(ctx, "m1", model.SideNo)
	require.NoError(t, err)
	assert.True(t, no.Equal(decimal.NewFromFloat(0.35)), "no = %s", no)
	assert.True(t, yes.Add(no).Equal(decimal.NewFromInt(1)))

	_, err = src.CurrentPrice(ctx, "missing", model.SideYes)
	require.Error(t, err)
}

func TestStoreSource_NormalizesStoredPercent(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	// A market seeded with a percent-scale price.
	require.NoError(t, st.CreateMarket(ctx, &model.Market{
		ID:       "m1",
		Slug:     "m1",
		PriceYes: decimal.NewFromInt(65),
		Active:   true,
	}))

	src := NewStoreSource(st)
	yes, err := src.CurrentPrice(ctx, "m1", model.SideYes)
	require.NoError(t, err)
	assert.True(t, yes.Equal(decimal.NewFromFloat(0.65)), "yes = %s", yes)
}

func TestSimulator_StepClampsAndComplements(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	require.NoError(t, st.CreateMarket(ctx, &model.Market{
		ID:       "edge",
		Slug:     "edge",
		PriceYes: decimal.NewFromFloat(0.94),
		Active:   true,
	}))
	require.NoError(t, st.CreateMarket(ctx, &model.Market{
		ID:     "closed",
		Slug:   "closed",
		Active: true,
		Closed: true,
	}))

	// A huge scale forces every step against the clamp bounds.
	sim := NewSimulator(st, decimal.NewFromInt(10), rand.New(rand.NewSource(42)))

	for i := 0; i < 50; i++ {
		updated, err := sim.Step(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, updated, "closed market must be skipped")

		m, err := st.GetMarket(ctx, "edge")
		require.NoError(t, err)
		assert.True(t, m.PriceYes.GreaterThanOrEqual(decimal.NewFromFloat(0.05)),
			"yes = %s below floor", m.PriceYes)
		assert.True(t, m.PriceYes.LessThanOrEqual(decimal.NewFromFloat(0.95)),
			"yes = %s above ceiling", m.PriceYes)
		assert.True(t, m.PriceYes.Add(m.PriceNo).Equal(decimal.NewFromInt(1)),
			"yes %s + no %s != 1", m.PriceYes, m.PriceNo)
	}
}

func TestSimulator_DeterministicWithSeed(t *testing.T) {
	ctx := context.Background()

	run := func() decimal.Decimal {
		st := store.NewMemoryStore()
		require.NoError(t, st.CreateMarket(ctx, &model.Market{
			ID:       "m1",
			Slug:     "m1",
			PriceYes: decimal.NewFromFloat(0.5),
			Active:   true,
		}))
		sim := NewSimulator(st, decimal.NewFromFloat(0.02), rand.New(rand.NewSource(7)))
		for i := 0; i < 10; i++ {
			_, err := sim.Step(ctx)
			require.NoError(t, err)
		}
		m, err := st.GetMarket(ctx, "m1")
		require.NoError(t, err)
		return m.PriceYes
	}

	first := run()
	second := run()
	assert.True(t, first.Equal(second), "%s != %s", first, second)
}
