package quote

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mmbot/internal/models"
	"mmbot/internal/signal"
)

func params() Params {
	return Params{
		Gamma:             0.2,
		K:                 6,
		OrderLevels:       3,
		LevelSpacingRatio: 0.05,
		PricePrecision:    4,
		BaseOrderQty:      1,
		MinNotional:       10,
	}
}

func stableSignal() signal.Signal {
	return signal.Signal{Volatility: 0.002, Prediction: signal.PredictionStable, Mid: 100, BestBid: 99.99, BestAsk: 100.01}
}

func TestOptimalSpreadScenario(t *testing.T) {
	got := OptimalSpread(0.002, 0.2, 6, Horizon)
	want := 0.2*0.000004 + 10*math.Log(1+0.2/6)
	assert.InDelta(t, want, got, 1e-12)
	assert.InDelta(t, 0.3282, got, 1e-4)
}

func TestOptimalSpreadMonotoneInVolatility(t *testing.T) {
	prev := OptimalSpread(0, 0.45, 6, Horizon)
	for vol := 0.001; vol < 5; vol *= 1.7 {
		cur := OptimalSpread(vol, 0.45, 6, Horizon)
		assert.GreaterOrEqual(t, cur, prev)
		prev = cur
	}
}

func TestSkewedMid(t *testing.T) {
	assert.Equal(t, 100.0, SkewedMid(100, 0, 0.5, 0.2, Horizon))
	assert.Less(t, SkewedMid(100, 10, 0.5, 0.2, Horizon), 100.0)
	assert.Greater(t, SkewedMid(100, -10, 0.5, 0.2, Horizon), 100.0)
	assert.InDelta(t, 99.5, SkewedMid(100, 10, 0.5, 0.2, Horizon), 1e-12)
}

func TestBuildStableLadderIsSymmetric(t *testing.T) {
	q := NewEngine(params()).Build(Input{Signal: stableSignal()})

	require.Len(t, q.Levels, 2+2*3)
	assert.Equal(t, models.OrderTypeMarketableBid, q.Levels[0].Type)
	assert.Equal(t, models.OrderTypeMarketableAsk, q.Levels[1].Type)
	assert.Nil(t, q.Levels[0].Price)

	for i := 2; i < len(q.Levels); i += 2 {
		bid, ask := q.Levels[i], q.Levels[i+1]
		assert.Equal(t, models.OrderSideBuy, bid.Side)
		assert.Equal(t, models.OrderSideSell, ask.Side)
		assert.Equal(t, models.OrderTypePostOnly, bid.Type)
		assert.Equal(t, bid.Index, ask.Index)
		assert.InDelta(t, q.SkewedMid-bid.PriceValue(), ask.PriceValue()-q.SkewedMid, 1e-9)
		assert.Less(t, bid.PriceValue(), ask.PriceValue())
	}
}

func TestBuildLevelOffsetsGrowWithIndex(t *testing.T) {
	q := NewEngine(params()).Build(Input{Signal: stableSignal()})
	prev := 0.0
	for _, l := range q.Levels {
		if l.Side != models.OrderSideSell || l.Type != models.OrderTypePostOnly {
			continue
		}
		offset := l.PriceValue() - q.SkewedMid
		assert.Greater(t, offset, prev)
		prev = offset
	}
}

func TestBuildDirectionalLevelZero(t *testing.T) {
	e := NewEngine(params())

	up := stableSignal()
	up.Prediction = signal.PredictionUp
	q := e.Build(Input{Signal: up})
	require.GreaterOrEqual(t, len(q.Levels), 2)
	assert.Equal(t, models.OrderTypeLimit, q.Levels[0].Type)
	assert.Equal(t, models.OrderSideBuy, q.Levels[0].Side)
	assert.Equal(t, 100.0, q.Levels[0].PriceValue())
	assert.Equal(t, models.OrderTypeMarketableBid, q.Levels[1].Type)

	down := stableSignal()
	down.Prediction = signal.PredictionDown
	q = e.Build(Input{Signal: down})
	assert.Equal(t, models.OrderSideSell, q.Levels[0].Side)
	assert.Equal(t, models.OrderTypeMarketableAsk, q.Levels[1].Type)
	for _, l := range q.Levels {
		if l.Index == 0 {
			assert.Equal(t, models.OrderSideSell, l.Side)
		}
	}
}

func TestBuildInventoryAndVolatilitySpacing(t *testing.T) {
	p := params()
	p.OrderLevels = 1
	e := NewEngine(p)
	sig := stableSignal()

	flat := e.Build(Input{Signal: sig})
	long := e.Build(Input{Signal: sig, Inventory: 5})

	flatAsk := flat.Levels[3].PriceValue() - flat.SkewedMid
	longAsk := long.Levels[3].PriceValue() - long.SkewedMid
	longBid := long.SkewedMid - long.Levels[2].PriceValue()
	assert.Less(t, longAsk, flatAsk)
	assert.Greater(t, longBid, flatAsk)

	p.VolatilityThreshold = 0.001
	wide := NewEngine(p).Build(Input{Signal: sig})
	assert.InDelta(t, p.LevelSpacingRatio*1.3, wide.Spacing, 1e-12)
	assert.Greater(t, wide.Levels[3].PriceValue(), flat.Levels[3].PriceValue())
}

func TestBuildSkipsLevelsBelowMinNotional(t *testing.T) {
	p := params()
	p.BaseOrderQty = 0.05
	q := NewEngine(p).Build(Input{Signal: stableSignal()})
	assert.Empty(t, q.Levels)
}

func TestBuildIsDeterministic(t *testing.T) {
	e := NewEngine(params())
	in := Input{Signal: stableSignal(), Inventory: -2}
	assert.Equal(t, e.Build(in), e.Build(in))
}

func TestLevelOrder(t *testing.T) {
	price := 100.5
	o := Level{Side: models.OrderSideBuy, Type: models.OrderTypePostOnly, Price: &price, Qty: 1}.Order("PERP_ETH_USDC")
	require.NoError(t, o.Validate())
	assert.Equal(t, 100.5, o.PriceValue())

	o = Level{Side: models.OrderSideSell, Type: models.OrderTypeMarketableAsk, Depth: 2, Qty: 1}.Order("PERP_ETH_USDC")
	require.NoError(t, o.Validate())
	assert.Nil(t, o.Price)
	assert.Equal(t, 2, o.Level)
}
