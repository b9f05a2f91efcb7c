package signal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mmbot/internal/market"
	"mmbot/internal/models"
)

func prints(side models.OrderSide, pq ...float64) []models.TradePrint {
	out := make([]models.TradePrint, 0, len(pq)/2)
	for i := 0; i+1 < len(pq); i += 2 {
		out = append(out, models.TradePrint{Side: side, Price: pq[i], Qty: pq[i+1]})
	}
	return out
}

func snapshot(bidQty, askQty float64) models.OrderBookSnapshot {
	return models.OrderBookSnapshot{
		Bids: []models.PriceLevel{{Price: 99, Qty: bidQty}},
		Asks: []models.PriceLevel{{Price: 101, Qty: askQty}},
	}
}

func TestComputeVolatility(t *testing.T) {
	_, err := ComputeVolatility(nil)
	require.ErrorIs(t, err, ErrInsufficientData)

	v, err := ComputeVolatility(prints(models.OrderSideBuy, 42, 1))
	require.NoError(t, err)
	assert.Zero(t, v)

	v, err = ComputeVolatility(prints(models.OrderSideBuy, 2, 1, 4, 1, 4, 1, 4, 1, 5, 1, 5, 1, 7, 1, 9, 1))
	require.NoError(t, err)
	assert.InDelta(t, 2.0, v, 1e-12)
	assert.GreaterOrEqual(t, v, 0.0)
}

func TestPredictFromOrderBook(t *testing.T) {
	p, err := PredictFromOrderBook([]models.OrderBookSnapshot{snapshot(70, 30)}, 60, 0.85)
	require.NoError(t, err)
	assert.Equal(t, PredictionUp, p)

	p, err = PredictFromOrderBook([]models.OrderBookSnapshot{snapshot(30, 70)}, 60, 0.85)
	require.NoError(t, err)
	assert.Equal(t, PredictionDown, p)

	p, err = PredictFromOrderBook([]models.OrderBookSnapshot{snapshot(55, 45)}, 60, 0.85)
	require.NoError(t, err)
	assert.Equal(t, PredictionStable, p)

	_, err = PredictFromOrderBook(nil, 60, 0.85)
	assert.ErrorIs(t, err, ErrInsufficientData)
}

func TestPredictFromOrderBookRecentSnapshotDominates(t *testing.T) {
	// an old ask-heavy book followed by a fresh bid-heavy one
	snaps := []models.OrderBookSnapshot{snapshot(10, 90), snapshot(90, 10)}

	p, err := PredictFromOrderBook(snaps, 52, 0.85)
	require.NoError(t, err)
	assert.Equal(t, PredictionUp, p)

	p, err = PredictFromOrderBook(snaps, 52, 1)
	require.NoError(t, err)
	assert.Equal(t, PredictionStable, p)
}

func TestPredictFromTradeFlow(t *testing.T) {
	up := append(prints(models.OrderSideBuy, 101, 5), prints(models.OrderSideSell, 100, 2)...)
	assert.Equal(t, PredictionUp, PredictFromTradeFlow(up))

	down := append(prints(models.OrderSideBuy, 100, 2), prints(models.OrderSideSell, 101, 5)...)
	assert.Equal(t, PredictionDown, PredictFromTradeFlow(down))

	mixed := append(prints(models.OrderSideBuy, 99, 5), prints(models.OrderSideSell, 100, 2)...)
	assert.Equal(t, PredictionStable, PredictFromTradeFlow(mixed))

	assert.Equal(t, PredictionStable, PredictFromTradeFlow(prints(models.OrderSideBuy, 100, 5)))
	assert.Equal(t, PredictionStable, PredictFromTradeFlow(nil))
}

func TestCombine(t *testing.T) {
	cases := []struct {
		flow, book, want Prediction
	}{
		{PredictionUp, PredictionDown, PredictionStable},
		{PredictionDown, PredictionUp, PredictionStable},
		{PredictionUp, PredictionStable, PredictionUp},
		{PredictionUp, PredictionUp, PredictionUp},
		{PredictionDown, PredictionStable, PredictionDown},
		{PredictionStable, PredictionUp, PredictionUp},
		{PredictionStable, PredictionDown, PredictionDown},
		{PredictionStable, PredictionStable, PredictionStable},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Combine(tc.flow, tc.book), "%s+%s", tc.flow, tc.book)
	}
}

func TestEstimateFlowUsesWholeWindow(t *testing.T) {
	// old heavy buying, then a sell-dominated tail as long as the volatility window
	trades := prints(models.OrderSideBuy, 105, 1, 105, 1, 105, 1, 105, 1, 105, 1, 105, 1, 105, 1, 105, 1, 105, 1, 105, 1,
		105, 1, 105, 1, 105, 1, 105, 1, 105, 1, 105, 1, 105, 1, 105, 1, 105, 1, 105, 1)
	for i := 0; i < 5; i++ {
		trades = append(trades,
			models.TradePrint{Side: models.OrderSideBuy, Price: 100, Qty: 0.1},
			models.TradePrint{Side: models.OrderSideSell, Price: 101, Qty: 1},
		)
	}
	w := market.Window{Trades: trades, Books: []models.OrderBookSnapshot{snapshot(50, 50)}}
	e := Estimator{WindowSize: 10, ThresholdPct: 60, Decay: 0.85}

	require.Equal(t, PredictionDown, PredictFromTradeFlow(w.RecentTrades(10)))

	sig, err := e.Estimate(w)
	require.NoError(t, err)
	assert.Equal(t, PredictionUp, sig.FlowPrediction)
	assert.Equal(t, 30, sig.Trades)
	// volatility is sampled from the last 10 prints only
	assert.InDelta(t, 0.5, sig.Volatility, 1e-9)
}

func TestEstimate(t *testing.T) {
	now := time.Now()
	w := market.Window{
		Trades: append(prints(models.OrderSideBuy, 101, 5, 102, 1), prints(models.OrderSideSell, 100, 2)...),
		Books:  []models.OrderBookSnapshot{snapshot(70, 30)},
		Start:  now,
		End:    now,
	}
	e := Estimator{WindowSize: 10, ThresholdPct: 60, Decay: 0.85}

	sig, err := e.Estimate(w)
	require.NoError(t, err)
	assert.Equal(t, PredictionUp, sig.Prediction)
	assert.Equal(t, 100.0, sig.Mid)
	assert.Equal(t, 99.0, sig.BestBid)
	assert.Equal(t, 101.0, sig.BestAsk)
	assert.Greater(t, sig.Volatility, 0.0)

	_, err = e.Estimate(market.Window{Books: w.Books})
	assert.ErrorIs(t, err, ErrInsufficientData)

	_, err = e.Estimate(market.Window{Trades: w.Trades})
	assert.ErrorIs(t, err, ErrInsufficientData)
}
