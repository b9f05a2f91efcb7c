package signal

import (
	"fmt"

	"mmbot/internal/market"
)

type Signal struct {
	Volatility     float64
	FlowPrediction Prediction
	BookPrediction Prediction
	Prediction     Prediction
	Mid            float64
	BestBid        float64
	BestAsk        float64
	Trades         int
	Snapshots      int
}

type Estimator struct {
	WindowSize   int
	ThresholdPct float64
	Decay        float64
}

// Estimate fails with ErrInsufficientData when either the trades or the
// order-book side of the window is empty.
func (e Estimator) Estimate(w market.Window) (Signal, error) {
	trades := w.RecentTrades(e.WindowSize)
	vol, err := ComputeVolatility(trades)
	if err != nil {
		return Signal{}, fmt.Errorf("волатильность: %w", err)
	}

	latest, err := w.Latest()
	if err != nil {
		return Signal{}, fmt.Errorf("%w: %v", ErrInsufficientData, err)
	}
	mid, _ := latest.Mid()
	bid, _ := latest.BestBid()
	ask, _ := latest.BestAsk()

	book, err := PredictFromOrderBook(w.Books, e.ThresholdPct, e.Decay)
	if err != nil {
		return Signal{}, fmt.Errorf("стакан: %w", err)
	}
	flow := PredictFromTradeFlow(w.Trades)

	return Signal{
		Volatility:     vol,
		FlowPrediction: flow,
		BookPrediction: book,
		Prediction:     Combine(flow, book),
		Mid:            mid,
		BestBid:        bid,
		BestAsk:        ask,
		Trades:         len(w.Trades),
		Snapshots:      len(w.Books),
	}, nil
}
