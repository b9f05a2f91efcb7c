// Package signal turns a collected window of trades and order-book snapshots
// into a volatility estimate and a directional prediction.
package signal

import (
	"errors"
	"math"

	"mmbot/internal/models"
)

type Prediction string

const (
	PredictionUp     Prediction = "UP"
	PredictionDown   Prediction = "DOWN"
	PredictionStable Prediction = "STABLE"
)

var ErrInsufficientData = errors.New("Недостаточно рыночных данных")

// ComputeVolatility is the population standard deviation of execution prices.
func ComputeVolatility(trades []models.TradePrint) (float64, error) {
	if len(trades) == 0 {
		return 0, ErrInsufficientData
	}

	mean := 0.0
	for _, t := range trades {
		mean += t.Price
	}
	mean /= float64(len(trades))

	variance := 0.0
	for _, t := range trades {
		d := t.Price - mean
		variance += d * d
	}
	variance /= float64(len(trades))

	return math.Sqrt(variance), nil
}

// PredictFromOrderBook weights every snapshot by decay^age, age 0 being the
// most recent one, and compares the resulting bid and ask quantity shares
// against thresholdPct.
func PredictFromOrderBook(snapshots []models.OrderBookSnapshot, thresholdPct, decay float64) (Prediction, error) {
	if len(snapshots) == 0 {
		return PredictionStable, ErrInsufficientData
	}

	var bidQty, askQty float64
	for i, snap := range snapshots {
		age := len(snapshots) - 1 - i
		weight := math.Pow(decay, float64(age))
		bidQty += snap.BidQty() * weight
		askQty += snap.AskQty() * weight
	}

	total := bidQty + askQty
	if total <= 0 {
		return PredictionStable, ErrInsufficientData
	}

	bidShare := bidQty / total * 100
	askShare := askQty / total * 100

	switch {
	case bidShare > thresholdPct:
		return PredictionUp, nil
	case askShare > thresholdPct:
		return PredictionDown, nil
	default:
		return PredictionStable, nil
	}
}

// PredictFromTradeFlow needs both sides of the flow; with one side silent the
// average price comparison is undefined and the result is STABLE.
func PredictFromTradeFlow(trades []models.TradePrint) Prediction {
	var buyVol, sellVol, buyValue, sellValue float64
	for _, t := range trades {
		switch t.Side {
		case models.OrderSideBuy:
			buyVol += t.Qty
			buyValue += t.Price * t.Qty
		case models.OrderSideSell:
			sellVol += t.Qty
			sellValue += t.Price * t.Qty
		}
	}
	if buyVol == 0 || sellVol == 0 {
		return PredictionStable
	}

	avgBuy := buyValue / buyVol
	avgSell := sellValue / sellVol

	switch {
	case buyVol > sellVol && avgBuy > avgSell:
		return PredictionUp
	case sellVol > buyVol && avgSell > avgBuy:
		return PredictionDown
	default:
		return PredictionStable
	}
}

// Combine lets trade flow lead. An outright UP/DOWN conflict resolves to STABLE.
func Combine(flow, book Prediction) Prediction {
	switch flow {
	case PredictionUp:
		if book == PredictionDown {
			return PredictionStable
		}
		return PredictionUp
	case PredictionDown:
		if book == PredictionUp {
			return PredictionStable
		}
		return PredictionDown
	default:
		return book
	}
}
