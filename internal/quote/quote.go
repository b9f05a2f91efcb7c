// Package quote computes the skewed fair price and the bid/ask ladder for one
// quoting cycle.
package quote

import (
	"math"

	"github.com/shopspring/decimal"

	"mmbot/internal/models"
	"mmbot/internal/signal"
)

// Horizon is T-t with T=1, t=0: every cycle is a single-shot application.
const Horizon = 1.0

const (
	nearSideFactor  = 0.5
	farSideFactor   = 1.5
	volatileSpacing = 1.3
)

// OptimalSpread = gamma*sigma^2*(T-t) + (2/gamma)*ln(1+gamma/k).
func OptimalSpread(volatility, gamma, k, horizon float64) float64 {
	variance := volatility * volatility
	return gamma*variance*horizon + (2/gamma)*math.Log(1+gamma/k)
}

// SkewedMid shifts the reference mid against the inventory: long pushes it
// down, short pushes it up.
func SkewedMid(mid, inventory, volatility, gamma, horizon float64) float64 {
	return mid - inventory*gamma*volatility*volatility*horizon
}

type Level struct {
	Index int
	Side  models.OrderSide
	Type  models.OrderType
	Price *float64
	// Depth is the book level a marketable order prices at.
	Depth int
	Qty   float64
}

func (l Level) PriceValue() float64 {
	if l.Price == nil {
		return 0
	}
	return *l.Price
}

// Order converts the level into a venue order for symbol.
func (l Level) Order(symbol string) models.Order {
	switch l.Type {
	case models.OrderTypeLimit:
		return models.NewLimitOrder(symbol, l.Side, l.PriceValue(), l.Qty)
	case models.OrderTypePostOnly:
		return models.NewPostOnlyOrder(symbol, l.Side, l.PriceValue(), l.Qty)
	case models.OrderTypeMarket:
		return models.NewMarketOrder(symbol, l.Side, l.Qty)
	default:
		return models.NewMarketableOrder(symbol, l.Side, l.Type, l.Depth, l.Qty)
	}
}

type Params struct {
	Gamma               float64
	K                   float64
	OrderLevels         int
	LevelSpacingRatio   float64
	PricePrecision      int32
	BaseOrderQty        float64
	VolatilityThreshold float64
	MinNotional         float64
}

type Input struct {
	Signal    signal.Signal
	Inventory float64
}

type Engine struct {
	params Params
}

func NewEngine(p Params) *Engine {
	return &Engine{params: p}
}

// Quote is the full output of Build; Levels is ordered by index, bids before asks.
type Quote struct {
	Spread    float64
	SkewedMid float64
	Spacing   float64
	Levels    []Level
}

// Build is pure: the same input always yields the same ladder.
func (e *Engine) Build(in Input) Quote {
	p := e.params
	sig := in.Signal

	spread := OptimalSpread(sig.Volatility, p.Gamma, p.K, Horizon)
	center := SkewedMid(sig.Mid, in.Inventory, sig.Volatility, p.Gamma, Horizon)

	spacing := p.LevelSpacingRatio
	if p.VolatilityThreshold > 0 && sig.Volatility > p.VolatilityThreshold {
		spacing *= volatileSpacing
	}
	bidFactor, askFactor := inventoryFactors(in.Inventory)

	q := Quote{Spread: spread, SkewedMid: center, Spacing: spacing}
	q.Levels = append(q.Levels, e.levelZero(sig, center)...)

	for lvl := 1; lvl <= p.OrderLevels; lvl++ {
		base := spread / 2 * float64(lvl) * spacing
		bid := e.round(center - base*bidFactor)
		ask := e.round(center + base*askFactor)

		if bid > 0 && bid*p.BaseOrderQty >= p.MinNotional {
			q.Levels = append(q.Levels, Level{Index: lvl, Side: models.OrderSideBuy, Type: models.OrderTypePostOnly, Price: &bid, Qty: p.BaseOrderQty})
		}
		if ask*p.BaseOrderQty >= p.MinNotional {
			q.Levels = append(q.Levels, Level{Index: lvl, Side: models.OrderSideSell, Type: models.OrderTypePostOnly, Price: &ask, Qty: p.BaseOrderQty})
		}
	}
	return q
}

func (e *Engine) levelZero(sig signal.Signal, center float64) []Level {
	p := e.params
	price := e.round(center)
	bidOK := sig.BestBid*p.BaseOrderQty >= p.MinNotional
	askOK := sig.BestAsk*p.BaseOrderQty >= p.MinNotional
	limitOK := price > 0 && price*p.BaseOrderQty >= p.MinNotional

	var out []Level
	switch sig.Prediction {
	case signal.PredictionUp:
		if limitOK {
			out = append(out, Level{Side: models.OrderSideBuy, Type: models.OrderTypeLimit, Price: &price, Qty: p.BaseOrderQty})
		}
		if bidOK {
			out = append(out, Level{Side: models.OrderSideBuy, Type: models.OrderTypeMarketableBid, Qty: p.BaseOrderQty})
		}
	case signal.PredictionDown:
		if limitOK {
			out = append(out, Level{Side: models.OrderSideSell, Type: models.OrderTypeLimit, Price: &price, Qty: p.BaseOrderQty})
		}
		if askOK {
			out = append(out, Level{Side: models.OrderSideSell, Type: models.OrderTypeMarketableAsk, Qty: p.BaseOrderQty})
		}
	default:
		if bidOK {
			out = append(out, Level{Side: models.OrderSideBuy, Type: models.OrderTypeMarketableBid, Qty: p.BaseOrderQty})
		}
		if askOK {
			out = append(out, Level{Side: models.OrderSideSell, Type: models.OrderTypeMarketableAsk, Qty: p.BaseOrderQty})
		}
	}
	return out
}

func (e *Engine) round(price float64) float64 {
	return decimal.NewFromFloat(price).Round(e.params.PricePrecision).InexactFloat64()
}

// inventoryFactors pulls the reducing side of the ladder closer to the mid and
// pushes the side that would grow the position further away.
func inventoryFactors(inventory float64) (bid, ask float64) {
	switch {
	case inventory > 0:
		return farSideFactor, nearSideFactor
	case inventory < 0:
		return nearSideFactor, farSideFactor
	default:
		return 1, 1
	}
}
