// Package risk holds the per-symbol state machine that decides whether an open
// position is held, passively reduced or flattened outright.
package risk

import (
	"context"
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"mmbot/internal/ledger"
	"mmbot/internal/logger"
	"mmbot/internal/models"
)

type State string

const (
	StateFlat             State = "Flat"
	StateNeutral          State = "Neutral"
	StateStandardLoss     State = "StandardLoss"
	StateAggressiveLoss   State = "AggressiveLoss"
	StateStandardProfit   State = "StandardProfit"
	StateAggressiveProfit State = "AggressiveProfit"
)

type Params struct {
	TakeProfitPct  float64
	StopLossPct    float64
	DustNotional   float64
	PricePrecision int32
}

// Decision is what Evaluate wants done with a position. Order is nil when the
// position is held as is.
type Decision struct {
	State    State
	PnLPct   float64
	Notional float64
	Order    *models.Order
}

func (d Decision) Acts() bool {
	return d.Order != nil
}

type Manager struct {
	params Params
	ledger *ledger.Ledger
	log    *logger.Logger
}

func NewManager(p Params, l *ledger.Ledger, log *logger.Logger) *Manager {
	return &Manager{params: p, ledger: l, log: log}
}

// Evaluate is pure: it only looks at the position snapshot passed in.
func (m *Manager) Evaluate(pos models.Position) Decision {
	p := m.params

	if pos.Qty == 0 {
		return Decision{State: StateFlat}
	}

	notional := pos.Notional()
	if pos.AvgEntryPrice <= 0 {
		notional = pos.AbsQty() * pos.MarkPrice
	}
	if notional > 0 && notional < p.DustNotional {
		return Decision{State: StateFlat, Notional: notional}
	}
	if pos.AvgEntryPrice <= 0 || pos.MarkPrice <= 0 {
		return Decision{State: StateNeutral, Notional: notional}
	}

	pnl := pos.PnLPct()
	d := Decision{PnLPct: pnl, Notional: notional}
	qty := pos.AbsQty()
	side := pos.CloseSide()

	var order models.Order
	switch {
	case pnl < 0 && math.Abs(pnl) < p.StopLossPct:
		d.State = StateStandardLoss
		order = models.NewLimitOrder(pos.Symbol, side, m.round(pos.AvgEntryPrice), qty)
	case pnl < 0:
		d.State = StateAggressiveLoss
		order = models.NewMarketOrder(pos.Symbol, side, qty)
	case pnl < p.TakeProfitPct:
		d.State = StateStandardProfit
		typ := models.OrderTypeMarketableAsk
		if side == models.OrderSideBuy {
			typ = models.OrderTypeMarketableBid
		}
		order = models.NewMarketableOrder(pos.Symbol, side, typ, 0, qty)
	default:
		d.State = StateAggressiveProfit
		order = models.NewMarketOrder(pos.Symbol, side, qty)
	}
	order.ReduceOnly = true
	d.Order = &order
	return d
}

// Execute cancels working orders and sends the reducing order of d, if any.
func (m *Manager) Execute(ctx context.Context, d Decision) error {
	if !d.Acts() {
		return nil
	}
	entry := m.log.WithComponent("risk").WithFields(map[string]interface{}{
		"symbol": m.ledger.Symbol(),
		"state":  d.State,
		"pnl":    fmt.Sprintf("%.4f%%", d.PnLPct),
	})

	if err := m.ledger.CancelAll(ctx); err != nil {
		entry.WithError(err).Warn("Отмена перед закрытием не удалась")
	}
	placed, err := m.ledger.Place(ctx, *d.Order)
	if err != nil {
		return fmt.Errorf("Не удалось выставить закрывающий ордер (%s): %w", d.State, err)
	}
	entry.WithField("order_id", placed.ID).Info("Выставлен закрывающий ордер")
	return nil
}

// Flatten cancels everything and closes pos with a reduce-only market order.
func (m *Manager) Flatten(ctx context.Context, pos models.Position) error {
	if err := m.ledger.CancelAll(ctx); err != nil {
		m.log.WithComponent("risk").WithField("symbol", m.ledger.Symbol()).WithError(err).Warn("Отмена при закрытии позиции не удалась")
	}
	if pos.Qty == 0 {
		return nil
	}
	order := models.NewMarketOrder(pos.Symbol, pos.CloseSide(), pos.AbsQty())
	order.ReduceOnly = true
	if _, err := m.ledger.Place(ctx, order); err != nil {
		return fmt.Errorf("Не удалось закрыть позицию %s: %w", pos.Symbol, err)
	}
	return nil
}

func (m *Manager) round(price float64) float64 {
	return decimal.NewFromFloat(price).Round(m.params.PricePrecision).InexactFloat64()
}
