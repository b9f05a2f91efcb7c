package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/panics"

	"mmbot/internal/config"
	"mmbot/internal/exchange"
	"mmbot/internal/ledger"
	"mmbot/internal/logger"
	"mmbot/internal/market"
	"mmbot/internal/models"
	"mmbot/internal/quote"
	"mmbot/internal/risk"
	"mmbot/internal/signal"
)

// Strategy runs the quote / risk cycle of one symbol.
type Strategy struct {
	cfg    config.StrategyConfig
	client exchange.Client
	log    *logger.Logger

	ledger    *ledger.Ledger
	risk      *risk.Manager
	collector *market.Collector
	estimator signal.Estimator
	quoter    *quote.Engine

	// fills nudges the risk loop to check right away instead of waiting for the tick.
	fills chan struct{}

	mu     sync.Mutex
	status Status
}

// Status is the last thing a strategy observed; read by reports.
type Status struct {
	Symbol     string
	CycleID    string
	Cycles     int
	State      risk.State
	PnLPct     float64
	Position   models.Position
	Prediction signal.Prediction
	Volatility float64
	Spread     float64
	Placed     int
	UpdatedAt  time.Time
}

func NewStrategy(cfg config.StrategyConfig, client exchange.Client, log *logger.Logger) *Strategy {
	l := ledger.New(cfg.Symbol, client, log)
	return &Strategy{
		cfg:    cfg,
		client: client,
		log:    log,
		ledger: l,
		risk: risk.NewManager(risk.Params{
			TakeProfitPct:  cfg.TakeProfitPct,
			StopLossPct:    cfg.StopLossPct,
			DustNotional:   cfg.DustNotional,
			PricePrecision: cfg.PricePrecision,
		}, l, log),
		collector: market.NewCollector(client, market.CollectorConfig{
			Duration:      cfg.CollectDuration,
			BookInterval:  cfg.BookInterval,
			TradeInterval: cfg.TradeInterval,
			TradesLimit:   cfg.TradesLimit,
			BookDepth:     cfg.BookDepth,
			TradeCapacity: max(market.DefaultTradeCapacity, cfg.VolatilityWindowSize),
		}, log),
		estimator: signal.Estimator{
			WindowSize:   cfg.VolatilityWindowSize,
			ThresholdPct: cfg.DirectionalThresholdPct,
			Decay:        cfg.BookDecay,
		},
		quoter: quote.NewEngine(quote.Params{
			Gamma:               cfg.Gamma,
			K:                   cfg.K,
			OrderLevels:         cfg.OrderLevels,
			LevelSpacingRatio:   cfg.LevelSpacingRatio,
			PricePrecision:      cfg.PricePrecision,
			BaseOrderQty:        cfg.BaseOrderQty,
			VolatilityThreshold: cfg.VolatilityThreshold,
			MinNotional:         cfg.MinNotional,
		}),
		fills:  make(chan struct{}, 1),
		status: Status{Symbol: cfg.Symbol, State: risk.StateFlat},
	}
}

func (s *Strategy) Symbol() string {
	return s.cfg.Symbol
}

func (s *Strategy) Ledger() *ledger.Ledger {
	return s.ledger
}

func (s *Strategy) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Run repeats cycles until ctx is done. A panic inside a cycle is logged and
// the loop carries on after the usual delay.
func (s *Strategy) Run(ctx context.Context) {
	s.logEntry().Info("Цикл стратегии запущен.")
	defer s.logEntry().Info("Цикл стратегии остановлен.")

	for {
		var pc panics.Catcher
		var err error
		pc.Try(func() { err = s.RunCycle(ctx) })

		if r := pc.Recovered(); r != nil {
			s.logEntry().WithField("stack", string(r.Stack)).Error(fmt.Sprintf("Паника в цикле: %v", r.Value))
		} else if err != nil && !errors.Is(err, context.Canceled) {
			s.logEntry().WithError(err).Warn("Цикл завершился с ошибкой.")
		}

		if !sleep(ctx, s.cfg.CycleDelay) {
			return
		}
	}
}

// RunCycle quotes when flat, then watches the position until the trade
// period elapses or an opened position is closed again.
func (s *Strategy) RunCycle(ctx context.Context) error {
	cycleID := uuid.NewString()[:8]
	entry := s.logEntry().WithField("cycle", cycleID)
	s.update(func(st *Status) {
		st.CycleID = cycleID
		st.Cycles++
	})

	if err := s.ledger.CancelAll(ctx); err != nil {
		entry.WithError(err).Warn("Не удалось отменить ордера перед циклом.")
	}

	pos, err := s.client.GetOpenPosition(ctx, s.cfg.Symbol)
	if err != nil {
		return fmt.Errorf("Не удалось получить позицию: %w", err)
	}
	decision := s.risk.Evaluate(pos)
	s.observe(pos, decision)

	if decision.State == risk.StateFlat {
		if err := s.quote(ctx, pos); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			entry.WithError(err).Warn("Котирование пропущено.")
		}
	} else {
		entry.WithFields(map[string]interface{}{
			"qty":   pos.Qty,
			"state": decision.State,
		}).Info("Позиция открыта, котирование пропущено.")
	}

	return s.riskLoop(ctx, decision.State != risk.StateFlat)
}

func (s *Strategy) quote(ctx context.Context, pos models.Position) error {
	w, err := s.collector.Collect(ctx, s.cfg.Symbol)
	if err != nil {
		return err
	}
	sig, err := s.estimator.Estimate(w)
	if err != nil {
		return err
	}

	q := s.quoter.Build(quote.Input{Signal: sig, Inventory: pos.Qty})
	placed, err := s.ledger.Submit(ctx, q.Levels)

	s.update(func(st *Status) {
		st.Prediction = sig.Prediction
		st.Volatility = sig.Volatility
		st.Spread = q.Spread
		st.Placed = placed
	})
	s.logEntry().WithFields(map[string]interface{}{
		"volatility": sig.Volatility,
		"prediction": sig.Prediction,
		"flow":       sig.FlowPrediction,
		"book":       sig.BookPrediction,
		"mid":        sig.Mid,
		"skewed_mid": q.SkewedMid,
		"spread":     q.Spread,
		"levels":     len(q.Levels),
		"placed":     placed,
	}).Info("Лестница выставлена.")
	return err
}

func (s *Strategy) riskLoop(ctx context.Context, wasOpen bool) error {
	ticker := time.NewTicker(s.cfg.RiskInterval)
	defer ticker.Stop()
	period := time.NewTimer(s.cfg.TradePeriod)
	defer period.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-period.C:
			s.logEntry().Debug("Торговый период истёк.")
			return nil
		case <-ticker.C:
		case <-s.fills:
		}

		pos, err := s.client.GetOpenPosition(ctx, s.cfg.Symbol)
		if err != nil {
			s.logEntry().WithError(err).Warn("Не удалось получить позицию, проверка риска пропущена.")
			continue
		}
		d := s.risk.Evaluate(pos)
		s.observe(pos, d)

		if d.State == risk.StateFlat {
			if wasOpen {
				if err := s.ledger.CancelAll(ctx); err != nil {
					s.logEntry().WithError(err).Warn("Не удалось отменить остаточные ордера.")
				}
				s.logEntry().Info("Позиция закрыта, новый цикл.")
				return nil
			}
			continue
		}
		wasOpen = true

		if err := s.risk.Execute(ctx, d); err != nil {
			s.logEntry().WithError(err).Warn("Действие риск-менеджера не выполнено.")
		}
	}
}

// Flatten cancels every order and closes whatever position is open.
func (s *Strategy) Flatten(ctx context.Context) error {
	pos, err := s.client.GetOpenPosition(ctx, s.cfg.Symbol)
	if err != nil {
		if cerr := s.ledger.CancelAll(ctx); cerr != nil {
			s.logEntry().WithError(cerr).Warn("Не удалось отменить ордера.")
		}
		return fmt.Errorf("Не удалось получить позицию: %w", err)
	}
	if err := s.risk.Flatten(ctx, pos); err != nil {
		return err
	}
	if pos.Qty != 0 {
		s.logEntry().WithField("qty", pos.Qty).Info("Позиция закрыта рыночным ордером.")
	}
	return nil
}

// notifyFill wakes the risk loop without blocking the event dispatcher.
func (s *Strategy) notifyFill() {
	select {
	case s.fills <- struct{}{}:
	default:
	}
}

func (s *Strategy) observe(pos models.Position, d risk.Decision) {
	s.update(func(st *Status) {
		st.Position = pos
		st.State = d.State
		st.PnLPct = d.PnLPct
	})
}

func (s *Strategy) update(fn func(st *Status)) {
	s.mu.Lock()
	fn(&s.status)
	s.status.UpdatedAt = time.Now()
	s.mu.Unlock()
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
