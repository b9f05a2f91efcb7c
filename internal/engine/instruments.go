package engine

import (
	"context"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"mmbot/internal/config"
	"mmbot/internal/logger"
)

type InstrumentRules struct {
	PricePrecision int32
	MinNotional    float64
}

type RulesSource interface {
	InstrumentRules(ctx context.Context, symbol string) (InstrumentRules, error)
}

const rulesAttempts = 5

// ApplyInstrumentRules tightens each strategy to the venue's limits: the
// price precision never exceeds the tick and min_notional never drops below
// the venue minimum. Symbols whose rules cannot be fetched keep their config.
func ApplyInstrumentRules(ctx context.Context, src RulesSource, strategies []config.StrategyConfig, log *logger.Logger) ([]config.StrategyConfig, error) {
	out := make([]config.StrategyConfig, len(strategies))
	for i, sc := range strategies {
		entry := log.WithComponent("engine").WithField("symbol", sc.Symbol)

		rules, err := withRetryRules(ctx, src, sc.Symbol, log)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			entry.WithError(err).Warn("Не удалось получить ограничения инструмента, используется конфиг.")
			out[i] = sc
			continue
		}

		if rules.PricePrecision >= 0 && sc.PricePrecision > rules.PricePrecision {
			entry.WithFields(map[string]interface{}{
				"configured": sc.PricePrecision,
				"venue":      rules.PricePrecision,
			}).Warn("price_precision точнее шага цены, используется шаг биржи.")
			sc.PricePrecision = rules.PricePrecision
		}
		if rules.MinNotional > sc.MinNotional {
			sc.MinNotional = rules.MinNotional
		}
		entry.WithFields(map[string]interface{}{
			"price_precision": sc.PricePrecision,
			"min_notional":    sc.MinNotional,
		}).Info("Получены ограничения инструмента.")
		out[i] = sc
	}
	return out, nil
}

func withRetryRules(ctx context.Context, src RulesSource, symbol string, log *logger.Logger) (InstrumentRules, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 30 * time.Second

	var lastErr error
	for i := 0; i < rulesAttempts; i++ {
		rules, err := src.InstrumentRules(ctx, symbol)
		if err == nil {
			return rules, nil
		}
		lastErr = err

		wait := bo.NextBackOff()
		if isRateLimitError(err) {
			wait *= 4
		}
		log.WithComponent("engine").WithField("symbol", symbol).WithError(err).Info("Ошибка. Повторяем запрос.")
		select {
		case <-ctx.Done():
			return InstrumentRules{}, ctx.Err()
		case <-time.After(wait):
		}
	}
	return InstrumentRules{}, lastErr
}

func isRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "429") || strings.Contains(msg, "-1003") || strings.Contains(strings.ToLower(msg), "too many requests")
}
