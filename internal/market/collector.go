package market

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mmbot/internal/exchange"
	"mmbot/internal/logger"
	"mmbot/internal/models"
)

type CollectorConfig struct {
	Duration      time.Duration
	BookInterval  time.Duration
	TradeInterval time.Duration
	TradesLimit   int
	BookDepth     int
	TradeCapacity int
}

type Collector struct {
	source exchange.MarketData
	cfg    CollectorConfig
	log    *logger.Logger
	now    func() time.Time
}

func NewCollector(source exchange.MarketData, cfg CollectorConfig, log *logger.Logger) *Collector {
	return &Collector{source: source, cfg: cfg, log: log, now: time.Now}
}

// Collect polls books and trades for the configured duration and returns a
// fresh window. The first transport error aborts the run.
func (c *Collector) Collect(ctx context.Context, symbol string) (Window, error) {
	start := c.now()
	bookCap := int(c.cfg.Duration/c.cfg.BookInterval) + 1
	cache := NewCache(symbol, start, c.cfg.TradeCapacity, bookCap)
	entry := c.log.WithComponent("collector").WithField("symbol", symbol)

	if err := c.pollBook(ctx, cache, symbol); err != nil {
		return Window{}, err
	}
	if err := c.pollTrades(ctx, cache, symbol); err != nil {
		return Window{}, err
	}

	deadline := time.NewTimer(c.cfg.Duration)
	defer deadline.Stop()
	bookTicker := time.NewTicker(c.cfg.BookInterval)
	defer bookTicker.Stop()
	tradeTicker := time.NewTicker(c.cfg.TradeInterval)
	defer tradeTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return Window{}, ctx.Err()
		case <-deadline.C:
			if err := c.pollTrades(ctx, cache, symbol); err != nil {
				return Window{}, err
			}
			w := cache.Window(c.now())
			entry.WithFields(map[string]interface{}{
				"trades": len(w.Trades),
				"books":  len(w.Books),
			}).Debug("Сбор рыночных данных завершён")
			return w, nil
		case <-bookTicker.C:
			if err := c.pollBook(ctx, cache, symbol); err != nil {
				return Window{}, err
			}
		case <-tradeTicker.C:
			if err := c.pollTrades(ctx, cache, symbol); err != nil {
				return Window{}, err
			}
		}
	}
}

func (c *Collector) pollBook(ctx context.Context, cache *Cache, symbol string) error {
	snap, err := c.source.GetOrderBook(ctx, symbol, c.cfg.BookDepth)
	if err != nil {
		return fmt.Errorf("Не удалось получить стакан %s: %w", symbol, err)
	}
	if err := cache.AddBook(snap); err != nil {
		// a crossed or one-sided book is skipped, the run goes on
		if errors.Is(err, models.ErrCrossedBook) || errors.Is(err, models.ErrEmptyBook) {
			c.log.WithComponent("collector").WithField("symbol", symbol).WithError(err).Debug("Снимок стакана отброшен")
			return nil
		}
		return err
	}
	return nil
}

func (c *Collector) pollTrades(ctx context.Context, cache *Cache, symbol string) error {
	prints, err := c.source.GetRecentTrades(ctx, symbol, c.cfg.TradesLimit)
	if err != nil {
		return fmt.Errorf("Не удалось получить сделки %s: %w", symbol, err)
	}
	cache.AddTrades(prints)
	return nil
}
