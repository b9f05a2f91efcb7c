// Package orderly combines Orderly's public stream and REST endpoints into a
// single market-data source.
package orderly

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mmbot/internal/exchange"
	"mmbot/internal/models"
)

var ErrNoBook = errors.New("Стакан ещё не получен")

const staleAfter = 30 * time.Second

type stream interface {
	Book(symbol string) (models.OrderBookSnapshot, bool)
	Trades(symbol string, limit int) []models.TradePrint
}

type restSource interface {
	GetRecentTrades(ctx context.Context, symbol string, limit int) ([]models.TradePrint, error)
	GetMarkPrice(ctx context.Context, symbol string) (float64, error)
}

// Market serves books from the stream, since Orderly has no public REST
// book, and trades from the stream with REST as fallback.
type Market struct {
	stream stream
	rest   restSource
	now    func() time.Time
}

var _ exchange.MarketData = (*Market)(nil)

func NewMarket(s stream, r restSource) *Market {
	return &Market{stream: s, rest: r, now: time.Now}
}

func (m *Market) GetOrderBook(ctx context.Context, symbol string, maxLevels int) (models.OrderBookSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return models.OrderBookSnapshot{}, err
	}
	snap, ok := m.stream.Book(symbol)
	if !ok {
		return models.OrderBookSnapshot{}, fmt.Errorf("%w: %s", ErrNoBook, symbol)
	}
	if age := m.now().Sub(snap.Timestamp); age > staleAfter {
		return models.OrderBookSnapshot{}, fmt.Errorf("Стакан %s устарел на %s", symbol, age.Round(time.Second))
	}
	if maxLevels > 0 {
		if len(snap.Bids) > maxLevels {
			snap.Bids = snap.Bids[:maxLevels]
		}
		if len(snap.Asks) > maxLevels {
			snap.Asks = snap.Asks[:maxLevels]
		}
	}
	return snap, nil
}

func (m *Market) GetRecentTrades(ctx context.Context, symbol string, limit int) ([]models.TradePrint, error) {
	if trades := m.stream.Trades(symbol, limit); len(trades) > 0 {
		return trades, nil
	}
	return m.rest.GetRecentTrades(ctx, symbol, limit)
}

func (m *Market) GetMarkPrice(ctx context.Context, symbol string) (float64, error) {
	return m.rest.GetMarkPrice(ctx, symbol)
}
