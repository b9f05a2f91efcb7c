package rest

import (
	"context"
	"sort"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"mmbot/internal/models"
)

type tradeRow struct {
	Symbol            string  `json:"symbol"`
	Side              string  `json:"side"`
	ExecutedPrice     float64 `json:"executed_price"`
	ExecutedQuantity  float64 `json:"executed_quantity"`
	ExecutedTimestamp int64   `json:"executed_timestamp"`
}

type tradeRows struct {
	Rows []tradeRow `json:"rows"`
}

// GetRecentTrades returns the latest public prints, oldest first.
func (c *Client) GetRecentTrades(ctx context.Context, symbol string, limit int) ([]models.TradePrint, error) {
	params := map[string]string{"symbol": symbol}
	if limit > 0 {
		params["limit"] = strconv.Itoa(limit)
	}

	data, err := get[tradeRows](ctx, c, "/v1/public/market_trades", params)
	if err != nil {
		return nil, err
	}

	out := make([]models.TradePrint, 0, len(data.Rows))
	for _, row := range data.Rows {
		side, err := parseSide(row.Side)
		if err != nil {
			return nil, err
		}
		out = append(out, models.TradePrint{
			Timestamp: time.UnixMilli(row.ExecutedTimestamp),
			Side:      side,
			Price:     row.ExecutedPrice,
			Qty:       row.ExecutedQuantity,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

type futuresInfo struct {
	Symbol     string  `json:"symbol"`
	IndexPrice float64 `json:"index_price"`
	MarkPrice  float64 `json:"mark_price"`
}

func (c *Client) GetMarkPrice(ctx context.Context, symbol string) (float64, error) {
	data, err := get[futuresInfo](ctx, c, "/v1/public/futures/"+symbol, nil)
	if err != nil {
		return 0, err
	}
	if data.MarkPrice <= 0 {
		return 0, errors.Errorf("Некорректная mark price для %s: %f", symbol, data.MarkPrice)
	}
	return data.MarkPrice, nil
}

// Instrument carries the trading rules of one symbol.
type Instrument struct {
	Symbol      string  `json:"symbol"`
	QuoteTick   float64 `json:"quote_tick"`
	BaseTick    float64 `json:"base_tick"`
	BaseMin     float64 `json:"base_min"`
	MinNotional float64 `json:"min_notional"`
}

// PricePrecision is the number of decimals implied by the quote tick.
func (i Instrument) PricePrecision() int32 {
	if i.QuoteTick <= 0 {
		return 0
	}
	exp := decimal.NewFromFloat(i.QuoteTick).Exponent()
	if exp >= 0 {
		return 0
	}
	return -exp
}

func (c *Client) GetInstrument(ctx context.Context, symbol string) (Instrument, error) {
	data, err := get[Instrument](ctx, c, "/v1/public/info/"+symbol, nil)
	if err != nil {
		return Instrument{}, err
	}
	if data.Symbol == "" {
		return Instrument{}, errors.Errorf("Инструмент не найден: %s", symbol)
	}
	return data, nil
}

func parseSide(s string) (models.OrderSide, error) {
	switch s {
	case "BUY":
		return models.OrderSideBuy, nil
	case "SELL":
		return models.OrderSideSell, nil
	}
	return "", errors.Errorf("Неизвестное направление сделки: %q", s)
}
