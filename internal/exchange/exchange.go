package exchange

import (
	"context"
	"mmbot/internal/models"
)

type EventType string

const (
	EventTypeOrder     EventType = "Order"
	EventTypeFill      EventType = "Fill"
	EventTypeReconnect EventType = "Reconnect"
)

type Event struct {
	Type  EventType
	Order *models.Order
	Fill  *models.Fill
}

// Symbol returns the symbol the event refers to, or "" for connection events.
func (e Event) Symbol() string {
	switch {
	case e.Fill != nil:
		return e.Fill.Symbol
	case e.Order != nil:
		return e.Order.Symbol
	}
	return ""
}

type MarketData interface {
	GetOrderBook(ctx context.Context, symbol string, maxLevels int) (models.OrderBookSnapshot, error)
	GetRecentTrades(ctx context.Context, symbol string, limit int) ([]models.TradePrint, error)
}

type Client interface {
	MarketData
	GetOpenPosition(ctx context.Context, symbol string) (models.Position, error)
	PlaceOrder(ctx context.Context, order models.Order) (models.Order, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	CancelAllOrders(ctx context.Context, symbol string) error
	CancelBatch(ctx context.Context, symbol string, orderIDs []string) error
	GetOpenOrders(ctx context.Context, symbol string) ([]models.Order, error)
	Subscribe(ctx context.Context) (<-chan Event, error)
}
