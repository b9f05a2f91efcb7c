package models

import (
	"errors"
	"fmt"
	"time"
)

type OrderSide string
type OrderType string
type OrderStatus string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"

	OrderTypeLimit         OrderType = "LIMIT"
	OrderTypePostOnly      OrderType = "POST_ONLY"
	OrderTypeMarket        OrderType = "MARKET"
	OrderTypeMarketableBid OrderType = "MARKETABLE_BID"
	OrderTypeMarketableAsk OrderType = "MARKETABLE_ASK"

	OrderStatusOpen            OrderStatus = "OPEN"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCanceled        OrderStatus = "CANCELED"
	OrderStatusRejected        OrderStatus = "REJECTED"
)

// MaxMarketableLevel is the deepest book level a marketable order may reference.
const MaxMarketableLevel = 4

var ErrInvalidOrder = errors.New("Некорректный ордер")

func (s OrderSide) Opposite() OrderSide {
	if s == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}

// Sign is +1 for BUY and -1 for SELL.
func (s OrderSide) Sign() float64 {
	if s == OrderSideBuy {
		return 1
	}
	return -1
}

// Priced reports whether orders of this type carry an explicit limit price.
func (t OrderType) Priced() bool {
	return t == OrderTypeLimit || t == OrderTypePostOnly
}

func (t OrderType) Marketable() bool {
	return t == OrderTypeMarketableBid || t == OrderTypeMarketableAsk
}

func (st OrderStatus) Terminal() bool {
	return st == OrderStatusFilled || st == OrderStatusCanceled || st == OrderStatusRejected
}

type Order struct {
	ID         string      `json:"id"`
	ClientID   string      `json:"client_id"`
	Symbol     string      `json:"symbol"`
	Side       OrderSide   `json:"side"`
	Type       OrderType   `json:"type"`
	Price      *float64    `json:"price,omitempty"`
	Level      int         `json:"level"`
	Qty        float64     `json:"qty"`
	FilledQty  float64     `json:"filled_qty"`
	ReduceOnly bool        `json:"reduce_only"`
	Status     OrderStatus `json:"status"`
	CreateTime time.Time   `json:"create_time"`
	UpdateTime time.Time   `json:"update_time"`
}

func NewLimitOrder(symbol string, side OrderSide, price, qty float64) Order {
	return Order{Symbol: symbol, Side: side, Type: OrderTypeLimit, Price: &price, Qty: qty}
}

func NewPostOnlyOrder(symbol string, side OrderSide, price, qty float64) Order {
	return Order{Symbol: symbol, Side: side, Type: OrderTypePostOnly, Price: &price, Qty: qty}
}

func NewMarketOrder(symbol string, side OrderSide, qty float64) Order {
	return Order{Symbol: symbol, Side: side, Type: OrderTypeMarket, Qty: qty}
}

// NewMarketableOrder prices the order at the venue's best bid (MARKETABLE_BID)
// or best ask (MARKETABLE_ASK) at acceptance time; level selects a deeper price.
func NewMarketableOrder(symbol string, side OrderSide, typ OrderType, level int, qty float64) Order {
	return Order{Symbol: symbol, Side: side, Type: typ, Level: level, Qty: qty}
}

func (o Order) PriceValue() float64 {
	if o.Price == nil {
		return 0
	}
	return *o.Price
}

func (o Order) RemainingQty() float64 {
	left := o.Qty - o.FilledQty
	if left < 0 {
		return 0
	}
	return left
}

func (o Order) Validate() error {
	if o.Symbol == "" {
		return fmt.Errorf("%w: пустой символ", ErrInvalidOrder)
	}
	if o.Side != OrderSideBuy && o.Side != OrderSideSell {
		return fmt.Errorf("%w: некорректное направление %q", ErrInvalidOrder, o.Side)
	}
	if o.Qty <= 0 {
		return fmt.Errorf("%w: объём должен быть положительным: %f", ErrInvalidOrder, o.Qty)
	}
	switch {
	case o.Type.Priced():
		if o.Price == nil || *o.Price <= 0 {
			return fmt.Errorf("%w: для %s нужна цена", ErrInvalidOrder, o.Type)
		}
	case o.Type == OrderTypeMarket || o.Type.Marketable():
		if o.Price != nil {
			return fmt.Errorf("%w: у %s не бывает цены", ErrInvalidOrder, o.Type)
		}
		if o.Type.Marketable() && (o.Level < 0 || o.Level > MaxMarketableLevel) {
			return fmt.Errorf("%w: уровень %d вне диапазона 0-%d", ErrInvalidOrder, o.Level, MaxMarketableLevel)
		}
	default:
		return fmt.Errorf("%w: неизвестный тип %q", ErrInvalidOrder, o.Type)
	}
	return nil
}

type Fill struct {
	OrderID   string      `json:"order_id"`
	ClientID  string      `json:"client_id"`
	ExecID    string      `json:"exec_id"`
	Symbol    string      `json:"symbol"`
	Side      OrderSide   `json:"side"`
	Price     float64     `json:"price"`
	Qty       float64     `json:"qty"`
	Status    OrderStatus `json:"status"`
	Timestamp time.Time   `json:"timestamp"`
}

type Position struct {
	Symbol        string  `json:"symbol"`
	Qty           float64 `json:"qty"`
	AvgEntryPrice float64 `json:"avg_entry_price"`
	MarkPrice     float64 `json:"mark_price"`
}

// Notional is the unsigned entry value of the position.
func (p Position) Notional() float64 {
	n := p.Qty * p.AvgEntryPrice
	if n < 0 {
		return -n
	}
	return n
}

func (p Position) AbsQty() float64 {
	if p.Qty < 0 {
		return -p.Qty
	}
	return p.Qty
}

// PnLPct is positive for a profitable position regardless of side.
func (p Position) PnLPct() float64 {
	if p.Qty == 0 || p.AvgEntryPrice == 0 {
		return 0
	}
	pct := (p.MarkPrice - p.AvgEntryPrice) / p.AvgEntryPrice * 100
	if p.Qty < 0 {
		return -pct
	}
	return pct
}

// CloseSide is the side of an order that reduces the position.
func (p Position) CloseSide() OrderSide {
	if p.Qty < 0 {
		return OrderSideBuy
	}
	return OrderSideSell
}
