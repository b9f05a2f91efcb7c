package models

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrEmptyBook   = errors.New("Пустой стакан")
	ErrCrossedBook = errors.New("Перекрёстный стакан")
)

type PriceLevel struct {
	Price float64 `json:"price"`
	Qty   float64 `json:"quantity"`
}

// OrderBookSnapshot keeps bids sorted by price descending and asks ascending.
type OrderBookSnapshot struct {
	Symbol    string       `json:"symbol"`
	Timestamp time.Time    `json:"timestamp"`
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
}

func (b OrderBookSnapshot) Validate() error {
	if len(b.Bids) == 0 || len(b.Asks) == 0 {
		return ErrEmptyBook
	}
	if b.Bids[0].Price >= b.Asks[0].Price {
		return fmt.Errorf("%w: bid=%f ask=%f", ErrCrossedBook, b.Bids[0].Price, b.Asks[0].Price)
	}
	return nil
}

func (b OrderBookSnapshot) BestBid() (float64, bool) {
	if len(b.Bids) == 0 {
		return 0, false
	}
	return b.Bids[0].Price, true
}

func (b OrderBookSnapshot) BestAsk() (float64, bool) {
	if len(b.Asks) == 0 {
		return 0, false
	}
	return b.Asks[0].Price, true
}

func (b OrderBookSnapshot) Mid() (float64, bool) {
	bid, okBid := b.BestBid()
	ask, okAsk := b.BestAsk()
	if !okBid || !okAsk {
		return 0, false
	}
	return (bid + ask) / 2, true
}

func (b OrderBookSnapshot) BidQty() float64 {
	return sumQty(b.Bids)
}

func (b OrderBookSnapshot) AskQty() float64 {
	return sumQty(b.Asks)
}

// BidAt returns the price of the level-th bid, falling back to the deepest one shown.
func (b OrderBookSnapshot) BidAt(level int) (float64, bool) {
	return priceAt(b.Bids, level)
}

func (b OrderBookSnapshot) AskAt(level int) (float64, bool) {
	return priceAt(b.Asks, level)
}

func priceAt(levels []PriceLevel, level int) (float64, bool) {
	if len(levels) == 0 {
		return 0, false
	}
	if level < 0 {
		level = 0
	}
	if level >= len(levels) {
		level = len(levels) - 1
	}
	return levels[level].Price, true
}

func sumQty(levels []PriceLevel) float64 {
	total := 0.0
	for _, lvl := range levels {
		total += lvl.Qty
	}
	return total
}

type TradePrint struct {
	Timestamp time.Time `json:"timestamp"`
	Side      OrderSide `json:"side"`
	Price     float64   `json:"price"`
	Qty       float64   `json:"qty"`
}

// Key identifies a print across overlapping polls of the recent-trades endpoint.
func (t TradePrint) Key() string {
	return fmt.Sprintf("%d|%s|%g|%g", t.Timestamp.UnixNano(), t.Side, t.Price, t.Qty)
}
