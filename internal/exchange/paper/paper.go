// Package paper is a simulated venue: orders, fills and positions are kept in
// memory and matched against live market data from another source.
package paper

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"mmbot/internal/exchange"
	"mmbot/internal/logger"
	"mmbot/internal/models"
)

var (
	ErrUnknownOrder       = errors.New("Ордер не найден")
	ErrPostOnlyWouldCross = errors.New("POST_ONLY ордер пересёк бы стакан")
	ErrNoMarketData       = errors.New("Нет рыночных данных")
	ErrReduceOnly         = errors.New("reduce-only ордер не уменьшает позицию")
)

const (
	subscriberBuffer = 256
	bookDepth        = 25
)

type Options struct {
	// FillOnTradeThrough also fills resting orders when a print trades through their price.
	FillOnTradeThrough bool
}

type position struct {
	qty      decimal.Decimal
	avg      decimal.Decimal
	realized decimal.Decimal
}

type Venue struct {
	mu sync.Mutex

	source exchange.MarketData
	opts   Options
	log    *logger.Logger
	now    func() time.Time

	orders    map[string]*models.Order
	positions map[string]*position
	books     map[string]models.OrderBookSnapshot
	subs      map[chan exchange.Event]struct{}
}

var _ exchange.Client = (*Venue)(nil)

func New(source exchange.MarketData, opts Options, log *logger.Logger) *Venue {
	return &Venue{
		source:    source,
		opts:      opts,
		log:       log,
		now:       time.Now,
		orders:    make(map[string]*models.Order),
		positions: make(map[string]*position),
		books:     make(map[string]models.OrderBookSnapshot),
		subs:      make(map[chan exchange.Event]struct{}),
	}
}

// GetOrderBook fetches a fresh book and matches resting orders against it.
func (v *Venue) GetOrderBook(ctx context.Context, symbol string, maxLevels int) (models.OrderBookSnapshot, error) {
	snap, err := v.source.GetOrderBook(ctx, symbol, maxLevels)
	if err != nil {
		return models.OrderBookSnapshot{}, err
	}
	if snap.Validate() == nil {
		v.mu.Lock()
		v.books[symbol] = snap
		events := v.matchBook(symbol, snap)
		v.mu.Unlock()
		v.publish(events)
	}
	return snap, nil
}

func (v *Venue) GetRecentTrades(ctx context.Context, symbol string, limit int) ([]models.TradePrint, error) {
	prints, err := v.source.GetRecentTrades(ctx, symbol, limit)
	if err != nil {
		return nil, err
	}
	if v.opts.FillOnTradeThrough && len(prints) > 0 {
		v.mu.Lock()
		events := v.matchTrades(symbol, prints)
		v.mu.Unlock()
		v.publish(events)
	}
	return prints, nil
}

// MarkPricer is implemented by sources that publish the venue's own mark price.
type MarkPricer interface {
	GetMarkPrice(ctx context.Context, symbol string) (float64, error)
}

// GetOpenPosition refreshes the book first so the mark and any pending
// matches are current; a stale cached book is used if the refresh fails.
// The mark comes from the source when it has one, else from the book mid.
func (v *Venue) GetOpenPosition(ctx context.Context, symbol string) (models.Position, error) {
	if _, err := v.GetOrderBook(ctx, symbol, bookDepth); err != nil {
		v.mu.Lock()
		_, cached := v.books[symbol]
		v.mu.Unlock()
		if !cached {
			return models.Position{}, fmt.Errorf("позиция %s: %w", symbol, err)
		}
	}

	v.mu.Lock()
	pos := models.Position{Symbol: symbol}
	if p, ok := v.positions[symbol]; ok {
		pos.Qty = p.qty.InexactFloat64()
		pos.AvgEntryPrice = p.avg.InexactFloat64()
	}
	mid, hasMid := v.books[symbol].Mid()
	v.mu.Unlock()

	if mp, ok := v.source.(MarkPricer); ok && pos.Qty != 0 {
		if mark, err := mp.GetMarkPrice(ctx, symbol); err == nil {
			pos.MarkPrice = mark
			return pos, nil
		}
	}
	if hasMid {
		pos.MarkPrice = mid
	}
	return pos, nil
}

// RealizedPnL is the quote-currency PnL closed so far on symbol.
func (v *Venue) RealizedPnL(symbol string) float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	if p, ok := v.positions[symbol]; ok {
		return p.realized.InexactFloat64()
	}
	return 0
}

func (v *Venue) PlaceOrder(ctx context.Context, order models.Order) (models.Order, error) {
	if err := order.Validate(); err != nil {
		return models.Order{}, err
	}

	book, err := v.bookFor(ctx, order.Symbol)
	if err != nil {
		return models.Order{}, err
	}

	v.mu.Lock()
	placed, events, err := v.accept(order, book)
	v.mu.Unlock()
	if err != nil {
		return models.Order{}, err
	}
	v.publish(events)
	return placed, nil
}

func (v *Venue) bookFor(ctx context.Context, symbol string) (models.OrderBookSnapshot, error) {
	v.mu.Lock()
	book, ok := v.books[symbol]
	v.mu.Unlock()
	if ok {
		return book, nil
	}
	book, err := v.GetOrderBook(ctx, symbol, bookDepth)
	if err != nil {
		return models.OrderBookSnapshot{}, fmt.Errorf("%w: %v", ErrNoMarketData, err)
	}
	if err := book.Validate(); err != nil {
		return models.OrderBookSnapshot{}, fmt.Errorf("%w: %v", ErrNoMarketData, err)
	}
	return book, nil
}

// accept runs under v.mu.
func (v *Venue) accept(order models.Order, book models.OrderBookSnapshot) (models.Order, []exchange.Event, error) {
	now := v.now()
	order.ID = uuid.NewString()
	order.Status = models.OrderStatusOpen
	order.FilledQty = 0
	order.CreateTime = now
	order.UpdateTime = now

	if order.ReduceOnly {
		qty, ok := v.reducible(order.Symbol, order.Side, order.Qty)
		if !ok {
			return models.Order{}, nil, ErrReduceOnly
		}
		order.Qty = qty
	}

	bestBid, _ := book.BestBid()
	bestAsk, _ := book.BestAsk()

	var limit float64
	switch order.Type {
	case models.OrderTypeMarket:
		touch := bestAsk
		if order.Side == models.OrderSideSell {
			touch = bestBid
		}
		ev := v.fill(&order, touch, order.Qty)
		return order, []exchange.Event{ev}, nil
	case models.OrderTypeMarketableBid:
		limit, _ = book.BidAt(order.Level)
	case models.OrderTypeMarketableAsk:
		limit, _ = book.AskAt(order.Level)
	default:
		limit = order.PriceValue()
	}

	crosses := (order.Side == models.OrderSideBuy && limit >= bestAsk) ||
		(order.Side == models.OrderSideSell && limit <= bestBid)

	if crosses {
		if order.Type == models.OrderTypePostOnly {
			return models.Order{}, nil, fmt.Errorf("%w: %s %f", ErrPostOnlyWouldCross, order.Side, limit)
		}
		touch := bestAsk
		if order.Side == models.OrderSideSell {
			touch = bestBid
		}
		ev := v.fill(&order, touch, order.Qty)
		return order, []exchange.Event{ev}, nil
	}

	// marketable orders rest at the price they were given on acceptance
	order.Price = &limit
	cp := order
	v.orders[order.ID] = &cp
	return order, nil, nil
}

// reducible clamps qty to the open position; false when side would not reduce it.
func (v *Venue) reducible(symbol string, side models.OrderSide, qty float64) (float64, bool) {
	p, ok := v.positions[symbol]
	if !ok || p.qty.IsZero() {
		return 0, false
	}
	held := models.OrderSideBuy
	if p.qty.IsNegative() {
		held = models.OrderSideSell
	}
	if side != held.Opposite() {
		return 0, false
	}
	open := p.qty.Abs().InexactFloat64()
	if qty > open {
		qty = open
	}
	return qty, true
}

// fill executes qty of o at price and updates the position. Runs under v.mu.
func (v *Venue) fill(o *models.Order, price, qty float64) exchange.Event {
	now := v.now()
	o.FilledQty += qty
	o.UpdateTime = now
	if o.RemainingQty() <= 0 {
		o.Status = models.OrderStatusFilled
	} else {
		o.Status = models.OrderStatusPartiallyFilled
	}
	v.applyFill(o.Symbol, o.Side, price, qty)

	v.log.WithOrderID(o.ID).WithFields(map[string]interface{}{
		"symbol": o.Symbol,
		"side":   o.Side,
		"price":  price,
		"qty":    qty,
	}).Debug("Бумажное исполнение")

	return exchange.Event{
		Type: exchange.EventTypeFill,
		Fill: &models.Fill{
			OrderID:   o.ID,
			ClientID:  o.ClientID,
			ExecID:    uuid.NewString(),
			Symbol:    o.Symbol,
			Side:      o.Side,
			Price:     price,
			Qty:       qty,
			Status:    o.Status,
			Timestamp: now,
		},
	}
}

func (v *Venue) applyFill(symbol string, side models.OrderSide, price, qty float64) {
	p, ok := v.positions[symbol]
	if !ok {
		p = &position{}
		v.positions[symbol] = p
	}

	px := decimal.NewFromFloat(price)
	delta := decimal.NewFromFloat(side.Sign() * qty)

	switch {
	case p.qty.IsZero() || p.qty.Sign() == delta.Sign():
		total := p.qty.Abs().Add(delta.Abs())
		p.avg = p.qty.Abs().Mul(p.avg).Add(delta.Abs().Mul(px)).Div(total)
		p.qty = p.qty.Add(delta)
	default:
		closing := decimal.Min(p.qty.Abs(), delta.Abs())
		pnl := px.Sub(p.avg).Mul(closing)
		if p.qty.IsNegative() {
			pnl = pnl.Neg()
		}
		p.realized = p.realized.Add(pnl)

		prevSign := p.qty.Sign()
		p.qty = p.qty.Add(delta)
		switch {
		case p.qty.IsZero():
			p.avg = decimal.Zero
		case p.qty.Sign() != prevSign:
			p.avg = px
		}
	}
}

// matchBook fills resting orders the book has moved through. Runs under v.mu.
func (v *Venue) matchBook(symbol string, book models.OrderBookSnapshot) []exchange.Event {
	bestBid, _ := book.BestBid()
	bestAsk, _ := book.BestAsk()
	return v.match(symbol, func(o *models.Order) bool {
		if o.Side == models.OrderSideBuy {
			return o.PriceValue() >= bestAsk
		}
		return o.PriceValue() <= bestBid
	})
}

func (v *Venue) matchTrades(symbol string, prints []models.TradePrint) []exchange.Event {
	return v.match(symbol, func(o *models.Order) bool {
		for _, t := range prints {
			if t.Timestamp.Before(o.CreateTime) {
				continue
			}
			if o.Side == models.OrderSideBuy && t.Price < o.PriceValue() {
				return true
			}
			if o.Side == models.OrderSideSell && t.Price > o.PriceValue() {
				return true
			}
		}
		return false
	})
}

func (v *Venue) match(symbol string, crossed func(o *models.Order) bool) []exchange.Event {
	var events []exchange.Event
	for _, o := range v.sortedOrders(symbol) {
		if !crossed(o) {
			continue
		}
		qty := o.RemainingQty()
		if o.ReduceOnly {
			var ok bool
			qty, ok = v.reducible(symbol, o.Side, qty)
			if !ok {
				events = append(events, v.cancel(o))
				continue
			}
		}
		events = append(events, v.fill(o, o.PriceValue(), qty))
		if o.ReduceOnly && o.Status != models.OrderStatusFilled {
			events = append(events, v.cancel(o))
			continue
		}
		delete(v.orders, o.ID)
	}
	return events
}

func (v *Venue) sortedOrders(symbol string) []*models.Order {
	var out []*models.Order
	for _, o := range v.orders {
		if o.Symbol == symbol {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreateTime.Before(out[j].CreateTime) })
	return out
}

// cancel runs under v.mu.
func (v *Venue) cancel(o *models.Order) exchange.Event {
	o.Status = models.OrderStatusCanceled
	o.UpdateTime = v.now()
	delete(v.orders, o.ID)
	cp := *o
	return exchange.Event{Type: exchange.EventTypeOrder, Order: &cp}
}

func (v *Venue) CancelOrder(_ context.Context, symbol, orderID string) error {
	v.mu.Lock()
	o, ok := v.orders[orderID]
	if !ok || o.Symbol != symbol {
		v.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownOrder, orderID)
	}
	ev := v.cancel(o)
	v.mu.Unlock()

	v.publish([]exchange.Event{ev})
	return nil
}

func (v *Venue) CancelAllOrders(_ context.Context, symbol string) error {
	v.mu.Lock()
	var events []exchange.Event
	for _, o := range v.sortedOrders(symbol) {
		events = append(events, v.cancel(o))
	}
	v.mu.Unlock()

	v.publish(events)
	return nil
}

// CancelBatch ignores ids that are already gone.
func (v *Venue) CancelBatch(_ context.Context, symbol string, orderIDs []string) error {
	v.mu.Lock()
	var events []exchange.Event
	for _, id := range orderIDs {
		if o, ok := v.orders[id]; ok && o.Symbol == symbol {
			events = append(events, v.cancel(o))
		}
	}
	v.mu.Unlock()

	v.publish(events)
	return nil
}

func (v *Venue) GetOpenOrders(_ context.Context, symbol string) ([]models.Order, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	var out []models.Order
	for _, o := range v.sortedOrders(symbol) {
		out = append(out, *o)
	}
	return out, nil
}

// Subscribe delivers every fill and cancel until ctx is done.
func (v *Venue) Subscribe(ctx context.Context) (<-chan exchange.Event, error) {
	ch := make(chan exchange.Event, subscriberBuffer)

	v.mu.Lock()
	v.subs[ch] = struct{}{}
	v.mu.Unlock()

	go func() {
		<-ctx.Done()
		v.mu.Lock()
		delete(v.subs, ch)
		close(ch)
		v.mu.Unlock()
	}()
	return ch, nil
}

func (v *Venue) publish(events []exchange.Event) {
	if len(events) == 0 {
		return
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	for _, ev := range events {
		for ch := range v.subs {
			select {
			case ch <- ev:
			default:
				v.log.WithComponent("paper").WithField("symbol", ev.Symbol()).Warn("Буфер событий переполнен, событие отброшено")
			}
		}
	}
}

// Relay forwards upstream connection events, such as a market-data
// reconnect, to subscribers until ctx is done or upstream closes.
func (v *Venue) Relay(ctx context.Context, upstream <-chan exchange.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-upstream:
			if !ok {
				return
			}
			v.publish([]exchange.Event{ev})
		}
	}
}
