// Package ledger tracks the orders the bot has working at the venue for one symbol.
package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"mmbot/internal/exchange"
	"mmbot/internal/logger"
	"mmbot/internal/models"
	"mmbot/internal/quote"
)

type Ledger struct {
	mu     sync.Mutex
	symbol string
	client exchange.Client
	log    *logger.Logger
	orders map[string]*models.Order

	// pushes that beat PlaceOrder's return, keyed by venue order id
	early map[string][]earlyEvent
}

type earlyEvent struct {
	ev       exchange.Event
	received time.Time
}

const earlyTTL = 30 * time.Second

func New(symbol string, client exchange.Client, log *logger.Logger) *Ledger {
	return &Ledger{
		symbol: symbol,
		client: client,
		log:    log,
		orders: make(map[string]*models.Order),
		early:  make(map[string][]earlyEvent),
	}
}

func (l *Ledger) logEntry() *logrus.Entry {
	return l.log.WithComponent("ledger").WithField("symbol", l.symbol)
}

// CancelAll asks the venue to drop every open order for the symbol. Safe to
// call with nothing open. On failure the tracked set is left untouched.
func (l *Ledger) CancelAll(ctx context.Context) error {
	if err := l.client.CancelAllOrders(ctx, l.symbol); err != nil {
		return fmt.Errorf("Не удалось отменить ордера %s: %w", l.symbol, err)
	}

	l.mu.Lock()
	n := len(l.orders)
	for id := range l.orders {
		delete(l.orders, id)
	}
	l.mu.Unlock()

	if n > 0 {
		l.logEntry().WithField("count", n).Debug("Ордера отменены")
	}
	return nil
}

// Submit replaces the working ladder: cancel first, then place every level.
// A failed cancel is logged and the placement still goes ahead; a failed
// placement skips that level only.
func (l *Ledger) Submit(ctx context.Context, levels []quote.Level) (int, error) {
	if err := l.CancelAll(ctx); err != nil {
		l.logEntry().WithError(err).Warn("Отмена перед выставлением не удалась")
	}

	placed := 0
	for _, lvl := range levels {
		if err := ctx.Err(); err != nil {
			return placed, err
		}
		order := lvl.Order(l.symbol)
		if _, err := l.Place(ctx, order); err != nil {
			l.logEntry().WithFields(map[string]interface{}{
				"level": lvl.Index,
				"side":  lvl.Side,
				"type":  lvl.Type,
				"price": lvl.PriceValue(),
				"qty":   lvl.Qty,
			}).WithError(err).Warn("Не удалось выставить уровень")
			continue
		}
		placed++
	}
	return placed, nil
}

// Place sends one order with a fresh client id and starts tracking it.
func (l *Ledger) Place(ctx context.Context, order models.Order) (models.Order, error) {
	order.Symbol = l.symbol
	if order.ClientID == "" {
		order.ClientID = uuid.NewString()
	}
	if err := order.Validate(); err != nil {
		return models.Order{}, err
	}

	placed, err := l.client.PlaceOrder(ctx, order)
	if err != nil {
		return models.Order{}, err
	}
	if placed.Status == "" {
		placed.Status = models.OrderStatusOpen
	}

	l.logEntry().WithFields(map[string]interface{}{
		"order_id":    placed.ID,
		"side":        placed.Side,
		"type":        placed.Type,
		"price":       placed.PriceValue(),
		"qty":         placed.Qty,
		"reduce_only": placed.ReduceOnly,
	}).Info("Ордер выставлен")

	if placed.Status.Terminal() {
		return placed, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	cp := placed
	l.orders[placed.ID] = &cp
	for _, e := range l.early[placed.ID] {
		l.apply(&cp, e.ev)
	}
	delete(l.early, placed.ID)
	if cp.Status.Terminal() {
		delete(l.orders, placed.ID)
	}
	return cp, nil
}

// Apply folds a venue push into the tracked set. Events for other symbols
// are ignored; a push for an order not tracked yet is held briefly in case
// its PlaceOrder call has not returned. It reports whether anything changed.
func (l *Ledger) Apply(ev exchange.Event) bool {
	if ev.Symbol() != l.symbol {
		return false
	}

	var id string
	switch {
	case ev.Fill != nil:
		id = ev.Fill.OrderID
	case ev.Order != nil:
		id = ev.Order.ID
	default:
		return false
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	o, ok := l.orders[id]
	if !ok {
		l.holdEarly(id, ev)
		return false
	}
	l.apply(o, ev)
	if o.Status.Terminal() {
		delete(l.orders, o.ID)
	}
	return true
}

// apply runs under l.mu.
func (l *Ledger) apply(o *models.Order, ev exchange.Event) {
	switch {
	case ev.Fill != nil:
		o.FilledQty += ev.Fill.Qty
		o.UpdateTime = ev.Fill.Timestamp
		o.Status = ev.Fill.Status
		if o.Status == "" {
			o.Status = models.OrderStatusPartiallyFilled
			if o.RemainingQty() <= 0 {
				o.Status = models.OrderStatusFilled
			}
		}
	case ev.Order != nil:
		o.Status = ev.Order.Status
		o.FilledQty = ev.Order.FilledQty
		o.UpdateTime = time.Now()
	}
}

// holdEarly runs under l.mu and drops held pushes older than earlyTTL.
func (l *Ledger) holdEarly(id string, ev exchange.Event) {
	if id == "" {
		return
	}
	now := time.Now()
	for k, events := range l.early {
		if now.Sub(events[len(events)-1].received) > earlyTTL {
			delete(l.early, k)
		}
	}
	l.early[id] = append(l.early[id], earlyEvent{ev: ev, received: now})
}

// Reconcile drops tracked orders the venue no longer reports as open.
func (l *Ledger) Reconcile(open []models.Order) int {
	alive := make(map[string]models.Order, len(open))
	for _, o := range open {
		alive[o.ID] = o
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	dropped := 0
	for id, o := range l.orders {
		fresh, ok := alive[id]
		if !ok {
			delete(l.orders, id)
			dropped++
			continue
		}
		o.FilledQty = fresh.FilledQty
		o.Status = fresh.Status
	}
	if dropped > 0 {
		l.logEntry().WithField("dropped", dropped).Debug("Ледджер сверен с биржей")
	}
	return dropped
}

// Sync pulls open orders from the venue and reconciles against them.
func (l *Ledger) Sync(ctx context.Context) error {
	open, err := l.client.GetOpenOrders(ctx, l.symbol)
	if err != nil {
		return fmt.Errorf("Не удалось получить открытые ордера %s: %w", l.symbol, err)
	}
	l.Reconcile(open)
	return nil
}

// Open returns a snapshot of tracked orders sorted by creation time.
func (l *Ledger) Open() []models.Order {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]models.Order, 0, len(l.orders))
	for _, o := range l.orders {
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreateTime.Equal(out[j].CreateTime) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreateTime.Before(out[j].CreateTime)
	})
	return out
}

func (l *Ledger) Symbol() string {
	return l.symbol
}
