package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mmbot/internal/exchange"
	"mmbot/internal/logger"
	"mmbot/internal/models"
	"mmbot/internal/quote"
)

type fakeClient struct {
	mu         sync.Mutex
	seq        int
	placed     []models.Order
	cancelAlls int
	cancelErr  error
	rejectType models.OrderType
	open       []models.Order
	// onPlace runs before PlaceOrder returns, like a push racing the response
	onPlace func(models.Order)
}

func (f *fakeClient) GetOrderBook(context.Context, string, int) (models.OrderBookSnapshot, error) {
	return models.OrderBookSnapshot{}, nil
}

func (f *fakeClient) GetRecentTrades(context.Context, string, int) ([]models.TradePrint, error) {
	return nil, nil
}

func (f *fakeClient) GetOpenPosition(_ context.Context, symbol string) (models.Position, error) {
	return models.Position{Symbol: symbol}, nil
}

func (f *fakeClient) PlaceOrder(_ context.Context, o models.Order) (models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if o.Type == f.rejectType {
		return models.Order{}, errors.New("rejected by venue")
	}
	f.seq++
	o.ID = fmt.Sprintf("ord-%d", f.seq)
	o.Status = models.OrderStatusOpen
	f.placed = append(f.placed, o)
	if f.onPlace != nil {
		f.onPlace(o)
	}
	return o, nil
}

func (f *fakeClient) CancelOrder(context.Context, string, string) error { return nil }

func (f *fakeClient) CancelAllOrders(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelAlls++
	return f.cancelErr
}

func (f *fakeClient) CancelBatch(context.Context, string, []string) error { return nil }

func (f *fakeClient) GetOpenOrders(context.Context, string) ([]models.Order, error) {
	return f.open, nil
}

func (f *fakeClient) Subscribe(context.Context) (<-chan exchange.Event, error) {
	return make(chan exchange.Event), nil
}

const symbol = "PERP_LINK_USDC"

func ladder() []quote.Level {
	bid, ask := 14.95, 15.05
	return []quote.Level{
		{Index: 0, Side: models.OrderSideBuy, Type: models.OrderTypeMarketableBid, Qty: 1},
		{Index: 1, Side: models.OrderSideBuy, Type: models.OrderTypePostOnly, Price: &bid, Qty: 1},
		{Index: 1, Side: models.OrderSideSell, Type: models.OrderTypePostOnly, Price: &ask, Qty: 1},
	}
}

func TestCancelAllIsIdempotent(t *testing.T) {
	client := &fakeClient{}
	l := New(symbol, client, logger.Discard())

	require.NoError(t, l.CancelAll(context.Background()))
	require.NoError(t, l.CancelAll(context.Background()))
	assert.Equal(t, 2, client.cancelAlls)
	assert.Empty(t, l.Open())
}

func TestCancelAllFailureKeepsTrackedOrders(t *testing.T) {
	client := &fakeClient{}
	l := New(symbol, client, logger.Discard())
	_, err := l.Submit(context.Background(), ladder())
	require.NoError(t, err)

	client.cancelErr = errors.New("timeout")
	require.Error(t, l.CancelAll(context.Background()))
	assert.Len(t, l.Open(), 3)
}

func TestSubmitCancelsThenPlaces(t *testing.T) {
	client := &fakeClient{cancelErr: errors.New("timeout")}
	l := New(symbol, client, logger.Discard())

	n, err := l.Submit(context.Background(), ladder())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 1, client.cancelAlls)

	for _, o := range client.placed {
		assert.NotEmpty(t, o.ClientID)
		assert.Equal(t, symbol, o.Symbol)
	}
	assert.Nil(t, client.placed[0].Price)
	assert.Len(t, l.Open(), 3)
}

func TestSubmitSkipsRejectedLevels(t *testing.T) {
	client := &fakeClient{rejectType: models.OrderTypeMarketableBid}
	l := New(symbol, client, logger.Discard())

	n, err := l.Submit(context.Background(), ladder())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestApplyFillsAndCancels(t *testing.T) {
	client := &fakeClient{}
	l := New(symbol, client, logger.Discard())
	_, err := l.Submit(context.Background(), ladder())
	require.NoError(t, err)

	partial := &models.Fill{OrderID: "ord-1", Symbol: symbol, Qty: 0.4, Status: models.OrderStatusPartiallyFilled}
	assert.True(t, l.Apply(exchange.Event{Type: exchange.EventTypeFill, Fill: partial}))
	open := l.Open()
	require.Len(t, open, 3)

	full := &models.Fill{OrderID: "ord-1", Symbol: symbol, Qty: 0.6, Status: models.OrderStatusFilled}
	assert.True(t, l.Apply(exchange.Event{Type: exchange.EventTypeFill, Fill: full}))
	assert.Len(t, l.Open(), 2)

	canceled := &models.Order{ID: "ord-2", Symbol: symbol, Status: models.OrderStatusCanceled}
	assert.True(t, l.Apply(exchange.Event{Type: exchange.EventTypeOrder, Order: canceled}))
	assert.Len(t, l.Open(), 1)

	other := &models.Fill{OrderID: "ord-3", Symbol: "PERP_ETH_USDC", Qty: 1}
	assert.False(t, l.Apply(exchange.Event{Type: exchange.EventTypeFill, Fill: other}))
	assert.False(t, l.Apply(exchange.Event{Type: exchange.EventTypeReconnect}))
}

func TestPushBeforePlaceReturns(t *testing.T) {
	client := &fakeClient{}
	l := New(symbol, client, logger.Discard())
	ctx := context.Background()

	client.onPlace = func(o models.Order) {
		fill := &models.Fill{OrderID: o.ID, Symbol: symbol, Qty: o.Qty, Status: models.OrderStatusFilled}
		assert.False(t, l.Apply(exchange.Event{Type: exchange.EventTypeFill, Fill: fill}))
	}
	placed, err := l.Place(ctx, models.NewLimitOrder(symbol, models.OrderSideBuy, 15, 1))
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusFilled, placed.Status)
	assert.Empty(t, l.Open())

	client.onPlace = func(o models.Order) {
		fill := &models.Fill{OrderID: o.ID, Symbol: symbol, Qty: 0.4, Status: models.OrderStatusPartiallyFilled}
		l.Apply(exchange.Event{Type: exchange.EventTypeFill, Fill: fill})
	}
	_, err = l.Place(ctx, models.NewLimitOrder(symbol, models.OrderSideBuy, 15, 1))
	require.NoError(t, err)
	open := l.Open()
	require.Len(t, open, 1)
	assert.InDelta(t, 0.4, open[0].FilledQty, 1e-12)
	assert.Equal(t, models.OrderStatusPartiallyFilled, open[0].Status)
}

func TestReconcileTrustsVenue(t *testing.T) {
	client := &fakeClient{}
	l := New(symbol, client, logger.Discard())
	_, err := l.Submit(context.Background(), ladder())
	require.NoError(t, err)

	client.open = []models.Order{{ID: "ord-2", Symbol: symbol, Status: models.OrderStatusPartiallyFilled, FilledQty: 0.5}}
	require.NoError(t, l.Sync(context.Background()))

	open := l.Open()
	require.Len(t, open, 1)
	assert.Equal(t, "ord-2", open[0].ID)
	assert.Equal(t, 0.5, open[0].FilledQty)
}

func TestPlaceRejectsInvalidOrder(t *testing.T) {
	l := New(symbol, &fakeClient{}, logger.Discard())
	price := 10.0
	bad := models.NewMarketOrder(symbol, models.OrderSideSell, 1)
	bad.Price = &price

	_, err := l.Place(context.Background(), bad)
	assert.ErrorIs(t, err, models.ErrInvalidOrder)
}
