package risk

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mmbot/internal/exchange"
	"mmbot/internal/ledger"
	"mmbot/internal/logger"
	"mmbot/internal/models"
)

const symbol = "PERP_LINK_USDC"

type recordingClient struct {
	placed  []models.Order
	cancels int
}

func (c *recordingClient) GetOrderBook(context.Context, string, int) (models.OrderBookSnapshot, error) {
	return models.OrderBookSnapshot{}, nil
}
func (c *recordingClient) GetRecentTrades(context.Context, string, int) ([]models.TradePrint, error) {
	return nil, nil
}
func (c *recordingClient) GetOpenPosition(context.Context, string) (models.Position, error) {
	return models.Position{}, nil
}
func (c *recordingClient) PlaceOrder(_ context.Context, o models.Order) (models.Order, error) {
	o.ID = "x"
	c.placed = append(c.placed, o)
	return o, nil
}
func (c *recordingClient) CancelOrder(context.Context, string, string) error { return nil }
func (c *recordingClient) CancelAllOrders(context.Context, string) error {
	c.cancels++
	return nil
}
func (c *recordingClient) CancelBatch(context.Context, string, []string) error { return nil }
func (c *recordingClient) GetOpenOrders(context.Context, string) ([]models.Order, error) {
	return nil, nil
}
func (c *recordingClient) Subscribe(context.Context) (<-chan exchange.Event, error) {
	return nil, nil
}

func newManager(c *recordingClient) *Manager {
	log := logger.Discard()
	return NewManager(Params{TakeProfitPct: 0.5, StopLossPct: 0.5, DustNotional: 10, PricePrecision: 2}, ledger.New(symbol, c, log), log)
}

func TestEvaluateFlat(t *testing.T) {
	m := newManager(&recordingClient{})

	d := m.Evaluate(models.Position{Symbol: symbol, Qty: 0, AvgEntryPrice: 100, MarkPrice: 90})
	assert.Equal(t, StateFlat, d.State)
	assert.False(t, d.Acts())

	d = m.Evaluate(models.Position{Symbol: symbol, Qty: 0.05, AvgEntryPrice: 100, MarkPrice: 50})
	assert.Equal(t, StateFlat, d.State)
	assert.False(t, d.Acts())

	// without an entry price the dust check falls back to the mark
	d = m.Evaluate(models.Position{Symbol: symbol, Qty: -0.05, MarkPrice: 100})
	assert.Equal(t, StateFlat, d.State)
	assert.InDelta(t, 5.0, d.Notional, 1e-9)
}

func TestEvaluateNeutralWithoutPrices(t *testing.T) {
	m := newManager(&recordingClient{})

	d := m.Evaluate(models.Position{Symbol: symbol, Qty: 5, AvgEntryPrice: 100})
	assert.Equal(t, StateNeutral, d.State)
	assert.False(t, d.Acts())
}

func TestEvaluateScenarioAggressiveLoss(t *testing.T) {
	m := newManager(&recordingClient{})

	d := m.Evaluate(models.Position{Symbol: symbol, Qty: 10, AvgEntryPrice: 100, MarkPrice: 99})
	assert.InDelta(t, -1.0, d.PnLPct, 1e-9)
	assert.Equal(t, StateAggressiveLoss, d.State)
	require.True(t, d.Acts())
	assert.Equal(t, models.OrderTypeMarket, d.Order.Type)
	assert.Equal(t, models.OrderSideSell, d.Order.Side)
	assert.Equal(t, 10.0, d.Order.Qty)
	assert.True(t, d.Order.ReduceOnly)
}

func TestEvaluateStates(t *testing.T) {
	m := newManager(&recordingClient{})

	cases := []struct {
		name  string
		pos   models.Position
		state State
		typ   models.OrderType
		side  models.OrderSide
	}{
		{"long small loss", models.Position{Qty: 10, AvgEntryPrice: 100, MarkPrice: 99.8}, StateStandardLoss, models.OrderTypeLimit, models.OrderSideSell},
		{"short small loss", models.Position{Qty: -10, AvgEntryPrice: 100, MarkPrice: 100.2}, StateStandardLoss, models.OrderTypeLimit, models.OrderSideBuy},
		{"short big loss", models.Position{Qty: -10, AvgEntryPrice: 100, MarkPrice: 101}, StateAggressiveLoss, models.OrderTypeMarket, models.OrderSideBuy},
		{"long small profit", models.Position{Qty: 10, AvgEntryPrice: 100, MarkPrice: 100.2}, StateStandardProfit, models.OrderTypeMarketableAsk, models.OrderSideSell},
		{"short small profit", models.Position{Qty: -10, AvgEntryPrice: 100, MarkPrice: 99.8}, StateStandardProfit, models.OrderTypeMarketableBid, models.OrderSideBuy},
		{"breakeven", models.Position{Qty: 10, AvgEntryPrice: 100, MarkPrice: 100}, StateStandardProfit, models.OrderTypeMarketableAsk, models.OrderSideSell},
		{"long big profit", models.Position{Qty: 10, AvgEntryPrice: 100, MarkPrice: 101}, StateAggressiveProfit, models.OrderTypeMarket, models.OrderSideSell},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.pos.Symbol = symbol
			d := m.Evaluate(tc.pos)
			assert.Equal(t, tc.state, d.State)
			require.True(t, d.Acts())
			assert.Equal(t, tc.typ, d.Order.Type)
			assert.Equal(t, tc.side, d.Order.Side)
			assert.Equal(t, tc.pos.AbsQty(), d.Order.Qty)
			assert.True(t, d.Order.ReduceOnly)
			assert.NoError(t, d.Order.Validate())
		})
	}
}

func TestStandardLossPricesAtEntry(t *testing.T) {
	m := newManager(&recordingClient{})
	d := m.Evaluate(models.Position{Symbol: symbol, Qty: 10, AvgEntryPrice: 100.123456, MarkPrice: 100})
	require.True(t, d.Acts())
	assert.Equal(t, 100.12, d.Order.PriceValue())
}

func TestEvaluateIsPure(t *testing.T) {
	c := &recordingClient{}
	m := newManager(c)
	pos := models.Position{Symbol: symbol, Qty: 10, AvgEntryPrice: 100, MarkPrice: 99}

	assert.Equal(t, m.Evaluate(pos), m.Evaluate(pos))
	assert.Empty(t, c.placed)
	assert.Zero(t, c.cancels)
}

func TestExecuteCancelsThenPlaces(t *testing.T) {
	c := &recordingClient{}
	m := newManager(c)

	require.NoError(t, m.Execute(context.Background(), m.Evaluate(models.Position{Symbol: symbol, Qty: 0})))
	assert.Zero(t, c.cancels)

	d := m.Evaluate(models.Position{Symbol: symbol, Qty: -3, AvgEntryPrice: 100, MarkPrice: 102})
	require.NoError(t, m.Execute(context.Background(), d))
	assert.Equal(t, 1, c.cancels)
	require.Len(t, c.placed, 1)
	assert.Equal(t, models.OrderSideBuy, c.placed[0].Side)
	assert.Equal(t, 3.0, c.placed[0].Qty)
}

func TestFlatten(t *testing.T) {
	c := &recordingClient{}
	m := newManager(c)

	require.NoError(t, m.Flatten(context.Background(), models.Position{Symbol: symbol}))
	assert.Equal(t, 1, c.cancels)
	assert.Empty(t, c.placed)

	require.NoError(t, m.Flatten(context.Background(), models.Position{Symbol: symbol, Qty: 0.5, AvgEntryPrice: 15}))
	require.Len(t, c.placed, 1)
	assert.Equal(t, models.OrderTypeMarket, c.placed[0].Type)
	assert.True(t, c.placed[0].ReduceOnly)
}
