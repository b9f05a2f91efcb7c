package ws

import (
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"mmbot/internal/models"
)

type request struct {
	ID    string `json:"id,omitempty"`
	Event string `json:"event"`
	Topic string `json:"topic,omitempty"`
	TS    int64  `json:"ts,omitempty"`
}

type Message struct {
	ID      string          `json:"id"`
	Event   string          `json:"event"`
	Topic   string          `json:"topic"`
	Success *bool           `json:"success"`
	ErrMsg  string          `json:"errorMsg"`
	TS      int64           `json:"ts"`
	Data    json.RawMessage `json:"data"`
}

type bookData struct {
	Symbol string       `json:"symbol"`
	Asks   [][2]float64 `json:"asks"`
	Bids   [][2]float64 `json:"bids"`
}

type tradeData struct {
	Symbol string  `json:"symbol"`
	Side   string  `json:"side"`
	Price  float64 `json:"price"`
	Size   float64 `json:"size"`
}

func (w *Client) readLoop(conn *websocket.Conn) error {
	w.logEntry().Debug("readLoop запущен.")

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			w.logEntry().WithError(err).Warn("Не удалось разобрать WS сообщение.")
			continue
		}

		switch {
		case msg.Event == "ping":
			if err := w.write(request{Event: "pong", TS: time.Now().UnixMilli()}); err != nil {
				return err
			}
		case msg.Event == "subscribe":
			if msg.Success != nil && !*msg.Success {
				w.logEntry().WithField("topic", msg.ID).Warn("Подписка отклонена: " + msg.ErrMsg)
			}
		case msg.Topic != "":
			w.handleTopic(msg)
		}
	}
}

func (w *Client) handleTopic(msg Message) {
	symbol, stream := topicSymbol(msg.Topic)
	switch stream {
	case "orderbook":
		w.handleBook(symbol, msg)
	case "trade":
		w.handleTrade(symbol, msg)
	}
}

func (w *Client) handleBook(symbol string, msg Message) {
	var data bookData
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		w.logEntry().WithError(err).Warn("Не удалось разобрать orderbook.")
		return
	}

	snap := models.OrderBookSnapshot{
		Symbol:    symbol,
		Timestamp: time.UnixMilli(msg.TS),
		Bids:      toLevels(data.Bids),
		Asks:      toLevels(data.Asks),
	}

	w.mu.Lock()
	w.books[symbol] = snap
	w.mu.Unlock()
}

func (w *Client) handleTrade(symbol string, msg Message) {
	var data tradeData
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		w.logEntry().WithError(err).Warn("Не удалось разобрать trade.")
		return
	}

	side := models.OrderSideBuy
	if data.Side == "SELL" {
		side = models.OrderSideSell
	}
	tp := models.TradePrint{
		Timestamp: time.UnixMilli(msg.TS),
		Side:      side,
		Price:     data.Price,
		Qty:       data.Size,
	}

	w.mu.Lock()
	ring := append(w.trades[symbol], tp)
	if over := len(ring) - tradeCapacity; over > 0 {
		ring = append(ring[:0:0], ring[over:]...)
	}
	w.trades[symbol] = ring
	w.mu.Unlock()
}

func toLevels(raw [][2]float64) []models.PriceLevel {
	out := make([]models.PriceLevel, 0, len(raw))
	for _, lvl := range raw {
		if lvl[1] <= 0 {
			continue
		}
		out = append(out, models.PriceLevel{Price: lvl[0], Qty: lvl[1]})
	}
	return out
}
