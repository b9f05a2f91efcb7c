// Package ws maintains Orderly's public market-data stream: order books and
// trade prints for a fixed set of symbols.
package ws

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"mmbot/internal/exchange"
	"mmbot/internal/logger"
	"mmbot/internal/models"
)

const (
	readLimit     = 2 << 20
	writeTimeout  = 5 * time.Second
	tradeCapacity = 500
)

type Client struct {
	url     string
	symbols []string
	log     *logger.Logger

	connMu sync.Mutex
	conn   *websocket.Conn

	mu     sync.RWMutex
	books  map[string]models.OrderBookSnapshot
	trades map[string][]models.TradePrint

	events    chan exchange.Event
	ready     chan struct{}
	readyOnce sync.Once

	reconnectMin time.Duration
	reconnectMax time.Duration
}

// New prepares a stream for symbols; url is the stream endpoint including the account id.
func New(url string, symbols []string, log *logger.Logger) *Client {
	return &Client{
		url:          url,
		symbols:      symbols,
		log:          log,
		books:        make(map[string]models.OrderBookSnapshot),
		trades:       make(map[string][]models.TradePrint),
		events:       make(chan exchange.Event, 16),
		ready:        make(chan struct{}),
		reconnectMin: time.Second,
		reconnectMax: 30 * time.Second,
	}
}

func (w *Client) logEntry() *logrus.Entry {
	return w.log.WithComponent("orderly_ws")
}

// Events carries a Reconnect event every time the stream is re-established.
func (w *Client) Events() <-chan exchange.Event {
	return w.events
}

// Ready is closed after the first successful subscription.
func (w *Client) Ready() <-chan struct{} {
	return w.ready
}

// Run keeps the stream alive until ctx is done.
func (w *Client) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = w.reconnectMin
	bo.MaxInterval = w.reconnectMax

	connected := false
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		w.logEntry().WithField("url", w.url).Info("Подключение к WS.")
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, w.url, nil)
		if err != nil {
			w.logEntry().WithError(err).Warn("Не удалось подключиться к WS.")
			if !sleep(ctx, w.nextBackOff(bo)) {
				return ctx.Err()
			}
			continue
		}
		conn.SetReadLimit(readLimit)

		w.connMu.Lock()
		w.conn = conn
		w.connMu.Unlock()

		if err := w.subscribeAll(); err != nil {
			w.logEntry().WithError(err).Warn("Не удалось подписаться на WS.")
			w.closeConn(conn)
			if !sleep(ctx, w.nextBackOff(bo)) {
				return ctx.Err()
			}
			continue
		}
		bo.Reset()

		if connected {
			w.emit(exchange.Event{Type: exchange.EventTypeReconnect})
			w.logEntry().Info("WS переподключён и подписки восстановлены.")
		} else {
			w.logEntry().Info("WS соединение установлено.")
		}
		connected = true
		w.readyOnce.Do(func() { close(w.ready) })

		// closing the connection is the only way to unblock ReadMessage
		stop := context.AfterFunc(ctx, func() { w.closeConn(conn) })
		err = w.readLoop(conn)
		stop()
		w.closeConn(conn)

		if ctx.Err() != nil {
			return ctx.Err()
		}
		w.logEntry().WithError(err).Warn("Ошибка чтения WS.")
		if !sleep(ctx, w.nextBackOff(bo)) {
			return ctx.Err()
		}
	}
}

func (w *Client) nextBackOff(bo *backoff.ExponentialBackOff) time.Duration {
	d := bo.NextBackOff()
	if d == backoff.Stop {
		return w.reconnectMax
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (w *Client) closeConn(conn *websocket.Conn) {
	w.connMu.Lock()
	if w.conn == conn {
		w.conn = nil
	}
	w.connMu.Unlock()
	_ = conn.Close()
}

func (w *Client) subscribeAll() error {
	for _, symbol := range w.symbols {
		for _, topic := range []string{symbol + "@orderbook", symbol + "@trade"} {
			msg := request{ID: topic, Event: "subscribe", Topic: topic}
			if err := w.write(msg); err != nil {
				return fmt.Errorf("подписка %s: %w", topic, err)
			}
		}
	}
	return nil
}

func (w *Client) write(v any) error {
	w.connMu.Lock()
	defer w.connMu.Unlock()
	if w.conn == nil {
		return websocket.ErrCloseSent
	}
	_ = w.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return w.conn.WriteJSON(v)
}

func (w *Client) emit(ev exchange.Event) {
	select {
	case w.events <- ev:
	default:
		w.logEntry().Warn("Очередь событий WS переполнена.")
	}
}

// Book returns the latest order book seen for symbol.
func (w *Client) Book(symbol string) (models.OrderBookSnapshot, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	snap, ok := w.books[symbol]
	return snap, ok
}

// Trades returns up to limit most recent prints, oldest first.
func (w *Client) Trades(symbol string, limit int) []models.TradePrint {
	w.mu.RLock()
	defer w.mu.RUnlock()
	ring := w.trades[symbol]
	if limit > 0 && limit < len(ring) {
		ring = ring[len(ring)-limit:]
	}
	return append([]models.TradePrint(nil), ring...)
}

func topicSymbol(topic string) (symbol, stream string) {
	i := strings.LastIndexByte(topic, '@')
	if i < 0 {
		return "", topic
	}
	return topic[:i], topic[i+1:]
}
