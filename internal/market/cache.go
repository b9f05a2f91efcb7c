// Package market accumulates trades and order-book snapshots for one symbol
// over a bounded collection window.
package market

import (
	"errors"
	"sync"
	"time"

	"mmbot/internal/models"
)

var ErrEmptyWindow = errors.New("Окно рыночных данных пусто")

const DefaultTradeCapacity = 500

// Cache is a bounded, deduplicated store of trade prints and book snapshots.
type Cache struct {
	mu sync.RWMutex

	symbol   string
	since    time.Time
	tradeCap int
	bookCap  int
	trades   []models.TradePrint
	seen     map[string]struct{}
	books    []models.OrderBookSnapshot
}

// NewCache keeps only prints stamped at or after since.
func NewCache(symbol string, since time.Time, tradeCap, bookCap int) *Cache {
	if tradeCap <= 0 {
		tradeCap = DefaultTradeCapacity
	}
	if bookCap <= 0 {
		bookCap = 1
	}
	return &Cache{
		symbol:   symbol,
		since:    since,
		tradeCap: tradeCap,
		bookCap:  bookCap,
		seen:     make(map[string]struct{}),
	}
}

// AddTrades returns how many prints were new.
func (c *Cache) AddTrades(prints []models.TradePrint) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	added := 0
	for _, t := range prints {
		if t.Timestamp.Before(c.since) {
			continue
		}
		key := t.Key()
		if _, ok := c.seen[key]; ok {
			continue
		}
		c.seen[key] = struct{}{}
		c.trades = append(c.trades, t)
		added++
	}

	sortTrades(c.trades)

	if over := len(c.trades) - c.tradeCap; over > 0 {
		for _, t := range c.trades[:over] {
			delete(c.seen, t.Key())
		}
		c.trades = append(c.trades[:0:0], c.trades[over:]...)
	}
	return added
}

func (c *Cache) AddBook(snap models.OrderBookSnapshot) error {
	if err := snap.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.books = append(c.books, snap)
	if over := len(c.books) - c.bookCap; over > 0 {
		c.books = append(c.books[:0:0], c.books[over:]...)
	}
	return nil
}

// Window copies the current contents; the cache keeps accumulating.
func (c *Cache) Window(end time.Time) Window {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return Window{
		Symbol: c.symbol,
		Start:  c.since,
		End:    end,
		Trades: append([]models.TradePrint(nil), c.trades...),
		Books:  append([]models.OrderBookSnapshot(nil), c.books...),
	}
}

func (c *Cache) Len() (trades, books int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.trades), len(c.books)
}

// sortTrades is an insertion sort: batches arrive almost ordered.
func sortTrades(trades []models.TradePrint) {
	for i := 1; i < len(trades); i++ {
		for j := i; j > 0 && trades[j].Timestamp.Before(trades[j-1].Timestamp); j-- {
			trades[j], trades[j-1] = trades[j-1], trades[j]
		}
	}
}

// Window is an immutable result of one collection run; trades oldest first,
// books oldest first.
type Window struct {
	Symbol string
	Start  time.Time
	End    time.Time
	Trades []models.TradePrint
	Books  []models.OrderBookSnapshot
}

func (w Window) Latest() (models.OrderBookSnapshot, error) {
	if len(w.Books) == 0 {
		return models.OrderBookSnapshot{}, ErrEmptyWindow
	}
	return w.Books[len(w.Books)-1], nil
}

// RecentTrades returns the last n prints; n <= 0 means all of them.
func (w Window) RecentTrades(n int) []models.TradePrint {
	if n <= 0 || n >= len(w.Trades) {
		return w.Trades
	}
	return w.Trades[len(w.Trades)-n:]
}
