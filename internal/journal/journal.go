// Package journal persists fills to sqlite for the operator report.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"mmbot/internal/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS fills (
	exec_id  TEXT PRIMARY KEY,
	order_id TEXT NOT NULL,
	symbol   TEXT NOT NULL,
	side     TEXT NOT NULL,
	price    REAL NOT NULL,
	qty      REAL NOT NULL,
	ts       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS fills_symbol_ts ON fills(symbol, ts);
`

type Journal struct {
	db *sql.DB
}

// Open creates the database at path; an empty path keeps it in memory.
func Open(path string) (*Journal, error) {
	dsn := path
	if path == "" {
		dsn = ":memory:"
	} else if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("Не удалось создать каталог журнала: %w", err)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("Не удалось открыть журнал: %w", err)
	}
	// a single connection also keeps an in-memory database alive
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("Не удалось создать схему журнала: %w", err)
	}
	return &Journal{db: db}, nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}

// Record stores f once; a repeated exec id is ignored.
func (j *Journal) Record(ctx context.Context, f models.Fill) error {
	_, err := j.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO fills (exec_id, order_id, symbol, side, price, qty, ts) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		f.ExecID, f.OrderID, f.Symbol, string(f.Side), f.Price, f.Qty, f.Timestamp.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("Не удалось записать сделку %s: %w", f.ExecID, err)
	}
	return nil
}

type Stats struct {
	Count    int
	Qty      float64
	Notional float64
	BuyQty   float64
	SellQty  float64
}

// Volume aggregates fills of symbol since the given time.
func (j *Journal) Volume(ctx context.Context, symbol string, since time.Time) (Stats, error) {
	row := j.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(qty), 0),
		       COALESCE(SUM(qty * price), 0),
		       COALESCE(SUM(CASE WHEN side = 'BUY' THEN qty ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN side = 'SELL' THEN qty ELSE 0 END), 0)
		FROM fills WHERE symbol = ? AND ts >= ?`,
		symbol, since.UnixMilli(),
	)

	var s Stats
	if err := row.Scan(&s.Count, &s.Qty, &s.Notional, &s.BuyQty, &s.SellQty); err != nil {
		return Stats{}, fmt.Errorf("Не удалось посчитать объём %s: %w", symbol, err)
	}
	return s, nil
}
