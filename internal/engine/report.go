package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"mmbot/internal/journal"
)

type realizedSource interface {
	RealizedPnL(symbol string) float64
}

// SymbolReport is the operator-facing view of one strategy.
type SymbolReport struct {
	Status
	OpenOrders int
	Realized   float64
	Volume24h  journal.Stats
}

// Report queries fresh positions; on a failed query the last observed one is kept.
func (s *Scheduler) Report(ctx context.Context) []SymbolReport {
	out := make([]SymbolReport, 0, len(s.strategies))
	since := time.Now().Add(-24 * time.Hour)

	for _, st := range s.strategies {
		r := SymbolReport{Status: st.Status()}
		if pos, err := s.client.GetOpenPosition(ctx, st.Symbol()); err == nil {
			d := st.risk.Evaluate(pos)
			r.Position = pos
			r.State = d.State
			r.PnLPct = d.PnLPct
		} else {
			st.logEntry().WithError(err).Warn("Не удалось получить позицию для отчёта.")
		}
		r.OpenOrders = len(st.ledger.Open())
		if rs, ok := s.client.(realizedSource); ok {
			r.Realized = rs.RealizedPnL(st.Symbol())
		}
		if s.journal != nil {
			if v, err := s.journal.Volume(ctx, st.Symbol(), since); err == nil {
				r.Volume24h = v
			} else {
				st.logEntry().WithError(err).Warn("Не удалось получить объём для отчёта.")
			}
		}
		out = append(out, r)
	}
	return out
}

// ReportText renders Report as plain text, one block per symbol.
func (s *Scheduler) ReportText(ctx context.Context) string {
	var b strings.Builder
	fmt.Fprintf(&b, "state: %s\n", s.State())
	for _, r := range s.Report(ctx) {
		fmt.Fprintf(&b, "\n%s\n", r.Symbol)
		fmt.Fprintf(&b, "  position: %s @ %s (mark %s)\n",
			formatFloatPlain(r.Position.Qty), formatFloatPlain(r.Position.AvgEntryPrice), formatFloatPlain(r.Position.MarkPrice))
		fmt.Fprintf(&b, "  risk: %s, pnl %.4f%%\n", r.State, r.PnLPct)
		fmt.Fprintf(&b, "  signal: %s, volatility %s, spread %s\n",
			orDash(string(r.Prediction)), formatFloatPlain(r.Volatility), formatFloatPlain(r.Spread))
		fmt.Fprintf(&b, "  orders: %d open, cycles %d\n", r.OpenOrders, r.Cycles)
		fmt.Fprintf(&b, "  realized: %s\n", formatFloatPlain(r.Realized))
		fmt.Fprintf(&b, "  24h: %d fills, qty %s, notional %s\n",
			r.Volume24h.Count, formatFloatPlain(r.Volume24h.Qty), formatFloatPlain(r.Volume24h.Notional))
	}
	return b.String()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
