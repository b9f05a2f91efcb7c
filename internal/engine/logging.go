package engine

import (
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

func (s *Strategy) logEntry() *logrus.Entry {
	return s.log.WithSymbol(s.cfg.Symbol).WithField("component", "strategy")
}

func (s *Scheduler) logEntry() *logrus.Entry {
	return s.log.WithComponent("scheduler")
}

func formatFloatPlain(val float64) string {
	formatted := strconv.FormatFloat(val, 'f', 8, 64)
	formatted = strings.TrimRight(formatted, "0")
	formatted = strings.TrimRight(formatted, ".")
	if formatted == "" || formatted == "-0" {
		return "0"
	}
	return formatted
}
