package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sourcegraph/conc"

	"mmbot/internal/config"
	"mmbot/internal/exchange"
	"mmbot/internal/journal"
	"mmbot/internal/logger"
	"mmbot/internal/models"
)

type Command string

const (
	CommandStop    Command = "stop"
	CommandRestart Command = "restart"
)

var (
	ErrRestart    = errors.New("Перезапуск по команде оператора")
	ErrBusy       = errors.New("Предыдущая команда ещё выполняется")
	ErrBadCommand = errors.New("Неизвестная команда")
)

type RunState string

const (
	RunStateStarting RunState = "starting"
	RunStateRunning  RunState = "running"
	RunStateStopped  RunState = "stopped"
)

// Journal stores fills and answers volume questions for reports.
type Journal interface {
	Record(ctx context.Context, f models.Fill) error
	Volume(ctx context.Context, symbol string, since time.Time) (journal.Stats, error)
}

type Scheduler struct {
	client          exchange.Client
	journal         Journal
	log             *logger.Logger
	shutdownTimeout time.Duration

	strategies []*Strategy
	bySymbol   map[string]*Strategy

	commands chan Command

	mu    sync.Mutex
	state RunState
}

// NewScheduler builds one Strategy per configured symbol. j may be nil.
func NewScheduler(cfg *config.Config, client exchange.Client, j Journal, log *logger.Logger) *Scheduler {
	s := &Scheduler{
		client:          client,
		journal:         j,
		log:             log,
		shutdownTimeout: cfg.Runtime.ShutdownTimeout,
		bySymbol:        make(map[string]*Strategy, len(cfg.Strategies)),
		commands:        make(chan Command, 1),
		state:           RunStateStarting,
	}
	for _, sc := range cfg.Strategies {
		st := NewStrategy(sc, client, log)
		s.strategies = append(s.strategies, st)
		s.bySymbol[sc.Symbol] = st
	}
	return s
}

func (s *Scheduler) Strategies() []*Strategy {
	return s.strategies
}

func (s *Scheduler) State() RunState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Scheduler) setState(st RunState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Send queues an operator command; only one may be pending at a time.
func (s *Scheduler) Send(cmd Command) error {
	if cmd != CommandStop && cmd != CommandRestart {
		return ErrBadCommand
	}
	select {
	case s.commands <- cmd:
		return nil
	default:
		return ErrBusy
	}
}

// Run drives every symbol until ctx is cancelled, then flattens all positions
// within the shutdown timeout.
func (s *Scheduler) Run(ctx context.Context) error {
	events, err := s.client.Subscribe(ctx)
	if err != nil {
		return err
	}

	var wg conc.WaitGroup
	wg.Go(func() { s.handleEvents(ctx, events) })
	defer wg.Wait()

	for {
		err := s.runLoops(ctx)
		switch {
		case errors.Is(err, ErrRestart):
			s.logEntry().Info("Стратегии перезапускаются.")
			continue
		case err != nil:
			return nil
		}

		// stopped by the operator: idle until restart or shutdown
		s.setState(RunStateStopped)
		s.logEntry().Info("Бот остановлен оператором, ожидание команды.")
		if !s.waitRestart(ctx) {
			return nil
		}
		s.logEntry().Info("Запуск по команде оператора.")
	}
}

// runLoops returns ErrRestart or nil for operator commands and ctx.Err() on shutdown.
func (s *Scheduler) runLoops(ctx context.Context) error {
	loopCtx, cancel := context.WithCancel(ctx)
	var wg conc.WaitGroup
	for _, st := range s.strategies {
		st := st
		wg.Go(func() { st.Run(loopCtx) })
	}
	s.setState(RunStateRunning)

	var result error
	select {
	case <-ctx.Done():
		result = ctx.Err()
	case cmd := <-s.commands:
		s.logEntry().WithField("command", cmd).Info("Получена команда оператора.")
		if cmd == CommandRestart {
			result = ErrRestart
		}
	}

	cancel()
	wg.Wait()
	s.flattenAll()
	return result
}

func (s *Scheduler) waitRestart(ctx context.Context) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case cmd := <-s.commands:
			if cmd == CommandRestart {
				return true
			}
			s.flattenAll()
		}
	}
}

// flattenAll uses its own context: the caller's one is usually already done.
func (s *Scheduler) flattenAll() {
	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	var wg conc.WaitGroup
	for _, st := range s.strategies {
		st := st
		wg.Go(func() {
			if err := st.Flatten(ctx); err != nil {
				st.logEntry().WithError(err).Error("Не удалось закрыть позицию при остановке.")
			}
		})
	}
	wg.Wait()
}

func (s *Scheduler) handleEvents(ctx context.Context, events <-chan exchange.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				s.logEntry().Warn("Канал событий закрыт.")
				return
			}
			s.dispatch(ctx, ev)
		}
	}
}

func (s *Scheduler) dispatch(ctx context.Context, ev exchange.Event) {
	switch ev.Type {
	case exchange.EventTypeFill:
		if ev.Fill == nil {
			return
		}
		s.logEntry().WithFields(map[string]interface{}{
			"symbol":   ev.Fill.Symbol,
			"order_id": ev.Fill.OrderID,
			"side":     ev.Fill.Side,
			"price":    ev.Fill.Price,
			"qty":      ev.Fill.Qty,
		}).Info("Исполнение.")
		if s.journal != nil {
			if err := s.journal.Record(ctx, *ev.Fill); err != nil {
				s.logEntry().WithError(err).Warn("Не удалось записать исполнение в журнал.")
			}
		}
		if st, ok := s.bySymbol[ev.Fill.Symbol]; ok {
			st.ledger.Apply(ev)
			st.notifyFill()
		}
	case exchange.EventTypeOrder:
		if st, ok := s.bySymbol[ev.Symbol()]; ok {
			st.ledger.Apply(ev)
		}
	case exchange.EventTypeReconnect:
		s.logEntry().Info("Получен сигнал реконнекта, сверка ордеров.")
		for _, st := range s.strategies {
			if err := st.ledger.Sync(ctx); err != nil {
				st.logEntry().WithError(err).Warn("Не удалось сверить ордера после реконнекта.")
			}
		}
	}
}
