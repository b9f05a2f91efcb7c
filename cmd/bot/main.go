package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"

	"mmbot/internal/config"
	"mmbot/internal/control"
	"mmbot/internal/engine"
	"mmbot/internal/exchange/orderly"
	"mmbot/internal/exchange/orderly/rest"
	"mmbot/internal/exchange/orderly/ws"
	"mmbot/internal/exchange/paper"
	"mmbot/internal/journal"
	"mmbot/internal/logger"
)

// instrumentRules feeds venue limits from the public info endpoint.
type instrumentRules struct {
	rest *rest.Client
}

func (r instrumentRules) InstrumentRules(ctx context.Context, symbol string) (engine.InstrumentRules, error) {
	in, err := r.rest.GetInstrument(ctx, symbol)
	if err != nil {
		return engine.InstrumentRules{}, err
	}
	return engine.InstrumentRules{PricePrecision: in.PricePrecision(), MinNotional: in.MinNotional}, nil
}

func main() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	log := logger.New(logger.Config{
		Level:      cfg.Runtime.Log.Level,
		Format:     cfg.Runtime.Log.Format,
		Output:     cfg.Runtime.Log.File,
		MaxSize:    cfg.Runtime.Log.MaxSize,
		MaxBackups: cfg.Runtime.Log.MaxBackups,
		MaxAge:     cfg.Runtime.Log.MaxAge,
		Compress:   cfg.Runtime.Log.Compress,
	})

	log.Info("Бот запущен.")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	symbols := make([]string, 0, len(cfg.Strategies))
	for _, s := range cfg.Strategies {
		symbols = append(symbols, s.Symbol)
	}

	restClient := rest.New(cfg.Exchange.RestURL, cfg.Exchange.RateLimit, log)
	stream := ws.New(strings.TrimRight(cfg.Exchange.WSURL, "/")+"/"+cfg.Exchange.AccountID, symbols, log)

	var wg conc.WaitGroup
	wg.Go(func() {
		if err := stream.Run(ctx); err != nil && ctx.Err() == nil {
			log.WithError(err).Error("WebSocket завершился с ошибкой.")
		}
	})

	rulesCtx, rulesCancel := context.WithTimeout(ctx, 2*time.Minute)
	cfg.Strategies, err = engine.ApplyInstrumentRules(rulesCtx, instrumentRules{rest: restClient}, cfg.Strategies, log)
	rulesCancel()
	if err != nil {
		log.WithError(err).Fatal("Не удалось получить ограничения инструментов.")
	}

	select {
	case <-stream.Ready():
	case <-time.After(30 * time.Second):
		log.Warn("WebSocket не подключился за 30с, стратегии стартуют без стакана.")
	case <-sigCh:
		cancel()
		wg.Wait()
		return
	}

	venue := paper.New(orderly.NewMarket(stream, restClient), paper.Options{
		FillOnTradeThrough: cfg.Paper.FillOnTradeThrough,
	}, log)
	wg.Go(func() { venue.Relay(ctx, stream.Events()) })

	fills, err := journal.Open(cfg.Journal.Path)
	if err != nil {
		log.WithError(err).Fatal("Не удалось открыть журнал исполнений.")
	}
	defer func() {
		if err := fills.Close(); err != nil {
			log.WithError(err).Warn("Не удалось закрыть журнал.")
		}
	}()

	sched := engine.NewScheduler(cfg, venue, fills, log)

	if cfg.Control.Listen != "" {
		srv := control.New(cfg.Control.Listen, sched, log)
		wg.Go(func() {
			if err := srv.Run(ctx); err != nil {
				log.WithError(err).Error("HTTP сервер управления завершился с ошибкой.")
			}
		})
	}

	done := make(chan struct{})
	wg.Go(func() {
		defer close(done)
		if err := sched.Run(ctx); err != nil {
			log.WithError(err).Error("Планировщик завершился с ошибкой.")
		}
	})

	select {
	case <-sigCh:
	case <-done:
	}

	cancel()
	wg.Wait()

	log.Info("Бот остановлен.")
}
