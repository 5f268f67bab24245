package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"vela/api/httpserver"
	"vela/config"
	"vela/domain/book"
	"vela/engine"
	"vela/infra/outbox"
	"vela/infra/wal"
	"vela/jobs/publisher"
	"vela/metrics"
)

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		panic(err)
	}

	log, err := newLogger(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("server exited", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	selfTrade, err := book.ParseSelfTradePolicy(cfg.Engine.SelfTradePolicy)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	met := metrics.New(reg)

	engines := make(map[string]*engine.Engine, len(cfg.Engine.Instruments))
	var closers []func()

	for _, instrument := range cfg.Engine.Instruments {
		base := filepath.Join(cfg.Storage.DataDir, instrument)
		walDir := filepath.Join(base, "wal")
		obDir := filepath.Join(base, "outbox")
		snapDir := filepath.Join(base, "snapshots")
		for _, d := range []string{walDir, snapDir} {
			if err := os.MkdirAll(d, 0o755); err != nil {
				return err
			}
		}

		w, err := wal.Open(wal.Config{
			Dir:             walDir,
			SegmentSize:     cfg.Storage.SegmentSize,
			SegmentDuration: cfg.Storage.SegmentDuration,
		})
		if err != nil {
			return err
		}
		ob, err := outbox.Open(obDir)
		if err != nil {
			return err
		}

		eng := engine.New(engine.Config{
			Instrument:            instrument,
			SelfTrade:             selfTrade,
			DecreaseKeepsPriority: cfg.Engine.DecreaseKeepsPriority,
			RingSize:              cfg.Engine.RingSize,
			QueueDepth:            cfg.Engine.QueueDepth,
		}, w, ob, met, log)

		if err := eng.Recover(snapDir, walDir); err != nil {
			return err
		}

		go eng.Run(ctx)
		go eng.RunDrain(ctx)
		go snapshotLoop(ctx, eng, snapDir, cfg.Engine.SnapshotInterval, log)

		if cfg.Kafka.Enabled {
			pub, err := publisher.New(publisher.Config{
				Instrument:   instrument,
				Brokers:      cfg.Kafka.Brokers,
				TradeTopic:   cfg.Kafka.TradeTopic,
				MarketTopic:  cfg.Kafka.MarketTopic,
				PollInterval: cfg.Kafka.PollInterval,
			}, ob, met, log)
			if err != nil {
				return err
			}
			go pub.Run(ctx)
			closers = append(closers, func() { pub.Close() })
		}

		engines[instrument] = eng
		closers = append(closers, func() { w.Close() }, func() { ob.Close() })
	}

	srv := httpserver.NewServer(engines, reg, log)
	srv.SetOrigins(cfg.HTTP.CORSOrigins)

	hub := srv.Hub()
	for _, eng := range engines {
		eng.SetFanout(func(ev *engine.Event) {
			if data, err := ev.Encode(); err == nil {
				hub.Broadcast(data)
			}
		})
	}

	httpSrv := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      srv.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("gateway listening",
			zap.String("addr", cfg.HTTP.Address),
			zap.Strings("instruments", cfg.Engine.Instruments))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	for i := len(closers) - 1; i >= 0; i-- {
		closers[i]()
	}
	return nil
}

func snapshotLoop(ctx context.Context, eng *engine.Engine, dir string, every time.Duration, log *zap.Logger) {
	if every <= 0 {
		every = time.Minute
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := eng.SnapshotNow(ctx, dir); err != nil {
				log.Warn("snapshot failed",
					zap.String("instrument", eng.Instrument()),
					zap.Error(err))
			}
		}
	}
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}
