// Command epochtick-server runs the timestamp-ordered event scheduler behind
// its HTTP API.
//
// Usage:
//
//	epochtick-server [--config path/to/config.yaml]
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/snehjoshi/epochtick/internal/config"
	"github.com/snehjoshi/epochtick/internal/deadletter"
	"github.com/snehjoshi/epochtick/internal/logging"
	"github.com/snehjoshi/epochtick/internal/metrics"
	"github.com/snehjoshi/epochtick/internal/scheduler"
	"github.com/snehjoshi/epochtick/internal/sink"
	transphttp "github.com/snehjoshi/epochtick/internal/transport/http"
	transportws "github.com/snehjoshi/epochtick/internal/transport/websocket"
)

const shutdownGrace = 5 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "epochtick: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	// ── 1. Load configuration ────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// ── 2. Structured logger ─────────────────────────────────────────────────
	log, err := logging.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	log.Info("epochtick starting",
		zap.String("addr", cfg.Server.Addr()),
		zap.Duration("tick_interval", cfg.Scheduler.TickInterval),
		zap.Bool("deadletter", cfg.DeadLetter.Enabled),
		zap.Bool("websocket", cfg.WebSocket.Enabled),
		zap.Bool("webhook", cfg.Webhook.URL != ""),
	)

	reg := &metrics.Registry{}

	// ── 3. Dead-letter journal ───────────────────────────────────────────────
	var journal *deadletter.Journal
	if cfg.DeadLetter.Enabled {
		if err := os.MkdirAll(filepath.Dir(cfg.DeadLetter.Path), 0o750); err != nil {
			return fmt.Errorf("create deadletter dir: %w", err)
		}
		journal, err = deadletter.Open(cfg.DeadLetter.Path)
		if err != nil {
			return err
		}
		defer func() {
			if err := journal.Close(); err != nil {
				log.Warn("deadletter close error", zap.Error(err))
			}
		}()
	}

	// ── 4. Dispatch sinks ────────────────────────────────────────────────────
	sinks := []sink.Func{sink.Log(log.Named("dispatch"))}
	var hub *transportws.Hub
	if cfg.WebSocket.Enabled {
		hub = transportws.NewHub(log.Named("websocket"))
		defer hub.Close()
		sinks = append(sinks, hub.Dispatch)
	}
	if cfg.Webhook.URL != "" {
		sinks = append(sinks, sink.NewWebhook(cfg.Webhook.URL, cfg.Webhook.Secret, cfg.Webhook.Timeout).Dispatch)
	}

	// ── 5. Scheduler ─────────────────────────────────────────────────────────
	sched := scheduler.New(sink.Fanout(sinks...),
		scheduler.WithTickInterval(cfg.Scheduler.TickInterval),
		scheduler.WithLogger(log.Named("scheduler")),
		scheduler.WithMetrics(reg),
	)
	if journal != nil {
		sched.OnFailure(func(ts int64, ev scheduler.Event[json.RawMessage], err error) {
			if rerr := journal.Record(deadletter.Entry{
				ID:        ev.ID,
				Topic:     ev.Topic,
				Timestamp: ts,
				Message:   ev.Message,
				Error:     err.Error(),
			}); rerr != nil {
				log.Error("deadletter record failed", zap.String("id", ev.ID), zap.Error(rerr))
			}
		})
	}

	// ── 6. HTTP / WebSocket transport ────────────────────────────────────────
	srv := transphttp.New(cfg, sched, journal, hub, reg, log.Named("http"))

	// ── 7. Run until SIGINT / SIGTERM ────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("epochtick ready", zap.String("addr", cfg.Server.Addr()))
		if err := srv.ListenAndServe(cfg.Server.Addr()); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")

		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			log.Warn("server shutdown error", zap.Error(err))
		}
		sched.Stop()
		return nil
	})

	err = g.Wait()
	log.Info("epochtick stopped", zap.Int("pending_dropped", sched.Len()))
	return err
}
