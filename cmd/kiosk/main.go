// cmd/kiosk/main.go
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"cardkiosk/internal/cards"
	"cardkiosk/internal/clients"
	"cardkiosk/internal/config"
	"cardkiosk/internal/metrics"
	"cardkiosk/internal/operator"
	"cardkiosk/internal/relay"
	"cardkiosk/internal/snapshot"
	"cardkiosk/internal/telemetry"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

func main() {
	hashPin := flag.String("hash-pin", "", "print OPERATOR_PIN_HASH and OPERATOR_PIN_SALT for the given pin and exit")
	flag.Parse()

	if *hashPin != "" {
		hash, salt, err := operator.HashPin(*hashPin)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to hash pin: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("OPERATOR_PIN_HASH=%s\nOPERATOR_PIN_SALT=%s\n", hash, salt)
		return
	}

	cfg, err := config.New()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.Log.Level)}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("kiosk stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry.OTLPEndpoint, cfg.Telemetry.ServiceName)
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("failed to flush traces", "error", err)
		}
	}()

	persister, closer, err := snapshot.Open(ctx, snapshot.Config{
		Backend:     cfg.Snapshot.Backend,
		Path:        cfg.Snapshot.Path,
		DatabaseURL: cfg.Snapshot.DatabaseURL,
		KioskID:     kioskID(cfg.Kiosk.ID),
	})
	if err != nil {
		return fmt.Errorf("failed to open snapshot backend: %w", err)
	}
	defer closer.Close()

	m := metrics.New()
	store, err := cards.OpenStore(ctx, persister,
		cards.WithMaxQueue(cfg.Queue.MaxSize),
		cards.WithStoreLogger(logger),
		cards.WithStoreMetrics(m),
	)
	if err != nil {
		return err
	}

	var worker *relay.Worker
	opts := []cards.Option{
		cards.WithMinLength(cfg.Kiosk.MinLength),
		cards.WithDebounce(cfg.Kiosk.Debounce),
		cards.WithLogger(logger),
		cards.WithMetrics(m),
	}
	if cfg.Remote.Enabled {
		opts = append(opts,
			cards.WithRemote(clients.NewRemoteClient(clients.RemoteConfig{
				BaseURL:         cfg.Remote.BaseURL,
				Timeout:         cfg.Remote.Timeout,
				BreakerFailures: cfg.Remote.BreakerFailures,
				BreakerCooldown: cfg.Remote.BreakerCooldown,
				Logger:          logger,
			})),
			cards.WithRecoveryHook(func() { worker.Notify() }),
		)
		if cfg.Queue.FlushRate > 0 {
			opts = append(opts, cards.WithFlushLimiter(rate.NewLimiter(rate.Limit(cfg.Queue.FlushRate), 1)))
		}
	} else {
		logger.Warn("remote writes are disabled, transitions stay local")
	}
	svc := cards.NewService(store, opts...)

	handlerOpts := []cards.HandlerOption{cards.WithHandlerLogger(logger)}
	if cfg.OCR.BaseURL != "" {
		handlerOpts = append(handlerOpts, cards.WithExtractor(clients.NewOCRClient(cfg.OCR.BaseURL, cfg.OCR.Timeout)))
	}
	if cfg.Operator.PinHash != "" {
		pin, err := operator.NewPin(cfg.Operator.PinHash, cfg.Operator.PinSalt)
		if err != nil {
			return fmt.Errorf("invalid operator pin: %w", err)
		}
		handlerOpts = append(handlerOpts, cards.WithPin(pin))
	} else {
		logger.Warn("no operator pin configured, clearing data is unprotected")
	}

	router := cards.NewHandler(svc, handlerOpts...).Routes()
	router.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: cfg.HTTP.Addr, Handler: router}

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Remote.Enabled {
		worker = relay.New(svc, logger, relay.Config{
			Interval:    cfg.Queue.FlushInterval,
			MaxInterval: cfg.Queue.FlushMaxInterval,
		})
		if err := worker.Start(gctx); err != nil {
			return err
		}
		if pending := len(svc.Pending(ctx)); pending > 0 {
			logger.Info("replaying writes left from a previous run", "pending", pending)
			worker.Notify()
		}
	}

	g.Go(func() error {
		logger.Info("starting card kiosk", "addr", cfg.HTTP.Addr, "snapshot_backend", cfg.Snapshot.Backend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("graceful shutdown failed", "error", err)
		}
		if worker != nil {
			return worker.Shutdown(shutdownCtx)
		}
		return nil
	})

	return g.Wait()
}

// kioskID falls back to an ID derived from the hostname so restarts keep
// the same postgres row.
func kioskID(id uuid.UUID) uuid.UUID {
	if id != uuid.Nil {
		return id
	}
	host, err := os.Hostname()
	if err != nil {
		host = "cardkiosk"
	}
	return uuid.NewSHA1(uuid.NameSpaceDNS, []byte(host))
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
