// Package relay replays the pending remote writes in the background.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"cardkiosk/internal/cards"

	"github.com/cenkalti/backoff/v5"
)

// Flusher runs one pass over the pending queue.
type Flusher interface {
	Flush(ctx context.Context) (*cards.FlushResult, error)
}

type Config struct {
	Interval     time.Duration
	MaxInterval  time.Duration
	FlushTimeout time.Duration
}

// Worker flushes on a fixed interval while flushes make progress and backs
// off exponentially, up to MaxInterval, while every attempt fails. Notify
// triggers a flush right away.
type Worker struct {
	flusher Flusher
	logger  *slog.Logger
	cfg     Config
	notify  chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	started atomic.Bool
	runs    atomic.Int64
}

func New(f Flusher, l *slog.Logger, cfg Config) *Worker {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.MaxInterval < cfg.Interval {
		cfg.MaxInterval = cfg.Interval
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = time.Minute
	}
	if l == nil {
		l = slog.Default()
	}
	return &Worker{
		flusher: f,
		logger:  l,
		cfg:     cfg,
		notify:  make(chan struct{}, 1),
	}
}

func (w *Worker) Start(ctx context.Context) error {
	if !w.started.CompareAndSwap(false, true) {
		return fmt.Errorf("relay worker already started")
	}

	w.ctx, w.cancel = context.WithCancel(ctx)

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.loop()
	}()
	return nil
}

// Notify asks for a flush as soon as possible. It never blocks.
func (w *Worker) Notify() {
	select {
	case w.notify <- struct{}{}:
	default:
	}
}

// Runs is the number of flushes the worker has started.
func (w *Worker) Runs() int64 {
	return w.runs.Load()
}

func (w *Worker) loop() {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = w.cfg.Interval
	bo.MaxInterval = w.cfg.MaxInterval
	bo.Reset()

	timer := time.NewTimer(w.cfg.Interval)
	defer timer.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-timer.C:
		case <-w.notify:
		}

		next := w.cfg.Interval
		if w.flushOnce() {
			bo.Reset()
		} else {
			next = bo.NextBackOff()
			w.logger.Warn("remote authority still unreachable, backing off", "next_flush_in", next)
		}
		timer.Reset(next)
	}
}

// flushOnce reports whether the queue is healthy: empty, or at least one
// write was delivered.
func (w *Worker) flushOnce() bool {
	w.runs.Add(1)
	ctx, cancel := context.WithTimeout(w.ctx, w.cfg.FlushTimeout)
	defer cancel()

	res, err := w.flusher.Flush(ctx)
	if err != nil {
		w.logger.Error("relay flush failed", "error", err)
	}
	if res == nil {
		return err == nil
	}
	return res.Attempted == 0 || res.Succeeded > 0
}

func (w *Worker) Shutdown(ctx context.Context) error {
	if !w.started.Load() {
		return nil
	}

	if w.cancel != nil {
		w.cancel()
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
