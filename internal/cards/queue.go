package cards

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

// Flush makes one delivery attempt for every operation pending when it
// starts. Delivered operations are removed; the rest stay queued in order.
func (s *service) Flush(ctx context.Context) (*FlushResult, error) {
	if s.remote == nil {
		return &FlushResult{Remaining: s.store.pendingCount(), EvictedTotal: s.store.EvictedTotal()}, nil
	}

	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	ctx, span := s.tracer.Start(ctx, "cards.flush")
	defer span.End()

	start := time.Now()
	pending := s.store.pendingSnapshot()
	res := &FlushResult{EvictedTotal: s.store.EvictedTotal()}
	if len(pending) == 0 {
		return res, nil
	}

	delivered := make(map[uuid.UUID]struct{}, len(pending))
	failed := make(map[uuid.UUID]string)

	var interrupted error
	for _, op := range pending {
		if err := s.wait(ctx); err != nil {
			interrupted = err
			break
		}

		res.Attempted++
		if err := s.remote.Send(ctx, op.Endpoint, op.Payload); err != nil {
			s.metrics.RemoteWrite(op.Endpoint, false)
			failed[op.ID] = fmt.Errorf("%w: %v", ErrRemoteWrite, err).Error()
			res.Failed++
			continue
		}
		s.metrics.RemoteWrite(op.Endpoint, true)
		delivered[op.ID] = struct{}{}
		res.Succeeded++
	}

	res.Remaining = s.store.settle(ctx, delivered, failed)
	res.EvictedTotal = s.store.EvictedTotal()
	s.metrics.FlushCompleted(time.Since(start), *res)

	span.SetAttributes(
		attribute.Int("flush.attempted", res.Attempted),
		attribute.Int("flush.succeeded", res.Succeeded),
		attribute.Int("flush.failed", res.Failed),
		attribute.Int("flush.remaining", res.Remaining),
	)
	s.logger.Info("pending queue flushed",
		"pending", len(pending), "succeeded", res.Succeeded, "failed", res.Failed, "remaining", res.Remaining)

	if interrupted != nil {
		span.RecordError(interrupted)
		return res, fmt.Errorf("flush interrupted: %w", interrupted)
	}
	return res, nil
}

func (s *service) wait(ctx context.Context) error {
	if s.limiter != nil {
		return s.limiter.Wait(ctx)
	}
	return ctx.Err()
}
