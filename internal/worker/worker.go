// Package worker implements the claim-based job executor backing the
// Outbox's asynchronous publish step (§4.8): claim a batch, hand each job
// to a Publish function, return a failed job to pending for a later claim,
// and route jobs that exhausted mretry's retry budget to the dead-letter
// queue. No backoff delay is applied between attempts.
package worker

import (
	"context"
	"time"

	"github.com/hustlexp/escrow-kernel/internal/outbox"
	"github.com/hustlexp/escrow-kernel/internal/platform/mlog"
	"github.com/hustlexp/escrow-kernel/internal/platform/mopentelemetry"
	"github.com/hustlexp/escrow-kernel/internal/platform/mretry"
)

// Publish sends a single claimed event downstream (e.g. onto a RabbitMQ
// exchange for mail/SMS/analytics consumers).
type Publish func(ctx context.Context, event outbox.Event) error

// SuppressionChecker re-checks, at claim time, whether the event's target
// is on a suppression list (e.g. a user who unsubscribed after the event
// was captured but before it was sent).
type SuppressionChecker func(ctx context.Context, event outbox.Event) (bool, error)

// Pool claims and processes outbox events on a fixed interval.
type Pool struct {
	Repository  outbox.Repository
	Publish     Publish
	Suppressed  SuppressionChecker
	Retry       mretry.Config
	BatchSize   int
	Interval    time.Duration
}

// NewPool builds a Pool with the Outbox retry defaults.
func NewPool(repo outbox.Repository, publish Publish, suppressed SuppressionChecker) *Pool {
	return &Pool{
		Repository: repo,
		Publish:    publish,
		Suppressed: suppressed,
		Retry:      mretry.DefaultMetadataOutboxConfig(),
		BatchSize:  20,
		Interval:   5 * time.Second,
	}
}

// Run claims and processes batches until ctx is cancelled.
func (p *Pool) Run(ctx context.Context) {
	logger := mlog.NewLoggerFromContext(ctx)

	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.RunOnce(ctx); err != nil {
				logger.Errorf("worker: batch processing error: %v", err)
			}
		}
	}
}

// RunOnce claims and processes a single batch, returning after it
// completes; useful for tests and manual triggers.
func (p *Pool) RunOnce(ctx context.Context) error {
	tracer := mopentelemetry.NewTracerFromContext(ctx)
	ctx, span := tracer.Start(ctx, "worker.RunOnce")
	defer span.End()

	events, err := p.Repository.Claim(ctx, p.BatchSize)
	if err != nil {
		mopentelemetry.HandleSpanError(&span, "failed to claim outbox batch", err)
		return err
	}

	for _, event := range events {
		p.process(ctx, event)
	}

	return nil
}

func (p *Pool) process(ctx context.Context, event outbox.Event) {
	logger := mlog.NewLoggerFromContext(ctx)

	if p.Suppressed != nil {
		suppressed, err := p.Suppressed(ctx, event)
		if err != nil {
			logger.Warnf("worker: suppression check failed for event %s: %v", event.ID, err)
		} else if suppressed {
			logger.Infof("worker: event %s suppressed at claim time, marking sent without publishing", event.ID)
			_ = p.Repository.MarkSent(ctx, event.ID)
			return
		}
	}

	if err := p.Publish(ctx, event); err != nil {
		p.handleFailure(ctx, event, err)
		return
	}

	_ = p.Repository.MarkSent(ctx, event.ID)
}

func (p *Pool) handleFailure(ctx context.Context, event outbox.Event, err error) {
	logger := mlog.NewLoggerFromContext(ctx)
	logger.Warnf("worker: publish failed for event %s (attempt %d): %v", event.ID, event.Attempts, err)

	if p.Retry.Exhausted(event.Attempts) {
		logger.Errorf("worker: event %s exhausted retries, routing to DLQ", event.ID)
		_ = p.Repository.MarkDead(ctx, event.ID)
		return
	}

	_ = p.Repository.MarkFailed(ctx, event.ID, event.Attempts)
}
