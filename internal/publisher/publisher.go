// Package publisher drains the event outbox to the message bus. It runs apart
// from request handling: a committed membership change is never delayed or
// failed by bus trouble, and every staged event is retried until delivered.
package publisher

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/thriftcircle/groups/internal/bus"
	"github.com/thriftcircle/groups/internal/roster"
)

// Config tunes the drain loop.
type Config struct {
	Consumer       string
	BatchSize      int
	PollInterval   time.Duration
	LeaseTTL       time.Duration
	PublishTimeout time.Duration
	RetryBackoff   time.Duration
	RetryMaxDelay  time.Duration
	UnhealthyAfter int
	TopicPrefix    string
}

func (c *Config) applyDefaults() {
	if c.Consumer == "" {
		c.Consumer = "group-events"
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 30 * time.Second
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 5 * time.Second
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = time.Second
	}
	if c.RetryMaxDelay < c.RetryBackoff {
		c.RetryMaxDelay = 5 * time.Minute
	}
	if c.UnhealthyAfter <= 0 {
		c.UnhealthyAfter = 5
	}
}

// Publisher delivers outbox entries in seq order. An entry that fails is
// rescheduled and the rest of its group waits behind it, so consumers see each
// group's events in commit order. Delivery is at-least-once: a crash between
// publish and mark leaves the lease to expire and the entry is sent again.
type Publisher struct {
	outbox roster.Outbox
	bus    bus.Publisher
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	mu     sync.Mutex
	health health
}

// New creates a publisher.
func New(outbox roster.Outbox, b bus.Publisher, cfg Config, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.applyDefaults()
	return &Publisher{
		outbox: outbox,
		bus:    b,
		cfg:    cfg,
		logger: logger.With(zap.String("consumer", cfg.Consumer)),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Run drains the outbox until ctx is cancelled. Store errors back off
// exponentially; a full batch is followed immediately by the next claim.
func (p *Publisher) Run(ctx context.Context) {
	p.logger.Info("event publisher started",
		zap.Int("batch_size", p.cfg.BatchSize),
		zap.Duration("poll_interval", p.cfg.PollInterval))

	idle := backoff.NewExponentialBackOff()
	idle.InitialInterval = p.cfg.PollInterval
	idle.MaxInterval = p.cfg.RetryMaxDelay

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("event publisher stopping")
			return
		case <-timer.C:
		}

		claimed, err := p.DrainOnce(ctx)
		wait := p.cfg.PollInterval
		switch {
		case err != nil && ctx.Err() == nil:
			wait = idle.NextBackOff()
			p.logger.Warn("outbox drain failed", zap.Error(err), zap.Duration("retry_in", wait))
		case claimed >= p.cfg.BatchSize:
			idle.Reset()
			wait = 0
		default:
			idle.Reset()
		}
		timer.Reset(wait)
	}
}

// DrainOnce claims one batch and tries to deliver it. It returns the number of
// entries claimed.
func (p *Publisher) DrainOnce(ctx context.Context) (int, error) {
	entries, err := p.outbox.ClaimOutbox(ctx, p.cfg.Consumer, p.cfg.BatchSize, p.now(), p.cfg.LeaseTTL)
	if err != nil {
		return 0, err
	}
	// Bookkeeping for entries already handed to the bus must survive shutdown.
	bookCtx := context.WithoutCancel(ctx)

	blocked := make(map[uuid.UUID]bool)
	for i, e := range entries {
		if ctx.Err() != nil {
			p.release(bookCtx, entries[i:])
			return len(entries), ctx.Err()
		}
		if blocked[e.GroupID] {
			p.release(bookCtx, entries[i:i+1])
			continue
		}
		if err := p.deliver(ctx, e); err != nil {
			if ctx.Err() != nil {
				// Stopping; the bus did not fail this entry.
				p.release(bookCtx, entries[i:])
				return len(entries), ctx.Err()
			}
			blocked[e.GroupID] = true
			p.fail(bookCtx, e, err)
			continue
		}
		if err := p.outbox.MarkPublished(bookCtx, e.Seq, p.cfg.Consumer, p.now()); err != nil {
			// The lease expires and the entry is delivered again.
			p.logger.Warn("mark published failed",
				zap.Int64("seq", e.Seq),
				zap.String("event_id", e.EventID.String()),
				zap.Error(err))
			blocked[e.GroupID] = true
			continue
		}
		p.succeed()
	}
	return len(entries), nil
}

func (p *Publisher) deliver(ctx context.Context, e roster.OutboxEntry) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.PublishTimeout)
	defer cancel()

	value, err := bus.WithSeq(e.Payload, e.Seq)
	if err != nil {
		p.logger.Warn("staged payload is not an envelope, sending as stored",
			zap.Int64("seq", e.Seq), zap.Error(err))
		value = e.Payload
	}
	return p.bus.Publish(ctx, bus.Message{
		Topic: p.cfg.TopicPrefix + e.Topic,
		Key:   e.GroupID.String(),
		Value: value,
		Headers: map[string]string{
			"event_id": e.EventID.String(),
			"group_id": e.GroupID.String(),
			"seq":      strconv.FormatInt(e.Seq, 10),
		},
	})
}

func (p *Publisher) fail(ctx context.Context, e roster.OutboxEntry, cause error) {
	attempt := e.Attempts + 1
	delay := RetryDelay(attempt, p.cfg.RetryBackoff, p.cfg.RetryMaxDelay)
	failures, degraded := p.recordFailure(cause)

	fields := []zap.Field{
		zap.Int64("seq", e.Seq),
		zap.String("event_id", e.EventID.String()),
		zap.String("group_id", e.GroupID.String()),
		zap.String("topic", e.Topic),
		zap.Int("attempt", attempt),
		zap.Duration("retry_in", delay),
		zap.Int("consecutive_failures", failures),
		zap.Error(cause),
	}
	if degraded {
		p.logger.Error("event delivery failing, publisher degraded", fields...)
	} else {
		p.logger.Warn("event delivery failed", fields...)
	}

	if err := p.outbox.MarkRetry(ctx, e.Seq, p.cfg.Consumer, p.now().Add(delay), cause.Error()); err != nil {
		p.logger.Warn("schedule retry failed", zap.Int64("seq", e.Seq), zap.Error(err))
	}
}

func (p *Publisher) release(ctx context.Context, entries []roster.OutboxEntry) {
	for _, e := range entries {
		if err := p.outbox.ReleaseOutbox(ctx, e.Seq, p.cfg.Consumer); err != nil && !errors.Is(err, context.Canceled) {
			p.logger.Warn("release lease failed", zap.Int64("seq", e.Seq), zap.Error(err))
		}
	}
}

// RetryDelay is base doubled per previous attempt, capped at maxDelay.
func RetryDelay(attempt int, base, maxDelay time.Duration) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay || delay <= 0 {
			return maxDelay
		}
	}
	return min(delay, maxDelay)
}
