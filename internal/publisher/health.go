package publisher

import (
	"context"
	"time"

	"github.com/thriftcircle/groups/internal/roster"
)

const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
)

type health struct {
	consecutiveFailures int
	lastError           string
	lastFailureAt       *time.Time
	lastSuccessAt       *time.Time
}

// Health is a point-in-time view of delivery progress.
type Health struct {
	Status              string             `json:"status"`
	ConsecutiveFailures int                `json:"consecutive_failures"`
	LastError           string             `json:"last_error,omitempty"`
	LastFailureAt       *time.Time         `json:"last_failure_at,omitempty"`
	LastSuccessAt       *time.Time         `json:"last_success_at,omitempty"`
	Outbox              roster.OutboxStats `json:"outbox"`
	OldestPendingAge    string             `json:"oldest_pending_age,omitempty"`
	StatsError          string             `json:"stats_error,omitempty"`
}

// Degraded reports whether delivery has failed too many times in a row.
func (h Health) Degraded() bool { return h.Status == StatusDegraded }

// Health reports delivery state and the outbox backlog.
func (p *Publisher) Health(ctx context.Context) Health {
	p.mu.Lock()
	h := Health{
		Status:              StatusOK,
		ConsecutiveFailures: p.health.consecutiveFailures,
		LastError:           p.health.lastError,
		LastFailureAt:       p.health.lastFailureAt,
		LastSuccessAt:       p.health.lastSuccessAt,
	}
	p.mu.Unlock()
	if h.ConsecutiveFailures >= p.cfg.UnhealthyAfter {
		h.Status = StatusDegraded
	}

	stats, err := p.outbox.OutboxStats(ctx)
	if err != nil {
		h.StatsError = err.Error()
		return h
	}
	h.Outbox = stats
	if stats.OldestPendingAt != nil {
		h.OldestPendingAge = p.now().Sub(*stats.OldestPendingAt).Truncate(time.Second).String()
	}
	return h
}

func (p *Publisher) succeed() {
	now := p.now()
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.health.consecutiveFailures >= p.cfg.UnhealthyAfter {
		p.logger.Info("event delivery recovered")
	}
	p.health.consecutiveFailures = 0
	p.health.lastSuccessAt = &now
}

func (p *Publisher) recordFailure(err error) (failures int, degraded bool) {
	now := p.now()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.health.consecutiveFailures++
	p.health.lastError = err.Error()
	p.health.lastFailureAt = &now
	return p.health.consecutiveFailures, p.health.consecutiveFailures >= p.cfg.UnhealthyAfter
}
