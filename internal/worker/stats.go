package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/punchamoorthee/tokenfaucet/internal/domain"
)

var (
	queueRequests = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "faucet_queue_requests",
		Help: "Disbursement requests by status",
	}, []string{"status"})

	queueOldestPending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "faucet_queue_oldest_pending_seconds",
		Help: "Age of the oldest non-terminal request",
	})

	queueStuck = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "faucet_queue_stuck_requests",
		Help: "Requests parked for manual reconciliation",
	})
)

type StatsSource interface {
	QueueStats(ctx context.Context, now time.Time) (domain.QueueStats, error)
}

// StatsReporter publishes queue depth gauges on an interval.
type StatsReporter struct {
	Source   StatsSource
	Interval time.Duration
	Logger   *slog.Logger
}

func (r StatsReporter) Run(ctx context.Context) error {
	interval := r.Interval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		r.RunOnce(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (r StatsReporter) RunOnce(ctx context.Context) {
	stats, err := r.Source.QueueStats(ctx, time.Now())
	if err != nil {
		if ctx.Err() == nil {
			logger := r.Logger
			if logger == nil {
				logger = slog.Default()
			}
			logger.Warn("queue stats failed", "event", "queue_stats_failed", "layer", "worker", "error", err.Error())
		}
		return
	}
	for _, s := range []domain.Status{domain.StatusPending, domain.StatusProcessing, domain.StatusCompleted, domain.StatusFailed} {
		queueRequests.WithLabelValues(string(s)).Set(float64(stats.ByStatus[s]))
	}
	queueOldestPending.Set(stats.OldestPendingAge.Seconds())
	queueStuck.Set(float64(stats.Stuck))
}
