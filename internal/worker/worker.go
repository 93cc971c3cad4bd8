// Package worker drains the disbursement queue into the ledger network.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/punchamoorthee/tokenfaucet/internal/chain"
	"github.com/punchamoorthee/tokenfaucet/internal/domain"
	"github.com/punchamoorthee/tokenfaucet/internal/store"
	"golang.org/x/sync/errgroup"
)

var (
	submissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "faucet_submissions_total",
		Help: "Ledger submissions by outcome",
	}, []string{"outcome"})

	reconciliationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "faucet_reconciliations_total",
		Help: "Reconciliation lookups by outcome",
	}, []string{"outcome"})
)

// Queue is the part of the store the worker drives.
type Queue interface {
	Lease(ctx context.Context, p store.LeaseParams) ([]domain.LeasedRequest, error)
	Reschedule(ctx context.Context, id, token string, p store.RetryParams) error
	Complete(ctx context.Context, id, token, txRef string, at time.Time) error
	Fail(ctx context.Context, id, token, reason string, at time.Time) error
	MarkStuck(ctx context.Context, id, token, reason string, at time.Time) error
}

type Config struct {
	Concurrency  int
	BatchSize    int
	PollInterval time.Duration
	// Visibility is how long a lease hides a request from other workers.
	// It must exceed SubmitTimeout plus QueryTimeout.
	Visibility    time.Duration
	BackoffBase   time.Duration
	BackoffMax    time.Duration
	SubmitTimeout time.Duration
	QueryTimeout  time.Duration
	// MaxAttempts bounds submissions. ReconcileAttempts is the number of
	// extra leases spent asking the ledger before a request is parked.
	MaxAttempts       int
	ReconcileAttempts int
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.BatchSize <= 0 {
		c.BatchSize = c.Concurrency * 4
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.SubmitTimeout <= 0 {
		c.SubmitTimeout = 10 * time.Second
	}
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = 5 * time.Second
	}
	if c.Visibility <= c.SubmitTimeout+c.QueryTimeout {
		c.Visibility = 2 * (c.SubmitTimeout + c.QueryTimeout)
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffMax < c.BackoffBase {
		c.BackoffMax = c.BackoffBase
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.ReconcileAttempts <= 0 {
		c.ReconcileAttempts = 3
	}
	return c
}

type Worker struct {
	queue  Queue
	ledger chain.Client
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

func New(q Queue, ledger chain.Client, cfg Config, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		queue:  q,
		ledger: ledger,
		cfg:    cfg.withDefaults(),
		logger: logger.With("layer", "worker"),
		now:    time.Now,
	}
}

// Backoff is min(base * 2^(attempt-1), ceiling).
func Backoff(attempt int, base, ceiling time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 32 {
		return ceiling
	}
	d := base << (attempt - 1)
	if d <= 0 || d > ceiling {
		return ceiling
	}
	return d
}

// Run polls until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("submission worker started",
		"event", "worker_started",
		"concurrency", w.cfg.Concurrency,
		"max_attempts", w.cfg.MaxAttempts,
	)
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		n, err := w.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			w.logger.Error("lease round failed", "event", "worker_lease_failed", "error", err.Error())
		}
		// A full batch means there is probably more work waiting.
		if n >= w.cfg.BatchSize && ctx.Err() == nil {
			continue
		}
		select {
		case <-ctx.Done():
			w.logger.Info("submission worker stopped", "event", "worker_stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce leases one batch and processes it. It returns how many requests
// were leased.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	leased, err := w.queue.Lease(ctx, store.LeaseParams{
		Now:        w.now(),
		Visibility: w.cfg.Visibility,
		Limit:      w.cfg.BatchSize,
	})
	if err != nil {
		return 0, err
	}

	g := new(errgroup.Group)
	g.SetLimit(w.cfg.Concurrency)
	for _, lr := range leased {
		g.Go(func() error {
			w.Process(ctx, lr)
			return nil
		})
	}
	return len(leased), g.Wait()
}

// Process drives one leased request as far as it can go in this attempt.
func (w *Worker) Process(ctx context.Context, lr domain.LeasedRequest) {
	log := w.logger.With("request_id", lr.ID, "attempt", lr.Attempts)

	var err error
	switch {
	case lr.Attempts > w.cfg.MaxAttempts:
		err = w.reconcileOnly(ctx, log, lr)
	case lr.Attempts > 1 || lr.TxReference != "":
		err = w.reconcileThenSubmit(ctx, log, lr)
	default:
		err = w.submit(ctx, log, lr)
	}

	switch {
	case err == nil:
	case errors.Is(err, domain.ErrLeaseLost):
		log.Warn("lease lost before write", "event", "worker_lease_lost")
	default:
		// The lease will expire and the request will be redelivered.
		log.Error("queue write failed", "event", "worker_write_failed", "error", err.Error())
	}
}

func (w *Worker) reconcileThenSubmit(ctx context.Context, log *slog.Logger, lr domain.LeasedRequest) error {
	receipt, err := w.query(ctx, lr)
	if err != nil {
		return w.retry(ctx, log, lr, fmt.Sprintf("reconcile: %v", err), "")
	}
	switch receipt.Outcome {
	case chain.OutcomeSuccess:
		return w.complete(ctx, log, lr, pickRef(receipt.TxReference, lr.TxReference))
	case chain.OutcomeFailure:
		return w.fail(ctx, log, lr, "ledger reported transfer failed")
	case chain.OutcomePending:
		return w.retry(ctx, log, lr, "transfer pending on ledger", receipt.TxReference)
	default:
		return w.submit(ctx, log, lr)
	}
}

// reconcileOnly runs once the submission budget is spent. A transfer the
// ledger has never seen is failed; an unanswered query is retried until the
// reconciliation budget is spent too.
func (w *Worker) reconcileOnly(ctx context.Context, log *slog.Logger, lr domain.LeasedRequest) error {
	receipt, err := w.query(ctx, lr)
	if err != nil {
		return w.retry(ctx, log, lr, fmt.Sprintf("reconcile: %v", err), "")
	}
	switch receipt.Outcome {
	case chain.OutcomeSuccess:
		return w.complete(ctx, log, lr, pickRef(receipt.TxReference, lr.TxReference))
	case chain.OutcomePending:
		return w.retry(ctx, log, lr, "transfer pending on ledger", receipt.TxReference)
	default:
		reason := "retry budget exhausted"
		if lr.LastError != "" {
			reason += ": " + lr.LastError
		}
		return w.fail(ctx, log, lr, reason)
	}
}

func (w *Worker) query(ctx context.Context, lr domain.LeasedRequest) (chain.Receipt, error) {
	qctx, cancel := context.WithTimeout(ctx, w.cfg.QueryTimeout)
	defer cancel()
	receipt, err := w.ledger.QueryStatus(qctx, lr.ID, lr.TxReference)
	if err != nil {
		reconciliationsTotal.WithLabelValues("error").Inc()
		return chain.Receipt{}, err
	}
	reconciliationsTotal.WithLabelValues(string(receipt.Outcome)).Inc()
	return receipt, nil
}

func (w *Worker) submit(ctx context.Context, log *slog.Logger, lr domain.LeasedRequest) error {
	sctx, cancel := context.WithTimeout(ctx, w.cfg.SubmitTimeout)
	txRef, err := w.ledger.Submit(sctx, chain.Transfer{
		Destination:    lr.Destination,
		Amount:         lr.Amount,
		IdempotencyKey: lr.ID,
	})
	cancel()

	switch {
	case err == nil:
		submissionsTotal.WithLabelValues("success").Inc()
		return w.complete(ctx, log, lr, txRef)
	case errors.Is(err, chain.ErrPermanent):
		submissionsTotal.WithLabelValues("permanent").Inc()
		return w.fail(ctx, log, lr, err.Error())
	case errors.Is(err, chain.ErrTransient):
		submissionsTotal.WithLabelValues("transient").Inc()
		return w.retry(ctx, log, lr, err.Error(), "")
	default:
		// Ambiguous or unclassified: the next attempt reconciles first.
		submissionsTotal.WithLabelValues("ambiguous").Inc()
		return w.retry(ctx, log, lr, err.Error(), chain.TxReferenceOf(err))
	}
}

// writeCtx detaches store writes from shutdown so a finished chain call is
// still recorded.
func writeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
}

func (w *Worker) complete(ctx context.Context, log *slog.Logger, lr domain.LeasedRequest, txRef string) error {
	wctx, cancel := writeCtx(ctx)
	defer cancel()
	if err := w.queue.Complete(wctx, lr.ID, lr.LeaseToken, txRef, w.now()); err != nil {
		return err
	}
	log.Info("disbursement completed", "event", "disbursement_completed", "tx_reference", txRef, "amount", lr.Amount)
	return nil
}

func (w *Worker) fail(ctx context.Context, log *slog.Logger, lr domain.LeasedRequest, reason string) error {
	wctx, cancel := writeCtx(ctx)
	defer cancel()
	if err := w.queue.Fail(wctx, lr.ID, lr.LeaseToken, reason, w.now()); err != nil {
		return err
	}
	log.Warn("disbursement failed", "event", "disbursement_failed", "reason", reason)
	return nil
}

// retry reschedules with backoff, or parks the request once both budgets
// are spent.
func (w *Worker) retry(ctx context.Context, log *slog.Logger, lr domain.LeasedRequest, reason, txRef string) error {
	wctx, cancel := writeCtx(ctx)
	defer cancel()
	now := w.now()

	if lr.Attempts >= w.cfg.MaxAttempts+w.cfg.ReconcileAttempts {
		if err := w.queue.MarkStuck(wctx, lr.ID, lr.LeaseToken, reason, now); err != nil {
			return err
		}
		log.Error("disbursement needs manual reconciliation", "event", "disbursement_stuck", "reason", reason)
		return nil
	}

	delay := Backoff(lr.Attempts, w.cfg.BackoffBase, w.cfg.BackoffMax)
	err := w.queue.Reschedule(wctx, lr.ID, lr.LeaseToken, store.RetryParams{
		NextAttemptAt: now.Add(delay),
		LastError:     reason,
		TxReference:   txRef,
		At:            now,
	})
	if err != nil {
		return err
	}
	log.Info("disbursement rescheduled", "event", "disbursement_retry", "delay", delay.String(), "reason", reason)
	return nil
}

func pickRef(refs ...string) string {
	for _, r := range refs {
		if r != "" {
			return r
		}
	}
	return ""
}
