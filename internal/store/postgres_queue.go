package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/punchamoorthee/tokenfaucet/internal/domain"
	"github.com/punchamoorthee/tokenfaucet/internal/policy"
)

const requestColumns = `id, account_id, channel, destination, amount, day, status, tx_reference, attempts,
	last_error, quota_released, needs_attention, next_attempt_at, requested_at, updated_at, processed_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRequest(row scanner, extra ...any) (domain.DisbursementRequest, error) {
	var (
		r               domain.DisbursementRequest
		channel, status string
		day             time.Time
		txRef, lastErr  *string
		processedAt     *time.Time
	)
	dest := []any{
		&r.ID, &r.AccountID, &channel, &r.Destination, &r.Amount, &day, &status, &txRef, &r.Attempts,
		&lastErr, &r.QuotaReleased, &r.NeedsAttention, &r.NextAttemptAt, &r.RequestedAt, &r.UpdatedAt, &processedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return domain.DisbursementRequest{}, err
	}
	r.Channel = domain.Channel(channel)
	r.Status = domain.Status(status)
	r.Day = day.Format(domain.DayLayout)
	if txRef != nil {
		r.TxReference = *txRef
	}
	if lastErr != nil {
		r.LastError = *lastErr
	}
	r.ProcessedAt = processedAt
	return r, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (s *Postgres) Lease(ctx context.Context, p LeaseParams) ([]domain.LeasedRequest, error) {
	limit := p.Limit
	if limit <= 0 {
		limit = 1
	}
	now := p.Now.UTC()

	// SKIP LOCKED hands each row to exactly one concurrent lease round.
	rows, err := s.db.Query(ctx, `
		WITH picked AS (
			SELECT id FROM disbursement_requests
			WHERE status IN ('pending', 'processing')
			  AND NOT needs_attention
			  AND next_attempt_at <= $1
			ORDER BY next_attempt_at, requested_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE disbursement_requests r
		SET status = 'processing',
		    attempts = r.attempts + 1,
		    lease_token = gen_random_uuid()::text,
		    next_attempt_at = $3,
		    updated_at = $1
		FROM picked
		WHERE r.id = picked.id
		RETURNING `+prefixed("r.", requestColumns)+`, r.lease_token`,
		now, limit, now.Add(p.Visibility),
	)
	if err != nil {
		return nil, unavailable(err)
	}
	defer rows.Close()

	var out []domain.LeasedRequest
	for rows.Next() {
		var token string
		req, err := scanRequest(rows, &token)
		if err != nil {
			return nil, unavailable(err)
		}
		out = append(out, domain.LeasedRequest{DisbursementRequest: req, LeaseToken: token})
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(err)
	}
	return out, nil
}

func prefixed(prefix, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = prefix + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

// fenced runs an UPDATE guarded by the lease token and maps a miss to
// ErrLeaseLost or ErrRequestNotFound.
func (s *Postgres) fenced(ctx context.Context, id, token, set string, args ...any) error {
	query := "UPDATE disbursement_requests SET " + set +
		fmt.Sprintf(" WHERE id = $%d AND lease_token = $%d AND status = 'processing'", len(args)+1, len(args)+2)
	tag, err := s.db.Exec(ctx, query, append(args, id, token)...)
	if err != nil {
		return unavailable(err)
	}
	if tag.RowsAffected() == 0 {
		return s.missReason(ctx, id)
	}
	return nil
}

func (s *Postgres) missReason(ctx context.Context, id string) error {
	var exists bool
	if err := s.db.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM disbursement_requests WHERE id = $1)", id).Scan(&exists); err != nil {
		return unavailable(err)
	}
	if !exists {
		return domain.ErrRequestNotFound
	}
	return domain.ErrLeaseLost
}

func (s *Postgres) Reschedule(ctx context.Context, id, token string, p RetryParams) error {
	return s.fenced(ctx, id, token,
		"next_attempt_at = $1, last_error = $2, tx_reference = COALESCE($3, tx_reference), lease_token = NULL, updated_at = $4",
		p.NextAttemptAt.UTC(), nullable(p.LastError), nullable(p.TxReference), p.At.UTC(),
	)
}

func (s *Postgres) Complete(ctx context.Context, id, token, txRef string, at time.Time) error {
	return s.fenced(ctx, id, token,
		"status = 'completed', tx_reference = COALESCE($1, tx_reference), last_error = NULL, needs_attention = false, lease_token = NULL, updated_at = $2, processed_at = $2",
		nullable(txRef), at.UTC(),
	)
}

func (s *Postgres) MarkStuck(ctx context.Context, id, token, reason string, at time.Time) error {
	return s.fenced(ctx, id, token,
		"needs_attention = true, last_error = $1, lease_token = NULL, updated_at = $2",
		nullable(reason), at.UTC(),
	)
}

func (s *Postgres) Fail(ctx context.Context, id, token, reason string, at time.Time) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		lr, err := lockRequest(ctx, tx, id)
		if err != nil {
			return err
		}
		if lr.req.Status != domain.StatusProcessing || lr.token == nil || *lr.token != token {
			return domain.ErrLeaseLost
		}
		if err := markFailed(ctx, tx, id, reason, at); err != nil {
			return err
		}
		_, err = releaseTx(ctx, tx, lr.req, at)
		return err
	})
}

func markFailed(ctx context.Context, tx pgx.Tx, id, reason string, at time.Time) error {
	_, err := tx.Exec(ctx, `
		UPDATE disbursement_requests
		SET status = 'failed', last_error = $1, needs_attention = false, lease_token = NULL,
		    updated_at = $2, processed_at = $2
		WHERE id = $3`,
		nullable(reason), at.UTC(), id,
	)
	if err != nil {
		return unavailable(err)
	}
	return nil
}

func (s *Postgres) Cancel(ctx context.Context, id, reason string, at time.Time) (domain.DisbursementRequest, error) {
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		lr, err := lockRequest(ctx, tx, id)
		if err != nil {
			return err
		}
		if lr.req.Status != domain.StatusPending {
			return domain.ErrNotCancellable
		}
		if err := markFailed(ctx, tx, id, reason, at); err != nil {
			return err
		}
		_, err = releaseTx(ctx, tx, lr.req, at)
		return err
	})
	if err != nil {
		return domain.DisbursementRequest{}, err
	}
	return s.GetRequest(ctx, id)
}

func (s *Postgres) ResolveStuck(ctx context.Context, id string, completed bool, txRef, reason string, at time.Time) (domain.DisbursementRequest, error) {
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		lr, err := lockRequest(ctx, tx, id)
		if err != nil {
			return err
		}
		if lr.req.Status != domain.StatusProcessing || !lr.req.NeedsAttention {
			return domain.ErrNotStuck
		}
		if completed {
			_, err := tx.Exec(ctx, `
				UPDATE disbursement_requests
				SET status = 'completed', tx_reference = COALESCE($1, tx_reference), last_error = NULL,
				    needs_attention = false, lease_token = NULL, updated_at = $2, processed_at = $2
				WHERE id = $3`,
				nullable(txRef), at.UTC(), id,
			)
			if err != nil {
				return unavailable(err)
			}
			return nil
		}
		if err := markFailed(ctx, tx, id, reason, at); err != nil {
			return err
		}
		_, err = releaseTx(ctx, tx, lr.req, at)
		return err
	})
	if err != nil {
		return domain.DisbursementRequest{}, err
	}
	return s.GetRequest(ctx, id)
}

func (s *Postgres) GetRequest(ctx context.Context, id string) (domain.DisbursementRequest, error) {
	row := s.db.QueryRow(ctx, "SELECT "+requestColumns+" FROM disbursement_requests WHERE id = $1", id)
	req, err := scanRequest(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.DisbursementRequest{}, domain.ErrRequestNotFound
		}
		return domain.DisbursementRequest{}, unavailable(err)
	}
	return req, nil
}

func (s *Postgres) ListRequests(ctx context.Context, f RequestFilter) ([]domain.DisbursementRequest, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.AccountID != "" {
		args = append(args, f.AccountID)
		where = append(where, fmt.Sprintf("account_id = $%d", len(args)))
	}
	if f.StuckOnly {
		where = append(where, "needs_attention")
	}
	query := "SELECT " + requestColumns + " FROM disbursement_requests"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, f.limit())
	query += fmt.Sprintf(" ORDER BY requested_at DESC LIMIT $%d", len(args))

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, unavailable(err)
	}
	defer rows.Close()

	out := make([]domain.DisbursementRequest, 0)
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, unavailable(err)
		}
		out = append(out, req)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(err)
	}
	return out, nil
}

func (s *Postgres) QueueStats(ctx context.Context, now time.Time) (domain.QueueStats, error) {
	stats := domain.QueueStats{ByStatus: make(map[domain.Status]int64)}

	rows, err := s.db.Query(ctx, "SELECT status, COUNT(*) FROM disbursement_requests GROUP BY status")
	if err != nil {
		return stats, unavailable(err)
	}
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return stats, unavailable(err)
		}
		stats.ByStatus[domain.Status(status)] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return stats, unavailable(err)
	}

	var oldest *time.Time
	err = s.db.QueryRow(ctx, `
		SELECT MIN(requested_at),
		       COUNT(*) FILTER (WHERE needs_attention)
		FROM disbursement_requests
		WHERE status IN ('pending', 'processing')`,
	).Scan(&oldest, &stats.Stuck)
	if err != nil {
		return stats, unavailable(err)
	}
	if oldest != nil {
		stats.OldestPendingAge = now.Sub(*oldest)
	}
	return stats, nil
}

func (s *Postgres) DailySummary(ctx context.Context, day string) ([]domain.ChannelSummary, error) {
	date, err := dayDate(day)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.Query(ctx, `
		SELECT channel,
		       COALESCE(SUM(amount) FILTER (WHERE status = 'completed'), 0),
		       COUNT(*) FILTER (WHERE status = 'completed'),
		       COUNT(*) FILTER (WHERE status = 'failed'),
		       COUNT(*) FILTER (WHERE status IN ('pending', 'processing'))
		FROM disbursement_requests
		WHERE day = $1
		GROUP BY channel
		ORDER BY channel`, date)
	if err != nil {
		return nil, unavailable(err)
	}
	defer rows.Close()

	out := make([]domain.ChannelSummary, 0)
	for rows.Next() {
		var (
			s       domain.ChannelSummary
			channel string
		)
		if err := rows.Scan(&channel, &s.CompletedTotal, &s.CompletedCount, &s.FailedCount, &s.PendingCount); err != nil {
			return nil, unavailable(err)
		}
		s.Channel = domain.Channel(channel)
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(err)
	}
	return out, nil
}

func (s *Postgres) SaveLimits(ctx context.Context, role domain.Role, l policy.Limits, at time.Time) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO policy_limits (role, default_amount, max_single, max_daily, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (role) DO UPDATE
		SET default_amount = EXCLUDED.default_amount,
		    max_single = EXCLUDED.max_single,
		    max_daily = EXCLUDED.max_daily,
		    updated_at = EXCLUDED.updated_at`,
		string(role), l.DefaultAmount, l.MaxSingle, l.MaxDaily, at.UTC(),
	)
	if err != nil {
		return unavailable(err)
	}
	return nil
}

func (s *Postgres) LoadLimits(ctx context.Context) (policy.Table, error) {
	rows, err := s.db.Query(ctx, "SELECT role, default_amount, max_single, max_daily FROM policy_limits")
	if err != nil {
		return nil, unavailable(err)
	}
	defer rows.Close()

	out := make(policy.Table)
	for rows.Next() {
		var (
			role string
			l    policy.Limits
		)
		if err := rows.Scan(&role, &l.DefaultAmount, &l.MaxSingle, &l.MaxDaily); err != nil {
			return nil, unavailable(err)
		}
		out[domain.Role(role)] = l
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(err)
	}
	return out, nil
}
