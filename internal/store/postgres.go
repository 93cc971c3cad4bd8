package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/punchamoorthee/tokenfaucet/internal/domain"
	"github.com/punchamoorthee/tokenfaucet/internal/policy"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// Postgres is the durable Store. The account row lock (SELECT ... FOR
// UPDATE) is the per-account serialisation point for role and quota.
type Postgres struct {
	db     *pgxpool.Pool
	policy *policy.Policy
}

func NewPostgres(db *pgxpool.Pool, p *policy.Policy) *Postgres {
	return &Postgres{db: db, policy: p}
}

// Connect opens a pool, verifies it and applies migrations.
func Connect(ctx context.Context, connString string, maxConns int32) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}
	if maxConns > 0 {
		config.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

func (s *Postgres) Close() {
	s.db.Close()
}

func unavailable(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", domain.ErrStorageUnavailable, err)
	}
	return fmt.Errorf("%w: %v", domain.ErrStorageUnavailable, err)
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

func dayDate(day string) (time.Time, error) {
	t, err := time.Parse(domain.DayLayout, day)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: bad day %q", domain.ErrInvalidInput, day)
	}
	return t, nil
}

// --- accounts ---

func (s *Postgres) ResolveAccount(ctx context.Context, b domain.Binding, initialRole domain.Role, at time.Time) (domain.Account, bool, error) {
	acct, err := s.FindAccount(ctx, b)
	if err == nil {
		return acct, false, nil
	}
	if !errors.Is(err, domain.ErrAccountNotFound) {
		return domain.Account{}, false, err
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return domain.Account{}, false, unavailable(err)
	}
	defer tx.Rollback(ctx)

	now := at.UTC()
	acct = domain.Account{ID: uuid.NewString(), Role: initialRole, CreatedAt: now, UpdatedAt: now, Bindings: []domain.Binding{b}}
	if _, err := tx.Exec(ctx,
		"INSERT INTO accounts (id, role, created_at, updated_at) VALUES ($1, $2, $3, $3)",
		acct.ID, string(acct.Role), now,
	); err != nil {
		return domain.Account{}, false, unavailable(err)
	}

	// Insert-if-absent on the binding key. Losing the race rolls back our
	// account and adopts the winner's.
	tag, err := tx.Exec(ctx,
		"INSERT INTO identity_bindings (channel, handle, account_id, created_at) VALUES ($1, $2, $3, $4) ON CONFLICT (channel, handle) DO NOTHING",
		string(b.Channel), b.Handle, acct.ID, now,
	)
	if err != nil {
		return domain.Account{}, false, unavailable(err)
	}
	if tag.RowsAffected() == 0 {
		tx.Rollback(ctx)
		acct, err := s.FindAccount(ctx, b)
		return acct, false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.Account{}, false, unavailable(err)
	}
	return acct, true, nil
}

func (s *Postgres) LinkIdentity(ctx context.Context, accountID string, b domain.Binding, at time.Time) (domain.Account, error) {
	tag, err := s.db.Exec(ctx,
		"INSERT INTO identity_bindings (channel, handle, account_id, created_at) VALUES ($1, $2, $3, $4) ON CONFLICT (channel, handle) DO NOTHING",
		string(b.Channel), b.Handle, accountID, at.UTC(),
	)
	if err != nil {
		if pgCode(err) == pgForeignKeyViolation {
			return domain.Account{}, domain.ErrAccountNotFound
		}
		return domain.Account{}, unavailable(err)
	}
	if tag.RowsAffected() == 0 {
		var owner string
		err := s.db.QueryRow(ctx,
			"SELECT account_id FROM identity_bindings WHERE channel = $1 AND handle = $2",
			string(b.Channel), b.Handle,
		).Scan(&owner)
		if err != nil {
			return domain.Account{}, unavailable(err)
		}
		if owner != accountID {
			return domain.Account{}, fmt.Errorf("%w: %s", domain.ErrIdentityConflict, b)
		}
	} else {
		if _, err := s.db.Exec(ctx, "UPDATE accounts SET updated_at = $1 WHERE id = $2", at.UTC(), accountID); err != nil {
			return domain.Account{}, unavailable(err)
		}
	}
	return s.GetAccount(ctx, accountID)
}

func (s *Postgres) FindAccount(ctx context.Context, b domain.Binding) (domain.Account, error) {
	var id string
	err := s.db.QueryRow(ctx,
		"SELECT account_id FROM identity_bindings WHERE channel = $1 AND handle = $2",
		string(b.Channel), b.Handle,
	).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Account{}, domain.ErrAccountNotFound
		}
		return domain.Account{}, unavailable(err)
	}
	return s.GetAccount(ctx, id)
}

func (s *Postgres) GetAccount(ctx context.Context, id string) (domain.Account, error) {
	var (
		acct domain.Account
		role string
	)
	err := s.db.QueryRow(ctx,
		"SELECT id, role, created_at, updated_at FROM accounts WHERE id = $1", id,
	).Scan(&acct.ID, &role, &acct.CreatedAt, &acct.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Account{}, domain.ErrAccountNotFound
		}
		return domain.Account{}, unavailable(err)
	}
	acct.Role = domain.Role(role)

	rows, err := s.db.Query(ctx,
		"SELECT channel, handle FROM identity_bindings WHERE account_id = $1 ORDER BY created_at, channel, handle", id,
	)
	if err != nil {
		return domain.Account{}, unavailable(err)
	}
	defer rows.Close()
	for rows.Next() {
		var channel, handle string
		if err := rows.Scan(&channel, &handle); err != nil {
			return domain.Account{}, unavailable(err)
		}
		acct.Bindings = append(acct.Bindings, domain.Binding{Channel: domain.Channel(channel), Handle: handle})
	}
	if err := rows.Err(); err != nil {
		return domain.Account{}, unavailable(err)
	}
	return acct, nil
}

func lockAccountRole(ctx context.Context, tx pgx.Tx, id string) (domain.Role, error) {
	var role string
	err := tx.QueryRow(ctx, "SELECT role FROM accounts WHERE id = $1 FOR UPDATE", id).Scan(&role)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", domain.ErrAccountNotFound
		}
		return "", unavailable(err)
	}
	return domain.Role(role), nil
}

func (s *Postgres) SetRole(ctx context.Context, actorID, targetID string, role domain.Role, at time.Time) (domain.Account, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return domain.Account{}, unavailable(err)
	}
	defer tx.Rollback(ctx)

	// Deterministic locking (deadlock prevention): lower id first.
	first, second := actorID, targetID
	if first > second {
		first, second = second, first
	}
	roles := make(map[string]domain.Role, 2)
	for _, id := range []string{first, second} {
		if _, ok := roles[id]; ok {
			continue
		}
		r, err := lockAccountRole(ctx, tx, id)
		if err != nil {
			return domain.Account{}, err
		}
		roles[id] = r
	}

	if roles[actorID] != domain.RoleAdmin {
		return domain.Account{}, domain.ErrForbidden
	}
	if _, err := tx.Exec(ctx, "UPDATE accounts SET role = $1, updated_at = $2 WHERE id = $3", string(role), at.UTC(), targetID); err != nil {
		return domain.Account{}, unavailable(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Account{}, unavailable(err)
	}
	return s.GetAccount(ctx, targetID)
}

func (s *Postgres) GrantRole(ctx context.Context, targetID string, role domain.Role, at time.Time) (domain.Account, error) {
	tag, err := s.db.Exec(ctx, "UPDATE accounts SET role = $1, updated_at = $2 WHERE id = $3", string(role), at.UTC(), targetID)
	if err != nil {
		return domain.Account{}, unavailable(err)
	}
	if tag.RowsAffected() == 0 {
		return domain.Account{}, domain.ErrAccountNotFound
	}
	return s.GetAccount(ctx, targetID)
}

// --- ledger ---

func (s *Postgres) Reserve(ctx context.Context, p ReserveParams) (domain.Reservation, domain.DisbursementRequest, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return domain.Reservation{}, domain.DisbursementRequest{}, unavailable(err)
	}
	defer tx.Rollback(ctx)

	// 1. Serialise on the account row; the role read here is the one the
	// limits below are derived from.
	role, err := lockAccountRole(ctx, tx, p.AccountID)
	if err != nil {
		return domain.Reservation{}, domain.DisbursementRequest{}, err
	}

	// 2. Current window
	day := domain.DayOf(p.At)
	date, _ := dayDate(day)
	var before int64
	err = tx.QueryRow(ctx,
		"SELECT reserved_amount FROM quota_windows WHERE account_id = $1 AND day = $2",
		p.AccountID, date,
	).Scan(&before)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return domain.Reservation{}, domain.DisbursementRequest{}, unavailable(err)
	}

	// 3. Policy decision
	amount, err := policy.Evaluate(s.policy.Limits(role), p.Amount, before)
	if err != nil {
		return domain.Reservation{}, domain.DisbursementRequest{}, err
	}

	// 4. Debit window
	now := p.At.UTC()
	var after int64
	err = tx.QueryRow(ctx, `
		INSERT INTO quota_windows (account_id, day, reserved_amount, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (account_id, day)
		DO UPDATE SET reserved_amount = quota_windows.reserved_amount + EXCLUDED.reserved_amount,
		              updated_at = EXCLUDED.updated_at
		RETURNING reserved_amount`,
		p.AccountID, date, amount, now,
	).Scan(&after)
	if err != nil {
		return domain.Reservation{}, domain.DisbursementRequest{}, unavailable(err)
	}

	// 5. Enqueue in the same commit
	req := domain.DisbursementRequest{
		ID:            uuid.NewString(),
		AccountID:     p.AccountID,
		Channel:       p.Channel,
		Destination:   p.Destination,
		Amount:        amount,
		Day:           day,
		Status:        domain.StatusPending,
		NextAttemptAt: now,
		RequestedAt:   now,
		UpdatedAt:     now,
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO disbursement_requests
			(id, account_id, channel, destination, amount, day, status, next_attempt_at, requested_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8, $8)`,
		req.ID, req.AccountID, string(req.Channel), req.Destination, req.Amount, date, string(req.Status), now,
	)
	if err != nil {
		return domain.Reservation{}, domain.DisbursementRequest{}, unavailable(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.Reservation{}, domain.DisbursementRequest{}, unavailable(err)
	}

	res := domain.Reservation{
		RequestID: req.ID,
		AccountID: req.AccountID,
		Day:       day,
		Amount:    amount,
		Before:    after - amount,
		After:     after,
	}
	return res, req, nil
}

// lockedRequest is the request row plus the lease token, read FOR UPDATE.
type lockedRequest struct {
	req   domain.DisbursementRequest
	token *string
}

func lockRequest(ctx context.Context, tx pgx.Tx, id string) (lockedRequest, error) {
	row := tx.QueryRow(ctx, "SELECT "+requestColumns+", lease_token FROM disbursement_requests WHERE id = $1 FOR UPDATE", id)
	var lr lockedRequest
	req, err := scanRequest(row, &lr.token)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return lockedRequest{}, domain.ErrRequestNotFound
		}
		return lockedRequest{}, unavailable(err)
	}
	lr.req = req
	return lr, nil
}

// releaseTx reverses the request's debit once. The caller holds the request
// row lock; the account row is locked here so release serialises with
// Reserve on the same point.
func releaseTx(ctx context.Context, tx pgx.Tx, req domain.DisbursementRequest, at time.Time) (bool, error) {
	if req.QuotaReleased {
		return false, nil
	}
	if _, err := lockAccountRole(ctx, tx, req.AccountID); err != nil {
		return false, err
	}
	date, err := dayDate(req.Day)
	if err != nil {
		return false, err
	}
	if _, err := tx.Exec(ctx, `
		UPDATE quota_windows
		SET reserved_amount = GREATEST(reserved_amount - $1, 0), updated_at = $2
		WHERE account_id = $3 AND day = $4`,
		req.Amount, at.UTC(), req.AccountID, date,
	); err != nil {
		return false, unavailable(err)
	}
	if _, err := tx.Exec(ctx,
		"UPDATE disbursement_requests SET quota_released = true, updated_at = $1 WHERE id = $2",
		at.UTC(), req.ID,
	); err != nil {
		return false, unavailable(err)
	}
	return true, nil
}

func (s *Postgres) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return unavailable(err)
	}
	defer tx.Rollback(ctx)
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return unavailable(err)
	}
	return nil
}

func (s *Postgres) Release(ctx context.Context, r domain.Reservation, at time.Time) (bool, error) {
	var released bool
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		lr, err := lockRequest(ctx, tx, r.RequestID)
		if err != nil {
			return err
		}
		released, err = releaseTx(ctx, tx, lr.req, at)
		return err
	})
	return released, err
}

func (s *Postgres) Usage(ctx context.Context, accountID, day string) (int64, error) {
	date, err := dayDate(day)
	if err != nil {
		return 0, err
	}
	var used int64
	err = s.db.QueryRow(ctx,
		"SELECT reserved_amount FROM quota_windows WHERE account_id = $1 AND day = $2",
		accountID, date,
	).Scan(&used)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, unavailable(err)
	}
	return used, nil
}
