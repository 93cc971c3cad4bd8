// Package store owns accounts, quota windows and the disbursement queue.
//
// Every read-modify-write of an account's role or quota window goes through
// one per-account serialisation point: a row lock in Postgres, a mutex in the
// in-memory store. No implementation performs network I/O other than to its
// own database.
package store

import (
	"context"
	"time"

	"github.com/punchamoorthee/tokenfaucet/internal/domain"
	"github.com/punchamoorthee/tokenfaucet/internal/policy"
)

// ReserveParams describes one mint attempt. Amount 0 selects the role default.
type ReserveParams struct {
	AccountID   string
	Channel     domain.Channel
	Destination string
	Amount      int64
	At          time.Time
}

// LeaseParams controls one dequeue round.
type LeaseParams struct {
	Now        time.Time
	Visibility time.Duration
	Limit      int
}

// RetryParams reschedules a leased request without making it terminal.
// A non-empty TxReference is recorded for later reconciliation.
type RetryParams struct {
	NextAttemptAt time.Time
	LastError     string
	TxReference   string
	At            time.Time
}

// RequestFilter narrows ListRequests. Zero values match everything.
type RequestFilter struct {
	Status    domain.Status
	AccountID string
	StuckOnly bool
	Limit     int
}

// Accounts is the identity side of the store.
type Accounts interface {
	// ResolveAccount returns the account bound to b, creating it with
	// initialRole if the binding does not exist. created reports whether
	// this call made the account. Concurrent callers for the same binding
	// all observe the same account.
	ResolveAccount(ctx context.Context, b domain.Binding, initialRole domain.Role, at time.Time) (acct domain.Account, created bool, err error)
	// LinkIdentity binds b to an existing account. It fails with
	// ErrIdentityConflict if b already belongs to another account.
	LinkIdentity(ctx context.Context, accountID string, b domain.Binding, at time.Time) (domain.Account, error)
	FindAccount(ctx context.Context, b domain.Binding) (domain.Account, error)
	GetAccount(ctx context.Context, id string) (domain.Account, error)
	// SetRole replaces target's role if actor holds the admin role at the
	// moment of the write.
	SetRole(ctx context.Context, actorID, targetID string, role domain.Role, at time.Time) (domain.Account, error)
	// GrantRole replaces a role without an actor check. Used for bootstrap.
	GrantRole(ctx context.Context, targetID string, role domain.Role, at time.Time) (domain.Account, error)
}

// Ledger is the quota side of the store.
type Ledger interface {
	// Reserve checks the account's current limits, debits its daily window
	// and enqueues a pending request, all in one commit.
	Reserve(ctx context.Context, p ReserveParams) (domain.Reservation, domain.DisbursementRequest, error)
	// Release reverses a reservation once. It reports whether this call
	// performed the release.
	Release(ctx context.Context, r domain.Reservation, at time.Time) (bool, error)
	Usage(ctx context.Context, accountID, day string) (int64, error)
}

// Queue is the submission side of the store. Every write after Lease is
// fenced by the lease token and fails with ErrLeaseLost once the lease has
// been handed to another attempt.
type Queue interface {
	Lease(ctx context.Context, p LeaseParams) ([]domain.LeasedRequest, error)
	Reschedule(ctx context.Context, id, token string, p RetryParams) error
	Complete(ctx context.Context, id, token, txRef string, at time.Time) error
	// Fail makes the request terminal and releases its quota in the same commit.
	Fail(ctx context.Context, id, token, reason string, at time.Time) error
	// MarkStuck parks a request for manual reconciliation.
	MarkStuck(ctx context.Context, id, token, reason string, at time.Time) error

	// Cancel fails a request that no worker has picked up yet.
	Cancel(ctx context.Context, id, reason string, at time.Time) (domain.DisbursementRequest, error)
	// ResolveStuck lands a parked request in a terminal state.
	ResolveStuck(ctx context.Context, id string, completed bool, txRef, reason string, at time.Time) (domain.DisbursementRequest, error)

	GetRequest(ctx context.Context, id string) (domain.DisbursementRequest, error)
	ListRequests(ctx context.Context, f RequestFilter) ([]domain.DisbursementRequest, error)
	QueueStats(ctx context.Context, now time.Time) (domain.QueueStats, error)
}

type Reports interface {
	DailySummary(ctx context.Context, day string) ([]domain.ChannelSummary, error)
}

// LimitOverrides persists runtime changes to the policy table.
type LimitOverrides interface {
	SaveLimits(ctx context.Context, role domain.Role, l policy.Limits, at time.Time) error
	LoadLimits(ctx context.Context) (policy.Table, error)
}

type Store interface {
	Accounts
	Ledger
	Queue
	Reports
	LimitOverrides
	Close()
}

const defaultListLimit = 100

func (f RequestFilter) limit() int {
	if f.Limit <= 0 || f.Limit > 1000 {
		return defaultListLimit
	}
	return f.Limit
}

var (
	_ Store = (*Memory)(nil)
	_ Store = (*Postgres)(nil)
)
