package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/tokenfaucet/internal/domain"
	"github.com/punchamoorthee/tokenfaucet/internal/policy"
)

// Memory is an in-process Store for development and tests.
//
// Lock order: mu, then an account's cell.mu, then qmu. Accounts only
// contend with themselves; mu is held for index lookups only.
type Memory struct {
	policy *policy.Policy

	mu       sync.RWMutex
	bindings map[domain.Binding]string
	accounts map[string]*accountCell

	qmu      sync.Mutex
	requests map[string]*memRequest
	order    []string

	lmu    sync.Mutex
	limits policy.Table
}

type accountCell struct {
	mu      sync.Mutex
	account domain.Account
	windows map[string]int64
}

type memRequest struct {
	req   domain.DisbursementRequest
	token string
}

func NewMemory(p *policy.Policy) *Memory {
	return &Memory{
		policy:   p,
		bindings: make(map[domain.Binding]string),
		accounts: make(map[string]*accountCell),
		requests: make(map[string]*memRequest),
		limits:   make(policy.Table),
	}
}

func (m *Memory) Close() {}

func (m *Memory) cell(id string) (*accountCell, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.accounts[id]
	if !ok {
		return nil, domain.ErrAccountNotFound
	}
	return c, nil
}

func (c *accountCell) snapshot() domain.Account {
	a := c.account
	a.Bindings = append([]domain.Binding(nil), c.account.Bindings...)
	return a
}

func (m *Memory) ResolveAccount(ctx context.Context, b domain.Binding, initialRole domain.Role, at time.Time) (domain.Account, bool, error) {
	if acct, err := m.FindAccount(ctx, b); err == nil {
		return acct, false, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.bindings[b]; ok {
		c := m.accounts[id]
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.snapshot(), false, nil
	}

	now := at.UTC()
	c := &accountCell{
		account: domain.Account{
			ID:        uuid.NewString(),
			Role:      initialRole,
			Bindings:  []domain.Binding{b},
			CreatedAt: now,
			UpdatedAt: now,
		},
		windows: make(map[string]int64),
	}
	m.accounts[c.account.ID] = c
	m.bindings[b] = c.account.ID
	return c.snapshot(), true, nil
}

func (m *Memory) LinkIdentity(_ context.Context, accountID string, b domain.Binding, at time.Time) (domain.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.accounts[accountID]
	if !ok {
		return domain.Account{}, domain.ErrAccountNotFound
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if owner, ok := m.bindings[b]; ok {
		if owner != accountID {
			return domain.Account{}, fmt.Errorf("%w: %s", domain.ErrIdentityConflict, b)
		}
		return c.snapshot(), nil
	}
	m.bindings[b] = accountID
	c.account.Bindings = append(c.account.Bindings, b)
	c.account.UpdatedAt = at.UTC()
	return c.snapshot(), nil
}

func (m *Memory) FindAccount(_ context.Context, b domain.Binding) (domain.Account, error) {
	m.mu.RLock()
	id, ok := m.bindings[b]
	var c *accountCell
	if ok {
		c = m.accounts[id]
	}
	m.mu.RUnlock()
	if !ok {
		return domain.Account{}, domain.ErrAccountNotFound
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot(), nil
}

func (m *Memory) GetAccount(_ context.Context, id string) (domain.Account, error) {
	c, err := m.cell(id)
	if err != nil {
		return domain.Account{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot(), nil
}

func (m *Memory) SetRole(_ context.Context, actorID, targetID string, role domain.Role, at time.Time) (domain.Account, error) {
	actor, err := m.cell(actorID)
	if err != nil {
		return domain.Account{}, err
	}
	target, err := m.cell(targetID)
	if err != nil {
		return domain.Account{}, err
	}

	// Deterministic ordering prevents deadlock between crossing mutations.
	first, second := actor, target
	if actorID > targetID {
		first, second = target, actor
	}
	first.mu.Lock()
	defer first.mu.Unlock()
	if second != first {
		second.mu.Lock()
		defer second.mu.Unlock()
	}

	if actor.account.Role != domain.RoleAdmin {
		return domain.Account{}, domain.ErrForbidden
	}
	target.account.Role = role
	target.account.UpdatedAt = at.UTC()
	return target.snapshot(), nil
}

func (m *Memory) GrantRole(_ context.Context, targetID string, role domain.Role, at time.Time) (domain.Account, error) {
	c, err := m.cell(targetID)
	if err != nil {
		return domain.Account{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.account.Role = role
	c.account.UpdatedAt = at.UTC()
	return c.snapshot(), nil
}

func (m *Memory) Reserve(_ context.Context, p ReserveParams) (domain.Reservation, domain.DisbursementRequest, error) {
	c, err := m.cell(p.AccountID)
	if err != nil {
		return domain.Reservation{}, domain.DisbursementRequest{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	day := domain.DayOf(p.At)
	before := c.windows[day]
	amount, err := policy.Evaluate(m.policy.Limits(c.account.Role), p.Amount, before)
	if err != nil {
		return domain.Reservation{}, domain.DisbursementRequest{}, err
	}

	now := p.At.UTC()
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

	m.qmu.Lock()
	m.requests[req.ID] = &memRequest{req: req}
	m.order = append(m.order, req.ID)
	m.qmu.Unlock()

	c.windows[day] = before + amount
	res := domain.Reservation{
		RequestID: req.ID,
		AccountID: p.AccountID,
		Day:       day,
		Amount:    amount,
		Before:    before,
		After:     before + amount,
	}
	return res, req, nil
}

// withRequest runs fn holding the owning account's lock and the queue lock.
func (m *Memory) withRequest(id string, fn func(c *accountCell, r *memRequest) error) error {
	m.qmu.Lock()
	r, ok := m.requests[id]
	var accountID string
	if ok {
		accountID = r.req.AccountID
	}
	m.qmu.Unlock()
	if !ok {
		return domain.ErrRequestNotFound
	}

	c, err := m.cell(accountID)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	m.qmu.Lock()
	defer m.qmu.Unlock()
	return fn(c, r)
}

func releaseLocked(c *accountCell, r *memRequest, at time.Time) bool {
	if r.req.QuotaReleased {
		return false
	}
	left := c.windows[r.req.Day] - r.req.Amount
	if left < 0 {
		left = 0
	}
	c.windows[r.req.Day] = left
	r.req.QuotaReleased = true
	r.req.UpdatedAt = at.UTC()
	return true
}

func (m *Memory) Release(_ context.Context, res domain.Reservation, at time.Time) (bool, error) {
	var released bool
	err := m.withRequest(res.RequestID, func(c *accountCell, r *memRequest) error {
		released = releaseLocked(c, r, at)
		return nil
	})
	return released, err
}

func (m *Memory) Usage(_ context.Context, accountID, day string) (int64, error) {
	c, err := m.cell(accountID)
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.windows[day], nil
}

func (m *Memory) Lease(_ context.Context, p LeaseParams) ([]domain.LeasedRequest, error) {
	m.qmu.Lock()
	defer m.qmu.Unlock()

	candidates := make([]*memRequest, 0)
	for _, id := range m.order {
		r := m.requests[id]
		if r.req.Status.Terminal() || r.req.NeedsAttention || r.req.NextAttemptAt.After(p.Now) {
			continue
		}
		candidates = append(candidates, r)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].req.NextAttemptAt.Before(candidates[j].req.NextAttemptAt)
	})
	if p.Limit > 0 && len(candidates) > p.Limit {
		candidates = candidates[:p.Limit]
	}

	now := p.Now.UTC()
	out := make([]domain.LeasedRequest, 0, len(candidates))
	for _, r := range candidates {
		r.req.Status = domain.StatusProcessing
		r.req.Attempts++
		r.req.NextAttemptAt = now.Add(p.Visibility)
		r.req.UpdatedAt = now
		r.token = uuid.NewString()
		out = append(out, domain.LeasedRequest{DisbursementRequest: r.req, LeaseToken: r.token})
	}
	return out, nil
}

func checkLease(r *memRequest, token string) error {
	if r.req.Status != domain.StatusProcessing || r.token == "" || r.token != token {
		return domain.ErrLeaseLost
	}
	return nil
}

func (m *Memory) Reschedule(_ context.Context, id, token string, p RetryParams) error {
	m.qmu.Lock()
	defer m.qmu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return domain.ErrRequestNotFound
	}
	if err := checkLease(r, token); err != nil {
		return err
	}
	r.req.NextAttemptAt = p.NextAttemptAt.UTC()
	r.req.LastError = p.LastError
	if p.TxReference != "" {
		r.req.TxReference = p.TxReference
	}
	r.req.UpdatedAt = p.At.UTC()
	r.token = ""
	return nil
}

func (m *Memory) Complete(_ context.Context, id, token, txRef string, at time.Time) error {
	m.qmu.Lock()
	defer m.qmu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return domain.ErrRequestNotFound
	}
	if err := checkLease(r, token); err != nil {
		return err
	}
	finish(&r.req, domain.StatusCompleted, at)
	if txRef != "" {
		r.req.TxReference = txRef
	}
	r.req.LastError = ""
	r.token = ""
	return nil
}

func finish(req *domain.DisbursementRequest, status domain.Status, at time.Time) {
	now := at.UTC()
	req.Status = status
	req.NeedsAttention = false
	req.UpdatedAt = now
	req.ProcessedAt = &now
}

func (m *Memory) Fail(_ context.Context, id, token, reason string, at time.Time) error {
	return m.withRequest(id, func(c *accountCell, r *memRequest) error {
		if err := checkLease(r, token); err != nil {
			return err
		}
		finish(&r.req, domain.StatusFailed, at)
		r.req.LastError = reason
		r.token = ""
		releaseLocked(c, r, at)
		return nil
	})
}

func (m *Memory) MarkStuck(_ context.Context, id, token, reason string, at time.Time) error {
	m.qmu.Lock()
	defer m.qmu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return domain.ErrRequestNotFound
	}
	if err := checkLease(r, token); err != nil {
		return err
	}
	r.req.NeedsAttention = true
	r.req.LastError = reason
	r.req.UpdatedAt = at.UTC()
	r.token = ""
	return nil
}

func (m *Memory) Cancel(_ context.Context, id, reason string, at time.Time) (domain.DisbursementRequest, error) {
	var out domain.DisbursementRequest
	err := m.withRequest(id, func(c *accountCell, r *memRequest) error {
		if r.req.Status != domain.StatusPending {
			return domain.ErrNotCancellable
		}
		finish(&r.req, domain.StatusFailed, at)
		r.req.LastError = reason
		releaseLocked(c, r, at)
		out = r.req
		return nil
	})
	return out, err
}

func (m *Memory) ResolveStuck(_ context.Context, id string, completed bool, txRef, reason string, at time.Time) (domain.DisbursementRequest, error) {
	var out domain.DisbursementRequest
	err := m.withRequest(id, func(c *accountCell, r *memRequest) error {
		if r.req.Status != domain.StatusProcessing || !r.req.NeedsAttention {
			return domain.ErrNotStuck
		}
		r.token = ""
		if completed {
			finish(&r.req, domain.StatusCompleted, at)
			if txRef != "" {
				r.req.TxReference = txRef
			}
			r.req.LastError = ""
		} else {
			finish(&r.req, domain.StatusFailed, at)
			r.req.LastError = reason
			releaseLocked(c, r, at)
		}
		out = r.req
		return nil
	})
	return out, err
}

func (m *Memory) GetRequest(_ context.Context, id string) (domain.DisbursementRequest, error) {
	m.qmu.Lock()
	defer m.qmu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return domain.DisbursementRequest{}, domain.ErrRequestNotFound
	}
	return r.req, nil
}

func (m *Memory) ListRequests(_ context.Context, f RequestFilter) ([]domain.DisbursementRequest, error) {
	m.qmu.Lock()
	defer m.qmu.Unlock()
	limit := f.limit()
	out := make([]domain.DisbursementRequest, 0)
	for i := len(m.order) - 1; i >= 0 && len(out) < limit; i-- {
		r := m.requests[m.order[i]].req
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		if f.AccountID != "" && r.AccountID != f.AccountID {
			continue
		}
		if f.StuckOnly && !r.NeedsAttention {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (m *Memory) QueueStats(_ context.Context, now time.Time) (domain.QueueStats, error) {
	m.qmu.Lock()
	defer m.qmu.Unlock()
	stats := domain.QueueStats{ByStatus: make(map[domain.Status]int64)}
	for _, id := range m.order {
		r := m.requests[id].req
		stats.ByStatus[r.Status]++
		if r.NeedsAttention && r.Status == domain.StatusProcessing {
			stats.Stuck++
		}
		if !r.Status.Terminal() {
			if age := r.Age(now); age > stats.OldestPendingAge {
				stats.OldestPendingAge = age
			}
		}
	}
	return stats, nil
}

func (m *Memory) DailySummary(_ context.Context, day string) ([]domain.ChannelSummary, error) {
	m.qmu.Lock()
	defer m.qmu.Unlock()
	byChannel := make(map[domain.Channel]*domain.ChannelSummary)
	for _, id := range m.order {
		r := m.requests[id].req
		if r.Day != day {
			continue
		}
		s, ok := byChannel[r.Channel]
		if !ok {
			s = &domain.ChannelSummary{Channel: r.Channel}
			byChannel[r.Channel] = s
		}
		switch r.Status {
		case domain.StatusCompleted:
			s.CompletedTotal += r.Amount
			s.CompletedCount++
		case domain.StatusFailed:
			s.FailedCount++
		default:
			s.PendingCount++
		}
	}
	out := make([]domain.ChannelSummary, 0, len(byChannel))
	for _, s := range byChannel {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Channel < out[j].Channel })
	return out, nil
}

func (m *Memory) SaveLimits(_ context.Context, role domain.Role, l policy.Limits, _ time.Time) error {
	m.lmu.Lock()
	defer m.lmu.Unlock()
	m.limits[role] = l
	return nil
}

func (m *Memory) LoadLimits(_ context.Context) (policy.Table, error) {
	m.lmu.Lock()
	defer m.lmu.Unlock()
	out := make(policy.Table, len(m.limits))
	for k, v := range m.limits {
		out[k] = v
	}
	return out, nil
}
