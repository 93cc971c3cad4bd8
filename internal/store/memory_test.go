package store

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/punchamoorthee/tokenfaucet/internal/domain"
	"github.com/punchamoorthee/tokenfaucet/internal/policy"
)

var testNow = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

func newTestMemory(t *testing.T) *Memory {
	t.Helper()
	p, err := policy.New(policy.Table{
		domain.RoleUser:       {DefaultAmount: 100, MaxSingle: 100, MaxDaily: 300},
		domain.RolePrivileged: {DefaultAmount: 500, MaxSingle: 1000, MaxDaily: 5000},
		domain.RoleAdmin:      {DefaultAmount: 500, MaxSingle: 1000, MaxDaily: 0},
	})
	if err != nil {
		t.Fatalf("policy: %v", err)
	}
	return NewMemory(p)
}

func mustAccount(t *testing.T, m *Memory, handle string, role domain.Role) domain.Account {
	t.Helper()
	acct, _, err := m.ResolveAccount(context.Background(), domain.Binding{Channel: domain.ChannelTelegram, Handle: handle}, role, testNow)
	if err != nil {
		t.Fatalf("resolve %s: %v", handle, err)
	}
	return acct
}

func reserve(m *Memory, accountID string, amount int64) (domain.Reservation, domain.DisbursementRequest, error) {
	return m.Reserve(context.Background(), ReserveParams{
		AccountID:   accountID,
		Channel:     domain.ChannelTelegram,
		Destination: "0xabc",
		Amount:      amount,
		At:          testNow,
	})
}

func TestConcurrentReservationsNeverExceedCap(t *testing.T) {
	m := newTestMemory(t)
	acct := mustAccount(t, m, "alice", domain.RoleUser)

	const callers = 50
	var (
		wg       sync.WaitGroup
		ok       atomic.Int64
		capped   atomic.Int64
		otherErr atomic.Int64
	)
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func() {
			defer wg.Done()
			_, _, err := reserve(m, acct.ID, 30)
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, domain.ErrExceedsDailyCap):
				capped.Add(1)
			default:
				otherErr.Add(1)
			}
		}()
	}
	wg.Wait()

	if ok.Load() != 10 {
		t.Fatalf("expected exactly 10 successes (300/30), got %d", ok.Load())
	}
	if capped.Load() != callers-10 || otherErr.Load() != 0 {
		t.Fatalf("capped=%d other=%d", capped.Load(), otherErr.Load())
	}
	used, _ := m.Usage(context.Background(), acct.ID, domain.DayOf(testNow))
	if used != 300 {
		t.Fatalf("usage = %d, want 300", used)
	}
	pending, _ := m.ListRequests(context.Background(), RequestFilter{Status: domain.StatusPending})
	if len(pending) != 10 {
		t.Fatalf("every accepted reservation must enqueue exactly one request, got %d", len(pending))
	}
}

func TestThreeMintsThenCap(t *testing.T) {
	m := newTestMemory(t)
	acct := mustAccount(t, m, "bob", domain.RoleUser)
	for i := 0; i < 3; i++ {
		if _, _, err := reserve(m, acct.ID, 100); err != nil {
			t.Fatalf("mint %d: %v", i+1, err)
		}
	}
	if _, _, err := reserve(m, acct.ID, 1); !errors.Is(err, domain.ErrExceedsDailyCap) {
		t.Fatalf("fourth mint: expected ErrExceedsDailyCap, got %v", err)
	}
	if _, _, err := reserve(m, acct.ID, 101); !errors.Is(err, domain.ErrExceedsSingleLimit) {
		t.Fatalf("expected ErrExceedsSingleLimit, got %v", err)
	}
}

func TestReleaseRestoresUsageOnce(t *testing.T) {
	m := newTestMemory(t)
	ctx := context.Background()
	acct := mustAccount(t, m, "carol", domain.RoleUser)
	if _, _, err := reserve(m, acct.ID, 40); err != nil {
		t.Fatal(err)
	}
	day := domain.DayOf(testNow)
	before, _ := m.Usage(ctx, acct.ID, day)

	res, _, err := reserve(m, acct.ID, 60)
	if err != nil {
		t.Fatal(err)
	}
	if res.Before != before || res.After != before+60 {
		t.Fatalf("reservation before/after = %d/%d", res.Before, res.After)
	}

	released, err := m.Release(ctx, res, testNow)
	if err != nil || !released {
		t.Fatalf("first release: %v %v", released, err)
	}
	released, err = m.Release(ctx, res, testNow)
	if err != nil || released {
		t.Fatalf("second release must be a no-op: %v %v", released, err)
	}
	after, _ := m.Usage(ctx, acct.ID, day)
	if after != before {
		t.Fatalf("usage after release = %d, want %d", after, before)
	}
}

func TestDefaultAmountUsedWhenZero(t *testing.T) {
	m := newTestMemory(t)
	acct := mustAccount(t, m, "dan", domain.RolePrivileged)
	res, req, err := reserve(m, acct.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if res.Amount != 500 || req.Amount != 500 {
		t.Fatalf("default amount = %d/%d, want 500", res.Amount, req.Amount)
	}
}

func TestConcurrentResolveCreatesOneAccount(t *testing.T) {
	m := newTestMemory(t)
	b := domain.Binding{Channel: domain.ChannelDiscord, Handle: "eve#1"}

	const callers = 20
	ids := make([]string, callers)
	var created atomic.Int64
	var wg sync.WaitGroup
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func(i int) {
			defer wg.Done()
			acct, c, err := m.ResolveAccount(context.Background(), b, domain.RoleUser, testNow)
			if err != nil {
				t.Errorf("resolve: %v", err)
				return
			}
			if c {
				created.Add(1)
			}
			ids[i] = acct.ID
		}(i)
	}
	wg.Wait()

	if created.Load() != 1 {
		t.Fatalf("created = %d, want 1", created.Load())
	}
	for _, id := range ids {
		if id != ids[0] {
			t.Fatalf("resolvers disagree: %s vs %s", id, ids[0])
		}
	}
}

func TestLinkIdentityConflict(t *testing.T) {
	m := newTestMemory(t)
	ctx := context.Background()
	a := mustAccount(t, m, "frank", domain.RoleUser)
	b := mustAccount(t, m, "grace", domain.RoleUser)
	web := domain.Binding{Channel: domain.ChannelWeb, Handle: "frank@example.com"}

	linked, err := m.LinkIdentity(ctx, a.ID, web, testNow)
	if err != nil {
		t.Fatalf("link: %v", err)
	}
	if len(linked.Bindings) != 2 {
		t.Fatalf("bindings = %v", linked.Bindings)
	}
	if _, err := m.LinkIdentity(ctx, a.ID, web, testNow); err != nil {
		t.Fatalf("relinking to the same account must be a no-op: %v", err)
	}
	if _, err := m.LinkIdentity(ctx, b.ID, web, testNow); !errors.Is(err, domain.ErrIdentityConflict) {
		t.Fatalf("expected ErrIdentityConflict, got %v", err)
	}
	got, _ := m.FindAccount(ctx, web)
	if got.ID != a.ID {
		t.Fatal("conflicting link must not move the binding")
	}
}

func TestSetRoleRequiresAdmin(t *testing.T) {
	m := newTestMemory(t)
	ctx := context.Background()
	admin := mustAccount(t, m, "root", domain.RoleAdmin)
	user := mustAccount(t, m, "heidi", domain.RoleUser)
	target := mustAccount(t, m, "ivan", domain.RoleUser)

	res, _, err := reserve(m, target.ID, 50)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := m.SetRole(ctx, user.ID, target.ID, domain.RolePrivileged, testNow); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	got, _ := m.GetAccount(ctx, target.ID)
	if got.Role != domain.RoleUser {
		t.Fatalf("role changed by non-admin: %s", got.Role)
	}
	used, _ := m.Usage(ctx, target.ID, res.Day)
	if used != 50 {
		t.Fatalf("in-flight reservation disturbed: %d", used)
	}

	updated, err := m.SetRole(ctx, admin.ID, target.ID, domain.RolePrivileged, testNow)
	if err != nil || updated.Role != domain.RolePrivileged {
		t.Fatalf("admin set role: %v %v", updated.Role, err)
	}
	// The next reservation sees privileged caps immediately.
	if _, _, err := reserve(m, target.ID, 1000); err != nil {
		t.Fatalf("reserve after role change: %v", err)
	}
}

func TestLeaseRedeliversAfterVisibility(t *testing.T) {
	m := newTestMemory(t)
	ctx := context.Background()
	acct := mustAccount(t, m, "judy", domain.RoleUser)
	_, req, _ := reserve(m, acct.ID, 10)

	first, err := m.Lease(ctx, LeaseParams{Now: testNow, Visibility: time.Minute, Limit: 10})
	if err != nil || len(first) != 1 {
		t.Fatalf("lease: %v %d", err, len(first))
	}
	if first[0].ID != req.ID || first[0].Status != domain.StatusProcessing || first[0].Attempts != 1 {
		t.Fatalf("leased = %+v", first[0])
	}

	again, _ := m.Lease(ctx, LeaseParams{Now: testNow.Add(30 * time.Second), Visibility: time.Minute, Limit: 10})
	if len(again) != 0 {
		t.Fatal("request must not be delivered twice within its lease")
	}

	redelivered, _ := m.Lease(ctx, LeaseParams{Now: testNow.Add(2 * time.Minute), Visibility: time.Minute, Limit: 10})
	if len(redelivered) != 1 || redelivered[0].Attempts != 2 {
		t.Fatalf("expected redelivery with attempts=2, got %+v", redelivered)
	}

	if err := m.Complete(ctx, req.ID, first[0].LeaseToken, "tx-1", testNow); !errors.Is(err, domain.ErrLeaseLost) {
		t.Fatalf("stale token must be fenced, got %v", err)
	}
	if err := m.Complete(ctx, req.ID, redelivered[0].LeaseToken, "tx-1", testNow); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := m.Fail(ctx, req.ID, redelivered[0].LeaseToken, "late", testNow); !errors.Is(err, domain.ErrLeaseLost) {
		t.Fatalf("terminal request must not transition again, got %v", err)
	}
	got, _ := m.GetRequest(ctx, req.ID)
	if got.Status != domain.StatusCompleted || got.TxReference != "tx-1" {
		t.Fatalf("final = %+v", got)
	}
}

func TestFailReleasesQuota(t *testing.T) {
	m := newTestMemory(t)
	ctx := context.Background()
	acct := mustAccount(t, m, "ken", domain.RoleUser)
	_, req, _ := reserve(m, acct.ID, 80)
	leased, _ := m.Lease(ctx, LeaseParams{Now: testNow, Visibility: time.Minute, Limit: 1})

	if err := m.Fail(ctx, req.ID, leased[0].LeaseToken, "bad address", testNow); err != nil {
		t.Fatalf("fail: %v", err)
	}
	used, _ := m.Usage(ctx, acct.ID, req.Day)
	if used != 0 {
		t.Fatalf("usage after fail = %d", used)
	}
	got, _ := m.GetRequest(ctx, req.ID)
	if got.Status != domain.StatusFailed || !got.QuotaReleased || got.LastError != "bad address" {
		t.Fatalf("failed request = %+v", got)
	}
	if released, _ := m.Release(ctx, got.Reservation(), testNow); released {
		t.Fatal("release after fail must be a no-op")
	}
}

func TestCancelOnlyPending(t *testing.T) {
	m := newTestMemory(t)
	ctx := context.Background()
	acct := mustAccount(t, m, "leo", domain.RoleUser)
	_, pending, _ := reserve(m, acct.ID, 20)

	got, err := m.Cancel(ctx, pending.ID, "operator", testNow)
	if err != nil || got.Status != domain.StatusFailed || !got.QuotaReleased {
		t.Fatalf("cancel: %+v %v", got, err)
	}

	_, leasedReq, _ := reserve(m, acct.ID, 20)
	if _, err := m.Lease(ctx, LeaseParams{Now: testNow, Visibility: time.Minute, Limit: 5}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Cancel(ctx, leasedReq.ID, "operator", testNow); !errors.Is(err, domain.ErrNotCancellable) {
		t.Fatalf("expected ErrNotCancellable, got %v", err)
	}
}

func TestStuckRequestsAreParked(t *testing.T) {
	m := newTestMemory(t)
	ctx := context.Background()
	acct := mustAccount(t, m, "mallory", domain.RoleUser)
	_, req, _ := reserve(m, acct.ID, 70)
	leased, _ := m.Lease(ctx, LeaseParams{Now: testNow, Visibility: time.Second, Limit: 1})

	if _, err := m.ResolveStuck(ctx, req.ID, true, "", "", testNow); !errors.Is(err, domain.ErrNotStuck) {
		t.Fatalf("expected ErrNotStuck, got %v", err)
	}
	if err := m.MarkStuck(ctx, req.ID, leased[0].LeaseToken, "reconciliation unavailable", testNow); err != nil {
		t.Fatalf("mark stuck: %v", err)
	}
	if again, _ := m.Lease(ctx, LeaseParams{Now: testNow.Add(time.Hour), Visibility: time.Second, Limit: 1}); len(again) != 0 {
		t.Fatal("stuck requests must not be leased")
	}
	stats, _ := m.QueueStats(ctx, testNow.Add(time.Hour))
	if stats.Stuck != 1 || stats.OldestPendingAge != time.Hour {
		t.Fatalf("stats = %+v", stats)
	}

	got, err := m.ResolveStuck(ctx, req.ID, false, "", "operator confirmed failure", testNow)
	if err != nil || got.Status != domain.StatusFailed || !got.QuotaReleased {
		t.Fatalf("resolve: %+v %v", got, err)
	}
	used, _ := m.Usage(ctx, acct.ID, req.Day)
	if used != 0 {
		t.Fatalf("usage = %d", used)
	}
}

func TestDailySummaryByChannel(t *testing.T) {
	m := newTestMemory(t)
	ctx := context.Background()
	acct := mustAccount(t, m, "nia", domain.RoleUser)
	_, a, _ := reserve(m, acct.ID, 10)
	_, b, _ := reserve(m, acct.ID, 20)
	_, _, _ = m.Reserve(ctx, ReserveParams{AccountID: acct.ID, Channel: domain.ChannelWeb, Destination: "0x1", Amount: 30, At: testNow})

	leased, _ := m.Lease(ctx, LeaseParams{Now: testNow, Visibility: time.Minute, Limit: 2})
	tokens := map[string]string{}
	for _, l := range leased {
		tokens[l.ID] = l.LeaseToken
	}
	_ = m.Complete(ctx, a.ID, tokens[a.ID], "tx-a", testNow)
	_ = m.Fail(ctx, b.ID, tokens[b.ID], "nope", testNow)

	rows, err := m.DailySummary(ctx, domain.DayOf(testNow))
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %+v", rows)
	}
	tg := rows[0]
	if tg.Channel != domain.ChannelTelegram || tg.CompletedTotal != 10 || tg.CompletedCount != 1 || tg.FailedCount != 1 {
		t.Fatalf("telegram row = %+v", tg)
	}
	if rows[1].Channel != domain.ChannelWeb || rows[1].PendingCount != 1 {
		t.Fatalf("web row = %+v", rows[1])
	}
}
