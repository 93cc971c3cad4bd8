package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/punchamoorthee/tokenfaucet/internal/domain"
	"github.com/punchamoorthee/tokenfaucet/internal/policy"
	"github.com/punchamoorthee/tokenfaucet/internal/store"
)

// requireAdmin loads the actor and checks its current role. Store writes that
// depend on the role repeat the check under their own lock.
func (s *Service) requireAdmin(ctx context.Context, actor domain.Binding) (domain.Account, error) {
	acct, err := s.store.FindAccount(ctx, actor)
	if errors.Is(err, domain.ErrAccountNotFound) {
		return domain.Account{}, domain.ErrForbidden
	}
	if err != nil {
		return domain.Account{}, err
	}
	if acct.Role != domain.RoleAdmin {
		return domain.Account{}, domain.ErrForbidden
	}
	return acct, nil
}

// SetRole replaces target's role. The target is created on first contact,
// but only after the actor passed the admin check.
func (s *Service) SetRole(ctx context.Context, actor, target domain.Binding, role domain.Role) (domain.Account, error) {
	admin, err := s.requireAdmin(ctx, actor)
	if err != nil {
		s.logger.Warn("role change refused",
			"event", "role_change_refused",
			"actor", actor.String(),
			"target", target.String(),
			"error", err.Error(),
		)
		return domain.Account{}, err
	}
	acct, err := s.Resolve(ctx, target, "")
	if err != nil {
		return domain.Account{}, err
	}
	previous := acct.Role

	updated, err := s.store.SetRole(ctx, admin.ID, acct.ID, role, s.now())
	if err != nil {
		return domain.Account{}, err
	}
	s.logger.Info("role changed",
		"event", "role_changed",
		"actor_id", admin.ID,
		"account_id", updated.ID,
		"from", previous,
		"to", updated.Role,
	)
	return updated, nil
}

// SetLimits persists new limits for role and swaps them into the live policy.
func (s *Service) SetLimits(ctx context.Context, actor domain.Binding, role domain.Role, l policy.Limits) (policy.Table, error) {
	admin, err := s.requireAdmin(ctx, actor)
	if err != nil {
		return nil, err
	}
	if err := l.Validate(); err != nil {
		return nil, err
	}
	if err := s.store.SaveLimits(ctx, role, l, s.now()); err != nil {
		return nil, err
	}
	if err := s.policy.Set(role, l); err != nil {
		return nil, err
	}
	s.logger.Info("limits changed",
		"event", "limits_changed",
		"actor_id", admin.ID,
		"role", role,
		"default_amount", l.DefaultAmount,
		"max_single", l.MaxSingle,
		"max_daily", l.MaxDaily,
	)
	return s.policy.Table(), nil
}

// LoadLimitOverrides applies persisted limit changes over the configured
// defaults. It runs once at startup.
func (s *Service) LoadLimitOverrides(ctx context.Context) error {
	overrides, err := s.store.LoadLimits(ctx)
	if err != nil {
		return fmt.Errorf("load limit overrides: %w", err)
	}
	if len(overrides) == 0 {
		return nil
	}
	table := s.policy.Table()
	for role, l := range overrides {
		table[role] = l
	}
	if err := s.policy.Replace(table); err != nil {
		return fmt.Errorf("apply limit overrides: %w", err)
	}
	s.logger.Info("limit overrides applied", "event", "limits_loaded", "roles", len(overrides))
	return nil
}

func (s *Service) Limits() policy.Table {
	return s.policy.Table()
}

// Cancel fails a request no worker has picked up and returns its quota.
func (s *Service) Cancel(ctx context.Context, actor domain.Binding, id, reason string) (domain.DisbursementRequest, error) {
	admin, err := s.requireAdmin(ctx, actor)
	if err != nil {
		return domain.DisbursementRequest{}, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "cancelled by operator"
	}
	req, err := s.store.Cancel(ctx, id, reason, s.now())
	if err != nil {
		return domain.DisbursementRequest{}, err
	}
	s.logger.Info("request cancelled", "event", "request_cancelled", "actor_id", admin.ID, "request_id", id)
	return req, nil
}

// Resolution is an operator's finding for a parked request.
type Resolution struct {
	Completed   bool
	TxReference string
	Reason      string
}

// ResolveStuck lands a request parked for manual reconciliation.
func (s *Service) ResolveStuck(ctx context.Context, actor domain.Binding, id string, r Resolution) (domain.DisbursementRequest, error) {
	admin, err := s.requireAdmin(ctx, actor)
	if err != nil {
		return domain.DisbursementRequest{}, err
	}
	if r.Completed && strings.TrimSpace(r.TxReference) == "" {
		return domain.DisbursementRequest{}, fmt.Errorf("%w: tx_reference is required to mark a request completed", domain.ErrInvalidInput)
	}
	reason := strings.TrimSpace(r.Reason)
	if !r.Completed && reason == "" {
		reason = "failed by operator reconciliation"
	}
	req, err := s.store.ResolveStuck(ctx, id, r.Completed, strings.TrimSpace(r.TxReference), reason, s.now())
	if err != nil {
		return domain.DisbursementRequest{}, err
	}
	s.logger.Info("stuck request resolved",
		"event", "request_resolved",
		"actor_id", admin.ID,
		"request_id", id,
		"status", req.Status,
	)
	return req, nil
}

func (s *Service) ListRequests(ctx context.Context, actor domain.Binding, f store.RequestFilter) ([]domain.DisbursementRequest, error) {
	if _, err := s.requireAdmin(ctx, actor); err != nil {
		return nil, err
	}
	return s.store.ListRequests(ctx, f)
}

// DailySummary reports per-channel totals for a UTC day (YYYY-MM-DD).
// An empty day means today.
func (s *Service) DailySummary(ctx context.Context, actor domain.Binding, day string) ([]domain.ChannelSummary, error) {
	if _, err := s.requireAdmin(ctx, actor); err != nil {
		return nil, err
	}
	return s.Summary(ctx, day)
}

// Summary is DailySummary without the admin check, for operator tooling.
func (s *Service) Summary(ctx context.Context, day string) ([]domain.ChannelSummary, error) {
	if day == "" {
		day = domain.DayOf(s.now())
	}
	if _, err := time.Parse(domain.DayLayout, day); err != nil {
		return nil, fmt.Errorf("%w: day must be YYYY-MM-DD", domain.ErrInvalidInput)
	}
	return s.store.DailySummary(ctx, day)
}
