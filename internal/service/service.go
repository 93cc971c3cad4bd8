// Package service is the disbursement engine's entry point. Channel adapters
// call it with already-verified (channel, handle) identities.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/punchamoorthee/tokenfaucet/internal/domain"
	"github.com/punchamoorthee/tokenfaucet/internal/policy"
	"github.com/punchamoorthee/tokenfaucet/internal/store"
)

var reservationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "faucet_reservations_total",
	Help: "Mint reservations by result",
}, []string{"result"})

const (
	maxHandleLen      = 256
	maxDestinationLen = 128
)

type Options struct {
	// PrivilegedDomains grants the privileged role to accounts created from
	// a verified email in one of these domains.
	PrivilegedDomains []string
	Logger            *slog.Logger
	Clock             func() time.Time
}

type Service struct {
	store             store.Store
	policy            *policy.Policy
	privilegedDomains map[string]struct{}
	logger            *slog.Logger
	now               func() time.Time
}

func New(s store.Store, p *policy.Policy, opts Options) *Service {
	domains := make(map[string]struct{}, len(opts.PrivilegedDomains))
	for _, d := range opts.PrivilegedDomains {
		if d = normalizeDomain(d); d != "" {
			domains[d] = struct{}{}
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		store:             s,
		policy:            p,
		privilegedDomains: domains,
		logger:            logger.With("layer", "service"),
		now:               clock,
	}
}

func normalizeDomain(d string) string {
	return strings.TrimPrefix(strings.ToLower(strings.TrimSpace(d)), "@")
}

// ParseBinding validates a raw (channel, handle) pair.
func ParseBinding(channel, handle string) (domain.Binding, error) {
	ch, err := domain.ParseChannel(channel)
	if err != nil {
		return domain.Binding{}, err
	}
	handle = strings.TrimSpace(handle)
	if handle == "" || len(handle) > maxHandleLen {
		return domain.Binding{}, fmt.Errorf("%w: handle must be 1-%d characters", domain.ErrInvalidInput, maxHandleLen)
	}
	return domain.Binding{Channel: ch, Handle: handle}, nil
}

func (s *Service) initialRole(emailDomain string) domain.Role {
	if _, ok := s.privilegedDomains[normalizeDomain(emailDomain)]; ok && emailDomain != "" {
		return domain.RolePrivileged
	}
	return domain.RoleUser
}

// Resolve returns the account bound to b, creating it on first contact.
// emailDomain only matters when the account is created.
func (s *Service) Resolve(ctx context.Context, b domain.Binding, emailDomain string) (domain.Account, error) {
	acct, created, err := s.store.ResolveAccount(ctx, b, s.initialRole(emailDomain), s.now())
	if err != nil {
		return domain.Account{}, err
	}
	if created {
		s.logger.Info("account created",
			"event", "account_created",
			"account_id", acct.ID,
			"binding", b.String(),
			"role", acct.Role,
		)
	}
	return acct, nil
}

// Link binds another channel identity to the account that owns existing.
func (s *Service) Link(ctx context.Context, existing, extra domain.Binding) (domain.Account, error) {
	acct, err := s.store.FindAccount(ctx, existing)
	if err != nil {
		return domain.Account{}, err
	}
	linked, err := s.store.LinkIdentity(ctx, acct.ID, extra, s.now())
	if err != nil {
		return domain.Account{}, err
	}
	s.logger.Info("identity linked",
		"event", "identity_linked",
		"account_id", acct.ID,
		"binding", extra.String(),
	)
	return linked, nil
}

type MintInput struct {
	Binding     domain.Binding
	EmailDomain string
	Destination string
	// Amount 0 selects the role default.
	Amount int64
}

type MintResult struct {
	Request     domain.DisbursementRequest
	Reservation domain.Reservation
	// Remaining is nil when the account's role is uncapped.
	Remaining *int64
}

// Mint reserves quota and enqueues a disbursement in one commit. The
// transfer itself happens asynchronously.
func (s *Service) Mint(ctx context.Context, in MintInput) (MintResult, error) {
	destination := strings.TrimSpace(in.Destination)
	if destination == "" || len(destination) > maxDestinationLen {
		return MintResult{}, fmt.Errorf("%w: destination must be 1-%d characters", domain.ErrInvalidInput, maxDestinationLen)
	}
	if in.Amount < 0 {
		reservationsTotal.WithLabelValues("invalid_amount").Inc()
		return MintResult{}, domain.ErrInvalidAmount
	}

	acct, err := s.Resolve(ctx, in.Binding, in.EmailDomain)
	if err != nil {
		return MintResult{}, err
	}

	res, req, err := s.store.Reserve(ctx, store.ReserveParams{
		AccountID:   acct.ID,
		Channel:     in.Binding.Channel,
		Destination: destination,
		Amount:      in.Amount,
		At:          s.now(),
	})
	if err != nil {
		reservationsTotal.WithLabelValues(reservationResult(err)).Inc()
		if domain.IsQuotaViolation(err) {
			s.logger.Info("mint rejected",
				"event", "mint_rejected",
				"account_id", acct.ID,
				"reason", err.Error(),
			)
		}
		return MintResult{}, err
	}
	reservationsTotal.WithLabelValues("accepted").Inc()

	out := MintResult{Request: req, Reservation: res}
	// Role read outside the account lock; informational only.
	if remaining, ok := s.policy.Limits(acct.Role).Remaining(res.After); ok {
		out.Remaining = &remaining
	}
	s.logger.Info("mint accepted",
		"event", "mint_accepted",
		"account_id", acct.ID,
		"request_id", req.ID,
		"amount", req.Amount,
		"channel", req.Channel,
	)
	return out, nil
}

func reservationResult(err error) string {
	switch {
	case errors.Is(err, domain.ErrExceedsSingleLimit):
		return "exceeds_single"
	case errors.Is(err, domain.ErrExceedsDailyCap):
		return "exceeds_daily"
	case errors.Is(err, domain.ErrInvalidAmount):
		return "invalid_amount"
	default:
		return "error"
	}
}

// Profile is an account's quota view for the current UTC day.
type Profile struct {
	Account        domain.Account   `json:"-"`
	AccountID      string           `json:"account_id"`
	Role           domain.Role      `json:"role"`
	Bindings       []domain.Binding `json:"bindings"`
	Day            string           `json:"day"`
	DefaultAmount  int64            `json:"default_amount"`
	MaxAmount      int64            `json:"max_amount"`
	MaxDailyCap    *int64           `json:"max_daily_cap"`
	MintedToday    int64            `json:"minted_today"`
	RemainingToday *int64           `json:"remaining_today"`
}

// WhoAmI resolves b and reports its role and today's quota position.
func (s *Service) WhoAmI(ctx context.Context, b domain.Binding, emailDomain string) (Profile, error) {
	acct, err := s.Resolve(ctx, b, emailDomain)
	if err != nil {
		return Profile{}, err
	}
	day := domain.DayOf(s.now())
	used, err := s.store.Usage(ctx, acct.ID, day)
	if err != nil {
		return Profile{}, err
	}

	limits := s.policy.Limits(acct.Role)
	p := Profile{
		Account:       acct,
		AccountID:     acct.ID,
		Role:          acct.Role,
		Bindings:      acct.Bindings,
		Day:           day,
		DefaultAmount: limits.DefaultAmount,
		MaxAmount:     limits.MaxSingle,
		MintedToday:   used,
	}
	if remaining, ok := limits.Remaining(used); ok {
		daily := limits.MaxDaily
		p.MaxDailyCap = &daily
		p.RemainingToday = &remaining
	}
	return p, nil
}

func (s *Service) GetRequest(ctx context.Context, id string) (domain.DisbursementRequest, error) {
	return s.store.GetRequest(ctx, id)
}
