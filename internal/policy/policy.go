// Package policy computes per-role disbursement limits. It performs no I/O.
package policy

import (
	"fmt"
	"sync/atomic"

	"github.com/punchamoorthee/tokenfaucet/internal/domain"
)

// Limits are the caps applied to one role. MaxDaily <= 0 means uncapped.
type Limits struct {
	DefaultAmount int64 `json:"default_amount"`
	MaxSingle     int64 `json:"max_single"`
	MaxDaily      int64 `json:"max_daily"`
}

// Capped reports whether a daily cap applies.
func (l Limits) Capped() bool {
	return l.MaxDaily > 0
}

// Remaining is what is left of the daily cap after used. ok is false when uncapped.
func (l Limits) Remaining(used int64) (remaining int64, ok bool) {
	if !l.Capped() {
		return 0, false
	}
	if used >= l.MaxDaily {
		return 0, true
	}
	return l.MaxDaily - used, true
}

func (l Limits) Validate() error {
	if l.MaxSingle <= 0 {
		return fmt.Errorf("%w: max single must be positive", domain.ErrInvalidInput)
	}
	if l.DefaultAmount <= 0 || l.DefaultAmount > l.MaxSingle {
		return fmt.Errorf("%w: default amount must be in (0, max single]", domain.ErrInvalidInput)
	}
	if l.Capped() && l.MaxSingle > l.MaxDaily {
		return fmt.Errorf("%w: max single exceeds daily cap", domain.ErrInvalidInput)
	}
	return nil
}

// Table maps every role to its limits.
type Table map[domain.Role]Limits

// Validate checks that every role has sane limits.
func (t Table) Validate() error {
	for _, role := range domain.Roles {
		l, ok := t[role]
		if !ok {
			return fmt.Errorf("%w: no limits for role %s", domain.ErrInvalidInput, role)
		}
		if err := l.Validate(); err != nil {
			return fmt.Errorf("role %s: %w", role, err)
		}
	}
	return nil
}

func (t Table) clone() Table {
	out := make(Table, len(t))
	for k, v := range t {
		out[k] = v
	}
	return out
}

// Evaluate decides a reservation against limits given the amount already
// reserved today. A zero requested amount resolves to the role default.
// It returns the amount to reserve.
func Evaluate(l Limits, requested, used int64) (int64, error) {
	amount := requested
	if amount == 0 {
		amount = l.DefaultAmount
	}
	if amount <= 0 {
		return 0, domain.ErrInvalidAmount
	}
	if amount > l.MaxSingle {
		return 0, fmt.Errorf("%w: requested %d, max %d", domain.ErrExceedsSingleLimit, amount, l.MaxSingle)
	}
	if l.Capped() && used+amount > l.MaxDaily {
		return 0, fmt.Errorf("%w: used %d of %d, requested %d", domain.ErrExceedsDailyCap, used, l.MaxDaily, amount)
	}
	return amount, nil
}

// Policy serves the current table. Replacing the table takes effect on the
// next evaluation.
type Policy struct {
	table atomic.Pointer[Table]
}

func New(t Table) (*Policy, error) {
	p := &Policy{}
	if err := p.Replace(t); err != nil {
		return nil, err
	}
	return p, nil
}

// Replace swaps the whole table after validating it.
func (p *Policy) Replace(t Table) error {
	if err := t.Validate(); err != nil {
		return err
	}
	c := t.clone()
	p.table.Store(&c)
	return nil
}

// Set replaces a single role's limits.
func (p *Policy) Set(role domain.Role, l Limits) error {
	next := p.Table()
	next[role] = l
	return p.Replace(next)
}

// Table returns a copy of the current table.
func (p *Policy) Table() Table {
	return (*p.table.Load()).clone()
}

func (p *Policy) Limits(role domain.Role) Limits {
	return (*p.table.Load())[role]
}

func (p *Policy) MaxSingle(role domain.Role) int64 {
	return p.Limits(role).MaxSingle
}

func (p *Policy) MaxDaily(role domain.Role) int64 {
	return p.Limits(role).MaxDaily
}

func (p *Policy) DefaultAmount(role domain.Role) int64 {
	return p.Limits(role).DefaultAmount
}
