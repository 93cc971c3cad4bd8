package chain

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var addressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{1,64}$`)

// ValidAddress reports whether s looks like a ledger account address.
func ValidAddress(s string) bool {
	return addressPattern.MatchString(s)
}

// Fault scripts the outcome of one Submit call on a Simulated ledger.
type Fault int

const (
	FaultNone Fault = iota
	// FaultTransient fails before the transfer is applied.
	FaultTransient
	// FaultPermanent rejects the transfer.
	FaultPermanent
	// FaultAppliedThenLost applies the transfer but loses the response.
	FaultAppliedThenLost
	// FaultLost drops the request before it is applied, reporting ambiguity.
	FaultLost
)

type simTransfer struct {
	Transfer
	txRef  string
	failed bool
}

// Simulated is an in-memory ledger that honours idempotency keys. It backs
// local development and tests.
type Simulated struct {
	// Latency is slept (respecting ctx) on every call.
	Latency time.Duration

	mu          sync.Mutex
	transfers   map[string]*simTransfer
	submits     map[string]int
	faults      []Fault
	queryFaults []error
}

func NewSimulated() *Simulated {
	return &Simulated{
		transfers: make(map[string]*simTransfer),
		submits:   make(map[string]int),
	}
}

// Script queues faults consumed by subsequent Submit calls in order.
func (s *Simulated) Script(faults ...Fault) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = append(s.faults, faults...)
}

// ScriptQuery queues errors returned by subsequent QueryStatus calls; a nil
// entry lets the call through.
func (s *Simulated) ScriptQuery(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queryFaults = append(s.queryFaults, errs...)
}

// Apply records a settled transfer directly.
func (s *Simulated) Apply(t Transfer) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applyLocked(t)
}

func (s *Simulated) applyLocked(t Transfer) string {
	if existing, ok := s.transfers[t.IdempotencyKey]; ok {
		return existing.txRef
	}
	ref := "0x" + strings.ReplaceAll(uuid.NewString(), "-", "")
	s.transfers[t.IdempotencyKey] = &simTransfer{Transfer: t, txRef: ref}
	return ref
}

// Submissions is how many times Submit was called with key.
func (s *Simulated) Submissions(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.submits[key]
}

// Settled counts transfers that moved tokens.
func (s *Simulated) Settled() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.transfers {
		if !t.failed {
			n++
		}
	}
	return n
}

func (s *Simulated) wait(ctx context.Context) error {
	if s.Latency <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(s.Latency)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (s *Simulated) nextFault() Fault {
	if len(s.faults) == 0 {
		return FaultNone
	}
	f := s.faults[0]
	s.faults = s.faults[1:]
	return f
}

func (s *Simulated) Submit(ctx context.Context, t Transfer) (string, error) {
	if err := s.wait(ctx); err != nil {
		return "", Ambiguous("", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.submits[t.IdempotencyKey]++

	if existing, ok := s.transfers[t.IdempotencyKey]; ok {
		if existing.failed {
			return "", Permanent(errors.New("transfer previously rejected"))
		}
		return existing.txRef, nil
	}

	switch s.nextFault() {
	case FaultTransient:
		return "", Transient(errors.New("simulated connection refused"))
	case FaultPermanent:
		s.transfers[t.IdempotencyKey] = &simTransfer{Transfer: t, failed: true}
		return "", Permanent(errors.New("simulated rejection"))
	case FaultAppliedThenLost:
		ref := s.applyLocked(t)
		return "", Ambiguous(ref, errors.New("simulated response lost"))
	case FaultLost:
		return "", Ambiguous("", errors.New("simulated request lost"))
	}

	if !ValidAddress(t.Destination) {
		s.transfers[t.IdempotencyKey] = &simTransfer{Transfer: t, failed: true}
		return "", Permanent(fmt.Errorf("invalid destination address %q", t.Destination))
	}
	if t.Amount <= 0 {
		return "", Permanent(fmt.Errorf("invalid amount %d", t.Amount))
	}
	return s.applyLocked(t), nil
}

func (s *Simulated) QueryStatus(ctx context.Context, key, txRef string) (Receipt, error) {
	if err := s.wait(ctx); err != nil {
		return Receipt{}, Transient(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queryFaults) > 0 {
		err := s.queryFaults[0]
		s.queryFaults = s.queryFaults[1:]
		if err != nil {
			return Receipt{}, Transient(err)
		}
	}

	if t, ok := s.transfers[key]; ok {
		if t.failed {
			return Receipt{Outcome: OutcomeFailure}, nil
		}
		return Receipt{Outcome: OutcomeSuccess, TxReference: t.txRef}, nil
	}
	if txRef != "" {
		for _, t := range s.transfers {
			if t.txRef == txRef && !t.failed {
				return Receipt{Outcome: OutcomeSuccess, TxReference: t.txRef}, nil
			}
		}
	}
	return Receipt{Outcome: OutcomeUnknown}, nil
}
