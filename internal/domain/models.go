package domain

import (
	"fmt"
	"strings"
	"time"
)

// DayLayout is the key format of a quota window (UTC calendar day).
const DayLayout = "2006-01-02"

// Channel is the front-channel an identity arrived through.
type Channel string

const (
	ChannelWeb      Channel = "web"
	ChannelTelegram Channel = "telegram"
	ChannelDiscord  Channel = "discord"
)

// ParseChannel normalises and validates a channel name.
func ParseChannel(s string) (Channel, error) {
	switch c := Channel(strings.ToLower(strings.TrimSpace(s))); c {
	case ChannelWeb, ChannelTelegram, ChannelDiscord:
		return c, nil
	default:
		return "", fmt.Errorf("%w: unknown channel %q", ErrInvalidInput, s)
	}
}

// Role decides which quota limits apply to an account.
type Role string

const (
	RoleUser       Role = "user"
	RolePrivileged Role = "privileged"
	RoleAdmin      Role = "admin"
)

// Roles lists every role in ascending privilege.
var Roles = []Role{RoleUser, RolePrivileged, RoleAdmin}

func ParseRole(s string) (Role, error) {
	switch r := Role(strings.ToLower(strings.TrimSpace(s))); r {
	case RoleUser, RolePrivileged, RoleAdmin:
		return r, nil
	default:
		return "", fmt.Errorf("%w: unknown role %q", ErrInvalidInput, s)
	}
}

// Status is the lifecycle state of a disbursement request.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

func ParseStatus(s string) (Status, error) {
	switch st := Status(strings.ToLower(strings.TrimSpace(s))); st {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return st, nil
	default:
		return "", fmt.Errorf("%w: unknown status %q", ErrInvalidInput, s)
	}
}

// Terminal reports whether no transition may leave s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition enforces the forward-only request state machine.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusProcessing || to == StatusFailed
	case StatusProcessing:
		return to == StatusProcessing || to == StatusCompleted || to == StatusFailed
	default:
		return false
	}
}

// Binding is one (channel, handle) identity attached to an account.
type Binding struct {
	Channel Channel `json:"channel"`
	Handle  string  `json:"handle"`
}

func (b Binding) String() string {
	return string(b.Channel) + ":" + b.Handle
}

// Account is the canonical identity that owns a role and a quota.
type Account struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Bindings  []Binding `json:"bindings,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Reservation is a committed increment against a daily quota window.
type Reservation struct {
	RequestID string `json:"request_id"`
	AccountID string `json:"account_id"`
	Day       string `json:"day"`
	Amount    int64  `json:"amount"`
	Before    int64  `json:"before"`
	After     int64  `json:"after"`
}

// DisbursementRequest is one token transfer tracked to a terminal state.
// Amount is immutable after creation.
type DisbursementRequest struct {
	ID             string     `json:"id"`
	AccountID      string     `json:"account_id"`
	Channel        Channel    `json:"channel"`
	Destination    string     `json:"destination"`
	Amount         int64      `json:"amount"`
	Day            string     `json:"day"`
	Status         Status     `json:"status"`
	TxReference    string     `json:"tx_reference,omitempty"`
	Attempts       int        `json:"attempts"`
	LastError      string     `json:"last_error,omitempty"`
	QuotaReleased  bool       `json:"quota_released"`
	NeedsAttention bool       `json:"needs_attention"`
	NextAttemptAt  time.Time  `json:"next_attempt_at"`
	RequestedAt    time.Time  `json:"requested_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	ProcessedAt    *time.Time `json:"processed_at,omitempty"`
}

// Reservation rebuilds the quota reservation the request debits.
func (r DisbursementRequest) Reservation() Reservation {
	return Reservation{
		RequestID: r.ID,
		AccountID: r.AccountID,
		Day:       r.Day,
		Amount:    r.Amount,
	}
}

// Age is how long the request has existed at now.
func (r DisbursementRequest) Age(now time.Time) time.Duration {
	return now.Sub(r.RequestedAt)
}

// LeasedRequest is a request handed to exactly one worker attempt.
// LeaseToken fences every write the worker makes for this attempt.
type LeasedRequest struct {
	DisbursementRequest
	LeaseToken string `json:"-"`
}

// DayOf returns the UTC quota window key for t.
func DayOf(t time.Time) string {
	return t.UTC().Format(DayLayout)
}

// ChannelSummary aggregates one channel's disbursements for a day.
type ChannelSummary struct {
	Channel        Channel `json:"channel"`
	CompletedTotal int64   `json:"completed_total"`
	CompletedCount int64   `json:"completed_count"`
	FailedCount    int64   `json:"failed_count"`
	PendingCount   int64   `json:"pending_count"`
}

// QueueStats is a monitoring snapshot of the request queue.
type QueueStats struct {
	ByStatus         map[Status]int64 `json:"by_status"`
	OldestPendingAge time.Duration    `json:"oldest_pending_age"`
	Stuck            int64            `json:"stuck"`
}
