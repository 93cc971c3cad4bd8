package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/punchamoorthee/tokenfaucet/internal/domain"
	"github.com/punchamoorthee/tokenfaucet/internal/policy"
	"github.com/punchamoorthee/tokenfaucet/internal/service"
	"github.com/punchamoorthee/tokenfaucet/internal/store"
)

var testNow = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

type testServer struct {
	mem    *store.Memory
	router http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	p, err := policy.New(policy.Table{
		domain.RoleUser:       {DefaultAmount: 100, MaxSingle: 100, MaxDaily: 300},
		domain.RolePrivileged: {DefaultAmount: 500, MaxSingle: 1000, MaxDaily: 5000},
		domain.RoleAdmin:      {DefaultAmount: 500, MaxSingle: 1000},
	})
	if err != nil {
		t.Fatal(err)
	}
	mem := store.NewMemory(p)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := service.New(mem, p, service.Options{Logger: logger, Clock: func() time.Time { return testNow }})
	return &testServer{mem: mem, router: NewRouter(NewHandler(svc, logger), nil)}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) admin(t *testing.T, channel domain.Channel, handle string) {
	t.Helper()
	acct, _, err := s.mem.ResolveAccount(context.Background(), domain.Binding{Channel: channel, Handle: handle}, domain.RoleAdmin, testNow)
	if err != nil {
		t.Fatal(err)
	}
	if acct.Role != domain.RoleAdmin {
		t.Fatalf("admin role = %s", acct.Role)
	}
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestMint(t *testing.T) {
	s := newTestServer(t)
	body := map[string]any{"channel": "telegram", "handle": "alice", "destination": "0xabc"}

	for i := 0; i < 3; i++ {
		rec := s.do(t, http.MethodPost, "/api/v1/mint", body)
		if rec.Code != http.StatusAccepted {
			t.Fatalf("mint %d: status %d body %s", i, rec.Code, rec.Body.String())
		}
		resp := decode[mintResponse](t, rec)
		if resp.Status != domain.StatusPending || resp.Amount != 100 || resp.ReservedDailyUsed != int64(100*(i+1)) {
			t.Fatalf("mint %d: %+v", i, resp)
		}
		if rec.Header().Get("Location") != "/api/v1/requests/"+resp.RequestID {
			t.Fatalf("location = %q", rec.Header().Get("Location"))
		}
	}

	rec := s.do(t, http.MethodPost, "/api/v1/mint", body)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("over cap: status %d", rec.Code)
	}
}

func TestMintValidation(t *testing.T) {
	s := newTestServer(t)
	cases := []struct {
		name string
		body any
		want int
	}{
		{"bad json", `{"channel":`, http.StatusBadRequest},
		{"unknown field", `{"channel":"web","handle":"a","destination":"0x1","extra":1}`, http.StatusBadRequest},
		{"unknown channel", map[string]any{"channel": "sms", "handle": "a", "destination": "0x1"}, http.StatusBadRequest},
		{"zero amount", map[string]any{"channel": "web", "handle": "a", "destination": "0x1", "amount": 0}, http.StatusBadRequest},
		{"over single", map[string]any{"channel": "web", "handle": "a", "destination": "0x1", "amount": 101}, http.StatusUnprocessableEntity},
		{"missing destination", map[string]any{"channel": "web", "handle": "a"}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, "/api/v1/mint", tc.body)
			if rec.Code != tc.want {
				t.Fatalf("status %d, want %d (body %s)", rec.Code, tc.want, rec.Body.String())
			}
		})
	}
}

func TestWhoAmIAndGetRequest(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodPost, "/api/v1/mint", map[string]any{"channel": "discord", "handle": "bob", "destination": "0xabc", "amount": 60})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("mint: %d", rec.Code)
	}
	minted := decode[mintResponse](t, rec)

	rec = s.do(t, http.MethodGet, "/api/v1/whoami?channel=discord&handle=bob", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("whoami: %d", rec.Code)
	}
	p := decode[service.Profile](t, rec)
	if p.MintedToday != 60 || p.RemainingToday == nil || *p.RemainingToday != 240 || p.Role != domain.RoleUser {
		t.Fatalf("profile = %+v", p)
	}

	rec = s.do(t, http.MethodGet, "/api/v1/requests/"+minted.RequestID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get request: %d", rec.Code)
	}
	got := decode[domain.DisbursementRequest](t, rec)
	if got.ID != minted.RequestID || got.Amount != 60 || got.Channel != domain.ChannelDiscord {
		t.Fatalf("request = %+v", got)
	}

	if rec := s.do(t, http.MethodGet, "/api/v1/requests/nope", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("missing request: %d", rec.Code)
	}
}

func TestLinkIdentity(t *testing.T) {
	s := newTestServer(t)
	s.do(t, http.MethodGet, "/api/v1/whoami?channel=web&handle=carol@x.io", nil)
	s.do(t, http.MethodGet, "/api/v1/whoami?channel=telegram&handle=taken", nil)

	rec := s.do(t, http.MethodPost, "/api/v1/identities/link", map[string]string{
		"account_channel": "web", "account_handle": "carol@x.io", "channel": "telegram", "handle": "carol",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("link: %d %s", rec.Code, rec.Body.String())
	}
	rec = s.do(t, http.MethodPost, "/api/v1/identities/link", map[string]string{
		"account_channel": "web", "account_handle": "carol@x.io", "channel": "telegram", "handle": "taken",
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("conflicting link: %d", rec.Code)
	}
}

func TestAdminSetRole(t *testing.T) {
	s := newTestServer(t)
	s.admin(t, domain.ChannelWeb, "root")
	s.do(t, http.MethodGet, "/api/v1/whoami?channel=telegram&handle=mallory", nil)

	rec := s.do(t, http.MethodPost, "/api/v1/admin/role", map[string]string{
		"actor_channel": "telegram", "actor_handle": "mallory",
		"target_channel": "telegram", "target_handle": "mallory", "role": "admin",
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("self-promotion: %d", rec.Code)
	}

	rec = s.do(t, http.MethodPost, "/api/v1/admin/role", map[string]string{
		"actor_channel": "web", "actor_handle": "root",
		"target_channel": "telegram", "target_handle": "dan", "role": "privileged",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("set role: %d %s", rec.Code, rec.Body.String())
	}
	acct := decode[domain.Account](t, rec)
	if acct.Role != domain.RolePrivileged {
		t.Fatalf("role = %s", acct.Role)
	}

	rec = s.do(t, http.MethodPost, "/api/v1/admin/role", map[string]string{
		"actor_channel": "web", "actor_handle": "root",
		"target_channel": "telegram", "target_handle": "dan", "role": "superuser",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad role: %d", rec.Code)
	}
}

func TestAdminLimitsAndRequests(t *testing.T) {
	s := newTestServer(t)
	s.admin(t, domain.ChannelWeb, "root")

	rec := s.do(t, http.MethodPost, "/api/v1/admin/limits", map[string]any{
		"actor_channel": "web", "actor_handle": "root",
		"role": "user", "default_amount": 5, "max_single": 10, "max_daily": 20,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("set limits: %d %s", rec.Code, rec.Body.String())
	}

	rec = s.do(t, http.MethodPost, "/api/v1/mint", map[string]any{"channel": "web", "handle": "eve", "destination": "0x1"})
	minted := decode[mintResponse](t, rec)
	if minted.Amount != 5 {
		t.Fatalf("amount = %d, want new default 5", minted.Amount)
	}

	rec = s.do(t, http.MethodGet, "/api/v1/admin/requests?actor_channel=web&actor_handle=root&status=pending", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: %d", rec.Code)
	}
	list := decode[struct {
		Requests []domain.DisbursementRequest `json:"requests"`
	}](t, rec)
	if len(list.Requests) != 1 || list.Requests[0].ID != minted.RequestID {
		t.Fatalf("list = %+v", list)
	}

	rec = s.do(t, http.MethodPost, "/api/v1/admin/requests/"+minted.RequestID+"/resolve", map[string]string{
		"actor_channel": "web", "actor_handle": "root", "outcome": "failed",
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("resolve non-stuck: %d", rec.Code)
	}

	rec = s.do(t, http.MethodPost, "/api/v1/admin/requests/"+minted.RequestID+"/cancel", map[string]string{
		"actor_channel": "web", "actor_handle": "root",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel: %d %s", rec.Code, rec.Body.String())
	}
	if got := decode[domain.DisbursementRequest](t, rec); got.Status != domain.StatusFailed {
		t.Fatalf("status = %s", got.Status)
	}
	rec = s.do(t, http.MethodPost, "/api/v1/admin/requests/"+minted.RequestID+"/cancel", map[string]string{
		"actor_channel": "web", "actor_handle": "root",
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("second cancel: %d", rec.Code)
	}

	rec = s.do(t, http.MethodGet, "/api/v1/admin/reports/daily?actor_channel=web&actor_handle=root&day=2026-05-04", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("report: %d", rec.Code)
	}
	report := decode[struct {
		Day      string                  `json:"day"`
		Channels []domain.ChannelSummary `json:"channels"`
	}](t, rec)
	if report.Day != "2026-05-04" || len(report.Channels) != 1 || report.Channels[0].FailedCount != 1 {
		t.Fatalf("report = %+v", report)
	}

	rec = s.do(t, http.MethodGet, "/api/v1/admin/reports/daily?actor_channel=web&actor_handle=eve", nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("non-admin report: %d", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	if rec := s.do(t, http.MethodGet, "/health", nil); rec.Code != http.StatusOK {
		t.Fatalf("health: %d", rec.Code)
	}

	down := NewRouter(NewHandler(nil, nil), func(context.Context) error { return errors.New("db down") })
	rec := httptest.NewRecorder()
	down.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("unhealthy: %d", rec.Code)
	}
}

func TestErrorStatus(t *testing.T) {
	cases := map[error]int{
		domain.ErrExceedsDailyCap:    http.StatusUnprocessableEntity,
		domain.ErrIdentityConflict:   http.StatusConflict,
		domain.ErrForbidden:          http.StatusForbidden,
		domain.ErrStorageUnavailable: http.StatusServiceUnavailable,
		errors.New("boom"):           http.StatusInternalServerError,
	}
	for err, want := range cases {
		if got := errorStatus(err); got != want {
			t.Errorf("errorStatus(%v) = %d, want %d", err, got, want)
		}
	}
}
