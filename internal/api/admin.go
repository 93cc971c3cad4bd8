package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/punchamoorthee/tokenfaucet/internal/domain"
	"github.com/punchamoorthee/tokenfaucet/internal/policy"
	"github.com/punchamoorthee/tokenfaucet/internal/service"
	"github.com/punchamoorthee/tokenfaucet/internal/store"
)

// Admin calls name the acting identity explicitly. The adapter in front of
// the engine has already verified it.
type actor struct {
	ActorChannel string `json:"actor_channel"`
	ActorHandle  string `json:"actor_handle"`
}

func (a actor) binding() (domain.Binding, error) {
	return service.ParseBinding(a.ActorChannel, a.ActorHandle)
}

func actorFromQuery(r *http.Request) (domain.Binding, error) {
	q := r.URL.Query()
	return service.ParseBinding(q.Get("actor_channel"), q.Get("actor_handle"))
}

type setRoleRequest struct {
	actor
	TargetChannel string `json:"target_channel"`
	TargetHandle  string `json:"target_handle"`
	Role          string `json:"role"`
}

func (h *Handler) SetRole(w http.ResponseWriter, r *http.Request) {
	const method, endpoint = "POST", "/admin/role"
	timer := prometheus.NewTimer(httpLatency.WithLabelValues(method, endpoint))
	defer timer.ObserveDuration()

	var req setRoleRequest
	if err := decodeJSON(r, &req); err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error(), method, endpoint)
		return
	}
	actorB, err := req.binding()
	if err != nil {
		h.fail(w, err, method, endpoint)
		return
	}
	target, err := service.ParseBinding(req.TargetChannel, req.TargetHandle)
	if err != nil {
		h.fail(w, err, method, endpoint)
		return
	}
	role, err := domain.ParseRole(req.Role)
	if err != nil {
		h.fail(w, err, method, endpoint)
		return
	}
	acct, err := h.svc.SetRole(r.Context(), actorB, target, role)
	if err != nil {
		h.fail(w, err, method, endpoint)
		return
	}
	h.respondJSON(w, http.StatusOK, acct, method, endpoint)
}

type setLimitsRequest struct {
	actor
	Role          string `json:"role"`
	DefaultAmount int64  `json:"default_amount"`
	MaxSingle     int64  `json:"max_single"`
	MaxDaily      int64  `json:"max_daily"`
}

func (h *Handler) SetLimits(w http.ResponseWriter, r *http.Request) {
	const method, endpoint = "POST", "/admin/limits"
	timer := prometheus.NewTimer(httpLatency.WithLabelValues(method, endpoint))
	defer timer.ObserveDuration()

	var req setLimitsRequest
	if err := decodeJSON(r, &req); err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error(), method, endpoint)
		return
	}
	actorB, err := req.binding()
	if err != nil {
		h.fail(w, err, method, endpoint)
		return
	}
	role, err := domain.ParseRole(req.Role)
	if err != nil {
		h.fail(w, err, method, endpoint)
		return
	}
	table, err := h.svc.SetLimits(r.Context(), actorB, role, policy.Limits{
		DefaultAmount: req.DefaultAmount,
		MaxSingle:     req.MaxSingle,
		MaxDaily:      req.MaxDaily,
	})
	if err != nil {
		h.fail(w, err, method, endpoint)
		return
	}
	h.respondJSON(w, http.StatusOK, table, method, endpoint)
}

type cancelRequest struct {
	actor
	Reason string `json:"reason,omitempty"`
}

func (h *Handler) CancelRequest(w http.ResponseWriter, r *http.Request) {
	const method, endpoint = "POST", "/admin/requests/{id}/cancel"
	timer := prometheus.NewTimer(httpLatency.WithLabelValues(method, endpoint))
	defer timer.ObserveDuration()

	var req cancelRequest
	if err := decodeJSON(r, &req); err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error(), method, endpoint)
		return
	}
	actorB, err := req.binding()
	if err != nil {
		h.fail(w, err, method, endpoint)
		return
	}
	out, err := h.svc.Cancel(r.Context(), actorB, mux.Vars(r)["id"], req.Reason)
	if err != nil {
		h.fail(w, err, method, endpoint)
		return
	}
	h.respondJSON(w, http.StatusOK, out, method, endpoint)
}

type resolveRequest struct {
	actor
	Outcome     string `json:"outcome"`
	TxReference string `json:"tx_reference,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

func (h *Handler) ResolveRequest(w http.ResponseWriter, r *http.Request) {
	const method, endpoint = "POST", "/admin/requests/{id}/resolve"
	timer := prometheus.NewTimer(httpLatency.WithLabelValues(method, endpoint))
	defer timer.ObserveDuration()

	var req resolveRequest
	if err := decodeJSON(r, &req); err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error(), method, endpoint)
		return
	}
	actorB, err := req.binding()
	if err != nil {
		h.fail(w, err, method, endpoint)
		return
	}
	var completed bool
	switch domain.Status(strings.ToLower(req.Outcome)) {
	case domain.StatusCompleted:
		completed = true
	case domain.StatusFailed:
	default:
		h.respondError(w, http.StatusBadRequest, "outcome must be completed or failed", method, endpoint)
		return
	}
	out, err := h.svc.ResolveStuck(r.Context(), actorB, mux.Vars(r)["id"], service.Resolution{
		Completed:   completed,
		TxReference: req.TxReference,
		Reason:      req.Reason,
	})
	if err != nil {
		h.fail(w, err, method, endpoint)
		return
	}
	h.respondJSON(w, http.StatusOK, out, method, endpoint)
}

func (h *Handler) ListRequests(w http.ResponseWriter, r *http.Request) {
	const method, endpoint = "GET", "/admin/requests"
	timer := prometheus.NewTimer(httpLatency.WithLabelValues(method, endpoint))
	defer timer.ObserveDuration()

	actorB, err := actorFromQuery(r)
	if err != nil {
		h.fail(w, err, method, endpoint)
		return
	}
	q := r.URL.Query()
	filter := store.RequestFilter{AccountID: q.Get("account_id"), StuckOnly: q.Get("stuck") == "true"}
	if s := q.Get("status"); s != "" {
		if filter.Status, err = domain.ParseStatus(s); err != nil {
			h.fail(w, err, method, endpoint)
			return
		}
	}
	if l := q.Get("limit"); l != "" {
		if filter.Limit, err = strconv.Atoi(l); err != nil {
			h.respondError(w, http.StatusBadRequest, "limit must be an integer", method, endpoint)
			return
		}
	}
	reqs, err := h.svc.ListRequests(r.Context(), actorB, filter)
	if err != nil {
		h.fail(w, err, method, endpoint)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"requests": reqs}, method, endpoint)
}

func (h *Handler) DailyReport(w http.ResponseWriter, r *http.Request) {
	const method, endpoint = "GET", "/admin/reports/daily"
	timer := prometheus.NewTimer(httpLatency.WithLabelValues(method, endpoint))
	defer timer.ObserveDuration()

	actorB, err := actorFromQuery(r)
	if err != nil {
		h.fail(w, err, method, endpoint)
		return
	}
	day := r.URL.Query().Get("day")
	if day == "" {
		day = domain.DayOf(time.Now())
	}
	sums, err := h.svc.DailySummary(r.Context(), actorB, day)
	if err != nil {
		h.fail(w, err, method, endpoint)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"day": day, "channels": sums}, method, endpoint)
}
