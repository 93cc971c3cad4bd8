package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/punchamoorthee/tokenfaucet/internal/domain"
	"github.com/punchamoorthee/tokenfaucet/internal/service"
)

// Metrics
var (
	httpReqTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "faucet_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "endpoint", "status"})

	httpLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "faucet_http_request_duration_seconds",
		Help:    "Request latency",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1},
	}, []string{"method", "endpoint"})
)

const maxBodyBytes = 1 << 20

type Handler struct {
	svc    *service.Service
	logger *slog.Logger
}

func NewHandler(svc *service.Service, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{svc: svc, logger: logger.With("layer", "http")}
}

type mintRequest struct {
	Channel     string `json:"channel"`
	Handle      string `json:"handle"`
	Domain      string `json:"domain,omitempty"`
	Destination string `json:"destination"`
	Amount      *int64 `json:"amount,omitempty"`
}

type mintResponse struct {
	RequestID              string        `json:"request_id"`
	Status                 domain.Status `json:"status"`
	Amount                 int64         `json:"amount"`
	ReservedDailyUsed      int64         `json:"reserved_daily_used"`
	ReservedDailyRemaining *int64        `json:"reserved_daily_remaining"`
	TxReference            string        `json:"tx_reference,omitempty"`
}

func (h *Handler) Mint(w http.ResponseWriter, r *http.Request) {
	const method, endpoint = "POST", "/mint"
	timer := prometheus.NewTimer(httpLatency.WithLabelValues(method, endpoint))
	defer timer.ObserveDuration()

	var req mintRequest
	if err := decodeJSON(r, &req); err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error(), method, endpoint)
		return
	}
	b, err := service.ParseBinding(req.Channel, req.Handle)
	if err != nil {
		h.fail(w, err, method, endpoint)
		return
	}
	// Omitted amount means the role default; an explicit zero is rejected.
	var amount int64
	if req.Amount != nil {
		if *req.Amount <= 0 {
			h.fail(w, domain.ErrInvalidAmount, method, endpoint)
			return
		}
		amount = *req.Amount
	}

	res, err := h.svc.Mint(r.Context(), service.MintInput{
		Binding:     b,
		EmailDomain: req.Domain,
		Destination: req.Destination,
		Amount:      amount,
	})
	if err != nil {
		h.fail(w, err, method, endpoint)
		return
	}

	w.Header().Set("Location", fmt.Sprintf("/api/v1/requests/%s", res.Request.ID))
	h.respondJSON(w, http.StatusAccepted, mintResponse{
		RequestID:              res.Request.ID,
		Status:                 res.Request.Status,
		Amount:                 res.Request.Amount,
		ReservedDailyUsed:      res.Reservation.After,
		ReservedDailyRemaining: res.Remaining,
		TxReference:            res.Request.TxReference,
	}, method, endpoint)
}

func (h *Handler) WhoAmI(w http.ResponseWriter, r *http.Request) {
	const method, endpoint = "GET", "/whoami"
	timer := prometheus.NewTimer(httpLatency.WithLabelValues(method, endpoint))
	defer timer.ObserveDuration()

	q := r.URL.Query()
	b, err := service.ParseBinding(q.Get("channel"), q.Get("handle"))
	if err != nil {
		h.fail(w, err, method, endpoint)
		return
	}
	profile, err := h.svc.WhoAmI(r.Context(), b, q.Get("domain"))
	if err != nil {
		h.fail(w, err, method, endpoint)
		return
	}
	h.respondJSON(w, http.StatusOK, profile, method, endpoint)
}

type linkRequest struct {
	AccountChannel string `json:"account_channel"`
	AccountHandle  string `json:"account_handle"`
	Channel        string `json:"channel"`
	Handle         string `json:"handle"`
}

func (h *Handler) LinkIdentity(w http.ResponseWriter, r *http.Request) {
	const method, endpoint = "POST", "/identities/link"
	timer := prometheus.NewTimer(httpLatency.WithLabelValues(method, endpoint))
	defer timer.ObserveDuration()

	var req linkRequest
	if err := decodeJSON(r, &req); err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error(), method, endpoint)
		return
	}
	existing, err := service.ParseBinding(req.AccountChannel, req.AccountHandle)
	if err != nil {
		h.fail(w, err, method, endpoint)
		return
	}
	extra, err := service.ParseBinding(req.Channel, req.Handle)
	if err != nil {
		h.fail(w, err, method, endpoint)
		return
	}
	acct, err := h.svc.Link(r.Context(), existing, extra)
	if err != nil {
		h.fail(w, err, method, endpoint)
		return
	}
	h.respondJSON(w, http.StatusOK, acct, method, endpoint)
}

func (h *Handler) GetRequest(w http.ResponseWriter, r *http.Request) {
	const method, endpoint = "GET", "/requests/{id}"
	timer := prometheus.NewTimer(httpLatency.WithLabelValues(method, endpoint))
	defer timer.ObserveDuration()

	req, err := h.svc.GetRequest(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.fail(w, err, method, endpoint)
		return
	}
	h.respondJSON(w, http.StatusOK, req, method, endpoint)
}

// errorStatus maps engine errors onto HTTP statuses.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidInput), errors.Is(err, domain.ErrInvalidAmount):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrAccountNotFound), errors.Is(err, domain.ErrRequestNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrIdentityConflict), errors.Is(err, domain.ErrNotCancellable),
		errors.Is(err, domain.ErrNotStuck):
		return http.StatusConflict
	case domain.IsQuotaViolation(err):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrStorageUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) fail(w http.ResponseWriter, err error, method, endpoint string) {
	code := errorStatus(err)
	msg := err.Error()
	if code >= 500 {
		h.logger.Error("request failed", "event", "http_error", "endpoint", endpoint, "status", code, "error", msg)
		if code == http.StatusInternalServerError {
			msg = "internal error"
		}
	}
	h.respondError(w, code, msg, method, endpoint)
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid JSON: %v", err)
	}
	return nil
}

// Helpers
func (h *Handler) respondJSON(w http.ResponseWriter, code int, payload interface{}, method, endpoint string) {
	httpReqTotal.WithLabelValues(method, endpoint, strconv.Itoa(code)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(payload)
}

func (h *Handler) respondError(w http.ResponseWriter, code int, msg, method, endpoint string) {
	h.respondJSON(w, code, map[string]string{"error": msg}, method, endpoint)
}
