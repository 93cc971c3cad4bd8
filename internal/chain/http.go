package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"
)

// HTTPClient talks to a JSON transfer gateway in front of the ledger node.
//
//	POST /v1/transfers            submit, Idempotency-Key header
//	GET  /v1/transfers/{key}      reconciliation lookup
type HTTPClient struct {
	baseURL  string
	apiKey   string
	decimals int32
	client   *http.Client
}

// NewHTTPClient builds a gateway client. decimals is the token's base-unit
// exponent used to render whole-token amounts.
func NewHTTPClient(baseURL, apiKey string, decimals int32, client *http.Client) *HTTPClient {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPClient{
		baseURL:  strings.TrimRight(baseURL, "/"),
		apiKey:   apiKey,
		decimals: decimals,
		client:   client,
	}
}

type submitPayload struct {
	Destination     string `json:"destination"`
	Amount          string `json:"amount"`
	AmountBaseUnits int64  `json:"amount_base_units"`
	IdempotencyKey  string `json:"idempotency_key"`
}

type gatewayResponse struct {
	Status      string `json:"status"`
	TxReference string `json:"tx_reference"`
	Error       string `json:"error"`
}

// FormatAmount renders base units as a whole-token decimal string.
func FormatAmount(baseUnits int64, decimals int32) string {
	return decimal.New(baseUnits, -decimals).StringFixed(decimals)
}

func (c *HTTPClient) Submit(ctx context.Context, t Transfer) (string, error) {
	body, err := json.Marshal(submitPayload{
		Destination:     t.Destination,
		Amount:          FormatAmount(t.Amount, c.decimals),
		AmountBaseUnits: t.Amount,
		IdempotencyKey:  t.IdempotencyKey,
	})
	if err != nil {
		return "", Permanent(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/transfers", bytes.NewReader(body))
	if err != nil {
		return "", Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", t.IdempotencyKey)
	c.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", classifyTransportError(err)
	}
	defer resp.Body.Close()

	gr, decodeErr := decodeGateway(resp.Body)

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		if decodeErr != nil || gr.TxReference == "" {
			return "", Ambiguous("", fmt.Errorf("unreadable success response: %v", decodeErr))
		}
		if strings.EqualFold(gr.Status, string(OutcomePending)) {
			return "", Ambiguous(gr.TxReference, errors.New("transfer accepted but not settled"))
		}
		return gr.TxReference, nil
	case resp.StatusCode == http.StatusAccepted:
		return "", Ambiguous(gr.TxReference, errors.New("transfer accepted but not settled"))
	case resp.StatusCode == http.StatusConflict:
		// Same key already processed; the gateway echoes the original result.
		if gr.TxReference != "" && !strings.EqualFold(gr.Status, string(OutcomeFailure)) {
			return gr.TxReference, nil
		}
		return "", Ambiguous(gr.TxReference, fmt.Errorf("idempotency conflict: %s", gr.Error))
	case resp.StatusCode == http.StatusGatewayTimeout:
		return "", Ambiguous(gr.TxReference, fmt.Errorf("gateway timeout"))
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusRequestTimeout ||
		resp.StatusCode == http.StatusBadGateway || resp.StatusCode == http.StatusServiceUnavailable:
		return "", Transient(fmt.Errorf("gateway returned %d", resp.StatusCode))
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return "", Permanent(fmt.Errorf("gateway rejected transfer (%d): %s", resp.StatusCode, gr.Error))
	default:
		// The gateway may have forwarded the transfer before failing.
		return "", Ambiguous(gr.TxReference, fmt.Errorf("gateway returned %d", resp.StatusCode))
	}
}

func (c *HTTPClient) QueryStatus(ctx context.Context, key, txRef string) (Receipt, error) {
	u := c.baseURL + "/v1/transfers/" + url.PathEscape(key)
	if txRef != "" {
		u += "?tx_reference=" + url.QueryEscape(txRef)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Receipt{}, err
	}
	c.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return Receipt{}, Transient(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return Receipt{Outcome: OutcomeUnknown}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return Receipt{}, Transient(fmt.Errorf("status lookup returned %d", resp.StatusCode))
	}
	gr, err := decodeGateway(resp.Body)
	if err != nil {
		return Receipt{}, Transient(fmt.Errorf("decode status: %w", err))
	}

	switch Outcome(strings.ToLower(gr.Status)) {
	case OutcomeSuccess:
		return Receipt{Outcome: OutcomeSuccess, TxReference: gr.TxReference}, nil
	case OutcomeFailure:
		return Receipt{Outcome: OutcomeFailure, TxReference: gr.TxReference}, nil
	case OutcomePending:
		return Receipt{Outcome: OutcomePending, TxReference: gr.TxReference}, nil
	default:
		return Receipt{Outcome: OutcomeUnknown, TxReference: gr.TxReference}, nil
	}
}

func (c *HTTPClient) authorize(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

func decodeGateway(r io.Reader) (gatewayResponse, error) {
	var gr gatewayResponse
	body, err := io.ReadAll(io.LimitReader(r, 1<<20))
	if err != nil {
		return gr, err
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return gr, errors.New("empty body")
	}
	err = json.Unmarshal(body, &gr)
	return gr, err
}

// classifyTransportError separates failures before the request left the
// process (safe to retry) from failures after it may have been delivered.
func classifyTransportError(err error) error {
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return Transient(err)
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return Transient(err)
	}
	return Ambiguous("", err)
}
