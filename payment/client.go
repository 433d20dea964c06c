// Package payment captures buyer funds through the payment gateway before
// an escrow is opened.
package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ErrDeclined is returned when the gateway answers but refuses the capture.
var ErrDeclined = errors.New("payment: capture declined")

// CaptureRequest describes one capture. IdempotencyKey lets the gateway
// collapse retries of the same capture.
type CaptureRequest struct {
	OrderID        string
	PayerID        string
	Amount         decimal.Decimal
	Currency       string
	IdempotencyKey string
}

// Receipt identifies a successful capture.
type Receipt struct {
	ID     string
	Status string
}

// Capturer is implemented by Client and Sandbox.
type Capturer interface {
	Capture(ctx context.Context, req CaptureRequest) (Receipt, error)
}

// Client talks to the gateway's capture endpoint.
type Client struct {
	client  *http.Client
	baseURL string
	apiKey  string
}

// NewClient initializes a gateway client.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
	}
}

type captureBody struct {
	Amount   string            `json:"amount"`
	Currency string            `json:"currency"`
	Metadata map[string]string `json:"metadata"`
}

type captureResponse struct {
	ID      string `json:"id"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// Capture charges the payer synchronously. Any error means no funds were
// taken as far as the caller can tell.
func (c *Client) Capture(ctx context.Context, req CaptureRequest) (Receipt, error) {
	body, err := json.Marshal(captureBody{
		Amount:   req.Amount.StringFixed(2),
		Currency: req.Currency,
		Metadata: map[string]string{
			"orderId": req.OrderID,
			"payerId": req.PayerID,
		},
	})
	if err != nil {
		return Receipt{}, fmt.Errorf("payment: marshal capture request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/captures", bytes.NewReader(body))
	if err != nil {
		return Receipt{}, fmt.Errorf("payment: create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	if req.IdempotencyKey != "" {
		httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return Receipt{}, fmt.Errorf("payment: send request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Receipt{}, fmt.Errorf("payment: read response: %w", err)
	}

	var out captureResponse
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil && resp.StatusCode < 300 {
			return Receipt{}, fmt.Errorf("payment: decode response: %w", err)
		}
	}

	switch {
	case resp.StatusCode == http.StatusPaymentRequired || resp.StatusCode == http.StatusUnprocessableEntity:
		return Receipt{}, fmt.Errorf("%w: %s", ErrDeclined, out.Message)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return Receipt{}, fmt.Errorf("payment: unexpected status code: %d", resp.StatusCode)
	}

	switch out.Status {
	case "succeeded", "captured":
	default:
		return Receipt{}, fmt.Errorf("%w: status %q", ErrDeclined, out.Status)
	}
	if out.ID == "" {
		return Receipt{}, fmt.Errorf("payment: missing capture id in response")
	}
	return Receipt{ID: out.ID, Status: out.Status}, nil
}

// Sandbox approves every capture without a gateway. It is selected when no
// gateway URL is configured.
type Sandbox struct{}

func (Sandbox) Capture(ctx context.Context, req CaptureRequest) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}
	if !req.Amount.IsPositive() {
		return Receipt{}, fmt.Errorf("%w: non-positive amount", ErrDeclined)
	}
	return Receipt{ID: "sandbox_" + uuid.NewString(), Status: "captured"}, nil
}
