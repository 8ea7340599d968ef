// Package processor is an HTTP client for the external payment processor's
// checkout, payment and card-token APIs.
package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
)

const (
	defaultMaxRetries   = 3
	defaultInitialDelay = 250 * time.Millisecond
)

// ErrNotFound is returned when the processor has no such resource.
var ErrNotFound = errors.New("processor: not found")

// APIError is a non-2xx processor response.
type APIError struct {
	StatusCode int
	Message    string
	Code       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("processor API error (%d): %s", e.StatusCode, e.Message)
}

// Temporary reports whether retrying the call later may succeed.
func (e *APIError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

type apiErrorBody struct {
	Message string `json:"message"`
	Error   string `json:"error"`
	Status  int    `json:"status"`
}

// Client talks to the processor REST API.
type Client struct {
	baseURL      string
	accessToken  string
	client       *http.Client
	maxRetries   int
	initialDelay time.Duration
}

// NewClient creates a processor client. timeout bounds every attempt.
func NewClient(baseURL, accessToken string, timeout time.Duration) *Client {
	return &Client{
		baseURL:      baseURL,
		accessToken:  accessToken,
		client:       &http.Client{Timeout: timeout},
		maxRetries:   defaultMaxRetries,
		initialDelay: defaultInitialDelay,
	}
}

// CreatePreference registers a checkout intent and returns its init point.
func (c *Client) CreatePreference(ctx context.Context, req PreferenceRequest) (*Preference, error) {
	var pref Preference
	if err := c.do(ctx, http.MethodPost, "/checkout/preferences", req, uuid.NewString(), &pref); err != nil {
		return nil, fmt.Errorf("create preference: %w", err)
	}
	return &pref, nil
}

// GetPayment fetches the current state of a payment.
func (c *Client) GetPayment(ctx context.Context, paymentID string) (*Payment, error) {
	var p Payment
	if err := c.do(ctx, http.MethodGet, "/v1/payments/"+url.PathEscape(paymentID), nil, "", &p); err != nil {
		return nil, fmt.Errorf("get payment %s: %w", paymentID, err)
	}
	return &p, nil
}

// SearchPayments lists payments whose external reference is ref, newest first.
func (c *Client) SearchPayments(ctx context.Context, ref string) ([]Payment, error) {
	q := url.Values{}
	q.Set("external_reference", ref)
	q.Set("sort", "date_created")
	q.Set("criteria", "desc")

	var out struct {
		Results []Payment `json:"results"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/payments/search?"+q.Encode(), nil, "", &out); err != nil {
		return nil, fmt.Errorf("search payments for %s: %w", ref, err)
	}
	return out.Results, nil
}

// CreateCardToken exchanges raw card data for a reusable token.
func (c *Client) CreateCardToken(ctx context.Context, card CardDetails) (*CardToken, error) {
	body := struct {
		CardDetails
		Cardholder struct {
			Name string `json:"name"`
		} `json:"cardholder"`
	}{CardDetails: card}
	body.Cardholder.Name = card.HolderName

	var tok CardToken
	if err := c.do(ctx, http.MethodPost, "/v1/card_tokens", body, uuid.NewString(), &tok); err != nil {
		return nil, fmt.Errorf("create card token: %w", err)
	}
	return &tok, nil
}

// Charge creates a direct card payment. A rejection is a successful call
// whose Payment.Status is "rejected".
func (c *Client) Charge(ctx context.Context, req ChargeRequest) (*Payment, error) {
	if req.Installments == 0 {
		req.Installments = 1
	}
	key := req.IdempotencyKey
	if key == "" {
		key = uuid.NewString()
	}
	var p Payment
	if err := c.do(ctx, http.MethodPost, "/v1/payments", req, key, &p); err != nil {
		return nil, fmt.Errorf("charge: %w", err)
	}
	return &p, nil
}

// Refund returns the full amount of a payment.
func (c *Client) Refund(ctx context.Context, paymentID string) (*Refund, error) {
	var r Refund
	path := "/v1/payments/" + url.PathEscape(paymentID) + "/refunds"
	if err := c.do(ctx, http.MethodPost, path, struct{}{}, "refund-"+paymentID, &r); err != nil {
		return nil, fmt.Errorf("refund %s: %w", paymentID, err)
	}
	return &r, nil
}

// do sends one request with retries on transport errors, 429 and 5xx. POSTs
// carry an idempotency key so retries cannot double-apply.
func (c *Client) do(ctx context.Context, method, path string, in any, idempotencyKey string, out any) error {
	var body []byte
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = b
	}

	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := c.initialDelay * time.Duration(1<<(attempt-1))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+c.accessToken)
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if idempotencyKey != "" {
			req.Header.Set("X-Idempotency-Key", idempotencyKey)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lastErr = fmt.Errorf("HTTP request failed: %w", err)
			continue
		}
		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("failed to read response body: %w", err)
			continue
		}

		if resp.StatusCode == http.StatusNotFound {
			return ErrNotFound
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			apiErr := &APIError{StatusCode: resp.StatusCode, Message: string(respBody)}
			var eb apiErrorBody
			if json.Unmarshal(respBody, &eb) == nil && eb.Message != "" {
				apiErr.Message = eb.Message
				apiErr.Code = eb.Error
			}
			if apiErr.Temporary() {
				lastErr = apiErr
				continue
			}
			return apiErr
		}

		if out == nil {
			return nil
		}
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
		return nil
	}
	return lastErr
}

// IsTemporary reports whether err is a transport failure or a retryable
// processor status. Callers use it to decide between 5xx and 4xx answers.
func IsTemporary(err error) bool {
	if err == nil || errors.Is(err, ErrNotFound) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Temporary()
	}
	return true
}

// FormatID renders a numeric payment id the way the REST paths expect it.
func FormatID(id int64) string {
	return strconv.FormatInt(id, 10)
}
