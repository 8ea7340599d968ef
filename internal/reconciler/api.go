package reconciler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/imrishuroy/go-storefront-payments/internal/orders"
)

// ErrUnrecognized is returned when the order API answers 2xx with a
// payload that carries no known order status.
var ErrUnrecognized = errors.New("unrecognized order payload")

// OrderAPI reads orders from the storefront API.
type OrderAPI struct {
	baseURL    string
	userID     string
	token      string
	httpClient *http.Client
}

// NewOrderAPI returns a client. userID is sent as X-User-Id for local
// deployments that trust it; token, when set, as a bearer token.
func NewOrderAPI(baseURL, userID, token string, timeout time.Duration) *OrderAPI {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &OrderAPI{
		baseURL:    strings.TrimRight(baseURL, "/"),
		userID:     userID,
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type orderPayload struct {
	Order *struct {
		OrderID string        `json:"order_id"`
		Status  orders.Status `json:"status"`
	} `json:"order"`
}

// OrderStatus fetches GET /orders/{id} and returns the order status. Any
// non-2xx answer or unknown payload is an error, so the caller retries.
func (a *OrderAPI) OrderStatus(ctx context.Context, orderID string) (orders.Status, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/orders/"+url.PathEscape(orderID), nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if a.userID != "" {
		req.Header.Set("X-User-Id", a.userID)
	}
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("get order: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("get order: status %d", resp.StatusCode)
	}

	var p orderPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnrecognized, err)
	}
	if p.Order == nil || !p.Order.Status.Valid() {
		return "", ErrUnrecognized
	}
	return p.Order.Status, nil
}
