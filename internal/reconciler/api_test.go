package reconciler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imrishuroy/go-storefront-payments/internal/orders"
)

func TestOrderAPI_Status(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/orders/42", r.URL.Path)
		assert.Equal(t, "u-1", r.Header.Get("X-User-Id"))
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"order":{"order_id":"42","status":"PAID"}}`))
	}))
	defer srv.Close()

	api := NewOrderAPI(srv.URL+"/", "u-1", "tok", time.Second)
	status, err := api.OrderStatus(context.Background(), "42")
	require.NoError(t, err)
	assert.Equal(t, orders.StatusPaid, status)
}

func TestOrderAPI_Errors(t *testing.T) {
	cases := map[string]struct {
		code int
		body string
	}{
		"server error":   {http.StatusInternalServerError, `{"error":"INTERNAL_ERROR"}`},
		"not found":      {http.StatusNotFound, `{"error":"ORDER_NOT_FOUND"}`},
		"garbage":        {http.StatusOK, `<html>`},
		"missing order":  {http.StatusOK, `{}`},
		"unknown status": {http.StatusOK, `{"order":{"status":"SHIPPED"}}`},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.code)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			_, err := NewOrderAPI(srv.URL, "", "", time.Second).OrderStatus(context.Background(), "42")
			require.Error(t, err)
		})
	}
}
