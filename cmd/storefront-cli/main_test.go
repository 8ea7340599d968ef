package main

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imrishuroy/go-storefront-payments/internal/reconciler"
)

func testBuilder(t *testing.T, apiURL string) builder {
	path := filepath.Join(t.TempDir(), "session.json")
	return func(_ context.Context, out io.Writer) (*reconciler.Reconciler, func(), error) {
		store := reconciler.NewFileSessionStore(path)
		api := reconciler.NewOrderAPI(apiURL, "u-1", "", time.Second)
		return reconciler.New(store, api, printer(out), nil, reconciler.Options{}), func() {}, nil
	}
}

func run(t *testing.T, build builder, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd(build)
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	require.NoError(t, cmd.Execute())
	return out.String()
}

func TestCLI_SessionLifecycle(t *testing.T) {
	var status atomic.Value
	status.Store("PENDING")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/orders/42", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"order":{"order_id":"42","status":"` + status.Load().(string) + `"}}`))
	}))
	defer srv.Close()
	build := testBuilder(t, srv.URL)

	assert.Contains(t, run(t, build, "status"), "No payment session.")
	assert.Contains(t, run(t, build, "session", "start", "42", "--preference", "pref-1"), "Tracking order 42")
	assert.Contains(t, run(t, build, "status"), "pref-1")

	assert.Contains(t, run(t, build, "foreground"), "still pending")
	assert.Contains(t, run(t, build, "foreground"), "Nothing to check.", "inside the minimum interval")

	status.Store("PAID")
	assert.Contains(t, run(t, build, "foreground", "--force"), "Payment approved for order 42.")
	assert.Contains(t, run(t, build, "foreground", "--force"), "Nothing to check.")
	assert.Contains(t, run(t, build, "status"), "No payment session.")
}

func TestCLI_Clear(t *testing.T) {
	build := testBuilder(t, "http://127.0.0.1:0")
	run(t, build, "session", "start", "7")
	assert.Contains(t, run(t, build, "clear"), "Session cleared.")
	assert.Contains(t, run(t, build, "status"), "No payment session.")
}

func TestPrinter(t *testing.T) {
	var out bytes.Buffer
	p := printer(&out)
	ctx := context.Background()
	p.Notify(ctx, reconciler.Result{OrderID: "1", Outcome: reconciler.OutcomeSuccess})
	p.Notify(ctx, reconciler.Result{OrderID: "2", Outcome: reconciler.OutcomeFailure, Status: "FAILED"})
	p.Notify(ctx, reconciler.Result{OrderID: "3", Outcome: reconciler.OutcomePending, Assumed: true})
	assert.Contains(t, out.String(), "approved for order 1")
	assert.Contains(t, out.String(), "order 2 did not go through (FAILED)")
	assert.Contains(t, out.String(), "order 3 is still being processed")
}
