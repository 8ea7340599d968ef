package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/imrishuroy/go-storefront-payments/internal/orders"
)

// Defaults for Options.
const (
	DefaultMinInterval = 3 * time.Second
	DefaultTries       = 5
	DefaultBackoff     = time.Second
	DefaultTTL         = 30 * time.Minute
)

// ErrNoSession is returned when an operation needs a live session.
var ErrNoSession = errors.New("no active payment session")

// OrderStatusFetcher reads the current order status from the order API.
type OrderStatusFetcher interface {
	OrderStatus(ctx context.Context, orderID string) (orders.Status, error)
}

// SessionStore persists the single session of this device.
type SessionStore interface {
	Load(ctx context.Context) (*Session, error)
	Save(ctx context.Context, s Session) error
	Delete(ctx context.Context) error
}

// Notifier presents a final result to the user.
type Notifier interface {
	Notify(ctx context.Context, res Result)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, res Result)

func (f NotifierFunc) Notify(ctx context.Context, res Result) { f(ctx, res) }

// Options tunes the verification loop. Zero values take the defaults.
type Options struct {
	MinInterval time.Duration
	Tries       int
	Backoff     time.Duration
	TTL         time.Duration
}

func (o Options) withDefaults() Options {
	if o.MinInterval <= 0 {
		o.MinInterval = DefaultMinInterval
	}
	if o.Tries <= 0 {
		o.Tries = DefaultTries
	}
	if o.Backoff <= 0 {
		o.Backoff = DefaultBackoff
	}
	if o.TTL <= 0 {
		o.TTL = DefaultTTL
	}
	return o
}

// Reconciler drives the session state machine.
type Reconciler struct {
	store    SessionStore
	api      OrderStatusFetcher
	notifier Notifier
	logger   *slog.Logger
	opts     Options

	mu       sync.Mutex
	checking bool

	nowFunc func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
}

func New(store SessionStore, api OrderStatusFetcher, notifier Notifier, logger *slog.Logger, opts Options) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = NotifierFunc(func(context.Context, Result) {})
	}
	return &Reconciler{
		store:    store,
		api:      api,
		notifier: notifier,
		logger:   logger,
		opts:     opts.withDefaults(),
		nowFunc:  time.Now,
		sleep:    sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// StartSession records a session for an order just sent to checkout,
// replacing any previous one.
func (r *Reconciler) StartSession(ctx context.Context, orderID, preferenceID string) (Session, error) {
	s := Start(orderID, preferenceID, r.nowFunc().UTC())
	if err := r.store.Save(ctx, s); err != nil {
		return Session{}, fmt.Errorf("save session: %w", err)
	}
	r.logger.InfoContext(ctx, "payment session started", "order_id", orderID)
	return s, nil
}

// Current returns the persisted session, or nil.
func (r *Reconciler) Current(ctx context.Context) (*Session, error) {
	return r.store.Load(ctx)
}

// Clear drops the session without notifying.
func (r *Reconciler) Clear(ctx context.Context) error {
	return r.store.Delete(ctx)
}

// OnForeground handles the app returning to the foreground. It returns nil
// when nothing was verified (no session, a check already running, or the
// last check was too recent and force is false).
func (r *Reconciler) OnForeground(ctx context.Context, force bool) (*Result, error) {
	r.mu.Lock()
	if r.checking {
		r.mu.Unlock()
		r.logger.DebugContext(ctx, "verification already in flight")
		return nil, nil
	}
	current, err := r.store.Load(ctx)
	if err != nil {
		r.mu.Unlock()
		return nil, fmt.Errorf("load session: %w", err)
	}
	next, decision := Foreground(current, r.nowFunc().UTC(), force, r.opts.MinInterval, r.opts.TTL)
	switch decision {
	case DecisionNone, DecisionSkip:
		r.mu.Unlock()
		r.logger.DebugContext(ctx, "foreground ignored", "decision", decision.String())
		return nil, nil
	case DecisionExpire:
		r.mu.Unlock()
		_, res := Exhaust(next)
		r.logger.InfoContext(ctx, "payment session expired", "order_id", next.OrderID)
		return r.finish(ctx, res)
	}
	if err := r.store.Save(ctx, next); err != nil {
		r.mu.Unlock()
		return nil, fmt.Errorf("save session: %w", err)
	}
	r.checking = true
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.checking = false
		r.mu.Unlock()
	}()

	status, err := r.verify(ctx, next.OrderID)
	if err != nil {
		if ctx.Err() != nil {
			// interrupted, not exhausted; the next foreground checks again
			r.restore(next)
			return nil, ctx.Err()
		}
		r.logger.WarnContext(ctx, "order verification exhausted, assuming pending",
			"order_id", next.OrderID, "error", err)
		_, res := Exhaust(next)
		return r.finish(ctx, res)
	}

	settled, res := Resolve(next, status)
	if !res.Final {
		if err := r.store.Save(ctx, settled); err != nil {
			return nil, fmt.Errorf("save session: %w", err)
		}
		return &res, nil
	}
	return r.finish(ctx, res)
}

// verify tries the order API up to Tries times with linear backoff.
func (r *Reconciler) verify(ctx context.Context, orderID string) (orders.Status, error) {
	var lastErr error
	for attempt := 1; attempt <= r.opts.Tries; attempt++ {
		status, err := r.api.OrderStatus(ctx, orderID)
		if err == nil {
			return status, nil
		}
		lastErr = err
		r.logger.DebugContext(ctx, "order status try failed", "order_id", orderID, "attempt", attempt, "error", err)
		if attempt < r.opts.Tries {
			if err := r.sleep(ctx, time.Duration(attempt)*r.opts.Backoff); err != nil {
				return "", err
			}
		}
	}
	return "", fmt.Errorf("%d tries: %w", r.opts.Tries, lastErr)
}

// finish tears the session down, then notifies. A failed teardown skips
// the notification so the result can never be shown twice.
func (r *Reconciler) finish(ctx context.Context, res Result) (*Result, error) {
	if err := r.store.Delete(ctx); err != nil {
		return nil, fmt.Errorf("delete session: %w", err)
	}
	r.logger.InfoContext(ctx, "payment session closed",
		"order_id", res.OrderID, "outcome", res.Outcome, "assumed", res.Assumed)
	r.notifier.Notify(ctx, res)
	return &res, nil
}

// restore puts an interrupted session back to active.
func (r *Reconciler) restore(s Session) {
	s.Phase = PhaseActive
	if err := r.store.Save(context.Background(), s); err != nil {
		r.logger.Warn("restore session failed", "order_id", s.OrderID, "error", err)
	}
}
