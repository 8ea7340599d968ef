// Package reconciler is the client-side return reconciler: after the user
// is sent to the processor's checkout, every return to the foreground
// polls the order API until the order settles, and the result is shown
// exactly once.
//
// The session state machine in this file is pure and takes the clock as
// an argument. Reconciler drives it with real I/O.
package reconciler

import (
	"time"

	"github.com/imrishuroy/go-storefront-payments/internal/orders"
)

// Phase is the lifecycle position of a payment session.
type Phase string

const (
	PhaseIdle     Phase = "idle"
	PhaseActive   Phase = "active"
	PhaseChecking Phase = "checking"
	PhaseTerminal Phase = "terminal"
)

// staleCheck is how long a persisted checking phase is honoured. A process
// that died mid-check must not block the session forever.
const staleCheck = time.Minute

// Session is the persisted payment session.
type Session struct {
	OrderID       string    `json:"order_id"`
	PreferenceID  string    `json:"preference_id,omitempty"`
	StartedAt     time.Time `json:"started_at"`
	Phase         Phase     `json:"phase"`
	LastCheckedAt time.Time `json:"last_checked_at,omitempty"`
}

// Decision is what a foreground event should do.
type Decision int

const (
	// DecisionNone: there is no live session.
	DecisionNone Decision = iota
	// DecisionSkip: a check is running or the last one was too recent.
	DecisionSkip
	// DecisionCheck: verify the order now.
	DecisionCheck
	// DecisionExpire: the session outlived its TTL; close it as pending.
	DecisionExpire
)

func (d Decision) String() string {
	switch d {
	case DecisionSkip:
		return "skip"
	case DecisionCheck:
		return "check"
	case DecisionExpire:
		return "expire"
	default:
		return "none"
	}
}

// Outcome is what the user is told.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomePending Outcome = "pending"
	OutcomeFailure Outcome = "failure"
)

// Result is a verification result. Final results end the session.
type Result struct {
	OrderID string        `json:"order_id"`
	Outcome Outcome       `json:"outcome"`
	Status  orders.Status `json:"status,omitempty"`
	// Assumed is set when no status could be fetched and pending was assumed.
	Assumed bool `json:"assumed,omitempty"`
	Final   bool `json:"final"`
}

// Start opens a session for an order just sent to checkout.
func Start(orderID, preferenceID string, now time.Time) Session {
	return Session{
		OrderID:      orderID,
		PreferenceID: preferenceID,
		StartedAt:    now,
		Phase:        PhaseActive,
	}
}

// Live reports whether the session still expects a verification.
func (s *Session) Live() bool {
	return s != nil && s.OrderID != "" && (s.Phase == PhaseActive || s.Phase == PhaseChecking)
}

// Foreground decides what a foreground event does to s. On DecisionCheck
// the returned session is in the checking phase with LastCheckedAt = now;
// on DecisionExpire it is terminal.
func Foreground(s *Session, now time.Time, force bool, minInterval, ttl time.Duration) (Session, Decision) {
	if !s.Live() {
		return Session{}, DecisionNone
	}
	next := *s
	if ttl > 0 && now.Sub(s.StartedAt) >= ttl {
		next.Phase = PhaseTerminal
		return next, DecisionExpire
	}
	if s.Phase == PhaseChecking && now.Sub(s.LastCheckedAt) < staleCheck {
		return next, DecisionSkip
	}
	if !force && !s.LastCheckedAt.IsZero() && now.Sub(s.LastCheckedAt) < minInterval {
		return next, DecisionSkip
	}
	next.Phase = PhaseChecking
	next.LastCheckedAt = now
	return next, DecisionCheck
}

// Resolve applies a fetched order status. PENDING returns the session to
// active with a non-final result; anything else terminates it.
func Resolve(s Session, status orders.Status) (Session, Result) {
	res := Result{OrderID: s.OrderID, Status: status}
	switch status {
	case orders.StatusPending:
		s.Phase = PhaseActive
		res.Outcome = OutcomePending
		return s, res
	case orders.StatusPaid:
		res.Outcome = OutcomeSuccess
	default:
		res.Outcome = OutcomeFailure
	}
	s.Phase = PhaseTerminal
	res.Final = true
	return s, res
}

// Exhaust closes a session whose verification tries all failed. The user
// is told the payment is pending rather than left without an answer.
func Exhaust(s Session) (Session, Result) {
	s.Phase = PhaseTerminal
	return s, Result{OrderID: s.OrderID, Outcome: OutcomePending, Assumed: true, Final: true}
}
