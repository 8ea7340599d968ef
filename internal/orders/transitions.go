package orders

import "strings"

var transitions = map[Status][]Status{
	StatusPending:  {StatusPaid, StatusFailed, StatusCancelled},
	StatusPaid:     {StatusRefunded, StatusDisputed},
	StatusDisputed: {StatusRefunded},
}

// CanTransition reports whether the lifecycle allows from -> to. FAILED to
// PENDING is deliberately absent: only a new payment intent reopens an
// order (see Repository.Reopen).
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CanOverride is CanTransition plus the admin-only PAID -> CANCELLED move,
// which restores stock.
func CanOverride(from, to Status) bool {
	if from == StatusPaid && to == StatusCancelled {
		return true
	}
	return CanTransition(from, to)
}

// MapProcessorStatus maps a processor payment status onto an order status.
// ok is false for statuses the service does not recognise.
func MapProcessorStatus(external string) (status Status, ok bool) {
	switch strings.ToLower(strings.TrimSpace(external)) {
	case "approved":
		return StatusPaid, true
	case "pending", "in_process", "authorized", "in_mediation":
		return StatusPending, true
	case "rejected":
		return StatusFailed, true
	case "cancelled":
		return StatusCancelled, true
	case "refunded":
		return StatusRefunded, true
	case "charged_back":
		return StatusDisputed, true
	}
	return "", false
}
