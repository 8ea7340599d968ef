// Package inventory plans stock adjustments for paid and cancelled orders.
//
// The adjuster never touches storage. Each order store asks it for a plan
// while holding its own transaction (or optimistic version guard) and writes
// the planned levels in the same unit of work as the order status change.
package inventory

import (
	"context"
	"log/slog"
)

// MetricOversold is the counter emitted for every clamped decrement.
const MetricOversold = "OversoldAnomaly"

// Line is one product quantity to adjust.
type Line struct {
	ProductID string
	Quantity  int
}

// Level is the stock observed for a product when the plan is made. Version
// is carried through so optimistic stores can guard their writes.
type Level struct {
	Stock   int
	Version int
}

// Change is the planned write for one product.
type Change struct {
	ProductID string
	Before    int
	After     int
	Version   int
}

// Anomaly describes a decrement that asked for more than was available.
type Anomaly struct {
	OrderID   string
	ProductID string
	Requested int
	Available int
}

// Counter receives anomaly counts. It is satisfied by the CloudWatch
// metrics recorder.
type Counter interface {
	Incr(ctx context.Context, metric string, dims map[string]string)
}

// Adjuster computes stock plans and surfaces oversell anomalies.
type Adjuster struct {
	logger  *slog.Logger
	counter Counter
}

// NewAdjuster returns an Adjuster. counter may be nil.
func NewAdjuster(logger *slog.Logger, counter Counter) *Adjuster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adjuster{logger: logger, counter: counter}
}

// Merge folds repeated product lines into one line per product, preserving
// first-seen order.
func Merge(lines []Line) []Line {
	idx := make(map[string]int, len(lines))
	out := make([]Line, 0, len(lines))
	for _, l := range lines {
		if i, ok := idx[l.ProductID]; ok {
			out[i].Quantity += l.Quantity
			continue
		}
		idx[l.ProductID] = len(out)
		out = append(out, l)
	}
	return out
}

// Decrement plans max(0, stock-qty) for every line. A product missing from
// levels is treated as zero stock. Shortfalls are clamped and returned as
// anomalies, never as errors, because the order they belong to has already
// been paid. Callers pass the anomalies to Report once the plan is committed.
func (a *Adjuster) Decrement(orderID string, lines []Line, levels map[string]Level) ([]Change, []Anomaly) {
	merged := Merge(lines)
	changes := make([]Change, 0, len(merged))
	var anomalies []Anomaly
	for _, l := range merged {
		lvl := levels[l.ProductID]
		after := lvl.Stock - l.Quantity
		if after < 0 {
			anomalies = append(anomalies, Anomaly{
				OrderID:   orderID,
				ProductID: l.ProductID,
				Requested: l.Quantity,
				Available: lvl.Stock,
			})
			after = 0
		}
		changes = append(changes, Change{
			ProductID: l.ProductID,
			Before:    lvl.Stock,
			After:     after,
			Version:   lvl.Version,
		})
	}
	return changes, anomalies
}

// Restore plans stock + qty for every line.
func (a *Adjuster) Restore(lines []Line, levels map[string]Level) []Change {
	merged := Merge(lines)
	changes := make([]Change, 0, len(merged))
	for _, l := range merged {
		lvl := levels[l.ProductID]
		changes = append(changes, Change{
			ProductID: l.ProductID,
			Before:    lvl.Stock,
			After:     lvl.Stock + l.Quantity,
			Version:   lvl.Version,
		})
	}
	return changes
}

// Report logs and counts committed oversell anomalies.
func (a *Adjuster) Report(ctx context.Context, anomalies []Anomaly) {
	for _, an := range anomalies {
		a.logger.WarnContext(ctx, "oversold: decrement clamped to zero",
			"order_id", an.OrderID,
			"product_id", an.ProductID,
			"requested", an.Requested,
			"available", an.Available)
		if a.counter != nil {
			a.counter.Incr(ctx, MetricOversold, map[string]string{"ProductId": an.ProductID})
		}
	}
}
