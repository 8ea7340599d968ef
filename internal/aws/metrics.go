package aws

import (
	"context"
	"log/slog"
	"sort"
	"time"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

// Metric names shared by the API and the worker.
const (
	MetricOrderPaid             = "OrderPaid"
	MetricDuplicateNotification = "DuplicateNotification"
	MetricDuplicateCharge       = "DuplicateCharge"
	MetricTransitionSkipped     = "TransitionSkipped"
)

// MetricsRecorder counts business events.
type MetricsRecorder interface {
	Incr(ctx context.Context, metric string, dims map[string]string)
}

// NopMetrics discards every count.
type NopMetrics struct{}

func (NopMetrics) Incr(context.Context, string, map[string]string) {}

// CloudWatchMetrics publishes one Count datapoint per Incr. Failures are
// logged and dropped; a lost counter must never fail a payment.
type CloudWatchMetrics struct {
	client    CloudWatchAPI
	namespace string
	logger    *slog.Logger
	nowFunc   func() time.Time
}

// NewCloudWatchMetrics returns a recorder writing into namespace.
func NewCloudWatchMetrics(client CloudWatchAPI, namespace string, logger *slog.Logger) *CloudWatchMetrics {
	if logger == nil {
		logger = slog.Default()
	}
	return &CloudWatchMetrics{
		client:    client,
		namespace: namespace,
		logger:    logger,
		nowFunc:   time.Now,
	}
}

func (m *CloudWatchMetrics) Incr(ctx context.Context, metric string, dims map[string]string) {
	keys := make([]string, 0, len(dims))
	for k := range dims {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	dimensions := make([]cwtypes.Dimension, 0, len(keys))
	for _, k := range keys {
		dimensions = append(dimensions, cwtypes.Dimension{
			Name:  sdkaws.String(k),
			Value: sdkaws.String(dims[k]),
		})
	}

	_, err := m.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace: sdkaws.String(m.namespace),
		MetricData: []cwtypes.MetricDatum{{
			MetricName: sdkaws.String(metric),
			Dimensions: dimensions,
			Timestamp:  sdkaws.Time(m.nowFunc()),
			Unit:       cwtypes.StandardUnitCount,
			Value:      sdkaws.Float64(1),
		}},
	})
	if err != nil {
		m.logger.WarnContext(ctx, "put metric failed", "metric", metric, "error", err)
	}
}
