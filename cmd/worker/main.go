package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"

	"github.com/imrishuroy/go-storefront-payments/internal/aws"
	"github.com/imrishuroy/go-storefront-payments/internal/config"
	"github.com/imrishuroy/go-storefront-payments/internal/inventory"
	"github.com/imrishuroy/go-storefront-payments/internal/logging"
	"github.com/imrishuroy/go-storefront-payments/internal/mysqlstore"
	"github.com/imrishuroy/go-storefront-payments/internal/orders"
	"github.com/imrishuroy/go-storefront-payments/internal/processor"
	"github.com/imrishuroy/go-storefront-payments/internal/webhook"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx := context.Background()
	clients, err := aws.NewAWSClients(ctx)
	if err != nil {
		logger.Error("failed to init aws clients", "error", err)
		os.Exit(1)
	}

	var metrics aws.MetricsRecorder = aws.NopMetrics{}
	if cfg.MetricsEnabled {
		metrics = aws.NewCloudWatchMetrics(clients.CloudWatch, cfg.MetricsNamespace, logger)
	}
	adjuster := inventory.NewAdjuster(logger, metrics)

	var repo orders.Repository
	switch cfg.StoreBackend {
	case config.BackendMySQL:
		db, err := mysqlstore.Open(cfg.MySQLDSN)
		if err != nil {
			logger.Error("failed to open mysql", "error", err)
			os.Exit(1)
		}
		repo = mysqlstore.NewStore(db, adjuster, logger)
	case config.BackendMemory:
		repo = orders.NewMemoryStore(adjuster)
	default:
		repo = orders.NewStore(clients.DynamoDB, orders.Tables{
			Orders:   cfg.OrdersTable,
			Payments: cfg.PaymentsTable,
			Products: cfg.ProductsTable,
			Cards:    cfg.CardsTable,
		}, adjuster, logger)
	}

	proc := processor.NewClient(cfg.ProcessorBaseURL, cfg.ProcessorAccessToken, cfg.ProcessorTimeout)
	h := NewHandler(webhook.NewReceiver(repo, proc, metrics, logger), logger)

	// RUN_LOCAL processes one notification from LOCAL_SQS_BODY and exits.
	if cfg.RunLocal {
		body := os.Getenv("LOCAL_SQS_BODY")
		if body == "" {
			body = `{"type":"payment","resource_id":"1"}`
		}
		resp, err := h.Handle(ctx, events.SQSEvent{
			Records: []events.SQSMessage{{MessageId: "local-1", Body: body}},
		})
		if err != nil || len(resp.BatchItemFailures) > 0 {
			logger.Error("local message failed", "error", err)
			os.Exit(1)
		}
		return
	}

	lambda.Start(h.Handle)
}
