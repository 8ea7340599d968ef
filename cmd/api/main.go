package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	ginadapter "github.com/awslabs/aws-lambda-go-api-proxy/gin"
	"github.com/gin-gonic/gin"

	"github.com/imrishuroy/go-storefront-payments/internal/aws"
	"github.com/imrishuroy/go-storefront-payments/internal/aws/awstest"
	"github.com/imrishuroy/go-storefront-payments/internal/config"
	"github.com/imrishuroy/go-storefront-payments/internal/handlers"
	"github.com/imrishuroy/go-storefront-payments/internal/idempotency"
	"github.com/imrishuroy/go-storefront-payments/internal/inventory"
	"github.com/imrishuroy/go-storefront-payments/internal/logging"
	"github.com/imrishuroy/go-storefront-payments/internal/mysqlstore"
	"github.com/imrishuroy/go-storefront-payments/internal/orders"
	"github.com/imrishuroy/go-storefront-payments/internal/payments"
	"github.com/imrishuroy/go-storefront-payments/internal/processor"
	"github.com/imrishuroy/go-storefront-payments/internal/webhook"
)

// backend is the storage chosen by STORE_BACKEND.
type backend struct {
	repo        orders.Repository
	idempotency handlers.IdempotencyStore
	db          *sql.DB
}

func (b backend) Close() {
	if b.db != nil {
		_ = b.db.Close()
	}
}

func openBackend(ctx context.Context, cfg *config.Config, clients *aws.AWSClients, adjuster *inventory.Adjuster, logger *slog.Logger) (backend, error) {
	switch cfg.StoreBackend {
	case config.BackendMySQL:
		db, err := mysqlstore.Open(cfg.MySQLDSN)
		if err != nil {
			return backend{}, err
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return backend{}, fmt.Errorf("ping mysql: %w", err)
		}
		if err := mysqlstore.Migrate(ctx, db); err != nil {
			db.Close()
			return backend{}, err
		}
		return backend{
			repo:        mysqlstore.NewStore(db, adjuster, logger),
			idempotency: mysqlstore.NewIdempotencyStore(db, cfg.IdempotencyTTL),
			db:          db,
		}, nil
	case config.BackendMemory:
		ddb := awstest.NewFakeDynamo()
		ddb.CreateTable(cfg.IdempotencyTable, "idempotency_key")
		return backend{
			repo:        orders.NewMemoryStore(adjuster),
			idempotency: idempotency.NewStore(ddb, cfg.IdempotencyTable, cfg.IdempotencyTTL),
		}, nil
	default:
		tables := orders.Tables{
			Orders:   cfg.OrdersTable,
			Payments: cfg.PaymentsTable,
			Products: cfg.ProductsTable,
			Cards:    cfg.CardsTable,
		}
		return backend{
			repo:        orders.NewStore(clients.DynamoDB, tables, adjuster, logger),
			idempotency: idempotency.NewStore(clients.DynamoDB, cfg.IdempotencyTable, cfg.IdempotencyTTL),
		}, nil
	}
}

// seedProducts upserts the catalog found in PRODUCTS_SEED_FILE.
func seedProducts(ctx context.Context, repo orders.Repository, path string, logger *slog.Logger) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read seed file: %w", err)
	}
	var products []orders.Product
	if err := json.Unmarshal(data, &products); err != nil {
		return fmt.Errorf("decode seed file: %w", err)
	}
	for _, p := range products {
		if err := repo.PutProduct(ctx, p); err != nil {
			return fmt.Errorf("seed product %s: %w", p.ProductID, err)
		}
	}
	logger.Info("products seeded", "count", len(products), "file", path)
	return nil
}

func newMetrics(cfg *config.Config, clients *aws.AWSClients, logger *slog.Logger) aws.MetricsRecorder {
	if !cfg.MetricsEnabled {
		return aws.NopMetrics{}
	}
	return aws.NewCloudWatchMetrics(clients.CloudWatch, cfg.MetricsNamespace, logger)
}

func setupRouter(cfg *config.Config, clients *aws.AWSClients, b backend, metrics aws.MetricsRecorder, logger *slog.Logger) (*gin.Engine, error) {
	shipping, err := cfg.Shipping()
	if err != nil {
		return nil, err
	}

	proc := processor.NewClient(cfg.ProcessorBaseURL, cfg.ProcessorAccessToken, cfg.ProcessorTimeout)
	svc := payments.NewService(b.repo, proc, metrics, logger, payments.Settings{
		Currency:        cfg.Currency,
		Shipping:        shipping,
		NotificationURL: cfg.NotificationURL,
		BackURLs: processor.BackURLs{
			Success: cfg.ReturnURLSuccess,
			Failure: cfg.ReturnURLFailure,
			Pending: cfg.ReturnURLPending,
		},
	})

	var publisher *aws.Publisher
	if cfg.WebhookQueueURL != "" {
		publisher = aws.NewPublisher(clients.SQS, cfg.WebhookQueueURL)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	handlers.RegisterRoutes(r, handlers.HandlerConfig{
		Payments:        svc,
		Receiver:        webhook.NewReceiver(b.repo, proc, metrics, logger),
		Idempotency:     b.idempotency,
		Publisher:       publisher,
		TrustUserHeader: cfg.TrustUserHeader,
		Logger:          logger,
	})
	return r, nil
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("api stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	clients, err := aws.NewAWSClients(ctx)
	if err != nil {
		return fmt.Errorf("init aws clients: %w", err)
	}

	metrics := newMetrics(cfg, clients, logger)
	b, err := openBackend(ctx, cfg, clients, inventory.NewAdjuster(logger, metrics), logger)
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.StoreBackend, err)
	}
	defer b.Close()
	if err := seedProducts(ctx, b.repo, cfg.ProductsSeedFile, logger); err != nil {
		return err
	}

	r, err := setupRouter(cfg, clients, b, metrics, logger)
	if err != nil {
		return err
	}

	if cfg.RunLocal {
		logger.Info("running local server", "addr", cfg.HTTPAddr, "backend", cfg.StoreBackend)
		return r.Run(cfg.HTTPAddr)
	}

	adapter := ginadapter.New(r)
	lambda.Start(func(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
		return adapter.ProxyWithContext(ctx, req)
	})
	return nil
}
