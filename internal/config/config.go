// Package config loads service and client settings from the environment,
// optionally layered over a YAML file named by CONFIG_FILE.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/imrishuroy/go-storefront-payments/internal/money"
)

// Store backends selectable through STORE_BACKEND.
const (
	BackendDynamoDB = "dynamodb"
	BackendMySQL    = "mysql"
	BackendMemory   = "memory"
)

// Session backends selectable through SESSION_BACKEND.
const (
	SessionFile  = "file"
	SessionRedis = "redis"
)

// Config holds the API and worker settings.
type Config struct {
	RunLocal        bool   `mapstructure:"RUN_LOCAL"`
	HTTPAddr        string `mapstructure:"HTTP_ADDR"`
	LogLevel        string `mapstructure:"LOG_LEVEL"`
	TrustUserHeader bool   `mapstructure:"TRUST_USER_HEADER"`

	StoreBackend     string        `mapstructure:"STORE_BACKEND"`
	OrdersTable      string        `mapstructure:"ORDERS_TABLE"`
	PaymentsTable    string        `mapstructure:"PAYMENTS_TABLE"`
	ProductsTable    string        `mapstructure:"PRODUCTS_TABLE"`
	CardsTable       string        `mapstructure:"CARDS_TABLE"`
	IdempotencyTable string        `mapstructure:"IDEMPOTENCY_TABLE"`
	IdempotencyTTL   time.Duration `mapstructure:"IDEMPOTENCY_TTL"`
	MySQLDSN         string        `mapstructure:"MYSQL_DSN"`
	// ProductsSeedFile is a JSON array of products written at startup.
	ProductsSeedFile string `mapstructure:"PRODUCTS_SEED_FILE"`

	ProcessorBaseURL     string        `mapstructure:"PROCESSOR_BASE_URL"`
	ProcessorAccessToken string        `mapstructure:"PROCESSOR_ACCESS_TOKEN"`
	ProcessorTimeout     time.Duration `mapstructure:"PROCESSOR_TIMEOUT"`
	NotificationURL      string        `mapstructure:"NOTIFICATION_URL"`
	ReturnURLSuccess     string        `mapstructure:"RETURN_URL_SUCCESS"`
	ReturnURLFailure     string        `mapstructure:"RETURN_URL_FAILURE"`
	ReturnURLPending     string        `mapstructure:"RETURN_URL_PENDING"`
	Currency             string        `mapstructure:"CURRENCY"`
	ShippingFee          string        `mapstructure:"SHIPPING_FEE"`

	WebhookQueueURL  string `mapstructure:"WEBHOOK_QUEUE_URL"`
	MetricsNamespace string `mapstructure:"METRICS_NAMESPACE"`
	MetricsEnabled   bool   `mapstructure:"METRICS_ENABLED"`
}

// ClientConfig holds the storefront-cli settings.
type ClientConfig struct {
	APIBaseURL     string        `mapstructure:"API_BASE_URL"`
	APIUserID      string        `mapstructure:"API_USER_ID"`
	APIToken       string        `mapstructure:"API_TOKEN"`
	DeviceID       string        `mapstructure:"DEVICE_ID"`
	SessionBackend string        `mapstructure:"SESSION_BACKEND"`
	SessionFile    string        `mapstructure:"SESSION_FILE"`
	SessionTTL     time.Duration `mapstructure:"SESSION_TTL"`
	RedisAddr      string        `mapstructure:"REDIS_ADDR"`
	LogLevel       string        `mapstructure:"LOG_LEVEL"`
}

var serviceDefaults = map[string]any{
	"RUN_LOCAL":              false,
	"HTTP_ADDR":              ":8080",
	"LOG_LEVEL":              "info",
	"TRUST_USER_HEADER":      false,
	"STORE_BACKEND":          BackendDynamoDB,
	"ORDERS_TABLE":           "orders",
	"PAYMENTS_TABLE":         "payments",
	"PRODUCTS_TABLE":         "products",
	"CARDS_TABLE":            "cards",
	"IDEMPOTENCY_TABLE":      "idempotency",
	"IDEMPOTENCY_TTL":        "48h",
	"MYSQL_DSN":              "",
	"PRODUCTS_SEED_FILE":     "",
	"PROCESSOR_BASE_URL":     "https://api.mercadopago.com",
	"PROCESSOR_ACCESS_TOKEN": "",
	"PROCESSOR_TIMEOUT":      "10s",
	"NOTIFICATION_URL":       "",
	"RETURN_URL_SUCCESS":     "",
	"RETURN_URL_FAILURE":     "",
	"RETURN_URL_PENDING":     "",
	"CURRENCY":               "BRL",
	"SHIPPING_FEE":           "0",
	"WEBHOOK_QUEUE_URL":      "",
	"METRICS_NAMESPACE":      "Storefront/Payments",
	"METRICS_ENABLED":        false,
}

var clientDefaults = map[string]any{
	"API_BASE_URL":    "http://localhost:8080",
	"API_USER_ID":     "",
	"API_TOKEN":       "",
	"DEVICE_ID":       "",
	"SESSION_BACKEND": SessionFile,
	"SESSION_FILE":    "",
	"SESSION_TTL":     "30m",
	"REDIS_ADDR":      "localhost:6379",
	"LOG_LEVEL":       "warn",
}

// Load reads the service configuration.
func Load() (*Config, error) {
	v, err := newViper(serviceDefaults)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadClient reads the storefront-cli configuration.
func LoadClient() (*ClientConfig, error) {
	v, err := newViper(clientDefaults)
	if err != nil {
		return nil, err
	}
	var cfg ClientConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode client config: %w", err)
	}
	if cfg.SessionBackend != SessionFile && cfg.SessionBackend != SessionRedis {
		return nil, fmt.Errorf("unknown SESSION_BACKEND %q", cfg.SessionBackend)
	}
	if cfg.SessionFile == "" {
		cfg.SessionFile = defaultSessionFile()
	}
	if cfg.DeviceID == "" {
		host, _ := os.Hostname()
		cfg.DeviceID = host
	}
	return &cfg, nil
}

func newViper(defaults map[string]any) (*viper.Viper, error) {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.AutomaticEnv()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}
	return v, nil
}

// Validate checks cross-field rules.
func (c *Config) Validate() error {
	var errs []error
	switch c.StoreBackend {
	case BackendDynamoDB:
		if c.OrdersTable == "" || c.PaymentsTable == "" || c.ProductsTable == "" || c.CardsTable == "" {
			errs = append(errs, errors.New("dynamodb backend needs ORDERS_TABLE, PAYMENTS_TABLE, PRODUCTS_TABLE and CARDS_TABLE"))
		}
	case BackendMySQL:
		if c.MySQLDSN == "" {
			errs = append(errs, errors.New("mysql backend needs MYSQL_DSN"))
		}
	case BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend))
	}
	if _, err := c.Shipping(); err != nil {
		errs = append(errs, err)
	}
	if c.ProcessorTimeout <= 0 {
		errs = append(errs, errors.New("PROCESSOR_TIMEOUT must be positive"))
	}
	c.Currency = strings.ToUpper(c.Currency)
	return errors.Join(errs...)
}

// Shipping parses SHIPPING_FEE.
func (c *Config) Shipping() (money.Money, error) {
	fee, err := money.Parse(c.ShippingFee)
	if err != nil {
		return money.Zero, fmt.Errorf("SHIPPING_FEE: %w", err)
	}
	if fee.IsNegative() {
		return money.Zero, errors.New("SHIPPING_FEE must not be negative")
	}
	return fee, nil
}

func defaultSessionFile() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = os.TempDir()
	}
	return dir + string(os.PathSeparator) + "storefront" + string(os.PathSeparator) + "payment-session.json"
}
