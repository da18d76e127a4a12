/*
config.go - Process configuration

PURPOSE:
  Collects server settings from flags, then lets environment variables
  override them. A .env file in the working directory, if present, is
  loaded into the environment first.

PRECEDENCE (lowest to highest):
  1. Flag defaults
  2. Flags given on the command line
  3. Environment (including values loaded from .env)

OPTIONAL BACKENDS:
  REDIS_ADDR, AMQP_URL and MONGO_URI are empty by default. When empty the
  HTTP idempotency cache, the event publisher and the Mongo audit log are
  replaced by no-op or store-backed fallbacks.
*/
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type Config struct {
	Addr     string
	LogLevel string

	StoreDriver string
	SQLitePath  string
	DatabaseURI string

	JWTSecret string

	GatewayBaseURL       string
	GatewayKeyID         string
	GatewayKeySecret     string
	GatewayWebhookSecret string

	Currency      string
	MinWithdrawal int64
	MaxTopUp      int64

	RedisAddr      string
	AMQPURL        string
	AMQPExchange   string
	MongoURI       string
	MongoDatabase  string
	CORSOrigins    []string
	IdempotencyTTL time.Duration

	RetryInterval     time.Duration
	ReconcileInterval time.Duration
	PendingTTL        time.Duration
}

// Load parses args (without the program name) and applies env overrides.
func Load(args []string) (Config, error) {
	// A missing .env is the normal case outside development.
	_ = godotenv.Load()

	var (
		cfg  Config
		cors string
	)
	fs := flag.NewFlagSet("wallet-ledger", flag.ContinueOnError)
	fs.StringVar(&cfg.Addr, "addr", ":8080", "HTTP listen address")
	fs.StringVar(&cfg.LogLevel, "log-level", "info", "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.StoreDriver, "store", DriverSQLite, "storage driver (sqlite|postgres)")
	fs.StringVar(&cfg.SQLitePath, "db", "wallet.db", "SQLite database path, \":memory:\" for in-memory")
	fs.StringVar(&cfg.DatabaseURI, "database-uri", "", "Postgres connection string")
	fs.StringVar(&cfg.JWTSecret, "jwt-secret", "", "HS256 secret for bearer tokens")
	fs.StringVar(&cfg.GatewayBaseURL, "gateway-url", "https://api.razorpay.com", "payment gateway base URL")
	fs.StringVar(&cfg.Currency, "currency", "INR", "wallet currency")
	fs.Int64Var(&cfg.MinWithdrawal, "min-withdrawal", 10000, "minimum withdrawal in minor units")
	fs.Int64Var(&cfg.MaxTopUp, "max-topup", 10_000_000, "maximum single top-up in minor units")
	fs.StringVar(&cors, "cors-origins", "*", "comma separated allowed CORS origins")
	fs.DurationVar(&cfg.IdempotencyTTL, "idempotency-ttl", 24*time.Hour, "how long Idempotency-Key responses are replayed")
	fs.DurationVar(&cfg.RetryInterval, "retry-interval", 30*time.Second, "webhook retry sweep interval")
	fs.DurationVar(&cfg.ReconcileInterval, "reconcile-interval", time.Hour, "wallet reconciliation interval")
	fs.DurationVar(&cfg.PendingTTL, "pending-ttl", 24*time.Hour, "age after which PENDING top-ups are expired")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	cfg.AMQPExchange = "wallet_events"
	cfg.MongoDatabase = "wallet"

	envString(&cfg.Addr, "RUN_ADDRESS")
	envString(&cfg.LogLevel, "LOG_LEVEL")
	envString(&cfg.StoreDriver, "STORE_DRIVER")
	envString(&cfg.SQLitePath, "SQLITE_PATH")
	envString(&cfg.DatabaseURI, "DATABASE_URI")
	envString(&cfg.JWTSecret, "JWT_SECRET")
	envString(&cfg.GatewayBaseURL, "GATEWAY_BASE_URL")
	envString(&cfg.GatewayKeyID, "GATEWAY_KEY_ID")
	envString(&cfg.GatewayKeySecret, "GATEWAY_KEY_SECRET")
	envString(&cfg.GatewayWebhookSecret, "GATEWAY_WEBHOOK_SECRET")
	envString(&cfg.Currency, "WALLET_CURRENCY")
	envString(&cfg.RedisAddr, "REDIS_ADDR")
	envString(&cfg.AMQPURL, "AMQP_URL")
	envString(&cfg.AMQPExchange, "AMQP_EXCHANGE")
	envString(&cfg.MongoURI, "MONGO_URI")
	envString(&cfg.MongoDatabase, "MONGO_DATABASE")
	envString(&cors, "CORS_ORIGINS")
	if err := envInt64(&cfg.MinWithdrawal, "MIN_WITHDRAWAL_MINOR"); err != nil {
		return Config{}, err
	}
	if err := envInt64(&cfg.MaxTopUp, "MAX_TOPUP_MINOR"); err != nil {
		return Config{}, err
	}

	cfg.CORSOrigins = splitList(cors)
	cfg.StoreDriver = strings.ToLower(cfg.StoreDriver)
	cfg.Currency = strings.ToUpper(cfg.Currency)
	return cfg, nil
}

// Validate reports every problem at once.
func (c Config) Validate() error {
	var errs []error
	switch c.StoreDriver {
	case DriverSQLite:
		if c.SQLitePath == "" {
			errs = append(errs, errors.New("sqlite store needs -db"))
		}
	case DriverPostgres:
		if c.DatabaseURI == "" {
			errs = append(errs, errors.New("postgres store needs DATABASE_URI"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store driver %q", c.StoreDriver))
	}
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.GatewayKeyID == "" || c.GatewayKeySecret == "" {
		errs = append(errs, errors.New("GATEWAY_KEY_ID and GATEWAY_KEY_SECRET are required"))
	}
	if c.GatewayWebhookSecret == "" {
		errs = append(errs, errors.New("GATEWAY_WEBHOOK_SECRET is required"))
	}
	if c.MinWithdrawal <= 0 {
		errs = append(errs, errors.New("min-withdrawal must be positive"))
	}
	if c.MaxTopUp <= 0 {
		errs = append(errs, errors.New("max-topup must be positive"))
	}
	if len(c.Currency) != 3 {
		errs = append(errs, fmt.Errorf("currency %q is not an ISO 4217 code", c.Currency))
	}
	return errors.Join(errs...)
}

func envString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		*dst = strings.TrimSpace(v)
	}
}

func envInt64(dst *int64, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return nil
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
