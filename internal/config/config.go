package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"github.com/agentoven/newswire/pkg/models"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the newswire control plane.
// Resolution order: defaults → YAML file → environment.
type Config struct {
	Port      int              `yaml:"port"`
	Version   string           `yaml:"version"`
	LogLevel  string           `yaml:"log_level"`
	Store     StoreConfig      `yaml:"store"`
	Claims    ClaimsConfig     `yaml:"claims"`
	Ledger    LedgerConfig     `yaml:"ledger"`
	Content   ContentConfig    `yaml:"content"`
	Scheduler SchedulerConfig  `yaml:"scheduler"`
	Registry  RegistryConfig   `yaml:"registry"`
	Intake    IntakeConfig     `yaml:"intake"`
	Channels  ChannelsConfig   `yaml:"channels"`
	Audit     AuditConfig      `yaml:"audit"`
	Retention RetentionConfig  `yaml:"retention"`
	Telemetry TelemetryConfig  `yaml:"telemetry"`
	Auth      AuthConfig       `yaml:"auth"`
	Producers []ProducerConfig `yaml:"producers"`
}

type StoreConfig struct {
	DataDir       string `yaml:"data_dir"`
	ThreadBackend string `yaml:"thread_backend"` // memory | pebble
	PebblePath    string `yaml:"pebble_path"`
}

type ClaimsConfig struct {
	Backend     string `yaml:"backend"` // memory | redis | postgres
	RedisURL    string `yaml:"redis_url"`
	PostgresURL string `yaml:"postgres_url"`
}

type LedgerConfig struct {
	Kind             string        `yaml:"kind"` // sandbox | ethereum
	RPCURL           string        `yaml:"rpc_url"`
	MinConfirmations int           `yaml:"min_confirmations"`
	Currency         string        `yaml:"currency"`
	Timeout          time.Duration `yaml:"timeout"`
}

type ContentConfig struct {
	Provider        string        `yaml:"provider"` // static | openai | anthropic
	Model           string        `yaml:"model"`
	OpenAIAPIKey    string        `yaml:"-"`
	AnthropicAPIKey string        `yaml:"-"`
	Timeout         time.Duration `yaml:"timeout"`
}

type SchedulerConfig struct {
	Interval       time.Duration `yaml:"interval"`
	MaxAttempts    int           `yaml:"max_attempts"`
	Workers        int           `yaml:"workers"`
	RetryInitial   time.Duration `yaml:"retry_initial"`
	RetryMax       time.Duration `yaml:"retry_max"`
	DefaultCadence time.Duration `yaml:"default_cadence"`
}

type RegistryConfig struct {
	RenewalWindow      time.Duration `yaml:"renewal_window"`
	MaxPaymentAttempts int           `yaml:"max_payment_attempts"`
}

type IntakeConfig struct {
	Shards     int     `yaml:"shards"`
	QueueSize  int     `yaml:"queue_size"`
	RatePerSec float64 `yaml:"rate_per_sec"`
	Burst      int     `yaml:"burst"`
}

type ChannelsConfig struct {
	TelegramToken    string        `yaml:"-"`
	TelegramProducer string        `yaml:"telegram_producer"`
	WebhookTimeout   time.Duration `yaml:"webhook_timeout"`
}

type AuditConfig struct {
	KafkaBrokers []string `yaml:"kafka_brokers"`
	KafkaTopic   string   `yaml:"kafka_topic"`
}

type RetentionConfig struct {
	Interval         time.Duration `yaml:"interval"`
	DeliveryDays     int           `yaml:"delivery_days"`
	AuditDays        int           `yaml:"audit_days"`
	ArchivePath      string        `yaml:"archive_path"`
	CompressArchives bool          `yaml:"compress_archives"`
}

type TelemetryConfig struct {
	Enabled      bool   `yaml:"enabled"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	ServiceName  string `yaml:"service_name"`
}

type AuthConfig struct {
	APIKeys        []string `yaml:"-"`
	AgentJWTSecret string   `yaml:"-"`
}

// ProducerConfig seeds a producer agent and its plan catalog.
type ProducerConfig struct {
	ID     string                    `yaml:"id"`
	Wallet string                    `yaml:"wallet"`
	Plans  []models.SubscriptionPlan `yaml:"plans"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		Port:     8080,
		Version:  "0.1.0",
		LogLevel: "info",
		Store: StoreConfig{
			ThreadBackend: "memory",
		},
		Claims: ClaimsConfig{Backend: "memory"},
		Ledger: LedgerConfig{
			Kind:             "sandbox",
			MinConfirmations: 12,
			Currency:         "ETH",
			Timeout:          10 * time.Second,
		},
		Content: ContentConfig{
			Provider: "static",
			Timeout:  30 * time.Second,
		},
		Scheduler: SchedulerConfig{
			Interval:       time.Minute,
			MaxAttempts:    3,
			Workers:        8,
			RetryInitial:   30 * time.Second,
			RetryMax:       10 * time.Minute,
			DefaultCadence: 24 * time.Hour,
		},
		Registry: RegistryConfig{
			RenewalWindow:      72 * time.Hour,
			MaxPaymentAttempts: 3,
		},
		Intake: IntakeConfig{
			Shards:     8,
			QueueSize:  256,
			RatePerSec: 2,
			Burst:      10,
		},
		Channels: ChannelsConfig{WebhookTimeout: 10 * time.Second},
		Audit:    AuditConfig{KafkaTopic: "newswire.audit"},
		Retention: RetentionConfig{
			Interval:     6 * time.Hour,
			DeliveryDays: 90,
			AuditDays:    400,
		},
		Telemetry: TelemetryConfig{
			Enabled:      false,
			OTLPEndpoint: "localhost:4317",
			ServiceName:  "newswire",
		},
	}
}

// Load reads .env, the optional YAML file named by NEWSWIRE_CONFIG
// (default newswire.yaml) and then environment variables.
func Load() (*Config, error) {
	if err := godotenv.Load(".env"); err == nil {
		log.Debug().Msg("Loaded .env")
	}

	cfg := Defaults()
	path := envStr("NEWSWIRE_CONFIG", "newswire.yaml")
	if err := cfg.LoadFile(path); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	} else {
		log.Info().Str("path", path).Msg("Config file loaded")
	}

	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile overlays a YAML file on cfg.
func (c *Config) LoadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overrides fields from environment variables.
func (c *Config) ApplyEnv() {
	c.Port = envInt("NEWSWIRE_PORT", c.Port)
	c.Version = envStr("NEWSWIRE_VERSION", c.Version)
	c.LogLevel = envStr("NEWSWIRE_LOG_LEVEL", c.LogLevel)

	c.Store.DataDir = envStr("NEWSWIRE_DATA_DIR", c.Store.DataDir)
	c.Store.ThreadBackend = envStr("NEWSWIRE_THREAD_BACKEND", c.Store.ThreadBackend)
	c.Store.PebblePath = envStr("NEWSWIRE_PEBBLE_PATH", c.Store.PebblePath)

	c.Claims.Backend = envStr("NEWSWIRE_CLAIMS_BACKEND", c.Claims.Backend)
	c.Claims.RedisURL = envStr("REDIS_URL", c.Claims.RedisURL)
	c.Claims.PostgresURL = envStr("DATABASE_URL", c.Claims.PostgresURL)

	c.Ledger.Kind = envStr("NEWSWIRE_LEDGER", c.Ledger.Kind)
	c.Ledger.RPCURL = envStr("ETH_RPC_URL", c.Ledger.RPCURL)
	c.Ledger.MinConfirmations = envInt("NEWSWIRE_MIN_CONFIRMATIONS", c.Ledger.MinConfirmations)
	c.Ledger.Currency = envStr("NEWSWIRE_LEDGER_CURRENCY", c.Ledger.Currency)
	c.Ledger.Timeout = envDuration("NEWSWIRE_LEDGER_TIMEOUT", c.Ledger.Timeout)

	c.Content.Provider = envStr("NEWSWIRE_CONTENT_PROVIDER", c.Content.Provider)
	c.Content.Model = envStr("NEWSWIRE_CONTENT_MODEL", c.Content.Model)
	c.Content.OpenAIAPIKey = envStr("OPENAI_API_KEY", c.Content.OpenAIAPIKey)
	c.Content.AnthropicAPIKey = envStr("ANTHROPIC_API_KEY", c.Content.AnthropicAPIKey)
	c.Content.Timeout = envDuration("NEWSWIRE_GENERATE_TIMEOUT", c.Content.Timeout)

	c.Scheduler.Interval = envDuration("NEWSWIRE_TICK_INTERVAL", c.Scheduler.Interval)
	c.Scheduler.MaxAttempts = envInt("NEWSWIRE_MAX_DELIVERY_ATTEMPTS", c.Scheduler.MaxAttempts)
	c.Scheduler.Workers = envInt("NEWSWIRE_DELIVERY_WORKERS", c.Scheduler.Workers)
	c.Scheduler.RetryInitial = envDuration("NEWSWIRE_RETRY_INITIAL", c.Scheduler.RetryInitial)
	c.Scheduler.RetryMax = envDuration("NEWSWIRE_RETRY_MAX", c.Scheduler.RetryMax)

	c.Registry.RenewalWindow = envDuration("NEWSWIRE_RENEWAL_WINDOW", c.Registry.RenewalWindow)
	c.Registry.MaxPaymentAttempts = envInt("NEWSWIRE_MAX_PAYMENT_ATTEMPTS", c.Registry.MaxPaymentAttempts)

	c.Intake.Shards = envInt("NEWSWIRE_INTAKE_SHARDS", c.Intake.Shards)
	c.Intake.QueueSize = envInt("NEWSWIRE_INTAKE_QUEUE", c.Intake.QueueSize)
	c.Intake.RatePerSec = envFloat("NEWSWIRE_INTAKE_RPS", c.Intake.RatePerSec)
	c.Intake.Burst = envInt("NEWSWIRE_INTAKE_BURST", c.Intake.Burst)

	c.Channels.TelegramToken = envStr("TELEGRAM_BOT_TOKEN", c.Channels.TelegramToken)
	c.Channels.TelegramProducer = envStr("NEWSWIRE_TELEGRAM_PRODUCER", c.Channels.TelegramProducer)

	c.Audit.KafkaBrokers = envCSV("KAFKA_BROKERS", c.Audit.KafkaBrokers)
	c.Audit.KafkaTopic = envStr("NEWSWIRE_AUDIT_TOPIC", c.Audit.KafkaTopic)

	c.Retention.Interval = envDuration("NEWSWIRE_RETENTION_INTERVAL", c.Retention.Interval)
	c.Retention.DeliveryDays = envInt("NEWSWIRE_DELIVERY_RETENTION_DAYS", c.Retention.DeliveryDays)
	c.Retention.AuditDays = envInt("NEWSWIRE_AUDIT_RETENTION_DAYS", c.Retention.AuditDays)
	c.Retention.ArchivePath = envStr("NEWSWIRE_ARCHIVE_PATH", c.Retention.ArchivePath)
	c.Retention.CompressArchives = envBool("NEWSWIRE_ARCHIVE_COMPRESS", c.Retention.CompressArchives)

	c.Telemetry.Enabled = envBool("OTEL_ENABLED", c.Telemetry.Enabled)
	c.Telemetry.OTLPEndpoint = envStr("OTEL_EXPORTER_OTLP_ENDPOINT", c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = envStr("OTEL_SERVICE_NAME", c.Telemetry.ServiceName)

	c.Auth.APIKeys = envCSV("NEWSWIRE_API_KEYS", c.Auth.APIKeys)
	c.Auth.AgentJWTSecret = envStr("NEWSWIRE_AGENT_JWT_SECRET", c.Auth.AgentJWTSecret)
}

// Validate rejects configurations the services cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Scheduler.Interval <= 0 {
		errs = append(errs, fmt.Errorf("scheduler.interval must be positive"))
	}
	if c.Scheduler.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("scheduler.max_attempts must be at least 1"))
	}
	if c.Registry.MaxPaymentAttempts < 1 {
		errs = append(errs, fmt.Errorf("registry.max_payment_attempts must be at least 1"))
	}
	switch c.Store.ThreadBackend {
	case "memory", "pebble":
	default:
		errs = append(errs, fmt.Errorf("unknown thread backend %q", c.Store.ThreadBackend))
	}
	switch c.Claims.Backend {
	case "memory", "redis", "postgres":
	default:
		errs = append(errs, fmt.Errorf("unknown claims backend %q", c.Claims.Backend))
	}

	gron := gronx.New()
	seen := make(map[string]bool)
	for _, p := range c.Producers {
		if p.ID == "" {
			errs = append(errs, fmt.Errorf("producer without id"))
			continue
		}
		for _, plan := range p.Plans {
			if plan.ID == "" {
				errs = append(errs, fmt.Errorf("producer %s: plan without id", p.ID))
				continue
			}
			if seen[plan.ID] {
				errs = append(errs, fmt.Errorf("plan %s defined twice", plan.ID))
			}
			seen[plan.ID] = true
			if _, ok := models.ParseAmount(plan.Price); !ok {
				errs = append(errs, fmt.Errorf("plan %s: price %q is not a decimal", plan.ID, plan.Price))
			}
			if plan.Duration <= 0 {
				errs = append(errs, fmt.Errorf("plan %s: duration must be positive", plan.ID))
			}
			if plan.Schedule != "" && !gron.IsValid(plan.Schedule) {
				errs = append(errs, fmt.Errorf("plan %s: invalid schedule %q", plan.ID, plan.Schedule))
			}
		}
	}
	return errors.Join(errs...)
}

// Plans returns the configured catalog with producer ids and wallets filled in.
func (c *Config) Plans() []models.SubscriptionPlan {
	var out []models.SubscriptionPlan
	for _, p := range c.Producers {
		for _, plan := range p.Plans {
			plan.ProducerID = p.ID
			if plan.Recipient == "" {
				plan.Recipient = p.Wallet
			}
			if plan.Currency == "" {
				plan.Currency = c.Ledger.Currency
			}
			if plan.Timespan == "" {
				plan.Timespan = "24h"
			}
			out = append(out, plan)
		}
	}
	return out
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		log.Warn().Str("key", key).Str("value", v).Msg("Invalid duration, using default")
	}
	return fallback
}

func envCSV(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
