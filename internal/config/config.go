package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Config holds all application configuration
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Kafka    KafkaConfig
	Redis    RedisConfig
	Exchange ExchangeConfig
	Shared   SharedCredentialConfig
	Worker   WorkerConfig
	Gate     GateConfig
	Orders   OrdersConfig
	LogLevel string
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port         string
	Host         string
	WebhookToken string
	// AckBudget bounds how long the webhook waits on the receipt write before answering.
	AckBudget time.Duration
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// KafkaConfig holds Kafka/Redpanda configuration
type KafkaConfig struct {
	Brokers       []string
	SignalsTopic  string
	EventsTopic   string
	ConsumerGroup string
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// ExchangeConfig holds exchange REST settings
type ExchangeConfig struct {
	Name           string
	BaseURL        string
	Testnet        bool
	RecvWindow     int64
	HTTPTimeout    time.Duration
	RequestsPerSec float64
	// LeaseTTL bounds how long one credential lease can outlive a crashed holder.
	LeaseTTL time.Duration
}

// SharedCredentialConfig is the process-level fallback credential.
type SharedCredentialConfig struct {
	APIKey      string
	APISecret   string
	Environment string
}

// WorkerConfig holds signal queue worker settings
type WorkerConfig struct {
	Lanes             int
	ProcessingTimeout time.Duration
	MaxSignalAge      time.Duration
	MaxAttempts       int
	BaseBackoff       time.Duration
	SweepInterval     time.Duration
	// CredentialCheckInterval is how often pending credentials are verified.
	CredentialCheckInterval time.Duration
}

// GateConfig holds market gate settings
type GateConfig struct {
	Source         string
	MaxDecisionAge time.Duration
	MinConfidence  float64
	RedisKey       string
}

// OrdersConfig holds order sizing defaults
type OrdersConfig struct {
	Category        string
	DefaultQuantity decimal.Decimal
	SettleCoin      string
}

const (
	minRecvWindow        = 5000
	maxRecvWindow        = 60000
	minProcessingTimeout = 15 * time.Second
	maxProcessingTimeout = 20 * time.Second
)

// Load reads configuration from environment variables
func Load() *Config {
	testnet := getEnvBool("EXCHANGE_TESTNET", true)
	baseURL := "https://api.bybit.com"
	if testnet {
		baseURL = "https://api-testnet.bybit.com"
	}

	return &Config{
		Server: ServerConfig{
			Port:         getEnv("SERVER_PORT", "5000"),
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			WebhookToken: getEnv("WEBHOOK_TOKEN", ""),
			AckBudget:    getEnvDuration("WEBHOOK_ACK_BUDGET", 500*time.Millisecond),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "postgres"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "trader"),
			Password: getEnv("DB_PASSWORD", ""),
			DBName:   getEnv("DB_NAME", "signal_executor"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Kafka: KafkaConfig{
			Brokers:       parseBrokers(getEnv("KAFKA_BROKERS", "localhost:19092")),
			SignalsTopic:  getEnv("KAFKA_SIGNALS_TOPIC", "webhook.signals"),
			EventsTopic:   getEnv("KAFKA_EVENTS_TOPIC", "execution.events"),
			ConsumerGroup: getEnv("KAFKA_CONSUMER_GROUP", "signal-executor"),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Exchange: ExchangeConfig{
			Name:           getEnv("EXCHANGE_NAME", "bybit"),
			BaseURL:        getEnv("EXCHANGE_BASE_URL", baseURL),
			Testnet:        testnet,
			RecvWindow:     clampRecvWindow(int64(getEnvInt("EXCHANGE_RECV_WINDOW", 10000))),
			HTTPTimeout:    getEnvDuration("EXCHANGE_HTTP_TIMEOUT", 8*time.Second),
			RequestsPerSec: getEnvFloat("EXCHANGE_REQUESTS_PER_SEC", 10),
			LeaseTTL:       getEnvDuration("EXCHANGE_LEASE_TTL", 15*time.Second),
		},
		Shared: SharedCredentialConfig{
			APIKey:      getEnv("SHARED_API_KEY", ""),
			APISecret:   getEnv("SHARED_API_SECRET", ""),
			Environment: environmentFor(testnet),
		},
		Worker: WorkerConfig{
			Lanes:                   getEnvInt("WORKER_LANES", 8),
			ProcessingTimeout:       clampProcessingTimeout(getEnvDuration("WORKER_PROCESSING_TIMEOUT", 18*time.Second)),
			MaxSignalAge:            getEnvDuration("WORKER_MAX_SIGNAL_AGE", 5*time.Minute),
			MaxAttempts:             getEnvInt("WORKER_MAX_ATTEMPTS", 4),
			BaseBackoff:             getEnvDuration("WORKER_BASE_BACKOFF", 500*time.Millisecond),
			SweepInterval:           getEnvDuration("WORKER_SWEEP_INTERVAL", time.Minute),
			CredentialCheckInterval: getEnvDuration("CREDENTIAL_CHECK_INTERVAL", 5*time.Minute),
		},
		Gate: GateConfig{
			Source:         getEnv("GATE_SOURCE", "database"),
			MaxDecisionAge: getEnvDuration("GATE_MAX_DECISION_AGE", 30*time.Minute),
			MinConfidence:  getEnvFloat("GATE_MIN_CONFIDENCE", 0),
			RedisKey:       getEnv("GATE_REDIS_KEY", "market:decision:latest"),
		},
		Orders: OrdersConfig{
			Category:        getEnv("ORDER_CATEGORY", "linear"),
			DefaultQuantity: getEnvDecimal("ORDER_DEFAULT_QTY", decimal.RequireFromString("0.01")),
			SettleCoin:      getEnv("ORDER_SETTLE_COIN", "USDT"),
		},
		LogLevel: getEnv("LOG_LEVEL", "info"),
	}
}

// ConnectionString returns the PostgreSQL connection string
func (d *DatabaseConfig) ConnectionString() string {
	return "postgres://" + d.User + ":" + d.Password + "@" + d.Host + ":" + d.Port + "/" + d.DBName + "?sslmode=" + d.SSLMode
}

// Address returns the Redis address in host:port format
func (r *RedisConfig) Address() string {
	return r.Host + ":" + r.Port
}

// Configured reports whether a shared fallback key pair was provided.
func (s *SharedCredentialConfig) Configured() bool {
	return s.APIKey != "" && s.APISecret != ""
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if v, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil {
		return v
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if v, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return v
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if v, err := time.ParseDuration(os.Getenv(key)); err == nil && v > 0 {
		return v
	}
	return defaultValue
}

func getEnvDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if v, err := decimal.NewFromString(os.Getenv(key)); err == nil && v.IsPositive() {
		return v
	}
	return defaultValue
}

// parseBrokers splits a comma-separated broker list
func parseBrokers(brokers string) []string {
	parts := strings.Split(brokers, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func clampRecvWindow(ms int64) int64 {
	if ms < minRecvWindow {
		return minRecvWindow
	}
	if ms > maxRecvWindow {
		return maxRecvWindow
	}
	return ms
}

func clampProcessingTimeout(d time.Duration) time.Duration {
	if d < minProcessingTimeout {
		return minProcessingTimeout
	}
	if d > maxProcessingTimeout {
		return maxProcessingTimeout
	}
	return d
}

func environmentFor(testnet bool) string {
	if testnet {
		return "testnet"
	}
	return "mainnet"
}
