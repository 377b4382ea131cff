package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	base "github.com/ikarolaborda/limit-order-exchange-mini-engine/libs/config"
	"github.com/ikarolaborda/limit-order-exchange-mini-engine/libs/money"
	"github.com/spf13/viper"
)

const ServiceName = "exchange"

type DBConfig struct {
	Host        string
	Port        int
	Name        string
	User        string
	Password    string
	SSLMode     string
	MaxConns    int
	LockTimeout time.Duration
}

func (d DBConfig) DSN() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(d.User, d.Password),
		Host:     fmt.Sprintf("%s:%d", d.Host, d.Port),
		Path:     d.Name,
		RawQuery: "sslmode=" + d.SSLMode,
	}
	if d.MaxConns > 0 {
		u.RawQuery += "&pool_max_conns=" + strconv.Itoa(d.MaxConns)
	}
	return u.String()
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	TTL      time.Duration
}

// Enabled reports whether the read cache should be wired.
func (r RedisConfig) Enabled() bool { return r.Addr != "" }

type GRPCConfig struct {
	Host string
	Port int
}

func (g GRPCConfig) Addr() string { return fmt.Sprintf("%s:%d", g.Host, g.Port) }

type KafkaTopics struct {
	TradesSettled string
	OrderFilled   string
	MatchRequests string
	DLQ           string
}

type KafkaConfig struct {
	Brokers       []string
	ClientID      string
	ConsumerGroup string
	MaxAttempts   int
	Backoff       time.Duration
	Topics        KafkaTopics
}

// Enabled reports whether kafka publishing and consuming should be wired.
func (k KafkaConfig) Enabled() bool { return len(k.Brokers) > 0 }

type FeeConfig struct {
	Rate money.Decimal
}

type AuthConfig struct {
	JWTSecret string
}

type NotifyConfig struct {
	Workers        int
	Buffer         int
	DeliverTimeout time.Duration
}

// RateLimitConfig bounds order placement and cancellation per user.
// Orders <= 0 disables throttling.
type RateLimitConfig struct {
	Orders int
	Window time.Duration
	Prefix string
}

type Config struct {
	App    base.AppConfig
	DB     DBConfig
	Redis  RedisConfig
	GRPC   GRPCConfig
	Kafka  KafkaConfig
	Fee    FeeConfig
	Auth   AuthConfig
	Notify NotifyConfig
	Rate   RateLimitConfig
}

func Load() (*Config, error) {
	v, err := base.NewViper(os.Getenv("CEX_CONFIG"))
	if err != nil {
		return nil, err
	}
	return FromViper(v)
}

func FromViper(v *viper.Viper) (*Config, error) {
	appCfg, err := base.FromViper(v, ServiceName)
	if err != nil {
		return nil, err
	}
	setDefaults(v)

	rate, err := money.Parse(envString("FEE_RATE", v.GetString("fee.rate")))
	if err != nil {
		return nil, fmt.Errorf("fee rate: %w", err)
	}

	cfg := &Config{
		App: *appCfg,
		DB: DBConfig{
			Host:        envString("POSTGRES_HOST", v.GetString("db.host")),
			Port:        envInt("POSTGRES_PORT", v.GetInt("db.port")),
			Name:        envString("POSTGRES_DB", v.GetString("db.name")),
			User:        envString("POSTGRES_USER", v.GetString("db.user")),
			Password:    envString("POSTGRES_PASSWORD", v.GetString("db.password")),
			SSLMode:     envString("POSTGRES_SSLMODE", v.GetString("db.sslmode")),
			MaxConns:    v.GetInt("db.max_conns"),
			LockTimeout: envDuration("DB_LOCK_TIMEOUT", v.GetDuration("db.lock_timeout")),
		},
		Redis: RedisConfig{
			Addr:     envString("REDIS_ADDR", v.GetString("redis.addr")),
			Password: envString("REDIS_PASSWORD", v.GetString("redis.password")),
			DB:       v.GetInt("redis.db"),
			Prefix:   v.GetString("redis.prefix"),
			TTL:      v.GetDuration("redis.ttl"),
		},
		GRPC: GRPCConfig{
			Host: envString("CEX_GRPC_HOST", v.GetString("grpc.host")),
			Port: envInt("CEX_GRPC_PORT", v.GetInt("grpc.port")),
		},
		Kafka: KafkaConfig{
			Brokers:       envCSV("KAFKA_BROKERS", v.GetStringSlice("kafka.brokers")),
			ClientID:      v.GetString("kafka.client_id"),
			ConsumerGroup: envString("KAFKA_CONSUMER_GROUP", v.GetString("kafka.consumer_group")),
			MaxAttempts:   v.GetInt("kafka.max_attempts"),
			Backoff:       v.GetDuration("kafka.backoff"),
			Topics: KafkaTopics{
				TradesSettled: v.GetString("kafka.topics.trades_settled"),
				OrderFilled:   v.GetString("kafka.topics.order_filled"),
				MatchRequests: v.GetString("kafka.topics.match_requests"),
				DLQ:           v.GetString("kafka.topics.dlq"),
			},
		},
		Fee: FeeConfig{Rate: rate},
		Auth: AuthConfig{
			JWTSecret: envString("JWT_SECRET", v.GetString("auth.jwt_secret")),
		},
		Notify: NotifyConfig{
			Workers:        v.GetInt("notify.workers"),
			Buffer:         v.GetInt("notify.buffer"),
			DeliverTimeout: v.GetDuration("notify.deliver_timeout"),
		},
		Rate: RateLimitConfig{
			Orders: envInt("RATE_LIMIT_ORDERS", v.GetInt("rate_limit.orders")),
			Window: v.GetDuration("rate_limit.window"),
			Prefix: v.GetString("rate_limit.prefix"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Fee.Rate.IsNegative() || c.Fee.Rate.GreaterThanOrEqual(money.FromInt(1)) {
		return fmt.Errorf("fee rate must be in [0, 1), got %s", c.Fee.Rate)
	}
	if c.DB.Host == "" || c.DB.Name == "" {
		return fmt.Errorf("postgres host and database required")
	}
	if c.GRPC.Port <= 0 {
		return fmt.Errorf("CEX_GRPC_PORT must be positive")
	}
	if c.Auth.JWTSecret == "" && c.App.Env != "dev" && c.App.Env != "test" {
		return fmt.Errorf("JWT_SECRET required outside dev and test")
	}
	if c.Notify.Workers <= 0 || c.Notify.Buffer <= 0 {
		return fmt.Errorf("notify workers and buffer must be positive")
	}
	if c.Rate.Orders > 0 && c.Rate.Window <= 0 {
		return fmt.Errorf("rate limit window must be positive")
	}
	if c.Kafka.Enabled() {
		if c.Kafka.ConsumerGroup == "" {
			return fmt.Errorf("kafka consumer group required")
		}
		t := c.Kafka.Topics
		if t.TradesSettled == "" || t.OrderFilled == "" || t.MatchRequests == "" || t.DLQ == "" {
			return fmt.Errorf("kafka topics required")
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", 5432)
	v.SetDefault("db.name", "cex_core")
	v.SetDefault("db.user", "cex")
	v.SetDefault("db.password", "cex")
	v.SetDefault("db.sslmode", "disable")
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.lock_timeout", "5s")

	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "orders:")
	v.SetDefault("redis.ttl", "60s")

	v.SetDefault("grpc.host", "0.0.0.0")
	v.SetDefault("grpc.port", 9091)

	v.SetDefault("kafka.client_id", "exchange-service")
	v.SetDefault("kafka.consumer_group", "exchange-service")
	v.SetDefault("kafka.max_attempts", 3)
	v.SetDefault("kafka.backoff", "200ms")
	v.SetDefault("kafka.topics.trades_settled", "trades.settled")
	v.SetDefault("kafka.topics.order_filled", "notifications.order-filled")
	v.SetDefault("kafka.topics.match_requests", "orders.match-requests")
	v.SetDefault("kafka.topics.dlq", "dlq.exchange")

	v.SetDefault("fee.rate", "0.015")
	v.SetDefault("auth.jwt_secret", "")

	v.SetDefault("notify.workers", 2)
	v.SetDefault("notify.buffer", 256)
	v.SetDefault("notify.deliver_timeout", "5s")

	v.SetDefault("rate_limit.orders", 30)
	v.SetDefault("rate_limit.window", "1m")
	v.SetDefault("rate_limit.prefix", "exchange:rl:")
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func envCSV(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, part := range parts {
			trimmed := strings.TrimSpace(part)
			if trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return def
}
