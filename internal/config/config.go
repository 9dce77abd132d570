package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	ServiceName string
	Env         string
	HTTP        HTTPConfig
	Postgres    PostgresConfig
	Redis       RedisConfig
	Bus         BusConfig
	Catalog     CatalogConfig
	Log         LogConfig

	// Embed the invalidation listener in the API process.
	ListenerEnabled bool
}

type HTTPConfig struct {
	Addr           string
	RequestTimeout time.Duration
}

type PostgresConfig struct {
	DSN             string
	Host            string
	Port            int
	User            string
	Password        string
	DB              string
	SSLMode         string
	MaxConns        int32
	BootstrapSchema bool
}

type RedisConfig struct {
	Host       string
	Port       int
	DB         int
	Password   string
	DefaultTTL time.Duration
	OpTimeout  time.Duration
}

type BusConfig struct {
	Brokers           []string
	User              string
	Password          string
	Topic             string
	Partitions        int
	ReplicationFactor int
	GroupPrefix       string
	PublishTimeout    time.Duration
}

type CatalogConfig struct {
	DefaultPageLimit int
	MaxPageLimit     int
}

type LogConfig struct {
	Level  string
	Format string
}

// Load reads configuration from the process environment. A .env file, if
// any, must already have been loaded into the environment by the caller.
func Load() (Config, error) {
	v := viper.New()
	v.AutomaticEnv()
	setDefaults(v)

	cfg := Config{
		ServiceName: v.GetString("SERVICE_NAME"),
		Env:         v.GetString("APP_ENV"),
		HTTP: HTTPConfig{
			Addr:           v.GetString("HTTP_ADDR"),
			RequestTimeout: v.GetDuration("HTTP_REQUEST_TIMEOUT"),
		},
		Postgres: PostgresConfig{
			DSN:             v.GetString("POSTGRES_DSN"),
			Host:            v.GetString("POSTGRES_SERVER"),
			Port:            v.GetInt("POSTGRES_PORT"),
			User:            v.GetString("POSTGRES_USER"),
			Password:        v.GetString("POSTGRES_PASSWORD"),
			DB:              v.GetString("POSTGRES_DB"),
			SSLMode:         v.GetString("POSTGRES_SSLMODE"),
			MaxConns:        v.GetInt32("POSTGRES_MAX_CONNS"),
			BootstrapSchema: v.GetBool("POSTGRES_BOOTSTRAP_SCHEMA"),
		},
		Redis: RedisConfig{
			Host:       v.GetString("REDIS_HOST"),
			Port:       v.GetInt("REDIS_PORT"),
			DB:         v.GetInt("REDIS_DB"),
			Password:   v.GetString("REDIS_PASSWORD"),
			DefaultTTL: time.Duration(v.GetInt("CACHE_EXPIRE_IN_SECONDS")) * time.Second,
			OpTimeout:  v.GetDuration("REDIS_OP_TIMEOUT"),
		},
		Bus: BusConfig{
			Brokers:           splitCSV(v.GetString("KAFKA_BROKERS")),
			User:              v.GetString("BUS_USER"),
			Password:          v.GetString("BUS_PASSWORD"),
			Topic:             v.GetString("EVENTS_TOPIC"),
			Partitions:        v.GetInt("EVENTS_TOPIC_PARTITIONS"),
			ReplicationFactor: v.GetInt("EVENTS_TOPIC_REPLICATION"),
			GroupPrefix:       v.GetString("BUS_GROUP_PREFIX"),
			PublishTimeout:    v.GetDuration("BUS_PUBLISH_TIMEOUT"),
		},
		Catalog: CatalogConfig{
			DefaultPageLimit: v.GetInt("CATALOG_DEFAULT_PAGE_LIMIT"),
			MaxPageLimit:     v.GetInt("CATALOG_MAX_PAGE_LIMIT"),
		},
		Log: LogConfig{
			Level:  v.GetString("LOG_LEVEL"),
			Format: v.GetString("LOG_FORMAT"),
		},
		ListenerEnabled: v.GetBool("INVALIDATION_LISTENER_ENABLED"),
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "console"
		if cfg.Env == "production" {
			cfg.Log.Format = "json"
		}
	}
	if cfg.Postgres.DSN == "" {
		cfg.Postgres.DSN = cfg.Postgres.BuildDSN()
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("SERVICE_NAME", "product-service")
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("HTTP_REQUEST_TIMEOUT", "15s")

	v.SetDefault("POSTGRES_SERVER", "localhost")
	v.SetDefault("POSTGRES_PORT", 5432)
	v.SetDefault("POSTGRES_USER", "postgres")
	v.SetDefault("POSTGRES_PASSWORD", "postgres")
	v.SetDefault("POSTGRES_DB", "product_service")
	v.SetDefault("POSTGRES_SSLMODE", "disable")
	v.SetDefault("POSTGRES_MAX_CONNS", 8)
	v.SetDefault("POSTGRES_BOOTSTRAP_SCHEMA", true)

	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("CACHE_EXPIRE_IN_SECONDS", 3600)
	v.SetDefault("REDIS_OP_TIMEOUT", "2s")

	v.SetDefault("KAFKA_BROKERS", "localhost:9092")
	v.SetDefault("EVENTS_TOPIC", "catalog.events")
	v.SetDefault("EVENTS_TOPIC_PARTITIONS", 3)
	v.SetDefault("EVENTS_TOPIC_REPLICATION", 1)
	v.SetDefault("BUS_GROUP_PREFIX", "product-service-invalidator")
	v.SetDefault("BUS_PUBLISH_TIMEOUT", "5s")

	v.SetDefault("CATALOG_DEFAULT_PAGE_LIMIT", 100)
	v.SetDefault("CATALOG_MAX_PAGE_LIMIT", 100)

	v.SetDefault("INVALIDATION_LISTENER_ENABLED", true)
	v.SetDefault("LOG_LEVEL", "info")
}

func (c Config) Validate() error {
	var errs []error
	if c.HTTP.Addr == "" {
		errs = append(errs, errors.New("HTTP_ADDR must not be empty"))
	}
	if c.Redis.DefaultTTL <= 0 {
		errs = append(errs, errors.New("CACHE_EXPIRE_IN_SECONDS must be positive"))
	}
	if c.Redis.OpTimeout <= 0 {
		errs = append(errs, errors.New("REDIS_OP_TIMEOUT must be positive"))
	}
	if len(c.Bus.Brokers) == 0 {
		errs = append(errs, errors.New("KAFKA_BROKERS must list at least one broker"))
	}
	if c.Bus.Topic == "" {
		errs = append(errs, errors.New("EVENTS_TOPIC must not be empty"))
	}
	if c.Bus.PublishTimeout <= 0 {
		errs = append(errs, errors.New("BUS_PUBLISH_TIMEOUT must be positive"))
	}
	if c.Catalog.MaxPageLimit <= 0 {
		errs = append(errs, errors.New("CATALOG_MAX_PAGE_LIMIT must be positive"))
	}
	if c.Catalog.DefaultPageLimit <= 0 || c.Catalog.DefaultPageLimit > c.Catalog.MaxPageLimit {
		errs = append(errs, fmt.Errorf("CATALOG_DEFAULT_PAGE_LIMIT must be in [1, %d]", c.Catalog.MaxPageLimit))
	}
	return errors.Join(errs...)
}

func (p PostgresConfig) BuildDSN() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(p.User, p.Password),
		Host:     net.JoinHostPort(p.Host, strconv.Itoa(p.Port)),
		Path:     "/" + p.DB,
		RawQuery: "sslmode=" + url.QueryEscape(p.SSLMode),
	}
	return u.String()
}

func (r RedisConfig) Addr() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
