// Package config loads service settings from defaults, an optional YAML file
// and the environment, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Store backends.
const (
	BackendMemory    = "memory"
	BackendFirestore = "firestore"
	BackendPostgres  = "postgres"
)

var ErrMissingDSN = errors.New("missing DATABASE_URL or DB_HOST")

type Config struct {
	Port       int    `mapstructure:"port"`
	LogLevel   string `mapstructure:"log_level"`
	LogFormat  string `mapstructure:"log_format"`
	ServiceEnv string `mapstructure:"service_env"`

	StoreBackend string `mapstructure:"store_backend"`

	DatabaseURL string `mapstructure:"database_url"`
	DBHost      string `mapstructure:"db_host"`
	DBPort      string `mapstructure:"db_port"`
	DBUser      string `mapstructure:"db_user"`
	DBPassword  string `mapstructure:"db_password"`
	DBName      string `mapstructure:"db_name"`
	DBSSLMode   string `mapstructure:"db_sslmode"`

	FirebaseProjectID   string `mapstructure:"firebase_project_id"`
	FirebaseClientEmail string `mapstructure:"firebase_client_email"`
	FirebasePrivateKey  string `mapstructure:"firebase_private_key"`

	ReferenceTimezone string `mapstructure:"reference_timezone"`

	CieloMerchantID    string        `mapstructure:"cielo_merchant_id"`
	CieloBase          string        `mapstructure:"cielo_base"`
	GatewayTimeout     time.Duration `mapstructure:"gateway_timeout"`
	GatewayMaxInflight int           `mapstructure:"gateway_max_inflight"`
	AllowedOrigin      string        `mapstructure:"allowed_origin"`

	QZPrivateKeyB64  string `mapstructure:"qz_private_key_b64"`
	QZPrivateKey     string `mapstructure:"qz_private_key"`
	QZPrivateKeyFile string `mapstructure:"qz_private_key_file"`
	QZCertFile       string `mapstructure:"qz_cert_file"`

	RateLimitRPS   float64 `mapstructure:"rate_limit_rps"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`
	RedisAddr      string  `mapstructure:"redis_addr"`
	RedisPassword  string  `mapstructure:"redis_password"`
	RedisDB        int     `mapstructure:"redis_db"`

	OTelEndpoint string `mapstructure:"otel_exporter_otlp_endpoint"`
	OTelInsecure bool   `mapstructure:"otel_insecure"`
}

var defaults = map[string]any{
	"port":        8080,
	"log_level":   "info",
	"log_format":  "json",
	"service_env": "development",

	"store_backend": BackendMemory,

	"database_url": "",
	"db_host":      "",
	"db_port":      "5432",
	"db_user":      "postgres",
	"db_password":  "postgres",
	"db_name":      "checkout_relay",
	"db_sslmode":   "disable",

	"firebase_project_id":   "",
	"firebase_client_email": "",
	"firebase_private_key":  "",

	"reference_timezone": "America/Sao_Paulo",

	"cielo_merchant_id":    "",
	"cielo_base":           "https://cieloecommerce.cielo.com.br",
	"gateway_timeout":      "20s",
	"gateway_max_inflight": 16,
	"allowed_origin":       "*",

	"qz_private_key_b64":  "",
	"qz_private_key":      "",
	"qz_private_key_file": "certs/qz-private.pem",
	"qz_cert_file":        "certs/qz-public.crt",

	"rate_limit_rps":   5.0,
	"rate_limit_burst": 10,
	"redis_addr":       "",
	"redis_password":   "",
	"redis_db":         0,

	"otel_exporter_otlp_endpoint": "",
	"otel_insecure":               false,
}

// Load reads the configuration. file may be empty, in which case CONFIG_FILE
// is consulted; with neither set only defaults and the environment apply.
func Load(file string) (Config, error) {
	v := viper.New()
	for k, d := range defaults {
		v.SetDefault(k, d)
	}
	v.AutomaticEnv()

	if file == "" {
		file = os.Getenv("CONFIG_FILE")
	}
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode: %w", err)
	}
	cfg.StoreBackend = strings.ToLower(strings.TrimSpace(cfg.StoreBackend))
	return cfg, nil
}

// Validate rejects settings the service cannot start with.
func (c Config) Validate() error {
	var errs []error

	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid PORT %d", c.Port))
	}
	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, err)
	}

	switch c.StoreBackend {
	case BackendMemory:
	case BackendPostgres:
		if _, err := c.DSN(); err != nil {
			errs = append(errs, err)
		}
	case BackendFirestore:
		if c.FirebaseProjectID == "" {
			errs = append(errs, errors.New("missing FIREBASE_PROJECT_ID"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend))
	}

	if c.RateLimitRPS < 0 {
		errs = append(errs, fmt.Errorf("invalid RATE_LIMIT_RPS %v", c.RateLimitRPS))
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// Addr is the listen address.
func (c Config) Addr() string { return fmt.Sprintf(":%d", c.Port) }

// Location loads the reference timezone used for order day keys.
func (c Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.ReferenceTimezone)
	if err != nil {
		return nil, fmt.Errorf("invalid REFERENCE_TIMEZONE %q: %w", c.ReferenceTimezone, err)
	}
	return loc, nil
}

// DSN returns DATABASE_URL, or a URL assembled from the DB_* settings.
func (c Config) DSN() (string, error) {
	if dsn := strings.TrimSpace(c.DatabaseURL); dsn != "" {
		return dsn, nil
	}
	if c.DBHost == "" {
		return "", ErrMissingDSN
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.DBUser, c.DBPassword),
		Host:     c.DBHost + ":" + c.DBPort,
		Path:     "/" + c.DBName,
		RawQuery: "sslmode=" + url.QueryEscape(c.DBSSLMode),
	}
	return u.String(), nil
}

func (c Config) Level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("invalid LOG_LEVEL %q", c.LogLevel)
	}
	return l, nil
}
