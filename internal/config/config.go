package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/edvin/dbsync/internal/model"
)

const (
	MeteringSourcePgStat     = "pg_stat_statements"
	MeteringSourcePrometheus = "prometheus"
)

type Config struct {
	ServiceName string `env:"SERVICE_NAME"`
	LogLevel    string `env:"LOG_LEVEL"`
	Addr        string `env:"ADDR" validate:"required"`
	Kubeconfig  string `env:"KUBECONFIG"`

	// DBURLs lists one admin URL per physical replica. Every network fans out
	// over all of them, using the database named in DBNames.
	DBURLs               []string          `env:"DB_URLS" validate:"required,min=1,dive,required"`
	DBNames              map[string]string `env:"DB_NAMES" validate:"required,min=1,dive,keys,required,endkeys,required"`
	DBMaxConnections     int32             `env:"DB_MAX_CONNECTIONS" validate:"min=1"`
	DBStatementTimeoutMS int               `env:"DB_STATEMENT_TIMEOUT_MS" validate:"min=0"`
	DBSchema             string            `env:"DB_SCHEMA" validate:"required"`
	DBAdminRole          string            `env:"DB_ADMIN_ROLE" validate:"required"`

	DCUPerSecond        map[string]float64 `env:"DCU_PER_SECOND" validate:"required,min=1,dive,gte=0"`
	MetricsDelay        time.Duration      `env:"METRICS_DELAY" validate:"required,gt=0"`
	MeteringSource      string             `env:"METERING_SOURCE" validate:"oneof=pg_stat_statements prometheus"`
	MeteringConcurrency int                `env:"METERING_CONCURRENCY" validate:"min=1"`
	MeteringTimeout     time.Duration      `env:"METERING_TIMEOUT" validate:"required,gt=0"`

	PrometheusURL     string `env:"PROMETHEUS_URL" validate:"required_if=MeteringSource prometheus"`
	PrometheusQuery   string `env:"PROMETHEUS_QUERY"`
	PrometheusTLSCA   string `env:"PROMETHEUS_TLS_CA"`
	PrometheusTLSCert string `env:"PROMETHEUS_TLS_CERT"`
	PrometheusTLSKey  string `env:"PROMETHEUS_TLS_KEY"`

	CleanupMode      string `env:"CLEANUP_MODE" validate:"oneof=drop disable"`
	ReconcileWorkers int    `env:"RECONCILE_WORKERS" validate:"min=1"`
}

// Load reads the configuration from the environment. Malformed values are
// reported here; missing required values are reported by Validate.
func Load() (*Config, error) {
	cfg := &Config{
		ServiceName:       getEnv("SERVICE_NAME", "dbsync-operator"),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		Addr:              getEnv("ADDR", "0.0.0.0:8080"),
		Kubeconfig:        getEnv("KUBECONFIG", ""),
		DBSchema:          getEnv("DB_SCHEMA", "public"),
		DBAdminRole:       getEnv("DB_ADMIN_ROLE", "postgres"),
		MeteringSource:    getEnv("METERING_SOURCE", MeteringSourcePgStat),
		PrometheusURL:     getEnv("PROMETHEUS_URL", ""),
		PrometheusQuery:   getEnv("PROMETHEUS_QUERY", ""),
		PrometheusTLSCA:   getEnv("PROMETHEUS_TLS_CA", ""),
		PrometheusTLSCert: getEnv("PROMETHEUS_TLS_CERT", ""),
		PrometheusTLSKey:  getEnv("PROMETHEUS_TLS_KEY", ""),
		CleanupMode:       getEnv("CLEANUP_MODE", model.CleanupDrop),
	}

	var errs []error

	cfg.DBURLs = splitList(getEnv("DB_URLS", ""))

	names, err := parsePairs("DB_NAMES", getEnv("DB_NAMES", ""))
	errs = append(errs, err)
	cfg.DBNames = names

	rates, err := parseRates(getEnv("DCU_PER_SECOND", ""))
	errs = append(errs, err)
	cfg.DCUPerSecond = rates

	maxConns, err := getInt("DB_MAX_CONNECTIONS", 2)
	errs = append(errs, err)
	cfg.DBMaxConnections = int32(maxConns)

	cfg.DBStatementTimeoutMS, err = getInt("DB_STATEMENT_TIMEOUT_MS", 12000)
	errs = append(errs, err)

	delay, err := getInt("METRICS_DELAY", 0)
	errs = append(errs, err)
	cfg.MetricsDelay = time.Duration(delay) * time.Second

	cfg.MeteringConcurrency, err = getInt("METERING_CONCURRENCY", 4)
	errs = append(errs, err)

	timeout, err := getInt("METERING_TIMEOUT", 10)
	errs = append(errs, err)
	cfg.MeteringTimeout = time.Duration(timeout) * time.Second

	cfg.ReconcileWorkers, err = getInt("RECONCILE_WORKERS", 4)
	errs = append(errs, err)

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// Report failures by environment variable name.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		if name := f.Tag.Get("env"); name != "" {
			return name
		}
		return f.Name
	})
	return v
}

// Validate checks that every required setting is present and consistent.
func (c *Config) Validate() error {
	var problems []string

	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("validate config: %w", err)
		}
		for _, fe := range verrs {
			problems = append(problems, describe(fe))
		}
	}

	if c.PrometheusURL != "" {
		if _, err := url.ParseRequestURI(c.PrometheusURL); err != nil {
			problems = append(problems, "PROMETHEUS_URL must be a URL")
		}
	}

	if (c.PrometheusTLSCert == "") != (c.PrometheusTLSKey == "") {
		problems = append(problems, "PROMETHEUS_TLS_CERT and PROMETHEUS_TLS_KEY must both be set")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Networks returns the configured network identifiers in stable order.
func (c *Config) Networks() []string {
	networks := make([]string, 0, len(c.DBNames))
	for n := range c.DBNames {
		networks = append(networks, n)
	}
	sort.Strings(networks)
	return networks
}

// UnratedNetworks returns networks with databases but no consumption rate.
// Metering skips those networks on every tick.
func (c *Config) UnratedNetworks() []string {
	var missing []string
	for _, n := range c.Networks() {
		if _, ok := c.DCUPerSecond[n]; !ok {
			missing = append(missing, n)
		}
	}
	return missing
}

func describe(fe validator.FieldError) string {
	// Namespace is "Config.<ENV>[key]"; drop the struct prefix.
	field := fe.Namespace()
	if i := strings.Index(field, "."); i >= 0 {
		field = field[i+1:]
	}
	switch fe.Tag() {
	case "required", "required_if":
		return field + " is required"
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", field, fe.Param())
	case "min", "gte":
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", field, fe.Param())
	default:
		return fmt.Sprintf("%s failed %s", field, fe.Tag())
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("%s must be a number: %w", key, err)
	}
	return n, nil
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// parsePairs parses "k1=v1,k2=v2".
func parsePairs(key, v string) (map[string]string, error) {
	out := make(map[string]string)
	for _, pair := range splitList(v) {
		k, val, ok := strings.Cut(pair, "=")
		k, val = strings.TrimSpace(k), strings.TrimSpace(val)
		if !ok || k == "" || val == "" {
			return nil, fmt.Errorf("%s must be NETWORK=VALUE pairs, got %q", key, pair)
		}
		out[k] = val
	}
	return out, nil
}

func parseRates(v string) (map[string]float64, error) {
	pairs, err := parsePairs("DCU_PER_SECOND", v)
	if err != nil {
		return nil, err
	}
	out := make(map[string]float64, len(pairs))
	for network, raw := range pairs {
		rate, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("DCU_PER_SECOND must be NETWORK=NUMBER, got %s=%s", network, raw)
		}
		out[network] = rate
	}
	return out, nil
}
