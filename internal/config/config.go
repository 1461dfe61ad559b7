package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/punchamoorthee/exactlyonce/internal/idgen"
	"github.com/punchamoorthee/exactlyonce/internal/lock"
	"github.com/punchamoorthee/exactlyonce/internal/retry"
)

type Config struct {
	DBSource string
	Port     string
	Env      string
	LogLevel string
	RedisURL string

	Lock    lock.Config
	IDGen   idgen.Config
	CAS     CASConfig
	Webhook WebhookConfig
}

// CASConfig bounds the optimistic update retry loop.
type CASConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func (c CASConfig) Policy() retry.Policy {
	return retry.Jittered(c.MaxAttempts, c.BaseDelay, c.MaxDelay)
}

type WebhookConfig struct {
	InFlightWait time.Duration
	InFlightPoll time.Duration
	CacheTTL     time.Duration
}

// Load reads the environment, after merging a .env file from the working
// directory when one exists.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	var errs []string
	dur := func(key, def string) time.Duration {
		d, err := getEnvDuration(key, def)
		if err != nil {
			errs = append(errs, err.Error())
		}
		return d
	}
	num := func(key string, def int) int {
		n, err := getEnvInt(key, def)
		if err != nil {
			errs = append(errs, err.Error())
		}
		return n
	}
	flag := func(key string, def bool) bool {
		b, err := getEnvBool(key, def)
		if err != nil {
			errs = append(errs, err.Error())
		}
		return b
	}

	ns, err := strconv.ParseInt(getEnv("LOCK_NAMESPACE", "0"), 0, 32)
	if err != nil {
		errs = append(errs, fmt.Sprintf("LOCK_NAMESPACE: %v", err))
	}
	strategy, err := idgen.ParseStrategy(os.Getenv("IDGEN_STRATEGY"))
	if err != nil {
		errs = append(errs, fmt.Sprintf("IDGEN_STRATEGY: %v", err))
	}

	cfg := &Config{
		DBSource: os.Getenv("DB_SOURCE"),
		Port:     getEnv("SERVER_PORT", "8080"),
		Env:      getEnv("ENVIRONMENT", "development"),
		LogLevel: strings.ToLower(getEnv("LOG_LEVEL", "info")),
		RedisURL: os.Getenv("REDIS_URL"),
		Lock: lock.Config{
			Namespace:        int32(ns),
			StandardTimeout:  dur("LOCK_TIMEOUT", "30s"),
			FinancialTimeout: dur("LOCK_FINANCIAL_TIMEOUT", "60s"),
		},
		IDGen: idgen.Config{
			Strategy:   strategy,
			MaxRetries: num("IDGEN_MAX_RETRIES", 5),
			RetryDelay: dur("IDGEN_RETRY_DELAY", "75ms"),
			Checksum:   flag("IDGEN_CHECKSUM", false),
			MaxLength:  num("IDGEN_MAX_LENGTH", 32),
			MachineID:  int64(num("IDGEN_MACHINE_ID", 1)),
		},
		CAS: CASConfig{
			MaxAttempts: num("CAS_MAX_ATTEMPTS", 4),
			BaseDelay:   dur("CAS_BASE_DELAY", "20ms"),
			MaxDelay:    dur("CAS_MAX_DELAY", "250ms"),
		},
		Webhook: WebhookConfig{
			InFlightWait: dur("WEBHOOK_INFLIGHT_WAIT", "5s"),
			InFlightPoll: dur("WEBHOOK_INFLIGHT_POLL", "100ms"),
			CacheTTL:     dur("WEBHOOK_CACHE_TTL", "24h"),
		},
	}
	if len(errs) > 0 {
		return nil, errors.New(strings.Join(errs, "; "))
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []string
	if c.DBSource == "" {
		errs = append(errs, "DB_SOURCE environment variable is required")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "LOG_LEVEL must be one of debug, info, warn, error")
	}
	if c.Lock.StandardTimeout <= 0 || c.Lock.FinancialTimeout <= 0 {
		errs = append(errs, "LOCK_TIMEOUT and LOCK_FINANCIAL_TIMEOUT must be > 0")
	}
	if c.IDGen.MaxRetries <= 0 {
		errs = append(errs, "IDGEN_MAX_RETRIES must be > 0")
	}
	if c.IDGen.MaxLength < 0 {
		errs = append(errs, "IDGEN_MAX_LENGTH must be >= 0")
	}
	if c.IDGen.MachineID < 0 || c.IDGen.MachineID > 1023 {
		errs = append(errs, "IDGEN_MACHINE_ID must be between 0 and 1023")
	}
	if c.CAS.MaxAttempts <= 0 {
		errs = append(errs, "CAS_MAX_ATTEMPTS must be > 0")
	}
	if c.CAS.MaxDelay < c.CAS.BaseDelay {
		errs = append(errs, "CAS_MAX_DELAY must be >= CAS_BASE_DELAY")
	}
	if c.Webhook.InFlightPoll <= 0 || c.Webhook.InFlightWait < c.Webhook.InFlightPoll {
		errs = append(errs, "WEBHOOK_INFLIGHT_POLL must be > 0 and no longer than WEBHOOK_INFLIGHT_WAIT")
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func getEnvBool(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def, fmt.Errorf("parse %s: %w", key, err)
	}
	return b, nil
}

func getEnvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("parse %s: %w", key, err)
	}
	return n, nil
}

func getEnvDuration(key, def string) (time.Duration, error) {
	d, err := time.ParseDuration(getEnv(key, def))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return d, nil
}
