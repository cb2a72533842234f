// Package config loads connector settings from defaults, an optional YAML file
// and environment variables (populated from .env by main).
package config

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/cast"
	"github.com/spf13/viper"

	"github.com/BartekS5/possync/pkg/models"
)

// Config holds all settings for one connector process.
type Config struct {
	Source SourceConfig `mapstructure:"source"`
	Sync   SyncConfig   `mapstructure:"sync"`
	Sink   SinkConfig   `mapstructure:"sink"`

	LogLevel string `mapstructure:"log_level" validate:"oneof=debug info warn error"`
	LogFile  string `mapstructure:"log_file"`
}

// SourceConfig describes how to reach the POS API.
type SourceConfig struct {
	APIKey            string        `mapstructure:"api_key"`
	APISecret         string        `mapstructure:"api_secret"`
	AuthURL           string        `mapstructure:"auth_url" validate:"omitempty,url"`
	APIURL            string        `mapstructure:"api_url" validate:"omitempty,url"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout" validate:"gt=0"`
	RateLimit         float64       `mapstructure:"rate_limit" validate:"gt=0"`
	RateBurst         int           `mapstructure:"rate_burst" validate:"gte=1"`
	TokenTTL          time.Duration `mapstructure:"token_ttl" validate:"gt=0"`
	TokenSafetyMargin time.Duration `mapstructure:"token_safety_margin" validate:"gte=0"`
}

// SyncConfig tunes extraction and the protocol operations.
type SyncConfig struct {
	PageSizes        map[string]int `mapstructure:"page_sizes"`
	MaxRetries       int            `mapstructure:"max_retries" validate:"gte=0,lte=10"`
	MaxPages         int            `mapstructure:"max_pages" validate:"gte=1"`
	RetryBaseDelay   time.Duration  `mapstructure:"retry_base_delay" validate:"gte=0"`
	ExecutionBudget  time.Duration  `mapstructure:"execution_budget" validate:"gt=0"`
	Workers          int            `mapstructure:"workers" validate:"gte=1,lte=32"`
	WatermarkOverlap time.Duration  `mapstructure:"watermark_overlap" validate:"gte=0"`
	SampleSize       int            `mapstructure:"sample_size" validate:"gte=1,lte=5"`
	SchemaDir        string         `mapstructure:"schema_dir"`
	CatalogFile      string         `mapstructure:"catalog_file"`
}

// SinkConfig configures the local runner's loader and state store.
type SinkConfig struct {
	Kind            string `mapstructure:"kind" validate:"oneof=none mongo sqlserver snowflake"`
	MongoConnString string `mapstructure:"mongo_connection_string"`
	MongoDatabase   string `mapstructure:"mongo_database"`
	SQLConnString   string `mapstructure:"sql_connection_string"`
	StateFile       string `mapstructure:"state_file"`
}

// Credentials returns the configured source credentials.
func (c *Config) Credentials() models.Credentials {
	return models.Credentials{
		APIKey:  c.Source.APIKey,
		Secret:  c.Source.APISecret,
		AuthURL: c.Source.AuthURL,
		APIURL:  c.Source.APIURL,
	}
}

var envBindings = map[string]string{
	"source.api_key":               "POS_API_KEY",
	"source.api_secret":            "POS_API_SECRET",
	"source.auth_url":              "POS_AUTH_URL",
	"source.api_url":               "POS_API_URL",
	"source.request_timeout":       "POS_REQUEST_TIMEOUT",
	"source.rate_limit":            "POS_RATE_LIMIT",
	"source.rate_burst":            "POS_RATE_BURST",
	"source.token_ttl":             "POS_TOKEN_TTL",
	"source.token_safety_margin":   "POS_TOKEN_SAFETY_MARGIN",
	"sync.max_retries":             "POS_MAX_RETRIES",
	"sync.max_pages":               "POS_MAX_PAGES",
	"sync.retry_base_delay":        "POS_RETRY_BASE_DELAY",
	"sync.execution_budget":        "POS_EXECUTION_BUDGET",
	"sync.workers":                 "POS_WORKERS",
	"sync.watermark_overlap":       "POS_WATERMARK_OVERLAP",
	"sync.sample_size":             "POS_SAMPLE_SIZE",
	"sync.schema_dir":              "POS_SCHEMA_DIR",
	"sync.catalog_file":            "POS_CATALOG_FILE",
	"sink.kind":                    "SINK_KIND",
	"sink.mongo_connection_string": "MONGO_CONNECTION_STRING",
	"sink.mongo_database":          "MONGO_DATABASE",
	"sink.sql_connection_string":   "SQL_CONNECTION_STRING",
	"sink.state_file":              "STATE_FILE",
	"log_level":                    "POS_LOG_LEVEL",
	"log_file":                     "POS_LOG_FILE",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("source.request_timeout", 30*time.Second)
	v.SetDefault("source.rate_limit", 10.0)
	v.SetDefault("source.rate_burst", 5)
	v.SetDefault("source.token_ttl", time.Hour)
	v.SetDefault("source.token_safety_margin", 60*time.Second)
	v.SetDefault("sync.max_retries", 3)
	v.SetDefault("sync.max_pages", 100)
	v.SetDefault("sync.retry_base_delay", time.Second)
	v.SetDefault("sync.execution_budget", 170*time.Second)
	v.SetDefault("sync.workers", 4)
	v.SetDefault("sync.watermark_overlap", time.Duration(0))
	v.SetDefault("sync.sample_size", 5)
	v.SetDefault("sink.kind", "none")
	v.SetDefault("sink.mongo_database", "possync")
	v.SetDefault("sink.state_file", "state.json")
	v.SetDefault("log_level", "info")
}

// Load reads configuration. The file is optional; environment variables win
// over file values, which win over defaults.
func Load(file string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if err := v.BindEnv("page_sizes_env", "POS_PAGE_SIZES"); err != nil {
		return nil, err
	}
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", env, err)
		}
	}

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file '%s': %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}

	// POS_PAGE_SIZES=article=200,sale=500 overrides the file map.
	if raw := strings.TrimSpace(v.GetString("page_sizes_env")); raw != "" {
		sizes, err := ParsePageSizes(raw)
		if err != nil {
			return nil, err
		}
		cfg.Sync.PageSizes = sizes
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ParsePageSizes parses "entity=size" pairs separated by commas.
func ParsePageSizes(raw string) (map[string]int, error) {
	out := make(map[string]int)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, size, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("invalid page size override %q, expected entity=size", pair)
		}
		n, err := cast.ToIntE(strings.TrimSpace(size))
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid page size for %q: %q", name, size)
		}
		out[strings.TrimSpace(name)] = n
	}
	return out, nil
}

// Validate checks struct constraints and reports failures by config key.
func Validate(cfg *Config) error {
	validate := validator.New()
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := fld.Tag.Get("mapstructure")
		if name == "" {
			return fld.Name
		}
		return name
	})

	err := validate.Struct(cfg)
	if err == nil {
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, e := range verrs {
		path := strings.TrimPrefix(e.Namespace(), "Config.")
		msgs = append(msgs, fmt.Sprintf("key=%q value=\"%v\" failed %q validation", path, e.Value(), e.ActualTag()))
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
}
