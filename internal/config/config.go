package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Port             string `envconfig:"PORT" default:"1912" validate:"required,numeric"`
	LogLevel         string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`
	BootstrapServers string `envconfig:"KAFKA_BOOTSTRAP_SERVERS" required:"true" validate:"required"`
	GroupID          string `envconfig:"KAFKA_GROUP_ID" default:"zamza" validate:"required"`
	SASLUsername     string `envconfig:"KAFKA_SASL_USERNAME"`
	SASLPassword     string `envconfig:"KAFKA_SASL_PASSWORD"`
	CALocation       string `envconfig:"KAFKA_CA_LOCATION"`

	// Partitions and replication of the retry and replay topics created at startup.
	InternalTopicPartitions  int `envconfig:"KAFKA_INTERNAL_TOPIC_PARTITIONS" default:"6" validate:"min=1"`
	InternalTopicReplication int `envconfig:"KAFKA_INTERNAL_TOPIC_REPLICATION" default:"1" validate:"min=1"`

	PostgresDSN string `envconfig:"POSTGRES_DSN"`
	SeedFile    string `envconfig:"SEED_FILE"`

	// MarshallForInvalidCharacters rewrites '.' and '$' in stored JSON keys.
	MarshallForInvalidCharacters bool `envconfig:"MARSHALL_FOR_INVALID_CHARACTERS" default:"true"`

	Hooks     HooksConfig     `envconfig:"HOOKS"`
	Jobs      JobsConfig      `envconfig:"JOBS"`
	Discovery DiscoveryConfig `envconfig:"DISCOVERY"`
}

type HooksConfig struct {
	Enabled                 bool `envconfig:"ENABLED" default:"false"`
	Only                    bool `envconfig:"ONLY" default:"false"`
	TimeoutMs               int  `envconfig:"TIMEOUT_MS" default:"2500" validate:"min=50,max=45000"`
	Retries                 int  `envconfig:"RETRIES" default:"3" validate:"min=0,max=25"`
	RetryTimeoutMs          int  `envconfig:"RETRY_TIMEOUT_MS" default:"1500" validate:"min=0,max=15000"`
	SubscriptionConcurrency int  `envconfig:"SUBSCRIPTION_CONCURRENCY" default:"5" validate:"min=1,max=150"`
	ReplayConcurrency       int  `envconfig:"REPLAY_CONCURRENCY" default:"10" validate:"min=1,max=150"`
	SkipValidation          bool `envconfig:"SKIP_VALIDATION" default:"false"`
}

func (h HooksConfig) Timeout() time.Duration {
	return time.Duration(h.TimeoutMs) * time.Millisecond
}

func (h HooksConfig) RetryTimeout() time.Duration {
	return time.Duration(h.RetryTimeoutMs) * time.Millisecond
}

type JobsConfig struct {
	CleanUpDeleteMs      int `envconfig:"CLEANUP_DELETE_MS" default:"60000" validate:"min=1000"`
	TopicConfigPollingMs int `envconfig:"TOPIC_CONFIG_POLLING_MS" default:"15000" validate:"min=500"`
	MetadataMs           int `envconfig:"METADATA_MS" default:"744000" validate:"min=1000"`
}

type DiscoveryConfig struct {
	ScanMs int `envconfig:"SCAN_MS" default:"15000" validate:"min=1000"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ValidationError collects every rejected field so they can be fixed at once.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	if len(e.Errors) == 1 {
		return "configuration validation failed: " + e.Errors[0]
	}
	var b strings.Builder
	b.WriteString("configuration validation failed:")
	for i, err := range e.Errors {
		fmt.Fprintf(&b, "\n  %d. %s", i+1, err)
	}
	return b.String()
}

var validate = validator.New()

// Validate checks bounds. Hook bounds are skipped when Hooks.SkipValidation is set.
func (c *Config) Validate() error {
	var err error
	if c.Hooks.SkipValidation {
		err = validate.StructExcept(c, "Hooks")
	} else {
		err = validate.Struct(c)
	}

	verr := &ValidationError{}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) {
		for _, fe := range fieldErrs {
			verr.Errors = append(verr.Errors, fmt.Sprintf("%s failed %s=%s (got %v)",
				fe.Namespace(), fe.Tag(), fe.Param(), fe.Value()))
		}
	} else if err != nil {
		return err
	}
	if c.Hooks.Only && !c.Hooks.Enabled {
		verr.Errors = append(verr.Errors, "HOOKS_ONLY requires HOOKS_ENABLED")
	}
	if len(verr.Errors) > 0 {
		return verr
	}
	return nil
}

func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
