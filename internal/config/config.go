package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix           = "COVERAGECHECK"
	defaultHTTPAddress  = "0.0.0.0:8080"
	defaultDatabasePath = "coveragecheck.db"
	defaultLogLevel     = "info"

	defaultChallengeTimeoutSeconds = 5
	defaultChallengeMinScore       = 0.5
	defaultChallengeFailureMode    = "open"

	defaultSubmitPerHour   = 10
	defaultVotePerHour     = 30
	defaultFallbackPerHour = 3

	defaultDedupWindowDays    = 30
	defaultSubmissionTTLDays  = 180
	defaultSweepIntervalMin   = 15
	defaultSweepBatchSize     = 200
	defaultSweepBatchesPerSec = 2.0
)

// ChallengeFailureMode selects gate behavior when the adjudication service is
// unreachable.
type ChallengeFailureMode string

const (
	// FailureModeOpen allows the request but applies the fallback rate limit.
	FailureModeOpen ChallengeFailureMode = "open"
	// FailureModeClosed rejects the request while the service is unavailable.
	FailureModeClosed ChallengeFailureMode = "closed"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress  string
	DatabasePath string
	LogLevel     string

	ChallengeEndpoint    string
	ChallengeSecret      string
	ChallengeMinScore    float64
	ChallengeTimeout     time.Duration
	ChallengeFailureMode ChallengeFailureMode
	ChallengeDisabled    bool

	SubmitPerHour   int
	VotePerHour     int
	FallbackPerHour int

	DedupWindow        time.Duration
	SubmissionTTL      time.Duration
	SweepInterval      time.Duration
	SweepBatchSize     int
	SweepBatchesPerSec float64
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)

	configViper.SetDefault("challenge.endpoint", "")
	configViper.SetDefault("challenge.secret", "")
	configViper.SetDefault("challenge.min_score", defaultChallengeMinScore)
	configViper.SetDefault("challenge.timeout_seconds", defaultChallengeTimeoutSeconds)
	configViper.SetDefault("challenge.failure_mode", defaultChallengeFailureMode)
	configViper.SetDefault("challenge.disabled", false)

	configViper.SetDefault("ratelimit.submit_per_hour", defaultSubmitPerHour)
	configViper.SetDefault("ratelimit.vote_per_hour", defaultVotePerHour)
	configViper.SetDefault("ratelimit.fallback_per_hour", defaultFallbackPerHour)

	configViper.SetDefault("dedup.window_days", defaultDedupWindowDays)
	configViper.SetDefault("ttl.submission_days", defaultSubmissionTTLDays)
	configViper.SetDefault("sweeper.interval_minutes", defaultSweepIntervalMin)
	configViper.SetDefault("sweeper.batch_size", defaultSweepBatchSize)
	configViper.SetDefault("sweeper.batches_per_second", defaultSweepBatchesPerSec)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:  configViper.GetString("http.address"),
		DatabasePath: configViper.GetString("database.path"),
		LogLevel:     configViper.GetString("log.level"),

		ChallengeEndpoint:    configViper.GetString("challenge.endpoint"),
		ChallengeSecret:      configViper.GetString("challenge.secret"),
		ChallengeMinScore:    configViper.GetFloat64("challenge.min_score"),
		ChallengeTimeout:     time.Duration(configViper.GetInt("challenge.timeout_seconds")) * time.Second,
		ChallengeFailureMode: ChallengeFailureMode(strings.ToLower(strings.TrimSpace(configViper.GetString("challenge.failure_mode")))),
		ChallengeDisabled:    configViper.GetBool("challenge.disabled"),

		SubmitPerHour:   configViper.GetInt("ratelimit.submit_per_hour"),
		VotePerHour:     configViper.GetInt("ratelimit.vote_per_hour"),
		FallbackPerHour: configViper.GetInt("ratelimit.fallback_per_hour"),

		DedupWindow:        time.Duration(configViper.GetInt("dedup.window_days")) * 24 * time.Hour,
		SubmissionTTL:      time.Duration(configViper.GetInt("ttl.submission_days")) * 24 * time.Hour,
		SweepInterval:      time.Duration(configViper.GetInt("sweeper.interval_minutes")) * time.Minute,
		SweepBatchSize:     configViper.GetInt("sweeper.batch_size"),
		SweepBatchesPerSec: configViper.GetFloat64("sweeper.batches_per_second"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	switch c.ChallengeFailureMode {
	case FailureModeOpen, FailureModeClosed:
	default:
		return fmt.Errorf("challenge.failure_mode must be %q or %q", FailureModeOpen, FailureModeClosed)
	}
	if c.ChallengeMinScore < 0 || c.ChallengeMinScore > 1 {
		return fmt.Errorf("challenge.min_score must be within [0,1]")
	}
	if c.ChallengeTimeout <= 0 {
		return fmt.Errorf("challenge.timeout_seconds must be positive")
	}
	if c.SubmitPerHour <= 0 || c.VotePerHour <= 0 || c.FallbackPerHour <= 0 {
		return fmt.Errorf("rate limit ceilings must be positive")
	}
	if c.FallbackPerHour > c.SubmitPerHour {
		return fmt.Errorf("ratelimit.fallback_per_hour must not exceed ratelimit.submit_per_hour")
	}
	if c.DedupWindow <= 0 || c.SubmissionTTL <= 0 {
		return fmt.Errorf("dedup.window_days and ttl.submission_days must be positive")
	}
	if c.SweepBatchSize <= 0 {
		return fmt.Errorf("sweeper.batch_size must be positive")
	}
	return nil
}
