package config

import (
	"strings"
	"time"
)

// RetryPolicy selects which configuration values a retry uses.
type RetryPolicy string

const (
	// RetryPolicyLive re-reads the configuration on every retry.
	RetryPolicyLive RetryPolicy = "live"
	// RetryPolicySnapshot reuses the values captured at the first attempt.
	RetryPolicySnapshot RetryPolicy = "snapshot"
)

const (
	DefaultTimeout          = 30 * time.Second
	DefaultRetryDelay       = 300 * time.Second
	DefaultMaxRetryAttempts = 3
	DefaultRetentionDays    = 30
	DefaultSweepBatch       = 10
	DefaultSweepInterval    = "@hourly"
	DefaultRetentionSpec    = "@daily"
)

// Settings are the global pipeline settings. They are built once at start-up
// and handed to the components that need them.
type Settings struct {
	Enabled          bool
	Timeout          time.Duration
	RetryDelay       time.Duration
	MaxRetryAttempts int
	LogRetentionDays int
	SweepBatch       int
	SweepInterval    string // cron spec
	RetentionSpec    string // cron spec
	RetryPolicy      RetryPolicy
	SiteURL          string
	SiteName         string
	Location         *time.Location
}

// DefaultSettings returns the settings used when nothing is configured.
func DefaultSettings() Settings {
	return Settings{
		Enabled:          true,
		Timeout:          DefaultTimeout,
		RetryDelay:       DefaultRetryDelay,
		MaxRetryAttempts: DefaultMaxRetryAttempts,
		LogRetentionDays: DefaultRetentionDays,
		SweepBatch:       DefaultSweepBatch,
		SweepInterval:    DefaultSweepInterval,
		RetentionSpec:    DefaultRetentionSpec,
		RetryPolicy:      RetryPolicyLive,
		SiteURL:          "http://localhost",
		SiteName:         "Harbor Relay",
		Location:         time.UTC,
	}
}

func SettingsFromEnv() Settings {
	s := Settings{
		Enabled:          getenvBool("RELAY_ENABLED", true),
		Timeout:          getenvDuration("REQUEST_TIMEOUT", DefaultTimeout),
		RetryDelay:       getenvDuration("RETRY_DELAY", DefaultRetryDelay),
		MaxRetryAttempts: getenvInt("MAX_RETRY_ATTEMPTS", DefaultMaxRetryAttempts),
		LogRetentionDays: getenvInt("LOG_RETENTION_DAYS", DefaultRetentionDays),
		SweepBatch:       getenvInt("SWEEP_BATCH", DefaultSweepBatch),
		SweepInterval:    getenv("SWEEP_INTERVAL", DefaultSweepInterval),
		RetentionSpec:    getenv("RETENTION_SCHEDULE", DefaultRetentionSpec),
		RetryPolicy:      RetryPolicy(strings.ToLower(getenv("RETRY_POLICY", string(RetryPolicyLive)))),
		SiteURL:          getenv("SITE_URL", "http://localhost"),
		SiteName:         getenv("SITE_NAME", "Harbor Relay"),
	}
	if loc, err := time.LoadLocation(getenv("SITE_TIMEZONE", "UTC")); err == nil {
		s.Location = loc
	}
	return s.Normalize()
}

// Normalize clamps every setting into its supported range.
func (s Settings) Normalize() Settings {
	s.Timeout = clampDuration(s.Timeout, 5*time.Second, 300*time.Second, DefaultTimeout)
	s.RetryDelay = clampDuration(s.RetryDelay, 60*time.Second, 3600*time.Second, DefaultRetryDelay)
	s.MaxRetryAttempts = clampInt(s.MaxRetryAttempts, 0, 10)
	s.LogRetentionDays = clampInt(s.LogRetentionDays, 1, 365)
	if s.SweepBatch <= 0 {
		s.SweepBatch = DefaultSweepBatch
	}
	if s.SweepInterval == "" {
		s.SweepInterval = DefaultSweepInterval
	}
	if s.RetentionSpec == "" {
		s.RetentionSpec = DefaultRetentionSpec
	}
	if s.RetryPolicy != RetryPolicySnapshot {
		s.RetryPolicy = RetryPolicyLive
	}
	s.SiteURL = strings.TrimRight(s.SiteURL, "/")
	if s.Location == nil {
		s.Location = time.UTC
	}
	return s
}

// ClaimLease is how long an in-flight attempt may hold its claim before the
// sweep treats the holder as dead.
func (s Settings) ClaimLease() time.Duration {
	return s.Timeout + time.Minute
}

// SweepBudget bounds one sweep run: a full batch of sends at the request
// timeout each, plus one lease for releasing stale claims.
func (s Settings) SweepBudget() time.Duration {
	batch := s.SweepBatch
	if batch <= 0 {
		batch = DefaultSweepBatch
	}
	return time.Duration(batch)*s.Timeout + s.ClaimLease()
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampDuration(v, lo, hi, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
