package config

import (
	"reflect"
	"testing"
	"time"
)

func TestGetenv(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		defaultValue string
		envValue     string
		expected     string
	}{
		{
			name:         "returns environment variable when set",
			key:          "RELAY_TEST_KEY_1",
			defaultValue: "default",
			envValue:     "env_value",
			expected:     "env_value",
		},
		{
			name:         "returns default when environment variable is empty",
			key:          "RELAY_TEST_KEY_2",
			defaultValue: "default",
			envValue:     "",
			expected:     "default",
		},
		{
			name:         "handles empty default value",
			key:          "RELAY_TEST_KEY_3",
			defaultValue: "",
			envValue:     "env_value",
			expected:     "env_value",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				t.Setenv(tt.key, tt.envValue)
			}

			result := getenv(tt.key, tt.defaultValue)
			if result != tt.expected {
				t.Errorf("getenv(%q, %q) = %q, want %q", tt.key, tt.defaultValue, result, tt.expected)
			}
		})
	}
}

func TestGetenvDuration(t *testing.T) {
	tests := []struct {
		name     string
		envValue string
		def      time.Duration
		expected time.Duration
	}{
		{"go duration", "45s", time.Second, 45 * time.Second},
		{"bare seconds", "120", time.Second, 120 * time.Second},
		{"invalid value", "soon", 7 * time.Second, 7 * time.Second},
		{"unset", "", 9 * time.Second, 9 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("RELAY_TEST_DURATION", tt.envValue)
			if got := getenvDuration("RELAY_TEST_DURATION", tt.def); got != tt.expected {
				t.Errorf("getenvDuration() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestGetenvList(t *testing.T) {
	tests := []struct {
		name     string
		envValue string
		expected []string
	}{
		{"unset", "", nil},
		{"single", "internal.example", []string{"internal.example"}},
		{"trims and skips blanks", " a.example , ,b.example ", []string{"a.example", "b.example"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("RELAY_TEST_LIST", tt.envValue)
			if got := getenvList("RELAY_TEST_LIST"); !reflect.DeepEqual(got, tt.expected) {
				t.Errorf("getenvList() = %#v, want %#v", got, tt.expected)
			}
		})
	}
}

func TestParsePorts(t *testing.T) {
	got := parsePorts([]string{"8080", "abc", "0", "70000", "11211"})
	want := []int{8080, 11211}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("parsePorts() = %v, want %v", got, want)
	}
}

func TestFromEnv(t *testing.T) {
	tests := []struct {
		name    string
		envVars map[string]string
		check   func(t *testing.T, c Config)
	}{
		{
			name:    "default values when no env vars set",
			envVars: map[string]string{},
			check: func(t *testing.T, c Config) {
				if c.AppName != "harborrelay" {
					t.Errorf("AppName = %q, want %q", c.AppName, "harborrelay")
				}
				if c.StoreDriver != "postgres" {
					t.Errorf("StoreDriver = %q, want %q", c.StoreDriver, "postgres")
				}
				if c.NSQ.RetryTopic != "delivery_retries" {
					t.Errorf("NSQ.RetryTopic = %q, want %q", c.NSQ.RetryTopic, "delivery_retries")
				}
				if c.Worker.HTTPPort != ":8083" {
					t.Errorf("Worker.HTTPPort = %q, want %q", c.Worker.HTTPPort, ":8083")
				}
				if c.Security.TestCallsPerHour != 100 {
					t.Errorf("Security.TestCallsPerHour = %d, want 100", c.Security.TestCallsPerHour)
				}
				if !c.Settings.Enabled {
					t.Error("Settings.Enabled = false, want true")
				}
			},
		},
		{
			name: "custom values",
			envVars: map[string]string{
				"APP_NAME":                  "relay-test",
				"STORE_DRIVER":              "memory",
				"NSQ_RETRY_TOPIC":           "retries",
				"BLOCKED_HOSTS":             "metadata.internal",
				"BLOCKED_PORTS":             "8500,9200",
				"ALLOWED_SENSITIVE_HEADERS": "Authorization",
				"PUBLISH_FAILURE_TOPIC":     "true",
			},
			check: func(t *testing.T, c Config) {
				if c.AppName != "relay-test" {
					t.Errorf("AppName = %q, want %q", c.AppName, "relay-test")
				}
				if c.StoreDriver != "memory" {
					t.Errorf("StoreDriver = %q, want %q", c.StoreDriver, "memory")
				}
				if c.NSQ.RetryTopic != "retries" {
					t.Errorf("NSQ.RetryTopic = %q, want %q", c.NSQ.RetryTopic, "retries")
				}
				if !reflect.DeepEqual(c.Security.BlockedHosts, []string{"metadata.internal"}) {
					t.Errorf("Security.BlockedHosts = %v", c.Security.BlockedHosts)
				}
				if !reflect.DeepEqual(c.Security.BlockedPorts, []int{8500, 9200}) {
					t.Errorf("Security.BlockedPorts = %v", c.Security.BlockedPorts)
				}
				if !reflect.DeepEqual(c.Security.AllowedSensitive, []string{"Authorization"}) {
					t.Errorf("Security.AllowedSensitive = %v", c.Security.AllowedSensitive)
				}
				if !c.Worker.PublishFailures {
					t.Error("Worker.PublishFailures = false, want true")
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}
			tt.check(t, FromEnv())
		})
	}
}

func TestConfig_DSN(t *testing.T) {
	c := Config{DB: DB{User: "u", Pass: "p", Host: "h", Port: "5433", Name: "relay"}}
	t.Setenv("DATABASE_URL", "")
	want := "postgres://u:p@h:5433/relay?sslmode=disable"
	if got := c.DSN(); got != want {
		t.Errorf("DSN() = %q, want %q", got, want)
	}

	t.Setenv("DATABASE_URL", "postgres://override/db")
	if got := c.DSN(); got != "postgres://override/db" {
		t.Errorf("DSN() with DATABASE_URL = %q, want override", got)
	}
}

func TestSettingsNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   Settings
		want func(s Settings) bool
	}{
		{
			name: "timeout below minimum is raised",
			in:   Settings{Timeout: time.Second},
			want: func(s Settings) bool { return s.Timeout == 5*time.Second },
		},
		{
			name: "timeout above maximum is lowered",
			in:   Settings{Timeout: time.Hour},
			want: func(s Settings) bool { return s.Timeout == 300*time.Second },
		},
		{
			name: "zero timeout uses default",
			in:   Settings{},
			want: func(s Settings) bool { return s.Timeout == DefaultTimeout },
		},
		{
			name: "retry delay clamped to 60s",
			in:   Settings{RetryDelay: 10 * time.Second},
			want: func(s Settings) bool { return s.RetryDelay == time.Minute },
		},
		{
			name: "retry delay clamped to one hour",
			in:   Settings{RetryDelay: 2 * time.Hour},
			want: func(s Settings) bool { return s.RetryDelay == time.Hour },
		},
		{
			name: "max retry attempts clamped to 10",
			in:   Settings{MaxRetryAttempts: 25},
			want: func(s Settings) bool { return s.MaxRetryAttempts == 10 },
		},
		{
			name: "negative max retry attempts becomes 0",
			in:   Settings{MaxRetryAttempts: -1},
			want: func(s Settings) bool { return s.MaxRetryAttempts == 0 },
		},
		{
			name: "retention clamped into 1..365",
			in:   Settings{LogRetentionDays: 1000},
			want: func(s Settings) bool { return s.LogRetentionDays == 365 },
		},
		{
			name: "unknown retry policy falls back to live",
			in:   Settings{RetryPolicy: "sometimes"},
			want: func(s Settings) bool { return s.RetryPolicy == RetryPolicyLive },
		},
		{
			name: "snapshot retry policy is kept",
			in:   Settings{RetryPolicy: RetryPolicySnapshot},
			want: func(s Settings) bool { return s.RetryPolicy == RetryPolicySnapshot },
		},
		{
			name: "site url trailing slash trimmed",
			in:   Settings{SiteURL: "https://example.com/"},
			want: func(s Settings) bool { return s.SiteURL == "https://example.com" },
		},
		{
			name: "sweep defaults filled",
			in:   Settings{},
			want: func(s Settings) bool {
				return s.SweepBatch == DefaultSweepBatch && s.SweepInterval == DefaultSweepInterval && s.Location == time.UTC
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.in.Normalize()
			if !tt.want(got) {
				t.Errorf("Normalize() = %+v", got)
			}
		})
	}
}

func TestSettingsFromEnv(t *testing.T) {
	t.Setenv("REQUEST_TIMEOUT", "2")
	t.Setenv("RETRY_DELAY", "90s")
	t.Setenv("MAX_RETRY_ATTEMPTS", "5")
	t.Setenv("RELAY_ENABLED", "false")
	t.Setenv("RETRY_POLICY", "SNAPSHOT")
	t.Setenv("SITE_TIMEZONE", "Not/AZone")

	s := SettingsFromEnv()
	if s.Timeout != 5*time.Second {
		t.Errorf("Timeout = %v, want 5s", s.Timeout)
	}
	if s.RetryDelay != 90*time.Second {
		t.Errorf("RetryDelay = %v, want 90s", s.RetryDelay)
	}
	if s.MaxRetryAttempts != 5 {
		t.Errorf("MaxRetryAttempts = %d, want 5", s.MaxRetryAttempts)
	}
	if s.Enabled {
		t.Error("Enabled = true, want false")
	}
	if s.RetryPolicy != RetryPolicySnapshot {
		t.Errorf("RetryPolicy = %q, want %q", s.RetryPolicy, RetryPolicySnapshot)
	}
	if s.Location != time.UTC {
		t.Errorf("Location = %v, want UTC for unknown zone", s.Location)
	}
}

func TestClaimLease(t *testing.T) {
	s := Settings{Timeout: 30 * time.Second}
	if got := s.ClaimLease(); got != 90*time.Second {
		t.Errorf("ClaimLease() = %v, want 90s", got)
	}
}

func TestSweepBudget(t *testing.T) {
	tests := []struct {
		name     string
		settings Settings
		want     time.Duration
	}{
		{"defaults", Settings{Timeout: 30 * time.Second, SweepBatch: 10}, 390 * time.Second},
		{"small batch", Settings{Timeout: 5 * time.Second, SweepBatch: 2}, 75 * time.Second},
		{"unset batch", Settings{Timeout: 30 * time.Second}, 390 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.settings.SweepBudget(); got != tt.want {
				t.Errorf("SweepBudget() = %v, want %v", got, tt.want)
			}
			if tt.settings.SweepBudget() <= time.Duration(max(tt.settings.SweepBatch, 1))*tt.settings.Timeout {
				t.Errorf("SweepBudget() does not cover a full batch of sends")
			}
		})
	}
}
