package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type DB struct {
	User string
	Pass string
	Host string
	Port string
	Name string
}

type NSQ struct {
	NsqdTCPAddr    string // e.g. nsqd:4150
	NsqdHTTPAddr   string // e.g. nsqd:4151
	LookupHTTPAddr string // e.g. http://nsqlookupd:4161
	RetryTopic     string // NSQ topic carrying deferred retry tasks
	FailureTopic   string // NSQ topic receiving failure notices
	WorkerChannel  string // NSQ channel name for retry workers
}

type Worker struct {
	HTTPPort           string // Worker HTTP metrics port
	MaxInFlight        int    // NSQ consumer max in flight
	PublishFailures    bool   // Whether to publish failure notices to NSQ
	BacklogPollSeconds int    // Retry topic depth poll interval
}

type Auth struct {
	Enabled      bool
	PublicKeyPEM string
	JWKSURL      string // used when PublicKeyPEM is empty
	KeyID        string
	Issuer       string
	Audience     string
}

// Security extends the built-in endpoint deny lists.
type Security struct {
	BlockedHosts         []string
	BlockedPorts         []int
	AllowedSensitive     []string // header names exempt from the dangerous header check
	BlockPrivateNetworks bool
	TestCallsPerHour     int
}

type FakeReceiver struct {
	FailFirstN      int           // Number of requests to fail initially
	ResponseDelayMS int           // Simulated response delay in milliseconds
	Port            string        // Server listen port
	ReadTimeout     time.Duration // HTTP read timeout
	WriteTimeout    time.Duration // HTTP write timeout
	IdleTimeout     time.Duration // HTTP idle timeout
}

type Config struct {
	AppName      string
	HTTPPort     string // :8080
	StoreDriver  string // postgres | memory
	CatalogFile  string // optional YAML event catalog
	ConfigsFile  string // optional YAML configurations seed
	DB           DB
	NSQ          NSQ
	Worker       Worker
	Auth         Auth
	Security     Security
	Settings     Settings
	FakeReceiver FakeReceiver
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		// bare integers are seconds
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Second
		}
	}
	return def
}

func getenvList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parsePorts(parts []string) []int {
	var ports []int
	for _, p := range parts {
		if n, err := strconv.Atoi(p); err == nil && n > 0 && n < 65536 {
			ports = append(ports, n)
		}
	}
	return ports
}

func FromEnv() Config {
	return Config{
		AppName:     getenv("APP_NAME", "harborrelay"),
		HTTPPort:    getenv("HTTP_PORT", ":8080"),
		StoreDriver: getenv("STORE_DRIVER", "postgres"),
		CatalogFile: getenv("EVENT_CATALOG_FILE", ""),
		ConfigsFile: getenv("EVENT_CONFIGS_FILE", ""),
		DB: DB{
			User: getenv("DB_USER", "postgres"),
			Pass: getenv("DB_PASS", "postgres"),
			Host: getenv("DB_HOST", "postgres"),
			Port: getenv("DB_PORT", "5432"),
			Name: getenv("DB_NAME", "harborrelay"),
		},
		NSQ: NSQ{
			NsqdTCPAddr:    getenv("NSQD_TCP_ADDR", "nsqd:4150"),
			NsqdHTTPAddr:   getenv("NSQD_HTTP_ADDR", "nsqd:4151"),
			LookupHTTPAddr: getenv("NSQ_LOOKUP_HTTP_ADDR", "http://nsqlookupd:4161"),
			RetryTopic:     getenv("NSQ_RETRY_TOPIC", "delivery_retries"),
			FailureTopic:   getenv("NSQ_FAILURE_TOPIC", "delivery_failures"),
			WorkerChannel:  getenv("NSQ_WORKER_CHANNEL", "workers"),
		},
		Worker: Worker{
			HTTPPort:           ":" + getenv("WORKER_HTTP_PORT", "8083"),
			MaxInFlight:        getenvInt("WORKER_MAX_IN_FLIGHT", 50),
			PublishFailures:    getenvBool("PUBLISH_FAILURE_TOPIC", false),
			BacklogPollSeconds: getenvInt("BACKLOG_POLL_SECONDS", 15),
		},
		Auth: Auth{
			Enabled:      getenvBool("AUTH_ENABLED", false),
			PublicKeyPEM: getenv("JWT_PUBLIC_KEY", ""),
			JWKSURL:      getenv("JWT_JWKS_URL", ""),
			KeyID:        getenv("JWT_KEY_ID", ""),
			Issuer:       getenv("JWT_ISSUER", "harborrelay"),
			Audience:     getenv("JWT_AUDIENCE", "harborrelay-api"),
		},
		Security: Security{
			BlockedHosts:         getenvList("BLOCKED_HOSTS"),
			BlockedPorts:         parsePorts(getenvList("BLOCKED_PORTS")),
			AllowedSensitive:     getenvList("ALLOWED_SENSITIVE_HEADERS"),
			BlockPrivateNetworks: getenvBool("BLOCK_PRIVATE_NETWORKS", false),
			TestCallsPerHour:     getenvInt("TEST_CALLS_PER_HOUR", 100),
		},
		Settings: SettingsFromEnv(),
		FakeReceiver: FakeReceiver{
			FailFirstN:      getenvInt("FAIL_FIRST_N", 0),
			ResponseDelayMS: getenvInt("RESPONSE_DELAY_MS", 0),
			Port:            getenv("FAKE_RECEIVER_PORT", ":8081"),
			ReadTimeout:     getenvDuration("FAKE_RECEIVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:    getenvDuration("FAKE_RECEIVER_WRITE_TIMEOUT", 10*time.Second),
			IdleTimeout:     getenvDuration("FAKE_RECEIVER_IDLE_TIMEOUT", 60*time.Second),
		},
	}
}

func (c Config) DSN() string {
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		return dsn
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DB.User, c.DB.Pass, c.DB.Host, c.DB.Port, c.DB.Name)
}
