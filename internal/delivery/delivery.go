package delivery

import (
	"strings"
	"time"
)

// Status is the lifecycle state of a delivery log entry.
type Status string

const (
	StatusPending      Status = "pending"
	StatusInFlight     Status = "in_flight"
	StatusRetryPending Status = "retry_pending"
	StatusSuccess      Status = "success"
	StatusFailed       Status = "failed"
)

// Terminal reports whether the automatic pipeline is done with the entry.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// ParseStatus maps a user supplied status name to a Status.
func ParseStatus(s string) (Status, bool) {
	switch Status(strings.ToLower(strings.TrimSpace(s))) {
	case StatusPending:
		return StatusPending, true
	case StatusInFlight:
		return StatusInFlight, true
	case StatusRetryPending:
		return StatusRetryPending, true
	case StatusSuccess:
		return StatusSuccess, true
	case StatusFailed:
		return StatusFailed, true
	}
	return "", false
}

// MaxRetryAttempts is the upper bound for a configuration's retry_attempts.
const MaxRetryAttempts = 10

// DefaultRetryAttempts applies when a configuration is seeded without one.
const DefaultRetryAttempts = 3

// Configuration binds an event name to an outbound API call.
type Configuration struct {
	ID              string            `json:"id" yaml:"id"`
	EventName       string            `json:"event_name" yaml:"event_name"`
	APIEndpoint     string            `json:"api_endpoint" yaml:"api_endpoint"`
	HTTPMethod      string            `json:"http_method" yaml:"http_method"`
	Headers         map[string]string `json:"headers,omitempty" yaml:"headers"`
	PayloadTemplate string            `json:"payload_template,omitempty" yaml:"payload_template"`
	IsActive        bool              `json:"is_active" yaml:"is_active"`
	RetryAttempts   int               `json:"retry_attempts" yaml:"retry_attempts"`
	CreatedAt       time.Time         `json:"created_at" yaml:"-"`
	UpdatedAt       time.Time         `json:"updated_at" yaml:"-"`
}

// Ceiling returns the maximum number of attempts for deliveries of this
// configuration. A zero retry_attempts falls back to the global setting.
func (c Configuration) Ceiling(globalMax int) int {
	n := c.RetryAttempts
	if n <= 0 {
		n = globalMax
	}
	if n < 1 {
		n = 1
	}
	return n
}

// Entry is one delivery log record. It covers the whole attempt chain of a
// single triggered delivery.
type Entry struct {
	ID             string            `json:"id"`
	EventID        string            `json:"event_id"`
	EventName      string            `json:"event_name"`
	APIEndpoint    string            `json:"api_endpoint"`
	HTTPMethod     string            `json:"http_method"`
	RequestHeaders map[string]string `json:"request_headers,omitempty"`
	RequestData    string            `json:"request_data"`
	EventData      map[string]any    `json:"event_data,omitempty"`
	MaxAttempts    int               `json:"max_attempts"`
	ResponseCode   int               `json:"response_code,omitempty"`
	ResponseBody   string            `json:"response_body,omitempty"`
	Status         Status            `json:"status"`
	ErrorMessage   string            `json:"error_message,omitempty"`
	AttemptCount   int               `json:"attempt_count"`
	ClaimToken     string            `json:"-"`
	ClaimedAt      *time.Time        `json:"claimed_at,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// Filter narrows a delivery log listing.
type Filter struct {
	Status    Status
	EventName string
	Limit     int
	Offset    int
}

// Stats summarizes the delivery log.
type Stats struct {
	Total        int64 `json:"total"`
	Pending      int64 `json:"pending"`
	InFlight     int64 `json:"in_flight"`
	RetryPending int64 `json:"retry_pending"`
	Success      int64 `json:"success"`
	Failed       int64 `json:"failed"`
	Recent       int64 `json:"recent_24h"`
}
