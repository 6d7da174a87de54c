package delivery

import "time"

const FailureNoticeType = "delivery.failed"

// FailureNotice is published when an entry reaches the failed state.
type FailureNotice struct {
	Type         string `json:"type"`    // "delivery.failed"
	Version      string `json:"version"` // schema version
	At           string `json:"at"`      // RFC3339 time the notice was emitted
	LogID        string `json:"log_id"`
	EventID      string `json:"event_id"`
	EventName    string `json:"event_name"`
	APIEndpoint  string `json:"api_endpoint"`
	AttemptCount int    `json:"attempt_count"`
	ResponseCode int    `json:"response_code,omitempty"`
	LastError    string `json:"last_error,omitempty"`
	Reason       string `json:"reason"`
}

func NewFailureNotice(e Entry, reason string) FailureNotice {
	return FailureNotice{
		Type:         FailureNoticeType,
		Version:      "v1",
		At:           time.Now().Format(time.RFC3339Nano),
		LogID:        e.ID,
		EventID:      e.EventID,
		EventName:    e.EventName,
		APIEndpoint:  e.APIEndpoint,
		AttemptCount: e.AttemptCount,
		ResponseCode: e.ResponseCode,
		LastError:    e.ErrorMessage,
		Reason:       reason,
	}
}
