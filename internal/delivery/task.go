package delivery

// RetryTask is the message the scheduler carries between a failed attempt
// and the next one. The log entry stays authoritative; the task only names it.
type RetryTask struct {
	LogID        string            `json:"log_id"`
	EventName    string            `json:"event_name"`
	Attempt      int               `json:"attempt"`      // attempts made when scheduled
	ScheduledAt  string            `json:"scheduled_at"` // RFC3339
	TraceHeaders map[string]string `json:"trace_headers,omitempty"`
}
