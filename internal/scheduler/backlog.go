package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/austindbirch/harbor_relay/internal/logging"
	"github.com/austindbirch/harbor_relay/internal/metrics"
)

// ChannelStats is one channel in the nsqd /stats report.
type ChannelStats struct {
	Name          string `json:"channel_name"`
	Depth         int64  `json:"depth"`
	InFlightCount int64  `json:"in_flight_count"`
	DeferredCount int64  `json:"deferred_count"`
}

// TopicStats is one topic in the nsqd /stats report.
type TopicStats struct {
	Name     string         `json:"topic_name"`
	Depth    int64          `json:"depth"`
	Channels []ChannelStats `json:"channels"`
}

type Stats struct {
	Topics []TopicStats `json:"topics"`
}

// Backlog is what is waiting on a channel, deferred retries included.
func (c ChannelStats) Backlog() int64 {
	return c.Depth + c.DeferredCount
}

// FetchStats reads the JSON stats of the nsqd at httpAddr (host:port or URL).
func FetchStats(ctx context.Context, client *http.Client, httpAddr string) (Stats, error) {
	base := httpAddr
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(base, "/")+"/stats?format=json", nil)
	if err != nil {
		return Stats{}, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return Stats{}, fmt.Errorf("get nsq stats: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Stats{}, fmt.Errorf("get nsq stats: HTTP %d", resp.StatusCode)
	}
	var stats Stats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return Stats{}, fmt.Errorf("decode nsq stats: %w", err)
	}
	return stats, nil
}

// BacklogMonitor polls nsqd and exports the retry topic depth.
type BacklogMonitor struct {
	HTTPAddr string
	Topic    string
	Channel  string
	Interval time.Duration
	Client   *http.Client
	Logger   *logging.Logger
}

// Poll fetches stats once and updates the gauges. It returns the worker
// channel backlog.
func (m *BacklogMonitor) Poll(ctx context.Context) (int64, error) {
	client := m.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	stats, err := FetchStats(ctx, client, m.HTTPAddr)
	if err != nil {
		return 0, err
	}
	var backlog int64
	for _, t := range stats.Topics {
		if t.Name != m.Topic {
			continue
		}
		for _, c := range t.Channels {
			if c.Name == m.Channel {
				backlog = c.Backlog()
			}
			metrics.UpdateNSQTopicDepth(t.Name, c.Name, float64(c.Backlog()))
		}
	}
	metrics.UpdateRetryBacklog(float64(backlog))
	return backlog, nil
}

// Run polls every Interval until ctx is done.
func (m *BacklogMonitor) Run(ctx context.Context) {
	interval := m.Interval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	logger := m.Logger
	if logger == nil {
		logger = logging.New("harborrelay-backlog")
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.Poll(ctx); err != nil && ctx.Err() == nil {
				logger.Plain().WithError(err).Warn("retry backlog poll failed")
			}
		}
	}
}
