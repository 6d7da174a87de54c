package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/austindbirch/harbor_relay/internal/config"
	"github.com/austindbirch/harbor_relay/internal/logging"
	"github.com/austindbirch/harbor_relay/internal/scheduler"
)

// monitor exports nsqd channel gauges for the relay's topics.
type monitor struct {
	nsqdHTTP string
	topics   map[string]bool
	client   *http.Client

	channelDepth    *prometheus.GaugeVec
	channelInflight *prometheus.GaugeVec
	channelDeferred *prometheus.GaugeVec
	topicDepth      *prometheus.GaugeVec
	scrapeErrors    prometheus.Counter
}

func newMonitor(nsqdHTTP string, topics ...string) *monitor {
	m := &monitor{
		nsqdHTTP: nsqdHTTP,
		topics:   make(map[string]bool, len(topics)),
		client:   &http.Client{Timeout: 5 * time.Second},
		channelDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "harborrelay_nsq_channel_depth",
			Help: "Messages ready on an NSQ channel.",
		}, []string{"topic", "channel"}),
		channelInflight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "harborrelay_nsq_channel_inflight",
			Help: "Messages handed to consumers and not yet finished.",
		}, []string{"topic", "channel"}),
		channelDeferred: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "harborrelay_nsq_channel_deferred",
			Help: "Deferred messages on an NSQ channel, i.e. scheduled retries.",
		}, []string{"topic", "channel"}),
		topicDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "harborrelay_nsq_topic_depth",
			Help: "Messages held by a topic with no channel to receive them.",
		}, []string{"topic"}),
		scrapeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harborrelay_nsq_monitor_scrape_errors_total",
			Help: "Failed reads of the nsqd stats endpoint.",
		}),
	}
	for _, t := range topics {
		if t != "" {
			m.topics[t] = true
		}
	}
	return m
}

func (m *monitor) register(reg prometheus.Registerer) {
	reg.MustRegister(m.channelDepth, m.channelInflight, m.channelDeferred, m.topicDepth, m.scrapeErrors)
}

func (m *monitor) update(ctx context.Context) error {
	stats, err := scheduler.FetchStats(ctx, m.client, m.nsqdHTTP)
	if err != nil {
		m.scrapeErrors.Inc()
		return err
	}
	for _, t := range stats.Topics {
		if !m.topics[t.Name] {
			continue
		}
		m.topicDepth.WithLabelValues(t.Name).Set(float64(t.Depth))
		for _, c := range t.Channels {
			m.channelDepth.WithLabelValues(t.Name, c.Name).Set(float64(c.Depth))
			m.channelInflight.WithLabelValues(t.Name, c.Name).Set(float64(c.InFlightCount))
			m.channelDeferred.WithLabelValues(t.Name, c.Name).Set(float64(c.DeferredCount))
		}
	}
	return nil
}

func (m *monitor) run(ctx context.Context, interval time.Duration, logger *logging.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := m.update(ctx); err != nil && ctx.Err() == nil {
			logger.Plain().WithError(err).Warn("Error updating metrics")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
			return parsed
		}
	}
	return defaultValue
}

func main() {
	cfg := config.FromEnv()
	logger := logging.New("harborrelay-nsq-monitor")
	port := os.Getenv("PORT")
	if port == "" {
		port = "8084"
	}
	interval := time.Duration(getEnvInt("POLL_INTERVAL_SECONDS", 15)) * time.Second

	m := newMonitor(cfg.NSQ.NsqdHTTPAddr, cfg.NSQ.RetryTopic, cfg.NSQ.FailureTopic)
	reg := prometheus.NewRegistry()
	m.register(reg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.run(ctx, interval, logger)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK\n"))
	})
	srv := &http.Server{Addr: ":" + port, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		logger.Plain().WithFields(map[string]any{
			"addr":     srv.Addr,
			"nsqd":     cfg.NSQ.NsqdHTTPAddr,
			"interval": interval.String(),
		}).Info("NSQ monitor starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Plain().WithError(err).Fatal("NSQ monitor HTTP server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop
	cancel()
	shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	_ = srv.Shutdown(shutdownCtx)
}
