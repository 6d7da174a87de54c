package event

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/austindbirch/harbor_relay/internal/delivery"
	"github.com/austindbirch/harbor_relay/internal/store"
)

// Normalizer validates a configuration and returns its canonical form.
// *endpoint.Validator implements it.
type Normalizer interface {
	Normalize(cfg delivery.Configuration) (delivery.Configuration, error)
}

type seedFile struct {
	Configurations []seedConfig `yaml:"configurations"`
}

// seedConfig lets a seed file leave is_active and retry_attempts out.
type seedConfig struct {
	EventName       string            `yaml:"event_name"`
	APIEndpoint     string            `yaml:"api_endpoint"`
	HTTPMethod      string            `yaml:"http_method"`
	Headers         map[string]string `yaml:"headers"`
	PayloadTemplate string            `yaml:"payload_template"`
	IsActive        *bool             `yaml:"is_active"`
	RetryAttempts   *int              `yaml:"retry_attempts"`
}

// ReadConfigurations parses a YAML seed file of event configurations.
func ReadConfigurations(path string) ([]delivery.Configuration, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read configurations: %w", err)
	}
	var f seedFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse configurations %s: %w", path, err)
	}
	out := make([]delivery.Configuration, 0, len(f.Configurations))
	for _, c := range f.Configurations {
		cfg := delivery.Configuration{
			EventName:       c.EventName,
			APIEndpoint:     c.APIEndpoint,
			HTTPMethod:      c.HTTPMethod,
			Headers:         c.Headers,
			PayloadTemplate: c.PayloadTemplate,
			IsActive:        c.IsActive == nil || *c.IsActive,
			RetryAttempts:   delivery.DefaultRetryAttempts,
		}
		if c.RetryAttempts != nil {
			cfg.RetryAttempts = *c.RetryAttempts
		}
		out = append(out, cfg)
	}
	return out, nil
}

// Seed validates every configuration first and only then upserts them, so a
// bad file leaves the store untouched.
func Seed(ctx context.Context, configs store.ConfigStore, v Normalizer, cfgs []delivery.Configuration) ([]delivery.Configuration, error) {
	normalized := make([]delivery.Configuration, 0, len(cfgs))
	for i, c := range cfgs {
		n, err := v.Normalize(c)
		if err != nil {
			return nil, fmt.Errorf("configuration %d (%s): %w", i, c.EventName, err)
		}
		normalized = append(normalized, n)
	}
	saved := make([]delivery.Configuration, 0, len(normalized))
	for _, c := range normalized {
		s, err := configs.Upsert(ctx, c)
		if err != nil {
			return saved, fmt.Errorf("upsert %s: %w", c.EventName, err)
		}
		saved = append(saved, s)
	}
	return saved, nil
}
