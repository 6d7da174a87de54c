// Package memory is an in-process store used by tests and single-node
// development runs.
package memory

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/austindbirch/harbor_relay/internal/delivery"
	"github.com/austindbirch/harbor_relay/internal/store"
)

// Store keeps configurations and delivery log entries in memory. It
// implements store.LogStore directly; Configs exposes the store.ConfigStore.
type Store struct {
	mu      sync.RWMutex
	configs map[string]delivery.Configuration
	entries map[string]delivery.Entry
	now     func() time.Time
}

var (
	_ store.ConfigStore = configView{}
	_ store.LogStore    = (*Store)(nil)
)

func New() *Store {
	return &Store{
		configs: make(map[string]delivery.Configuration),
		entries: make(map[string]delivery.Entry),
		now:     time.Now,
	}
}

// SetClock replaces the time source.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// Configs returns the configuration side of the store.
func (s *Store) Configs() store.ConfigStore { return configView{s} }

// Logs returns a LogStore view.
func (s *Store) Logs() store.LogStore { return s }

func copyConfig(c delivery.Configuration) delivery.Configuration {
	c.Headers = maps.Clone(c.Headers)
	return c
}

func copyEntry(e delivery.Entry) delivery.Entry {
	e.RequestHeaders = maps.Clone(e.RequestHeaders)
	e.EventData = deepCopyMap(e.EventData)
	if e.ClaimedAt != nil {
		t := *e.ClaimedAt
		e.ClaimedAt = &t
	}
	return e
}

func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return deepCopyMap(t)
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = deepCopyValue(t[i])
		}
		return out
	default:
		return v
	}
}

// configView adapts Store to store.ConfigStore.
type configView struct{ s *Store }

func (v configView) ActiveForEvent(_ context.Context, eventName string) ([]delivery.Configuration, error) {
	v.s.mu.RLock()
	defer v.s.mu.RUnlock()
	var out []delivery.Configuration
	for _, c := range v.s.configs {
		if c.EventName == eventName && c.IsActive {
			out = append(out, copyConfig(c))
		}
	}
	sortConfigs(out)
	return out, nil
}

func (v configView) Get(_ context.Context, id string) (delivery.Configuration, error) {
	v.s.mu.RLock()
	defer v.s.mu.RUnlock()
	c, ok := v.s.configs[id]
	if !ok {
		return delivery.Configuration{}, store.ErrNotFound
	}
	return copyConfig(c), nil
}

func (v configView) GetByEvent(_ context.Context, eventName string) (delivery.Configuration, error) {
	v.s.mu.RLock()
	defer v.s.mu.RUnlock()
	for _, c := range v.s.configs {
		if c.EventName == eventName {
			return copyConfig(c), nil
		}
	}
	return delivery.Configuration{}, store.ErrNotFound
}

func (v configView) List(_ context.Context) ([]delivery.Configuration, error) {
	v.s.mu.RLock()
	defer v.s.mu.RUnlock()
	out := make([]delivery.Configuration, 0, len(v.s.configs))
	for _, c := range v.s.configs {
		out = append(out, copyConfig(c))
	}
	sortConfigs(out)
	return out, nil
}

func (v configView) Upsert(_ context.Context, cfg delivery.Configuration) (delivery.Configuration, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	now := v.s.now()
	cfg = copyConfig(cfg)
	cfg.ID, cfg.CreatedAt = "", time.Time{}
	for id, existing := range v.s.configs {
		if existing.EventName == cfg.EventName {
			cfg.ID = id
			cfg.CreatedAt = existing.CreatedAt
			break
		}
	}
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
		cfg.CreatedAt = now
	}
	cfg.UpdatedAt = now
	v.s.configs[cfg.ID] = cfg
	return copyConfig(cfg), nil
}

func (v configView) Delete(_ context.Context, id string) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	if _, ok := v.s.configs[id]; !ok {
		return store.ErrNotFound
	}
	delete(v.s.configs, id)
	return nil
}

func (v configView) SetActive(_ context.Context, id string, active bool) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	c, ok := v.s.configs[id]
	if !ok {
		return store.ErrNotFound
	}
	c.IsActive = active
	c.UpdatedAt = v.s.now()
	v.s.configs[id] = c
	return nil
}

func sortConfigs(cs []delivery.Configuration) {
	sort.Slice(cs, func(i, j int) bool {
		if cs[i].EventName != cs[j].EventName {
			return cs[i].EventName < cs[j].EventName
		}
		return cs[i].ID < cs[j].ID
	})
}

func (s *Store) Insert(_ context.Context, e delivery.Entry) (delivery.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e = copyEntry(e)
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if _, exists := s.entries[e.ID]; exists {
		return delivery.Entry{}, store.ErrConflict
	}
	now := s.now()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = now
	}
	s.entries[e.ID] = e
	return copyEntry(e), nil
}

func (s *Store) Get(_ context.Context, id string) (delivery.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return delivery.Entry{}, store.ErrNotFound
	}
	return copyEntry(e), nil
}

func (s *Store) Update(_ context.Context, id string, expect store.Expect, patch store.Patch) (delivery.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return delivery.Entry{}, store.ErrNotFound
	}
	if !expect.Matches(e) {
		return delivery.Entry{}, store.ErrConflict
	}
	e.UpdatedAt = s.now()
	patch.Apply(&e)
	s.entries[id] = e
	return copyEntry(e), nil
}

func (s *Store) List(_ context.Context, f delivery.Filter) ([]delivery.Entry, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var matched []delivery.Entry
	for _, e := range s.entries {
		if f.Status != "" && e.Status != f.Status {
			continue
		}
		if f.EventName != "" && e.EventName != f.EventName {
			continue
		}
		matched = append(matched, e)
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID > matched[j].ID
	})

	total := int64(len(matched))
	offset := max(f.Offset, 0)
	if offset >= len(matched) {
		return []delivery.Entry{}, total, nil
	}
	matched = matched[offset:]
	if f.Limit > 0 && f.Limit < len(matched) {
		matched = matched[:f.Limit]
	}
	out := make([]delivery.Entry, len(matched))
	for i := range matched {
		out[i] = copyEntry(matched[i])
	}
	return out, total, nil
}

func (s *Store) ListByStatus(_ context.Context, status delivery.Status, limit int) ([]delivery.Entry, error) {
	return s.collect(func(e delivery.Entry) bool { return e.Status == status }, limit), nil
}

func (s *Store) ListStaleClaims(_ context.Context, before time.Time, limit int) ([]delivery.Entry, error) {
	return s.collect(func(e delivery.Entry) bool {
		return e.Status == delivery.StatusInFlight && e.ClaimedAt != nil && e.ClaimedAt.Before(before)
	}, limit), nil
}

// collect returns matching entries ordered by updated_at ascending.
func (s *Store) collect(keep func(delivery.Entry) bool, limit int) []delivery.Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []delivery.Entry
	for _, e := range s.entries {
		if keep(e) {
			out = append(out, copyEntry(e))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.Before(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *Store) Stats(_ context.Context, since time.Time) (delivery.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var st delivery.Stats
	for _, e := range s.entries {
		st.Total++
		switch e.Status {
		case delivery.StatusPending:
			st.Pending++
		case delivery.StatusInFlight:
			st.InFlight++
		case delivery.StatusRetryPending:
			st.RetryPending++
		case delivery.StatusSuccess:
			st.Success++
		case delivery.StatusFailed:
			st.Failed++
		}
		if !e.CreatedAt.Before(since) {
			st.Recent++
		}
	}
	return st, nil
}

func (s *Store) DeleteBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, e := range s.entries {
		if e.CreatedAt.Before(cutoff) {
			delete(s.entries, id)
			n++
		}
	}
	return n, nil
}
