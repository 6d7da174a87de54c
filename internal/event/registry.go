// Package event holds the catalog of event types a relay knows how to
// describe, and the start-up loaders that extend it from YAML.
package event

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"
)

// ErrInvalidName is returned for event names outside [a-z0-9_.-].
var ErrInvalidName = errors.New("invalid event name")

var namePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_.\-]{0,99}$`)

// Descriptor documents one event type and the data fields it carries.
type Descriptor struct {
	Name        string   `json:"name" yaml:"name"`
	Label       string   `json:"label" yaml:"label"`
	Description string   `json:"description" yaml:"description"`
	Fields      []string `json:"fields" yaml:"fields"`
}

// Registry is safe for concurrent use. Events that are not registered are
// still routed; the catalog only describes them.
type Registry struct {
	mu     sync.RWMutex
	events map[string]Descriptor
}

// NewRegistry returns a registry holding the default catalog.
func NewRegistry() *Registry {
	r := &Registry{events: make(map[string]Descriptor, len(defaults))}
	for _, d := range defaults {
		r.events[d.Name] = d
	}
	return r
}

var defaults = []Descriptor{
	{
		Name:        "user_register",
		Label:       "User Registration",
		Description: "Triggered when a new user registers",
		Fields:      []string{"user_id", "user_email", "user_login", "user_data"},
	},
	{
		Name:        "wp_login",
		Label:       "User Login",
		Description: "Triggered when a user logs in",
		Fields:      []string{"user_login", "user_id", "user_email", "login_time"},
	},
	{
		Name:        "wp_logout",
		Label:       "User Logout",
		Description: "Triggered when a user logs out",
		Fields:      []string{"user_id", "user_email", "logout_time"},
	},
	{
		Name:        "profile_update",
		Label:       "Profile Update",
		Description: "Triggered when a user updates their profile",
		Fields:      []string{"user_id", "user_email", "updated_fields", "old_data", "new_data"},
	},
	{
		Name:        "publish_post",
		Label:       "Post Published",
		Description: "Triggered when a post is published",
		Fields:      []string{"post_id", "post_title", "post_author", "post_content", "post_type"},
	},
	{
		Name:        "wp_insert_comment",
		Label:       "Comment Added",
		Description: "Triggered when a new comment is added",
		Fields:      []string{"comment_id", "comment_author", "comment_content", "post_id"},
	},
}

// Register adds or replaces the descriptor for name. A missing label is
// derived from the name, so "order_paid" becomes "Order Paid".
func (r *Registry) Register(name string, d Descriptor) error {
	name = strings.TrimSpace(name)
	if !namePattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	d.Name = name
	if strings.TrimSpace(d.Label) == "" {
		d.Label = Label(name)
	}
	d.Fields = append([]string(nil), d.Fields...)

	r.mu.Lock()
	r.events[name] = d
	r.mu.Unlock()
	return nil
}

// Lookup returns the descriptor registered for name.
func (r *Registry) Lookup(name string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.events[name]
	if ok {
		d.Fields = append([]string(nil), d.Fields...)
	}
	return d, ok
}

// All returns the catalog sorted by name.
func (r *Registry) All() []Descriptor {
	r.mu.RLock()
	out := make([]Descriptor, 0, len(r.events))
	for _, d := range r.events {
		d.Fields = append([]string(nil), d.Fields...)
		out = append(out, d)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Label turns an event name into a display label.
func Label(name string) string {
	words := strings.FieldsFunc(name, func(r rune) bool {
		return r == '_' || r == '-' || r == '.'
	})
	return cases.Title(language.English).String(strings.Join(words, " "))
}

type catalogFile struct {
	Events []Descriptor `yaml:"events"`
}

// LoadFile registers every event listed in a YAML catalog:
//
//	events:
//	  - name: order_paid
//	    description: Triggered when an order is paid
//	    fields: [order_id, total]
//
// Nothing is registered when any entry is invalid.
func (r *Registry) LoadFile(path string) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read event catalog: %w", err)
	}
	var f catalogFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return 0, fmt.Errorf("parse event catalog %s: %w", path, err)
	}
	for i, d := range f.Events {
		if !namePattern.MatchString(strings.TrimSpace(d.Name)) {
			return 0, fmt.Errorf("event catalog %s entry %d: %w: %q", path, i, ErrInvalidName, d.Name)
		}
	}
	for _, d := range f.Events {
		if err := r.Register(d.Name, d); err != nil {
			return 0, err
		}
	}
	return len(f.Events), nil
}
