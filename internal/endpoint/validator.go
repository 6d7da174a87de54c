// Package endpoint vets outbound destinations and request headers before
// anything is sent.
package endpoint

import (
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/austindbirch/harbor_relay/internal/config"
	"github.com/austindbirch/harbor_relay/internal/delivery"
)

// Kind distinguishes validation failures.
type Kind string

const (
	KindEmpty             Kind = "empty"
	KindInvalidURL        Kind = "invalid-url"
	KindBlockedHost       Kind = "blocked-host"
	KindBlockedPort       Kind = "blocked-port"
	KindInvalidHeaders    Kind = "invalid-headers"
	KindDangerousHeader   Kind = "dangerous-header"
	KindTooLong           Kind = "too-long"
	KindDangerousTemplate Kind = "dangerous-template"
	KindInvalidMethod     Kind = "invalid-method"
)

const (
	MaxURLLength         = 2048
	MaxHeaderNameLength  = 100
	MaxHeaderValueLength = 1000
)

// ValidationError reports why a destination or configuration was rejected.
type ValidationError struct {
	Kind    Kind
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, e.Field)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func invalid(kind Kind, field, format string, args ...any) *ValidationError {
	return &ValidationError{Kind: kind, Field: field, Message: fmt.Sprintf(format, args...)}
}

var (
	defaultBlockedHosts = []string{"localhost", "127.0.0.1", "0.0.0.0"}
	defaultBlockedPorts = []int{22, 23, 25, 53, 110, 143, 993, 995, 1433, 3306, 5432, 6379, 27017}
	dangerousHeaders    = map[string]bool{
		"authorization":   true,
		"cookie":          true,
		"set-cookie":      true,
		"x-forwarded-for": true,
		"x-real-ip":       true,
	}
	dangerousTemplateRE = regexp.MustCompile(`\{\{.*?(system|exec|eval|shell|file|include).*?\}\}`)
	allowedMethods      = map[string]bool{"GET": true, "POST": true, "PUT": true, "PATCH": true, "DELETE": true}
)

// Policy extends the built-in deny lists.
type Policy struct {
	BlockedHosts []string
	BlockedPorts []int
	// AllowSensitiveHeader may exempt a sensitive header from rejection.
	AllowSensitiveHeader func(name, value string) bool
	// BlockPrivateNetworks also rejects literal private and reserved IPs.
	BlockPrivateNetworks bool
}

// PolicyFromConfig builds a policy from the environment security settings.
func PolicyFromConfig(sec config.Security) Policy {
	p := Policy{
		BlockedHosts:         sec.BlockedHosts,
		BlockedPorts:         sec.BlockedPorts,
		BlockPrivateNetworks: sec.BlockPrivateNetworks,
	}
	if len(sec.AllowedSensitive) > 0 {
		allowed := make(map[string]bool, len(sec.AllowedSensitive))
		for _, h := range sec.AllowedSensitive {
			allowed[strings.ToLower(h)] = true
		}
		p.AllowSensitiveHeader = func(name, _ string) bool {
			return allowed[strings.ToLower(name)]
		}
	}
	return p
}

// Validator applies a Policy.
type Validator struct {
	hosts        map[string]bool
	ports        map[int]bool
	allowHeader  func(name, value string) bool
	blockPrivate bool
}

func NewValidator(p Policy) *Validator {
	v := &Validator{
		hosts:        make(map[string]bool),
		ports:        make(map[int]bool),
		allowHeader:  p.AllowSensitiveHeader,
		blockPrivate: p.BlockPrivateNetworks,
	}
	for _, h := range append(append([]string{}, defaultBlockedHosts...), p.BlockedHosts...) {
		v.hosts[strings.ToLower(strings.Trim(h, "[]"))] = true
	}
	for _, port := range append(append([]int{}, defaultBlockedPorts...), p.BlockedPorts...) {
		v.ports[port] = true
	}
	return v
}

// BlocksPrivateNetworks reports whether senders should dial through
// SafeDialContext.
func (v *Validator) BlocksPrivateNetworks() bool {
	return v.blockPrivate
}

// Validate checks a destination URL and its headers.
func (v *Validator) Validate(rawURL string, headers map[string]string) error {
	if err := v.ValidateURL(rawURL); err != nil {
		return err
	}
	return v.ValidateHeaders(headers)
}

// ValidateURL checks scheme, host and port of rawURL.
func (v *Validator) ValidateURL(rawURL string) error {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return invalid(KindEmpty, "api_endpoint", "API endpoint cannot be empty")
	}
	if len(rawURL) > MaxURLLength {
		return invalid(KindInvalidURL, "api_endpoint", "URL exceeds %d characters", MaxURLLength)
	}

	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" || u.Hostname() == "" {
		return invalid(KindInvalidURL, "api_endpoint", "invalid URL format")
	}
	if scheme := strings.ToLower(u.Scheme); scheme != "http" && scheme != "https" {
		return invalid(KindInvalidURL, "api_endpoint", "only HTTP and HTTPS are allowed")
	}

	host := strings.ToLower(u.Hostname())
	if v.hosts[host] {
		return invalid(KindBlockedHost, "api_endpoint", "host %q is not allowed", host)
	}
	if v.blockPrivate {
		if host == "localhost" || strings.HasSuffix(host, ".localhost") {
			return invalid(KindBlockedHost, "api_endpoint", "host %q is not allowed", host)
		}
		if ip := net.ParseIP(host); ip != nil && IsPrivateIP(ip) {
			return invalid(KindBlockedHost, "api_endpoint", "private or reserved address %s is not allowed", host)
		}
	}

	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil || port <= 0 || port > 65535 {
			return invalid(KindInvalidURL, "api_endpoint", "invalid port %q", p)
		}
		if v.ports[port] {
			return invalid(KindBlockedPort, "api_endpoint", "port %d is not allowed", port)
		}
	}
	return nil
}

// ValidateHeaders checks header names and values. Names are visited in
// sorted order so the reported error is stable.
func (v *Validator) ValidateHeaders(headers map[string]string) error {
	names := make([]string, 0, len(headers))
	for name := range headers {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		value := headers[name]
		if strings.TrimSpace(name) == "" {
			return invalid(KindInvalidHeaders, "headers", "header name cannot be empty")
		}
		if dangerousHeaders[strings.ToLower(name)] {
			if v.allowHeader == nil || !v.allowHeader(name, value) {
				return invalid(KindDangerousHeader, name, "header %q is not allowed for security reasons", name)
			}
		}
		if len(name) > MaxHeaderNameLength || len(value) > MaxHeaderValueLength {
			return invalid(KindTooLong, name, "header name or value is too long")
		}
	}
	return nil
}

// ParseHeaders decodes a JSON object of string headers. Blank input is an
// empty header set.
func ParseHeaders(raw string) (map[string]string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]string{}, nil
	}
	var generic map[string]any
	if err := json.Unmarshal([]byte(raw), &generic); err != nil || generic == nil {
		return nil, invalid(KindInvalidHeaders, "headers", "headers must be a JSON object")
	}
	headers := make(map[string]string, len(generic))
	for k, val := range generic {
		s, ok := val.(string)
		if !ok {
			return nil, invalid(KindInvalidHeaders, k, "header values must be strings")
		}
		headers[k] = s
	}
	return headers, nil
}

// ValidateTemplate rejects templates whose placeholders name shell or file
// access.
func ValidateTemplate(tmpl string) error {
	if tmpl == "" {
		return nil
	}
	if dangerousTemplateRE.MatchString(tmpl) {
		return invalid(KindDangerousTemplate, "payload_template", "template contains potentially dangerous variables")
	}
	return nil
}

// NormalizeMethod upper-cases m; blank means POST.
func NormalizeMethod(m string) (string, error) {
	m = strings.ToUpper(strings.TrimSpace(m))
	if m == "" {
		return "POST", nil
	}
	if !allowedMethods[m] {
		return "", invalid(KindInvalidMethod, "http_method", "method %q is not supported", m)
	}
	return m, nil
}

// Normalize canonicalizes a configuration and checks every field.
func (v *Validator) Normalize(cfg delivery.Configuration) (delivery.Configuration, error) {
	cfg.EventName = strings.TrimSpace(cfg.EventName)
	if cfg.EventName == "" {
		return cfg, invalid(KindEmpty, "event_name", "event name cannot be empty")
	}
	cfg.APIEndpoint = strings.TrimSpace(cfg.APIEndpoint)

	method, err := NormalizeMethod(cfg.HTTPMethod)
	if err != nil {
		return cfg, err
	}
	cfg.HTTPMethod = method

	if cfg.RetryAttempts < 0 {
		cfg.RetryAttempts = 0
	}
	if cfg.RetryAttempts > delivery.MaxRetryAttempts {
		cfg.RetryAttempts = delivery.MaxRetryAttempts
	}
	if cfg.Headers == nil {
		cfg.Headers = map[string]string{}
	}

	if err := v.Validate(cfg.APIEndpoint, cfg.Headers); err != nil {
		return cfg, err
	}
	if err := ValidateTemplate(cfg.PayloadTemplate); err != nil {
		return cfg, err
	}
	return cfg, nil
}
