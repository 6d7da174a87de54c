// Package template renders payload templates against event data.
//
// Placeholders have the form {{path}} where path is a dotted path into the
// event data (user.email, roles.0) or one of the system variables timestamp,
// site_url and site_name. Replacement is a single pass: text produced by a
// substitution is never scanned again, and unknown placeholders are kept
// verbatim.
package template

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/austindbirch/harbor_relay/internal/config"
)

// TimestampLayout is the format of the {{timestamp}} system variable.
const TimestampLayout = "2006-01-02 15:04:05"

var placeholderRE = regexp.MustCompile(`\{\{([^{}]*)\}\}`)

// Renderer holds the system variables available to every template.
type Renderer struct {
	SiteURL  string
	SiteName string
	Location *time.Location
	Now      func() time.Time
}

// NewRenderer builds a renderer from the pipeline settings.
func NewRenderer(s config.Settings) *Renderer {
	return &Renderer{
		SiteURL:  s.SiteURL,
		SiteName: s.SiteName,
		Location: s.Location,
		Now:      time.Now,
	}
}

func (r *Renderer) now() time.Time {
	now := time.Now
	if r.Now != nil {
		now = r.Now
	}
	t := now()
	if r.Location != nil {
		t = t.In(r.Location)
	}
	return t
}

// Variables returns the lookup table for data: the flattened data on top of
// the system variables.
func (r *Renderer) Variables(data map[string]any) map[string]string {
	vars := map[string]string{
		"timestamp": r.now().Format(TimestampLayout),
		"site_url":  r.SiteURL,
		"site_name": r.SiteName,
	}
	for k, v := range Flatten(data) {
		vars[k] = v
	}
	return vars
}

// Render substitutes every known placeholder in tmpl.
func (r *Renderer) Render(tmpl string, data map[string]any) string {
	return Substitute(tmpl, r.Variables(data))
}

// Substitute replaces {{name}} with vars[name] in one pass. Whitespace
// inside the braces is ignored.
func Substitute(tmpl string, vars map[string]string) string {
	if tmpl == "" {
		return ""
	}
	return placeholderRE.ReplaceAllStringFunc(tmpl, func(m string) string {
		name := strings.TrimSpace(m[2 : len(m)-2])
		if v, ok := vars[name]; ok {
			return v
		}
		return m
	})
}

// Placeholders lists the placeholder names used in tmpl, in order.
func Placeholders(tmpl string) []string {
	var names []string
	for _, m := range placeholderRE.FindAllStringSubmatch(tmpl, -1) {
		names = append(names, strings.TrimSpace(m[1]))
	}
	return names
}

// BuildPayload produces the request body. An empty template sends the event
// data itself; a rendered template that is not valid JSON is wrapped as
// {"data": "<rendered>"}.
func (r *Renderer) BuildPayload(tmpl string, data map[string]any) (string, error) {
	if tmpl == "" {
		if data == nil {
			data = map[string]any{}
		}
		b, err := json.Marshal(data)
		if err != nil {
			return "", fmt.Errorf("encode event data: %w", err)
		}
		return string(b), nil
	}

	rendered := r.Render(tmpl, data)
	if json.Valid([]byte(rendered)) {
		return rendered, nil
	}
	b, err := json.Marshal(map[string]string{"data": rendered})
	if err != nil {
		return "", fmt.Errorf("wrap rendered payload: %w", err)
	}
	return string(b), nil
}

// Flatten turns nested data into dotted-path keys with string values. Only
// leaves are emitted.
func Flatten(data map[string]any) map[string]string {
	out := make(map[string]string)
	for k, v := range data {
		flattenInto(out, k, v)
	}
	return out
}

func flattenInto(out map[string]string, key string, v any) {
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			flattenInto(out, key+"."+k, child)
		}
	case []any:
		for i, child := range t {
			flattenInto(out, key+"."+strconv.Itoa(i), child)
		}
	case map[string]string:
		for k, child := range t {
			out[key+"."+k] = child
		}
	case []string:
		for i, child := range t {
			out[key+"."+strconv.Itoa(i)] = child
		}
	default:
		out[key] = Scalar(v)
	}
}

// Scalar formats a leaf value the way it appears in a rendered template.
func Scalar(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case int32:
		return strconv.FormatInt(int64(t), 10)
	case uint:
		return strconv.FormatUint(uint64(t), 10)
	case uint64:
		return strconv.FormatUint(t, 10)
	case json.Number:
		return t.String()
	case time.Time:
		return t.Format(time.RFC3339)
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprint(v)
	}
}
