// Package mailing provides message types, the Liquid template renderer,
// and the outbound transport implementations.
package mailing

import (
	"fmt"
	"html"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/osteele/liquid"
)

// Renderer handles Liquid template rendering with caching.
type Renderer struct {
	engine *liquid.Engine
	cache  sync.Map // map[string]*liquid.Template
}

// ValidationResult reports whether a template parses cleanly.
type ValidationResult struct {
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

// NewRenderer creates a renderer with the custom filters registered.
func NewRenderer() *Renderer {
	r := &Renderer{engine: liquid.NewEngine()}
	r.registerCustomFilters()
	return r
}

// registerCustomFilters adds domain-specific Liquid filters
func (r *Renderer) registerCustomFilters() {
	// Default value filter: {{ first_name | default: "Friend" }}
	r.engine.RegisterFilter("default", func(value interface{}, defaultVal string) interface{} {
		if value == nil {
			return defaultVal
		}
		strVal := fmt.Sprintf("%v", value)
		if strVal == "" || strVal == "<nil>" {
			return defaultVal
		}
		return value
	})

	// Capitalize first letter: {{ name | capitalize }}
	r.engine.RegisterFilter("capitalize", func(s string) string {
		if len(s) == 0 {
			return s
		}
		return strings.ToUpper(string(s[0])) + strings.ToLower(s[1:])
	})

	// Truncate with ellipsis: {{ bio | truncate: 50 }}
	r.engine.RegisterFilter("truncate", func(s string, length int) string {
		if len(s) <= length {
			return s
		}
		if length <= 3 {
			return s[:length]
		}
		return s[:length-3] + "..."
	})

	// URL encode: {{ email | urlencode }}
	r.engine.RegisterFilter("urlencode", func(s string) string {
		return url.QueryEscape(s)
	})

	// HTML escape (safety): {{ user_input | escape }}
	r.engine.RegisterFilter("escape", func(s string) string {
		return html.EscapeString(s)
	})

	// Extract domain from email: {{ email | email_domain }}
	r.engine.RegisterFilter("email_domain", func(email string) string {
		parts := strings.Split(email, "@")
		if len(parts) == 2 {
			return parts[1]
		}
		return ""
	})

	// Mask email for privacy: {{ email | mask_email }}
	r.engine.RegisterFilter("mask_email", func(email string) string {
		parts := strings.Split(email, "@")
		if len(parts) != 2 {
			return email
		}
		local, domain := parts[0], parts[1]
		if len(local) <= 2 {
			return local + "***@" + domain
		}
		return local[:2] + "***@" + domain
	})
}

// Render processes a template with the given data. Parsed templates are
// cached by content so bulk jobs pay the parse cost once.
func (r *Renderer) Render(templateStr string, data map[string]interface{}) (string, error) {
	if cached, ok := r.cache.Load(templateStr); ok {
		return cached.(*liquid.Template).RenderString(data)
	}

	tpl, err := r.engine.ParseString(templateStr)
	if err != nil {
		return "", fmt.Errorf("template parse: %w", err)
	}
	r.cache.Store(templateStr, tpl)

	out, err := tpl.RenderString(data)
	if err != nil {
		return "", fmt.Errorf("template render: %w", err)
	}
	return out, nil
}

// RenderMessage renders a bulk template for one recipient, producing the
// personalized subject and bodies.
func (r *Renderer) RenderMessage(tmpl Template, data map[string]interface{}) (subject, htmlBody, textBody string, err error) {
	subject, err = r.Render(tmpl.Subject, data)
	if err != nil {
		return "", "", "", fmt.Errorf("subject: %w", err)
	}
	if tmpl.HTMLContent != "" {
		htmlBody, err = r.Render(tmpl.HTMLContent, data)
		if err != nil {
			return "", "", "", fmt.Errorf("html body: %w", err)
		}
	}
	if tmpl.TextContent != "" {
		textBody, err = r.Render(tmpl.TextContent, data)
		if err != nil {
			return "", "", "", fmt.Errorf("text body: %w", err)
		}
	}
	return subject, htmlBody, textBody, nil
}

// Validate checks that a template string parses cleanly.
func (r *Renderer) Validate(templateStr string) ValidationResult {
	if _, err := r.engine.ParseString(templateStr); err != nil {
		return ValidationResult{Valid: false, Error: err.Error()}
	}
	return ValidationResult{Valid: true}
}

// ValidateTemplate checks every part of a bulk template.
func (r *Renderer) ValidateTemplate(tmpl Template) ValidationResult {
	for _, part := range []string{tmpl.Subject, tmpl.HTMLContent, tmpl.TextContent} {
		if part == "" {
			continue
		}
		if res := r.Validate(part); !res.Valid {
			return res
		}
	}
	return ValidationResult{Valid: true}
}

var variableRe = regexp.MustCompile(`\{\{\s*([a-zA-Z_][a-zA-Z0-9_.]*)`)

// ExtractVariables returns the sorted set of top-level variable names
// referenced by output expressions in a template.
func (r *Renderer) ExtractVariables(templateStr string) []string {
	seen := make(map[string]bool)
	for _, m := range variableRe.FindAllStringSubmatch(templateStr, -1) {
		name := m[1]
		// Only the root of dotted paths: user.name -> user
		if i := strings.Index(name, "."); i > 0 {
			name = name[:i]
		}
		seen[name] = true
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ClearCache drops all cached parsed templates.
func (r *Renderer) ClearCache() {
	r.cache.Range(func(key, _ interface{}) bool {
		r.cache.Delete(key)
		return true
	})
}
