// Package rules implements the per-domain mock rule engine: ordered
// template rules that answer a request without contacting an upstream.
package rules

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"golang.org/x/net/http/httpguts"
)

// DefaultContentType is used when a rule omits contentType.
const DefaultContentType = "text/html"

// Spec is a rule entry as written in a rule file.
type Spec struct {
	Template    string            `yaml:"template"`
	Method      string            `yaml:"method"`
	StatusCode  *int              `yaml:"statusCode"`
	Body        string            `yaml:"body"`
	ContentType string            `yaml:"contentType"`
	Headers     map[string]string `yaml:"headers"`
}

// TemplateKind distinguishes literal from pattern templates.
type TemplateKind uint8

const (
	Literal TemplateKind = iota
	Pattern
)

func (k TemplateKind) String() string {
	if k == Pattern {
		return "pattern"
	}
	return "literal"
}

// Template is a path matcher decided once at load time.
type Template struct {
	Kind   TemplateKind
	Source string
	re     *regexp.Regexp
}

// NewTemplate classifies s. Strings without regex metacharacters, and
// strings that do not compile, are literals. Patterns must match the whole
// path.
func NewTemplate(s string) Template {
	if regexp.QuoteMeta(s) == s {
		return Template{Kind: Literal, Source: s}
	}
	// s must compile on its own so it cannot escape the anchors.
	if _, err := regexp.Compile(s); err != nil {
		return Template{Kind: Literal, Source: s}
	}
	re, err := regexp.Compile(`^(?:` + s + `)$`)
	if err != nil {
		return Template{Kind: Literal, Source: s}
	}
	return Template{Kind: Pattern, Source: s, re: re}
}

// Match reports whether path satisfies the template.
func (t Template) Match(path string) bool {
	if t.Kind == Pattern {
		return t.re.MatchString(path)
	}
	return path == t.Source
}

// Rule is a validated, compiled rule.
type Rule struct {
	ID          string
	Template    Template
	Method      string // uppercase; "" matches any
	StatusCode  int
	Body        []byte
	ContentType string
	Headers     map[string]string
}

// Matches reports whether the rule applies to path and method.
func (r *Rule) Matches(path, method string) bool {
	if r.Method != "" && !strings.EqualFold(r.Method, method) {
		return false
	}
	return r.Template.Match(path)
}

// Compile validates s and applies defaults.
func Compile(id string, s Spec) (*Rule, error) {
	if s.Template == "" {
		return nil, fmt.Errorf("rule %s: template is required", id)
	}

	method := strings.ToUpper(strings.TrimSpace(s.Method))
	if method == "*" {
		method = ""
	}
	if method != "" && !httpguts.ValidHeaderFieldName(method) {
		return nil, fmt.Errorf("rule %s: invalid method %q", id, s.Method)
	}

	status := http.StatusOK
	if s.StatusCode != nil {
		status = *s.StatusCode
		if status < 100 || status > 599 {
			return nil, fmt.Errorf("rule %s: invalid statusCode %d", id, status)
		}
	}

	contentType := s.ContentType
	if contentType == "" {
		contentType = DefaultContentType
	}
	if !httpguts.ValidHeaderFieldValue(contentType) {
		return nil, fmt.Errorf("rule %s: invalid contentType %q", id, contentType)
	}

	headers := make(map[string]string, len(s.Headers))
	for k, v := range s.Headers {
		if !httpguts.ValidHeaderFieldName(k) {
			return nil, fmt.Errorf("rule %s: invalid header name %q", id, k)
		}
		if !httpguts.ValidHeaderFieldValue(v) {
			return nil, fmt.Errorf("rule %s: invalid value for header %q", id, k)
		}
		headers[k] = v
	}

	return &Rule{
		ID:          id,
		Template:    NewTemplate(s.Template),
		Method:      method,
		StatusCode:  status,
		Body:        []byte(s.Body),
		ContentType: contentType,
		Headers:     headers,
	}, nil
}
