// Package redact scrubs sensitive substrings from structured payloads
// before they are logged or transmitted.
//
// The filter is total (never fails on malformed input) and idempotent:
// re-applying it to already-redacted output is a no-op. A failure while
// redacting one leaf never aborts redaction of sibling fields; the
// offending leaf is replaced wholesale with the generic sentinel.
package redact

import (
	"context"
	"regexp"
	"strings"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

// Class identifies a redaction pattern class for counting.
type Class string

const (
	ClassURL    Class = "url"
	ClassEmail  Class = "email"
	ClassCard   Class = "card"
	ClassSSN    Class = "ssn"
	ClassPhone  Class = "phone"
	ClassToken  Class = "token"
	ClassAPIKey Class = "api_key"
	ClassIP     Class = "ip"
	// ClassField counts whole values dropped because their key name is
	// sensitive (password, secret, apiKeys, ...).
	ClassField Class = "field"
)

// SentinelGeneric replaces values redacted by key name or after a
// per-leaf failure.
const SentinelGeneric = "[REDACTED]"

type pattern struct {
	class    Class
	re       *regexp.Regexp
	sentinel string
}

// Application order matters: URLs go first so their embedded hosts and
// query strings never surface as separate IP/email matches, and card
// groupings go before the looser phone grouping.
var patterns = []pattern{
	{ClassURL, regexp.MustCompile(`https?://[^\s"'<>]+`), "[URL_REDACTED]"},
	{ClassEmail, regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`), "[EMAIL_REDACTED]"},
	{ClassCard, regexp.MustCompile(`\b\d{4}[\s-]?\d{4}[\s-]?\d{4}[\s-]?\d{4}\b`), "[CARD_REDACTED]"},
	{ClassSSN, regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`), "[SSN_REDACTED]"},
	{ClassPhone, regexp.MustCompile(`\b(?:\+?1[-.\s]?)?\(?\d{3}\)?[-.\s]?\d{3}[-.\s]?\d{4}\b`), "[PHONE_REDACTED]"},
	{ClassToken, regexp.MustCompile(`(?i)\b(?:bearer|token|key|secret)[\s=:]+["']?[A-Za-z0-9+/=]{20,}["']?`), "[TOKEN_REDACTED]"},
	{ClassAPIKey, regexp.MustCompile(`\b[A-Za-z0-9]{32,}\b`), "[API_KEY_REDACTED]"},
	{ClassIP, regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`), "[IP_REDACTED]"},
}

// Key names whose values are dropped wholesale, matched as lowercase
// substrings.
var sensitiveKeys = []string{
	"password", "secret", "token", "authorization",
	"apikey", "api_key", "apikeys", "api_keys",
	"access_key", "secret_key", "private_key",
	"aws_access_key_id", "aws_secret_access_key",
}

// Redactor scrubs strings and nested structures. Safe for concurrent use;
// counters are process-lifetime monotonic.
type Redactor struct {
	enabled bool
	counts  map[Class]*atomic.Int64
	counter otelmetric.Int64Counter
}

// New creates a Redactor. When enabled is false every method passes input
// through unchanged; counters stay at zero.
func New(enabled bool) *Redactor {
	r := &Redactor{
		enabled: enabled,
		counts:  make(map[Class]*atomic.Int64),
	}
	for _, p := range patterns {
		r.counts[p.class] = &atomic.Int64{}
	}
	r.counts[ClassField] = &atomic.Int64{}

	meter := otel.GetMeterProvider().Meter("pulse/redact")
	if counter, err := meter.Int64Counter("redactions_total",
		otelmetric.WithDescription("Sensitive values replaced, by pattern class")); err == nil {
		r.counter = counter
	}
	return r
}

// Enabled reports whether the redactor is active.
func (r *Redactor) Enabled() bool {
	return r.enabled
}

// String redacts a single string, applying every pattern class in order.
func (r *Redactor) String(s string) string {
	if !r.enabled || s == "" {
		return s
	}
	return r.leaf(s)
}

// Value redacts an arbitrary nested structure, returning a value of
// identical shape. Strings are scrubbed; maps and slices are walked;
// non-string leaves pass through unchanged. The input is never mutated.
func (r *Redactor) Value(v any) any {
	if !r.enabled {
		return v
	}
	switch t := v.(type) {
	case string:
		return r.leaf(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if sensitiveKey(k) {
				out[k] = SentinelGeneric
				r.record(ClassField, 1)
				continue
			}
			out[k] = r.Value(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = r.Value(item)
		}
		return out
	default:
		return v
	}
}

// Counts returns a point-in-time copy of the per-class redaction counters.
func (r *Redactor) Counts() map[Class]int64 {
	out := make(map[Class]int64, len(r.counts))
	for class, n := range r.counts {
		out[class] = n.Load()
	}
	return out
}

// leaf scrubs one string. A failure on one leaf is isolated: the leaf
// comes back as the generic sentinel instead of aborting the envelope
// (fail-safe full redaction).
func (r *Redactor) leaf(s string) (out string) {
	defer func() {
		if rec := recover(); rec != nil {
			out = SentinelGeneric
			r.record(ClassField, 1)
		}
	}()
	out = s
	for _, p := range patterns {
		if n := len(p.re.FindAllStringIndex(out, -1)); n > 0 {
			out = p.re.ReplaceAllString(out, p.sentinel)
			r.record(p.class, int64(n))
		}
	}
	return out
}

func (r *Redactor) record(class Class, n int64) {
	r.counts[class].Add(n)
	if r.counter != nil {
		r.counter.Add(context.Background(), n,
			otelmetric.WithAttributes(attribute.String("class", string(class))))
	}
}

func sensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, s := range sensitiveKeys {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}
