// Package providers implements the back-end driver layer.
//
// Each driver turns a normalized completion request into a provider-native
// HTTP call and maps failures onto a closed taxonomy so the orchestrator's
// retry and short-circuit logic can dispatch on structure, not on error
// message prefixes.
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/roundtable-ai/roundtable/internal/config"
	"github.com/roundtable-ai/roundtable/pkg/models"
)

// FailureKind classifies a provider call failure.
type FailureKind string

const (
	FailOverloaded  FailureKind = "overloaded"
	FailRateLimited FailureKind = "rate_limited"
	FailTimeout     FailureKind = "timeout"
	FailAuth        FailureKind = "auth"
	FailBadRequest  FailureKind = "bad_request"
	FailUpstream    FailureKind = "upstream"
)

// CallError is the typed failure returned by every driver.
type CallError struct {
	Provider models.ProviderKind
	Kind     FailureKind
	Status   int
	Message  string
}

func (e *CallError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s: status %d: %s", e.Provider, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// Overloaded reports whether the provider rejected the call because it
// cannot take more load right now. Rate limiting counts: switching
// providers is the right move in both cases.
func (e *CallError) Overloaded() bool {
	return e.Kind == FailOverloaded || e.Kind == FailRateLimited
}

// Transient reports whether a retry has any chance of succeeding.
func (e *CallError) Transient() bool {
	return e.Overloaded() || e.Kind == FailTimeout || e.Kind == FailUpstream
}

// IsOverloaded unwraps err and reports whether it is an overload-class
// provider failure.
func IsOverloaded(err error) bool {
	var ce *CallError
	return errors.As(err, &ce) && ce.Overloaded()
}

// Request is the normalized completion request handed to a driver. Model
// is the provider-native name, not the catalog key. A nil Temperature
// means the field is omitted from the wire request entirely.
type Request struct {
	Model       string
	Messages    []models.ChatMessage
	System      string
	Temperature *float64
	MaxTokens   int
	APIKey      string
}

// Response is a successful completion.
type Response struct {
	Text  string
	Model string
	Usage models.TokenUsage
}

// Driver is a single back-end adapter.
type Driver interface {
	Kind() models.ProviderKind
	Complete(ctx context.Context, req *Request) (*Response, error)
	HealthCheck(ctx context.Context) error
}

// Registry holds the configured drivers, one per provider kind.
type Registry struct {
	drivers map[models.ProviderKind]Driver
}

// NewRegistry builds a registry with the three built-in drivers. Drivers
// for providers without credentials are still registered; they fail with
// an auth-class CallError at call time.
func NewRegistry(cfg *config.Config) *Registry {
	client := &http.Client{Timeout: 120 * time.Second}
	r := &Registry{drivers: make(map[models.ProviderKind]Driver)}
	r.Register(NewOpenAI(cfg.Providers.OpenAI, client))
	r.Register(NewAnthropic(cfg.Providers.Anthropic, client))
	r.Register(NewOllama(cfg.Providers.Ollama, client))
	return r
}

// Register adds or replaces the driver for its kind.
func (r *Registry) Register(d Driver) {
	r.drivers[d.Kind()] = d
}

// Get returns the driver for a kind, or nil if none is registered.
func (r *Registry) Get(kind models.ProviderKind) Driver {
	return r.drivers[kind]
}

// Kinds lists the registered provider kinds, sorted.
func (r *Registry) Kinds() []string {
	out := make([]string, 0, len(r.drivers))
	for k := range r.drivers {
		out = append(out, string(k))
	}
	sort.Strings(out)
	return out
}

// HealthCheck probes every registered driver and returns kind → status,
// where status is "ok" or the error text.
func (r *Registry) HealthCheck(ctx context.Context) map[string]string {
	result := make(map[string]string, len(r.drivers))
	for kind, d := range r.drivers {
		if err := d.HealthCheck(ctx); err != nil {
			result[string(kind)] = err.Error()
		} else {
			result[string(kind)] = "ok"
		}
	}
	return result
}

// apiError is the error envelope shared by the OpenAI and Anthropic wire
// formats.
type apiError struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// classify maps an HTTP failure status and body onto the failure taxonomy.
// Anthropic signals overload with a 529 status or an "overloaded_error"
// body even on other 5xx statuses, so the body is inspected first.
func classify(kind models.ProviderKind, status int, body []byte) *CallError {
	msg := strings.TrimSpace(string(body))
	var parsed apiError
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error.Message != "" {
		msg = parsed.Error.Message
	}

	var fk FailureKind
	switch {
	case status == 529 || parsed.Error.Type == "overloaded_error":
		fk = FailOverloaded
	case status == http.StatusTooManyRequests:
		fk = FailRateLimited
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		fk = FailAuth
	case status == http.StatusRequestTimeout:
		fk = FailTimeout
	case status >= 400 && status < 500:
		fk = FailBadRequest
	default:
		fk = FailUpstream
	}
	return &CallError{Provider: kind, Kind: fk, Status: status, Message: msg}
}

// transportError wraps a client-side failure (connection refused, DNS,
// context deadline) in the taxonomy.
func transportError(kind models.ProviderKind, err error) *CallError {
	fk := FailUpstream
	var nerr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &nerr) && nerr.Timeout()) {
		fk = FailTimeout
	}
	return &CallError{Provider: kind, Kind: fk, Message: err.Error()}
}
