// Package thresholds resolves effective (soft, hard) token limits from the
// layered override chain: model-level beats provider-level beats global,
// field by field, with a final soft ≤ hard clamp.
package thresholds

import (
	"strings"

	"github.com/roundtable-ai/roundtable/internal/config"
	"github.com/roundtable-ai/roundtable/pkg/models"
)

// Resolver computes effective token limits. The override table is injected
// once at construction and never re-read.
type Resolver struct {
	overrides config.LimitOverrides
}

// New creates a resolver over the given override table.
func New(overrides config.LimitOverrides) *Resolver {
	return &Resolver{overrides: overrides}
}

// Resolve returns the effective limits for an optional (model, provider)
// pair. Escalating specificity: global defaults first, then the provider
// override, then the model override. Each scope overwrites only the
// fields it sets, so an unset field inherits from the next-broader scope.
// The model lookup is tried under two naming conventions (the raw key and
// its env-sanitized form). Finally soft is clamped down to hard.
func (r *Resolver) Resolve(model models.ModelKey, provider models.ProviderKind) models.Limits {
	limits := models.Limits{
		Soft: r.overrides.GlobalSoft,
		Hard: r.overrides.GlobalHard,
	}

	if provider != "" {
		if v, ok := r.lookup(r.overrides.Soft, string(provider)); ok {
			limits.Soft = v
		}
		if v, ok := r.lookup(r.overrides.Hard, string(provider)); ok {
			limits.Hard = v
		}
	}

	if model != "" {
		if v, ok := r.lookup(r.overrides.Soft, string(model)); ok {
			limits.Soft = v
		}
		if v, ok := r.lookup(r.overrides.Hard, string(model)); ok {
			limits.Hard = v
		}
	}

	if limits.Soft > limits.Hard {
		limits.Soft = limits.Hard
	}
	return limits
}

// lookup tries the raw name first, then the sanitized env-style form.
func (r *Resolver) lookup(table map[string]int, name string) (int, bool) {
	if table == nil {
		return 0, false
	}
	if v, ok := table[name]; ok {
		return v, true
	}
	if v, ok := table[Sanitize(name)]; ok {
		return v, true
	}
	return 0, false
}

// Sanitize maps a model key or provider kind to the env-var suffix form:
// uppercase with every non-alphanumeric collapsed to an underscore
// ("gpt-5" → "GPT_5", "llama3.2" → "LLAMA3_2").
func Sanitize(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, c := range strings.ToUpper(name) {
		if (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') {
			b.WriteRune(c)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}
