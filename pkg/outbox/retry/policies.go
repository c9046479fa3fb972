package retry

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/angelmondragon/eventrelay/pkg/config"
)

// Wildcard is the category applied when nothing else matches.
const Wildcard = "*"

// Policies resolves a Policy per event type. It is an immutable value built
// once at startup and handed to the worker.
type Policies struct {
	categories map[string]Policy
	fallback   Policy
}

// NewPolicies builds a policy set. A "*" entry in categories replaces fallback.
func NewPolicies(fallback Policy, categories map[string]Policy) Policies {
	out := Policies{categories: make(map[string]Policy, len(categories)), fallback: fallback}
	for name, policy := range categories {
		key := NormalizeEventType(name)
		if key == Wildcard {
			out.fallback = policy
			continue
		}
		if key == "" {
			continue
		}
		out.categories[key] = policy
	}
	return out
}

// DefaultPolicies returns the built-in categories.
func DefaultPolicies() Policies {
	standard := func(maxRetries int, base, max time.Duration) Policy {
		return Policy{
			MaxRetries:        maxRetries,
			BaseDelay:         base,
			MaxDelay:          max,
			BackoffMultiplier: 2,
			JitterEnabled:     true,
			JitterRange:       0.1,
		}
	}
	return NewPolicies(standard(5, 10*time.Second, 30*time.Minute), map[string]Policy{
		"payment":      standard(10, 30*time.Second, time.Hour),
		"webhook":      standard(8, 10*time.Second, 30*time.Minute),
		"notification": standard(5, 5*time.Second, 10*time.Minute),
		"email":        standard(5, time.Minute, 2*time.Hour),
	})
}

// FromFile overlays the categories in file onto base.
func FromFile(base Policies, file *config.PoliciesFile) (Policies, error) {
	if file == nil {
		return base, nil
	}
	categories := make(map[string]Policy, len(base.categories)+len(file.Policies))
	for name, policy := range base.categories {
		categories[name] = policy
	}
	fallback := base.fallback
	for name, entry := range file.Policies {
		if entry.MaxDelay < entry.BaseDelay {
			return Policies{}, fmt.Errorf("policy %q: max_delay below base_delay", name)
		}
		policy := Policy{
			MaxRetries:        entry.MaxRetries,
			BaseDelay:         entry.BaseDelay,
			MaxDelay:          entry.MaxDelay,
			BackoffMultiplier: entry.BackoffMultiplier,
			JitterEnabled:     entry.Jitter,
			JitterRange:       entry.JitterRange,
			TransientErrors:   append([]string(nil), entry.TransientErrors...),
			PermanentErrors:   append([]string(nil), entry.PermanentErrors...),
		}
		if NormalizeEventType(name) == Wildcard {
			fallback = policy
			continue
		}
		categories[name] = policy
	}
	return NewPolicies(fallback, categories), nil
}

// WithRand returns a copy whose policies all draw jitter from src.
func (p Policies) WithRand(src Source) Policies {
	out := Policies{categories: make(map[string]Policy, len(p.categories)), fallback: p.fallback}
	out.fallback.Rand = src
	for name, policy := range p.categories {
		policy.Rand = src
		out.categories[name] = policy
	}
	return out
}

// Categories lists the configured category names, sorted.
func (p Policies) Categories() []string {
	names := make([]string, 0, len(p.categories))
	for name := range p.categories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve picks the policy for eventType: exact match, longest configured
// prefix ending on a segment boundary, a category sharing the first segment,
// then the wildcard.
func (p Policies) Resolve(eventType string) Policy {
	policy, _ := p.ResolveCategory(eventType)
	return policy
}

// ResolveCategory is Resolve that also reports the matched category.
func (p Policies) ResolveCategory(eventType string) (Policy, string) {
	key := NormalizeEventType(eventType)
	if key == "" {
		return p.fallback, Wildcard
	}

	if policy, ok := p.categories[key]; ok {
		return policy, key
	}

	best := ""
	for name := range p.categories {
		if len(name) <= len(best) || !strings.HasPrefix(key, name) {
			continue
		}
		if isSegmentSeparator(key[len(name)]) {
			best = name
		}
	}
	if best != "" {
		return p.categories[best], best
	}

	first := firstSegment(key)
	candidate := ""
	for name := range p.categories {
		if firstSegment(name) != first {
			continue
		}
		if candidate == "" || len(name) < len(candidate) || (len(name) == len(candidate) && name < candidate) {
			candidate = name
		}
	}
	if candidate != "" {
		return p.categories[candidate], candidate
	}

	return p.fallback, Wildcard
}

// NormalizeEventType lowercases, trims and folds '-' into '_'.
func NormalizeEventType(eventType string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(eventType)), "-", "_")
}

func isSegmentSeparator(b byte) bool {
	return b == '.' || b == '_' || b == ':'
}

func firstSegment(name string) string {
	if idx := strings.IndexAny(name, "._:"); idx >= 0 {
		return name[:idx]
	}
	return name
}
