package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// RetryPolicySpec is the on-disk shape of one retry policy category.
type RetryPolicySpec struct {
	MaxRetries        int           `yaml:"max_retries" validate:"gte=0"`
	BaseDelay         time.Duration `yaml:"base_delay" validate:"gt=0"`
	MaxDelay          time.Duration `yaml:"max_delay" validate:"gtefield=BaseDelay"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier" validate:"gte=1"`
	Jitter            bool          `yaml:"jitter"`
	JitterRange       float64       `yaml:"jitter_range" validate:"gte=0,lte=1"`
	TransientErrors   []string      `yaml:"transient_errors"`
	PermanentErrors   []string      `yaml:"permanent_errors"`
}

// PoliciesFile maps event-type categories ("payment", "webhook", "*") to policies.
type PoliciesFile struct {
	Policies map[string]RetryPolicySpec `yaml:"policies" validate:"required,dive"`
}

// RouteSpec binds an event type to a dispatch target.
type RouteSpec struct {
	Kind    string            `yaml:"kind" validate:"required,oneof=http pubsub"`
	URL     string            `yaml:"url" validate:"omitempty,url"`
	Topic   string            `yaml:"topic"`
	Timeout time.Duration     `yaml:"timeout" validate:"gte=0"`
	Headers map[string]string `yaml:"headers"`
}

// RoutesFile maps event types to dispatch routes.
type RoutesFile struct {
	Routes map[string]RouteSpec `yaml:"routes" validate:"required,dive"`
}

var fileValidator = validator.New()

// LoadPolicies reads and validates a retry policies file.
func LoadPolicies(path string) (*PoliciesFile, error) {
	var out PoliciesFile
	if err := decodeYAMLFile(path, &out); err != nil {
		return nil, err
	}
	for name := range out.Policies {
		if strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("policies file %s: empty category name", path)
		}
	}
	return &out, nil
}

// LoadRoutes reads and validates a dispatch routes file.
func LoadRoutes(path string) (*RoutesFile, error) {
	var out RoutesFile
	if err := decodeYAMLFile(path, &out); err != nil {
		return nil, err
	}
	for eventType, route := range out.Routes {
		switch route.Kind {
		case "http":
			if route.URL == "" {
				return nil, fmt.Errorf("routes file %s: route %q requires url", path, eventType)
			}
		case "pubsub":
			if route.Topic == "" {
				return nil, fmt.Errorf("routes file %s: route %q requires topic", path, eventType)
			}
		}
	}
	return &out, nil
}

func decodeYAMLFile(path string, dest any) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, dest); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	if err := fileValidator.Struct(dest); err != nil {
		return fmt.Errorf("validating %s: %w", path, err)
	}
	return nil
}
