package dispatch

import (
	"fmt"
	"net/http"
	"sort"

	gcppubsub "cloud.google.com/go/pubsub/v2"

	"github.com/angelmondragon/eventrelay/pkg/config"
	"github.com/angelmondragon/eventrelay/pkg/outbox"
)

const (
	RouteKindHTTP   = "http"
	RouteKindPubSub = "pubsub"
)

// PublisherSource hands out a publisher per topic. *pubsub.Client satisfies it.
type PublisherSource interface {
	Publisher(topic string) *gcppubsub.Publisher
}

type RegistryParams struct {
	Routes     *config.RoutesFile
	HTTPClient *http.Client
	PubSub     PublisherSource
}

// BuildRegistry registers one handler per configured route.
func BuildRegistry(params RegistryParams) (*outbox.HandlerRegistry, error) {
	registry := outbox.NewHandlerRegistry()
	httpClient := params.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if params.Routes == nil {
		return registry, nil
	}

	eventTypes := make([]string, 0, len(params.Routes.Routes))
	for eventType := range params.Routes.Routes {
		eventTypes = append(eventTypes, eventType)
	}
	sort.Strings(eventTypes)

	for _, eventType := range eventTypes {
		route := params.Routes.Routes[eventType]
		var (
			handler outbox.Handler
			err     error
		)
		switch route.Kind {
		case RouteKindHTTP:
			handler, err = NewHTTPHandler(httpClient, route.URL, route.Headers, route.Timeout)
		case RouteKindPubSub:
			if params.PubSub == nil {
				return nil, fmt.Errorf("route %q: pubsub is not configured", eventType)
			}
			handler, err = NewPubSubHandler(NewGCPPublisher(params.PubSub.Publisher(route.Topic)), route.Topic, route.Timeout)
		default:
			err = fmt.Errorf("unknown route kind %q", route.Kind)
		}
		if err != nil {
			return nil, fmt.Errorf("route %q: %w", eventType, err)
		}
		if err := registry.Register(eventType, handler); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

// Topics lists the distinct Pub/Sub topics referenced by routes.
func Topics(routes *config.RoutesFile) []string {
	if routes == nil {
		return nil
	}
	seen := map[string]struct{}{}
	out := []string{}
	for _, route := range routes.Routes {
		if route.Kind != RouteKindPubSub {
			continue
		}
		if _, ok := seen[route.Topic]; ok {
			continue
		}
		seen[route.Topic] = struct{}{}
		out = append(out, route.Topic)
	}
	sort.Strings(out)
	return out
}
