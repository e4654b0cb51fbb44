package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/taskhive/converse/internal/config"
	"github.com/taskhive/converse/pkg/boundary"
	"github.com/taskhive/converse/pkg/engine"
	"github.com/taskhive/converse/pkg/graph"
	"github.com/taskhive/converse/pkg/state"
	"github.com/taskhive/converse/pkg/toolrelay"
)

var serviceKeywords = []string{
	"landscaping", "plumbing", "cleaning", "painting", "electrical", "moving",
}

// RegisterBuiltinIntents installs the intent graphs shipped with the binary.
// The relay may be nil, in which case provider search degrades to a stub.
func RegisterBuiltinIntents(registry *graph.Registry, relay *toolrelay.Relay, defaults config.BoundaryConfig) error {
	return registry.Register(serviceRequestGraph(relay, defaults))
}

// serviceRequestGraph books a service provider: collect the service type and
// city, search providers through the tool relay, then confirm the booking.
func serviceRequestGraph(relay *toolrelay.Relay, defaults config.BoundaryConfig) *graph.Definition {
	return &graph.Definition{
		Intent: "service_request",
		Start:  "collect_details",
		Boundary: boundary.Config{
			ForbiddenTopics: defaults.ForbiddenTopics,
			AllowedTopics:   append([]string{"home service requests"}, defaults.AllowedTopics...),
			ClosingPhrases:  defaults.ClosingPhrases,
			MaxTurns:        defaults.MaxTurns,
		},
		Merge: state.MergeTable{
			"preferences": state.PolicyMergeObject,
			"photos":      state.PolicyAppendArray,
		},
		Nodes: map[string]*graph.Node{
			"collect_details": {
				ID:       "collect_details",
				Produces: []string{"service_type", "city"},
				Handler:  graph.HandlerFunc(collectDetails),
				Edge: graph.ConditionalEdge{Evaluate: func(conv *state.Conversation) string {
					if conv.Value("service_type") != nil && conv.Value("city") != nil {
						return "find_provider"
					}
					return "collect_details"
				}},
			},
			"find_provider": {
				ID:       "find_provider",
				Requires: []string{"service_type", "city"},
				Produces: []string{"providers"},
				Handler:  findProvider(relay),
				Edge:     graph.StaticEdge{To: "confirm"},
			},
			"confirm": {
				ID:       "confirm",
				Requires: []string{"providers"},
				Handler:  graph.HandlerFunc(confirmBooking),
				Edge: graph.ConditionalEdge{Evaluate: func(conv *state.Conversation) string {
					if conv.Value("confirmed") != nil {
						return ""
					}
					return "confirm"
				}},
			},
		},
	}
}

// collectDetails extracts the service type and city from the user's message
// and asks for whichever is still missing
func collectDetails(_ context.Context, conv *state.Conversation, incoming string) (state.Update, error) {
	update := state.Update{Source: "user_input", Variables: map[string]interface{}{}}
	normalized := strings.ToLower(incoming)

	for _, keyword := range serviceKeywords {
		if strings.Contains(normalized, keyword) {
			update.Variables["service_type"] = keyword
			break
		}
	}
	if city := extractCity(incoming); city != "" {
		update.Variables["city"] = city
	}

	hasService := conv.Value("service_type") != nil || update.Variables["service_type"] != nil
	hasCity := conv.Value("city") != nil || update.Variables["city"] != nil

	switch {
	case !hasService && !hasCity:
		update.Response = "What kind of service do you need, and in which city?"
	case !hasService:
		update.Response = "Got it. What kind of service do you need?"
	case !hasCity:
		update.Response = "Which city do you need service in?"
	}
	update.RequiresUserInput = update.Response != ""

	return update, nil
}

// extractCity takes the words following "in", e.g. "plumbing in San Antonio"
func extractCity(message string) string {
	words := strings.Fields(message)
	for i, word := range words {
		if strings.EqualFold(word, "in") && i+1 < len(words) {
			city := strings.Join(words[i+1:], " ")
			return strings.Trim(city, ".,!? ")
		}
	}
	return ""
}

// findProvider searches providers through the tool relay. Without a relay it
// records a stub result so the flow stays usable in local development.
func findProvider(relay *toolrelay.Relay) graph.Handler {
	return graph.HandlerFunc(func(ctx context.Context, conv *state.Conversation, _ string) (state.Update, error) {
		city := fmt.Sprint(conv.Value("city"))
		serviceType := fmt.Sprint(conv.Value("service_type"))

		if relay == nil {
			return state.Update{
				Source:    "system",
				Variables: map[string]interface{}{"providers": []interface{}{"local-demo-provider"}},
			}, nil
		}

		result, err := relay.ExecuteWithRetry(ctx, conv, "find_provider", "search_providers",
			map[string]interface{}{"city": city, "service_type": serviceType}, engine.AuthFromContext(ctx))
		if err != nil {
			return state.Update{}, err
		}

		var payload struct {
			Providers []interface{} `json:"providers"`
		}
		if err := json.Unmarshal(result.Body, &payload); err != nil {
			return state.Update{}, fmt.Errorf("unexpected provider search response: %w", err)
		}

		return state.Update{
			Source:    "tool",
			Variables: map[string]interface{}{"providers": payload.Providers},
		}, nil
	})
}

// confirmBooking asks for and records the user's go-ahead
func confirmBooking(_ context.Context, conv *state.Conversation, incoming string) (state.Update, error) {
	normalized := strings.ToLower(incoming)

	if strings.Contains(normalized, "yes") || strings.Contains(normalized, "confirm") {
		return state.Update{
			Source:    "user_input",
			Variables: map[string]interface{}{"confirmed": true},
			Response: fmt.Sprintf("All set! Your %v request in %v is booked.",
				conv.Value("service_type"), conv.Value("city")),
		}, nil
	}

	return state.Update{
		Response: fmt.Sprintf("I found providers for %v in %v. Shall I book one? (yes/no)",
			conv.Value("service_type"), conv.Value("city")),
		RequiresUserInput: true,
	}, nil
}
