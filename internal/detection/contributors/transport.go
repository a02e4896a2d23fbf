package contributors

import (
	"context"
	"net/http"
	"strings"

	"github.com/threatvane/threatvane/internal/detection"
)

// TransportProtocol classifies non-plain-HTTP transports (WebSocket, gRPC,
// gRPC-Web, GraphQL, SSE) and validates each protocol's header invariants.
// Violations are bot-ward: real clients get these right.
type TransportProtocol struct {
	detection.Meta
}

// NewTransportProtocol creates the contributor.
func NewTransportProtocol() *TransportProtocol {
	return &TransportProtocol{Meta: detection.Meta{ContributorName: "TransportProtocol", RunPriority: 13}}
}

// Detect implements detection.Contributor.
func (t *TransportProtocol) Detect(_ context.Context, bb *detection.Blackboard) ([]detection.Contribution, error) {
	r := bb.Req

	if isWebSocketUpgrade(r) {
		return t.classifyWebSocket(r), nil
	}
	contentType := strings.ToLower(r.Header.Get("Content-Type"))
	if strings.HasPrefix(contentType, "application/grpc-web") {
		return t.classifyGRPCWeb(r), nil
	}
	if strings.HasPrefix(contentType, "application/grpc") {
		return t.classifyGRPC(r), nil
	}
	if isGraphQLPath(r.URL.Path) {
		return t.classifyGraphQL(r), nil
	}
	if strings.Contains(strings.ToLower(r.Header.Get("Accept")), "text/event-stream") {
		return t.classifySSE(r), nil
	}

	return []detection.Contribution{detection.NoSignals(t.Name())}, nil
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade") &&
		strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

func (t *TransportProtocol) classifyWebSocket(r *http.Request) []detection.Contribution {
	signals := map[string]any{
		detection.SignalTransportProtocol:  "websocket",
		detection.SignalTransportIsUpgrade: true,
	}
	version := r.Header.Get("Sec-WebSocket-Version")
	origin := r.Header.Get("Origin")
	signals[detection.SignalTransportWSVersion] = version
	if origin != "" {
		signals[detection.SignalTransportWSOrigin] = origin
	}

	var violations []string
	if r.Method != http.MethodGet {
		violations = append(violations, "handshake method "+r.Method)
	}
	if version != "13" {
		violations = append(violations, "websocket version "+version)
	}
	if r.Header.Get("Sec-WebSocket-Key") == "" {
		violations = append(violations, "missing websocket key")
	}
	if origin == "" {
		violations = append(violations, "missing origin")
	}

	if len(violations) == 0 {
		c := detection.NoSignals(t.Name())
		c.Reason = "valid websocket handshake"
		c.Signals = signals
		return []detection.Contribution{c}
	}
	return []detection.Contribution{{
		Category:        "TransportProtocol",
		Reason:          "websocket handshake invalid: " + strings.Join(violations, ", "),
		ConfidenceDelta: 0.2 * float64(len(violations)),
		Signals:         signals,
	}}
}

func (t *TransportProtocol) classifyGRPC(r *http.Request) []detection.Contribution {
	signals := map[string]any{
		detection.SignalTransportProtocol: "grpc",
		detection.SignalTransportGRPCType: r.Header.Get("Content-Type"),
	}
	// gRPC over HTTP/2 requires "te: trailers"; its absence means a client
	// that never ran the real stack.
	if !strings.Contains(strings.ToLower(r.Header.Get("te")), "trailers") {
		return []detection.Contribution{{
			Category:        "TransportProtocol",
			Reason:          "grpc request missing te: trailers",
			ConfidenceDelta: 0.4,
			Signals:         signals,
		}}
	}
	if r.Method != http.MethodPost {
		return []detection.Contribution{{
			Category:        "TransportProtocol",
			Reason:          "grpc request with method " + r.Method,
			ConfidenceDelta: 0.3,
			Signals:         signals,
		}}
	}
	c := detection.NoSignals(t.Name())
	c.Reason = "valid grpc request"
	c.Signals = signals
	return []detection.Contribution{c}
}

func (t *TransportProtocol) classifyGRPCWeb(r *http.Request) []detection.Contribution {
	signals := map[string]any{
		detection.SignalTransportProtocol: "grpc-web",
		detection.SignalTransportGRPCType: r.Header.Get("Content-Type"),
	}
	if r.Method != http.MethodPost {
		return []detection.Contribution{{
			Category:        "TransportProtocol",
			Reason:          "grpc-web request with method " + r.Method,
			ConfidenceDelta: 0.3,
			Signals:         signals,
		}}
	}
	c := detection.NoSignals(t.Name())
	c.Reason = "valid grpc-web request"
	c.Signals = signals
	return []detection.Contribution{c}
}

func isGraphQLPath(path string) bool {
	return path == "/graphql" || path == "/api/gql" ||
		strings.HasPrefix(path, "/grpc.reflection.v1alpha.")
}

func (t *TransportProtocol) classifyGraphQL(r *http.Request) []detection.Contribution {
	signals := map[string]any{
		detection.SignalTransportProtocol: "graphql",
	}
	query := r.URL.RawQuery

	var out []detection.Contribution
	if strings.Contains(query, "__schema") || strings.Contains(query, "IntrospectionQuery") {
		signals[detection.SignalTransportGQLIntrospect] = true
		out = append(out, detection.Contribution{
			Category:        "TransportProtocol",
			Reason:          "graphql introspection query",
			ConfidenceDelta: 0.5,
			BotType:         detection.BotTypeBad,
			Signals:         signals,
		})
	}
	if strings.HasPrefix(strings.TrimSpace(r.Header.Get("X-GraphQL-Batch")), "1") {
		signals[detection.SignalTransportGQLBatch] = true
		out = append(out, detection.Contribution{
			Category:        "TransportProtocol",
			Reason:          "graphql batch request",
			ConfidenceDelta: 0.25,
			Signals:         signals,
		})
	}
	if r.Method != http.MethodPost && r.Method != http.MethodGet {
		out = append(out, detection.Contribution{
			Category:        "TransportProtocol",
			Reason:          "graphql request with method " + r.Method,
			ConfidenceDelta: 0.3,
			Signals:         signals,
		})
	}
	if len(out) == 0 {
		c := detection.NoSignals(t.Name())
		c.Reason = "plain graphql request"
		c.Signals = signals
		out = append(out, c)
	}
	return out
}

func (t *TransportProtocol) classifySSE(r *http.Request) []detection.Contribution {
	signals := map[string]any{
		detection.SignalTransportProtocol: "sse",
		detection.SignalTransportSSE:      true,
	}
	if id := r.Header.Get("Last-Event-ID"); id != "" {
		signals["transport.sse_last_event_id"] = id
	}
	// Real EventSource clients always send Cache-Control: no-cache.
	if !strings.Contains(strings.ToLower(r.Header.Get("Cache-Control")), "no-cache") {
		return []detection.Contribution{{
			Category:        "TransportProtocol",
			Reason:          "sse request without no-cache cache-control",
			ConfidenceDelta: 0.2,
			Signals:         signals,
		}}
	}
	c := detection.NoSignals(t.Name())
	c.Reason = "valid sse request"
	c.Signals = signals
	return []detection.Contribution{c}
}
