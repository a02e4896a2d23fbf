package contributors

import (
	"context"
	"strings"

	"github.com/threatvane/threatvane/internal/detection"
)

// h2Shape is a known client HTTP/2 fingerprint: which SETTINGS keys it
// sends and the pseudo-header order it uses.
type h2Shape struct {
	name        string
	settingKeys []string
	pseudoOrder string
	human       bool
}

var h2Shapes = []h2Shape{
	{"Chrome_Desktop", []string{"1", "2", "3", "4", "6"}, "method,authority,scheme,path", true},
	{"Firefox_Desktop", []string{"1", "2", "3", "4", "5"}, "method,path,authority,scheme", true},
	{"Safari_Desktop", []string{"2", "3", "4"}, "method,scheme,path,authority", true},
	{"Edge_Desktop", []string{"1", "2", "3", "4", "6"}, "method,authority,scheme,path", true},
	{"Go_net_http", []string{"1", "2", "4", "6"}, "method,path,scheme,authority", false},
	{"curl", []string{"3", "4"}, "method,path,scheme,authority", false},
	{"OkHttp", []string{"1", "2", "4", "6"}, "method,path,authority,scheme", false},
}

// Http2Fingerprint classifies the HTTP/2 transport shape from the
// fingerprint headers a terminating proxy forwards (X-HTTP2-*), and
// penalizes HTTP/1.1 from clients on a stack that negotiated HTTP/2.
type Http2Fingerprint struct {
	detection.Meta
}

// NewHttp2Fingerprint creates the contributor.
func NewHttp2Fingerprint() *Http2Fingerprint {
	return &Http2Fingerprint{Meta: detection.Meta{ContributorName: "Http2Fingerprint", RunPriority: 12}}
}

// Detect implements detection.Contributor.
func (h *Http2Fingerprint) Detect(_ context.Context, bb *detection.Blackboard) ([]detection.Contribution, error) {
	header := bb.Req.Header

	proto := bb.Req.Proto
	behindProxy := false
	if forwarded := header.Get("X-HTTP-Protocol"); forwarded != "" {
		proto = forwarded
		behindProxy = true
	}
	isHTTP2 := strings.HasPrefix(proto, "HTTP/2")
	isHTTP3 := strings.HasPrefix(proto, "HTTP/3")

	signals := map[string]any{
		detection.SignalH2IsHTTP2:     isHTTP2,
		detection.SignalH2BehindProxy: behindProxy,
		detection.SignalH2IsHTTP3:     isHTTP3,
	}

	settings := header.Get("X-HTTP2-Settings")
	pseudoOrder := strings.ToLower(strings.ReplaceAll(header.Get("X-HTTP2-Pseudoheader-Order"), " ", ""))
	priority := header.Get("X-HTTP2-Stream-Priority")
	pushEnabled := header.Get("X-HTTP2-Push-Enabled")
	preface := header.Get("X-HTTP2-Preface-Valid")

	if pseudoOrder != "" {
		signals[detection.SignalH2PseudoOrder] = pseudoOrder
	}
	if priority != "" {
		signals[detection.SignalH2UsesPriority] = true
	}
	if pushEnabled != "" {
		signals[detection.SignalH2PushEnabled] = pushEnabled == "1"
	}
	if preface != "" {
		signals[detection.SignalH2PrefaceValid] = preface != "0"
	}

	// No fingerprint headers at all: nothing to classify on.
	if settings == "" && pseudoOrder == "" {
		if !isHTTP2 && behindProxy {
			// The edge negotiated HTTP/2 capability but this client spoke
			// HTTP/1.1; automation frameworks often do.
			return []detection.Contribution{{
				Category:        "Http2Fingerprint",
				Reason:          "HTTP/1.1 client behind an HTTP/2-capable edge",
				ConfidenceDelta: 0.15,
				Signals:         signals,
			}}, nil
		}
		c := detection.NoSignals(h.Name())
		c.Signals = signals
		return []detection.Contribution{c}, nil
	}

	if preface == "0" {
		signals[detection.SignalH2Unknown] = true
		return []detection.Contribution{{
			Category:        "Http2Fingerprint",
			Reason:          "invalid HTTP/2 connection preface",
			ConfidenceDelta: 0.6,
			BotType:         detection.BotTypeBad,
			Signals:         signals,
		}}, nil
	}

	shape := classifyH2Shape(settingKeys(settings), pseudoOrder)
	if shape == nil {
		signals[detection.SignalH2Unknown] = true
		return []detection.Contribution{{
			Category:        "Http2Fingerprint",
			Reason:          "unrecognized HTTP/2 fingerprint",
			ConfidenceDelta: 0.3,
			Signals:         signals,
		}}, nil
	}

	if shape.human {
		return []detection.Contribution{{
			Category:        "Http2Fingerprint",
			Reason:          "HTTP/2 fingerprint matches " + shape.name,
			ConfidenceDelta: -0.2,
			Signals:         signals,
		}}, nil
	}
	return []detection.Contribution{{
		Category:        "Http2Fingerprint",
		Reason:          "HTTP/2 fingerprint matches automation client " + shape.name,
		ConfidenceDelta: 0.4,
		BotType:         detection.BotTypeBad,
		Signals:         signals,
	}}, nil
}

// settingKeys extracts the SETTINGS identifiers from "1:65536,2:0,..."
// preserving order.
func settingKeys(settings string) []string {
	parts := strings.Split(settings, ",")
	keys := make([]string, 0, len(parts))
	for _, p := range parts {
		key, _, ok := strings.Cut(strings.TrimSpace(p), ":")
		if !ok || key == "" {
			continue
		}
		keys = append(keys, key)
	}
	return keys
}

// classifyH2Shape matches on pseudo-header order first (the strongest
// discriminator), falling back to the settings key set.
func classifyH2Shape(keys []string, pseudoOrder string) *h2Shape {
	for i := range h2Shapes {
		s := &h2Shapes[i]
		if pseudoOrder != "" && s.pseudoOrder == pseudoOrder {
			return s
		}
	}
	if len(keys) == 0 {
		return nil
	}
	joined := strings.Join(keys, ",")
	for i := range h2Shapes {
		s := &h2Shapes[i]
		if strings.Join(s.settingKeys, ",") == joined {
			return s
		}
	}
	return nil
}
