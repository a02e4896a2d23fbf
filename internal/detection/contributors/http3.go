package contributors

import (
	"context"
	"strings"

	"github.com/threatvane/threatvane/internal/detection"
)

// h3ClientShapes maps known QUIC transport-parameter fingerprints to
// client families. The fingerprint is the ordered list of parameter ids a
// client offers, as forwarded by the edge in X-QUIC-Transport-Params.
var h3ClientShapes = map[string]string{
	"1,4,5,6,7,8,9,15": "Chrome",
	"1,3,4,5,6,7,8":    "Firefox",
	"1,4,5,6,7,9":      "Safari",
	"1,4,6,7":          "quic-go",
	"3,4,5,6":          "curl-h3",
}

// Http3Fingerprint classifies QUIC transport metadata forwarded by the
// edge: transport parameters, version (draft vs v2), 0-RTT, connection
// migration, the spin bit, and Alt-Svc driven upgrades.
type Http3Fingerprint struct {
	detection.Meta
}

// NewHttp3Fingerprint creates the contributor.
func NewHttp3Fingerprint() *Http3Fingerprint {
	return &Http3Fingerprint{Meta: detection.Meta{ContributorName: "Http3Fingerprint", RunPriority: 14}}
}

// Detect implements detection.Contributor.
func (h *Http3Fingerprint) Detect(_ context.Context, bb *detection.Blackboard) ([]detection.Contribution, error) {
	header := bb.Req.Header

	params := header.Get("X-QUIC-Transport-Params")
	version := header.Get("X-QUIC-Version")
	isHTTP3 := params != "" || version != "" ||
		strings.HasPrefix(bb.Req.Proto, "HTTP/3") ||
		strings.HasPrefix(header.Get("X-HTTP-Protocol"), "HTTP/3")

	if !isHTTP3 {
		return []detection.Contribution{detection.NoSignals(h.Name())}, nil
	}

	signals := map[string]any{
		detection.SignalH3IsHTTP3: true,
	}
	if params != "" {
		signals[detection.SignalH3TransportParams] = params
	}
	if version != "" {
		signals[detection.SignalH3Protocol] = version
	}
	zeroRTT := header.Get("X-QUIC-0RTT") == "1"
	if zeroRTT {
		signals[detection.SignalH3ZeroRTT] = true
	}
	if header.Get("X-QUIC-Connection-Migrated") == "1" {
		signals[detection.SignalH3Migrated] = true
	}

	var out []detection.Contribution

	clientType := classifyH3Client(params)
	if clientType != "" {
		signals[detection.SignalH3ClientType] = clientType
	}
	switch {
	case clientType == "Chrome" || clientType == "Firefox" || clientType == "Safari":
		out = append(out, detection.Contribution{
			Category:        "Http3Fingerprint",
			Reason:          "QUIC fingerprint matches " + clientType,
			ConfidenceDelta: -0.15,
			Signals:         signals,
		})
	case clientType != "":
		out = append(out, detection.Contribution{
			Category:        "Http3Fingerprint",
			Reason:          "QUIC fingerprint matches library client " + clientType,
			ConfidenceDelta: 0.35,
			BotType:         detection.BotTypeBad,
			Signals:         signals,
		})
	case params != "":
		out = append(out, detection.Contribution{
			Category:        "Http3Fingerprint",
			Reason:          "unrecognized QUIC transport parameter fingerprint",
			ConfidenceDelta: 0.25,
			Signals:         signals,
		})
	}

	// Draft versions in the wild are automation relics; browsers ship v1/v2.
	if strings.HasPrefix(strings.ToLower(version), "draft") {
		out = append(out, detection.Contribution{
			Category:        "Http3Fingerprint",
			Reason:          "QUIC draft version " + version,
			ConfidenceDelta: 0.3,
			Signals:         signals,
		})
	}

	// 0-RTT on a first contact is replay-shaped.
	if zeroRTT && header.Get("X-QUIC-Session-Resumed") != "1" {
		out = append(out, detection.Contribution{
			Category:        "Http3Fingerprint",
			Reason:          "0-RTT data without session resumption",
			ConfidenceDelta: 0.2,
			Signals:         signals,
		})
	}

	// An Alt-Svc driven upgrade implies a prior HTTP/1.1 or HTTP/2 visit;
	// clients that start cold on HTTP/3 hardcoded the endpoint.
	if header.Get("X-QUIC-Alt-Svc-Upgrade") == "0" {
		out = append(out, detection.Contribution{
			Category:        "Http3Fingerprint",
			Reason:          "HTTP/3 without Alt-Svc upgrade",
			ConfidenceDelta: 0.1,
			Signals:         signals,
		})
	}

	if len(out) == 0 {
		c := detection.NoSignals(h.Name())
		c.Signals = signals
		out = append(out, c)
	}
	return out, nil
}

// classifyH3Client keys the shape table on the ordered parameter id list.
func classifyH3Client(params string) string {
	if params == "" {
		return ""
	}
	ids := make([]string, 0, 8)
	for _, part := range strings.Split(params, ",") {
		id, _, _ := strings.Cut(strings.TrimSpace(part), "=")
		if id != "" {
			ids = append(ids, id)
		}
	}
	return h3ClientShapes[strings.Join(ids, ",")]
}
