package contributors

import (
	"context"
	"strings"

	"github.com/threatvane/threatvane/internal/detection"
	"github.com/threatvane/threatvane/internal/patterncache"
)

// verifiedGoodCrawlers are the operators whose bots we classify good on a
// UA match alone. Full verification (reverse DNS etc.) is not this
// contributor's job.
var verifiedGoodCrawlers = map[string]detection.BotType{
	"googlebot":   detection.BotTypeGood,
	"bingbot":     detection.BotTypeGood,
	"duckduckbot": detection.BotTypeGood,
	"applebot":    detection.BotTypeGood,
	"slurp":       detection.BotTypeGood,
	"yandex":      detection.BotTypeGood,
	"baiduspider": detection.BotTypeGood,
}

// UserAgent matches the UA string against the built-in and downloaded
// pattern corpora. It also serves as the fast path's cheap classifier.
type UserAgent struct {
	detection.Meta
	cache *patterncache.Cache
}

// NewUserAgent creates the contributor over the shared pattern cache.
func NewUserAgent(cache *patterncache.Cache) *UserAgent {
	return &UserAgent{
		Meta:  detection.Meta{ContributorName: "UserAgent", RunPriority: 10},
		cache: cache,
	}
}

// Detect implements detection.Contributor.
func (u *UserAgent) Detect(_ context.Context, bb *detection.Blackboard) ([]detection.Contribution, error) {
	ua := bb.SignalString(detection.SignalUserAgent)
	result := u.ClassifyUA(ua)

	if result.Confidence == 0 {
		return []detection.Contribution{{
			Category:        "UserAgent",
			Reason:          "user agent matches no bot pattern",
			ConfidenceDelta: -0.1,
			Signals: map[string]any{
				detection.SignalUserAgentIsBot: false,
			},
		}}, nil
	}

	reason := "user agent matches bot pattern"
	if len(result.Reasons) > 0 {
		reason = result.Reasons[0]
	}
	return []detection.Contribution{{
		Category:        "UserAgent",
		Reason:          reason,
		ConfidenceDelta: confidenceToDelta(result),
		BotName:         result.BotName,
		BotType:         result.BotType,
		Signals: map[string]any{
			detection.SignalUserAgentIsBot: true,
			detection.SignalUserAgentType:  string(result.BotType),
		},
	}}, nil
}

// confidenceToDelta keeps good-bot matches mildly bot-ward; the policy
// layer decides what to do with verified good crawlers.
func confidenceToDelta(result detection.DetectorResult) float64 {
	if result.BotType == detection.BotTypeGood {
		return 0.3
	}
	return result.Confidence * 0.9
}

// ClassifyUA implements detection.UAClassifier. An empty UA is mildly
// suspicious; a corpus match is near-certain.
func (u *UserAgent) ClassifyUA(ua string) detection.DetectorResult {
	if ua == "" {
		return detection.DetectorResult{
			Confidence: 0.6,
			BotType:    detection.BotTypeUnknown,
			Reasons:    []string{"empty user agent"},
		}
	}

	matched, pattern := u.cache.MatchesAnyPattern(ua)
	if !matched {
		return detection.DetectorResult{}
	}

	botType := detection.BotTypeBad
	lower := strings.ToLower(ua)
	for needle, good := range verifiedGoodCrawlers {
		if strings.Contains(lower, needle) {
			botType = good
			break
		}
	}

	return detection.DetectorResult{
		Confidence: 0.96,
		BotType:    botType,
		Reasons:    []string{"user agent matches pattern " + pattern},
	}
}
