package contributors

import (
	"context"
	"strings"

	"github.com/threatvane/threatvane/internal/detection"
)

// AI scraper categories.
const (
	AiCategoryTraining        = "Training"
	AiCategorySearch          = "Search"
	AiCategoryAssistant       = "Assistant"
	AiCategoryScrapingService = "ScrapingService"
)

type aiScraper struct {
	needle   string
	name     string
	operator string
	category string
	botType  detection.BotType
}

var aiScrapers = []aiScraper{
	{"gptbot", "GPTBot", "OpenAI", AiCategoryTraining, detection.BotTypeAi},
	{"oai-searchbot", "OAI-SearchBot", "OpenAI", AiCategorySearch, detection.BotTypeAi},
	{"chatgpt-user", "ChatGPT-User", "OpenAI", AiCategoryAssistant, detection.BotTypeAi},
	{"claudebot", "ClaudeBot", "Anthropic", AiCategoryTraining, detection.BotTypeAi},
	{"claude-web", "Claude-Web", "Anthropic", AiCategoryAssistant, detection.BotTypeAi},
	{"anthropic-ai", "Anthropic-AI", "Anthropic", AiCategoryTraining, detection.BotTypeAi},
	{"perplexitybot", "PerplexityBot", "Perplexity", AiCategorySearch, detection.BotTypeAi},
	{"perplexity-user", "Perplexity-User", "Perplexity", AiCategoryAssistant, detection.BotTypeAi},
	{"google-extended", "Google-Extended", "Google", AiCategoryTraining, detection.BotTypeAi},
	{"applebot-extended", "Applebot-Extended", "Apple", AiCategoryTraining, detection.BotTypeAi},
	{"meta-externalagent", "Meta-ExternalAgent", "Meta", AiCategoryTraining, detection.BotTypeAi},
	{"facebookbot", "FacebookBot", "Meta", AiCategoryTraining, detection.BotTypeAi},
	{"bytespider", "Bytespider", "ByteDance", AiCategoryTraining, detection.BotTypeBad},
	{"ccbot", "CCBot", "Common Crawl", AiCategoryTraining, detection.BotTypeAi},
	{"cohere-ai", "Cohere-AI", "Cohere", AiCategoryTraining, detection.BotTypeAi},
	{"diffbot", "Diffbot", "Diffbot", AiCategoryScrapingService, detection.BotTypeAi},
	{"omgili", "Omgili", "Webz.io", AiCategoryScrapingService, detection.BotTypeAi},
	{"youbot", "YouBot", "You.com", AiCategorySearch, detection.BotTypeAi},
	{"amazonbot", "Amazonbot", "Amazon", AiCategoryTraining, detection.BotTypeAi},
	{"mistralai-user", "MistralAI-User", "Mistral", AiCategoryAssistant, detection.BotTypeAi},
	{"timpibot", "Timpibot", "Timpi", AiCategoryTraining, detection.BotTypeAi},
	{"jina ai", "JinaReader", "Jina", AiCategoryScrapingService, detection.BotTypeAi},
	{"jinareader", "JinaReader", "Jina", AiCategoryScrapingService, detection.BotTypeAi},
}

// aiDiscoveryPaths are well-known endpoints only AI agents probe.
var aiDiscoveryPaths = map[string]struct{}{
	"/llms.txt":      {},
	"/llms-full.txt": {},
	"/.well-known/http-message-signatures-directory": {},
}

// AiScraper identifies named AI crawlers by UA, Cloudflare AI-gateway
// headers, Web Bot Auth (RFC 9421) headers, markdown content negotiation,
// Jina reader markers, and AI discovery paths. Good-vs-bad routing rides
// on the scraper's BotType.
type AiScraper struct {
	detection.Meta
}

// NewAiScraper creates the contributor.
func NewAiScraper() *AiScraper {
	return &AiScraper{Meta: detection.Meta{ContributorName: "AiScraper", RunPriority: 9}}
}

// Detect implements detection.Contributor.
func (a *AiScraper) Detect(_ context.Context, bb *detection.Blackboard) ([]detection.Contribution, error) {
	var out []detection.Contribution
	detected := false

	ua := strings.ToLower(bb.SignalString(detection.SignalUserAgent))
	header := bb.Req.Header
	acceptMarkdown := strings.Contains(strings.ToLower(header.Get("Accept")), "text/markdown")

	// Named scraper by UA.
	for _, s := range aiScrapers {
		if !strings.Contains(ua, s.needle) {
			continue
		}
		detected = true
		signals := map[string]any{
			detection.SignalAiDetected: true,
			detection.SignalAiName:     s.name,
			detection.SignalAiOperator: s.operator,
			detection.SignalAiCategory: s.category,
		}
		if acceptMarkdown {
			signals[detection.SignalAiAcceptMarkdown] = true
		}
		delta := 0.7
		if s.botType == detection.BotTypeBad {
			delta = 0.85
		}
		out = append(out, detection.Contribution{
			Category:        "AiScraper",
			Reason:          "known AI scraper " + s.name + " operated by " + s.operator,
			ConfidenceDelta: delta,
			BotName:         s.name,
			BotType:         s.botType,
			Signals:         signals,
		})
		break
	}

	// Web Bot Auth: structural presence of the RFC 9421 headers. A complete
	// signature triple from a declared agent routes to the good side;
	// cryptographic verification is not done here.
	if sig, sigInput := header.Get("Signature"), header.Get("Signature-Input"); sig != "" && sigInput != "" {
		agent := header.Get("Signature-Agent")
		verified := agent != ""
		signals := map[string]any{
			detection.SignalAiDetected:   true,
			detection.SignalAiWebBotAuth: true,
		}
		if verified {
			signals[detection.SignalAiWebBotAuthOK] = true
			signals[detection.SignalVerifiedGoodBot] = true
		}
		delta := 0.4
		botType := detection.BotTypeAi
		if verified {
			delta = 0.2
			botType = detection.BotTypeGood
		}
		out = append(out, detection.Contribution{
			Category:        "AiScraper",
			Reason:          "web bot auth signature headers present",
			ConfidenceDelta: delta,
			BotType:         botType,
			Signals:         signals,
		})
		detected = true
	}

	// Cloudflare AI gateway and browser rendering markers.
	if header.Get("cf-aig-authorization") != "" || header.Get("cf-aig-metadata") != "" {
		out = append(out, detection.Contribution{
			Category:        "AiScraper",
			Reason:          "request arrived via Cloudflare AI gateway",
			ConfidenceDelta: 0.5,
			BotType:         detection.BotTypeAi,
			Signals: map[string]any{
				detection.SignalAiDetected:  true,
				detection.SignalAiCfGateway: true,
			},
		})
		detected = true
	}
	if header.Get("cf-browser-rendering") != "" {
		out = append(out, detection.Contribution{
			Category:        "AiScraper",
			Reason:          "Cloudflare browser rendering marker",
			ConfidenceDelta: 0.4,
			BotType:         detection.BotTypeAi,
			Signals: map[string]any{
				detection.SignalAiDetected:       true,
				detection.SignalAiCfBrowserRender: true,
			},
		})
		detected = true
	}

	// Jina reader proxies set x-respond-with.
	if header.Get("x-respond-with") != "" {
		out = append(out, detection.Contribution{
			Category:        "AiScraper",
			Reason:          "reader proxy response-format header",
			ConfidenceDelta: 0.5,
			BotName:         "JinaReader",
			BotType:         detection.BotTypeAi,
			Signals: map[string]any{
				detection.SignalAiDetected: true,
				detection.SignalAiName:     "JinaReader",
				detection.SignalAiCategory: AiCategoryScrapingService,
			},
		})
		detected = true
	}

	// AI discovery paths.
	if _, ok := aiDiscoveryPaths[bb.Req.URL.Path]; ok {
		out = append(out, detection.Contribution{
			Category:        "AiScraper",
			Reason:          "AI discovery path probe",
			ConfidenceDelta: 0.3,
			BotType:         detection.BotTypeAi,
			Signals: map[string]any{
				detection.SignalAiDiscoveryPath: true,
			},
		})
		detected = true
	}

	// Markdown negotiation alone only matters when nothing above fired:
	// a detected scraper already carries the accept_markdown signal.
	if !detected && acceptMarkdown {
		out = append(out, detection.Contribution{
			Category:        "AiScraper",
			Reason:          "markdown content negotiation",
			ConfidenceDelta: 0.35,
			BotType:         detection.BotTypeAi,
			Signals: map[string]any{
				detection.SignalAiDetected:       true,
				detection.SignalAiAcceptMarkdown: true,
			},
		})
		detected = true
	}

	if !detected {
		return []detection.Contribution{detection.NoSignals(a.Name())}, nil
	}
	return out, nil
}
