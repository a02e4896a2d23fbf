package contributors

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/threatvane/threatvane/internal/detection"
	"github.com/threatvane/threatvane/internal/patterncache"
)

func board(method, path, ua string, headers map[string]string) *detection.Blackboard {
	r := httptest.NewRequest(method, path, nil)
	if ua != "" {
		r.Header.Set("User-Agent", ua)
	}
	for k, v := range headers {
		r.Header.Set(k, v)
	}
	r.RemoteAddr = "203.0.113.50:443"
	return detection.NewBlackboard(r)
}

func TestSecurityTool_SqlmapEarlyExit(t *testing.T) {
	st := NewSecurityTool(true)
	bb := board("GET", "/", "sqlmap/1.5#stable (http://sqlmap.org)", nil)

	out, err := st.Detect(context.Background(), bb)
	require.NoError(t, err)
	require.Len(t, out, 1)

	c := out[0]
	assert.True(t, c.TriggerEarlyExit)
	assert.Equal(t, detection.VerdictVerifiedBadBot, c.EarlyExitVerdict)
	assert.Equal(t, 0.95, c.ConfidenceDelta)
	assert.Equal(t, "Sqlmap", c.BotName)
	assert.Equal(t, detection.BotTypeMalicious, c.BotType)
	assert.Equal(t, true, c.Signals[detection.SignalSecToolDetected])
	assert.Equal(t, "Sqlmap", c.Signals[detection.SignalSecToolName])
}

func TestSecurityTool_CleanUANoSignals(t *testing.T) {
	st := NewSecurityTool(true)
	bb := board("GET", "/", "Mozilla/5.0 (Windows NT 10.0) Chrome/122.0", nil)

	out, err := st.Detect(context.Background(), bb)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Zero(t, out[0].ConfidenceDelta)
	assert.Equal(t, "no signals", out[0].Reason)
}

func TestSecurityTool_DisabledSkips(t *testing.T) {
	st := NewSecurityTool(false)
	bb := board("GET", "/", "sqlmap/1.5", nil)
	out, err := st.Detect(context.Background(), bb)
	require.NoError(t, err)
	assert.Zero(t, out[0].ConfidenceDelta)
}

func TestAiScraper_GPTBotSingleContribution(t *testing.T) {
	ai := NewAiScraper()
	bb := board("GET", "/article",
		"Mozilla/5.0 AppleWebKit/537.36 (KHTML, like Gecko; compatible; GPTBot/1.0; +https://openai.com/gptbot)",
		map[string]string{"Accept": "text/markdown"})

	out, err := ai.Detect(context.Background(), bb)
	require.NoError(t, err)
	require.Len(t, out, 1, "a detected scraper must not add a second markdown contribution")

	c := out[0]
	assert.Equal(t, "GPTBot", c.BotName)
	assert.Equal(t, detection.BotTypeAi, c.BotType)
	assert.Equal(t, true, c.Signals[detection.SignalAiDetected])
	assert.Equal(t, "GPTBot", c.Signals[detection.SignalAiName])
	assert.Equal(t, "OpenAI", c.Signals[detection.SignalAiOperator])
	assert.Equal(t, AiCategoryTraining, c.Signals[detection.SignalAiCategory])
	assert.Equal(t, true, c.Signals[detection.SignalAiAcceptMarkdown])
}

func TestAiScraper_WebBotAuthVerified(t *testing.T) {
	ai := NewAiScraper()
	bb := board("GET", "/", "SomeAgent/1.0", map[string]string{
		"Signature":       `sig1=:abc:`,
		"Signature-Input": `sig1=("@authority");created=1700000000`,
		"Signature-Agent": `https://bots.example.com`,
	})

	out, err := ai.Detect(context.Background(), bb)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, detection.BotTypeGood, out[0].BotType)
	assert.Equal(t, true, out[0].Signals[detection.SignalAiWebBotAuth])
	assert.Equal(t, true, out[0].Signals[detection.SignalAiWebBotAuthOK])
	assert.Equal(t, true, out[0].Signals[detection.SignalVerifiedGoodBot])
}

func TestAiScraper_DiscoveryPath(t *testing.T) {
	ai := NewAiScraper()
	bb := board("GET", "/llms.txt", "Mozilla/5.0", nil)

	out, err := ai.Detect(context.Background(), bb)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, true, out[0].Signals[detection.SignalAiDiscoveryPath])
}

func TestAiScraper_MarkdownAloneContributesOnce(t *testing.T) {
	ai := NewAiScraper()
	bb := board("GET", "/page", "Mozilla/5.0", map[string]string{"Accept": "text/markdown"})

	out, err := ai.Detect(context.Background(), bb)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, true, out[0].Signals[detection.SignalAiAcceptMarkdown])
}

func TestAiScraper_NothingDetected(t *testing.T) {
	ai := NewAiScraper()
	bb := board("GET", "/page", "Mozilla/5.0 Chrome/122.0", map[string]string{"Accept": "text/html"})

	out, err := ai.Detect(context.Background(), bb)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Zero(t, out[0].ConfidenceDelta)
}

func TestUserAgent_BotAndHuman(t *testing.T) {
	ua := NewUserAgent(patterncache.New())

	bot := board("GET", "/", "Mozilla/5.0 (compatible; AhrefsBot/7.0)", nil)
	out, err := ua.Detect(context.Background(), bot)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Positive(t, out[0].ConfidenceDelta)
	assert.Equal(t, true, out[0].Signals[detection.SignalUserAgentIsBot])

	human := board("GET", "/", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/122.0.0.0 Safari/537.36", nil)
	out, err = ua.Detect(context.Background(), human)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Negative(t, out[0].ConfidenceDelta)
	assert.Equal(t, false, out[0].Signals[detection.SignalUserAgentIsBot])
}

func TestUserAgent_ClassifyUA(t *testing.T) {
	ua := NewUserAgent(patterncache.New())

	empty := ua.ClassifyUA("")
	assert.Equal(t, 0.6, empty.Confidence)

	good := ua.ClassifyUA("Mozilla/5.0 (compatible; Googlebot/2.1; +http://www.google.com/bot.html)")
	assert.GreaterOrEqual(t, good.Confidence, 0.95)
	assert.Equal(t, detection.BotTypeGood, good.BotType)

	bad := ua.ClassifyUA("python-requests/2.31")
	assert.GreaterOrEqual(t, bad.Confidence, 0.95)
	assert.Equal(t, detection.BotTypeBad, bad.BotType)

	clean := ua.ClassifyUA("Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) Safari/605.1.15")
	assert.Zero(t, clean.Confidence)
}

func TestHttp2_FirefoxShapeIsHuman(t *testing.T) {
	h2 := NewHttp2Fingerprint()
	bb := board("GET", "/", "Mozilla/5.0", map[string]string{
		"X-HTTP2-Settings":          "1:65536,2:0,3:100,4:131072,5:16384",
		"X-HTTP2-Pseudoheader-Order": "method,path,authority,scheme",
		"X-HTTP2-Stream-Priority":   "256",
		"X-HTTP2-Push-Enabled":      "1",
	})

	out, err := h2.Detect(context.Background(), bb)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Negative(t, out[0].ConfidenceDelta)
	assert.Contains(t, out[0].Reason, "Firefox_Desktop")
	assert.Equal(t, true, out[0].Signals[detection.SignalH2UsesPriority])
	assert.Equal(t, true, out[0].Signals[detection.SignalH2PushEnabled])
}

func TestHttp2_AutomationShape(t *testing.T) {
	h2 := NewHttp2Fingerprint()
	bb := board("GET", "/", "x", map[string]string{
		"X-HTTP2-Pseudoheader-Order": "method,path,scheme,authority",
	})
	out, err := h2.Detect(context.Background(), bb)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Positive(t, out[0].ConfidenceDelta)
}

func TestHttp2_UnknownFingerprint(t *testing.T) {
	h2 := NewHttp2Fingerprint()
	bb := board("GET", "/", "x", map[string]string{
		"X-HTTP2-Settings": "9:1,11:7",
	})
	out, err := h2.Detect(context.Background(), bb)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, true, out[0].Signals[detection.SignalH2Unknown])
}

func TestHttp2_Http11BehindH2Proxy(t *testing.T) {
	h2 := NewHttp2Fingerprint()
	bb := board("GET", "/", "x", map[string]string{"X-HTTP-Protocol": "HTTP/1.1"})
	out, err := h2.Detect(context.Background(), bb)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Positive(t, out[0].ConfidenceDelta)
	assert.Equal(t, true, out[0].Signals[detection.SignalH2BehindProxy])
}

func TestTransport_WebSocketInvariants(t *testing.T) {
	tp := NewTransportProtocol()

	valid := board("GET", "/ws", "x", map[string]string{
		"Connection":            "Upgrade",
		"Upgrade":               "websocket",
		"Sec-WebSocket-Version": "13",
		"Sec-WebSocket-Key":     "dGhlIHNhbXBsZSBub25jZQ==",
		"Origin":                "https://app.example.com",
	})
	out, err := tp.Detect(context.Background(), valid)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Zero(t, out[0].ConfidenceDelta)
	assert.Equal(t, "websocket", out[0].Signals[detection.SignalTransportProtocol])

	invalid := board("GET", "/ws", "x", map[string]string{
		"Connection": "Upgrade",
		"Upgrade":    "websocket",
	})
	out, err = tp.Detect(context.Background(), invalid)
	require.NoError(t, err)
	assert.Positive(t, out[0].ConfidenceDelta)
}

func TestTransport_GRPCMissingTrailers(t *testing.T) {
	tp := NewTransportProtocol()
	bb := board("POST", "/svc.Method", "grpc-go/1.60", map[string]string{
		"Content-Type": "application/grpc",
	})
	out, err := tp.Detect(context.Background(), bb)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Positive(t, out[0].ConfidenceDelta)
	assert.Contains(t, out[0].Reason, "te: trailers")

	ok := board("POST", "/svc.Method", "grpc-go/1.60", map[string]string{
		"Content-Type": "application/grpc",
		"te":           "trailers",
	})
	out, err = tp.Detect(context.Background(), ok)
	require.NoError(t, err)
	assert.Zero(t, out[0].ConfidenceDelta)
}

func TestTransport_GraphQLIntrospection(t *testing.T) {
	tp := NewTransportProtocol()
	bb := board("GET", "/graphql?query={__schema{types{name}}}", "x", nil)

	out, err := tp.Detect(context.Background(), bb)
	require.NoError(t, err)
	require.NotEmpty(t, out)
	assert.Equal(t, true, out[0].Signals[detection.SignalTransportGQLIntrospect])
	assert.Positive(t, out[0].ConfidenceDelta)
}

func TestTransport_SSE(t *testing.T) {
	tp := NewTransportProtocol()
	proper := board("GET", "/events", "x", map[string]string{
		"Accept":        "text/event-stream",
		"Cache-Control": "no-cache",
	})
	out, err := tp.Detect(context.Background(), proper)
	require.NoError(t, err)
	assert.Zero(t, out[0].ConfidenceDelta)

	sloppy := board("GET", "/events", "x", map[string]string{"Accept": "text/event-stream"})
	out, err = tp.Detect(context.Background(), sloppy)
	require.NoError(t, err)
	assert.Positive(t, out[0].ConfidenceDelta)
}

func TestHttp3_ClientShapes(t *testing.T) {
	h3 := NewHttp3Fingerprint()

	chrome := board("GET", "/", "x", map[string]string{
		"X-QUIC-Transport-Params": "1=30000,4=100,5=200,6=10,7=10,8=1,9=1,15=abc",
		"X-QUIC-Version":          "h3",
	})
	out, err := h3.Detect(context.Background(), chrome)
	require.NoError(t, err)
	require.NotEmpty(t, out)
	assert.Negative(t, out[0].ConfidenceDelta)
	assert.Equal(t, "Chrome", out[0].Signals[detection.SignalH3ClientType])

	library := board("GET", "/", "x", map[string]string{
		"X-QUIC-Transport-Params": "1=30000,4=100,6=10,7=10",
	})
	out, err = h3.Detect(context.Background(), library)
	require.NoError(t, err)
	require.NotEmpty(t, out)
	assert.Positive(t, out[0].ConfidenceDelta)
}

func TestHttp3_DraftVersion(t *testing.T) {
	h3 := NewHttp3Fingerprint()
	bb := board("GET", "/", "x", map[string]string{"X-QUIC-Version": "draft-29"})
	out, err := h3.Detect(context.Background(), bb)
	require.NoError(t, err)
	found := false
	for _, c := range out {
		if c.ConfidenceDelta > 0 {
			found = true
		}
	}
	assert.True(t, found, "draft versions must contribute bot-ward")
}

func TestHttp3_NotHTTP3NoSignals(t *testing.T) {
	h3 := NewHttp3Fingerprint()
	bb := board("GET", "/", "x", nil)
	out, err := h3.Detect(context.Background(), bb)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Zero(t, out[0].ConfidenceDelta)
}

func TestAccountTakeover_BruteForce(t *testing.T) {
	ato := NewAccountTakeover()
	now := time.Now()
	ato.now = func() time.Time { return now }

	var out []detection.Contribution
	var err error
	for i := 0; i < 10; i++ {
		bb := board("POST", "/login", "AttackKit/1.0", nil)
		out, err = ato.Detect(context.Background(), bb)
		require.NoError(t, err)
	}

	var brute bool
	for _, c := range out {
		if c.Signals[detection.SignalAtoBruteForce] == true {
			brute = true
		}
	}
	assert.True(t, brute, "ten rapid login POSTs from one IP must flag brute force")
}

func TestAccountTakeover_DirectPost(t *testing.T) {
	ato := NewAccountTakeover()
	bb := board("POST", "/login", "x", nil)
	out, err := ato.Detect(context.Background(), bb)
	require.NoError(t, err)
	require.NotEmpty(t, out)
	assert.Equal(t, true, out[0].Signals[detection.SignalAtoDirectPost])
}

func TestAccountTakeover_NonLoginPathSkips(t *testing.T) {
	ato := NewAccountTakeover()
	bb := board("GET", "/products", "x", nil)
	out, err := ato.Detect(context.Background(), bb)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Zero(t, out[0].ConfidenceDelta)
}

func TestDatacenterIP_Match(t *testing.T) {
	pc := patterncache.New()
	pc.UpdateDownloadedCIDRRanges([]string{"203.0.113.0/24"})

	dc := NewDatacenterIP(pc)
	bb := board("GET", "/", "x", nil) // remote addr 203.0.113.50

	out, err := dc.Detect(context.Background(), bb)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Positive(t, out[0].ConfidenceDelta)
	assert.Equal(t, "203.0.113.0/24", out[0].Signals["ip_datacenter_range"])
}
