// Package botlists downloads, validates, and merges external bot and IP
// lists on a schedule, feeding the compile caches. It is fail-safe: when
// every remote source is down the embedded fallback lists still answer.
package botlists

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/dnscache"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// SourceConfig is one external list source.
type SourceConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
}

// SourcesConfig enumerates the recognized sources.
type SourcesConfig struct {
	IsBot               SourceConfig `yaml:"isbot"`
	Matomo              SourceConfig `yaml:"matomo"`
	CrawlerUserAgents   SourceConfig `yaml:"crawler_user_agents"`
	AwsIpRanges         SourceConfig `yaml:"aws_ip_ranges"`
	GcpIpRanges         SourceConfig `yaml:"gcp_ip_ranges"`
	AzureIpRanges       SourceConfig `yaml:"azure_ip_ranges"`
	CloudflareIpv4      SourceConfig `yaml:"cloudflare_ipv4"`
	CloudflareIpv6      SourceConfig `yaml:"cloudflare_ipv6"`
	ScannerUserAgents   SourceConfig `yaml:"scanner_user_agents"`
	CoreRuleSetScanners SourceConfig `yaml:"core_rule_set_scanners"`
}

// DefaultSources returns the canonical upstream locations, all enabled.
func DefaultSources() SourcesConfig {
	return SourcesConfig{
		IsBot:               SourceConfig{Enabled: true, URL: "https://raw.githubusercontent.com/omrilotan/isbot/main/src/patterns.json"},
		Matomo:              SourceConfig{Enabled: true, URL: "https://raw.githubusercontent.com/matomo-org/device-detector/master/regexes/bots.yml"},
		CrawlerUserAgents:   SourceConfig{Enabled: true, URL: "https://raw.githubusercontent.com/monperrus/crawler-user-agents/master/crawler-user-agents.json"},
		AwsIpRanges:         SourceConfig{Enabled: true, URL: "https://ip-ranges.amazonaws.com/ip-ranges.json"},
		GcpIpRanges:         SourceConfig{Enabled: true, URL: "https://www.gstatic.com/ipranges/cloud.json"},
		AzureIpRanges:       SourceConfig{Enabled: false, URL: ""},
		CloudflareIpv4:      SourceConfig{Enabled: true, URL: "https://www.cloudflare.com/ips-v4"},
		CloudflareIpv6:      SourceConfig{Enabled: true, URL: "https://www.cloudflare.com/ips-v6"},
		ScannerUserAgents:   SourceConfig{Enabled: true, URL: "https://raw.githubusercontent.com/coreruleset/coreruleset/main/rules/scanners-user-agents.data"},
		CoreRuleSetScanners: SourceConfig{Enabled: true, URL: "https://raw.githubusercontent.com/coreruleset/coreruleset/main/rules/scripting-user-agents.data"},
	}
}

type cachedResult struct {
	values  []string
	expires time.Time
}

// Fetcher downloads and parses the configured sources, caching each result
// under a stable id for the update interval.
type Fetcher struct {
	sources SourcesConfig
	client  *http.Client
	timeout time.Duration
	ttl     time.Duration

	mu    sync.Mutex
	cache map[string]cachedResult
}

// NewFetcher builds a fetcher whose outbound client caches DNS answers:
// the list hosts are hit repeatedly on every refresh cycle.
func NewFetcher(sources SourcesConfig, timeout, ttl time.Duration) *Fetcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	resolver := &dnscache.Resolver{}
	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := resolver.LookupHost(ctx, host)
			if err != nil {
				return nil, err
			}
			var dialer net.Dialer
			var lastErr error
			for _, ip := range ips {
				conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(ip, port))
				if err == nil {
					return conn, nil
				}
				lastErr = err
			}
			return nil, lastErr
		},
		MaxIdleConns:    8,
		IdleConnTimeout: 90 * time.Second,
	}
	return &Fetcher{
		sources: sources,
		client:  &http.Client{Transport: transport, Timeout: timeout},
		timeout: timeout,
		ttl:     ttl,
		cache:   make(map[string]cachedResult),
	}
}

// Timeout returns the per-request budget.
func (f *Fetcher) Timeout() time.Duration { return f.timeout }

// GetBotPatterns merges the general-purpose UA pattern sources with the
// embedded fallback so canonical crawlers are always represented.
func (f *Fetcher) GetBotPatterns(ctx context.Context) []string {
	return f.cached("bot_patterns", func() []string {
		var merged []string
		if f.sources.IsBot.Enabled {
			patterns, err := f.fetchJSONStringArray(ctx, f.sources.IsBot.URL)
			if err != nil {
				log.Warn().Err(err).Msg("isbot list fetch failed")
			} else {
				merged = append(merged, patterns...)
			}
		}
		if f.sources.CrawlerUserAgents.Enabled {
			patterns, err := f.fetchCrawlerUserAgents(ctx, f.sources.CrawlerUserAgents.URL)
			if err != nil {
				log.Warn().Err(err).Msg("crawler-user-agents list fetch failed")
			} else {
				merged = append(merged, patterns...)
			}
		}
		merged = append(merged, f.GetMatomoBotPatterns(ctx)...)
		merged = append(merged, embeddedBotPatterns...)
		return dedupeFold(merged)
	})
}

// GetMatomoBotPatterns returns the Matomo device-detector bot regexes.
func (f *Fetcher) GetMatomoBotPatterns(ctx context.Context) []string {
	return f.cached("matomo_patterns", func() []string {
		if !f.sources.Matomo.Enabled {
			return nil
		}
		patterns, err := f.fetchMatomo(ctx, f.sources.Matomo.URL)
		if err != nil {
			log.Warn().Err(err).Msg("matomo list fetch failed")
			return nil
		}
		return dedupeFold(patterns)
	})
}

// GetDatacenterIPRanges merges every enabled cloud provider range list
// with the embedded fallback.
func (f *Fetcher) GetDatacenterIPRanges(ctx context.Context) []string {
	return f.cached("datacenter_ranges", func() []string {
		var merged []string
		if f.sources.AwsIpRanges.Enabled {
			ranges, err := f.fetchAWSRanges(ctx, f.sources.AwsIpRanges.URL)
			if err != nil {
				log.Warn().Err(err).Msg("aws ip-ranges fetch failed")
			} else {
				merged = append(merged, ranges...)
			}
		}
		if f.sources.GcpIpRanges.Enabled {
			ranges, err := f.fetchGCPRanges(ctx, f.sources.GcpIpRanges.URL)
			if err != nil {
				log.Warn().Err(err).Msg("gcp ip-ranges fetch failed")
			} else {
				merged = append(merged, ranges...)
			}
		}
		if f.sources.AzureIpRanges.Enabled {
			ranges, err := f.fetchAzureRanges(ctx, f.sources.AzureIpRanges.URL)
			if err != nil {
				log.Warn().Err(err).Msg("azure ip-ranges fetch failed")
			} else {
				merged = append(merged, ranges...)
			}
		}
		for _, src := range []SourceConfig{f.sources.CloudflareIpv4, f.sources.CloudflareIpv6} {
			if !src.Enabled {
				continue
			}
			ranges, err := f.fetchLines(ctx, src.URL)
			if err != nil {
				log.Warn().Err(err).Msg("cloudflare ip list fetch failed")
			} else {
				merged = append(merged, ranges...)
			}
		}
		merged = append(merged, embeddedDatacenterRanges...)
		return dedupeFold(merged)
	})
}

// GetSecurityToolPatterns merges the scanner UA sources with the embedded
// fallback.
func (f *Fetcher) GetSecurityToolPatterns(ctx context.Context) []string {
	return f.cached("security_tool_patterns", func() []string {
		var merged []string
		for _, src := range []SourceConfig{f.sources.ScannerUserAgents, f.sources.CoreRuleSetScanners} {
			if !src.Enabled {
				continue
			}
			patterns, err := f.fetchLines(ctx, src.URL)
			if err != nil {
				log.Warn().Err(err).Msg("scanner list fetch failed")
			} else {
				merged = append(merged, patterns...)
			}
		}
		merged = append(merged, embeddedSecurityToolPatterns...)
		return dedupeFold(merged)
	})
}

// Invalidate drops the TTL cache so the next read refetches.
func (f *Fetcher) Invalidate() {
	f.mu.Lock()
	f.cache = make(map[string]cachedResult)
	f.mu.Unlock()
}

func (f *Fetcher) cached(id string, load func() []string) []string {
	f.mu.Lock()
	if r, ok := f.cache[id]; ok && time.Now().Before(r.expires) {
		f.mu.Unlock()
		return r.values
	}
	f.mu.Unlock()

	values := load()

	f.mu.Lock()
	f.cache[id] = cachedResult{values: values, expires: time.Now().Add(f.ttl)}
	f.mu.Unlock()
	return values
}

func (f *Fetcher) get(ctx context.Context, url string) ([]byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "threatvane-list-updater/1.0")
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: unexpected status %d", url, resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 32<<20))
}

func (f *Fetcher) fetchJSONStringArray(ctx context.Context, url string) ([]string, error) {
	raw, err := f.get(ctx, url)
	if err != nil {
		return nil, err
	}
	var patterns []string
	if err := json.Unmarshal(sanitizeJSON(raw), &patterns); err != nil {
		return nil, fmt.Errorf("%s: %w", url, err)
	}
	return patterns, nil
}

func (f *Fetcher) fetchCrawlerUserAgents(ctx context.Context, url string) ([]string, error) {
	raw, err := f.get(ctx, url)
	if err != nil {
		return nil, err
	}
	var entries []struct {
		Pattern string `json:"pattern"`
	}
	if err := json.Unmarshal(sanitizeJSON(raw), &entries); err != nil {
		return nil, fmt.Errorf("%s: %w", url, err)
	}
	patterns := make([]string, 0, len(entries))
	dropped := 0
	for _, e := range entries {
		if e.Pattern == "" {
			dropped++
			continue
		}
		patterns = append(patterns, e.Pattern)
	}
	if dropped > 0 {
		log.Debug().Int("dropped", dropped).Str("url", url).Msg("malformed crawler entries dropped")
	}
	return patterns, nil
}

func (f *Fetcher) fetchMatomo(ctx context.Context, url string) ([]string, error) {
	raw, err := f.get(ctx, url)
	if err != nil {
		return nil, err
	}
	var entries []struct {
		Regex string `yaml:"regex"`
	}
	if err := yaml.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("%s: %w", url, err)
	}
	patterns := make([]string, 0, len(entries))
	dropped := 0
	for _, e := range entries {
		if e.Regex == "" {
			dropped++
			continue
		}
		patterns = append(patterns, e.Regex)
	}
	if dropped > 0 {
		log.Debug().Int("dropped", dropped).Str("url", url).Msg("malformed matomo entries dropped")
	}
	return patterns, nil
}

func (f *Fetcher) fetchAWSRanges(ctx context.Context, url string) ([]string, error) {
	raw, err := f.get(ctx, url)
	if err != nil {
		return nil, err
	}
	var doc struct {
		Prefixes []struct {
			IPPrefix string `json:"ip_prefix"`
		} `json:"prefixes"`
		IPv6Prefixes []struct {
			IPv6Prefix string `json:"ipv6_prefix"`
		} `json:"ipv6_prefixes"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%s: %w", url, err)
	}
	ranges := make([]string, 0, len(doc.Prefixes)+len(doc.IPv6Prefixes))
	for _, p := range doc.Prefixes {
		if p.IPPrefix != "" {
			ranges = append(ranges, p.IPPrefix)
		}
	}
	for _, p := range doc.IPv6Prefixes {
		if p.IPv6Prefix != "" {
			ranges = append(ranges, p.IPv6Prefix)
		}
	}
	return ranges, nil
}

func (f *Fetcher) fetchGCPRanges(ctx context.Context, url string) ([]string, error) {
	raw, err := f.get(ctx, url)
	if err != nil {
		return nil, err
	}
	var doc struct {
		Prefixes []struct {
			IPv4Prefix string `json:"ipv4Prefix"`
			IPv6Prefix string `json:"ipv6Prefix"`
		} `json:"prefixes"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%s: %w", url, err)
	}
	ranges := make([]string, 0, len(doc.Prefixes))
	for _, p := range doc.Prefixes {
		if p.IPv4Prefix != "" {
			ranges = append(ranges, p.IPv4Prefix)
		}
		if p.IPv6Prefix != "" {
			ranges = append(ranges, p.IPv6Prefix)
		}
	}
	return ranges, nil
}

func (f *Fetcher) fetchAzureRanges(ctx context.Context, url string) ([]string, error) {
	raw, err := f.get(ctx, url)
	if err != nil {
		return nil, err
	}
	var doc struct {
		Values []struct {
			Properties struct {
				AddressPrefixes []string `json:"addressPrefixes"`
			} `json:"properties"`
		} `json:"values"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%s: %w", url, err)
	}
	var ranges []string
	for _, v := range doc.Values {
		ranges = append(ranges, v.Properties.AddressPrefixes...)
	}
	return ranges, nil
}

// fetchLines reads one pattern per line, skipping blanks and comments.
func (f *Fetcher) fetchLines(ctx context.Context, url string) ([]string, error) {
	raw, err := f.get(ctx, url)
	if err != nil {
		return nil, err
	}
	var lines []string
	scanner := bufio.NewScanner(strings.NewReader(string(raw)))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	return lines, scanner.Err()
}

// sanitizeJSON strips // and /* */ comments plus trailing commas: several
// upstream lists are hand-maintained and carry both.
func sanitizeJSON(raw []byte) []byte {
	out := make([]byte, 0, len(raw))
	inString := false
	escaped := false
	for i := 0; i < len(raw); i++ {
		ch := raw[i]
		if inString {
			out = append(out, ch)
			if escaped {
				escaped = false
			} else if ch == '\\' {
				escaped = true
			} else if ch == '"' {
				inString = false
			}
			continue
		}
		switch {
		case ch == '"':
			inString = true
			out = append(out, ch)
		case ch == '/' && i+1 < len(raw) && raw[i+1] == '/':
			for i < len(raw) && raw[i] != '\n' {
				i++
			}
			if i < len(raw) {
				out = append(out, '\n')
			}
		case ch == '/' && i+1 < len(raw) && raw[i+1] == '*':
			i += 2
			for i+1 < len(raw) && !(raw[i] == '*' && raw[i+1] == '/') {
				i++
			}
			i++
		case ch == ',':
			// Drop the comma when the next non-space byte closes a scope.
			j := i + 1
			for j < len(raw) && (raw[j] == ' ' || raw[j] == '\t' || raw[j] == '\n' || raw[j] == '\r') {
				j++
			}
			if j < len(raw) && (raw[j] == ']' || raw[j] == '}') {
				continue
			}
			out = append(out, ch)
		default:
			out = append(out, ch)
		}
	}
	return out
}

// dedupeFold removes case-insensitive duplicates preserving first-seen
// order and original casing.
func dedupeFold(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		key := strings.ToLower(v)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, v)
	}
	return out
}
