// Package patterncache turns string-form user-agent regexes and CIDR
// strings into reusable compiled structures and answers membership queries
// over large corpora. Entries live for the process lifetime; invalid input
// is skipped, never surfaced.
package patterncache

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dlclark/regexp2"
	"github.com/rs/zerolog/log"
)

const (
	// matchTimeout hard-caps a single regex match. A timeout skips the
	// pattern rather than failing the whole scan.
	matchTimeout = 100 * time.Millisecond

	// maxPatternLength rejects absurdly long patterns before compiling.
	maxPatternLength = 500
)

// compiledPattern pairs a compiled regex with its source text for reporting.
type compiledPattern struct {
	source string
	re     *regexp2.Regexp
}

// Cache lazily compiles UA regex patterns and parses CIDR ranges, sharing
// the results process-wide. The read path is lock-free; updates swap whole
// slices atomically.
type Cache struct {
	regexes sync.Map // pattern string -> *compiledPattern (nil entry = known bad)
	cidrs   sync.Map // cidr string -> *ParsedCIDRRange (nil entry = known bad)

	builtinOnce     sync.Once
	builtinPatterns []*compiledPattern

	downloadedPatterns atomic.Pointer[[]*compiledPattern]
	downloadedCIDRs    atomic.Pointer[[]*ParsedCIDRRange]
}

// New returns an empty cache. Built-in patterns compile on first use.
func New() *Cache {
	return &Cache{}
}

// GetOrCompileRegex returns the shared compiled form of pattern, compiling
// it on first sight. Dangerous or invalid patterns return nil and are
// remembered as bad so they compile at most once.
func (c *Cache) GetOrCompileRegex(pattern string) *regexp2.Regexp {
	if v, ok := c.regexes.Load(pattern); ok {
		cp, _ := v.(*compiledPattern)
		if cp == nil {
			return nil
		}
		return cp.re
	}
	cp := compile(pattern)
	actual, _ := c.regexes.LoadOrStore(pattern, cp)
	if stored, _ := actual.(*compiledPattern); stored != nil {
		return stored.re
	}
	return nil
}

// GetOrParseCIDR returns the shared parsed form of cidr, or nil if the
// string is not a valid CIDR.
func (c *Cache) GetOrParseCIDR(cidr string) *ParsedCIDRRange {
	if v, ok := c.cidrs.Load(cidr); ok {
		r, _ := v.(*ParsedCIDRRange)
		return r
	}
	parsed := ParseCIDR(cidr)
	if parsed == nil {
		log.Debug().Str("cidr", cidr).Msg("invalid CIDR skipped")
	}
	actual, _ := c.cidrs.LoadOrStore(cidr, parsed)
	r, _ := actual.(*ParsedCIDRRange)
	return r
}

// MatchesAnyPattern scans built-in patterns first, then downloaded ones.
// First match wins by scan order; there is no scoring here. A per-pattern
// match timeout skips that pattern and continues the scan.
func (c *Cache) MatchesAnyPattern(userAgent string) (bool, string) {
	if userAgent == "" {
		return false, ""
	}
	for _, cp := range c.builtins() {
		if matched := safeMatch(cp, userAgent); matched {
			return true, cp.source
		}
	}
	if downloaded := c.downloadedPatterns.Load(); downloaded != nil {
		for _, cp := range *downloaded {
			if matched := safeMatch(cp, userAgent); matched {
				return true, cp.source
			}
		}
	}
	return false, ""
}

// IsInAnyCIDRRange tests ip against every downloaded range.
func (c *Cache) IsInAnyCIDRRange(ip string) (bool, string) {
	ranges := c.downloadedCIDRs.Load()
	if ranges == nil {
		return false, ""
	}
	for _, r := range *ranges {
		if r.ContainsString(ip) {
			return true, r.Source()
		}
	}
	return false, ""
}

// UpdateDownloadedPatterns recompiles and atomically replaces the
// downloaded pattern set. Entries that fail the safety gate or do not
// compile are dropped.
func (c *Cache) UpdateDownloadedPatterns(patterns []string) {
	compiled := make([]*compiledPattern, 0, len(patterns))
	dropped := 0
	for _, p := range patterns {
		cp := compile(p)
		if cp == nil {
			dropped++
			continue
		}
		compiled = append(compiled, cp)
	}
	c.downloadedPatterns.Store(&compiled)
	if dropped > 0 {
		log.Debug().Int("dropped", dropped).Int("kept", len(compiled)).
			Msg("downloaded UA patterns replaced")
	}
}

// UpdateDownloadedCIDRRanges parses and atomically replaces the downloaded
// CIDR set. Invalid entries are dropped.
func (c *Cache) UpdateDownloadedCIDRRanges(cidrs []string) {
	parsed := make([]*ParsedCIDRRange, 0, len(cidrs))
	dropped := 0
	for _, s := range cidrs {
		r := ParseCIDR(s)
		if r == nil {
			dropped++
			continue
		}
		parsed = append(parsed, r)
	}
	c.downloadedCIDRs.Store(&parsed)
	if dropped > 0 {
		log.Debug().Int("dropped", dropped).Int("kept", len(parsed)).
			Msg("downloaded CIDR ranges replaced")
	}
}

// DownloadedCounts reports the current downloaded set sizes.
func (c *Cache) DownloadedCounts() (patterns, cidrs int) {
	if p := c.downloadedPatterns.Load(); p != nil {
		patterns = len(*p)
	}
	if r := c.downloadedCIDRs.Load(); r != nil {
		cidrs = len(*r)
	}
	return patterns, cidrs
}

func (c *Cache) builtins() []*compiledPattern {
	c.builtinOnce.Do(func() {
		compiled := make([]*compiledPattern, 0, len(builtinBotPatterns))
		for _, p := range builtinBotPatterns {
			if cp := compile(p); cp != nil {
				compiled = append(compiled, cp)
			}
		}
		c.builtinPatterns = compiled
	})
	return c.builtinPatterns
}

// compile applies the safety gate then compiles case-insensitively with the
// per-match timeout. Returns nil for rejected or invalid patterns.
func compile(pattern string) *compiledPattern {
	if !SafePattern(pattern) {
		log.Debug().Str("pattern", truncate(pattern, 80)).Msg("unsafe pattern rejected")
		return nil
	}
	re, err := regexp2.Compile(pattern, regexp2.IgnoreCase)
	if err != nil {
		log.Debug().Str("pattern", truncate(pattern, 80)).Err(err).Msg("pattern failed to compile")
		return nil
	}
	re.MatchTimeout = matchTimeout
	return &compiledPattern{source: pattern, re: re}
}

func safeMatch(cp *compiledPattern, input string) bool {
	matched, err := cp.re.MatchString(input)
	if err != nil {
		// Timeout or internal error: skip this pattern, keep scanning.
		log.Debug().Str("pattern", truncate(cp.source, 80)).Err(err).Msg("pattern match skipped")
		return false
	}
	return matched
}

// nestedQuantifiers are the shapes known to cause catastrophic
// backtracking: a quantified group itself quantified.
var nestedQuantifiers = []string{
	"+)+", "+)*", "*)+", "*)*", "+)?", "*)?",
	"})+", "})*", "}){",
	"++", "*+", "?+",
}

// SafePattern rejects patterns that are too long or contain nested
// possessive/greedy quantifiers.
func SafePattern(pattern string) bool {
	if pattern == "" || len(pattern) > maxPatternLength {
		return false
	}
	for _, bad := range nestedQuantifiers {
		if strings.Contains(pattern, bad) {
			return false
		}
	}
	return true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
