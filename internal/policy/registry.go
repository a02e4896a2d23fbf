package policy

import (
	"fmt"
	"strings"
	"sync"

	"github.com/IGLOU-EU/go-wildcard/v2"
	"github.com/rs/zerolog/log"
)

// Registry resolves policies by name and by request path. Lookups are
// case-insensitive. Registering an existing name atomically replaces it;
// concurrent lookups see either the old or the new record, never a mix.
type Registry struct {
	mu           sync.RWMutex
	policies     map[string]*Policy // lowercased name -> policy
	pathPolicies []pathRule         // ordered by specificity

	staticDetection  bool
	staticExtensions map[string]struct{}
}

type pathRule struct {
	pattern string
	policy  string
	rank    int // 0 exact, 1 single-segment wildcard, 2 suffix wildcard
}

// NewRegistry creates a registry seeded with the built-in policies.
func NewRegistry() *Registry {
	r := &Registry{
		policies:         make(map[string]*Policy),
		staticExtensions: make(map[string]struct{}),
	}
	for _, p := range Builtins() {
		r.policies[strings.ToLower(p.Name)] = p
	}
	return r
}

// Register adds or replaces a policy. The name must be non-empty.
func (r *Registry) Register(p *Policy) error {
	if p == nil || p.Name == "" {
		return fmt.Errorf("policy must have a name")
	}
	r.mu.Lock()
	r.policies[strings.ToLower(p.Name)] = p
	r.mu.Unlock()
	return nil
}

// Remove deletes a policy. The default policy cannot be removed.
func (r *Registry) Remove(name string) error {
	key := strings.ToLower(name)
	if key == "default" {
		return fmt.Errorf("default policy cannot be removed")
	}
	r.mu.Lock()
	delete(r.policies, key)
	r.mu.Unlock()
	return nil
}

// Get looks up a policy by name, case-insensitively.
func (r *Registry) Get(name string) (*Policy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.policies[strings.ToLower(name)]
	return p, ok
}

// Default returns the default policy.
func (r *Registry) Default() *Policy {
	p, _ := r.Get("default")
	return p
}

// SetStaticDetection configures file-extension based routing to the static
// policy. Extensions are stored lowercased with their leading dot.
func (r *Registry) SetStaticDetection(enabled bool, extensions []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.staticDetection = enabled
	r.staticExtensions = make(map[string]struct{}, len(extensions))
	for _, ext := range extensions {
		ext = strings.ToLower(ext)
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		r.staticExtensions[ext] = struct{}{}
	}
}

// SetPathPolicies replaces the path-to-policy mapping. Unknown policy names
// are kept (resolution falls back to default at lookup time) but logged.
func (r *Registry) SetPathPolicies(mapping map[string]string) {
	rules := make([]pathRule, 0, len(mapping))
	for pattern, name := range mapping {
		rules = append(rules, pathRule{pattern: pattern, policy: name, rank: patternRank(pattern)})
	}
	// Most specific first: exact beats *, * beats **, longer pattern beats
	// shorter within a rank.
	sortRules(rules)
	r.mu.Lock()
	r.pathPolicies = rules
	r.mu.Unlock()
	for _, rule := range rules {
		if _, ok := r.policies[strings.ToLower(rule.policy)]; !ok {
			log.Warn().Str("pattern", rule.pattern).Str("policy", rule.policy).
				Msg("path policy references unknown policy, will fall back to default")
		}
	}
}

func patternRank(pattern string) int {
	switch {
	case strings.Contains(pattern, "**"):
		return 2
	case strings.Contains(pattern, "*"):
		return 1
	default:
		return 0
	}
}

func sortRules(rules []pathRule) {
	for i := 1; i < len(rules); i++ {
		for j := i; j > 0 && ruleLess(rules[j], rules[j-1]); j-- {
			rules[j], rules[j-1] = rules[j-1], rules[j]
		}
	}
}

func ruleLess(a, b pathRule) bool {
	if a.rank != b.rank {
		return a.rank < b.rank
	}
	return len(a.pattern) > len(b.pattern)
}

// ForPath selects the policy for a request path: static-extension routing
// first, then the most specific path rule, then default. A rule naming a
// missing policy silently resolves to default.
func (r *Registry) ForPath(path string) *Policy {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.staticDetection {
		if ext := pathExtension(path); ext != "" {
			if _, ok := r.staticExtensions[ext]; ok {
				if p, found := r.policies["static"]; found {
					return p
				}
			}
		}
	}

	for _, rule := range r.pathPolicies {
		if matchPath(rule.pattern, path) {
			if p, ok := r.policies[strings.ToLower(rule.policy)]; ok {
				return p
			}
			break
		}
	}
	return r.policies["default"]
}

// matchPath matches a path against a pattern where `*` spans a single
// segment and `**` spans any suffix.
func matchPath(pattern, path string) bool {
	if pattern == path {
		return true
	}
	if strings.Contains(pattern, "**") {
		return wildcard.Match(strings.ReplaceAll(pattern, "**", "*"), path)
	}
	if strings.Contains(pattern, "*") {
		pSegs := strings.Split(pattern, "/")
		segs := strings.Split(path, "/")
		if len(pSegs) != len(segs) {
			return false
		}
		for i, ps := range pSegs {
			if !wildcard.Match(ps, segs[i]) {
				return false
			}
		}
		return true
	}
	return false
}

// pathExtension returns the lowercased extension of a query-stripped path.
func pathExtension(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	slash := strings.LastIndexByte(path, '/')
	dot := strings.LastIndexByte(path, '.')
	if dot <= slash {
		return ""
	}
	return strings.ToLower(path[dot:])
}
