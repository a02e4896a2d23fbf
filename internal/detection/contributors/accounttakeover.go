package contributors

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/threatvane/threatvane/internal/detection"
)

// loginPathMarkers identify authentication endpoints.
var loginPathMarkers = []string{"/login", "/signin", "/sign-in", "/auth", "/session", "/password", "/oauth/token"}

// sensitivePathMarkers are post-login actions worth watching for rapid
// automation.
var sensitivePathMarkers = []string{"/password", "/email", "/payout", "/transfer", "/api-key", "/settings/security"}

// ipActivity is the bounded per-IP sliding window the heuristics read.
type ipActivity struct {
	loginAttempts []time.Time
	sensitiveHits []time.Time
	lastUA        string
	uaChanges     int
	lastSubnet    string
	subnetJumps   int
	sawLoginGet   bool
	lastSeen      time.Time
}

// AccountTakeover applies login-path heuristics: credential stuffing and
// brute force rates, direct POST bypass, rapid sensitive actions after
// login, coarse geographic velocity (subnet jumps), and UA drift. State is
// a bounded per-IP window owned by the contributor.
type AccountTakeover struct {
	detection.Meta

	mu       sync.Mutex
	activity map[string]*ipActivity

	window     time.Duration
	maxTracked int
	now        func() time.Time
}

// NewAccountTakeover creates the contributor.
func NewAccountTakeover() *AccountTakeover {
	return &AccountTakeover{
		Meta:       detection.Meta{ContributorName: "AccountTakeover", RunPriority: 25},
		activity:   make(map[string]*ipActivity),
		window:     10 * time.Minute,
		maxTracked: 8192,
		now:        time.Now,
	}
}

// Detect implements detection.Contributor.
func (a *AccountTakeover) Detect(_ context.Context, bb *detection.Blackboard) ([]detection.Contribution, error) {
	path := strings.ToLower(bb.Req.URL.Path)
	isLogin := matchesAny(path, loginPathMarkers)
	isSensitive := matchesAny(path, sensitivePathMarkers)
	if !isLogin && !isSensitive {
		return []detection.Contribution{detection.NoSignals(a.Name())}, nil
	}

	now := a.now()
	ua := bb.SignalString(detection.SignalUserAgent)

	a.mu.Lock()
	act := a.track(bb.ClientIP, now)
	if isLogin {
		if bb.Req.Method == http.MethodGet {
			act.sawLoginGet = true
		} else {
			act.loginAttempts = append(act.loginAttempts, now)
		}
	}
	if isSensitive && bb.Req.Method != http.MethodGet {
		act.sensitiveHits = append(act.sensitiveHits, now)
	}
	if act.lastUA != "" && act.lastUA != ua {
		act.uaChanges++
	}
	act.lastUA = ua
	if subnet := subnetOf(bb.ClientIP); subnet != act.lastSubnet {
		if act.lastSubnet != "" {
			act.subnetJumps++
		}
		act.lastSubnet = subnet
	}
	a.pruneLocked(act, now)

	attempts := len(act.loginAttempts)
	sensitive := len(act.sensitiveHits)
	uaChanges := act.uaChanges
	subnetJumps := act.subnetJumps
	sawGet := act.sawLoginGet
	a.mu.Unlock()

	var out []detection.Contribution
	score := 0.0

	directPost := isLogin && bb.Req.Method == http.MethodPost && !sawGet && bb.Req.Referer() == ""
	if directPost {
		score += 0.3
		out = append(out, detection.Contribution{
			Category:        "AccountTakeover",
			Reason:          "direct POST to login without form load",
			ConfidenceDelta: 0.3,
			Signals:         map[string]any{detection.SignalAtoDirectPost: true},
		})
	}
	if attempts >= 20 {
		score += 0.5
		out = append(out, detection.Contribution{
			Category:        "AccountTakeover",
			Reason:          "credential stuffing rate from single IP",
			ConfidenceDelta: 0.5,
			BotType:         detection.BotTypeMalicious,
			Signals:         map[string]any{detection.SignalAtoCredStuffing: true},
		})
	} else if attempts >= 8 {
		score += 0.4
		out = append(out, detection.Contribution{
			Category:        "AccountTakeover",
			Reason:          "brute force login rate",
			ConfidenceDelta: 0.4,
			BotType:         detection.BotTypeMalicious,
			Signals:         map[string]any{detection.SignalAtoBruteForce: true},
		})
	}
	if sensitive >= 3 {
		score += 0.35
		out = append(out, detection.Contribution{
			Category:        "AccountTakeover",
			Reason:          "rapid sensitive actions after login",
			ConfidenceDelta: 0.35,
			Signals:         map[string]any{detection.SignalAtoRapidCredChange: true},
		})
	}
	if subnetJumps >= 2 {
		score += 0.25
		out = append(out, detection.Contribution{
			Category:        "AccountTakeover",
			Reason:          "implausible network velocity across subnets",
			ConfidenceDelta: 0.25,
			Signals:         map[string]any{detection.SignalAtoGeoVelocity: true},
		})
	}
	if uaChanges >= 2 {
		drift := minFloat(0.2*float64(uaChanges), 0.5)
		score += drift
		out = append(out, detection.Contribution{
			Category:        "AccountTakeover",
			Reason:          "user agent drift within session window",
			ConfidenceDelta: drift,
			Signals:         map[string]any{detection.SignalAtoDriftScore: drift},
		})
	}

	if len(out) == 0 {
		c := detection.NoSignals(a.Name())
		c.Signals = map[string]any{detection.SignalAtoLoginFailed: attempts}
		return []detection.Contribution{c}, nil
	}

	// Trailing summary so later contributors see the aggregate verdict.
	out = append(out, detection.Contribution{
		Category: "AccountTakeover",
		Reason:   "account takeover heuristics aggregated",
		Signals: map[string]any{
			detection.SignalAtoDetected:    score >= 0.4,
			detection.SignalAtoLoginFailed: attempts,
		},
	})
	return out, nil
}

// track returns the activity record for ip, evicting the oldest when the
// table is full; callers hold the lock.
func (a *AccountTakeover) track(ip string, now time.Time) *ipActivity {
	act, ok := a.activity[ip]
	if !ok {
		if len(a.activity) >= a.maxTracked {
			a.evictOldestLocked()
		}
		act = &ipActivity{}
		a.activity[ip] = act
	}
	act.lastSeen = now
	return act
}

func (a *AccountTakeover) evictOldestLocked() {
	var oldestKey string
	var oldest time.Time
	for k, v := range a.activity {
		if oldestKey == "" || v.lastSeen.Before(oldest) {
			oldestKey, oldest = k, v.lastSeen
		}
	}
	if oldestKey != "" {
		delete(a.activity, oldestKey)
	}
}

func (a *AccountTakeover) pruneLocked(act *ipActivity, now time.Time) {
	cutoff := now.Add(-a.window)
	act.loginAttempts = pruneTimes(act.loginAttempts, cutoff)
	act.sensitiveHits = pruneTimes(act.sensitiveHits, cutoff)
}

func pruneTimes(times []time.Time, cutoff time.Time) []time.Time {
	kept := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}

func matchesAny(path string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(path, m) {
			return true
		}
	}
	return false
}

// subnetOf collapses an IP to its /24 (or first hextets for IPv6) as a
// cheap locality proxy.
func subnetOf(ip string) string {
	if i := strings.LastIndexByte(ip, '.'); i > 0 {
		return ip[:i]
	}
	if i := strings.IndexByte(ip, ':'); i > 0 {
		parts := strings.Split(ip, ":")
		if len(parts) > 3 {
			return strings.Join(parts[:3], ":")
		}
	}
	return ip
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
