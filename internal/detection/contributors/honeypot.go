package contributors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/threatvane/threatvane/internal/detection"
)

// HoneypotConfig configures the Project Honeypot http:BL lookup.
type HoneypotConfig struct {
	Enabled             bool    `yaml:"enabled"`
	AccessKey           string  `yaml:"access_key"`
	HighThreatThreshold int     `yaml:"high_threat_threshold"`
}

// visitor types from the http:BL response's last octet bitmask.
const (
	honeypotSuspicious = 1
	honeypotHarvester  = 2
	honeypotSpammer    = 4
)

// resolver is the DNS surface we need; swapped in tests.
type resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// ProjectHoneypot queries the http:BL reputation list for the client IP.
// It is optional and bounded: a slow or failing resolver never stalls the
// pipeline.
type ProjectHoneypot struct {
	detection.Meta
	cfg      HoneypotConfig
	resolver resolver
}

// NewProjectHoneypot creates the contributor.
func NewProjectHoneypot(cfg HoneypotConfig) *ProjectHoneypot {
	if cfg.HighThreatThreshold <= 0 {
		cfg.HighThreatThreshold = 50
	}
	return &ProjectHoneypot{
		Meta: detection.Meta{
			ContributorName: "ProjectHoneypot",
			RunPriority:     15,
			ExecTimeout:     800 * time.Millisecond,
			IsOptional:      true,
		},
		cfg:      cfg,
		resolver: net.DefaultResolver,
	}
}

// Detect implements detection.Contributor.
func (p *ProjectHoneypot) Detect(ctx context.Context, bb *detection.Blackboard) ([]detection.Contribution, error) {
	if !p.cfg.Enabled || p.cfg.AccessKey == "" {
		return []detection.Contribution{detection.NoSignals(p.Name())}, nil
	}
	if bb.SignalBool(detection.SignalIPIsLocal) {
		return []detection.Contribution{detection.NoSignals(p.Name())}, nil
	}

	ip := net.ParseIP(bb.ClientIP)
	if ip == nil || ip.To4() == nil {
		// http:BL only covers IPv4.
		return []detection.Contribution{detection.NoSignals(p.Name())}, nil
	}

	query := p.cfg.AccessKey + "." + reverseOctets(ip.To4()) + ".dnsbl.httpbl.org"
	addrs, err := p.resolver.LookupHost(ctx, query)
	if err != nil || len(addrs) == 0 {
		// NXDOMAIN means not listed; anything else is a lookup problem.
		if err != nil && !isNotFound(err) {
			return nil, fmt.Errorf("honeypot lookup: %w", err)
		}
		return []detection.Contribution{detection.NoSignals(p.Name())}, nil
	}

	days, threat, visitorType, ok := parseHTTPBL(addrs[0])
	if !ok {
		log.Debug().Str("response", addrs[0]).Msg("unparseable http:BL response")
		return []detection.Contribution{detection.NoSignals(p.Name())}, nil
	}

	confidence := honeypotConfidence(days, threat, visitorType, p.cfg.HighThreatThreshold)
	signals := map[string]any{
		detection.SignalHoneypotListed:  true,
		detection.SignalHoneypotThreat:  threat,
		detection.SignalHoneypotVisitor: visitorName(visitorType),
	}
	if confidence == 0 {
		c := detection.NoSignals(p.Name())
		c.Signals = signals
		return []detection.Contribution{c}, nil
	}
	return []detection.Contribution{{
		Category:        "ProjectHoneypot",
		Reason: fmt.Sprintf("IP listed in http:BL: threat %d, last activity %d days ago, %s",
			threat, days, visitorName(visitorType)),
		ConfidenceDelta: confidence,
		BotType:         detection.BotTypeMalicious,
		Signals:         signals,
	}}, nil
}

// honeypotConfidence composes threat score, recency, and visitor-type
// flags into one delta.
func honeypotConfidence(days, threat, visitorType, highThreat int) float64 {
	if visitorType == 0 {
		// Plain search engine entry: not a threat.
		return 0
	}
	c := float64(threat) / float64(highThreat)
	if c > 1 {
		c = 1
	}
	// Old listings fade: half weight past 30 days.
	if days > 30 {
		c *= 0.5
	}
	if visitorType&honeypotSpammer != 0 {
		c += 0.2
	}
	if visitorType&honeypotHarvester != 0 {
		c += 0.15
	}
	if c > 0.9 {
		c = 0.9
	}
	return c
}

// parseHTTPBL decodes the 127.days.threat.type response address.
func parseHTTPBL(addr string) (days, threat, visitorType int, ok bool) {
	parts := strings.Split(addr, ".")
	if len(parts) != 4 || parts[0] != "127" {
		return 0, 0, 0, false
	}
	var err error
	if days, err = strconv.Atoi(parts[1]); err != nil {
		return 0, 0, 0, false
	}
	if threat, err = strconv.Atoi(parts[2]); err != nil {
		return 0, 0, 0, false
	}
	if visitorType, err = strconv.Atoi(parts[3]); err != nil {
		return 0, 0, 0, false
	}
	return days, threat, visitorType, true
}

func visitorName(visitorType int) string {
	var names []string
	if visitorType == 0 {
		return "search_engine"
	}
	if visitorType&honeypotSuspicious != 0 {
		names = append(names, "suspicious")
	}
	if visitorType&honeypotHarvester != 0 {
		names = append(names, "harvester")
	}
	if visitorType&honeypotSpammer != 0 {
		names = append(names, "comment_spammer")
	}
	return strings.Join(names, "+")
}

func reverseOctets(ip net.IP) string {
	return fmt.Sprintf("%d.%d.%d.%d", ip[3], ip[2], ip[1], ip[0])
}

func isNotFound(err error) bool {
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr) && dnsErr.IsNotFound
}
