// Package contributors holds the concrete classifiers that run against the
// request blackboard. Each contributor treats unknown or absent inputs as a
// neutral "no signals" contribution and never raises.
package contributors

import (
	"context"
	"strings"

	"github.com/threatvane/threatvane/internal/detection"
)

// securityTool describes one known offensive tool.
type securityTool struct {
	needle   string
	name     string
	category string
}

// securityTools is scanned in order; the first UA substring hit wins.
var securityTools = []securityTool{
	{"sqlmap", "Sqlmap", "sql-injection"},
	{"nikto", "Nikto", "scanner"},
	{"nmap", "Nmap", "scanner"},
	{"masscan", "Masscan", "scanner"},
	{"zgrab", "ZGrab", "scanner"},
	{"nuclei", "Nuclei", "scanner"},
	{"wpscan", "WPScan", "scanner"},
	{"dirbuster", "DirBuster", "enumeration"},
	{"gobuster", "Gobuster", "enumeration"},
	{"feroxbuster", "Feroxbuster", "enumeration"},
	{"ffuf", "Ffuf", "enumeration"},
	{"wfuzz", "Wfuzz", "enumeration"},
	{"hydra", "Hydra", "credential-attack"},
	{"medusa", "Medusa", "credential-attack"},
	{"metasploit", "Metasploit", "exploitation"},
	{"burpsuite", "BurpSuite", "proxy"},
	{"burp collaborator", "BurpCollaborator", "proxy"},
	{"owasp zap", "OWASPZAP", "proxy"},
	{"zaproxy", "OWASPZAP", "proxy"},
	{"acunetix", "Acunetix", "scanner"},
	{"netsparker", "Netsparker", "scanner"},
	{"nessus", "Nessus", "scanner"},
	{"openvas", "OpenVAS", "scanner"},
	{"arachni", "Arachni", "scanner"},
	{"skipfish", "Skipfish", "scanner"},
	{"w3af", "W3af", "scanner"},
	{"havij", "Havij", "sql-injection"},
	{"commix", "Commix", "command-injection"},
	{"xsser", "XSSer", "xss"},
	{"whatweb", "WhatWeb", "fingerprinting"},
	{"cewl", "CeWL", "enumeration"},
}

// SecurityTool matches the user agent against known offensive security
// tools. A hit is definitive: strong signals and an immediate
// VerifiedBadBot early exit.
type SecurityTool struct {
	detection.Meta
	enabled bool
}

// NewSecurityTool creates the contributor.
func NewSecurityTool(enabled bool) *SecurityTool {
	return &SecurityTool{
		Meta:    detection.Meta{ContributorName: "SecurityTool", RunPriority: 8},
		enabled: enabled,
	}
}

// Detect implements detection.Contributor.
func (s *SecurityTool) Detect(_ context.Context, bb *detection.Blackboard) ([]detection.Contribution, error) {
	if !s.enabled {
		return []detection.Contribution{detection.NoSignals(s.Name())}, nil
	}
	ua := strings.ToLower(bb.SignalString(detection.SignalUserAgent))
	if ua == "" {
		return []detection.Contribution{detection.NoSignals(s.Name())}, nil
	}

	for _, tool := range securityTools {
		if !strings.Contains(ua, tool.needle) {
			continue
		}
		return []detection.Contribution{{
			Category:        "SecurityTool",
			Reason:          "user agent matches security tool " + tool.name,
			ConfidenceDelta: 0.95,
			BotName:         tool.name,
			BotType:         detection.BotTypeMalicious,
			Signals: map[string]any{
				detection.SignalSecToolDetected: true,
				detection.SignalSecToolName:     tool.name,
				detection.SignalSecToolCategory: tool.category,
				detection.SignalVerifiedBadBot:  true,
			},
			TriggerEarlyExit: true,
			EarlyExitVerdict: detection.VerdictVerifiedBadBot,
		}}, nil
	}

	return []detection.Contribution{detection.NoSignals(s.Name())}, nil
}
