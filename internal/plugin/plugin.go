// Package plugin defines the closed set of terminal plugins, the command
// prefix each one is restricted to, and the sandbox template tier it runs on.
package plugin

import (
	"fmt"
	"strings"
)

// ID identifies a terminal plugin. The zero value None means no plugin was
// selected (or the caller sent a name this build does not know).
type ID int

const (
	None ID = iota
	SQLIExploiter
	SSLScanner
	DNSScanner
	PortScanner
	WAFDetector
	WhoisLookup
	SubdomainFinder
	CVEMap
	WordPressScanner
	XSSExploiter
	Terminal
)

// Tier controls which sandbox template a plugin is provisioned on.
type Tier int

const (
	TierPro Tier = iota
	TierFree
)

func (t Tier) String() string {
	if t == TierFree {
		return "free"
	}
	return "pro"
}

// Profile is the immutable policy entry for one plugin.
type Profile struct {
	ID            ID
	CommandPrefix string // Empty = no restriction.
	Tier          Tier
}

var wireNames = map[ID]string{
	None:             "",
	SQLIExploiter:    "SQLI_EXPLOITER",
	SSLScanner:       "SSL_SCANNER",
	DNSScanner:       "DNS_SCANNER",
	PortScanner:      "PORT_SCANNER",
	WAFDetector:      "WAF_DETECTOR",
	WhoisLookup:      "WHOIS_LOOKUP",
	SubdomainFinder:  "SUBDOMAIN_FINDER",
	CVEMap:           "CVE_MAP",
	WordPressScanner: "WORDPRESS_SCANNER",
	XSSExploiter:     "XSS_EXPLOITER",
	Terminal:         "TERMINAL",
}

// String returns the wire name (e.g. "SSL_SCANNER").
func (id ID) String() string {
	if s, ok := wireNames[id]; ok {
		return s
	}
	return fmt.Sprintf("plugin(%d)", int(id))
}

// Parse maps a wire name to an ID. Unknown names return None and false.
func Parse(name string) (ID, bool) {
	name = strings.ToUpper(strings.TrimSpace(name))
	if name == "" {
		return None, false
	}
	for id, s := range wireNames {
		if s == name {
			return id, true
		}
	}
	return None, false
}

// MarshalText implements encoding.TextMarshaler.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Unknown names decode to None.
func (id *ID) UnmarshalText(b []byte) error {
	*id, _ = Parse(string(b))
	return nil
}

// profileFor is the single exhaustive table of plugin restrictions.
func profileFor(id ID) Profile {
	switch id {
	case SQLIExploiter:
		return Profile{ID: id, CommandPrefix: "sqlmap", Tier: TierPro}
	case SSLScanner:
		return Profile{ID: id, CommandPrefix: "testssl.sh", Tier: TierPro}
	case DNSScanner:
		return Profile{ID: id, CommandPrefix: "dnsrecon", Tier: TierPro}
	case PortScanner:
		return Profile{ID: id, CommandPrefix: "naabu", Tier: TierPro}
	case WAFDetector:
		return Profile{ID: id, CommandPrefix: "wafw00f", Tier: TierFree}
	case WhoisLookup:
		return Profile{ID: id, CommandPrefix: "whois", Tier: TierFree}
	case SubdomainFinder:
		return Profile{ID: id, CommandPrefix: "subfinder", Tier: TierFree}
	case CVEMap:
		return Profile{ID: id, CommandPrefix: "cvemap", Tier: TierFree}
	case WordPressScanner:
		return Profile{ID: id, CommandPrefix: "wpscan", Tier: TierPro}
	case XSSExploiter:
		return Profile{ID: id, CommandPrefix: "dalfox", Tier: TierPro}
	case Terminal:
		return Profile{ID: id, Tier: TierPro}
	default:
		return Profile{ID: None, Tier: TierPro}
	}
}

// All returns the profile of every known plugin, in declaration order.
func All() []Profile {
	out := make([]Profile, 0, int(Terminal))
	for id := SQLIExploiter; id <= Terminal; id++ {
		out = append(out, profileFor(id))
	}
	return out
}
