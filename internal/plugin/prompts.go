package plugin

// Prompts resolves the plugin-specific system prompt. Built once at startup
// and passed to the orchestrator; overrides come from configuration.
type Prompts struct {
	byID map[ID]string
}

// NewPrompts returns the built-in prompts with overrides applied. Override
// keys are wire names; unknown keys are ignored.
func NewPrompts(overrides map[string]string) *Prompts {
	p := &Prompts{byID: make(map[ID]string, len(defaultPrompts))}
	for id, text := range defaultPrompts {
		p.byID[id] = text
	}
	for name, text := range overrides {
		if id, ok := Parse(name); ok {
			p.byID[id] = text
		}
	}
	return p
}

// For returns the prompt for id, or "" when none is registered.
func (p *Prompts) For(id ID) string {
	if p == nil {
		return ""
	}
	return p.byID[id]
}

var defaultPrompts = map[ID]string{
	SQLIExploiter: `The selected plugin is the SQL Injection Exploiter, backed by sqlmap.
1. Concentrate on detecting and exploiting SQL injection.
2. Explain the sqlmap options you choose.
3. Commands must start with "sqlmap".`,

	SSLScanner: `The selected plugin is the SSL Scanner, backed by testssl.sh. It finds SSL/TLS weaknesses such as POODLE, Heartbleed, DROWN and ROBOT.
1. Concentrate on SSL/TLS configuration and known protocol vulnerabilities.
2. For a deep scan combine options such as --full, -U (--vulnerable), -p (--protocols) and -S (--server-defaults).
3. Explain every issue the scan reports.
4. Commands take the form "testssl.sh [options] <target>".`,

	DNSScanner: `The selected plugin is the DNS Scanner, backed by dnsrecon.
1. Concentrate on DNS enumeration, zone transfers and server misconfiguration.
2. Explain the dnsrecon options you choose.
3. Commands must start with "dnsrecon".`,

	PortScanner: `The selected plugin is the Port Scanner, backed by naabu.
1. Concentrate on open ports and the services likely behind them.
2. Use -top-ports 1000 for deep scans and -top-ports 100 for light scans. Never use -p-; pass explicit ports with -p (e.g. 80,443,100-200).
3. Several hosts can be scanned at once with -host (comma separated).
4. Commands must start with "naabu".`,

	WAFDetector: `The selected plugin is the WAF Detector, backed by wafw00f.
1. Concentrate on identifying and fingerprinting the web application firewall in front of the target.
2. Commands must start with "wafw00f".`,

	WhoisLookup: `The selected plugin is WHOIS Lookup, backed by whois.
1. Concentrate on ownership, registration dates, name servers and network details.
2. Commands must start with "whois".`,

	SubdomainFinder: `The selected plugin is the Subdomain Finder, backed by subfinder.
1. Concentrate on enumerating subdomains of the target domain efficiently.
2. Commands must start with "subfinder".`,

	CVEMap: `The selected plugin is CVEMap, backed by cvemap.
1. Concentrate on searching and filtering CVEs.
2. Always pass -json and limit results to 10 with -limit unless asked otherwise.
3. Prefer targeted filters: -id, -cwe-id, -vendor, -product, -severity, -cvss-score, -cpe, -epss-score, -epss-percentile, -age, -assignee, -vstatus.
4. Do not use the search flag.`,

	WordPressScanner: `The selected plugin is the WordPress Scanner, backed by wpscan.
1. Concentrate on outdated plugins and themes, core vulnerabilities and user enumeration.
2. Commands must start with "wpscan".`,

	XSSExploiter: `The selected plugin is the XSS Exploiter, backed by dalfox.
1. Concentrate on finding and confirming cross-site scripting.
2. Commands must start with "dalfox".`,

	Terminal: `The selected plugin is the Terminal. Any command available in the sandbox may be run.
Keep commands non-interactive and bounded in time.`,
}
