package botlists

// Embedded fallback lists. Merged in after every remote fetch so the
// canonical tools stay represented, and the only data left when all remote
// sources are down.

var embeddedBotPatterns = []string{
	`Googlebot`,
	`Bingbot`,
	`Slurp`,
	`DuckDuckBot`,
	`Baiduspider`,
	`YandexBot`,
	`Applebot`,
	`facebookexternalhit`,
	`Twitterbot`,
	`LinkedInBot`,
	`AhrefsBot`,
	`SemrushBot`,
	`MJ12bot`,
	`DotBot`,
	`PetalBot`,
	`Bytespider`,
	`GPTBot`,
	`ClaudeBot`,
	`CCBot`,
	`PerplexityBot`,
	`Amazonbot`,
	`curl`,
	`Wget`,
	`python-requests`,
	`Scrapy`,
	`HeadlessChrome`,
	`PhantomJS`,
}

var embeddedDatacenterRanges = []string{
	// A conservative slice of well-known cloud space.
	"3.0.0.0/8",       // AWS
	"13.32.0.0/12",    // AWS CloudFront
	"18.128.0.0/9",    // AWS
	"34.64.0.0/10",    // GCP
	"35.184.0.0/13",   // GCP
	"104.154.0.0/15",  // GCP
	"20.33.0.0/16",    // Azure
	"40.64.0.0/10",    // Azure
	"104.16.0.0/13",   // Cloudflare
	"172.64.0.0/13",   // Cloudflare
	"2600:1f00::/24",  // AWS
	"2600:9000::/28",  // AWS CloudFront
	"2600:1900::/28",  // GCP
	"2606:4700::/32",  // Cloudflare
	"159.203.0.0/16",  // DigitalOcean
	"167.99.0.0/16",   // DigitalOcean
	"5.9.0.0/16",      // Hetzner
	"135.181.0.0/16",  // Hetzner
	"51.15.0.0/16",    // Scaleway
	"163.172.0.0/16",  // Scaleway
}

var embeddedSecurityToolPatterns = []string{
	`sqlmap`,
	`nikto`,
	`nmap`,
	`masscan`,
	`zgrab`,
	`nuclei`,
	`wpscan`,
	`dirbuster`,
	`gobuster`,
	`feroxbuster`,
	`ffuf`,
	`wfuzz`,
	`hydra`,
	`metasploit`,
	`burpsuite`,
	`zaproxy`,
	`acunetix`,
	`netsparker`,
	`nessus`,
	`openvas`,
	`arachni`,
	`skipfish`,
	`w3af`,
	`havij`,
	`commix`,
}
