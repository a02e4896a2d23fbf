package patterncache

// builtinBotPatterns are the compile-time UA patterns scanned before any
// downloaded list. Order matters: first match wins.
var builtinBotPatterns = []string{
	`googlebot`,
	`bingbot`,
	`yandex(bot|images)`,
	`baiduspider`,
	`duckduckbot`,
	`slurp`,
	`applebot`,
	`facebookexternalhit`,
	`twitterbot`,
	`linkedinbot`,
	`semrushbot`,
	`ahrefsbot`,
	`mj12bot`,
	`dotbot`,
	`petalbot`,
	`bytespider`,
	`gptbot`,
	`ccbot`,
	`claudebot`,
	`perplexitybot`,
	`amazonbot`,
	`curl/`,
	`wget/`,
	`python-requests`,
	`python-urllib`,
	`aiohttp/`,
	`go-http-client`,
	`okhttp`,
	`java/`,
	`libwww-perl`,
	`php/`,
	`ruby`,
	`scrapy`,
	`httpclient`,
	`headlesschrome`,
	`phantomjs`,
	`selenium`,
	`puppeteer`,
	`playwright`,
	`\bbot\b`,
	`\bcrawler\b`,
	`\bspider\b`,
	`\bscraper\b`,
}
