package detection

// Well-known signal keys. These names are the public contract between
// contributors, the policy evaluator, and downstream consumers; renaming one
// is a breaking change.
const (
	SignalClientIP       = "client_ip"
	SignalIPIsLocal      = "ip_is_local"
	SignalRequestPath    = "request_path"
	SignalUserAgent      = "user_agent"
	SignalUserAgentIsBot = "user_agent_is_bot"
	SignalUserAgentType  = "user_agent_bot_type"

	SignalH2IsHTTP2          = "h2.is_http2"
	SignalH2BehindProxy      = "h2.behind_proxy"
	SignalH2IsHTTP3          = "h2.is_http3"
	SignalH2Unknown          = "h2.fingerprint_unknown"
	SignalH2UsesPriority     = "h2.uses_priority"
	SignalH2PseudoOrder      = "h2.pseudoheader_order"
	SignalH2PushEnabled      = "h2.push_enabled"
	SignalH2PrefaceValid     = "h2.preface_valid"
	SignalH3IsHTTP3          = "h3.is_http3"
	SignalH3TransportParams  = "h3.transport_params"
	SignalH3ZeroRTT          = "h3.zero_rtt"
	SignalH3Migrated         = "h3.connection_migrated"
	SignalH3Protocol         = "h3.protocol"
	SignalH3ClientType       = "h3.client_type"

	SignalTransportProtocol      = "transport.protocol"
	SignalTransportIsUpgrade     = "transport.is_upgrade"
	SignalTransportWSOrigin      = "transport.ws_origin"
	SignalTransportWSVersion     = "transport.ws_version"
	SignalTransportGRPCType      = "transport.grpc_content_type"
	SignalTransportGQLIntrospect = "transport.graphql_introspection"
	SignalTransportGQLBatch      = "transport.graphql_batch"
	SignalTransportSSE           = "transport.sse"

	SignalAiDetected         = "aiscraper.detected"
	SignalAiName             = "aiscraper.name"
	SignalAiOperator         = "aiscraper.operator"
	SignalAiCategory         = "aiscraper.category"
	SignalAiAcceptMarkdown   = "aiscraper.accept_markdown"
	SignalAiCfGateway        = "aiscraper.cloudflare_ai_gateway"
	SignalAiCfBrowserRender  = "aiscraper.cloudflare_browser_rendering"
	SignalAiDiscoveryPath    = "aiscraper.ai_discovery_path"
	SignalAiWebBotAuth       = "aiscraper.web_bot_auth"
	SignalAiWebBotAuthOK     = "aiscraper.web_bot_auth_verified"

	SignalAtoDetected        = "ato.detected"
	SignalAtoCredStuffing    = "ato.credential_stuffing"
	SignalAtoBruteForce      = "ato.brute_force"
	SignalAtoDirectPost      = "ato.direct_post"
	SignalAtoRapidCredChange = "ato.rapid_credential_change"
	SignalAtoGeoVelocity     = "ato.geo_velocity"
	SignalAtoDriftScore      = "ato.drift_score"
	SignalAtoLoginFailed     = "ato.login_failed_count"

	SignalSecToolDetected = "security_tool.detected"
	SignalSecToolName     = "security_tool.name"
	SignalSecToolCategory = "security_tool.category"

	SignalHoneypotListed   = "honeypot.listed"
	SignalHoneypotThreat   = "honeypot.threat_score"
	SignalHoneypotVisitor  = "honeypot.visitor_type"

	SignalReputationState  = "reputation.state"
	SignalReputationScore  = "reputation.score"
	SignalReputationWeight = "reputation.weight"

	SignalVerifiedGoodBot = "VerifiedGoodBot"
	SignalVerifiedBadBot  = "VerifiedBadBot"
)
