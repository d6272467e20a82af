package observability

const (
	AttrServiceName      = "service.name"
	AttrServiceVersion   = "service.version"
	AttrHTTPMethod       = "http.method"
	AttrHTTPPath         = "http.path"
	AttrHTTPStatusCode   = "http.status_code"
	AttrHTTPResponseSize = "http.response_size"
	AttrErrorType        = "error.type"
	AttrModel            = "llm.model"
	AttrSessionID        = "session.id"
	AttrRouteTarget      = "route.target"

	SpanHTTPRequest  = "gateway.http_request"
	SpanUpstreamCall = "gateway.upstream_call"
	SpanContinuation = "gateway.continuation"
	SpanSummary      = "gateway.history_summary"

	DefaultServiceName = "relay"
)
