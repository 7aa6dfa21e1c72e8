package multiplex

import (
	"net/http"
	"net/url"
	"strings"
)

// strippedHeaders is the exact header hygiene list from spec §4.4 step 4.
var strippedHeaders = []string{
	"cookie",
	"cookie2",
	"authorization",
	"x-real-ip",
	"x-forwarded-for",
	"x-forwarded-proto",
	"connection",
}

// remotePathPrefix is the path prefix that selects the alternate host
// (spec §4.4 step 4: "for paths beginning with /remote/ strip the prefix
// and set host to the configured alternate host").
const remotePathPrefix = "/remote/"

// buildForwardedHeaders applies the hygiene rules of spec §4.4 steps 4-5
// and returns the header map to carry in the outgoing request frame.
func buildForwardedHeaders(r *http.Request, userAgent, publicHost, remoteHost string) (headers map[string]string, path string) {
	headers = make(map[string]string, len(r.Header))
	for k, vs := range r.Header {
		lk := strings.ToLower(k)
		if isStripped(lk) {
			continue
		}
		if len(vs) > 0 {
			headers[lk] = vs[0]
		}
	}

	headers["user-agent"] = userAgent

	path = r.URL.Path
	host := publicHost
	if strings.HasPrefix(path, remotePathPrefix) {
		path = strings.TrimPrefix(path, "/remote")
		host = remoteHost
	}
	headers["host"] = host

	if isWebSocketUpgrade(r) {
		headers["upgrade"] = "websocket"
		headers["connection"] = "Upgrade"
	}

	return headers, path
}

func isStripped(lowerKey string) bool {
	for _, h := range strippedHeaders {
		if h == lowerKey {
			return true
		}
	}
	return false
}

// isWebSocketUpgrade detects a WebSocket upgrade either by the Upgrade
// header or by the presence of both Sec-WebSocket-Key and
// Sec-WebSocket-Version (spec §4.4 step 5).
func isWebSocketUpgrade(r *http.Request) bool {
	if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		return true
	}
	return r.Header.Get("Sec-WebSocket-Key") != "" && r.Header.Get("Sec-WebSocket-Version") != ""
}

// pathFirstSegment reduces a path to its first segment for the audit
// record (spec §4.7: "path-first-segment", avoiding high-cardinality full
// paths in the structured log).
func pathFirstSegment(path string) string {
	trimmed := strings.TrimPrefix(path, "/")
	if i := strings.IndexByte(trimmed, '/'); i >= 0 {
		trimmed = trimmed[:i]
	}
	if trimmed == "" {
		return "/"
	}
	return "/" + trimmed
}

// flattenQuery converts url.Values into the single-valued map the request
// frame's wire shape expects (spec §6 table: query:map).
func flattenQuery(q url.Values) map[string]string {
	out := make(map[string]string, len(q))
	for k, vs := range q {
		if len(vs) > 0 {
			out[k] = vs[0]
		}
	}
	return out
}
