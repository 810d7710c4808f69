// Package rewrite turns an incoming client request into the outbound upstream
// request: path translation between the OpenAI-style and native surfaces,
// hop-by-hop header filtering, credential injection, and the optional top_p
// body rewrite.
package rewrite

import (
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"gemini-proxy-go/internal/secret"
)

// TranslatePath maps an incoming path to the upstream path. Unmatched paths
// pass through unchanged.
func TranslatePath(path string) string {
	switch {
	case path == "/health/detailed":
		return "/v1beta/models"
	case strings.HasPrefix(path, "/v1/chat/completions"):
		return "/v1beta/openai/chat/completions" + path[len("/v1/chat/completions"):]
	case strings.HasPrefix(path, "/v1/embeddings"):
		return "/v1beta/embeddings" + path[len("/v1/embeddings"):]
	case strings.HasPrefix(path, "/v1/audio/speech"):
		return "/v1beta/audio/speech" + path[len("/v1/audio/speech"):]
	case strings.HasPrefix(path, "/v1/"):
		return "/v1beta/openai/" + path[len("/v1/"):]
	default:
		return path
	}
}

var modelPathRe = regexp.MustCompile(`/v1beta/models/([^/:]+)`)

// ExtractModel pulls the model name from the path when present, otherwise
// from the JSON body of model-carrying endpoints. Returns "" when no model
// can be determined.
func ExtractModel(path string, body []byte) string {
	if m := modelPathRe.FindStringSubmatch(path); m != nil {
		return m[1]
	}
	if !bodyCarriesModel(path) {
		return ""
	}
	if !utf8.Valid(body) || !gjson.ValidBytes(body) {
		return ""
	}
	return gjson.GetBytes(body, "model").String()
}

func bodyCarriesModel(path string) bool {
	return strings.Contains(path, "chat/completions") || strings.Contains(path, "embeddings")
}

// BuildURL joins the translated path onto the group's target URL, preserves
// the client query, and appends the credential as key=.
func BuildURL(targetURL, translatedPath, rawQuery string, key secret.Key) (*url.URL, error) {
	u, err := url.Parse(targetURL)
	if err != nil {
		return nil, err
	}
	u.Path = strings.TrimRight(u.Path, "/") + translatedPath

	q, err := url.ParseQuery(rawQuery)
	if err != nil {
		q = url.Values{}
	}
	q.Set("key", key.Reveal())
	u.RawQuery = q.Encode()
	return u, nil
}

// hopByHop are headers that must not cross the proxy in either direction,
// plus the identity headers the proxy replaces on the way out.
var hopByHop = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailers":            true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
	"Host":                true,
	"Authorization":       true,
	"X-Goog-Api-Key":      true,
}

// IsHopByHop reports whether a header must be stripped at the proxy.
func IsHopByHop(name string) bool {
	return hopByHop[http.CanonicalHeaderKey(name)]
}

// OutboundHeaders copies the client headers minus the hop-by-hop set and
// injects the credential in both forms the upstream dialects accept.
func OutboundHeaders(in http.Header, key secret.Key) http.Header {
	out := make(http.Header, len(in)+2)
	for name, values := range in {
		if IsHopByHop(name) {
			continue
		}
		for _, v := range values {
			out.Add(name, v)
		}
	}
	out.Set("x-goog-api-key", key.Reveal())
	out.Set("Authorization", "Bearer "+key.Reveal())
	return out
}

// FilterResponseHeaders strips hop-by-hop headers from an upstream response
// before it reaches the client. Credential-bearing headers never come back
// from the upstream, but the identity entries are dropped all the same.
func FilterResponseHeaders(in http.Header) http.Header {
	out := make(http.Header, len(in))
	for name, values := range in {
		if IsHopByHop(name) {
			continue
		}
		for _, v := range values {
			out.Add(name, v)
		}
	}
	return out
}

// RewriteTopP inserts the configured top_p into a JSON object body. Non-JSON
// bodies and non-object roots pass through untouched; a nil override is a
// no-op.
func RewriteTopP(body []byte, topP *float64) []byte {
	if topP == nil || len(body) == 0 {
		return body
	}
	if !gjson.ValidBytes(body) {
		return body
	}
	root := gjson.ParseBytes(body)
	if !root.IsObject() {
		return body
	}
	out, err := sjson.SetBytes(body, "top_p", *topP)
	if err != nil {
		return body
	}
	return out
}
