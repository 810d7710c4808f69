package errors

import "net/http"

// Envelope is the JSON error body returned to clients for locally generated
// failures. Upstream error bodies are passed through verbatim and never
// re-wrapped in this shape.
type Envelope struct {
	Type      string `json:"type"`
	Title     string `json:"title"`
	Status    int    `json:"status"`
	Detail    string `json:"detail,omitempty"`
	Instance  string `json:"instance,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// Body wraps the envelope under the conventional "error" field.
type Body struct {
	Error Envelope `json:"error"`
}

var kindTitles = map[Kind]string{
	KindConfig:             "Invalid configuration",
	KindStorageUnavailable: "Key state storage unavailable",
	KindNoHealthyKeys:      "No healthy keys available",
	KindUpstreamTransport:  "Upstream transport failure",
	KindCircuitOpen:        "Upstream circuit open",
	KindRequestTooLarge:    "Request too large",
	KindInternal:           "Internal server error",
}

var kindStatus = map[Kind]int{
	KindConfig:             http.StatusInternalServerError,
	KindStorageUnavailable: http.StatusServiceUnavailable,
	KindNoHealthyKeys:      http.StatusServiceUnavailable,
	KindUpstreamTransport:  http.StatusBadGateway,
	KindCircuitOpen:        http.StatusServiceUnavailable,
	KindRequestTooLarge:    http.StatusRequestEntityTooLarge,
	KindInternal:           http.StatusInternalServerError,
}

// HTTPStatus maps a kind to the status returned to the client.
func HTTPStatus(kind Kind) int {
	if s, ok := kindStatus[kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// NewBody assembles the client-facing body for a locally generated failure.
func NewBody(kind Kind, detail, instance, requestID string) Body {
	title := kindTitles[kind]
	if title == "" {
		title = kindTitles[KindInternal]
	}
	return Body{Error: Envelope{
		Type:      string(kind),
		Title:     title,
		Status:    HTTPStatus(kind),
		Detail:    detail,
		Instance:  instance,
		RequestID: requestID,
	}}
}
