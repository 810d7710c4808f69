// Package classifier maps an upstream response to the action the retry loop
// takes next. Rules are consulted in order; the first match wins, so the
// chain is total over every status code.
package classifier

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// Kind enumerates the classifier outcomes.
type Kind int

const (
	// Success returns the response to the client.
	Success Kind = iota
	// RetryNextKey records a non-terminal failure and moves on.
	RetryNextKey
	// BlockKeyAndRetry blocks the credential immediately and moves on.
	BlockKeyAndRetry
	// WaitFor puts the credential in cooldown, sleeps, and moves on.
	WaitFor
	// Terminal aborts the loop and surfaces the response verbatim.
	Terminal
)

func (k Kind) String() string {
	switch k {
	case Success:
		return "success"
	case RetryNextKey:
		return "retry_next_key"
	case BlockKeyAndRetry:
		return "block_key_and_retry"
	case WaitFor:
		return "wait_for"
	case Terminal:
		return "terminal"
	}
	return "unknown"
}

// Action is a classification result. Wait is set only for WaitFor; Streamed
// marks a Success whose body must be relayed without buffering.
type Action struct {
	Kind     Kind
	Wait     time.Duration
	Streamed bool
}

// Input is the response tuple the classifier observes. Body holds the
// buffered bytes for non-streaming responses and is nil when only headers
// were read.
type Input struct {
	Status int
	Header http.Header
	Body   []byte
}

// Classifier applies the rule chain with a configured WaitFor ceiling.
type Classifier struct {
	waitCeiling time.Duration
	now         func() time.Time
}

// New builds a classifier. waitCeiling caps durations parsed from upstream
// rate-limit hints; zero or below falls back to 60s.
func New(waitCeiling time.Duration) *Classifier {
	if waitCeiling <= 0 {
		waitCeiling = 60 * time.Second
	}
	return &Classifier{waitCeiling: waitCeiling, now: time.Now}
}

// Classify runs the rule chain over one upstream response.
func (c *Classifier) Classify(in Input) Action {
	switch {
	case in.Status >= 200 && in.Status < 300:
		return Action{Kind: Success, Streamed: isStreaming(in.Header)}

	case in.Status == http.StatusTooManyRequests:
		if d, ok := c.retryHint(in); ok {
			return Action{Kind: WaitFor, Wait: d}
		}
		return Action{Kind: RetryNextKey}

	case in.Status == http.StatusBadRequest && strings.Contains(string(in.Body), "API_KEY_INVALID"):
		return Action{Kind: BlockKeyAndRetry}

	case in.Status == http.StatusUnauthorized || in.Status == http.StatusForbidden:
		return Action{Kind: BlockKeyAndRetry}

	case in.Status >= 500:
		return Action{Kind: RetryNextKey}

	case in.Status == http.StatusRequestTimeout:
		return Action{Kind: RetryNextKey}

	case in.Status >= 400:
		return Action{Kind: Terminal}
	}
	// 1xx and 3xx carry no retry semantics for us.
	return Action{Kind: Terminal}
}

func isStreaming(h http.Header) bool {
	ct := h.Get("Content-Type")
	return strings.HasPrefix(ct, "text/event-stream") || strings.HasPrefix(ct, "text/plain")
}

// retryHint extracts a wait duration from Retry-After (seconds or HTTP-date)
// or a retry_delay field in a JSON error envelope, capped to the ceiling.
func (c *Classifier) retryHint(in Input) (time.Duration, bool) {
	if d, ok := c.parseRetryAfter(in.Header.Get("Retry-After")); ok {
		return c.cap(d), true
	}
	if d, ok := parseRetryDelay(in.Body); ok {
		return c.cap(d), true
	}
	return 0, false
}

func (c *Classifier) cap(d time.Duration) time.Duration {
	if d > c.waitCeiling {
		return c.waitCeiling
	}
	if d < 0 {
		return 0
	}
	return d
}

func (c *Classifier) parseRetryAfter(v string) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, true
	}
	if t, err := http.ParseTime(v); err == nil {
		return t.Sub(c.now()), true
	}
	return 0, false
}

// parseRetryDelay handles the error envelope shape the upstream uses, where
// retry_delay appears either as "30s" inside error.details or as a top-level
// field with seconds.
func parseRetryDelay(body []byte) (time.Duration, bool) {
	if !gjson.ValidBytes(body) {
		return 0, false
	}
	for _, path := range []string{
		"error.details.#.retryDelay",
		"error.retry_delay",
		"retry_delay",
	} {
		res := gjson.GetBytes(body, path)
		if res.IsArray() {
			for _, item := range res.Array() {
				if d, ok := parseDelayValue(item); ok {
					return d, true
				}
			}
			continue
		}
		if d, ok := parseDelayValue(res); ok {
			return d, true
		}
	}
	return 0, false
}

func parseDelayValue(res gjson.Result) (time.Duration, bool) {
	switch res.Type {
	case gjson.String:
		if d, err := time.ParseDuration(res.String()); err == nil {
			return d, true
		}
	case gjson.Number:
		return time.Duration(res.Float() * float64(time.Second)), true
	}
	return 0, false
}
