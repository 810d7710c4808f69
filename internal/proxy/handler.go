// Package proxy is the orchestrator: it picks a credential, rewrites and
// forwards the request, classifies the upstream response, and loops until it
// can answer the client or the pool is exhausted.
package proxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"gemini-proxy-go/internal/breaker"
	"gemini-proxy-go/internal/classifier"
	"gemini-proxy-go/internal/clientpool"
	"gemini-proxy-go/internal/credential"
	apperr "gemini-proxy-go/internal/errors"
	"gemini-proxy-go/internal/logging"
	"gemini-proxy-go/internal/rewrite"
	"gemini-proxy-go/internal/tokenizer"
)

// Handler serves the pass-through proxy surface.
type Handler struct {
	creds    *credential.Manager
	breakers *breaker.Registry
	pool     *clientpool.Pool

	// sleep is swapped in tests to avoid real waiting.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewHandler wires the proxy orchestrator.
func NewHandler(creds *credential.Manager, breakers *breaker.Registry, pool *clientpool.Pool) *Handler {
	return &Handler{
		creds:    creds,
		breakers: breakers,
		pool:     pool,
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Health answers the liveness probe.
func (h *Handler) Health(c *gin.Context) {
	c.String(http.StatusOK, "OK")
}

// lastAttempt remembers the most recent buffered upstream response so the
// exit path can surface or collapse it.
type lastAttempt struct {
	status int
	header http.Header
	body   []byte
}

// Handle proxies one client request through the credential pool.
func (h *Handler) Handle(c *gin.Context) {
	cfg := h.creds.Config()
	if cfg == nil {
		h.fail(c, apperr.KindInternal, "configuration not loaded")
		return
	}
	ctx := c.Request.Context()

	body, err := readBody(c, cfg.Server.MaxRequestSizeBytes)
	if err != nil {
		h.fail(c, apperr.KindRequestTooLarge, "request body too large")
		return
	}

	path := c.Request.URL.Path
	model := rewrite.ExtractModel(path, body)
	if model != "" {
		c.Set("model", model)
	}
	translated := rewrite.TranslatePath(path)

	if count, over := tokenizer.ExceedsLimit(body, cfg.Server.MaxTokensPerRequest); over {
		logging.WithReq(c, log.Fields{"tokens": count, "max": cfg.Server.MaxTokensPerRequest}).
			Warn("request over token limit")
		h.fail(c, apperr.KindRequestTooLarge, "request exceeds the configured token limit")
		return
	}

	cls := classifier.New(cfg.RetryAfterCeiling())
	streaming := wantsStreaming(translated, c.Request.URL.RawQuery, body)

	var last *lastAttempt
	maxAttempts := cfg.InternalRetries
	if maxAttempts <= 0 {
		maxAttempts = 32
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		key, err := h.creds.Next(ctx, model)
		if err != nil {
			if errors.Is(err, apperr.ErrNoHealthyKeys) {
				break
			}
			logging.WithReq(c, log.Fields{"error": err.Error()}).Error("credential selection failed")
			h.fail(c, apperr.KindOf(err), "credential selection failed")
			return
		}

		outBody := rewrite.RewriteTopP(body, key.TopP)
		outURL, err := rewrite.BuildURL(key.TargetURL, translated, c.Request.URL.RawQuery, key.Key)
		if err != nil {
			h.fail(c, apperr.KindConfig, "invalid target url")
			return
		}

		req, err := http.NewRequestWithContext(ctx, c.Request.Method, outURL.String(), bytes.NewReader(outBody))
		if err != nil {
			h.fail(c, apperr.KindInternal, "building upstream request failed")
			return
		}
		req.Header = rewrite.OutboundHeaders(c.Request.Header, key.Key)
		req.Host = outURL.Host

		client := h.pool.Client(key.ProxyURL)
		if streaming {
			client = h.pool.StreamingClient(key.ProxyURL)
		}

		br := h.breakers.For(key.TargetURL)
		resp, err := br.Call(ctx, func() (*http.Response, error) { return client.Do(req) })
		if err != nil {
			if errors.Is(err, apperr.ErrCircuitOpen) {
				logging.WithReq(c, log.Fields{"target": key.TargetURL}).Warn("circuit open, rejecting")
				h.fail(c, apperr.KindCircuitOpen, "upstream circuit open")
				return
			}
			if ctx.Err() != nil {
				c.Abort()
				return
			}
			logging.WithReq(c, log.Fields{"error": err.Error(), "key": key.Key.Preview()}).
				Warn("upstream transport failure")
			_ = h.creds.RecordFailure(ctx, key.Key, false)
			continue
		}

		action := cls.Classify(classifier.Input{Status: resp.StatusCode, Header: resp.Header})
		if action.Kind == classifier.Success && action.Streamed {
			h.stream(c, resp)
			return
		}

		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			logging.WithReq(c, log.Fields{"error": readErr.Error(), "key": key.Key.Preview()}).
				Warn("upstream body read failure")
			_ = h.creds.RecordFailure(ctx, key.Key, false)
			continue
		}

		action = cls.Classify(classifier.Input{Status: resp.StatusCode, Header: resp.Header, Body: respBody})
		switch action.Kind {
		case classifier.Success, classifier.Terminal:
			writeBuffered(c, resp.StatusCode, resp.Header, respBody)
			return
		case classifier.RetryNextKey:
			_ = h.creds.RecordFailure(ctx, key.Key, false)
		case classifier.BlockKeyAndRetry:
			_ = h.creds.RecordFailure(ctx, key.Key, true)
		case classifier.WaitFor:
			_ = h.creds.HandleRateLimit(ctx, key.Key, action.Wait)
			if err := h.sleep(ctx, action.Wait); err != nil {
				c.Abort()
				return
			}
		}
		last = &lastAttempt{status: resp.StatusCode, header: resp.Header, body: respBody}
	}

	h.exit(c, last)
}

// exit applies the loop's terminal rules: nothing tried means no healthy
// keys; a final 5xx collapses to 502; a final 4xx goes back verbatim.
func (h *Handler) exit(c *gin.Context, last *lastAttempt) {
	if last == nil {
		h.fail(c, apperr.KindNoHealthyKeys, "no healthy keys available")
		return
	}
	if last.status >= 500 {
		c.String(http.StatusBadGateway, "All upstream servers failed")
		return
	}
	writeBuffered(c, last.status, last.header, last.body)
}

func (h *Handler) fail(c *gin.Context, kind apperr.Kind, detail string) {
	rid, _ := c.Get(logging.RequestIDKey)
	requestID, _ := rid.(string)
	c.AbortWithStatusJSON(apperr.HTTPStatus(kind), apperr.NewBody(kind, detail, c.Request.URL.Path, requestID))
}

func (h *Handler) stream(c *gin.Context, resp *http.Response) {
	defer resp.Body.Close()
	header := c.Writer.Header()
	for name, values := range rewrite.FilterResponseHeaders(resp.Header) {
		header[name] = values
	}
	c.Status(resp.StatusCode)
	flusher, _ := c.Writer.(http.Flusher)

	buf := make([]byte, 32*1024)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := c.Writer.Write(buf[:n]); werr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			return
		}
	}
}

func writeBuffered(c *gin.Context, status int, header http.Header, body []byte) {
	out := c.Writer.Header()
	for name, values := range rewrite.FilterResponseHeaders(header) {
		out[name] = values
	}
	out.Del("Content-Length")
	c.Status(status)
	_, _ = c.Writer.Write(body)
}

func readBody(c *gin.Context, max int64) ([]byte, error) {
	if c.Request.Body == nil {
		return nil, nil
	}
	reader := c.Request.Body
	if max > 0 {
		reader = http.MaxBytesReader(c.Writer, reader, max)
	}
	defer reader.Close()
	return io.ReadAll(reader)
}

// wantsStreaming decides up front whether the response should be relayed
// without a total timeout: SSE endpoints, alt=sse, or a stream:true body.
func wantsStreaming(path, rawQuery string, body []byte) bool {
	if strings.Contains(path, ":streamGenerateContent") {
		return true
	}
	if strings.Contains(rawQuery, "alt=sse") {
		return true
	}
	return gjson.GetBytes(body, "stream").Bool()
}
