// Package admin exposes the operator surface: key listing and mutation,
// credential verification, config read/update, and the live event feed.
package admin

import (
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"gemini-proxy-go/internal/breaker"
	"gemini-proxy-go/internal/classifier"
	"gemini-proxy-go/internal/clientpool"
	"gemini-proxy-go/internal/config"
	"gemini-proxy-go/internal/credential"
	"gemini-proxy-go/internal/events"
	"gemini-proxy-go/internal/rewrite"
	"gemini-proxy-go/internal/secret"
)

// Reloader applies a validated config across the running core.
type Reloader interface {
	Reload(ctx context.Context, cfg *config.Config) error
}

// Options wire the admin handlers to the core components.
type Options struct {
	Creds      *credential.Manager
	Breakers   *breaker.Registry
	Pool       *clientpool.Pool
	Hub        *events.Hub
	Reloader   Reloader
	ConfigPath string
}

// Handler serves the /admin routes.
type Handler struct {
	creds      *credential.Manager
	breakers   *breaker.Registry
	pool       *clientpool.Pool
	hub        *events.Hub
	reloader   Reloader
	configPath string
}

// NewHandler builds the admin surface.
func NewHandler(opts Options) *Handler {
	return &Handler{
		creds:      opts.Creds,
		breakers:   opts.Breakers,
		pool:       opts.Pool,
		hub:        opts.Hub,
		reloader:   opts.Reloader,
		configPath: opts.ConfigPath,
	}
}

// Auth gates the admin surface on the configured admin token.
func (h *Handler) Auth() gin.HandlerFunc {
	return func(c *gin.Context) {
		cfg := h.creds.Config()
		token := bearerToken(c)
		if cfg == nil || !config.CheckAdminToken(cfg, token) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{"message": "invalid admin token", "type": "auth_error"},
			})
			return
		}
		c.Next()
	}
}

func bearerToken(c *gin.Context) string {
	auth := strings.TrimSpace(c.GetHeader("Authorization"))
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return strings.TrimSpace(c.GetHeader("x-admin-token"))
}

// Health reports per-group rollups and breaker states.
func (h *Handler) Health(c *gin.Context) {
	rollups, err := h.creds.Rollups(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"groups":   rollups,
		"breakers": h.breakers.Snapshots(),
		"clients":  h.pool.Size(),
	})
}

// ListKeys returns every pool member, previews only.
func (h *Handler) ListKeys(c *gin.Context) {
	views, err := h.creds.KeyViews(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": gin.H{"message": err.Error(), "type": "storage_error"}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"keys": views})
}

type keysMutation struct {
	Group string   `json:"group" binding:"required"`
	Keys  []string `json:"keys" binding:"required"`
}

// AddKeys appends credentials to a group and reloads.
func (h *Handler) AddKeys(c *gin.Context) {
	var req keysMutation
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"message": err.Error(), "type": "bad_request"}})
		return
	}

	cfg := h.creds.Config().Clone()
	idx := -1
	for i := range cfg.Groups {
		if cfg.Groups[i].Name == req.Group {
			idx = i
			break
		}
	}
	if idx < 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": gin.H{"message": "unknown group", "type": "not_found"}})
		return
	}
	existing := make(map[string]bool, len(cfg.Groups[idx].APIKeys))
	for _, k := range cfg.Groups[idx].APIKeys {
		existing[k] = true
	}
	added := 0
	for _, k := range req.Keys {
		if k == "" || existing[k] {
			continue
		}
		cfg.Groups[idx].APIKeys = append(cfg.Groups[idx].APIKeys, k)
		existing[k] = true
		added++
	}

	if err := h.applyAndSave(c, cfg); err != nil {
		return
	}
	c.JSON(http.StatusOK, gin.H{"added": added, "group": req.Group})
}

// RemoveKeys drops credentials from a group and reloads; their state is
// discarded by the membership sync.
func (h *Handler) RemoveKeys(c *gin.Context) {
	var req keysMutation
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"message": err.Error(), "type": "bad_request"}})
		return
	}

	cfg := h.creds.Config().Clone()
	removed := 0
	for i := range cfg.Groups {
		if cfg.Groups[i].Name != req.Group {
			continue
		}
		drop := make(map[string]bool, len(req.Keys))
		for _, k := range req.Keys {
			drop[k] = true
			drop[secret.Preview(k)] = true
		}
		kept := cfg.Groups[i].APIKeys[:0]
		for _, k := range cfg.Groups[i].APIKeys {
			if drop[k] || drop[secret.Preview(k)] {
				removed++
				continue
			}
			kept = append(kept, k)
		}
		cfg.Groups[i].APIKeys = kept
	}
	if removed == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": gin.H{"message": "no matching keys", "type": "not_found"}})
		return
	}

	if err := h.applyAndSave(c, cfg); err != nil {
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": removed, "group": req.Group})
}

// VerifyKey probes the upstream with one credential and applies the live
// classifier to the outcome, so verification and traffic can never drift.
func (h *Handler) VerifyKey(c *gin.Context) {
	ctx := c.Request.Context()
	info, err := h.creds.Lookup(ctx, c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": gin.H{"message": "unknown key", "type": "not_found"}})
		return
	}

	cfg := h.creds.Config()
	outURL, err := rewrite.BuildURL(info.TargetURL, "/v1beta/models", "", info.Key)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": gin.H{"message": "invalid target url", "type": "internal_error"}})
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, outURL.String(), nil)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": gin.H{"message": err.Error(), "type": "internal_error"}})
		return
	}
	req.Header = rewrite.OutboundHeaders(http.Header{}, info.Key)

	resp, err := h.pool.Client(info.ProxyURL).Do(req)
	if err != nil {
		_ = h.creds.RecordFailure(ctx, info.Key, false)
		c.JSON(http.StatusOK, gin.H{
			"key": info.Key.Preview(), "healthy": false, "action": "retry_next_key", "error": err.Error(),
		})
		return
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 8*1024))

	cls := classifier.New(cfg.RetryAfterCeiling())
	action := cls.Classify(classifier.Input{Status: resp.StatusCode, Header: resp.Header, Body: body})
	switch action.Kind {
	case classifier.Success:
		_ = h.creds.Reset(ctx, info.Key.Reveal())
	case classifier.BlockKeyAndRetry:
		_ = h.creds.RecordFailure(ctx, info.Key, true)
	case classifier.RetryNextKey:
		_ = h.creds.RecordFailure(ctx, info.Key, false)
	case classifier.WaitFor:
		_ = h.creds.HandleRateLimit(ctx, info.Key, action.Wait)
	}

	c.JSON(http.StatusOK, gin.H{
		"key":     info.Key.Preview(),
		"healthy": action.Kind == classifier.Success,
		"action":  action.Kind.String(),
		"status":  resp.StatusCode,
	})
}

// ResetKey clears a credential's failure state.
func (h *Handler) ResetKey(c *gin.Context) {
	if err := h.creds.Reset(c.Request.Context(), c.Param("id")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": gin.H{"message": "unknown key", "type": "not_found"}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"reset": true})
}

// GetConfig returns the active config with credentials masked.
func (h *Handler) GetConfig(c *gin.Context) {
	cfg := h.creds.Config().Clone()
	for i := range cfg.Groups {
		for j, k := range cfg.Groups[i].APIKeys {
			cfg.Groups[i].APIKeys[j] = secret.Preview(k)
		}
	}
	cfg.Server.AdminToken = ""
	c.JSON(http.StatusOK, cfg)
}

// PutConfig validates and applies a full replacement config.
func (h *Handler) PutConfig(c *gin.Context) {
	var cfg config.Config
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"message": err.Error(), "type": "bad_request"}})
		return
	}
	cfg.ApplyDefaults()
	if err := h.applyAndSave(c, &cfg); err != nil {
		return
	}
	c.JSON(http.StatusOK, gin.H{"reloaded": true})
}

// applyAndSave validates, reloads the core, and persists the accepted config.
// It writes the error response itself and returns non-nil on failure.
func (h *Handler) applyAndSave(c *gin.Context, cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"message": err.Error(), "type": "config_error"}})
		return err
	}
	if err := h.reloader.Reload(c.Request.Context(), cfg); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": gin.H{"message": err.Error(), "type": "config_error"}})
		return err
	}
	if h.configPath != "" {
		if err := config.Save(cfg, h.configPath); err != nil {
			log.WithError(err).Warn("accepted config could not be persisted")
		}
	}
	return nil
}
