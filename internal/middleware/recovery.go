package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	apperr "gemini-proxy-go/internal/errors"
	"gemini-proxy-go/internal/logging"
)

// Recovery turns a handler panic into a 500 with an opaque body. The stack
// and a trace identifier go to the log, never to the client.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				rid, _ := c.Get(logging.RequestIDKey)
				log.WithFields(log.Fields{
					"error":      err,
					"stack":      string(debug.Stack()),
					"path":       c.Request.URL.Path,
					"method":     c.Request.Method,
					"client_ip":  c.ClientIP(),
					"request_id": rid,
				}).Error("panic recovered")

				requestID, _ := rid.(string)
				body := apperr.NewBody(apperr.KindInternal, "internal server error", c.Request.URL.Path, requestID)
				c.AbortWithStatusJSON(http.StatusInternalServerError, body)
			}
		}()
		c.Next()
	}
}
