package middleware

import (
	"bytes"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/copilotctl/internal/util"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// maxLoggedBody caps how much of a request body is buffered for logging.
const maxLoggedBody = 64 << 10

// RequestLoggingMiddleware logs the JSON body of mutating requests with secrets redacted.
// Bodies larger than 64 KiB and non-JSON bodies are logged by size only.
func RequestLoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method == http.MethodGet || c.Request.Method == http.MethodOptions || c.Request.Body == nil {
			c.Next()
			return
		}

		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxLoggedBody+1))
		if err != nil {
			log.Debugf("request log: failed to read body: %v", err)
			c.Next()
			return
		}
		c.Request.Body = io.NopCloser(io.MultiReader(bytes.NewReader(body), c.Request.Body))

		entry := log.WithFields(log.Fields{
			"method": c.Request.Method,
			"path":   c.Request.URL.Path,
		})
		switch {
		case len(body) > maxLoggedBody:
			entry.Infof("request body: more than %d bytes", maxLoggedBody)
		case len(body) > 0 && !gjson.ValidBytes(body):
			entry.Infof("request body: %d bytes, not JSON", len(body))
		case len(body) > 0:
			entry.Infof("request body: %s", util.RedactSensitiveJSON(body))
		}
		c.Next()
	}
}
