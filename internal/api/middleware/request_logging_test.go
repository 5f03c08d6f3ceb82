package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
)

func TestRequestLoggingMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	hook := test.NewGlobal()
	defer hook.Reset()
	prevLevel := log.GetLevel()
	log.SetLevel(log.InfoLevel)
	defer log.SetLevel(prevLevel)

	var seen string
	engine := gin.New()
	engine.Use(RequestLoggingMiddleware())
	engine.PUT("/v0/copilot/config", func(c *gin.Context) {
		body, _ := io.ReadAll(c.Request.Body)
		seen = string(body)
		c.Status(http.StatusNoContent)
	})

	tests := []struct {
		name        string
		body        string
		wantLogged  string
		wantMissing string
	}{
		{"json token redacted", `{"githubToken":"ghu_supersecretvalue","port":4141}`, `"port":4141`, "supersecret"},
		{"form body logged by size", "github_token=ghu_supersecretvalue", "not JSON", "supersecret"},
		{"oversized body", `{"pad":"` + strings.Repeat("x", maxLoggedBody) + `"}`, "more than", "xxxx"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hook.Reset()
			rec := httptest.NewRecorder()
			engine.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/v0/copilot/config", strings.NewReader(tt.body)))

			require.Equal(t, http.StatusNoContent, rec.Code)
			require.Equal(t, tt.body, seen, "handler must see the full body")
			entry := hook.LastEntry()
			require.NotNil(t, entry)
			require.Contains(t, entry.Message, tt.wantLogged)
			require.NotContains(t, entry.Message, tt.wantMissing)
		})
	}
}
