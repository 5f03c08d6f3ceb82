package management

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

const (
	defaultLogLines = 200
	maxLogLines     = 2000
)

// GetLogs returns recent log lines. Query: lines (1-2000) and level (minimum level).
func (h *Handler) GetLogs(c *gin.Context) {
	lines := defaultLogLines
	if v := strings.TrimSpace(c.Query("lines")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > maxLogLines {
			badRequest(c, "lines must be between 1 and 2000", err)
			return
		}
		lines = n
	}
	level := log.TraceLevel
	if v := strings.TrimSpace(c.Query("level")); v != "" {
		parsed, err := log.ParseLevel(v)
		if err != nil {
			badRequest(c, "unknown log level "+strconv.Quote(v), err)
			return
		}
		level = parsed
	}
	entries := h.logs.Recent(lines, level)
	c.JSON(http.StatusOK, gin.H{"lines": entries, "total": h.logs.Len()})
}
