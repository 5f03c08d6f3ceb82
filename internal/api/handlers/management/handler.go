// Package management implements the Copilot management endpoints served under /v0.
package management

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/copilotctl/internal/api/middleware"
	"github.com/router-for-me/copilotctl/internal/auth/copilot"
	"github.com/router-for-me/copilotctl/internal/config"
	apperrors "github.com/router-for-me/copilotctl/internal/errors"
	"github.com/router-for-me/copilotctl/internal/logging"
	"github.com/router-for-me/copilotctl/internal/proxyproc"
	"github.com/router-for-me/copilotctl/internal/session"
	log "github.com/sirupsen/logrus"
)

// Session is the part of session.Manager the handlers use.
type Session interface {
	Config() config.CopilotConfig
	ActiveUser() string
	CurrentStatus(ctx context.Context) session.Status
	ApplyConfig(cfg config.CopilotConfig) (config.CopilotConfig, error)
	BeginLogin(ctx context.Context, account string) (*session.LoginTicket, error)
	PollLogin(ctx context.Context, account string) (*session.LoginProgress, error)
	CancelLogin(account string) error
	Credentials(ctx context.Context) ([]copilot.Credential, error)
	Logout(ctx context.Context, user string) error
	StartProxy(ctx context.Context) error
	StopProxy(ctx context.Context) error
	Detect(ctx context.Context) (*proxyproc.Detection, error)
	Install(ctx context.Context) (*proxyproc.InstallResult, error)
}

// Handler serves the management API.
type Handler struct {
	sess Session
	logs *logging.RingBuffer
}

// NewHandler returns a Handler. A nil logs buffer selects logging.GlobalBuffer.
func NewHandler(sess Session, logs *logging.RingBuffer) *Handler {
	if logs == nil {
		logs = logging.GlobalBuffer
	}
	return &Handler{sess: sess, logs: logs}
}

// writeError renders err as an AppError body with its mapped status.
func writeError(c *gin.Context, err error) {
	appErr := apperrors.From(err)
	status := appErr.HTTPStatusCode
	if status == 0 {
		status = http.StatusInternalServerError
	}
	if status >= http.StatusInternalServerError {
		log.WithField("code", appErr.Code).Errorf("%s %s: %v", c.Request.Method, c.FullPath(), err)
	}
	c.Set(middleware.ErrorCodeKey, appErr.Code)
	c.AbortWithStatusJSON(status, gin.H{"code": appErr.Code, "message": appErr.Error()})
}

func badRequest(c *gin.Context, message string, err error) {
	writeError(c, apperrors.Wrap(apperrors.ErrInvalidConfig, message, err))
}
