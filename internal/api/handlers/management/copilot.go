package management

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/copilotctl/internal/config"
	"github.com/router-for-me/copilotctl/internal/util"
)

type accountRequest struct {
	Account string `json:"account"`
}

type credentialView struct {
	GitHubUser  string `json:"githubUser"`
	GitHubToken string `json:"githubToken"`
	CreatedAt   int64  `json:"createdAt"`
	Active      bool   `json:"active"`
}

// accountParam reads the account key from the JSON body or the account query parameter.
// An empty body is allowed.
func accountParam(c *gin.Context) (string, error) {
	if account := strings.TrimSpace(c.Query("account")); account != "" {
		return account, nil
	}
	var req accountRequest
	if c.Request.Body == nil {
		return "", nil
	}
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return req.Account, nil
}

func redactedConfig(cfg config.CopilotConfig) config.CopilotConfig {
	cfg.GitHubToken = util.MaskToken(cfg.GitHubToken)
	return cfg
}

// GetStatus returns the derived proxy status.
func (h *Handler) GetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.sess.CurrentStatus(c.Request.Context()))
}

// GetConfig returns the active Copilot configuration with the token masked.
func (h *Handler) GetConfig(c *gin.Context) {
	c.JSON(http.StatusOK, redactedConfig(h.sess.Config()))
}

// PutConfig validates and applies a Copilot configuration. Sending back the masked token
// from GetConfig keeps the current token.
func (h *Handler) PutConfig(c *gin.Context) {
	var body config.CopilotConfig
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, "invalid copilot config body", err)
		return
	}
	current := h.sess.Config()
	if current.GitHubToken != "" && strings.TrimSpace(body.GitHubToken) == util.MaskToken(current.GitHubToken) {
		body.GitHubToken = current.GitHubToken
	}
	applied, err := h.sess.ApplyConfig(body)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, redactedConfig(applied))
}

// StartAuth begins a device flow and returns the code the user has to enter.
func (h *Handler) StartAuth(c *gin.Context) {
	account, err := accountParam(c)
	if err != nil {
		badRequest(c, "invalid request body", err)
		return
	}
	ticket, err := h.sess.BeginLogin(c.Request.Context(), account)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, ticket)
}

// pollTimeout bounds one poll. The poll outlives its request so a client that drops
// the connection does not cancel the device flow.
const pollTimeout = 30 * time.Second

// PollAuth performs one poll of the account's device flow.
func (h *Handler) PollAuth(c *gin.Context) {
	account, err := accountParam(c)
	if err != nil {
		badRequest(c, "invalid request body", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.Request.Context()), pollTimeout)
	defer cancel()
	progress, err := h.sess.PollLogin(ctx, account)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, progress)
}

// CancelAuth cancels the account's device flow.
func (h *Handler) CancelAuth(c *gin.Context) {
	account, err := accountParam(c)
	if err != nil {
		badRequest(c, "invalid request body", err)
		return
	}
	if err = h.sess.CancelLogin(account); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cancelled"})
}

// ListCredentials lists stored credentials, newest first, with tokens masked.
func (h *Handler) ListCredentials(c *gin.Context) {
	creds, err := h.sess.Credentials(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	active := h.sess.ActiveUser()
	out := make([]credentialView, 0, len(creds))
	for _, cred := range creds {
		out = append(out, credentialView{
			GitHubUser:  cred.GitHubUser,
			GitHubToken: util.MaskToken(cred.GitHubToken),
			CreatedAt:   cred.CreatedAt,
			Active:      strings.EqualFold(cred.GitHubUser, active),
		})
	}
	c.JSON(http.StatusOK, gin.H{"credentials": out})
}

// DeleteCredential logs a user out. Deleting a missing credential succeeds.
func (h *Handler) DeleteCredential(c *gin.Context) {
	if err := h.sess.Logout(c.Request.Context(), c.Param("user")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

// StartProxy starts the proxy and returns the resulting status.
func (h *Handler) StartProxy(c *gin.Context) {
	if err := h.sess.StartProxy(c.Request.Context()); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.sess.CurrentStatus(c.Request.Context()))
}

// StopProxy stops the proxy and returns the resulting status.
func (h *Handler) StopProxy(c *gin.Context) {
	if err := h.sess.StopProxy(c.Request.Context()); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.sess.CurrentStatus(c.Request.Context()))
}

// Detect reports which proxy tooling is installed.
func (h *Handler) Detect(c *gin.Context) {
	det, err := h.sess.Detect(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, det)
}

// Install installs the proxy package. A failed install is reported in the body with 200.
func (h *Handler) Install(c *gin.Context) {
	res, err := h.sess.Install(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}
