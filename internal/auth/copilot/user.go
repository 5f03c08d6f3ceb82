package copilot

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	apperrors "github.com/router-for-me/copilotctl/internal/errors"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"
)

// FetchUser returns the GitHub login that owns token.
func (ca *CopilotAuth) FetchUser(ctx context.Context, token string) (string, error) {
	if strings.TrimSpace(token) == "" {
		return "", apperrors.Wrap(apperrors.ErrInvalidState, "token is required", nil)
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, ca.httpClient)
	client := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ca.userURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create user request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := client.Do(req)
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrNetwork, "user request failed", err)
	}
	defer func() {
		if errClose := resp.Body.Close(); errClose != nil {
			log.Errorf("failed to close response body: %v", errClose)
		}
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrNetwork, "failed to read user response", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", apperrors.Wrapf(apperrors.ErrProtocol, nil, "user request failed with status %d", resp.StatusCode)
	}
	login := strings.TrimSpace(gjson.GetBytes(body, "login").String())
	if login == "" {
		return "", apperrors.Wrap(apperrors.ErrProtocol, "login not found in user response", nil)
	}
	return login, nil
}
