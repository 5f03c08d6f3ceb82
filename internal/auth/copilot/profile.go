package copilot

import (
	"strings"

	"github.com/router-for-me/copilotctl/internal/config"
	apperrors "github.com/router-for-me/copilotctl/internal/errors"
)

const (
	// DeviceCodeEndpoint is GitHub's device authorization endpoint.
	DeviceCodeEndpoint = "https://github.com/login/device/code"
	// TokenEndpoint is GitHub's token endpoint.
	TokenEndpoint = "https://github.com/login/oauth/access_token"
	// UserEndpoint returns the authenticated user.
	UserEndpoint = "https://api.github.com/user"

	// ClientID is the OAuth app used for Copilot device logins.
	ClientID = "01ab8ac9400c4e429b23"

	// GrantType is the device code grant (RFC 8628).
	GrantType = "urn:ietf:params:oauth:grant-type:device_code"
)

// AccountProfile binds an account type to its OAuth client, scopes and Copilot API base.
type AccountProfile struct {
	AccountType string
	ClientID    string
	Scopes      []string
	APIBaseURL  string
}

var profiles = map[string]AccountProfile{
	config.AccountIndividual: {
		AccountType: config.AccountIndividual,
		ClientID:    ClientID,
		Scopes:      []string{"read:user"},
		APIBaseURL:  "https://api.githubcopilot.com",
	},
	config.AccountBusiness: {
		AccountType: config.AccountBusiness,
		ClientID:    ClientID,
		Scopes:      []string{"read:user", "read:org"},
		APIBaseURL:  "https://api.business.githubcopilot.com",
	},
	config.AccountEnterprise: {
		AccountType: config.AccountEnterprise,
		ClientID:    ClientID,
		Scopes:      []string{"read:user", "read:org"},
		APIBaseURL:  "https://api.enterprise.githubcopilot.com",
	},
}

// ProfileFor returns the profile of accountType. Empty means individual.
func ProfileFor(accountType string) (AccountProfile, error) {
	key := strings.ToLower(strings.TrimSpace(accountType))
	if key == "" {
		key = config.AccountIndividual
	}
	p, ok := profiles[key]
	if !ok {
		return AccountProfile{}, apperrors.Wrapf(apperrors.ErrInvalidConfig, nil, "unknown account type %q", accountType)
	}
	p.Scopes = append([]string(nil), p.Scopes...)
	return p, nil
}
