package config

import (
	"encoding/json"
	"fmt"
	"strings"

	apperrors "github.com/router-for-me/copilotctl/internal/errors"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultCopilotPort is the port the local Copilot proxy listens on by default.
	DefaultCopilotPort = 4141

	// MinCopilotPort is the lowest accepted proxy port; privileged ports are rejected.
	MinCopilotPort = 1024
	// MaxCopilotPort is the highest TCP port.
	MaxCopilotPort = 65535

	// MaxRateLimit bounds the requests-per-interval cap.
	MaxRateLimit = 65535
)

// Recognised account types.
const (
	AccountIndividual = "individual"
	AccountBusiness   = "business"
	AccountEnterprise = "enterprise"
)

// AccountTypes lists the recognised account types in display order.
var AccountTypes = []string{AccountIndividual, AccountBusiness, AccountEnterprise}

// CopilotConfig is the user-editable configuration of the local Copilot proxy.
type CopilotConfig struct {
	// Enabled reports whether the proxy should be running.
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Port is the local TCP port the proxy listens on.
	Port int `yaml:"port" json:"port"`

	// AccountType selects the OAuth client profile and Copilot API base.
	AccountType string `yaml:"accountType" json:"accountType"`

	// GitHubToken is a manual token override. When non-empty it takes precedence over
	// the credential store.
	GitHubToken string `yaml:"githubToken" json:"githubToken"`

	// RateLimit caps requests per interval. nil means no limit.
	RateLimit *int `yaml:"rateLimit" json:"rateLimit"`

	// RateLimitWait makes the proxy wait instead of failing when the limit is hit.
	RateLimitWait bool `yaml:"rateLimitWait" json:"rateLimitWait"`
}

// DefaultCopilotConfig returns the configuration used when nothing is set.
func DefaultCopilotConfig() CopilotConfig {
	return CopilotConfig{
		Enabled:       false,
		Port:          DefaultCopilotPort,
		AccountType:   AccountIndividual,
		GitHubToken:   "",
		RateLimit:     nil,
		RateLimitWait: false,
	}
}

// UnmarshalJSON decodes on top of the defaults so every field is optional.
func (c *CopilotConfig) UnmarshalJSON(data []byte) error {
	type plain CopilotConfig
	out := plain(DefaultCopilotConfig())
	if err := json.Unmarshal(data, &out); err != nil {
		return err
	}
	*c = CopilotConfig(out)
	return nil
}

// UnmarshalYAML decodes on top of the defaults so every field is optional.
func (c *CopilotConfig) UnmarshalYAML(node *yaml.Node) error {
	type plain CopilotConfig
	out := plain(DefaultCopilotConfig())
	if err := node.Decode(&out); err != nil {
		return err
	}
	*c = CopilotConfig(out)
	return nil
}

// Normalized returns a copy with the account type lower-cased and trimmed, an empty
// account type replaced by the default and the token trimmed.
func (c CopilotConfig) Normalized() CopilotConfig {
	out := c
	out.AccountType = strings.ToLower(strings.TrimSpace(out.AccountType))
	if out.AccountType == "" {
		out.AccountType = AccountIndividual
	}
	out.GitHubToken = strings.TrimSpace(out.GitHubToken)
	if c.RateLimit != nil {
		v := *c.RateLimit
		out.RateLimit = &v
	}
	return out
}

// Validate checks the port, account type and rate limit invariants.
// It returns an ErrInvalidConfig error naming the first offending field.
func (c CopilotConfig) Validate() error {
	if c.Port < MinCopilotPort || c.Port > MaxCopilotPort {
		return apperrors.Wrapf(apperrors.ErrInvalidConfig, nil,
			"invalid port %d: must be between %d and %d", c.Port, MinCopilotPort, MaxCopilotPort)
	}
	if !IsValidAccountType(c.AccountType) {
		return apperrors.Wrapf(apperrors.ErrInvalidConfig, nil,
			"invalid account type %q: must be one of %s", c.AccountType, strings.Join(AccountTypes, ", "))
	}
	if c.RateLimit != nil && (*c.RateLimit < 1 || *c.RateLimit > MaxRateLimit) {
		return apperrors.Wrapf(apperrors.ErrInvalidConfig, nil,
			"invalid rate limit %d: must be between 1 and %d", *c.RateLimit, MaxRateLimit)
	}
	return nil
}

// Endpoint returns the local URL the proxy is reachable at.
func (c CopilotConfig) Endpoint() string {
	return fmt.Sprintf("http://localhost:%d", c.Port)
}

// IsValidAccountType reports whether accountType is one of the recognised values.
func IsValidAccountType(accountType string) bool {
	for _, t := range AccountTypes {
		if accountType == t {
			return true
		}
	}
	return false
}
