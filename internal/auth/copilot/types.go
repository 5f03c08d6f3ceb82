package copilot

import (
	"fmt"
	"time"
)

// FlowState is a state of the device authorization state machine.
type FlowState int

const (
	StateIdle FlowState = iota
	StateAwaitingUserCode
	StatePolling
	StateSucceeded
	StateExpired
	StateDenied
	StateFailed
	StateCancelled
)

var flowStateNames = map[FlowState]string{
	StateIdle:             "idle",
	StateAwaitingUserCode: "awaiting_user_code",
	StatePolling:          "polling",
	StateSucceeded:        "succeeded",
	StateExpired:          "expired",
	StateDenied:           "denied",
	StateFailed:           "failed",
	StateCancelled:        "cancelled",
}

func (s FlowState) String() string {
	if name, ok := flowStateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// MarshalText renders the state name in JSON payloads.
func (s FlowState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Terminal reports whether no further transition is possible.
func (s FlowState) Terminal() bool {
	switch s {
	case StateSucceeded, StateExpired, StateDenied, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// DeviceCodeResponse is the authorization server's answer to the device code request.
type DeviceCodeResponse struct {
	DeviceCode      string `json:"device_code"`
	UserCode        string `json:"user_code"`
	VerificationURI string `json:"verification_uri"`
	ExpiresIn       int64  `json:"expires_in"`
	Interval        int64  `json:"interval"`
}

// AccessTokenResponse is one reply of the token endpoint. Either AccessToken or Error is set.
type AccessTokenResponse struct {
	AccessToken      string `json:"access_token,omitempty"`
	TokenType        string `json:"token_type,omitempty"`
	Scope            string `json:"scope,omitempty"`
	Error            string `json:"error,omitempty"`
	ErrorDescription string `json:"error_description,omitempty"`
	// Interval is only sent together with slow_down.
	Interval int64 `json:"interval,omitempty"`
}

// Token endpoint error codes (RFC 8628 section 3.5).
const (
	errAuthorizationPending = "authorization_pending"
	errSlowDown             = "slow_down"
	errExpiredToken         = "expired_token"
	errAccessDenied         = "access_denied"
)

// OAuthState is the in-flight state of one device flow.
type OAuthState struct {
	DeviceCode      string `json:"deviceCode"`
	UserCode        string `json:"userCode"`
	VerificationURI string `json:"verificationUri"`
	// ExpiresAt is the absolute deadline in epoch seconds.
	ExpiresAt int64 `json:"expiresAt"`
	// Interval is the current minimum poll interval in seconds.
	Interval int64 `json:"interval"`
}

// Credential is the durable result of a successful device flow.
type Credential struct {
	GitHubToken string `json:"githubToken"`
	GitHubUser  string `json:"githubUser"`
	CreatedAt   int64  `json:"createdAt"`
}

// CreatedTime returns CreatedAt as a time.Time.
func (c Credential) CreatedTime() time.Time {
	return time.Unix(c.CreatedAt, 0)
}

// PollResult is the outcome of one non-terminal or successful poll.
type PollResult struct {
	State FlowState `json:"state"`
	// Wait is how long the caller must wait before polling again. Zero on success.
	Wait time.Duration `json:"-"`
	// WaitSeconds mirrors Wait for JSON consumers.
	WaitSeconds int64 `json:"waitSeconds"`
	// Credential is set once the flow succeeded.
	Credential *Credential `json:"-"`
}
