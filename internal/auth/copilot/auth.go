// Package copilot implements the GitHub OAuth 2.0 Device Authorization Grant used to
// obtain Copilot credentials. A DeviceFlow is a small state machine driven one poll at a
// time by its owner; it never sleeps or retries on its own.
package copilot

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/router-for-me/copilotctl/internal/config"
	apperrors "github.com/router-for-me/copilotctl/internal/errors"
	"github.com/router-for-me/copilotctl/internal/util"
	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
)

const (
	// DefaultPollInterval is used when the server omits interval.
	DefaultPollInterval = 5 * time.Second
	// SlowDownStep is added to the interval on every slow_down reply.
	SlowDownStep = 5 * time.Second

	maxResponseBytes = 1 << 20
)

// CopilotAuth creates device flows and resolves the GitHub user behind a token.
type CopilotAuth struct {
	httpClient *http.Client
	endpoint   oauth2.Endpoint
	userURL    string
	clientID   string

	// Now is the clock used for deadlines and credential timestamps.
	Now func() time.Time
}

// NewCopilotAuth creates a new CopilotAuth instance honouring the proxy and endpoint
// overrides of cfg.
func NewCopilotAuth(cfg *config.Config) *CopilotAuth {
	if cfg == nil {
		cfg = config.NewDefaultConfig()
	}
	ca := &CopilotAuth{
		httpClient: util.SetProxy(&cfg.SDKConfig, &http.Client{Timeout: 30 * time.Second}),
		endpoint: oauth2.Endpoint{
			DeviceAuthURL: DeviceCodeEndpoint,
			TokenURL:      TokenEndpoint,
			AuthStyle:     oauth2.AuthStyleInParams,
		},
		userURL:  UserEndpoint,
		clientID: strings.TrimSpace(cfg.OAuth.ClientID),
		Now:      time.Now,
	}
	if v := strings.TrimSpace(cfg.OAuth.DeviceCodeURL); v != "" {
		ca.endpoint.DeviceAuthURL = v
	}
	if v := strings.TrimSpace(cfg.OAuth.TokenURL); v != "" {
		ca.endpoint.TokenURL = v
	}
	if v := strings.TrimSpace(cfg.OAuth.UserURL); v != "" {
		ca.userURL = v
	}
	return ca
}

// NewDeviceFlow returns an idle flow for accountType. account is the caller's key for the
// flow and becomes the credential's user until the real login is resolved.
func (ca *CopilotAuth) NewDeviceFlow(accountType, account string) (*DeviceFlow, error) {
	profile, err := ProfileFor(accountType)
	if err != nil {
		return nil, err
	}
	clientID := profile.ClientID
	if ca.clientID != "" {
		clientID = ca.clientID
	}
	now := ca.Now
	if now == nil {
		now = time.Now
	}
	return &DeviceFlow{
		id:      uuid.NewString(),
		account: account,
		profile: profile,
		oauth: &oauth2.Config{
			ClientID: clientID,
			Scopes:   profile.Scopes,
			Endpoint: ca.endpoint,
		},
		httpClient: ca.httpClient,
		now:        now,
		state:      StateIdle,
	}, nil
}

// DeviceFlow is one run of the device authorization grant.
//
// Transitions: Idle -> AwaitingUserCode (Start) -> Polling (first PollOnce) ->
// Succeeded | Expired | Denied | Failed | Cancelled.
type DeviceFlow struct {
	id         string
	account    string
	profile    AccountProfile
	oauth      *oauth2.Config
	httpClient *http.Client
	now        func() time.Time

	mu       sync.Mutex
	state    FlowState
	oauthSt  *OAuthState
	deadline time.Time
	interval time.Duration
	inFlight bool
	err      error
}

// ID returns the flow's unique identifier.
func (f *DeviceFlow) ID() string { return f.id }

// Account returns the key the flow was created for.
func (f *DeviceFlow) Account() string { return f.account }

// Profile returns the account profile the flow authenticates against.
func (f *DeviceFlow) Profile() AccountProfile { return f.profile }

// State returns the current state.
func (f *DeviceFlow) State() FlowState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Err returns the error that ended the flow, if any.
func (f *DeviceFlow) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// OAuthState returns a copy of the in-flight state, or nil once the flow has ended.
func (f *DeviceFlow) OAuthState() *OAuthState {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.oauthSt == nil {
		return nil
	}
	st := *f.oauthSt
	return &st
}

// Interval returns the current poll interval.
func (f *DeviceFlow) Interval() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.interval
}

// Remaining returns the time left before the device code expires. Zero when expired or
// not started.
func (f *DeviceFlow) Remaining() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deadline.IsZero() {
		return 0
	}
	if d := f.deadline.Sub(f.now()); d > 0 {
		return d
	}
	return 0
}

// Start requests a device and user code from the authorization server.
func (f *DeviceFlow) Start(ctx context.Context) (*DeviceCodeResponse, error) {
	f.mu.Lock()
	if f.state != StateIdle || f.inFlight {
		state := f.state
		f.mu.Unlock()
		return nil, apperrors.Wrapf(apperrors.ErrInvalidState, nil, "cannot start device flow in state %s", state)
	}
	f.inFlight = true
	f.mu.Unlock()

	resp, err := f.requestDeviceCode(ctx)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.inFlight = false
	if err != nil {
		return nil, err
	}
	if f.state != StateIdle {
		return nil, apperrors.Wrapf(apperrors.ErrFlowCancelled, nil, "device flow %s ended while starting", f.id)
	}

	interval := time.Duration(resp.Interval) * time.Second
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	now := f.now()
	f.deadline = now.Add(time.Duration(resp.ExpiresIn) * time.Second)
	f.interval = interval
	f.oauthSt = &OAuthState{
		DeviceCode:      resp.DeviceCode,
		UserCode:        resp.UserCode,
		VerificationURI: resp.VerificationURI,
		ExpiresAt:       f.deadline.Unix(),
		Interval:        int64(interval / time.Second),
	}
	f.state = StateAwaitingUserCode

	log.WithFields(log.Fields{
		"flow_id":      f.id,
		"account":      f.account,
		"account_type": f.profile.AccountType,
		"expires_in":   resp.ExpiresIn,
		"interval":     resp.Interval,
	}).Info("copilot device flow started")
	return resp, nil
}

// PollOnce sends a single token request.
//
// On success the flow is Succeeded and the result carries the credential. While the user
// has not yet authorised, the result carries the wait before the next call. Terminal
// outcomes are returned as errors: ErrFlowExpired, ErrUserDenied, ErrFlowFailed or
// ErrFlowCancelled. Polling an idle or finished flow fails with ErrInvalidState.
func (f *DeviceFlow) PollOnce(ctx context.Context) (*PollResult, error) {
	f.mu.Lock()
	switch {
	case f.inFlight:
		f.mu.Unlock()
		return nil, apperrors.Wrap(apperrors.ErrInvalidState, "a poll is already in flight", nil)
	case f.state == StateAwaitingUserCode:
		f.state = StatePolling
	case f.state == StatePolling:
	default:
		state := f.state
		f.mu.Unlock()
		return nil, apperrors.Wrapf(apperrors.ErrInvalidState, nil, "cannot poll device flow in state %s", state)
	}
	if !f.now().Before(f.deadline) {
		defer f.mu.Unlock()
		return nil, f.finishLocked(StateExpired, apperrors.Wrap(apperrors.ErrFlowExpired, "device code expired", nil))
	}
	deviceCode := f.oauthSt.DeviceCode
	f.inFlight = true
	f.mu.Unlock()

	tokenResp, reqErr := f.requestToken(ctx, deviceCode)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.inFlight = false

	if f.state != StatePolling {
		// Cancelled while the request was out.
		return nil, apperrors.Wrapf(apperrors.ErrFlowCancelled, nil, "device flow %s is %s", f.id, f.state)
	}
	if reqErr != nil {
		if ctx.Err() != nil {
			return nil, f.finishLocked(StateCancelled, apperrors.Wrap(apperrors.ErrFlowCancelled, "authentication cancelled", ctx.Err()))
		}
		return nil, f.finishLocked(StateFailed, reqErr)
	}
	if !f.now().Before(f.deadline) {
		return nil, f.finishLocked(StateExpired, apperrors.Wrap(apperrors.ErrFlowExpired, "device code expired", nil))
	}

	if tokenResp.AccessToken != "" {
		cred := &Credential{
			GitHubToken: tokenResp.AccessToken,
			GitHubUser:  f.account,
			CreatedAt:   f.now().Unix(),
		}
		f.finishLocked(StateSucceeded, nil)
		log.WithFields(log.Fields{"flow_id": f.id, "account": f.account}).Info("copilot device flow succeeded")
		return &PollResult{State: StateSucceeded, Credential: cred}, nil
	}

	switch tokenResp.Error {
	case errAuthorizationPending:
		return f.waitResultLocked(), nil
	case errSlowDown:
		next := f.interval + SlowDownStep
		if server := time.Duration(tokenResp.Interval) * time.Second; server > next {
			next = server
		}
		f.interval = next
		f.oauthSt.Interval = int64(next / time.Second)
		log.WithFields(log.Fields{"flow_id": f.id, "interval": f.oauthSt.Interval}).Debug("copilot device flow slowing down")
		return f.waitResultLocked(), nil
	case errExpiredToken:
		return nil, f.finishLocked(StateExpired, apperrors.Wrap(apperrors.ErrFlowExpired, describe("device code expired", tokenResp), nil))
	case errAccessDenied:
		return nil, f.finishLocked(StateDenied, apperrors.Wrap(apperrors.ErrUserDenied, describe("access denied by user", tokenResp), nil))
	case "":
		return nil, f.finishLocked(StateFailed, apperrors.Wrap(apperrors.ErrFlowFailed, "token response carried neither a token nor an error", nil))
	default:
		return nil, f.finishLocked(StateFailed, apperrors.Wrapf(apperrors.ErrFlowFailed, nil, "%s", describe(tokenResp.Error, tokenResp)))
	}
}

// Cancel ends a non-terminal flow in the Cancelled state. It reports whether the flow
// was cancelled by this call.
func (f *DeviceFlow) Cancel() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state.Terminal() {
		return false
	}
	f.finishLocked(StateCancelled, apperrors.Wrap(apperrors.ErrFlowCancelled, "authentication cancelled", nil))
	log.WithFields(log.Fields{"flow_id": f.id, "account": f.account}).Info("copilot device flow cancelled")
	return true
}

func (f *DeviceFlow) waitResultLocked() *PollResult {
	return &PollResult{
		State:       f.state,
		Wait:        f.interval,
		WaitSeconds: int64(f.interval / time.Second),
	}
}

// finishLocked moves the flow to a terminal state and releases the OAuth state.
func (f *DeviceFlow) finishLocked(state FlowState, err error) error {
	f.state = state
	f.err = err
	f.oauthSt = nil
	if err != nil && state != StateCancelled {
		log.WithFields(log.Fields{"flow_id": f.id, "account": f.account, "state": state.String()}).Warnf("copilot device flow ended: %v", err)
	}
	return err
}

func describe(fallback string, resp *AccessTokenResponse) string {
	if resp != nil && strings.TrimSpace(resp.ErrorDescription) != "" {
		return fmt.Sprintf("%s: %s", fallback, resp.ErrorDescription)
	}
	return fallback
}

func (f *DeviceFlow) requestDeviceCode(ctx context.Context) (*DeviceCodeResponse, error) {
	data := url.Values{}
	data.Set("client_id", f.oauth.ClientID)
	data.Set("scope", strings.Join(f.oauth.Scopes, " "))

	status, body, err := f.postForm(ctx, f.oauth.Endpoint.DeviceAuthURL, data)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrNetwork, "device code request failed", err)
	}
	if status != http.StatusOK {
		return nil, apperrors.Wrapf(apperrors.ErrProtocol, nil, "device authorization failed with status %d: %s", status, string(util.RedactSensitiveJSON(body)))
	}

	var result DeviceCodeResponse
	if err = json.Unmarshal(body, &result); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrProtocol, "failed to parse device code response", err)
	}
	switch {
	case result.DeviceCode == "":
		return nil, apperrors.Wrap(apperrors.ErrProtocol, "device_code not found in response", nil)
	case result.UserCode == "":
		return nil, apperrors.Wrap(apperrors.ErrProtocol, "user_code not found in response", nil)
	case result.VerificationURI == "":
		return nil, apperrors.Wrap(apperrors.ErrProtocol, "verification_uri not found in response", nil)
	case result.ExpiresIn <= 0:
		return nil, apperrors.Wrapf(apperrors.ErrProtocol, nil, "invalid expires_in %d", result.ExpiresIn)
	}
	return &result, nil
}

func (f *DeviceFlow) requestToken(ctx context.Context, deviceCode string) (*AccessTokenResponse, error) {
	data := url.Values{}
	data.Set("client_id", f.oauth.ClientID)
	data.Set("device_code", deviceCode)
	data.Set("grant_type", GrantType)

	status, body, err := f.postForm(ctx, f.oauth.Endpoint.TokenURL, data)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrFlowFailed, "token request failed", apperrors.Wrap(apperrors.ErrNetwork, "transport failure", err))
	}

	var tokenResp AccessTokenResponse
	if errJSON := json.Unmarshal(body, &tokenResp); errJSON != nil {
		if status != http.StatusOK {
			return nil, apperrors.Wrapf(apperrors.ErrFlowFailed, nil, "token request failed with status %d", status)
		}
		return nil, apperrors.Wrap(apperrors.ErrFlowFailed, "failed to parse token response", apperrors.Wrap(apperrors.ErrProtocol, "malformed token response", errJSON))
	}
	if status != http.StatusOK && tokenResp.Error == "" && tokenResp.AccessToken == "" {
		return nil, apperrors.Wrapf(apperrors.ErrFlowFailed, nil, "token request failed with status %d", status)
	}
	return &tokenResp, nil
}

func (f *DeviceFlow) postForm(ctx context.Context, endpoint string, data url.Values) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(data.Encode()))
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() {
		if errClose := resp.Body.Close(); errClose != nil {
			log.Errorf("failed to close response body: %v", errClose)
		}
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("failed to read response body: %w", err)
	}
	return resp.StatusCode, body, nil
}
