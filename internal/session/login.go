package session

import (
	"context"
	"errors"
	"strings"

	"github.com/router-for-me/copilotctl/internal/auth/copilot"
	apperrors "github.com/router-for-me/copilotctl/internal/errors"
	log "github.com/sirupsen/logrus"
)

// LoginTicket is what the user needs to authorise a device flow.
type LoginTicket struct {
	FlowID          string `json:"flowId"`
	Account         string `json:"account"`
	AccountType     string `json:"accountType"`
	UserCode        string `json:"userCode"`
	VerificationURI string `json:"verificationUri"`
	ExpiresAt       int64  `json:"expiresAt"`
	Interval        int64  `json:"interval"`
}

// LoginProgress is the outcome of one PollLogin step.
type LoginProgress struct {
	FlowID      string            `json:"flowId"`
	Account     string            `json:"account"`
	State       copilot.FlowState `json:"state"`
	WaitSeconds int64             `json:"waitSeconds,omitempty"`
	GitHubUser  string            `json:"githubUser,omitempty"`
}

// BeginLogin starts a device flow for account. Only one flow per account may be active;
// a second call fails with ErrFlowAlreadyInProgress.
func (m *Manager) BeginLogin(ctx context.Context, account string) (*LoginTicket, error) {
	_, ticket, err := m.beginLogin(ctx, account)
	return ticket, err
}

func (m *Manager) beginLogin(ctx context.Context, account string) (*copilot.DeviceFlow, *LoginTicket, error) {
	key := copilot.NormalizeAccountKey(account)
	flow, err := m.auth.NewDeviceFlow(m.Config().AccountType, key)
	if err != nil {
		return nil, nil, err
	}
	if err = m.flows.Acquire(key, flow); err != nil {
		return nil, nil, err
	}
	if _, err = flow.Start(ctx); err != nil {
		flow.Cancel()
		m.flows.Release(key, flow)
		recordFlowOutcome(err)
		return nil, nil, err
	}
	st := flow.OAuthState()
	if st == nil {
		m.flows.Release(key, flow)
		return nil, nil, apperrors.Wrap(apperrors.ErrFlowCancelled, "authentication cancelled", nil)
	}
	return flow, &LoginTicket{
		FlowID:          flow.ID(),
		Account:         key,
		AccountType:     flow.Profile().AccountType,
		UserCode:        st.UserCode,
		VerificationURI: st.VerificationURI,
		ExpiresAt:       st.ExpiresAt,
		Interval:        st.Interval,
	}, nil
}

// PollLogin performs one poll of the active flow of account. On success the credential is
// saved under the resolved GitHub login and that user becomes active.
func (m *Manager) PollLogin(ctx context.Context, account string) (*LoginProgress, error) {
	key := copilot.NormalizeAccountKey(account)
	flow := m.flows.Get(key)
	if flow == nil {
		return nil, apperrors.Wrapf(apperrors.ErrNotFound, nil, "no login in progress for %q", key)
	}

	res, err := flow.PollOnce(ctx)
	if err != nil {
		if flow.State().Terminal() {
			m.flows.Release(key, flow)
			if !errors.Is(err, apperrors.ErrInvalidState) {
				recordFlowOutcome(err)
			}
		}
		return nil, err
	}

	progress := &LoginProgress{FlowID: flow.ID(), Account: key, State: res.State, WaitSeconds: res.WaitSeconds}
	if res.Credential == nil {
		return progress, nil
	}
	saved, err := m.completeLogin(ctx, key, flow, *res.Credential)
	if err != nil {
		return nil, err
	}
	progress.GitHubUser = saved.GitHubUser
	return progress, nil
}

// CancelLogin cancels the active flow of account.
func (m *Manager) CancelLogin(account string) error {
	key := copilot.NormalizeAccountKey(account)
	flow := m.flows.Get(key)
	if flow == nil {
		return apperrors.Wrapf(apperrors.ErrNotFound, nil, "no login in progress for %q", key)
	}
	if flow.Cancel() {
		recordFlowOutcome(flow.Err())
	}
	m.flows.Release(key, flow)
	return nil
}

// Login runs a complete device flow for account. display is called once with the user
// code; polling then blocks until the flow ends or ctx is cancelled.
func (m *Manager) Login(ctx context.Context, account string, display func(*LoginTicket)) (*copilot.Credential, error) {
	flow, ticket, err := m.beginLogin(ctx, account)
	if err != nil {
		return nil, err
	}
	if display != nil {
		display(ticket)
	}

	cred, err := flow.Poll(ctx, m.sleep)
	if err != nil {
		m.flows.Release(ticket.Account, flow)
		recordFlowOutcome(err)
		return nil, err
	}
	return m.completeLogin(ctx, ticket.Account, flow, *cred)
}

// InProgress returns the account keys with an active flow.
func (m *Manager) InProgress() []string {
	return m.flows.Active()
}

func (m *Manager) completeLogin(ctx context.Context, key string, flow *copilot.DeviceFlow, cred copilot.Credential) (*copilot.Credential, error) {
	defer m.flows.Release(key, flow)

	login, err := m.auth.FetchUser(ctx, cred.GitHubToken)
	if err != nil {
		log.Warnf("could not resolve GitHub user, storing credential as %q: %v", key, err)
	} else {
		cred.GitHubUser = login
	}

	if err = m.store.Save(ctx, cred); err != nil {
		recordFlowOutcome(err)
		return nil, err
	}
	if !strings.EqualFold(key, cred.GitHubUser) {
		m.dropPlaceholder(ctx, key, cred.GitHubUser)
	}
	m.mu.Lock()
	m.activeUser = cred.GitHubUser
	m.mu.Unlock()

	recordFlowOutcome(nil)
	log.Infof("copilot authentication successful for %s", cred.GitHubUser)
	return &cred, nil
}

// dropPlaceholder removes the record an earlier login stored under the account key key
// when its token no longer resolves or resolves to login.
func (m *Manager) dropPlaceholder(ctx context.Context, key, login string) {
	old, err := m.store.Load(ctx, key)
	if err != nil {
		return
	}
	owner, err := m.auth.FetchUser(ctx, old.GitHubToken)
	if err == nil && !strings.EqualFold(owner, login) {
		return
	}
	if err = m.store.Delete(ctx, key); err != nil {
		log.Warnf("failed to remove placeholder credential %q: %v", key, err)
		return
	}
	log.Infof("removed placeholder credential %q now stored as %s", key, login)
}
