// Package session owns the active Copilot configuration, the active GitHub user and the
// login flows, and derives the proxy status from them.
package session

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/router-for-me/copilotctl/internal/auth/copilot"
	"github.com/router-for-me/copilotctl/internal/config"
	apperrors "github.com/router-for-me/copilotctl/internal/errors"
	"github.com/router-for-me/copilotctl/internal/proxyproc"
	"github.com/router-for-me/copilotctl/internal/store"
	log "github.com/sirupsen/logrus"
)

// Token sources reported in Status.
const (
	TokenSourceConfig = "config"
	TokenSourceStore  = "store"
)

// ProcessFacade starts and stops the local proxy process.
// Stop on a stopped process returns nil.
type ProcessFacade interface {
	Start(ctx context.Context, cfg config.CopilotConfig, cred copilot.Credential) error
	Stop(ctx context.Context) error
	IsRunning() bool
	Detect(ctx context.Context) (*proxyproc.Detection, error)
	Install(ctx context.Context) (*proxyproc.InstallResult, error)
}

// Authenticator creates device flows and resolves the user behind a token.
type Authenticator interface {
	NewDeviceFlow(accountType, account string) (*copilot.DeviceFlow, error)
	FetchUser(ctx context.Context, token string) (string, error)
}

// ConfigPersister stores an accepted configuration, typically in the YAML file.
type ConfigPersister func(cfg config.CopilotConfig) error

// Status is the derived view of the proxy. It is never persisted.
type Status struct {
	Running       bool   `json:"running"`
	Port          int    `json:"port"`
	Endpoint      string `json:"endpoint"`
	Authenticated bool   `json:"authenticated"`
	AccountType   string `json:"accountType"`
	GitHubUser    string `json:"githubUser,omitempty"`
	TokenSource   string `json:"tokenSource,omitempty"`
}

// Options configures a Manager. Store, Process and Auth are required.
type Options struct {
	Config     config.CopilotConfig
	Store      store.CredentialStore
	Process    ProcessFacade
	Auth       Authenticator
	Persist    ConfigPersister
	ActiveUser string
	// Sleep is used by Login between polls. Defaults to copilot.ContextSleep.
	Sleep copilot.Sleeper
}

// Manager is safe for concurrent use.
type Manager struct {
	store   store.CredentialStore
	proc    ProcessFacade
	auth    Authenticator
	persist ConfigPersister
	sleep   copilot.Sleeper
	flows   *copilot.Registry

	mu         sync.RWMutex
	cfg        config.CopilotConfig
	activeUser string
}

// NewManager validates opts.Config and returns a Manager.
func NewManager(opts Options) (*Manager, error) {
	if opts.Store == nil || opts.Process == nil || opts.Auth == nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalidState, "session manager requires a store, a process facade and an authenticator", nil)
	}
	cfg := opts.Config.Normalized()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	sleep := opts.Sleep
	if sleep == nil {
		sleep = copilot.ContextSleep
	}
	return &Manager{
		store:      opts.Store,
		proc:       opts.Process,
		auth:       opts.Auth,
		persist:    opts.Persist,
		sleep:      sleep,
		flows:      copilot.NewRegistry(),
		cfg:        cfg,
		activeUser: strings.TrimSpace(opts.ActiveUser),
	}, nil
}

// Config returns a copy of the active configuration.
func (m *Manager) Config() config.CopilotConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg.Normalized()
}

// ActiveUser returns the user whose credential the proxy uses. Empty when none.
func (m *Manager) ActiveUser() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeUser
}

// SetActiveUser selects user after checking that a credential exists for it.
func (m *Manager) SetActiveUser(ctx context.Context, user string) error {
	cred, err := m.store.Load(ctx, user)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.activeUser = cred.GitHubUser
	m.mu.Unlock()
	log.Infof("copilot active user set to %s", cred.GitHubUser)
	return nil
}

// RefreshActiveUser keeps the active user while its credential exists and otherwise
// falls back to the newest stored credential. It returns the resulting user.
func (m *Manager) RefreshActiveUser(ctx context.Context) (string, error) {
	current := m.ActiveUser()
	if current != "" {
		_, err := m.store.Load(ctx, current)
		if err == nil {
			return current, nil
		}
		if !errors.Is(err, apperrors.ErrNotFound) {
			return current, err
		}
	}

	creds, err := m.store.List(ctx)
	if err != nil {
		return current, err
	}
	next := ""
	if newest := store.Newest(creds); newest != nil {
		next = newest.GitHubUser
	}

	m.mu.Lock()
	// Keep a user selected concurrently.
	if m.activeUser == current {
		m.activeUser = next
	} else {
		next = m.activeUser
	}
	m.mu.Unlock()

	if next != current {
		log.Infof("copilot active user changed from %q to %q", current, next)
	}
	return next, nil
}

// Credentials lists the stored credentials, newest first.
func (m *Manager) Credentials(ctx context.Context) ([]copilot.Credential, error) {
	return m.store.List(ctx)
}

// CurrentStatus derives the proxy status from the configuration, the process and the
// credential store. It has no side effects.
func (m *Manager) CurrentStatus(ctx context.Context) Status {
	cfg := m.Config()
	user := m.ActiveUser()
	st := Status{
		Running:     m.proc.IsRunning(),
		Port:        cfg.Port,
		Endpoint:    cfg.Endpoint(),
		AccountType: cfg.AccountType,
		GitHubUser:  user,
	}
	_, source, err := m.resolveCredential(ctx, cfg, user)
	if err != nil {
		if !errors.Is(err, apperrors.ErrNotFound) {
			log.Debugf("copilot status: credential lookup failed: %v", err)
		}
		return st
	}
	st.Authenticated = true
	st.TokenSource = source
	return st
}

// ApplyConfig validates cfg and makes it the active configuration. On failure nothing is
// stored or persisted. The running process is not restarted.
func (m *Manager) ApplyConfig(cfg config.CopilotConfig) (config.CopilotConfig, error) {
	next := cfg.Normalized()
	if err := next.Validate(); err != nil {
		return config.CopilotConfig{}, err
	}
	if m.persist != nil {
		if err := m.persist(next); err != nil {
			return config.CopilotConfig{}, apperrors.Wrap(apperrors.ErrStorage, "failed to persist copilot config", err)
		}
	}
	m.mu.Lock()
	m.cfg = next
	m.mu.Unlock()
	log.WithFields(log.Fields{
		"enabled":      next.Enabled,
		"port":         next.Port,
		"account_type": next.AccountType,
	}).Info("copilot config applied")
	return next.Normalized(), nil
}

// StartProxy starts the proxy with the active configuration and credential. The rate-limit
// policy is passed to the process unchanged.
func (m *Manager) StartProxy(ctx context.Context) error {
	cfg := m.Config()
	cred, source, err := m.resolveCredential(ctx, cfg, m.ActiveUser())
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return apperrors.Wrap(apperrors.ErrNotFound, "no copilot credential: log in first", err)
		}
		return err
	}
	log.WithFields(log.Fields{
		"port":              cfg.Port,
		"account_type":      cfg.AccountType,
		"user":              cred.GitHubUser,
		"credential_source": source,
	}).Info("starting copilot proxy")
	return m.proc.Start(ctx, cfg, *cred)
}

// StopProxy stops the proxy. Stopping a stopped proxy is not an error.
func (m *Manager) StopProxy(ctx context.Context) error {
	return m.proc.Stop(ctx)
}

// Detect reports the installed proxy tooling.
func (m *Manager) Detect(ctx context.Context) (*proxyproc.Detection, error) {
	return m.proc.Detect(ctx)
}

// Install installs the proxy package.
func (m *Manager) Install(ctx context.Context) (*proxyproc.InstallResult, error) {
	return m.proc.Install(ctx)
}

// Logout deletes the credential of user. When user was active, the newest remaining
// credential becomes active.
func (m *Manager) Logout(ctx context.Context, user string) error {
	user = strings.TrimSpace(user)
	if err := m.store.Delete(ctx, user); err != nil {
		return err
	}
	log.Infof("copilot credential for %s removed", user)
	if strings.EqualFold(m.ActiveUser(), user) {
		if _, err := m.RefreshActiveUser(ctx); err != nil {
			log.Warnf("failed to select a new copilot user: %v", err)
		}
	}
	return nil
}

// resolveCredential returns the credential the proxy would use. A non-empty config token
// takes precedence over the store.
func (m *Manager) resolveCredential(ctx context.Context, cfg config.CopilotConfig, user string) (*copilot.Credential, string, error) {
	if cfg.GitHubToken != "" {
		return &copilot.Credential{GitHubToken: cfg.GitHubToken, GitHubUser: user}, TokenSourceConfig, nil
	}
	if user == "" {
		return nil, "", apperrors.Wrap(apperrors.ErrNotFound, "no active copilot user", nil)
	}
	cred, err := m.store.Load(ctx, user)
	if err != nil {
		return nil, "", err
	}
	return cred, TokenSourceStore, nil
}
