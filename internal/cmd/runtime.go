package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/router-for-me/copilotctl/internal/auth/copilot"
	"github.com/router-for-me/copilotctl/internal/config"
	"github.com/router-for-me/copilotctl/internal/logging"
	"github.com/router-for-me/copilotctl/internal/proxyproc"
	"github.com/router-for-me/copilotctl/internal/session"
	"github.com/router-for-me/copilotctl/internal/store"
	log "github.com/sirupsen/logrus"
)

// Runtime bundles the components every command works with.
type Runtime struct {
	Config     *config.Config
	ConfigPath string
	Store      store.CredentialStore
	Process    *proxyproc.Manager
	Session    *session.Manager
}

// RuntimeOption customises NewRuntime.
type RuntimeOption func(*runtimeOptions)

type runtimeOptions struct {
	process proxyproc.Options
	sleep   copilot.Sleeper
}

// WithProcessOptions overrides the proxy process settings. LogDir defaults to the
// configured log directory.
func WithProcessOptions(opts proxyproc.Options) RuntimeOption {
	return func(o *runtimeOptions) {
		o.process = opts
	}
}

// WithSleeper replaces the wait between device flow polls.
func WithSleeper(sleep copilot.Sleeper) RuntimeOption {
	return func(o *runtimeOptions) {
		o.sleep = sleep
	}
}

// NewRuntime opens the credential store and builds the session for cfg. Accepted config
// changes are written back to configPath when it is not empty.
func NewRuntime(ctx context.Context, cfg *config.Config, configPath string, opts ...RuntimeOption) (*Runtime, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	var o runtimeOptions
	for _, opt := range opts {
		opt(&o)
	}

	st, err := store.Open(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s credential store: %w", cfg.Store.Type, err)
	}

	procOpts := o.process
	if procOpts.LogDir == "" {
		procOpts.LogDir = logging.LogDir(cfg)
	}
	proc := proxyproc.NewManager(procOpts)

	var persist session.ConfigPersister
	if path := strings.TrimSpace(configPath); path != "" {
		persist = func(c config.CopilotConfig) error {
			return config.SaveCopilotConfig(path, c)
		}
	}

	mgr, err := session.NewManager(session.Options{
		Config:  cfg.Copilot,
		Store:   st,
		Process: proc,
		Auth:    copilot.NewCopilotAuth(cfg),
		Persist: persist,
		Sleep:   o.sleep,
	})
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	if user, errRefresh := mgr.RefreshActiveUser(ctx); errRefresh != nil {
		log.Warnf("failed to load copilot credentials: %v", errRefresh)
	} else if user != "" {
		log.Debugf("active copilot user: %s", user)
	}

	return &Runtime{
		Config:     cfg,
		ConfigPath: configPath,
		Store:      st,
		Process:    proc,
		Session:    mgr,
	}, nil
}

// Close releases the credential store.
func (r *Runtime) Close() error {
	if r == nil || r.Store == nil {
		return nil
	}
	return r.Store.Close()
}
