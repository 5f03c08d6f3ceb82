// Package proxyproc runs the copilot-api process that serves the local Copilot proxy.
package proxyproc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/router-for-me/copilotctl/internal/auth/copilot"
	"github.com/router-for-me/copilotctl/internal/config"
	apperrors "github.com/router-for-me/copilotctl/internal/errors"
	"github.com/router-for-me/copilotctl/internal/util"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	defaultStartTimeout = 3 * time.Second
	defaultStopTimeout  = 3 * time.Second
	logFileName         = "copilot-api.log"
)

// RunFunc runs a short-lived command and returns its combined output.
type RunFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

// Options configures a Manager. Zero values select the defaults.
type Options struct {
	// LogDir receives copilot-api.log. Defaults to {auth-dir}/logs.
	LogDir string
	// StatePath is the runtime state file.
	StatePath string
	// SearchDirs are searched for node, npm, npx, bunx and copilot-api after PATH.
	SearchDirs []string
	// LookPath resolves a binary on PATH. Defaults to exec.LookPath.
	LookPath func(file string) (string, error)
	// Run executes version probes and npm install. Defaults to exec.CommandContext.
	Run RunFunc
	// StartTimeout bounds the wait for the proxy to bind its port.
	StartTimeout time.Duration
	// StopTimeout bounds the wait for a graceful exit before the process is killed.
	StopTimeout time.Duration
}

// Manager starts, stops and inspects the copilot-api process. Start and Stop are
// idempotent.
type Manager struct {
	opts Options

	opMu sync.Mutex // serialises Start, Stop and Install

	mu      sync.Mutex
	cmd     *exec.Cmd
	done    chan struct{}
	st      *state
	logger  *lumberjack.Logger
	lastErr string

	detect singleflight.Group
}

// NewManager returns a Manager using opts.
func NewManager(opts Options) *Manager {
	if opts.LogDir == "" {
		opts.LogDir = filepath.Join(util.DefaultAuthDir(), "logs")
	}
	opts.LogDir = util.ExpandHome(opts.LogDir)
	if opts.StatePath == "" {
		opts.StatePath = defaultStatePath()
	}
	if opts.SearchDirs == nil {
		opts.SearchDirs = defaultSearchDirs()
	}
	if opts.LookPath == nil {
		opts.LookPath = exec.LookPath
	}
	if opts.Run == nil {
		opts.Run = runCommand
	}
	if opts.StartTimeout <= 0 {
		opts.StartTimeout = defaultStartTimeout
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = defaultStopTimeout
	}
	m := &Manager{opts: opts}
	if s, err := loadState(opts.StatePath); err != nil {
		log.Warnf("ignoring unreadable proxy state %s: %v", opts.StatePath, err)
	} else {
		m.st = s
	}
	return m
}

// LogFile returns the path of the process log.
func (m *Manager) LogFile() string {
	return filepath.Join(m.opts.LogDir, logFileName)
}

// IsRunning reports whether the proxy process is alive, whether this Manager started it
// or a previous run did.
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runningLocked()
}

func (m *Manager) runningLocked() bool {
	if m.cmd != nil {
		return true
	}
	if m.st == nil || m.st.PID <= 0 {
		return false
	}
	alive, _ := isProcessAlive(m.st.PID)
	return alive
}

// Status describes the managed process.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := Status{Running: m.runningLocked(), LastError: m.lastErr}
	if m.st != nil && out.Running {
		out.PID = m.st.PID
		out.Port = m.st.Port
		out.Command = m.st.Command
		out.LogFile = m.st.LogFile
		out.StartedAt = m.st.StartedAt
	}
	return out
}

// Start launches copilot-api for cfg with cred's token. It is a no-op when the proxy is
// already running.
func (m *Manager) Start(ctx context.Context, cfg config.CopilotConfig, cred copilot.Credential) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	if m.IsRunning() {
		log.Debug("copilot proxy already running")
		return nil
	}
	if inUse, _ := isLocalPortInUse(cfg.Port); inUse {
		return apperrors.Wrapf(apperrors.ErrInvalidState, nil, "port %d is already in use", cfg.Port)
	}

	det, err := m.Detect(ctx)
	if err != nil {
		return err
	}
	name, prefix, ok := launcher(det)
	if !ok {
		return apperrors.Wrap(apperrors.ErrNotFound, "copilot-api is not installed and neither bunx nor npx was found", nil)
	}
	args := append(prefix, BuildArgs(cfg, cred.GitHubToken)...)

	if err = os.MkdirAll(m.opts.LogDir, 0o755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	logger := &lumberjack.Logger{
		Filename:   m.LogFile(),
		MaxSize:    10,
		MaxBackups: 3,
		MaxAge:     7,
	}

	cmd := exec.Command(name, args...)
	cmd.Stdout = logger
	cmd.Stderr = logger
	cmd.Env = os.Environ()
	setSysProcAttr(cmd)

	display := redactArgs(name, args)
	if err = cmd.Start(); err != nil {
		_ = logger.Close()
		m.setLastError(err)
		return fmt.Errorf("failed to start %s: %w", name, err)
	}

	done := make(chan struct{})
	s := &state{
		PID:       cmd.Process.Pid,
		Port:      cfg.Port,
		Command:   display,
		LogFile:   m.LogFile(),
		StartedAt: time.Now(),
	}
	m.mu.Lock()
	m.cmd, m.done, m.st, m.logger, m.lastErr = cmd, done, s, logger, ""
	m.mu.Unlock()
	if errSave := saveState(m.opts.StatePath, s); errSave != nil {
		log.Warnf("failed to save proxy state: %v", errSave)
	}
	log.WithFields(log.Fields{"pid": s.PID, "port": cfg.Port}).Infof("copilot proxy started: %s", display)

	// The exit of the child is observed here so IsRunning stays accurate.
	go m.reap(cmd, done, logger)

	return m.awaitReady(ctx, cfg.Port, done)
}

func (m *Manager) reap(cmd *exec.Cmd, done chan struct{}, logger *lumberjack.Logger) {
	err := cmd.Wait()
	m.mu.Lock()
	if m.cmd == cmd {
		m.cmd = nil
		m.done = nil
		m.logger = nil
		if err != nil {
			m.lastErr = err.Error()
		}
		cleared := &state{LastError: m.lastErr}
		m.st = cleared
		if errSave := saveState(m.opts.StatePath, cleared); errSave != nil {
			log.Warnf("failed to save proxy state: %v", errSave)
		}
	}
	m.mu.Unlock()
	_ = logger.Close()
	if err != nil {
		log.Warnf("copilot proxy exited: %v", err)
	} else {
		log.Info("copilot proxy exited")
	}
	close(done)
}

// awaitReady waits until port accepts connections. A process that exits first is an
// error; a slow start is only logged.
func (m *Manager) awaitReady(ctx context.Context, port int, done <-chan struct{}) error {
	deadline := time.NewTimer(m.opts.StartTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		if inUse, _ := isLocalPortInUse(port); inUse {
			return nil
		}
		select {
		case <-done:
			return fmt.Errorf("copilot-api exited during startup; see %s", m.LogFile())
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			log.Warnf("copilot proxy has not bound port %d after %s", port, m.opts.StartTimeout)
			return nil
		case <-tick.C:
		}
	}
}

// Stop terminates the proxy. Stopping a stopped proxy is not an error.
func (m *Manager) Stop(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	cmd, done, st := m.cmd, m.done, m.st
	m.mu.Unlock()

	if cmd != nil {
		m.terminate(ctx, cmd.Process, done)
		return nil
	}
	if st == nil || st.PID <= 0 {
		return nil
	}
	// Started by a previous run.
	if alive, _ := isProcessAlive(st.PID); alive {
		if p, err := os.FindProcess(st.PID); err == nil {
			m.terminate(ctx, p, nil)
		}
	}
	m.mu.Lock()
	m.st = &state{}
	m.mu.Unlock()
	if err := saveState(m.opts.StatePath, &state{}); err != nil {
		log.Warnf("failed to save proxy state: %v", err)
	}
	log.Info("copilot proxy stopped")
	return nil
}

// terminate interrupts p and kills it when it has not exited within StopTimeout. done,
// when set, is closed once the process has been reaped; otherwise liveness is polled.
func (m *Manager) terminate(ctx context.Context, p *os.Process, done <-chan struct{}) {
	if errInt := interrupt(p); errInt == nil && m.waitExit(ctx, p.Pid, done) {
		return
	}
	if err := kill(p); err != nil && !errors.Is(err, os.ErrProcessDone) {
		log.Debugf("kill pid %d: %v", p.Pid, err)
	}
	if done != nil {
		<-done
	}
}

func (m *Manager) waitExit(ctx context.Context, pid int, done <-chan struct{}) bool {
	timer := time.NewTimer(m.opts.StopTimeout)
	defer timer.Stop()
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-done:
			return true
		case <-timer.C:
			return false
		case <-ctx.Done():
			return false
		case <-tick.C:
			if done == nil {
				if alive, _ := isProcessAlive(pid); !alive {
					return true
				}
			}
		}
	}
}

func (m *Manager) setLastError(err error) {
	m.mu.Lock()
	m.lastErr = err.Error()
	m.mu.Unlock()
}

func isLocalPortInUse(port int) (bool, error) {
	if port <= 0 {
		return false, nil
	}
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), 200*time.Millisecond)
	if err != nil {
		return false, nil
	}
	_ = conn.Close()
	return true, nil
}

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	setSysProcAttr(cmd)
	out, err := cmd.CombinedOutput()
	return []byte(strings.TrimSpace(string(out))), err
}
