package proxyproc

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/router-for-me/copilotctl/internal/auth/copilot"
	"github.com/router-for-me/copilotctl/internal/config"
	apperrors "github.com/router-for-me/copilotctl/internal/errors"
	"github.com/stretchr/testify/require"
)

func intPtr(v int) *int { return &v }

func noLookPath(string) (string, error) { return "", errors.New("not found") }

func writeExecutable(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o755))
	return path
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func testManager(t *testing.T, binDir string, run RunFunc) *Manager {
	t.Helper()
	if run == nil {
		run = func(context.Context, string, ...string) ([]byte, error) { return []byte("v1.0.0\n"), nil }
	}
	root := t.TempDir()
	return NewManager(Options{
		LogDir:       filepath.Join(root, "logs"),
		StatePath:    filepath.Join(root, "state.json"),
		SearchDirs:   []string{binDir},
		LookPath:     noLookPath,
		Run:          run,
		StartTimeout: 200 * time.Millisecond,
		StopTimeout:  2 * time.Second,
	})
}

func TestBuildArgs(t *testing.T) {
	tests := []struct {
		name  string
		cfg   config.CopilotConfig
		token string
		want  string
	}{
		{
			name:  "defaults",
			cfg:   config.DefaultCopilotConfig(),
			token: "ghu_xxx",
			want:  "start --port 4141 --account-type individual --github-token ghu_xxx",
		},
		{
			name:  "rate limit with wait",
			cfg:   config.CopilotConfig{Port: 5000, AccountType: "business", RateLimit: intPtr(30), RateLimitWait: true},
			token: "ghu_xxx",
			want:  "start --port 5000 --account-type business --github-token ghu_xxx --rate-limit 30 --wait",
		},
		{
			name: "no token",
			cfg:  config.CopilotConfig{Port: 4141, AccountType: "enterprise", RateLimit: intPtr(1)},
			want: "start --port 4141 --account-type enterprise --rate-limit 1",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, strings.Join(BuildArgs(tt.cfg, tt.token), " "))
		})
	}
}

func TestLauncherPreference(t *testing.T) {
	name, prefix, ok := launcher(&Detection{CopilotBin: "/bin/copilot-api", BunxBin: "/bin/bunx", NpxBin: "/bin/npx"})
	require.True(t, ok)
	require.Equal(t, "/bin/copilot-api", name)
	require.Empty(t, prefix)

	name, prefix, ok = launcher(&Detection{BunxBin: "/bin/bunx", NpxBin: "/bin/npx"})
	require.True(t, ok)
	require.Equal(t, "/bin/bunx", name)
	require.Equal(t, []string{"copilot-api@latest"}, prefix)

	name, prefix, ok = launcher(&Detection{NpxBin: "/bin/npx"})
	require.True(t, ok)
	require.Equal(t, "/bin/npx", name)
	require.Equal(t, []string{"-y", "copilot-api@latest"}, prefix)

	_, _, ok = launcher(&Detection{})
	require.False(t, ok)
}

func TestRedactArgs(t *testing.T) {
	got := redactArgs("copilot-api", BuildArgs(config.DefaultCopilotConfig(), "ghu_secret"))
	require.NotContains(t, got, "ghu_secret")
	require.Contains(t, got, "--github-token [REDACTED]")
}

func TestDetect(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses unix executable names")
	}
	binDir := t.TempDir()
	writeExecutable(t, binDir, "node", "#!/bin/sh\n")
	writeExecutable(t, binDir, "npx", "#!/bin/sh\n")
	writeExecutable(t, binDir, "copilot-api", "#!/bin/sh\n")

	var probes atomic.Int32
	run := func(_ context.Context, name string, args ...string) ([]byte, error) {
		probes.Add(1)
		if filepath.Base(name) == "node" {
			return []byte("v22.1.0\n"), nil
		}
		return []byte("0.5.14\n"), nil
	}
	m := testManager(t, binDir, run)

	det, err := m.Detect(context.Background())
	require.NoError(t, err)
	require.True(t, det.Installed)
	require.True(t, det.NodeAvailable)
	require.Equal(t, "0.5.14", det.Version)
	require.Equal(t, "v22.1.0", det.NodeVersion)
	require.Equal(t, filepath.Join(binDir, "copilot-api"), det.CopilotBin)
	require.Equal(t, filepath.Join(binDir, "npx"), det.NpxBin)
	require.Empty(t, det.NpmBin, "paths are only reported when they exist")
	require.Empty(t, det.BunxBin)
	require.Contains(t, det.CheckedNodePaths, filepath.Join(binDir, "npm"))
	require.Equal(t, []string{filepath.Join(binDir, "copilot-api")}, det.CheckedCopilotPaths)
	require.Equal(t, int32(2), probes.Load())
}

func TestDetectNothingInstalled(t *testing.T) {
	m := testManager(t, t.TempDir(), nil)
	det, err := m.Detect(context.Background())
	require.NoError(t, err)
	require.False(t, det.Installed)
	require.False(t, det.NodeAvailable)
	require.NotNil(t, det.CheckedNodePaths)
	require.NotNil(t, det.CheckedCopilotPaths)
}

func TestDetectConcurrentCallersShareProbe(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses unix executable names")
	}
	binDir := t.TempDir()
	writeExecutable(t, binDir, "copilot-api", "#!/bin/sh\n")

	release := make(chan struct{})
	var probes atomic.Int32
	run := func(context.Context, string, ...string) ([]byte, error) {
		probes.Add(1)
		<-release
		return []byte("1.0.0"), nil
	}
	m := testManager(t, binDir, run)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			det, err := m.Detect(context.Background())
			if err != nil || det.Version != "1.0.0" {
				t.Errorf("Detect() = %+v, %v", det, err)
			}
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	require.LessOrEqual(t, probes.Load(), int32(5))
	require.GreaterOrEqual(t, probes.Load(), int32(1))
}

func TestInstall(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses unix executable names")
	}

	t.Run("npm missing", func(t *testing.T) {
		m := testManager(t, t.TempDir(), nil)
		res, err := m.Install(context.Background())
		require.NoError(t, err)
		require.False(t, res.Success)
		require.Contains(t, res.Message, "npm")
	})

	t.Run("npm succeeds", func(t *testing.T) {
		binDir := t.TempDir()
		writeExecutable(t, binDir, "npm", "#!/bin/sh\n")
		var installArgs []string
		run := func(_ context.Context, name string, args ...string) ([]byte, error) {
			if filepath.Base(name) == "npm" {
				installArgs = args
				writeExecutable(t, binDir, "copilot-api", "#!/bin/sh\n")
				return []byte("added 1 package"), nil
			}
			return []byte("0.5.14"), nil
		}
		m := testManager(t, binDir, run)

		res, err := m.Install(context.Background())
		require.NoError(t, err)
		require.True(t, res.Success)
		require.Equal(t, "0.5.14", res.Version)
		require.Equal(t, []string{"install", "-g", "copilot-api"}, installArgs)
	})

	t.Run("npm fails", func(t *testing.T) {
		binDir := t.TempDir()
		writeExecutable(t, binDir, "npm", "#!/bin/sh\n")
		run := func(_ context.Context, name string, _ ...string) ([]byte, error) {
			return []byte("npm ERR! code EACCES"), errors.New("exit status 243")
		}
		m := testManager(t, binDir, run)

		res, err := m.Install(context.Background())
		require.NoError(t, err)
		require.False(t, res.Success)
		require.Contains(t, res.Message, "EACCES")
	})
}

func TestStopWhenStoppedIsNoop(t *testing.T) {
	m := testManager(t, t.TempDir(), nil)
	require.False(t, m.IsRunning())
	require.NoError(t, m.Stop(context.Background()))
	require.NoError(t, m.Stop(context.Background()))
	require.False(t, m.Status().Running)
}

func TestStartWithoutLauncher(t *testing.T) {
	m := testManager(t, t.TempDir(), nil)
	cfg := config.DefaultCopilotConfig()
	cfg.Port = freePort(t)

	err := m.Start(context.Background(), cfg, copilot.Credential{GitHubToken: "ghu_xxx"})
	require.True(t, errors.Is(err, apperrors.ErrNotFound), "got %v", err)
	require.False(t, m.IsRunning())
}

func TestStartRejectsBusyPort(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = ln.Close() }()

	m := testManager(t, t.TempDir(), nil)
	cfg := config.DefaultCopilotConfig()
	cfg.Port = ln.Addr().(*net.TCPAddr).Port

	err = m.Start(context.Background(), cfg, copilot.Credential{GitHubToken: "ghu_xxx"})
	require.True(t, errors.Is(err, apperrors.ErrInvalidState), "got %v", err)
}

func TestStartStopLifecycle(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses a shell script as the proxy")
	}
	binDir := t.TempDir()
	argsFile := filepath.Join(t.TempDir(), "args.txt")
	t.Setenv("COPILOTCTL_TEST_ARGS", argsFile)
	writeExecutable(t, binDir, "copilot-api", "#!/bin/sh\necho \"$@\" > \"$COPILOTCTL_TEST_ARGS\"\nexec sleep 30\n")

	m := testManager(t, binDir, nil)
	cfg := config.DefaultCopilotConfig()
	cfg.Port = freePort(t)
	cfg.RateLimit = intPtr(10)
	ctx := context.Background()

	require.NoError(t, m.Start(ctx, cfg, copilot.Credential{GitHubToken: "ghu_xxx", GitHubUser: "octocat"}))
	require.True(t, m.IsRunning())
	st := m.Status()
	require.True(t, st.Running)
	require.Positive(t, st.PID)
	require.Equal(t, cfg.Port, st.Port)
	require.NotContains(t, st.Command, "ghu_xxx")

	require.NoError(t, m.Start(ctx, cfg, copilot.Credential{GitHubToken: "ghu_other"}), "start while running is a no-op")
	require.Equal(t, st.PID, m.Status().PID)

	require.Eventually(t, func() bool {
		data, err := os.ReadFile(argsFile)
		return err == nil && strings.Contains(string(data), "--rate-limit 10")
	}, 2*time.Second, 20*time.Millisecond)
	data, err := os.ReadFile(argsFile)
	require.NoError(t, err)
	require.Contains(t, string(data), "--port "+strconv.Itoa(cfg.Port))
	require.Contains(t, string(data), "--github-token ghu_xxx")

	require.NoError(t, m.Stop(ctx))
	require.False(t, m.IsRunning())
	require.NoError(t, m.Stop(ctx), "second stop is not an error")

	s, err := loadState(m.opts.StatePath)
	require.NoError(t, err)
	require.NotNil(t, s)
	require.Zero(t, s.PID)
}

func TestStartReportsEarlyExit(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses a shell script as the proxy")
	}
	binDir := t.TempDir()
	writeExecutable(t, binDir, "copilot-api", "#!/bin/sh\necho boom >&2\nexit 3\n")

	m := testManager(t, binDir, nil)
	m.opts.StartTimeout = 5 * time.Second
	cfg := config.DefaultCopilotConfig()
	cfg.Port = freePort(t)

	err := m.Start(context.Background(), cfg, copilot.Credential{GitHubToken: "ghu_xxx"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "exited during startup")
	require.Eventually(t, func() bool { return !m.IsRunning() }, 2*time.Second, 20*time.Millisecond)
	require.NotEmpty(t, m.Status().LastError)
}
