package proxyproc

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	probeTimeout   = 10 * time.Second
	installTimeout = 5 * time.Minute
)

// defaultSearchDirs lists where node toolchains commonly live when PATH of a GUI or
// service session does not include them.
func defaultSearchDirs() []string {
	home, _ := os.UserHomeDir()
	var dirs []string
	if runtime.GOOS == "windows" {
		if appData := os.Getenv("APPDATA"); appData != "" {
			dirs = append(dirs, filepath.Join(appData, "npm"))
		}
		if pf := os.Getenv("ProgramFiles"); pf != "" {
			dirs = append(dirs, filepath.Join(pf, "nodejs"))
		}
	} else {
		dirs = append(dirs, "/usr/local/bin", "/opt/homebrew/bin", "/usr/bin")
	}
	if home != "" {
		dirs = append(dirs,
			filepath.Join(home, ".bun", "bin"),
			filepath.Join(home, ".volta", "bin"),
			filepath.Join(home, ".npm-global", "bin"),
			filepath.Join(home, ".local", "bin"),
		)
	}
	return dirs
}

// Detect reports the copilot-api tooling. Concurrent calls share one probe.
func (m *Manager) Detect(ctx context.Context) (*Detection, error) {
	v, err, shared := m.detect.Do("detect", func() (any, error) {
		return m.probe(ctx), nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		log.Debug("copilot-api detection shared with a concurrent caller")
	}
	det := *v.(*Detection)
	det.CheckedNodePaths = append([]string(nil), det.CheckedNodePaths...)
	det.CheckedCopilotPaths = append([]string(nil), det.CheckedCopilotPaths...)
	return &det, nil
}

func (m *Manager) probe(ctx context.Context) *Detection {
	det := &Detection{CheckedNodePaths: []string{}, CheckedCopilotPaths: []string{}}

	det.NodeBin = m.find("node", &det.CheckedNodePaths)
	det.NpmBin = m.find("npm", &det.CheckedNodePaths)
	det.NpxBin = m.find("npx", &det.CheckedNodePaths)
	det.BunxBin = m.find("bunx", nil)
	det.CopilotBin = m.find(PackageName, &det.CheckedCopilotPaths)

	if det.NodeBin != "" {
		det.NodeAvailable = true
		if out, err := m.runProbe(ctx, det.NodeBin, "--version"); err == nil {
			det.NodeVersion = firstLine(out)
		}
	}
	if det.CopilotBin != "" {
		det.Installed = true
		if out, err := m.runProbe(ctx, det.CopilotBin, "--version"); err == nil {
			det.Version = firstLine(out)
		}
	}
	log.WithFields(log.Fields{
		"installed":      det.Installed,
		"version":        det.Version,
		"node_available": det.NodeAvailable,
	}).Debug("copilot-api detection finished")
	return det
}

// find resolves name on PATH and then in the search directories. Every candidate path
// examined is appended to checked when it is non-nil.
func (m *Manager) find(name string, checked *[]string) string {
	if p, err := m.opts.LookPath(name); err == nil && p != "" {
		if abs, errAbs := filepath.Abs(p); errAbs == nil {
			p = abs
		}
		if checked != nil {
			*checked = append(*checked, p)
		}
		return p
	}
	for _, dir := range m.opts.SearchDirs {
		for _, candidate := range executableNames(name) {
			p := filepath.Join(dir, candidate)
			if checked != nil {
				*checked = append(*checked, p)
			}
			if info, err := os.Stat(p); err == nil && !info.IsDir() {
				return p
			}
		}
	}
	return ""
}

func executableNames(name string) []string {
	if runtime.GOOS == "windows" {
		return []string{name + ".cmd", name + ".exe", name}
	}
	return []string{name}
}

func (m *Manager) runProbe(ctx context.Context, name string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	out, err := m.opts.Run(ctx, name, args...)
	return strings.TrimSpace(string(out)), err
}

// Install runs npm install -g copilot-api. A missing npm or a failing install is reported
// in the result, not as an error.
func (m *Manager) Install(ctx context.Context) (*InstallResult, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	det, err := m.Detect(ctx)
	if err != nil {
		return nil, err
	}
	if det.NpmBin == "" {
		return &InstallResult{Success: false, Message: "npm was not found; install Node.js first"}, nil
	}

	log.Infof("installing %s with %s", PackageName, det.NpmBin)
	installCtx, cancel := context.WithTimeout(ctx, installTimeout)
	defer cancel()
	out, err := m.opts.Run(installCtx, det.NpmBin, "install", "-g", PackageName)
	if err != nil {
		msg := strings.TrimSpace(string(out))
		if msg == "" {
			msg = err.Error()
		}
		log.Warnf("%s install failed: %v", PackageName, err)
		return &InstallResult{Success: false, Message: "npm install failed: " + lastLines(msg, 5)}, nil
	}

	after, err := m.Detect(ctx)
	if err != nil {
		return nil, err
	}
	res := &InstallResult{Success: true, Message: PackageName + " installed", Version: after.Version}
	if !after.Installed {
		res.Message = PackageName + " installed but not found on PATH; it will be run through npx"
	}
	return res, nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
