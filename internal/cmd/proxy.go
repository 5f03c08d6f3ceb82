package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"
)

// StartProxy starts the Copilot proxy in the background and reports where it listens.
func StartProxy(ctx context.Context, rt *Runtime, w io.Writer) error {
	if err := rt.Session.StartProxy(ctx); err != nil {
		return fmt.Errorf("failed to start copilot proxy: %w", err)
	}
	st := rt.Session.CurrentStatus(ctx)
	_, _ = fmt.Fprintf(w, "Copilot proxy running at %s\n", st.Endpoint)
	_, _ = fmt.Fprintf(w, "Logs: %s\n", rt.Process.LogFile())
	return nil
}

// StopProxy stops the Copilot proxy. Stopping a stopped proxy succeeds.
func StopProxy(ctx context.Context, rt *Runtime, w io.Writer) error {
	if err := rt.Session.StopProxy(ctx); err != nil {
		return fmt.Errorf("failed to stop copilot proxy: %w", err)
	}
	_, _ = fmt.Fprintln(w, "Copilot proxy stopped")
	return nil
}

// DetectProxy reports which copilot-api tooling is installed.
func DetectProxy(ctx context.Context, rt *Runtime, w io.Writer, jsonOutput bool) error {
	det, err := rt.Session.Detect(ctx)
	if err != nil {
		return fmt.Errorf("detection failed: %w", err)
	}
	if jsonOutput {
		return outputJSON(w, det)
	}

	c := paletteFor(w)
	found := func(label, path, extra string) {
		if path == "" {
			_, _ = fmt.Fprintf(w, "  %-12s %snot found%s\n", label, c.yellow, c.reset)
			return
		}
		if extra != "" {
			path += " (" + extra + ")"
		}
		_, _ = fmt.Fprintf(w, "  %-12s %s\n", label, path)
	}
	found("copilot-api", det.CopilotBin, det.Version)
	found("node", det.NodeBin, det.NodeVersion)
	found("npm", det.NpmBin, "")
	found("npx", det.NpxBin, "")
	found("bunx", det.BunxBin, "")

	if !det.Installed {
		_, _ = fmt.Fprintf(w, "\n%scopilot-api is not installed.%s Run with -install to install it.\n", c.yellow, c.reset)
	}
	return nil
}

// InstallProxy installs copilot-api with npm.
func InstallProxy(ctx context.Context, rt *Runtime, w io.Writer, jsonOutput bool) error {
	res, err := rt.Session.Install(ctx)
	if err != nil {
		return fmt.Errorf("install failed: %w", err)
	}
	if jsonOutput {
		return outputJSON(w, res)
	}
	c := paletteFor(w)
	if !res.Success {
		_, _ = fmt.Fprintf(w, "%s✗ %s%s\n", c.red, strings.TrimSpace(res.Message), c.reset)
		return fmt.Errorf("install failed")
	}
	_, _ = fmt.Fprintf(w, "%s✓ %s%s\n", c.green, res.Message, c.reset)
	return nil
}

// WaitProxy blocks until ctx is cancelled or the proxy exits, then stops it.
func WaitProxy(ctx context.Context, rt *Runtime, w io.Writer) error {
	tick := time.NewTicker(time.Second)
	defer tick.Stop()
	for rt.Process.IsRunning() {
		select {
		case <-ctx.Done():
			stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return StopProxy(stopCtx, rt, w)
		case <-tick.C:
		}
	}
	if last := rt.Process.Status().LastError; last != "" {
		return fmt.Errorf("copilot proxy exited: %s", last)
	}
	_, _ = fmt.Fprintln(w, "Copilot proxy exited")
	return nil
}
