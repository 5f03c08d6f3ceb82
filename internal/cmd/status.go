package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/router-for-me/copilotctl/internal/proxyproc"
	"github.com/router-for-me/copilotctl/internal/session"
	"github.com/router-for-me/copilotctl/internal/util"
)

// StatusReport is the output of ShowStatus.
type StatusReport struct {
	session.Status
	Process     proxyproc.Status    `json:"process"`
	Credentials []CredentialSummary `json:"credentials"`
}

// CredentialSummary describes a stored credential without its token.
type CredentialSummary struct {
	GitHubUser string `json:"githubUser"`
	Token      string `json:"token"`
	CreatedAt  string `json:"createdAt"`
	Active     bool   `json:"active"`
}

// BuildStatus collects the proxy status and the stored credentials.
func BuildStatus(ctx context.Context, rt *Runtime) (*StatusReport, error) {
	creds, err := rt.Session.Credentials(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}
	report := &StatusReport{
		Status:      rt.Session.CurrentStatus(ctx),
		Process:     rt.Process.Status(),
		Credentials: make([]CredentialSummary, 0, len(creds)),
	}
	active := rt.Session.ActiveUser()
	for _, cred := range creds {
		report.Credentials = append(report.Credentials, CredentialSummary{
			GitHubUser: cred.GitHubUser,
			Token:      util.MaskToken(cred.GitHubToken),
			CreatedAt:  cred.CreatedTime().UTC().Format(time.RFC3339),
			Active:     strings.EqualFold(cred.GitHubUser, active),
		})
	}
	return report, nil
}

// ShowStatus prints the proxy status and the stored credentials.
func ShowStatus(ctx context.Context, rt *Runtime, w io.Writer, jsonOutput bool) error {
	report, err := BuildStatus(ctx, rt)
	if err != nil {
		return err
	}
	if jsonOutput {
		return outputJSON(w, report)
	}

	c := paletteFor(w)
	_, _ = fmt.Fprintf(w, "\n%s%sCopilot Proxy Status%s\n", c.bold, c.cyan, c.reset)
	_, _ = fmt.Fprintf(w, "%s─────────────────────────────%s\n\n", c.dim, c.reset)

	state := c.red + "stopped" + c.reset
	if report.Running {
		state = c.green + "running" + c.reset
	}
	_, _ = fmt.Fprintf(w, "  %-15s %s\n", "Proxy:", state)
	_, _ = fmt.Fprintf(w, "  %-15s %s\n", "Endpoint:", report.Endpoint)
	_, _ = fmt.Fprintf(w, "  %-15s %s\n", "Account type:", report.AccountType)
	if report.Process.PID > 0 {
		_, _ = fmt.Fprintf(w, "  %-15s %d\n", "PID:", report.Process.PID)
	}
	if report.Process.LastError != "" {
		_, _ = fmt.Fprintf(w, "  %-15s %s%s%s\n", "Last error:", c.red, report.Process.LastError, c.reset)
	}

	auth := c.yellow + "not authenticated" + c.reset
	if report.Authenticated {
		auth = c.green + "authenticated" + c.reset
		if report.GitHubUser != "" {
			auth += " as " + report.GitHubUser
		}
		auth += fmt.Sprintf(" %s(%s token)%s", c.dim, report.TokenSource, c.reset)
	}
	_, _ = fmt.Fprintf(w, "  %-15s %s\n", "GitHub:", auth)

	if len(report.Credentials) > 0 {
		_, _ = fmt.Fprintf(w, "\n  %sStored credentials%s\n", c.bold, c.reset)
		for _, cred := range report.Credentials {
			marker := " "
			if cred.Active {
				marker = c.green + "*" + c.reset
			}
			_, _ = fmt.Fprintf(w, "  %s %-20s %s  %s%s%s\n", marker, cred.GitHubUser, cred.Token, c.dim, cred.CreatedAt, c.reset)
		}
	}
	_, _ = fmt.Fprintln(w)
	return nil
}

// DoLogout removes the stored credential of user.
func DoLogout(ctx context.Context, rt *Runtime, w io.Writer, user string) error {
	if err := rt.Session.Logout(ctx, user); err != nil {
		return fmt.Errorf("logout failed: %w", err)
	}
	_, _ = fmt.Fprintf(w, "Removed Copilot credential for %s\n", strings.TrimSpace(user))
	if next := rt.Session.ActiveUser(); next != "" {
		_, _ = fmt.Fprintf(w, "Active user is now %s\n", next)
	}
	return nil
}
