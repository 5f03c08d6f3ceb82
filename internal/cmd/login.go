package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/pkg/browser"
	"github.com/router-for-me/copilotctl/internal/session"
	log "github.com/sirupsen/logrus"
)

// LoginOptions contains options for the Copilot login flow.
type LoginOptions struct {
	// Account is the flow key. Empty selects the default account.
	Account string
	// NoBrowser prevents opening the verification page automatically.
	NoBrowser bool
	// Out receives the instructions. Defaults to os.Stdout.
	Out io.Writer
	// OpenURL opens the verification page. Defaults to browser.OpenURL.
	OpenURL func(url string) error
}

var ticketBox = lipgloss.NewStyle().
	Border(lipgloss.RoundedBorder()).
	BorderForeground(lipgloss.Color("63")).
	Padding(1, 3)

var ticketCode = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))

var ticketDim = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))

// DoCopilotLogin runs the GitHub device flow and stores the resulting credential.
// It blocks until the flow ends or ctx is cancelled.
func DoCopilotLogin(ctx context.Context, rt *Runtime, options *LoginOptions) error {
	if options == nil {
		options = &LoginOptions{}
	}
	out := options.Out
	if out == nil {
		out = os.Stdout
	}
	openURL := options.OpenURL
	if openURL == nil {
		openURL = browser.OpenURL
	}
	styled := isTerminal(out)

	cred, err := rt.Session.Login(ctx, options.Account, func(t *session.LoginTicket) {
		_, _ = fmt.Fprintln(out, renderTicket(t, styled))
		if options.NoBrowser {
			return
		}
		if errOpen := openURL(t.VerificationURI); errOpen != nil {
			log.Warnf("failed to open browser: %v", errOpen)
		}
	})
	if err != nil {
		return fmt.Errorf("copilot authentication failed: %w", err)
	}

	_, _ = fmt.Fprintf(out, "Copilot authentication successful for %s\n", cred.GitHubUser)
	return nil
}

// renderTicket formats the user code and verification page. Terminals get a framed box.
func renderTicket(t *session.LoginTicket, styled bool) string {
	expires := time.Unix(t.ExpiresAt, 0).Local().Format("15:04:05")
	if !styled {
		return fmt.Sprintf("Open %s and enter the code %s\nThe code expires at %s.",
			t.VerificationURI, t.UserCode, expires)
	}
	body := strings.Join([]string{
		"Open " + t.VerificationURI,
		"and enter the code",
		"",
		ticketCode.Render(t.UserCode),
		"",
		ticketDim.Render("Account type: " + t.AccountType + ", expires at " + expires),
	}, "\n")
	return ticketBox.Render(body)
}
