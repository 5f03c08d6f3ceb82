package proxyproc

import (
	"strconv"
	"strings"

	"github.com/router-for-me/copilotctl/internal/config"
)

// PackageName is the npm package that implements the Copilot proxy.
const PackageName = "copilot-api"

// BuildArgs returns the copilot-api arguments for cfg and token. The rate-limit policy is
// passed through unchanged.
func BuildArgs(cfg config.CopilotConfig, token string) []string {
	args := []string{
		"start",
		"--port", strconv.Itoa(cfg.Port),
		"--account-type", cfg.AccountType,
	}
	if token != "" {
		args = append(args, "--github-token", token)
	}
	if cfg.RateLimit != nil {
		args = append(args, "--rate-limit", strconv.Itoa(*cfg.RateLimit))
	}
	if cfg.RateLimitWait {
		args = append(args, "--wait")
	}
	return args
}

// launcher picks how to run copilot-api: the installed binary first, then bunx, then npx.
// ok is false when none is available.
func launcher(det *Detection) (name string, prefix []string, ok bool) {
	switch {
	case det == nil:
		return "", nil, false
	case det.CopilotBin != "":
		return det.CopilotBin, nil, true
	case det.BunxBin != "":
		return det.BunxBin, []string{PackageName + "@latest"}, true
	case det.NpxBin != "":
		return det.NpxBin, []string{"-y", PackageName + "@latest"}, true
	default:
		return "", nil, false
	}
}

// redactArgs renders args for logs with the token value masked.
func redactArgs(name string, args []string) string {
	out := make([]string, 0, len(args)+1)
	out = append(out, name)
	for i := 0; i < len(args); i++ {
		out = append(out, args[i])
		if args[i] == "--github-token" && i+1 < len(args) {
			out = append(out, "[REDACTED]")
			i++
		}
	}
	return strings.Join(out, " ")
}
