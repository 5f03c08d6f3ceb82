// Package main provides the entry point for copilotctl, which manages a local GitHub
// Copilot proxy: device flow login, stored credentials, the copilot-api process and the
// management API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/router-for-me/copilotctl/internal/cmd"
	"github.com/router-for-me/copilotctl/internal/config"
	"github.com/router-for-me/copilotctl/internal/logging"
	log "github.com/sirupsen/logrus"
)

var (
	Version           = "dev"
	Commit            = "none"
	BuildDate         = "unknown"
	DefaultConfigPath = ""
)

// init initializes the shared logger setup.
func init() {
	logging.SetupBaseLogger()
}

func main() {
	var configPath string
	var login bool
	var account string
	var noBrowser bool
	var logout string
	var showStatus bool
	var jsonOutput bool
	var startProxy bool
	var stopProxy bool
	var detect bool
	var install bool
	var showLogs bool
	var logLines int
	var quietMode bool
	var verboseMode bool
	var showVersion bool

	// Windows service flags
	var runAsService bool
	var serviceCmd string

	flag.StringVar(&configPath, "config", DefaultConfigPath, "Configure File Path")
	flag.BoolVar(&login, "login", false, "Log in to GitHub Copilot with the device flow")
	flag.StringVar(&account, "account", "", "Account key for -login (default: default)")
	flag.BoolVar(&noBrowser, "no-browser", false, "Don't open browser automatically for the device flow")
	flag.StringVar(&logout, "logout", "", "Remove the stored credential of a GitHub user and exit")
	flag.BoolVar(&showStatus, "status", false, "Show Copilot proxy status and exit")
	flag.BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	flag.BoolVar(&startProxy, "start", false, "Run the Copilot proxy until interrupted")
	flag.BoolVar(&stopProxy, "stop", false, "Stop a running Copilot proxy and exit")
	flag.BoolVar(&detect, "detect", false, "Detect installed copilot-api tooling and exit")
	flag.BoolVar(&install, "install", false, "Install copilot-api with npm and exit")
	flag.BoolVar(&showLogs, "logs", false, "View recent proxy logs and exit")
	flag.IntVar(&logLines, "n", cmd.DefaultLogLines, "Number of log lines to show (used with -logs)")
	flag.BoolVar(&quietMode, "quiet", false, "Run in quiet mode (overrides --verbose)")
	flag.BoolVar(&verboseMode, "verbose", false, "Run in verbose mode")
	flag.BoolVar(&showVersion, "version", false, "Show copilotctl version and exit")
	flag.BoolVar(&runAsService, "service", false, "Run as Windows service (internal)")
	flag.StringVar(&serviceCmd, "service-cmd", "", "Service command: install, uninstall, start, stop, status")

	flag.Parse()

	if showVersion {
		fmt.Printf("copilotctl Version: %s, Commit: %s, BuiltAt: %s\n", Version, Commit, BuildDate)
		return
	}

	wd, err := os.Getwd()
	if err != nil {
		log.Errorf("failed to get working directory: %v", err)
		os.Exit(1)
	}

	// Load environment variables from .env if present.
	if errLoad := godotenv.Load(filepath.Join(wd, ".env")); errLoad != nil {
		if !errors.Is(errLoad, os.ErrNotExist) {
			log.WithError(errLoad).Warn("failed to load .env file")
		}
	}

	if configPath == "" {
		configPath = filepath.Join(wd, "config.yaml")
	}

	// Service commands only talk to the service manager.
	if serviceCmd != "" {
		handled, errSvc := handleServiceCommand(serviceCmd, configPath)
		if errSvc != nil {
			log.Errorf("service command failed: %v", errSvc)
			os.Exit(1)
		}
		if !handled {
			log.Errorf("unknown service command %q", serviceCmd)
			os.Exit(1)
		}
		return
	}
	cfg, err := config.LoadConfigOptional(configPath, true)
	if err != nil {
		log.Errorf("failed to load config: %v", err)
		os.Exit(1)
	}
	applyEnvOverrides(cfg)
	if _, errValidate := config.ValidateConfig(cfg); errValidate != nil {
		log.Errorf("invalid configuration: %v", errValidate)
		os.Exit(1)
	}

	if err = logging.ConfigureLogOutput(cfg); err != nil {
		log.Errorf("failed to configure log output: %v", err)
		os.Exit(1)
	}
	defer logging.CloseLogOutput()

	// CLI flags override config-based log level
	if quietMode {
		logging.SetLogLevel("quiet")
	} else if verboseMode {
		logging.SetLogLevel("verbose")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := cmd.NewRuntime(ctx, cfg, configPath)
	if err != nil {
		log.Errorf("failed to initialize: %v", err)
		os.Exit(1)
	}

	var errRun error
	if runAsService {
		errRun = runService(func(svcCtx context.Context) error {
			return cmd.Serve(svcCtx, rt)
		})
	} else {
		errRun = run(ctx, rt, runFlags{
			login:      login,
			account:    account,
			noBrowser:  noBrowser,
			logout:     logout,
			showStatus: showStatus,
			jsonOutput: jsonOutput,
			startProxy: startProxy,
			stopProxy:  stopProxy,
			detect:     detect,
			install:    install,
			showLogs:   showLogs,
			logLines:   logLines,
		})
	}
	if errRun != nil {
		log.Error(errRun)
		_ = rt.Close()
		logging.CloseLogOutput()
		os.Exit(1)
	}
	_ = rt.Close()
}

type runFlags struct {
	login      bool
	account    string
	noBrowser  bool
	logout     string
	showStatus bool
	jsonOutput bool
	startProxy bool
	stopProxy  bool
	detect     bool
	install    bool
	showLogs   bool
	logLines   int
}

// run dispatches to the selected command. Without a command flag the management API is
// served until ctx is cancelled.
func run(ctx context.Context, rt *cmd.Runtime, f runFlags) error {
	out := os.Stdout
	if f.login {
		return cmd.DoCopilotLogin(ctx, rt, &cmd.LoginOptions{
			Account:   f.account,
			NoBrowser: f.noBrowser,
			Out:       out,
		})
	} else if f.logout != "" {
		return cmd.DoLogout(ctx, rt, out, f.logout)
	} else if f.showStatus {
		return cmd.ShowStatus(ctx, rt, out, f.jsonOutput)
	} else if f.startProxy {
		if err := cmd.StartProxy(ctx, rt, out); err != nil {
			return err
		}
		return cmd.WaitProxy(ctx, rt, out)
	} else if f.stopProxy {
		return cmd.StopProxy(ctx, rt, out)
	} else if f.detect {
		return cmd.DetectProxy(ctx, rt, out, f.jsonOutput)
	} else if f.install {
		return cmd.InstallProxy(ctx, rt, out, f.jsonOutput)
	} else if f.showLogs {
		return cmd.ShowLogs(rt, out, f.logLines)
	}
	return cmd.Serve(ctx, rt)
}

// applyEnvOverrides lets the environment select the store, the credential directory and
// the management port without editing the config file.
func applyEnvOverrides(cfg *config.Config) {
	lookupEnv := func(keys ...string) (string, bool) {
		for _, key := range keys {
			if value, ok := os.LookupEnv(key); ok {
				if trimmed := strings.TrimSpace(value); trimmed != "" {
					return trimmed, true
				}
			}
		}
		return "", false
	}
	if value, ok := lookupEnv("PGSTORE_DSN", "pgstore_dsn"); ok {
		cfg.Store.Type = config.StoreTypePostgres
		cfg.Store.DSN = value
	}
	if value, ok := lookupEnv("COPILOTCTL_STORE_TYPE", "copilotctl_store_type"); ok {
		cfg.Store.Type = value
	}
	if value, ok := lookupEnv("COPILOTCTL_STORE_DSN", "copilotctl_store_dsn"); ok {
		cfg.Store.DSN = value
	}
	if value, ok := lookupEnv("COPILOTCTL_AUTH_DIR", "copilotctl_auth_dir"); ok {
		cfg.AuthDir = value
	}
	if value, ok := lookupEnv("COPILOTCTL_PORT", "copilotctl_port"); ok {
		if port, err := strconv.Atoi(value); err == nil {
			cfg.Port = port
		} else {
			log.Warnf("ignoring invalid COPILOTCTL_PORT %q", value)
		}
	}
}
