//go:build windows

package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/windows/svc"
	"golang.org/x/sys/windows/svc/eventlog"
	"golang.org/x/sys/windows/svc/mgr"
)

const serviceName = "copilotctl"
const serviceDisplayName = "Copilot Proxy Manager"
const serviceDescription = "Runs the local GitHub Copilot proxy and its management API"

// copilotService implements svc.Handler around a run function.
type copilotService struct {
	run func(ctx context.Context) error
}

func (s *copilotService) Execute(_ []string, r <-chan svc.ChangeRequest, changes chan<- svc.Status) (bool, uint32) {
	const cmdsAccepted = svc.AcceptStop | svc.AcceptShutdown
	changes <- svc.Status{State: svc.StartPending}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- s.run(ctx)
	}()

	changes <- svc.Status{State: svc.Running, Accepts: cmdsAccepted}
	for {
		select {
		case err := <-done:
			if err != nil {
				logEvent(true, fmt.Sprintf("service error: %v", err))
				return true, 1
			}
			return false, 0
		case c := <-r:
			switch c.Cmd {
			case svc.Stop, svc.Shutdown:
				changes <- svc.Status{State: svc.StopPending}
				cancel()
				select {
				case <-done:
				case <-time.After(15 * time.Second):
					log.Warn("service did not stop in time")
				}
				return false, 0
			case svc.Interrogate:
				changes <- c.CurrentStatus
			}
		}
	}
}

func logEvent(isError bool, msg string) {
	elog, err := eventlog.Open(serviceName)
	if err != nil {
		return
	}
	defer func() { _ = elog.Close() }()
	if isError {
		_ = elog.Error(1, msg)
	} else {
		_ = elog.Info(1, msg)
	}
}

// runService hands run to the Windows service control manager and blocks until the
// service is stopped.
func runService(run func(ctx context.Context) error) error {
	logEvent(false, fmt.Sprintf("Starting %s service", serviceName))
	if err := svc.Run(serviceName, &copilotService{run: run}); err != nil {
		logEvent(true, fmt.Sprintf("Service failed: %v", err))
		return err
	}
	logEvent(false, fmt.Sprintf("%s service stopped", serviceName))
	return nil
}

func installService(configPath string) error {
	exePath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}
	m, err := mgr.Connect()
	if err != nil {
		return fmt.Errorf("failed to connect to service manager: %w", err)
	}
	defer func() { _ = m.Disconnect() }()

	if s, errOpen := m.OpenService(serviceName); errOpen == nil {
		_ = s.Close()
		return fmt.Errorf("service %s already exists", serviceName)
	}

	args := []string{"-service"}
	if configPath != "" {
		if abs, errAbs := filepath.Abs(configPath); errAbs == nil {
			configPath = abs
		}
		args = append(args, "-config", configPath)
	}
	s, err := m.CreateService(serviceName, filepath.Clean(exePath), mgr.Config{
		DisplayName:  serviceDisplayName,
		Description:  serviceDescription,
		StartType:    mgr.StartAutomatic,
		ErrorControl: mgr.ErrorNormal,
	}, args...)
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}
	defer func() { _ = s.Close() }()

	if errRecovery := s.SetRecoveryActions([]mgr.RecoveryAction{
		{Type: mgr.ServiceRestart, Delay: 5 * time.Second},
		{Type: mgr.ServiceRestart, Delay: 30 * time.Second},
	}, 86400); errRecovery != nil {
		log.Warnf("failed to set recovery actions: %v", errRecovery)
	}
	// The source may already exist.
	_ = eventlog.InstallAsEventCreate(serviceName, eventlog.Error|eventlog.Warning|eventlog.Info)

	fmt.Printf("Service %s installed\n", serviceName)
	return nil
}

func withService(fn func(s *mgr.Service) error) error {
	m, err := mgr.Connect()
	if err != nil {
		return fmt.Errorf("failed to connect to service manager: %w", err)
	}
	defer func() { _ = m.Disconnect() }()
	s, err := m.OpenService(serviceName)
	if err != nil {
		return fmt.Errorf("service %s not found: %w", serviceName, err)
	}
	defer func() { _ = s.Close() }()
	return fn(s)
}

func uninstallService() error {
	err := withService(func(s *mgr.Service) error {
		if status, errQuery := s.Query(); errQuery == nil && status.State != svc.Stopped {
			_, _ = s.Control(svc.Stop)
			for i := 0; i < 10; i++ {
				time.Sleep(500 * time.Millisecond)
				if status, errQuery = s.Query(); errQuery != nil || status.State == svc.Stopped {
					break
				}
			}
		}
		return s.Delete()
	})
	if err != nil {
		return err
	}
	_ = eventlog.Remove(serviceName)
	fmt.Printf("Service %s uninstalled\n", serviceName)
	return nil
}

func serviceState() string {
	state := "not installed"
	_ = withService(func(s *mgr.Service) error {
		status, err := s.Query()
		if err != nil {
			state = "unknown"
			return err
		}
		switch status.State {
		case svc.Stopped:
			state = "stopped"
		case svc.StartPending:
			state = "starting"
		case svc.StopPending:
			state = "stopping"
		case svc.Running:
			state = "running"
		default:
			state = "unknown"
		}
		return nil
	})
	return state
}

// handleServiceCommand runs install, uninstall, start, stop or status. It reports false
// for an unknown command.
func handleServiceCommand(command, configPath string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(command)) {
	case "install":
		return true, installService(configPath)
	case "uninstall", "remove":
		return true, uninstallService()
	case "start":
		if err := withService(func(s *mgr.Service) error { return s.Start() }); err != nil {
			return true, err
		}
		fmt.Println("Service started")
		return true, nil
	case "stop":
		if err := withService(func(s *mgr.Service) error {
			_, errControl := s.Control(svc.Stop)
			return errControl
		}); err != nil {
			return true, err
		}
		fmt.Println("Service stopped")
		return true, nil
	case "status":
		fmt.Printf("Service status: %s\n", serviceState())
		return true, nil
	default:
		return false, nil
	}
}
