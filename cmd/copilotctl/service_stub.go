//go:build !windows

package main

import (
	"context"
	"fmt"
)

func runService(func(ctx context.Context) error) error {
	return fmt.Errorf("running as a service is only supported on Windows")
}

func handleServiceCommand(command, _ string) (bool, error) {
	return false, fmt.Errorf("service command %q is only supported on Windows", command)
}
