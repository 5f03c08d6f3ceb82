package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// DefaultLogLines is the default number of log lines to show
const DefaultLogLines = 50

// ShowLogs prints the last n lines of the copilot-api process log.
func ShowLogs(rt *Runtime, w io.Writer, n int) error {
	if n <= 0 {
		n = DefaultLogLines
	}
	path := rt.Process.LogFile()
	lines, err := tailLines(path, n)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			c := paletteFor(w)
			_, _ = fmt.Fprintf(w, "%sNo proxy log yet%s\n", c.yellow, c.reset)
			_, _ = fmt.Fprintf(w, "%sThe log is written to %s once the proxy starts.%s\n", c.dim, path, c.reset)
			return nil
		}
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	for _, line := range lines {
		_, _ = fmt.Fprintln(w, formatLogLine(line, paletteFor(w)))
	}
	return nil
}

// tailLines returns the last n lines of the file at path.
func tailLines(path string, n int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	ring := make([]string, 0, n)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		if len(ring) == n {
			ring = ring[1:]
		}
		ring = append(ring, sc.Text())
	}
	return ring, sc.Err()
}

func formatLogLine(line string, c palette) string {
	lower := strings.ToLower(line)
	switch {
	case strings.Contains(lower, "error"):
		return c.red + line + c.reset
	case strings.Contains(lower, "warn"):
		return c.yellow + line + c.reset
	default:
		return line
	}
}
