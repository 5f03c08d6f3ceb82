// Package cmd provides CLI command implementations for copilotctl.
package cmd

import (
	"encoding/json"
	"io"
	"os"

	"golang.org/x/term"
)

// ANSI color codes for terminal output
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorBlue   = "\033[34m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
	colorDim    = "\033[2m"
)

// palette holds the color codes for one writer. Plain writers get empty strings.
type palette struct {
	reset, red, green, yellow, blue, cyan, bold, dim string
}

func paletteFor(w io.Writer) palette {
	if !isTerminal(w) {
		return palette{}
	}
	return palette{
		reset: colorReset, red: colorRed, green: colorGreen, yellow: colorYellow,
		blue: colorBlue, cyan: colorCyan, bold: colorBold, dim: colorDim,
	}
}

// isTerminal reports whether w is an interactive terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}

// outputJSON writes data as indented JSON
func outputJSON(w io.Writer, data any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(data)
}
