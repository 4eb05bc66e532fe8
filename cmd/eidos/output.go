package main

import (
	"fmt"
	"os"
	"strings"
)

// Terminal reporting. Command results (states, quiz questions, extracted
// text) go to stdout so they pipe cleanly; progress and status lines go
// to stderr.

const (
	ansiReset  = "\033[0m"
	ansiRed    = "\033[31m"
	ansiGreen  = "\033[32m"
	ansiYellow = "\033[33m"
	ansiCyan   = "\033[36m"
	ansiBold   = "\033[1m"
)

// colorEnabled honors the --no-color flag and the NO_COLOR convention.
func colorEnabled() bool {
	return !noColor && os.Getenv("NO_COLOR") == ""
}

func colorize(color, text string) string {
	if !colorEnabled() {
		return text
	}
	return color + text + ansiReset
}

func report(color, prefix, format string, args ...any) {
	fmt.Fprintln(os.Stderr, colorize(color, prefix+fmt.Sprintf(format, args...)))
}

func printSuccess(format string, args ...any) {
	report(ansiGreen, "✓ ", format, args...)
}

func printError(format string, args ...any) {
	report(ansiRed, "✗ ", format, args...)
}

func printWarning(format string, args ...any) {
	report(ansiYellow, "⚠ ", format, args...)
}

func printStep(format string, args ...any) {
	report(ansiCyan, "→ ", format, args...)
}

func printStatus(label string, format string, args ...any) {
	val := fmt.Sprintf(format, args...)
	fmt.Fprintf(os.Stderr, "  %s %s\n", colorize(ansiBold, label+":"), val)
}

// riskBar renders a risk in [0,1] as a fixed-width bar for forecast output.
func riskBar(risk float64) string {
	const width = 20
	if risk < 0 {
		risk = 0
	}
	if risk > 1 {
		risk = 1
	}
	filled := int(risk*width + 0.5)
	return strings.Repeat("█", filled) + strings.Repeat("░", width-filled)
}
