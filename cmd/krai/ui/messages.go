package ui

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
)

var noColorFlag bool

// Init applies the color setting for all subsequent output.
func Init(noColor bool) {
	noColorFlag = noColor
	if noColor {
		color.NoColor = true
	}
}

// Success prints a success message.
func Success(format string, args ...interface{}) {
	if noColorFlag {
		fmt.Printf("✓ %s\n", fmt.Sprintf(format, args...))
		return
	}
	color.New(color.FgGreen).Printf("✓ %s\n", fmt.Sprintf(format, args...))
}

// Error prints an error message to stderr.
func Error(format string, args ...interface{}) {
	if noColorFlag {
		fmt.Fprintf(os.Stderr, "✗ %s\n", fmt.Sprintf(format, args...))
		return
	}
	color.New(color.FgRed).Fprintf(os.Stderr, "✗ %s\n", fmt.Sprintf(format, args...))
}

// Warning prints a warning message.
func Warning(format string, args ...interface{}) {
	if noColorFlag {
		fmt.Printf("⚠ %s\n", fmt.Sprintf(format, args...))
		return
	}
	color.New(color.FgYellow).Printf("⚠ %s\n", fmt.Sprintf(format, args...))
}

// Step prints a step indicator message.
func Step(format string, args ...interface{}) {
	fmt.Printf("→ %s\n", fmt.Sprintf(format, args...))
}

// KeyValue prints an indented key-value pair.
func KeyValue(key, value string) {
	fmt.Printf("  %s: %s\n", key, value)
}

// Newline prints a blank line.
func Newline() {
	fmt.Println()
}

// Table displays rows in an aligned table with a header separator.
func Table(headers []string, rows [][]string) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)

	fmt.Fprintln(w, strings.Join(headers, "\t"))

	separator := make([]string, len(headers))
	for i := range separator {
		separator[i] = strings.Repeat("-", len(headers[i]))
	}
	fmt.Fprintln(w, strings.Join(separator, "\t"))

	for _, row := range rows {
		fmt.Fprintln(w, strings.Join(row, "\t"))
	}

	_ = w.Flush()
}
