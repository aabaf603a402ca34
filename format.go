package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/tonimelisma/sailsync/internal/state"
	"github.com/tonimelisma/sailsync/internal/sync"
)

// shortIDLen is the number of characters shown for IDs in table output.
const shortIDLen = 8

// statusf prints a status message to stderr unless quiet mode is set.
func statusf(quiet bool, format string, args ...any) {
	if !quiet {
		fmt.Fprintf(os.Stderr, format, args...)
	}
}

// Statusf prints a status message to stderr unless quiet mode is set.
func (cc *CLIContext) Statusf(format string, args ...any) {
	statusf(cc.Flags.Quiet, format, args...)
}

// formatTime returns a compact timestamp for display.
func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}

	now := time.Now()

	// Same calendar year: show "Jan  2 15:04"
	if t.Year() == now.Year() {
		return t.Local().Format("Jan _2 15:04")
	}

	return t.Local().Format("Jan _2  2006")
}

func shortID(id string) string {
	if len(id) > shortIDLen {
		return id[:shortIDLen]
	}

	return id
}

// printTable writes aligned columns to the given writer.
// headers and each row must have the same length.
func printTable(w io.Writer, headers []string, rows [][]string) {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = lipgloss.Width(h)
	}

	for _, row := range rows {
		for i, cell := range row {
			widths[i] = max(widths[i], lipgloss.Width(cell))
		}
	}

	printRow(w, headers, widths)

	for _, row := range rows {
		printRow(w, row, widths)
	}
}

// printRow writes a single padded row. Padding uses display width so styled
// and wide cells stay aligned.
func printRow(w io.Writer, cells []string, widths []int) {
	parts := make([]string, len(cells))
	for i, cell := range cells {
		parts[i] = cell + strings.Repeat(" ", widths[i]-lipgloss.Width(cell))
	}

	fmt.Fprintln(w, strings.TrimRight(strings.Join(parts, "  "), " "))
}

// printJSON writes v as indented JSON.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encoding JSON output: %w", err)
	}

	return nil
}

// Status indicator styles. lipgloss drops colors when stdout is not a
// terminal.
var (
	styleSynced   = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	stylePending  = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	styleConflict = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
	styleHeading  = lipgloss.NewStyle().Bold(true)
)

// overallIndicator renders the aggregate sync state.
func overallIndicator(o sync.Overall) string {
	switch o {
	case sync.OverallConflict:
		return styleConflict.Render("● conflict")
	case sync.OverallPending:
		return stylePending.Render("● pending")
	default:
		return styleSynced.Render("● synced")
	}
}

// recordStatus renders one record status.
func recordStatus(s state.Status) string {
	switch s {
	case state.StatusConflict:
		return styleConflict.Render(string(s))
	case state.StatusSynced:
		return styleSynced.Render(string(s))
	default:
		return stylePending.Render(string(s))
	}
}
