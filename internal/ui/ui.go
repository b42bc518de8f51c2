// Package ui renders terminal output for the chatcache CLI.
//
// Colors are dropped when the output is not a terminal or NO_COLOR is set.
package ui

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"
)

const (
	colorAccent = "#7AA2F7"
	colorPass   = "#9ECE6A"
	colorWarn   = "#E0AF68"
	colorFail   = "#F7768E"
	colorMuted  = "#737AA2"
)

type styles struct {
	accent lipgloss.Style
	pass   lipgloss.Style
	warn   lipgloss.Style
	fail   lipgloss.Style
	muted  lipgloss.Style
	label  lipgloss.Style
}

var (
	mu      sync.RWMutex
	current = newStyles(os.Stdout)
)

// SetOutput re-detects color support for w. Writers that are not terminal
// files get plain text.
func SetOutput(w io.Writer) {
	s := newStyles(w)
	mu.Lock()
	current = s
	mu.Unlock()
}

func newStyles(w io.Writer) styles {
	r := lipgloss.NewRenderer(w)
	if !IsTerminal(w) || os.Getenv("NO_COLOR") != "" {
		r.SetColorProfile(termenv.Ascii)
	}
	return styles{
		accent: r.NewStyle().Foreground(lipgloss.Color(colorAccent)).Bold(true),
		pass:   r.NewStyle().Foreground(lipgloss.Color(colorPass)).Bold(true),
		warn:   r.NewStyle().Foreground(lipgloss.Color(colorWarn)),
		fail:   r.NewStyle().Foreground(lipgloss.Color(colorFail)).Bold(true),
		muted:  r.NewStyle().Foreground(lipgloss.Color(colorMuted)),
		label:  r.NewStyle().Bold(true).Width(14),
	}
}

func get() styles {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

// IsTerminal reports whether w is a terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// RenderAccent renders headings and icons.
func RenderAccent(s string) string { return get().accent.Render(s) }

// RenderPass renders success markers.
func RenderPass(s string) string { return get().pass.Render(s) }

// RenderWarn renders warnings.
func RenderWarn(s string) string { return get().warn.Render(s) }

// RenderFail renders errors.
func RenderFail(s string) string { return get().fail.Render(s) }

// RenderMuted renders secondary detail.
func RenderMuted(s string) string { return get().muted.Render(s) }

// KeyValue renders a padded label followed by a value.
func KeyValue(label string, value any) string {
	return get().label.Render(label+":") + " " + fmt.Sprint(value)
}

// FormatSize formats a byte count for humans.
func FormatSize(size int64) string {
	switch {
	case size > 1024*1024:
		return fmt.Sprintf("%.1f MB", float64(size)/(1024*1024))
	case size > 1024:
		return fmt.Sprintf("%.1f KB", float64(size)/1024)
	default:
		return fmt.Sprintf("%d bytes", size)
	}
}
