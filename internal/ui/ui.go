// Package ui renders terminal output for the loom CLI.
//
// Colors are dropped automatically when the output is not a terminal or
// NO_COLOR is set.
package ui

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

var (
	accentColor = lipgloss.AdaptiveColor{Light: "#5B21B6", Dark: "#A78BFA"}
	passColor   = lipgloss.AdaptiveColor{Light: "#047857", Dark: "#34D399"}
	warnColor   = lipgloss.AdaptiveColor{Light: "#B45309", Dark: "#FBBF24"}
	failColor   = lipgloss.AdaptiveColor{Light: "#B91C1C", Dark: "#F87171"}
	mutedColor  = lipgloss.AdaptiveColor{Light: "#6B7280", Dark: "#9CA3AF"}
)

var (
	mu       sync.RWMutex
	renderer = newRenderer(os.Stdout)
)

func newRenderer(w io.Writer) *lipgloss.Renderer {
	r := lipgloss.NewRenderer(w)
	if termenv.EnvNoColor() {
		r.SetColorProfile(termenv.Ascii)
	}
	return r
}

// SetOutput points rendering at w. Color support is detected from w.
func SetOutput(w io.Writer) {
	r := newRenderer(w)
	mu.Lock()
	renderer = r
	mu.Unlock()
}

// SetProfile forces a color profile, e.g. termenv.Ascii for plain output.
func SetProfile(p termenv.Profile) {
	mu.RLock()
	defer mu.RUnlock()
	renderer.SetColorProfile(p)
}

func style() lipgloss.Style {
	mu.RLock()
	defer mu.RUnlock()
	return renderer.NewStyle()
}

// RenderAccent highlights headings and progress markers.
func RenderAccent(s string) string {
	return style().Foreground(accentColor).Bold(true).Render(s)
}

// RenderPass marks success.
func RenderPass(s string) string {
	return style().Foreground(passColor).Render(s)
}

// RenderWarn marks something that needs attention but did not fail.
func RenderWarn(s string) string {
	return style().Foreground(warnColor).Render(s)
}

// RenderFail marks errors.
func RenderFail(s string) string {
	return style().Foreground(failColor).Bold(true).Render(s)
}

// RenderMuted de-emphasizes secondary detail.
func RenderMuted(s string) string {
	return style().Foreground(mutedColor).Render(s)
}

// Table writes rows as left-aligned columns under a bold header.
func Table(w io.Writer, headers []string, rows [][]string) error {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range rows {
		for i := 0; i < len(row) && i < len(widths); i++ {
			if n := lipgloss.Width(row[i]); n > widths[i] {
				widths[i] = n
			}
		}
	}

	bold := style().Bold(true)
	line := func(cells []string, render func(string) string) error {
		var b strings.Builder
		for i := range widths {
			cell := ""
			if i < len(cells) {
				cell = cells[i]
			}
			pad := widths[i] - lipgloss.Width(cell)
			b.WriteString(render(cell))
			if i < len(widths)-1 {
				b.WriteString(strings.Repeat(" ", pad+2))
			}
		}
		_, err := fmt.Fprintln(w, strings.TrimRight(b.String(), " "))
		return err
	}

	if err := line(headers, func(s string) string { return bold.Render(s) }); err != nil {
		return err
	}
	for _, row := range rows {
		if err := line(row, func(s string) string { return s }); err != nil {
			return err
		}
	}
	return nil
}
