package output

import (
	"github.com/fatih/color"
)

// ColorScheme defines the colors used for the different parts of the output
type ColorScheme struct {
	Title   *color.Color
	Rule    *color.Color
	Label   *color.Color
	Value   *color.Color
	Success *color.Color
	Warn    *color.Color
	Error   *color.Color
	Dim     *color.Color
}

// DefaultColorScheme returns the default color scheme
func DefaultColorScheme() *ColorScheme {
	return &ColorScheme{
		Title:   color.New(color.Bold),
		Rule:    color.New(color.FgCyan),
		Label:   color.New(color.FgBlue),
		Value:   color.New(color.FgCyan),
		Success: color.New(color.FgGreen),
		Warn:    color.New(color.FgYellow),
		Error:   color.New(color.FgRed),
		Dim:     color.New(color.Faint),
	}
}

// setEnabled forces every color on or off regardless of the global
// color.NoColor detection.
func (s *ColorScheme) setEnabled(enabled bool) {
	for _, c := range []*color.Color{s.Title, s.Rule, s.Label, s.Value, s.Success, s.Warn, s.Error, s.Dim} {
		if enabled {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
}

// failureColor picks a color for a failure ratio between 0 and 1.
func (s *ColorScheme) failureColor(ratio float64) *color.Color {
	switch {
	case ratio > 0.05:
		return s.Error
	case ratio > 0.01:
		return s.Warn
	default:
		return s.Success
	}
}
