// Package theme defines the terminal colour scheme shared by the styled
// logger and the startup banner.
package theme

import (
	"github.com/pterm/pterm"
)

// Theme defines the colour scheme and styling for the application.
type Theme struct {
	Debug *pterm.Style
	Info  *pterm.Style
	Warn  *pterm.Style
	Error *pterm.Style

	Muted *pterm.Style
	Host  *pterm.Style // used to highlight upstream hostnames in log lines
}

// Default returns the default application theme.
func Default() *Theme {
	return &Theme{
		Debug: pterm.NewStyle(pterm.FgLightBlue),
		Info:  pterm.NewStyle(pterm.FgGreen),
		Warn:  pterm.NewStyle(pterm.FgYellow, pterm.Bold),
		Error: pterm.NewStyle(pterm.FgRed, pterm.Bold),
		Muted: pterm.NewStyle(pterm.FgGray),
		Host:  pterm.NewStyle(pterm.FgCyan, pterm.Bold),
	}
}

// Dark returns a higher-contrast theme variant for dark terminal profiles.
func Dark() *Theme {
	return &Theme{
		Debug: pterm.NewStyle(pterm.FgLightBlue),
		Info:  pterm.NewStyle(pterm.FgLightGreen),
		Warn:  pterm.NewStyle(pterm.FgLightYellow, pterm.Bold),
		Error: pterm.NewStyle(pterm.FgLightRed, pterm.Bold),
		Muted: pterm.NewStyle(pterm.FgGray),
		Host:  pterm.NewStyle(pterm.FgLightCyan, pterm.Bold),
	}
}

// GetTheme returns the named theme, defaulting when name is unrecognised.
func GetTheme(name string) *Theme {
	switch name {
	case "dark":
		return Dark()
	default:
		return Default()
	}
}

// ColourSplash colours the splash/banner text.
func ColourSplash(message ...any) string {
	return pterm.LightGreen(message...)
}

// StyleURL colours URLs and hyperlinks.
func StyleURL(message ...any) string {
	return pterm.LightBlue(message...)
}

const ansiReset = "\x1b[0m"

// Hyperlink creates a clickable terminal hyperlink escape sequence.
func Hyperlink(uri string, text string) string {
	return "\x1b]8;;" + uri + "\x07" + text + "\x1b]8;;\x07" + ansiReset
}
