package ui

import "github.com/charmbracelet/lipgloss"

// Palette, ANSI 256 codes. One teal accent with status colors.
const (
	ColorAccent    = "37"  // primary accent
	ColorAccentDim = "30"  // inactive stages, borders
	ColorWhite     = "255" // headers
	ColorGray      = "245" // labels
	ColorDarkGray  = "238" // separators
	ColorGreen     = "78"  // healthy
	ColorRed       = "196" // errors, unhealthy
	ColorYellow    = "220" // warnings, degraded
)

// Styles holds every style used by the renderers.
type Styles struct {
	Header   lipgloss.Style
	Success  lipgloss.Style
	Warning  lipgloss.Style
	Error    lipgloss.Style
	Dim      lipgloss.Style
	Stage    lipgloss.Style
	Active   lipgloss.Style
	Progress lipgloss.Style

	Panel     lipgloss.Style
	Sparkline lipgloss.Style
	Label     lipgloss.Style
	Value     lipgloss.Style
	Highlight lipgloss.Style
}

// DefaultStyles returns the colored styles.
func DefaultStyles() Styles {
	return Styles{
		Header:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color(ColorAccent)),
		Success:  lipgloss.NewStyle().Foreground(lipgloss.Color(ColorGreen)),
		Warning:  lipgloss.NewStyle().Foreground(lipgloss.Color(ColorYellow)),
		Error:    lipgloss.NewStyle().Foreground(lipgloss.Color(ColorRed)),
		Dim:      lipgloss.NewStyle().Foreground(lipgloss.Color(ColorDarkGray)),
		Stage:    lipgloss.NewStyle().Foreground(lipgloss.Color(ColorAccentDim)),
		Active:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color(ColorAccent)),
		Progress: lipgloss.NewStyle().Foreground(lipgloss.Color(ColorAccent)),

		Panel: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color(ColorDarkGray)).
			Padding(0, 1),
		Sparkline: lipgloss.NewStyle().Foreground(lipgloss.Color(ColorAccent)),
		Label:     lipgloss.NewStyle().Foreground(lipgloss.Color(ColorGray)),
		Value:     lipgloss.NewStyle().Foreground(lipgloss.Color(ColorWhite)),
		Highlight: lipgloss.NewStyle().Bold(true).Underline(true),
	}
}

// NoColorStyles returns unstyled components for plain output.
func NoColorStyles() Styles {
	plain := lipgloss.NewStyle()
	return Styles{
		Header:    plain,
		Success:   plain,
		Warning:   plain,
		Error:     plain,
		Dim:       plain,
		Stage:     plain,
		Active:    plain,
		Progress:  plain,
		Panel:     plain,
		Sparkline: plain,
		Label:     plain,
		Value:     plain,
		Highlight: plain,
	}
}

// GetStyles picks the styles for the color mode.
func GetStyles(noColor bool) Styles {
	if noColor {
		return NoColorStyles()
	}
	return DefaultStyles()
}

// StatusStyle returns the style for a health status string.
func (s Styles) StatusStyle(status string) lipgloss.Style {
	switch status {
	case "healthy":
		return s.Success
	case "degraded":
		return s.Warning
	default:
		return s.Error
	}
}
