package tui

import "github.com/charmbracelet/lipgloss"

var (
	// Palette
	brandTeal = lipgloss.Color("#2a9d8f") // Primary accent
	brandBlue = lipgloss.Color("#6a9bcc") // Secondary accent
	brandGray = lipgloss.Color("#b0aea5") // Secondary elements

	// Mapped colors for TUI
	primaryColor = brandTeal
	accentColor  = brandBlue
	successColor = lipgloss.Color("#788c5d")
	errorColor   = lipgloss.Color("#c45c4a")
	warningColor = lipgloss.Color("#e9a03b")
	dimTextColor = brandGray

	// App frame
	appStyle = lipgloss.NewStyle().
			Padding(1, 2)

	// Logo
	logoStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(accentColor)

	// Status indicators
	statusOK = lipgloss.NewStyle().
			Foreground(successColor).
			Bold(true)

	statusFail = lipgloss.NewStyle().
			Foreground(errorColor).
			Bold(true)

	statusRunning = lipgloss.NewStyle().
			Foreground(warningColor).
			Bold(true)

	statusPending = lipgloss.NewStyle().
			Foreground(dimTextColor)

	// Help
	helpKeyStyle = lipgloss.NewStyle().
			Foreground(accentColor).
			Bold(true)

	helpDescStyle = lipgloss.NewStyle().
			Foreground(dimTextColor)

	// Misc
	subtitleStyle = lipgloss.NewStyle().
			Foreground(dimTextColor).
			Italic(true)

	errorMsgStyle = lipgloss.NewStyle().
			Foreground(errorColor).
			Bold(true)

	successMsgStyle = lipgloss.NewStyle().
			Foreground(successColor).
			Bold(true)

	// Box for empty state and the QR hint
	emptyBoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(dimTextColor).
			Foreground(dimTextColor).
			Padding(1, 4).
			Align(lipgloss.Center)

	qrBoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor).
			Padding(1, 2)

	// Divider
	dividerStyle = lipgloss.NewStyle().
			Foreground(dimTextColor)
)

// statusStyle picks the indicator style for a record or session status
func statusStyle(status string) lipgloss.Style {
	switch status {
	case "success":
		return statusOK
	case "failure", "token_expired", "error", "cancelled":
		return statusFail
	case "pending", "waiting_scan":
		return statusRunning
	default:
		return statusPending
	}
}
