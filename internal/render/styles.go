package render

import "github.com/charmbracelet/lipgloss"

// Brand colors, dawn to night.
var (
	PrimaryColor   = lipgloss.Color("#FF6B6B") // Warm coral
	SecondaryColor = lipgloss.Color("#4ECDC4") // Teal
	AccentColor    = lipgloss.Color("#95E1D3") // Mint

	TextColor  = lipgloss.Color("#EAEAEA")
	MutedColor = lipgloss.Color("#94A3B8")

	UnreadColor = lipgloss.Color("#FFE66D")
	ReadColor   = lipgloss.Color("#64748B")
	ErrorColor  = lipgloss.Color("#EF4444")
)

var (
	FolderStyle = lipgloss.NewStyle().
			Foreground(SecondaryColor).
			Bold(true)

	FeedStyle = lipgloss.NewStyle().
			Foreground(TextColor)

	UnreadStyle = lipgloss.NewStyle().
			Foreground(UnreadColor).
			Bold(true)

	ReadStyle = lipgloss.NewStyle().
			Foreground(ReadColor)

	ErrorStyle = lipgloss.NewStyle().
			Foreground(ErrorColor)

	BranchStyle = lipgloss.NewStyle().
			Foreground(MutedColor)

	IDStyle = lipgloss.NewStyle().
		Foreground(MutedColor).
		Faint(true)

	HeaderStyle = lipgloss.NewStyle().
			Foreground(PrimaryColor).
			Bold(true)
)

// truncateEnd shortens s to at most limit runes, ending in an ellipsis
// when something was cut.
func truncateEnd(s string, limit int) string {
	if limit <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	if limit <= 1 {
		return "…"
	}
	return string(r[:limit-1]) + "…"
}
