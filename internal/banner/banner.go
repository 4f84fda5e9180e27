// Package banner renders the haggle startup banner.
package banner

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
)

const logo = `  _                       _
 | |__   __ _  __ _  __ _| | ___
 | '_ \ / _' |/ _' |/ _' | |/ _ \
 | | | | (_| | (_| | (_| | |  __/
 |_| |_|\__,_|\__, |\__, |_|\___|
              |___/ |___/`

var (
	logoStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#705090")).Bold(true)
	taglineStyle = lipgloss.NewStyle().Faint(true).PaddingLeft(1)
)

// Banner returns the banner with the version line, ending in a blank line.
func Banner(version string) string {
	tagline := taglineStyle.Render(fmt.Sprintf("negotiation dialogue generator %s", version))
	return lipgloss.JoinVertical(lipgloss.Left, logoStyle.Render(logo), tagline) + "\n\n"
}
