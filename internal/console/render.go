package console

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/postalsys/onionmesh/internal/circuit"
	"github.com/postalsys/onionmesh/internal/logging"
	"github.com/postalsys/onionmesh/internal/protocol"
)

var (
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	okStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42"))
	warnStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("214"))
	errStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
)

// FormatCircuit renders a circuit snapshot for humans.
func FormatCircuit(s circuit.Snapshot) string {
	var b strings.Builder

	fmt.Fprintf(&b, "%s %s\n", labelStyle.Render("Circuit:  "), stateStyle(s.State).Render(s.State))
	if s.ID != "" {
		fmt.Fprintf(&b, "%s %s\n", labelStyle.Render("ID:       "), s.ID)
	}
	fmt.Fprintf(&b, "%s %d/%d\n", labelStyle.Render("Hops:     "), s.CurrentHop, s.Length)
	if s.Attempt > 1 {
		fmt.Fprintf(&b, "%s %s\n", labelStyle.Render("Attempt:  "), humanize.Ordinal(s.Attempt))
	}
	if !s.StartedAt.IsZero() {
		fmt.Fprintf(&b, "%s %s\n", labelStyle.Render("Started:  "), humanize.Time(s.StartedAt))
	}
	if s.Reason != "" {
		fmt.Fprintf(&b, "%s %s\n", labelStyle.Render("Reason:   "), s.Reason)
	}
	for i, p := range s.Path {
		marker := " "
		if i < s.CurrentHop {
			marker = okStyle.Render("✓")
		}
		fmt.Fprintf(&b, "  %s hop %d  %s  %s\n", marker, i, logging.ShortKey(p.PublicKey), p.Address())
	}
	return b.String()
}

// FormatPeers renders connected and known peers.
func FormatPeers(connected, known []protocol.PeerInfo) string {
	var b strings.Builder

	fmt.Fprintln(&b, titleStyle.Render(fmt.Sprintf("Connected (%s)", humanize.Comma(int64(len(connected))))))
	for _, p := range connected {
		fmt.Fprintf(&b, "  %s  %s\n", logging.ShortKey(p.PublicKey), p.Address())
	}
	fmt.Fprintln(&b, titleStyle.Render(fmt.Sprintf("Known (%s)", humanize.Comma(int64(len(known))))))
	for _, p := range known {
		fmt.Fprintf(&b, "  %s  %s\n", logging.ShortKey(p.PublicKey), p.Address())
	}
	return b.String()
}

// FormatError renders an error line.
func FormatError(err error) string {
	return errStyle.Render("error: ") + err.Error()
}

func stateStyle(state string) lipgloss.Style {
	switch state {
	case "active":
		return okStyle
	case "pending", "extending":
		return warnStyle
	case "torn_down":
		return errStyle
	default:
		return labelStyle
	}
}
