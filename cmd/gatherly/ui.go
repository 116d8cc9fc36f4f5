package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/dkeye/Gatherly/internal/core"
	"github.com/dkeye/Gatherly/internal/mesh"
)

var (
	primary = lipgloss.Color("#22d3ee")
	success = lipgloss.Color("#10B981")
	warning = lipgloss.Color("#F59E0B")
	danger  = lipgloss.Color("#EF4444")
	muted   = lipgloss.Color("#6B7280")

	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(primary)
	okStyle      = lipgloss.NewStyle().Foreground(success)
	warnStyle    = lipgloss.NewStyle().Foreground(warning)
	errorStyle   = lipgloss.NewStyle().Foreground(danger).Bold(true)
	mutedStyle   = lipgloss.NewStyle().Foreground(muted)
	badgeOnStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#111827")).Background(primary).Padding(0, 1)
	badgeStyle   = lipgloss.NewStyle().Foreground(muted).Padding(0, 1)
	boxStyle     = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(primary).Padding(0, 1)
)

func printError(msg string) {
	fmt.Println(errorStyle.Render("error: " + msg))
}

func badge(label string, on bool) string {
	if on {
		return badgeOnStyle.Render(label)
	}
	return badgeStyle.Render(label)
}

func stateStyle(s mesh.State) lipgloss.Style {
	switch s {
	case mesh.StateConnected:
		return okStyle
	case mesh.StateClosed:
		return errorStyle
	default:
		return warnStyle
	}
}

// statusView renders the local toggles and one line per remote member.
func statusView(room string, st mesh.Status, peers []mesh.Participant, stats map[string]streamStats) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("room "+room) + "  ")
	b.WriteString(badge("muted", st.Muted))
	b.WriteString(badge("video off", st.VideoOff))
	b.WriteString(badge("hand", st.HandRaised))
	b.WriteString(badge("sharing", st.Sharing))
	b.WriteString("\n")
	if len(peers) == 0 {
		b.WriteString(mutedStyle.Render("nobody else here yet"))
		return boxStyle.Render(b.String())
	}
	for _, p := range peers {
		s := stats[string(p.ID)]
		fmt.Fprintf(&b, "\n%-20s %s  %s  %s",
			p.Name,
			stateStyle(p.State).Render(p.State.String()),
			mutedStyle.Render(string(p.Source)),
			mutedStyle.Render(fmt.Sprintf("%d pkts, %d lost", s.Packets, s.Lost)))
	}
	return boxStyle.Render(b.String())
}

func renderRooms(w io.Writer, rooms []core.RoomInfo) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"#", "Room", "Members"})
	total := 0
	for i, r := range rooms {
		t.AppendRow(table.Row{i + 1, r.ID, r.MemberCount})
		total += r.MemberCount
	}
	t.AppendFooter(table.Row{"", "Total", total})
	t.Render()
}
