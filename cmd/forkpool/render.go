package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/forkpool/internal/journal"
	"github.com/mattjoyce/forkpool/internal/pool"
	"github.com/mattjoyce/forkpool/internal/runner"
)

// theme centralizes the styling of human-readable output.
type theme struct {
	OK        lipgloss.Style
	Failed    lipgloss.Style
	Idle      lipgloss.Style
	Border    lipgloss.Style
	Title     lipgloss.Style
	Header    lipgloss.Style
	Dim       lipgloss.Style
	Highlight lipgloss.Style
}

func newTheme() theme {
	purple := lipgloss.Color("#874BFD")
	return theme{
		OK:     lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")),
		Failed: lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000")),
		Idle:   lipgloss.NewStyle().Foreground(lipgloss.Color("#666666")),
		Border: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(purple).
			Padding(0, 1),
		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")),
		Header:    lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#61AFEF")),
		Dim:       lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),
		Highlight: lipgloss.NewStyle().Foreground(lipgloss.Color("#E5C07B")),
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// renderResult draws the requested fields of a runner result in a box.
func renderResult(w io.Writer, res *runner.Result) {
	th := newTheme()
	var lines []string
	add := func(name string, v *string) {
		if v == nil {
			return
		}
		val := *v
		if val == "" {
			val = th.Dim.Render("(empty)")
		}
		lines = append(lines, th.Header.Render(name+":")+" "+val)
	}
	add("cmd", res.Cmd)
	add("data", res.Data)
	add("error", res.Error)
	add("result", res.Result)
	if len(res.TimedOut) > 0 {
		lines = append(lines, th.Failed.Render("timed out: "+strings.Join(res.TimedOut, ", ")))
	}
	if len(lines) == 0 {
		lines = append(lines, th.Dim.Render("no fields requested"))
	}
	fmt.Fprintln(w, th.Border.Render(strings.Join(lines, "\n")))
}

// renderStats draws the pool snapshot as a table.
func renderStats(w io.Writer, st pool.Stats) {
	th := newTheme()
	var b strings.Builder
	b.WriteString(th.Title.Render("forkpool"))
	b.WriteString(th.Dim.Render(fmt.Sprintf("  max_fork=%d max_exec=%d cursor=%d", st.MaxFork, st.MaxExec, st.Cursor)))
	b.WriteString("\n\n")
	b.WriteString(th.Header.Render(fmt.Sprintf("%-6s %-8s %-10s %-6s", "SLOT", "STATE", "EXECS", "SPAWNS")))
	for _, s := range st.Slots {
		state := th.Idle.Render(fmt.Sprintf("%-8s", "idle"))
		if s.Live {
			state = th.OK.Render(fmt.Sprintf("%-8s", "live"))
		}
		marker := " "
		if s.Index == st.Cursor {
			marker = th.Highlight.Render(">")
		}
		fmt.Fprintf(&b, "\n%s%-5d %s %-10s %-6d", marker, s.Index, state, fmt.Sprintf("%d/%d", s.ExecCount, st.MaxExec), s.Spawns)
	}
	if len(st.Slots) == 0 {
		b.WriteString("\n" + th.Failed.Render("pool is not configured"))
	}
	fmt.Fprintln(w, th.Border.Render(b.String()))
}

// renderEntries draws journal entries one per line.
func renderEntries(w io.Writer, entries []*journal.Entry) {
	th := newTheme()
	if len(entries) == 0 {
		fmt.Fprintln(w, th.Dim.Render("journal is empty"))
		return
	}
	fmt.Fprintln(w, th.Header.Render(fmt.Sprintf("%-36s  %-6s  %-4s  %-17s  %s", "ID", "KIND", "SLOT", "STATUS", "COMMAND")))
	for _, e := range entries {
		slot := "-"
		if e.Slot != nil {
			slot = fmt.Sprintf("%d", *e.Slot)
		}
		status := fmt.Sprintf("%-17s", e.Status)
		switch e.Status {
		case string(pool.StatusDispatched), journal.LaunchStarted:
			status = th.OK.Render(status)
		default:
			status = th.Failed.Render(status)
		}
		fmt.Fprintf(w, "%-36s  %-6s  %-4s  %s  %s\n", e.ID, e.Kind, slot, status, e.Command)
	}
}
