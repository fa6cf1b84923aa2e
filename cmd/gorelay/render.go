package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/mattn/go-isatty"

	"github.com/basket/go-relay/internal/persistence"
)

var statusStyles = map[persistence.TaskStatus]lipgloss.Style{
	persistence.TaskStatusQueued:       lipgloss.NewStyle().Foreground(lipgloss.Color("244")),
	persistence.TaskStatusRunning:      lipgloss.NewStyle().Foreground(lipgloss.Color("39")).Bold(true),
	persistence.TaskStatusWaitingInput: lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true),
	persistence.TaskStatusCompleted:    lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
	persistence.TaskStatusFailed:       lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true),
	persistence.TaskStatusCancelled:    lipgloss.NewStyle().Foreground(lipgloss.Color("245")).Strikethrough(true),
}

// printer renders CLI output. Colour is used only on a terminal.
type printer struct {
	w     io.Writer
	color bool
	now   func() time.Time
}

func newPrinter(w io.Writer) *printer {
	color := false
	if f, ok := w.(*os.File); ok {
		color = isatty.IsTerminal(f.Fd()) && os.Getenv("NO_COLOR") == ""
	}
	return &printer{w: w, color: color, now: time.Now}
}

func (p *printer) status(s persistence.TaskStatus) string {
	if !p.color {
		return string(s)
	}
	style, ok := statusStyles[s]
	if !ok {
		return string(s)
	}
	return style.Render(string(s))
}

func (p *printer) tasks(tasks []persistence.Task, total int) {
	tw := table.NewWriter()
	tw.SetOutputMirror(p.w)
	tw.AppendHeader(table.Row{"ID", "Status", "Profile", "Source", "Cost", "Created", "Input"})
	for _, t := range tasks {
		tw.AppendRow(table.Row{
			t.ID,
			p.status(t.Status),
			t.ExecutorProfile,
			string(t.Source),
			formatCost(t.Cost),
			humanize.RelTime(t.CreatedAt, p.now(), "ago", "from now"),
			truncate(oneLine(t.InputMessage), 48),
		})
	}
	tw.AppendFooter(table.Row{"", "", "", "", "", "total", humanize.Comma(int64(total))})
	tw.Render()
}

func (p *printer) task(t *persistence.Task) {
	tw := table.NewWriter()
	tw.SetOutputMirror(p.w)
	tw.AppendRows([]table.Row{
		{"ID", t.ID},
		{"Status", p.status(t.Status)},
		{"Session", t.SessionID},
		{"Flow", dash(t.FlowID)},
		{"Conversation", dash(t.ConversationID)},
		{"Profile", t.ExecutorProfile},
		{"Source", string(t.Source)},
		{"Cost", formatCost(t.Cost)},
		{"Tokens", fmt.Sprintf("%s in / %s out", humanize.Comma(t.InputTokens), humanize.Comma(t.OutputTokens))},
		{"Created", humanize.RelTime(t.CreatedAt, p.now(), "ago", "from now")},
	})
	if t.DurationMS != nil {
		tw.AppendRow(table.Row{"Duration", (time.Duration(*t.DurationMS) * time.Millisecond).String()})
	}
	if t.Metadata.Provider != "" {
		tw.AppendRow(table.Row{"Provider", t.Metadata.Provider + " " + t.Metadata.ExternalID})
	}
	if t.Error != "" {
		tw.AppendRow(table.Row{"Error", t.Error})
	}
	tw.Render()

	fmt.Fprintf(p.w, "\nInput:\n%s\n", t.InputMessage)
	if out := strings.TrimSpace(firstNonEmpty(t.Result, t.Output)); out != "" {
		fmt.Fprintf(p.w, "\nOutput:\n%s\n", out)
	}
}

func formatCost(cost float64) string {
	return "$" + humanize.FtoaWithDigits(cost, 4)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
