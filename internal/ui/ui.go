// Package ui renders command output for humans: tables, detail views,
// and dependency trees. Color is applied only when stdout is a
// terminal; JSON output bypasses this package entirely.
package ui

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/muesli/termenv"
	"golang.org/x/term"

	"github.com/skeinhq/skein/internal/types"
)

// Renderer writes human-readable views to one output.
type Renderer struct {
	out   io.Writer
	color bool
}

// NewRenderer builds a renderer for out. Color is enabled when out is
// os.Stdout on a terminal with a color profile.
func NewRenderer(out io.Writer) *Renderer {
	color := false
	if f, ok := out.(*os.File); ok {
		color = term.IsTerminal(int(f.Fd())) && termenv.ColorProfile() != termenv.Ascii
	}
	return &Renderer{out: out, color: color}
}

var (
	styleID      = lipgloss.NewStyle().Foreground(lipgloss.Color("62")).Bold(true)
	styleMuted   = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	styleTitle   = lipgloss.NewStyle().Bold(true)
	styleWarn    = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	styleUrgent  = lipgloss.NewStyle().Foreground(lipgloss.Color("203")).Bold(true)
	statusStyles = map[types.Status]lipgloss.Style{
		types.StatusOpen:       lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		types.StatusInProgress: lipgloss.NewStyle().Foreground(lipgloss.Color("81")),
		types.StatusBlocked:    lipgloss.NewStyle().Foreground(lipgloss.Color("203")),
		types.StatusReview:     lipgloss.NewStyle().Foreground(lipgloss.Color("213")),
		types.StatusClosed:     lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
	}
)

func (r *Renderer) styled(s lipgloss.Style, text string) string {
	if !r.color {
		return text
	}
	return s.Render(text)
}

func (r *Renderer) status(s types.Status) string {
	if style, ok := statusStyles[s]; ok {
		return r.styled(style, string(s))
	}
	return string(s)
}

func (r *Renderer) priority(p int) string {
	label := fmt.Sprintf("P%d", p)
	if p == 4 {
		return r.styled(styleUrgent, label)
	}
	return label
}

// IssueTable renders issues as a table with one row per issue.
func (r *Renderer) IssueTable(issues []*types.Issue) {
	if len(issues) == 0 {
		fmt.Fprintln(r.out, "no issues")
		return
	}

	tw := table.NewWriter()
	tw.SetOutputMirror(r.out)
	tw.SetStyle(table.StyleLight)
	tw.AppendHeader(table.Row{"ID", "Pri", "Status", "Type", "Title", "Assignee"})
	for _, issue := range issues {
		tw.AppendRow(table.Row{
			r.styled(styleID, issue.ID),
			r.priority(issue.Priority),
			r.status(issue.Status),
			issue.IssueType,
			truncate(issue.Title, 60),
			issue.Assignee,
		})
	}
	tw.Render()
}

// BlockedTable renders blocked issues with their open blockers.
func (r *Renderer) BlockedTable(blocked []*types.BlockedIssue) {
	if len(blocked) == 0 {
		fmt.Fprintln(r.out, "no blocked issues")
		return
	}

	tw := table.NewWriter()
	tw.SetOutputMirror(r.out)
	tw.SetStyle(table.StyleLight)
	tw.AppendHeader(table.Row{"ID", "Pri", "Title", "Blocked By"})
	for _, b := range blocked {
		tw.AppendRow(table.Row{
			r.styled(styleID, b.ID),
			r.priority(b.Priority),
			truncate(b.Title, 50),
			strings.Join(b.BlockedBy, ", "),
		})
	}
	tw.Render()
}

// IssueDetail renders the full view of one issue.
func (r *Renderer) IssueDetail(issue *types.Issue, displayName string, blockedBy, blocks []string) {
	w := r.out
	fmt.Fprintf(w, "%s %s\n", r.styled(styleID, issue.ID), r.styled(styleTitle, issue.Title))
	if displayName != "" && displayName != issue.ID {
		fmt.Fprintf(w, "  %s %s\n", r.styled(styleMuted, "name:"), displayName)
	}
	fmt.Fprintf(w, "  %s %s   %s %s   %s %s\n",
		r.styled(styleMuted, "status:"), r.status(issue.Status),
		r.styled(styleMuted, "priority:"), r.priority(issue.Priority),
		r.styled(styleMuted, "type:"), issue.IssueType)
	if issue.Assignee != "" {
		fmt.Fprintf(w, "  %s %s\n", r.styled(styleMuted, "assignee:"), issue.Assignee)
	}
	if len(issue.Labels) > 0 {
		fmt.Fprintf(w, "  %s %s\n", r.styled(styleMuted, "labels:"), strings.Join(issue.Labels, ", "))
	}
	fmt.Fprintf(w, "  %s %s   %s %s\n",
		r.styled(styleMuted, "created:"), issue.CreatedAt.Local().Format(time.RFC3339),
		r.styled(styleMuted, "updated:"), issue.UpdatedAt.Local().Format(time.RFC3339))
	if issue.DueAt != nil {
		fmt.Fprintf(w, "  %s %s\n", r.styled(styleMuted, "due:"), issue.DueAt.Local().Format(time.RFC3339))
	}
	if issue.DeferUntil != nil {
		fmt.Fprintf(w, "  %s %s\n", r.styled(styleMuted, "deferred until:"), issue.DeferUntil.Local().Format(time.RFC3339))
	}
	if issue.ClosedAt != nil {
		fmt.Fprintf(w, "  %s %s (%s)\n", r.styled(styleMuted, "closed:"),
			issue.ClosedAt.Local().Format(time.RFC3339), issue.CloseReason)
	}
	if len(blockedBy) > 0 {
		fmt.Fprintf(w, "  %s %s\n", r.styled(styleWarn, "blocked by:"), strings.Join(blockedBy, ", "))
	}
	if len(blocks) > 0 {
		fmt.Fprintf(w, "  %s %s\n", r.styled(styleMuted, "blocks:"), strings.Join(blocks, ", "))
	}
	if issue.Description != "" {
		fmt.Fprintf(w, "\n%s\n", issue.Description)
	}
}

// Tree renders a dependency subtree as an indented listing.
func (r *Renderer) Tree(nodes []*types.TreeNode) {
	if len(nodes) == 0 {
		fmt.Fprintln(r.out, "no issues")
		return
	}
	for _, node := range nodes {
		indent := strings.Repeat("  ", node.Depth)
		marker := ""
		if node.Truncated {
			marker = r.styled(styleMuted, " …")
		}
		fmt.Fprintf(r.out, "%s%s %s [%s]%s\n",
			indent,
			r.styled(styleID, node.ID),
			truncate(node.Title, 60),
			r.status(node.Status),
			marker)
	}
}

// Stats renders aggregate counts.
func (r *Renderer) Stats(stats *types.Statistics) {
	tw := table.NewWriter()
	tw.SetOutputMirror(r.out)
	tw.SetStyle(table.StyleLight)
	tw.AppendRow(table.Row{"total", stats.Total})
	tw.AppendRow(table.Row{"open", stats.Open})
	tw.AppendRow(table.Row{"in progress", stats.InProgress})
	tw.AppendRow(table.Row{"blocked", stats.Blocked})
	tw.AppendRow(table.Row{"review", stats.Review})
	tw.AppendRow(table.Row{"closed", stats.Closed})
	tw.AppendRow(table.Row{"ready", stats.Ready})
	tw.AppendRow(table.Row{"tombstones", stats.Tombstones})
	tw.Render()
}

// Warnf prints a highlighted warning line.
func (r *Renderer) Warnf(format string, args ...interface{}) {
	fmt.Fprintln(r.out, r.styled(styleWarn, fmt.Sprintf(format, args...)))
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-1]) + "…"
}
