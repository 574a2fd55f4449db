package output

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"
)

// Signal kinds recognized by the calling agent. Unknown stdout lines are
// ignored on its side, so kinds double as the first emitted key.
const (
	KindAdminMerge     = "admin-merge-available"
	KindIssueStatus    = "issue-status-question"
	KindApplyAvailable = "apply-available"
)

type Pair struct {
	Key   string
	Value string
}

// Signal is a one-shot decision request surfaced to the calling agent.
// It is created at a decision point, emitted once, and never persisted.
type Signal struct {
	Kind  string
	Pairs []Pair
}

func NewSignal(kind string) *Signal {
	return &Signal{Kind: kind}
}

func (s *Signal) Add(key, value string) *Signal {
	s.Pairs = append(s.Pairs, Pair{Key: key, Value: value})
	return s
}

var (
	progressStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("33")) // blue

	warnStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("214")) // orange

	successStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("46")) // green

	failStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("196")) // red

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")) // gray
)

// Printer writes human-readable progress and machine-parsed key=value
// signal lines to the same stream (stdout by contract). Styled text and
// signal lines never share a line, so the agent's parser stays trivial.
type Printer struct {
	w     io.Writer
	color bool
}

func NewPrinter(w io.Writer, color bool) *Printer {
	return &Printer{w: w, color: color}
}

func (p *Printer) render(st lipgloss.Style, s string) string {
	if !p.color {
		return s
	}
	return st.Render(s)
}

// Progress prints one poll-tick line: elapsed time plus outstanding item
// names, padded into a column so successive ticks line up.
func (p *Printer) Progress(elapsed time.Duration, outstanding []string) {
	stamp := fmt.Sprintf("[%s]", elapsed.Round(time.Second))
	stamp = runewidth.FillRight(stamp, 9)
	line := p.render(progressStyle, stamp) + " waiting"
	if len(outstanding) > 0 {
		line += p.render(dimStyle, " on "+strings.Join(outstanding, ", "))
	}
	fmt.Fprintln(p.w, line)
}

func (p *Printer) Info(format string, args ...any) {
	fmt.Fprintf(p.w, format+"\n", args...)
}

func (p *Printer) Warn(format string, args ...any) {
	fmt.Fprintln(p.w, p.render(warnStyle, "warning: "+fmt.Sprintf(format, args...)))
}

func (p *Printer) Success(format string, args ...any) {
	fmt.Fprintln(p.w, p.render(successStyle, fmt.Sprintf(format, args...)))
}

func (p *Printer) Fail(format string, args ...any) {
	fmt.Fprintln(p.w, p.render(failStyle, fmt.Sprintf(format, args...)))
}

// Emit writes the signal as key=value lines: the kind first, then each
// payload pair in insertion order. Never styled — these lines are parsed
// by the calling agent and must stay free of escape sequences.
func (p *Printer) Emit(sig *Signal) {
	fmt.Fprintln(p.w, sig.Kind+"=true")
	for _, kv := range sig.Pairs {
		fmt.Fprintln(p.w, kv.Key+"="+kv.Value)
	}
}
