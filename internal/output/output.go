// Package output renders CLI messages and tables for qadesk commands.
package output

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"
)

// UI writes prefixed messages. Info and Success go to Out; Warning, Error and
// dry-run notices go to ErrOut.
type UI struct {
	Verbose bool
	DryRun  bool
	Out     io.Writer
	ErrOut  io.Writer
}

// New creates a UI on stdout and stderr.
func New() *UI {
	return &UI{Out: os.Stdout, ErrOut: os.Stderr}
}

var (
	blue   = color.New(color.FgHiBlue).SprintFunc()
	cyan   = color.New(color.FgHiCyan).SprintFunc()
	green  = color.New(color.FgHiGreen).SprintFunc()
	yellow = color.New(color.FgHiYellow).SprintFunc()
	red    = color.New(color.FgHiRed).SprintFunc()
)

// PassName highlights a sync pass name.
func PassName(pass string) string { return cyan(pass) }

// DaemonState renders whether the sync daemon is up.
func DaemonState(running bool) string {
	if running {
		return green("running")
	}
	return yellow("not running")
}

// StatusColor colors a helpdesk ticket status. Tickets still waiting on an
// agent stand out in yellow.
func StatusColor(status string) string {
	switch strings.ToLower(status) {
	case "new":
		return yellow(status)
	case "open", "pending":
		return green(status)
	case "solved", "closed":
		return cyan(status)
	default:
		return status
	}
}

// RunColor colors a run's result column: red for a pass error, yellow when
// some items failed, green otherwise.
func RunColor(failed int, errMsg string) string {
	switch {
	case errMsg != "":
		return red("error")
	case failed > 0:
		return yellow(fmt.Sprintf("%d failed", failed))
	default:
		return green("ok")
	}
}

func emit(w io.Writer, prefix, format string, a []any) {
	fmt.Fprintf(w, "%s %s\n", prefix, fmt.Sprintf(format, a...))
}

func (u *UI) Info(format string, a ...any)    { emit(u.Out, blue("i"), format, a) }
func (u *UI) Success(format string, a ...any) { emit(u.Out, green("✓"), format, a) }
func (u *UI) Warning(format string, a ...any) { emit(u.ErrOut, yellow("⚠"), format, a) }
func (u *UI) Error(format string, a ...any)   { emit(u.ErrOut, red("✗"), format, a) }

// VerboseLog prints only with --verbose.
func (u *UI) VerboseLog(format string, a ...any) {
	if u.Verbose {
		emit(u.Out, blue("  →"), format, a)
	}
}

// DryRunMsg describes a write that --dry-run suppressed.
func (u *UI) DryRunMsg(format string, a ...any) {
	if u.DryRun {
		u.Warning("[DRY-RUN] "+format, a...)
	}
}

// Table returns a borderless, left-aligned table for status listings.
func (u *UI) Table(headers []string) *tablewriter.Table {
	table := tablewriter.NewTable(u.Out,
		tablewriter.WithHeaderAlignment(tw.AlignLeft),
		tablewriter.WithRowAlignment(tw.AlignLeft),
		tablewriter.WithRendition(tw.Rendition{
			Borders:  tw.BorderNone,
			Settings: tw.Settings{Lines: tw.LinesNone, Separators: tw.SeparatorsNone},
		}),
		tablewriter.WithPadding(tw.Padding{Left: "", Right: "  "}),
	)
	table.Header(headers)
	return table
}
