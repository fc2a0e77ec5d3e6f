package cmd

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/joescharf/qadesk/internal/models"
	"github.com/joescharf/qadesk/internal/output"
)

var (
	statusLimit int
	statusPass  string
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon state, recent pass runs and tracked tickets",
	Long: `Show whether the daemon is running, the most recent pass executions from
the run ledger and, for the local sink, the newest tracked tickets.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return statusRun(context.Background())
	},
}

func init() {
	statusCmd.Flags().IntVar(&statusLimit, "limit", 10, "Number of runs and tickets to show")
	statusCmd.Flags().StringVar(&statusPass, "pass", "", "Show only runs of this pass (questions, portal, sla)")
	rootCmd.AddCommand(statusCmd)
}

func statusRun(ctx context.Context) error {
	if pid, running := pidFile().IsRunning(); running {
		ui.Info("Daemon: %s (pid %d)", output.DaemonState(true), pid)
	} else {
		ui.Info("Daemon: %s", output.DaemonState(false))
	}
	fmt.Fprintln(ui.Out)

	passes, err := parsePasses(nonEmpty(statusPass))
	if err != nil {
		return err
	}
	var pass models.Pass
	if statusPass != "" {
		pass = passes[0]
	}

	s, err := getStore()
	if err != nil {
		return err
	}

	runs, err := s.ListRuns(ctx, pass, statusLimit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		ui.Info("No runs recorded. Use 'qadesk sync' or 'qadesk run' to start.")
	} else {
		table := ui.Table([]string{"Started", "Pass", "Fetched", "Created", "Skipped", "Result", "Took"})
		for _, r := range runs {
			took := "-"
			if r.EndedAt != nil {
				took = r.EndedAt.Sub(r.StartedAt).Round(time.Millisecond).String()
			}
			table.Append([]string{
				r.StartedAt.Local().Format("2006-01-02 15:04:05"),
				output.PassName(string(r.Pass)),
				strconv.Itoa(r.Fetched),
				strconv.Itoa(r.Created),
				strconv.Itoa(r.Skipped),
				output.RunColor(r.Failed, r.Error),
				took,
			})
		}
		if err := table.Render(); err != nil {
			return err
		}
	}

	tickets, err := s.ListTickets(ctx, statusLimit)
	if err != nil {
		return err
	}
	if len(tickets) == 0 {
		return nil
	}
	fmt.Fprintln(ui.Out)
	table := ui.Table([]string{"ID", "Question", "Status", "Created", "Subject"})
	for _, t := range tickets {
		table.Append([]string{
			strconv.FormatInt(t.ID, 10),
			t.ExternalID,
			output.StatusColor(string(t.Status)),
			t.CreatedAt.Local().Format("2006-01-02 15:04"),
			truncate(t.Subject, 60),
		})
	}
	return table.Render()
}

func nonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	return []string{s}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
