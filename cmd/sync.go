package cmd

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/joescharf/qadesk/internal/models"
)

var syncCmd = &cobra.Command{
	Use:   "sync [questions|portal|sla]...",
	Short: "Run sync passes once and exit",
	Long: `Run one or more sync passes immediately, without the scheduler.

With no arguments every configured pass runs in order. Use --dry-run to
see which users and tickets would be created without writing to the helpdesk.`,
	ValidArgs: []string{"questions", "portal", "sla"},
	Args:      cobra.OnlyValidArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return syncRun(cmd.Context(), args)
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
}

func parsePasses(args []string) ([]models.Pass, error) {
	if len(args) == 0 {
		return models.Passes, nil
	}
	var passes []models.Pass
	for _, a := range args {
		p := models.Pass(strings.ToLower(a))
		if !slices.Contains(models.Passes, p) {
			return nil, fmt.Errorf("unknown pass %q", a)
		}
		if !slices.Contains(passes, p) {
			passes = append(passes, p)
		}
	}
	return passes, nil
}

func syncRun(ctx context.Context, args []string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	passes, err := parsePasses(args)
	if err != nil {
		return err
	}
	a, err := setupApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	ui.DryRunMsg("No helpdesk writes will be made")

	var failed []string
	for _, p := range passes {
		if !a.engine.Enabled(p) {
			if len(args) > 0 {
				ui.Warning("%s pass is not configured", p)
			} else {
				ui.VerboseLog("%s pass is not configured, skipping", p)
			}
			continue
		}
		run, err := a.engine.Run(ctx, p)
		if err != nil {
			ui.Error("%s: %v", p, err)
			failed = append(failed, string(p))
			continue
		}
		ui.Success("%s: fetched %d, created %d, skipped %d, failed %d", p, run.Fetched, run.Created, run.Skipped, run.Failed)
	}
	if len(failed) > 0 {
		return fmt.Errorf("passes failed: %s", strings.Join(failed, ", "))
	}
	return nil
}
