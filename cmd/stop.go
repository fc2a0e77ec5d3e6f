package cmd

import (
	"errors"
	"time"

	"github.com/spf13/cobra"
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop a running sync daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopRun()
	},
}

func init() {
	rootCmd.AddCommand(stopCmd)
}

// stopWait bounds how long stop waits for the daemon to exit.
var stopWait = 35 * time.Second

func stopRun() error {
	pf := pidFile()
	pid, running := pf.IsRunning()
	if !running {
		return errors.New("qadesk is not running")
	}

	if dryRun {
		ui.DryRunMsg("Would stop qadesk (pid %d)", pid)
		return nil
	}

	if err := pf.Stop(); err != nil {
		return err
	}
	ui.Info("Sent stop signal to pid %d", pid)

	deadline := time.Now().Add(stopWait)
	for time.Now().Before(deadline) {
		if _, running := pf.IsRunning(); !running {
			ui.Success("qadesk stopped")
			return nil
		}
		time.Sleep(250 * time.Millisecond)
	}
	ui.Warning("pid %d is still running", pid)
	return nil
}
