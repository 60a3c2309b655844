package main

import (
	"fmt"
	"os"
	"time"

	"bitbucket.org/mmdatafocus/directory_backend/config"
	"bitbucket.org/mmdatafocus/directory_backend/models"
	"bitbucket.org/mmdatafocus/directory_backend/reconciler"
	"bitbucket.org/mmdatafocus/directory_backend/source"
	"github.com/spf13/cobra"
)

var (
	runFixture string
	runTrigger string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one reconciliation pass and print its result",
	Long: `Run fetches the directory and merges it into the store, waiting for the pass to finish.

With --fixture the directory is read from a JSON snapshot instead of the live site.`,
	RunE: runRun,
}

var progressCmd = &cobra.Command{
	Use:   "progress",
	Short: "Print the last progress snapshot mirrored to Redis",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !redisConfigured() {
			return fmt.Errorf("REDIS_ADDRESS is not configured")
		}
		config.ConnectRedisWithRetry()
		var snap reconciler.ProgressSnapshot
		found, err := config.GetRedisObject(reconciler.ProgressRedisKey, &snap)
		if err != nil {
			return fmt.Errorf("read progress: %w", err)
		}
		if !found {
			fmt.Fprintln(cmd.OutOrStdout(), "no progress recorded")
			return nil
		}
		return printJSON(cmd, snap)
	},
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Mark running runs failed and release the run lock",
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, err := newEngine(connectStore(), nil)
		if err != nil {
			return err
		}
		n, err := engine.ForceReset(cmd.Context())
		if err != nil {
			return err
		}
		// replace a mirrored "running" snapshot the service can no longer update
		if err := config.SetRedisObject(reconciler.ProgressRedisKey, engine.Progress().Snapshot(), 24*time.Hour); err != nil {
			return fmt.Errorf("mirror progress: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "reset %d run(s)\n", n)
		return nil
	},
}

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Mark runs interrupted by a crash as failed",
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, err := newEngine(connectStore(), nil)
		if err != nil {
			return err
		}
		n, err := engine.RecoverInterruptedRuns(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "recovered %d run(s)\n", n)
		return nil
	},
}

func init() {
	runCmd.Flags().StringVar(&runFixture, "fixture", "", "JSON snapshot to reconcile instead of the live directory")
	runCmd.Flags().StringVar(&runTrigger, "trigger", models.TriggerCLI, "trigger recorded on the run")
	rootCmd.AddCommand(runCmd, progressCmd, resetCmd, recoverCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	trigger, err := models.ParseTrigger(runTrigger)
	if err != nil {
		return fmt.Errorf("--trigger: %w", err)
	}

	var dir *source.StaticDirectory
	if runFixture != "" {
		f, err := os.Open(runFixture)
		if err != nil {
			return err
		}
		dir, err = source.LoadSnapshot(f)
		f.Close()
		if err != nil {
			return err
		}
	}

	engine, err := newEngine(connectStore(), dir)
	if err != nil {
		return err
	}
	result, runErr := engine.Run(cmd.Context(), trigger)
	if result != nil {
		if err := printJSON(cmd, result); err != nil {
			return err
		}
	}
	return runErr
}
