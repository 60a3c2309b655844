package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"bitbucket.org/mmdatafocus/directory_backend/models"
	"bitbucket.org/mmdatafocus/directory_backend/utils"
	"github.com/spf13/cobra"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent runs, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		runs, err := models.ListRunHistory(cmd.Context(), connectStore(), historyLimit)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATUS\tTRIGGER\tSTARTED\tDURATION\tDISTRICTS\tUNITS\tNEW\tUPDATED\tERROR")
		for _, r := range runs {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%d\t%d\t%d\t%d\t%s\n",
				r.ID, r.Status, r.TriggeredBy, r.StartTime.Local().Format(time.DateTime),
				time.Duration(r.DurationMs)*time.Millisecond,
				r.TotalDistricts, r.TotalUnits, r.NewUnits, r.UpdatedUnits,
				utils.DereferencePtr(r.ErrorMessage))
		}
		return w.Flush()
	},
}

var (
	changeLogLimit  int
	changeLogCursor string
	changeLogRun    int
)

var changeLogCmd = &cobra.Command{
	Use:   "changelog",
	Short: "Page through recorded unit changes, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		q := models.ChangeLogQuery{Limit: changeLogLimit}
		if changeLogCursor != "" {
			q.Cursor = &changeLogCursor
		}
		if changeLogRun > 0 {
			q.RunId = &changeLogRun
		}
		page, err := models.ListChangeLog(cmd.Context(), connectStore(), q)
		if err != nil {
			return err
		}
		return printJSON(cmd, page)
	},
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "number", "n", models.DefaultRunHistoryLimit, "number of runs to show")
	changeLogCmd.Flags().IntVar(&changeLogLimit, "limit", models.DefaultChangeLogLimit, "entries per page")
	changeLogCmd.Flags().StringVar(&changeLogCursor, "cursor", "", "endCursor of the previous page")
	changeLogCmd.Flags().IntVar(&changeLogRun, "run", 0, "only entries written by this run")
	rootCmd.AddCommand(historyCmd, changeLogCmd)
}
