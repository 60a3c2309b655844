package main

import (
	"fmt"
	"os"
	"time"

	"bitbucket.org/mmdatafocus/directory_backend/export"
	"bitbucket.org/mmdatafocus/directory_backend/models"
	"bitbucket.org/mmdatafocus/directory_backend/utils"
	"github.com/spf13/cobra"
)

var (
	exportOut    string
	exportUpload bool
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write the directory and recent changes to an xlsx workbook",
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := export.BuildWorkbook(cmd.Context(), connectStore())
		if err != nil {
			return err
		}
		defer f.Close()

		name := export.FileName(time.Now())
		if exportUpload {
			url, err := export.Upload(cmd.Context(), name, f)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), url)
			return nil
		}
		out := exportOut
		if out == "" {
			out = name
		}
		if err := f.SaveAs(out); err != nil {
			return fmt.Errorf("save %s: %w", out, err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), out)
		return nil
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the directory tables",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := models.Migrate(connectStore()); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "migrated")
		return nil
	},
}

var hashPasswordCmd = &cobra.Command{
	Use:   "hash-password <password>",
	Short: "Print a bcrypt hash for OPERATOR_PASSWORD_HASH",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hashed, err := utils.HashPassword(args[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to hash password: %v\n", err)
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(hashed))
		return nil
	},
}

func init() {
	exportCmd.Flags().StringVarP(&exportOut, "out", "o", "", "output path (default: timestamped name in the current directory)")
	exportCmd.Flags().BoolVar(&exportUpload, "upload", false, "upload to GCS_BUCKET under exports/ instead of writing a file")
	rootCmd.AddCommand(exportCmd, migrateCmd, hashPasswordCmd)
}
