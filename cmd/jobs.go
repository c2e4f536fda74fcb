package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/bitdash/bitdash/internal/utils"
)

func newStatusCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "status <jobId>",
		Short: "Print a job's current status as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := c.newStore()
			if err != nil {
				return err
			}
			defer store.Close()

			snap, err := store.Seed(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), snap)
		},
	}
}

func newDownloadCmd(c *cli) *cobra.Command {
	var (
		output string
		watch  bool
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "download <file.torrent>",
		Short: "Upload a .torrent file and start downloading it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			if _, err := os.Stat(path); err != nil {
				return err
			}

			res, err := c.backend.StartDownload(cmd.Context(), path, output)
			if err != nil {
				return err
			}
			c.logger.Info().Str("job_id", res.JobID).Str("torrent", filepath.Base(path)).Msg("download started")

			out := cmd.OutOrStdout()
			if !watch {
				_, err := fmt.Fprintln(out, res.JobID)
				return err
			}
			if !asJSON {
				fmt.Fprintf(out, "Started %s\n", res.JobID)
			}
			return c.runWatch(cmd.Context(), out, []string{res.JobID}, asJSON)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "file name to save as (default from the torrent)")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "follow the job until it finishes")
	cmd.Flags().BoolVar(&asJSON, "json", false, "with --watch, print updates as JSON lines")
	return cmd
}

func newFetchCmd(c *cli) *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "fetch <jobId>",
		Short: "Save a completed job's file locally",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := c.backend.FetchFile(cmd.Context(), args[0], dir)
			if err != nil {
				return err
			}
			kind := f.ContentType
			if kind == "" {
				kind = "unknown type"
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Saved %s (%s, %s)\n", f.Path, utils.ConvertBytesToHumanReadable(f.Size), kind)
			return err
		},
	}
	cmd.Flags().StringVarP(&dir, "dir", "d", ".", "directory to save into")
	return cmd
}
