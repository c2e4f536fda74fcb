package cmd

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/bitdash/bitdash/internal/utils"
)

func newPingCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check that the backend is reachable",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			h, err := c.backend.Ping(cmd.Context())
			if err != nil {
				return err
			}
			msg := h.Message
			if msg == "" {
				msg = "API healthy"
			}
			host, err := utils.DisplayURL(c.settings.Backend.BaseURL)
			if err != nil {
				host = c.settings.Backend.BaseURL
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", host, msg)
			return err
		},
	}
}

func newInfoCmd(c *cli) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "info <file.torrent>",
		Short: "Show the metadata of a .torrent file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := c.backend.Info(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				return writeJSON(out, info)
			}
			return renderTable(out, []string{"FIELD", "VALUE"}, [][]string{
				{"Name", orDash(info.Name)},
				{"Tracker", orDash(info.Tracker())},
				{"Length", utils.ConvertBytesToHumanReadable(info.Length)},
				{"Piece length", utils.ConvertBytesToHumanReadable(info.PieceLength)},
				{"Pieces", strconv.Itoa(info.PieceCount)},
				{"Info hash", orDash(info.InfoHash)},
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the metadata as JSON")
	return cmd
}

func newSeedCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "seed <file.torrent> <data>",
		Short: "Upload a torrent and its data and start seeding",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, path := range args {
				if _, err := os.Stat(path); err != nil {
					return err
				}
			}
			res, err := c.backend.Seed(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Seeding %s\n", res.InfoHash)
			return err
		},
	}
}

func newCreateCmd(c *cli) *cobra.Command {
	var (
		name string
		dir  string
	)
	cmd := &cobra.Command{
		Use:   "create <payload>",
		Short: "Build a .torrent for a file on the backend's tracker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(args[0]); err != nil {
				return err
			}
			f, err := c.backend.CreateTorrent(cmd.Context(), args[0], name, dir)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Created %s (%s)\n", f.Path, utils.ConvertBytesToHumanReadable(f.Size))
			return err
		},
	}
	cmd.Flags().StringVarP(&name, "name", "n", "", "torrent name (default from the payload)")
	cmd.Flags().StringVarP(&dir, "dir", "d", ".", "directory to save the .torrent into")
	return cmd
}
