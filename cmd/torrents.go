package cmd

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/bitdash/bitdash/internal/telemetry"
	"github.com/bitdash/bitdash/internal/types"
	"github.com/bitdash/bitdash/internal/utils"
)

func newTorrentsCmd(c *cli) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:     "torrents",
		Aliases: []string{"ls"},
		Short:   "List downloads and seeding torrents",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			list, err := c.backend.ListTorrents(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), list)
			}
			return printTorrents(cmd.OutOrStdout(), list)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the list as JSON")
	return cmd
}

func printTorrents(w io.Writer, list []types.TorrentSummary) error {
	if len(list) == 0 {
		_, err := fmt.Fprintln(w, "No torrents.")
		return err
	}
	rows := make([][]string, 0, len(list))
	for _, t := range list {
		status := t.Type
		if t.Status != "" {
			status = strings.ToLower(telemetry.ParseStatus(t.Status).String())
		}
		pieces := "-"
		if t.TotalPieces > 0 {
			pieces = fmt.Sprintf("%d/%d", t.CompletedPieces, t.TotalPieces)
		}
		rows = append(rows, []string{
			orDash(t.JobID),
			utils.ShortHash(t.InfoHash, 12),
			orDash(t.FileName),
			status,
			fmt.Sprintf("%.1f%%", t.Progress),
			utils.FormatSpeed(t.DownloadSpeed),
			pieces,
		})
	}
	return renderTable(w, []string{"JOB", "INFO HASH", "NAME", "STATUS", "DONE", "SPEED", "PIECES"}, rows)
}

func newPeersCmd(c *cli) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "peers <infoHash>",
		Short: "List known peers of a torrent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			list, err := c.backend.Peers(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				return writeJSON(out, list)
			}
			if len(list.Peers) == 0 {
				_, err := fmt.Fprintln(out, "No peers.")
				return err
			}
			rows := make([][]string, 0, len(list.Peers))
			for _, p := range list.Peers {
				rows = append(rows, []string{p.IP, strconv.Itoa(int(p.Port))})
			}
			return renderTable(out, []string{"IP", "PORT"}, rows)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the list as JSON")
	return cmd
}

func newAddPeerCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "add-peer <infoHash> <ip> <port>",
		Short: "Add a peer to a torrent's swarm",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			port, err := strconv.Atoi(args[2])
			if err != nil || port <= 0 || port > 65535 {
				return fmt.Errorf("invalid port %q", args[2])
			}
			if err := c.backend.AddPeer(cmd.Context(), args[0], args[1], port); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Added %s:%d to %s\n", args[1], port, utils.ShortHash(args[0], 12))
			return err
		},
	}
}

func newAnnounceCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "announce <infoHash>",
		Short: "Force a tracker announce",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.backend.Announce(cmd.Context(), args[0]); err != nil {
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "Announced %s\n", utils.ShortHash(args[0], 12))
			return err
		},
	}
}

func newRemoveCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:     "remove <infoHash>",
		Aliases: []string{"rm"},
		Short:   "Stop and remove a torrent",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.backend.RemoveTorrent(cmd.Context(), args[0]); err != nil {
				return err
			}
			c.logger.Info().Str("info_hash", args[0]).Msg("torrent removed")
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", utils.ShortHash(args[0], 12))
			return err
		},
	}
}

func renderTable(w io.Writer, headers []string, rows [][]string) error {
	header := lipgloss.NewStyle().Bold(true).PaddingRight(2)
	cell := lipgloss.NewStyle().PaddingRight(2)

	t := table.New().
		Border(lipgloss.HiddenBorder()).
		BorderTop(false).
		BorderBottom(false).
		BorderLeft(false).
		BorderRight(false).
		BorderColumn(false).
		BorderHeader(false).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return header
			}
			return cell
		}).
		Headers(headers...).
		Rows(rows...)

	_, err := fmt.Fprintln(w, t.String())
	return err
}
