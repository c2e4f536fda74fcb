package cmd

import (
	"context"
	"errors"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/bitdash/bitdash/internal/tui"
	"github.com/bitdash/bitdash/internal/utils"
)

// annotationTarget marks commands whose first argument replaces --host.
const annotationTarget = "bitdash/target"

func newConnectCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "connect [url]",
		Short: "Open the dashboard for a backend",
		Long: `Open the dashboard for the backend at url (e.g. localhost:8080 or
https://seedbox.example/api). Without url the configured backend is used.`,
		Args: cobra.MaximumNArgs(1),
		Annotations: map[string]string{
			annotationTUI:    "true",
			annotationTarget: "true",
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.runDashboard(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&c.downloadDir, "dir", ".", "directory for files fetched from the dashboard")
	return cmd
}

func (c *cli) runDashboard(ctx context.Context) error {
	store, err := c.newStore()
	if err != nil {
		return err
	}
	defer store.Close()

	tui.ApplyTheme(c.settings.General.Theme)

	host, err := utils.DisplayURL(c.settings.Backend.BaseURL)
	if err != nil {
		host = c.settings.Backend.BaseURL
	}

	dir := c.downloadDir
	if dir == "" {
		dir = "."
	}

	m := tui.NewRootModel(ctx, store, c.backend, c.settings,
		tui.WithLogger(c.logger),
		tui.WithSettingsPath(c.settingsPath),
		tui.WithDownloadDir(dir),
		tui.WithHostLabel(host),
	)
	defer m.Stop()

	c.logger.Info().Str("url", c.settings.Backend.BaseURL).Msg("dashboard started")

	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx))
	if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return fmt.Errorf("running TUI: %w", err)
	}
	return nil
}
