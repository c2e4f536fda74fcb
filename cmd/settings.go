package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bitdash/bitdash/internal/config"
)

func newSettingsCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Show the effective settings",
		Long: `Show the effective settings after the settings file, BITDASH_* environment
variables and flags are applied.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var rows [][]string
			meta := config.GetSettingsMetadata()
			for _, category := range config.CategoryOrder() {
				for _, m := range meta[category] {
					value, _ := c.settings.Value(m.Key)
					if m.Key == "backend.token" && value != "" {
						value = "(set)"
					}
					rows = append(rows, []string{m.Key, orDash(value), m.Description})
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "# %s\n", c.settingsPath)
			return renderTable(cmd.OutOrStdout(), []string{"KEY", "VALUE", "DESCRIPTION"}, rows)
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "set <key> <value>",
		Short: "Change a setting and save it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			// Start from the file alone so flag overrides are not persisted.
			s, err := config.Load(config.LoadOptions{ConfigFile: c.settingsPath})
			if err != nil {
				return err
			}
			if err := s.Set(args[0], args[1]); err != nil {
				return err
			}
			if err := s.Validate(); err != nil {
				return err
			}
			if err := config.SaveSettings(c.settingsPath, s); err != nil {
				return fmt.Errorf("save settings: %w", err)
			}
			value, _ := s.Value(args[0])
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s = %s\n", args[0], value)
			return err
		},
	})
	return cmd
}
