package tui

import (
	"fmt"
	"strconv"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/bitdash/bitdash/internal/config"
	"github.com/bitdash/bitdash/internal/events"
)

// viewSettings renders the Btop-style settings page
func (m RootModel) viewSettings() string {
	// Fixed smaller size for settings modal
	width := 72
	height := 18
	if m.width < width+4 {
		width = m.width - 4
	}
	if m.height < height+4 {
		height = m.height - 4
	}

	categories := config.CategoryOrder()
	settingsMeta := m.currentSettingsMeta()

	// === TAB BAR ===
	var tabItems []string
	for i, cat := range categories {
		label := fmt.Sprintf("[%d] %s", i+1, cat)
		if i == m.SettingsActiveTab {
			tabItems = append(tabItems, ActiveTabStyle.Render(label))
		} else {
			tabItems = append(tabItems, TabStyle.Render(label))
		}
	}
	tabBar := lipgloss.JoinHorizontal(lipgloss.Left, tabItems...)

	leftWidth := 22
	rightWidth := width - leftWidth - 5

	// === LEFT COLUMN: Settings List (names only) ===
	var listLines []string
	for i, meta := range settingsMeta {
		if i == m.SettingsSelectedRow {
			listLines = append(listLines, lipgloss.NewStyle().
				Foreground(ColorNeonPink).
				Bold(true).
				Render("> "+meta.Label))
		} else {
			listLines = append(listLines, lipgloss.NewStyle().
				Foreground(ColorLightGray).
				Render("  "+meta.Label))
		}
	}
	listBox := lipgloss.NewStyle().
		Width(leftWidth).
		Render(lipgloss.JoinVertical(lipgloss.Left, listLines...))

	separator := lipgloss.NewStyle().
		Foreground(ColorGray).
		Render(strings.TrimSuffix(strings.Repeat("│\n", len(settingsMeta)), "\n"))

	// === RIGHT COLUMN: Value + Description ===
	var rightContent string
	if m.SettingsSelectedRow < len(settingsMeta) {
		meta := settingsMeta[m.SettingsSelectedRow]
		raw, _ := m.settings.Value(meta.Key)

		valueStr := formatSettingValue(meta, raw)
		if m.SettingsEditing {
			valueStr = m.settingsInput.View()
		}

		valueDisplay := lipgloss.NewStyle().
			Foreground(ColorNeonCyan).
			Bold(true).
			Render("Value: " + valueStr)

		descDisplay := lipgloss.NewStyle().
			Foreground(ColorGray).
			Width(rightWidth - 2).
			Render(meta.Description)

		rightContent = valueDisplay + "\n\n" + descDisplay
		if strings.HasPrefix(meta.Key, "backend.") {
			rightContent += "\n\n" + HintStyle.Render("Applies on next start.")
		}
	}

	rightBox := lipgloss.NewStyle().
		Width(rightWidth).
		PaddingLeft(1).
		Render(rightContent)

	content := lipgloss.JoinHorizontal(lipgloss.Top, listBox, separator, rightBox)

	helpText := lipgloss.NewStyle().
		Foreground(ColorGray).
		Render("[Enter] Edit [R] Reset [1-3] Tab [Esc] Save")

	fullContent := lipgloss.JoinVertical(lipgloss.Left,
		tabBar,
		"",
		content,
		"",
		helpText,
	)

	box := renderBtopBox("Settings", fullContent, width, height, ColorNeonPink, false)

	return lipgloss.Place(m.width, m.height, lipgloss.Center, lipgloss.Center, box)
}

func (m RootModel) updateSettings(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	metas := m.currentSettingsMeta()

	if m.SettingsEditing {
		switch msg.String() {
		case "esc":
			m.SettingsEditing = false
			m.settingsInput.Blur()
			return m, nil
		case "enter":
			m.SettingsEditing = false
			m.settingsInput.Blur()
			meta := metas[m.SettingsSelectedRow]
			cmd := m.applySetting(meta.Key, m.settingsInput.Value())
			return m, cmd
		}
		var cmd tea.Cmd
		m.settingsInput, cmd = m.settingsInput.Update(msg)
		return m, cmd
	}

	switch msg.String() {
	case "esc", "s":
		m.state = DashboardState
		return m, m.saveSettings()
	case "ctrl+c":
		return m, tea.Quit
	case "1", "2", "3":
		tab, _ := strconv.Atoi(msg.String())
		if tab-1 < len(config.CategoryOrder()) {
			m.SettingsActiveTab = tab - 1
			m.SettingsSelectedRow = 0
		}
	case "left", "h":
		n := len(config.CategoryOrder())
		m.SettingsActiveTab = (m.SettingsActiveTab + n - 1) % n
		m.SettingsSelectedRow = 0
	case "right", "l", "tab":
		m.SettingsActiveTab = (m.SettingsActiveTab + 1) % len(config.CategoryOrder())
		m.SettingsSelectedRow = 0
	case "up", "k":
		if m.SettingsSelectedRow > 0 {
			m.SettingsSelectedRow--
		}
	case "down", "j":
		if m.SettingsSelectedRow < len(metas)-1 {
			m.SettingsSelectedRow++
		}
	case "enter":
		meta := metas[m.SettingsSelectedRow]
		raw, _ := m.settings.Value(meta.Key)
		if meta.Type == "bool" {
			b, _ := strconv.ParseBool(raw)
			cmd := m.applySetting(meta.Key, strconv.FormatBool(!b))
			return m, cmd
		}
		m.SettingsEditing = true
		m.settingsInput.SetValue(raw)
		m.settingsInput.CursorEnd()
		m.settingsInput.Focus()
	case "r":
		meta := metas[m.SettingsSelectedRow]
		def, _ := config.DefaultSettings().Value(meta.Key)
		cmd := m.applySetting(meta.Key, def)
		return m, cmd
	}
	return m, nil
}

// applySetting stores a new value if the result still validates. Dashboard
// values take effect immediately.
func (m *RootModel) applySetting(key, raw string) tea.Cmd {
	next := *m.settings
	if err := next.Set(key, raw); err != nil {
		return alertCmd(newAlert(events.AlertError, "%v", err))
	}
	if err := next.Validate(); err != nil {
		return alertCmd(newAlert(events.AlertError, "%v", err))
	}

	wasAuto := m.settings.Dashboard.AutoRefresh
	*m.settings = next

	switch key {
	case "general.theme":
		ApplyTheme(next.General.Theme)
	case "dashboard.piece_source_limit":
		m.syncDetailTables()
	case "dashboard.auto_refresh":
		if next.Dashboard.AutoRefresh && !wasAuto {
			return scheduleRefresh(m.refreshInterval())
		}
	}
	return nil
}

func (m RootModel) saveSettings() tea.Cmd {
	path, s := m.settingsPath, *m.settings
	return func() tea.Msg {
		if err := config.SaveSettings(path, &s); err != nil {
			return newAlert(events.AlertError, "Could not save settings: %v", err)
		}
		return newAlert(events.AlertInfo, "Settings saved")
	}
}

func (m RootModel) currentSettingsMeta() []config.SettingMeta {
	categories := config.CategoryOrder()
	tab := min(max(m.SettingsActiveTab, 0), len(categories)-1)
	return config.GetSettingsMetadata()[categories[tab]]
}

// formatSettingValue formats a setting value for display
func formatSettingValue(meta config.SettingMeta, raw string) string {
	switch meta.Type {
	case "bool":
		if raw == "true" {
			return "True"
		}
		return "False"
	case "int":
		if meta.Key == "general.theme" {
			switch raw {
			case strconv.Itoa(config.ThemeLight):
				return "Light"
			case strconv.Itoa(config.ThemeDark):
				return "Dark"
			}
			return "System"
		}
		if meta.Key == "dashboard.piece_source_limit" && raw == "0" {
			return "All"
		}
	case "string":
		if raw == "" {
			return "(not set)"
		}
		if meta.Key == "backend.token" {
			return strings.Repeat("*", min(len(raw), 8))
		}
	}
	return truncateString(raw, 30)
}
