package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Settings holds all user-configurable application settings organized by category.
type Settings struct {
	General   GeneralSettings   `json:"general" mapstructure:"general"`
	Backend   BackendSettings   `json:"backend" mapstructure:"backend"`
	Dashboard DashboardSettings `json:"dashboard" mapstructure:"dashboard"`
}

// GeneralSettings contains application behavior settings.
type GeneralSettings struct {
	LogLevel string `json:"log_level" mapstructure:"log_level"`
	Theme    int    `json:"theme" mapstructure:"theme"`
}

const (
	ThemeAdaptive = 0
	ThemeLight    = 1
	ThemeDark     = 2
)

// BackendSettings describes how to reach the BitTorrent API.
type BackendSettings struct {
	BaseURL        string        `json:"base_url" mapstructure:"base_url"`
	Token          string        `json:"token" mapstructure:"token"`
	Transport      string        `json:"transport" mapstructure:"transport"` // "sse", "websocket" or "poll"
	RequestTimeout time.Duration `json:"request_timeout" mapstructure:"request_timeout"`
	PollInterval   time.Duration `json:"poll_interval" mapstructure:"poll_interval"`
}

// DashboardSettings tunes the TUI.
type DashboardSettings struct {
	RefreshInterval  time.Duration `json:"refresh_interval" mapstructure:"refresh_interval"`
	AutoRefresh      bool          `json:"auto_refresh" mapstructure:"auto_refresh"`
	PieceSourceLimit int           `json:"piece_source_limit" mapstructure:"piece_source_limit"` // Rows of the piece source table, 0 = all
	AlertTTL         time.Duration `json:"alert_ttl" mapstructure:"alert_ttl"`
}

// SettingMeta provides metadata for a single setting (for UI rendering).
type SettingMeta struct {
	Key         string // Dotted viper key
	Label       string // Human-readable label
	Description string // Help text
	Type        string // "string", "int", "bool", "duration"
}

// GetSettingsMetadata returns metadata for all settings organized by category.
func GetSettingsMetadata() map[string][]SettingMeta {
	return map[string][]SettingMeta{
		"General": {
			{Key: "general.log_level", Label: "Log Level", Description: "Minimum level written to the log (debug, info, warn, error).", Type: "string"},
			{Key: "general.theme", Label: "App Theme", Description: "UI Theme (System, Light, Dark).", Type: "int"},
		},
		"Backend": {
			{Key: "backend.base_url", Label: "API URL", Description: "Base URL of the BitTorrent API, including the /api prefix.", Type: "string"},
			{Key: "backend.token", Label: "Token", Description: "Bearer token sent with every request. Leave empty if the API is open.", Type: "string"},
			{Key: "backend.transport", Label: "Live Transport", Description: "How live progress is received: sse, websocket or poll.", Type: "string"},
			{Key: "backend.request_timeout", Label: "Request Timeout", Description: "Timeout for status and list requests (e.g., 30s).", Type: "duration"},
			{Key: "backend.poll_interval", Label: "Poll Interval", Description: "Status refresh interval when the transport is poll (e.g., 2s).", Type: "duration"},
		},
		"Dashboard": {
			{Key: "dashboard.refresh_interval", Label: "Refresh Interval", Description: "How often the torrent list is refreshed (e.g., 5s).", Type: "duration"},
			{Key: "dashboard.auto_refresh", Label: "Auto Refresh", Description: "Refresh the torrent list periodically.", Type: "bool"},
			{Key: "dashboard.piece_source_limit", Label: "Piece Source Rows", Description: "Maximum rows in the piece source table. 0 shows all.", Type: "int"},
			{Key: "dashboard.alert_ttl", Label: "Alert Duration", Description: "How long notices stay on screen (e.g., 5s).", Type: "duration"},
		},
	}
}

// CategoryOrder returns the order of categories for display.
func CategoryOrder() []string {
	return []string{"General", "Backend", "Dashboard"}
}

// Value returns the current value of a dotted setting key as text.
func (s *Settings) Value(key string) (string, bool) {
	switch key {
	case "general.log_level":
		return s.General.LogLevel, true
	case "general.theme":
		return strconv.Itoa(s.General.Theme), true
	case "backend.base_url":
		return s.Backend.BaseURL, true
	case "backend.token":
		return s.Backend.Token, true
	case "backend.transport":
		return s.Backend.Transport, true
	case "backend.request_timeout":
		return s.Backend.RequestTimeout.String(), true
	case "backend.poll_interval":
		return s.Backend.PollInterval.String(), true
	case "dashboard.refresh_interval":
		return s.Dashboard.RefreshInterval.String(), true
	case "dashboard.auto_refresh":
		return strconv.FormatBool(s.Dashboard.AutoRefresh), true
	case "dashboard.piece_source_limit":
		return strconv.Itoa(s.Dashboard.PieceSourceLimit), true
	case "dashboard.alert_ttl":
		return s.Dashboard.AlertTTL.String(), true
	}
	return "", false
}

// Set parses raw according to the setting's type and stores it. The
// settings are not validated; call Validate before saving.
func (s *Settings) Set(key, raw string) error {
	raw = strings.TrimSpace(raw)
	var err error
	switch key {
	case "general.log_level":
		s.General.LogLevel = strings.ToLower(raw)
	case "general.theme":
		s.General.Theme, err = strconv.Atoi(raw)
	case "backend.base_url":
		s.Backend.BaseURL = strings.TrimRight(raw, "/")
	case "backend.token":
		s.Backend.Token = raw
	case "backend.transport":
		s.Backend.Transport = strings.ToLower(raw)
	case "backend.request_timeout":
		s.Backend.RequestTimeout, err = time.ParseDuration(raw)
	case "backend.poll_interval":
		s.Backend.PollInterval, err = time.ParseDuration(raw)
	case "dashboard.refresh_interval":
		s.Dashboard.RefreshInterval, err = time.ParseDuration(raw)
	case "dashboard.auto_refresh":
		s.Dashboard.AutoRefresh, err = strconv.ParseBool(raw)
	case "dashboard.piece_source_limit":
		s.Dashboard.PieceSourceLimit, err = strconv.Atoi(raw)
	case "dashboard.alert_ttl":
		s.Dashboard.AlertTTL, err = time.ParseDuration(raw)
	default:
		return fmt.Errorf("unknown setting %q", key)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	return nil
}

// Transports accepted by backend.transport.
var validTransports = map[string]bool{
	"sse":       true,
	"websocket": true,
	"poll":      true,
}

// DefaultSettings returns a new Settings instance with sensible defaults.
func DefaultSettings() *Settings {
	return &Settings{
		General: GeneralSettings{
			LogLevel: "info",
			Theme:    ThemeAdaptive,
		},
		Backend: BackendSettings{
			BaseURL:        "http://localhost:8080/api",
			Transport:      "sse",
			RequestTimeout: 30 * time.Second,
			PollInterval:   2 * time.Second,
		},
		Dashboard: DashboardSettings{
			RefreshInterval:  5 * time.Second,
			AutoRefresh:      true,
			PieceSourceLimit: 12,
			AlertTTL:         5 * time.Second,
		},
	}
}

// LoadOptions configures how settings are loaded.
type LoadOptions struct {
	// ConfigFile is an explicit settings file. If empty, GetSettingsPath is used.
	ConfigFile string
	// Flags maps settings keys to command-line flags that override them when set.
	Flags map[string]*pflag.Flag
}

// Load reads settings from defaults, the settings file, BITDASH_*
// environment variables and bound flags, in increasing precedence. A
// missing settings file is not an error.
func Load(opts LoadOptions) (*Settings, error) {
	v := viper.New()

	path := opts.ConfigFile
	if path == "" {
		path = GetSettingsPath()
	}
	v.SetConfigFile(path)
	v.SetConfigType("json")

	v.SetEnvPrefix("BITDASH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	d := DefaultSettings()
	v.SetDefault("general.log_level", d.General.LogLevel)
	v.SetDefault("general.theme", d.General.Theme)
	v.SetDefault("backend.base_url", d.Backend.BaseURL)
	v.SetDefault("backend.token", d.Backend.Token)
	v.SetDefault("backend.transport", d.Backend.Transport)
	v.SetDefault("backend.request_timeout", d.Backend.RequestTimeout)
	v.SetDefault("backend.poll_interval", d.Backend.PollInterval)
	v.SetDefault("dashboard.refresh_interval", d.Dashboard.RefreshInterval)
	v.SetDefault("dashboard.auto_refresh", d.Dashboard.AutoRefresh)
	v.SetDefault("dashboard.piece_source_limit", d.Dashboard.PieceSourceLimit)
	v.SetDefault("dashboard.alert_ttl", d.Dashboard.AlertTTL)

	for key, flag := range opts.Flags {
		if flag == nil {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return nil, fmt.Errorf("bind flag %s: %w", flag.Name, err)
		}
	}

	if err := v.ReadInConfig(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read settings %s: %w", path, err)
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("decode settings: %w", err)
	}
	s.Backend.Transport = strings.ToLower(strings.TrimSpace(s.Backend.Transport))

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks that the settings are usable.
func (s *Settings) Validate() error {
	var errs []error

	if _, err := zerolog.ParseLevel(s.General.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("general.log_level: %w", err))
	}
	if s.General.Theme < ThemeAdaptive || s.General.Theme > ThemeDark {
		errs = append(errs, fmt.Errorf("general.theme: must be 0, 1 or 2, got %d", s.General.Theme))
	}

	if u, err := url.Parse(s.Backend.BaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("backend.base_url: %q is not an http(s) URL", s.Backend.BaseURL))
	}
	if !validTransports[s.Backend.Transport] {
		errs = append(errs, fmt.Errorf("backend.transport: unknown transport %q", s.Backend.Transport))
	}
	if s.Backend.RequestTimeout <= 0 {
		errs = append(errs, errors.New("backend.request_timeout: must be positive"))
	}
	if s.Backend.PollInterval <= 0 {
		errs = append(errs, errors.New("backend.poll_interval: must be positive"))
	}

	if s.Dashboard.RefreshInterval <= 0 {
		errs = append(errs, errors.New("dashboard.refresh_interval: must be positive"))
	}
	if s.Dashboard.PieceSourceLimit < 0 {
		errs = append(errs, errors.New("dashboard.piece_source_limit: must not be negative"))
	}
	if s.Dashboard.AlertTTL <= 0 {
		errs = append(errs, errors.New("dashboard.alert_ttl: must be positive"))
	}

	return errors.Join(errs...)
}

// SaveSettings writes settings to path atomically. Concurrent writers are
// serialized through a lock file next to it.
func SaveSettings(path string, s *Settings) error {
	if path == "" {
		path = GetSettingsPath()
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	lock := flock.New(filepath.Join(dir, "settings.lock"))
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("lock settings: %w", err)
	}
	defer func() { _ = lock.Unlock() }()

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "settings-*.json.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Chmod(tmpPath, 0o600); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, path)
}
