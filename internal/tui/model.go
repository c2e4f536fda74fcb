package tui

import (
	"context"
	"time"

	"github.com/atotto/clipboard"
	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/rs/zerolog"

	"github.com/bitdash/bitdash/internal/config"
	"github.com/bitdash/bitdash/internal/core"
	"github.com/bitdash/bitdash/internal/events"
	"github.com/bitdash/bitdash/internal/telemetry"
	"github.com/bitdash/bitdash/internal/types"
)

type UIState int //Defines UIState as int to be used in rootModel

const (
	DashboardState UIState = iota //DashboardState is 0 increments after each line
	DetailState                   //DetailState is 1
	InputState                    //InputState is 2
	SettingsState                 //SettingsState is 3
)

// JobView is what the dashboard knows about one tracked job
type JobView struct {
	ID       string
	Snapshot telemetry.JobSnapshot

	// Closed is the last stream close, nil while the job is live or unseeded
	Closed *events.StreamClosedMsg

	// LastDecodeErr is the most recent unreadable push event, if any
	LastDecodeErr error

	SpeedHistory []float64

	// Listed is set once the job appeared in a torrent list
	Listed bool
}

// Live reports whether the job still receives push updates.
func (j *JobView) Live() bool {
	return j.Closed == nil && !j.Snapshot.Terminal()
}

type RootModel struct {
	ctx      context.Context
	store    *telemetry.Store
	backend  core.Backend
	settings *config.Settings
	logger   zerolog.Logger

	settingsPath string
	downloadDir  string
	hostLabel    string
	copy         func(string) error

	updates   <-chan telemetry.Update
	stopWatch func()

	torrents []types.TorrentSummary
	visible  []types.TorrentSummary // rows as last shown in the table
	jobs     map[string]*JobView
	gone     map[string]struct{} // discarded jobs; their queued updates are ignored
	swarm    map[string]types.PeerList
	listErr  error
	loaded   bool

	health    types.Health
	healthErr error

	table      table.Model
	peerTable  table.Model
	pieceTable table.Model
	progress   progress.Model
	spinner    spinner.Model
	help       help.Model

	width  int
	height int
	state  UIState

	form         formKind
	inputs       []textinput.Model
	focusedInput int

	SettingsActiveTab   int
	SettingsSelectedRow int
	SettingsEditing     bool
	settingsInput       textinput.Model

	alerts   []events.AlertMsg
	inflight int
}

// Option configures a RootModel.
type Option func(*RootModel)

// WithLogger sets the logger used for dashboard diagnostics.
func WithLogger(logger zerolog.Logger) Option {
	return func(m *RootModel) {
		m.logger = logger.With().Str("component", "tui").Logger()
	}
}

// WithSettingsPath sets where edited settings are saved.
func WithSettingsPath(path string) Option {
	return func(m *RootModel) { m.settingsPath = path }
}

// WithDownloadDir sets the directory completed files are fetched into.
func WithDownloadDir(dir string) Option {
	return func(m *RootModel) { m.downloadDir = dir }
}

// WithHostLabel sets the backend name shown in the header.
func WithHostLabel(label string) Option {
	return func(m *RootModel) { m.hostLabel = label }
}

// WithClipboard replaces the system clipboard writer.
func WithClipboard(fn func(string) error) Option {
	return func(m *RootModel) { m.copy = fn }
}

// NewRootModel builds the dashboard over a telemetry store and the backend
// it reads from. The model watches every job in the store until ctx ends.
func NewRootModel(ctx context.Context, store *telemetry.Store, backend core.Backend, settings *config.Settings, opts ...Option) RootModel {
	if settings == nil {
		settings = config.DefaultSettings()
	}

	settingsInput := textinput.New()
	settingsInput.Width = 30
	settingsInput.Prompt = ""

	sp := spinner.New()
	sp.Spinner = spinner.MiniDot
	sp.Style = HintStyle

	m := RootModel{
		ctx:           ctx,
		store:         store,
		backend:       backend,
		settings:      settings,
		logger:        zerolog.Nop(),
		settingsPath:  config.GetSettingsPath(),
		downloadDir:   ".",
		copy:          clipboard.WriteAll,
		jobs:          make(map[string]*JobView),
		gone:          make(map[string]struct{}),
		swarm:         make(map[string]types.PeerList),
		table:         newTorrentTable(),
		peerTable:     newPeerTable(),
		pieceTable:    newPieceTable(),
		progress:      progress.New(progress.WithDefaultGradient()),
		spinner:       sp,
		help:          help.New(),
		settingsInput: settingsInput,
		state:         DashboardState,
	}
	for _, opt := range opts {
		opt(&m)
	}
	if m.hostLabel == "" {
		m.hostLabel = settings.Backend.BaseURL
	}

	m.updates, m.stopWatch = store.Watch("")
	return m
}

func (m RootModel) Init() tea.Cmd {
	cmds := []tea.Cmd{
		m.spinner.Tick,
		listenForUpdates(m.ctx, m.updates),
		m.fetchTorrents(),
		m.ping(),
	}
	if m.settings.Dashboard.AutoRefresh {
		cmds = append(cmds, scheduleRefresh(m.refreshInterval()))
	}
	return tea.Batch(cmds...)
}

// Stop detaches the model from the store.
func (m RootModel) Stop() {
	if m.stopWatch != nil {
		m.stopWatch()
	}
}

func (m RootModel) refreshInterval() time.Duration {
	return max(m.settings.Dashboard.RefreshInterval, MinRefreshInterval)
}

// job returns the view of jobID, creating it on first use.
func (m RootModel) job(jobID string) *JobView {
	j, ok := m.jobs[jobID]
	if !ok {
		j = &JobView{ID: jobID}
		m.jobs[jobID] = j
	}
	return j
}

// forget removes jobID from the model. Updates still queued for it are
// ignored until its discarded notice arrives.
func (m RootModel) forget(jobID string) {
	delete(m.jobs, jobID)
	m.gone[jobID] = struct{}{}
}

func (m RootModel) dropped(jobID string) bool {
	_, ok := m.gone[jobID]
	return ok
}

// SelectedTorrent returns the row under the cursor.
func (m RootModel) SelectedTorrent() (types.TorrentSummary, bool) {
	i := m.table.Cursor()
	if i < 0 || i >= len(m.visible) {
		return types.TorrentSummary{}, false
	}
	return m.visible[i], true
}

// SelectedJob returns the tracked job under the cursor, if any.
func (m RootModel) SelectedJob() *JobView {
	t, ok := m.SelectedTorrent()
	if !ok || t.JobID == "" {
		return nil
	}
	return m.jobs[t.JobID]
}

// Alerts returns the notices currently on screen, oldest first.
func (m RootModel) Alerts() []events.AlertMsg {
	return m.alerts
}

// State returns the active screen.
func (m RootModel) State() UIState {
	return m.state
}
