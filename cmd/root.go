package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/bitdash/bitdash/internal/config"
	"github.com/bitdash/bitdash/internal/core"
	"github.com/bitdash/bitdash/internal/logging"
	"github.com/bitdash/bitdash/internal/telemetry"
)

// Version information - set via ldflags during build
var (
	Version   = "dev"
	BuildTime = "unknown"
)

// annotationTUI marks commands that take over the terminal. Their logs go to
// a file instead of stderr.
const annotationTUI = "bitdash/tui"

// cli carries the flags and everything built from them for one invocation.
type cli struct {
	cfgFile   string
	host      string
	token     string
	transport string
	logLevel  string
	logPretty bool

	downloadDir string

	settings     *config.Settings
	settingsPath string
	logger       zerolog.Logger
	closeLog     io.Closer
	backend      *core.RemoteBackend
}

// NewRootCmd builds the bitdash command tree.
func NewRootCmd() *cobra.Command {
	root, _ := newRootCmd()
	return root
}

func newRootCmd() (*cobra.Command, *cli) {
	c := &cli{logger: zerolog.Nop()}

	root := &cobra.Command{
		Use:   "bitdash",
		Short: "Live dashboard for a BitTorrent download server",
		Long: `bitdash follows download jobs on a BitTorrent backend. It pulls each job's
status once, then keeps it current from the live progress stream.

Run without a command to open the dashboard.`,
		Version:           Version,
		SilenceUsage:      true,
		Args:              cobra.NoArgs,
		Annotations:       map[string]string{annotationTUI: "true"},
		PersistentPreRunE: c.setup,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.runDashboard(cmd.Context())
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&c.cfgFile, "config", "", "settings file (default is "+config.GetSettingsPath()+")")
	pf.StringVar(&c.host, "host", "", "backend URL or host:port (overrides backend.base_url)")
	pf.StringVar(&c.token, "token", "", "bearer token (or set BITDASH_BACKEND_TOKEN)")
	pf.StringVar(&c.transport, "transport", "", "live transport: sse, websocket or poll")
	pf.StringVar(&c.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	pf.BoolVar(&c.logPretty, "log-pretty", false, "enable pretty (human-readable) logging")

	root.SetVersionTemplate("bitdash version {{.Version}}\n")

	root.AddCommand(
		newConnectCmd(c),
		newPingCmd(c),
		newWatchCmd(c),
		newStatusCmd(c),
		newInfoCmd(c),
		newDownloadCmd(c),
		newSeedCmd(c),
		newCreateCmd(c),
		newFetchCmd(c),
		newTorrentsCmd(c),
		newPeersCmd(c),
		newAddPeerCmd(c),
		newAnnounceCmd(c),
		newRemoveCmd(c),
		newSettingsCmd(c),
	)
	return root, c
}

// Execute runs the root command until it returns or the process is
// interrupted.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root, c := newRootCmd()
	if err := c.execute(ctx, root); err != nil {
		stop()
		os.Exit(1)
	}
}

// setup loads settings, then builds the logger and the backend client.
func (c *cli) setup(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()

	if cmd.Annotations[annotationTarget] == "true" && len(args) > 0 {
		if err := flags.Set("host", args[0]); err != nil {
			return err
		}
	}

	if host := flags.Lookup("host"); host != nil && host.Changed {
		normalized, err := resolveBaseURL(c.host)
		if err != nil {
			return err
		}
		if err := flags.Set("host", normalized); err != nil {
			return err
		}
	}

	c.settingsPath = c.cfgFile
	if c.settingsPath == "" {
		c.settingsPath = config.GetSettingsPath()
	}

	settings, err := config.Load(config.LoadOptions{
		ConfigFile: c.settingsPath,
		Flags: map[string]*pflag.Flag{
			"backend.base_url":  flags.Lookup("host"),
			"backend.token":     flags.Lookup("token"),
			"backend.transport": flags.Lookup("transport"),
			"general.log_level": flags.Lookup("log-level"),
		},
	})
	if err != nil {
		return err
	}
	c.settings = settings

	opts := logging.Options{
		Level:  settings.General.LogLevel,
		Pretty: c.logPretty,
		Out:    cmd.ErrOrStderr(),
	}
	if cmd.Annotations[annotationTUI] == "true" {
		opts.File = logging.TUIFile(config.GetStateDir())
		opts.Pretty = true
	}
	logger, closer, err := logging.New(opts)
	if err != nil {
		return fmt.Errorf("open log: %w", err)
	}
	c.logger = logger
	c.closeLog = closer

	c.backend = core.NewRemoteBackend(settings.Backend.BaseURL, settings.Backend.Token,
		core.WithLogger(logger),
		core.WithRequestTimeout(settings.Backend.RequestTimeout),
	)
	if settings.Backend.Token != "" && !isLoopbackURL(settings.Backend.BaseURL) && !isHTTPS(settings.Backend.BaseURL) {
		c.logger.Warn().Str("url", settings.Backend.BaseURL).Msg("sending token over plain HTTP to a remote host")
	}
	c.logger.Debug().
		Str("url", settings.Backend.BaseURL).
		Str("transport", settings.Backend.Transport).
		Str("settings", c.settingsPath).
		Msg("configured")
	return nil
}

// execute runs root and then releases the log file. cobra skips
// PersistentPostRun when a command fails, so the close lives here.
func (c *cli) execute(ctx context.Context, root *cobra.Command) error {
	defer c.teardown()
	return root.ExecuteContext(ctx)
}

func (c *cli) teardown() {
	if c.closeLog != nil {
		_ = c.closeLog.Close()
		c.closeLog = nil
	}
}

// streamer builds the live transport chosen in the settings.
func (c *cli) streamer() (telemetry.ProgressStreamer, error) {
	return core.NewStreamer(c.settings.Backend.Transport, c.backend, c.settings.Backend.PollInterval)
}

// newStore builds a telemetry store over the configured backend.
func (c *cli) newStore(opts ...telemetry.Option) (*telemetry.Store, error) {
	streamer, err := c.streamer()
	if err != nil {
		return nil, err
	}
	opts = append([]telemetry.Option{telemetry.WithLogger(c.logger.With().Str("component", "store").Logger())}, opts...)
	return telemetry.New(c.backend, streamer, opts...), nil
}
