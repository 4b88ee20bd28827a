// ============================================================================
// rtc CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: drive the realtime client from a terminal, based on Cobra
//
// Command Structure:
//   rtc                          # Root command
//   ├── listen                   # Restore sessions, connect, print frames
//   ├── send                     # One request, print the result frame
//   │   ├── --type, -t
//   │   ├── --job                # Track the request as a durable job
//   │   ├── --timeout
//   │   └── --data, -d           # JSON object merged into the envelope
//   ├── resume                   # Connect and wait for pending jobs
//   ├── jobs [--pending]         # Durable job records as YAML
//   ├── watched                  # Watched messages as YAML
//   ├── --config, -c             # Config file (default: rtc.yaml)
//   └── --env-file               # Preloaded before the config (default: .env)
//
// Configuration:
//   defaults < config file < RTC_ environment (see internal/config)
//
// Stores:
//   The CLI keeps endpoint identities, watched messages, job records and
//   autopilot caches in one durable store, so a later invocation restores
//   what an earlier one left behind.
//
// Signal Handling:
//   listen and resume stop on SIGINT/SIGTERM. Sockets are closed, the
//   persisted identities stay, queued side effects run before exit.
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/electronicpartnerio/realtime-communication/internal/config"
	"github.com/electronicpartnerio/realtime-communication/internal/controller"
	"github.com/electronicpartnerio/realtime-communication/internal/correlator"
	"github.com/electronicpartnerio/realtime-communication/internal/metrics"
	"github.com/electronicpartnerio/realtime-communication/internal/server"
	"github.com/electronicpartnerio/realtime-communication/internal/session"
	"github.com/electronicpartnerio/realtime-communication/internal/storage"
	"github.com/electronicpartnerio/realtime-communication/internal/storage/file"
	"github.com/electronicpartnerio/realtime-communication/internal/storage/memory"
	"github.com/electronicpartnerio/realtime-communication/internal/storage/sqlite"
	"github.com/electronicpartnerio/realtime-communication/internal/telemetry"
	"github.com/electronicpartnerio/realtime-communication/internal/watcher/effects"
	"github.com/electronicpartnerio/realtime-communication/pkg/types"
)

const serviceName = "rtc"

var (
	configFile string
	envFile    string
)

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "rtc",
		Short: "rtc: a resilient realtime WebSocket client",
		Long: `rtc keeps WebSocket sessions to a realtime backend alive with:
- reconnect with backoff, heartbeat and idle close
- request/response correlation and durable job tracking
- watched messages replayed exactly once after a restart`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "rtc.yaml", "config file path")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the config")

	rootCmd.AddCommand(buildListenCommand())
	rootCmd.AddCommand(buildSendCommand())
	rootCmd.AddCommand(buildResumeCommand())
	rootCmd.AddCommand(buildJobsCommand())
	rootCmd.AddCommand(buildWatchedCommand())

	return rootCmd
}

// ----------------------------------------------------------------------------
// Bootstrap
// ----------------------------------------------------------------------------

// app is one wired client instance for the duration of a command.
type app struct {
	cfg     *config.Config
	log     *slog.Logger
	ctrl    *controller.Controller
	metrics *metrics.Collector
	toaster *effects.LogToaster

	shutdownTracer func(context.Context) error
}

func loadConfig(path, dotenv string) (*config.Config, error) {
	if dotenv != "" {
		if err := godotenv.Load(dotenv); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", dotenv, err)
		}
	}
	return config.Load(path)
}

func openStore(cfg *config.Config) (storage.Store, error) {
	switch cfg.Durable.Driver {
	case config.DriverSQLite:
		return sqlite.New(cfg.Durable.Path)
	case config.DriverFile:
		return file.New(cfg.Durable.Path)
	case config.DriverMemory:
		return memory.New(), nil
	}
	return nil, fmt.Errorf("unknown durable driver %q", cfg.Durable.Driver)
}

func sessionTemplate(cfg *config.Config, logger *slog.Logger, m *metrics.Collector) session.Options {
	appendAuth := cfg.AppendAuthToQuery
	return session.Options{
		URL:               cfg.URL,
		Protocols:         cfg.Protocols,
		AuthToken:         cfg.AuthToken,
		AppendAuthToQuery: &appendAuth,
		HeartbeatInterval: cfg.Heartbeat,
		IdleClose:         cfg.IdleClose,
		Logger:            logger,
		Metrics:           m,
	}
}

func newApp(cmd *cobra.Command) (*app, error) {
	cfg, err := loadConfig(configFile, envFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger := cfg.NewLogger(cmd.ErrOrStderr())
	slog.SetDefault(logger)

	a := &app{cfg: cfg, log: logger}
	if cfg.Metrics.Enabled {
		a.metrics = metrics.NewCollector(nil)
	}
	if cfg.Tracing.Enabled {
		shutdown, err := telemetry.InitTracer(serviceName, cmd.ErrOrStderr(), logger)
		if err != nil {
			return nil, fmt.Errorf("failed to init tracing: %w", err)
		}
		a.shutdownTracer = shutdown
	}

	store, err := openStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	a.toaster = &effects.LogToaster{Logger: logger}
	fx := &effects.Dispatcher{
		Toaster:    a.toaster,
		Translator: effects.IdentityTranslator{},
		Dialogs:    effects.LogDialogs{Logger: logger, AutoConfirm: cfg.AutoConfirm},
		Reloader:   effects.NopReloader{Logger: logger},
		Saver:      effects.DirSaver{Dir: cfg.DownloadDir},
		Logger:     logger,
		Metrics:    a.metrics,
	}

	a.ctrl = controller.New(controller.Config{
		Session:      sessionTemplate(cfg, logger, a.metrics),
		RegistryKey:  cfg.RegistryKey,
		WatcherKey:   cfg.WatcherKey,
		JobsKey:      cfg.StorageKey,
		CacheKeyBase: cfg.CacheKeyBase,
		ReadyTimeout: cfg.ReadyTimeout,
	}, controller.Deps{
		SessionStore: store,
		DurableStore: store,
		Effects:      fx,
		Logger:       logger,
		Metrics:      a.metrics,
	})
	return a, nil
}

func (a *app) close() {
	a.ctrl.Stop()
	if a.shutdownTracer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.shutdownTracer(ctx); err != nil {
			a.log.Warn("Failed to flush traces", slog.Any("error", err))
		}
	}
}

// connect starts the controller and acquires the configured endpoint, if
// any, next to the restored sessions.
func (a *app) connect(ctx context.Context) ([]*session.Session, error) {
	sessions, err := a.ctrl.Start(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to start controller: %w", err)
	}
	if a.cfg.URL == "" {
		return sessions, nil
	}
	sess, err := a.ctrl.Client(ctx, session.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect %s: %w", a.cfg.URL, err)
	}
	for _, s := range sessions {
		if s == sess {
			return sessions, nil
		}
	}
	return append(sessions, sess), nil
}

// serveInspection runs the inspection server until ctx is done when
// metrics are enabled.
func (a *app) serveInspection(ctx context.Context) {
	if !a.cfg.Metrics.Enabled {
		return
	}
	srv := server.New(a.ctrl, a.metrics, a.log)
	go func() {
		if err := srv.ListenAndServe(ctx, a.cfg.Metrics.Addr); err != nil {
			a.log.Error("Inspection server error", slog.Any("error", err))
		}
	}()
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

// ----------------------------------------------------------------------------
// listen
// ----------------------------------------------------------------------------

func buildListenCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "listen",
		Short: "Restore sessions, connect and print incoming frames",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return a.listen(ctx, cmd.OutOrStdout())
		},
	}
}

func (a *app) listen(ctx context.Context, out io.Writer) error {
	sessions, err := a.connect(ctx)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		return errors.New("nothing to listen to: set url or restore a previous session")
	}

	lines := make(chan string, 64)
	for _, sess := range sessions {
		url := sess.URL()
		sess.On(session.EventMessage, func(ev session.Event) {
			select {
			case lines <- fmt.Sprintf("%s %s", url, ev.Data):
			default:
				a.log.Warn("Output backlog full, frame not printed", slog.String("url", url))
			}
		})
	}
	a.serveInspection(ctx)
	a.log.Info("Listening", slog.Int("sessions", len(sessions)))

	for {
		select {
		case line := <-lines:
			fmt.Fprintln(out, line)
		case <-ctx.Done():
			a.log.Info("Received shutdown signal, stopping gracefully...")
			return nil
		}
	}
}

// ----------------------------------------------------------------------------
// send
// ----------------------------------------------------------------------------

func buildSendCommand() *cobra.Command {
	var (
		typ      string
		data     string
		trackJob bool
		timeout  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send one request and print its result frame",
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := parsePayload(data)
			if err != nil {
				return err
			}
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return a.send(ctx, cmd.OutOrStdout(), payload, correlator.RequestOptions{
				Type:     typ,
				TrackJob: trackJob,
				Timeout:  timeout,
			})
		},
	}

	cmd.Flags().StringVarP(&typ, "type", "t", "", "message type")
	cmd.Flags().StringVarP(&data, "data", "d", "", "JSON object merged into the envelope")
	cmd.Flags().BoolVar(&trackJob, "job", false, "track the request as a durable job")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "give up after this long (0 waits forever)")
	cmd.MarkFlagRequired("type")

	return cmd
}

func parsePayload(data string) (types.Payload, error) {
	payload := types.Payload{}
	if data == "" {
		return payload, nil
	}
	if err := json.Unmarshal([]byte(data), &payload); err != nil {
		return nil, fmt.Errorf("invalid --data: %w", err)
	}
	return payload, nil
}

func (a *app) send(ctx context.Context, out io.Writer, payload types.Payload, opts correlator.RequestOptions) error {
	if a.cfg.URL == "" {
		return errors.New("url is not configured")
	}
	if _, err := a.ctrl.Start(ctx); err != nil {
		return fmt.Errorf("failed to start controller: %w", err)
	}
	sess, err := a.ctrl.Client(ctx, session.Options{})
	if err != nil {
		return err
	}
	corr, err := a.ctrl.Correlator(sess)
	if err != nil {
		return err
	}

	frame, err := corr.Request(ctx, payload, opts)
	if err != nil {
		return err
	}
	b, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, string(b))
	return nil
}

// ----------------------------------------------------------------------------
// resume
// ----------------------------------------------------------------------------

func buildResumeCommand() *cobra.Command {
	var wait time.Duration

	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Reconnect and wait for the outcome of pending jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return a.resume(ctx, cmd.OutOrStdout(), wait)
		},
	}

	cmd.Flags().DurationVar(&wait, "wait", time.Minute, "how long to wait for outcomes")
	return cmd
}

func (a *app) resume(ctx context.Context, out io.Writer, wait time.Duration) error {
	if _, err := a.connect(ctx); err != nil {
		return err
	}
	a.serveInspection(ctx)

	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		pending := a.ctrl.Jobs().Pending(ctx)
		if len(pending) == 0 {
			fmt.Fprintln(out, "no pending jobs")
			return nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			fmt.Fprintf(out, "%d job(s) still pending\n", len(pending))
			return writeYAML(out, pending)
		}
	}
}

// ----------------------------------------------------------------------------
// jobs / watched
// ----------------------------------------------------------------------------

func buildJobsCommand() *cobra.Command {
	var pendingOnly bool

	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List durable job records",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			ctx := cmd.Context()
			records := a.ctrl.Jobs().List(ctx)
			if pendingOnly {
				records = a.ctrl.Jobs().Pending(ctx)
			}
			return writeYAML(cmd.OutOrStdout(), records)
		},
	}

	cmd.Flags().BoolVar(&pendingOnly, "pending", false, "only pending jobs")
	return cmd
}

func buildWatchedCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "watched",
		Short: "List watched messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			a.ctrl.Watcher().Load(cmd.Context())
			return writeYAML(cmd.OutOrStdout(), a.ctrl.Watcher().List())
		},
	}
}

// writeYAML prints v as YAML using its JSON field names.
func writeYAML(out io.Writer, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(b, &doc); err != nil {
		return err
	}
	if doc == nil {
		doc = []any{}
	}

	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return err
	}
	return enc.Close()
}
