// Command kifersaude runs the lead outreach automation engine.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/hexamarkco/kifersaude-sub001/internal/api"
	"github.com/hexamarkco/kifersaude-sub001/internal/automation"
	"github.com/hexamarkco/kifersaude-sub001/internal/config"
	"github.com/hexamarkco/kifersaude-sub001/internal/genai"
	"github.com/hexamarkco/kifersaude-sub001/internal/lockfile"
	"github.com/hexamarkco/kifersaude-sub001/internal/messaging"
	"github.com/hexamarkco/kifersaude-sub001/internal/scheduler"
	"github.com/hexamarkco/kifersaude-sub001/internal/store"
	"github.com/hexamarkco/kifersaude-sub001/internal/twiliowhatsapp"
	"github.com/hexamarkco/kifersaude-sub001/internal/whatsapp"
)

func main() {
	if err := newRootCmd(loadEnvironmentConfig()).Execute(); err != nil {
		os.Exit(1)
	}
}

// serveFlags holds the serve command line flags.
type serveFlags struct {
	qrOutput string
	numeric  bool
}

func newRootCmd(cfg Config) *cobra.Command {
	root := &cobra.Command{
		Use:          "kifersaude",
		Short:        "Lead outreach automation engine",
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			initializeLogger(cmd.ErrOrStderr(), cfg.Debug)
		},
	}
	root.PersistentFlags().StringVar(&cfg.ConfigPath, "config", cfg.ConfigPath, "automation config file (overrides $KIFER_CONFIG)")
	root.PersistentFlags().BoolVar(&cfg.Debug, "debug", cfg.Debug, "enable debug logging (overrides $LOG_DEBUG)")

	var sf serveFlags
	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine and its HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, sf)
		},
	}
	serve.Flags().StringVar(&cfg.StateDir, "state-dir", cfg.StateDir, "state directory (overrides $KIFER_STATE_DIR)")
	serve.Flags().StringVar(&cfg.DatabaseDSN, "db-dsn", cfg.DatabaseDSN, "application database DSN (overrides $DATABASE_DSN)")
	serve.Flags().StringVar(&cfg.APIAddr, "api-addr", cfg.APIAddr, "API server address (overrides $API_ADDR)")
	serve.Flags().StringVar(&cfg.Gateway, "gateway", cfg.Gateway, "messaging gateway: whatsapp, twilio or mock (overrides $GATEWAY)")
	serve.Flags().StringVar(&sf.qrOutput, "qr-output", "", "path to write the WhatsApp login QR code")
	serve.Flags().BoolVar(&sf.numeric, "numeric-code", false, "use a numeric WhatsApp login code instead of a QR code")

	compile := &cobra.Command{
		Use:   "compile",
		Short: "Validate the config and print the flows it compiles to",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompile(cmd.OutOrStdout(), cfg.ConfigPath)
		},
	}

	var start string
	preview := &cobra.Command{
		Use:   "preview FLOW_ID",
		Short: "Print when each step of a flow would run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			at := time.Now()
			if start != "" {
				t, err := time.Parse(time.RFC3339, start)
				if err != nil {
					return fmt.Errorf("invalid --start: %w", err)
				}
				at = t
			}
			return runPreview(cmd.OutOrStdout(), cfg.ConfigPath, args[0], at)
		},
	}
	preview.Flags().StringVar(&start, "start", "", "run start time in RFC 3339 (default now)")

	root.AddCommand(serve, compile, preview)
	return root
}

// initializeLogger sets up structured logging on w.
func initializeLogger(w io.Writer, debug bool) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})))
}

func runServe(ctx context.Context, cfg Config, sf serveFlags) error {
	lock, err := lockfile.AcquireLock(cfg.StateDir)
	if err != nil {
		return err
	}
	defer lock.Release()

	st, err := store.Open(cfg.DatabaseDSN)
	if err != nil {
		return err
	}
	defer st.Close()

	settings, err := loadSettings(cfg)
	if err != nil {
		return err
	}

	gw, closeGateway, err := buildGateway(ctx, cfg, sf)
	if err != nil {
		return err
	}
	defer closeGateway()

	engineOpts, err := buildEngineOptions(cfg)
	if err != nil {
		return err
	}
	engine := automation.NewEngine(st, gw, settings, engineOpts...)
	if err := engine.Start(ctx); err != nil {
		return err
	}

	var apiOpts []api.Option
	if cfg.APIAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(cfg.APIAddr))
	}
	srv := api.NewServer(engine, apiOpts...)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	g.Go(func() error {
		watchReload(gctx, cfg, engine)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Shutdown)
		defer cancel()
		return engine.Shutdown(shutdownCtx)
	})

	slog.Info("runServe: kifersaude started", "flows", len(settings.Flows), "gateway", cfg.Gateway, "api_addr", srv.Addr())
	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	slog.Info("runServe: kifersaude stopped", "error", err)
	return err
}

// loadSettings reads the config file and applies environment overrides.
func loadSettings(cfg Config) (*config.Settings, error) {
	settings, err := config.Load(cfg.ConfigPath)
	if err != nil {
		return nil, err
	}
	if cfg.SweepSchedule != "" {
		settings.SweepSchedule = cfg.SweepSchedule
	}
	return settings, nil
}

// watchReload swaps in a freshly loaded config on SIGHUP. A config that fails to
// load leaves the current one in place.
func watchReload(ctx context.Context, cfg Config, engine *automation.Engine) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			settings, err := loadSettings(cfg)
			if err != nil {
				slog.Error("watchReload: keeping current config", "error", err)
				continue
			}
			engine.Reload(settings)
		}
	}
}

// buildGateway constructs the configured messaging gateway behind the outbound
// rate limiter. The returned func releases the underlying client.
func buildGateway(ctx context.Context, cfg Config, sf serveFlags) (messaging.Gateway, func(), error) {
	var (
		gw      messaging.Gateway
		closeFn = func() {}
	)
	switch cfg.Gateway {
	case GatewayWhatsApp:
		opts := []whatsapp.Option{whatsapp.WithDBDSN(cfg.WhatsAppDSN)}
		if sf.qrOutput != "" {
			opts = append(opts, whatsapp.WithQRCodeOutput(sf.qrOutput))
		}
		if sf.numeric {
			opts = append(opts, whatsapp.WithNumericCode())
		}
		client, err := whatsapp.NewClient(ctx, opts...)
		if err != nil {
			return nil, nil, fmt.Errorf("whatsapp client: %w", err)
		}
		gw, closeFn = messaging.NewWhatsAppGateway(client), client.Disconnect
	case GatewayTwilio:
		client, err := twiliowhatsapp.NewClient(
			twiliowhatsapp.WithAccountSID(cfg.TwilioSID),
			twiliowhatsapp.WithAuthToken(cfg.TwilioToken),
			twiliowhatsapp.WithFromWhats(cfg.TwilioFrom),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("twilio client: %w", err)
		}
		gw = messaging.NewTwilioGateway(client)
	case GatewayMock:
		slog.Warn("buildGateway: using mock gateway, no messages will be delivered")
		gw = messaging.NewMockGateway()
	default:
		return nil, nil, fmt.Errorf("unknown gateway %q", cfg.Gateway)
	}
	if cfg.SendRate > 0 {
		gw = messaging.NewRateLimitedGateway(gw, cfg.SendRate, cfg.SendBurst)
	}
	return gw, closeFn, nil
}

// buildEngineOptions wires metrics and, when an OpenAI key is set, the composer
// for ai-sourced steps.
func buildEngineOptions(cfg Config) ([]automation.Option, error) {
	opts := []automation.Option{automation.WithMetrics(prometheus.DefaultRegisterer)}
	if cfg.OpenAIKey == "" {
		slog.Info("buildEngineOptions: OPENAI_API_KEY not set, ai-sourced steps will fail")
		return opts, nil
	}
	genaiOpts := []genai.Option{genai.WithAPIKey(cfg.OpenAIKey)}
	if cfg.OpenAIModel != "" {
		genaiOpts = append(genaiOpts, genai.WithModel(cfg.OpenAIModel))
	}
	if cfg.GenAIDebug {
		genaiOpts = append(genaiOpts, genai.WithDebugMode(cfg.StateDir))
	}
	client, err := genai.NewClient(genaiOpts...)
	if err != nil {
		return nil, fmt.Errorf("genai client: %w", err)
	}
	return append(opts, automation.WithComposer(client)), nil
}

// compileOutput is what compile prints.
type compileOutput struct {
	Flows    []string `yaml:"flows"`
	Warnings []string `yaml:"warnings,omitempty"`
}

func runCompile(w io.Writer, path string) error {
	settings, err := config.Load(path)
	if err != nil {
		return err
	}
	out := compileOutput{}
	for _, f := range settings.Flows {
		out.Flows = append(out.Flows, fmt.Sprintf("%s (%d steps, trigger %q)", f.ID, len(f.Steps), f.TriggerStatus))
	}
	for _, warn := range settings.Warnings {
		out.Warnings = append(out.Warnings, warn.String())
	}
	enc := yaml.NewEncoder(w)
	defer enc.Close()
	return enc.Encode(out)
}

func runPreview(w io.Writer, path, flowID string, start time.Time) error {
	settings, err := config.Load(path)
	if err != nil {
		return err
	}
	f, ok := settings.Flow(flowID)
	if !ok {
		return fmt.Errorf("%w: %s", automation.ErrUnknownFlow, flowID)
	}
	entries := scheduler.Timeline(start, f.Steps, settings.Policy)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STEP\tACTION\tDESIRED\tSCHEDULED\tREASONS")
	for _, e := range entries {
		reasons := "-"
		if len(e.Reasons) > 0 {
			reasons = fmt.Sprint(e.Reasons)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", e.StepID, e.ActionType,
			e.Desired.Format(time.RFC3339), e.ScheduledAt.Format(time.RFC3339), reasons)
	}
	return tw.Flush()
}
