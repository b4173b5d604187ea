package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/gemforge/terminal-agent/internal/agent"
	"github.com/gemforge/terminal-agent/internal/config"
	"github.com/gemforge/terminal-agent/internal/control"
	"github.com/gemforge/terminal-agent/internal/health"
	"github.com/gemforge/terminal-agent/internal/identity"
	"github.com/gemforge/terminal-agent/internal/logging"
	"github.com/gemforge/terminal-agent/internal/metrics"
	"github.com/gemforge/terminal-agent/internal/pairing"
	"github.com/gemforge/terminal-agent/internal/platform/cdp"
	"github.com/gemforge/terminal-agent/internal/store"
	"github.com/gemforge/terminal-agent/internal/workerpool"
	"github.com/gemforge/terminal-agent/pkg/api"
)

var (
	version   = "0.1.0"
	cfgFile   string
	serverURL string
)

var log = logging.L("main")

const shutdownTimeout = 10 * time.Second

var rootCmd = &cobra.Command{
	Use:   "terminal-agent",
	Short: "Kiosk terminal agent",
	Long:  `terminal-agent pairs a kiosk terminal, keeps it reporting and moves it to new storefront builds without an operator.`,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the agent",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAgent()
	},
}

var pairCmd = &cobra.Command{
	Use:   "pair",
	Short: "Pair this terminal interactively",
	RunE: func(cmd *cobra.Command, args []string) error {
		return pairTerminal()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show agent status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.OutOrStdout())
	},
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Forget the terminal identity and pairing code",
	RunE: func(cmd *cobra.Command, args []string) error {
		return resetIdentity(cmd.OutOrStdout())
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "terminal-agent v%s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is "+config.ConfigDir()+"/terminal-agent.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "storefront server URL")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(pairCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(resetCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if serverURL != "" {
		cfg.ServerURL = serverURL
	}
	return cfg, nil
}

func newAPIClient(cfg *config.Config) *api.Client {
	return api.NewClient(cfg.ServerURL,
		api.WithBootstrapPath(cfg.BootstrapPath),
		api.WithUserAgent("terminal-agent/"+version),
	)
}

func runAgent() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logCloser, err := logging.InitFile(cfg.LogFormat, cfg.LogLevel, cfg.LogFile, cfg.LogMaxSizeMB, cfg.LogMaxBackups)
	if err != nil {
		log.Warn("file logging unavailable, using stdout only", logging.KeyError, err)
	}
	defer logCloser.Close()

	if res := cfg.ValidateTiered(); res.HasFatals() {
		return fmt.Errorf("invalid config: %w", errors.Join(res.Fatals...))
	}

	kv, err := store.OpenSQLite(cfg.StatePath())
	if err != nil {
		return fmt.Errorf("failed to open state store: %w", err)
	}
	defer kv.Close()

	browser := cdp.New(cdp.Config{Endpoint: cfg.CDPURL, TargetMatch: cfg.CDPTargetMatch})
	defer browser.Close()

	recorder := metrics.NewPrometheusRecorder(nil)
	monitor := health.NewMonitor()
	pool := workerpool.New(2, 32)

	ag, err := agent.New(agent.Options{
		Config:    cfg,
		Server:    newAPIClient(cfg),
		Port:      cdp.NewBrowser(browser),
		Store:     kv,
		Presenter: cdp.NewPairingOverlay(browser, "http://"+cfg.ControlAddr),
		Recorder:  recorder,
		Monitor:   monitor,
		Pool:      pool,
	})
	if err != nil {
		return err
	}

	ctrl := control.New(control.Options{
		Status:  func() any { return ag.Status() },
		Pairing: ag.Pairing(),
		Monitor: monitor,
		Metrics: recorder.Handler(),

		AllowedOrigins: []string{control.OriginOf(cfg.ServerURL)},
	})
	if cfg.ControlAddr != "" {
		if err := ctrl.Start(cfg.ControlAddr); err != nil {
			log.Warn("control server disabled", logging.KeyError, err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("starting terminal agent", "version", version, "server", cfg.ServerURL, "cdp", cfg.CDPURL)
	if err := ag.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := ag.Stop(shutdownCtx); err != nil {
		log.Warn("agent shutdown", logging.KeyError, err)
	}
	if err := ctrl.Stop(shutdownCtx); err != nil {
		log.Warn("control server shutdown", logging.KeyError, err)
	}
	return nil
}

func pairTerminal() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	// The TUI owns stdout; logs only go to the configured file.
	if cfg.LogFile != "" {
		closer, err := logging.InitFile(cfg.LogFormat, cfg.LogLevel, cfg.LogFile, cfg.LogMaxSizeMB, cfg.LogMaxBackups)
		if err == nil {
			defer closer.Close()
		}
	} else {
		logging.Init(cfg.LogFormat, cfg.LogLevel, io.Discard)
	}
	if res := cfg.ValidateTiered(); res.HasFatals() {
		return fmt.Errorf("invalid config: %w", errors.Join(res.Fatals...))
	}

	kv, err := store.OpenSQLite(cfg.StatePath())
	if err != nil {
		return fmt.Errorf("failed to open state store: %w", err)
	}
	defer kv.Close()

	ctx := context.Background()
	ids := identity.New(kv, nil)
	if id, err := ids.Resolve(ctx); err != nil {
		return err
	} else if id != "" {
		fmt.Printf("Terminal already paired as %s. Run 'terminal-agent reset' to pair again.\n", id)
		return nil
	}
	// Pairing from the console is an explicit operator action on a terminal.
	if err := ids.MarkTerminal(ctx); err != nil {
		return err
	}

	flow := pairing.New(ids, newAPIClient(cfg), nil)
	if _, err := flow.Start(ctx); err != nil {
		return err
	}

	tid, err := runPairTUI(ctx, flow)
	if err != nil {
		return err
	}
	if tid == "" {
		fmt.Println("Pairing cancelled.")
		return nil
	}
	fmt.Printf("Paired as %s.\n", tid)
	return nil
}

func showStatus(out io.Writer) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	status, err := fetchStatus(cfg.ControlAddr)
	if err != nil {
		// Agent not running; report what the store knows.
		status, err = offlineStatus(cfg)
		if err != nil {
			return err
		}
	}

	data, err := yaml.Marshal(status)
	if err != nil {
		return fmt.Errorf("encode status: %w", err)
	}
	_, err = out.Write(data)
	return err
}

func fetchStatus(addr string) (map[string]any, error) {
	if addr == "" {
		return nil, errors.New("control server disabled")
	}
	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Get("http://" + addr + "/status")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status endpoint returned %d", resp.StatusCode)
	}
	var status map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("decode status: %w", err)
	}
	status["running"] = true
	return status, nil
}

func offlineStatus(cfg *config.Config) (map[string]any, error) {
	kv, err := store.OpenSQLite(cfg.StatePath())
	if err != nil {
		return nil, fmt.Errorf("failed to open state store: %w", err)
	}
	defer kv.Close()

	ctx := context.Background()
	ids := identity.New(kv, nil)
	tid, err := ids.Resolve(ctx)
	if err != nil {
		return nil, err
	}
	code, err := ids.PairingCode(ctx)
	if err != nil {
		return nil, err
	}

	status := map[string]any{
		"running": false,
		"paired":  tid != "",
		"server":  cfg.ServerURL,
	}
	if tid != "" {
		status["terminalId"] = tid
	} else if code != "" {
		status["pairingCode"] = code
	}
	return status, nil
}

func resetIdentity(out io.Writer) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	kv, err := store.OpenSQLite(cfg.StatePath())
	if err != nil {
		return fmt.Errorf("failed to open state store: %w", err)
	}
	defer kv.Close()

	if err := identity.New(kv, nil).Reset(context.Background()); err != nil {
		return err
	}
	fmt.Fprintln(out, "Terminal identity cleared. Restart the agent to pair again.")
	return nil
}
