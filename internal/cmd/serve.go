package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/autorun/internal/observability"
	"github.com/3leaps/autorun/internal/server"
	"github.com/3leaps/autorun/internal/server/handlers"
	"github.com/3leaps/autorun/pkg/ledger"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve run status over HTTP",
	Long: `Serve starts a read-only HTTP server reporting the stage states and the
latest progress of the run directory. It never launches anything, so it can
run next to 'autorun run' on the same directory.

Routes:
  GET /health, /health/live, /health/ready, /health/startup
  GET /version
  GET /v1/stages
  GET /v1/stages/{stage}/progress`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

var (
	serveHost string
	servePort int
)

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Listen host (default from config: localhost)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Listen port (default from config: 8080)")
}

// identityHealthChecker fails when the application identity is incomplete.
type identityHealthChecker struct {
	binaryName string
	envPrefix  string
	configName string
}

func (c identityHealthChecker) CheckHealth(ctx context.Context) error {
	switch {
	case c.binaryName == "":
		return errors.New("missing binary name")
	case c.envPrefix == "":
		return errors.New("missing env prefix")
	case c.configName == "":
		return errors.New("missing config name")
	}
	return nil
}

// ledgerHealthChecker fails when the run directory or its topology is gone.
type ledgerHealthChecker struct {
	ledger *ledger.Ledger
}

func (c ledgerHealthChecker) CheckHealth(ctx context.Context) error {
	fi, err := c.ledger.Fs().Stat(c.ledger.Dir())
	if err != nil {
		return fmt.Errorf("run directory: %w", err)
	}
	if !fi.IsDir() {
		return fmt.Errorf("run directory %s is not a directory", c.ledger.Dir())
	}
	if !c.ledger.NonEmpty(c.ledger.TopologyPath()) {
		return fmt.Errorf("topology %s missing or empty", c.ledger.TopologyPath())
	}
	return ctx.Err()
}

func serveOverrides(cmd *cobra.Command) map[string]any {
	srv := map[string]any{}
	if cmd.Flags().Changed("host") {
		srv["host"] = serveHost
	}
	if cmd.Flags().Changed("port") {
		srv["port"] = servePort
	}
	if len(srv) == 0 {
		return nil
	}
	return map[string]any{"server": srv}
}

func runServe(cmd *cobra.Command, args []string) error {
	var overrides []map[string]any
	if o := serveOverrides(cmd); o != nil {
		overrides = append(overrides, o)
	}
	rc, err := loadRun(cmd, overrides...)
	if err != nil {
		return failure("Invalid configuration", err)
	}
	cfg := rc.cfg

	handlers.InitHealthManager(versionInfo.Version)
	hm := handlers.GetHealthManager()
	identity := GetAppIdentity()
	hm.RegisterChecker("identity", identityHealthChecker{
		binaryName: identity.BinaryName,
		envPrefix:  identity.EnvPrefix,
		configName: identity.ConfigName,
	})
	hm.RegisterChecker("run_directory", ledgerHealthChecker{ledger: rc.ledger})

	srv := server.New(cfg.Server.Host, cfg.Server.Port,
		server.WithStages(handlers.NewStages(rc.ledger, rc.stages)))
	srv.ReadTimeout = cfg.Server.ReadTimeout
	srv.WriteTimeout = cfg.Server.WriteTimeout
	srv.IdleTimeout = cfg.Server.IdleTimeout
	srv.ShutdownTimeout = cfg.Server.ShutdownTimeout

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	observability.CLILogger.Info("Serving run status",
		zap.String("addr", srv.Addr()),
		zap.String("dir", rc.ledger.Dir()),
		zap.String("prefix", rc.ledger.Prefix()))
	if err := srv.Start(ctx); err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Status server failed", err)
	}
	return nil
}
