// Package cli provides the command-line interface for netprobe.
// This file implements the serve command: the HTTP API and the scan
// scheduler sharing one scanner.
package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/anstrom/netprobe/internal/api"
	apihandlers "github.com/anstrom/netprobe/internal/api/handlers"
	"github.com/anstrom/netprobe/internal/config"
	"github.com/anstrom/netprobe/internal/daemon"
	"github.com/anstrom/netprobe/internal/db"
	"github.com/anstrom/netprobe/internal/logging"
	"github.com/anstrom/netprobe/internal/metrics"
	"github.com/anstrom/netprobe/internal/scanning"
	"github.com/anstrom/netprobe/internal/scheduler"
)

// serveCmd represents the serve command.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the API server and scheduled scans",
	Long: `Run the netprobe HTTP API and the cron scheduler until interrupted.

The API listens when api.enabled is set; schedules from the configuration
run either way. With database.enabled every result is kept in the scan
history.

SIGHUP reloads the schedules from the configuration file, SIGUSR1 logs the
process status and SIGUSR2 toggles debug logging.`,
	Example: `  netprobe serve --config /etc/netprobe/config.yaml
  NETPROBE_API_PORT=9090 netprobe serve`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return runServe(ctx, cfg)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("host", "", "API listen address (overrides api.host)")
	serveCmd.Flags().Int("port", 0, "API listen port (overrides api.port)")

	bindFlags(serveCmd.Flags(), map[string]string{
		"api.host": "host",
		"api.port": "port",
	})
}

// runServe blocks until ctx ends.
func runServe(ctx context.Context, cfg *config.Config) error {
	logger := logging.Default().WithComponent("serve")
	promMetrics := metrics.NewPrometheusMetrics()

	resources := scanning.NewFixedResourceManager(cfg.Scanning.MaxConcurrentScans)
	defer func() { _ = resources.Close() }()

	scanner := scannerFactory(cfg, resources, promMetrics)
	apihandlers.SetBuildInfo(version, commit, buildTime)

	deps := api.Deps{
		Scanner:   scanner,
		Resources: resources,
		Metrics:   promMetrics,
		Logger:    logging.Default(),
	}
	var store scheduler.ResultStore

	if cfg.Database.Enabled {
		database, err := db.ConnectAndMigrate(ctx, &cfg.Database)
		if err != nil {
			return err
		}
		defer func() { _ = database.Close() }()

		repo := db.NewScanRepository(database, promMetrics)
		deps.Store = repo
		deps.Database = database
		store = repo
	} else {
		logger.Info("Scan history disabled; results are not stored")
	}

	sched := scheduler.NewScheduler(scanner, store, logging.Default())
	if err := sched.LoadConfig(cfg); err != nil {
		return err
	}
	if err := sched.Start(); err != nil {
		return err
	}
	defer sched.Stop()

	var server *api.Server
	if cfg.API.Enabled {
		var err error
		if server, err = api.New(cfg, deps); err != nil {
			return err
		}
	}

	d := daemon.New(cfg, configPath(), daemon.Deps{
		Scheduler:  sched,
		Database:   deps.Database,
		Resources:  resources,
		Logger:     logging.Default(),
		LoadConfig: readConfig,
	})

	return d.Run(ctx, func(ctx context.Context) error {
		if server == nil {
			logger.Info("API disabled; running scheduled scans only", "schedules", len(cfg.Schedules))
			<-ctx.Done()
			return nil
		}
		return server.Start(ctx)
	})
}
