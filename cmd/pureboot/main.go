package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/pureboot/pureboot/pkg/api"
	"github.com/pureboot/pureboot/pkg/boot"
	"github.com/pureboot/pureboot/pkg/clone"
	"github.com/pureboot/pureboot/pkg/config"
	"github.com/pureboot/pureboot/pkg/dhcpproxy"
	"github.com/pureboot/pureboot/pkg/events"
	"github.com/pureboot/pureboot/pkg/health"
	"github.com/pureboot/pureboot/pkg/log"
	"github.com/pureboot/pureboot/pkg/metrics"
	"github.com/pureboot/pureboot/pkg/registry"
	"github.com/pureboot/pureboot/pkg/security"
	"github.com/pureboot/pureboot/pkg/storage"
	"github.com/pureboot/pureboot/pkg/tftpd"
	"github.com/pureboot/pureboot/pkg/workflow"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "pureboot",
	Short: "PureBoot - bare-metal network boot and provisioning controller",
	Long: `PureBoot provisions bare-metal machines and Raspberry Pis over the
network: it answers PXE clients alongside the existing DHCP server,
serves bootloaders over TFTP, hands each machine a per-MAC boot script,
and drives installations, disk clones, and lifecycle state from a
single binary with an embedded database.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"PureBoot version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	serverCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML config file")
	rootCmd.AddCommand(serverCmd)
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the provisioning controller",
	Long: `Start all controller services: the Proxy-DHCP responder, the TFTP
server, the HTTP API, and the background engines for workflows, health
evaluation, and metrics.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		settings, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %v", err)
		}
		return runServer(settings)
	},
}

func runServer(settings *config.Settings) error {
	log.Init(log.Config{
		Level:      log.Level(settings.LogLevel),
		JSONOutput: settings.LogJSON,
	})
	logger := log.WithComponent("main")

	if err := os.MkdirAll(settings.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %v", err)
	}

	store, err := storage.NewBoltStore(settings.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open store: %v", err)
	}
	defer store.Close()

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	reg := registry.New(store, broker)
	ca := security.NewCertAuthority(store)

	workflows := workflow.NewStore()
	if err := workflows.LoadDir(settings.WorkflowsDir); err != nil {
		return fmt.Errorf("failed to load workflows: %v", err)
	}
	workflows.RegisterBuiltins()
	logger.Info().Int("workflows", len(workflows.List())).Msg("workflow catalog loaded")

	engine := workflow.NewEngine(store, workflows, reg)
	engine.Start()
	defer engine.Stop()

	bootSvc := boot.NewService(reg, workflows, boot.Config{
		ServerURL:      settings.ServerURL,
		AutoRegister:   settings.AutoRegister,
		InstallTimeout: settings.InstallTimeout,
	})

	orchestrator := clone.NewOrchestrator(store, reg, ca, broker)

	monitor := health.NewMonitor(store, broker, settings.Health)
	monitor.Start()
	defer monitor.Stop()

	collector := metrics.NewCollector(store)
	collector.Start()
	defer collector.Stop()

	piDirs := tftpd.NewPiDirManager(settings.TFTPRoot)

	apiServer := api.NewServer(settings.HTTPAddr, api.Deps{
		Store:     store,
		Registry:  reg,
		Boot:      bootSvc,
		Workflows: workflows,
		Engine:    engine,
		Clone:     orchestrator,
		Monitor:   monitor,
		PiDirs:    piDirs,
	})

	tftpServer := tftpd.NewServer(settings.TFTPRoot, settings.TFTPAddr)

	responder := dhcpproxy.NewResponder(dhcpproxy.Config{
		DHCPAddr:        settings.DHCPAddr,
		ProxyAddr:       settings.ProxyAddr,
		TFTPServerIP:    net.ParseIP(settings.TFTPServerIP),
		BIOSBootfile:    settings.BIOSBootfile,
		UEFIBootfile:    settings.UEFIBootfile,
		UEFI32Bootfile:  settings.UEFI32Bootfile,
		UEFIArmBootfile: settings.UEFIArmBootfile,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return apiServer.Run(ctx) })
	g.Go(func() error { return tftpServer.Run(ctx) })
	g.Go(func() error { return responder.Run(ctx) })
	g.Go(func() error {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		select {
		case sig := <-sigCh:
			logger.Info().Str("signal", sig.String()).Msg("shutting down")
			cancel()
			return nil
		case <-ctx.Done():
			return nil
		}
	})

	logger.Info().
		Str("http", settings.HTTPAddr).
		Str("tftp", settings.TFTPAddr).
		Str("proxy", settings.ProxyAddr).
		Msg("pureboot controller running")

	if err := g.Wait(); err != nil {
		return fmt.Errorf("server error: %v", err)
	}
	logger.Info().Msg("shutdown complete")
	return nil
}
