package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hhd/wresters-adapter/pkg/config"
	"github.com/hhd/wresters-adapter/pkg/daemon"
	"github.com/hhd/wresters-adapter/pkg/logging"
	"github.com/hhd/wresters-adapter/pkg/server"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	version    = "dev"
	configPath string
)

func main() {
	rootCmd := newRootCommand()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "wresters-adapter [listen_port [forward_host [forward_port]]]",
		Short: "wresters-adapter - access point log to presence service bridge",
		Long: "Listens for wireless access point syslog lines over TCP and posts every station\n" +
			"join/leave event to an HTTP presence service as POST /{join|leave}/{mac}.",
		Args:         cobra.RangeArgs(0, 3),
		SilenceUsage: true,
		RunE:         runDaemon,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to optional config file")

	rootCmd.AddCommand(newOnceCommand())
	rootCmd.AddCommand(newVersionCommand())

	return rootCmd
}

func newOnceCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "once [forward_host [forward_port]]",
		Short: "Forward events read from stdin and exit",
		Args:  cobra.RangeArgs(0, 2),
		RunE:  runOnce,
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("wresters-adapter version %s\n", version)
		},
	}
}

// setup builds the logger and loads configuration. Both failures are fatal.
func setup(overrides config.Overrides) (*zap.Logger, zap.AtomicLevel, *config.Manager, error) {
	logger, level, err := logging.New("info")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		return nil, level, nil, err
	}

	configMgr, err := config.NewManager(configPath, overrides, logger.Named("config"))
	if err != nil {
		logger.Error("failed to load configuration", zap.Error(err))
		logger.Sync()
		return nil, level, nil, err
	}

	if err := logging.SetLevel(level, configMgr.GetConfig().Global.LogLevel); err != nil {
		logger.Error("failed to set log level", zap.Error(err))
		logger.Sync()
		return nil, level, nil, err
	}
	return logger, level, configMgr, nil
}

// runDaemon starts the server in daemon mode with signal handling.
func runDaemon(cmd *cobra.Command, args []string) error {
	overrides, err := config.ParseArgs(args)
	if err != nil {
		return err
	}

	logger, level, configMgr, err := setup(overrides)
	if err != nil {
		return err
	}
	defer logger.Sync()

	cfg := configMgr.GetConfig()
	logger.Info("starting wresters-adapter",
		zap.String("version", version),
		zap.String("config", configPath),
		zap.String("listen", cfg.Listen.Endpoint()),
		zap.String("forward", cfg.Forward.Target()),
	)

	srv := server.NewServer(configMgr, level, logger.Named("server"))

	// Bind before dropping privileges so low ports still work
	if err := srv.Listen(); err != nil {
		logger.Error("failed to start listener", zap.Error(err))
		return err
	}

	pidFile, err := daemon.Daemonize(daemon.OptionsFromConfig(cfg.Daemon), logger.Named("daemon"))
	if err != nil {
		logger.Error("daemonize failed, continuing in foreground", zap.Error(err))
	}
	defer func() {
		if err := pidFile.Remove(); err != nil {
			logger.Warn("failed to remove pid file", zap.Error(err))
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle OS signals for graceful shutdown
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-signalChan
		logger.Info("received signal", zap.String("signal", sig.String()))
		cancel()
	}()

	return srv.Run(ctx)
}

// runOnce forwards every event on stdin and exits.
func runOnce(cmd *cobra.Command, args []string) error {
	// Same positions as the daemon, minus listen_port
	overrides, err := config.ParseArgs(append([]string{"0"}, args...))
	if err != nil {
		return err
	}
	overrides.ListenPort = nil

	logger, level, configMgr, err := setup(overrides)
	if err != nil {
		return err
	}
	defer logger.Sync()

	logger.Info("forwarding events from stdin",
		zap.String("version", version),
		zap.String("forward", configMgr.GetConfig().Forward.Target()),
	)

	srv := server.NewServer(configMgr, level, logger.Named("server"))
	return srv.RunOnce(cmd.Context(), cmd.InOrStdin())
}
