package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/gaoyangz77/easyclaw/config"
	"github.com/gaoyangz77/easyclaw/internal"
	"github.com/gaoyangz77/easyclaw/internal/logger"
	"github.com/gaoyangz77/easyclaw/relay"
	"github.com/gaoyangz77/easyclaw/wecom"
)

var (
	relayPort    int
	relayBind    string
	relayVerbose bool
)

// RelayCommand returns the relay command
func RelayCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Manage the relay server",
		Long:  `Run the EasyClaw relay server that bridges WeCom customer service and desktop gateways.`,
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run relay server",
		Run:   runRelay,
	}
	runCmd.Flags().IntVarP(&relayPort, "port", "p", 0, "Listen port (overrides config)")
	runCmd.Flags().StringVarP(&relayBind, "bind", "b", "", "Bind address (overrides config)")
	runCmd.Flags().BoolVarP(&relayVerbose, "verbose", "v", false, "Verbose output")

	cmd.AddCommand(runCmd)
	return cmd
}

// runRelay runs the relay server
func runRelay(cmd *cobra.Command, args []string) {
	// 日志同时输出到 stdout 与 ~/.easyclaw/logs/easyclaw-2006-01-02.log（按日期）
	logPath := filepath.Join(internal.GetEasyclawDir(), "logs", "easyclaw-"+time.Now().Format("2006-01-02")+".log")
	logLevel := "info"
	if relayVerbose {
		logLevel = "debug"
	}
	if err := logger.InitWithFile(logLevel, false, logPath); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() // nolint:errcheck
	logger.Info("Log file", zap.String("path", logPath))

	fmt.Println("🚀 Starting EasyClaw relay")

	cfg, err := config.Load("")
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}
	configFile := config.ConfigFileUsed()
	if configFile == "" {
		configFile = "(defaults/env only)"
	}
	logger.Info("config loaded", zap.String("config_file", configFile))

	if relayPort != 0 {
		cfg.Relay.Port = relayPort
	}
	if relayBind != "" {
		cfg.Relay.Host = relayBind
	}

	if err := config.Validate(cfg); err != nil {
		logger.Fatal("Invalid configuration", zap.Error(err))
	}

	// Enable hot reload if config file exists
	if configFile != "" && configFile != "(defaults/env only)" {
		if err := config.EnableHotReload(configFile); err != nil {
			logger.Warn("Failed to enable config hot reload", zap.Error(err))
		} else {
			logger.Info("Config hot reload enabled", zap.String("watching", configFile))
			_ = config.OnConfigChange(func(oldCfg, newCfg *config.Config) error {
				if newCfg.Log.Level != oldCfg.Log.Level && newCfg.Log.Level != "" {
					if err := logger.SetLevel(newCfg.Log.Level); err != nil {
						return err
					}
					logger.Info("Log level updated", zap.String("level", newCfg.Log.Level))
				}
				return nil
			})
		}
	}

	api := wecom.NewClient(&cfg.WeCom)

	dbPath := cfg.Relay.BindingDB
	if dbPath == "" {
		dbPath = filepath.Join(internal.GetEasyclawDir(), "bindings.db")
	}
	store, err := relay.NewBindingStore(dbPath, cfg.Relay.PendingTTL)
	if err != nil {
		logger.Fatal("Failed to open binding store", zap.Error(err))
	}
	defer store.Close() // nolint:errcheck

	server := relay.NewServer(&cfg.Relay, api, store)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Println("\nShutting down relay...")
		cancel()
	}()

	if err := server.Start(ctx); err != nil {
		logger.Fatal("Failed to start relay server", zap.Error(err))
	}

	<-ctx.Done()
	_ = server.Stop()
	config.DisableHotReload()
}
