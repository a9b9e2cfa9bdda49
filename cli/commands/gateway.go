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
	"github.com/gaoyangz77/easyclaw/gateway"
	"github.com/gaoyangz77/easyclaw/internal"
	"github.com/gaoyangz77/easyclaw/internal/logger"
	"github.com/gaoyangz77/easyclaw/stt"
)

var (
	gatewayRelayURL string
	gatewayID       string
	gatewayToken    string
	gatewayPair     bool
	gatewayUnbind   bool
	gatewayVerbose  bool
)

// GatewayCommand returns the gateway command
func GatewayCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gateway",
		Short: "Manage the desktop gateway",
		Long:  `Run the EasyClaw desktop gateway that forwards customer messages to the local agent runtime.`,
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run desktop gateway",
		Run:   runGateway,
	}
	runCmd.Flags().StringVarP(&gatewayRelayURL, "relay", "r", "", "Relay WebSocket URL (overrides config)")
	runCmd.Flags().StringVarP(&gatewayID, "id", "i", "", "Gateway id (overrides config)")
	runCmd.Flags().StringVarP(&gatewayToken, "token", "t", "", "Shared auth token (overrides config)")
	runCmd.Flags().BoolVar(&gatewayPair, "pair", false, "Request a pairing token after connecting")
	runCmd.Flags().BoolVar(&gatewayUnbind, "unbind", false, "Unbind all users after connecting")
	runCmd.Flags().BoolVarP(&gatewayVerbose, "verbose", "v", false, "Verbose output")

	cmd.AddCommand(runCmd)
	return cmd
}

// runGateway runs the desktop gateway
func runGateway(cmd *cobra.Command, args []string) {
	logPath := filepath.Join(internal.GetEasyclawDir(), "logs", "easyclaw-"+time.Now().Format("2006-01-02")+".log")
	logLevel := "info"
	if gatewayVerbose {
		logLevel = "debug"
	}
	if err := logger.InitWithFile(logLevel, false, logPath); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() // nolint:errcheck

	fmt.Println("🚀 Starting EasyClaw gateway")

	cfg, err := config.Load("")
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}

	if gatewayRelayURL != "" {
		cfg.Gateway.RelayURL = gatewayRelayURL
	}
	if gatewayID != "" {
		cfg.Gateway.ID = gatewayID
	}
	if gatewayToken != "" {
		cfg.Gateway.AuthToken = gatewayToken
	}
	if cfg.Gateway.ID == "" {
		logger.Fatal("gateway.id is required")
	}
	if cfg.Gateway.RelayURL == "" {
		logger.Fatal("gateway.relay_url is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	agent, err := gateway.DialAgent(ctx, cfg.Gateway.AgentURL)
	if err != nil {
		logger.Fatal("Failed to connect to agent runtime",
			zap.String("url", cfg.Gateway.AgentURL),
			zap.Error(err))
	}

	client := gateway.NewClient(&cfg.Gateway, agent, stt.NewClient(cfg.Gateway.STTURL))
	if err := client.Start(); err != nil {
		logger.Fatal("Failed to start gateway client", zap.Error(err))
	}

	// 认证是异步的；--pair/--unbind 等到连上再发
	if gatewayPair || gatewayUnbind {
		go func() {
			for client.State() != gateway.StateAuthenticated {
				select {
				case <-ctx.Done():
					return
				case <-time.After(200 * time.Millisecond):
				}
			}
			if gatewayUnbind {
				if err := client.UnbindAll(); err != nil {
					logger.Error("Failed to request unbind", zap.Error(err))
				}
			}
			if gatewayPair {
				if err := client.RequestBinding(); err != nil {
					logger.Error("Failed to request pairing token", zap.Error(err))
				}
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Println("\nShutting down gateway...")
		cancel()
	}()

	<-ctx.Done()
	client.Stop()
}
