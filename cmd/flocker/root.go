package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/somesky/flocker/internal/app"
	"github.com/somesky/flocker/internal/config"
	"github.com/somesky/flocker/internal/logger"
)

type contextKey string

const configKey = contextKey("config")

var rootCmd = &cobra.Command{
	Use:   "flocker",
	Short: "Cluster routing control plane",
	Long:  "Aggregates per-node container reports into a cluster view and keeps kernel forwarding rules in agreement with it.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		ctx := context.WithValue(cmd.Context(), configKey, cfg)
		cmd.SetContext(ctx)
		return nil
	},
}

var controlCmd = &cobra.Command{
	Use:   "control",
	Short: "Run the control plane",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runApplication(cmd, func(cfg *config.Config, log zerolog.Logger) (application, error) {
			return app.NewControl(cfg, log)
		})
	},
}

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run the node reporting agent",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runApplication(cmd, func(cfg *config.Config, log zerolog.Logger) (application, error) {
			return app.NewAgent(cfg, log)
		})
	},
}

func runApplication(cmd *cobra.Command, build func(*config.Config, zerolog.Logger) (application, error)) error {
	cfg := cmd.Context().Value(configKey).(*config.Config)

	logInstance := logger.SetupLogger(&cfg.Logging)

	application, err := build(cfg, logInstance)
	if err != nil {
		return fmt.Errorf("failed to create app: %w", err)
	}
	defer application.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logInstance.Info().Msgf("Received signal: %v", sig)
		cancel()
	}()

	if err := application.Run(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("app run error: %w", err)
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "config file (default is config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "INFO", "set log level (e.g. INFO, DEBUG, WARN)")
	viper.BindPFlag("log.log_level", rootCmd.PersistentFlags().Lookup("log-level"))

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	rootCmd.AddCommand(controlCmd)
	rootCmd.AddCommand(agentCmd)
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Execution error: %v\n", err)
		os.Exit(1)
	}
}
