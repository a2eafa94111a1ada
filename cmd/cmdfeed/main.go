package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	clientcmd "github.com/rzbill/cmdfeed/internal/cmd/client"
	serverrun "github.com/rzbill/cmdfeed/internal/cmd/server"
	cfgpkg "github.com/rzbill/cmdfeed/internal/config"
	logpkg "github.com/rzbill/cmdfeed/pkg/log"
)

func main() {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	level := os.Getenv("CMDFEED_LOG_LEVEL")
	parsed, err := logpkg.ParseLevel(level)
	if err != nil || level == "" {
		parsed = logpkg.InfoLevel
	}
	logger := logpkg.NewLogger(
		logpkg.WithLevel(parsed),
		logpkg.WithFormatter(&logpkg.TextFormatter{}),
		logpkg.WithOutput(logpkg.NewConsoleOutput()),
	)

	rootCmd := &cobra.Command{
		Use:   "cmdfeed",
		Short: "Privacy command feed",
		Long: `cmdfeed fans privacy commands out to the agents that own the affected data,
hands the resulting work items out under leases, and tracks export completion.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().String("api", apiURL(), "HTTP API base URL (env CMDFEED_HTTP)")

	serverCmd := &cobra.Command{Use: "server", Short: "Server commands"}
	serverStartCmd := &cobra.Command{
		Use:     "start",
		Short:   "Start the cmdfeed server (HTTP, gRPC health, export tracker)",
		Aliases: []string{"run"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			file, _ := cmd.Flags().GetString("config")
			cfg := cfgpkg.Default()
			if file == "" {
				if cfg, err = cfgpkg.Load(""); err != nil {
					return err
				}
			}
			if v, _ := cmd.Flags().GetString("data-dir"); v != "" {
				cfg.DataDir = v
			}
			if v, _ := cmd.Flags().GetString("http"); v != "" {
				cfg.HTTP.Addr = v
			}
			if v, _ := cmd.Flags().GetString("grpc"); v != "" {
				cfg.GRPC.Addr = v
			}
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			if err := serverrun.Run(ctx, serverrun.Options{ConfigFile: file, Config: cfg, Logger: logger}); err != nil {
				return fmt.Errorf("server error: %w", err)
			}
			return nil
		},
	}
	serverStartCmd.Flags().StringP("config", "c", os.Getenv("CMDFEED_CONFIG"), "Config file (YAML or JSON), watched for changes")
	serverStartCmd.Flags().String("data-dir", "", "Data directory (ignored with --config)")
	serverStartCmd.Flags().String("http", "", "HTTP listen address (ignored with --config)")
	serverStartCmd.Flags().String("grpc", "", "gRPC listen address (ignored with --config)")
	serverCmd.AddCommand(serverStartCmd)
	rootCmd.AddCommand(serverCmd)

	clientcmd.Register(rootCmd, func() string {
		v, _ := rootCmd.PersistentFlags().GetString("api")
		return v
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func apiURL() string {
	if v := os.Getenv("CMDFEED_HTTP"); v != "" {
		return v
	}
	return "http://127.0.0.1:8080"
}
