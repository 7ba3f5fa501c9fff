// Command filingctl inspects the ingestion pipeline from a terminal: ledger
// state, failure reports and offline decoding of downloaded archives.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/Adithya-Monish-Kumar-K/disclosure-ingestion/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/disclosure-ingestion/pkg/logger"
)

var Version = "dev"

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:           "filingctl",
		Short:         "Inspect the disclosure ingestion pipeline",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "configs/development.yaml", "path to config file")

	rootCmd.AddCommand(stateCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(decodeCmd())
	rootCmd.AddCommand(failuresCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads the config and keeps logs out of the way of command
// output.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger.Setup("warn", "text")
	return cfg, nil
}
