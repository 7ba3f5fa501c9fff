package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Adithya-Monish-Kumar-K/disclosure-ingestion/internal/backends"
	"github.com/Adithya-Monish-Kumar-K/disclosure-ingestion/internal/filing"
)

func stateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state <rcept_no>...",
		Short: "Show the ledger state of one or more filings",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			asJSON, _ := cmd.Flags().GetBool("json")
			for _, id := range args {
				if err := filing.ValidateID(id); err != nil {
					return err
				}
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			set := backends.New()
			defer set.Close()
			if err := set.OpenLedger(cmd.Context(), cfg); err != nil {
				return err
			}

			enc := json.NewEncoder(os.Stdout)
			for _, id := range args {
				e, err := set.Ledger.StateOf(cmd.Context(), id)
				if err != nil {
					return fmt.Errorf("reading %s: %w", id, err)
				}
				if asJSON {
					if err := enc.Encode(e); err != nil {
						return err
					}
					continue
				}
				updated := "-"
				if !e.UpdatedAt.IsZero() {
					updated = e.UpdatedAt.Local().Format(time.DateTime)
				}
				fmt.Printf("%-14s %-10s %-20s %s\n", e.FilingID, e.State, updated, e.ContentKey)
			}
			return nil
		},
	}
	cmd.Flags().BoolP("json", "j", false, "Output as JSON lines")
	return cmd
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Count ledger entries per state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			set := backends.New()
			defer set.Close()
			if err := set.OpenLedger(cmd.Context(), cfg); err != nil {
				return err
			}
			stats, err := set.Ledger.Stats(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("Ledger (%s)\n", cfg.Ledger.Backend)
			fmt.Printf("  %-10s %d\n", "archived:", stats.Archived)
			fmt.Printf("  %-10s %d\n", "published:", stats.Published)
			fmt.Printf("  %-10s %d\n", "total:", stats.Archived+stats.Published)
			return nil
		},
	}
}
