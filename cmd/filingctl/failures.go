package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Adithya-Monish-Kumar-K/disclosure-ingestion/internal/failures"
)

func failuresCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "failures [rcept_no]",
		Short: "List failure reports, or show one in full",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")
			limit, _ := cmd.Flags().GetInt("limit")
			if dir == "" {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				dir = cfg.Failures.Dir
			}

			if len(args) == 1 {
				r, err := failures.Read(dir, args[0])
				if err != nil {
					return err
				}
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(r)
			}

			reports, err := failures.List(dir)
			if err != nil {
				return err
			}
			if len(reports) == 0 {
				fmt.Println("No failure reports.")
				return nil
			}
			for i, r := range reports {
				if limit > 0 && i == limit {
					fmt.Printf("... %d more\n", len(reports)-limit)
					break
				}
				fmt.Printf("%-14s %-16s %-14s %s  %s\n",
					r.FilingID, r.Outcome, r.Kind, r.RecordedAt.Local().Format(time.DateTime), r.Reason)
			}
			return nil
		},
	}
	cmd.Flags().StringP("dir", "d", "", "Failure directory (defaults to failures.dir from config)")
	cmd.Flags().IntP("limit", "n", 50, "Maximum reports to list")
	return cmd
}
