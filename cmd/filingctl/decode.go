package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Adithya-Monish-Kumar-K/disclosure-ingestion/internal/archive"
	apperrors "github.com/Adithya-Monish-Kumar-K/disclosure-ingestion/pkg/errors"
)

func decodeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "decode <file>",
		Short: "Decode a downloaded filing archive the way the pipeline would",
		Long: `Runs the archive decoder on a local file and prints the detected
encoding. The filing id defaults to the file name without its extension.
Poison payloads are reported with the reason the pipeline would discard them.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, _ := cmd.Flags().GetString("id")
			out, _ := cmd.Flags().GetString("out")
			minBytes, _ := cmd.Flags().GetInt("min-bytes")

			raw, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			if id == "" {
				id = strings.TrimSuffix(filepath.Base(args[0]), filepath.Ext(args[0]))
			}

			doc, err := archive.New(archive.Config{MinContentBytes: minBytes}).Decode(id, raw)
			if errors.Is(err, apperrors.ErrPoisonInput) {
				fmt.Printf("%s: poison, would be discarded: %v\n", id, err)
				return nil
			}
			if err != nil {
				return err
			}

			fmt.Printf("%s: %s\n", id, doc.Encoding.Summary())
			fmt.Printf("  key:   %s\n", doc.ContentKey)
			fmt.Printf("  bytes: %d\n", len(doc.Content))
			if out != "" {
				if err := os.WriteFile(out, doc.Content, 0644); err != nil {
					return err
				}
				fmt.Printf("  wrote: %s\n", out)
			}
			return nil
		},
	}
	cmd.Flags().String("id", "", "Filing id (rcept_no) to decode as")
	cmd.Flags().StringP("out", "o", "", "Write the normalized content to this file")
	cmd.Flags().Int("min-bytes", 200, "Minimum content size before a payload counts as poison")
	return cmd
}
