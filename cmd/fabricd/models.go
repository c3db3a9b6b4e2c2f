package main

import (
	"fmt"
	"text/tabwriter"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"fabricd/internal/registry"
	"fabricd/pkg/types"
)

func newModelsCmd(rf *rootFlags) *cobra.Command {
	var (
		dir     string
		jsonOut bool
	)
	cmd := &cobra.Command{
		Use:   "models",
		Short: "List the models found in the models directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rf.loadConfig()
			if err != nil {
				return err
			}
			if dir != "" {
				cfg.Models.Dir = dir
			}
			cfg.ApplyDefaults()
			models, err := registry.LoadDir(cfg.Models.Dir)
			if err != nil {
				return err
			}
			if jsonOut {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(types.ModelsResponse{Models: models})
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tARCH\tCTX\tSIZE\tPROJECTOR")
			for _, m := range models {
				proj := "-"
				if m.ProjectorPath != "" {
					proj = m.ProjectorType
				}
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", m.ID, m.Architecture, m.ContextLength, humanBytes(m.SizeBytes), proj)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&dir, "models-dir", "", "Directory to scan (overrides config)")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print JSON")
	return cmd
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%dB", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
