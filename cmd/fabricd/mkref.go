package main

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"fabricd/internal/backend/refmodel"
)

func newMkrefCmd() *cobra.Command {
	spec := refmodel.Spec{}
	cmd := &cobra.Command{
		Use:     "mkref <path.gguf>",
		Short:   "Write a reference-backend model file",
		Long:    "Writes a small deterministic model in GGUF form that the built-in reference backend can load. Useful for smoke tests and demos without real weights.",
		Example: "  fabricd mkref ~/models/llm/ref.gguf --name ref --context 512",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			if spec.Name == "" {
				spec.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
			}
			if err := refmodel.WriteModel(path, spec); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (vocab=%d ctx=%d)\n", path, spec.VocabSize, spec.ContextLength)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&spec.Name, "name", "", "general.name (defaults to the file stem)")
	f.IntVar(&spec.VocabSize, "vocab", 512, "Vocabulary size")
	f.IntVar(&spec.ContextLength, "context", 2048, "Context length")
	f.IntVar(&spec.EmbeddingSize, "embedding", 64, "Embedding width")
	f.Uint64Var(&spec.Seed, "seed", 1, "Weight seed")
	f.Float32Var(&spec.EOSBias, "eos-bias", 0, "Bias added to the EOS logit")
	return cmd
}
