package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"fabricd/internal/handle"
	"fabricd/internal/session"
	"fabricd/pkg/types"
)

type generateFlags struct {
	model       string
	projector   string
	prompt      string
	image       string
	maxTokens   int
	temperature float32
	topK        int
	topP        float32
	seed        uint64
	truncate    bool
}

func newGenerateCmd(rf *rootFlags) *cobra.Command {
	gf := &generateFlags{}
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Load a model and run one generation locally",
		Example: "  fabricd generate --model ref.gguf --prompt hello --temperature 0\n" +
			"  fabricd generate --model qwen2-vl.gguf --projector mmproj.gguf --image cat.png --prompt 'Describe <__media__>'",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rf.loadConfig()
			if err != nil {
				return err
			}
			cfg.ApplyDefaults()
			log := newLogger(cfg.Log, cmd.ErrOrStderr())
			rt, err := newRuntime(cfg, log)
			if err != nil {
				return err
			}
			defer rt.Close()

			model := gf.model
			if model == "" {
				model = cfg.Models.Default
			}
			if model == "" {
				return fmt.Errorf("--model is required")
			}
			projector := gf.projector
			if projector == "" && model == cfg.Models.Default {
				projector = cfg.Models.Projector
			}
			if _, err := rt.Swap(cmd.Context(), model, projector); err != nil {
				return err
			}

			in := types.InferRequest{Prompt: gf.prompt, MaxTokens: gf.maxTokens, Truncate: gf.truncate}
			if cmd.Flags().Changed("seed") {
				in.Seed = &gf.seed
			}
			if cmd.Flags().Changed("temperature") {
				in.Temperature = &gf.temperature
			}
			if cmd.Flags().Changed("top-k") {
				in.TopK = &gf.topK
			}
			if cmd.Flags().Changed("top-p") {
				in.TopP = &gf.topP
			}
			if gf.image != "" {
				b, err := os.ReadFile(gf.image)
				if err != nil {
					return err
				}
				in.Image = b
			}
			return generate(cmd, rt, in)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&gf.model, "model", "m", "", "Model id or path (defaults to models.default)")
	f.StringVar(&gf.projector, "projector", "", "Projector (mmproj) path for image prompts")
	f.StringVarP(&gf.prompt, "prompt", "p", "", "Prompt text; may contain one <__media__> marker")
	f.StringVar(&gf.image, "image", "", "Image file for the prompt")
	f.IntVarP(&gf.maxTokens, "max-tokens", "n", 0, "Maximum tokens to generate")
	f.Float32VarP(&gf.temperature, "temperature", "t", 0, "Sampling temperature; 0 is greedy")
	f.IntVar(&gf.topK, "top-k", 0, "Top-K cutoff (0 disables)")
	f.Float32Var(&gf.topP, "top-p", 1, "Nucleus probability")
	f.Uint64Var(&gf.seed, "seed", 0, "Sampling seed")
	f.BoolVar(&gf.truncate, "truncate", false, "Evict old context instead of failing when the window fills")
	return cmd
}

// runtimeStreamer is the slice of the runtime generate needs.
type runtimeStreamer interface {
	Request(types.InferRequest) session.Request
	Stream(ctx context.Context, req session.Request) (*session.Session, handle.Handle, error)
}

func generate(cmd *cobra.Command, rt runtimeStreamer, in types.InferRequest) error {
	out := cmd.OutOrStdout()
	s, _, err := rt.Stream(cmd.Context(), rt.Request(in))
	if err != nil {
		return err
	}
	for tok := range s.Tokens() {
		_, _ = io.WriteString(out, tok.Text)
	}
	res := s.Result()
	fmt.Fprintln(out)
	fmt.Fprintf(cmd.ErrOrStderr(), "state=%s finish=%s prompt_tokens=%d tokens=%d gen=%d dur=%s\n",
		res.State, res.FinishReason, res.PromptTokens, res.Tokens, res.Generation, res.Duration)
	if res.State == session.Failed {
		return res.Err
	}
	return nil
}
