package manager

import (
	"context"
	"io"

	json "github.com/goccy/go-json"

	"fabricd/internal/fault"
	"fabricd/internal/session"
	"fabricd/pkg/types"
)

// Infer streams req to w as NDJSON InferChunk lines. The first line carries
// the session handle, the last one has Done set with the outcome.
//
// Errors up to the first token (admission, no model, prompt or image
// problems) are returned before anything is written so the caller can map
// them to a status code. Later failures are reported in the last line.
func (r *Runtime) Infer(ctx context.Context, in types.InferRequest, w io.Writer, flusher func()) error {
	s, h, err := r.Stream(ctx, r.Request(in))
	if err != nil {
		return err
	}
	first, ok := <-s.Tokens()
	if !ok {
		if res := s.Result(); res.Err != nil {
			return res.Err
		}
	}

	enc := json.NewEncoder(w)
	write := func(c types.InferChunk) error {
		if err := enc.Encode(c); err != nil {
			return err
		}
		if flusher != nil {
			flusher()
		}
		return nil
	}
	werr := write(types.InferChunk{Handle: h.String(), Generation: s.Generation()})
	if ok && werr == nil {
		werr = write(types.InferChunk{Delta: first.Text})
	}
	if werr != nil {
		s.Cancel()
	}
	for tok := range s.Tokens() {
		if werr != nil {
			continue
		}
		if werr = write(types.InferChunk{Delta: tok.Text}); werr != nil {
			s.Cancel()
		}
	}
	res := s.Result()
	if werr != nil {
		// client went away
		return nil
	}
	final := types.InferChunk{
		Done:             true,
		State:            res.State.String(),
		FinishReason:     res.FinishReason,
		PromptTokens:     res.PromptTokens,
		CompletionTokens: res.Tokens,
		Generation:       res.Generation,
	}
	if res.State == session.Failed && res.Err != nil {
		final.Error = res.Err.Error()
		final.Code = fault.Code(res.Err)
	}
	return write(final)
}
