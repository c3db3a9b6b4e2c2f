package manager

import (
	"context"

	"fabricd/internal/backend"
	"fabricd/internal/handle"
	"fabricd/internal/protocol"
	"fabricd/internal/session"
	"fabricd/internal/worker"
)

var _ worker.Handler = (*Runtime)(nil)

// LoadModel implements worker.Handler.
func (r *Runtime) LoadModel(ctx context.Context, cmd protocol.LoadModel) (protocol.ModelStatus, error) {
	gen, err := r.Swap(ctx, cmd.Path, cmd.ProjectorPath)
	if err != nil {
		return protocol.ModelStatus{Model: cmd.Path}, err
	}
	return protocol.ModelStatus{Model: r.modelName(), Generation: gen, Loaded: true}, nil
}

// Generate implements worker.Handler. The task id doubles as the session id
// so CancelTask can find it. Chat tasks are rendered with the pinned model's
// template.
func (r *Runtime) Generate(ctx context.Context, task protocol.InferenceTask, emit func(string) error) (worker.Usage, error) {
	req := session.Request{
		Prompt:     task.Prompt,
		Messages:   chatMessages(task.Messages),
		Image:      task.Image,
		Sampling:   task.Sampling(),
		MaxTokens:  task.MaxTokens,
		Truncation: r.cfg.Truncation,
	}
	if req.MaxTokens <= 0 {
		req.MaxTokens = r.cfg.MaxTokens
	}
	s, _, err := r.launch(ctx, req, task.TaskID)
	if err != nil {
		return worker.Usage{FinishReason: session.FinishError}, err
	}
	var emitErr error
	for tok := range s.Tokens() {
		if emitErr = emit(tok.Text); emitErr != nil {
			s.Cancel()
			break
		}
	}
	res := s.Result()
	u := worker.Usage{PromptTokens: res.PromptTokens, CompletionTokens: res.Tokens, FinishReason: res.FinishReason}
	switch {
	case emitErr != nil:
		return u, emitErr
	case res.State == session.Failed:
		return u, res.Err
	}
	return u, nil
}

func chatMessages(in []protocol.ChatMessage) []backend.ChatMessage {
	if len(in) == 0 {
		return nil
	}
	out := make([]backend.ChatMessage, len(in))
	for i, m := range in {
		out[i] = backend.ChatMessage{Role: m.Role, Content: m.Content}
	}
	return out
}

// CancelTask implements worker.Handler.
func (r *Runtime) CancelTask(taskID string) bool {
	r.mu.RLock()
	h, ok := r.tasks[taskID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	return r.Cancel(h) == nil
}

// StopAll implements worker.Handler: every running session is cancelled,
// local ones included.
func (r *Runtime) StopAll() {
	n := 0
	r.sessions.Each(func(_ handle.Handle, t *tracked) {
		t.s.Cancel()
		n++
	})
	if n > 0 {
		r.log.Info().Int("sessions", n).Msg("cancelled all sessions")
	}
}

// Snapshot implements worker.Handler.
func (r *Runtime) Snapshot() worker.ModelSnapshot {
	return worker.ModelSnapshot{
		Name:       r.modelName(),
		Generation: r.slot.Generation(),
		Sessions:   r.sessions.Len(),
	}
}

func (r *Runtime) modelName() string {
	in := r.slot.Info()
	if !in.Loaded {
		return ""
	}
	if in.Model.Name != "" {
		return in.Model.Name
	}
	return in.Path
}
