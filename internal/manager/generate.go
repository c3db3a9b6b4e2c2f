package manager

import (
	"context"

	"fabricd/internal/fault"
	"fabricd/internal/handle"
	"fabricd/internal/metrics"
	"fabricd/internal/session"
	"fabricd/pkg/types"
)

// Request converts an API request into a session request. Unset sampling
// fields and max tokens take the runtime defaults.
func (r *Runtime) Request(in types.InferRequest) session.Request {
	sc := r.cfg.Sampling
	if in.Temperature != nil {
		sc.Temperature = *in.Temperature
	}
	if in.TopP != nil {
		sc.TopP = *in.TopP
	}
	if in.TopK != nil {
		sc.TopK = *in.TopK
	}
	if in.RepeatPenalty != nil {
		sc.RepeatPenalty = *in.RepeatPenalty
	}
	if in.RepeatLastN != nil {
		sc.PenaltyWindow = *in.RepeatLastN
	}
	if in.Seed != nil {
		sc.Seed = *in.Seed
	}
	maxTokens := in.MaxTokens
	if maxTokens <= 0 {
		maxTokens = r.cfg.MaxTokens
	}
	tr := r.cfg.Truncation
	if in.Truncate {
		tr.Enabled = true
	}
	return session.Request{
		Prompt:     in.Prompt,
		Image:      in.Image,
		Sampling:   sc.WithDefaults(),
		MaxTokens:  maxTokens,
		Truncation: tr,
	}
}

// Stream admits req, pins the current model and starts the session. The
// caller must receive from Tokens until it is closed or Cancel the session.
// The handle stays valid until the session ends.
func (r *Runtime) Stream(ctx context.Context, req session.Request) (*session.Session, handle.Handle, error) {
	return r.launch(ctx, req, "")
}

// StartAsync starts req and delivers its tokens to onToken, then calls
// onComplete exactly once. Both run on a goroutine owned by the runtime;
// onToken may call Cancel with the returned handle.
func (r *Runtime) StartAsync(ctx context.Context, req session.Request, onToken func(session.Token), onComplete func(session.Result)) (handle.Handle, error) {
	s, h, err := r.launch(ctx, req, "")
	if err != nil {
		return handle.Handle{}, err
	}
	go s.Deliver(onToken, onComplete)
	return h, nil
}

// GenerateSync runs req to completion and returns the result. The error is
// the session's failure or the context error; a session cancelled through
// Cancel returns its partial result and no error.
func (r *Runtime) GenerateSync(ctx context.Context, req session.Request) (session.Result, error) {
	s, _, err := r.launch(ctx, req, "")
	if err != nil {
		return session.Result{}, err
	}
	s.Deliver(nil, nil)
	res := s.Result()
	return res, res.Err
}

// Cancel requests cancellation of the session behind h. Unknown, finished
// and reused handles report SessionNotFound.
func (r *Runtime) Cancel(h handle.Handle) error {
	t, err := r.sessions.Get(h)
	if err != nil {
		if fault.Is(err, fault.StaleHandle) {
			return fault.Wrap(fault.SessionNotFound, "runtime.cancel", err)
		}
		return err
	}
	t.s.Cancel()
	return nil
}

func (r *Runtime) launch(ctx context.Context, req session.Request, taskID string) (*session.Session, handle.Handle, error) {
	release, err := r.sem.acquire(ctx)
	if err != nil {
		return nil, handle.Handle{}, err
	}
	lease, err := r.slot.Snapshot()
	if err != nil {
		release()
		r.setErr(err)
		return nil, handle.Handle{}, err
	}
	s, err := session.New(lease, req, session.Options{
		ID:      taskID,
		Context: r.slot.ContextOptions(),
		Cache:   r.cache,
		Logger:  &r.log,
	})
	if err != nil {
		release()
		return nil, handle.Handle{}, err
	}
	t := &tracked{s: s, taskID: taskID}
	h := r.sessions.Insert(t)
	if taskID != "" {
		r.mu.Lock()
		r.tasks[taskID] = h
		r.mu.Unlock()
	}
	metrics.SessionStarted()
	s.Start(ctx)
	go r.reap(h, t, release)
	return s, h, nil
}

// reap retires a session from the table once it ends.
func (r *Runtime) reap(h handle.Handle, t *tracked, release func()) {
	res := t.s.Result()
	release()
	_, _ = r.sessions.Remove(h)
	if t.taskID != "" {
		r.mu.Lock()
		if r.tasks[t.taskID] == h {
			delete(r.tasks, t.taskID)
		}
		r.mu.Unlock()
	}
	metrics.SessionFinished(res.State.String(), res.Tokens)
	if res.State == session.Failed {
		r.setErr(res.Err)
	}
}
