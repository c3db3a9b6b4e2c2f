package manager

import (
	"context"
	"time"

	"fabricd/internal/events"
	"fabricd/internal/fault"
	"fabricd/internal/metrics"
	"fabricd/internal/worker"
)

// StartWorker connects to the orchestrator at addr and logs in as clientID.
// It returns once the login has been answered; the connection is then kept
// alive in the background until StopWorker. A worker that gave up
// reconnecting can be started again.
func (r *Runtime) StartWorker(ctx context.Context, addr string, controlPort, proxyPort int, workerType, clientID string) error {
	typ, err := worker.ParseType(workerType)
	if err != nil {
		return err
	}
	cfg := r.cfg.Worker
	cfg.Addr = addr
	cfg.ControlPort = controlPort
	cfg.ProxyPort = proxyPort
	cfg.Type = typ
	cfg.ClientID = clientID

	r.workerMu.Lock()
	defer r.workerMu.Unlock()
	r.mu.RLock()
	prev := r.client
	r.mu.RUnlock()
	if prev != nil && prev.Status() != worker.Disconnected {
		return fault.New(fault.InvalidArgument, "runtime.start_worker", "worker already running (%s)", prev.Status())
	}
	c, err := worker.New(cfg, worker.Options{
		Handler:   r,
		Publisher: recorder{r},
		Collector: r.cfg.Collector,
		Journal:   r.cfg.Journal,
		Dial:      r.cfg.Dial,
		Logger:    &r.log,
	})
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.client = c
	r.mu.Unlock()
	if err := c.Start(ctx); err != nil {
		r.setErr(err)
		return err
	}
	return nil
}

// StopWorker cancels every session and closes the orchestrator connection.
func (r *Runtime) StopWorker() error {
	r.workerMu.Lock()
	defer r.workerMu.Unlock()
	r.mu.RLock()
	c := r.client
	r.mu.RUnlock()
	if c == nil {
		return fault.New(fault.InvalidArgument, "runtime.stop_worker", "worker was never started")
	}
	c.Stop()
	return nil
}

// StartBackgroundTasks registers p for lifecycle events and starts the
// runtime's housekeeping loop. Calling it again only replaces p; a nil p
// stops forwarding.
func (r *Runtime) StartBackgroundTasks(p events.Publisher) error {
	r.mu.Lock()
	r.external = p
	started := r.bgCancel == nil
	if started {
		ctx, cancel := context.WithCancel(context.Background())
		r.bgCancel = cancel
		r.bgDone = make(chan struct{})
		go r.housekeep(ctx, r.bgDone)
	}
	r.mu.Unlock()
	if started {
		recorder{r}.Publish(events.New(events.Starting, "background tasks started"))
	}
	return nil
}

// housekeep refreshes the slot gauges that nothing else updates on a
// schedule.
func (r *Runtime) housekeep(ctx context.Context, done chan struct{}) {
	defer close(done)
	t := time.NewTicker(r.cfg.Housekeeping)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			in := r.slot.Info()
			metrics.RetiredAlive(in.RetiredAlive)
			r.log.Debug().Uint64("generation", in.Generation).Int("sessions", r.sessions.Len()).Int("retired_alive", in.RetiredAlive).Msg("housekeeping")
		}
	}
}

// Close stops the worker and background tasks, cancels running sessions and
// drops the current model. Models pinned by sessions are closed as those
// sessions finish.
func (r *Runtime) Close() error {
	r.mu.RLock()
	c := r.client
	r.mu.RUnlock()
	if c != nil {
		_ = r.StopWorker()
	}
	r.StopAll()

	r.mu.Lock()
	cancel, done := r.bgCancel, r.bgDone
	r.bgCancel, r.bgDone = nil, nil
	r.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	r.slot.Close()
	return r.cfg.Journal.Close()
}
