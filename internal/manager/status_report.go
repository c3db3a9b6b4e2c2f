package manager

import (
	"fmt"
	"time"

	"fabricd/internal/fault"
	"fabricd/internal/worker"
	"fabricd/pkg/types"
)

// Status builds a detailed status response for /status.
func (r *Runtime) Status() types.StatusResponse {
	r.mu.RLock()
	c := r.client
	last := r.lastEvent
	resp := types.StatusResponse{
		LastError:      r.lastErr,
		MaxSessions:    r.cfg.MaxSessions,
		UptimeSeconds:  int64(time.Since(r.startTime).Seconds()),
		ServerTimeUnix: time.Now().Unix(),
	}
	r.mu.RUnlock()

	if last.Name != "" {
		resp.LastEvent = last.String()
	}
	resp.ActiveSessions = r.sessions.Len()

	in := r.slot.Info()
	resp.Model = types.ModelStatus{
		Loaded:       in.Loaded,
		Generation:   in.Generation,
		RetiredAlive: in.RetiredAlive,
	}
	if in.Loaded {
		resp.Model.Name = r.modelName()
		resp.Model.Path = in.Path
		resp.Model.Architecture = in.Model.Architecture
		resp.Model.LoadedAtUnix = in.LoadedAt.Unix()
		if in.ProjectorType.Supported() {
			resp.Model.ProjectorType = in.ProjectorType.String()
		}
	}

	resp.Worker.State = worker.Disconnected.String()
	if c != nil {
		cfg := c.Config()
		resp.Worker = types.WorkerStatus{
			State:       c.Status().String(),
			Addr:        cfg.Addr,
			ControlPort: cfg.ControlPort,
			ProxyPort:   cfg.ProxyPort,
			Type:        string(cfg.Type),
		}
		if hb := c.LastHeartbeat(); !hb.IsZero() {
			resp.Worker.LastHeartbeatUnix = hb.Unix()
		}
	}
	return resp
}

// StatusString renders the short status line:
//
//	state=Connected model=<name> gen=<n> last_event="HEARTBEAT - ..."
func (r *Runtime) StatusString() string {
	r.mu.RLock()
	c := r.client
	last := r.lastEvent
	r.mu.RUnlock()
	state := worker.Disconnected
	if c != nil {
		state = c.Status()
	}
	model := r.modelName()
	if model == "" {
		model = "none"
	}
	ev := ""
	if last.Name != "" {
		ev = last.String()
	}
	return fmt.Sprintf("state=%s model=%s gen=%d last_event=%q", state, model, r.slot.Generation(), ev)
}

// GetStatus writes StatusString into buf followed by a NUL byte and returns
// the length without the NUL. A nil or short buffer fails with
// BufferTooSmall and is left untouched.
func (r *Runtime) GetStatus(buf []byte) (int, error) {
	if buf == nil {
		return 0, fault.New(fault.BufferTooSmall, "runtime.get_status", "nil buffer")
	}
	s := r.StatusString()
	if len(buf) < len(s)+1 {
		return 0, fault.New(fault.BufferTooSmall, "runtime.get_status", "need %d bytes, have %d", len(s)+1, len(buf))
	}
	n := copy(buf, s)
	buf[n] = 0
	return n, nil
}
