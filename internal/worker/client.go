// Package worker connects the runtime to a remote orchestrator. It keeps a
// control connection for commands and heartbeats and a proxy connection for
// streamed inference results, and reconnects with bounded backoff when
// either drops.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"fabricd/internal/events"
	"fabricd/internal/fault"
	"fabricd/internal/journal"
	"fabricd/internal/metrics"
	"fabricd/internal/protocol"
	"fabricd/internal/sysinfo"
)

// Paths used by the WebSocket transport.
const (
	ControlPath = "/control"
	ProxyPath   = "/proxy"
)

// Usage summarises a finished generation for the final result chunk.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	FinishReason     string
}

// ModelSnapshot is what the worker reports about the active model.
type ModelSnapshot struct {
	Name       string
	Generation uint64
	Sessions   int
}

// Handler executes commands. The runtime implements it.
type Handler interface {
	LoadModel(ctx context.Context, cmd protocol.LoadModel) (protocol.ModelStatus, error)
	// Generate runs task, calling emit for every text delta. An error
	// returned by emit must be returned unchanged. A task with Messages is
	// a chat task: the handler renders them into the prompt.
	Generate(ctx context.Context, task protocol.InferenceTask, emit func(delta string) error) (Usage, error)
	CancelTask(taskID string) bool
	StopAll()
	Snapshot() ModelSnapshot
}

// Options are the client's collaborators. Only Handler is required.
type Options struct {
	Handler   Handler
	Publisher events.Publisher
	Collector sysinfo.Collector
	Journal   journal.Journal
	Dial      Dialer
	Logger    *zerolog.Logger
}

type link struct {
	control Conn
	proxy   Conn
	once    sync.Once
}

func (l *link) close() {
	l.once.Do(func() {
		l.control.Close()
		l.proxy.Close()
	})
}

// Client is a restartable orchestrator connection.
type Client struct {
	cfg  Config
	opts Options
	log  zerolog.Logger

	status atomic.Int32

	mu            sync.RWMutex
	cur           *link
	lastHeartbeat time.Time

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	tasks  sync.WaitGroup
}

// New validates cfg and returns a stopped client.
func New(cfg Config, opts Options) (*Client, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Handler == nil {
		return nil, fault.New(fault.InvalidArgument, "worker.new", "handler is required")
	}
	if opts.Publisher == nil {
		opts.Publisher = events.Nop{}
	}
	if opts.Collector == nil {
		opts.Collector = &sysinfo.Host{}
	}
	if opts.Journal == nil {
		opts.Journal = journal.NewMemory()
	}
	if opts.Dial == nil {
		opts.Dial = Dial
	}
	l := zerolog.Nop()
	if opts.Logger != nil {
		l = *opts.Logger
	}
	return &Client{
		cfg:  cfg,
		opts: opts,
		log:  l.With().Str("component", "worker").Str("client_id", cfg.ClientID).Logger(),
	}, nil
}

// Config returns the effective configuration.
func (c *Client) Config() Config { return c.cfg }

// Status returns the connection state.
func (c *Client) Status() Status { return Status(c.status.Load()) }

// LastHeartbeat returns when the last heartbeat was sent.
func (c *Client) LastHeartbeat() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastHeartbeat
}

func (c *Client) setStatus(s Status) {
	c.status.Store(int32(s))
	metrics.SetWorkerState(s.String())
}

func (c *Client) publish(name, msg string) {
	c.log.Debug().Str("event", name).Msg(msg)
	c.opts.Publisher.Publish(events.New(name, msg))
}

// Start connects and logs in, then keeps the connection alive in the
// background until Stop. ctx bounds only the initial connect.
func (c *Client) Start(ctx context.Context) error {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.done != nil {
		select {
		case <-c.done:
			// supervisor gave up; allow a fresh start
			c.cancel()
			c.cancel, c.done = nil, nil
		default:
			return fault.New(fault.InvalidArgument, "worker.start", "worker already running")
		}
	}

	c.publish(events.Starting, fmt.Sprintf("connecting to %s control=%d proxy=%d via %s", c.cfg.Addr, c.cfg.ControlPort, c.cfg.ProxyPort, c.cfg.Type))
	c.setStatus(Connecting)
	l, err := c.connect(ctx)
	if err != nil {
		c.setStatus(Disconnected)
		return err
	}
	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.supervise(runCtx, l, c.done)
	c.resume(runCtx)
	return nil
}

// Stop cancels every session, closes the connections and waits for the
// background loops. The client can be started again afterwards.
func (c *Client) Stop() {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.cancel == nil {
		return
	}
	c.opts.Handler.StopAll()
	c.cancel()
	<-c.done
	c.tasks.Wait()
	c.cancel, c.done = nil, nil
	c.setStatus(Disconnected)
	c.publish(events.Stopped, "worker stopped")
}

func (c *Client) endpoint(port int, path string) Endpoint {
	return Endpoint{Type: c.cfg.Type, Addr: c.cfg.Addr, Port: port, Path: path, WriteTimeout: c.cfg.WriteTimeout}
}

func (c *Client) connect(ctx context.Context) (*link, error) {
	dctx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()

	control, err := c.opts.Dial(dctx, c.endpoint(c.cfg.ControlPort, ControlPath))
	if err != nil {
		c.publish(events.LoginFailed, err.Error())
		return nil, err
	}
	snap := c.opts.Handler.Snapshot()
	login := protocol.Login{
		ClientID:   c.cfg.ClientID,
		Version:    protocol.Version,
		OS:         runtime.GOOS,
		Model:      snap.Name,
		SystemInfo: c.opts.Collector.Collect(),
	}
	if err := control.Send(login); err != nil {
		control.Close()
		c.publish(events.LoginFailed, err.Error())
		return nil, err
	}
	reply, err := recvWithin(dctx, control)
	if err != nil {
		control.Close()
		c.publish(events.LoginFailed, err.Error())
		return nil, err
	}
	res, ok := reply.(protocol.LoginResult)
	if !ok {
		control.Close()
		err := fault.New(fault.ProtocolError, "worker.login", "expected login_result, got %s", reply.MessageType())
		c.publish(events.LoginFailed, err.Error())
		return nil, err
	}
	if !res.Success {
		control.Close()
		err := fault.Wrap(fault.ProtocolError, "worker.login", fmt.Errorf("%w: %s", ErrLoginRejected, res.Error))
		c.publish(events.LoginFailed, res.Error)
		return nil, err
	}
	c.publish(events.LoginSuccess, fmt.Sprintf("logged in as %s", c.cfg.ClientID))

	proxy, err := c.opts.Dial(dctx, c.endpoint(c.cfg.ProxyPort, ProxyPath))
	if err != nil {
		control.Close()
		return nil, err
	}
	if err := proxy.Send(protocol.ProxyHello{ClientID: c.cfg.ClientID}); err != nil {
		control.Close()
		proxy.Close()
		return nil, err
	}
	ack, err := recvWithin(dctx, proxy)
	if err == nil {
		if a, ok := ack.(protocol.ProxyHelloAck); !ok || !a.Success {
			err = fault.New(fault.ProtocolError, "worker.proxy", "proxy handshake rejected")
		}
	}
	if err != nil {
		control.Close()
		proxy.Close()
		return nil, err
	}

	l := &link{control: control, proxy: proxy}
	c.mu.Lock()
	c.cur = l
	c.mu.Unlock()
	c.setStatus(Connected)

	if snap.Name != "" {
		_ = control.Send(protocol.ModelStatus{ClientID: c.cfg.ClientID, Model: snap.Name, Generation: snap.Generation, Loaded: true})
	}
	c.log.Info().Str("addr", c.cfg.Addr).Str("type", string(c.cfg.Type)).Msg("connected")
	return l, nil
}

// recvWithin reads one message, giving up when ctx ends. The connection
// is closed on timeout so the pending read returns.
func recvWithin(ctx context.Context, conn Conn) (protocol.Message, error) {
	type result struct {
		m   protocol.Message
		err error
	}
	ch := make(chan result, 1)
	go func() {
		m, err := conn.Recv()
		ch <- result{m, err}
	}()
	select {
	case r := <-ch:
		return r.m, r.err
	case <-ctx.Done():
		conn.Close()
		return nil, fault.Wrap(fault.ConnectionFailed, "worker.recv", ctx.Err())
	}
}

func (c *Client) supervise(ctx context.Context, l *link, done chan struct{}) {
	defer close(done)
	for {
		err := c.serve(ctx, l)
		l.close()
		c.mu.Lock()
		if c.cur == l {
			c.cur = nil
		}
		c.mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		c.setStatus(Degraded)
		c.publish(events.Disconnected, fmt.Sprintf("connection lost: %v", err))
		c.log.Warn().Err(err).Msg("connection lost")

		l = c.reconnect(ctx)
		if l == nil {
			return
		}
		c.resume(ctx)
	}
}

// ErrLoginRejected marks an explicit login refusal by the orchestrator.
var ErrLoginRejected = errors.New("login rejected")

// reconnectable reports whether a failed reconnect attempt should be
// retried. A protocol error only poisons the connection it happened on;
// an explicit login rejection is final.
func reconnectable(err error) bool {
	if errors.Is(err, ErrLoginRejected) {
		return false
	}
	return fault.Retryable(err) || fault.Is(err, fault.ProtocolError)
}

// reconnect retries connect with backoff. It returns nil when the attempt
// bound is exhausted, the failure is permanent, or ctx ends.
func (c *Client) reconnect(ctx context.Context) *link {
	for attempt := 1; attempt <= c.cfg.Backoff.MaxAttempts; attempt++ {
		delay := c.cfg.Backoff.Delay(attempt)
		c.publish(events.Reconnecting, fmt.Sprintf("attempt %d/%d in %s", attempt, c.cfg.Backoff.MaxAttempts, delay))
		metrics.Reconnect()
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return nil
		}
		l, err := c.connect(ctx)
		if err == nil {
			return l
		}
		c.log.Warn().Err(err).Int("attempt", attempt).Msg("reconnect failed")
		if !reconnectable(err) {
			c.setStatus(Disconnected)
			c.publish(events.Disconnected, fmt.Sprintf("giving up: %v", err))
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}
		c.setStatus(Degraded)
	}
	c.setStatus(Disconnected)
	c.publish(events.Disconnected, fmt.Sprintf("giving up after %d reconnect attempts", c.cfg.Backoff.MaxAttempts))
	return nil
}

func (c *Client) serve(ctx context.Context, l *link) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.readLoop(gctx, ctx, l.control) })
	g.Go(func() error { return c.readLoop(gctx, ctx, l.proxy) })
	g.Go(func() error { return c.heartbeatLoop(gctx, l) })
	g.Go(func() error {
		<-gctx.Done()
		l.close()
		return nil
	})
	return g.Wait()
}

// readLoop dispatches incoming commands. Tasks run under runCtx so they
// outlive a single connection.
func (c *Client) readLoop(ctx, runCtx context.Context, conn Conn) error {
	for {
		m, err := conn.Recv()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		c.dispatch(runCtx, m)
	}
}

func (c *Client) heartbeatLoop(ctx context.Context, l *link) error {
	t := time.NewTicker(c.cfg.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
		snap := c.opts.Handler.Snapshot()
		info := c.opts.Collector.Collect()
		err := l.control.Send(protocol.Heartbeat{
			ClientID:   c.cfg.ClientID,
			Model:      snap.Name,
			Generation: snap.Generation,
			Sessions:   snap.Sessions,
			SystemInfo: info,
		})
		metrics.Heartbeat(err)
		if err != nil {
			return err
		}
		c.mu.Lock()
		c.lastHeartbeat = time.Now()
		c.mu.Unlock()
		c.publish(events.Heartbeat, fmt.Sprintf("cpu=%.1f%% mem=%.1f%% sessions=%d", info.CPUPercent, info.MemPercent, snap.Sessions))
	}
}

func (c *Client) dispatch(ctx context.Context, m protocol.Message) {
	metrics.Command(string(m.MessageType()))
	switch cmd := m.(type) {
	case protocol.LoadModel:
		c.publish(events.CommandReceived, fmt.Sprintf("load_model %s", cmd.Path))
		if cmd.TaskID == "" {
			cmd.TaskID = uuid.NewString()
		}
		c.runTask(ctx, cmd.TaskID, cmd, func(ctx context.Context) error { return c.loadModel(ctx, cmd) })
	case protocol.InferenceTask:
		c.publish(events.CommandReceived, fmt.Sprintf("inference_task %s", cmd.TaskID))
		if cmd.TaskID == "" {
			cmd.TaskID = uuid.NewString()
		}
		c.runTask(ctx, cmd.TaskID, cmd, func(ctx context.Context) error { return c.generate(ctx, cmd) })
	case protocol.ChatInferenceTask:
		c.publish(events.CommandReceived, fmt.Sprintf("chat_inference_task %s", cmd.TaskID))
		if cmd.TaskID == "" {
			cmd.TaskID = uuid.NewString()
		}
		c.runTask(ctx, cmd.TaskID, cmd, func(ctx context.Context) error { return c.generate(ctx, cmd.Inference()) })
	case protocol.CancelInference:
		c.publish(events.CommandReceived, fmt.Sprintf("cancel_inference %s", cmd.TaskID))
		if !c.opts.Handler.CancelTask(cmd.TaskID) {
			c.log.Debug().Str("task", cmd.TaskID).Msg("cancel for unknown task")
		}
	case protocol.Stop:
		c.publish(events.CommandReceived, "stop")
		go c.Stop()
	default:
		c.log.Debug().Str("type", string(m.MessageType())).Msg("ignoring message")
	}
}

// runTask journals a command and runs it once. Commands interrupted by a
// lost connection are requeued for the next connection until their retry
// budget is spent.
func (c *Client) runTask(ctx context.Context, taskID string, m protocol.Message, fn func(context.Context) error) {
	payload, err := protocol.Encode(m)
	if err != nil {
		c.log.Error().Err(err).Str("task", taskID).Msg("encode command")
		return
	}
	entry, ok, err := c.opts.Journal.Begin(ctx, taskID, string(m.MessageType()), payload)
	if err != nil {
		c.log.Warn().Err(err).Str("task", taskID).Msg("journal begin")
		entry, ok = journal.Entry{TaskID: taskID, Attempts: 1}, true
	}
	if !ok {
		c.log.Info().Str("task", taskID).Str("status", string(entry.Status)).Msg("duplicate command skipped")
		return
	}
	started := c.current()
	c.tasks.Add(1)
	go func() {
		defer c.tasks.Done()
		err := fn(ctx)
		if err != nil && fault.Is(err, fault.ConnectionFailed) && ctx.Err() == nil && entry.Attempts <= c.cfg.MaxCommandRetries {
			if rerr := c.opts.Journal.Requeue(context.Background(), taskID); rerr == nil {
				c.log.Info().Str("task", taskID).Int("attempt", entry.Attempts).Msg("command requeued")
				// already reconnected: the supervisor's resume may have run
				// before the requeue
				if cur := c.current(); cur != nil && cur != started {
					c.resume(ctx)
				}
				return
			}
		}
		if ferr := c.opts.Journal.Finish(context.Background(), taskID, err); ferr != nil {
			c.log.Warn().Err(ferr).Str("task", taskID).Msg("journal finish")
		}
	}()
}

// resume re-dispatches commands a lost connection interrupted.
func (c *Client) resume(ctx context.Context) {
	pending, err := c.opts.Journal.Pending(ctx)
	if err != nil {
		c.log.Warn().Err(err).Msg("journal pending")
		return
	}
	for _, e := range pending {
		m, err := protocol.Decode(e.Payload)
		if err == nil && e.Attempts > c.cfg.MaxCommandRetries {
			err = fmt.Errorf("retry budget of %d exhausted", c.cfg.MaxCommandRetries)
		}
		if err != nil {
			_ = c.opts.Journal.Finish(ctx, e.TaskID, err)
			c.log.Warn().Err(err).Str("task", e.TaskID).Msg("dropping journaled command")
			continue
		}
		c.log.Info().Str("task", e.TaskID).Int("attempts", e.Attempts).Msg("retrying command")
		c.dispatch(ctx, m)
	}
}

func (c *Client) loadModel(ctx context.Context, cmd protocol.LoadModel) error {
	st, err := c.opts.Handler.LoadModel(ctx, cmd)
	st.ClientID = c.cfg.ClientID
	st.TaskID = cmd.TaskID
	if err != nil {
		st.Loaded = false
		st.Error = err.Error()
		st.Code = fault.Code(err)
		c.publish(events.ModelLoadFailed, err.Error())
	} else {
		c.publish(events.ModelLoaded, fmt.Sprintf("%s gen=%d", st.Model, st.Generation))
	}
	if serr := c.sendControl(st); serr != nil {
		c.log.Warn().Err(serr).Str("task", cmd.TaskID).Msg("model status not delivered")
	}
	return err
}

func (c *Client) generate(ctx context.Context, task protocol.InferenceTask) error {
	c.publish(events.InferenceStart, task.TaskID)
	// a stream stays on the connection it started on
	l := c.current()
	send := func(m protocol.Message) error {
		if l == nil {
			return fault.Wrap(fault.ConnectionFailed, "worker.send", errNoLink)
		}
		return l.proxy.Send(m)
	}
	seq := 0
	emit := func(delta string) error {
		ch := protocol.ResultChunk{TaskID: task.TaskID, Seq: seq, Delta: delta}
		seq++
		return send(ch)
	}
	usage, err := c.opts.Handler.Generate(ctx, task, emit)
	final := protocol.ResultChunk{
		TaskID:           task.TaskID,
		Seq:              seq,
		Done:             true,
		FinishReason:     usage.FinishReason,
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
	}
	if err != nil {
		if fault.Is(err, fault.ConnectionFailed) {
			c.publish(events.InferenceFailed, fmt.Sprintf("%s: %v", task.TaskID, err))
			return err
		}
		final.Error = err.Error()
		final.Code = fault.Code(err)
		if final.FinishReason == "" {
			final.FinishReason = "error"
		}
	}
	if serr := send(final); serr != nil && err == nil {
		err = serr
	}
	if err != nil {
		c.publish(events.InferenceFailed, fmt.Sprintf("%s: %v", task.TaskID, err))
		return err
	}
	c.publish(events.InferenceSuccess, fmt.Sprintf("%s: %d tokens (%s)", task.TaskID, usage.CompletionTokens, usage.FinishReason))
	return nil
}

var errNoLink = errors.New("not connected")

func (c *Client) current() *link {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cur
}

func (c *Client) sendControl(m protocol.Message) error {
	l := c.current()
	if l == nil {
		return fault.Wrap(fault.ConnectionFailed, "worker.send", errNoLink)
	}
	return l.control.Send(m)
}
