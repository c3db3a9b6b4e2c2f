// Package session runs one streaming generation request against a pinned
// model: prefill of the chunk sequence, then a decode loop that hands each
// token to the consumer over an unbuffered channel.
//
// The core is channel based. Deliver adapts it to token/completion
// callbacks for callers that want them.
package session

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"fabricd/internal/backend"
	"fabricd/internal/fault"
	"fabricd/internal/multimodal"
	"fabricd/internal/sampler"
	"fabricd/internal/slot"
)

// State is a session lifecycle state.
type State int32

const (
	Created State = iota
	Prefilling
	Decoding
	Completed
	Cancelled
	Failed
)

func (s State) String() string {
	switch s {
	case Created:
		return "Created"
	case Prefilling:
		return "Prefilling"
	case Decoding:
		return "Decoding"
	case Completed:
		return "Completed"
	case Cancelled:
		return "Cancelled"
	case Failed:
		return "Failed"
	}
	return "Unknown"
}

// Terminal reports whether s is final.
func (s State) Terminal() bool { return s >= Completed }

// Finish reasons reported in Result.
const (
	FinishStop      = "stop"
	FinishLength    = "length"
	FinishCancelled = "cancelled"
	FinishError     = "error"
)

// Truncation controls what happens when the context window fills during
// decode. When enabled, the oldest half of the positions after Keep are
// evicted and decoding continues.
type Truncation struct {
	Enabled bool `json:"enabled" yaml:"enabled" toml:"enabled"`
	Keep    int  `json:"keep" yaml:"keep" toml:"keep"`
}

// Request is one generation request.
type Request struct {
	Prompt     string
	// Messages, when set, are rendered with the model's chat template and
	// replace Prompt.
	Messages   []backend.ChatMessage
	Image      []byte
	Sampling   sampler.Config
	MaxTokens  int
	Truncation Truncation
}

// Options are runtime settings for a session.
type Options struct {
	// ID overrides the generated session id.
	ID      string
	Context backend.ContextOptions
	Cache   *multimodal.Cache
	Logger  *zerolog.Logger
}

// Token is one delivered token.
type Token struct {
	Index int
	ID    int32
	Text  string
}

// Result summarises a finished session.
type Result struct {
	ID           string
	State        State
	Generation   uint64
	PromptTokens int
	Tokens       int
	Text         string
	FinishReason string
	Err          error
	Duration     time.Duration
}

const defaultBatch = 512

// Session is a single-use generation run.
type Session struct {
	id    string
	req   Request
	lease *slot.Lease
	opts  Options
	log   zerolog.Logger

	state    atomic.Int32
	started  atomic.Bool
	cancelMu sync.Once
	cancelCh chan struct{}
	tokens   chan Token
	done     chan struct{}
	result   Result
}

// New validates req and binds a session to lease. The session takes
// ownership of the lease and releases it when it finishes, or immediately
// if validation fails.
func New(lease *slot.Lease, req Request, opts Options) (*Session, error) {
	if err := validate(req); err != nil {
		lease.Release()
		return nil, err
	}
	if len(req.Messages) > 0 {
		req.Prompt = backend.RenderChat(lease.Model(), req.Messages)
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	l := zerolog.Nop()
	if opts.Logger != nil {
		l = *opts.Logger
	}
	s := &Session{
		id:       id,
		req:      req,
		lease:    lease,
		opts:     opts,
		log:      l.With().Str("session", id).Uint64("generation", lease.Generation()).Logger(),
		cancelCh: make(chan struct{}),
		tokens:   make(chan Token),
		done:     make(chan struct{}),
	}
	return s, nil
}

func validate(req Request) error {
	if req.MaxTokens <= 0 {
		return fault.New(fault.InvalidArgument, "session.new", "max_tokens must be > 0, got %d", req.MaxTokens)
	}
	if err := req.Sampling.Validate(); err != nil {
		return fault.Wrap(fault.InvalidArgument, "session.new", err)
	}
	if req.Truncation.Keep < 0 {
		return fault.New(fault.InvalidArgument, "session.new", "truncation keep must be >= 0")
	}
	return nil
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Generation returns the model generation the session is pinned to.
func (s *Session) Generation() uint64 { return s.lease.Generation() }

// State returns the current state.
func (s *Session) State() State { return State(s.state.Load()) }

// Tokens streams delivered tokens; it is closed when the session ends.
// A consumer must keep receiving until it is closed or call Cancel.
func (s *Session) Tokens() <-chan Token { return s.tokens }

// Done is closed once Result is final.
func (s *Session) Done() <-chan struct{} { return s.done }

// Result blocks until the session ends and returns its result.
func (s *Session) Result() Result {
	<-s.done
	return s.result
}

// Wait blocks until the session ends or ctx is done.
func (s *Session) Wait(ctx context.Context) (Result, error) {
	select {
	case <-s.done:
		return s.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Cancel requests cooperative cancellation; the decode loop observes it
// within one step.
func (s *Session) Cancel() {
	s.cancelMu.Do(func() { close(s.cancelCh) })
}

// CancelRequested reports whether Cancel was called.
func (s *Session) CancelRequested() bool {
	select {
	case <-s.cancelCh:
		return true
	default:
		return false
	}
}

// Start launches the decode loop. Subsequent calls are no-ops.
func (s *Session) Start(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	go s.run(ctx)
}

// Deliver drives the session through callbacks: onToken for each token in
// order, then onComplete exactly once. If onToken cancels the session, no
// further tokens are delivered. Deliver blocks until the session ends.
func (s *Session) Deliver(onToken func(Token), onComplete func(Result)) {
	for tok := range s.tokens {
		if onToken != nil {
			onToken(tok)
		}
		if s.CancelRequested() {
			break
		}
	}
	res := s.Result()
	if onComplete != nil {
		onComplete(res)
	}
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
	s.log.Debug().Str("state", st.String()).Msg("session state")
}

type outcome struct {
	state  State
	reason string
	err    error
}

func (s *Session) run(ctx context.Context) {
	start := time.Now()
	var (
		out    outcome
		text   strings.Builder
		nTok   int
		prompt int
	)
	defer func() {
		s.result = Result{
			ID:           s.id,
			State:        out.state,
			Generation:   s.lease.Generation(),
			PromptTokens: prompt,
			Tokens:       nTok,
			Text:         text.String(),
			FinishReason: out.reason,
			Err:          out.err,
			Duration:     time.Since(start),
		}
		s.state.Store(int32(out.state))
		close(s.tokens)
		s.lease.Release()
		ev := s.log.Info()
		if out.err != nil && out.state == Failed {
			ev = s.log.Warn().Err(out.err)
		}
		ev.Str("state", out.state.String()).Int("tokens", nTok).Dur("dur", s.result.Duration).Msg("session finished")
		close(s.done)
	}()
	fail := func(err error) { out = outcome{state: Failed, reason: FinishError, err: err} }
	// a backend or sampler panic fails this session only
	defer func() {
		if v := recover(); v != nil {
			fail(fault.New(fault.Unknown, "session.run", "panic: %v", v))
		}
	}()

	model := s.lease.Model()
	cctx, err := model.NewContext(s.opts.Context)
	if err != nil {
		fail(classify(err, fault.ContextCreateFailed, "session.context"))
		return
	}
	defer cctx.Close()

	s.setState(Prefilling)
	enc := multimodal.NewEncoder(model, s.lease.Projector(), multimodal.Options{Cache: s.opts.Cache, CacheTag: s.lease.Generation()})
	seq, err := enc.BuildChunks(ctx, s.req.Prompt, s.req.Image)
	if err != nil {
		fail(err)
		return
	}
	prompt = seq.NTokens()
	if prompt == 0 {
		fail(fault.New(fault.InvalidArgument, "session.prefill", "prompt produced no tokens"))
		return
	}
	if prompt > cctx.Size() {
		fail(fault.New(fault.ContextWindowExceeded, "session.prefill", "prompt needs %d positions, context holds %d", prompt, cctx.Size()))
		return
	}
	logits, err := s.prefill(cctx, seq)
	if err != nil {
		fail(err)
		return
	}

	s.setState(Decoding)
	// penalties see emitted tokens only, never the prompt
	var history []int32
	chain := sampler.NewChain(s.req.Sampling)
	for {
		if s.CancelRequested() {
			out = outcome{state: Cancelled, reason: FinishCancelled}
			return
		}
		if err := ctx.Err(); err != nil {
			out = outcome{state: Cancelled, reason: FinishCancelled, err: err}
			return
		}
		tok, err := chain.Next(logits, history)
		if err != nil {
			fail(fault.Wrap(fault.Unknown, "session.sample", err))
			return
		}
		if model.IsEOG(tok) {
			out = outcome{state: Completed, reason: FinishStop}
			return
		}
		piece := model.TokenText(tok)
		select {
		case s.tokens <- Token{Index: nTok, ID: tok, Text: piece}:
		case <-s.cancelCh:
			out = outcome{state: Cancelled, reason: FinishCancelled}
			return
		case <-ctx.Done():
			out = outcome{state: Cancelled, reason: FinishCancelled, err: ctx.Err()}
			return
		}
		nTok++
		text.WriteString(piece)
		history = append(history, tok)
		if nTok >= s.req.MaxTokens {
			out = outcome{state: Completed, reason: FinishLength}
			return
		}
		if cctx.Pos() >= cctx.Size() {
			if err := s.truncate(cctx); err != nil {
				fail(err)
				return
			}
		}
		logits, err = cctx.Decode([]int32{tok})
		if err != nil {
			fail(classify(err, fault.Unknown, "session.decode"))
			return
		}
	}
}

func (s *Session) prefill(cctx backend.Context, seq multimodal.Sequence) ([]float32, error) {
	batch := s.opts.Context.BatchSize
	if batch <= 0 {
		batch = defaultBatch
	}
	var logits []float32
	var err error
	for _, c := range seq.Chunks {
		switch c.Kind {
		case multimodal.ChunkMedia:
			logits, err = cctx.DecodeEmbedding(c.Embedding)
			if err != nil {
				return nil, classify(err, fault.ImageDecodeFailed, "session.prefill")
			}
		default:
			for i := 0; i < len(c.Tokens); i += batch {
				logits, err = cctx.Decode(c.Tokens[i:min(i+batch, len(c.Tokens))])
				if err != nil {
					return nil, classify(err, fault.Unknown, "session.prefill")
				}
			}
		}
	}
	return logits, nil
}

// truncate evicts half of the positions after Keep, or fails when that
// would free nothing.
func (s *Session) truncate(cctx backend.Context) error {
	tr := s.req.Truncation
	if !tr.Enabled {
		return fault.New(fault.ContextWindowExceeded, "session.decode", "context window of %d positions exhausted", cctx.Size())
	}
	keep := min(tr.Keep, cctx.Pos())
	discard := (cctx.Pos() - keep) / 2
	if discard <= 0 {
		return fault.New(fault.ContextWindowExceeded, "session.decode", "nothing left to evict after keeping %d positions", keep)
	}
	s.log.Debug().Int("keep", keep).Int("discard", discard).Msg("context shift")
	if err := cctx.Evict(keep, discard); err != nil {
		return classify(err, fault.ContextWindowExceeded, "session.truncate")
	}
	return nil
}

func classify(err error, k fault.Kind, op string) error {
	if fault.KindOf(err) != fault.Unknown || k == fault.Unknown {
		return err
	}
	return fault.Wrap(k, op, err)
}
