package manager

import (
	"time"

	"github.com/rs/zerolog"

	"fabricd/internal/backend"
	"fabricd/internal/backend/refmodel"
	"fabricd/internal/handle"
	"fabricd/internal/journal"
	"fabricd/internal/multimodal"
	"fabricd/internal/sampler"
	"fabricd/internal/session"
	"fabricd/internal/slot"
	"fabricd/internal/sysinfo"
	"fabricd/internal/worker"
	"fabricd/pkg/types"
)

// Defaults applied when corresponding Config fields are unset.
const (
	defaultMaxSessions  = 4
	defaultMaxWait      = 30 * time.Second
	defaultMaxTokens    = 256
	defaultCacheSize    = 16
	defaultHousekeeping = 5 * time.Second
)

// Config encapsulates all tunables for Runtime construction.
type Config struct {
	// Backend loads models; nil uses the reference backend.
	Backend  backend.Backend
	Registry []types.Model
	// Sampling holds the defaults a request's unset fields fall back to.
	Sampling sampler.Config
	// Context is the per-session context template.
	Context     backend.ContextOptions
	Truncation  session.Truncation
	MaxSessions int
	MaxWait     time.Duration
	// MaxTokens applies when a request does not set one.
	MaxTokens      int
	EmbedCacheSize int
	// Worker carries connection tunables such as heartbeat interval, backoff
	// and retries. StartWorker fills in the endpoint and identity.
	Worker    worker.Config
	Journal   journal.Journal
	Collector sysinfo.Collector
	Dial      worker.Dialer
	// Housekeeping is the interval of the background metrics refresh.
	Housekeeping time.Duration
	Logger       *zerolog.Logger
}

// NewWithConfig constructs a Runtime from Config.
func NewWithConfig(cfg Config) *Runtime {
	if cfg.Backend == nil {
		cfg.Backend = &refmodel.Backend{}
	}
	if cfg.Sampling == (sampler.Config{}) {
		cfg.Sampling = sampler.DefaultConfig()
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = defaultMaxSessions
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = defaultMaxWait
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	if cfg.EmbedCacheSize == 0 {
		cfg.EmbedCacheSize = defaultCacheSize
	}
	if cfg.Housekeeping <= 0 {
		cfg.Housekeeping = defaultHousekeeping
	}
	if cfg.Journal == nil {
		cfg.Journal = journal.NewMemory()
	}
	l := zerolog.Nop()
	if cfg.Logger != nil {
		l = *cfg.Logger
	}
	r := &Runtime{
		cfg:       cfg,
		log:       l.With().Str("component", "runtime").Logger(),
		registry:  cfg.Registry,
		tasks:     make(map[string]handle.Handle),
		cache:     multimodal.NewCache(cfg.EmbedCacheSize),
		startTime: time.Now(),
	}
	r.sem = newAdmission(cfg.MaxSessions, cfg.MaxWait)
	r.slot = slot.New(slot.Options{
		Backend:   cfg.Backend,
		Context:   cfg.Context,
		Logger:    &r.log,
		OnReclaim: r.onReclaim,
	})
	return r
}
