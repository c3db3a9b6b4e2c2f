// Package sampler selects the next token from a logits vector.
//
// The pipeline order is fixed:
//
//  1. repetition, frequency and presence penalties over the last
//     PenaltyWindow history tokens;
//  2. top-k restriction (TopK == 0 disables it);
//  3. nucleus filtering over the normalized mass (TopP == 1 disables it);
//  4. temperature scaling (Temperature == 0 selects the argmax directly);
//  5. a seeded draw from the resulting distribution.
//
// Select is a pure function of its inputs. Chain wraps it for a session,
// deriving a new seed per step from the session seed.
package sampler

import (
	"cmp"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"slices"
)

// Config holds sampling parameters for a session.
type Config struct {
	Temperature      float32 `json:"temperature" yaml:"temperature" toml:"temperature"`
	TopK             int     `json:"top_k" yaml:"top_k" toml:"top_k"`
	TopP             float32 `json:"top_p" yaml:"top_p" toml:"top_p"`
	RepeatPenalty    float32 `json:"repeat_penalty" yaml:"repeat_penalty" toml:"repeat_penalty"`
	FrequencyPenalty float32 `json:"frequency_penalty" yaml:"frequency_penalty" toml:"frequency_penalty"`
	PresencePenalty  float32 `json:"presence_penalty" yaml:"presence_penalty" toml:"presence_penalty"`
	// PenaltyWindow is the number of trailing history tokens penalties look at.
	// Zero disables penalties; a negative value uses the whole history.
	PenaltyWindow int `json:"penalty_window" yaml:"penalty_window" toml:"penalty_window"`
	// MinKeep is the smallest candidate set top-k and top-p may leave.
	MinKeep int    `json:"min_keep" yaml:"min_keep" toml:"min_keep"`
	Seed    uint64 `json:"seed" yaml:"seed" toml:"seed"`
}

// DefaultConfig mirrors common llama.cpp defaults.
func DefaultConfig() Config {
	return Config{
		Temperature:   0.8,
		TopK:          40,
		TopP:          0.95,
		RepeatPenalty: 1.1,
		PenaltyWindow: 64,
		MinKeep:       1,
	}
}

// WithDefaults fills fields whose zero value means "unset" on the wire.
// Temperature is left alone: zero is a meaningful greedy setting.
func (c Config) WithDefaults() Config {
	if c.TopP == 0 {
		c.TopP = 1
	}
	if c.RepeatPenalty == 0 {
		c.RepeatPenalty = 1
	}
	if c.MinKeep <= 0 {
		c.MinKeep = 1
	}
	return c
}

// Validate checks parameter ranges.
func (c Config) Validate() error {
	switch {
	case !finite(c.Temperature) || c.Temperature < 0:
		return fmt.Errorf("temperature must be >= 0, got %v", c.Temperature)
	case c.TopK < 0:
		return fmt.Errorf("top_k must be >= 0, got %d", c.TopK)
	case !finite(c.TopP) || c.TopP <= 0 || c.TopP > 1:
		return fmt.Errorf("top_p must be in (0, 1], got %v", c.TopP)
	case !finite(c.RepeatPenalty) || c.RepeatPenalty <= 0:
		return fmt.Errorf("repeat_penalty must be > 0, got %v", c.RepeatPenalty)
	case !finite(c.FrequencyPenalty) || !finite(c.PresencePenalty):
		return errors.New("frequency and presence penalties must be finite")
	case c.MinKeep < 0:
		return fmt.Errorf("min_keep must be >= 0, got %d", c.MinKeep)
	}
	return nil
}

// ErrEmptyLogits is returned for a zero-length logits vector.
var ErrEmptyLogits = errors.New("sampler: empty logits")

type candidate struct {
	id    int32
	logit float32
	p     float64
}

// Select returns a token id in [0, len(logits)). It never mutates logits.
func Select(logits []float32, history []int32, cfg Config, seed uint64) (int32, error) {
	if len(logits) == 0 {
		return 0, ErrEmptyLogits
	}
	cands := make([]candidate, len(logits))
	for i, l := range logits {
		if !finite(l) {
			l = float32(math.Inf(-1))
		}
		cands[i] = candidate{id: int32(i), logit: l}
	}
	applyPenalties(cands, history, cfg)

	if cfg.Temperature <= 0 {
		return argmax(cands), nil
	}

	slices.SortStableFunc(cands, func(a, b candidate) int { return cmp.Compare(b.logit, a.logit) })
	cands = dropNegInf(cands)
	minKeep := max(cfg.MinKeep, 1)

	// min_keep may exceed the surviving candidates; never reslice past len
	if cfg.TopK > 0 && cfg.TopK < len(cands) {
		cands = cands[:min(len(cands), max(cfg.TopK, minKeep))]
	}

	if cfg.TopP > 0 && cfg.TopP < 1 {
		softmax(cands, 1)
		var cum float64
		cut := len(cands)
		for i := range cands {
			cum += cands[i].p
			if cum >= float64(cfg.TopP) {
				cut = i + 1
				break
			}
		}
		cands = cands[:min(len(cands), max(cut, minKeep))]
	}

	softmax(cands, cfg.Temperature)
	r := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)).Float64()
	var cum float64
	for _, c := range cands {
		cum += c.p
		if r < cum {
			return c.id, nil
		}
	}
	return cands[len(cands)-1].id, nil
}

func applyPenalties(cands []candidate, history []int32, cfg Config) {
	if cfg.PenaltyWindow == 0 || len(history) == 0 {
		return
	}
	window := history
	if cfg.PenaltyWindow > 0 && len(history) > cfg.PenaltyWindow {
		window = history[len(history)-cfg.PenaltyWindow:]
	}
	counts := make(map[int32]int, len(window))
	for _, id := range window {
		if id >= 0 && int(id) < len(cands) {
			counts[id]++
		}
	}
	rp := cfg.RepeatPenalty
	for id, n := range counts {
		l := cands[id].logit
		if math.IsInf(float64(l), -1) {
			continue
		}
		if rp > 0 && rp != 1 {
			if l > 0 {
				l /= rp
			} else {
				l *= rp
			}
		}
		l -= float32(n)*cfg.FrequencyPenalty + cfg.PresencePenalty
		cands[id].logit = l
	}
}

// argmax expects cands in id order; ties go to the lowest id.
func argmax(cands []candidate) int32 {
	best := 0
	for i := 1; i < len(cands); i++ {
		if cands[i].logit > cands[best].logit {
			best = i
		}
	}
	return cands[best].id
}

func dropNegInf(cands []candidate) []candidate {
	n := len(cands)
	for n > 1 && math.IsInf(float64(cands[n-1].logit), -1) {
		n--
	}
	return cands[:n]
}

// softmax fills p from logit/temp. cands must be sorted descending.
func softmax(cands []candidate, temp float32) {
	maxv := float64(cands[0].logit) / float64(temp)
	var sum float64
	for i := range cands {
		e := math.Exp(float64(cands[i].logit)/float64(temp) - maxv)
		cands[i].p = e
		sum += e
	}
	if sum == 0 || math.IsNaN(sum) {
		for i := range cands {
			cands[i].p = 0
		}
		cands[0].p = 1
		return
	}
	for i := range cands {
		cands[i].p /= sum
	}
}

func finite(f float32) bool {
	return !math.IsNaN(float64(f)) && !math.IsInf(float64(f), 0)
}

// Chain applies a fixed Config across the steps of one session.
// It is not safe for concurrent use.
type Chain struct {
	cfg  Config
	step uint64
}

// NewChain returns a chain for cfg.
func NewChain(cfg Config) *Chain { return &Chain{cfg: cfg} }

// Config returns the chain's configuration.
func (c *Chain) Config() Config { return c.cfg }

// Next selects the token for the current step and advances the step.
func (c *Chain) Next(logits []float32, history []int32) (int32, error) {
	seed := splitmix64(c.cfg.Seed + c.step)
	c.step++
	return Select(logits, history, c.cfg, seed)
}

func splitmix64(x uint64) uint64 {
	x += 0x9e3779b97f4a7c15
	x = (x ^ (x >> 30)) * 0xbf58476d1ce4e5b9
	x = (x ^ (x >> 27)) * 0x94d049bb133111eb
	return x ^ (x >> 31)
}
