package sampler

import (
	"math"
	"math/rand/v2"
	"testing"
)

func TestSelectAlwaysInRange(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	for iter := 0; iter < 500; iter++ {
		n := 1 + rng.IntN(300)
		logits := make([]float32, n)
		for i := range logits {
			logits[i] = float32(rng.NormFloat64() * 5)
			switch rng.IntN(40) {
			case 0:
				logits[i] = float32(math.NaN())
			case 1:
				logits[i] = float32(math.Inf(-1))
			case 2:
				logits[i] = float32(math.Inf(1))
			}
		}
		hist := make([]int32, rng.IntN(50))
		for i := range hist {
			hist[i] = int32(rng.IntN(n + 5)) // includes out-of-range history
		}
		cfg := Config{
			Temperature:      float32(rng.Float64() * 2),
			TopK:             rng.IntN(n + 3),
			TopP:             float32(0.05 + rng.Float64()*0.95),
			RepeatPenalty:    float32(0.5 + rng.Float64()),
			FrequencyPenalty: float32(rng.Float64()),
			PresencePenalty:  float32(rng.Float64()),
			PenaltyWindow:    rng.IntN(70) - 5,
			MinKeep:          rng.IntN(n + 10),
		}
		id, err := Select(logits, hist, cfg, rng.Uint64())
		if err != nil {
			t.Fatalf("iter %d: %v", iter, err)
		}
		if id < 0 || int(id) >= n {
			t.Fatalf("iter %d: id %d out of range [0,%d)", iter, id, n)
		}
	}
}

func TestSelectDeterministic(t *testing.T) {
	logits := []float32{0.1, 1.5, 1.4, -2, 0.9, 1.45}
	cfg := Config{Temperature: 1.2, TopK: 4, TopP: 0.9, RepeatPenalty: 1.1, PenaltyWindow: 8, MinKeep: 1}
	hist := []int32{1, 5}
	first, err := Select(logits, hist, cfg, 42)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	for i := 0; i < 20; i++ {
		got, _ := Select(logits, hist, cfg, 42)
		if got != first {
			t.Fatalf("non-deterministic: %d vs %d", got, first)
		}
	}
}

func TestSelectDoesNotMutateLogits(t *testing.T) {
	logits := []float32{3, 1, 2}
	cfg := Config{Temperature: 1, TopP: 1, RepeatPenalty: 2, PenaltyWindow: 4, MinKeep: 1}
	_, _ = Select(logits, []int32{0}, cfg, 1)
	if logits[0] != 3 || logits[1] != 1 || logits[2] != 2 {
		t.Fatalf("logits mutated: %v", logits)
	}
}

func TestGreedyIsArgmaxRegardlessOfSeed(t *testing.T) {
	logits := []float32{0.2, 3.1, 3.0, -1}
	cfg := Config{Temperature: 0, TopK: 2, TopP: 0.1, RepeatPenalty: 1, MinKeep: 1}
	for seed := uint64(0); seed < 50; seed++ {
		got, _ := Select(logits, nil, cfg, seed)
		if got != 1 {
			t.Fatalf("seed %d: expected argmax 1, got %d", seed, got)
		}
	}
}

func TestGreedyTieGoesToLowestID(t *testing.T) {
	got, _ := Select([]float32{1, 5, 5, 5}, nil, Config{}, 0)
	if got != 1 {
		t.Fatalf("expected lowest tied id 1, got %d", got)
	}
}

func TestTopKOneIsArgmax(t *testing.T) {
	logits := []float32{0.5, 0.4, 2.5, 2.4}
	cfg := Config{Temperature: 5, TopK: 1, TopP: 1, RepeatPenalty: 1, MinKeep: 1}
	for seed := uint64(0); seed < 50; seed++ {
		if got, _ := Select(logits, nil, cfg, seed); got != 2 {
			t.Fatalf("seed %d: expected 2 got %d", seed, got)
		}
	}
}

func TestTopPSmallKeepsHead(t *testing.T) {
	logits := []float32{10, 0, 0, 0}
	cfg := Config{Temperature: 10, TopP: 0.5, RepeatPenalty: 1, MinKeep: 1}
	for seed := uint64(0); seed < 50; seed++ {
		if got, _ := Select(logits, nil, cfg, seed); got != 0 {
			t.Fatalf("seed %d: expected head token, got %d", seed, got)
		}
	}
}

func TestRepeatPenaltyChangesGreedyChoice(t *testing.T) {
	logits := []float32{2.0, 1.8}
	cfg := Config{Temperature: 0, RepeatPenalty: 1.5, PenaltyWindow: 4}
	if got, _ := Select(logits, nil, cfg, 0); got != 0 {
		t.Fatalf("without history expected 0, got %d", got)
	}
	if got, _ := Select(logits, []int32{0}, cfg, 0); got != 1 {
		t.Fatalf("penalized token 0 should lose, got %d", got)
	}
	// Token outside the window is not penalized.
	if got, _ := Select(logits, []int32{0, 1, 1, 1, 1}, Config{Temperature: 0, RepeatPenalty: 1.5, PenaltyWindow: 4}, 0); got != 0 {
		t.Fatalf("token 0 is outside the window, expected 0, got %d", got)
	}
}

func TestFrequencyAndPresencePenalty(t *testing.T) {
	logits := []float32{1.0, 0.9}
	cfg := Config{Temperature: 0, RepeatPenalty: 1, FrequencyPenalty: 0.1, PenaltyWindow: -1}
	if got, _ := Select(logits, []int32{0, 0}, cfg, 0); got != 1 {
		t.Fatalf("frequency penalty should flip choice, got %d", got)
	}
	cfg = Config{Temperature: 0, RepeatPenalty: 1, PresencePenalty: 0.2, PenaltyWindow: -1}
	if got, _ := Select(logits, []int32{0}, cfg, 0); got != 1 {
		t.Fatalf("presence penalty should flip choice, got %d", got)
	}
}

func TestMinKeepLargerThanVocab(t *testing.T) {
	cfg := Config{Temperature: 1, TopK: 1, TopP: 1, RepeatPenalty: 1, MinKeep: 10}
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	for seed := uint64(0); seed < 50; seed++ {
		id, err := Select([]float32{1, 2, 3, 4}, nil, cfg, seed)
		if err != nil {
			t.Fatal(err)
		}
		if id < 0 || id > 3 {
			t.Fatalf("seed %d: id %d out of range", seed, id)
		}
	}
}

func TestTopKWithMinKeepNeverPicksDroppedLogits(t *testing.T) {
	logits := make([]float32, 64)
	for i := range logits {
		logits[i] = float32(math.Inf(-1))
		if i%3 == 0 {
			logits[i] = float32(math.NaN())
		}
	}
	logits[5], logits[40] = 2, 1
	cfg := Config{Temperature: 1.5, TopK: 1, TopP: 1, RepeatPenalty: 1, MinKeep: 8}
	for seed := uint64(0); seed < 200; seed++ {
		id, err := Select(logits, nil, cfg, seed)
		if err != nil {
			t.Fatal(err)
		}
		if id != 5 && id != 40 {
			t.Fatalf("seed %d: picked non-finite candidate %d", seed, id)
		}
	}
}

func TestAllNonFiniteReturnsLowestID(t *testing.T) {
	nan := float32(math.NaN())
	got, err := Select([]float32{nan, nan, nan}, nil, Config{Temperature: 1, TopP: 1, RepeatPenalty: 1}, 9)
	if err != nil || got != 0 {
		t.Fatalf("expected 0, got %d (%v)", got, err)
	}
}

func TestEmptyLogits(t *testing.T) {
	if _, err := Select(nil, nil, DefaultConfig(), 0); err != ErrEmptyLogits {
		t.Fatalf("expected ErrEmptyLogits, got %v", err)
	}
}

func TestChainReproducible(t *testing.T) {
	logits := []float32{1, 1.1, 0.9, 1.05, 0.95}
	cfg := DefaultConfig()
	cfg.Seed = 7
	run := func() []int32 {
		c := NewChain(cfg)
		var out []int32
		for i := 0; i < 16; i++ {
			id, err := c.Next(logits, out)
			if err != nil {
				t.Fatalf("next: %v", err)
			}
			out = append(out, id)
		}
		return out
	}
	a, b := run(), run()
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("step %d differs: %d vs %d", i, a[i], b[i])
		}
	}
}

func TestValidate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	bad := []Config{
		{Temperature: -1, TopP: 1, RepeatPenalty: 1},
		{TopK: -1, TopP: 1, RepeatPenalty: 1},
		{TopP: 0, RepeatPenalty: 1},
		{TopP: 1.5, RepeatPenalty: 1},
		{TopP: 1, RepeatPenalty: 0},
		{TopP: 1, RepeatPenalty: 1, MinKeep: -1},
		{Temperature: float32(math.NaN()), TopP: 1, RepeatPenalty: 1},
	}
	for i, c := range bad {
		if err := c.Validate(); err == nil {
			t.Fatalf("case %d: expected error for %+v", i, c)
		}
	}
	if err := (Config{}).WithDefaults().Validate(); err != nil {
		t.Fatalf("zero config with defaults should validate: %v", err)
	}
}
