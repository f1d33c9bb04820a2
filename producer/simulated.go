package producer

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/Shusuke-O/realtime-mrs/pkg/timestamp"
)

// ScalarSource yields one scalar value per tick for RunScalar.
type ScalarSource interface {
	Next(now time.Time) float64
}

// Default simulation parameters for the E/I ratio source.
const (
	defaultBaseline   = 0.7
	defaultMinRatio   = 0.3
	defaultMaxRatio   = 1.2
	defaultNoiseLevel = 0.05
)

// SimulatedEI generates a plausible excitation/inhibition ratio: a random
// walk with a slow oscillating trend, gaussian noise, and clipping to a
// physiological range. Interventions shift the current value; the baseline
// can be restored at any time.
type SimulatedEI struct {
	mu       sync.Mutex
	current  float64
	baseline float64
	min      float64
	max      float64
	noise    float64
	rng      *rand.Rand
}

// SimulatedEIOption configures a SimulatedEI source.
type SimulatedEIOption func(*SimulatedEI)

// WithRange sets the clipping range.
func WithRange(min, max float64) SimulatedEIOption {
	return func(s *SimulatedEI) {
		if min < max {
			s.min, s.max = min, max
		}
	}
}

// WithBaseline sets the starting and reset value.
func WithBaseline(baseline float64) SimulatedEIOption {
	return func(s *SimulatedEI) { s.baseline = baseline }
}

// WithNoise sets the gaussian noise standard deviation.
func WithNoise(noise float64) SimulatedEIOption {
	return func(s *SimulatedEI) {
		if noise >= 0 {
			s.noise = noise
		}
	}
}

// WithSeed makes the walk deterministic.
func WithSeed(seed int64) SimulatedEIOption {
	return func(s *SimulatedEI) { s.rng = rand.New(rand.NewSource(seed)) }
}

// NewSimulatedEI creates a simulated E/I source.
func NewSimulatedEI(options ...SimulatedEIOption) *SimulatedEI {
	s := &SimulatedEI{
		baseline: defaultBaseline,
		min:      defaultMinRatio,
		max:      defaultMaxRatio,
		noise:    defaultNoiseLevel,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range options {
		opt(s)
	}
	s.current = s.baseline
	return s
}

// Next advances the walk and returns the new value.
func (s *SimulatedEI) Next(now time.Time) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	trend := 0.1 * math.Sin(timestamp.FromTime(now)*0.1)
	noise := s.rng.NormFloat64() * s.noise

	s.current = clip(s.current+trend+noise, s.min, s.max)
	return s.current
}

// Intervene shifts the current value: "excitatory" raises it, "inhibitory"
// lowers it, anything else applies a random shift of up to the magnitude in
// either direction.
func (s *SimulatedEI) Intervene(kind string, magnitude float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch kind {
	case "excitatory":
		s.current += magnitude
	case "inhibitory":
		s.current -= magnitude
	default:
		s.current += magnitude * (s.rng.Float64()*2 - 1)
	}
	s.current = clip(s.current, s.min, s.max)
}

// ResetBaseline restores the source to its baseline value.
func (s *SimulatedEI) ResetBaseline() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = s.baseline
}

// Current returns the value without advancing the walk.
func (s *SimulatedEI) Current() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func clip(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
