// Package simulator generates synthetic CGM readings from a simple
// insulin/carb physiology model
package simulator

import (
	"context"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/mrcode/loopsim/internal/models"
)

// Config holds the physiology coefficients. Effects apply once per step.
type Config struct {
	Seed           uint64        `yaml:"seed" toml:"seed"`
	InitialGlucose float64       `yaml:"initial_glucose" toml:"initial_glucose"` // mmol/L
	Step           time.Duration `yaml:"step" toml:"step"`
	InsulinEffect  float64       `yaml:"insulin_effect" toml:"insulin_effect"` // mmol/L per unit IOB
	CarbEffect     float64       `yaml:"carb_effect" toml:"carb_effect"`       // mmol/L per gram COB
	IOBDecay       float64       `yaml:"iob_decay" toml:"iob_decay"`           // units absorbed per step
	COBDecay       float64       `yaml:"cob_decay" toml:"cob_decay"`           // grams absorbed per step
	Noise          float64       `yaml:"noise" toml:"noise"`                   // amplitude of the random walk, mmol/L
	Min            float64       `yaml:"min" toml:"min"`
	Max            float64       `yaml:"max" toml:"max"`
}

// DefaultConfig returns the default simulated patient
func DefaultConfig() Config {
	return Config{
		Seed:           1,
		InitialGlucose: 7.0,
		Step:           5 * time.Minute,
		InsulinEffect:  0.08,
		CarbEffect:     0.008,
		IOBDecay:       0.1,
		COBDecay:       0.2,
		Noise:          0.30,
		Min:            2.5,
		Max:            20.0,
	}
}

// State is the simulated patient
type State struct {
	Time    time.Time `json:"time"`
	Glucose float64   `json:"glucose"`
	IOB     float64   `json:"iob"`
	COB     float64   `json:"cob"`
}

// Simulator advances simulated time by one step per reading. It is safe
// for concurrent use.
type Simulator struct {
	mu     sync.Mutex
	config Config
	state  State
	rng    *rand.Rand
}

// New creates a simulator starting at start
func New(config Config, start time.Time) *Simulator {
	if config.Step <= 0 {
		config.Step = DefaultConfig().Step
	}
	return &Simulator{
		config: config,
		state:  State{Time: start, Glucose: config.InitialGlucose},
		rng:    rand.New(rand.NewPCG(config.Seed, config.Seed^0x9e3779b97f4a7c15)),
	}
}

// Now returns the simulated time
func (s *Simulator) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Time
}

// State returns the simulated patient
func (s *Simulator) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// AddInsulin adds delivered insulin to the simulated insulin on board
func (s *Simulator) AddInsulin(units float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.IOB = max(0, s.state.IOB+units)
}

// AddCarbs adds eaten carbohydrate to the simulated carbs on board
func (s *Simulator) AddCarbs(grams float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.COB = max(0, s.state.COB+grams)
}

// Step advances the model by one step and returns the new reading
func (s *Simulator) Step() models.GlucoseReading {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg := s.config
	st := &s.state

	insulin := st.IOB * cfg.InsulinEffect
	carbs := st.COB * cfg.CarbEffect
	st.IOB = max(0, st.IOB-cfg.IOBDecay)
	st.COB = max(0, st.COB-cfg.COBDecay)

	g := st.Glucose + carbs - insulin + s.noise()
	st.Glucose = min(max(g, cfg.Min), cfg.Max)
	st.Time = st.Time.Add(cfg.Step)

	return models.GlucoseReading{Time: st.Time, Value: st.Glucose}
}

// Read implements a sensor source: each call is one simulated step
func (s *Simulator) Read(ctx context.Context) (models.GlucoseReading, error) {
	if err := ctx.Err(); err != nil {
		return models.GlucoseReading{}, err
	}
	return s.Step(), nil
}

// noise draws from [-Noise, Noise) in hundredths of a mmol/L
func (s *Simulator) noise() float64 {
	span := int(math.Round(s.config.Noise * 200))
	if span <= 0 {
		return 0
	}
	return float64(s.rng.IntN(span)-span/2) * 0.01
}
