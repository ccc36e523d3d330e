package data

import (
	"cmp"
	"errors"
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// Scenario describes one simulated replication run: the entity population,
// the client connections and timed events.
type Scenario struct {
	Name        string            `yaml:"name"`
	Seed        int64             `yaml:"seed"`
	Bounds      BoundsEntry       `yaml:"bounds"`
	CellSize    float32           `yaml:"cell_size"`
	Population  []PopulationEntry `yaml:"population"`
	Connections []ConnectionEntry `yaml:"connections"`
	Events      []EventEntry      `yaml:"events"`
}

type BoundsEntry struct {
	Width  float32 `yaml:"width"`
	Height float32 `yaml:"height"`
}

// PopulationEntry spawns Count entities of one kind at random positions.
type PopulationEntry struct {
	Kind  string  `yaml:"kind"`
	Count int     `yaml:"count"`
	Base  float32 `yaml:"base"`  // base replication priority
	Speed float32 `yaml:"speed"` // units per second, random heading
}

// ConnectionEntry defines one simulated client and the avatar it controls.
type ConnectionEntry struct {
	ID           uint64  `yaml:"id"`
	Kind         string  `yaml:"kind"`
	Base         float32 `yaml:"base"`
	Speed        float32 `yaml:"speed"`
	LossRate     float64 `yaml:"loss_rate"`
	RTTMs        int     `yaml:"rtt_ms"`
	JitterMs     int     `yaml:"jitter_ms"`
	MaxSendCount int     `yaml:"max_send_count"` // 0 = config default
	ViewRadius   float32 `yaml:"view_radius"`    // 0 = no AOI pre-filter
}

// EventEntry fires at Tick. A nil LossRate leaves the link unchanged.
type EventEntry struct {
	Tick     uint64   `yaml:"tick"`
	Conn     uint64   `yaml:"conn"`
	LossRate *float64 `yaml:"loss_rate"`
	Spawn    int      `yaml:"spawn"`
	Despawn  int      `yaml:"despawn"`
	Kind     string   `yaml:"kind"` // population kind used by Spawn
	Note     string   `yaml:"note"`
}

// LoadScenario loads a scenario YAML file.
func LoadScenario(path string) (*Scenario, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario: %w", err)
	}
	s, err := ParseScenario(raw)
	if err != nil {
		return nil, fmt.Errorf("scenario %s: %w", path, err)
	}
	return s, nil
}

// ParseScenario decodes and validates a scenario document. Events come back
// sorted by tick.
func ParseScenario(raw []byte) (*Scenario, error) {
	var s Scenario
	if err := yaml.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("parse scenario: %w", err)
	}
	if s.CellSize <= 0 {
		s.CellSize = 64
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	slices.SortStableFunc(s.Events, func(a, b EventEntry) int { return cmp.Compare(a.Tick, b.Tick) })
	return &s, nil
}

// Validate reports every problem found, joined.
func (s *Scenario) Validate() error {
	var errs []error
	if s.Bounds.Width <= 0 || s.Bounds.Height <= 0 {
		errs = append(errs, fmt.Errorf("bounds must be positive, got %vx%v", s.Bounds.Width, s.Bounds.Height))
	}
	kinds := make(map[string]bool, len(s.Population))
	for i, p := range s.Population {
		if p.Kind == "" {
			errs = append(errs, fmt.Errorf("population[%d]: kind is required", i))
		}
		if p.Count < 0 {
			errs = append(errs, fmt.Errorf("population[%d]: negative count %d", i, p.Count))
		}
		kinds[p.Kind] = true
	}
	if len(s.Connections) == 0 {
		errs = append(errs, errors.New("at least one connection is required"))
	}
	ids := make(map[uint64]bool, len(s.Connections))
	for i, c := range s.Connections {
		switch {
		case c.ID == 0:
			errs = append(errs, fmt.Errorf("connections[%d]: id 0 is reserved", i))
		case ids[c.ID]:
			errs = append(errs, fmt.Errorf("connections[%d]: duplicate id %d", i, c.ID))
		}
		ids[c.ID] = true
		if c.LossRate < 0 || c.LossRate > 1 {
			errs = append(errs, fmt.Errorf("connections[%d]: loss_rate %v out of [0,1]", i, c.LossRate))
		}
		if c.RTTMs < 0 || c.JitterMs < 0 || c.MaxSendCount < 0 {
			errs = append(errs, fmt.Errorf("connections[%d]: negative rtt, jitter or max_send_count", i))
		}
	}
	for i, e := range s.Events {
		if e.LossRate != nil {
			if !ids[e.Conn] {
				errs = append(errs, fmt.Errorf("events[%d]: unknown connection %d", i, e.Conn))
			}
			if *e.LossRate < 0 || *e.LossRate > 1 {
				errs = append(errs, fmt.Errorf("events[%d]: loss_rate %v out of [0,1]", i, *e.LossRate))
			}
		}
		if e.Spawn < 0 || e.Despawn < 0 {
			errs = append(errs, fmt.Errorf("events[%d]: negative spawn or despawn", i))
		}
		if e.Spawn > 0 && !kinds[e.Kind] {
			errs = append(errs, fmt.Errorf("events[%d]: spawn kind %q not in population", i, e.Kind))
		}
	}
	return errors.Join(errs...)
}

// Kind returns the population entry for kind, or nil.
func (s *Scenario) Kind(kind string) *PopulationEntry {
	for i := range s.Population {
		if s.Population[i].Kind == kind {
			return &s.Population[i]
		}
	}
	return nil
}

// EntityCount is the initial population including connection avatars.
func (s *Scenario) EntityCount() int {
	n := len(s.Connections)
	for _, p := range s.Population {
		n += p.Count
	}
	return n
}
