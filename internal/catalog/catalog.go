// Package catalog is the muscle and exercise metadata lookup: display names,
// activation calibration borders and the muscle slots each exercise needs.
package catalog

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/banshee-data/emg.report/internal/clips"
	"github.com/banshee-data/emg.report/internal/report"
)

//go:embed catalog.yaml
var defaultCatalog []byte

var (
	ErrUnknownMuscle   = errors.New("unknown muscle")
	ErrUnknownExercise = errors.New("unknown exercise")
)

// Borders are the raw amplitudes mapped to 0% and 100% activation.
type Borders struct {
	Relaxed float64 `yaml:"relaxed" json:"relaxed"`
	Full    float64 `yaml:"full" json:"full"`
}

// Muscle is one catalog muscle.
type Muscle struct {
	ID      string  `yaml:"id" json:"id"`
	Name    string  `yaml:"name" json:"name"`
	Borders Borders `yaml:"borders" json:"borders"`
}

// Exercise is one catalog exercise and the slots it requires.
type Exercise struct {
	ID    string       `yaml:"id" json:"id"`
	Name  string       `yaml:"name" json:"name"`
	Kind  report.Kind  `yaml:"kind" json:"kind"`
	Slots []clips.Slot `yaml:"slots" json:"slots"`
}

type document struct {
	Muscles   []Muscle   `yaml:"muscles"`
	Exercises []Exercise `yaml:"exercises"`
}

// Catalog is an immutable lookup table, safe for concurrent use.
type Catalog struct {
	muscles   map[string]Muscle
	exercises map[string]Exercise
	order     []string
}

// Default returns the catalog embedded in the binary.
func Default() (*Catalog, error) {
	return Parse(defaultCatalog)
}

// Load reads a catalog from a YAML file.
func Load(path string) (*Catalog, error) {
	clean := filepath.Clean(path)
	switch filepath.Ext(clean) {
	case ".yaml", ".yml":
	default:
		return nil, fmt.Errorf("catalog file must have .yaml extension, got %q", filepath.Ext(clean))
	}
	data, err := os.ReadFile(clean)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML catalog document.
func Parse(data []byte) (*Catalog, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}

	c := &Catalog{
		muscles:   make(map[string]Muscle, len(doc.Muscles)),
		exercises: make(map[string]Exercise, len(doc.Exercises)),
	}
	for _, m := range doc.Muscles {
		if m.ID == "" {
			return nil, errors.New("catalog muscle without id")
		}
		if _, dup := c.muscles[m.ID]; dup {
			return nil, fmt.Errorf("duplicate muscle %q", m.ID)
		}
		if m.Borders.Full <= m.Borders.Relaxed {
			return nil, fmt.Errorf("muscle %q: full border %v must exceed relaxed border %v", m.ID, m.Borders.Full, m.Borders.Relaxed)
		}
		c.muscles[m.ID] = m
	}
	for _, e := range doc.Exercises {
		if e.ID == "" {
			return nil, errors.New("catalog exercise without id")
		}
		if _, dup := c.exercises[e.ID]; dup {
			return nil, fmt.Errorf("duplicate exercise %q", e.ID)
		}
		if !e.Kind.Valid() {
			return nil, fmt.Errorf("exercise %q: missing report kind", e.ID)
		}
		if len(e.Slots) == 0 {
			return nil, fmt.Errorf("exercise %q requires no muscle slots", e.ID)
		}
		seen := make(map[clips.Slot]bool, len(e.Slots))
		for _, s := range e.Slots {
			if _, ok := c.muscles[s.Muscle]; !ok {
				return nil, fmt.Errorf("exercise %q: %w %q", e.ID, ErrUnknownMuscle, s.Muscle)
			}
			if seen[s] {
				return nil, fmt.Errorf("exercise %q lists slot %s twice", e.ID, s)
			}
			seen[s] = true
		}
		c.exercises[e.ID] = e
		c.order = append(c.order, e.ID)
	}
	return c, nil
}

// Muscle looks up a muscle by id.
func (c *Catalog) Muscle(id string) (Muscle, error) {
	m, ok := c.muscles[id]
	if !ok {
		return Muscle{}, fmt.Errorf("%w %q", ErrUnknownMuscle, id)
	}
	return m, nil
}

// Borders returns the calibration borders of a muscle.
func (c *Catalog) Borders(muscleID string) (Borders, error) {
	m, err := c.Muscle(muscleID)
	if err != nil {
		return Borders{}, err
	}
	return m.Borders, nil
}

// Exercise looks up an exercise by id. The returned slots are a copy.
func (c *Catalog) Exercise(id string) (Exercise, error) {
	e, ok := c.exercises[id]
	if !ok {
		return Exercise{}, fmt.Errorf("%w %q", ErrUnknownExercise, id)
	}
	e.Slots = append([]clips.Slot(nil), e.Slots...)
	return e, nil
}

// Exercises returns every exercise in document order.
func (c *Catalog) Exercises() []Exercise {
	out := make([]Exercise, 0, len(c.order))
	for _, id := range c.order {
		e, _ := c.Exercise(id)
		out = append(out, e)
	}
	return out
}

// DisplayName returns a human-readable name for a slot, e.g.
// "Biceps brachii (left)".
func (c *Catalog) DisplayName(slot clips.Slot) string {
	name := slot.Muscle
	if m, ok := c.muscles[slot.Muscle]; ok && m.Name != "" {
		name = m.Name
	}
	if slot.Side == clips.SideNone {
		return name
	}
	return fmt.Sprintf("%s (%s)", name, slot.Side)
}
