// Package topology builds the synthetic fleet of wells and sensor tags driven
// by the generator.
package topology

import (
	"errors"
	"fmt"
	"math/rand"

	"github.com/google/uuid"
)

var (
	ErrInvalidSpec = errors.New("invalid topology spec")
)

// Archetype describes one kind of sensor tag in the catalog
type Archetype struct {
	Name     string
	Unit     string
	Min      float64
	Max      float64
	Variance float64
}

// BoundingBox is the geographic area wells are placed in
type BoundingBox struct {
	MinLat float64
	MaxLat float64
	MinLon float64
	MaxLon float64
}

// PermianBasin is the default placement area
var PermianBasin = BoundingBox{MinLat: 31.5, MaxLat: 32.5, MinLon: -103.0, MaxLon: -102.0}

// DefaultCatalog returns the standard set of wellsite tag archetypes
func DefaultCatalog() []Archetype {
	return []Archetype{
		{Name: "CASING_PRESSURE", Unit: "PSI", Min: 50, Max: 1500, Variance: 10},
		{Name: "TUBING_PRESSURE", Unit: "PSI", Min: 30, Max: 1200, Variance: 8},
		{Name: "LINE_PRESSURE", Unit: "PSI", Min: 20, Max: 800, Variance: 5},
		{Name: "SEPARATOR_PRESSURE", Unit: "PSI", Min: 10, Max: 500, Variance: 5},
		{Name: "WELLHEAD_TEMP", Unit: "F", Min: 60, Max: 200, Variance: 3},
		{Name: "OIL_FLOW_RATE", Unit: "BBL/D", Min: 0, Max: 500, Variance: 20},
		{Name: "GAS_FLOW_RATE", Unit: "MCF/D", Min: 0, Max: 2000, Variance: 50},
		{Name: "WATER_FLOW_RATE", Unit: "BBL/D", Min: 0, Max: 1000, Variance: 30},
		{Name: "CHOKE_POSITION", Unit: "%", Min: 0, Max: 100, Variance: 5},
		{Name: "MOTOR_AMPS", Unit: "A", Min: 5, Max: 150, Variance: 10},
	}
}

// Well is a synthetic wellsite. Its identity and location never change after
// generation; only the current values of its tags do.
type Well struct {
	ID        string
	Name      string
	Latitude  float64
	Longitude float64
	Tags      []*Tag
}

// Tag is a single measurement point on a well.
// Current always stays within [Min, Max].
type Tag struct {
	ID       string
	WellID   string
	NodeID   string
	Name     string
	Unit     string
	Min      float64
	Max      float64
	Variance float64
	Current  float64
}

// Spec is the input to Generate
type Spec struct {
	WellCount   int
	TagsPerWell int
	Catalog     []Archetype // DefaultCatalog() when empty
	Box         BoundingBox // PermianBasin when zero
}

func (s Spec) validate() error {
	if s.WellCount <= 0 {
		return fmt.Errorf("%w: well count must be positive, got %d", ErrInvalidSpec, s.WellCount)
	}
	if s.TagsPerWell <= 0 {
		return fmt.Errorf("%w: tags per well must be positive, got %d", ErrInvalidSpec, s.TagsPerWell)
	}
	for _, a := range s.Catalog {
		if a.Max < a.Min {
			return fmt.Errorf("%w: archetype %s has max %.2f below min %.2f", ErrInvalidSpec, a.Name, a.Max, a.Min)
		}
		if a.Variance < 0 {
			return fmt.Errorf("%w: archetype %s has negative variance", ErrInvalidSpec, a.Name)
		}
	}
	if s.Box.MaxLat < s.Box.MinLat || s.Box.MaxLon < s.Box.MinLon {
		return fmt.Errorf("%w: inverted bounding box", ErrInvalidSpec)
	}
	return nil
}

// Generate builds spec.WellCount wells with spec.TagsPerWell tags each.
// Archetypes are assigned cyclically from the catalog. The result depends only
// on spec and seed.
func Generate(spec Spec, seed int64) ([]*Well, error) {
	if len(spec.Catalog) == 0 {
		spec.Catalog = DefaultCatalog()
	}
	if spec.Box == (BoundingBox{}) {
		spec.Box = PermianBasin
	}
	if err := spec.validate(); err != nil {
		return nil, err
	}

	rng := rand.New(rand.NewSource(seed))

	wells := make([]*Well, 0, spec.WellCount)
	for i := 0; i < spec.WellCount; i++ {
		wellID, err := uuid.NewRandomFromReader(rng)
		if err != nil {
			return nil, fmt.Errorf("failed to generate well id: %w", err)
		}

		w := &Well{
			ID:        wellID.String(),
			Name:      fmt.Sprintf("WELL-%04d", i+1),
			Latitude:  uniform(rng, spec.Box.MinLat, spec.Box.MaxLat),
			Longitude: uniform(rng, spec.Box.MinLon, spec.Box.MaxLon),
			Tags:      make([]*Tag, 0, spec.TagsPerWell),
		}

		for j := 0; j < spec.TagsPerWell; j++ {
			a := spec.Catalog[j%len(spec.Catalog)]
			tagID, err := uuid.NewRandomFromReader(rng)
			if err != nil {
				return nil, fmt.Errorf("failed to generate tag id: %w", err)
			}
			w.Tags = append(w.Tags, &Tag{
				ID:       tagID.String(),
				WellID:   w.ID,
				NodeID:   fmt.Sprintf("ns=2;s=%s.%d", a.Name, j),
				Name:     a.Name,
				Unit:     a.Unit,
				Min:      a.Min,
				Max:      a.Max,
				Variance: a.Variance,
				Current:  uniform(rng, a.Min, a.Max),
			})
		}
		wells = append(wells, w)
	}

	return wells, nil
}

// TagCount returns the total number of tags across wells
func TagCount(wells []*Well) int {
	n := 0
	for _, w := range wells {
		n += len(w.Tags)
	}
	return n
}

// Find returns the well with the given id, or nil
func Find(wells []*Well, id string) *Well {
	for _, w := range wells {
		if w.ID == id {
			return w
		}
	}
	return nil
}

func uniform(rng *rand.Rand, lo, hi float64) float64 {
	return lo + rng.Float64()*(hi-lo)
}
