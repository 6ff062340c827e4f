// Package signal produces sensor values as a bounded random walk.
package signal

import (
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/wellpulse/loadsim/internal/topology"
	"github.com/wellpulse/loadsim/pkg/models"
)

// Distribution selects how each step's perturbation is drawn
type Distribution string

const (
	Gauss   Distribution = "gauss"
	Uniform Distribution = "uniform"
)

// DefaultUncertainProbability is the share of readings flagged Uncertain
const DefaultUncertainProbability = 0.005

// Options configures a Model
type Options struct {
	Distribution         Distribution
	UncertainProbability float64
}

// ParseDistribution converts a config string to a Distribution
func ParseDistribution(s string) (Distribution, error) {
	switch Distribution(s) {
	case "", Gauss:
		return Gauss, nil
	case Uniform:
		return Uniform, nil
	}
	return "", fmt.Errorf("unknown signal distribution %q (use gauss or uniform)", s)
}

// Model advances tag values one step at a time.
// A Model is not safe for concurrent use.
type Model struct {
	rng       *rand.Rand
	dist      Distribution
	uncertain float64
}

// New creates a model drawing from rng
func New(rng *rand.Rand, opts Options) *Model {
	if opts.Distribution == "" {
		opts.Distribution = Gauss
	}
	if opts.UncertainProbability < 0 {
		opts.UncertainProbability = 0
	}
	if opts.UncertainProbability > 1 {
		opts.UncertainProbability = 1
	}
	return &Model{
		rng:       rng,
		dist:      opts.Distribution,
		uncertain: opts.UncertainProbability,
	}
}

// Step perturbs tag.Current by a zero-mean draw scaled by tag.Variance,
// clamps it to [tag.Min, tag.Max], stores and returns it.
func (m *Model) Step(tag *topology.Tag) float64 {
	var delta float64
	switch m.dist {
	case Uniform:
		delta = (m.rng.Float64()*2 - 1) * tag.Variance
	default:
		delta = m.rng.NormFloat64() * tag.Variance
	}

	next := tag.Current + delta
	if math.IsNaN(next) {
		next = tag.Current
	}
	tag.Current = clamp(next, tag.Min, tag.Max)
	return tag.Current
}

// Quality returns Uncertain with the configured probability, Good otherwise
func (m *Model) Quality() models.Quality {
	if m.rng.Float64() < m.uncertain {
		return models.QualityUncertain
	}
	return models.QualityGood
}

// Reading steps tag and wraps the value in a Reading stamped with now
func (m *Model) Reading(tag *topology.Tag, now time.Time) models.Reading {
	return models.Reading{
		WellID:    tag.WellID,
		TagNodeID: tag.NodeID,
		Timestamp: now.UTC(),
		Value:     m.Step(tag),
		Quality:   m.Quality(),
	}
}

func clamp(v, lo, hi float64) float64 {
	// NaN bounds or a NaN current value both end up at lo
	if math.IsNaN(v) || v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
