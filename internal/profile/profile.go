// Package profile defines named load profiles and custom overrides.
package profile

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"
)

var (
	ErrUnknownProfile = errors.New("unknown load profile")
	ErrInvalidProfile = errors.New("invalid load profile")
)

// Profile is the target load for one run
type Profile struct {
	Name             string
	WellCount        int
	TagsPerWell      int
	ReadingInterval  time.Duration
	EntriesPerMinute float64
	Duration         time.Duration
}

// Overrides replaces individual fields of a preset. Nil fields keep the preset value.
type Overrides struct {
	WellCount        *int
	TagsPerWell      *int
	ReadingInterval  *time.Duration
	EntriesPerMinute *float64
	Duration         *time.Duration
}

// Empty reports whether no override is set
func (o Overrides) Empty() bool {
	return o.WellCount == nil && o.TagsPerWell == nil && o.ReadingInterval == nil &&
		o.EntriesPerMinute == nil && o.Duration == nil
}

var presets = map[string]Profile{
	"normal": {
		Name:             "normal",
		WellCount:        50,
		TagsPerWell:      10,
		ReadingInterval:  time.Second,
		EntriesPerMinute: 30,
		Duration:         5 * time.Minute,
	},
	"peak": {
		Name:             "peak",
		WellCount:        200,
		TagsPerWell:      10,
		ReadingInterval:  time.Second,
		EntriesPerMinute: 120,
		Duration:         10 * time.Minute,
	},
	"stress": {
		Name:             "stress",
		WellCount:        1000,
		TagsPerWell:      10,
		ReadingInterval:  time.Second,
		EntriesPerMinute: 500,
		Duration:         30 * time.Minute,
	},
	"quick": {
		Name:             "quick",
		WellCount:        10,
		TagsPerWell:      5,
		ReadingInterval:  time.Second,
		EntriesPerMinute: 10,
		Duration:         30 * time.Second,
	},
}

// Names returns the preset names in sorted order
func Names() []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Lookup returns a copy of the named preset
func Lookup(name string) (Profile, error) {
	p, ok := presets[name]
	if !ok {
		return Profile{}, fmt.Errorf("%w: %q (available: %v)", ErrUnknownProfile, name, Names())
	}
	return p, nil
}

// Resolve looks up a preset, applies overrides and validates the result.
// A profile with overrides is renamed "<name>+custom".
func Resolve(name string, o Overrides) (Profile, error) {
	p, err := Lookup(name)
	if err != nil {
		return Profile{}, err
	}

	if o.WellCount != nil {
		p.WellCount = *o.WellCount
	}
	if o.TagsPerWell != nil {
		p.TagsPerWell = *o.TagsPerWell
	}
	if o.ReadingInterval != nil {
		p.ReadingInterval = *o.ReadingInterval
	}
	if o.EntriesPerMinute != nil {
		p.EntriesPerMinute = *o.EntriesPerMinute
	}
	if o.Duration != nil {
		p.Duration = *o.Duration
	}
	if !o.Empty() {
		p.Name = name + "+custom"
	}

	if err := p.Validate(); err != nil {
		return Profile{}, err
	}
	return p, nil
}

// Validate checks that every count and interval is positive
func (p Profile) Validate() error {
	switch {
	case p.WellCount <= 0:
		return fmt.Errorf("%w: wells must be positive, got %d", ErrInvalidProfile, p.WellCount)
	case p.TagsPerWell <= 0:
		return fmt.Errorf("%w: tags per well must be positive, got %d", ErrInvalidProfile, p.TagsPerWell)
	case p.ReadingInterval <= 0:
		return fmt.Errorf("%w: reading interval must be positive, got %s", ErrInvalidProfile, p.ReadingInterval)
	case math.IsNaN(p.EntriesPerMinute) || p.EntriesPerMinute <= 0:
		return fmt.Errorf("%w: entries per minute must be positive, got %g", ErrInvalidProfile, p.EntriesPerMinute)
	case math.IsInf(p.EntriesPerMinute, 1) || p.EntryInterval() <= 0:
		return fmt.Errorf("%w: entries per minute %g is too high", ErrInvalidProfile, p.EntriesPerMinute)
	case p.Duration <= 0:
		return fmt.Errorf("%w: duration must be positive, got %s", ErrInvalidProfile, p.Duration)
	}
	return nil
}

// EntryInterval is the gap between two mobile entries
func (p Profile) EntryInterval() time.Duration {
	return time.Duration(float64(time.Minute) / p.EntriesPerMinute)
}

// Tags returns the total number of tags driven per tick
func (p Profile) Tags() int {
	return p.WellCount * p.TagsPerWell
}

// ExpectedReadings is the number of readings a full run submits
func (p Profile) ExpectedReadings() int64 {
	ticks := int64(p.Duration / p.ReadingInterval)
	return int64(p.Tags()) * ticks
}

// ReadingsPerSecond is the target reading throughput
func (p Profile) ReadingsPerSecond() float64 {
	return float64(p.Tags()) / p.ReadingInterval.Seconds()
}

func (p Profile) String() string {
	return fmt.Sprintf("%s: %d wells x %d tags every %s, %.0f entries/min, for %s",
		p.Name, p.WellCount, p.TagsPerWell, p.ReadingInterval, p.EntriesPerMinute, p.Duration)
}
