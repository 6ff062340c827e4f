package profile

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPresets(t *testing.T) {
	tests := []struct {
		name     string
		wells    int
		tags     int
		perMin   float64
		duration time.Duration
	}{
		{"normal", 50, 10, 30, 5 * time.Minute},
		{"peak", 200, 10, 120, 10 * time.Minute},
		{"stress", 1000, 10, 500, 30 * time.Minute},
		{"quick", 10, 5, 10, 30 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Lookup(tt.name)
			require.NoError(t, err)
			assert.Equal(t, tt.wells, p.WellCount)
			assert.Equal(t, tt.tags, p.TagsPerWell)
			assert.Equal(t, time.Second, p.ReadingInterval)
			assert.Equal(t, tt.perMin, p.EntriesPerMinute)
			assert.Equal(t, tt.duration, p.Duration)
			assert.NoError(t, p.Validate())
		})
	}
}

func TestLookup_Unknown(t *testing.T) {
	_, err := Lookup("extreme")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownProfile))
}

func TestNamesSorted(t *testing.T) {
	assert.Equal(t, []string{"normal", "peak", "quick", "stress"}, Names())
}

func TestResolve_Overrides(t *testing.T) {
	wells := 10
	tags := 5
	d := 30 * time.Second

	p, err := Resolve("normal", Overrides{WellCount: &wells, TagsPerWell: &tags, Duration: &d})
	require.NoError(t, err)

	assert.Equal(t, "normal+custom", p.Name)
	assert.Equal(t, 10, p.WellCount)
	assert.Equal(t, 5, p.TagsPerWell)
	assert.Equal(t, 30*time.Second, p.Duration)
	assert.Equal(t, float64(30), p.EntriesPerMinute, "untouched fields keep the preset value")
	assert.Equal(t, int64(1500), p.ExpectedReadings())
}

func TestResolve_NoOverridesKeepsName(t *testing.T) {
	p, err := Resolve("peak", Overrides{})
	require.NoError(t, err)
	assert.Equal(t, "peak", p.Name)
}

func TestResolve_InvalidOverride(t *testing.T) {
	zero := 0
	_, err := Resolve("normal", Overrides{WellCount: &zero})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidProfile))

	neg := -time.Second
	_, err = Resolve("normal", Overrides{ReadingInterval: &neg})
	assert.True(t, errors.Is(err, ErrInvalidProfile))

	for _, rate := range []float64{0, math.NaN(), math.Inf(1), 1e12} {
		rate := rate
		_, err = Resolve("quick", Overrides{EntriesPerMinute: &rate})
		assert.ErrorIs(t, err, ErrInvalidProfile, "rate %g", rate)
	}
}

func TestValidate_HighestEntryRate(t *testing.T) {
	p, err := Lookup("quick")
	require.NoError(t, err)

	p.EntriesPerMinute = 6e10
	require.NoError(t, p.Validate())
	assert.Equal(t, time.Nanosecond, p.EntryInterval())
}

func TestDerivedRates(t *testing.T) {
	p, err := Lookup("normal")
	require.NoError(t, err)

	assert.Equal(t, 2*time.Second, p.EntryInterval())
	assert.Equal(t, 500, p.Tags())
	assert.InDelta(t, 500.0, p.ReadingsPerSecond(), 1e-9)
	assert.Equal(t, int64(500*300), p.ExpectedReadings())

	stress, err := Lookup("stress")
	require.NoError(t, err)
	assert.Equal(t, 120*time.Millisecond, stress.EntryInterval())
}
