package producer

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wellpulse/loadsim/internal/topology"
	"github.com/wellpulse/loadsim/pkg/models"
)

func TestEntryDataFields(t *testing.T) {
	rng := rand.New(rand.NewSource(3))

	tests := []struct {
		category models.EntryCategory
		keys     []string
	}{
		{models.EntryProduction, []string{"oilVolume", "gasVolume", "waterVolume", "runTime", "downTime"}},
		{models.EntryInspection, []string{"condition", "notes", "issues"}},
		{models.EntryMaintenance, []string{"workType", "partsReplaced", "laborHours", "cost"}},
	}

	for _, tt := range tests {
		t.Run(string(tt.category), func(t *testing.T) {
			data := EntryData(rng, tt.category)
			assert.Len(t, data, len(tt.keys))
			for _, k := range tt.keys {
				assert.Contains(t, data, k)
			}
		})
	}
}

func TestEntryDataRanges(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	for i := 0; i < 500; i++ {
		prod := EntryData(rng, models.EntryProduction)
		oil := prod["oilVolume"].(float64)
		assert.GreaterOrEqual(t, oil, 0.0)
		assert.LessOrEqual(t, oil, 500.0)
		assert.InDelta(t, oil, float64(int64(oil*100+0.5))/100, 1e-9)

		maint := EntryData(rng, models.EntryMaintenance)
		hours := maint["laborHours"].(float64)
		assert.GreaterOrEqual(t, hours, 0.5)
		assert.LessOrEqual(t, hours, 8.0)
		cost := maint["cost"].(float64)
		assert.GreaterOrEqual(t, cost, 100.0)
		assert.LessOrEqual(t, cost, 5000.0)
	}
}

func TestNewEntry(t *testing.T) {
	wells, err := topology.Generate(topology.Spec{WellCount: 3, TagsPerWell: 1}, 1)
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(5))
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.FixedZone("CST", -6*3600))

	seen := make(map[models.EntryCategory]bool)
	for i := 0; i < 100; i++ {
		e := NewEntry(rng, wells, now)
		require.NoError(t, e.Validate())
		assert.NotNil(t, topology.Find(wells, e.WellID))
		assert.Equal(t, time.UTC, e.Timestamp.Location())
		assert.True(t, e.Timestamp.Equal(now))
		seen[e.Category] = true
	}
	assert.Len(t, seen, len(models.EntryCategories))
}
