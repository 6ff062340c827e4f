package topology

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerate_Counts(t *testing.T) {
	wells, err := Generate(Spec{WellCount: 10, TagsPerWell: 5}, 42)
	require.NoError(t, err)
	require.Len(t, wells, 10)

	for _, w := range wells {
		assert.Len(t, w.Tags, 5)
		for _, tag := range w.Tags {
			assert.Equal(t, w.ID, tag.WellID)
		}
	}
	assert.Equal(t, 50, TagCount(wells))
}

func TestGenerate_Deterministic(t *testing.T) {
	spec := Spec{WellCount: 25, TagsPerWell: 7}

	a, err := Generate(spec, 1234)
	require.NoError(t, err)
	b, err := Generate(spec, 1234)
	require.NoError(t, err)

	require.Equal(t, len(a), len(b))
	for i := range a {
		assert.Equal(t, a[i].ID, b[i].ID)
		assert.Equal(t, a[i].Name, b[i].Name)
		assert.Equal(t, a[i].Latitude, b[i].Latitude)
		assert.Equal(t, a[i].Longitude, b[i].Longitude)
		require.Equal(t, len(a[i].Tags), len(b[i].Tags))
		for j := range a[i].Tags {
			assert.Equal(t, *a[i].Tags[j], *b[i].Tags[j])
		}
	}

	c, err := Generate(spec, 4321)
	require.NoError(t, err)
	assert.NotEqual(t, a[0].ID, c[0].ID, "different seeds should produce different fleets")
}

func TestGenerate_UniqueIDs(t *testing.T) {
	wells, err := Generate(Spec{WellCount: 100, TagsPerWell: 10}, 7)
	require.NoError(t, err)

	seen := make(map[string]bool)
	for _, w := range wells {
		require.False(t, seen[w.ID], "duplicate well id %s", w.ID)
		seen[w.ID] = true
		for _, tag := range w.Tags {
			require.False(t, seen[tag.ID], "duplicate tag id %s", tag.ID)
			seen[tag.ID] = true
		}
	}
}

func TestGenerate_CyclicCatalog(t *testing.T) {
	catalog := []Archetype{
		{Name: "A", Min: 0, Max: 1, Variance: 0.1},
		{Name: "B", Min: 0, Max: 1, Variance: 0.1},
		{Name: "C", Min: 0, Max: 1, Variance: 0.1},
	}
	wells, err := Generate(Spec{WellCount: 1, TagsPerWell: 7, Catalog: catalog}, 1)
	require.NoError(t, err)

	want := []string{"A", "B", "C", "A", "B", "C", "A"}
	for i, tag := range wells[0].Tags {
		assert.Equal(t, want[i], tag.Name)
		assert.True(t, strings.HasPrefix(tag.NodeID, "ns=2;s="+want[i]+"."), tag.NodeID)
	}
}

func TestGenerate_LocationsAndValuesInBounds(t *testing.T) {
	box := BoundingBox{MinLat: 10, MaxLat: 11, MinLon: -5, MaxLon: -4}
	wells, err := Generate(Spec{WellCount: 200, TagsPerWell: 10, Box: box}, 99)
	require.NoError(t, err)

	for _, w := range wells {
		assert.GreaterOrEqual(t, w.Latitude, box.MinLat)
		assert.LessOrEqual(t, w.Latitude, box.MaxLat)
		assert.GreaterOrEqual(t, w.Longitude, box.MinLon)
		assert.LessOrEqual(t, w.Longitude, box.MaxLon)
		for _, tag := range w.Tags {
			assert.GreaterOrEqual(t, tag.Current, tag.Min)
			assert.LessOrEqual(t, tag.Current, tag.Max)
		}
	}
}

func TestGenerate_DefaultBoxIsPermian(t *testing.T) {
	wells, err := Generate(Spec{WellCount: 50, TagsPerWell: 1}, 3)
	require.NoError(t, err)
	for _, w := range wells {
		assert.True(t, w.Latitude >= 31.5 && w.Latitude <= 32.5)
		assert.True(t, w.Longitude >= -103.0 && w.Longitude <= -102.0)
	}
	assert.Equal(t, "WELL-0001", wells[0].Name)
	assert.Equal(t, "WELL-0050", wells[49].Name)
}

func TestGenerate_InvalidSpec(t *testing.T) {
	tests := []struct {
		name string
		spec Spec
	}{
		{"zero wells", Spec{WellCount: 0, TagsPerWell: 1}},
		{"negative tags", Spec{WellCount: 1, TagsPerWell: -1}},
		{"inverted bounds", Spec{WellCount: 1, TagsPerWell: 1, Catalog: []Archetype{{Name: "X", Min: 10, Max: 1}}}},
		{"inverted box", Spec{WellCount: 1, TagsPerWell: 1, Box: BoundingBox{MinLat: 2, MaxLat: 1, MinLon: 0, MaxLon: 1}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Generate(tt.spec, 1)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidSpec))
		})
	}
}

func TestFind(t *testing.T) {
	wells, err := Generate(Spec{WellCount: 3, TagsPerWell: 1}, 5)
	require.NoError(t, err)

	assert.Same(t, wells[1], Find(wells, wells[1].ID))
	assert.Nil(t, Find(wells, "missing"))
}
