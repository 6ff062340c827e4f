package producer

import (
	"math"
	"math/rand"
	"time"

	"github.com/wellpulse/loadsim/internal/topology"
	"github.com/wellpulse/loadsim/pkg/models"
)

var (
	inspectionConditions = []string{"Good", "Fair", "Poor"}
	inspectionIssues     = [][]string{{}, {"Minor leak"}, {"Vibration detected"}}
	maintenanceWorkTypes = []string{"Preventive", "Corrective", "Emergency"}
	maintenanceParts     = [][]string{{}, {"Pump seal"}, {"Motor bearing"}}
)

// NewEntry builds a field entry of a random category for a random well
func NewEntry(rng *rand.Rand, wells []*topology.Well, now time.Time) models.MobileEntry {
	well := wells[rng.Intn(len(wells))]
	category := models.EntryCategories[rng.Intn(len(models.EntryCategories))]
	return models.MobileEntry{
		WellID:    well.ID,
		Category:  category,
		Timestamp: now.UTC(),
		Data:      EntryData(rng, category),
	}
}

// EntryData returns the synthetic payload for one category
func EntryData(rng *rand.Rand, category models.EntryCategory) map[string]interface{} {
	switch category {
	case models.EntryProduction:
		return map[string]interface{}{
			"oilVolume":   between(rng, 0, 500),
			"gasVolume":   between(rng, 0, 5000),
			"waterVolume": between(rng, 0, 200),
			"runTime":     between(rng, 0, 24),
			"downTime":    between(rng, 0, 2),
		}
	case models.EntryInspection:
		return map[string]interface{}{
			"condition": inspectionConditions[rng.Intn(len(inspectionConditions))],
			"notes":     "Routine inspection",
			"issues":    inspectionIssues[rng.Intn(len(inspectionIssues))],
		}
	default:
		return map[string]interface{}{
			"workType":      maintenanceWorkTypes[rng.Intn(len(maintenanceWorkTypes))],
			"partsReplaced": maintenanceParts[rng.Intn(len(maintenanceParts))],
			"laborHours":    between(rng, 0.5, 8),
			"cost":          between(rng, 100, 5000),
		}
	}
}

// between returns a uniform value in [lo, hi] rounded to cents
func between(rng *rand.Rand, lo, hi float64) float64 {
	return math.Round((lo+rng.Float64()*(hi-lo))*100) / 100
}
