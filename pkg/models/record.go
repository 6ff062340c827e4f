package models

import (
	"fmt"
	"time"
)

// Quality is the confidence flag attached to every sensor reading
type Quality string

const (
	QualityGood      Quality = "Good"
	QualityUncertain Quality = "Uncertain"
)

// Valid reports whether q is one of the known quality flags
func (q Quality) Valid() bool {
	return q == QualityGood || q == QualityUncertain
}

// EntryCategory is the kind of manual field entry submitted from mobile devices
type EntryCategory string

const (
	EntryProduction  EntryCategory = "production"
	EntryInspection  EntryCategory = "inspection"
	EntryMaintenance EntryCategory = "maintenance"
)

// EntryCategories lists every category in a stable order
var EntryCategories = []EntryCategory{EntryProduction, EntryInspection, EntryMaintenance}

// Valid reports whether c is a known entry category
func (c EntryCategory) Valid() bool {
	switch c {
	case EntryProduction, EntryInspection, EntryMaintenance:
		return true
	}
	return false
}

// Reading is one timestamped value sample for a tag.
// This is the wire format used by every sink.
type Reading struct {
	WellID    string    `json:"wellId" msgpack:"wellId"`
	TagNodeID string    `json:"tagNodeId" msgpack:"tagNodeId"`
	Timestamp time.Time `json:"timestamp" msgpack:"timestamp"`
	Value     float64   `json:"value" msgpack:"value"`
	Quality   Quality   `json:"quality" msgpack:"quality"`
}

// Validate checks the fields a sink needs to store the reading
func (r Reading) Validate() error {
	if r.WellID == "" {
		return fmt.Errorf("reading: missing wellId")
	}
	if r.TagNodeID == "" {
		return fmt.Errorf("reading: missing tagNodeId")
	}
	if r.Timestamp.IsZero() {
		return fmt.Errorf("reading: missing timestamp")
	}
	if !r.Quality.Valid() {
		return fmt.Errorf("reading: invalid quality %q", r.Quality)
	}
	return nil
}

// MobileEntry is a manual field-data entry (production report, inspection, maintenance)
type MobileEntry struct {
	WellID    string                 `json:"wellId" msgpack:"wellId"`
	Category  EntryCategory          `json:"entryType" msgpack:"entryType"`
	Timestamp time.Time              `json:"timestamp" msgpack:"timestamp"`
	Data      map[string]interface{} `json:"data" msgpack:"data"`
}

// Validate checks the fields a sink needs to store the entry
func (e MobileEntry) Validate() error {
	if e.WellID == "" {
		return fmt.Errorf("entry: missing wellId")
	}
	if !e.Category.Valid() {
		return fmt.Errorf("entry: invalid entryType %q", e.Category)
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("entry: missing timestamp")
	}
	return nil
}
