package model

import (
	"encoding/json"
	"time"
)

// SourceKind identifies which upstream a record or task belongs to.
type SourceKind string

const (
	SourceFile        SourceKind = "file"
	SourceOpenWeather SourceKind = "openweather"
	SourceWeatherAPI  SourceKind = "weatherapi"
)

// Valid reports whether k is one of the known source kinds.
func (k SourceKind) Valid() bool {
	switch k {
	case SourceFile, SourceOpenWeather, SourceWeatherAPI:
		return true
	}
	return false
}

// ObservationRecord is the normalized weather observation every source
// adapter produces. Downstream code only ever sees this shape; provider
// payload quirks stop at the adapter boundary.
type ObservationRecord struct {
	City            string          `json:"city"`
	Source          SourceKind      `json:"source_provider"`
	TemperatureC    float64         `json:"temperature_celsius"`
	HumidityPercent *float64        `json:"humidity_percent,omitempty"`
	Description     string          `json:"description,omitempty"`
	ObservedAt      time.Time       `json:"observed_at"`
	Raw             json.RawMessage `json:"raw,omitempty"`
}

// Clone returns a deep copy of the record. Batches hand copies to the
// transport so a retry never observes a mutated record.
func (r ObservationRecord) Clone() ObservationRecord {
	out := r
	if r.HumidityPercent != nil {
		h := *r.HumidityPercent
		out.HumidityPercent = &h
	}
	if r.Raw != nil {
		out.Raw = make(json.RawMessage, len(r.Raw))
		copy(out.Raw, r.Raw)
	}
	return out
}
