package types

import "time"

// TemperatureMeasurement is a denoised sample taken by the Thermocouple
// Poller. It is only emitted when at least 2 of 10 raw reads succeeded for
// each required probe (spec §3).
type TemperatureMeasurement struct {
	BoilerTempC      float32
	GroupheadTempC   float32
	ThermofilterTempC *float32
	Timestamp        time.Time
}

// Measurement is the persisted row shape written by the State Core on every
// channel change (spec §3/§4.7).
type Measurement struct {
	TimeMs            int64
	TargetTempC       float32
	BoilerTempC       float32
	GroupheadTempC    float32
	ThermofilterTempC *float32
	Power             bool
	HeatLevel         *float32
	Pull              bool
	Steam             bool
}

// Shot is the derived, persisted record of one brew pull.
type Shot struct {
	StartTimeMs          int64
	EndTimeMs            int64
	TotalTimeMs          int64
	BrewTempAverageC     float32
	GroupheadTempAvgC    float32
}

// ConfigItem is a persisted key/value pair. Keys prefixed "ui_" are opaque
// UI settings the core persists but does not interpret (spec §3).
type ConfigItem struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

const (
	ConfigKeyTargetTemperature = "TargetTemperature"
	ConfigKeyControlMethod     = "ControlMethod"
	UIConfigKeyPrefix          = "ui_"
)

// Range is the query parameter shape for history requests (spec §3).
type Range struct {
	ID           string `json:"id,omitempty"`
	FromMs       int64  `json:"from"`
	ToMs         int64  `json:"to"`
	Limit        *int64 `json:"limit,omitempty"`
	BucketSizeMs *int64 `json:"bucket_size,omitempty"`
}
