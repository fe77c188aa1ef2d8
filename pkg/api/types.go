package api

import "time"

// StatusResponse matches the response for GET /v1/status
type StatusResponse struct {
	Connected         bool       `json:"connected"`
	TokenValidTo      *time.Time `json:"token_valid_to,omitempty"`
	Counters          int        `json:"counters"`
	CountersWithValue int        `json:"counters_with_value"`
	UptimeSeconds     int64      `json:"uptime_seconds"`
}

// ReadingResponse matches one entry of GET /v1/readings. Value and the
// timestamps are omitted until the counter's first successful poll.
type ReadingResponse struct {
	VarID       int        `json:"var_id"`
	CounterName string     `json:"counter_name,omitempty"`
	Unit        string     `json:"unit,omitempty"`
	MeterName   string     `json:"meter_name,omitempty"`
	ObjectName  string     `json:"object_name,omitempty"`
	HasValue    bool       `json:"has_value"`
	Value       *float64   `json:"value,omitempty"`
	ObservedAt  *time.Time `json:"observed_at,omitempty"`
	FetchedAt   *time.Time `json:"fetched_at,omitempty"`
}

// MeterResponse matches one entry of GET /v1/meters
type MeterResponse struct {
	MeterID    int               `json:"meter_id"`
	Name       string            `json:"name,omitempty"`
	Serial     string            `json:"serial,omitempty"`
	ObjectID   int               `json:"object_id,omitempty"`
	ObjectName string            `json:"object_name,omitempty"`
	Counters   []CounterResponse `json:"counters,omitempty"`
}

// CounterResponse is one counter of a meter in GET /v1/meters
type CounterResponse struct {
	VarID   int    `json:"var_id"`
	Name    string `json:"name,omitempty"`
	Unit    string `json:"unit,omitempty"`
	Tracked bool   `json:"tracked"`
}
