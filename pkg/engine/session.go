package engine

import (
	"sort"
	"sync"
	"time"

	"github.com/cemwatch/cemwatch/pkg/cemapi"
)

// CounterInfo is the display metadata discovery resolved for one counter.
type CounterInfo struct {
	VarID       int    `json:"var_id"`
	CounterName string `json:"counter_name,omitempty"`
	Unit        string `json:"unit,omitempty"`
	MeterID     int    `json:"meter_id"`
	MeterName   string `json:"meter_name,omitempty"`
	MeterSerial string `json:"meter_serial,omitempty"`
	ObjectID    int    `json:"object_id,omitempty"`
	ObjectName  string `json:"object_name,omitempty"`
}

// ReadingStatus is the outward snapshot of one tracked counter.
type ReadingStatus struct {
	CounterInfo
	Value      float64   `json:"value"`
	ObservedAt time.Time `json:"observed_at"`
	FetchedAt  time.Time `json:"fetched_at"`
	HasValue   bool      `json:"has_value"`
}

// Session owns every reading coordinator of one account. It is constructed
// once at setup from the discovered counter set and torn down at shutdown;
// nothing looks coordinators up from ambient global state.
type Session struct {
	mu       sync.RWMutex
	readings map[int]*Coordinator[cemapi.Reading]
	info     map[int]CounterInfo
}

// NewSession creates an empty session.
func NewSession() *Session {
	return &Session{
		readings: make(map[int]*Coordinator[cemapi.Reading]),
		info:     make(map[int]CounterInfo),
	}
}

// Track registers a counter's coordinator. A var_id shared by several meters
// is tracked once; the first registration wins.
func (s *Session) Track(info CounterInfo, coord *Coordinator[cemapi.Reading]) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.readings[info.VarID]; exists {
		return
	}
	s.readings[info.VarID] = coord
	s.info[info.VarID] = info
}

// Coordinators returns a copy of the tracked coordinator set.
func (s *Session) Coordinators() map[int]*Coordinator[cemapi.Reading] {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[int]*Coordinator[cemapi.Reading], len(s.readings))
	for id, coord := range s.readings {
		out[id] = coord
	}
	return out
}

// VarIDs returns the tracked counter ids, sorted.
func (s *Session) VarIDs() []int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]int, 0, len(s.readings))
	for id := range s.readings {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Size returns the number of tracked counters.
func (s *Session) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.readings)
}

// Info returns the display metadata of one counter.
func (s *Session) Info(varID int) (CounterInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info, ok := s.info[varID]
	return info, ok
}

// Latest returns the last reading of one counter. ok is false until the
// counter's first successful poll.
func (s *Session) Latest(varID int) (cemapi.Reading, time.Time, bool) {
	s.mu.RLock()
	coord, tracked := s.readings[varID]
	s.mu.RUnlock()
	if !tracked {
		return cemapi.Reading{}, time.Time{}, false
	}
	return coord.Last()
}

// Snapshot returns the status of every tracked counter, sorted by var_id.
// Counters that never polled successfully are included with HasValue false so
// consumers can tell "stale" from "unknown".
func (s *Session) Snapshot() []ReadingStatus {
	ids := s.VarIDs()
	out := make([]ReadingStatus, 0, len(ids))
	for _, id := range ids {
		info, _ := s.Info(id)
		status := ReadingStatus{CounterInfo: info}
		if reading, fetchedAt, ok := s.Latest(id); ok {
			status.Value = reading.Value
			status.ObservedAt = reading.ObservedAt
			status.FetchedAt = fetchedAt
			status.HasValue = true
		}
		out = append(out, status)
	}
	return out
}
