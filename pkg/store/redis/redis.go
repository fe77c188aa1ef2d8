// Package redis mirrors the latest reading per counter into Redis so other
// home-automation processes can consume values without talking to the daemon.
// Only the latest value is kept; this is a mirror, not a time series.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cemwatch/cemwatch/pkg/cemapi"
	"github.com/cemwatch/cemwatch/pkg/engine"
)

const readingsSet = "cemwatch:readings"

// MirroredReading is the JSON shape written per counter.
type MirroredReading struct {
	VarID      int       `json:"var_id"`
	Value      float64   `json:"value"`
	Unit       string    `json:"unit,omitempty"`
	MeterName  string    `json:"meter_name,omitempty"`
	ObjectName string    `json:"object_name,omitempty"`
	ObservedAt time.Time `json:"observed_at"`
	FetchedAt  time.Time `json:"fetched_at"`
}

// ReadingStore mirrors readings into Redis. It implements engine.ReadingSink.
type ReadingStore struct {
	client *redis.Client
}

// NewReadingStore creates a mirror over an existing Redis client.
func NewReadingStore(client *redis.Client) *ReadingStore {
	return &ReadingStore{client: client}
}

func (s *ReadingStore) makeKey(varID int) string {
	return fmt.Sprintf("cemwatch:reading:%d", varID)
}

// Publish writes one reading. Mirror failures are logged, never propagated:
// the mirror is best-effort and must not fail a poll cycle.
func (s *ReadingStore) Publish(info engine.CounterInfo, reading cemapi.Reading, fetchedAt time.Time) {
	entry := MirroredReading{
		VarID:      reading.VarID,
		Value:      reading.Value,
		Unit:       info.Unit,
		MeterName:  info.MeterName,
		ObjectName: info.ObjectName,
		ObservedAt: reading.ObservedAt,
		FetchedAt:  fetchedAt,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		log.Printf("redis mirror: failed to marshal reading: %v", err)
		return
	}

	key := s.makeKey(reading.VarID)
	ctx := context.Background()
	if err := s.client.Set(ctx, key, data, 0).Err(); err != nil {
		log.Printf("redis mirror: failed to SET %s: %v", key, err)
		return
	}
	if err := s.client.SAdd(ctx, readingsSet, key).Err(); err != nil {
		log.Printf("redis mirror: failed to SADD %s: %v", key, err)
	}
}

// Get returns the mirrored reading for one counter.
func (s *ReadingStore) Get(ctx context.Context, varID int) (MirroredReading, bool) {
	data, err := s.client.Get(ctx, s.makeKey(varID)).Result()
	if err != nil {
		if err != redis.Nil {
			log.Printf("redis mirror: failed to GET var_id=%d: %v", varID, err)
		}
		return MirroredReading{}, false
	}
	var entry MirroredReading
	if err := json.Unmarshal([]byte(data), &entry); err != nil {
		log.Printf("redis mirror: failed to unmarshal var_id=%d: %v", varID, err)
		return MirroredReading{}, false
	}
	return entry, true
}

// GetAll returns every mirrored reading.
func (s *ReadingStore) GetAll(ctx context.Context) []MirroredReading {
	keys, err := s.client.SMembers(ctx, readingsSet).Result()
	if err != nil {
		log.Printf("redis mirror: failed to SMEMBERS %s: %v", readingsSet, err)
		return nil
	}
	if len(keys) == 0 {
		return []MirroredReading{}
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		log.Printf("redis mirror: failed to MGET: %v", err)
		return nil
	}
	var entries []MirroredReading
	for i, val := range values {
		if val == nil {
			continue
		}
		str, ok := val.(string)
		if !ok {
			log.Printf("redis mirror: MGET returned non-string for %s", keys[i])
			continue
		}
		var entry MirroredReading
		if err := json.Unmarshal([]byte(str), &entry); err != nil {
			log.Printf("redis mirror: failed to unmarshal %s: %v", keys[i], err)
			continue
		}
		entries = append(entries, entry)
	}
	return entries
}

// Clear removes every mirrored reading.
func (s *ReadingStore) Clear(ctx context.Context) {
	keys, err := s.client.SMembers(ctx, readingsSet).Result()
	if err != nil {
		log.Printf("redis mirror: failed to SMEMBERS during clear: %v", err)
		return
	}
	if len(keys) > 0 {
		if err := s.client.Del(ctx, keys...).Err(); err != nil {
			log.Printf("redis mirror: failed to DEL keys: %v", err)
		}
	}
	if err := s.client.Del(ctx, readingsSet).Err(); err != nil {
		log.Printf("redis mirror: failed to DEL %s: %v", readingsSet, err)
	}
}
