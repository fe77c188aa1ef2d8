package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/cemwatch/cemwatch/pkg/cemapi"
)

func newTestCache(t *testing.T) *TypesCache {
	t.Helper()
	c, err := NewTypesCache(filepath.Join(t.TempDir(), "cemwatch.db"))
	if err != nil {
		t.Fatalf("failed to open cache: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func samplePotTypes() map[int]cemapi.PotType {
	return map[int]cemapi.PotType{
		3: {ID: 3, Name: "cold water", Unit: "m3"},
		4: {ID: 4, Name: "hot water", Unit: "m3"},
	}
}

func sampleValueTypes() map[int]string {
	return map[int]string{1: "cumulative", 2: "instant"}
}

func TestTypesCache_RoundTrip(t *testing.T) {
	c := newTestCache(t)

	if _, _, ok := c.Load(); ok {
		t.Error("Load on an empty cache must miss")
	}

	if err := c.Save(samplePotTypes(), sampleValueTypes()); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	potTypes, valueTypes, ok := c.Load()
	if !ok {
		t.Fatal("Load must hit after Save")
	}
	if len(potTypes) != 2 || potTypes[3].Unit != "m3" || potTypes[4].Name != "hot water" {
		t.Errorf("potTypes = %+v", potTypes)
	}
	if len(valueTypes) != 2 || valueTypes[1] != "cumulative" {
		t.Errorf("valueTypes = %+v", valueTypes)
	}
}

func TestTypesCache_SaveReplacesSnapshot(t *testing.T) {
	c := newTestCache(t)

	if err := c.Save(samplePotTypes(), sampleValueTypes()); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := c.Save(map[int]cemapi.PotType{9: {ID: 9, Name: "gas", Unit: "m3"}}, nil); err != nil {
		t.Fatalf("second Save failed: %v", err)
	}

	potTypes, valueTypes, ok := c.Load()
	if !ok {
		t.Fatal("Load must hit")
	}
	if len(potTypes) != 1 || potTypes[9].Name != "gas" {
		t.Errorf("potTypes = %+v; want only the replacement snapshot", potTypes)
	}
	if len(valueTypes) != 0 {
		t.Errorf("valueTypes = %+v; want empty", valueTypes)
	}
}

func TestTypesCache_TTLExpiry(t *testing.T) {
	c := newTestCache(t)

	if err := c.Save(samplePotTypes(), sampleValueTypes()); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	// Just inside the TTL.
	c.SetNowFunc(func() time.Time { return time.Now().Add(DefaultTTL - time.Hour) })
	if _, _, ok := c.Load(); !ok {
		t.Error("Load must hit inside the TTL")
	}

	// Past the TTL.
	c.SetNowFunc(func() time.Time { return time.Now().Add(DefaultTTL + time.Hour) })
	if _, _, ok := c.Load(); ok {
		t.Error("Load must miss past the TTL")
	}
}

func TestTypesCache_VersionMismatch(t *testing.T) {
	c := newTestCache(t)

	if err := c.Save(samplePotTypes(), sampleValueTypes()); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	// Simulate a snapshot written by an older format.
	if _, err := c.db.Exec("UPDATE types_cache SET version = version + 1 WHERE id = 1"); err != nil {
		t.Fatalf("failed to tamper with version: %v", err)
	}

	if _, _, ok := c.Load(); ok {
		t.Error("Load must miss on a version mismatch")
	}
}

func TestTypesCache_CorruptSnapshot(t *testing.T) {
	c := newTestCache(t)

	if err := c.Save(samplePotTypes(), sampleValueTypes()); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	if _, err := c.db.Exec("UPDATE types_cache SET pot_types = 'not json' WHERE id = 1"); err != nil {
		t.Fatalf("failed to corrupt snapshot: %v", err)
	}

	if _, _, ok := c.Load(); ok {
		t.Error("Load must miss on a corrupt snapshot")
	}
}

func TestTypesCache_Clear(t *testing.T) {
	c := newTestCache(t)

	if err := c.Save(samplePotTypes(), sampleValueTypes()); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := c.Clear(); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if _, _, ok := c.Load(); ok {
		t.Error("Load must miss after Clear")
	}
}
