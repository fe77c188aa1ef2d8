// Package store persists the near-static CEM lookup tables (pot types and
// counter value types) so the daemon does not re-ask the backend for them on
// every start. The cache is versioned and TTL-bound; anything stale, corrupt
// or from another format version is treated as a miss.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/cemwatch/cemwatch/pkg/cemapi"
)

// cacheVersion is bumped whenever the stored format changes.
const cacheVersion = 1

// DefaultTTL is how long cached type tables stay valid. They change rarely.
const DefaultTTL = 7 * 24 * time.Hour

// TypesCache manages the SQLite-backed lookup table cache.
type TypesCache struct {
	db      *sql.DB
	ttl     time.Duration
	nowFunc func() time.Time
}

// NewTypesCache opens (and if needed creates) the cache database.
// It enables WAL mode for concurrency and durability.
func NewTypesCache(path string) (*TypesCache, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite db: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping sqlite db: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	c := &TypesCache{db: db, ttl: DefaultTTL, nowFunc: time.Now}

	if err := c.migrate(); err != nil {
		return nil, fmt.Errorf("schema migration failed: %w", err)
	}

	return c, nil
}

// Close closes the underlying database connection.
func (c *TypesCache) Close() error {
	return c.db.Close()
}

// SetNowFunc overrides the clock, for tests.
func (c *TypesCache) SetNowFunc(f func() time.Time) { c.nowFunc = f }

// SetTTL overrides the default TTL.
func (c *TypesCache) SetTTL(ttl time.Duration) { c.ttl = ttl }

// migrate creates the cache table if it doesn't exist. One row holds the
// whole snapshot; writes replace it wholesale.
func (c *TypesCache) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS types_cache (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		version INTEGER NOT NULL,
		cached_at DATETIME NOT NULL,
		pot_types JSON NOT NULL,
		counter_value_types JSON NOT NULL
	);
	`

	if _, err := c.db.Exec(query); err != nil {
		return fmt.Errorf("failed to create types_cache table: %w", err)
	}

	return nil
}

// Load returns the cached tables. ok is false on a miss: no row, version
// mismatch, expired TTL or a corrupt snapshot.
func (c *TypesCache) Load() (potTypes map[int]cemapi.PotType, valueTypes map[int]string, ok bool) {
	row := c.db.QueryRow("SELECT version, cached_at, pot_types, counter_value_types FROM types_cache WHERE id = 1")

	var version int
	var cachedAt time.Time
	var potJSON, valueJSON []byte
	if err := row.Scan(&version, &cachedAt, &potJSON, &valueJSON); err != nil {
		if err != sql.ErrNoRows {
			log.Printf("types cache: failed to read: %v", err)
		}
		return nil, nil, false
	}

	if version != cacheVersion {
		log.Printf("types cache: version mismatch (cached=%d, expected=%d)", version, cacheVersion)
		return nil, nil, false
	}

	age := c.nowFunc().Sub(cachedAt)
	if age > c.ttl {
		log.Printf("types cache: expired (age=%s, ttl=%s)", age.Round(time.Hour), c.ttl)
		return nil, nil, false
	}

	// JSON object keys are strings; coerce them back to ints, skipping
	// anything that does not parse.
	var rawPot map[string]cemapi.PotType
	if err := json.Unmarshal(potJSON, &rawPot); err != nil {
		log.Printf("types cache: corrupt pot_types: %v", err)
		return nil, nil, false
	}
	var rawValue map[string]string
	if err := json.Unmarshal(valueJSON, &rawValue); err != nil {
		log.Printf("types cache: corrupt counter_value_types: %v", err)
		return nil, nil, false
	}

	potTypes = make(map[int]cemapi.PotType, len(rawPot))
	for k, v := range rawPot {
		id, err := strconv.Atoi(k)
		if err != nil {
			continue
		}
		potTypes[id] = v
	}
	valueTypes = make(map[int]string, len(rawValue))
	for k, v := range rawValue {
		id, err := strconv.Atoi(k)
		if err != nil {
			continue
		}
		valueTypes[id] = v
	}

	log.Printf("types cache: loaded %d pot_types and %d counter_value_types (age=%s)",
		len(potTypes), len(valueTypes), age.Round(time.Minute))
	return potTypes, valueTypes, true
}

// Save replaces the cached snapshot.
func (c *TypesCache) Save(potTypes map[int]cemapi.PotType, valueTypes map[int]string) error {
	rawPot := make(map[string]cemapi.PotType, len(potTypes))
	for k, v := range potTypes {
		rawPot[strconv.Itoa(k)] = v
	}
	rawValue := make(map[string]string, len(valueTypes))
	for k, v := range valueTypes {
		rawValue[strconv.Itoa(k)] = v
	}

	potJSON, err := json.Marshal(rawPot)
	if err != nil {
		return fmt.Errorf("failed to marshal pot_types: %w", err)
	}
	valueJSON, err := json.Marshal(rawValue)
	if err != nil {
		return fmt.Errorf("failed to marshal counter_value_types: %w", err)
	}

	_, err = c.db.Exec(`
		INSERT INTO types_cache (id, version, cached_at, pot_types, counter_value_types)
		VALUES (1, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			version = excluded.version,
			cached_at = excluded.cached_at,
			pot_types = excluded.pot_types,
			counter_value_types = excluded.counter_value_types
	`, cacheVersion, c.nowFunc().UTC(), potJSON, valueJSON)
	if err != nil {
		return fmt.Errorf("failed to write types cache: %w", err)
	}

	log.Printf("types cache: saved %d pot_types and %d counter_value_types", len(potTypes), len(valueTypes))
	return nil
}

// Clear removes the cached snapshot.
func (c *TypesCache) Clear() error {
	_, err := c.db.Exec("DELETE FROM types_cache WHERE id = 1")
	return err
}
