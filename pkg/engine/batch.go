package engine

import (
	"context"
	"log"

	"github.com/cemwatch/cemwatch/pkg/auth"
	"github.com/cemwatch/cemwatch/pkg/cemapi"
)

// BatchRefresher refreshes every tracked counter with one combined id=8
// request, re-polling individually whatever the combined response did not
// cover. One counter's failure never blocks another's refresh.
type BatchRefresher struct {
	client  *cemapi.Client
	auth    *auth.Manager
	session *Session
}

// NewBatchRefresher creates a refresher over the session's counters.
func NewBatchRefresher(client *cemapi.Client, mgr *auth.Manager, session *Session) *BatchRefresher {
	return &BatchRefresher{client: client, auth: mgr, session: session}
}

// RefreshAll runs one refresh cycle over the full tracked key set.
func (b *BatchRefresher) RefreshAll(ctx context.Context) {
	coords := b.session.Coordinators()
	if len(coords) == 0 {
		return
	}
	varIDs := b.session.VarIDs()

	token, cookie, err := b.auth.EnsureToken(ctx)
	if err != nil {
		log.Printf("cem batch: no credential, falling back to individual polls: %v", err)
		b.fallbackAll(ctx, coords)
		return
	}

	readings, err := b.fetchBatch(ctx, varIDs, token, cookie)
	if err != nil {
		log.Printf("cem batch: combined request failed, falling back to individual polls: %v", err)
		BatchFailureTotal.Inc()
		b.fallbackAll(ctx, coords)
		return
	}

	// A syntactically valid but empty response while keys were requested is
	// an anomaly, not "nothing to update": treat it as every key missing.
	if len(readings) == 0 {
		log.Printf("cem batch: empty response for %d requested var_ids, falling back to individual polls", len(varIDs))
		BatchFailureTotal.Inc()
		b.fallbackAll(ctx, coords)
		return
	}

	updated := 0
	for varID, coord := range coords {
		if reading, ok := readings[varID]; ok {
			coord.Store(reading)
			updated++
			continue
		}
		// Key absent from an otherwise successful combined response: not a
		// success for this counter, re-poll it on its own.
		b.fallbackOne(ctx, varID, coord)
	}
	log.Printf("cem batch: %d/%d counters updated from combined response", updated, len(coords))
}

// fetchBatch issues the combined request with the same 401 policy as a
// coordinator poll: one forced refresh, one more attempt.
func (b *BatchRefresher) fetchBatch(ctx context.Context, varIDs []int, token, cookie string) (map[int]cemapi.Reading, error) {
	readings, err := b.client.GetCounterReadingsBatch(ctx, varIDs, token, cookie)
	if err == nil {
		return readings, nil
	}
	if !cemapi.IsAuthExpired(err) {
		return nil, err
	}

	log.Printf("cem batch: 401, refreshing token and retrying once")
	if err := b.auth.ForceRefresh(ctx); err != nil {
		return nil, err
	}
	token, cookie, err = b.auth.EnsureToken(ctx)
	if err != nil {
		return nil, err
	}

	readings, err = b.client.GetCounterReadingsBatch(ctx, varIDs, token, cookie)
	if err != nil {
		if cemapi.IsAuthExpired(err) {
			return nil, ErrAuthExpiredPersistently
		}
		return nil, err
	}
	return readings, nil
}

func (b *BatchRefresher) fallbackAll(ctx context.Context, coords map[int]*Coordinator[cemapi.Reading]) {
	for varID, coord := range coords {
		b.fallbackOne(ctx, varID, coord)
	}
}

func (b *BatchRefresher) fallbackOne(ctx context.Context, varID int, coord *Coordinator[cemapi.Reading]) {
	BatchFallbackTotal.Inc()
	if err := coord.Poll(ctx); err != nil {
		// The counter keeps its last value; staleness shows up as an old
		// fetched_at, not as a missing entity.
		PollErrorsTotal.WithLabelValues(itoa(varID)).Inc()
		log.Printf("cem batch: individual poll failed for var_id=%d: %v", varID, err)
	}
}
