package engine

import (
	"context"
	"log"
	"time"

	"github.com/cemwatch/cemwatch/pkg/auth"
	"github.com/cemwatch/cemwatch/pkg/cemapi"
)

// ReadingSink receives every published reading. The Redis mirror implements
// this; sinks must not block for long, they run on the poll goroutine.
type ReadingSink interface {
	Publish(info CounterInfo, reading cemapi.Reading, fetchedAt time.Time)
}

// Poller drives the batch refresher on a fixed interval and publishes the
// results to Prometheus and any registered sinks.
type Poller struct {
	session   *Session
	refresher *BatchRefresher
	auth      *auth.Manager
	interval  time.Duration
	sinks     []ReadingSink
}

// NewPoller creates a poller. interval is the batch refresh cadence.
func NewPoller(session *Session, refresher *BatchRefresher, mgr *auth.Manager, interval time.Duration) *Poller {
	return &Poller{
		session:   session,
		refresher: refresher,
		auth:      mgr,
		interval:  interval,
	}
}

// AddSink registers a sink. Not safe to call after Start.
func (p *Poller) AddSink(sink ReadingSink) {
	p.sinks = append(p.sinks, sink)
}

// Start runs the polling loop until ctx is cancelled. The first cycle runs
// immediately so consumers see values without waiting a full interval.
func (p *Poller) Start(ctx context.Context) {
	log.Printf("poller started, interval %s, %d counters", p.interval, p.session.Size())

	p.cycle(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("poller stopping")
			return
		case <-ticker.C:
			p.cycle(ctx)
		}
	}
}

func (p *Poller) cycle(ctx context.Context) {
	p.refresher.RefreshAll(ctx)
	p.publish()
}

// publish pushes the current session state to Prometheus and the sinks.
func (p *Poller) publish() {
	for _, status := range p.session.Snapshot() {
		if !status.HasValue {
			continue
		}
		varID := itoa(status.VarID)
		ReadingValue.WithLabelValues(varID, status.MeterName, status.ObjectName, status.Unit).Set(status.Value)
		ReadingObservedTimestamp.WithLabelValues(varID).Set(float64(status.ObservedAt.Unix()))
		ReadingFetchedTimestamp.WithLabelValues(varID).Set(float64(status.FetchedAt.Unix()))

		for _, sink := range p.sinks {
			reading := cemapi.Reading{VarID: status.VarID, Value: status.Value, ObservedAt: status.ObservedAt}
			sink.Publish(status.CounterInfo, reading, status.FetchedAt)
		}
	}

	if p.auth.IsConnected() {
		Connected.Set(1)
	} else {
		Connected.Set(0)
	}
	if expiry, ok := p.auth.TokenExpiry(); ok {
		TokenExpiryTimestamp.Set(float64(expiry.Unix()))
	}
}
