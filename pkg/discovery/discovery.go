// Package discovery builds the object -> meter -> counter topology of one
// CEM account and decides which counters to track. It runs once at daemon
// setup; the tracked key set changes only on restart.
package discovery

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/cemwatch/cemwatch/pkg/auth"
	"github.com/cemwatch/cemwatch/pkg/cemapi"
	"github.com/cemwatch/cemwatch/pkg/engine"
)

// waterUnits are the unit spellings that mark a counter as a water channel.
var waterUnits = map[string]bool{
	"l": true, "liter": true, "litre": true, "liters": true, "litres": true,
	"m3": true, "m³": true,
}

// MeterEntry is one discovered meter with its resolved names and counters.
type MeterEntry struct {
	Meter              cemapi.Meter
	ObjectName         string
	NameSourceObjectID int // which ancestor supplied ObjectName, 0 if none
	Counters           []cemapi.Counter
	SelectedVarIDs     []int
}

// Topology is the discovered shape of one account.
type Topology struct {
	User    cemapi.UserInfo
	Objects map[int]cemapi.Object
	Meters  []MeterEntry
}

// Discoverer walks the account once. Each step runs through a polling
// coordinator so discovery gets the same 401-refresh handling as readings.
type Discoverer struct {
	client *cemapi.Client
	auth   *auth.Manager

	// PotTypes annotates counters whose unit field came back empty.
	// Optional; loaded from the types cache by the caller.
	PotTypes map[int]cemapi.PotType

	// AllowVarIDs restricts tracking to an explicit counter list when
	// non-empty (operator override, takes precedence over selection).
	AllowVarIDs map[int]bool
}

// NewDiscoverer creates a discoverer for one account.
func NewDiscoverer(client *cemapi.Client, mgr *auth.Manager) *Discoverer {
	return &Discoverer{client: client, auth: mgr}
}

// Discover fetches user info, objects, meters and per-meter counters, and
// selects the counters to track. Any failure here is fatal to setup.
func (d *Discoverer) Discover(ctx context.Context) (*Topology, error) {
	userInfo := engine.NewCoordinator("cem userinfo", d.auth, func(ctx context.Context, token, cookie string) (cemapi.UserInfo, error) {
		return d.client.GetUserInfo(ctx, token, cookie)
	})
	if err := userInfo.Poll(ctx); err != nil {
		return nil, err
	}

	objectsCoord := engine.NewCoordinator("cem objects", d.auth, func(ctx context.Context, token, cookie string) ([]cemapi.Object, error) {
		return d.client.GetObjects(ctx, token, cookie)
	})
	if err := objectsCoord.Poll(ctx); err != nil {
		return nil, err
	}

	metersCoord := engine.NewCoordinator("cem meters", d.auth, func(ctx context.Context, token, cookie string) ([]cemapi.Meter, error) {
		return d.client.GetMeters(ctx, token, cookie, 0)
	})
	if err := metersCoord.Poll(ctx); err != nil {
		return nil, err
	}

	user, _, _ := userInfo.Last()
	objectList, _, _ := objectsCoord.Last()
	meterList, _, _ := metersCoord.Last()

	objects := make(map[int]cemapi.Object, len(objectList))
	for _, obj := range objectList {
		objects[obj.ID] = obj
	}

	topo := &Topology{User: user, Objects: objects}

	for _, meter := range meterList {
		entry, err := d.discoverMeter(ctx, meter, objects)
		if err != nil {
			return nil, fmt.Errorf("meter %d: %w", meter.ID, err)
		}
		topo.Meters = append(topo.Meters, entry)
	}

	log.Printf("discovery: %d objects, %d meters, %d tracked counters",
		len(objects), len(topo.Meters), len(topo.TrackedVarIDs()))
	return topo, nil
}

func (d *Discoverer) discoverMeter(ctx context.Context, meter cemapi.Meter, objects map[int]cemapi.Object) (MeterEntry, error) {
	countersCoord := engine.NewCoordinator(fmt.Sprintf("cem counters(me=%d)", meter.ID), d.auth, func(ctx context.Context, token, cookie string) ([]cemapi.Counter, error) {
		return d.client.GetCountersByMeter(ctx, meter.ID, token, cookie)
	})
	if err := countersCoord.Poll(ctx); err != nil {
		return MeterEntry{}, err
	}
	counters, _, _ := countersCoord.Last()

	for i := range counters {
		counters[i] = d.annotateUnit(counters[i])
	}

	objectName, nameSource := ResolveObjectName(meter.ObjectID, objects)

	return MeterEntry{
		Meter:              meter,
		ObjectName:         objectName,
		NameSourceObjectID: nameSource,
		Counters:           counters,
		SelectedVarIDs:     d.selectVarIDs(counters),
	}, nil
}

// annotateUnit fills in a missing unit from the pot type table.
func (d *Discoverer) annotateUnit(counter cemapi.Counter) cemapi.Counter {
	if counter.Unit != "" || d.PotTypes == nil {
		return counter
	}
	if pot, ok := d.PotTypes[counter.PotType]; ok && pot.Unit != "" {
		counter.Unit = pot.Unit
	}
	return counter
}

// selectVarIDs picks which of a meter's counters to track: an explicit
// allow-list wins; otherwise water-ish counters (by unit or name); otherwise
// every counter of the meter.
func (d *Discoverer) selectVarIDs(counters []cemapi.Counter) []int {
	if len(d.AllowVarIDs) > 0 {
		var selected []int
		for _, counter := range counters {
			if d.AllowVarIDs[counter.VarID] {
				selected = append(selected, counter.VarID)
			}
		}
		return selected
	}

	var selected []int
	for _, counter := range counters {
		unit := strings.ToLower(counter.Unit)
		name := strings.ToLower(counter.Name)
		if waterUnits[unit] || strings.Contains(name, "vod") {
			selected = append(selected, counter.VarID)
		}
	}
	if len(selected) == 0 {
		for _, counter := range counters {
			selected = append(selected, counter.VarID)
		}
	}
	return selected
}

// TrackedVarIDs returns the union of every meter's selection, deduplicated
// (counters can be shared across meters).
func (t *Topology) TrackedVarIDs() []int {
	seen := make(map[int]bool)
	var ids []int
	for _, entry := range t.Meters {
		for _, id := range entry.SelectedVarIDs {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	return ids
}
