package discovery

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"
	"time"

	"github.com/cemwatch/cemwatch/pkg/auth"
	"github.com/cemwatch/cemwatch/pkg/cemapi"
)

func TestSelectVarIDs(t *testing.T) {
	counters := []cemapi.Counter{
		{VarID: 1, Name: "Studená voda", Unit: "m3"},
		{VarID: 2, Name: "Heating", Unit: "kWh"},
		{VarID: 3, Name: "Hot water", Unit: "l"},
		{VarID: 4, Name: "Vodoměr byt 4", Unit: ""},
		{VarID: 5, Name: "Electricity", Unit: "kWh"},
	}

	t.Run("water-ish by unit or name", func(t *testing.T) {
		d := &Discoverer{}
		got := d.selectVarIDs(counters)
		want := []int{1, 3, 4}
		if !reflect.DeepEqual(got, want) {
			t.Errorf("selectVarIDs = %v; want %v", got, want)
		}
	})

	t.Run("allow-list overrides selection", func(t *testing.T) {
		d := &Discoverer{AllowVarIDs: map[int]bool{2: true, 5: true}}
		got := d.selectVarIDs(counters)
		want := []int{2, 5}
		if !reflect.DeepEqual(got, want) {
			t.Errorf("selectVarIDs = %v; want %v", got, want)
		}
	})

	t.Run("no water counters selects everything", func(t *testing.T) {
		d := &Discoverer{}
		electric := []cemapi.Counter{
			{VarID: 10, Name: "Electricity", Unit: "kWh"},
			{VarID: 11, Name: "Gas", Unit: "kWh"},
		}
		got := d.selectVarIDs(electric)
		want := []int{10, 11}
		if !reflect.DeepEqual(got, want) {
			t.Errorf("selectVarIDs = %v; want %v", got, want)
		}
	})
}

func TestAnnotateUnit(t *testing.T) {
	d := &Discoverer{PotTypes: map[int]cemapi.PotType{
		3: {ID: 3, Name: "cold water", Unit: "m3"},
	}}

	filled := d.annotateUnit(cemapi.Counter{VarID: 1, PotType: 3})
	if filled.Unit != "m3" {
		t.Errorf("Unit = %q; want m3 from the pot type", filled.Unit)
	}

	kept := d.annotateUnit(cemapi.Counter{VarID: 2, PotType: 3, Unit: "l"})
	if kept.Unit != "l" {
		t.Errorf("Unit = %q; an explicit unit must not be overwritten", kept.Unit)
	}

	unknown := d.annotateUnit(cemapi.Counter{VarID: 3, PotType: 99})
	if unknown.Unit != "" {
		t.Errorf("Unit = %q; want empty for an unknown pot type", unknown.Unit)
	}
}

func TestDiscover(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("id") {
		case "4":
			fmt.Fprintf(w, `{"access_token":"tok","valid_to":%d}`, time.Now().Add(time.Hour).UnixMilli())
		case "9":
			fmt.Fprint(w, `{"user_id":77,"login":"alice"}`)
		case "23":
			fmt.Fprint(w, `[
				{"mis_id":10,"mis_nazev":"Building A"},
				{"mis_id":11,"mis_idp":10}
			]`)
		case "108":
			fmt.Fprint(w, `[{"me_id":5,"mis_id":11,"me_nazev":"water meter","me_serial":"SN-1"}]`)
		case "107":
			fmt.Fprint(w, `[
				{"var_id":100,"me_id":5,"poc_nazev":"cold water","unit":"m3"},
				{"var_id":101,"me_id":5,"poc_nazev":"heating","unit":"kWh"}
			]`)
		default:
			t.Errorf("unexpected endpoint: %s", r.URL)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	client := cemapi.New(srv.URL, srv.Client())
	mgr := auth.NewManager(client, "u", "p")
	defer mgr.Stop()

	topo, err := NewDiscoverer(client, mgr).Discover(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if topo.User.UserID != 77 || topo.User.Login != "alice" {
		t.Errorf("User = %+v", topo.User)
	}
	if len(topo.Meters) != 1 {
		t.Fatalf("got %d meters; want 1", len(topo.Meters))
	}

	entry := topo.Meters[0]
	if entry.Meter.ID != 5 || entry.Meter.Serial != "SN-1" {
		t.Errorf("Meter = %+v", entry.Meter)
	}
	// The meter's object is unnamed; the name comes from its parent.
	if entry.ObjectName != "Building A" || entry.NameSourceObjectID != 10 {
		t.Errorf("ObjectName = %q (source %d); want Building A from object 10",
			entry.ObjectName, entry.NameSourceObjectID)
	}
	if len(entry.Counters) != 2 {
		t.Fatalf("got %d counters; want 2", len(entry.Counters))
	}
	if !reflect.DeepEqual(entry.SelectedVarIDs, []int{100}) {
		t.Errorf("SelectedVarIDs = %v; want only the water counter [100]", entry.SelectedVarIDs)
	}
	if !reflect.DeepEqual(topo.TrackedVarIDs(), []int{100}) {
		t.Errorf("TrackedVarIDs = %v; want [100]", topo.TrackedVarIDs())
	}
}
