package cemapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestClient(srv *httptest.Server) *Client {
	c := New(srv.URL, srv.Client())
	c.retry = fastRetryConfig()
	return c
}

func TestAuthenticate_Success(t *testing.T) {
	validTo := time.Now().Add(time.Hour).UnixMilli()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s; want POST", r.Method)
		}
		if r.URL.Query().Get("id") != "4" {
			t.Errorf("id = %s; want 4", r.URL.Query().Get("id"))
		}
		if err := r.ParseForm(); err != nil {
			t.Fatalf("bad form: %v", err)
		}
		if r.PostForm.Get("user") != "alice" || r.PostForm.Get("pass") != "s3cret" {
			t.Errorf("unexpected credentials: %v", r.PostForm)
		}
		http.SetCookie(w, &http.Cookie{Name: "CEMAPI", Value: "session-abc"})
		fmt.Fprintf(w, `{"access_token":"tok-123","valid_to":%d}`, validTo)
	}))
	defer srv.Close()

	result, err := newTestClient(srv).Authenticate(context.Background(), "alice", "s3cret")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.AccessToken != "tok-123" {
		t.Errorf("AccessToken = %q; want %q", result.AccessToken, "tok-123")
	}
	if result.Cookie != "session-abc" {
		t.Errorf("Cookie = %q; want %q", result.Cookie, "session-abc")
	}
	if result.ValidTo.UnixMilli() != validTo {
		t.Errorf("ValidTo = %v; want ms %d", result.ValidTo, validTo)
	}
}

func TestAuthenticate_StringValidTo(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"access_token":"tok","valid_to":"1700000000000"}`)
	}))
	defer srv.Close()

	result, err := newTestClient(srv).Authenticate(context.Background(), "u", "p")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.ValidTo.UnixMilli() != 1700000000000 {
		t.Errorf("ValidTo = %v; want ms 1700000000000", result.ValidTo)
	}
}

func TestAuthenticate_MissingFields(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"something":"else"}`)
	}))
	defer srv.Close()

	_, err := newTestClient(srv).Authenticate(context.Background(), "u", "p")
	var shape *ShapeError
	if !errors.As(err, &shape) {
		t.Fatalf("expected ShapeError, got %v", err)
	}
}

func TestAuthenticate_BadCredentials(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := newTestClient(srv).Authenticate(context.Background(), "u", "wrong")
	var rejected *AuthRejectedError
	if !errors.As(err, &rejected) {
		t.Fatalf("expected AuthRejectedError, got %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d; want 1 (401 must not be retried)", calls)
	}
}

func TestAuthenticate_RetriesServerErrors(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprintf(w, `{"access_token":"tok","valid_to":%d}`, time.Now().Add(time.Hour).UnixMilli())
	}))
	defer srv.Close()

	if _, err := newTestClient(srv).Authenticate(context.Background(), "u", "p"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d; want 3", calls)
	}
}

func TestGetCounterReading_NewestFirst(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("id") != "8" || r.URL.Query().Get("var_id") != "42" {
			t.Errorf("unexpected query: %s", r.URL.RawQuery)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer tok" {
			t.Errorf("Authorization = %q", auth)
		}
		fmt.Fprint(w, `[
			{"var_id":42,"value":123.5,"timestamp":1700000300000},
			{"var_id":42,"value":120.0,"timestamp":1700000000000}
		]`)
	}))
	defer srv.Close()

	reading, err := newTestClient(srv).GetCounterReading(context.Background(), 42, "tok", "ck")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reading.Value != 123.5 {
		t.Errorf("Value = %v; want 123.5 (the newest entry)", reading.Value)
	}
	if reading.ObservedAt.UnixMilli() != 1700000300000 {
		t.Errorf("ObservedAt = %v", reading.ObservedAt)
	}
}

func TestGetCounterReading_DataWrapper(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":[{"var_id":7,"value":1.5,"timestamp":1700000000000}]}`)
	}))
	defer srv.Close()

	reading, err := newTestClient(srv).GetCounterReading(context.Background(), 7, "tok", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reading.Value != 1.5 {
		t.Errorf("Value = %v; want 1.5", reading.Value)
	}
}

func TestGetCounterReading_EmptyList(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[]`)
	}))
	defer srv.Close()

	_, err := newTestClient(srv).GetCounterReading(context.Background(), 7, "tok", "")
	var shape *ShapeError
	if !errors.As(err, &shape) {
		t.Fatalf("expected ShapeError for an empty list, got %v", err)
	}
}

func TestGetCounterReadingsBatch_Partial(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s; want POST", r.Method)
		}
		var body []map[string]int
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("bad request body: %v", err)
		}
		if len(body) != 3 {
			t.Errorf("requested %d var_ids; want 3", len(body))
		}
		// Only two of the three come back.
		fmt.Fprint(w, `[
			{"var_id":1,"value":10,"timestamp":1700000000000},
			{"var_id":3,"value":30,"timestamp":1700000000000}
		]`)
	}))
	defer srv.Close()

	readings, err := newTestClient(srv).GetCounterReadingsBatch(context.Background(), []int{1, 2, 3}, "tok", "ck")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(readings) != 2 {
		t.Fatalf("got %d readings; want 2", len(readings))
	}
	if readings[1].Value != 10 || readings[3].Value != 30 {
		t.Errorf("unexpected values: %+v", readings)
	}
	if _, ok := readings[2]; ok {
		t.Error("var_id 2 must be absent so the caller falls back")
	}
}

func TestGetCounterReadingsBatch_EmptyResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[]`)
	}))
	defer srv.Close()

	readings, err := newTestClient(srv).GetCounterReadingsBatch(context.Background(), []int{1, 2}, "tok", "")
	if err != nil {
		t.Fatalf("an empty batch is an anomaly, not an error: %v", err)
	}
	if len(readings) != 0 {
		t.Errorf("got %d readings; want 0", len(readings))
	}
}

func TestGetCounterReadingsBatch_SkipsMalformedEntries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[
			{"value":10,"timestamp":1700000000000},
			{"var_id":2,"timestamp":1700000000000},
			{"var_id":3,"value":30,"timestamp":1700000000000}
		]`)
	}))
	defer srv.Close()

	readings, err := newTestClient(srv).GetCounterReadingsBatch(context.Background(), []int{1, 2, 3}, "tok", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(readings) != 1 {
		t.Fatalf("got %d readings; want 1", len(readings))
	}
	if readings[3].Value != 30 {
		t.Errorf("unexpected readings: %+v", readings)
	}
}

func TestGetCountersByMeter_SpellingFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		// First spelling returns nothing useful, second one works.
		if q.Get("me_id") != "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if q.Get("meid") == "5" {
			fmt.Fprint(w, `[{"var_id":100,"me_id":5,"poc_nazev":"cold water","unit":"m3"}]`)
			return
		}
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	counters, err := newTestClient(srv).GetCountersByMeter(context.Background(), 5, "tok", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(counters) != 1 {
		t.Fatalf("got %d counters; want 1", len(counters))
	}
	if counters[0].VarID != 100 || counters[0].Name != "cold water" || counters[0].Unit != "m3" {
		t.Errorf("unexpected counter: %+v", counters[0])
	}
}

func TestGetCountersByMeter_FiltersForeignMeters(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Backend ignored the filter and returned everything.
		fmt.Fprint(w, `[
			{"var_id":1,"me_id":5,"poc_nazev":"a"},
			{"var_id":2,"me_id":6,"poc_nazev":"b"}
		]`)
	}))
	defer srv.Close()

	counters, err := newTestClient(srv).GetCountersByMeter(context.Background(), 5, "tok", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(counters) != 1 || counters[0].VarID != 1 {
		t.Errorf("expected only the me_id=5 counter, got %+v", counters)
	}
}

func TestGetCountersByMeter_AuthExpiredPropagates(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := newTestClient(srv).GetCountersByMeter(context.Background(), 5, "stale", "")
	if !IsAuthExpired(err) {
		t.Fatalf("expected an auth-expired error, got %v", err)
	}
	// A 401 must not burn through the other parameter spellings.
	if calls != 1 {
		t.Errorf("calls = %d; want 1", calls)
	}
}

func TestGetMeters_FiltersByObject(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[
			{"me_id":1,"mis_id":10,"me_nazev":"meter a"},
			{"me_id":2,"mis_id":20,"me_nazev":"meter b"},
			{"me_id":3,"me_nazev":"meter untagged"}
		]`)
	}))
	defer srv.Close()

	meters, err := newTestClient(srv).GetMeters(context.Background(), "tok", "", 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// The untagged meter survives the lenient filter.
	if len(meters) != 2 {
		t.Fatalf("got %d meters; want 2", len(meters))
	}
	if meters[0].ID != 1 || meters[1].ID != 3 {
		t.Errorf("unexpected meters: %+v", meters)
	}
}

func TestGetObjects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("id") != "23" {
			t.Errorf("id = %s; want 23", r.URL.Query().Get("id"))
		}
		fmt.Fprint(w, `{"data":[
			{"mis_id":10,"mis_nazev":"Building A"},
			{"mis_id":11,"mis_idp":10}
		]}`)
	}))
	defer srv.Close()

	objects, err := newTestClient(srv).GetObjects(context.Background(), "tok", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(objects) != 2 {
		t.Fatalf("got %d objects; want 2", len(objects))
	}
	if objects[0].Name != "Building A" {
		t.Errorf("Name = %q; want %q", objects[0].Name, "Building A")
	}
	if objects[1].ParentID != 10 {
		t.Errorf("ParentID = %d; want 10", objects[1].ParentID)
	}
}

func TestGetPotTypes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{"pot_id":3,"pot_name":"cold water","unit":"m3"}]`)
	}))
	defer srv.Close()

	types, err := newTestClient(srv).GetPotTypes(context.Background(), "tok", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if types[3].Unit != "m3" || types[3].Name != "cold water" {
		t.Errorf("unexpected pot types: %+v", types)
	}
}

func TestCoerceList(t *testing.T) {
	tests := []struct {
		name    string
		payload any
		wantLen int
		wantErr bool
	}{
		{"plain list", []any{map[string]any{"a": 1.0}}, 1, false},
		{"data wrapper", map[string]any{"data": []any{map[string]any{"a": 1.0}, map[string]any{"b": 2.0}}}, 2, false},
		{"object without data", map[string]any{"rows": []any{}}, 0, true},
		{"scalar", "nope", 0, true},
		{"list with non-objects", []any{"x", map[string]any{"a": 1.0}}, 1, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			items, err := coerceList(tt.payload, "test")
			if tt.wantErr {
				var shape *ShapeError
				if !errors.As(err, &shape) {
					t.Fatalf("expected ShapeError, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(items) != tt.wantLen {
				t.Errorf("len = %d; want %d", len(items), tt.wantLen)
			}
		})
	}
}

func TestNonJSONBodyIsShapeError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html>maintenance</html>`)
	}))
	defer srv.Close()

	_, err := newTestClient(srv).GetObjects(context.Background(), "tok", "")
	var shape *ShapeError
	if !errors.As(err, &shape) {
		t.Fatalf("expected ShapeError, got %v", err)
	}
}
