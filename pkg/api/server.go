package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cemwatch/cemwatch/pkg/auth"
	"github.com/cemwatch/cemwatch/pkg/discovery"
	"github.com/cemwatch/cemwatch/pkg/engine"
)

// Context keys
type contextKey string

const traceIDKey contextKey = "trace_id"

// SessionInterface is the slice of engine.Session the server needs, to
// enable mocking in tests.
type SessionInterface interface {
	Snapshot() []engine.ReadingStatus
	Size() int
}

// AuthInterface is the slice of auth.Manager the server needs.
type AuthInterface interface {
	IsConnected() bool
	TokenExpiry() (time.Time, bool)
}

// Server encapsulates the local HTTP API of the daemon.
type Server struct {
	session  SessionInterface
	auth     AuthInterface
	topology *discovery.Topology
	server   *http.Server

	startedAt time.Time

	// TLS Config
	tlsCertFile string
	tlsKeyFile  string
}

var _ AuthInterface = (*auth.Manager)(nil)

// NewServer creates a new API server instance.
func NewServer(session SessionInterface, mgr AuthInterface, topo *discovery.Topology, addr string) *Server {
	mux := http.NewServeMux()

	s := &Server{
		session:   session,
		auth:      mgr,
		topology:  topo,
		startedAt: time.Now(),
	}

	mux.HandleFunc("/v1/health", handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/v1/status", s.handleStatus)
	mux.HandleFunc("/v1/readings", s.handleReadings)
	mux.HandleFunc("/v1/meters", s.handleMeters)

	// Middleware: Logging, Panic Recovery
	handler := withLogging(withRecovery(mux))

	if addr == "" {
		addr = ":8093"
	}

	s.server = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  15 * time.Second,
	}

	return s
}

// SetTLS configures the server to use TLS
func (s *Server) SetTLS(certFile, keyFile string) {
	s.tlsCertFile = certFile
	s.tlsKeyFile = keyFile
}

// Handler exposes the configured handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start runs the HTTP server (blocking)
func (s *Server) Start() error {
	if s.tlsCertFile != "" && s.tlsKeyFile != "" {
		fmt.Printf(`{"level":"info","msg":"server_starting_tls","addr":"%s"}`+"\n", s.server.Addr)
		if err := s.server.ListenAndServeTLS(s.tlsCertFile, s.tlsKeyFile); err != http.ErrServerClosed {
			return err
		}
	} else {
		fmt.Printf(`{"level":"info","msg":"server_starting","addr":"%s"}`+"\n", s.server.Addr)
		if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
			return err
		}
	}
	return nil
}

// Stop gracefully shuts down the server
func (s *Server) Stop(ctx context.Context) error {
	fmt.Println(`{"level":"info","msg":"server_stopping"}`)
	return s.server.Shutdown(ctx)
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, `{"error":"method_not_allowed"}`, http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, `{"status":"ok"}`)
}

// handleStatus reports session state: connectivity, token expiry, counter
// coverage.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, `{"error":"method_not_allowed"}`, http.StatusMethodNotAllowed)
		return
	}

	resp := StatusResponse{
		Connected:     s.auth.IsConnected(),
		Counters:      s.session.Size(),
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
	}
	if expiry, ok := s.auth.TokenExpiry(); ok {
		resp.TokenValidTo = &expiry
	}
	for _, status := range s.session.Snapshot() {
		if status.HasValue {
			resp.CountersWithValue++
		}
	}

	writeJSON(w, r, resp)
}

// handleReadings returns the latest reading per tracked counter. An optional
// var_id query param narrows the response to one counter (404 when it is not
// tracked).
func (s *Server) handleReadings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, `{"error":"method_not_allowed"}`, http.StatusMethodNotAllowed)
		return
	}

	snapshot := s.session.Snapshot()

	if raw := r.URL.Query().Get("var_id"); raw != "" {
		varID, err := strconv.Atoi(raw)
		if err != nil {
			http.Error(w, `{"error":"invalid_var_id"}`, http.StatusBadRequest)
			return
		}
		for _, status := range snapshot {
			if status.VarID == varID {
				writeJSON(w, r, toReadingResponse(status))
				return
			}
		}
		http.Error(w, `{"error":"unknown_var_id"}`, http.StatusNotFound)
		return
	}

	readings := make([]ReadingResponse, 0, len(snapshot))
	for _, status := range snapshot {
		readings = append(readings, toReadingResponse(status))
	}
	writeJSON(w, r, readings)
}

// handleMeters returns the discovered topology.
func (s *Server) handleMeters(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, `{"error":"method_not_allowed"}`, http.StatusMethodNotAllowed)
		return
	}

	meters := make([]MeterResponse, 0)
	if s.topology != nil {
		for _, entry := range s.topology.Meters {
			m := MeterResponse{
				MeterID:    entry.Meter.ID,
				Name:       entry.Meter.Name,
				Serial:     entry.Meter.Serial,
				ObjectID:   entry.Meter.ObjectID,
				ObjectName: entry.ObjectName,
			}
			for _, counter := range entry.Counters {
				m.Counters = append(m.Counters, CounterResponse{
					VarID:   counter.VarID,
					Name:    counter.Name,
					Unit:    counter.Unit,
					Tracked: containsInt(entry.SelectedVarIDs, counter.VarID),
				})
			}
			meters = append(meters, m)
		}
	}
	writeJSON(w, r, meters)
}

func toReadingResponse(status engine.ReadingStatus) ReadingResponse {
	resp := ReadingResponse{
		VarID:       status.VarID,
		CounterName: status.CounterName,
		Unit:        status.Unit,
		MeterName:   status.MeterName,
		ObjectName:  status.ObjectName,
		HasValue:    status.HasValue,
	}
	if status.HasValue {
		resp.Value = &status.Value
		resp.ObservedAt = &status.ObservedAt
		resp.FetchedAt = &status.FetchedAt
	}
	return resp
}

func writeJSON(w http.ResponseWriter, r *http.Request, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		fmt.Printf(`{"level":"error","msg":"failed_to_encode_response","trace_id":"%s","error":"%v"}`+"\n", getTraceID(r.Context()), err)
	}
}

func containsInt(xs []int, x int) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

// Middleware: Panic Recovery
func withRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				fmt.Printf(`{"level":"error","msg":"panic_recovered","error":"%v","path":"%s"}`+"\n", err, r.URL.Path)
				http.Error(w, `{"error":"internal_server_error"}`, http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// Middleware: Request Logging
func withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		traceID := r.Header.Get("X-Trace-ID")
		if traceID == "" {
			traceID = generateTraceID()
		}

		ctx := context.WithValue(r.Context(), traceIDKey, traceID)
		r = r.WithContext(ctx)

		// Wrap writer to capture status code
		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}

		w.Header().Set("X-Trace-ID", traceID)

		next.ServeHTTP(ww, r)

		duration := time.Since(start)
		fmt.Printf(`{"level":"info","msg":"http_request","trace_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`+"\n",
			traceID, r.Method, r.URL.Path, ww.status, duration.Milliseconds())
	})
}

func generateTraceID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		// Fallback if random fails (unlikely)
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

func getTraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceIDKey).(string); ok {
		return v
	}
	return ""
}

// statusWriter captures HTTP status code
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
