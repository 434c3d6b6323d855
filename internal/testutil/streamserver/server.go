// Package streamserver is an in-process session server for tests: it serves
// the control endpoints plus scripted SSE and websocket streams.
package streamserver

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"

	"github.com/coachpo/livesession/internal/codec"
	"github.com/coachpo/livesession/internal/schema"
	"github.com/coachpo/livesession/internal/stream"
)

// Connection scripts one stream connection attempt.
type Connection struct {
	// Status, when non-zero, refuses the request with that HTTP status.
	Status int
	Frames []schema.Frame
	// Hold keeps the stream open after the frames until the client leaves.
	Hold bool
}

// StartCall records one POST /start body.
type StartCall struct {
	UserID             string `json:"user_id"`
	StrategyID         string `json:"strategy_id"`
	StrategyName       string `json:"strategy_name"`
	BrokerConnectionID string `json:"broker_connection_id"`
}

// Server is a scripted session server.
type Server struct {
	srv     *httptest.Server
	codec   *codec.Codec
	closing chan struct{}
	once    sync.Once

	mu                sync.Mutex
	baseline          schema.Snapshot
	snapshotFailures  int
	snapshotCalls     int
	controlFailStatus int
	queue             []Connection
	connections       int
	starts            []StartCall
	stops             []string
	speeds            []float64
	nextSession       int
}

// New starts a server. Callers must Close it.
func New() *Server {
	s := &Server{codec: codec.New(), closing: make(chan struct{})}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /start", s.handleStart)
	mux.HandleFunc("POST /stop/{id}", s.handleStop)
	mux.HandleFunc("POST /speed", s.handleSpeed)
	mux.HandleFunc("GET /snapshot/{id}", s.handleSnapshot)
	mux.HandleFunc("GET /stream/{id}", s.handleSSE)
	mux.HandleFunc("GET /ws/{id}", s.handleWebSocket)
	s.srv = httptest.NewServer(mux)
	return s
}

// Close releases held streams and stops the server.
func (s *Server) Close() {
	s.once.Do(func() { close(s.closing) })
	s.srv.Close()
}

// URL is the control-plane base URL.
func (s *Server) URL() string { return s.srv.URL }

// StreamURL is the SSE endpoint for a session.
func (s *Server) StreamURL(sessionID string) string {
	return s.srv.URL + "/stream/" + sessionID
}

// WebSocketURL is the websocket endpoint for a session.
func (s *Server) WebSocketURL(sessionID string) string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/ws/" + sessionID
}

// SetBaseline sets the snapshot served by GET /snapshot/{id}.
func (s *Server) SetBaseline(snap schema.Snapshot) {
	s.mu.Lock()
	s.baseline = snap.Clone()
	s.mu.Unlock()
}

// FailSnapshots makes the next n snapshot requests return 503.
func (s *Server) FailSnapshots(n int) {
	s.mu.Lock()
	s.snapshotFailures = n
	s.mu.Unlock()
}

// FailControl makes start, stop and speed return status until reset with 0.
func (s *Server) FailControl(status int) {
	s.mu.Lock()
	s.controlFailStatus = status
	s.mu.Unlock()
}

// Queue appends scripted connections. Once the queue is empty further
// connections are held open without frames.
func (s *Server) Queue(conns ...Connection) {
	s.mu.Lock()
	s.queue = append(s.queue, conns...)
	s.mu.Unlock()
}

// Connections counts stream requests received.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connections
}

// SnapshotCalls counts baseline requests received.
func (s *Server) SnapshotCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotCalls
}

// Starts returns recorded start requests.
func (s *Server) Starts() []StartCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]StartCall(nil), s.starts...)
}

// Stops returns session ids passed to stop.
func (s *Server) Stops() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.stops...)
}

// Speeds returns recorded speed multipliers.
func (s *Server) Speeds() []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]float64(nil), s.speeds...)
}

// Frame encodes v as a wire frame, panicking on failure.
func (s *Server) Frame(name schema.EventName, v any) schema.Frame {
	frame, err := s.codec.EncodeFrame(name, v)
	if err != nil {
		panic(fmt.Sprintf("encode %s: %v", name, err))
	}
	return frame
}

func (s *Server) controlFailure(w http.ResponseWriter) bool {
	s.mu.Lock()
	status := s.controlFailStatus
	s.mu.Unlock()
	if status == 0 {
		return false
	}
	http.Error(w, "control plane unavailable", status)
	return true
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if s.controlFailure(w) {
		return
	}
	var call StartCall
	if err := json.NewDecoder(r.Body).Decode(&call); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	s.starts = append(s.starts, call)
	s.nextSession++
	id := fmt.Sprintf("sess-%d", s.nextSession)
	s.mu.Unlock()
	writeJSON(w, map[string]string{
		"session_id": id,
		"stream_url": "/stream/" + id,
		"status":     string(schema.SessionStarting),
	})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if s.controlFailure(w) {
		return
	}
	s.mu.Lock()
	s.stops = append(s.stops, r.PathValue("id"))
	s.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSpeed(w http.ResponseWriter, r *http.Request) {
	if s.controlFailure(w) {
		return
	}
	var body struct {
		SpeedMultiplier float64 `json:"speed_multiplier"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	s.speeds = append(s.speeds, body.SpeedMultiplier)
	s.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.snapshotCalls++
	fail := s.snapshotFailures > 0
	if fail {
		s.snapshotFailures--
	}
	snap := s.baseline.Clone()
	s.mu.Unlock()
	if fail {
		http.Error(w, "snapshot unavailable", http.StatusServiceUnavailable)
		return
	}
	if snap.SessionID == "" {
		snap.SessionID = r.PathValue("id")
	}
	writeJSON(w, snap)
}

func (s *Server) next() Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connections++
	if len(s.queue) == 0 {
		return Connection{Hold: true}
	}
	conn := s.queue[0]
	s.queue = s.queue[1:]
	return conn
}

func (s *Server) hold(r *http.Request) {
	select {
	case <-r.Context().Done():
	case <-s.closing:
	}
}

func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	conn := s.next()
	if conn.Status != 0 {
		http.Error(w, "stream refused", conn.Status)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, ": connected\n\n")
	flusher.Flush()

	for _, frame := range conn.Frames {
		if err := writeEvent(w, frame); err != nil {
			return
		}
		flusher.Flush()
	}
	if conn.Hold {
		s.hold(r)
	}
}

func writeEvent(w io.Writer, frame schema.Frame) error {
	var b strings.Builder
	b.WriteString("event: ")
	b.WriteString(string(frame.Name))
	b.WriteByte('\n')
	if frame.ID != "" {
		b.WriteString("id: ")
		b.WriteString(frame.ID)
		b.WriteByte('\n')
	}
	for _, line := range strings.Split(frame.Data, "\n") {
		b.WriteString("data: ")
		b.WriteString(line)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	_, err := io.WriteString(w, b.String())
	return err
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn := s.next()
	if conn.Status != 0 {
		http.Error(w, "stream refused", conn.Status)
		return
	}
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer ws.CloseNow()

	for _, frame := range conn.Frames {
		payload, err := stream.NewEnvelope(frame)
		if err != nil {
			return
		}
		if err := ws.Write(r.Context(), websocket.MessageText, payload); err != nil {
			return
		}
	}
	if conn.Hold {
		s.hold(r)
		return
	}
	_ = ws.Close(websocket.StatusNormalClosure, "script finished")
}
