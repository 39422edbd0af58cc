package server

import (
	"context"
	"encoding/json"
	"io"
	"io/fs"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/shaunagostinho/nexstar-gpsmon/internal/gps"
	"github.com/shaunagostinho/nexstar-gpsmon/internal/logger"
)

// Monitor is the GPS monitor surface driven by the API.
type Monitor interface {
	Start(ctx context.Context) bool
	Stop() bool
	Status() gps.Status
	SetIntervals(long, short, slice time.Duration) error
	OnLinkState(h gps.LinkStateHandler) func()
	OnTimeValid(h gps.TimeValidHandler) func()
	OnError(h gps.ErrorHandler) func()
}

// Guider controls the mount guiding flag.
type Guider interface {
	IsConnected() bool
	IsGuiding() bool
	SetGuiding(on bool)
	GuideFor(d time.Duration)
}

// Server exposes the GPS monitor over HTTP and pushes its events to
// WebSocket clients.
type Server struct {
	cfg     *Config
	monitor Monitor
	mount   Guider
	journal *logger.Journal // may be nil
	webFS   fs.FS
	log     *zap.Logger

	ctx context.Context // monitor tasks started from the API are bound to it

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader
	unsub    []func()
}

type wsClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// Frame is the JSON structure sent to all WebSocket clients.
type Frame struct {
	Event *Event       `json:"event,omitempty"`
	GPS   *gps.Status  `json:"gps,omitempty"`
	Mount *MountStatus `json:"mount,omitempty"`
	Stamp int64        `json:"stamp"` // Unix ms
}

// Event describes one monitor edge.
type Event struct {
	Kind      string `json:"kind"` // "link", "time_valid" or "error"
	Link      *int   `json:"link,omitempty"`
	TimeValid *bool  `json:"timeValid,omitempty"`
	Code      *int   `json:"code,omitempty"`
}

type MountStatus struct {
	Connected bool `json:"connected"`
	Guiding   bool `json:"guiding"`
}

// New creates a Server and subscribes it to monitor events.
func New(cfg *Config, monitor Monitor, mount Guider, journal *logger.Journal, webFS fs.FS, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		cfg:     cfg,
		monitor: monitor,
		mount:   mount,
		journal: journal,
		webFS:   webFS,
		log:     log.Named("server"),
		ctx:     context.Background(),
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	s.unsub = append(s.unsub,
		monitor.OnLinkState(func(raw int) {
			s.broadcastEvent(Event{Kind: logger.EventLink, Link: &raw})
		}),
		monitor.OnTimeValid(func(valid bool) {
			s.broadcastEvent(Event{Kind: logger.EventTimeValid, TimeValid: &valid})
		}),
		monitor.OnError(func(code int) {
			s.broadcastEvent(Event{Kind: logger.EventError, Code: &code})
		}),
	)
	return s
}

// Handler builds the HTTP routes. Monitor tasks started through the API
// are cancelled with ctx.
func (s *Server) Handler(ctx context.Context) http.Handler {
	s.ctx = ctx
	mux := http.NewServeMux()

	// Serve embedded web files
	if s.webFS != nil {
		mux.Handle("/", http.FileServer(http.FS(s.webFS)))
	}

	// WebSocket endpoint
	mux.HandleFunc("/ws", s.handleWS)

	// GPS monitor API
	mux.HandleFunc("/api/gps", s.handleStatus)
	mux.HandleFunc("/api/gps/start", s.handleStart)
	mux.HandleFunc("/api/gps/stop", s.handleStop)

	// Mount API
	mux.HandleFunc("/api/mount/guiding", s.handleGuiding)

	// Config API
	mux.HandleFunc("/api/config", s.handleConfig)

	return mux
}

// Run starts the HTTP server and the status push loop.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.cfg.Server.ListenAddr,
		Handler: s.Handler(ctx),
	}

	go s.statusLoop(ctx)

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
		s.Close()
	}()

	s.log.Info("listening", zap.String("addr", srv.Addr))
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Close unsubscribes from the monitor and disconnects all clients.
func (s *Server) Close() {
	for _, fn := range s.unsub {
		fn()
	}
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	for c := range s.clients {
		c.conn.Close()
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("ws upgrade failed", zap.Error(err))
		return
	}

	client := &wsClient{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, 64),
	}

	// Initial status goes out before any broadcast
	if data, err := json.Marshal(s.statusFrame()); err == nil {
		client.send <- data
	}

	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	total := len(s.clients)
	s.clientsMu.Unlock()

	s.log.Info("ws client connected", zap.String("client", client.id), zap.Int("total", total))

	// Writer goroutine
	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	// Reader goroutine (keep-alive, detects close)
	go func() {
		defer func() {
			s.clientsMu.Lock()
			delete(s.clients, client)
			total := len(s.clients)
			s.clientsMu.Unlock()
			close(client.send)
			s.log.Info("ws client disconnected", zap.String("client", client.id), zap.Int("total", total))
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, s.monitor.Status())
}

type runResponse struct {
	Status  string `json:"status"`
	Running bool   `json:"running"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	running := s.monitor.Start(s.ctx)
	s.record(logger.EventStart, boolValue(running))
	s.log.Info("monitor start requested", zap.Bool("running", running))
	s.broadcast(s.statusFrame())
	writeJSON(w, runResponse{Status: "ok", Running: running})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.monitor.Stop()
	s.record(logger.EventStop, "")
	s.log.Info("monitor stop requested")
	s.broadcast(s.statusFrame())
	writeJSON(w, runResponse{Status: "ok", Running: false})
}

type configResponse struct {
	Status          string `json:"status"`
	RestartRequired bool   `json:"restartRequired"` // monitor running on the old intervals
}

type guidingRequest struct {
	Guiding *bool `json:"guiding"`
	PulseMs int   `json:"pulseMs"`
}

func (s *Server) handleGuiding(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req guidingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	switch {
	case req.PulseMs > 0:
		s.mount.GuideFor(time.Duration(req.PulseMs) * time.Millisecond)
	case req.Guiding != nil:
		s.mount.SetGuiding(*req.Guiding)
	default:
		http.Error(w, "guiding or pulseMs required", http.StatusBadRequest)
		return
	}
	writeJSON(w, struct {
		Status  string `json:"status"`
		Guiding bool   `json:"guiding"`
	}{"ok", s.mount.IsGuiding()})
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		data, err := s.cfg.ToJSON()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)

	case http.MethodPost:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if err := s.cfg.UpdateFromJSON(body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		mc := s.cfg.MonitorSettings(nil)
		if err := s.monitor.SetIntervals(mc.LongInterval, mc.ShortInterval, mc.PollSlice); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := s.cfg.Save(); err != nil {
			s.log.Warn("config save failed", zap.Error(err))
		}
		if s.journal != nil {
			s.journal.SetEnabled(s.cfg.JournalEnabled())
		}
		// Poll intervals apply from the next monitor start.
		writeJSON(w, configResponse{Status: "ok", RestartRequired: s.monitor.Status().Running})

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// statusLoop pushes a status frame to every client at the configured rate.
func (s *Server) statusLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.StatusInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.broadcast(s.statusFrame())
		}
	}
}

func (s *Server) statusFrame() Frame {
	st := s.monitor.Status()
	return Frame{
		GPS: &st,
		Mount: &MountStatus{
			Connected: s.mount.IsConnected(),
			Guiding:   s.mount.IsGuiding(),
		},
		Stamp: time.Now().UnixMilli(),
	}
}

func (s *Server) broadcastEvent(ev Event) {
	f := s.statusFrame()
	f.Event = &ev
	s.broadcast(f)
}

func (s *Server) broadcast(frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for client := range s.clients {
		select {
		case client.send <- data:
		default:
			s.log.Debug("ws client too slow, frame dropped", zap.String("client", client.id))
		}
	}
}

func (s *Server) record(kind, value string) {
	if s.journal != nil {
		s.journal.Record(kind, value, s.monitor.Status())
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func boolValue(v bool) string {
	if v {
		return "1"
	}
	return "0"
}
