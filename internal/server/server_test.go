package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"testing/fstest"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/nexstar-gpsmon/internal/gps"
	"github.com/shaunagostinho/nexstar-gpsmon/internal/logger"
)

type fakeMonitor struct {
	mu      sync.Mutex
	running bool
	status  gps.Status
	starts  int
	stops   int
	link    []gps.LinkStateHandler
	valid   []gps.TimeValidHandler
	errs    []gps.ErrorHandler
	unsubs  int
	short   time.Duration
}

func (f *fakeMonitor) Start(context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	f.running = true
	return true
}

func (f *fakeMonitor) Stop() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	f.running = false
	return true
}

func (f *fakeMonitor) Status() gps.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := f.status
	st.Running = f.running
	return st
}

func (f *fakeMonitor) SetIntervals(long, short, slice time.Duration) error {
	if long < 0 || short < 0 || slice < 0 {
		return errors.New("gps: intervals must be >= 0")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.short = short
	return nil
}

func (f *fakeMonitor) OnLinkState(h gps.LinkStateHandler) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.link = append(f.link, h)
	return f.unsubscribe
}

func (f *fakeMonitor) OnTimeValid(h gps.TimeValidHandler) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.valid = append(f.valid, h)
	return f.unsubscribe
}

func (f *fakeMonitor) OnError(h gps.ErrorHandler) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs = append(f.errs, h)
	return f.unsubscribe
}

func (f *fakeMonitor) calls() (starts, stops int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts, f.stops
}

func (f *fakeMonitor) unsubscribe() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubs++
}

func (f *fakeMonitor) fireLink(raw int) {
	f.mu.Lock()
	hs := f.link
	f.mu.Unlock()
	for _, h := range hs {
		h(raw)
	}
}

func (f *fakeMonitor) fireError(code int) {
	f.mu.Lock()
	hs := f.errs
	f.mu.Unlock()
	for _, h := range hs {
		h(code)
	}
}

type fakeGuider struct {
	mu      sync.Mutex
	guiding bool
	pulse   time.Duration
}

func (g *fakeGuider) IsConnected() bool { return true }

func (g *fakeGuider) IsGuiding() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.guiding
}

func (g *fakeGuider) SetGuiding(on bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.guiding = on
}

func (g *fakeGuider) GuideFor(d time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.guiding = true
	g.pulse = d
}

type harness struct {
	srv     *Server
	http    *httptest.Server
	monitor *fakeMonitor
	mount   *fakeGuider
	cfg     *Config
}

func newHarness(t *testing.T, journal *logger.Journal) *harness {
	t.Helper()
	cfg := DefaultConfig()
	cfg.path = filepath.Join(t.TempDir(), "config.yaml")

	h := &harness{monitor: &fakeMonitor{}, mount: &fakeGuider{}, cfg: cfg}
	web := fstest.MapFS{"index.html": {Data: []byte("<html>gpsmon</html>")}}
	h.srv = New(cfg, h.monitor, h.mount, journal, web, nil)
	h.http = httptest.NewServer(h.srv.Handler(context.Background()))
	t.Cleanup(func() {
		h.srv.Close()
		h.http.Close()
	})
	return h
}

func (h *harness) post(t *testing.T, path, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(h.http.URL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, r io.Reader) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(r).Decode(&v))
	return v
}

func (h *harness) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.http.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var f Frame
	require.NoError(t, json.Unmarshal(data, &f))
	return f
}

func TestAPI_Status(t *testing.T) {
	h := newHarness(t, nil)
	linkedAt := time.Date(2024, 3, 1, 22, 0, 0, 0, time.UTC)
	h.monitor.mu.Lock()
	h.monitor.status = gps.Status{Linked: true, Present: true, LastLinkedAt: linkedAt}
	h.monitor.mu.Unlock()

	resp, err := http.Get(h.http.URL + "/api/gps")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	st := decode[gps.Status](t, resp.Body)
	assert.True(t, st.Linked)
	assert.True(t, st.Present)
	assert.False(t, st.TimeValid)
	assert.True(t, linkedAt.Equal(st.LastLinkedAt))
}

func TestAPI_StartStop(t *testing.T) {
	h := newHarness(t, nil)

	resp := h.post(t, "/api/gps/start", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, runResponse{Status: "ok", Running: true}, decode[runResponse](t, resp.Body))

	resp = h.post(t, "/api/gps/stop", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, runResponse{Status: "ok", Running: false}, decode[runResponse](t, resp.Body))

	starts, stops := h.monitor.calls()
	assert.Equal(t, 1, starts)
	assert.Equal(t, 1, stops)
}

func TestAPI_MethodNotAllowed(t *testing.T) {
	h := newHarness(t, nil)
	for _, path := range []string{"/api/gps/start", "/api/gps/stop", "/api/mount/guiding"} {
		resp, err := http.Get(h.http.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode, path)
	}
	starts, _ := h.monitor.calls()
	assert.Zero(t, starts)
}

func TestAPI_Guiding(t *testing.T) {
	h := newHarness(t, nil)

	resp := h.post(t, "/api/mount/guiding", `{"guiding":true}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, h.mount.IsGuiding())

	resp = h.post(t, "/api/mount/guiding", `{"guiding":false}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, h.mount.IsGuiding())

	resp = h.post(t, "/api/mount/guiding", `{"pulseMs":250}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, h.mount.IsGuiding())
	h.mount.mu.Lock()
	assert.Equal(t, 250*time.Millisecond, h.mount.pulse)
	h.mount.mu.Unlock()
}

func TestAPI_GuidingBadRequest(t *testing.T) {
	h := newHarness(t, nil)
	assert.Equal(t, http.StatusBadRequest, h.post(t, "/api/mount/guiding", `{}`).StatusCode)
	assert.Equal(t, http.StatusBadRequest, h.post(t, "/api/mount/guiding", `not json`).StatusCode)
}

func TestAPI_Config(t *testing.T) {
	journal := logger.NewJournal(logger.JournalConfig{Path: t.TempDir()}, nil)
	h := newHarness(t, journal)

	resp := h.post(t, "/api/config", `{"monitor":{"shortIntervalMs":4000},"journal":{"enabled":true}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, journal.IsEnabled(), "journal toggled live")
	assert.Equal(t, 4*time.Second, h.cfg.MonitorSettings(nil).ShortInterval)

	_, err := os.Stat(h.cfg.Path())
	assert.NoError(t, err, "config saved")

	get, err := http.Get(h.http.URL + "/api/config")
	require.NoError(t, err)
	defer get.Body.Close()
	body := decode[map[string]map[string]any](t, get.Body)
	assert.EqualValues(t, 4000, body["monitor"]["shortIntervalMs"])

	assert.Equal(t, http.StatusBadRequest, h.post(t, "/api/config", `{"monitor":`).StatusCode)
}

func TestAPI_ConfigForwardsIntervals(t *testing.T) {
	h := newHarness(t, nil)

	resp := h.post(t, "/api/config", `{"monitor":{"shortIntervalMs":4000}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, configResponse{Status: "ok"}, decode[configResponse](t, resp.Body))
	h.monitor.mu.Lock()
	assert.Equal(t, 4*time.Second, h.monitor.short)
	h.monitor.mu.Unlock()

	h.post(t, "/api/gps/start", "")
	resp = h.post(t, "/api/config", `{"monitor":{"shortIntervalMs":6000}}`)
	assert.Equal(t, configResponse{Status: "ok", RestartRequired: true}, decode[configResponse](t, resp.Body))

	resp = h.post(t, "/api/config", `{"monitor":{"pollSliceMs":-1}}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPI_StartStopJournaled(t *testing.T) {
	dir := t.TempDir()
	journal := logger.NewJournal(logger.JournalConfig{Enabled: true, Path: dir}, nil)
	h := newHarness(t, journal)

	h.post(t, "/api/gps/start", "")
	h.post(t, "/api/gps/stop", "")
	journal.Close()

	paths, err := filepath.Glob(filepath.Join(dir, "gps_*.csv"))
	require.NoError(t, err)
	require.Len(t, paths, 1)
	data, err := os.ReadFile(paths[0])
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[1], ","+logger.EventStart+",1,")
	assert.Contains(t, lines[2], ","+logger.EventStop+",")
}

func TestWebFS(t *testing.T) {
	h := newHarness(t, nil)
	resp, err := http.Get(h.http.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "gpsmon")
}

func TestWS_InitialStatusFrame(t *testing.T) {
	h := newHarness(t, nil)
	h.monitor.mu.Lock()
	h.monitor.status = gps.Status{Present: true}
	h.monitor.mu.Unlock()

	f := readFrame(t, h.dial(t))
	assert.Nil(t, f.Event)
	require.NotNil(t, f.GPS)
	assert.True(t, f.GPS.Present)
	require.NotNil(t, f.Mount)
	assert.True(t, f.Mount.Connected)
	assert.NotZero(t, f.Stamp)
}

func TestWS_EventPush(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.dial(t)
	readFrame(t, conn) // initial status

	h.monitor.fireLink(gps.LinkLinked)
	f := readFrame(t, conn)
	require.NotNil(t, f.Event)
	assert.Equal(t, logger.EventLink, f.Event.Kind)
	require.NotNil(t, f.Event.Link)
	assert.Equal(t, gps.LinkLinked, *f.Event.Link)
	assert.NotNil(t, f.GPS)

	h.monitor.fireError(4)
	f = readFrame(t, conn)
	require.NotNil(t, f.Event)
	assert.Equal(t, logger.EventError, f.Event.Kind)
	require.NotNil(t, f.Event.Code)
	assert.Equal(t, 4, *f.Event.Code)
	assert.Nil(t, f.Event.Link)
}

func TestWS_StartBroadcastsStatus(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.dial(t)
	readFrame(t, conn)

	h.post(t, "/api/gps/start", "")
	f := readFrame(t, conn)
	require.NotNil(t, f.GPS)
	assert.True(t, f.GPS.Running)
}

func TestWS_StatusLoop(t *testing.T) {
	h := newHarness(t, nil)
	h.cfg.Server.StatusIntervalMs = 20
	conn := h.dial(t)
	readFrame(t, conn)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.srv.statusLoop(ctx)

	for i := 0; i < 2; i++ {
		f := readFrame(t, conn)
		assert.Nil(t, f.Event)
		assert.NotNil(t, f.GPS)
	}
}

func TestClose_Unsubscribes(t *testing.T) {
	mon := &fakeMonitor{}
	s := New(DefaultConfig(), mon, &fakeGuider{}, nil, nil, nil)
	s.Close()
	assert.Equal(t, 3, mon.unsubs)
}
