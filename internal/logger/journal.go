package logger

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shaunagostinho/nexstar-gpsmon/internal/gps"
)

// Journal records GPS monitor events to CSV files with automatic rotation.
type Journal struct {
	mu      sync.Mutex
	dir     string
	enabled bool
	maxRows int
	log     *zap.Logger
	now     func() time.Time

	file   *os.File
	writer *csv.Writer
	rows   int
}

// JournalConfig holds journal configuration.
type JournalConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
	MaxRows int    `yaml:"max_rows" json:"maxRows"`
}

// Event kinds written to the journal.
const (
	EventLink      = "link"
	EventTimeValid = "time_valid"
	EventError     = "error"
	EventStart     = "start"
	EventStop      = "stop"
)

const defaultMaxRows = 100_000

var csvHeader = []string{
	"timestamp", "event", "value",
	"running", "linked", "time_valid", "present",
	"last_linked_at", "last_valid_time_at",
}

// NewJournal creates a journal. Files are opened lazily on the first record.
func NewJournal(cfg JournalConfig, log *zap.Logger) *Journal {
	if cfg.Path == "" {
		cfg.Path = "/var/log/gpsmon"
	}
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = defaultMaxRows
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Journal{
		dir:     cfg.Path,
		enabled: cfg.Enabled,
		maxRows: cfg.MaxRows,
		log:     log.Named("journal"),
		now:     time.Now,
	}
}

// SetEnabled allows toggling the journal at runtime.
func (j *Journal) SetEnabled(on bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.enabled = on
	if !on && j.file != nil {
		j.closeFile()
	}
}

// IsEnabled returns whether the journal is active.
func (j *Journal) IsEnabled() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.enabled
}

// Attach records every event m emits and returns a func that detaches the
// journal. Handlers only queue the row, so file I/O stays off the poll
// goroutine; rows beyond the backlog are dropped with a warning.
func (j *Journal) Attach(m *gps.Monitor) func() {
	q := &rowQueue{rows: make(chan queuedRow, attachBacklog), done: make(chan struct{})}
	go func() {
		defer close(q.done)
		for r := range q.rows {
			j.Record(r.kind, r.value, r.st)
		}
	}()

	push := func(kind, value string) {
		if !q.push(queuedRow{kind: kind, value: value, st: m.Status()}) {
			j.log.Warn("journal backlog full, event dropped", zap.String("event", kind))
		}
	}
	offs := []func(){
		m.OnLinkState(func(raw int) { push(EventLink, strconv.Itoa(raw)) }),
		m.OnTimeValid(func(v bool) { push(EventTimeValid, boolStr(v)) }),
		m.OnError(func(code int) { push(EventError, strconv.Itoa(code)) }),
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			for _, off := range offs {
				off()
			}
			q.close()
		})
	}
}

const attachBacklog = 64

type queuedRow struct {
	kind, value string
	st          gps.Status
}

// rowQueue hands rows to the journal writer without blocking the sender.
type rowQueue struct {
	mu     sync.RWMutex
	closed bool
	rows   chan queuedRow
	done   chan struct{}
}

func (q *rowQueue) push(r queuedRow) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return true
	}
	select {
	case q.rows <- r:
		return true
	default:
		return false
	}
}

// close stops accepting rows and waits until the queued ones are written.
func (q *rowQueue) close() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.rows)
	}
	q.mu.Unlock()
	<-q.done
}

// Record writes one event row alongside the monitor status.
func (j *Journal) Record(kind, value string, st gps.Status) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if !j.enabled {
		return
	}

	now := j.now()
	if j.writer == nil || j.rows >= j.maxRows {
		if err := j.rotateFile(now); err != nil {
			j.log.Warn("rotate failed", zap.Error(err))
			return
		}
	}

	if err := j.writer.Write(buildRow(now, kind, value, st)); err != nil {
		j.log.Warn("write failed", zap.Error(err))
		return
	}
	j.writer.Flush()
	j.rows++
}

// Close flushes and closes the current journal file.
func (j *Journal) Close() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.closeFile()
}

func (j *Journal) rotateFile(now time.Time) error {
	j.closeFile()

	if err := os.MkdirAll(j.dir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", j.dir, err)
	}

	filename := fmt.Sprintf("gps_%s.csv", now.Format("2006-01-02_150405.000"))
	path := filepath.Join(j.dir, filename)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	j.file = f
	j.writer = csv.NewWriter(f)
	j.rows = 0

	if err := j.writer.Write(csvHeader); err != nil {
		return err
	}
	j.writer.Flush()

	j.log.Info("opened", zap.String("path", path))
	return nil
}

func (j *Journal) closeFile() {
	if j.writer != nil {
		j.writer.Flush()
		j.writer = nil
	}
	if j.file != nil {
		j.file.Close()
		j.file = nil
	}
}

func buildRow(ts time.Time, kind, value string, st gps.Status) []string {
	return []string{
		ts.UTC().Format(time.RFC3339Nano),
		kind,
		value,
		boolStr(st.Running),
		boolStr(st.Linked),
		boolStr(st.TimeValid),
		boolStr(st.Present),
		timeStr(st.LastLinkedAt),
		timeStr(st.LastValidTimeAt),
	}
}

func timeStr(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func boolStr(v bool) string {
	if v {
		return "1"
	}
	return "0"
}
