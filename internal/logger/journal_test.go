package logger

import (
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/shaunagostinho/nexstar-gpsmon/internal/gps"
)

func readJournal(t *testing.T, dir string) [][][]string {
	t.Helper()
	paths, err := filepath.Glob(filepath.Join(dir, "gps_*.csv"))
	require.NoError(t, err)
	sort.Strings(paths)

	var files [][][]string
	for _, p := range paths {
		f, err := os.Open(p)
		require.NoError(t, err)
		rows, err := csv.NewReader(f).ReadAll()
		f.Close()
		require.NoError(t, err)
		files = append(files, rows)
	}
	return files
}

func TestJournal_DisabledWritesNothing(t *testing.T) {
	dir := t.TempDir()
	j := NewJournal(JournalConfig{Path: dir}, nil)
	j.Record(EventLink, "1", gps.Status{})
	j.Close()

	assert.Empty(t, readJournal(t, dir))
}

func TestJournal_RecordRow(t *testing.T) {
	dir := t.TempDir()
	j := NewJournal(JournalConfig{Enabled: true, Path: dir}, nil)
	at := time.Date(2024, 5, 4, 21, 30, 0, 0, time.UTC)
	j.now = func() time.Time { return at }

	j.Record(EventTimeValid, "1", gps.Status{
		Running: true, Linked: true, TimeValid: true, Present: true,
		LastLinkedAt: at, LastValidTimeAt: at,
	})
	j.Close()

	files := readJournal(t, dir)
	require.Len(t, files, 1)
	require.Len(t, files[0], 2)
	assert.Equal(t, csvHeader, files[0][0])
	assert.Equal(t, []string{
		"2024-05-04T21:30:00Z", "time_valid", "1",
		"1", "1", "1", "1",
		"2024-05-04T21:30:00Z", "2024-05-04T21:30:00Z",
	}, files[0][1])
}

func TestJournal_Rotation(t *testing.T) {
	dir := t.TempDir()
	j := NewJournal(JournalConfig{Enabled: true, Path: dir, MaxRows: 2}, nil)
	at := time.Date(2024, 5, 4, 21, 30, 0, 0, time.UTC)
	j.now = func() time.Time {
		at = at.Add(time.Second)
		return at
	}

	for i := 0; i < 5; i++ {
		j.Record(EventLink, "0", gps.Status{})
	}
	j.Close()

	files := readJournal(t, dir)
	require.Len(t, files, 3)
	assert.Len(t, files[0], 3)
	assert.Len(t, files[1], 3)
	assert.Len(t, files[2], 2)
}

func TestJournal_SetEnabled(t *testing.T) {
	dir := t.TempDir()
	j := NewJournal(JournalConfig{Path: dir}, nil)
	assert.False(t, j.IsEnabled())
	j.SetEnabled(true)
	assert.True(t, j.IsEnabled())
	j.Record(EventStart, "", gps.Status{Running: true})
	j.SetEnabled(false)
	j.Record(EventStop, "", gps.Status{})

	files := readJournal(t, dir)
	require.Len(t, files, 1)
	assert.Len(t, files[0], 2)
}

type linkedDevice struct{}

func (linkedDevice) QueryLink() int       { return gps.LinkLinked }
func (linkedDevice) QueryTimeValid() bool { return true }

type upMount struct{}

func (upMount) IsConnected() bool { return true }
func (upMount) IsGuiding() bool   { return false }

func TestJournal_AttachRecordsMonitorEvents(t *testing.T) {
	dir := t.TempDir()
	j := NewJournal(JournalConfig{Enabled: true, Path: dir}, nil)

	m, err := gps.New(gps.Config{PollSlice: time.Millisecond}, linkedDevice{}, upMount{})
	require.NoError(t, err)
	detach := j.Attach(m)

	m.Start(context.Background())
	require.Eventually(t, m.IsTimeValid, time.Second, time.Millisecond)
	m.Stop()
	detach()
	j.Close()

	files := readJournal(t, dir)
	require.Len(t, files, 1)
	rows := files[0][1:]
	require.Len(t, rows, 2)
	assert.Equal(t, []string{EventLink, "1"}, rows[0][1:3])
	assert.Equal(t, []string{EventTimeValid, "1"}, rows[1][1:3])
}

func TestNew_ZapLevels(t *testing.T) {
	l, err := New(Config{Level: "DEBUG", Encoding: "json"})
	require.NoError(t, err)
	assert.True(t, l.Core().Enabled(zapcore.DebugLevel))

	l, err = New(Config{Level: "bogus"})
	require.NoError(t, err)
	assert.False(t, l.Core().Enabled(zapcore.DebugLevel))
}

func TestJournal_AttachDoesNotBlockMonitor(t *testing.T) {
	dir := t.TempDir()
	j := NewJournal(JournalConfig{Enabled: true, Path: dir}, nil)

	m, err := gps.New(gps.Config{PollSlice: time.Millisecond}, linkedDevice{}, upMount{})
	require.NoError(t, err)
	detach := j.Attach(m)

	// A stalled writer must not hold up the poll loop.
	j.mu.Lock()
	m.Start(context.Background())
	require.Eventually(t, m.IsTimeValid, time.Second, time.Millisecond)
	j.mu.Unlock()

	m.Stop()
	detach()
	detach()
	j.Close()

	files := readJournal(t, dir)
	require.Len(t, files, 1)
	rows := files[0][1:]
	require.Len(t, rows, 2)
	assert.Equal(t, []string{EventLink, "1"}, rows[0][1:3])
	assert.Equal(t, []string{EventTimeValid, "1"}, rows[1][1:3])
}
