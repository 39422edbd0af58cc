package nexstar

import (
	"sync"
	"time"

	"github.com/shaunagostinho/nexstar-gpsmon/internal/gps"
)

// DemoConfig shapes the simulated GPS acquisition.
type DemoConfig struct {
	LinkAfter  int `yaml:"link_after" json:"linkAfter"`   // Link queries answered "not linked" first
	ValidAfter int `yaml:"valid_after" json:"validAfter"` // Time queries answered "invalid" once linked
	LatencyMs  int `yaml:"latency_ms" json:"latencyMs"`   // Simulated per-query round trip
	FailAfter  int `yaml:"fail_after" json:"failAfter"`   // Link query count before FailCode, 0 = never
	FailCode   int `yaml:"fail_code" json:"failCode"`
}

// DemoGPS simulates a slow GPS module acquiring a fix.
type DemoGPS struct {
	mu         sync.Mutex
	cfg        DemoConfig
	latency    time.Duration
	linkCalls  int
	validCalls int
}

var _ gps.Device = (*DemoGPS)(nil)

// NewDemoGPS creates a simulated module. A negative LatencyMs disables the delay.
func NewDemoGPS(cfg DemoConfig) *DemoGPS {
	latency := time.Duration(cfg.LatencyMs) * time.Millisecond
	if cfg.LatencyMs == 0 {
		latency = time.Second
	}
	if latency < 0 {
		latency = 0
	}
	if cfg.FailAfter > 0 && cfg.FailCode <= gps.LinkLinked {
		cfg.FailCode = CodeNoResponse
	}
	return &DemoGPS{cfg: cfg, latency: latency}
}

func (d *DemoGPS) Name() string { return "Demo GPS (Simulated)" }

func (d *DemoGPS) QueryLink() int {
	time.Sleep(d.latency)
	d.mu.Lock()
	defer d.mu.Unlock()

	d.linkCalls++
	if d.cfg.FailAfter > 0 && d.linkCalls > d.cfg.FailAfter {
		return d.cfg.FailCode
	}
	if d.linkCalls <= d.cfg.LinkAfter {
		return gps.LinkNotLinked
	}
	return gps.LinkLinked
}

func (d *DemoGPS) QueryTimeValid() bool {
	time.Sleep(d.latency)
	d.mu.Lock()
	defer d.mu.Unlock()

	d.validCalls++
	return d.validCalls > d.cfg.ValidAfter
}

// DemoLink is a hand controller link that is always up.
type DemoLink struct{}

func (DemoLink) Name() string      { return "Demo HC (Simulated)" }
func (DemoLink) Connect() error    { return nil }
func (DemoLink) Close() error      { return nil }
func (DemoLink) IsConnected() bool { return true }
