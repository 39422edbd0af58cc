package nexstar

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.bug.st/serial"
	"go.uber.org/zap"
)

var (
	// ErrNotConnected is returned when a command is issued on a closed port.
	ErrNotConnected = errors.New("nexstar: not connected")
	// ErrTimeout is returned when the hand controller does not answer in time.
	ErrTimeout = errors.New("nexstar: reply timeout")
	// ErrBadReply is returned when a reply is not terminated by '#'.
	ErrBadReply = errors.New("nexstar: malformed reply")
)

const (
	replyTerminator = '#'
	echoProbe       = 'x'

	defaultBaudRate = 9600
	defaultTimeout  = 3500 * time.Millisecond
	drainSilence    = 100 * time.Millisecond
	drainTimeout    = time.Second
)

// Port is the serial link to a NexStar hand controller. Commands are
// serialized; the hand controller handles one request at a time.
type Port struct {
	portPath string
	baudRate int
	timeout  time.Duration
	log      *zap.Logger
	open     func(path string, mode *serial.Mode) (serial.Port, error)

	mu        sync.Mutex
	port      serial.Port
	connected atomic.Bool
}

// PortConfig holds connection configuration for the hand controller.
type PortConfig struct {
	PortPath  string `yaml:"port_path" json:"portPath"`
	BaudRate  int    `yaml:"baud_rate" json:"baudRate"`
	TimeoutMs int    `yaml:"timeout_ms" json:"timeoutMs"`
}

// NewPort creates an unopened hand controller port.
func NewPort(cfg PortConfig, logger *zap.Logger) *Port {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = defaultBaudRate
	}
	timeout := time.Duration(cfg.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Port{
		portPath: cfg.PortPath,
		baudRate: cfg.BaudRate,
		timeout:  timeout,
		log:      logger.Named("nexstar"),
		open:     serial.Open,
	}
}

func (p *Port) Name() string { return "NexStar HC " + p.portPath }

// Connect opens the serial port and verifies the hand controller answers
// an echo request.
func (p *Port) Connect() error {
	mode := &serial.Mode{
		BaudRate: p.baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := p.open(p.portPath, mode)
	if err != nil {
		return fmt.Errorf("nexstar: failed to open %s: %w", p.portPath, err)
	}
	if err := port.SetReadTimeout(p.timeout); err != nil {
		port.Close()
		return fmt.Errorf("nexstar: failed to set timeout: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.port != nil {
		p.port.Close()
	}
	p.port = port
	p.drain()

	if err := p.echoLocked(echoProbe); err != nil {
		p.port = nil
		port.Close()
		return fmt.Errorf("nexstar: no answer on %s: %w", p.portPath, err)
	}
	p.connected.Store(true)
	p.log.Info("connected", zap.String("port", p.portPath), zap.Int("baud", p.baudRate))
	return nil
}

// Close shuts the serial port.
func (p *Port) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected.Store(false)
	if p.port != nil {
		err := p.port.Close()
		p.port = nil
		return err
	}
	return nil
}

// IsConnected reports whether the hand controller link is up.
func (p *Port) IsConnected() bool { return p.connected.Load() }

// Echo sends the 'K' echo command and checks the byte comes back.
func (p *Port) Echo(b byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.echoLocked(b)
}

func (p *Port) echoLocked(b byte) error {
	reply, err := p.commandLocked([]byte{'K', b}, 1)
	if err != nil {
		return err
	}
	if reply[0] != b {
		return fmt.Errorf("%w: echo %#x, got %#x", ErrBadReply, b, reply[0])
	}
	return nil
}

// Passthrough forwards cmd to the AUX device dest and returns its replyLen
// byte answer. At most three argument bytes are sent.
func (p *Port) Passthrough(dest, cmd byte, args []byte, replyLen int) ([]byte, error) {
	if len(args) > 3 {
		return nil, fmt.Errorf("nexstar: passthrough takes at most 3 args, got %d", len(args))
	}
	req := []byte{'P', byte(len(args) + 1), dest, cmd, 0, 0, 0, byte(replyLen)}
	copy(req[4:7], args)

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.commandLocked(req, replyLen)
}

// commandLocked writes req and reads replyLen bytes plus the terminator.
func (p *Port) commandLocked(req []byte, replyLen int) ([]byte, error) {
	if p.port == nil {
		return nil, ErrNotConnected
	}
	if _, err := p.port.Write(req); err != nil {
		p.connected.Store(false)
		return nil, fmt.Errorf("nexstar: write %q: %w", req[0], err)
	}

	buf := make([]byte, replyLen+1)
	if err := p.readExact(buf); err != nil {
		return nil, err
	}
	if buf[replyLen] != replyTerminator {
		p.drain()
		return nil, fmt.Errorf("%w: % X", ErrBadReply, buf)
	}
	return buf[:replyLen], nil
}

func (p *Port) readExact(buf []byte) error {
	deadline := time.Now().Add(p.timeout)
	got := 0
	for got < len(buf) && time.Now().Before(deadline) {
		n, err := p.port.Read(buf[got:])
		if err != nil && n == 0 {
			p.connected.Store(false)
			return fmt.Errorf("nexstar: read after %d/%d bytes: %w", got, len(buf), err)
		}
		got += n
	}
	if got < len(buf) {
		p.log.Debug("read timed out", zap.Int("got", got), zap.Int("want", len(buf)))
		return ErrTimeout
	}
	return nil
}

// drain discards unsolicited bytes left in the input buffer.
func (p *Port) drain() {
	if p.port == nil {
		return
	}
	p.port.ResetInputBuffer()

	p.port.SetReadTimeout(drainSilence)
	defer p.port.SetReadTimeout(p.timeout)

	total := 0
	deadline := time.Now().Add(drainTimeout)
	buf := make([]byte, 64)
	for time.Now().Before(deadline) {
		n, _ := p.port.Read(buf)
		if n == 0 {
			break
		}
		total += n
	}
	if total > 0 {
		p.log.Debug("drained input", zap.Int("bytes", total))
	}
}
