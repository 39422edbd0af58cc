package nexstar

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/shaunagostinho/nexstar-gpsmon/internal/gps"
)

// AUX bus address of the GPS module and its passthrough commands.
const (
	DevGPS byte = 0xB0

	gpsCmdTimeValid byte = 0x36
	gpsCmdLinked    byte = 0x37
)

// Fatal link codes reported when the GPS module cannot be queried.
const (
	CodeNoResponse = 3
	CodeBadReply   = 4
	CodeIOError    = 5
)

// GPS queries a GPS module through the hand controller passthrough.
type GPS struct {
	port *Port
	log  *zap.Logger
}

var _ gps.Device = (*GPS)(nil)

func NewGPS(port *Port, logger *zap.Logger) *GPS {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GPS{port: port, log: logger.Named("nexstar.gps")}
}

// QueryLink asks the module whether it is linked.
func (g *GPS) QueryLink() int {
	reply, err := g.query(gpsCmdLinked)
	if err != nil {
		return linkCode(err)
	}
	if reply > 0 {
		return gps.LinkLinked
	}
	return gps.LinkNotLinked
}

// QueryTimeValid asks the module whether its time fix is valid.
// Any communication failure reads as not valid.
func (g *GPS) QueryTimeValid() bool {
	reply, err := g.query(gpsCmdTimeValid)
	return err == nil && reply > 0
}

func (g *GPS) query(cmd byte) (byte, error) {
	start := time.Now()
	reply, err := g.port.Passthrough(DevGPS, cmd, nil, 1)
	if err != nil {
		g.log.Debug("query failed", zap.Uint8("cmd", cmd), zap.Duration("took", time.Since(start)), zap.Error(err))
		return 0, err
	}
	g.log.Debug("query", zap.Uint8("cmd", cmd), zap.Uint8("reply", reply[0]), zap.Duration("took", time.Since(start)))
	return reply[0], nil
}

// linkCode maps a transport error onto a raw link code.
func linkCode(err error) int {
	switch {
	case errors.Is(err, ErrNotConnected):
		return gps.LinkUnknown
	case errors.Is(err, ErrTimeout):
		return CodeNoResponse
	case errors.Is(err, ErrBadReply):
		return CodeBadReply
	default:
		return CodeIOError
	}
}
