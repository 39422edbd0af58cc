package main

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/shaunagostinho/nexstar-gpsmon/internal/gps"
	"github.com/shaunagostinho/nexstar-gpsmon/internal/nexstar"
	"github.com/shaunagostinho/nexstar-gpsmon/internal/server"
)

// handController is satisfied by nexstar.Port and nexstar.DemoLink.
type handController interface {
	Name() string
	Connect() error
	Close() error
	IsConnected() bool
}

// newDevice builds the link and GPS device for cfg.Type. The link is nil
// when monitoring is disabled.
func newDevice(cfg server.GPSConfig, log *zap.Logger) (handController, gps.Device, error) {
	switch cfg.Type {
	case "nexstar":
		port := nexstar.NewPort(cfg.PortConfig(), log)
		return port, nexstar.NewGPS(port, log), nil
	case "demo":
		return nexstar.DemoLink{}, nexstar.NewDemoGPS(cfg.Demo), nil
	case "disabled":
		log.Info("gps monitoring disabled")
		return nil, noDevice{}, nil
	default:
		return nil, nil, fmt.Errorf("unknown gps.type %q (want nexstar, demo or disabled)", cfg.Type)
	}
}

// noDevice stands in when GPS monitoring is disabled. The mount never
// reports a connection, so the monitor never queries it.
type noDevice struct{}

func (noDevice) QueryLink() int       { return gps.LinkUnknown }
func (noDevice) QueryTimeValid() bool { return false }
