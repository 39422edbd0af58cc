package gps

import "time"

// Raw link codes reported by Device.QueryLink.
const (
	LinkUnknown   = -1 // Initial / undetermined; any negative value
	LinkNotLinked = 0
	LinkLinked    = 1
	// Any other positive value is a device-specific fatal error code.
)

// Device is the slow GPS receiver behind the mount controller.
// Each query may block for about a second.
type Device interface {
	// QueryLink returns the raw link code (see LinkUnknown et al.).
	QueryLink() int
	// QueryTimeValid reports whether the receiver's time fix is usable.
	QueryTimeValid() bool
}

// Mount exposes the read-only mount signals sampled once per iteration.
type Mount interface {
	IsConnected() bool
	IsGuiding() bool
}

// SampleKind discriminates a Sample.
type SampleKind int

const (
	SampleUnknown SampleKind = iota
	SampleNotLinked
	SampleLinked
	SampleGuidingPause
	SampleFatal
)

func (k SampleKind) String() string {
	switch k {
	case SampleUnknown:
		return "unknown"
	case SampleNotLinked:
		return "not-linked"
	case SampleLinked:
		return "linked"
	case SampleGuidingPause:
		return "guiding-pause"
	case SampleFatal:
		return "fatal"
	}
	return "invalid"
}

// Sample is the outcome of one poll iteration.
type Sample struct {
	Kind SampleKind
	Raw  int // Raw link code as returned by the device
	// TimeValid is only meaningful for SampleLinked.
	TimeValid bool
}

// Code returns the fatal device code carried by the sample.
func (s Sample) Code() int { return s.Raw }

// classify maps a raw link code onto a sample kind.
func classify(raw int) Sample {
	switch {
	case raw < 0:
		return Sample{Kind: SampleUnknown, Raw: raw}
	case raw == LinkNotLinked:
		return Sample{Kind: SampleNotLinked, Raw: raw}
	case raw == LinkLinked:
		return Sample{Kind: SampleLinked, Raw: raw}
	default:
		return Sample{Kind: SampleFatal, Raw: raw}
	}
}

// Status is a point-in-time snapshot of the monitor.
type Status struct {
	Running         bool      `json:"running"`
	Linked          bool      `json:"linked"`
	TimeValid       bool      `json:"timeValid"`
	Present         bool      `json:"present"`
	LastLinkedAt    time.Time `json:"lastLinkedAt,omitempty"`
	LastValidTimeAt time.Time `json:"lastValidTimeAt,omitempty"`
}
