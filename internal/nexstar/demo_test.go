package nexstar

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/shaunagostinho/nexstar-gpsmon/internal/gps"
)

func TestDemoGPS_Acquisition(t *testing.T) {
	d := NewDemoGPS(DemoConfig{LinkAfter: 2, ValidAfter: 1, LatencyMs: -1})

	assert.Equal(t, gps.LinkNotLinked, d.QueryLink())
	assert.Equal(t, gps.LinkNotLinked, d.QueryLink())
	assert.Equal(t, gps.LinkLinked, d.QueryLink())

	assert.False(t, d.QueryTimeValid())
	assert.True(t, d.QueryTimeValid())
}

func TestDemoGPS_ScriptedFailure(t *testing.T) {
	d := NewDemoGPS(DemoConfig{FailAfter: 1, LatencyMs: -1})

	assert.Equal(t, gps.LinkLinked, d.QueryLink())
	assert.Equal(t, CodeNoResponse, d.QueryLink())
}

func TestDemoLink(t *testing.T) {
	var l DemoLink
	assert.NoError(t, l.Connect())
	assert.True(t, l.IsConnected())
	assert.NoError(t, l.Close())
}
