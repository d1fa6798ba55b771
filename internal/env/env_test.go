package env

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaults(t *testing.T) {
	var buf bytes.Buffer
	e := New(Options{Output: &buf, Registerer: prometheus.NewRegistry()})

	require.NotNil(t, e.Clock)
	require.NotNil(t, e.Metrics)

	e.Log.Debug().Msg("hidden")
	e.Log.Info().Msg("shown")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 1, "debug is below the default info level")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &rec))
	assert.Equal(t, "shown", rec["message"])
	assert.Equal(t, "dashsync", rec["service"])
}

func TestComponentTagsLogger(t *testing.T) {
	var buf bytes.Buffer
	e := New(Options{Level: "debug", Output: &buf, Registerer: prometheus.NewRegistry()})

	c := e.Component("transport")
	c.Log.Debug().Msg("dial")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &rec))
	assert.Equal(t, "transport", rec["component"])
}

func TestNopUsesMockClock(t *testing.T) {
	e, mock := Nop()
	start := e.Clock.Now()
	mock.Add(time.Minute)
	assert.Equal(t, time.Minute, e.Clock.Now().Sub(start))
}
