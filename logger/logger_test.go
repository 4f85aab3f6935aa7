package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWithWriter_ProductionIsJSON(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(Config{Env: "production", Level: "info"}, &buf)

	log.Debug().Msg("hidden")
	log.Info().Str("report_id", "r1").Msg("report applied")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "report applied", line["message"])
	assert.Equal(t, "r1", line["report_id"])
	assert.NotContains(t, buf.String(), "hidden")
}

func TestNewWithWriter_DevelopmentIsConsole(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(Config{Env: "development", Level: "debug"}, &buf)

	log.Debug().Msg("visible")

	assert.Contains(t, buf.String(), "visible")
	assert.False(t, json.Valid(bytes.TrimSpace(buf.Bytes())))
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.WarnLevel, ParseLevel(" WARN "))
	assert.Equal(t, zerolog.TraceLevel, ParseLevel("trace"))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel("loud"))
}
