package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func restore(t *testing.T) {
	prev, level := log.Logger, zerolog.GlobalLevel()
	t.Cleanup(func() {
		log.Logger = prev
		zerolog.SetGlobalLevel(level)
	})
}

func TestSetup_JSONLevel(t *testing.T) {
	restore(t)
	var buf bytes.Buffer

	c, err := setup(Config{Level: "WARN"}, &buf)
	require.NoError(t, err)
	defer c.Close()

	log.Info().Msg("hidden")
	log.Warn().Str("item", "q-1").Msg("shown")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	assert.Equal(t, "warn", entry["level"])
	assert.Equal(t, "shown", entry["message"])
	assert.Equal(t, "q-1", entry["item"])
	assert.Contains(t, entry, "time")
}

func TestSetup_Console(t *testing.T) {
	restore(t)
	var buf bytes.Buffer

	_, err := setup(Config{Format: "console"}, &buf)
	require.NoError(t, err)

	log.Info().Msg("hello")
	assert.Contains(t, buf.String(), "hello")
	assert.False(t, json.Valid(bytes.TrimSpace(buf.Bytes())))
}

func TestSetup_File(t *testing.T) {
	restore(t)
	path := filepath.Join(t.TempDir(), "writeback.log")
	var buf bytes.Buffer

	c, err := setup(Config{File: path, MaxSizeMB: 1}, &buf)
	require.NoError(t, err)

	log.Info().Msg("to both")
	require.NoError(t, c.Close())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), "to both")
	assert.Contains(t, buf.String(), "to both")
}

func TestSetup_Invalid(t *testing.T) {
	restore(t)

	_, err := setup(Config{Level: "loud"}, &bytes.Buffer{})
	assert.Error(t, err)

	_, err = setup(Config{Format: "xml"}, &bytes.Buffer{})
	assert.Error(t, err)
}
