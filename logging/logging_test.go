package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithDefaults(t *testing.T) {
	cfg := Config{}.WithDefaults()
	assert.Equal(t, DefaultLevel, cfg.Level)
	assert.Equal(t, FormatConsole, cfg.Format)
	assert.Equal(t, DefaultMaxSizeMB, cfg.MaxSizeMB)
	assert.Equal(t, DefaultMaxBackups, cfg.MaxBackups)
	assert.Equal(t, DefaultMaxAgeDays, cfg.MaxAgeDays)

	cfg = Config{Level: "debug", Format: FormatJSON, MaxSizeMB: 1}.WithDefaults()
	assert.Equal(t, "debug", cfg.Level)
	assert.Equal(t, FormatJSON, cfg.Format)
	assert.Equal(t, 1, cfg.MaxSizeMB)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"empty", Config{}, false},
		{"json", Config{Level: "warn", Format: "json"}, false},
		{"upper case", Config{Level: "DEBUG", Format: "Console"}, false},
		{"bad level", Config{Level: "loud"}, true},
		{"bad format", Config{Format: "xml"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNew_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger, closer, err := New(Config{Level: "info", Format: FormatJSON}, &buf)
	require.NoError(t, err)
	defer closer.Close()

	logger.Debug().Msg("hidden")
	logger.Info().Str("field", "Sig1").Msg("signature embedded")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	assert.Equal(t, "info", rec["level"])
	assert.Equal(t, "Sig1", rec["field"])
	assert.Equal(t, "signature embedded", rec["message"])
	assert.Contains(t, rec, "time")
}

func TestNew_Console(t *testing.T) {
	var buf bytes.Buffer
	logger, closer, err := New(Config{Level: "debug"}, &buf)
	require.NoError(t, err)
	defer closer.Close()

	logger.Debug().Msg("placeholder written")
	assert.Contains(t, buf.String(), "placeholder written")
	assert.Contains(t, buf.String(), "DBG")
}

func TestNew_File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "logs", "signpdfkit.log")
	var buf bytes.Buffer
	logger, closer, err := New(Config{Format: FormatJSON, File: path}, &buf)
	require.NoError(t, err)

	logger.Warn().Msg("dss unchanged")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "dss unchanged")
	assert.Contains(t, buf.String(), "dss unchanged")
}

func TestNew_InvalidLevel(t *testing.T) {
	logger, closer, err := New(Config{Level: "verbose"}, nil)
	require.Error(t, err)
	assert.Nil(t, closer)
	assert.Equal(t, zerolog.Disabled, logger.GetLevel())
}
