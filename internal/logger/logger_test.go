package logger

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
		" DEBUG ": slog.LevelDebug,
	}
	for in, want := range cases {
		assert.Equal(t, want, parseLevel(in), in)
	}
}

func TestNewDefault(t *testing.T) {
	log := New(Config{})
	require.NotNil(t, log)
	log.Info("console only")
}

func TestNewWithFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "initd.log")
	log := New(Config{File: path, Level: "debug"})
	log.Debug("to file and stderr")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "to file and stderr")
}

func TestValOr(t *testing.T) {
	assert.Equal(t, 10, valOr(0, 10))
	assert.Equal(t, 10, valOr(-1, 10))
	assert.Equal(t, 5, valOr(5, 10))
}
