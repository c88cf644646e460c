package auditlog

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "init.log")
	l := New(path)

	l.Emit(LevelInfo, "Starting init...")
	l.Emit(LevelWarn, "something odd")
	l.Emit(LevelError, "something bad")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "[INFO] "))
	assert.True(t, strings.HasSuffix(lines[0], " Starting init..."))
	assert.True(t, strings.HasPrefix(lines[1], "[WARN] "))
	assert.True(t, strings.HasPrefix(lines[2], "[ERROR] "))
	assert.False(t, l.Degraded())
}

func TestRotation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "init.log")
	l := New(path, WithMaxSize(1024))

	// Each record is 72 bytes; push well past 5000 bytes total.
	msg := strings.Repeat("x", 40)
	for i := 0; i < 100; i++ {
		l.Emit(LevelInfo, msg)
	}
	require.False(t, l.Degraded())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var rotated []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "init.log.") {
			rotated = append(rotated, e.Name())
		}
	}
	assert.GreaterOrEqual(t, len(rotated), 4, "expected at least 4 rotated files")

	// rotation suffixes are strictly increasing
	sort.Strings(rotated)
	for i := 1; i < len(rotated); i++ {
		assert.Less(t, rotated[i-1], rotated[i])
	}

	// the active file never exceeds threshold + one record
	st, err := os.Stat(path)
	require.NoError(t, err)
	assert.Less(t, st.Size(), int64(1024+128))

	// no rotated file holds a partial record
	for _, name := range rotated {
		data, err := os.ReadFile(filepath.Join(dir, name))
		require.NoError(t, err)
		assert.True(t, strings.HasSuffix(string(data), "\n"))
	}
}

func TestDegradedOnUnwritablePath(t *testing.T) {
	l := New(filepath.Join(t.TempDir(), "no", "such", "dir", "init.log"))
	l.Emit(LevelInfo, "hello")
	assert.True(t, l.Degraded())
}

func TestEmitNeverPanics(t *testing.T) {
	l := New("")
	assert.NotPanics(t, func() { l.Emit(LevelError, "into the void") })
}
