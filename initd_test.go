package initd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFacadeSettingsAndInittab(t *testing.T) {
	dir := t.TempDir()
	tab := filepath.Join(dir, "inittab")
	require.NoError(t, os.WriteFile(tab, []byte("3 /usr/sbin/syslogd - 0 0\n"), 0o644))

	decls, err := ParseInittab(tab, nil)
	require.NoError(t, err)
	require.Len(t, decls, 1)
	assert.Equal(t, "/usr/sbin/syslogd", decls[0].Command)

	s := DefaultSettings()
	assert.Equal(t, "/etc/inittab", s.Inittab)
}

func TestFacadeSupervisorConstruction(t *testing.T) {
	s := DefaultSettings()
	s.AuditLog = filepath.Join(t.TempDir(), "init.log")
	sup := New(Options{Settings: s})
	require.NotNil(t, sup)
	assert.Equal(t, s.MaxProcesses, sup.Registry().Capacity())
}

func TestFacadeAuditLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "init.log")
	l := NewAuditLog(path, 0)
	l.Emit("INFO", "hello")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello")
}
