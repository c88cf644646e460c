package cgroup

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newFakeRoot builds a cgroup tree the controller can write into.
func newFakeRoot(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	for _, dir := range []string{"memory/my_cgroup", "cpu/my_cgroup"} {
		require.NoError(t, os.MkdirAll(filepath.Join(root, dir), 0o755))
	}
	for _, f := range []string{
		"memory/my_cgroup/memory.limit_in_bytes",
		"memory/my_cgroup/cgroup.procs",
		"cpu/my_cgroup/cpu.cfs_quota_us",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(root, f), nil, 0o644))
	}
	return root
}

func TestApplyWritesLimits(t *testing.T) {
	root := newFakeRoot(t)
	c := New(root, "my_cgroup", false, nil)

	require.NoError(t, c.Apply(1234, 67108864, 20))

	mem, err := os.ReadFile(c.MemoryLimitPath())
	require.NoError(t, err)
	assert.Equal(t, "67108864", string(mem))

	cpu, err := os.ReadFile(c.CPUQuotaPath())
	require.NoError(t, err)
	assert.Equal(t, "200000", string(cpu), "20 percent must become 200000 us per 100 ms period")

	procs, err := os.ReadFile(c.ProcsPath())
	require.NoError(t, err)
	assert.Equal(t, "1234", string(procs))
}

func TestApplyZeroMeansNoCap(t *testing.T) {
	root := newFakeRoot(t)
	c := New(root, "my_cgroup", false, nil)

	require.NoError(t, c.Apply(99, 0, 0))

	mem, err := os.ReadFile(c.MemoryLimitPath())
	require.NoError(t, err)
	assert.Empty(t, string(mem))

	cpu, err := os.ReadFile(c.CPUQuotaPath())
	require.NoError(t, err)
	assert.Empty(t, string(cpu))

	// membership is always recorded
	procs, err := os.ReadFile(c.ProcsPath())
	require.NoError(t, err)
	assert.Equal(t, "99", string(procs))
}

func TestApplyBestEffortOnMissingCgroup(t *testing.T) {
	c := New(filepath.Join(t.TempDir(), "absent"), "my_cgroup", false, nil)
	assert.NoError(t, c.Apply(1, 1024, 10), "permissive mode must not fail boot")
}

func TestApplyStrictPropagatesFailure(t *testing.T) {
	c := New(filepath.Join(t.TempDir(), "absent"), "my_cgroup", true, nil)
	assert.Error(t, c.Apply(1, 1024, 10))
}
