package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHelpersNoOpBeforeRegister(t *testing.T) {
	// must not panic without registration
	IncStart("/bin/a")
	IncRestart("/bin/a")
	IncExit("/bin/a")
	RecordStateTransition("/bin/a", "running", "exited")
	SetRunningServices(3)
	SetRunlevel(2)
	IncDroppedEvent()
}

func TestRegisterIsIdempotent(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, Register(reg))
	require.NoError(t, Register(reg))

	IncStart("/bin/a")
	IncExit("/bin/a")
	SetRunlevel(4)

	mfs, err := reg.Gather()
	require.NoError(t, err)
	names := make(map[string]bool, len(mfs))
	for _, mf := range mfs {
		names[mf.GetName()] = true
	}
	assert.True(t, names["initd_service_starts_total"])
	assert.True(t, names["initd_service_exits_total"])
	assert.True(t, names["initd_supervisor_runlevel"])
}

func TestHandler(t *testing.T) {
	assert.NotNil(t, Handler())
}
