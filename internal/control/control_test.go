package control

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/initd/internal/events"
)

func TestParseRequest(t *testing.T) {
	cases := []struct {
		line    string
		want    Request
		wantErr bool
	}{
		{"switch 3", Request{Verb: VerbSwitch, Level: 3}, false},
		{"switch 0\n", Request{Verb: VerbSwitch, Level: 0}, false},
		{"start /usr/sbin/sshd", Request{Verb: VerbStart, Name: "/usr/sbin/sshd"}, false},
		{"stop /usr/sbin/sshd", Request{Verb: VerbStop, Name: "/usr/sbin/sshd"}, false},
		{"status /usr/sbin/sshd", Request{Verb: VerbStatus, Name: "/usr/sbin/sshd"}, false},
		{"switch x", Request{}, true},
		{"switch", Request{}, true},
		{"frob it", Request{}, true},
		{"", Request{}, true},
		{"status a b", Request{}, true},
	}
	for _, c := range cases {
		got, err := ParseRequest(c.line)
		if c.wantErr {
			assert.Error(t, err, c.line)
			continue
		}
		require.NoError(t, err, c.line)
		assert.Equal(t, c.want, got, c.line)
	}
}

func TestFormatRequestRoundTrip(t *testing.T) {
	for _, req := range []Request{
		{Verb: VerbSwitch, Level: 4},
		{Verb: VerbStart, Name: "/bin/x"},
		{Verb: VerbStatus, Name: "/bin/y"},
	} {
		got, err := ParseRequest(FormatRequest(req))
		require.NoError(t, err)
		assert.Equal(t, req, got)
	}
}

// loopStub answers enqueued events the way the supervisor loop would.
func loopStub(t *testing.T, known map[string]bool) func(events.Event) bool {
	t.Helper()
	return func(ev events.Event) bool {
		go func() {
			switch e := ev.(type) {
			case events.RunlevelSwitch:
				if e.Level < 0 || e.Level >= 6 {
					e.Reply <- errors.New("invalid runlevel")
				} else {
					e.Reply <- nil
				}
			case events.ManageStart:
				if _, ok := known[e.Name]; ok {
					e.Reply <- nil
				} else {
					e.Reply <- errors.New("unknown service")
				}
			case events.ManageStop:
				e.Reply <- nil
			case events.ManageStatus:
				running, ok := known[e.Name]
				e.Reply <- events.StatusReply{Found: ok, Running: running}
			}
		}()
		return true
	}
}

func TestServerRoundTrip(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "init.ctl")
	srv := NewServer(sock, loopStub(t, map[string]bool{
		"/bin/up":   true,
		"/bin/down": false,
	}), nil)
	require.NoError(t, srv.Start(context.Background()))
	defer srv.Stop()

	cases := []struct {
		req  Request
		want string
	}{
		{Request{Verb: VerbSwitch, Level: 3}, RespOK},
		{Request{Verb: VerbSwitch, Level: 9}, "err invalid runlevel"},
		{Request{Verb: VerbStatus, Name: "/bin/up"}, RespRunning},
		{Request{Verb: VerbStatus, Name: "/bin/down"}, RespStopped},
		{Request{Verb: VerbStatus, Name: "/bin/ghost"}, RespNotFound},
		{Request{Verb: VerbStart, Name: "/bin/up"}, RespOK},
		{Request{Verb: VerbStart, Name: "/bin/ghost"}, "err unknown service"},
		{Request{Verb: VerbStop, Name: "/bin/up"}, RespOK},
	}
	for _, c := range cases {
		resp, err := Send(sock, c.req, 5*time.Second)
		require.NoError(t, err)
		assert.Equal(t, c.want, resp, FormatRequest(c.req))
	}
}

func TestServerRejectsMalformedLine(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "init.ctl")
	srv := NewServer(sock, loopStub(t, nil), nil)
	require.NoError(t, srv.Start(context.Background()))
	defer srv.Stop()

	resp, err := Send(sock, Request{Verb: VerbStart, Name: "too many words"}, 5*time.Second)
	require.NoError(t, err)
	assert.Contains(t, resp, "err")
}

func TestServerRemovesStaleSocket(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "init.ctl")
	srv1 := NewServer(sock, loopStub(t, nil), nil)
	require.NoError(t, srv1.Start(context.Background()))
	srv1.Stop()

	srv2 := NewServer(sock, loopStub(t, nil), nil)
	require.NoError(t, srv2.Start(context.Background()))
	srv2.Stop()
}
