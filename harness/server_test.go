package harness

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liuxd6825/browser-harness/config"
	"github.com/liuxd6825/browser-harness/driver"
	"github.com/liuxd6825/browser-harness/rpc"
	"github.com/liuxd6825/browser-harness/simbrowser"
)

const page = `<html><body>
<div id="list"><span class="row">1</span><span class="row" style="display:none">2</span></div>
</body></html>`

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	cfg := config.NewConfig()
	cfg.TimeoutMS.Int64 = 500
	s := NewServer(ctx, WithConfig(cfg))
	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)
	return s, srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + WebSocketPath
}

func connectSim(t *testing.T, srv *httptest.Server) (*simbrowser.Browser, *rpc.Conn) {
	t.Helper()

	var b *simbrowser.Browser
	conn, err := Connect(context.Background(), wsURL(srv), nil, func(c *rpc.Conn) driver.Channel {
		b = simbrowser.New(simbrowser.WithConsole(rpc.ConsoleForwarder(c)))
		b.AddPage("http://test/", page)
		return b
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return b, conn
}

func nextEvent(t *testing.T, ch chan driver.Event) driver.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("event not received")
		return driver.Event{}
	}
}

func TestSessionLifecycle(t *testing.T) {
	t.Parallel()

	s, srv := newTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ready := make(chan driver.Event, 1)
	closed := make(chan driver.Event, 1)
	s.On(ctx, []string{EventReady}, ready)
	s.On(ctx, []string{EventSessionClose}, closed)

	_, conn := connectSim(t, srv)

	sess, ok := nextEvent(t, ready).Data.(*Session)
	require.True(t, ok)
	assert.NotEmpty(t, sess.ID())
	assert.Same(t, sess, s.Session(sess.ID()))
	assert.Len(t, s.Sessions(), 1)

	require.NoError(t, conn.Close())
	ev := nextEvent(t, closed)
	assert.Same(t, sess, ev.Data)
	assert.Nil(t, s.Session(sess.ID()))
	assert.Empty(t, s.Sessions())
}

func TestSessionDrivesBrowser(t *testing.T) {
	t.Parallel()

	s, srv := newTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ready := make(chan driver.Event, 1)
	s.On(ctx, []string{EventReady}, ready)

	connectSim(t, srv)
	sess := nextEvent(t, ready).Data.(*Session)

	logs := make(chan driver.Event, 1)
	sess.Driver().Events().On(ctx, []string{driver.EventConsoleError}, logs)

	err := sess.Run(ctx, func(ctx context.Context, d *driver.Driver) error {
		if err := d.SetURL(ctx, "http://test/", nil); err != nil {
			return err
		}
		rows, err := d.FindVisibles(ctx, driver.FindOptions{Selector: ".row"}, nil)
		if err != nil {
			return err
		}
		assert.Equal(t, 1, rows.Len())

		_, err = d.FindElement(ctx, driver.FindOptions{Selector: "#nothing"}, nil)
		assert.EqualError(t, err, `Element "#nothing" not found (timeout: 500)`)

		_, err = d.Exec(ctx, driver.Call{Func: "function(){ console.error('bad', 'news'); }"}, nil)
		return err
	})
	require.NoError(t, err)

	ev := nextEvent(t, logs)
	assert.Equal(t, driver.EventConsoleError, ev.Type)
	assert.Equal(t, "bad news", ev.Data)

	require.NoError(t, sess.Close())
	select {
	case <-sess.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session not closed")
	}
}

func TestWaitReady(t *testing.T) {
	t.Parallel()

	s, srv := newTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got := make(chan *Session, 1)
	go func() {
		sess, err := s.WaitReady(ctx)
		assert.NoError(t, err)
		got <- sess
	}()

	// Keep connecting until the waiter has subscribed and seen a session.
	for {
		connectSim(t, srv)
		select {
		case sess := <-got:
			require.NotNil(t, sess)
			return
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func TestWaitReadyCanceled(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := s.WaitReady(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStaticFiles(t *testing.T) {
	t.Parallel()

	_, srv := newTestServer(t)

	tests := []struct {
		path string
		want string
	}{
		{"/", `id="harness-frame"`},
		{"/harness.js", "notify('setup')"},
		{"/helpers.js", "installHarnessHelpers"},
	}
	for _, tt := range tests {
		res, err := srv.Client().Get(srv.URL + tt.path)
		require.NoError(t, err)
		body, err := io.ReadAll(res.Body)
		_ = res.Body.Close()
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, res.StatusCode, tt.path)
		assert.Contains(t, string(body), tt.want, tt.path)
	}

	res, err := srv.Client().Get(srv.URL + WebSocketPath)
	require.NoError(t, err)
	_ = res.Body.Close()
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}
