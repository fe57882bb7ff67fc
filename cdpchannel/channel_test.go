package cdpchannel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/chromedp/cdproto/runtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liuxd6825/browser-harness/driver"
	"github.com/liuxd6825/browser-harness/eventloop"
	"github.com/liuxd6825/browser-harness/flow"
)

func TestConsoleText(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name string
		args []*runtime.RemoteObject
		want string
	}{
		{
			name: "strings are unquoted",
			args: []*runtime.RemoteObject{{Value: []byte(`"hello"`)}, {Value: []byte(`"world"`)}},
			want: "hello world",
		},
		{
			name: "numbers stay as sent",
			args: []*runtime.RemoteObject{{Value: []byte(`"n ="`)}, {Value: []byte(`42`)}},
			want: "n = 42",
		},
		{
			name: "objects fall back to their description",
			args: []*runtime.RemoteObject{{Description: "HTMLDivElement"}, nil},
			want: "HTMLDivElement",
		},
		{
			name: "no arguments",
			want: "",
		},
	}
	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, consoleText(tc.args))
		})
	}
}

// requireChrome skips unless a Chrome binary is installed or a remote one is
// given through BROWSER_HARNESS_CDP_URL.
func requireChrome(t *testing.T) []Option {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping Chrome test in short mode")
	}
	if u := os.Getenv("BROWSER_HARNESS_CDP_URL"); u != "" {
		return []Option{WithRemoteURL(u)}
	}
	for _, name := range []string{"headless-shell", "chromium", "chromium-browser", "google-chrome", "google-chrome-stable"} {
		if _, err := exec.LookPath(name); err == nil {
			return nil
		}
	}
	t.Skip("chrome is not installed")
	return nil
}

const testPage = `<html><body>
<div class="item">one</div>
<div class="item" style="display:none">two</div>
<a id="open" href="#" onclick="window.open('/popup'); return false;">open</a>
</body></html>`

func TestChannelDrivesChrome(t *testing.T) {
	t.Parallel()

	opts := requireChrome(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		if r.URL.Path == "/popup" {
			_, _ = fmt.Fprint(w, "<html><body><p>popup</p></body></html>")
			return
		}
		_, _ = fmt.Fprint(w, testPage)
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	t.Cleanup(cancel)

	var (
		mu      sync.Mutex
		console []string
	)
	opts = append(opts, WithConsole(func(kind, text string) {
		mu.Lock()
		defer mu.Unlock()
		console = append(console, kind+":"+text)
	}))
	ch, err := New(ctx, opts...)
	require.NoError(t, err)
	t.Cleanup(ch.Close)

	loop := eventloop.New()
	d := driver.New(ch, loop, driver.WithContext(ctx))

	err = flow.Run(ctx, loop, func(ctx context.Context) error {
		require.NoError(t, d.SetURL(ctx, srv.URL, nil))

		v, err := d.Exec(ctx, driver.Call{Func: "function(args){ return args.a * 2; }", Args: map[string]int{"a": 21}}, nil)
		require.NoError(t, err)
		assert.Equal(t, float64(42), v.Scalar())

		v, err = d.Exec(ctx, driver.Call{Func: "function(){ console.warn('careful'); }"}, nil)
		require.NoError(t, err)
		assert.Equal(t, driver.KindUndefined, v.Kind())

		items, err := d.FindElements(ctx, driver.FindOptions{Selector: ".item"}, nil)
		require.NoError(t, err)
		assert.Equal(t, 2, items.Len())

		visible, err := d.FindVisible(ctx, driver.FindOptions{Selector: ".item"}, nil)
		require.NoError(t, err)
		assert.Equal(t, 1, visible.Len())

		_, err = d.FindElement(ctx, driver.FindOptions{Selector: "#missing", Timeout: 100 * time.Millisecond}, nil)
		require.ErrorIs(t, err, driver.ErrElementNotFound)

		_, err = d.Exec(ctx, driver.Call{Func: "function(){ document.getElementById('open').click(); }"}, nil)
		require.NoError(t, err)
		require.NoError(t, d.WaitFor(ctx, driver.WaitForOptions{
			Condition: func(cb driver.ConditionCallback) {
				ch.GetLastPopupWindow(func(w *driver.WindowInfo, err error) { cb(w != nil, err) })
			},
			Timeout: 5 * time.Second,
		}, nil))

		w, err := d.GetLastPopupWindow(ctx, nil)
		require.NoError(t, err)
		require.NotNil(t, w)
		open, err := d.IsWindowOpen(ctx, w, nil)
		require.NoError(t, err)
		assert.True(t, open)

		require.NoError(t, d.ClearLastPopupWindow(ctx, nil))
		w, err = d.GetLastPopupWindow(ctx, nil)
		require.NoError(t, err)
		assert.Nil(t, w)
		return nil
	})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, console, "warn:careful")
}

func TestUnknownWindow(t *testing.T) {
	t.Parallel()

	c := &Channel{tabs: map[string]context.Context{}}
	done := make(chan error, 1)
	c.Exec(driver.CallDescriptor{Func: "function(){}", FocusedWindow: "nope"}, func(_ json.RawMessage, err error) {
		done <- err
	})
	assert.ErrorIs(t, <-done, ErrWindowClosed)

	open := make(chan bool, 1)
	c.IsWindowOpen("nope", func(ok bool, _ error) { open <- ok })
	assert.False(t, <-open)
}
