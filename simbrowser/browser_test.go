package simbrowser

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liuxd6825/browser-harness/driver"
	"github.com/liuxd6825/browser-harness/eventloop"
	"github.com/liuxd6825/browser-harness/flow"
)

const testPage = `<html>
<head><title>Fixture</title></head>
<body>
  <div id="main">
    <ul>
      <li class="item">one</li>
      <li class="item" hidden>two</li>
      <li class="item" style="display: none">three</li>
      <li class="dup">a</li>
      <li class="dup">b</li>
    </ul>
    <input type="hidden" name="token" value="x">
    <p class="ghost" style="visibility:hidden">boo</p>
    <section style="display:none"><span class="nested">deep</span></section>
  </div>
</body>
</html>`

func newTestSession(t *testing.T, opts ...Option) (*Browser, *driver.Driver, *eventloop.EventLoop) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	b := New(opts...)
	b.AddPage("http://test/page", testPage)
	loop := eventloop.New()
	d := driver.New(b, loop, driver.WithContext(ctx))
	return b, d, loop
}

func run(t *testing.T, loop *eventloop.EventLoop, fn func(ctx context.Context) error) {
	t.Helper()
	require.NoError(t, flow.Run(context.Background(), loop, fn))
}

func TestExecArithmetic(t *testing.T) {
	t.Parallel()

	_, d, loop := newTestSession(t)
	run(t, loop, func(ctx context.Context) error {
		v, err := d.Exec(ctx, driver.Call{Func: "function(){ return 1+1; }"}, nil)
		require.NoError(t, err)
		assert.Equal(t, float64(2), v.Scalar())

		v, err = d.Exec(ctx, driver.Call{Func: "function(args){ return args.a + args.b; }", Args: map[string]int{"a": 2, "b": 3}}, nil)
		require.NoError(t, err)
		assert.Equal(t, float64(5), v.Scalar())

		v, err = d.Exec(ctx, driver.Call{Func: "function(){}"}, nil)
		require.NoError(t, err)
		assert.Equal(t, driver.KindUndefined, v.Kind())
		return nil
	})
}

func TestExecThrows(t *testing.T) {
	t.Parallel()

	_, d, loop := newTestSession(t)
	run(t, loop, func(ctx context.Context) error {
		_, err := d.Exec(ctx, driver.Call{Func: "function(){ throw new Error('kaput'); }"}, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "kaput")
		assert.False(t, driver.IsExecTimeout(err))

		_, err = d.Exec(ctx, driver.Call{Func: "function(){ return $('li[', null); }"}, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid selector")
		return nil
	})
}

func TestExecTimeoutWithLatency(t *testing.T) {
	t.Parallel()

	_, d, loop := newTestSession(t, WithLatency(50*time.Millisecond))
	run(t, loop, func(ctx context.Context) error {
		_, err := d.Exec(ctx, driver.Call{Func: "function(){ return 1; }", Timeout: 5 * time.Millisecond}, nil)
		assert.True(t, driver.IsExecTimeout(err))
		return nil
	})
}

func TestFindElements(t *testing.T) {
	t.Parallel()

	_, d, loop := newTestSession(t)
	run(t, loop, func(ctx context.Context) error {
		require.NoError(t, d.SetURL(ctx, "http://test/page", nil))

		_, err := d.FindElement(ctx, driver.FindOptions{Selector: "#missing", Timeout: 30 * time.Millisecond}, nil)
		assert.EqualError(t, err, `Element "#missing" not found (timeout: 30)`)

		_, err = d.FindElement(ctx, driver.FindOptions{Selector: ".dup", Timeout: 30 * time.Millisecond}, nil)
		assert.EqualError(t, err, `Element ".dup" found, but there were too many instances (2)`)

		els, err := d.FindElements(ctx, driver.FindOptions{Selector: ".item"}, nil)
		require.NoError(t, err)
		assert.Equal(t, 3, els.Len())

		main, err := d.FindElement(ctx, driver.FindOptions{Selector: "#main"}, nil)
		require.NoError(t, err)
		dups, err := d.FindElements(ctx, driver.FindOptions{Selector: "li.dup", Context: main}, nil)
		require.NoError(t, err)
		assert.Equal(t, 2, dups.Len())

		v, err := dups.Exec(ctx, "function(args){ return $.text(args.elements); }", nil, nil)
		require.NoError(t, err)
		assert.Equal(t, "ab", v.Scalar())

		v, err = d.Exec(ctx, driver.Call{Func: "function(){ return document.title; }"}, nil)
		require.NoError(t, err)
		assert.Equal(t, "Fixture", v.Scalar())
		return nil
	})
}

func TestFindVisible(t *testing.T) {
	t.Parallel()

	_, d, loop := newTestSession(t)
	run(t, loop, func(ctx context.Context) error {
		require.NoError(t, d.SetURL(ctx, "http://test/page", nil))

		els, err := d.FindVisible(ctx, driver.FindOptions{Selector: ".item"}, nil)
		require.NoError(t, err)
		v, err := els.Exec(ctx, "function(args){ return $.text(args.elements); }", nil, nil)
		require.NoError(t, err)
		assert.Equal(t, "one", v.Scalar())

		for _, sel := range []string{"input[name=token]", ".ghost", ".nested"} {
			_, err = d.FindVisible(ctx, driver.FindOptions{Selector: sel, Timeout: 20 * time.Millisecond}, nil)
			assert.ErrorIs(t, err, driver.ErrElementNotVisible, sel)
		}

		_, err = d.FindVisible(ctx, driver.FindOptions{Selector: ".dup"}, nil)
		assert.ErrorIs(t, err, driver.ErrElementVisibilityAmbiguous)

		els, err = d.FindVisibles(ctx, driver.FindOptions{Selector: "li"}, nil)
		require.NoError(t, err)
		assert.Equal(t, 3, els.Len())
		return nil
	})
}

func TestWaitForMutation(t *testing.T) {
	t.Parallel()

	b, d, loop := newTestSession(t)
	run(t, loop, func(ctx context.Context) error {
		require.NoError(t, d.SetURL(ctx, "http://test/page", nil))

		time.AfterFunc(20*time.Millisecond, func() {
			_ = b.Mutate(MainWindow, func(doc *goquery.Document) {
				doc.Find("li[hidden]").RemoveAttr("hidden")
			})
		})
		err := d.WaitFor(ctx, driver.WaitForOptions{
			Condition: "function(){ return $.filterVisible($('.item')).elements.length == 2; }",
			InBrowser: true,
			Timeout:   time.Second,
		}, nil)
		require.NoError(t, err)

		els, err := d.FindVisibles(ctx, driver.FindOptions{Selector: ".item"}, nil)
		require.NoError(t, err)
		assert.Equal(t, 2, els.Len())
		return nil
	})
}

func TestStaleElements(t *testing.T) {
	t.Parallel()

	b, d, loop := newTestSession(t)
	b.AddPage("http://test/other", "<html><body><p>other</p></body></html>")
	run(t, loop, func(ctx context.Context) error {
		require.NoError(t, d.SetURL(ctx, "http://test/page", nil))
		els, err := d.FindElement(ctx, driver.FindOptions{Selector: "#main"}, nil)
		require.NoError(t, err)

		require.NoError(t, d.SetURL(ctx, "http://test/other", nil))
		_, err = els.FilterVisible(ctx, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "does not belong to the current page")
		return nil
	})
}

func TestConsole(t *testing.T) {
	t.Parallel()

	var (
		mu   sync.Mutex
		seen []string
	)
	_, d, loop := newTestSession(t, WithConsole(func(kind, text string) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, kind+":"+text)
	}))
	run(t, loop, func(ctx context.Context) error {
		_, err := d.Exec(ctx, driver.Call{Func: "function(){ console.log('a', 1); console.warn('b'); console.error('c'); }"}, nil)
		return err
	})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"log:a 1", "warn:b", "error:c"}, seen)
}

func TestPopups(t *testing.T) {
	t.Parallel()

	b, d, loop := newTestSession(t)
	b.AddPage("http://test/popup", `<html><body><button id="ok">OK</button></body></html>`)
	run(t, loop, func(ctx context.Context) error {
		w, err := d.GetLastPopupWindow(ctx, nil)
		require.NoError(t, err)
		assert.Nil(t, w)

		v, err := d.Exec(ctx, driver.Call{Func: "function(){ return window.open('http://test/popup'); }"}, nil)
		require.NoError(t, err)

		w, err = d.GetLastPopupWindow(ctx, nil)
		require.NoError(t, err)
		require.NotNil(t, w)
		assert.Equal(t, v.Scalar(), w.ID)

		d.SetFocusedWindow(w.ID)
		_, err = d.FindElement(ctx, driver.FindOptions{Selector: "#ok"}, nil)
		require.NoError(t, err)

		open, err := d.IsWindowOpen(ctx, w, nil)
		require.NoError(t, err)
		assert.True(t, open)

		b.CloseWindow(w.ID)
		open, err = d.IsWindowOpen(ctx, w, nil)
		require.NoError(t, err)
		assert.False(t, open)

		_, err = d.Exec(ctx, driver.Call{Func: "function(){ return 1; }"}, nil)
		assert.ErrorIs(t, err, ErrWindowClosed)

		d.SetFocusedWindow(MainWindow)
		require.NoError(t, d.ClearLastPopupWindow(ctx, nil))
		w, err = d.GetLastPopupWindow(ctx, nil)
		require.NoError(t, err)
		assert.Nil(t, w)
		return nil
	})
}

func TestSetURLOverHTTP(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/served" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`<html><body><h1 class="title">served</h1></body></html>`))
	}))
	defer srv.Close()

	_, d, loop := newTestSession(t, WithHTTPClient(srv.Client()))
	run(t, loop, func(ctx context.Context) error {
		require.NoError(t, d.SetURL(ctx, srv.URL+"/served", nil))
		els, err := d.FindElement(ctx, driver.FindOptions{Selector: "h1.title"}, nil)
		require.NoError(t, err)
		v, err := els.Exec(ctx, "function(args){ return $.text(args.elements); }", nil, nil)
		require.NoError(t, err)
		assert.Equal(t, "served", v.Scalar())

		v, err = d.Exec(ctx, driver.Call{Func: "function(){ return window.location.href; }"}, nil)
		require.NoError(t, err)
		assert.Equal(t, srv.URL+"/served", v.Scalar())

		err = d.SetURL(ctx, srv.URL+"/missing", nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "404")
		return nil
	})
}

func TestReuseBrowser(t *testing.T) {
	t.Parallel()

	b, d, loop := newTestSession(t)
	run(t, loop, func(ctx context.Context) error {
		require.NoError(t, d.SetURL(ctx, "http://test/page", nil))
		return nil
	})

	d.ReuseBrowser("http://h/harness.html", "ws://s/ws")
	assert.Equal(t, "http://h/harness.html?server=ws%3A%2F%2Fs%2Fws", b.HarnessURL())

	run(t, loop, func(ctx context.Context) error {
		_, err := d.FindElement(ctx, driver.FindOptions{Selector: "#main", Timeout: 10 * time.Millisecond}, nil)
		assert.ErrorIs(t, err, driver.ErrElementNotFound)
		return nil
	})
}

func TestExecResultMarkers(t *testing.T) {
	t.Parallel()

	b := New()
	b.AddPage("p", testPage)
	done := make(chan struct{})
	b.SetURL("p", func(err error) {
		assert.NoError(t, err)
		close(done)
	})
	<-done

	res := make(chan json.RawMessage, 1)
	b.Exec(driver.CallDescriptor{Func: "function(){ return $('.dup'); }"}, func(raw json.RawMessage, err error) {
		assert.NoError(t, err)
		res <- raw
	})
	assert.JSONEq(t, `{"isElementArray":true,"elements":[{"isElementProxy":true,"id":1},{"isElementProxy":true,"id":2}]}`, string(<-res))
}
