/*
 *
 * browser-harness - a browser automation driver for tests
 * Copyright (C) 2021 Load Impact
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as
 * published by the Free Software Foundation, either version 3 of the
 * License, or (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

// Package simbrowser is an in-process browser for driving the harness without
// Chrome. Every window owns a JavaScript runtime bound to an HTML document, so
// function source sent through the RPC channel runs against a real DOM.
package simbrowser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/liuxd6825/browser-harness/driver"
	"github.com/liuxd6825/browser-harness/log"
)

// MainWindow is the id of the window the harness page loads pages into.
const MainWindow = "main"

// Console message kinds passed to the console hook.
const (
	ConsoleLog   = "log"
	ConsoleWarn  = "warn"
	ConsoleError = "error"
)

var _ driver.Channel = &Browser{}

// ErrWindowClosed is returned for calls addressed to a window that is not
// open.
var ErrWindowClosed = errors.New("window is not open")

// Browser is a set of windows answering driver calls. It implements
// driver.Channel; every answer is delivered from a separate goroutine.
type Browser struct {
	mu         sync.Mutex
	windows    map[string]*window
	pages      map[string]string
	lastPopup  string
	harnessURL string
	nextPopup  int

	client  *http.Client
	latency time.Duration
	console func(kind, text string)
	logger  *log.Logger
}

// Option configures a Browser.
type Option func(*Browser)

// WithLatency delays every answer by d.
func WithLatency(d time.Duration) Option {
	return func(b *Browser) {
		b.latency = d
	}
}

// WithConsole receives the console output of every window.
func WithConsole(fn func(kind, text string)) Option {
	return func(b *Browser) {
		b.console = fn
	}
}

// WithHTTPClient sets the client used to fetch pages that were not added
// with AddPage.
func WithHTTPClient(c *http.Client) Option {
	return func(b *Browser) {
		b.client = c
	}
}

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(b *Browser) {
		b.logger = l
	}
}

// New returns a browser with an empty main window.
func New(opts ...Option) *Browser {
	b := &Browser{
		windows: make(map[string]*window),
		pages:   make(map[string]string),
		client:  http.DefaultClient,
		logger:  log.NewNullLogger(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.windows[MainWindow] = newWindow(b, MainWindow, "about:blank", emptyDocument())
	return b
}

func emptyDocument() *goquery.Document {
	doc, _ := goquery.NewDocumentFromReader(strings.NewReader("<html><head></head><body></body></html>"))
	return doc
}

// AddPage serves html for url without going through the network.
func (b *Browser) AddPage(url, html string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pages[url] = html
}

// HarnessURL returns the URL the last ReuseBrowser call asked to load.
func (b *Browser) HarnessURL() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.harnessURL
}

// Mutate runs fn against the live document of a window.
func (b *Browser) Mutate(windowID string, fn func(doc *goquery.Document)) error {
	w, err := b.window(windowID)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	fn(w.doc)
	return nil
}

// OpenPopup opens url in a new window and remembers it as the last popup.
func (b *Browser) OpenPopup(url string) (string, error) {
	doc, err := b.load(context.Background(), url)
	if err != nil {
		return "", err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextPopup++
	id := "popup-" + strconv.Itoa(b.nextPopup)
	b.windows[id] = newWindow(b, id, url, doc)
	b.lastPopup = id
	b.logger.Debugf("SimBrowser:OpenPopup", "id:%q url:%q", id, url)
	return id, nil
}

// CloseWindow closes a popup. The main window can not be closed.
func (b *Browser) CloseWindow(id string) {
	if id == MainWindow {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.windows, id)
}

func (b *Browser) window(id string) (*window, error) {
	if id == "" {
		id = MainWindow
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	w, ok := b.windows[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrWindowClosed, id)
	}
	return w, nil
}

func (b *Browser) load(ctx context.Context, url string) (*goquery.Document, error) {
	b.mu.Lock()
	html, ok := b.pages[url]
	b.mu.Unlock()
	if ok {
		return goquery.NewDocumentFromReader(strings.NewReader(html))
	}
	if url == "about:blank" {
		return emptyDocument(), nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("loading %q: %w", url, err)
	}
	res, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("loading %q: %w", url, err)
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode >= http.StatusBadRequest {
		_, _ = io.Copy(io.Discard, res.Body)
		return nil, fmt.Errorf("loading %q: %s", url, res.Status)
	}
	return goquery.NewDocumentFromReader(res.Body)
}

func (b *Browser) async(fn func()) {
	go func() {
		if b.latency > 0 {
			time.Sleep(b.latency)
		}
		fn()
	}()
}

func (b *Browser) emitConsole(kind, text string) {
	b.logger.Debugf("SimBrowser:console", "%s: %s", kind, text)
	if b.console != nil {
		b.console(kind, text)
	}
}

// Exec runs desc.Func with desc.Args in the focused window.
func (b *Browser) Exec(desc driver.CallDescriptor, cb func(json.RawMessage, error)) {
	b.async(func() {
		w, err := b.window(desc.FocusedWindow)
		if err != nil {
			cb(nil, err)
			return
		}
		args, err := json.Marshal(desc.Args)
		if err != nil {
			cb(nil, fmt.Errorf("marshaling exec arguments: %w", err))
			return
		}
		cb(w.exec(desc.Func, args))
	})
}

// SetURL loads url into the main window.
func (b *Browser) SetURL(url string, cb func(error)) {
	b.async(func() {
		doc, err := b.load(context.Background(), url)
		if err != nil {
			cb(err)
			return
		}
		b.mu.Lock()
		b.windows[MainWindow] = newWindow(b, MainWindow, url, doc)
		b.mu.Unlock()
		b.logger.Debugf("SimBrowser:SetURL", "url:%q", url)
		cb(nil)
	})
}

// ReuseBrowser resets the browser to a blank main window, as if the harness
// page at harnessURL had been reloaded.
func (b *Browser) ReuseBrowser(harnessURL string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.harnessURL = harnessURL
	b.lastPopup = ""
	b.windows = map[string]*window{
		MainWindow: newWindow(b, MainWindow, "about:blank", emptyDocument()),
	}
}

// ClearLastPopupWindow forgets the last popup.
func (b *Browser) ClearLastPopupWindow(cb func(error)) {
	b.async(func() {
		b.mu.Lock()
		b.lastPopup = ""
		b.mu.Unlock()
		cb(nil)
	})
}

// GetLastPopupWindow reports the last popup, or nil.
func (b *Browser) GetLastPopupWindow(cb func(*driver.WindowInfo, error)) {
	b.async(func() {
		b.mu.Lock()
		id := b.lastPopup
		b.mu.Unlock()
		if id == "" {
			cb(nil, nil)
			return
		}
		cb(&driver.WindowInfo{ID: id}, nil)
	})
}

// IsWindowOpen reports whether the window is open.
func (b *Browser) IsWindowOpen(windowID string, cb func(bool, error)) {
	b.async(func() {
		b.mu.Lock()
		_, open := b.windows[windowID]
		b.mu.Unlock()
		cb(open, nil)
	})
}
