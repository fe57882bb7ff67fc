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

// Package driver implements the server side proxy of one browser session.
//
// Every browser interaction goes through Exec, the call gateway. WaitFor
// polls a condition on top of it, FindElement and FindVisible poll the DOM.
// All operations take a completion callback that fires exactly once, on the
// driver's event loop. Inside a flow (see package flow) the callback can be
// omitted and the operation then returns its result directly.
package driver

import (
	"context"
	"encoding/json"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/liuxd6825/browser-harness/config"
	"github.com/liuxd6825/browser-harness/eventloop"
	"github.com/liuxd6825/browser-harness/flow"
	"github.com/liuxd6825/browser-harness/log"
)

// CallDescriptor is the unit sent over the RPC boundary.
type CallDescriptor struct {
	Func          string `json:"func"`
	Args          any    `json:"args,omitempty"`
	FocusedWindow string `json:"focusedWindow,omitempty"`
}

// WindowInfo identifies a browser window on the RPC boundary.
type WindowInfo struct {
	ID string `json:"id"`
}

// Channel is the RPC channel to the browser. Callbacks may be invoked from
// any goroutine; the driver moves them back onto its event loop.
type Channel interface {
	Exec(desc CallDescriptor, cb func(result json.RawMessage, err error))
	SetURL(url string, cb func(err error))
	ReuseBrowser(harnessURL string)
	ClearLastPopupWindow(cb func(err error))
	GetLastPopupWindow(cb func(window *WindowInfo, err error))
	IsWindowOpen(windowID string, cb func(open bool, err error))
}

// Window is a reference to a browser window, e.g. a popup.
type Window struct {
	ID string
}

// Callback receives the result of an exec call.
type Callback func(Value, error)

// ErrorCallback receives the outcome of an operation without result.
type ErrorCallback func(error)

// ElementsCallback receives located elements.
type ElementsCallback func(*Elements, error)

// Driver is the proxy of one browser session. It is bound to one RPC
// channel, one event loop and the currently focused window.
type Driver struct {
	BaseEventEmitter

	ctx           context.Context
	channel       Channel
	loop          *eventloop.EventLoop
	focusedWindow string
	timeouts      *TimeoutSettings
	logger        *log.Logger
}

// Option configures a Driver.
type Option func(*Driver)

// WithConfig takes the deadline and poll cadence defaults from cfg.
func WithConfig(cfg config.Config) Option {
	return func(d *Driver) {
		d.timeouts = NewTimeoutSettings(TimeoutSettingsFromConfig(cfg))
	}
}

// WithTimeoutSettings inherits the defaults from parent.
func WithTimeoutSettings(parent *TimeoutSettings) Option {
	return func(d *Driver) {
		d.timeouts = NewTimeoutSettings(parent)
	}
}

// WithLogger sets the logger.
func WithLogger(logger *log.Logger) Option {
	return func(d *Driver) {
		d.logger = logger
	}
}

// WithFocusedWindow sets the window calls are initially sent to.
func WithFocusedWindow(id string) Option {
	return func(d *Driver) {
		d.focusedWindow = id
	}
}

// WithContext bounds the lifetime of the driver's event emitter.
func WithContext(ctx context.Context) Option {
	return func(d *Driver) {
		d.ctx = ctx
	}
}

// New creates a driver sending calls through ch, running callbacks on loop.
func New(ch Channel, loop *eventloop.EventLoop, opts ...Option) *Driver {
	d := &Driver{
		ctx:      context.Background(),
		channel:  ch,
		loop:     loop,
		timeouts: NewTimeoutSettings(nil),
		logger:   log.NewNullLogger(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.BaseEventEmitter = NewBaseEventEmitter(d.ctx)

	return d
}

// Loop returns the event loop the driver delivers callbacks on.
func (d *Driver) Loop() *eventloop.EventLoop {
	return d.loop
}

// Events returns the driver's event emitter.
func (d *Driver) Events() EventEmitter {
	return &d.BaseEventEmitter
}

// FocusedWindow returns the id of the window calls are sent to.
func (d *Driver) FocusedWindow() string {
	return d.focusedWindow
}

// SetFocusedWindow changes the window calls are sent to. It is read at call
// time, so calls already in flight are not affected.
func (d *Driver) SetFocusedWindow(id string) {
	d.logger.Debugf("Driver:SetFocusedWindow", "from:%q to:%q", d.focusedWindow, id)
	d.focusedWindow = id
}

// SetDefaultTimeout overrides the deadline of this driver's operations.
func (d *Driver) SetDefaultTimeout(timeout time.Duration) {
	d.timeouts.SetDefaultTimeout(timeout)
}

// SetDefaultRetry overrides the poll cadence of this driver's operations.
func (d *Driver) SetDefaultRetry(retry time.Duration) {
	d.timeouts.SetDefaultRetry(retry)
}

// ForwardConsole emits a browser console message as one of the
// EventConsole* events.
func (d *Driver) ForwardConsole(event string, text string) {
	d.emit(event, text)
}

// settleOnLoop returns a function handing fn to the event loop. Only its
// first call has an effect.
func (d *Driver) settleOnLoop() func(fn func()) {
	enqueue := d.loop.RegisterCallback()
	var settled atomic.Bool
	return func(fn func()) {
		if !settled.CompareAndSwap(false, true) {
			return
		}
		enqueue(func() error {
			fn()
			return nil
		})
	}
}

// SetURL navigates the focused window to rawURL.
func (d *Driver) SetURL(ctx context.Context, rawURL string, cb ErrorCallback) error {
	if cb == nil {
		return flow.AwaitError(ctx, func(cb func(error)) {
			_ = d.SetURL(ctx, rawURL, cb)
		})
	}

	d.logger.Debugf("Driver:SetURL", "url:%q", rawURL)
	settle := d.settleOnLoop()
	d.channel.SetURL(rawURL, func(err error) {
		settle(func() { cb(err) })
	})
	return nil
}

// ReuseBrowser asks the browser to load the harness page again. When
// harnessURL is set, serverURL is appended to it as the server to connect
// back to.
func (d *Driver) ReuseBrowser(harnessURL, serverURL string) {
	if harnessURL != "" {
		harnessURL = ConstructHarnessURL(harnessURL, serverURL)
	}
	d.logger.Debugf("Driver:ReuseBrowser", "harnessURL:%q", harnessURL)
	d.channel.ReuseBrowser(harnessURL)
}

// ConstructHarnessURL adds the server the harness page connects back to as
// the "server" query parameter of harnessURL.
func ConstructHarnessURL(harnessURL, serverURL string) string {
	if serverURL == "" {
		return harnessURL
	}
	u, err := url.Parse(harnessURL)
	if err != nil {
		return harnessURL
	}
	q := u.Query()
	q.Set("server", serverURL)
	u.RawQuery = q.Encode()
	return u.String()
}

// ClearLastPopupWindow forgets the last popup opened by the page.
func (d *Driver) ClearLastPopupWindow(ctx context.Context, cb ErrorCallback) error {
	if cb == nil {
		return flow.AwaitError(ctx, func(cb func(error)) {
			_ = d.ClearLastPopupWindow(ctx, cb)
		})
	}

	settle := d.settleOnLoop()
	d.channel.ClearLastPopupWindow(func(err error) {
		settle(func() { cb(err) })
	})
	return nil
}

// GetLastPopupWindow returns the last popup opened by the page, or nil.
func (d *Driver) GetLastPopupWindow(ctx context.Context, cb func(*Window, error)) (*Window, error) {
	if cb == nil {
		return flow.Await(ctx, func(cb func(*Window, error)) {
			_, _ = d.GetLastPopupWindow(ctx, cb)
		})
	}

	settle := d.settleOnLoop()
	d.channel.GetLastPopupWindow(func(info *WindowInfo, err error) {
		settle(func() {
			if err != nil {
				cb(nil, err)
				return
			}
			var w *Window
			if info != nil {
				w = &Window{ID: info.ID}
			}
			cb(w, nil)
		})
	})
	return nil, nil
}

// IsWindowOpen reports whether w is still open.
func (d *Driver) IsWindowOpen(ctx context.Context, w *Window, cb func(bool, error)) (bool, error) {
	if cb == nil {
		return flow.Await(ctx, func(cb func(bool, error)) {
			_, _ = d.IsWindowOpen(ctx, w, cb)
		})
	}

	var id string
	if w != nil {
		id = w.ID
	}
	settle := d.settleOnLoop()
	d.channel.IsWindowOpen(id, func(open bool, err error) {
		settle(func() { cb(open, err) })
	})
	return false, nil
}
