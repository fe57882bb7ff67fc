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

// Package cdpchannel drives a real Chrome through the DevTools protocol. It
// implements driver.Channel, so a Driver can run against Chrome without the
// harness page.
package cdpchannel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"

	"github.com/liuxd6825/browser-harness/browserjs"
	"github.com/liuxd6825/browser-harness/driver"
	"github.com/liuxd6825/browser-harness/log"
)

// MainWindow is the id of the first tab.
const MainWindow = "main"

var _ driver.Channel = &Channel{}

// ErrWindowClosed is returned for calls addressed to a closed tab.
var ErrWindowClosed = errors.New("window is not open")

// Channel is a Chrome instance. Every tab is a window; tabs opened by a page
// are popups.
type Channel struct {
	browserCtx context.Context
	cancel     context.CancelFunc
	logger     *log.Logger
	console    func(kind, text string)

	headless  bool
	remoteURL string

	mu        sync.Mutex
	tabs      map[string]context.Context
	detach    map[string]context.CancelFunc
	lastPopup string
}

// Option configures a Channel.
type Option func(*Channel)

// WithHeadless toggles headless mode of a launched Chrome. Defaults to true.
func WithHeadless(headless bool) Option {
	return func(c *Channel) {
		c.headless = headless
	}
}

// WithRemoteURL connects to an already running Chrome through its devtools
// websocket URL instead of launching one.
func WithRemoteURL(wsURL string) Option {
	return func(c *Channel) {
		c.remoteURL = wsURL
	}
}

// WithConsole receives the console output of every tab. kind is "log",
// "warn" or "error".
func WithConsole(fn func(kind, text string)) Option {
	return func(c *Channel) {
		c.console = fn
	}
}

// WithLogger sets the logger.
func WithLogger(logger *log.Logger) Option {
	return func(c *Channel) {
		c.logger = logger
	}
}

// New launches or connects to Chrome and prepares its first tab.
func New(ctx context.Context, opts ...Option) (*Channel, error) {
	c := &Channel{
		headless: true,
		logger:   log.NewNullLogger(),
		tabs:     make(map[string]context.Context),
		detach:   make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(c)
	}

	var (
		allocCtx    context.Context
		allocCancel context.CancelFunc
	)
	if c.remoteURL != "" {
		allocCtx, allocCancel = chromedp.NewRemoteAllocator(ctx, c.remoteURL)
	} else {
		allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.Flag("headless", c.headless),
			chromedp.Flag("disable-gpu", true),
			chromedp.Flag("no-sandbox", true),
			chromedp.Flag("disable-dev-shm-usage", true),
		)
		allocCtx, allocCancel = chromedp.NewExecAllocator(ctx, allocOpts...)
	}

	browserCtx, browserCancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(func(format string, args ...any) {
			c.logger.Debugf("cdp", format, args...)
		}),
	)
	c.browserCtx = browserCtx
	c.cancel = func() {
		browserCancel()
		allocCancel()
	}

	if err := chromedp.Run(browserCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		return target.SetDiscoverTargets(true).Do(ctx)
	})); err != nil {
		c.cancel()
		return nil, fmt.Errorf("starting chrome: %w", err)
	}
	if err := c.setupTab(browserCtx); err != nil {
		c.cancel()
		return nil, fmt.Errorf("preparing main tab: %w", err)
	}
	c.tabs[MainWindow] = browserCtx

	chromedp.ListenBrowser(browserCtx, c.onBrowserEvent)

	return c, nil
}

// Close shuts Chrome down, or disconnects from a remote one.
func (c *Channel) Close() {
	c.cancel()
}

func (c *Channel) setupTab(ctx context.Context) error {
	chromedp.ListenTarget(ctx, c.onTabEvent)
	return chromedp.Run(ctx,
		runtime.Enable(),
		chromedp.ActionFunc(func(ctx context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(browserjs.Helpers).Do(ctx)
			return err
		}),
		chromedp.Evaluate(browserjs.Helpers, nil),
	)
}

func (c *Channel) onBrowserEvent(ev any) {
	switch e := ev.(type) {
	case *target.EventTargetCreated:
		info := e.TargetInfo
		if info == nil || info.Type != "page" || info.OpenerID == "" {
			return
		}
		id := string(info.TargetID)
		tabCtx, cancel := chromedp.NewContext(c.browserCtx, chromedp.WithTargetID(info.TargetID))

		c.mu.Lock()
		c.tabs[id] = tabCtx
		c.detach[id] = cancel
		c.lastPopup = id
		c.mu.Unlock()
		c.logger.Debugf("cdp", "popup %s opened", id)

		// Listeners must not block the event loop of chromedp.
		go func() {
			if err := c.setupTab(tabCtx); err != nil {
				c.logger.Warnf("cdp", "preparing popup %s: %v", id, err)
			}
		}()

	case *target.EventTargetDestroyed:
		id := string(e.TargetID)
		c.mu.Lock()
		cancel := c.detach[id]
		delete(c.tabs, id)
		delete(c.detach, id)
		c.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	}
}

func (c *Channel) onTabEvent(ev any) {
	e, ok := ev.(*runtime.EventConsoleAPICalled)
	if !ok || c.console == nil {
		return
	}
	kind := "log"
	switch e.Type {
	case runtime.APITypeWarning:
		kind = "warn"
	case runtime.APITypeError, runtime.APITypeAssert:
		kind = "error"
	}
	c.console(kind, consoleText(e.Args))
}

func consoleText(args []*runtime.RemoteObject) string {
	parts := make([]string, 0, len(args))
	for _, arg := range args {
		if arg == nil {
			continue
		}
		raw := []byte(arg.Value)
		if len(raw) == 0 {
			parts = append(parts, arg.Description)
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			parts = append(parts, s)
			continue
		}
		parts = append(parts, string(raw))
	}
	return strings.Join(parts, " ")
}

func (c *Channel) tab(id string) (context.Context, error) {
	if id == "" {
		id = MainWindow
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	ctx, ok := c.tabs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrWindowClosed, id)
	}
	return ctx, nil
}

// Exec implements driver.Channel.
func (c *Channel) Exec(desc driver.CallDescriptor, cb func(json.RawMessage, error)) {
	go func() {
		ctx, err := c.tab(desc.FocusedWindow)
		if err != nil {
			cb(nil, err)
			return
		}
		args, err := json.Marshal(desc.Args)
		if err != nil {
			cb(nil, fmt.Errorf("marshaling exec arguments: %w", err))
			return
		}

		var res string
		if err := chromedp.Run(ctx, chromedp.Evaluate(browserjs.ExecExpression(desc.Func, args), &res)); err != nil {
			cb(nil, err)
			return
		}
		if res == "" {
			cb(nil, nil)
			return
		}
		cb(json.RawMessage(res), nil)
	}()
}

// SetURL implements driver.Channel by navigating the main tab.
func (c *Channel) SetURL(url string, cb func(error)) {
	go func() {
		cb(chromedp.Run(c.browserCtx, chromedp.Navigate(url)))
	}()
}

// ReuseBrowser implements driver.Channel: popups are closed and the main tab
// loads harnessURL, or reloads when it is empty.
func (c *Channel) ReuseBrowser(harnessURL string) {
	c.mu.Lock()
	popups := make([]string, 0, len(c.tabs))
	for id := range c.tabs {
		if id != MainWindow {
			popups = append(popups, id)
		}
	}
	c.lastPopup = ""
	c.mu.Unlock()

	go func() {
		for _, id := range popups {
			_ = chromedp.Run(c.browserCtx, chromedp.ActionFunc(func(ctx context.Context) error {
				return target.CloseTarget(target.ID(id)).Do(ctx)
			}))
		}
		action := chromedp.Reload()
		if harnessURL != "" {
			action = chromedp.Navigate(harnessURL)
		}
		if err := chromedp.Run(c.browserCtx, action); err != nil {
			c.logger.Warnf("cdp", "reusing browser: %v", err)
		}
	}()
}

// ClearLastPopupWindow implements driver.Channel.
func (c *Channel) ClearLastPopupWindow(cb func(error)) {
	c.mu.Lock()
	c.lastPopup = ""
	c.mu.Unlock()
	go cb(nil)
}

// GetLastPopupWindow implements driver.Channel.
func (c *Channel) GetLastPopupWindow(cb func(*driver.WindowInfo, error)) {
	c.mu.Lock()
	id := c.lastPopup
	c.mu.Unlock()
	go func() {
		if id == "" {
			cb(nil, nil)
			return
		}
		cb(&driver.WindowInfo{ID: id}, nil)
	}()
}

// IsWindowOpen implements driver.Channel.
func (c *Channel) IsWindowOpen(windowID string, cb func(bool, error)) {
	_, err := c.tab(windowID)
	go cb(err == nil, nil)
}
