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

package rpc

import (
	"encoding/json"
	"fmt"

	"github.com/liuxd6825/browser-harness/driver"
)

// Methods the server calls on the browser.
const (
	MethodExec                 = "exec"
	MethodSetURL               = "setUrl"
	MethodReuseBrowser         = "reuseBrowser"
	MethodClearLastPopupWindow = "clearLastPopupWindow"
	MethodGetLastPopupWindow   = "getLastPopupWindow"
	MethodIsWindowOpen         = "isWindowOpen"
)

// Notifications the browser sends to the server.
const (
	MethodSetup     = "setup"
	MethodSendLog   = "sendLog"
	MethodSendWarn  = "sendWarn"
	MethodSendError = "sendError"
)

var _ driver.Channel = &Conn{}

type setURLParams struct {
	URL string `json:"url"`
}

type reuseBrowserParams struct {
	HarnessURL string `json:"harnessUrl"`
}

type windowParams struct {
	ID string `json:"id"`
}

// Exec implements driver.Channel.
func (c *Conn) Exec(desc driver.CallDescriptor, cb func(json.RawMessage, error)) {
	c.Call(MethodExec, desc, cb)
}

// SetURL implements driver.Channel.
func (c *Conn) SetURL(url string, cb func(error)) {
	c.Call(MethodSetURL, setURLParams{URL: url}, func(_ json.RawMessage, err error) {
		cb(err)
	})
}

// ReuseBrowser implements driver.Channel.
func (c *Conn) ReuseBrowser(harnessURL string) {
	if err := c.Notify(MethodReuseBrowser, reuseBrowserParams{HarnessURL: harnessURL}); err != nil {
		c.logger.Warnf("rpc", "reuseBrowser: %v", err)
	}
}

// ClearLastPopupWindow implements driver.Channel.
func (c *Conn) ClearLastPopupWindow(cb func(error)) {
	c.Call(MethodClearLastPopupWindow, nil, func(_ json.RawMessage, err error) {
		cb(err)
	})
}

// GetLastPopupWindow implements driver.Channel.
func (c *Conn) GetLastPopupWindow(cb func(*driver.WindowInfo, error)) {
	c.Call(MethodGetLastPopupWindow, nil, func(res json.RawMessage, err error) {
		if err != nil {
			cb(nil, err)
			return
		}
		if len(res) == 0 {
			cb(nil, nil)
			return
		}
		var info *driver.WindowInfo
		if err := json.Unmarshal(res, &info); err != nil {
			cb(nil, fmt.Errorf("decoding %s result: %w", MethodGetLastPopupWindow, err))
			return
		}
		cb(info, nil)
	})
}

// IsWindowOpen implements driver.Channel.
func (c *Conn) IsWindowOpen(windowID string, cb func(bool, error)) {
	c.Call(MethodIsWindowOpen, windowParams{ID: windowID}, func(res json.RawMessage, err error) {
		if err != nil {
			cb(false, err)
			return
		}
		var open bool
		if err := json.Unmarshal(res, &open); err != nil {
			cb(false, fmt.Errorf("decoding %s result: %w", MethodIsWindowOpen, err))
			return
		}
		cb(open, nil)
	})
}
