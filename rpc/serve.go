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

// Serve answers the server's calls on c with ch. It is the browser end of the
// connection.
func Serve(c *Conn, ch driver.Channel) {
	c.HandleRequest(MethodExec, func(params json.RawMessage, reply func(any, error)) {
		var desc struct {
			Func          string          `json:"func"`
			Args          json.RawMessage `json:"args"`
			FocusedWindow string          `json:"focusedWindow"`
		}
		if err := json.Unmarshal(params, &desc); err != nil {
			reply(nil, fmt.Errorf("decoding %s params: %w", MethodExec, err))
			return
		}
		call := driver.CallDescriptor{Func: desc.Func, FocusedWindow: desc.FocusedWindow}
		if len(desc.Args) != 0 {
			call.Args = desc.Args
		}
		ch.Exec(call, func(res json.RawMessage, err error) {
			if err != nil {
				reply(nil, err)
				return
			}
			// An undefined result travels as a response without result.
			reply(res, nil)
		})
	})

	c.HandleRequest(MethodSetURL, func(params json.RawMessage, reply func(any, error)) {
		var p setURLParams
		if err := json.Unmarshal(params, &p); err != nil {
			reply(nil, fmt.Errorf("decoding %s params: %w", MethodSetURL, err))
			return
		}
		ch.SetURL(p.URL, func(err error) { reply(nil, err) })
	})

	c.Handle(MethodReuseBrowser, func(params json.RawMessage) {
		var p reuseBrowserParams
		if err := json.Unmarshal(params, &p); err != nil {
			c.logger.Errorf("rpc", "decoding %s params: %v", MethodReuseBrowser, err)
			return
		}
		ch.ReuseBrowser(p.HarnessURL)
	})

	c.HandleRequest(MethodClearLastPopupWindow, func(_ json.RawMessage, reply func(any, error)) {
		ch.ClearLastPopupWindow(func(err error) { reply(nil, err) })
	})

	c.HandleRequest(MethodGetLastPopupWindow, func(_ json.RawMessage, reply func(any, error)) {
		ch.GetLastPopupWindow(func(info *driver.WindowInfo, err error) {
			if err != nil {
				reply(nil, err)
				return
			}
			reply(info, nil)
		})
	})

	c.HandleRequest(MethodIsWindowOpen, func(params json.RawMessage, reply func(any, error)) {
		var p windowParams
		if err := json.Unmarshal(params, &p); err != nil {
			reply(nil, fmt.Errorf("decoding %s params: %w", MethodIsWindowOpen, err))
			return
		}
		ch.IsWindowOpen(p.ID, boolReply(reply))
	})
}

func boolReply(reply func(any, error)) func(bool, error) {
	return func(open bool, err error) {
		if err != nil {
			reply(nil, err)
			return
		}
		reply(open, nil)
	}
}

// ConsoleForwarder returns a console hook sending browser console output to
// the server as sendLog, sendWarn or sendError notifications. kind is "log",
// "warn" or "error".
func ConsoleForwarder(c *Conn) func(kind, text string) {
	return func(kind, text string) {
		method := MethodSendLog
		switch kind {
		case "warn":
			method = MethodSendWarn
		case "error":
			method = MethodSendError
		}
		if err := c.Notify(method, text); err != nil {
			c.logger.Debugf("rpc", "dropping console %s: %v", kind, err)
		}
	}
}
