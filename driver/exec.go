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

package driver

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/liuxd6825/browser-harness/flow"
)

// Call is a function to run in the browser. Func is the function source
// text; it is called with Args as its single argument.
type Call struct {
	Func string
	Args any
	// Timeout overrides the driver's default deadline when positive.
	Timeout time.Duration
}

// callOnce wraps cb so only its first invocation has an effect.
func callOnce(cb Callback) Callback {
	var called atomic.Bool
	return func(v Value, err error) {
		if called.CompareAndSwap(false, true) {
			cb(v, err)
		}
	}
}

// Exec runs call in the focused window and hands the converted result to cb,
// exactly once. If the browser does not answer within the deadline, cb gets
// an *ExecTimeoutError and a late answer is dropped; the remote execution is
// not cancelled.
//
// Without a callback Exec must run inside a flow and returns the result.
func (d *Driver) Exec(ctx context.Context, call Call, cb Callback) (Value, error) {
	if cb == nil {
		return flow.Await(ctx, func(cb func(Value, error)) {
			_, _ = d.Exec(ctx, call, cb)
		})
	}

	timeout := call.Timeout
	if timeout <= 0 {
		timeout = d.timeouts.Timeout()
	}
	desc := CallDescriptor{
		Func:          call.Func,
		Args:          call.Args,
		FocusedWindow: d.focusedWindow,
	}
	d.logger.Debugf("Driver:Exec", "focusedWindow:%q timeout:%s", desc.FocusedWindow, timeout)

	enqueue := d.loop.RegisterCallback()
	cbOnce := callOnce(func(v Value, err error) {
		enqueue(func() error {
			cb(v, err)
			return nil
		})
	})

	timeoutCheck := time.AfterFunc(timeout, func() {
		d.logger.Debugf("Driver:Exec", "focusedWindow:%q timed out after %s", desc.FocusedWindow, timeout)
		cbOnce(Value{}, &ExecTimeoutError{Timeout: timeout})
	})

	d.channel.Exec(desc, func(raw json.RawMessage, err error) {
		timeoutCheck.Stop()
		if err != nil {
			cbOnce(Value{}, err)
			return
		}
		v, err := d.convertResult(raw)
		cbOnce(v, err)
	})

	return Value{}, nil
}
