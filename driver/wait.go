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
	"sync/atomic"
	"time"

	"github.com/liuxd6825/browser-harness/flow"
)

// ConditionCallback completes an asynchronous local condition.
type ConditionCallback func(ok bool, err error)

// WaitForOptions describes a poll chain.
type WaitForOptions struct {
	// Condition is the function source text to run in the browser when
	// InBrowser is set. Otherwise it is evaluated locally and must be one of
	// func() bool, func() (bool, error), func(ConditionCallback) or
	// func(func(bool, error)).
	Condition any
	InBrowser bool
	// Exec is a companion action started along with the condition. In the
	// browser it is function source text issued on the first attempt only.
	// Locally it is a func(context.Context) or func(), run in a fresh flow
	// on every attempt.
	Exec any
	// Args is passed to the in-browser condition and companion action.
	Args any
	// StartTime anchors the deadline; it defaults to now.
	StartTime time.Time
	Timeout   time.Duration
	Retry     time.Duration
	// TimeoutError is appended to the timeout error message.
	TimeoutError string
}

func errBadCondition() *ProgrammingError {
	return &ProgrammingError{Message: "condition must take 0 arguments, or a callback"}
}

func localCondition(c any) func(ConditionCallback) {
	switch fn := c.(type) {
	case func() bool:
		return func(cb ConditionCallback) { cb(fn(), nil) }
	case func() (bool, error):
		return func(cb ConditionCallback) { cb(fn()) }
	case func(ConditionCallback):
		return fn
	case func(func(bool, error)):
		return func(cb ConditionCallback) { fn(cb) }
	default:
		panic(errBadCondition())
	}
}

func localExec(e any) func(context.Context) {
	switch fn := e.(type) {
	case nil:
		return nil
	case func(context.Context):
		return fn
	case func():
		return func(context.Context) { fn() }
	default:
		panic(&ProgrammingError{Message: "exec must be a func() or func(context.Context)"})
	}
}

func browserSource(v any, what string) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	default:
		panic(&ProgrammingError{Message: what + " must be function source text when run in the browser"})
	}
}

// poll is one poll chain. Its methods run on the event loop.
type poll struct {
	d    *Driver
	ctx  context.Context
	opts WaitForOptions

	browserCondition string
	browserExec      string
	condition        func(ConditionCallback)
	exec             func(context.Context)

	attempts int
	settled  bool
	done     ErrorCallback
}

// WaitFor polls a condition until it is true or the deadline passes. The
// deadline is absolute: it runs from opts.StartTime, not from the last
// attempt. An exec timeout while evaluating the condition counts as "not yet
// true"; any other error ends the poll immediately.
//
// A condition of an unsupported shape is a programming error and panics.
func (d *Driver) WaitFor(ctx context.Context, opts WaitForOptions, cb ErrorCallback) error {
	if opts.StartTime.IsZero() {
		opts.StartTime = time.Now()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = d.timeouts.Timeout()
	}
	if opts.Retry <= 0 {
		opts.Retry = d.timeouts.Retry()
	}

	if cb == nil {
		return flow.AwaitError(ctx, func(cb func(error)) {
			_ = d.WaitFor(ctx, opts, cb)
		})
	}

	p := &poll{d: d, ctx: ctx, opts: opts, done: cb}
	if opts.InBrowser {
		p.browserCondition = browserSource(opts.Condition, "condition")
		p.browserExec = browserSource(opts.Exec, "exec")
	} else {
		p.condition = localCondition(opts.Condition)
		p.exec = localExec(opts.Exec)
	}

	d.logger.Debugf("Driver:WaitFor", "inBrowser:%t timeout:%s retry:%s", opts.InBrowser, opts.Timeout, opts.Retry)
	p.attempt()
	return nil
}

func (p *poll) attempt() {
	if p.settled {
		return
	}
	p.attempts++
	if p.opts.InBrowser {
		p.attemptInBrowser()
		return
	}
	p.attemptLocal()
}

func (p *poll) attemptInBrowser() {
	_, _ = p.d.Exec(p.ctx, Call{Func: p.browserCondition, Args: p.opts.Args}, func(v Value, err error) {
		p.handle(v.Truthy(), err)
	})

	// The companion action only goes with the first attempt.
	if p.attempts == 1 && p.browserExec != "" {
		_, _ = p.d.Exec(p.ctx, Call{Func: p.browserExec, Args: p.opts.Args}, func(_ Value, err error) {
			if err != nil {
				p.finish(err)
			}
		})
	}
}

func (p *poll) attemptLocal() {
	if p.exec != nil {
		// Run outside of the current stack, in its own flow, so a companion
		// action using synchronous calls can not wait on this poll.
		exec := p.exec
		p.d.loop.RegisterCallback()(func() error {
			flow.Go(p.ctx, p.d.loop, func(ctx context.Context) error {
				exec(ctx)
				return nil
			}, nil)
			return nil
		})
	}

	enqueue := p.d.loop.RegisterCallback()
	var answered atomic.Bool
	p.condition(func(ok bool, err error) {
		if !answered.CompareAndSwap(false, true) {
			return
		}
		enqueue(func() error {
			p.handle(ok, err)
			return nil
		})
	})
}

func (p *poll) handle(ok bool, err error) {
	if p.settled {
		return
	}
	if err != nil && !IsExecTimeout(err) {
		p.finish(err)
		return
	}
	if ok && err == nil {
		p.finish(nil)
		return
	}

	if time.Since(p.opts.StartTime) < p.opts.Timeout {
		p.d.loop.SetTimeout(p.opts.Retry, p.attempt)
		return
	}

	p.d.logger.Debugf("Driver:WaitFor", "timed out after %d attempts", p.attempts)
	p.finish(&WaitForTimeoutError{Timeout: p.opts.Timeout, Detail: p.opts.TimeoutError})
}

func (p *poll) finish(err error) {
	if p.settled {
		return
	}
	p.settled = true
	p.done(err)
}
