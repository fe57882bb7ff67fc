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

// Package flow lets test code call driver operations as if they were
// synchronous.
//
// A flow is a goroutine started with Go. Inside it, an operation invoked
// without a callback is started on the event loop through Await and the flow
// goroutine parks until the operation's callback fires. The loop itself never
// blocks: it keeps serving timers and RPC responses while flows wait.
package flow

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/liuxd6825/browser-harness/eventloop"
)

// ProgrammingError reports a misuse of the calling conventions, such as a
// missing callback outside a flow. It is raised with panic, never delivered
// to a callback.
type ProgrammingError struct {
	Message string
}

// Error returns the misuse description.
func (e *ProgrammingError) Error() string {
	return e.Message
}

// ErrCallbackRequired is raised when an operation is called without a
// callback outside of a flow.
var ErrCallbackRequired = &ProgrammingError{Message: "callback is required"}

// Flow is a cooperative execution context bound to an event loop.
type Flow struct {
	loop *eventloop.EventLoop
}

// Loop returns the event loop the flow is bound to.
func (f *Flow) Loop() *eventloop.EventLoop {
	return f.loop
}

type ctxKey struct{}

// FromContext returns the flow carried by ctx, or nil.
func FromContext(ctx context.Context) *Flow {
	if ctx == nil {
		return nil
	}
	f, _ := ctx.Value(ctxKey{}).(*Flow)
	return f
}

// ErrFlowExited is passed to done when a flow goroutine exits without fn
// returning.
var ErrFlowExited = errors.New("flow exited without returning")

// Go starts fn in a new flow. The loop stays alive until fn returns; done is
// then called on the loop with fn's error. A panic in fn is recovered and
// passed to done as an error.
func Go(ctx context.Context, loop *eventloop.EventLoop, fn func(context.Context) error, done func(error)) {
	enqueue := loop.RegisterCallback()
	f := &Flow{loop: loop}
	fctx := context.WithValue(ctx, ctxKey{}, f)

	go func() {
		// fn may leave through runtime.Goexit, e.g. t.FailNow in a test; the
		// registration is released all the same.
		err := ErrFlowExited
		defer func() {
			enqueue(func() error {
				if done != nil {
					done(err)
				}
				return nil
			})
		}()
		err = run(fctx, fn)
	}()
}

func run(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			switch v := r.(type) {
			case error:
				err = v
			default:
				err = fmt.Errorf("flow panicked: %v", v)
			}
		}
	}()
	return fn(ctx)
}

// Run starts loop with fn as its only flow and returns once both the loop has
// drained and fn has returned.
func Run(ctx context.Context, loop *eventloop.EventLoop, fn func(context.Context) error) error {
	var flowErr error
	err := loop.Start(func() error {
		Go(ctx, loop, fn, func(err error) { flowErr = err })
		return nil
	})
	if err != nil {
		return err
	}
	return flowErr
}

type result[T any] struct {
	value    T
	err      error
	panicked any
}

// Await starts an operation on the event loop and suspends the current flow
// until the operation's callback fires. Only the first callback invocation is
// taken into account. A panic raised by start is re-raised in the flow.
//
// Await panics with ErrCallbackRequired when ctx carries no flow, and refuses
// to run on the loop goroutine since parking it would deadlock every flow.
func Await[T any](ctx context.Context, start func(cb func(T, error))) (T, error) {
	f := FromContext(ctx)
	if f == nil {
		panic(ErrCallbackRequired)
	}
	if f.loop.OnLoop() {
		panic(&ProgrammingError{Message: "cannot suspend the event loop goroutine, use a callback"})
	}

	var once sync.Once
	ch := make(chan result[T], 1)
	settle := func(r result[T]) {
		once.Do(func() { ch <- r })
	}

	f.loop.RegisterCallback()(func() error {
		defer func() {
			if r := recover(); r != nil {
				settle(result[T]{panicked: r})
			}
		}()
		start(func(v T, err error) {
			settle(result[T]{value: v, err: err})
		})
		return nil
	})

	select {
	case r := <-ch:
		if r.panicked != nil {
			panic(r.panicked)
		}
		return r.value, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// AwaitError is Await for operations that only report an error.
func AwaitError(ctx context.Context, start func(cb func(error))) error {
	_, err := Await(ctx, func(cb func(struct{}, error)) {
		start(func(err error) {
			cb(struct{}{}, err)
		})
	})
	return err
}
