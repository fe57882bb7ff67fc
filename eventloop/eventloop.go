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

// Package eventloop implements the single-threaded callback queue every
// driver operation runs on.
//
// Work coming back from other goroutines (RPC responses, timers, flows) is
// handed to the loop through a callback reserved with RegisterCallback. The
// loop keeps running while at least one reservation is outstanding, so an
// operation that is waiting on the network keeps it alive.
package eventloop

import (
	"fmt"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// EventLoop runs queued callbacks one at a time, in enqueue order.
type EventLoop struct {
	lock                sync.Mutex
	queue               []func() error
	wakeupCh            chan struct{} // TODO: maybe use sync.Cond ?
	registeredCallbacks int

	// goroutine running Start, 0 when stopped
	loopGoroutine atomic.Int64
}

// New returns a new event loop.
func New() *EventLoop {
	return &EventLoop{
		wakeupCh: make(chan struct{}, 1),
	}
}

func (e *EventLoop) wakeup() {
	select {
	case e.wakeupCh <- struct{}{}:
	default:
	}
}

// RegisterCallback signals to the event loop that you are going to do some
// asynchronous work off the main thread and that you may need to execute some
// code back on the main thread when you are done. So, once you call this
// method, the event loop will wait for you to finish and give it the callback
// it needs to run back on the main thread before it can end the whole current
// script iteration.
//
// RegisterCallback() *must* be called from the main thread, or a flow, since
// it only reserves a slot. The returned function has to be called exactly
// once, from any goroutine, and the function passed to it will be executed on
// the loop goroutine.
func (e *EventLoop) RegisterCallback() (enqueueCallback func(func() error)) {
	e.lock.Lock()
	var callbackCalled bool
	e.registeredCallbacks++
	e.lock.Unlock()

	return func(f func() error) {
		e.lock.Lock()
		defer e.lock.Unlock()
		if callbackCalled {
			panic("eventloop: enqueueCallback called twice for the same registration")
		}
		callbackCalled = true
		e.queue = append(e.queue, f)
		e.registeredCallbacks--
		e.wakeup()
	}
}

func (e *EventLoop) popAll() (queue []func() error, awaiting bool) {
	e.lock.Lock()
	queue = e.queue
	e.queue = make([]func() error, 0, len(queue))
	awaiting = e.registeredCallbacks != 0
	e.lock.Unlock()
	return
}

// Start will run the event loop until it's empty and there are no uninvoked
// registered callbacks or a queued function returns an error. The provided
// firstCallback will be the first thing executed. After Start returns the
// event loop can be reused as long as waitOnRegistered is called.
func (e *EventLoop) Start(firstCallback func() error) error {
	e.loopGoroutine.Store(goroutineID())
	defer e.loopGoroutine.Store(0)

	e.lock.Lock()
	e.queue = append([]func() error{firstCallback}, e.queue...)
	e.lock.Unlock()

	for {
		queue, awaiting := e.popAll()

		if len(queue) == 0 {
			if !awaiting {
				return nil
			}
			<-e.wakeupCh
			continue
		}

		for _, f := range queue {
			if err := f(); err != nil {
				e.lock.Lock()
				e.queue = nil
				e.lock.Unlock()
				return err
			}
		}
	}
}

// WaitOnRegistered waits on all registered callbacks so we know nothing is
// still doing work. Callbacks enqueued while waiting are dropped.
func (e *EventLoop) WaitOnRegistered() {
	for {
		_, awaiting := e.popAll()
		if !awaiting {
			return
		}
		<-e.wakeupCh
	}
}

// SetTimeout runs fn on the loop once d has elapsed. The returned function
// cancels the timer if it has not fired yet and reports whether it did.
func (e *EventLoop) SetTimeout(d time.Duration, fn func()) (cancel func() bool) {
	enqueue := e.RegisterCallback()
	timer := time.AfterFunc(d, func() {
		enqueue(func() error {
			fn()
			return nil
		})
	})

	return func() bool {
		if !timer.Stop() {
			return false
		}
		enqueue(func() error { return nil })
		return true
	}
}

// OnLoop reports whether the caller is running on the loop goroutine.
func (e *EventLoop) OnLoop() bool {
	id := e.loopGoroutine.Load()
	return id != 0 && id == goroutineID()
}

func goroutineID() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	idField := strings.Fields(strings.TrimPrefix(string(buf[:n]), "goroutine "))[0]
	id, err := strconv.ParseInt(idField, 10, 64)
	if err != nil {
		panic(fmt.Sprintf("cannot get goroutine id: %v", err))
	}
	return id
}
