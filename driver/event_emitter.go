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
)

// Ensure BaseEventEmitter implements the EventEmitter interface
var _ EventEmitter = &BaseEventEmitter{}

const (
	// Driver, forwarded browser console output
	EventConsoleLog   string = "console.log"
	EventConsoleWarn  string = "console.warn"
	EventConsoleError string = "console.error"
)

// Event as emitted by an EventEmitter
type Event struct {
	Type string
	Data any
}

type eventHandler struct {
	ctx context.Context
	ch  chan Event
}

// EventEmitter is the one-way notification surface of a Driver.
type EventEmitter interface {
	emit(event string, data any)
	// On registers ch for the given events until ctx is done.
	On(ctx context.Context, events []string, ch chan Event)
	// OnAll registers ch for every event until ctx is done.
	OnAll(ctx context.Context, ch chan Event)
}

// BaseEventEmitter emits events to registered handlers
type BaseEventEmitter struct {
	handlers    map[string][]eventHandler
	handlersAll []eventHandler

	handlersCh chan func() chan struct{}
	ctx        context.Context
}

// NewBaseEventEmitter creates a new instance of a base event emitter
func NewBaseEventEmitter(ctx context.Context) BaseEventEmitter {
	bem := BaseEventEmitter{
		handlers:    make(map[string][]eventHandler),
		handlersAll: make([]eventHandler, 0),
		handlersCh:  make(chan func() chan struct{}),
		ctx:         ctx,
	}
	go bem.handleHandlers(ctx)
	return bem
}

// handleHandlers handles handlers in a single Goroutine.
// It basically process one request at a time for synchronization.
func (e *BaseEventEmitter) handleHandlers(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-e.handlersCh:
			select {
			case <-ctx.Done():
				return
			default:
			}
			done := fn()
			done <- struct{}{}
		}
	}
}

// sync is a helper for sychronized access to the BaseEventEmitter.
func (e *BaseEventEmitter) sync(fn func()) {
	done := make(chan struct{}, 1)
	select {
	case <-e.ctx.Done():
		return
	case e.handlersCh <- func() chan struct{} {
		fn()
		return done
	}:
	}
	<-done
}

func dispatch(handlers []eventHandler, ev Event) []eventHandler {
	for i := 0; i < len(handlers); {
		handler := handlers[i]
		select {
		case <-handler.ctx.Done():
			handlers = append(handlers[:i], handlers[i+1:]...)
			continue
		default:
			go func() {
				select {
				case handler.ch <- ev:
				case <-handler.ctx.Done():
				}
			}()
			i++
		}
	}
	return handlers
}

func (e *BaseEventEmitter) emit(event string, data any) {
	e.sync(func() {
		ev := Event{Type: event, Data: data}
		e.handlers[event] = dispatch(e.handlers[event], ev)
		e.handlersAll = dispatch(e.handlersAll, ev)
	})
}

// Emit sends an event to the registered handlers.
func (e *BaseEventEmitter) Emit(event string, data any) {
	e.emit(event, data)
}

// On registers a handler for specific events.
func (e *BaseEventEmitter) On(ctx context.Context, events []string, ch chan Event) {
	e.sync(func() {
		for _, event := range events {
			e.handlers[event] = append(e.handlers[event], eventHandler{ctx, ch})
		}
	})
}

// OnAll registers a handler for all events.
func (e *BaseEventEmitter) OnAll(ctx context.Context, ch chan Event) {
	e.sync(func() {
		e.handlersAll = append(e.handlersAll, eventHandler{ctx, ch})
	})
}
