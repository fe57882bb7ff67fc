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

package harness

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/liuxd6825/browser-harness/driver"
	"github.com/liuxd6825/browser-harness/eventloop"
	"github.com/liuxd6825/browser-harness/flow"
	"github.com/liuxd6825/browser-harness/rpc"
)

// Session is one connected browser.
type Session struct {
	id     string
	conn   *rpc.Conn
	driver *driver.Driver
	loop   *eventloop.EventLoop
	cancel context.CancelFunc

	runMu sync.Mutex
	ready sync.Once
}

func (s *Server) newSession(ws *websocket.Conn) *Session {
	ctx, cancel := context.WithCancel(s.ctx)
	conn := rpc.NewConn(ctx, ws, s.logger)
	loop := eventloop.New()
	d := driver.New(conn, loop,
		driver.WithConfig(s.cfg),
		driver.WithLogger(s.logger),
		driver.WithContext(ctx),
	)

	sess := &Session{
		id:     uuid.New().String(),
		conn:   conn,
		driver: d,
		loop:   loop,
		cancel: cancel,
	}

	conn.Handle(rpc.MethodSendLog, consoleHook(d, driver.EventConsoleLog))
	conn.Handle(rpc.MethodSendWarn, consoleHook(d, driver.EventConsoleWarn))
	conn.Handle(rpc.MethodSendError, consoleHook(d, driver.EventConsoleError))
	conn.Handle(rpc.MethodSetup, func(json.RawMessage) {
		sess.ready.Do(func() {
			s.logger.Debugf("harness", "session %s ready", sess.id)
			s.Emit(EventReady, sess)
		})
	})

	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()

	go func() {
		<-conn.Done()
		cancel()
		s.mu.Lock()
		delete(s.sessions, sess.id)
		s.mu.Unlock()
		s.logger.Infof("harness", "session %s closed: %v", sess.id, conn.Err())
		s.Emit(EventSessionClose, sess)
	}()

	return sess
}

func consoleHook(d *driver.Driver, event string) rpc.NotificationHandler {
	return func(params json.RawMessage) {
		var text string
		if err := json.Unmarshal(params, &text); err != nil {
			text = string(params)
		}
		d.ForwardConsole(event, text)
	}
}

// ID returns the session id.
func (s *Session) ID() string {
	return s.id
}

// Driver returns the session's driver.
func (s *Session) Driver() *driver.Driver {
	return s.driver
}

// Done is closed once the browser disconnected.
func (s *Session) Done() <-chan struct{} {
	return s.conn.Done()
}

// Close disconnects the browser.
func (s *Session) Close() error {
	defer s.cancel()
	return s.conn.Close()
}

// Run runs fn in a flow on the session's event loop, so driver operations
// can be called without callbacks. It returns once fn and every operation
// it started have completed. Runs of one session do not overlap.
func (s *Session) Run(ctx context.Context, fn func(ctx context.Context, d *driver.Driver) error) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	return flow.Run(ctx, s.loop, func(ctx context.Context) error {
		return fn(ctx, s.driver)
	})
}
