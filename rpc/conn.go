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

// Package rpc is the JSON message channel between the harness server and the
// harness page running in the browser.
//
// Both ends are symmetric: each side may send requests, answer them and send
// notifications. The server side drives the browser through the
// driver.Channel methods of Conn; the browser side answers them with Serve.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mailru/easyjson/jlexer"
	"github.com/mailru/easyjson/jwriter"

	"github.com/liuxd6825/browser-harness/log"
)

const wsWriteBufferSize = 1 << 20

// DefaultCallTimeout bounds how long a call waits for its response. It is
// well above the driver's operation deadlines, which give up first.
const DefaultCallTimeout = 5 * time.Minute

var (
	// ErrClosed is reported for calls pending when the connection closes and
	// for calls made afterwards.
	ErrClosed = errors.New("rpc connection closed")
	// ErrCallTimeout is reported for calls the peer did not answer in time.
	ErrCallTimeout = errors.New("rpc call timed out")
)

type pendingCall struct {
	cb    func(json.RawMessage, error)
	timer *time.Timer
}

// NotificationHandler receives the params of a notification.
type NotificationHandler func(params json.RawMessage)

// RequestHandler answers a request by calling reply once, from any
// goroutine.
type RequestHandler func(params json.RawMessage, reply func(result any, err error))

// Conn is one websocket connection.
type Conn struct {
	ctx       context.Context
	conn      *websocket.Conn
	logger    *log.Logger
	sendCh    chan *Message
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
	msgID     int64

	pendingMu   sync.Mutex
	pending     map[int64]*pendingCall
	closed      bool
	callTimeout time.Duration

	handlersMu      sync.RWMutex
	notifications   map[string]NotificationHandler
	requestHandlers map[string]RequestHandler
}

// Dial connects to a harness server.
func Dial(ctx context.Context, wsURL string, logger *log.Logger) (*Conn, error) {
	wsd := websocket.Dialer{
		HandshakeTimeout: time.Second * 60,
		Proxy:            http.ProxyFromEnvironment,
		WriteBufferSize:  wsWriteBufferSize,
	}

	conn, _, err := wsd.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing %q: %w", wsURL, err)
	}
	return NewConn(ctx, conn, logger), nil
}

// NewConn starts exchanging messages over an established websocket. The
// connection closes when ctx is done.
func NewConn(ctx context.Context, conn *websocket.Conn, logger *log.Logger) *Conn {
	if logger == nil {
		logger = log.NewNullLogger()
	}
	c := &Conn{
		ctx:             ctx,
		conn:            conn,
		logger:          logger,
		sendCh:          make(chan *Message, 32), // Avoid blocking in Call
		done:            make(chan struct{}),
		pending:         make(map[int64]*pendingCall),
		callTimeout:     DefaultCallTimeout,
		notifications:   make(map[string]NotificationHandler),
		requestHandlers: make(map[string]RequestHandler),
	}

	go c.recvLoop()
	go c.sendLoop()
	go func() {
		select {
		case <-ctx.Done():
			c.shutdown(websocket.CloseGoingAway, ctx.Err())
		case <-c.done:
		}
	}()

	return c
}

// Handle registers fn for notifications of method. Notifications are handled
// one at a time, in arrival order.
func (c *Conn) Handle(method string, fn NotificationHandler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.notifications[method] = fn
}

// HandleRequest registers fn for requests of method.
func (c *Conn) HandleRequest(method string, fn RequestHandler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.requestHandlers[method] = fn
}

// Done is closed once the connection is closed.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns the reason the connection closed, or nil.
func (c *Conn) Err() error {
	select {
	case <-c.done:
		return c.closeErr
	default:
		return nil
	}
}

// Close closes the connection. Pending calls fail with ErrClosed.
func (c *Conn) Close() error {
	return c.shutdown(websocket.CloseNormalClosure, nil)
}

// shutdown cleanly closes the websocket and fails pending calls.
func (c *Conn) shutdown(code int, reason error) error {
	var err error

	c.closeOnce.Do(func() {
		defer func() {
			_ = c.conn.Close()
			close(c.done)
		}()

		c.closeErr = reason
		err = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, ""),
			time.Now().Add(10*time.Second),
		)

		c.pendingMu.Lock()
		pending := c.pending
		c.pending = make(map[int64]*pendingCall)
		c.closed = true
		c.pendingMu.Unlock()

		closedErr := ErrClosed
		if reason != nil {
			closedErr = fmt.Errorf("%w: %w", ErrClosed, reason)
		}
		for _, call := range pending {
			call.timer.Stop()
			call.cb(nil, closedErr)
		}
		c.logger.Debugf("rpc:close", "code:%d reason:%v pending:%d", code, reason, len(pending))
	})

	return err
}

func (c *Conn) handleIOError(err error) {
	if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		c.logger.Errorf("rpc", "unexpected close: %v", err)
	}
	code := websocket.CloseGoingAway
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		code = closeErr.Code
	}
	_ = c.shutdown(code, err)
}

func (c *Conn) recvLoop() {
	var decoder jlexer.Lexer
	for {
		_, buf, err := c.conn.ReadMessage()
		if err != nil {
			c.handleIOError(err)
			return
		}

		c.logger.Tracef("rpc:recv", "<- %s", buf)

		var msg Message
		decoder = jlexer.Lexer{Data: buf}
		msg.UnmarshalEasyJSON(&decoder)
		if err := decoder.Error(); err != nil {
			c.logger.Errorf("rpc", "ignoring malformed message: %v", err)
			continue
		}

		switch {
		case msg.isResponse():
			c.resolve(&msg)
		case msg.Method != "" && msg.ID != 0:
			c.serve(&msg)
		case msg.Method != "":
			c.notify(&msg)
		default:
			c.logger.Errorf("rpc", "ignoring malformed incoming message (missing id or method): %s", buf)
		}
	}
}

// takePending removes the call waiting for id. It returns nil when the call
// was already answered, expired or failed by a close.
func (c *Conn) takePending(id int64) *pendingCall {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	call, ok := c.pending[id]
	if !ok {
		return nil
	}
	delete(c.pending, id)
	return call
}

func (c *Conn) resolve(msg *Message) {
	call := c.takePending(msg.ID)
	if call == nil {
		c.logger.Debugf("rpc", "response to unknown or expired request %d", msg.ID)
		return
	}
	call.timer.Stop()
	if msg.Error != nil {
		call.cb(nil, msg.Error)
		return
	}
	call.cb(msg.Result, nil)
}

func (c *Conn) expire(id int64, method string, timeout time.Duration) {
	call := c.takePending(id)
	if call == nil {
		return
	}
	call.cb(nil, fmt.Errorf("%w: %s after %s", ErrCallTimeout, method, timeout))
}

// SetCallTimeout changes how long later calls wait for their response before
// they fail with ErrCallTimeout and are forgotten.
func (c *Conn) SetCallTimeout(d time.Duration) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	c.callTimeout = d
}

// Pending returns the number of calls waiting for a response.
func (c *Conn) Pending() int {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	return len(c.pending)
}

func (c *Conn) notify(msg *Message) {
	c.handlersMu.RLock()
	fn, ok := c.notifications[msg.Method]
	c.handlersMu.RUnlock()
	if !ok {
		c.logger.Debugf("rpc", "no handler for notification %q", msg.Method)
		return
	}
	fn(msg.Params)
}

func (c *Conn) serve(msg *Message) {
	c.handlersMu.RLock()
	fn, ok := c.requestHandlers[msg.Method]
	c.handlersMu.RUnlock()

	id := msg.ID
	var replied atomic.Bool
	reply := func(result any, err error) {
		if !replied.CompareAndSwap(false, true) {
			return
		}
		res := &Message{ID: id}
		if err != nil {
			res.Error = &Error{Message: err.Error()}
		} else if res.Result, err = marshalParams(result); err != nil {
			res.Error = &Error{Message: err.Error()}
		}
		c.enqueue(res)
	}

	if !ok {
		reply(nil, fmt.Errorf("method %q not found", msg.Method))
		return
	}
	go fn(msg.Params, reply)
}

func (c *Conn) enqueue(msg *Message) bool {
	select {
	case c.sendCh <- msg:
		return true
	case <-c.done:
		return false
	}
}

func (c *Conn) sendLoop() {
	var encoder jwriter.Writer
	for {
		select {
		case msg := <-c.sendCh:
			encoder = jwriter.Writer{}
			msg.MarshalEasyJSON(&encoder)
			if err := encoder.Error; err != nil {
				c.logger.Errorf("rpc", "encoding message: %v", err)
				continue
			}

			buf, _ := encoder.BuildBytes()
			c.logger.Tracef("rpc:send", "-> %s", buf)
			writer, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				c.handleIOError(err)
				return
			}
			if _, err := writer.Write(buf); err != nil {
				c.handleIOError(err)
				return
			}
			if err := writer.Close(); err != nil {
				c.handleIOError(err)
				return
			}
		case <-c.done:
			return
		}
	}
}

// Call sends a request and hands the response to cb, from the receiving
// goroutine. cb is called exactly once: with the response, with ErrClosed,
// or with ErrCallTimeout once the call timeout passes unanswered.
func (c *Conn) Call(method string, params any, cb func(result json.RawMessage, err error)) {
	buf, err := marshalParams(params)
	if err != nil {
		cb(nil, fmt.Errorf("encoding %s params: %w", method, err))
		return
	}

	id := atomic.AddInt64(&c.msgID, 1)
	c.pendingMu.Lock()
	if c.closed {
		c.pendingMu.Unlock()
		cb(nil, ErrClosed)
		return
	}
	timeout := c.callTimeout
	c.pending[id] = &pendingCall{
		cb:    cb,
		timer: time.AfterFunc(timeout, func() { c.expire(id, method, timeout) }),
	}
	c.pendingMu.Unlock()

	// A connection closing meanwhile fails the pending call.
	c.enqueue(&Message{ID: id, Method: method, Params: buf})
}

// Notify sends a notification.
func (c *Conn) Notify(method string, params any) error {
	buf, err := marshalParams(params)
	if err != nil {
		return fmt.Errorf("encoding %s params: %w", method, err)
	}
	if !c.enqueue(&Message{Method: method, Params: buf}) {
		return ErrClosed
	}
	return nil
}
