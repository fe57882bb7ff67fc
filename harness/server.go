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

// Package harness serves the harness page and turns every browser connecting
// back to it into a driver session.
package harness

import (
	"context"
	"embed"
	"io"
	"io/fs"
	"net/http"
	"sort"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/liuxd6825/browser-harness/browserjs"
	"github.com/liuxd6825/browser-harness/config"
	"github.com/liuxd6825/browser-harness/driver"
	"github.com/liuxd6825/browser-harness/log"
)

// Server events.
const (
	// EventReady carries a *Session whose browser finished its setup.
	EventReady = "ready"
	// EventSessionClose carries a *Session whose connection closed.
	EventSessionClose = "close"
)

// WebSocketPath is where harness pages connect back to.
const WebSocketPath = "/ws"

//go:embed static
var staticFS embed.FS

// Server is the http.Handler of the harness. It serves the harness page and
// accepts the websocket connections the page opens.
type Server struct {
	driver.BaseEventEmitter

	ctx      context.Context
	cfg      config.Config
	logger   *log.Logger
	upgrader websocket.Upgrader
	static   http.Handler

	mu       sync.Mutex
	sessions map[string]*Session
}

// Option configures a Server.
type Option func(*Server)

// WithConfig sets the defaults of the drivers the server creates.
func WithConfig(cfg config.Config) Option {
	return func(s *Server) {
		s.cfg = cfg
	}
}

// WithLogger sets the logger.
func WithLogger(logger *log.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// NewServer returns a harness server. Sessions are closed once ctx is done.
func NewServer(ctx context.Context, opts ...Option) *Server {
	static, err := fs.Sub(staticFS, "static")
	if err != nil {
		panic(err)
	}
	s := &Server{
		BaseEventEmitter: driver.NewBaseEventEmitter(ctx),
		ctx:              ctx,
		cfg:              config.NewConfig(),
		logger:           log.NewNullLogger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		static:   http.FileServer(http.FS(static)),
		sessions: make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case WebSocketPath:
		s.serveWebSocket(w, r)
	case "/helpers.js":
		w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
		_, _ = io.WriteString(w, browserjs.Helpers)
	default:
		s.static.ServeHTTP(w, r)
	}
}

func (s *Server) serveWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied with an error status.
		s.logger.Warnf("harness", "upgrading %s: %v", r.RemoteAddr, err)
		return
	}
	sess := s.newSession(ws)
	s.logger.Infof("harness", "browser connected from %s, session %s", r.RemoteAddr, sess.ID())
}

// Session returns an open session by id, or nil.
func (s *Server) Session(id string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[id]
}

// Sessions returns the open sessions, ordered by id.
func (s *Server) Sessions() []*Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].id < sessions[j].id })
	return sessions
}

// WaitReady returns the next session to become ready. Sessions that became
// ready before the call are not reported; use On(EventReady) to observe
// every session.
func (s *Server) WaitReady(ctx context.Context) (*Session, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch := make(chan driver.Event)
	s.On(ctx, []string{EventReady}, ch)
	select {
	case ev := <-ch:
		sess, _ := ev.Data.(*Session)
		return sess, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
