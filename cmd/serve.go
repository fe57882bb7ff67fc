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

package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/guregu/null.v3"

	"github.com/liuxd6825/browser-harness/driver"
	"github.com/liuxd6825/browser-harness/errext"
	"github.com/liuxd6825/browser-harness/errext/exitcodes"
	"github.com/liuxd6825/browser-harness/harness"
	"github.com/liuxd6825/browser-harness/log"
	"github.com/liuxd6825/browser-harness/rpc"
	"github.com/liuxd6825/browser-harness/simbrowser"
)

const shutdownTimeout = 5 * time.Second

// Browsers serve can start next to the harness.
const (
	launchNone   = "none"
	launchChrome = "chrome"
	launchSim    = "sim"
)

type serveCmd struct {
	root     *rootCommand
	address  string
	launch   string
	headless bool
}

func getServeCmd(root *rootCommand) *cobra.Command {
	c := &serveCmd{root: root}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the harness page and accept browser sessions",
		Long: `Serve the harness page and accept browser sessions.

Every browser that loads the harness page connects back over a websocket and
becomes a session. With --launch a browser is started and pointed at the page.`,
		Example: `
  # Serve on the configured address and wait for browsers.
  browser-harness serve

  # Serve and start a headless Chrome session.
  browser-harness serve --launch chrome`[1:],
		Args: cobra.NoArgs,
		RunE: c.run,
	}
	serveCmd.Flags().AddFlagSet(c.flagSet())
	return serveCmd
}

func (c *serveCmd) flagSet() *pflag.FlagSet {
	flags := pflag.NewFlagSet("", pflag.ContinueOnError)
	flags.SortFlags = false
	flags.StringVarP(&c.address, "address", "a", "", "address to listen on, overrides the config")
	flags.StringVar(&c.launch, "launch", launchNone, "browser to start against the harness: none, chrome or sim")
	flags.BoolVar(&c.headless, "headless", true, "run a launched Chrome headless")
	return flags
}

func (c *serveCmd) run(cmd *cobra.Command, _ []string) error {
	ctx, cancel := context.WithCancel(c.root.ctx)
	defer cancel()

	cfg := c.root.cfg
	if c.address != "" {
		cfg.Address = null.StringFrom(c.address)
	}
	logger, err := c.root.categoryLogger()
	if err != nil {
		return err
	}

	srv := harness.NewServer(ctx, harness.WithConfig(cfg), harness.WithLogger(logger))
	events := make(chan driver.Event)
	srv.On(ctx, []string{harness.EventReady, harness.EventSessionClose}, events)
	go logSessions(ctx, events, logger)

	ln, err := net.Listen("tcp", cfg.Address.String)
	if err != nil {
		return errext.WithExitCodeIfNone(
			fmt.Errorf("listening on %s: %w", cfg.Address.String, err), exitcodes.CannotListen)
	}
	httpSrv := &http.Server{Handler: srv, ReadHeaderTimeout: 10 * time.Second}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- httpSrv.Serve(ln)
	}()

	harnessURL := "http://" + ln.Addr().String() + "/"
	c.root.logger.Infof("harness listening on %s", harnessURL)

	stop, err := c.startBrowser(ctx, cmd.Flags(), harnessURL, logger)
	if err != nil {
		_ = httpSrv.Close()
		return err
	}
	defer stop()

	select {
	case err = <-serveErr:
	case <-ctx.Done():
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// startBrowser starts the browser asked for with --launch and returns its
// cleanup.
func (c *serveCmd) startBrowser(
	ctx context.Context, flags *pflag.FlagSet, harnessURL string, logger *log.Logger,
) (func(), error) {
	switch c.launch {
	case launchNone, "":
		return func() {}, nil
	case launchChrome:
		ch, err := startChrome(ctx, c.root.chromeOptions(flags, c.headless, logger)...)
		if err != nil {
			return nil, err
		}
		done := make(chan error, 1)
		ch.SetURL(harnessURL, func(err error) { done <- err })
		if err := <-done; err != nil {
			ch.Close()
			return nil, fmt.Errorf("opening the harness page: %w", err)
		}
		return ch.Close, nil
	case launchSim:
		u, err := url.Parse(harnessURL)
		if err != nil {
			return nil, err
		}
		u.Scheme, u.Path = "ws", harness.WebSocketPath
		conn, err := harness.Connect(ctx, u.String(), logger, func(conn *rpc.Conn) driver.Channel {
			return simbrowser.New(
				simbrowser.WithConsole(rpc.ConsoleForwarder(conn)),
				simbrowser.WithLogger(logger),
			)
		})
		if err != nil {
			return nil, err
		}
		return func() { _ = conn.Close() }, nil
	default:
		return nil, errext.WithExitCodeIfNone(
			fmt.Errorf("unknown browser %q, expected none, chrome or sim", c.launch), exitcodes.InvalidConfig)
	}
}

func logSessions(ctx context.Context, events <-chan driver.Event, logger *log.Logger) {
	for {
		select {
		case ev := <-events:
			sess, ok := ev.Data.(*harness.Session)
			if !ok {
				continue
			}
			switch ev.Type {
			case harness.EventReady:
				logger.Infof("serve", "session %s ready", sess.ID())
			case harness.EventSessionClose:
				logger.Infof("serve", "session %s closed", sess.ID())
			}
		case <-ctx.Done():
			return
		}
	}
}
