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
	"net/url"
	"strings"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/liuxd6825/browser-harness/cdpchannel"
	"github.com/liuxd6825/browser-harness/driver"
	"github.com/liuxd6825/browser-harness/errext"
	"github.com/liuxd6825/browser-harness/errext/exitcodes"
	"github.com/liuxd6825/browser-harness/eventloop"
	"github.com/liuxd6825/browser-harness/flow"
	"github.com/liuxd6825/browser-harness/log"
	"github.com/liuxd6825/browser-harness/simbrowser"
)

const textFunc = "function(args){ return $.text(args.elements); }"

type probeCmd struct {
	root     *rootCommand
	browser  string
	visible  bool
	all      bool
	timeout  time.Duration
	headless bool
}

func getProbeCmd(root *rootCommand) *cobra.Command {
	c := &probeCmd{root: root}

	probeCmd := &cobra.Command{
		Use:   "probe <url|file> <selector>",
		Short: "Load a page and locate elements in it",
		Long: `Load a page and locate elements in it.

The page is loaded in the chosen browser and the selector is located with the
same retries the driver uses, then the text of every match is printed.`,
		Example: `
  # Wait for exactly one visible headline.
  browser-harness probe --visible https://example.com h1

  # List every link of a local file without Chrome.
  browser-harness probe --all --browser sim ./page.html a`[1:],
		Args: cobra.ExactArgs(2),
		RunE: c.run,
	}
	probeCmd.Flags().AddFlagSet(c.flagSet())
	return probeCmd
}

func (c *probeCmd) flagSet() *pflag.FlagSet {
	flags := pflag.NewFlagSet("", pflag.ContinueOnError)
	flags.SortFlags = false
	flags.StringVar(&c.browser, "browser", launchSim, "browser to load the page in: sim or chrome")
	flags.BoolVar(&c.visible, "visible", false, "only accept visible elements")
	flags.BoolVar(&c.all, "all", false, "accept any number of matches instead of exactly one")
	flags.DurationVar(&c.timeout, "timeout", 0, "how long to wait for the elements, defaults to the config timeout")
	flags.BoolVar(&c.headless, "headless", true, "run Chrome headless")
	return flags
}

func (c *probeCmd) run(cmd *cobra.Command, args []string) error {
	target, selector := args[0], args[1]

	logger, err := c.root.categoryLogger()
	if err != nil {
		return err
	}
	ch, pageURL, closeFn, err := c.openBrowser(cmd.Flags(), target, logger)
	if err != nil {
		return err
	}
	defer closeFn()

	loop := eventloop.New()
	d := driver.New(ch, loop,
		driver.WithConfig(c.root.cfg),
		driver.WithLogger(logger),
		driver.WithContext(c.root.ctx),
	)

	return flow.Run(c.root.ctx, loop, func(ctx context.Context) error {
		if err := d.SetURL(ctx, pageURL, nil); err != nil {
			return fmt.Errorf("loading %s: %w", pageURL, err)
		}

		found, err := c.locate(ctx, d, driver.FindOptions{Selector: selector, Timeout: c.timeout})
		if err != nil {
			return withLookupExitCode(err)
		}
		for i := 0; i < found.Len(); i++ {
			v, err := found.At(i).Exec(ctx, textFunc, nil, nil)
			if err != nil {
				return err
			}
			text, _ := v.Scalar().(string)
			_, _ = fmt.Fprintf(c.root.stdout, "%d\t%s\n", i, strings.TrimSpace(text))
		}
		return nil
	})
}

func (c *probeCmd) locate(ctx context.Context, d *driver.Driver, opts driver.FindOptions) (*driver.Elements, error) {
	switch {
	case c.visible && c.all:
		return d.FindVisibles(ctx, opts, nil)
	case c.visible:
		return d.FindVisible(ctx, opts, nil)
	case c.all:
		return d.FindElements(ctx, opts, nil)
	default:
		return d.FindElement(ctx, opts, nil)
	}
}

// openBrowser starts the browser and resolves target to the URL it loads.
// Local files are registered as pages of the simulated browser and opened
// through file:// in Chrome.
func (c *probeCmd) openBrowser(
	flags *pflag.FlagSet, target string, logger *log.Logger,
) (driver.Channel, string, func(), error) {
	isFile := false
	if u, err := url.Parse(target); err != nil || u.Scheme == "" {
		if ok, _ := afero.Exists(c.root.fs, target); ok {
			isFile = true
		}
	}

	console := func(kind, text string) {
		logger.Infof("console."+kind, "%s", text)
	}

	switch c.browser {
	case launchSim:
		b := simbrowser.New(simbrowser.WithConsole(console), simbrowser.WithLogger(logger))
		if !isFile {
			return b, target, func() {}, nil
		}
		data, err := afero.ReadFile(c.root.fs, target)
		if err != nil {
			return nil, "", nil, err
		}
		pageURL := "file://" + absPath(target)
		b.AddPage(pageURL, string(data))
		return b, pageURL, func() {}, nil
	case launchChrome:
		opts := append(c.root.chromeOptions(flags, c.headless, logger), cdpchannel.WithConsole(console))
		ch, err := startChrome(c.root.ctx, opts...)
		if err != nil {
			return nil, "", nil, err
		}
		pageURL := target
		if isFile {
			pageURL = "file://" + absPath(target)
		}
		return ch, pageURL, ch.Close, nil
	default:
		return nil, "", nil, errext.WithExitCodeIfNone(
			fmt.Errorf("unknown browser %q, expected sim or chrome", c.browser), exitcodes.InvalidConfig)
	}
}

func withLookupExitCode(err error) error {
	switch {
	case errors.Is(err, driver.ErrElementNotFound),
		errors.Is(err, driver.ErrElementAmbiguous),
		errors.Is(err, driver.ErrElementNotVisible),
		errors.Is(err, driver.ErrElementVisibilityAmbiguous):
		return errext.WithExitCodeIfNone(err, exitcodes.ElementLookup)
	case errors.Is(err, driver.ErrWaitForTimeout), driver.IsExecTimeout(err):
		return errext.WithExitCodeIfNone(err, exitcodes.DriverTimeout)
	default:
		return err
	}
}
