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

// Package cmd implements the browser-harness command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/liuxd6825/browser-harness/cdpchannel"
	"github.com/liuxd6825/browser-harness/config"
	"github.com/liuxd6825/browser-harness/env"
	"github.com/liuxd6825/browser-harness/errext"
	"github.com/liuxd6825/browser-harness/errext/exitcodes"
	"github.com/liuxd6825/browser-harness/log"
)

// BannerColor is used for the banner of the root command.
var BannerColor = color.New(color.FgCyan)

const (
	defaultConfigFileName = "browser-harness.json"
	waitFileLoggerTimeout = 5 * time.Second
)

// consoleWriter serializes writes of the logger and the commands.
type consoleWriter struct {
	io.Writer
	mu *sync.Mutex
}

func (w *consoleWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.Writer.Write(p)
}

// rootCommand keeps the state shared by all subcommands.
type rootCommand struct {
	ctx            context.Context
	fs             afero.Fs
	lookupEnv      func(string) (string, bool)
	logger         *logrus.Logger
	fallbackLogger logrus.FieldLogger
	cmd            *cobra.Command
	stdout         *consoleWriter
	stderr         *consoleWriter
	stderrTTY      bool

	loggerStopped <-chan struct{}
	logOutput     string
	logFmt        string
	logFilter     string
	configFile    string
	verbose       bool
	noColor       bool

	cfg config.Config
}

func newRootCommand(ctx context.Context, logger *logrus.Logger, fallbackLogger logrus.FieldLogger) *rootCommand {
	outMutex := &sync.Mutex{}
	c := &rootCommand{
		ctx:            ctx,
		fs:             afero.NewOsFs(),
		lookupEnv:      os.LookupEnv,
		logger:         logger,
		fallbackLogger: fallbackLogger,
		stdout:         &consoleWriter{colorable.NewColorableStdout(), outMutex},
		stderr:         &consoleWriter{colorable.NewColorableStderr(), outMutex},
		stderrTTY:      isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()),
		cfg:            config.NewConfig(),
	}
	if path, ok := os.LookupEnv("BROWSER_HARNESS_CONFIG"); ok {
		c.configFile = path
	}

	c.cmd = &cobra.Command{
		Use:               "browser-harness",
		Short:             "drive live browser sessions from Go",
		Long:              BannerColor.Sprint("\nbrowser-harness serves a harness page and drives the browsers that load it."),
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: c.persistentPreRunE,
	}
	c.cmd.PersistentFlags().AddFlagSet(c.rootCmdPersistentFlagSet())
	c.cmd.AddCommand(getServeCmd(c), getProbeCmd(c))
	return c
}

func (c *rootCommand) persistentPreRunE(cmd *cobra.Command, _ []string) error {
	if !cmd.Flags().Changed("log-output") {
		if envLogOutput, ok := c.lookupEnv("BROWSER_HARNESS_LOG_OUTPUT"); ok {
			c.logOutput = envLogOutput
		}
	}

	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	c.cfg = cfg

	if c.noColor {
		color.NoColor = true
		c.stdout.Writer = colorable.NewNonColorable(os.Stdout)
		c.stderr.Writer = colorable.NewNonColorable(os.Stderr)
	}

	c.loggerStopped, err = c.setupLoggers()
	if err != nil {
		return err
	}
	c.logger.Debugf("config: timeout=%s retry=%s address=%s", c.cfg.Timeout(), c.cfg.Retry(), c.cfg.Address.String)
	return nil
}

// loadConfig merges the defaults, the JSON config file and the environment.
// A missing file is only an error when it was asked for explicitly.
func (c *rootCommand) loadConfig() (config.Config, error) {
	path := c.configFile
	explicit := path != ""
	if !explicit {
		path = defaultConfigFileName
	}

	data, err := afero.ReadFile(c.fs, path)
	switch {
	case errors.Is(err, os.ErrNotExist) && !explicit:
		data = nil
	case err != nil:
		return config.Config{}, errext.WithExitCodeIfNone(
			fmt.Errorf("reading config file %q: %w", path, err), exitcodes.InvalidConfig)
	}

	cfg, err := config.LoadFile(path, data, c.lookupEnv)
	if err != nil {
		return cfg, errext.WithExitCodeIfNone(errext.WithHint(
			fmt.Errorf("loading config: %w", err),
			"the config file is JSON or YAML with the keys timeoutMS, retryMS, logLevel and address",
		), exitcodes.InvalidConfig)
	}
	return cfg, nil
}

// Execute adds all child commands to the root command and runs it. It is
// called by main.main().
func Execute() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger := &logrus.Logger{
		Out:       os.Stderr,
		Formatter: new(logrus.TextFormatter),
		Hooks:     make(logrus.LevelHooks),
		Level:     logrus.InfoLevel,
	}
	var fallbackLogger logrus.FieldLogger = &logrus.Logger{
		Out:       os.Stderr,
		Formatter: new(logrus.TextFormatter),
		Hooks:     make(logrus.LevelHooks),
		Level:     logrus.InfoLevel,
	}

	c := newRootCommand(ctx, logger, fallbackLogger)
	if err := c.cmd.Execute(); err != nil {
		if ctx.Err() != nil {
			err = errext.WithExitCodeIfNone(err, exitcodes.ExternalAbort)
		}
		errText, fields := errext.Format(err)
		logger.WithFields(fields).Error(errText)
		cancel()
		c.waitFileLogger()
		os.Exit(errext.ExitCode(err, -1))
	}

	cancel()
	c.waitFileLogger()
}

func (c *rootCommand) waitFileLogger() {
	if c.loggerStopped == nil {
		return
	}
	select {
	case <-c.loggerStopped:
	case <-time.After(waitFileLoggerTimeout):
		c.fallbackLogger.Errorf("file logger didn't stop in %s", waitFileLoggerTimeout)
	}
}

func (c *rootCommand) rootCmdPersistentFlagSet() *pflag.FlagSet {
	flags := pflag.NewFlagSet("", pflag.ContinueOnError)
	flags.BoolVarP(&c.verbose, "verbose", "v", false, "enable debug logging")
	flags.BoolVar(&c.noColor, "no-color", false, "disable colored output")
	flags.StringVar(&c.logOutput, "log-output", "stderr",
		"change the output for logs, possible values are stderr,stdout,none,file[=./path.fileformat]")
	flags.StringVar(&c.logFmt, "log-format", "", "log output format, one of text,json,raw")
	flags.StringVar(&c.logFilter, "log-category-filter", "", "regexp of the log categories to show")
	flags.StringVarP(&c.configFile, "config", "c", c.configFile, "JSON or YAML config file")
	flags.Lookup("config").DefValue = defaultConfigFileName
	must(cobra.MarkFlagFilename(flags, "config"))
	return flags
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}

// RawFormatter does nothing with the message but print it.
type RawFormatter struct{}

// Format renders a single log entry.
func (f RawFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	return append([]byte(entry.Message), '\n'), nil
}

// setupLoggers configures the logrus logger. The returned channel is closed
// once a file logger has flushed after the root context is done; it is
// closed right away for the other outputs.
func (c *rootCommand) setupLoggers() (<-chan struct{}, error) {
	ch := make(chan struct{})
	close(ch)

	level := c.cfg.LogLevel.String
	if c.verbose {
		level = "debug"
	}
	if level != "" {
		lvl, err := logrus.ParseLevel(level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", level, err)
		}
		c.logger.SetLevel(lvl)
	}

	switch c.logOutput {
	case "stderr":
		c.logger.SetOutput(c.stderr)
	case "stdout":
		c.logger.SetOutput(c.stdout)
	case "none":
		c.logger.SetOutput(io.Discard)
	default:
		if !strings.HasPrefix(c.logOutput, "file") {
			return nil, errext.WithExitCodeIfNone(
				fmt.Errorf("unsupported log output `%s`", c.logOutput), exitcodes.InvalidConfig)
		}
		ch = make(chan struct{})
		hook, err := log.FileHookFromConfigLine(c.ctx, c.fs, os.Getwd, c.fallbackLogger, c.logOutput, ch)
		if err != nil {
			return nil, err
		}
		c.logger.AddHook(hook)
		c.logger.SetOutput(io.Discard)
	}

	switch c.logFmt {
	case "raw":
		c.logger.SetFormatter(&RawFormatter{})
	case "json":
		c.logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		c.logger.SetFormatter(&logrus.TextFormatter{ForceColors: c.stderrTTY, DisableColors: c.noColor})
	}
	return ch, nil
}

// categoryLogger wraps the command logger for the harness packages.
func (c *rootCommand) categoryLogger() (*log.Logger, error) {
	var filter *regexp.Regexp
	if c.logFilter != "" {
		var err error
		if filter, err = regexp.Compile(c.logFilter); err != nil {
			return nil, fmt.Errorf("invalid log category filter: %w", err)
		}
	}
	return log.New(c.logger, filter), nil
}

// chromeOptions configures cdpchannel from the flags and the environment. A
// headless flag given on the command line wins over BROWSER_HARNESS_HEADLESS.
func (c *rootCommand) chromeOptions(flags *pflag.FlagSet, headless bool, logger *log.Logger) []cdpchannel.Option {
	if !flags.Changed("headless") {
		headless = env.IsHeadless(c.lookupEnv)
	}
	opts := []cdpchannel.Option{cdpchannel.WithHeadless(headless), cdpchannel.WithLogger(logger)}
	if wsURL, ok := env.RemoteBrowser(c.lookupEnv); ok {
		opts = append(opts, cdpchannel.WithRemoteURL(wsURL))
	}
	return opts
}

// startChrome wraps cdpchannel.New with the exit code of a missing browser.
func startChrome(ctx context.Context, opts ...cdpchannel.Option) (*cdpchannel.Channel, error) {
	ch, err := cdpchannel.New(ctx, opts...)
	if err != nil {
		return nil, errext.WithExitCodeIfNone(errext.WithHint(err,
			"install Chrome or Chromium, or set "+env.CDPURL+" to the devtools URL of a running one",
		), exitcodes.BrowserUnavailable)
	}
	return ch, nil
}

// absPath resolves p against the working directory.
func absPath(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}
