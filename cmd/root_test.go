package cmd

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liuxd6825/browser-harness/errext"
	"github.com/liuxd6825/browser-harness/errext/exitcodes"
	"github.com/liuxd6825/browser-harness/testutils"
)

type testRoot struct {
	*rootCommand
	out    *bytes.Buffer
	cancel context.CancelFunc
}

func newTestRoot(t *testing.T, env map[string]string) *testRoot {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	c := newRootCommand(ctx, logger, logger)
	c.fs = afero.NewMemMapFs()
	c.lookupEnv = func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
	out := &bytes.Buffer{}
	c.stdout = &consoleWriter{out, &sync.Mutex{}}
	c.stderr = &consoleWriter{io.Discard, &sync.Mutex{}}
	return &testRoot{rootCommand: c, out: out, cancel: cancel}
}

func TestLoadConfig(t *testing.T) {
	t.Parallel()

	t.Run("defaults without a file", func(t *testing.T) {
		t.Parallel()

		c := newTestRoot(t, nil)
		cfg, err := c.loadConfig()
		require.NoError(t, err)
		assert.Equal(t, 10*time.Second, cfg.Timeout())
		assert.Equal(t, 10*time.Millisecond, cfg.Retry())
	})

	t.Run("file then environment", func(t *testing.T) {
		t.Parallel()

		c := newTestRoot(t, map[string]string{"BROWSER_HARNESS_RETRY_MS": "20"})
		require.NoError(t, afero.WriteFile(c.fs, defaultConfigFileName, []byte(`{"timeoutMS": 1234, "retryMS": 5}`), 0o644))
		cfg, err := c.loadConfig()
		require.NoError(t, err)
		assert.Equal(t, 1234*time.Millisecond, cfg.Timeout())
		assert.Equal(t, 20*time.Millisecond, cfg.Retry())
	})

	t.Run("explicit file must exist", func(t *testing.T) {
		t.Parallel()

		c := newTestRoot(t, nil)
		c.configFile = "missing.json"
		_, err := c.loadConfig()
		assert.ErrorContains(t, err, `reading config file "missing.json"`)
	})

	t.Run("broken file", func(t *testing.T) {
		t.Parallel()

		c := newTestRoot(t, nil)
		require.NoError(t, afero.WriteFile(c.fs, defaultConfigFileName, []byte(`{`), 0o644))
		_, err := c.loadConfig()
		assert.ErrorContains(t, err, "loading config")
		assert.Equal(t, int(exitcodes.InvalidConfig), errext.ExitCode(err, -1))
	})
}

func TestSetupLoggers(t *testing.T) {
	t.Parallel()

	t.Run("unsupported output", func(t *testing.T) {
		t.Parallel()

		c := newTestRoot(t, nil)
		c.logOutput = "syslog"
		_, err := c.setupLoggers()
		assert.ErrorContains(t, err, "unsupported log output `syslog`")
	})

	t.Run("verbose wins over the config", func(t *testing.T) {
		t.Parallel()

		c := newTestRoot(t, nil)
		c.logOutput = "none"
		c.verbose = true
		_, err := c.setupLoggers()
		require.NoError(t, err)
		assert.Equal(t, logrus.DebugLevel, c.logger.GetLevel())
	})

	t.Run("invalid level", func(t *testing.T) {
		t.Parallel()

		c := newTestRoot(t, nil)
		c.logOutput = "none"
		c.cfg.LogLevel.String = "loud"
		_, err := c.setupLoggers()
		assert.ErrorContains(t, err, `invalid log level "loud"`)
	})

	t.Run("file output", func(t *testing.T) {
		t.Parallel()

		c := newTestRoot(t, nil)
		c.logOutput = "file=/harness.log"
		stopped, err := c.setupLoggers()
		require.NoError(t, err)
		require.NotNil(t, stopped)

		exists, err := afero.Exists(c.fs, "/harness.log")
		require.NoError(t, err)
		assert.True(t, exists)
	})
}

func TestCategoryFilter(t *testing.T) {
	t.Parallel()

	c := newTestRoot(t, nil)
	c.logFilter = "("
	_, err := c.categoryLogger()
	assert.ErrorContains(t, err, "invalid log category filter")

	c.logFilter = "^Driver:"
	l, err := c.categoryLogger()
	require.NoError(t, err)
	assert.NotNil(t, l)
}

const probePage = `<html><body>
<ul>
  <li class="item">one</li>
  <li class="item" hidden>two</li>
  <li class="item">three</li>
</ul>
</body></html>`

func TestProbe(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name    string
		args    []string
		want    string
		wantErr string
		code    exitcodes.ExitCode
	}{
		{
			name: "all matches",
			args: []string{"--all", "page.html", ".item"},
			want: "0\tone\n1\ttwo\n2\tthree\n",
		},
		{
			name: "visible matches",
			args: []string{"--all", "--visible", "page.html", ".item"},
			want: "0\tone\n1\tthree\n",
		},
		{
			name:    "single match is ambiguous",
			args:    []string{"--timeout", "50ms", "page.html", ".item"},
			wantErr: `Element ".item" found, but there were too many instances (3)`,
			code:    exitcodes.ElementLookup,
		},
		{
			name:    "single visible match is ambiguous",
			args:    []string{"--visible", "--timeout", "50ms", "page.html", ".item"},
			wantErr: `Element ".item" found, but there were too many visible instances (2)`,
			code:    exitcodes.ElementLookup,
		},
		{
			name:    "not found",
			args:    []string{"--timeout", "50ms", "page.html", "#nothing"},
			wantErr: `Element "#nothing" not found (timeout: 50)`,
			code:    exitcodes.ElementLookup,
		},
		{
			name:    "unknown browser",
			args:    []string{"--browser", "lynx", "page.html", "li"},
			wantErr: `unknown browser "lynx"`,
			code:    exitcodes.InvalidConfig,
		},
	}
	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			c := newTestRoot(t, nil)
			require.NoError(t, afero.WriteFile(c.fs, "page.html", []byte(probePage), 0o644))
			c.cmd.SetArgs(append([]string{"probe", "--log-output", "none"}, tc.args...))

			err := c.cmd.Execute()
			if tc.wantErr != "" {
				assert.ErrorContains(t, err, tc.wantErr)
				assert.Equal(t, int(tc.code), errext.ExitCode(err, -1))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, c.out.String())
		})
	}
}

func TestServeRejectsUnknownBrowser(t *testing.T) {
	t.Parallel()

	c := newTestRoot(t, nil)
	c.cmd.SetArgs([]string{"serve", "--log-output", "none", "--address", "127.0.0.1:0", "--launch", "lynx"})
	err := c.cmd.Execute()
	assert.ErrorContains(t, err, `unknown browser "lynx"`)
}

func TestServeWithSimulatedBrowser(t *testing.T) {
	t.Parallel()

	c := newTestRoot(t, nil)
	hook := &testutils.LogHook{HookedLevels: logrus.AllLevels}
	c.logger.AddHook(hook)
	c.cmd.SetArgs([]string{"serve", "--log-output", "none", "--address", "127.0.0.1:0", "--launch", "sim"})

	done := make(chan error, 1)
	go func() { done <- c.cmd.Execute() }()

	require.Eventually(t, func() bool { return hook.Contains("ready") }, 5*time.Second, 10*time.Millisecond)
	assert.True(t, hook.Contains("harness listening on http://127.0.0.1:"))

	c.cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not stop")
	}
}
