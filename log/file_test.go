package log

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopCloser struct {
	io.Writer
	closed chan struct{}
}

func (nc *nopCloser) Close() error {
	nc.closed <- struct{}{}
	return nil
}

func TestFileHookFromConfigLine(t *testing.T) {
	t.Parallel()

	tests := []struct {
		line       string
		errMessage string
		wantErr    bool
		wantPath   string
		wantLevels []logrus.Level
	}{
		{line: "file", wantErr: true},
		{line: "file=/harness.log", wantPath: "/harness.log", wantLevels: logrus.AllLevels},
		{line: "file=/harness.log,level=info", wantPath: "/harness.log", wantLevels: logrus.AllLevels[:5]},
		{line: "file=harness.log,level=warning", wantPath: "harness.log", wantLevels: logrus.AllLevels[:4]},
		{line: "file=/missing/dir/", wantErr: true},
		{line: "file=,level=info", wantErr: true, errMessage: "filepath must not be empty"},
		{line: "file=/harness.log,level=tea", wantErr: true, errMessage: "unknown log level tea"},
		{line: "file=/harness.log,level=,", wantErr: true},
		{line: "file=/harness.log,unknown=something", wantErr: true, errMessage: "unknown logfile config key unknown"},
		{
			line:       "unknown=something",
			wantErr:    true,
			errMessage: "logfile configuration should be in the form `file=path-to-local-file` but is `unknown=something`",
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.line, func(t *testing.T) {
			t.Parallel()

			fs := afero.NewMemMapFs()
			require.NoError(t, fs.MkdirAll("/work", 0o755))
			getCwd := func() (string, error) { return "/work", nil }

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			res, err := FileHookFromConfigLine(ctx, fs, getCwd, logrus.New(), tc.line, make(chan struct{}))
			if tc.wantErr {
				require.Error(t, err)
				if tc.errMessage != "" {
					assert.Equal(t, tc.errMessage, err.Error())
				}
				return
			}

			require.NoError(t, err)
			hook, ok := res.(*fileHook)
			require.True(t, ok)
			assert.NotNil(t, hook.w)
			assert.Equal(t, tc.wantPath, hook.path)
			assert.Equal(t, tc.wantLevels, hook.Levels())
		})
	}
}

func TestFileHookFire(t *testing.T) {
	t.Parallel()

	var buffer bytes.Buffer
	nc := &nopCloser{
		Writer: &buffer,
		closed: make(chan struct{}),
	}

	hook := &fileHook{
		w:              nc,
		bw:             bufio.NewWriter(nc),
		levels:         logrus.AllLevels,
		done:           make(chan struct{}),
		fallbackLogger: logrus.New(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	hook.loglines = hook.loop(ctx)

	logger := logrus.New()
	logger.AddHook(hook)
	logger.SetOutput(io.Discard)

	logger.Info("browser said hello")

	time.Sleep(10 * time.Millisecond)

	cancel()
	<-nc.closed
	<-hook.done

	assert.Contains(t, buffer.String(), "browser said hello")
}
