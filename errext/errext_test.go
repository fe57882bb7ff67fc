package errext

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liuxd6825/browser-harness/errext/exitcodes"
)

func TestWithExitCodeIfNone(t *testing.T) {
	t.Parallel()

	assert.NoError(t, WithExitCodeIfNone(nil, exitcodes.InvalidConfig))

	base := errors.New("boom")
	err := WithExitCodeIfNone(base, exitcodes.InvalidConfig)
	require.ErrorIs(t, err, base)
	assert.Equal(t, int(exitcodes.InvalidConfig), ExitCode(err, -1))

	// The innermost code wins.
	err = WithExitCodeIfNone(fmt.Errorf("wrapped: %w", err), exitcodes.ExternalAbort)
	assert.Equal(t, int(exitcodes.InvalidConfig), ExitCode(err, -1))

	assert.Equal(t, -1, ExitCode(base, -1))
}

func TestWithHint(t *testing.T) {
	t.Parallel()

	assert.NoError(t, WithHint(nil, "hint"))

	base := errors.New("boom")
	err := WithHint(base, "inner")
	err = WithHint(fmt.Errorf("outer: %w", err), "outer")

	var herr HasHint
	require.True(t, errors.As(err, &herr))
	assert.Equal(t, "outer (inner)", herr.Hint())
	assert.ErrorIs(t, err, base)
}

func TestFormat(t *testing.T) {
	t.Parallel()

	text, fields := Format(nil)
	assert.Empty(t, text)
	assert.Nil(t, fields)

	err := WithExitCodeIfNone(WithHint(errors.New("no chrome"), "install chromium"), exitcodes.BrowserUnavailable)
	text, fields = Format(err)
	assert.Equal(t, "no chrome", text)
	assert.Equal(t, map[string]any{"hint": "install chromium", "exitCode": 107}, fields)
}
