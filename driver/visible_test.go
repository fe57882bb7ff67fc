package driver

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liuxd6825/browser-harness/flow"
)

func findVisible(t *testing.T, d *Driver, opts FindOptions, multi bool) (*Elements, error) {
	t.Helper()

	var (
		calls  int
		got    *Elements
		gotErr error
	)
	runOnLoop(t, d.Loop(), func() {
		cb := func(els *Elements, err error) {
			calls++
			got, gotErr = els, err
		}
		if multi {
			_, _ = d.FindVisibles(context.Background(), opts, cb)
			return
		}
		_, _ = d.FindVisible(context.Background(), opts, cb)
	})
	require.Equal(t, 1, calls, "callback must fire exactly once")
	return got, gotErr
}

func TestFindVisible(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		matches  []string
		visible  []string
		multi    bool
		want     int
		wantKind error
		wantMsg  string
	}{
		{name: "one visible", matches: []string{"a", "b"}, visible: []string{"b"}, want: 1},
		{
			name: "two visible", matches: []string{"a", "b"}, visible: []string{"a", "b"},
			wantKind: ErrElementVisibilityAmbiguous,
			wantMsg:  `Element ".item" found, but there were too many visible instances (2)`,
		},
		{name: "multi two visible", matches: []string{"a", "b", "c"}, visible: []string{"a", "b"}, multi: true, want: 2},
		{
			name: "not found", matches: nil, visible: nil,
			wantKind: ErrElementNotFound,
			wantMsg:  `Element ".item" not found (timeout: 30)`,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ch := domChannel(always(tt.matches...), always(tt.visible...))
			d, _ := newTestDriver(t, ch)

			els, err := findVisible(t, d, FindOptions{Selector: ".item", Timeout: 30 * time.Millisecond, Retry: 5 * time.Millisecond}, tt.multi)
			if tt.wantKind != nil {
				require.Error(t, err)
				assert.ErrorIs(t, err, tt.wantKind)
				assert.EqualError(t, err, tt.wantMsg)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, els.Len())
		})
	}
}

func TestFindVisibleKeepsOriginalDeadline(t *testing.T) {
	t.Parallel()

	ch := domChannel(always("a"), always())
	d, _ := newTestDriver(t, ch)

	start := time.Now()
	_, err := findVisible(t, d, FindOptions{Selector: "#hidden", Timeout: 40 * time.Millisecond, Retry: 5 * time.Millisecond}, false)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrElementNotVisible)
	assert.EqualError(t, err, `Element "#hidden" was found, but is not visible.`)
	assert.Greater(t, ch.callsTo(filterVisibleFunc), 1)
	assert.GreaterOrEqual(t, elapsed, 40*time.Millisecond)
	// A fresh deadline per retry would never finish.
	assert.Less(t, elapsed, 400*time.Millisecond)
}

func TestFindVisibleBecomesVisible(t *testing.T) {
	t.Parallel()

	ch := domChannel(always("a", "b"), func(attempt int32) []string {
		if attempt < 3 {
			return nil
		}
		return []string{"b"}
	})
	d, _ := newTestDriver(t, ch)

	els, err := findVisible(t, d, FindOptions{Selector: ".item", Timeout: time.Second, Retry: time.Millisecond}, false)
	require.NoError(t, err)
	require.Equal(t, 1, els.Len())
	assert.JSONEq(t, `{"isElementProxy":true,"id":"b"}`, string(els.Refs()[0]))
	assert.Equal(t, 3, ch.callsTo(filterVisibleFunc))
	assert.Equal(t, 3, ch.callsTo(selectorFunc))
}

func TestFindVisibleFilterError(t *testing.T) {
	t.Parallel()

	boom := errors.New("filter failed")
	ch := &fakeChannel{exec: func(desc CallDescriptor, cb func(json.RawMessage, error)) {
		if desc.Func == filterVisibleFunc {
			cb(nil, boom)
			return
		}
		cb(json.RawMessage(elementsJSON("a")), nil)
	}}
	d, _ := newTestDriver(t, ch)

	_, err := findVisible(t, d, FindOptions{Selector: "#a", Timeout: time.Second}, false)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, ch.callsTo(filterVisibleFunc))
}

func TestFindVisibleInFlow(t *testing.T) {
	t.Parallel()

	ch := domChannel(always("a", "b"), always("a", "b"))
	d, loop := newTestDriver(t, ch)

	err := flow.Run(context.Background(), loop, func(ctx context.Context) error {
		els, err := d.FindVisibles(ctx, FindOptions{Selector: "li"}, nil)
		if err != nil {
			return err
		}
		assert.Equal(t, 2, els.Len())
		return nil
	})
	require.NoError(t, err)
}
