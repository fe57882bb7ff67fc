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

package driver

import (
	"context"
	"errors"
	"time"

	"github.com/liuxd6825/browser-harness/flow"
)

const selectorFunc = `function(args){ if (args.context != null) { return $(args.selector, args.context); } return $(args.selector); }`

type selectorArgs struct {
	Selector string    `json:"selector"`
	Context  *Elements `json:"context"`
}

// FindOptions controls the element locator.
type FindOptions struct {
	Selector string
	// Context scopes the search to the descendants of these elements.
	Context *Elements
	// Multi accepts one or more matches instead of exactly one.
	Multi     bool
	StartTime time.Time
	Timeout   time.Duration
	Retry     time.Duration
}

func (d *Driver) withFindDefaults(opts FindOptions) FindOptions {
	if opts.StartTime.IsZero() {
		opts.StartTime = time.Now()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = d.timeouts.Timeout()
	}
	if opts.Retry <= 0 {
		opts.Retry = d.timeouts.Retry()
	}
	return opts
}

// Query runs the selector once, without retrying. A non-nil scope limits
// the search to its descendants. A selector that matches
// nothing yields an empty collection.
func (d *Driver) Query(ctx context.Context, selector string, scope *Elements, cb ElementsCallback) (*Elements, error) {
	if cb == nil {
		return flow.Await(ctx, func(cb func(*Elements, error)) {
			_, _ = d.Query(ctx, selector, scope, cb)
		})
	}

	call := Call{Func: selectorFunc, Args: selectorArgs{Selector: selector, Context: scope}}
	_, _ = d.Exec(ctx, call, func(v Value, err error) {
		if err != nil {
			cb(nil, err)
			return
		}
		cb(d.matches(v), nil)
	})
	return nil, nil
}

func (d *Driver) matches(v Value) *Elements {
	if v.IsElements() {
		return v.Elements()
	}
	return newElements(d, nil)
}

// FindElement waits for the selector to match exactly one element.
func (d *Driver) FindElement(ctx context.Context, opts FindOptions, cb ElementsCallback) (*Elements, error) {
	opts.Multi = false
	return d.find(ctx, opts, cb)
}

// FindElements waits for the selector to match at least one element.
func (d *Driver) FindElements(ctx context.Context, opts FindOptions, cb ElementsCallback) (*Elements, error) {
	opts.Multi = true
	return d.find(ctx, opts, cb)
}

func (d *Driver) find(ctx context.Context, opts FindOptions, cb ElementsCallback) (*Elements, error) {
	opts = d.withFindDefaults(opts)
	if cb == nil {
		return flow.Await(ctx, func(cb func(*Elements, error)) {
			_, _ = d.find(ctx, opts, cb)
		})
	}

	d.logger.Debugf("Driver:FindElement", "selector:%q multi:%t timeout:%s", opts.Selector, opts.Multi, opts.Timeout)

	var found *Elements
	condition := func(done ConditionCallback) {
		_, _ = d.Query(ctx, opts.Selector, opts.Context, func(els *Elements, err error) {
			if err != nil {
				done(false, err)
				return
			}
			found = els
			n := els.Len()
			done(n == 1 || (opts.Multi && n > 0), nil)
		})
	}

	_ = d.WaitFor(ctx, WaitForOptions{
		Condition: condition,
		StartTime: opts.StartTime,
		Timeout:   opts.Timeout,
		Retry:     opts.Retry,
	}, func(err error) {
		switch {
		case err == nil:
			cb(found, nil)
		case errors.Is(err, ErrWaitForTimeout):
			cb(nil, locateError(opts, found.Len()))
		default:
			cb(nil, err)
		}
	})
	return nil, nil
}

func locateError(opts FindOptions, count int) *ElementError {
	if !opts.Multi && count > 1 {
		return &ElementError{Kind: ErrElementAmbiguous, Selector: opts.Selector, Count: count, Timeout: opts.Timeout}
	}
	return &ElementError{Kind: ErrElementNotFound, Selector: opts.Selector, Count: count, Timeout: opts.Timeout}
}
