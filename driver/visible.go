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
	"time"

	"github.com/liuxd6825/browser-harness/flow"
)

// FindVisible waits for exactly one visible element matching the selector.
func (d *Driver) FindVisible(ctx context.Context, opts FindOptions, cb ElementsCallback) (*Elements, error) {
	return d.findVisible(ctx, opts, false, cb)
}

// FindVisibles waits for one or more visible elements matching the selector
// and returns all of them.
func (d *Driver) FindVisibles(ctx context.Context, opts FindOptions, cb ElementsCallback) (*Elements, error) {
	return d.findVisible(ctx, opts, true, cb)
}

func (d *Driver) findVisible(ctx context.Context, opts FindOptions, multi bool, cb ElementsCallback) (*Elements, error) {
	opts = d.withFindDefaults(opts)
	if cb == nil {
		return flow.Await(ctx, func(cb func(*Elements, error)) {
			_, _ = d.findVisible(ctx, opts, multi, cb)
		})
	}

	d.logger.Debugf("Driver:FindVisible", "selector:%q multi:%t timeout:%s", opts.Selector, multi, opts.Timeout)

	// Every locate pass runs in multi mode so hidden duplicates do not make
	// a single visible match ambiguous.
	locate := opts
	locate.Multi = true

	var attempt func()
	attempt = func() {
		_, _ = d.FindElements(ctx, locate, func(els *Elements, err error) {
			if err != nil {
				cb(nil, err)
				return
			}
			_, _ = els.FilterVisible(ctx, func(visible *Elements, err error) {
				if err != nil {
					cb(nil, err)
					return
				}
				switch n := visible.Len(); {
				case n == 0:
					if time.Since(opts.StartTime) < opts.Timeout {
						d.loop.SetTimeout(opts.Retry, attempt)
						return
					}
					cb(nil, &ElementError{Kind: ErrElementNotVisible, Selector: opts.Selector, Timeout: opts.Timeout})
				case n > 1 && !multi:
					cb(nil, &ElementError{
						Kind: ErrElementVisibilityAmbiguous, Selector: opts.Selector, Count: n, Timeout: opts.Timeout,
					})
				default:
					cb(visible, nil)
				}
			})
		})
	}
	attempt()
	return nil, nil
}
