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
	"time"

	"github.com/liuxd6825/browser-harness/config"
)

// TimeoutSettings holds the deadline and poll cadence defaults. Unset values
// are looked up in the parent, then in the config package defaults.
type TimeoutSettings struct {
	parent         *TimeoutSettings
	defaultTimeout *time.Duration
	defaultRetry   *time.Duration
}

// NewTimeoutSettings creates a new timeout settings object.
func NewTimeoutSettings(parent *TimeoutSettings) *TimeoutSettings {
	t := &TimeoutSettings{
		parent:         parent,
		defaultTimeout: nil,
		defaultRetry:   nil,
	}
	return t
}

// TimeoutSettingsFromConfig returns root settings carrying cfg's values.
func TimeoutSettingsFromConfig(cfg config.Config) *TimeoutSettings {
	t := NewTimeoutSettings(nil)
	t.SetDefaultTimeout(cfg.Timeout())
	t.SetDefaultRetry(cfg.Retry())
	return t
}

// SetDefaultTimeout sets the operation deadline.
func (t *TimeoutSettings) SetDefaultTimeout(timeout time.Duration) {
	t.defaultTimeout = &timeout
}

// SetDefaultRetry sets the delay between two poll attempts.
func (t *TimeoutSettings) SetDefaultRetry(retry time.Duration) {
	t.defaultRetry = &retry
}

// Timeout returns the effective operation deadline.
func (t *TimeoutSettings) Timeout() time.Duration {
	if t.defaultTimeout != nil {
		return *t.defaultTimeout
	}
	if t.parent != nil {
		return t.parent.Timeout()
	}
	return config.DefaultTimeout
}

// Retry returns the effective poll cadence.
func (t *TimeoutSettings) Retry() time.Duration {
	if t.defaultRetry != nil {
		return *t.defaultRetry
	}
	if t.parent != nil {
		return t.parent.Retry()
	}
	return config.DefaultRetry
}
