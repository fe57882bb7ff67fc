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
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/liuxd6825/browser-harness/flow"
)

// execTimeoutMarker is part of every exec timeout message. Errors that went
// through a transport as plain text are still recognized by it.
const execTimeoutMarker = "exec timed out"

// Error kinds. Use errors.Is to tell them apart.
var (
	ErrExecTimeout                = errors.New(execTimeoutMarker)
	ErrWaitForTimeout             = errors.New("waitFor condition timed out")
	ErrElementNotFound            = errors.New("element not found")
	ErrElementAmbiguous           = errors.New("element found too many times")
	ErrElementNotVisible          = errors.New("element not visible")
	ErrElementVisibilityAmbiguous = errors.New("element visible too many times")
)

// ProgrammingError is raised with panic on calling-convention misuse: a
// missing callback outside of a flow or a condition of the wrong shape.
type ProgrammingError = flow.ProgrammingError

// ExecTimeoutError is reported when the browser did not answer an exec call
// in time.
type ExecTimeoutError struct {
	Timeout time.Duration
}

func (e *ExecTimeoutError) Error() string {
	return fmt.Sprintf("%s (%d)", execTimeoutMarker, e.Timeout.Milliseconds())
}

// Is makes errors.Is(err, ErrExecTimeout) hold.
func (e *ExecTimeoutError) Is(target error) bool {
	return target == ErrExecTimeout
}

// IsExecTimeout reports whether err is an exec timeout, either as a typed
// error or as a message carrying the exec timeout marker.
func IsExecTimeout(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrExecTimeout) || strings.Contains(err.Error(), execTimeoutMarker)
}

// WaitForTimeoutError is reported when a condition never became true.
type WaitForTimeoutError struct {
	Timeout time.Duration
	// Detail is the caller supplied annotation, if any.
	Detail string
}

func (e *WaitForTimeoutError) Error() string {
	msg := fmt.Sprintf("waitFor condition timed out (%d)", e.Timeout.Milliseconds())
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// Is makes errors.Is(err, ErrWaitForTimeout) hold.
func (e *WaitForTimeoutError) Is(target error) bool {
	return target == ErrWaitForTimeout
}

// ElementError is reported by the element locator and the visibility filter.
// Kind is one of the ErrElement* errors.
type ElementError struct {
	Kind     error
	Selector string
	Count    int
	Timeout  time.Duration
}

func (e *ElementError) Error() string {
	switch e.Kind {
	case ErrElementAmbiguous:
		return fmt.Sprintf("Element %q found, but there were too many instances (%d)", e.Selector, e.Count)
	case ErrElementNotVisible:
		return fmt.Sprintf("Element %q was found, but is not visible.", e.Selector)
	case ErrElementVisibilityAmbiguous:
		return fmt.Sprintf("Element %q found, but there were too many visible instances (%d)", e.Selector, e.Count)
	default:
		return fmt.Sprintf("Element %q not found (timeout: %d)", e.Selector, e.Timeout.Milliseconds())
	}
}

// Unwrap returns the error kind.
func (e *ElementError) Unwrap() error {
	return e.Kind
}
