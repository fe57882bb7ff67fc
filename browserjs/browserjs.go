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

// Package browserjs holds the script every real browser backend installs in
// the pages it drives. It defines the $ element helpers driver calls rely on.
package browserjs

import (
	_ "embed"
)

// Helpers defines installHarnessHelpers(window) and installs the helpers in
// the global scope it is evaluated in.
//
//go:embed helpers.js
var Helpers string

// ExecExpression returns an expression applying fn to the JSON encoded args.
// It evaluates to the JSON encoding of the result, or to an empty string for
// an undefined result.
func ExecExpression(fn string, args []byte) string {
	if len(args) == 0 {
		args = []byte("null")
	}
	return "(function(){ var r = (" + fn + ")(" + string(args) + "); " +
		`return r === undefined ? "" : JSON.stringify(r); })()`
}
