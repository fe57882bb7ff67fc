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

package errext

import "errors"

// Format returns the text of err and the log fields describing it.
func Format(err error) (string, map[string]any) {
	if err == nil {
		return "", nil
	}

	fields := make(map[string]any)
	var herr HasHint
	if errors.As(err, &herr) {
		fields["hint"] = herr.Hint()
	}
	var ecerr HasExitCode
	if errors.As(err, &ecerr) {
		fields["exitCode"] = int(ecerr.ExitCode())
	}
	return err.Error(), fields
}
