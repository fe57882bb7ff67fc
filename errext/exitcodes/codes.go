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

// Package exitcodes lists the exit codes of the browser-harness command.
package exitcodes

// ExitCode is a process exit code.
type ExitCode uint8

// Exit codes of the command line.
const (
	InvalidConfig      ExitCode = 104
	ExternalAbort      ExitCode = 105
	CannotListen       ExitCode = 106
	BrowserUnavailable ExitCode = 107
	ElementLookup      ExitCode = 108
	DriverTimeout      ExitCode = 109
)
