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

package harness

import (
	"context"
	"fmt"

	"github.com/liuxd6825/browser-harness/driver"
	"github.com/liuxd6825/browser-harness/log"
	"github.com/liuxd6825/browser-harness/rpc"
)

// Connect attaches a browser backend to the harness server at wsURL, like the
// harness page does. newChannel receives the connection so the backend can
// forward its console output with rpc.ConsoleForwarder.
func Connect(
	ctx context.Context, wsURL string, logger *log.Logger, newChannel func(*rpc.Conn) driver.Channel,
) (*rpc.Conn, error) {
	conn, err := rpc.Dial(ctx, wsURL, logger)
	if err != nil {
		return nil, err
	}
	rpc.Serve(conn, newChannel(conn))
	if err := conn.Notify(rpc.MethodSetup, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("sending setup: %w", err)
	}
	return conn, nil
}
