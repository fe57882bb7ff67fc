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
	"encoding/json"
	"fmt"

	"github.com/liuxd6825/browser-harness/flow"
)

const filterVisibleFunc = `function(args){ return $.filterVisible(args.elements); }`

// Elements is a collection of live browser elements. It keeps a non-owning
// reference to the Driver it came from, so further calls can be scoped to it.
type Elements struct {
	refs   []json.RawMessage
	driver *Driver
}

func newElements(d *Driver, refs []json.RawMessage) *Elements {
	return &Elements{refs: refs, driver: d}
}

// Len returns the number of elements. A nil collection is empty.
func (e *Elements) Len() int {
	if e == nil {
		return 0
	}
	return len(e.refs)
}

// At returns the i-th element as a one-element collection.
func (e *Elements) At(i int) *Elements {
	return newElements(e.driver, []json.RawMessage{e.refs[i]})
}

// Refs returns the opaque element references sent by the browser.
func (e *Elements) Refs() []json.RawMessage {
	if e == nil {
		return nil
	}
	return e.refs
}

// Driver returns the driver the elements are bound to.
func (e *Elements) Driver() *Driver {
	return e.driver
}

// MarshalJSON encodes the collection back into the element array form the
// browser understands, so collections can be passed as call arguments.
func (e *Elements) MarshalJSON() ([]byte, error) {
	refs := e.Refs()
	if refs == nil {
		refs = []json.RawMessage{}
	}
	return json.Marshal(struct {
		IsElementArray bool              `json:"isElementArray"`
		Elements       []json.RawMessage `json:"elements"`
	}{true, refs})
}

// Exec runs fn in the browser with `{elements, args}` as its argument, where
// elements resolves to this collection.
func (e *Elements) Exec(ctx context.Context, fn string, args any, cb Callback) (Value, error) {
	return e.driver.Exec(ctx, Call{
		Func: fn,
		Args: scopedArgs{Elements: e, Args: args},
	}, cb)
}

type scopedArgs struct {
	Elements *Elements `json:"elements"`
	Args     any       `json:"args,omitempty"`
}

// FilterVisible returns the sub-collection whose members are currently
// visible. The result is empty, never nil, when nothing is visible.
func (e *Elements) FilterVisible(ctx context.Context, cb ElementsCallback) (*Elements, error) {
	if cb == nil {
		return flow.Await(ctx, func(cb func(*Elements, error)) {
			_, _ = e.FilterVisible(ctx, cb)
		})
	}

	_, _ = e.Exec(ctx, filterVisibleFunc, nil, func(v Value, err error) {
		if err != nil {
			cb(nil, err)
			return
		}
		switch {
		case v.IsElements():
			cb(v.Elements(), nil)
		case !v.Truthy():
			cb(newElements(e.driver, nil), nil)
		default:
			cb(nil, fmt.Errorf("filtering visible elements: unexpected %s result %s", v.Kind(), truncate(string(v.Raw()), 64)))
		}
	})
	return nil, nil
}
