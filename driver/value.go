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
	"bytes"
	"encoding/json"
	"fmt"
	"math"

	"github.com/tidwall/gjson"
)

// ValueKind tells what an exec result holds.
type ValueKind int

// Value kinds.
const (
	KindUndefined ValueKind = iota
	KindScalar
	KindElements
)

func (k ValueKind) String() string {
	switch k {
	case KindScalar:
		return "scalar"
	case KindElements:
		return "elements"
	default:
		return "undefined"
	}
}

// Value is the result of a browser call: nothing, a plain JSON value or a
// collection of live elements. A single element is a one-element collection.
type Value struct {
	kind     ValueKind
	raw      json.RawMessage
	scalar   any
	elements *Elements
}

// ScalarValue wraps a plain Go value, mostly useful for tests and channels
// evaluating conditions locally.
func ScalarValue(v any) Value {
	raw, _ := json.Marshal(v)
	return Value{kind: KindScalar, raw: raw, scalar: v}
}

// Kind returns the kind of v.
func (v Value) Kind() ValueKind { return v.kind }

// IsElements reports whether v holds an element collection.
func (v Value) IsElements() bool { return v.kind == KindElements }

// Elements returns the element collection held by v, or nil.
func (v Value) Elements() *Elements { return v.elements }

// Scalar returns the decoded JSON value held by v, or nil.
func (v Value) Scalar() any { return v.scalar }

// Raw returns the JSON the browser sent.
func (v Value) Raw() json.RawMessage { return v.raw }

// Decode unmarshals the browser JSON into dst.
func (v Value) Decode(dst any) error {
	if len(v.raw) == 0 {
		return fmt.Errorf("decoding %s value: no data", v.kind)
	}
	return json.Unmarshal(v.raw, dst)
}

// Truthy applies JavaScript truthiness to v. Element collections are always
// truthy, like arrays are, even when empty.
func (v Value) Truthy() bool {
	switch v.kind {
	case KindElements:
		return true
	case KindScalar:
		return truthy(v.scalar)
	default:
		return false
	}
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case float64:
		return t != 0 && !math.IsNaN(t)
	case int:
		return t != 0
	case int64:
		return t != 0
	case string:
		return t != ""
	default:
		return true
	}
}

// convertResult turns the raw JSON of an exec response into a Value. Element
// array and element proxy payloads become collections bound to d.
func (d *Driver) convertResult(raw json.RawMessage) (Value, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return Value{}, nil
	}
	if !gjson.ValidBytes(trimmed) {
		return Value{}, fmt.Errorf("parsing exec result: invalid JSON %q", truncate(string(trimmed), 64))
	}

	res := gjson.ParseBytes(trimmed)
	if res.IsObject() {
		switch {
		case res.Get("isElementArray").Bool():
			refs := make([]json.RawMessage, 0)
			res.Get("elements").ForEach(func(_, el gjson.Result) bool {
				refs = append(refs, json.RawMessage(el.Raw))
				return true
			})
			return Value{kind: KindElements, raw: trimmed, elements: newElements(d, refs)}, nil
		case res.Get("isElementProxy").Bool():
			refs := []json.RawMessage{trimmed}
			return Value{kind: KindElements, raw: trimmed, elements: newElements(d, refs)}, nil
		}
	}

	var scalar any
	if err := json.Unmarshal(trimmed, &scalar); err != nil {
		return Value{}, fmt.Errorf("parsing exec result: %w", err)
	}
	return Value{kind: KindScalar, raw: trimmed, scalar: scalar}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
