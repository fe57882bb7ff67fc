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

package rpc

import (
	"encoding/json"

	"github.com/mailru/easyjson"
	"github.com/mailru/easyjson/jlexer"
	"github.com/mailru/easyjson/jwriter"
)

var (
	_ easyjson.Marshaler   = &Message{}
	_ easyjson.Unmarshaler = &Message{}
)

// Message is a request (id and method), a response (id) or a notification
// (method only).
type Message struct {
	ID     int64
	Method string
	Params json.RawMessage
	Result json.RawMessage
	Error  *Error
}

// Error is the error member of a response.
type Error struct {
	Message string `json:"message"`
}

// Error returns the remote error message.
func (e *Error) Error() string {
	return e.Message
}

func (m *Message) isResponse() bool {
	return m.ID != 0 && m.Method == ""
}

// MarshalEasyJSON writes m as a JSON object, leaving out empty members.
func (m *Message) MarshalEasyJSON(out *jwriter.Writer) {
	out.RawByte('{')
	first := true
	field := func(name string) {
		if !first {
			out.RawByte(',')
		}
		first = false
		out.RawString(`"` + name + `":`)
	}
	if m.ID != 0 {
		field("id")
		out.Int64(m.ID)
	}
	if m.Method != "" {
		field("method")
		out.String(m.Method)
	}
	if len(m.Params) != 0 {
		field("params")
		out.Raw(m.Params, nil)
	}
	if len(m.Result) != 0 {
		field("result")
		out.Raw(m.Result, nil)
	}
	if m.Error != nil {
		field("error")
		out.RawString(`{"message":`)
		out.String(m.Error.Message)
		out.RawByte('}')
	}
	out.RawByte('}')
}

// UnmarshalEasyJSON reads m. Unknown members are skipped and a plain string
// error member is accepted as well as an error object.
func (m *Message) UnmarshalEasyJSON(in *jlexer.Lexer) {
	if in.IsNull() {
		in.Skip()
		return
	}
	in.Delim('{')
	for !in.IsDelim('}') {
		key := in.UnsafeFieldName(false)
		in.WantColon()
		if in.IsNull() {
			in.Skip()
			// A null result is a value; only a missing result is undefined.
			if key == "result" {
				m.Result = json.RawMessage("null")
			}
			in.WantComma()
			continue
		}
		switch key {
		case "id":
			m.ID = in.Int64()
		case "method":
			m.Method = in.String()
		case "params":
			m.Params = append(json.RawMessage(nil), in.Raw()...)
		case "result":
			m.Result = append(json.RawMessage(nil), in.Raw()...)
		case "error":
			m.Error = unmarshalError(in)
		default:
			in.SkipRecursive()
		}
		in.WantComma()
	}
	in.Delim('}')
	in.Consumed()
}

func unmarshalError(in *jlexer.Lexer) *Error {
	e := &Error{}
	if !in.IsDelim('{') {
		e.Message = in.String()
		return e
	}
	in.Delim('{')
	for !in.IsDelim('}') {
		key := in.UnsafeFieldName(false)
		in.WantColon()
		switch key {
		case "message":
			e.Message = in.String()
		default:
			in.SkipRecursive()
		}
		in.WantComma()
	}
	in.Delim('}')
	return e
}

// marshalParams encodes params with easyjson when it can, encoding/json
// otherwise. Nil params are left out of the message.
func marshalParams(params any) (json.RawMessage, error) {
	switch p := params.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case easyjson.Marshaler:
		return easyjson.Marshal(p)
	default:
		return json.Marshal(p)
	}
}
