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

package simbrowser

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
	"github.com/dop251/goja"
	"golang.org/x/net/html"

	"github.com/liuxd6825/browser-harness/browserjs"
)

// execLimit interrupts scripts that never return.
const execLimit = 30 * time.Second

type window struct {
	id  string
	url string
	b   *Browser

	mu    sync.Mutex
	doc   *goquery.Document
	vm    *goja.Runtime
	ids   map[*html.Node]int64
	nodes map[int64]*html.Node
	next  int64
}

func newWindow(b *Browser, id, url string, doc *goquery.Document) *window {
	w := &window{
		id:    id,
		url:   url,
		b:     b,
		doc:   doc,
		vm:    goja.New(),
		ids:   make(map[*html.Node]int64),
		nodes: make(map[int64]*html.Node),
	}
	w.bind()
	return w
}

func (w *window) bind() {
	vm := w.vm
	global := vm.GlobalObject()

	dollar, _ := vm.ToValue(w.query).(*goja.Object)
	_ = dollar.Set("filterVisible", w.filterVisible)
	_ = dollar.Set("text", w.text)
	_ = dollar.Set("attr", w.attr)
	_ = dollar.Set("setAttr", w.setAttr)
	_ = dollar.Set("remove", w.remove)
	_ = global.Set("$", dollar)

	console := vm.NewObject()
	_ = console.Set("log", w.consoleFunc(ConsoleLog))
	_ = console.Set("info", w.consoleFunc(ConsoleLog))
	_ = console.Set("warn", w.consoleFunc(ConsoleWarn))
	_ = console.Set("error", w.consoleFunc(ConsoleError))
	_ = global.Set("console", console)

	location := vm.NewObject()
	_ = location.Set("href", w.url)
	win := vm.NewObject()
	_ = win.Set("location", location)
	_ = win.Set("open", w.open)
	_ = win.Set("close", func() { w.b.CloseWindow(w.id) })
	_ = global.Set("window", win)

	document := vm.NewObject()
	_ = document.Set("title", strings.TrimSpace(w.doc.Find("title").First().Text()))
	_ = global.Set("document", document)
}

// exec evaluates fn applied to the JSON encoded args and returns the JSON
// encoding of its result. An undefined result is returned as nil.
func (w *window) exec(fn string, args []byte) (json.RawMessage, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	timer := time.AfterFunc(execLimit, func() {
		w.vm.Interrupt(fmt.Sprintf("exec did not return within %s", execLimit))
	})
	defer func() {
		timer.Stop()
		w.vm.ClearInterrupt()
	}()

	v, err := w.vm.RunString(browserjs.ExecExpression(fn, args))
	if err != nil {
		return nil, fmt.Errorf("exec in window %q: %w", w.id, err)
	}
	if res := v.String(); res != "" {
		return json.RawMessage(res), nil
	}
	return nil, nil
}

func (w *window) throw(err error) {
	panic(w.vm.NewGoError(err))
}

func (w *window) ref(n *html.Node) int64 {
	if id, ok := w.ids[n]; ok {
		return id
	}
	w.next++
	w.ids[n] = w.next
	w.nodes[w.next] = n
	return w.next
}

func (w *window) toJS(nodes []*html.Node) goja.Value {
	els := make([]any, 0, len(nodes))
	for _, n := range nodes {
		proxy := w.vm.NewObject()
		_ = proxy.Set("isElementProxy", true)
		_ = proxy.Set("id", w.ref(n))
		els = append(els, proxy)
	}
	res := w.vm.NewObject()
	_ = res.Set("isElementArray", true)
	_ = res.Set("elements", w.vm.NewArray(els...))
	return res
}

type elementMarker struct {
	IsElementArray bool  `json:"isElementArray"`
	IsElementProxy bool  `json:"isElementProxy"`
	ID             int64 `json:"id"`
	Elements       []struct {
		ID int64 `json:"id"`
	} `json:"elements"`
}

// fromJS resolves an element array or element proxy back to its nodes.
func (w *window) fromJS(v goja.Value) ([]*html.Node, error) {
	if goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, nil
	}
	b, err := v.ToObject(w.vm).MarshalJSON()
	if err != nil {
		return nil, err
	}
	var m elementMarker
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("not an element: %s", b)
	}

	var ids []int64
	switch {
	case m.IsElementArray:
		for _, el := range m.Elements {
			ids = append(ids, el.ID)
		}
	case m.IsElementProxy:
		ids = append(ids, m.ID)
	default:
		return nil, fmt.Errorf("not an element: %s", b)
	}

	nodes := make([]*html.Node, 0, len(ids))
	for _, id := range ids {
		n, ok := w.nodes[id]
		if !ok {
			return nil, fmt.Errorf("element %d does not belong to the current page of window %q", id, w.id)
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

func (w *window) selection(v goja.Value) *goquery.Selection {
	nodes, err := w.fromJS(v)
	if err != nil {
		w.throw(err)
	}
	return w.doc.FindNodes(nodes...)
}

// query implements $(selector[, context]).
func (w *window) query(call goja.FunctionCall) goja.Value {
	selector := call.Argument(0).String()
	matcher, err := cascadia.Compile(selector)
	if err != nil {
		w.throw(fmt.Errorf("invalid selector %q: %w", selector, err))
	}

	scope := w.doc.Selection
	if ctx := call.Argument(1); !goja.IsUndefined(ctx) && !goja.IsNull(ctx) {
		scope = w.selection(ctx)
	}
	return w.toJS(scope.FindMatcher(matcher).Nodes)
}

func (w *window) filterVisible(call goja.FunctionCall) goja.Value {
	nodes, err := w.fromJS(call.Argument(0))
	if err != nil {
		w.throw(err)
	}
	visible := make([]*html.Node, 0, len(nodes))
	for _, n := range nodes {
		if isVisible(n) {
			visible = append(visible, n)
		}
	}
	return w.toJS(visible)
}

func (w *window) text(call goja.FunctionCall) goja.Value {
	return w.vm.ToValue(w.selection(call.Argument(0)).Text())
}

func (w *window) attr(call goja.FunctionCall) goja.Value {
	v, ok := w.selection(call.Argument(0)).Attr(call.Argument(1).String())
	if !ok {
		return goja.Null()
	}
	return w.vm.ToValue(v)
}

func (w *window) setAttr(call goja.FunctionCall) goja.Value {
	w.selection(call.Argument(0)).SetAttr(call.Argument(1).String(), call.Argument(2).String())
	return goja.Undefined()
}

func (w *window) remove(call goja.FunctionCall) goja.Value {
	w.selection(call.Argument(0)).Remove()
	return goja.Undefined()
}

func (w *window) open(call goja.FunctionCall) goja.Value {
	id, err := w.b.OpenPopup(call.Argument(0).String())
	if err != nil {
		w.throw(err)
	}
	return w.vm.ToValue(id)
}

func (w *window) consoleFunc(kind string) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		parts := make([]string, 0, len(call.Arguments))
		for _, arg := range call.Arguments {
			parts = append(parts, arg.String())
		}
		w.b.emitConsole(kind, strings.Join(parts, " "))
		return goja.Undefined()
	}
}

func isVisible(n *html.Node) bool {
	for p := n; p != nil; p = p.Parent {
		if p.Type != html.ElementNode {
			continue
		}
		switch p.Data {
		case "head", "script", "style", "template", "noscript":
			return false
		}
		var inputType, style string
		for _, a := range p.Attr {
			switch strings.ToLower(a.Key) {
			case "hidden":
				return false
			case "type":
				inputType = strings.ToLower(a.Val)
			case "style":
				style = strings.ReplaceAll(strings.ToLower(a.Val), " ", "")
			}
		}
		if p.Data == "input" && inputType == "hidden" {
			return false
		}
		if strings.Contains(style, "display:none") || strings.Contains(style, "visibility:hidden") {
			return false
		}
	}
	return true
}
