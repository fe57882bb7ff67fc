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

// Package testutils holds helpers shared by tests.
package testutils

import (
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// LogHook records the entries of a logrus logger so tests can check what
// was logged.
type LogHook struct {
	HookedLevels []logrus.Level
	mutex        sync.Mutex
	messageCache []logrus.Entry
}

// Levels returns the levels the hook records.
func (h *LogHook) Levels() []logrus.Level {
	return h.HookedLevels
}

// Fire records e.
func (h *LogHook) Fire(e *logrus.Entry) error {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.messageCache = append(h.messageCache, *e)
	return nil
}

// Drain returns the recorded entries and forgets them.
func (h *LogHook) Drain() []logrus.Entry {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	res := h.messageCache
	h.messageCache = []logrus.Entry{}
	return res
}

// Contains reports whether a recorded message contains substr.
func (h *LogHook) Contains(substr string) bool {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	for _, e := range h.messageCache {
		if strings.Contains(e.Message, substr) {
			return true
		}
	}
	return false
}

var _ logrus.Hook = &LogHook{}
