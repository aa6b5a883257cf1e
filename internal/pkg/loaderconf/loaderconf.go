// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package loaderconf implements the systemd-boot loader configuration format:
// one `key value` pair per line, whitespace-separated, free-form keys.
package loaderconf

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/siderolabs/gen/optional"
)

// ErrSettingsParse indicates malformed loader configuration text.
var ErrSettingsParse = errors.New("loader configuration parse error")

// Settings is an ordered set of loader configuration keys.
//
// A key set to the absent value is omitted entirely from the serialized
// output: absent means "do not configure this key", and that intent is not
// recoverable by parsing the output back.
type Settings struct {
	entries []entry
}

type entry struct {
	key   string
	value optional.Optional[string]
}

// New creates empty Settings.
func New() *Settings {
	return &Settings{}
}

// Set sets the value for a key, preserving the position of an existing key.
func (s *Settings) Set(key, value string) {
	s.set(key, optional.Some(value))
}

// Unset marks the key as absent: it is dropped from serialized output.
func (s *Settings) Unset(key string) {
	s.set(key, optional.None[string]())
}

func (s *Settings) set(key string, value optional.Optional[string]) {
	for i := range s.entries {
		if s.entries[i].key == key {
			s.entries[i].value = value

			return
		}
	}

	s.entries = append(s.entries, entry{key: key, value: value})
}

// Get returns the value for a key; ok is false for absent or unknown keys.
func (s *Settings) Get(key string) (string, bool) {
	for _, e := range s.entries {
		if e.key == key {
			return e.value.Get()
		}
	}

	return "", false
}

// Merge applies overrides on top of s, last writer wins per key.
//
// Keys already present keep their position, new keys are appended in the
// override order. Absent-valued overrides unset the key.
func (s *Settings) Merge(overrides *Settings) {
	if overrides == nil {
		return
	}

	for _, e := range overrides.entries {
		s.set(e.key, e.value)
	}
}

// Keys returns the keys with a present value, in iteration order.
func (s *Settings) Keys() []string {
	var keys []string

	for _, e := range s.entries {
		if _, ok := e.value.Get(); ok {
			keys = append(keys, e.key)
		}
	}

	return keys
}

// Marshal serializes the settings, one line per present key.
func (s *Settings) Marshal() []byte {
	var buf bytes.Buffer

	for _, e := range s.entries {
		if value, ok := e.value.Get(); ok {
			fmt.Fprintf(&buf, "%s %s\n", e.key, value)
		}
	}

	return buf.Bytes()
}

// Unmarshal parses loader configuration text.
//
// Unknown keys are preserved opaquely, the format is open. Blank lines and
// `#` comments are skipped. A key without a value is a syntax error.
func Unmarshal(data []byte) (*Settings, error) {
	s := New()

	for lineno, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)

		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, ok := strings.Cut(line, " ")
		if !ok {
			key, value, ok = strings.Cut(line, "\t")
		}

		value = strings.TrimSpace(value)

		if !ok || value == "" {
			return nil, fmt.Errorf("%w: line %d: key %q has no value", ErrSettingsParse, lineno+1, key)
		}

		s.Set(key, value)
	}

	return s, nil
}
