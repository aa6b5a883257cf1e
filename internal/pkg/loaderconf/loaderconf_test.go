// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package loaderconf_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/declos/sdboot-install/internal/pkg/loaderconf"
)

func TestMarshal(t *testing.T) {
	t.Parallel()

	s := loaderconf.New()
	s.Set("timeout", "5")
	s.Set("editor", "yes")
	s.Unset("editor")
	s.Set("default", "nixos-*")

	assert.Equal(t, "timeout 5\ndefault nixos-*\n", string(s.Marshal()))
}

func TestUnmarshal(t *testing.T) {
	t.Parallel()

	for _, test := range []struct {
		name string

		input string

		expectedError string
		expectedKeys  []string
	}{
		{
			name:         "simple",
			input:        "timeout 5\ndefault nixos-generation-7.conf\n",
			expectedKeys: []string{"timeout", "default"},
		},
		{
			name:         "comments_and_blank_lines",
			input:        "# loader.conf\n\ntimeout 5\n\n# end\n",
			expectedKeys: []string{"timeout"},
		},
		{
			name:         "value_with_spaces",
			input:        "options init=/sbin/init loglevel=4\n",
			expectedKeys: []string{"options"},
		},
		{
			name:         "tab_separated",
			input:        "timeout\t10\n",
			expectedKeys: []string{"timeout"},
		},
		{
			name:         "unknown_keys_preserved",
			input:        "frobnicate on\ntimeout 5\n",
			expectedKeys: []string{"frobnicate", "timeout"},
		},
		{
			name:          "key_without_value",
			input:         "timeout 5\neditor\n",
			expectedError: "loader configuration parse error: line 2: key \"editor\" has no value",
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			s, err := loaderconf.Unmarshal([]byte(test.input))

			if test.expectedError != "" {
				require.Error(t, err)
				assert.EqualError(t, err, test.expectedError)
				assert.ErrorIs(t, err, loaderconf.ErrSettingsParse)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, test.expectedKeys, s.Keys())
		})
	}
}

// Parsing serialized settings yields the same settings with absent keys
// removed; information about unset keys is not recoverable.
func TestRoundTrip(t *testing.T) {
	t.Parallel()

	s := loaderconf.New()
	s.Set("timeout", "5")
	s.Unset("editor")
	s.Set("default", "nixos-*")
	s.Set("console-mode", "keep")
	s.Unset("console-mode")

	reparsed, err := loaderconf.Unmarshal(s.Marshal())
	require.NoError(t, err)

	expected := loaderconf.New()
	expected.Set("timeout", "5")
	expected.Set("default", "nixos-*")

	assert.Empty(t, cmp.Diff(expected.Marshal(), reparsed.Marshal()))
	assert.Equal(t, expected.Keys(), reparsed.Keys())
}

func TestMerge(t *testing.T) {
	t.Parallel()

	base := loaderconf.New()
	base.Set("timeout", "5")
	base.Set("default", "nixos-*")
	base.Set("console-mode", "keep")

	overrides := loaderconf.New()
	overrides.Set("timeout", "10")
	overrides.Unset("console-mode")
	overrides.Set("editor", "no")

	base.Merge(overrides)

	// existing keys keep their position, new keys append, absent overrides unset
	assert.Equal(t, "timeout 10\ndefault nixos-*\neditor no\n", string(base.Marshal()))

	value, ok := base.Get("console-mode")
	assert.False(t, ok)
	assert.Empty(t, value)
}
