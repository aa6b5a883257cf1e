// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package generation discovers bootable system generations on disk.
//
// A generation is an immutable profile link published by the build system,
// named `<profile>-<number>-link`, optionally carrying specialisations as
// subdirectories of `<profile>/specialisation/`.
package generation

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"

	"go.uber.org/zap"
)

// ErrNoGenerations indicates that the glob matched no profile links.
var ErrNoGenerations = errors.New("no generations found")

// Generation describes one bootable system profile.
//
// Uniquely identified by (Number, Specialisation); never mutated after
// discovery.
type Generation struct {
	// ProfilePath is the resolved path of the profile link; for a
	// specialisation it points into the specialisation subdirectory.
	ProfilePath string
	// Specialisation is empty for the base generation.
	Specialisation string
	// Number is the generation counter assigned by the build system.
	Number int
}

// ID returns the deterministic boot entry identifier for the generation.
func (g Generation) ID() string {
	if g.Specialisation == "" {
		return fmt.Sprintf("nixos-generation-%d", g.Number)
	}

	return fmt.Sprintf("nixos-generation-%d-specialisation-%s", g.Number, g.Specialisation)
}

var profileLinkRegexp = regexp.MustCompile(`-(\d+)-link$`)

// Discover resolves the glob into generations sorted by number descending,
// specialisations directly after their base generation.
//
// Profile links with an unparsable generation number are skipped with a
// warning. Zero glob matches is ErrNoGenerations.
func Discover(logger *zap.Logger, glob string) ([]Generation, error) {
	matches, err := filepath.Glob(glob)
	if err != nil {
		return nil, fmt.Errorf("invalid generation glob %q: %w", glob, err)
	}

	if len(matches) == 0 {
		return nil, fmt.Errorf("%w: glob %q matched nothing", ErrNoGenerations, glob)
	}

	var generations []Generation

	for _, match := range matches {
		m := profileLinkRegexp.FindStringSubmatch(filepath.Base(match))
		if m == nil {
			logger.Warn("skipping profile with unparsable name", zap.String("path", match))

			continue
		}

		number, err := strconv.Atoi(m[1])
		if err != nil {
			logger.Warn("skipping profile with unparsable generation number", zap.String("path", match), zap.Error(err))

			continue
		}

		generations = append(generations, Generation{
			ProfilePath: match,
			Number:      number,
		})

		generations = append(generations, discoverSpecialisations(logger, match, number)...)
	}

	if len(generations) == 0 {
		return nil, fmt.Errorf("%w: glob %q matched no valid profile links", ErrNoGenerations, glob)
	}

	// number descending; base generation before its specialisations,
	// specialisations in name order
	sort.SliceStable(generations, func(i, j int) bool {
		if generations[i].Number != generations[j].Number {
			return generations[i].Number > generations[j].Number
		}

		return generations[i].Specialisation < generations[j].Specialisation
	})

	return generations, nil
}

func discoverSpecialisations(logger *zap.Logger, profilePath string, number int) []Generation {
	entries, err := os.ReadDir(filepath.Join(profilePath, "specialisation"))
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logger.Warn("failed to read specialisations", zap.String("path", profilePath), zap.Error(err))
		}

		return nil
	}

	var generations []Generation

	for _, entry := range entries {
		generations = append(generations, Generation{
			ProfilePath:    filepath.Join(profilePath, "specialisation", entry.Name()),
			Specialisation: entry.Name(),
			Number:         number,
		})
	}

	return generations
}
