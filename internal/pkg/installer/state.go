// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package installer

// State is the orchestrator state.
//
// The run advances Idle → Locking → Enrolling → Discovering → Installing →
// Pruning → Done; any state can transition to Failed on unrecoverable error.
type State int

// Orchestrator states.
const (
	StateIdle State = iota
	StateLocking
	StateEnrolling
	StateDiscovering
	StateInstalling
	StatePruning
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLocking:
		return "locking"
	case StateEnrolling:
		return "enrolling"
	case StateDiscovering:
		return "discovering"
	case StateInstalling:
		return "installing"
	case StatePruning:
		return "pruning"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}
