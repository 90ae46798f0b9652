package fps

import "errors"

// Sentinel errors, one per taxonomy entry in spec.md §7 that originates in
// this package rather than can or trajectory.
var (
	// ErrLocked is returned when a non-safe command or trajectory is
	// submitted while the fleet lock is engaged (spec.md §8 property 6).
	ErrLocked = errors.New("fps: fleet is locked, only safe commands are permitted")

	// ErrPositionerDisabled is returned when every target of a command is
	// disabled or offline, or Goto names such a positioner. SendTrajectory
	// reports the same condition with trajectory.ErrPositionerDisabled.
	ErrPositionerDisabled = errors.New("fps: positioner disabled or offline")
)
