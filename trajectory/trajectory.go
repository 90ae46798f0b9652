// Package trajectory implements the time-sampled multi-positioner motion
// protocol: validation, chunked transmission, monitoring, and the
// diagnostic report produced on completion or failure (spec.md §4.6).
package trajectory

import (
	"errors"
	"fmt"
	"sort"
)

// SamplesPerChunk is the firmware's fixed chunk size for SEND_TRAJECTORY_DATA
// (spec.md §4.6 step 1, "commonly 3").
const SamplesPerChunk = 3

// Sample is one (angle, time) waypoint.
type Sample struct {
	AngleDegrees float64
	TimeSeconds  float64
}

// AxisPath is the ordered, non-decreasing-time sample list for one axis.
type AxisPath []Sample

// PositionerPath is one positioner's two-axis trajectory.
type PositionerPath struct {
	Alpha AxisPath
	Beta  AxisPath
}

// Trajectory is a complete multi-positioner motion plan, keyed by
// positioner id (spec.md §3).
type Trajectory struct {
	Paths map[uint32]PositionerPath
}

// New constructs an empty Trajectory ready to have paths added.
func New() *Trajectory {
	return &Trajectory{Paths: make(map[uint32]PositionerPath)}
}

// PositionerIDs returns the trajectory's fingerprint: the sorted set of
// positioner ids it addresses (spec.md §3).
func (t *Trajectory) PositionerIDs() []uint32 {
	ids := make([]uint32, 0, len(t.Paths))
	for id := range t.Paths {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Duration is the maximum sample time across every positioner and axis.
func (t *Trajectory) Duration() float64 {
	var max float64
	for _, path := range t.Paths {
		for _, s := range path.Alpha {
			if s.TimeSeconds > max {
				max = s.TimeSeconds
			}
		}
		for _, s := range path.Beta {
			if s.TimeSeconds > max {
				max = s.TimeSeconds
			}
		}
	}
	return max
}

// Bounds constrains the legal amplitude range for an axis. Validate checks
// every sample against it whenever either limit is non-zero, whether or not
// SafeMode is set (spec.md §4.6 step 1).
type Bounds struct {
	MinDegrees, MaxDegrees float64
}

// ValidateOptions configures Validate's per-axis checks.
type ValidateOptions struct {
	Alpha Bounds
	Beta  Bounds
	// SafeMode additionally forbids beta < MinBetaSafe (spec.md §4.6 step 1).
	SafeMode    bool
	MinBetaSafe float64
	// IsKnown and IsDisabled let the caller reject ids absent from the
	// fleet or sticky-disabled (spec.md §4.8: "trajectories reject if they
	// include such a positioner").
	IsKnown    func(id uint32) bool
	IsDisabled func(id uint32) bool
}

// ErrPositionerDisabled is returned by Validate when the trajectory addresses
// a disabled or unknown positioner.
var ErrPositionerDisabled = errors.New("trajectory: positioner disabled or unknown")

// ErrEmptyAxis is returned when an axis has no samples.
var ErrEmptyAxis = errors.New("trajectory: axis has no samples")

// ErrNonMonotonicTime is returned when an axis's sample times are not
// non-decreasing.
var ErrNonMonotonicTime = errors.New("trajectory: sample times are not non-decreasing")

// ErrOutOfBounds is returned when a sample's angle violates the configured
// per-axis bounds (or the safe-mode minimum beta).
var ErrOutOfBounds = errors.New("trajectory: sample angle out of configured bounds")

// Validate checks every invariant named in spec.md §4.6 step 1. It never
// mutates t and never touches the wire; callers must call this before
// transmitting (testable property 7).
func (t *Trajectory) Validate(opts ValidateOptions) error {
	for id, path := range t.Paths {
		if opts.IsKnown != nil && !opts.IsKnown(id) {
			return fmt.Errorf("%w: positioner %d unknown", ErrPositionerDisabled, id)
		}
		if opts.IsDisabled != nil && opts.IsDisabled(id) {
			return fmt.Errorf("%w: positioner %d disabled", ErrPositionerDisabled, id)
		}
		if err := validateAxis(path.Alpha, opts.Alpha, 0, opts); err != nil {
			return fmt.Errorf("positioner %d alpha: %w", id, err)
		}
		if err := validateAxis(path.Beta, opts.Beta, opts.MinBetaSafe, opts); err != nil {
			return fmt.Errorf("positioner %d beta: %w", id, err)
		}
	}
	return nil
}

func validateAxis(axis AxisPath, bounds Bounds, minBetaSafe float64, opts ValidateOptions) error {
	if len(axis) == 0 {
		return ErrEmptyAxis
	}
	lastTime := -1.0
	for i, s := range axis {
		if s.TimeSeconds < 0 {
			return fmt.Errorf("%w: sample %d has negative time", ErrNonMonotonicTime, i)
		}
		if s.TimeSeconds < lastTime {
			return fmt.Errorf("%w: sample %d", ErrNonMonotonicTime, i)
		}
		lastTime = s.TimeSeconds
		if bounds.MaxDegrees != 0 || bounds.MinDegrees != 0 {
			if s.AngleDegrees < bounds.MinDegrees || s.AngleDegrees > bounds.MaxDegrees {
				return fmt.Errorf("%w: sample %d angle %.3f", ErrOutOfBounds, i, s.AngleDegrees)
			}
		}
		if opts.SafeMode && s.AngleDegrees < minBetaSafe && minBetaSafe != 0 {
			return fmt.Errorf("%w: sample %d below safe-mode minimum beta %.3f", ErrOutOfBounds, i, minBetaSafe)
		}
	}
	return nil
}

// Chunks splits an axis into groups of size samples, the unit
// SEND_TRAJECTORY_DATA transmission checks for cancellation between (spec.md
// §4.6 step 3). size <= 0 falls back to SamplesPerChunk.
func Chunks(axis AxisPath, size int) []AxisPath {
	if size <= 0 {
		size = SamplesPerChunk
	}
	var chunks []AxisPath
	for i := 0; i < len(axis); i += size {
		end := i + size
		if end > len(axis) {
			end = len(axis)
		}
		chunks = append(chunks, axis[i:end])
	}
	return chunks
}
