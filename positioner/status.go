package positioner

import (
	"github.com/sdss/jaeger/can"
	"github.com/sdss/jaeger/util"
)

// StatusVariant tags which bit layout a 32-bit status word should be read
// with (spec.md §9: "tagged variants for status"). The firmware's minor
// version selects the variant; code that inspects status goes through the
// common Decode accessor rather than branching on bit layout directly.
type StatusVariant int

const (
	// StatusV40 is the firmware 4.0 bit layout.
	StatusV40 StatusVariant = iota
	// StatusV41 is the firmware 4.1+ bit layout (adds precise-move and
	// cogging-calibration bits not present in 4.0).
	StatusV41
	// StatusBootloader is the narrower bit layout exposed while a
	// positioner is running its bootloader (spec.md §3, §9).
	StatusBootloader
)

// VariantFor selects the decoding variant for a firmware version triple.
func VariantFor(v can.FirmwareVersion) StatusVariant {
	if v.IsBootloader() {
		return StatusBootloader
	}
	if v.Minor == 0 {
		return StatusV40
	}
	return StatusV41
}

// bit positions shared across the v4.0 and v4.1+ normal-operation layouts.
const (
	bitSystemInitialized = 0
	bitDatumInitializedV40 = 1
	bitDisplacementCompletedV40 = 2
	bitCollisionDetectedV40 = 3

	bitDatumInitializedV41 = 1
	bitDisplacementCompletedV41 = 4
	bitCollisionDetectedV41 = 5
	bitPreciseMoveAlphaV41 = 6
	bitPreciseMoveBetaV41 = 7

	bitBootloaderReady = 0
	bitBootloaderCollision = 1
)

// Status is the canonical, variant-independent view of a decoded status
// word: the common accessor spec.md §9 requires so callers never branch on
// firmware version themselves.
type Status struct {
	Variant StatusVariant
	Word    uint32
}

// Decode wraps a raw status word with the variant selected for the
// positioner's current firmware.
func Decode(word uint32, variant StatusVariant) Status {
	return Status{Variant: variant, Word: word}
}

// statusBit reads one bit out of a status word's 4 little-endian bytes via
// util.GetBit, the teacher's byte-level bit accessor, rather than a
// hand-rolled shift-and-mask.
func statusBit(word uint32, pos uint) bool {
	byteIdx := pos / 8
	bitIdx := pos % 8
	b := byte(word >> (8 * byteIdx))
	return util.GetBit(b, bitIdx)
}

// IsSystemInitialised reports the SYSTEM_INITIALIZED bit (present in every
// non-bootloader variant at the same position).
func (s Status) IsSystemInitialised() bool {
	if s.Variant == StatusBootloader {
		return false
	}
	return statusBit(s.Word, bitSystemInitialized)
}

// IsDatumInitialised reports whether the positioner's absolute datum has
// been established.
func (s Status) IsDatumInitialised() bool {
	switch s.Variant {
	case StatusV40:
		return statusBit(s.Word, bitDatumInitializedV40)
	case StatusV41:
		return statusBit(s.Word, bitDatumInitializedV41)
	default:
		return false
	}
}

// HasDisplacementCompleted reports whether the positioner's last commanded
// motion has finished (spec.md §4.6 step 6's completion criterion).
func (s Status) HasDisplacementCompleted() bool {
	switch s.Variant {
	case StatusV40:
		return statusBit(s.Word, bitDisplacementCompletedV40)
	case StatusV41:
		return statusBit(s.Word, bitDisplacementCompletedV41)
	default:
		return false
	}
}

// IsCollided reports the firmware collision latch.
func (s Status) IsCollided() bool {
	switch s.Variant {
	case StatusV40:
		return statusBit(s.Word, bitCollisionDetectedV40)
	case StatusV41:
		return statusBit(s.Word, bitCollisionDetectedV41)
	case StatusBootloader:
		return statusBit(s.Word, bitBootloaderCollision)
	}
	return false
}

// IsBootloader reports whether this status word was decoded under the
// bootloader variant.
func (s Status) IsBootloader() bool { return s.Variant == StatusBootloader }

// PreciseMoveAlpha/PreciseMoveBeta are only meaningful under StatusV41;
// earlier firmware has no such bits and always reports false.
func (s Status) PreciseMoveAlpha() bool {
	return s.Variant == StatusV41 && statusBit(s.Word, bitPreciseMoveAlphaV41)
}

func (s Status) PreciseMoveBeta() bool {
	return s.Variant == StatusV41 && statusBit(s.Word, bitPreciseMoveBetaV41)
}

// BootloaderReady reports the bootloader-variant "ready to accept firmware
// data" bit.
func (s Status) BootloaderReady() bool {
	return s.Variant == StatusBootloader && statusBit(s.Word, bitBootloaderReady)
}
