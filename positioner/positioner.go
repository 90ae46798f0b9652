// Package positioner holds the per-robot state the FPS coordinator mutates
// as command replies arrive: position, status, firmware version, and the
// sticky flags governing whether a positioner may be addressed at all.
package positioner

import (
	"sync"
	"time"

	"github.com/sdss/jaeger/can"
)

// DefaultMotorSteps is steps_per_revolution on the wire; steps_per_degree =
// DefaultMotorSteps / 360 (spec.md §6). WithMotorSteps overrides it for one
// positioner; Config has no setting for it.
const DefaultMotorSteps = 1 << 30

// Flags are the sticky and transient booleans tracked per positioner
// (spec.md §3).
type Flags struct {
	Disabled          bool // sticky across re-initialisation
	Offline           bool // did not answer during discovery
	NoCollisionDetect bool
	OpenLoop          bool
	Bootloader        bool
	Initialised       bool
}

// Positioner is one robot's in-memory state. Its fields are guarded by mu
// and are mutated from several goroutines (the FPS coordinator's discovery
// and pollers, and the trajectory engine's status polls); Fps.Get hands out
// the *Positioner itself, and Snapshot returns a consistent copy.
type Positioner struct {
	mu sync.RWMutex

	id uint32

	motorSteps int32

	hasPosition bool
	alphaSteps  int32
	betaSteps   int32

	status          uint32
	firmwareVersion can.FirmwareVersion
	hasFirmware     bool

	interfaceIndex int
	busIndex       int
	located        bool

	flags Flags

	collided         bool
	collisionCleared bool

	lastSeen time.Time
}

// New constructs a Positioner with the wire's default motor-step count. id
// must not be 0 (the broadcast address; spec.md §3).
func New(id uint32) *Positioner {
	return &Positioner{id: id, motorSteps: DefaultMotorSteps}
}

// WithMotorSteps overrides the gear-ratio constant used by DegreesToSteps
// and StepsToDegrees, for fleets configured with a non-default encoder
// resolution (spec.md §6, "configurable").
func (p *Positioner) WithMotorSteps(steps int32) *Positioner {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.motorSteps = steps
	return p
}

// ID returns the positioner's CAN address.
func (p *Positioner) ID() uint32 { return p.id }

// Snapshot is an immutable copy of a Positioner's state, safe to hand to
// callers outside the demultiplex goroutine.
type Snapshot struct {
	ID              uint32
	Alpha, Beta     float64
	HasPosition     bool
	Status          uint32
	FirmwareVersion can.FirmwareVersion
	HasFirmware     bool
	InterfaceIndex  int
	BusIndex        int
	Located         bool
	Flags           Flags
	Collided        bool
	LastSeen        time.Time
}

// Snapshot returns a consistent point-in-time copy of the positioner.
func (p *Positioner) Snapshot() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s := Snapshot{
		ID:              p.id,
		HasPosition:     p.hasPosition,
		Status:          p.status,
		FirmwareVersion: p.firmwareVersion,
		HasFirmware:     p.hasFirmware,
		InterfaceIndex:  p.interfaceIndex,
		BusIndex:        p.busIndex,
		Located:         p.located,
		Flags:           p.flags,
		Collided:        p.collided,
		LastSeen:        p.lastSeen,
	}
	if p.hasPosition {
		s.Alpha = stepsToDegrees(p.alphaSteps, p.motorSteps)
		s.Beta = stepsToDegrees(p.betaSteps, p.motorSteps)
	}
	return s
}

// SetLocation records the (interface, bus) a positioner was discovered on.
func (p *Positioner) SetLocation(loc can.PositionerLocation) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.interfaceIndex = loc.InterfaceIndex
	p.busIndex = loc.BusIndex
	p.located = true
}

// Location returns the positioner's discovered bus location.
func (p *Positioner) Location() (can.PositionerLocation, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.located {
		return can.PositionerLocation{}, false
	}
	return can.PositionerLocation{InterfaceIndex: p.interfaceIndex, BusIndex: p.busIndex}, true
}

// SetPositionSteps applies a GET_ACTUAL_POSITION reply.
func (p *Positioner) SetPositionSteps(alpha, beta int32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.alphaSteps = alpha
	p.betaSteps = beta
	p.hasPosition = true
	p.lastSeen = time.Now()
}

// SetFirmwareVersion applies a GET_FIRMWARE_VERSION reply, deriving the
// bootloader flag from the version triple (spec.md §3).
func (p *Positioner) SetFirmwareVersion(v can.FirmwareVersion) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.firmwareVersion = v
	p.hasFirmware = true
	p.flags.Bootloader = v.IsBootloader()
	p.lastSeen = time.Now()
}

// SetStatus applies a GET_STATUS reply and updates the collided latch. It
// returns true if the collided bit transitioned from clear to set, the
// signal the FPS coordinator uses to trigger locking (spec.md §4.8).
func (p *Positioner) SetStatus(word uint32, collided bool) (newlyCollided bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status = word
	p.lastSeen = time.Now()
	if collided && !p.collided {
		newlyCollided = true
	}
	p.collided = collided
	if !collided {
		p.collisionCleared = true
	}
	return newlyCollided
}

// Collided reports the latched firmware collision bit, independent of
// FpsState.locked (unlock() does not clear it; spec.md §4.8).
func (p *Positioner) Collided() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.collided
}

// SetDisabled toggles the sticky disabled flag (survives re-initialisation).
func (p *Positioner) SetDisabled(disabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.flags.Disabled = disabled
}

// SetOffline marks whether the positioner answered during the most recent
// discovery pass.
func (p *Positioner) SetOffline(offline bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.flags.Offline = offline
}

// Excluded reports whether the positioner is disabled or offline. The FPS
// coordinator silently drops such positioners from every targeted command,
// safe or not, and rejects a trajectory that names one (spec.md §4.8).
func (p *Positioner) Excluded() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.flags.Disabled || p.flags.Offline
}

// DegreesToSteps converts a target angle to the signed 32-bit wire
// representation, using this positioner's configured gear ratio. Negative
// or out-of-[0,360) angles are valid (spec.md §4.7: "must not clip the
// starting position").
func (p *Positioner) DegreesToSteps(degrees float64) int32 {
	p.mu.RLock()
	steps := p.motorSteps
	p.mu.RUnlock()
	return degreesToSteps(degrees, steps)
}

// StepsToDegrees is the inverse of DegreesToSteps.
func (p *Positioner) StepsToDegrees(steps int32) float64 {
	p.mu.RLock()
	motorSteps := p.motorSteps
	p.mu.RUnlock()
	return stepsToDegrees(steps, motorSteps)
}

func degreesToSteps(degrees float64, motorSteps int32) int32 {
	stepsPerDegree := float64(motorSteps) / 360.0
	return int32(degrees * stepsPerDegree)
}

func stepsToDegrees(steps int32, motorSteps int32) float64 {
	stepsPerDegree := float64(motorSteps) / 360.0
	return float64(steps) / stepsPerDegree
}
