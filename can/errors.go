package can

import (
	"errors"
	"strconv"
)

// Sentinel/typed errors, one per taxonomy entry in spec.md §7. Library code
// never panics on a remote or protocol condition; it returns one of these
// (or wraps one with %w), following the teacher's per-package var ErrXxx
// convention (comm.go's ErrNoSerialConf, ErrNotConnected).
var (
	// ErrNotConnected mirrors comm.ErrNotConnected: no frame can be sent or
	// received because the underlying transport has not been opened.
	ErrNotConnected = errors.New("can: interface not connected")

	// ErrUIDPoolExhausted should never occur under the scheduler's
	// exclusion rules (spec.md §4.4); returned defensively if it ever does.
	ErrUIDPoolExhausted = errors.New("can: uid pool exhausted for (command_id, positioner_id)")

	// ErrUnknownOpcode is returned by callers that construct a Command for
	// an opcode absent from the registry.
	ErrUnknownOpcode = errors.New("can: opcode not present in command registry")

	// ErrCancelled is the terminal error surfaced by a Command cancelled
	// before reaching a natural terminal state.
	ErrCancelled = errors.New("can: command cancelled")

	// ErrTimeout is returned when a command's timeout elapses before
	// enough replies have arrived to complete it.
	ErrTimeout = errors.New("can: command timed out")
)

// TransportError wraps a BusInterface failure (disconnect, corrupt frame,
// write failure). It carries the interface index so the scheduler and
// caller can correlate the fault to a specific bus.
type TransportError struct {
	InterfaceIndex int
	Err            error
}

func (e *TransportError) Error() string {
	return "can: transport error on interface " + strconv.Itoa(e.InterfaceIndex) + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error { return e.Err }

// CommandError wraps a reply that carried a non-accepting response code.
type CommandError struct {
	CommandID    CommandID
	PositionerID uint32
	Code         ResponseCode
}

func (e *CommandError) Error() string {
	spec, ok := Describe(e.CommandID)
	name := "unknown"
	if ok {
		name = spec.Name
	}
	return "can: command " + name + " to positioner " + strconv.Itoa(int(e.PositionerID)) +
		" rejected with response code " + strconv.Itoa(int(e.Code))
}
