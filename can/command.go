package can

import (
	"context"
	"sync"
	"time"
)

// State is one of a Command's lifecycle stages (spec.md §4.3).
type State int

const (
	StateReady State = iota
	StateRunning
	StateDone
	StateFailed
	StateTimedOut
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	case StateTimedOut:
		return "timed_out"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

func (s State) Terminal() bool {
	switch s {
	case StateDone, StateFailed, StateTimedOut, StateCancelled:
		return true
	default:
		return false
	}
}

// Command is a stateful awaitable: it goes from Ready to Running once the
// scheduler admits it, collects Replies while Running, and settles into one
// terminal state. It owns no network resources directly; the scheduler
// drives its Submit/HandleReply/Cancel methods.
type Command struct {
	ID           CommandID
	PositionerIDs []uint32 // empty/nil means broadcast
	Broadcast    bool
	Timeout      time.Duration
	IgnoreUnknown bool

	// Payload is the outbound data field carried on every frame this
	// command transmits (e.g. GOTO_ABSOLUTE_POSITION's two step counts,
	// one SEND_TRAJECTORY_DATA sample). PayloadLen bytes of it are sent;
	// zero means the command has no payload (most opcodes).
	Payload    [8]byte
	PayloadLen int

	spec CommandSpec

	mu      sync.Mutex
	state   State
	replies []Reply
	err     error

	acceptedCount int
	expected      int // number of outbound messages this command expects an ack for

	done chan struct{}

	// OnTerminal, if set, is invoked exactly once when the command reaches
	// a terminal state, from whatever goroutine drives the transition.
	OnTerminal func(*Command)
}

// NewCommand constructs a Ready Command for the given opcode and targets.
// positionerIDs is empty for a broadcast. If timeout is zero the command
// completes immediately on submission (fire-and-forget, spec.md §4.3).
func NewCommand(id CommandID, positionerIDs []uint32, timeout time.Duration, ignoreUnknown bool) (*Command, error) {
	spec, ok := Describe(id)
	if !ok {
		return nil, ErrUnknownOpcode
	}
	broadcast := len(positionerIDs) == 0
	expected := spec.NumOutboundMessages
	if !broadcast {
		expected *= len(positionerIDs)
	}
	return &Command{
		ID:            id,
		PositionerIDs: positionerIDs,
		Broadcast:     broadcast,
		Timeout:       timeout,
		IgnoreUnknown: ignoreUnknown,
		spec:          spec,
		state:         StateReady,
		expected:      expected,
		done:          make(chan struct{}),
	}, nil
}

// Spec returns the static registry entry backing this command.
func (c *Command) Spec() CommandSpec { return c.spec }

// WithPayload attaches up to 8 bytes of outbound frame data. It must be
// called before Submit; Command carries no payload by default.
func (c *Command) WithPayload(data []byte) *Command {
	c.PayloadLen = copy(c.Payload[:], data)
	return c
}

// State returns the command's current lifecycle state.
func (c *Command) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Replies returns a snapshot of the replies received so far, in arrival
// order.
func (c *Command) Replies() []Reply {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Reply, len(c.replies))
	copy(out, c.replies)
	return out
}

// Err returns the terminal error, if any. It is only meaningful once
// State().Terminal() is true.
func (c *Command) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Done returns a channel closed when the command reaches a terminal state.
func (c *Command) Done() <-chan struct{} { return c.done }

// Wait blocks until the command terminates or ctx is cancelled.
func (c *Command) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return c.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run transitions Ready -> Running. Called by the scheduler once exclusion
// admits the command. A zero timeout completes the command immediately
// without awaiting any reply (fire-and-forget, spec.md §4.3): late replies
// arriving afterward are silently dropped by HandleReply's terminal check.
func (c *Command) run() {
	c.mu.Lock()
	c.state = StateRunning
	c.mu.Unlock()
	if c.Timeout == 0 {
		c.finish(StateDone, nil)
	}
}

// HandleReply applies an inbound Reply to the command. It is a no-op if the
// command is already terminal (property 4: commands never see replies
// bearing a uid they do not own is enforced by the scheduler's routing, not
// here; this guards against a reply arriving after the command settled).
func (c *Command) HandleReply(r Reply) {
	c.mu.Lock()
	if c.state != StateRunning {
		c.mu.Unlock()
		return
	}
	c.replies = append(c.replies, r)

	accepted := r.ResponseCode == CommandAccepted
	excusedUnknown := r.ResponseCode == UnknownCommand && c.IgnoreUnknown
	if accepted || excusedUnknown {
		c.acceptedCount++
	}

	var (
		terminalState State
		terminalErr   error
		settle        bool
	)
	switch {
	case !accepted && !excusedUnknown:
		terminalState = StateFailed
		terminalErr = &CommandError{CommandID: c.ID, PositionerID: r.PositionerID, Code: r.ResponseCode}
		settle = true
	case c.Broadcast:
		// Broadcasts settle on timeout, not on message count; nothing to
		// do here beyond bookkeeping the acceptance above.
	default:
		if c.acceptedCount >= c.expected {
			terminalState = StateDone
			settle = true
		}
	}
	c.mu.Unlock()

	if settle {
		c.finish(terminalState, terminalErr)
	}
}

// HandleTimeout is invoked by the scheduler's timer when Timeout elapses
// while the command is still Running.
func (c *Command) HandleTimeout() {
	c.mu.Lock()
	if c.state != StateRunning {
		c.mu.Unlock()
		return
	}
	broadcast := c.Broadcast
	accepted := c.acceptedCount
	c.mu.Unlock()

	if broadcast {
		// spec.md §4.3/§7: a broadcast that collected at least one
		// acceptance by the time its timeout fires is Done; otherwise
		// Failed (no participants answered).
		if accepted > 0 {
			c.finish(StateDone, nil)
		} else {
			c.finish(StateFailed, ErrTimeout)
		}
		return
	}
	c.finish(StateTimedOut, ErrTimeout)
}

// Cancel requests early termination. It performs the state transition, and
// the scheduler's OnTerminal hook releases the UID; no abort command is sent,
// by Cancel or by the scheduler, even for opcodes that have an abort form.
func (c *Command) Cancel() {
	c.mu.Lock()
	if c.state.Terminal() {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.finish(StateCancelled, ErrCancelled)
}

// finish performs the one-time terminal transition, closes Done, and
// invokes OnTerminal. It is idempotent: only the first caller to observe a
// non-terminal state executes the transition.
func (c *Command) finish(state State, err error) {
	c.mu.Lock()
	if c.state.Terminal() {
		c.mu.Unlock()
		return
	}
	c.state = state
	c.err = err
	c.mu.Unlock()
	close(c.done)
	if c.OnTerminal != nil {
		c.OnTerminal(c)
	}
}
