package can

import (
	"context"
	"log"
	"sync"
	"time"
)

// PositionerLocation is where the scheduler should fan a unicast command
// out to: the interface/bus pair a positioner was discovered on.
type PositionerLocation struct {
	InterfaceIndex int
	BusIndex       int
}

// LocationResolver maps a positioner id to its discovered bus location.
// The Fps coordinator implements this; the scheduler has no notion of
// Positioner objects itself.
type LocationResolver interface {
	Locate(positionerID uint32) (PositionerLocation, bool)
}

// exclusionKey is (command_id, positioner_id) for unicast, and
// (command_id, BroadcastPositionerID) for broadcasts; spec.md §4.4.
type exclusionKey struct {
	CommandID    CommandID
	PositionerID uint32
}

// CanScheduler enforces per-(command_id, positioner_id) exclusion, uid
// allocation, and fan-out to the correct BusInterface/bus for each
// positioner. It is the single place frames are written to the wire.
type CanScheduler struct {
	codec     *IdentifierCodec
	uids      *uidPool
	locator   LocationResolver
	backlog   int // set by NewScheduler but never read: frames go straight to Send, with no queue or backpressure here

	interfaces map[int]BusInterface

	mu       sync.Mutex
	inFlight map[exclusionKey]*Command
	// waiters holds FIFO queues of commands blocked on an exclusion key,
	// keyed the same way.
	waiters map[exclusionKey][]*pendingSubmit

	// broadcastActive[commandID] is true while a broadcast of that opcode
	// is running; it blocks unicast submissions of the same opcode.
	broadcastActive map[CommandID]bool

	// assignments maps a running unicast command's (command_id,
	// positioner_id) to the uid it was issued, so replies can be routed
	// and the uid freed on terminal transition.
	assignments map[assignmentKey]uidAssignment

	// onTransportEvent, if set, is invoked with every InterfaceEvent off
	// every configured bus (transport-reset on reconnect, transport-error
	// on drop). The Fps coordinator uses this to surface transport health
	// on its own event bus.
	onTransportEvent func(InterfaceEvent)

	logger *log.Logger
}

type pendingSubmit struct {
	cmd  *Command
	done chan struct{}
	woken sync.Once
}

// wake closes done exactly once, even if the same waiter is queued on
// several exclusion keys and released by more than one of them.
func (p *pendingSubmit) wake() {
	p.woken.Do(func() { close(p.done) })
}

// NewScheduler constructs a scheduler over the given interfaces (keyed by
// interface index) and location resolver.
func NewScheduler(codec *IdentifierCodec, locator LocationResolver, interfaces map[int]BusInterface, logger *log.Logger) *CanScheduler {
	if logger == nil {
		logger = log.Default()
	}
	s := &CanScheduler{
		codec:           codec,
		uids:            newUIDPool(codec.MaxUID()),
		locator:         locator,
		backlog:         64,
		interfaces:      interfaces,
		inFlight:        make(map[exclusionKey]*Command),
		waiters:         make(map[exclusionKey][]*pendingSubmit),
		broadcastActive: make(map[CommandID]bool),
		logger:          logger,
	}
	for _, bus := range interfaces {
		go s.demux(bus)
		go s.watchEvents(bus)
	}
	return s
}

// SetOnTransportEvent installs the callback invoked for every InterfaceEvent
// observed off any configured bus. Safe to call once, right after
// construction.
func (s *CanScheduler) SetOnTransportEvent(fn func(InterfaceEvent)) {
	s.mu.Lock()
	s.onTransportEvent = fn
	s.mu.Unlock()
}

// watchEvents forwards one bus's lifecycle events to onTransportEvent until
// the bus is closed and its Events channel closes.
func (s *CanScheduler) watchEvents(bus BusInterface) {
	for event := range bus.Events() {
		s.mu.Lock()
		fn := s.onTransportEvent
		s.mu.Unlock()
		if fn != nil {
			fn(event)
		}
	}
}

// Submit admits cmd into the scheduler. It blocks until the command is
// allowed to run (exclusion satisfied) and then transmits its outbound
// messages, returning once submission (not completion) is done. Use
// cmd.Wait to await the terminal state.
func (s *CanScheduler) Submit(ctx context.Context, cmd *Command) error {
	keys := s.keysFor(cmd)
	if err := s.awaitExclusion(ctx, keys, cmd); err != nil {
		return err
	}

	s.mu.Lock()
	for _, key := range keys {
		s.inFlight[key] = cmd
	}
	if cmd.Broadcast {
		s.broadcastActive[cmd.ID] = true
	}
	s.mu.Unlock()

	cmd.run()
	if cmd.State().Terminal() {
		s.release(keys, cmd)
		return nil
	}

	if cmd.Timeout > 0 {
		timer := time.AfterFunc(cmd.Timeout, func() { cmd.HandleTimeout() })
		go func() {
			<-cmd.Done()
			timer.Stop()
		}()
	}

	origTerminal := cmd.OnTerminal
	cmd.OnTerminal = func(c *Command) {
		if origTerminal != nil {
			origTerminal(c)
		}
		s.release(keys, c)
	}

	if err := s.transmit(cmd); err != nil {
		cmd.finish(StateFailed, err)
		return err
	}
	return nil
}

// keysFor returns the exclusion keys cmd must hold: a single
// (command_id, BROADCAST) key for broadcasts, or one (command_id,
// positioner_id) key per target for unicast (spec.md §4.4).
func (s *CanScheduler) keysFor(cmd *Command) []exclusionKey {
	if cmd.Broadcast {
		return []exclusionKey{{CommandID: cmd.ID, PositionerID: BroadcastPositionerID}}
	}
	keys := make([]exclusionKey, len(cmd.PositionerIDs))
	for i, id := range cmd.PositionerIDs {
		keys[i] = exclusionKey{CommandID: cmd.ID, PositionerID: id}
	}
	return keys
}

// awaitExclusion blocks until none of cmd's exclusion keys are held by
// another in-flight command, and until no broadcast of the same opcode is
// in flight (for unicast) / no unicast of the same opcode is in flight (for
// broadcast).
func (s *CanScheduler) awaitExclusion(ctx context.Context, keys []exclusionKey, cmd *Command) error {
	for {
		s.mu.Lock()
		blocked := s.conflicts(cmd)
		if !blocked {
			s.mu.Unlock()
			return nil
		}
		wait := &pendingSubmit{cmd: cmd, done: make(chan struct{})}
		for _, key := range keys {
			s.waiters[key] = append(s.waiters[key], wait)
		}
		s.mu.Unlock()

		select {
		case <-wait.done:
			continue
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// conflicts reports whether cmd may not yet enter Running. Caller holds
// s.mu.
func (s *CanScheduler) conflicts(cmd *Command) bool {
	if cmd.Broadcast {
		if s.broadcastActive[cmd.ID] {
			return true
		}
		for k := range s.inFlight {
			if k.CommandID == cmd.ID {
				return true // a per-positioner command of this opcode is running
			}
		}
		return false
	}
	if s.broadcastActive[cmd.ID] {
		return true
	}
	for _, id := range cmd.PositionerIDs {
		if _, ok := s.inFlight[exclusionKey{CommandID: cmd.ID, PositionerID: id}]; ok {
			return true
		}
	}
	return false
}

// release frees cmd's exclusion keys on its terminal transition and wakes
// the oldest waiter queued on each, if any.
func (s *CanScheduler) release(keys []exclusionKey, cmd *Command) {
	s.mu.Lock()
	if cmd.Broadcast {
		delete(s.broadcastActive, cmd.ID)
	}
	var woken []*pendingSubmit
	for _, key := range keys {
		delete(s.inFlight, key)
		waiters := s.waiters[key]
		if len(waiters) == 0 {
			continue
		}
		woken = append(woken, waiters[0])
		s.waiters[key] = waiters[1:]
	}
	// Unicast and broadcast submissions of one opcode queue on different
	// keys; also wake the oldest waiter on each key of the other kind.
	for key, waiters := range s.waiters {
		if key.CommandID != cmd.ID || len(waiters) == 0 || (key.PositionerID == BroadcastPositionerID) == cmd.Broadcast {
			continue
		}
		woken = append(woken, waiters[0])
		s.waiters[key] = waiters[1:]
	}
	s.mu.Unlock()
	for _, w := range woken {
		w.wake()
	}
}

// transmit encodes and sends cmd's outbound messages to the correct
// interface(s). Per spec.md §4.4, broadcasts go to every interface and bus;
// unicast goes to the positioner's discovered (interface, bus).
func (s *CanScheduler) transmit(cmd *Command) error {
	if cmd.Broadcast {
		uid := uint32(BroadcastUID)
		id := s.codec.Encode(Identifier{PositionerID: BroadcastPositionerID, CommandID: uint32(cmd.ID), UID: uid})
		frame := Frame{ArbitrationID: id, Data: append([]byte(nil), cmd.Payload[:cmd.PayloadLen]...)}
		for _, bus := range s.interfaces {
			for _, busIdx := range bus.Buses() {
				if err := bus.Send(busIdx, frame); err != nil {
					return &TransportError{InterfaceIndex: bus.Index(), Err: err}
				}
			}
		}
		return nil
	}

	for _, posID := range cmd.PositionerIDs {
		loc, ok := s.locator.Locate(posID)
		if !ok {
			return ErrNotConnected
		}
		bus, ok := s.interfaces[loc.InterfaceIndex]
		if !ok {
			return ErrNotConnected
		}
		uid, err := s.uids.alloc(cmd.ID, posID)
		if err != nil {
			return err
		}
		id := s.codec.Encode(Identifier{PositionerID: posID, CommandID: uint32(cmd.ID), UID: uid})
		frame := Frame{ArbitrationID: id, Data: append([]byte(nil), cmd.Payload[:cmd.PayloadLen]...)}
		// record the uid before sending so demux can route even an
		// immediate reply; it is released once the command terminates
		// (also after a send error, which fails the command), not here.
		s.trackUID(cmd, posID, uid)
		if err := bus.Send(loc.BusIndex, frame); err != nil {
			return &TransportError{InterfaceIndex: bus.Index(), Err: err}
		}
	}
	return nil
}

// uidAssignment remembers which uid a running unicast command used for a
// given positioner, so demux can route replies and the scheduler can free
// the uid on terminal transition.
type uidAssignment struct {
	cmd *Command
	uid uint32
}

func (s *CanScheduler) trackUID(cmd *Command, posID uint32, uid uint32) {
	s.mu.Lock()
	if s.assignments == nil {
		s.assignments = make(map[assignmentKey]uidAssignment)
	}
	s.assignments[assignmentKey{cmd.ID, posID}] = uidAssignment{cmd: cmd, uid: uid}
	s.mu.Unlock()

	orig := cmd.OnTerminal
	cmd.OnTerminal = func(c *Command) {
		if orig != nil {
			orig(c)
		}
		s.uids.release(cmd.ID, posID, uid)
		s.mu.Lock()
		delete(s.assignments, assignmentKey{cmd.ID, posID})
		s.mu.Unlock()
	}
}

type assignmentKey struct {
	CommandID    CommandID
	PositionerID uint32
}

// demux reads frames off one BusInterface, decodes their identifier, and
// routes replies to the in-flight Command that owns the (command_id,
// positioner_id, uid) tuple. It is the single writer onto Command state for
// frames arriving on this interface; ordering within one interface's
// channel is preserved end-to-end.
func (s *CanScheduler) demux(bus BusInterface) {
	for frame := range bus.Recv() {
		ident := s.codec.Decode(frame.ArbitrationID)
		spec, known := Describe(CommandID(ident.CommandID))
		if !known {
			s.logger.Printf("can: dropping reply for unknown command_id %d", ident.CommandID)
			continue
		}
		reply := Reply{
			CommandID:      CommandID(ident.CommandID),
			PositionerID:   ident.PositionerID,
			UID:            ident.UID,
			ResponseCode:   ResponseCode(ident.ResponseCode),
			Data:           frame.Data,
			InterfaceIndex: frame.InterfaceIndex,
			BusIndex:       frame.BusIndex,
		}
		s.routeReply(reply, spec)
	}
}

func (s *CanScheduler) routeReply(reply Reply, spec CommandSpec) {
	if spec.BroadcastAllowed && reply.UID == BroadcastUID {
		// A reply to a broadcast carries the replying positioner's own
		// id but echoes uid 0; route it by (command_id, BROADCAST)
		// regardless of which positioner answered, since many
		// positioners may each reply to one outstanding broadcast
		// Command.
		s.mu.Lock()
		cmd := s.inFlight[exclusionKey{CommandID: reply.CommandID, PositionerID: BroadcastPositionerID}]
		s.mu.Unlock()
		if cmd != nil {
			cmd.HandleReply(reply)
		}
		return
	}

	s.mu.Lock()
	assignment, ok := s.assignments[assignmentKey{reply.CommandID, reply.PositionerID}]
	s.mu.Unlock()
	if !ok || assignment.uid != reply.UID {
		// no owner for this uid: either stale, or for a different
		// generation of the key. Drop it (property 4).
		return
	}
	assignment.cmd.HandleReply(reply)
}
