package can

import (
	"context"
	"testing"
	"time"
)

// fixedLocator places every positioner on the same (interface, bus).
type fixedLocator struct {
	loc PositionerLocation
}

func (f fixedLocator) Locate(uint32) (PositionerLocation, bool) { return f.loc, true }

func newTestHarness(t *testing.T) (*CanScheduler, *VirtualBus, *VirtualPositioner) {
	t.Helper()
	net := NewVirtualNetwork()
	bus := NewVirtualBus(net, 0, []int{0})
	pos := NewVirtualPositioner(net, 0, 0)
	sched := NewScheduler(DefaultCodec(), fixedLocator{PositionerLocation{InterfaceIndex: 0, BusIndex: 0}},
		map[int]BusInterface{0: bus}, nil)
	t.Cleanup(func() {
		bus.Close()
		pos.Close()
	})
	return sched, bus, pos
}

// acceptAll answers every frame sent to pos with CommandAccepted, echoing
// the frame's own command_id/positioner_id/uid.
func acceptAll(t *testing.T, codec *IdentifierCodec, pos *VirtualPositioner) {
	t.Helper()
	go func() {
		for frame := range pos.Frames() {
			ident := codec.Decode(frame.ArbitrationID)
			reply := codec.Encode(Identifier{
				PositionerID: ident.PositionerID,
				CommandID:    ident.CommandID,
				UID:          ident.UID,
				ResponseCode: uint32(CommandAccepted),
			})
			pos.Reply(Frame{ArbitrationID: reply})
		}
	}()
}

func TestSchedulerUnicastCommandCompletes(t *testing.T) {
	sched, _, pos := newTestHarness(t)
	acceptAll(t, sched.codec, pos)

	cmd, err := NewCommand(GotoAbsolutePosition, []uint32{4}, time.Second, false)
	if err != nil {
		t.Fatalf("NewCommand: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := sched.Submit(ctx, cmd); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := cmd.Wait(ctx); err != nil {
		t.Fatalf("command failed: %v", err)
	}
	if cmd.State() != StateDone {
		t.Fatalf("expected StateDone, got %s", cmd.State())
	}
}

// TestSchedulerExclusionBlocksSamePositioner covers property 2: a second
// command to the same (command_id, positioner_id) may not start until the
// first settles.
func TestSchedulerExclusionBlocksSamePositioner(t *testing.T) {
	sched, _, pos := newTestHarness(t)

	// Do not answer frames yet: the first command must stay Running.
	first, err := NewCommand(GotoAbsolutePosition, []uint32{9}, time.Minute, false)
	if err != nil {
		t.Fatalf("NewCommand: %v", err)
	}
	ctx := context.Background()
	if err := sched.Submit(ctx, first); err != nil {
		t.Fatalf("Submit first: %v", err)
	}
	if first.State() != StateRunning {
		t.Fatalf("expected first command Running, got %s", first.State())
	}

	second, err := NewCommand(GotoAbsolutePosition, []uint32{9}, time.Minute, false)
	if err != nil {
		t.Fatalf("NewCommand: %v", err)
	}
	submitDone := make(chan error, 1)
	go func() { submitDone <- sched.Submit(ctx, second) }()

	select {
	case <-submitDone:
		t.Fatal("second command admitted while first still held the exclusion key")
	case <-time.After(100 * time.Millisecond):
	}
	if second.State() != StateReady {
		t.Fatalf("expected second command to remain Ready while blocked, got %s", second.State())
	}

	// Answer the first command's single outstanding frame by hand, then
	// attach acceptAll so it answers the second command's frame.
	select {
	case frame := <-pos.Frames():
		ident := sched.codec.Decode(frame.ArbitrationID)
		reply := sched.codec.Encode(Identifier{
			PositionerID: ident.PositionerID, CommandID: ident.CommandID,
			UID: ident.UID, ResponseCode: uint32(CommandAccepted),
		})
		pos.Reply(Frame{ArbitrationID: reply})
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for first command's frame")
	}
	acceptAll(t, sched.codec, pos)

	waitCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := first.Wait(waitCtx); err != nil {
		t.Fatalf("first command failed: %v", err)
	}

	select {
	case err := <-submitDone:
		if err != nil {
			t.Fatalf("Submit second: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("second command was never admitted after first released its exclusion key")
	}
	if err := second.Wait(waitCtx); err != nil {
		t.Fatalf("second command failed: %v", err)
	}
}

// TestSchedulerUIDPoolReleasedOnCompletion covers property 3: a uid is
// returned to the pool once its command terminates, and is reusable.
func TestSchedulerUIDPoolReleasedOnCompletion(t *testing.T) {
	sched, _, pos := newTestHarness(t)
	acceptAll(t, sched.codec, pos)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for i := 0; i < 3; i++ {
		cmd, err := NewCommand(GetStatus, []uint32{1}, time.Second, false)
		if err != nil {
			t.Fatalf("NewCommand: %v", err)
		}
		if err := sched.Submit(ctx, cmd); err != nil {
			t.Fatalf("Submit: %v", err)
		}
		if err := cmd.Wait(ctx); err != nil {
			t.Fatalf("command %d failed: %v", i, err)
		}
	}
	if n := sched.uids.inUse(GetStatus, 1); n != 0 {
		t.Fatalf("expected uid pool for (GetStatus, 1) to be empty after completion, got %d in use", n)
	}
}

// TestSchedulerBroadcastCompletesOnTimeoutWithAcceptance covers property 5:
// a broadcast settles Done once its timeout elapses, provided at least one
// positioner accepted it.
func TestSchedulerBroadcastCompletesOnTimeoutWithAcceptance(t *testing.T) {
	sched, _, pos := newTestHarness(t)
	acceptAll(t, sched.codec, pos)

	cmd, err := NewCommand(GetStatus, nil, 50*time.Millisecond, false)
	if err != nil {
		t.Fatalf("NewCommand: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := sched.Submit(ctx, cmd); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := cmd.Wait(ctx); err != nil {
		t.Fatalf("broadcast command failed: %v", err)
	}
	if cmd.State() != StateDone {
		t.Fatalf("expected broadcast to settle Done, got %s", cmd.State())
	}
	if len(cmd.Replies()) == 0 {
		t.Fatal("expected at least one reply recorded on the broadcast command")
	}
}

// TestSchedulerBroadcastFailsOnTimeoutWithoutAcceptance covers the other
// half of property 5: no replies at all fails the broadcast.
func TestSchedulerBroadcastFailsOnTimeoutWithoutAcceptance(t *testing.T) {
	sched, _, _ := newTestHarness(t)
	// no acceptAll goroutine attached: nothing answers.

	cmd, err := NewCommand(GetStatus, nil, 50*time.Millisecond, false)
	if err != nil {
		t.Fatalf("NewCommand: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := sched.Submit(ctx, cmd); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := cmd.Wait(ctx); err == nil {
		t.Fatal("expected broadcast with no acceptances to fail")
	}
	if cmd.State() != StateFailed {
		t.Fatalf("expected StateFailed, got %s", cmd.State())
	}
}

// TestSchedulerUnicastAndBroadcastOfSameOpcodeExclude covers the
// broadcast/unicast mutual exclusion half of property 2.
func TestSchedulerUnicastAndBroadcastOfSameOpcodeExclude(t *testing.T) {
	sched, _, _ := newTestHarness(t)

	broadcast, err := NewCommand(GetStatus, nil, time.Minute, false)
	if err != nil {
		t.Fatalf("NewCommand: %v", err)
	}
	ctx := context.Background()
	if err := sched.Submit(ctx, broadcast); err != nil {
		t.Fatalf("Submit broadcast: %v", err)
	}

	unicast, err := NewCommand(GetStatus, []uint32{7}, time.Minute, false)
	if err != nil {
		t.Fatalf("NewCommand: %v", err)
	}
	submitDone := make(chan error, 1)
	go func() { submitDone <- sched.Submit(ctx, unicast) }()

	select {
	case <-submitDone:
		t.Fatal("unicast command admitted while a broadcast of the same opcode was running")
	case <-time.After(100 * time.Millisecond):
	}

	broadcast.Cancel()
	select {
	case err := <-submitDone:
		if err != nil {
			t.Fatalf("Submit unicast: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("unicast command was never admitted after the broadcast settled")
	}
}

// TestSchedulerDropsReplyForUnknownOpcode exercises demux's unknown-opcode
// path: it must log and drop, never panic or wedge the reader goroutine.
func TestSchedulerDropsReplyForUnknownOpcode(t *testing.T) {
	sched, _, pos := newTestHarness(t)
	bogus := sched.codec.Encode(Identifier{PositionerID: 1, CommandID: 250, UID: 1})
	pos.Reply(Frame{ArbitrationID: bogus})

	// Confirm the demux goroutine is still alive by completing an ordinary
	// command afterward.
	acceptAll(t, sched.codec, pos)
	cmd, err := NewCommand(GetStatus, []uint32{1}, time.Second, false)
	if err != nil {
		t.Fatalf("NewCommand: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := sched.Submit(ctx, cmd); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := cmd.Wait(ctx); err != nil {
		t.Fatalf("command after unknown-opcode frame failed: %v", err)
	}
}
