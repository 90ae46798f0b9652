package fps

import (
	"context"
	"encoding/binary"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/sdss/jaeger/can"
	"github.com/sdss/jaeger/config"
	"github.com/sdss/jaeger/positioner"
	"github.com/sdss/jaeger/trajectory"
)

// fakeFirmware stands in for one positioner's CAN-visible behavior: it
// accepts every command, tracks its own status and position registers, and
// completes a trajectory shortly after START_TRAJECTORY (or, if configured,
// reports a collision instead).
type fakeFirmware struct {
	id      uint32
	version can.FirmwareVersion
	codec   *can.IdentifierCodec
	pos     *can.VirtualPositioner

	mu           sync.Mutex
	muted        bool
	statusWord   uint32
	alphaSteps   int32
	betaSteps    int32
	trajSteps    []int32
	startDelay   time.Duration
	collideAfter time.Duration
	frameCount   int
}

const (
	statusBitSystemInitialized     = 1 << 0
	statusBitDisplacementCompleted = 1 << 4
	statusBitCollisionDetected     = 1 << 5
)

func newFakeFirmware(net *can.VirtualNetwork, codec *can.IdentifierCodec, ifaceIndex, busIndex int, id uint32, version can.FirmwareVersion) *fakeFirmware {
	f := &fakeFirmware{
		id:         id,
		version:    version,
		codec:      codec,
		pos:        can.NewVirtualPositioner(net, ifaceIndex, busIndex),
		statusWord: statusBitSystemInitialized,
		startDelay: 200 * time.Millisecond,
	}
	go f.run()
	return f
}

func (f *fakeFirmware) mute(muted bool) {
	f.mu.Lock()
	f.muted = muted
	f.mu.Unlock()
}

func (f *fakeFirmware) frames() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.frameCount
}

func (f *fakeFirmware) close() { f.pos.Close() }

func (f *fakeFirmware) run() {
	for frame := range f.pos.Frames() {
		ident := f.codec.Decode(frame.ArbitrationID)
		f.mu.Lock()
		f.frameCount++
		muted := f.muted
		f.mu.Unlock()
		if muted {
			continue
		}
		switch can.CommandID(ident.CommandID) {
		case can.GetFirmwareVersion:
			f.reply(ident, can.CommandAccepted, []byte{f.version.Major, f.version.Minor, f.version.Patch})
		case can.GetStatus:
			f.mu.Lock()
			word := f.statusWord
			f.mu.Unlock()
			buf := make([]byte, 4)
			binary.LittleEndian.PutUint32(buf, word)
			f.reply(ident, can.CommandAccepted, buf)
		case can.GetActualPosition:
			f.mu.Lock()
			alpha, beta := f.alphaSteps, f.betaSteps
			f.mu.Unlock()
			payload := can.EncodeTwoInt32(alpha, beta)
			f.reply(ident, can.CommandAccepted, payload[:])
		case can.SendTrajectoryData:
			if steps, _, ok := can.DecodeTwoInt32(frame.Data); ok {
				f.mu.Lock()
				f.trajSteps = append(f.trajSteps, steps)
				f.mu.Unlock()
			}
			f.reply(ident, can.CommandAccepted, nil)
		case can.StartTrajectory:
			f.reply(ident, can.CommandAccepted, nil)
			f.mu.Lock()
			startDelay, collideAfter := f.startDelay, f.collideAfter
			f.mu.Unlock()
			if collideAfter > 0 {
				go f.collideLater(collideAfter)
			} else {
				go f.completeLater(startDelay)
			}
		default:
			f.reply(ident, can.CommandAccepted, nil)
		}
	}
}

// completeLater simulates the firmware finishing the last commanded motion:
// it adopts the final alpha/beta step counts sent over SEND_TRAJECTORY_DATA
// (samples 2 and 4 of the trivial two-point-per-axis trajectories these
// tests build) and sets DISPLACEMENT_COMPLETED.
func (f *fakeFirmware) completeLater(delay time.Duration) {
	time.Sleep(delay)
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.trajSteps) >= 4 {
		f.alphaSteps = f.trajSteps[1]
		f.betaSteps = f.trajSteps[3]
	}
	f.statusWord |= statusBitDisplacementCompleted
}

func (f *fakeFirmware) collideLater(delay time.Duration) {
	time.Sleep(delay)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusWord |= statusBitCollisionDetected
}

func (f *fakeFirmware) reply(ident can.Identifier, code can.ResponseCode, data []byte) {
	replyID := f.codec.Encode(can.Identifier{
		PositionerID: f.id,
		CommandID:    ident.CommandID,
		UID:          ident.UID,
		ResponseCode: uint32(code),
	})
	f.pos.Reply(can.Frame{ArbitrationID: replyID, Data: data})
}

func newTestConfig() config.Config {
	cfg := config.Default()
	cfg.StatusPoller.IntervalSeconds = 0.05
	cfg.PositionPoller.IntervalSeconds = 0.05
	cfg.ReachedToleranceDegrees = 0.5
	return cfg
}

// setupFleet wires an Fps over a single virtual interface with one
// fakeFirmware per id, all running firmware 4.1.0.
func setupFleet(t *testing.T, ids []uint32) (*Fps, *can.VirtualBus, map[uint32]*fakeFirmware) {
	t.Helper()
	net := can.NewVirtualNetwork()
	bus := can.NewVirtualBus(net, 0, []int{0})
	codec := can.DefaultCodec()

	firmwares := make(map[uint32]*fakeFirmware, len(ids))
	for _, id := range ids {
		firmwares[id] = newFakeFirmware(net, codec, 0, 0, id, can.FirmwareVersion{Major: 4, Minor: 1, Patch: 0})
	}

	f := New(newTestConfig(), map[int]can.BusInterface{0: bus}, nil)
	t.Cleanup(func() {
		for _, fw := range firmwares {
			fw.close()
		}
		bus.Close()
	})
	return f, bus, firmwares
}

// Fleet discovery: a broadcast GET_FIRMWARE_VERSION/GET_STATUS pass must
// populate one Positioner per replying id with its decoded firmware and an
// initialised status.
func TestFpsInitialiseDiscoversFleet(t *testing.T) {
	f, _, _ := setupFleet(t, []uint32{4, 8, 13})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := f.Initialise(ctx); err != nil {
		t.Fatalf("Initialise: %v", err)
	}

	snap := f.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("expected 3 positioners, got %d", len(snap))
	}
	want := can.FirmwareVersion{Major: 4, Minor: 1, Patch: 0}
	for _, id := range []uint32{4, 8, 13} {
		s, ok := snap[id]
		if !ok {
			t.Fatalf("positioner %d missing from snapshot", id)
		}
		if s.FirmwareVersion != want {
			t.Fatalf("positioner %d: firmware = %+v, want %+v", id, s.FirmwareVersion, want)
		}
		if s.Flags.Offline {
			t.Fatalf("positioner %d: unexpectedly marked offline", id)
		}
		status := positioner.Decode(s.Status, positioner.VariantFor(s.FirmwareVersion))
		if !status.IsSystemInitialised() {
			t.Fatalf("positioner %d: expected SYSTEM_INITIALIZED", id)
		}
	}
}

// A unicast Goto must drive the positioner's reported angles to the
// requested target once the simulated firmware reports completion.
func TestFpsGotoDrivesPositionerToTarget(t *testing.T) {
	f, _, firmwares := setupFleet(t, []uint32{4})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.Initialise(ctx); err != nil {
		t.Fatalf("Initialise: %v", err)
	}

	pos, ok := f.Get(4)
	if !ok {
		t.Fatal("positioner 4 missing after discovery")
	}
	pos.SetPositionSteps(0, pos.DegreesToSteps(180))
	firmwares[4].startDelay = 1200 * time.Millisecond

	report, err := f.Goto(ctx, 4, 90, 45)
	if err != nil {
		t.Fatalf("Goto: %v", err)
	}
	if !report.Succeeded {
		t.Fatalf("expected success, got failures: %+v", report.FailedPositioners)
	}
	final := report.FinalPositions[4]
	if math.Abs(final.Alpha-90) > 0.5 {
		t.Fatalf("final alpha = %.3f, want ~90", final.Alpha)
	}
	if math.Abs(final.Beta-45) > 0.5 {
		t.Fatalf("final beta = %.3f, want ~45", final.Beta)
	}
}

// A broadcast GET_STATUS must settle Done with whatever replies arrived
// before its timeout, even when one addressed positioner never answers.
func TestFpsBroadcastStatusToleratesPartialReply(t *testing.T) {
	f, _, firmwares := setupFleet(t, []uint32{4, 8, 13})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := f.Initialise(ctx); err != nil {
		t.Fatalf("Initialise: %v", err)
	}
	firmwares[13].mute(true)

	cmd, err := f.SendCommand(ctx, can.GetStatus, nil, 200*time.Millisecond, false)
	if err != nil {
		t.Fatalf("SendCommand: %v", err)
	}
	if err := cmd.Wait(ctx); err != nil {
		t.Fatalf("broadcast status command failed: %v", err)
	}
	if cmd.State() != can.StateDone {
		t.Fatalf("expected StateDone, got %s", cmd.State())
	}
	if got := len(cmd.Replies()); got != 2 {
		t.Fatalf("expected 2 replies, got %d", got)
	}
}

// A firmware-reported collision on one positioner mid-trajectory must fail
// only that positioner with COLLIDED, abort the rest of the fleet still in
// motion with ABORTED, and engage the fleet-wide lock naming the culprit.
func TestFpsCollisionDuringTrajectoryLocksFleet(t *testing.T) {
	f, _, firmwares := setupFleet(t, []uint32{4, 8})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := f.Initialise(ctx); err != nil {
		t.Fatalf("Initialise: %v", err)
	}
	for _, id := range []uint32{4, 8} {
		pos, _ := f.Get(id)
		pos.SetPositionSteps(0, 0)
	}
	firmwares[4].startDelay = 10 * time.Second // outlives the test
	firmwares[8].collideAfter = 300 * time.Millisecond

	traj := trajectory.New()
	for _, id := range []uint32{4, 8} {
		traj.Paths[id] = trajectory.PositionerPath{
			Alpha: trajectory.AxisPath{{AngleDegrees: 0, TimeSeconds: 0}, {AngleDegrees: 30, TimeSeconds: 1}},
			Beta:  trajectory.AxisPath{{AngleDegrees: 0, TimeSeconds: 0}, {AngleDegrees: 30, TimeSeconds: 1}},
		}
	}

	report, err := f.SendTrajectory(ctx, traj)
	if err == nil {
		t.Fatal("expected the trajectory to fail after a mid-flight collision")
	}
	if report == nil {
		t.Fatal("expected a non-nil report even on failure")
	}
	if reason := report.FailedPositioners[8]; reason != trajectory.ReasonCollided {
		t.Fatalf("positioner 8: reason = %s, want %s", reason, trajectory.ReasonCollided)
	}
	if reason := report.FailedPositioners[4]; reason != trajectory.ReasonAborted {
		t.Fatalf("positioner 4: reason = %s, want %s", reason, trajectory.ReasonAborted)
	}
	if !f.Locked() {
		t.Fatal("expected the fleet to be locked after a collision")
	}
	lockedBy := f.locker.LockedBy()
	if len(lockedBy) != 1 || lockedBy[0] != 8 {
		t.Fatalf("expected lockedBy == [8], got %v", lockedBy)
	}
}

// A command submitted while the interface is disconnected must fail, and a
// command submitted after it reconnects must succeed again.
func TestFpsInterfaceDisconnectAndReconnect(t *testing.T) {
	f, bus, _ := setupFleet(t, []uint32{20})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := f.Initialise(ctx); err != nil {
		t.Fatalf("Initialise: %v", err)
	}

	cmd, err := f.SendCommand(ctx, can.GetStatus, []uint32{20}, time.Second, false)
	if err != nil {
		t.Fatalf("SendCommand before disconnect: %v", err)
	}
	if err := cmd.Wait(ctx); err != nil {
		t.Fatalf("command before disconnect failed: %v", err)
	}

	bus.Disconnect()
	if _, err := f.SendCommand(ctx, can.GetStatus, []uint32{20}, time.Second, false); err == nil {
		t.Fatal("expected SendCommand to fail while the interface is disconnected")
	}

	bus.Reconnect()
	cmd2, err := f.SendCommand(ctx, can.GetStatus, []uint32{20}, time.Second, false)
	if err != nil {
		t.Fatalf("SendCommand after reconnect: %v", err)
	}
	if err := cmd2.Wait(ctx); err != nil {
		t.Fatalf("command after reconnect failed: %v", err)
	}
}

// A trajectory naming a disabled positioner must be rejected outright, with
// no frame ever reaching that positioner.
func TestFpsTrajectoryRejectsDisabledPositioner(t *testing.T) {
	f, _, firmwares := setupFleet(t, []uint32{4, 13})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := f.Initialise(ctx); err != nil {
		t.Fatalf("Initialise: %v", err)
	}
	f.Disable(13)
	before := firmwares[13].frames()

	traj := trajectory.New()
	traj.Paths[4] = trajectory.PositionerPath{
		Alpha: trajectory.AxisPath{{AngleDegrees: 0, TimeSeconds: 0}, {AngleDegrees: 10, TimeSeconds: 1}},
		Beta:  trajectory.AxisPath{{AngleDegrees: 0, TimeSeconds: 0}, {AngleDegrees: 10, TimeSeconds: 1}},
	}
	traj.Paths[13] = trajectory.PositionerPath{
		Alpha: trajectory.AxisPath{{AngleDegrees: 0, TimeSeconds: 0}, {AngleDegrees: 10, TimeSeconds: 1}},
		Beta:  trajectory.AxisPath{{AngleDegrees: 0, TimeSeconds: 0}, {AngleDegrees: 10, TimeSeconds: 1}},
	}

	report, err := f.SendTrajectory(ctx, traj)
	if err == nil {
		t.Fatal("expected SendTrajectory to reject a trajectory naming a disabled positioner")
	}
	if report != nil {
		t.Fatalf("expected a nil report when validation rejects outright, got %+v", report)
	}
	if got := firmwares[13].frames(); got != before {
		t.Fatalf("expected no new frames sent to the disabled positioner, got %d", got-before)
	}
}
