package trajectory

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/sdss/jaeger/can"
	"github.com/sdss/jaeger/positioner"
)

// ErrTrajectoryFailed is returned by Run alongside a non-nil Report when at
// least one positioner failed; the report's FailedPositioners map carries
// the per-positioner reason (spec.md §4.6 step 8: "must be produced even on
// failure").
var ErrTrajectoryFailed = errors.New("trajectory: one or more positioners failed")

// abortCooldown is the pause after issuing SEND_TRAJECTORY_ABORT or
// STOP_TRAJECTORY before any follow-up command on the affected positioners
// (spec.md §4.6 step 7).
const abortCooldown = 500 * time.Millisecond

// startCheckDelay is how long after START_TRAJECTORY the engine confirms
// the fleet is actually moving (spec.md §4.6 step 6).
const startCheckDelay = 1 * time.Second

// PositionerSource resolves a positioner id to its live state. The FPS
// coordinator's positioner table implements this.
type PositionerSource interface {
	Get(id uint32) (*positioner.Positioner, bool)
}

// Engine drives the wire protocol in spec.md §4.6 over a CanScheduler,
// reading/writing Positioner state through a PositionerSource.
type Engine struct {
	scheduler        *can.CanScheduler
	positioners      PositionerSource
	toleranceDegrees float64
	monitorInterval  time.Duration
	chunkSize        int
	logger           *log.Logger
	onCollision      func(positionerID uint32)
}

// NewEngine constructs an Engine. toleranceDegrees is the "reached
// destination" tolerance (spec.md §9 open question; default 0.1°).
// monitorInterval is how often GET_STATUS is polled during Monitor.
// chunkSize is the configured SEND_TRAJECTORY_DATA batch size (spec.md §6,
// "trajectory_chunk_size"); <= 0 falls back to SamplesPerChunk.
func NewEngine(scheduler *can.CanScheduler, positioners PositionerSource, toleranceDegrees float64, monitorInterval time.Duration, chunkSize int, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.Default()
	}
	if toleranceDegrees <= 0 {
		toleranceDegrees = 0.1
	}
	if monitorInterval <= 0 {
		monitorInterval = time.Second
	}
	return &Engine{
		scheduler:        scheduler,
		positioners:      positioners,
		toleranceDegrees: toleranceDegrees,
		monitorInterval:  monitorInterval,
		chunkSize:        chunkSize,
		logger:           logger,
	}
}

// Run executes t end to end: prepare, open, transmit, end, start, monitor,
// finalise. When t fails Validate it returns a nil Report and the validation
// error, and nothing is transmitted. Otherwise it always returns a non-nil
// Report, even on failure, and returns ErrTrajectoryFailed when any
// positioner did not complete successfully.
func (e *Engine) Run(ctx context.Context, t *Trajectory, opts ValidateOptions) (*Report, error) {
	if err := t.Validate(opts); err != nil {
		return nil, err
	}

	report := NewReport(time.Now())
	ids := t.PositionerIDs()

	if !e.openAll(ctx, t, report) {
		e.abortRemaining(ctx, ids, report)
		e.finalisePositions(report, ids)
		report.Finish(time.Now())
		return report, ErrTrajectoryFailed
	}

	if !e.transmitAll(ctx, t, report) {
		e.abortRemaining(ctx, ids, report)
		e.finalisePositions(report, ids)
		report.Finish(time.Now())
		return report, ErrTrajectoryFailed
	}

	if !e.endAll(ctx, t, report) {
		e.abortRemaining(ctx, ids, report)
		e.finalisePositions(report, ids)
		report.Finish(time.Now())
		return report, ErrTrajectoryFailed
	}

	startIssued := time.Now()
	if err := e.submitBroadcast(ctx, can.StartTrajectory, nil, true); err != nil {
		e.markAll(report, ids, ReasonDidNotStart)
		e.abortRemaining(ctx, ids, report)
		e.finalisePositions(report, ids)
		report.Finish(time.Now())
		return report, ErrTrajectoryFailed
	}

	e.monitor(ctx, t, report, ids, startIssued)

	e.finalisePositions(report, ids)
	report.Finish(time.Now())
	if !report.Succeeded {
		return report, ErrTrajectoryFailed
	}
	return report, nil
}

// SetOnCollision installs a callback invoked once, synchronously, the
// instant a positioner's status poll first reports a collided bit during a
// running trajectory. The FPS coordinator uses this to engage the
// fleet-wide lock without the engine needing to know about it.
func (e *Engine) SetOnCollision(fn func(positionerID uint32)) {
	e.onCollision = fn
}

// Abort issues SEND_TRAJECTORY_ABORT (preserving collided-status flags,
// unlike STOP_TRAJECTORY) and waits out the post-abort cooldown.
func (e *Engine) Abort(ctx context.Context) error {
	err := e.submitBroadcast(ctx, can.SendTrajectoryAbort, nil, true)
	time.Sleep(abortCooldown)
	return err
}

func (e *Engine) openAll(ctx context.Context, t *Trajectory, report *Report) bool {
	ok := true
	for _, id := range t.PositionerIDs() {
		path := t.Paths[id]
		payload := can.EncodeTwoInt32(int32(len(path.Alpha)), int32(len(path.Beta)))
		if err := e.submitUnicast(ctx, can.SendNewTrajectory, id, payload[:], false); err != nil {
			report.Fail(id, ReasonNotAcceptedNew)
			ok = false
		}
	}
	return ok
}

func (e *Engine) transmitAll(ctx context.Context, t *Trajectory, report *Report) bool {
	ok := true
	for _, id := range t.PositionerIDs() {
		if _, failed := report.FailedPositioners[id]; failed {
			continue
		}
		pos, found := e.positioners.Get(id)
		if !found {
			report.Fail(id, ReasonNotAcceptedData)
			ok = false
			continue
		}
		if err := e.transmitAxis(ctx, pos, t.Paths[id].Alpha); err != nil {
			report.Fail(id, ReasonNotAcceptedData)
			ok = false
			continue
		}
		if err := e.transmitAxis(ctx, pos, t.Paths[id].Beta); err != nil {
			report.Fail(id, ReasonNotAcceptedData)
			ok = false
		}
	}
	return ok
}

// transmitAxis sends one SEND_TRAJECTORY_DATA frame per sample, each
// carrying the sample's step position and time-in-centiseconds. Samples
// within an axis are sent strictly in order (spec.md §5: "message ordering
// per positioner per axis is preserved end-to-end"), batched into
// chunkSize-sized groups with a cancellation check at each chunk boundary
// so an aborted trajectory doesn't keep draining a long axis.
func (e *Engine) transmitAxis(ctx context.Context, pos *positioner.Positioner, axis AxisPath) error {
	for _, chunk := range Chunks(axis, e.chunkSize) {
		for _, sample := range chunk {
			steps := pos.DegreesToSteps(sample.AngleDegrees)
			centiseconds := int32(sample.TimeSeconds * 100)
			payload := can.EncodeTwoInt32(steps, centiseconds)
			if err := e.submitUnicast(ctx, can.SendTrajectoryData, pos.ID(), payload[:], false); err != nil {
				return err
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
	return nil
}

func (e *Engine) endAll(ctx context.Context, t *Trajectory, report *Report) bool {
	ok := true
	for _, id := range t.PositionerIDs() {
		if _, failed := report.FailedPositioners[id]; failed {
			continue
		}
		if err := e.submitUnicast(ctx, can.TrajectoryDataEnd, id, nil, false); err != nil {
			report.Fail(id, ReasonNotAcceptedEnd)
			ok = false
		}
	}
	return ok
}

// monitor polls status until every still-running positioner has reached
// its destination, collides, the caller cancels ctx, or the trajectory's
// own duration elapses with margin.
func (e *Engine) monitor(ctx context.Context, t *Trajectory, report *Report, ids []uint32, startIssued time.Time) {
	running := make(map[uint32]bool, len(ids))
	for _, id := range ids {
		if _, failed := report.FailedPositioners[id]; !failed {
			running[id] = true
		}
	}
	if len(running) == 0 {
		return
	}

	select {
	case <-time.After(time.Until(startIssued.Add(startCheckDelay))):
	case <-ctx.Done():
		e.abortRunning(ctx, running, report, ReasonAborted)
		return
	}
	if err := e.pollStatus(ctx, running); err != nil {
		e.abortRunning(ctx, running, report, ReasonInterfaceError)
		return
	}
	if e.failCollided(ctx, running, report) {
		return
	}
	for id := range running {
		pos, found := e.positioners.Get(id)
		if !found {
			continue
		}
		if e.hasReached(pos, t.Paths[id]) {
			report.Fail(id, ReasonDidNotStart)
			delete(running, id)
		}
	}

	deadline := time.Now().Add(time.Duration(t.Duration()*float64(time.Second)) + 10*time.Second)
	ticker := time.NewTicker(e.monitorInterval)
	defer ticker.Stop()
	for len(running) > 0 {
		select {
		case <-ctx.Done():
			e.abortRunning(ctx, running, report, ReasonAborted)
			return
		case <-ticker.C:
			if err := e.pollStatus(ctx, running); err != nil {
				e.abortRunning(ctx, running, report, ReasonInterfaceError)
				return
			}
			if e.failCollided(ctx, running, report) {
				return
			}
			for id := range running {
				pos, found := e.positioners.Get(id)
				if !found {
					continue
				}
				if e.hasReached(pos, t.Paths[id]) {
					delete(running, id)
				}
			}
			if time.Now().After(deadline) {
				for id := range running {
					report.Fail(id, ReasonDidNotReach)
				}
				return
			}
		}
	}
}

// failCollided marks every collided positioner in running as failed and, if
// any were found, aborts the rest of the fleet still in motion and reports
// true so the caller stops monitoring.
func (e *Engine) failCollided(ctx context.Context, running map[uint32]bool, report *Report) bool {
	var collided []uint32
	for id := range running {
		pos, found := e.positioners.Get(id)
		if found && pos.Collided() {
			collided = append(collided, id)
		}
	}
	if len(collided) == 0 {
		return false
	}
	for _, id := range collided {
		report.Fail(id, ReasonCollided)
		delete(running, id)
	}
	e.abortRunning(ctx, running, report, ReasonAborted)
	return true
}

// hasReached reports whether pos has finished its commanded motion: the
// firmware's DISPLACEMENT_COMPLETED bit is set, it is not collided, and the
// measured angles are within tolerance of the path's final samples.
func (e *Engine) hasReached(pos *positioner.Positioner, path PositionerPath) bool {
	snap := pos.Snapshot()
	status := positioner.Decode(snap.Status, positioner.VariantFor(snap.FirmwareVersion))
	if !status.HasDisplacementCompleted() || snap.Collided {
		return false
	}
	if len(path.Alpha) == 0 || len(path.Beta) == 0 {
		return true
	}
	finalAlpha := path.Alpha[len(path.Alpha)-1].AngleDegrees
	finalBeta := path.Beta[len(path.Beta)-1].AngleDegrees
	return math.Abs(snap.Alpha-finalAlpha) <= e.toleranceDegrees && math.Abs(snap.Beta-finalBeta) <= e.toleranceDegrees
}

func (e *Engine) abortRunning(ctx context.Context, running map[uint32]bool, report *Report, reason FailureReason) {
	for id := range running {
		report.Fail(id, reason)
	}
	if err := e.submitBroadcast(ctx, can.SendTrajectoryAbort, nil, true); err != nil {
		e.logger.Printf("trajectory: abort broadcast failed: %v", err)
	}
	time.Sleep(abortCooldown)
}

func (e *Engine) abortRemaining(ctx context.Context, ids []uint32, report *Report) {
	remaining := make(map[uint32]bool)
	for _, id := range ids {
		if _, failed := report.FailedPositioners[id]; !failed {
			remaining[id] = true
		}
	}
	e.abortRunning(ctx, remaining, report, ReasonAborted)
}

func (e *Engine) markAll(report *Report, ids []uint32, reason FailureReason) {
	for _, id := range ids {
		if _, failed := report.FailedPositioners[id]; !failed {
			report.Fail(id, reason)
		}
	}
}

func (e *Engine) pollStatus(ctx context.Context, running map[uint32]bool) error {
	ids := make([]uint32, 0, len(running))
	for id := range running {
		ids = append(ids, id)
	}
	cmd, err := can.NewCommand(can.GetStatus, ids, 2*time.Second, false)
	if err != nil {
		return err
	}
	if err := e.scheduler.Submit(ctx, cmd); err != nil {
		return err
	}
	if err := cmd.Wait(ctx); err != nil {
		return err
	}
	for _, reply := range cmd.Replies() {
		word, ok := can.DecodeStatusWord(reply.Data)
		if !ok {
			continue
		}
		if pos, found := e.positioners.Get(reply.PositionerID); found {
			variant := positioner.VariantFor(pos.Snapshot().FirmwareVersion)
			status := positioner.Decode(word, variant)
			newlyCollided := pos.SetStatus(word, status.IsCollided())
			if newlyCollided && e.onCollision != nil {
				e.onCollision(reply.PositionerID)
			}
		}
	}
	return nil
}

func (e *Engine) finalisePositions(report *Report, ids []uint32) {
	for _, id := range ids {
		pos, found := e.positioners.Get(id)
		if !found {
			continue
		}
		snap := pos.Snapshot()
		report.FinalPositions[id] = FinalPosition{Alpha: snap.Alpha, Beta: snap.Beta}
	}
}

func (e *Engine) submitUnicast(ctx context.Context, id can.CommandID, posID uint32, payload []byte, ignoreUnknown bool) error {
	spec, ok := can.Describe(id)
	if !ok {
		return fmt.Errorf("trajectory: %w", can.ErrUnknownOpcode)
	}
	cmd, err := can.NewCommand(id, []uint32{posID}, spec.DefaultTimeout, ignoreUnknown)
	if err != nil {
		return err
	}
	cmd.WithPayload(payload)
	if err := e.scheduler.Submit(ctx, cmd); err != nil {
		return err
	}
	if err := cmd.Wait(ctx); err != nil {
		return err
	}
	if cmd.State() != can.StateDone {
		return cmd.Err()
	}
	return nil
}

func (e *Engine) submitBroadcast(ctx context.Context, id can.CommandID, payload []byte, ignoreUnknown bool) error {
	spec, ok := can.Describe(id)
	if !ok {
		return fmt.Errorf("trajectory: %w", can.ErrUnknownOpcode)
	}
	cmd, err := can.NewCommand(id, nil, spec.DefaultTimeout, ignoreUnknown)
	if err != nil {
		return err
	}
	cmd.WithPayload(payload)
	if err := e.scheduler.Submit(ctx, cmd); err != nil {
		return err
	}
	if err := cmd.Wait(ctx); err != nil {
		return err
	}
	if cmd.State() != can.StateDone {
		return cmd.Err()
	}
	return nil
}
