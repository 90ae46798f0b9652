// Package fps implements the fleet-wide coordinator: positioner discovery,
// status/position polling, command dispatch gated by the fleet lock, and
// trajectory execution (spec.md §4.8).
package fps

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/sdss/jaeger/can"
	"github.com/sdss/jaeger/config"
	"github.com/sdss/jaeger/positioner"
	"github.com/sdss/jaeger/trajectory"
)

// Counters tallies fleet lifetime statistics (FpsState.status_counters,
// spec.md §3).
type Counters struct {
	TrajectoriesExecuted int
	TrajectoriesFailed   int
}

// Fps is the fleet coordinator: it owns the scheduler, the interfaces the
// scheduler writes to, and every discovered Positioner. It is a plain value
// a caller constructs and owns; the only process-wide singleton is the
// lockfile (spec.md §9).
type Fps struct {
	cfg        config.Config
	scheduler  *can.CanScheduler
	interfaces map[int]can.BusInterface
	locker     *Locker
	events     EventBus
	engine     *trajectory.Engine
	logger     *log.Logger

	mu          sync.RWMutex
	positioners map[uint32]*positioner.Positioner
	moving      bool
	counters    Counters

	// lastTrajectory is the most recent trajectory's diagnostic dump,
	// kept in memory for operator inspection (spec.md §4.6 step 8).
	lastTrajectory *trajectory.Report

	cancelPollers context.CancelFunc
}

// New constructs an Fps over the given interfaces, wiring a CanScheduler
// and TrajectoryEngine configured from cfg.
func New(cfg config.Config, interfaces map[int]can.BusInterface, logger *log.Logger) *Fps {
	if logger == nil {
		logger = log.Default()
	}
	f := &Fps{
		cfg:         cfg,
		interfaces:  interfaces,
		locker:      NewLocker(),
		logger:      logger,
		positioners: make(map[uint32]*positioner.Positioner),
	}
	codec := can.NewCodec(cfg.Identifier.PositionerIDBits, cfg.Identifier.CommandIDBits, cfg.Identifier.UIDBits, cfg.Identifier.ResponseBits)
	f.scheduler = can.NewScheduler(codec, f, interfaces, logger)
	f.scheduler.SetOnTransportEvent(f.onTransportEvent)
	f.engine = trajectory.NewEngine(f.scheduler, f, cfg.ReachedToleranceDegrees, cfg.StatusPollerInterval(), cfg.TrajectoryChunkSize, logger)
	f.engine.SetOnCollision(f.onEngineCollision)
	return f
}

// onTransportEvent republishes a bus-level lifecycle event onto the fleet
// event bus: a successful reconnect becomes EventTransportReset, a drop
// becomes EventAlert (spec.md §6: "operators must be notified of transport
// health changes").
func (f *Fps) onTransportEvent(event can.InterfaceEvent) {
	switch event.Kind {
	case can.EventTransportReset:
		f.events.Publish(Event{Kind: EventTransportReset, Time: time.Now()})
	case can.EventTransportError:
		f.events.Publish(Event{Kind: EventAlert, Time: time.Now(), Err: event.Err})
	}
}

// onEngineCollision is invoked by the TrajectoryEngine the instant it
// observes a newly collided positioner while a trajectory is running,
// engaging the fleet lock immediately rather than waiting for the next
// background status poll (spec.md §8 property 6).
func (f *Fps) onEngineCollision(positionerID uint32) {
	f.Lock(context.Background(), positionerID)
}

// Locate implements can.LocationResolver over the discovered positioner
// table.
func (f *Fps) Locate(positionerID uint32) (can.PositionerLocation, bool) {
	f.mu.RLock()
	pos, ok := f.positioners[positionerID]
	f.mu.RUnlock()
	if !ok {
		return can.PositionerLocation{}, false
	}
	return pos.Location()
}

// Get implements trajectory.PositionerSource.
func (f *Fps) Get(id uint32) (*positioner.Positioner, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	p, ok := f.positioners[id]
	return p, ok
}

// Events returns the fleet event bus; subscribe before Initialise to avoid
// missing the discovery_complete notification.
func (f *Fps) Events() *EventBus { return &f.events }

// Locked reports the fleet-wide lock state.
func (f *Fps) Locked() bool { return f.locker.Locked() }

// Moving reports whether a trajectory is currently executing.
func (f *Fps) Moving() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.moving
}

// Counters returns the fleet's lifetime trajectory statistics.
func (f *Fps) Counters() Counters {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.counters
}

// LastTrajectory returns the diagnostic dump of the most recently finished
// trajectory (nil if none has run yet), for operator inspection (spec.md
// §4.6 step 8).
func (f *Fps) LastTrajectory() *trajectory.Report {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.lastTrajectory
}

// Initialise discovers the fleet by broadcasting GET_FIRMWARE_VERSION and
// GET_STATUS across every interface and bus, instantiating a Positioner for
// each distinct id that replies (spec.md §4.8).
func (f *Fps) Initialise(ctx context.Context) error {
	firmwareByID := make(map[uint32]can.FirmwareVersion)
	statusByID := make(map[uint32]uint32)
	locByID := make(map[uint32]can.PositionerLocation)

	fwCmd, err := can.NewCommand(can.GetFirmwareVersion, nil, 2*time.Second, true)
	if err != nil {
		return err
	}
	if err := f.scheduler.Submit(ctx, fwCmd); err != nil {
		return err
	}
	if err := fwCmd.Wait(ctx); err != nil {
		return err
	}
	for _, reply := range fwCmd.Replies() {
		if v, ok := can.DecodeFirmwareVersion(reply.Data); ok {
			firmwareByID[reply.PositionerID] = v
			locByID[reply.PositionerID] = can.PositionerLocation{InterfaceIndex: reply.InterfaceIndex, BusIndex: reply.BusIndex}
		}
	}

	stCmd, err := can.NewCommand(can.GetStatus, nil, 2*time.Second, true)
	if err != nil {
		return err
	}
	if err := f.scheduler.Submit(ctx, stCmd); err != nil {
		return err
	}
	if err := stCmd.Wait(ctx); err != nil {
		return err
	}
	for _, reply := range stCmd.Replies() {
		if word, ok := can.DecodeStatusWord(reply.Data); ok {
			statusByID[reply.PositionerID] = word
		}
	}

	f.mu.Lock()
	for id, fw := range firmwareByID {
		pos, existing := f.positioners[id]
		if !existing {
			pos = positioner.New(id)
			f.positioners[id] = pos
		}
		pos.SetFirmwareVersion(fw)
		pos.SetLocation(locByID[id])
		if word, ok := statusByID[id]; ok {
			variant := positioner.VariantFor(fw)
			status := positioner.Decode(word, variant)
			pos.SetStatus(word, status.IsCollided())
		}
		pos.SetOffline(false)
	}
	for _, id := range f.cfg.DisabledPositioners {
		if pos, ok := f.positioners[id]; ok {
			pos.SetDisabled(true)
		}
	}
	for id, pos := range f.positioners {
		if _, replied := firmwareByID[id]; !replied {
			pos.SetOffline(true)
		}
	}
	f.mu.Unlock()

	f.events.Publish(Event{Kind: EventDiscoveryComplete, Time: time.Now()})
	for id := range firmwareByID {
		f.events.Publish(Event{Kind: EventPositionerAdded, Time: time.Now(), PositionerID: id})
	}
	return nil
}

// AddPositioner manually registers a single positioner without running
// full discovery (spec.md §4.8: "manual single-positioner add is
// supported").
func (f *Fps) AddPositioner(id uint32, loc can.PositionerLocation) *positioner.Positioner {
	f.mu.Lock()
	defer f.mu.Unlock()
	pos := positioner.New(id)
	pos.SetLocation(loc)
	f.positioners[id] = pos
	f.events.Publish(Event{Kind: EventPositionerAdded, Time: time.Now(), PositionerID: id})
	return pos
}

// Snapshot returns a point-in-time copy of every known positioner, keyed by
// id (the `get_status` operator request, spec.md §6).
func (f *Fps) Snapshot() map[uint32]positioner.Snapshot {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make(map[uint32]positioner.Snapshot, len(f.positioners))
	for id, pos := range f.positioners {
		out[id] = pos.Snapshot()
	}
	return out
}

// SendCommand submits a single command against one or more positioners (or
// every positioner, if ids is empty), enforcing the lock gate (spec.md §8
// property 6) and the disabled/offline exclusion (spec.md §4.8).
func (f *Fps) SendCommand(ctx context.Context, id can.CommandID, ids []uint32, timeout time.Duration, ignoreUnknown bool) (*can.Command, error) {
	if !f.locker.Allow(id) {
		return nil, ErrLocked
	}
	filtered := f.excludeDisabled(ids)
	if len(ids) > 0 && len(filtered) == 0 {
		return nil, ErrPositionerDisabled
	}
	cmd, err := can.NewCommand(id, filtered, timeout, ignoreUnknown)
	if err != nil {
		return nil, err
	}
	if err := f.scheduler.Submit(ctx, cmd); err != nil {
		return nil, err
	}
	return cmd, nil
}

func (f *Fps) excludeDisabled(ids []uint32) []uint32 {
	if len(ids) == 0 {
		return nil
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]uint32, 0, len(ids))
	for _, id := range ids {
		if pos, ok := f.positioners[id]; ok && pos.Excluded() {
			continue
		}
		out = append(out, id)
	}
	return out
}

// Goto commands a single positioner to a new (alpha, beta) by constructing
// a trivial two-point trajectory (start, end) and delegating to the
// TrajectoryEngine (spec.md §4.7).
func (f *Fps) Goto(ctx context.Context, id uint32, alpha, beta float64) (*trajectory.Report, error) {
	if !f.locker.Allow(can.GotoAbsolutePosition) {
		return nil, ErrLocked
	}
	pos, ok := f.Get(id)
	if !ok {
		return nil, fmt.Errorf("fps: positioner %d unknown", id)
	}
	if pos.Excluded() {
		return nil, ErrPositionerDisabled
	}
	snap := pos.Snapshot()
	traj := trajectory.New()
	traj.Paths[id] = trajectory.PositionerPath{
		Alpha: trajectory.AxisPath{{AngleDegrees: snap.Alpha, TimeSeconds: 0}, {AngleDegrees: alpha, TimeSeconds: 1}},
		Beta:  trajectory.AxisPath{{AngleDegrees: snap.Beta, TimeSeconds: 0}, {AngleDegrees: beta, TimeSeconds: 1}},
	}
	return f.SendTrajectory(ctx, traj)
}

// SendTrajectory validates and executes t, updating fleet counters and
// publishing trajectory_started/trajectory_finished events.
func (f *Fps) SendTrajectory(ctx context.Context, t *trajectory.Trajectory) (*trajectory.Report, error) {
	if f.locker.Locked() {
		return nil, ErrLocked
	}
	opts := trajectory.ValidateOptions{
		SafeMode:    f.cfg.SafeMode.Enabled,
		MinBetaSafe: f.cfg.SafeMode.MinBeta,
		IsKnown: func(id uint32) bool {
			_, ok := f.Get(id)
			return ok
		},
		IsDisabled: func(id uint32) bool {
			pos, ok := f.Get(id)
			return ok && pos.Excluded()
		},
	}

	f.setMoving(true)
	f.events.Publish(Event{Kind: EventTrajectoryStarted, Time: time.Now()})
	report, err := f.engine.Run(ctx, t, opts)
	f.setMoving(false)

	f.mu.Lock()
	if err == nil {
		f.counters.TrajectoriesExecuted++
	} else {
		f.counters.TrajectoriesFailed++
	}
	f.lastTrajectory = report
	f.mu.Unlock()

	f.events.Publish(Event{Kind: EventTrajectoryFinished, Time: time.Now(), Report: report})
	return report, err
}

func (f *Fps) setMoving(moving bool) {
	f.mu.Lock()
	f.moving = moving
	f.mu.Unlock()
}

// Abort issues SEND_TRAJECTORY_ABORT across the fleet.
func (f *Fps) Abort(ctx context.Context) error {
	return f.engine.Abort(ctx)
}

// Lock engages the fleet-wide lock, broadcasts SEND_TRAJECTORY_ABORT and
// waits out its cooldown, and publishes EventLocked (spec.md §4.8). It
// cancels no in-flight Command; the lock refuses non-safe submissions made
// after it is engaged.
func (f *Fps) Lock(ctx context.Context, causePositionerID uint32) {
	f.locker.Lock(causePositionerID)
	if err := f.engine.Abort(ctx); err != nil {
		f.logger.Printf("fps: abort during lock failed: %v", err)
	}
	f.events.Publish(Event{Kind: EventLocked, Time: time.Now(), PositionerID: causePositionerID})
}

// Unlock clears the fleet-wide lock (firmware collision latches are left
// untouched; spec.md §4.8).
func (f *Fps) Unlock() {
	f.locker.Unlock()
	f.events.Publish(Event{Kind: EventUnlocked, Time: time.Now()})
}

// Enable clears the sticky disabled flag on a positioner.
func (f *Fps) Enable(id uint32) {
	if pos, ok := f.Get(id); ok {
		pos.SetDisabled(false)
	}
}

// Disable sets the sticky disabled flag on a positioner.
func (f *Fps) Disable(id uint32) {
	if pos, ok := f.Get(id); ok {
		pos.SetDisabled(true)
	}
}

// Reload swaps in a new layered configuration without disturbing
// discovered positioners or in-flight commands; only safe mode and the
// disabled list take effect going forward. The trajectory engine keeps the
// reached tolerance and chunk size it was built with.
func (f *Fps) Reload(cfg config.Config) {
	f.mu.Lock()
	f.cfg = cfg
	f.mu.Unlock()
	for _, id := range cfg.DisabledPositioners {
		f.Disable(id)
	}
}

// StartPollers launches the position and status background pollers; they
// run until ctx is cancelled or StopPollers is called.
func (f *Fps) StartPollers(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	f.mu.Lock()
	f.cancelPollers = cancel
	f.mu.Unlock()

	statusPoller := &poller{
		name:     "status",
		interval: f.cfg.StatusPollerInterval(),
		fn:       f.pollStatusOnce,
		onFailure: func(err error) {
			f.events.Publish(Event{Kind: EventAlert, Time: time.Now(), Err: err})
		},
		logger: f.logger,
	}
	positionPoller := &poller{
		name:     "position",
		interval: f.cfg.PositionPollerInterval(),
		fn:       f.pollPositionOnce,
		onFailure: func(err error) {
			f.events.Publish(Event{Kind: EventAlert, Time: time.Now(), Err: err})
		},
		logger: f.logger,
	}
	go statusPoller.run(ctx)
	go positionPoller.run(ctx)
}

// StopPollers halts any pollers started by StartPollers. Safe to call more
// than once.
func (f *Fps) StopPollers() {
	f.mu.Lock()
	cancel := f.cancelPollers
	f.cancelPollers = nil
	f.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (f *Fps) knownIDs() []uint32 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	ids := make([]uint32, 0, len(f.positioners))
	for id := range f.positioners {
		ids = append(ids, id)
	}
	return ids
}

func (f *Fps) pollStatusOnce(ctx context.Context) error {
	ids := f.knownIDs()
	if len(ids) == 0 {
		return nil
	}
	cmd, err := can.NewCommand(can.GetStatus, ids, 2*time.Second, false)
	if err != nil {
		return err
	}
	if err := f.scheduler.Submit(ctx, cmd); err != nil {
		return err
	}
	if err := cmd.Wait(ctx); err != nil {
		return err
	}
	changed := false
	for _, reply := range cmd.Replies() {
		word, ok := can.DecodeStatusWord(reply.Data)
		if !ok {
			continue
		}
		pos, found := f.Get(reply.PositionerID)
		if !found {
			continue
		}
		variant := positioner.VariantFor(pos.Snapshot().FirmwareVersion)
		status := positioner.Decode(word, variant)
		newlyCollided := pos.SetStatus(word, status.IsCollided())
		changed = true
		if newlyCollided {
			f.Lock(ctx, reply.PositionerID)
		}
	}
	if changed {
		f.events.Publish(Event{Kind: EventStatusChanged, Time: time.Now()})
	}
	return nil
}

func (f *Fps) pollPositionOnce(ctx context.Context) error {
	ids := f.knownIDs()
	if len(ids) == 0 {
		return nil
	}
	cmd, err := can.NewCommand(can.GetActualPosition, ids, 2*time.Second, false)
	if err != nil {
		return err
	}
	if err := f.scheduler.Submit(ctx, cmd); err != nil {
		return err
	}
	if err := cmd.Wait(ctx); err != nil {
		return err
	}
	for _, reply := range cmd.Replies() {
		alpha, beta, ok := can.DecodeTwoInt32(reply.Data)
		if !ok {
			continue
		}
		if pos, found := f.Get(reply.PositionerID); found {
			pos.SetPositionSteps(alpha, beta)
		}
	}
	return nil
}

// Shutdown stops pollers and closes every BusInterface. It is idempotent
// (spec.md §8 property 9).
func (f *Fps) Shutdown() error {
	f.StopPollers()
	var firstErr error
	for _, bus := range f.interfaces {
		if err := bus.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
