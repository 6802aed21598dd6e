package driver

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/lidar.driver/internal/processors"
	"github.com/banshee-data/lidar.driver/internal/publish"
	"github.com/banshee-data/lidar.driver/internal/sensor"
	"github.com/banshee-data/lidar.driver/internal/telemetry"
)

// ErrIgnored marks a lifecycle or control operation attempted outside its
// permitted state. Mis-timed requests are expected, not exceptional: callers
// treat this as a silent no-op, not a failure.
var ErrIgnored = errors.New("ignored in current lifecycle state")

// Options configures a Driver. Zero values get working defaults.
type Options struct {
	// Sink receives converted messages. Defaults to a discard sink.
	Sink publish.Sink

	// Store, when non-nil, receives the sampled telemetry ledger.
	Store *telemetry.Store

	// OpenSession opens the sensor session at configure time. Defaults to
	// the live TCP/UDP client; tests and replay runs substitute their own.
	OpenSession func(sensor.Config) (sensor.Session, error)

	// Period overrides the acquisition tick period. Defaults to TickPeriod.
	Period time.Duration

	// ImuRecordEvery thins IMU telemetry writes: every Nth sample is
	// persisted. Defaults to 100 (~1 Hz at the sensor's IMU rate).
	ImuRecordEvery int

	// StatsInterval is the cadence of the periodic stats log while active.
	// Defaults to one minute.
	StatsInterval time.Duration
}

// noopSink discards everything.
type noopSink struct{}

func (noopSink) PublishRangeImage(*processors.ImageMessage)      {}
func (noopSink) PublishIntensityImage(*processors.ImageMessage)  {}
func (noopSink) PublishNoiseImage(*processors.ImageMessage)      {}
func (noopSink) PublishPointCloud(*processors.PointCloudMessage) {}
func (noopSink) PublishImu(*processors.ImuMessage)               {}
func (noopSink) PublishTransforms([]processors.TransformMessage) {}
func (noopSink) Close() error                                    { return nil }

// Driver owns the sensor session and runs the lifecycle around it. The
// session is the only shared mutable resource: the acquisition loop and the
// control surface both reach it exclusively through sessionMu, so a reset
// can never race a poll mid-decode.
type Driver struct {
	machine *Machine
	opts    Options

	// lifecycleMu serialises lifecycle operations end to end; transient
	// states (Configuring etc.) are never observable mid-flight from a
	// second lifecycle call.
	lifecycleMu sync.Mutex

	// sessionMu guards session and cfg. The loop's session callback reads
	// the field directly and is only ever invoked with sessionMu held.
	sessionMu sync.Mutex
	session   sensor.Session
	cfg       sensor.Config

	loop      *acquireLoop
	stats     LoopStats
	statsStop chan struct{}

	rangeH     *processors.ImageHandler
	intensityH *processors.ImageHandler
	noiseH     *processors.ImageHandler
	cloudH     *processors.PointCloudHandler
	imuH       *processors.ImuHandler

	imuSeen uint64 // dispatch-only, guarded by sessionMu
}

// New builds a driver. No sensor contact happens until Configure.
func New(opts Options) *Driver {
	if opts.Sink == nil {
		opts.Sink = noopSink{}
	}
	if opts.OpenSession == nil {
		opts.OpenSession = func(cfg sensor.Config) (sensor.Session, error) {
			return sensor.Open(cfg)
		}
	}
	if opts.Period <= 0 {
		opts.Period = TickPeriod
	}
	if opts.ImuRecordEvery <= 0 {
		opts.ImuRecordEvery = 100
	}
	if opts.StatsInterval <= 0 {
		opts.StatsInterval = time.Minute
	}
	return &Driver{
		machine:    NewMachine(),
		opts:       opts,
		rangeH:     processors.NewRangeImageHandler(),
		intensityH: processors.NewIntensityImageHandler(),
		noiseH:     processors.NewNoiseImageHandler(),
		cloudH:     processors.NewPointCloudHandler(),
		imuH:       processors.NewImuHandler(),
	}
}

// State returns the current lifecycle state.
func (d *Driver) State() State {
	return d.machine.State()
}

// Stats returns a snapshot of the acquisition counters.
func (d *Driver) Stats() LoopStatsSnapshot {
	return d.stats.Snapshot()
}

// Configure validates cfg, opens the sensor session and announces the two
// static transforms. On any failure the driver lands in ErrorProcessing,
// recoverable via Cleanup.
func (d *Driver) Configure(cfg sensor.Config) error {
	d.lifecycleMu.Lock()
	defer d.lifecycleMu.Unlock()

	if res := d.machine.Apply(EventConfigure); !res.Accepted {
		diagf("Configure ignored in state %s", res.From)
		return ErrIgnored
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		d.machine.Apply(EventError)
		return fmt.Errorf("configuration: %w", err)
	}

	opsf("Connecting to sensor at %s; streaming to %s", cfg.SensorAddr, cfg.HostAddr)

	session, err := d.opts.OpenSession(cfg)
	if err != nil {
		d.machine.Apply(EventError)
		return fmt.Errorf("session open: %w", err)
	}

	transforms, err := processors.StaticTransforms(
		session.Metadata(), cfg.SensorFrame, cfg.LaserFrame, cfg.ImuFrame, time.Now())
	if err != nil {
		session.Close()
		d.machine.Apply(EventError)
		return fmt.Errorf("static transforms: %w", err)
	}

	d.sessionMu.Lock()
	d.session = session
	d.cfg = cfg
	d.sessionMu.Unlock()

	// Announced exactly once per successful configure.
	d.opts.Sink.PublishTransforms(transforms)

	d.machine.Apply(EventConfigureOK)
	opsf("Configured: mode %s, frames [%s %s %s]", cfg.Mode, cfg.SensorFrame, cfg.LaserFrame, cfg.ImuFrame)
	return nil
}

// Activate starts the acquisition loop.
func (d *Driver) Activate() error {
	d.lifecycleMu.Lock()
	defer d.lifecycleMu.Unlock()

	if res := d.machine.Apply(EventActivate); !res.Accepted {
		diagf("Activate ignored in state %s", res.From)
		return ErrIgnored
	}

	d.loop = newAcquireLoop(d.opts.Period, &d.sessionMu,
		func() sensor.Session { return d.session },
		d.dispatch, d.onSessionFailure, &d.stats)
	d.loop.start()

	d.statsStop = make(chan struct{})
	go d.statsLoop(d.statsStop)

	opsf("Activated: acquisition loop running at %v per tick", d.opts.Period)
	return nil
}

// Deactivate cancels future ticks; the in-flight tick finishes and delivers
// its message before this returns.
func (d *Driver) Deactivate() error {
	d.lifecycleMu.Lock()
	defer d.lifecycleMu.Unlock()

	if res := d.machine.Apply(EventDeactivate); !res.Accepted {
		diagf("Deactivate ignored in state %s", res.From)
		return ErrIgnored
	}

	d.stopLoopLocked()
	d.machine.Apply(EventDeactivateOK)
	opsf("Deactivated")
	return nil
}

// Cleanup releases the session and all resources. Idempotent: calling it
// with nothing to clean is a successful no-op.
func (d *Driver) Cleanup() error {
	d.lifecycleMu.Lock()
	defer d.lifecycleMu.Unlock()

	if d.machine.Is(Unconfigured) {
		return nil
	}
	if res := d.machine.Apply(EventCleanup); !res.Accepted {
		diagf("Cleanup ignored in state %s", res.From)
		return ErrIgnored
	}

	// A session failure can leave an exited loop behind; reap it.
	d.stopLoopLocked()
	d.closeSessionLocked()
	d.machine.Apply(EventCleanupOK)
	opsf("Cleaned up: session released")
	return nil
}

// Shutdown drains the loop, releases the session and finalises the driver.
// Accepted from any state; terminal.
func (d *Driver) Shutdown() error {
	d.lifecycleMu.Lock()
	defer d.lifecycleMu.Unlock()

	if res := d.machine.Apply(EventShutdown); !res.Accepted {
		return nil // already finalized
	}

	d.stopLoopLocked()
	d.closeSessionLocked()
	opsf("Shutdown complete")
	return nil
}

// stopLoopLocked stops the acquisition loop and the stats goroutine.
// Callers hold lifecycleMu.
func (d *Driver) stopLoopLocked() {
	if d.loop != nil {
		d.loop.stop()
		d.loop = nil
	}
	if d.statsStop != nil {
		close(d.statsStop)
		d.statsStop = nil
	}
}

// closeSessionLocked releases the session. Callers hold lifecycleMu.
func (d *Driver) closeSessionLocked() {
	d.sessionMu.Lock()
	session := d.session
	d.session = nil
	d.sessionMu.Unlock()
	if session != nil {
		if err := session.Close(); err != nil {
			opsf("Session close: %v", err)
		}
	}
}

// onSessionFailure is called from inside a tick when Poll reports a
// session-level error. The loop stops itself after this returns; recovery
// is operator-driven via Cleanup + Configure.
func (d *Driver) onSessionFailure(err error) {
	res := d.machine.Apply(EventError)
	opsf("Session failure, %s -> %s: %v", res.From, res.To, err)
}

// Reset rebuilds the configuration from the current parameter set and
// re-initialises the session in place. Ignored (false, nil) unless Active;
// lifecycle state is unchanged either way.
func (d *Driver) Reset() (bool, error) {
	if !d.machine.Is(Active) {
		diagf("Reset ignored in state %s", d.machine.State())
		return false, nil
	}

	d.sessionMu.Lock()
	defer d.sessionMu.Unlock()
	if d.session == nil {
		return false, nil
	}
	cfg := d.cfg
	if err := d.session.Reset(cfg); err != nil {
		d.machine.Apply(EventError)
		return true, fmt.Errorf("session reset: %w", err)
	}
	opsf("Session reset with mode %s", cfg.Mode)
	return true, nil
}

// Metadata returns the session's cached calibration snapshot. Ignored
// (zero value, false) unless Active.
func (d *Driver) Metadata() (sensor.Metadata, bool) {
	if !d.machine.Is(Active) {
		diagf("GetMetadata ignored in state %s", d.machine.State())
		return sensor.Metadata{}, false
	}

	d.sessionMu.Lock()
	defer d.sessionMu.Unlock()
	if d.session == nil {
		return sensor.Metadata{}, false
	}
	return d.session.Metadata(), true
}

// dispatch routes one complete decode unit to the processor for its payload
// kind and forwards the result. Runs under sessionMu, inside the tick.
func (d *Driver) dispatch(res sensor.TickResult) {
	switch res.Kind {
	case sensor.KindRangeFrame:
		d.stats.RangeFrames.Add(1)
		msg := d.rangeH.Handle(res.Range, processors.Context{Frame: d.cfg.LaserFrame, Stamp: res.Range.Stamp})
		d.opts.Sink.PublishRangeImage(msg)
		d.opts.Store.RecordFrame(res.Kind, res.Range.FrameID, res.Range.Stamp, res.Range.Width, res.Range.Height)

	case sensor.KindIntensityFrame:
		d.stats.IntensityFrames.Add(1)
		msg := d.intensityH.Handle(res.Intensity, processors.Context{Frame: d.cfg.LaserFrame, Stamp: res.Intensity.Stamp})
		d.opts.Sink.PublishIntensityImage(msg)
		d.opts.Store.RecordFrame(res.Kind, res.Intensity.FrameID, res.Intensity.Stamp, res.Intensity.Width, res.Intensity.Height)

	case sensor.KindNoiseFrame:
		d.stats.NoiseFrames.Add(1)
		msg := d.noiseH.Handle(res.Noise, processors.Context{Frame: d.cfg.LaserFrame, Stamp: res.Noise.Stamp})
		d.opts.Sink.PublishNoiseImage(msg)
		d.opts.Store.RecordFrame(res.Kind, res.Noise.FrameID, res.Noise.Stamp, res.Noise.Width, res.Noise.Height)

	case sensor.KindPointCloud:
		d.stats.PointClouds.Add(1)
		msg := d.cloudH.Handle(res.Cloud, processors.Context{Frame: d.cfg.LaserFrame, Stamp: res.Cloud.Stamp})
		d.opts.Sink.PublishPointCloud(msg)
		d.opts.Store.RecordFrame(res.Kind, res.Cloud.FrameID, res.Cloud.Stamp, res.Cloud.Width, res.Cloud.Height)
		tracef("Dispatched point cloud %s: %d points", res.Cloud.FrameID, len(res.Cloud.Points))

	case sensor.KindImuSample:
		d.stats.ImuSamples.Add(1)
		msg := d.imuH.Handle(res.Imu, processors.Context{Frame: d.cfg.ImuFrame, Stamp: res.Imu.Stamp})
		d.opts.Sink.PublishImu(msg)
		d.imuSeen++
		if d.imuSeen%uint64(d.opts.ImuRecordEvery) == 0 {
			d.opts.Store.RecordImu(msg)
		}

	default:
		// A payload kind this dispatcher does not know about means the
		// session and driver have drifted apart; make it loud.
		d.stats.UnknownKinds.Add(1)
		opsf("Unhandled payload kind %d dropped", res.Kind)
	}
}

// statsLoop logs and persists loop counters while the driver is active.
func (d *Driver) statsLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(d.opts.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			snap := d.stats.Snapshot()
			var queueDrops uint64
			d.sessionMu.Lock()
			if sc, ok := d.session.(interface{ Stats() sensor.ClientStats }); ok {
				queueDrops = sc.Stats().QueueDrops
			}
			d.sessionMu.Unlock()
			diagf("Loop stats: ticks=%d idle=%d clouds=%d imu=%d dropped=%d queue_drops=%d",
				snap.Ticks, snap.IdleTicks, snap.PointClouds, snap.ImuSamples,
				snap.IncompleteDropped, queueDrops)
			d.opts.Store.RecordCounters(snap.Ticks, snap.IdleTicks, snap.IncompleteDropped, queueDrops)
		}
	}
}
