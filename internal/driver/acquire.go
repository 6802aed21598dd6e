package driver

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/lidar.driver/internal/sensor"
)

// TickPeriod is the acquisition cadence: the sensor emits packets at
// 1280 Hz, so the loop polls every 781250ns.
const TickPeriod = 781250 * time.Nanosecond

// LoopStats counts what the acquisition loop has seen since activation.
type LoopStats struct {
	Ticks             atomic.Uint64
	IdleTicks         atomic.Uint64
	RangeFrames       atomic.Uint64
	IntensityFrames   atomic.Uint64
	NoiseFrames       atomic.Uint64
	PointClouds       atomic.Uint64
	ImuSamples        atomic.Uint64
	IncompleteDropped atomic.Uint64
	UnknownKinds      atomic.Uint64
}

// LoopStatsSnapshot is a point-in-time copy of LoopStats for the API layer.
type LoopStatsSnapshot struct {
	Ticks             uint64 `json:"ticks"`
	IdleTicks         uint64 `json:"idle_ticks"`
	RangeFrames       uint64 `json:"range_frames"`
	IntensityFrames   uint64 `json:"intensity_frames"`
	NoiseFrames       uint64 `json:"noise_frames"`
	PointClouds       uint64 `json:"point_clouds"`
	ImuSamples        uint64 `json:"imu_samples"`
	IncompleteDropped uint64 `json:"incomplete_dropped"`
	UnknownKinds      uint64 `json:"unknown_kinds"`
}

// Snapshot copies the counters.
func (s *LoopStats) Snapshot() LoopStatsSnapshot {
	return LoopStatsSnapshot{
		Ticks:             s.Ticks.Load(),
		IdleTicks:         s.IdleTicks.Load(),
		RangeFrames:       s.RangeFrames.Load(),
		IntensityFrames:   s.IntensityFrames.Load(),
		NoiseFrames:       s.NoiseFrames.Load(),
		PointClouds:       s.PointClouds.Load(),
		ImuSamples:        s.ImuSamples.Load(),
		IncompleteDropped: s.IncompleteDropped.Load(),
		UnknownKinds:      s.UnknownKinds.Load(),
	}
}

// acquireLoop is the periodic task that polls the session and hands decode
// units to the dispatcher. Ticks are strictly sequential: the next tick is
// only considered after the previous one returns, and the Go ticker
// coalesces missed ticks when a tick overruns its period, so a slow
// dispatcher widens the effective period instead of queueing work.
type acquireLoop struct {
	period    time.Duration
	sessionMu *sync.Mutex
	session   func() sensor.Session
	dispatch  func(sensor.TickResult)
	onFailure func(error)
	stats     *LoopStats

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

func newAcquireLoop(period time.Duration, sessionMu *sync.Mutex, session func() sensor.Session,
	dispatch func(sensor.TickResult), onFailure func(error), stats *LoopStats) *acquireLoop {
	return &acquireLoop{
		period:    period,
		sessionMu: sessionMu,
		session:   session,
		dispatch:  dispatch,
		onFailure: onFailure,
		stats:     stats,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// start launches the loop goroutine.
func (l *acquireLoop) start() {
	go l.run()
}

// stop cancels future ticks and waits for the in-flight tick to finish.
// Safe to call more than once, and safe after the loop has already exited
// on a session failure.
func (l *acquireLoop) stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
	<-l.doneCh
}

func (l *acquireLoop) run() {
	defer close(l.doneCh)

	ticker := time.NewTicker(l.period)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			if !l.tick() {
				return
			}
		}
	}
}

// tick performs one poll-classify-dispatch cycle. It returns false when the
// session has failed and the loop must stop. The session lock is held for
// the whole cycle so a concurrent Reset never races a poll mid-decode.
func (l *acquireLoop) tick() bool {
	l.stats.Ticks.Add(1)

	l.sessionMu.Lock()
	defer l.sessionMu.Unlock()

	s := l.session()
	if s == nil {
		l.stats.IdleTicks.Add(1)
		return true
	}

	res := s.Poll()
	if res.Err != nil {
		opsf("Session failure during poll: %v", res.Err)
		l.onFailure(res.Err)
		return false
	}

	if res.Kind == sensor.KindNothing {
		l.stats.IdleTicks.Add(1)
		return true
	}

	if !res.Complete() {
		// Partial units must never reach a processor.
		l.stats.IncompleteDropped.Add(1)
		opsf("Dropped incomplete %s unit", res.Kind)
		return true
	}

	l.dispatch(res)
	return true
}
