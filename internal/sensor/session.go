// Package sensor implements the connection to an OS1-class spinning LiDAR:
// a TCP command channel for configuration and metadata, two UDP sockets for
// the lidar and IMU packet streams, and the decode path that turns raw
// packets into complete per-rotation frames and inertial samples.
package sensor

import (
	"errors"
	"time"
)

// ErrSessionClosed is returned by Poll once the session has been shut down.
var ErrSessionClosed = errors.New("sensor session closed")

// PayloadKind enumerates the categories of decoded sensor output a single
// poll can yield. Exactly one payload is carried per tick.
type PayloadKind int

const (
	KindNothing PayloadKind = iota
	KindRangeFrame
	KindIntensityFrame
	KindNoiseFrame
	KindPointCloud
	KindImuSample
)

// String returns the payload kind name used in logs and stats.
func (k PayloadKind) String() string {
	switch k {
	case KindNothing:
		return "nothing"
	case KindRangeFrame:
		return "range_frame"
	case KindIntensityFrame:
		return "intensity_frame"
	case KindNoiseFrame:
		return "noise_frame"
	case KindPointCloud:
		return "point_cloud"
	case KindImuSample:
		return "imu_sample"
	default:
		return "unknown"
	}
}

// ImageFrame is one complete per-rotation image: Height beams by Width
// columns of measurement words, row-major. Pixels are the raw sensor values
// (millimetres for range, counts for intensity and noise).
type ImageFrame struct {
	FrameID string
	Stamp   time.Time
	Width   int
	Height  int
	Pixels  []uint32
}

// Complete reports whether the frame is fully populated. A frame whose pixel
// buffer does not cover Width×Height was truncated during assembly and must
// never be forwarded.
func (f *ImageFrame) Complete() bool {
	return f != nil && f.Width > 0 && f.Height > 0 && len(f.Pixels) == f.Width*f.Height
}

// Point is a single cartesian return in the sensor frame, metres.
// Intensity is the signal photon count; Reflectivity is the sensor's
// range-compensated alternative to it.
type Point struct {
	X, Y, Z      float32
	Intensity    uint16
	Reflectivity uint16
	Ring         uint8
	Range        uint32 // raw range in millimetres
}

// PointCloudBatch is the cartesian projection of one complete rotation.
type PointCloudBatch struct {
	FrameID string
	Stamp   time.Time
	Width   int
	Height  int
	Points  []Point
}

// Complete reports whether the batch covers the full rotation.
func (b *PointCloudBatch) Complete() bool {
	return b != nil && b.Width > 0 && b.Height > 0 && len(b.Points) == b.Width*b.Height
}

// ImuSample is one decoded inertial measurement. Acceleration is in g and
// angular velocity in deg/sec, exactly as reported on the wire; unit
// conversion happens in the processor layer.
type ImuSample struct {
	Stamp      time.Time // IMU start-of-read timestamp
	AccelStamp time.Time
	GyroStamp  time.Time
	AccelX     float32
	AccelY     float32
	AccelZ     float32
	GyroX      float32
	GyroY      float32
	GyroZ      float32
}

// Complete reports whether the sample carries a usable timestamp.
func (s *ImuSample) Complete() bool {
	return s != nil && !s.Stamp.IsZero()
}

// TickResult is the tagged variant describing what, if anything, one poll
// retrieved. At most one payload field is populated, selected by Kind.
// Err is set only for session-level failures (connection lost, socket
// errors); decode-level problems are dropped and counted inside the session
// and never surface here.
type TickResult struct {
	Kind      PayloadKind
	Range     *ImageFrame
	Intensity *ImageFrame
	Noise     *ImageFrame
	Cloud     *PointCloudBatch
	Imu       *ImuSample
	Err       error
}

// Complete reports whether the carried payload is fully decoded and
// self-consistent. Nothing-results are trivially complete.
func (r TickResult) Complete() bool {
	switch r.Kind {
	case KindNothing:
		return true
	case KindRangeFrame:
		return r.Range.Complete()
	case KindIntensityFrame:
		return r.Intensity.Complete()
	case KindNoiseFrame:
		return r.Noise.Complete()
	case KindPointCloud:
		return r.Cloud.Complete()
	case KindImuSample:
		return r.Imu.Complete()
	default:
		return false
	}
}

// Metadata is the sensor's self-reported identity and calibration snapshot,
// cached at session open.
type Metadata struct {
	Hostname     string `json:"hostname"`
	SerialNumber string `json:"prod_sn"`
	BuildRev     string `json:"build_rev"`
	ProductLine  string `json:"prod_line"`
	Mode         string `json:"lidar_mode"`

	BeamAzimuthAngles  []float64 `json:"beam_azimuth_angles"`
	BeamAltitudeAngles []float64 `json:"beam_altitude_angles"`

	// 4x4 row-major homogeneous transforms, translation in millimetres.
	ImuToSensorTransform   []float64 `json:"imu_to_sensor_transform"`
	LidarToSensorTransform []float64 `json:"lidar_to_sensor_transform"`
}

// Session is the live connection to the physical sensor. Implementations
// must make Poll non-blocking and must tolerate Reset racing no one: the
// driver serialises all session access behind a single lock.
type Session interface {
	// Poll retrieves the next available decode unit, or a Nothing result
	// when no complete unit is ready. It never blocks on I/O.
	Poll() TickResult

	// Reset re-initialises the session in place with a fresh configuration,
	// without destroying the owning driver.
	Reset(cfg Config) error

	// Metadata returns the calibration snapshot cached at open.
	Metadata() Metadata

	// Close releases the connection. Safe to call more than once.
	Close() error
}
