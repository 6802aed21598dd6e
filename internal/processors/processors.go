// Package processors converts decoded sensor output into the external
// message representations handed to the publication sinks. Each handler is
// a pure transform over one payload kind: no shared mutable state, no
// buffering beyond the unit in flight, so every handler can be unit tested
// in isolation and invoked at the full tick rate.
package processors

import "time"

// Context carries the per-unit frame attribution: the coordinate frame the
// message is expressed in and the timestamp attached to it.
type Context struct {
	Frame string
	Stamp time.Time
}

// ImageMessage is a single-channel sensor image in row-major order.
type ImageMessage struct {
	Frame    string    `json:"frame"`
	Stamp    time.Time `json:"stamp"`
	Width    int       `json:"width"`
	Height   int       `json:"height"`
	Encoding string    `json:"encoding"` // "mono16", little-endian
	Step     int       `json:"step"`     // bytes per row
	Data     []byte    `json:"data"`
}

// PointXYZIR is one cartesian return with intensity and ring attribution.
type PointXYZIR struct {
	X         float32 `json:"x"`
	Y         float32 `json:"y"`
	Z         float32 `json:"z"`
	Intensity uint16  `json:"intensity"`
	Ring      uint8   `json:"ring"`
}

// PointCloudMessage is an organised (Height×Width) point cloud.
type PointCloudMessage struct {
	Frame  string       `json:"frame"`
	Stamp  time.Time    `json:"stamp"`
	Width  int          `json:"width"`
	Height int          `json:"height"`
	Points []PointXYZIR `json:"points"`
}

// ImuMessage is one inertial sample in SI units: m/s² and rad/s.
type ImuMessage struct {
	Frame              string     `json:"frame"`
	Stamp              time.Time  `json:"stamp"`
	LinearAcceleration [3]float64 `json:"linear_acceleration"`
	AngularVelocity    [3]float64 `json:"angular_velocity"`
}

// TransformMessage is a static coordinate transform: child expressed in
// parent, translation in metres, rotation as a unit quaternion (x,y,z,w).
type TransformMessage struct {
	Parent      string     `json:"parent"`
	Child       string     `json:"child"`
	Stamp       time.Time  `json:"stamp"`
	Translation [3]float64 `json:"translation"`
	Rotation    [4]float64 `json:"rotation"`
}
