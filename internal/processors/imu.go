package processors

import (
	"math"

	"github.com/banshee-data/lidar.driver/internal/sensor"
)

const standardGravity = 9.80665 // m/s² per g

// ImuHandler converts raw inertial samples (g, deg/sec) into SI units.
type ImuHandler struct{}

// NewImuHandler returns the IMU handler.
func NewImuHandler() *ImuHandler {
	return &ImuHandler{}
}

// Handle converts the sample. The message timestamp is the IMU
// start-of-read stamp carried by the packet, not the tick time, so
// downstream consumers see sensor-clock ordering.
func (h *ImuHandler) Handle(sample *sensor.ImuSample, ctx Context) *ImuMessage {
	degToRad := math.Pi / 180
	return &ImuMessage{
		Frame: ctx.Frame,
		Stamp: sample.Stamp,
		LinearAcceleration: [3]float64{
			float64(sample.AccelX) * standardGravity,
			float64(sample.AccelY) * standardGravity,
			float64(sample.AccelZ) * standardGravity,
		},
		AngularVelocity: [3]float64{
			float64(sample.GyroX) * degToRad,
			float64(sample.GyroY) * degToRad,
			float64(sample.GyroZ) * degToRad,
		},
	}
}
