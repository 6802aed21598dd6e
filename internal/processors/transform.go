package processors

import (
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/lidar.driver/internal/sensor"
)

// StaticTransforms derives the two static coordinate transforms announced
// once per configure from the session metadata: IMU frame and laser data
// frame, both expressed in the sensor frame.
func StaticTransforms(md sensor.Metadata, sensorFrame, laserFrame, imuFrame string, stamp time.Time) ([]TransformMessage, error) {
	imuTF, err := transformFromMatrix(md.ImuToSensorTransform, sensorFrame, imuFrame, stamp)
	if err != nil {
		return nil, fmt.Errorf("imu_to_sensor_transform: %w", err)
	}
	lidarTF, err := transformFromMatrix(md.LidarToSensorTransform, sensorFrame, laserFrame, stamp)
	if err != nil {
		return nil, fmt.Errorf("lidar_to_sensor_transform: %w", err)
	}
	return []TransformMessage{imuTF, lidarTF}, nil
}

// transformFromMatrix converts a 4×4 row-major homogeneous transform with
// millimetre translation into the external message form.
func transformFromMatrix(vals []float64, parent, child string, stamp time.Time) (TransformMessage, error) {
	if len(vals) != 16 {
		return TransformMessage{}, fmt.Errorf("expected 16 elements, got %d", len(vals))
	}

	h := mat.NewDense(4, 4, vals)
	r := h.Slice(0, 3, 0, 3).(*mat.Dense)

	return TransformMessage{
		Parent: parent,
		Child:  child,
		Stamp:  stamp,
		Translation: [3]float64{
			h.At(0, 3) / 1000.0,
			h.At(1, 3) / 1000.0,
			h.At(2, 3) / 1000.0,
		},
		Rotation: quaternionFromRotation(r),
	}, nil
}

// quaternionFromRotation converts a 3×3 rotation matrix to a unit
// quaternion (x, y, z, w) using Shepperd's method: branch on the largest
// diagonal term to keep the divisor well away from zero.
func quaternionFromRotation(r *mat.Dense) [4]float64 {
	m00, m01, m02 := r.At(0, 0), r.At(0, 1), r.At(0, 2)
	m10, m11, m12 := r.At(1, 0), r.At(1, 1), r.At(1, 2)
	m20, m21, m22 := r.At(2, 0), r.At(2, 1), r.At(2, 2)

	trace := m00 + m11 + m22
	var x, y, z, w float64
	switch {
	case trace > 0:
		s := 2 * math.Sqrt(trace+1)
		w = s / 4
		x = (m21 - m12) / s
		y = (m02 - m20) / s
		z = (m10 - m01) / s
	case m00 > m11 && m00 > m22:
		s := 2 * math.Sqrt(1+m00-m11-m22)
		w = (m21 - m12) / s
		x = s / 4
		y = (m01 + m10) / s
		z = (m02 + m20) / s
	case m11 > m22:
		s := 2 * math.Sqrt(1+m11-m00-m22)
		w = (m02 - m20) / s
		x = (m01 + m10) / s
		y = s / 4
		z = (m12 + m21) / s
	default:
		s := 2 * math.Sqrt(1+m22-m00-m11)
		w = (m10 - m01) / s
		x = (m02 + m20) / s
		y = (m12 + m21) / s
		z = s / 4
	}
	return [4]float64{x, y, z, w}
}
