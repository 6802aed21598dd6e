package processors

import "github.com/banshee-data/lidar.driver/internal/sensor"

// PointCloudHandler converts a per-rotation point batch into the external
// organised cloud representation.
type PointCloudHandler struct{}

// NewPointCloudHandler returns the point cloud handler.
func NewPointCloudHandler() *PointCloudHandler {
	return &PointCloudHandler{}
}

// Handle copies the batch into a PointCloudMessage attributed to ctx.
func (h *PointCloudHandler) Handle(batch *sensor.PointCloudBatch, ctx Context) *PointCloudMessage {
	msg := &PointCloudMessage{
		Frame:  ctx.Frame,
		Stamp:  ctx.Stamp,
		Width:  batch.Width,
		Height: batch.Height,
		Points: make([]PointXYZIR, len(batch.Points)),
	}
	for i, p := range batch.Points {
		msg.Points[i] = PointXYZIR{
			X:         p.X,
			Y:         p.Y,
			Z:         p.Z,
			Intensity: p.Intensity,
			Ring:      p.Ring,
		}
	}
	return msg
}
