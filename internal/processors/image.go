package processors

import "github.com/banshee-data/lidar.driver/internal/sensor"

// rangeScaleMM divides raw range values (millimetres) down into 16 bits.
// 4 mm per count covers the sensor's full 120 m envelope within uint16.
const rangeScaleMM = 4

// ImageHandler converts one image frame into a mono16 ImageMessage. The
// scale divisor compresses wide pixel values into 16 bits; 1 means
// pass-through.
type ImageHandler struct {
	scale uint32
}

// NewRangeImageHandler returns the handler for range frames. Range pixels
// arrive as millimetres in 20 bits and are scaled to 4 mm/count.
func NewRangeImageHandler() *ImageHandler {
	return &ImageHandler{scale: rangeScaleMM}
}

// NewIntensityImageHandler returns the handler for intensity frames.
func NewIntensityImageHandler() *ImageHandler {
	return &ImageHandler{scale: 1}
}

// NewNoiseImageHandler returns the handler for ambient noise frames.
func NewNoiseImageHandler() *ImageHandler {
	return &ImageHandler{scale: 1}
}

// Handle converts the frame. Pixels that overflow 16 bits after scaling are
// clamped to the maximum rather than wrapped.
func (h *ImageHandler) Handle(frame *sensor.ImageFrame, ctx Context) *ImageMessage {
	msg := &ImageMessage{
		Frame:    ctx.Frame,
		Stamp:    ctx.Stamp,
		Width:    frame.Width,
		Height:   frame.Height,
		Encoding: "mono16",
		Step:     frame.Width * 2,
		Data:     make([]byte, len(frame.Pixels)*2),
	}
	for i, p := range frame.Pixels {
		v := p / h.scale
		if v > 0xFFFF {
			v = 0xFFFF
		}
		msg.Data[2*i] = byte(v)
		msg.Data[2*i+1] = byte(v >> 8)
	}
	return msg
}
