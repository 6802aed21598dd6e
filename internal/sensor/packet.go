package sensor

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// OS1 wire format constants.
//
// A lidar packet carries 16 azimuth columns. Each column is a 16-byte header
// (timestamp, measurement id, frame id, encoder count), one 12-byte word per
// beam, and a 4-byte status trailer. Columns whose status is not
// columnStatusValid were measured while the sensor flagged the azimuth block
// bad and are discarded.
//
// An IMU packet is a fixed 48 bytes: three 8-byte timestamps followed by
// six little-endian float32s (acceleration in g, angular velocity in
// deg/sec).
const (
	ColumnsPerPacket = 16

	columnHeaderSize  = 16
	channelWordSize   = 12
	columnTrailerSize = 4

	columnStatusValid = 0xFFFFFFFF

	// The rotary encoder emits 90112 ticks per revolution.
	encoderTicksPerRev = 90112

	ImuPacketSize = 48

	// Range words carry the distance in the low 20 bits.
	rangeMask = 0x000FFFFF
)

// lidarPacketSize returns the expected packet length for a sensor with the
// given number of beams.
func lidarPacketSize(beams int) int {
	return ColumnsPerPacket * columnSize(beams)
}

func columnSize(beams int) int {
	return columnHeaderSize + beams*channelWordSize + columnTrailerSize
}

// ParseImuPacket decodes one 48-byte IMU packet.
func ParseImuPacket(pkt []byte) (*ImuSample, error) {
	if len(pkt) != ImuPacketSize {
		return nil, fmt.Errorf("imu packet: got %d bytes, want %d", len(pkt), ImuPacketSize)
	}
	s := &ImuSample{
		Stamp:      time.Unix(0, int64(binary.LittleEndian.Uint64(pkt[0:8]))),
		AccelStamp: time.Unix(0, int64(binary.LittleEndian.Uint64(pkt[8:16]))),
		GyroStamp:  time.Unix(0, int64(binary.LittleEndian.Uint64(pkt[16:24]))),
		AccelX:     math.Float32frombits(binary.LittleEndian.Uint32(pkt[24:28])),
		AccelY:     math.Float32frombits(binary.LittleEndian.Uint32(pkt[28:32])),
		AccelZ:     math.Float32frombits(binary.LittleEndian.Uint32(pkt[32:36])),
		GyroX:      math.Float32frombits(binary.LittleEndian.Uint32(pkt[36:40])),
		GyroY:      math.Float32frombits(binary.LittleEndian.Uint32(pkt[40:44])),
		GyroZ:      math.Float32frombits(binary.LittleEndian.Uint32(pkt[44:48])),
	}
	return s, nil
}

// beamTable holds the per-beam trigonometry precomputed from the calibration
// metadata so the per-point maths in the hot path is two multiplies and an
// add per axis.
type beamTable struct {
	azimuthRad  []float64 // per-beam azimuth offset
	cosAltitude []float64
	sinAltitude []float64
}

func newBeamTable(azimuthDeg, altitudeDeg []float64) beamTable {
	n := len(altitudeDeg)
	t := beamTable{
		azimuthRad:  make([]float64, n),
		cosAltitude: make([]float64, n),
		sinAltitude: make([]float64, n),
	}
	for i := 0; i < n; i++ {
		az := 0.0
		if i < len(azimuthDeg) {
			az = azimuthDeg[i] * math.Pi / 180
		}
		alt := altitudeDeg[i] * math.Pi / 180
		t.azimuthRad[i] = az
		t.cosAltitude[i] = math.Cos(alt)
		t.sinAltitude[i] = math.Sin(alt)
	}
	return t
}

// FrameAssembler accumulates azimuth columns into complete per-rotation
// frames. When the frame id on the wire advances, the previous rotation is
// finalised: a full rotation yields four decode units (range image,
// intensity image, noise image, point cloud); a rotation with missing or
// invalid columns is dropped and counted, never emitted.
//
// AddPacket is not safe for concurrent use; the session's lidar reader
// goroutine is its only caller. The drop counters are atomics so Stats can
// read them from another goroutine while packets are in flight.
type FrameAssembler struct {
	width  int
	height int
	beams  beamTable

	frameID     uint16
	haveFrame   bool
	frameStamp  time.Time
	columnsSeen int

	rangePix     []uint32
	intensityPix []uint32
	noisePix     []uint32
	points       []Point

	partialFrames atomic.Uint64
	badColumns    atomic.Uint64
}

// NewFrameAssembler builds an assembler for the given scan width and the
// calibration reported by the sensor.
func NewFrameAssembler(width int, md Metadata) *FrameAssembler {
	height := len(md.BeamAltitudeAngles)
	a := &FrameAssembler{
		width:  width,
		height: height,
		beams:  newBeamTable(md.BeamAzimuthAngles, md.BeamAltitudeAngles),
	}
	a.resetBuffers()
	return a
}

func (a *FrameAssembler) resetBuffers() {
	n := a.width * a.height
	a.rangePix = make([]uint32, n)
	a.intensityPix = make([]uint32, n)
	a.noisePix = make([]uint32, n)
	a.points = make([]Point, n)
	a.columnsSeen = 0
}

// Height returns the beam count the assembler was built for.
func (a *FrameAssembler) Height() int { return a.height }

// PartialFrames returns how many incomplete rotations have been discarded.
func (a *FrameAssembler) PartialFrames() uint64 { return a.partialFrames.Load() }

// BadColumns returns how many columns were rejected for bad status words.
func (a *FrameAssembler) BadColumns() uint64 { return a.badColumns.Load() }

// AddPacket decodes one lidar packet into the current rotation. It returns
// the decode units completed by this packet, if any. A malformed packet
// (wrong size) produces an error and contributes nothing.
func (a *FrameAssembler) AddPacket(pkt []byte, now time.Time) ([]TickResult, error) {
	want := lidarPacketSize(a.height)
	if len(pkt) != want {
		return nil, fmt.Errorf("lidar packet: got %d bytes, want %d", len(pkt), want)
	}

	var completed []TickResult
	colSize := columnSize(a.height)
	for c := 0; c < ColumnsPerPacket; c++ {
		col := pkt[c*colSize : (c+1)*colSize]

		status := binary.LittleEndian.Uint32(col[len(col)-columnTrailerSize:])
		if status != columnStatusValid {
			a.badColumns.Add(1)
			continue
		}

		ts := binary.LittleEndian.Uint64(col[0:8])
		measurementID := binary.LittleEndian.Uint16(col[8:10])
		frameID := binary.LittleEndian.Uint16(col[10:12])
		encoder := binary.LittleEndian.Uint32(col[12:16])

		if int(measurementID) >= a.width {
			a.badColumns.Add(1)
			continue
		}

		if !a.haveFrame {
			a.haveFrame = true
			a.frameID = frameID
			a.frameStamp = time.Unix(0, int64(ts))
		} else if frameID != a.frameID {
			if units := a.finalize(now); units != nil {
				completed = append(completed, units...)
			}
			a.frameID = frameID
			a.frameStamp = time.Unix(0, int64(ts))
		}

		a.addColumn(col, int(measurementID), encoder)
	}
	return completed, nil
}

// addColumn writes one valid azimuth column into the rotation buffers.
func (a *FrameAssembler) addColumn(col []byte, measurementID int, encoder uint32) {
	encoderRad := 2 * math.Pi * float64(encoder) / encoderTicksPerRev

	for beam := 0; beam < a.height; beam++ {
		word := col[columnHeaderSize+beam*channelWordSize:]
		rng := binary.LittleEndian.Uint32(word[0:4]) & rangeMask
		reflectivity := binary.LittleEndian.Uint16(word[4:6])
		signal := binary.LittleEndian.Uint16(word[6:8])
		noise := binary.LittleEndian.Uint16(word[8:10])

		idx := beam*a.width + measurementID
		a.rangePix[idx] = rng
		a.intensityPix[idx] = uint32(signal)
		a.noisePix[idx] = uint32(noise)

		r := float64(rng) / 1000.0
		az := encoderRad + a.beams.azimuthRad[beam]
		a.points[idx] = Point{
			X:            float32(r * a.beams.cosAltitude[beam] * math.Cos(az)),
			Y:            float32(-r * a.beams.cosAltitude[beam] * math.Sin(az)),
			Z:            float32(r * a.beams.sinAltitude[beam]),
			Intensity:    signal,
			Reflectivity: reflectivity,
			Ring:         uint8(beam),
			Range:        rng,
		}
	}
	a.columnsSeen++
}

// finalize closes the current rotation and returns its decode units, or nil
// when the rotation was incomplete.
func (a *FrameAssembler) finalize(now time.Time) []TickResult {
	defer a.resetBuffers()

	if a.columnsSeen < a.width {
		a.partialFrames.Add(1)
		return nil
	}

	id := uuid.NewString()
	stamp := a.frameStamp
	if stamp.IsZero() {
		stamp = now
	}

	rangeFrame := &ImageFrame{FrameID: id, Stamp: stamp, Width: a.width, Height: a.height, Pixels: a.rangePix}
	intensityFrame := &ImageFrame{FrameID: id, Stamp: stamp, Width: a.width, Height: a.height, Pixels: a.intensityPix}
	noiseFrame := &ImageFrame{FrameID: id, Stamp: stamp, Width: a.width, Height: a.height, Pixels: a.noisePix}
	cloud := &PointCloudBatch{FrameID: id, Stamp: stamp, Width: a.width, Height: a.height, Points: a.points}

	return []TickResult{
		{Kind: KindRangeFrame, Range: rangeFrame},
		{Kind: KindIntensityFrame, Intensity: intensityFrame},
		{Kind: KindNoiseFrame, Noise: noiseFrame},
		{Kind: KindPointCloud, Cloud: cloud},
	}
}
