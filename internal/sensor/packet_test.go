package sensor

import (
	"encoding/binary"
	"math"
	"testing"
	"time"
)

func testAssemblerMetadata() Metadata {
	return Metadata{
		BeamAzimuthAngles:  []float64{0, 0},
		BeamAltitudeAngles: []float64{0, 0},
	}
}

// testColumn describes one synthetic azimuth column.
type testColumn struct {
	ts      uint64
	mid     uint16
	fid     uint16
	encoder uint32
	ranges  []uint32
	reflect uint16
	signal  uint16
	noise   uint16
	invalid bool
}

// buildPacket assembles a 16-column lidar packet for a 2-beam sensor. Fewer
// than 16 columns are padded with invalid-status copies so the packet size
// stays on the wire contract.
func buildPacket(t *testing.T, cols []testColumn) []byte {
	t.Helper()
	const beams = 2
	if len(cols) > ColumnsPerPacket {
		t.Fatalf("too many columns: %d", len(cols))
	}
	for len(cols) < ColumnsPerPacket {
		cols = append(cols, testColumn{invalid: true, ranges: make([]uint32, beams)})
	}

	var pkt []byte
	for _, c := range cols {
		col := make([]byte, columnHeaderSize+beams*channelWordSize+columnTrailerSize)
		binary.LittleEndian.PutUint64(col[0:8], c.ts)
		binary.LittleEndian.PutUint16(col[8:10], c.mid)
		binary.LittleEndian.PutUint16(col[10:12], c.fid)
		binary.LittleEndian.PutUint32(col[12:16], c.encoder)
		for b := 0; b < beams; b++ {
			word := col[columnHeaderSize+b*channelWordSize:]
			var rng uint32
			if b < len(c.ranges) {
				rng = c.ranges[b]
			}
			binary.LittleEndian.PutUint32(word[0:4], rng)
			binary.LittleEndian.PutUint16(word[4:6], c.reflect)
			binary.LittleEndian.PutUint16(word[6:8], c.signal)
			binary.LittleEndian.PutUint16(word[8:10], c.noise)
		}
		status := uint32(columnStatusValid)
		if c.invalid {
			status = 0
		}
		binary.LittleEndian.PutUint32(col[len(col)-columnTrailerSize:], status)
		pkt = append(pkt, col...)
	}
	return pkt
}

// fullRotation builds the packet containing measurement ids 0..15 of frame
// fid, for a width-16 assembler.
func fullRotation(t *testing.T, fid uint16) []byte {
	t.Helper()
	cols := make([]testColumn, ColumnsPerPacket)
	for i := range cols {
		cols[i] = testColumn{
			ts:      uint64(1000 + i),
			mid:     uint16(i),
			fid:     fid,
			encoder: uint32(i) * (encoderTicksPerRev / ColumnsPerPacket),
			ranges:  []uint32{5000, 10000},
			reflect: 42,
			signal:  uint16(100 + i),
			noise:   7,
		}
	}
	return buildPacket(t, cols)
}

func TestFrameAssemblerCompleteRotation(t *testing.T) {
	a := NewFrameAssembler(16, testAssemblerMetadata())

	units, err := a.AddPacket(fullRotation(t, 1), time.Now())
	if err != nil {
		t.Fatalf("AddPacket: %v", err)
	}
	if len(units) != 0 {
		t.Fatalf("rotation finalised before the frame id advanced")
	}

	// The first column of frame 2 closes frame 1.
	units, err = a.AddPacket(fullRotation(t, 2), time.Now())
	if err != nil {
		t.Fatalf("AddPacket: %v", err)
	}
	if len(units) != 4 {
		t.Fatalf("decode units = %d, want 4", len(units))
	}

	wantKinds := []PayloadKind{KindRangeFrame, KindIntensityFrame, KindNoiseFrame, KindPointCloud}
	for i, u := range units {
		if u.Kind != wantKinds[i] {
			t.Errorf("unit %d kind = %s, want %s", i, u.Kind, wantKinds[i])
		}
		if !u.Complete() {
			t.Errorf("unit %d (%s) incomplete", i, u.Kind)
		}
	}

	rng := units[0].Range
	if rng.Width != 16 || rng.Height != 2 {
		t.Fatalf("range frame %dx%d, want 16x2", rng.Width, rng.Height)
	}
	if rng.Pixels[0] != 5000 || rng.Pixels[16] != 10000 {
		t.Errorf("range pixels = %d/%d, want 5000/10000", rng.Pixels[0], rng.Pixels[16])
	}
	if got := units[1].Intensity.Pixels[0]; got != 100 {
		t.Errorf("intensity pixel = %d, want 100", got)
	}
	if got := units[2].Noise.Pixels[0]; got != 7 {
		t.Errorf("noise pixel = %d, want 7", got)
	}

	// All units of one rotation share one frame id and stamp.
	id := rng.FrameID
	if id == "" {
		t.Fatal("empty frame id")
	}
	if units[3].Cloud.FrameID != id || units[1].Intensity.FrameID != id {
		t.Error("decode units of one rotation carry different frame ids")
	}
	if !rng.Stamp.Equal(time.Unix(0, 1000)) {
		t.Errorf("stamp = %v, want first column timestamp", rng.Stamp)
	}
}

func TestFrameAssemblerPointGeometry(t *testing.T) {
	a := NewFrameAssembler(16, testAssemblerMetadata())
	if _, err := a.AddPacket(fullRotation(t, 1), time.Now()); err != nil {
		t.Fatalf("AddPacket: %v", err)
	}
	units, err := a.AddPacket(fullRotation(t, 2), time.Now())
	if err != nil {
		t.Fatalf("AddPacket: %v", err)
	}

	cloud := units[3].Cloud
	// Beam 0, column 0: encoder 0, zero azimuth and altitude offsets, so the
	// point sits on the +X axis at range/1000 metres.
	p := cloud.Points[0]
	if math.Abs(float64(p.X)-5.0) > 1e-6 || math.Abs(float64(p.Y)) > 1e-6 || math.Abs(float64(p.Z)) > 1e-6 {
		t.Errorf("point 0 = (%v %v %v), want (5 0 0)", p.X, p.Y, p.Z)
	}
	if p.Ring != 0 || p.Range != 5000 {
		t.Errorf("point 0 ring/range = %d/%d, want 0/5000", p.Ring, p.Range)
	}
	if p.Intensity != 100 || p.Reflectivity != 42 {
		t.Errorf("point 0 intensity/reflectivity = %d/%d, want 100/42", p.Intensity, p.Reflectivity)
	}

	// Column 4 sits a quarter rotation around: +X rotates to -Y.
	q := cloud.Points[4]
	if math.Abs(float64(q.X)) > 1e-3 || math.Abs(float64(q.Y)+5.0) > 1e-3 {
		t.Errorf("point 4 = (%v %v), want (0 -5)", q.X, q.Y)
	}
}

func TestFrameAssemblerPartialRotationDropped(t *testing.T) {
	a := NewFrameAssembler(16, testAssemblerMetadata())

	// Frame 1 only ever gets 8 of its 16 columns.
	half := make([]testColumn, 8)
	for i := range half {
		half[i] = testColumn{ts: 1, mid: uint16(i), fid: 1, ranges: []uint32{100, 100}}
	}
	if _, err := a.AddPacket(buildPacket(t, half), time.Now()); err != nil {
		t.Fatalf("AddPacket: %v", err)
	}

	units, err := a.AddPacket(fullRotation(t, 2), time.Now())
	if err != nil {
		t.Fatalf("AddPacket: %v", err)
	}
	if len(units) != 0 {
		t.Fatalf("partial rotation emitted %d units, want 0", len(units))
	}
	if got := a.PartialFrames(); got != 1 {
		t.Fatalf("PartialFrames() = %d, want 1", got)
	}

	// The complete frame 2 still comes out cleanly afterwards.
	units, err = a.AddPacket(fullRotation(t, 3), time.Now())
	if err != nil {
		t.Fatalf("AddPacket: %v", err)
	}
	if len(units) != 4 {
		t.Fatalf("decode units after recovery = %d, want 4", len(units))
	}
}

func TestFrameAssemblerBadStatusColumns(t *testing.T) {
	a := NewFrameAssembler(16, testAssemblerMetadata())
	cols := []testColumn{
		{ts: 1, mid: 0, fid: 1, ranges: []uint32{1, 1}},
		{ts: 2, mid: 1, fid: 1, ranges: []uint32{1, 1}, invalid: true},
	}
	if _, err := a.AddPacket(buildPacket(t, cols), time.Now()); err != nil {
		t.Fatalf("AddPacket: %v", err)
	}
	// One marked invalid plus fourteen invalid padding columns.
	if got := a.BadColumns(); got != 15 {
		t.Fatalf("BadColumns() = %d, want 15", got)
	}
}

func TestFrameAssemblerRejectsWrongSize(t *testing.T) {
	a := NewFrameAssembler(16, testAssemblerMetadata())
	if _, err := a.AddPacket(make([]byte, 100), time.Now()); err == nil {
		t.Fatal("AddPacket accepted a truncated packet")
	}
}

func TestFrameAssemblerRangeMasked(t *testing.T) {
	a := NewFrameAssembler(16, testAssemblerMetadata())
	cols := make([]testColumn, ColumnsPerPacket)
	for i := range cols {
		cols[i] = testColumn{ts: 1, mid: uint16(i), fid: 1, ranges: []uint32{0xFFF12345, 0}}
	}
	if _, err := a.AddPacket(buildPacket(t, cols), time.Now()); err != nil {
		t.Fatalf("AddPacket: %v", err)
	}
	units, err := a.AddPacket(fullRotation(t, 2), time.Now())
	if err != nil {
		t.Fatalf("AddPacket: %v", err)
	}
	// The high 12 bits of the range word are flags, not distance.
	if got := units[0].Range.Pixels[0]; got != 0x12345 {
		t.Fatalf("range pixel = %#x, want %#x", got, 0x12345)
	}
}

func TestParseImuPacket(t *testing.T) {
	pkt := make([]byte, ImuPacketSize)
	binary.LittleEndian.PutUint64(pkt[0:8], 111)
	binary.LittleEndian.PutUint64(pkt[8:16], 222)
	binary.LittleEndian.PutUint64(pkt[16:24], 333)
	vals := []float32{0.5, -1.0, 9.8, 10, -20, 30}
	for i, v := range vals {
		binary.LittleEndian.PutUint32(pkt[24+4*i:], math.Float32bits(v))
	}

	s, err := ParseImuPacket(pkt)
	if err != nil {
		t.Fatalf("ParseImuPacket: %v", err)
	}
	if !s.Stamp.Equal(time.Unix(0, 111)) || !s.AccelStamp.Equal(time.Unix(0, 222)) || !s.GyroStamp.Equal(time.Unix(0, 333)) {
		t.Errorf("timestamps = %v/%v/%v", s.Stamp, s.AccelStamp, s.GyroStamp)
	}
	got := []float32{s.AccelX, s.AccelY, s.AccelZ, s.GyroX, s.GyroY, s.GyroZ}
	for i, v := range vals {
		if got[i] != v {
			t.Errorf("field %d = %v, want %v", i, got[i], v)
		}
	}
	if !s.Complete() {
		t.Error("parsed sample reported incomplete")
	}
}

func TestParseImuPacketWrongSize(t *testing.T) {
	for _, n := range []int{0, 47, 49} {
		if _, err := ParseImuPacket(make([]byte, n)); err == nil {
			t.Errorf("ParseImuPacket accepted %d bytes", n)
		}
	}
}
