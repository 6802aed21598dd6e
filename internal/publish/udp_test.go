package publish

import (
	"encoding/binary"
	"math"
	"net"
	"testing"
	"time"

	"github.com/banshee-data/lidar.driver/internal/processors"
)

// newTestListener opens a loopback UDP listener and a sink dialled at it.
func newTestListener(t *testing.T) (*net.UDPConn, *UDPSink) {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	sink, err := NewUDPSink(conn.LocalAddr().String())
	if err != nil {
		t.Fatalf("NewUDPSink: %v", err)
	}
	t.Cleanup(func() { sink.Close() })
	return conn, sink
}

func readDatagram(t *testing.T, conn *net.UDPConn) []byte {
	t.Helper()
	buf := make([]byte, 65536)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, _, err := conn.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return buf[:n]
}

func checkHeader(t *testing.T, pkt []byte, kind uint8, stamp time.Time) {
	t.Helper()
	if len(pkt) < 16 {
		t.Fatalf("datagram too short: %d bytes", len(pkt))
	}
	if got := binary.LittleEndian.Uint32(pkt[0:4]); got != udpMagic {
		t.Fatalf("magic = %#x, want %#x", got, udpMagic)
	}
	if pkt[4] != udpVersion {
		t.Fatalf("version = %d, want %d", pkt[4], udpVersion)
	}
	if pkt[5] != kind {
		t.Fatalf("kind = %d, want %d", pkt[5], kind)
	}
	if got := binary.LittleEndian.Uint64(pkt[8:16]); got != uint64(stamp.UnixNano()) {
		t.Fatalf("stamp = %d, want %d", got, stamp.UnixNano())
	}
}

func TestUDPSinkImageDatagram(t *testing.T) {
	conn, sink := newTestListener(t)

	stamp := time.Unix(1700000000, 42)
	msg := &processors.ImageMessage{
		Stamp:  stamp,
		Width:  4,
		Height: 2,
		Data:   []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16},
	}
	sink.PublishRangeImage(msg)

	pkt := readDatagram(t, conn)
	checkHeader(t, pkt, udpKindRangeImage, stamp)

	if w := binary.LittleEndian.Uint16(pkt[16:18]); w != 4 {
		t.Errorf("width = %d, want 4", w)
	}
	if h := binary.LittleEndian.Uint16(pkt[18:20]); h != 2 {
		t.Errorf("height = %d, want 2", h)
	}
	if total := binary.LittleEndian.Uint32(pkt[20:24]); total != 16 {
		t.Errorf("total bytes = %d, want 16", total)
	}
	if got := pkt[24:]; len(got) != 16 || got[0] != 1 || got[15] != 16 {
		t.Errorf("payload = %v", got)
	}
}

func TestUDPSinkImageCapped(t *testing.T) {
	conn, sink := newTestListener(t)

	msg := &processors.ImageMessage{
		Stamp:  time.Now(),
		Width:  2048,
		Height: 64,
		Data:   make([]byte, 2048*64*2),
	}
	sink.PublishIntensityImage(msg)

	pkt := readDatagram(t, conn)
	checkHeader(t, pkt, udpKindIntensityImage, msg.Stamp)
	if len(pkt) != 16+8+maxDatagram {
		t.Errorf("datagram = %d bytes, want capped payload of %d", len(pkt), maxDatagram)
	}
	// The recorded total still names the full frame size.
	if total := binary.LittleEndian.Uint32(pkt[20:24]); total != 2048*64*2 {
		t.Errorf("total bytes = %d, want %d", total, 2048*64*2)
	}
}

func TestUDPSinkPointCloudStrided(t *testing.T) {
	conn, sink := newTestListener(t)

	points := make([]processors.PointXYZIR, 16384)
	for i := range points {
		points[i] = processors.PointXYZIR{X: float32(i), Intensity: uint16(i), Ring: uint8(i % 64)}
	}
	msg := &processors.PointCloudMessage{Stamp: time.Now(), Width: 256, Height: 64, Points: points}
	sink.PublishPointCloud(msg)

	pkt := readDatagram(t, conn)
	checkHeader(t, pkt, udpKindPointCloud, msg.Stamp)

	total := binary.LittleEndian.Uint32(pkt[16:20])
	kept := binary.LittleEndian.Uint32(pkt[20:24])
	if total != 16384 {
		t.Errorf("total points = %d, want 16384", total)
	}
	if int(kept)*cloudPointBytes > maxDatagram {
		t.Errorf("kept %d points overflows the datagram budget", kept)
	}
	if got := len(pkt) - 24; got != int(kept)*cloudPointBytes {
		t.Errorf("payload = %d bytes, want %d points", got, kept)
	}

	// First strided point is the first point of the cloud.
	if x := math.Float32frombits(binary.LittleEndian.Uint32(pkt[24:28])); x != 0 {
		t.Errorf("first point X = %v, want 0", x)
	}
}

func TestUDPSinkSmallCloudUnstrided(t *testing.T) {
	conn, sink := newTestListener(t)

	msg := &processors.PointCloudMessage{
		Stamp:  time.Now(),
		Points: []processors.PointXYZIR{{X: 1.5, Y: -2, Z: 3, Intensity: 77, Ring: 9}},
	}
	sink.PublishPointCloud(msg)

	pkt := readDatagram(t, conn)
	if kept := binary.LittleEndian.Uint32(pkt[20:24]); kept != 1 {
		t.Fatalf("kept = %d, want 1", kept)
	}
	body := pkt[24:]
	if x := math.Float32frombits(binary.LittleEndian.Uint32(body[0:4])); x != 1.5 {
		t.Errorf("X = %v, want 1.5", x)
	}
	if i := binary.LittleEndian.Uint16(body[12:14]); i != 77 {
		t.Errorf("intensity = %d, want 77", i)
	}
	if body[14] != 9 {
		t.Errorf("ring = %d, want 9", body[14])
	}
}

func TestUDPSinkImuDatagram(t *testing.T) {
	conn, sink := newTestListener(t)

	msg := &processors.ImuMessage{
		Stamp:              time.Unix(5, 0),
		LinearAcceleration: [3]float64{0.1, 0.2, 9.8},
		AngularVelocity:    [3]float64{-0.5, 0, 0.5},
	}
	sink.PublishImu(msg)

	pkt := readDatagram(t, conn)
	checkHeader(t, pkt, udpKindImu, msg.Stamp)
	if len(pkt) != 16+48 {
		t.Fatalf("datagram = %d bytes, want 64", len(pkt))
	}
	want := []float64{0.1, 0.2, 9.8, -0.5, 0, 0.5}
	for i, w := range want {
		got := math.Float64frombits(binary.LittleEndian.Uint64(pkt[16+8*i:]))
		if got != w {
			t.Errorf("value %d = %v, want %v", i, got, w)
		}
	}
}

func TestUDPSinkCloseIdempotent(t *testing.T) {
	_, sink := newTestListener(t)
	if err := sink.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
