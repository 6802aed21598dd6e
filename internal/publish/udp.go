package publish

import (
	"encoding/binary"
	"fmt"
	"log"
	"math"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/lidar.driver/internal/processors"
)

// Wire constants for the UDP monitor stream.
const (
	udpMagic   = 0x4C445256 // "LDRV"
	udpVersion = 1

	udpKindRangeImage     = 1
	udpKindIntensityImage = 2
	udpKindNoiseImage     = 3
	udpKindPointCloud     = 4
	udpKindImu            = 5

	// Datagram payload ceiling; messages are decimated to fit under it.
	maxDatagram = 60000

	// 3×float32 + intensity + ring per cloud point on the wire.
	cloudPointBytes = 15
)

// UDPSink emits a compact binary digest of each message over UDP, for live
// monitoring tools. Point clouds are decimated and images are size-capped
// so every message fits a single datagram. Sends are queued on a bounded
// channel and dropped when the writer cannot keep up; the acquisition path
// never blocks here.
type UDPSink struct {
	conn    *net.UDPConn
	channel chan []byte
	stopCh  chan struct{}
	done    sync.WaitGroup
	once    sync.Once

	dropped atomic.Uint64
}

// NewUDPSink dials the monitor address and starts the writer goroutine.
func NewUDPSink(addr string) (*UDPSink, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve monitor address: %w", err)
	}
	conn, err := net.DialUDP("udp", nil, udpAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to create monitor connection: %w", err)
	}

	s := &UDPSink{
		conn:    conn,
		channel: make(chan []byte, 1000),
		stopCh:  make(chan struct{}),
	}
	s.done.Add(1)
	go s.writeLoop()

	log.Printf("UDP monitor sink sending to %s", addr)
	return s, nil
}

func (s *UDPSink) writeLoop() {
	defer s.done.Done()

	errCount := 0
	var lastErr error
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case pkt := <-s.channel:
			if _, err := s.conn.Write(pkt); err != nil {
				errCount++
				lastErr = err
			}
		case <-ticker.C:
			if errCount > 0 {
				log.Printf("UDP monitor sink: %d sends failed (latest: %v)", errCount, lastErr)
				errCount = 0
				lastErr = nil
			}
		}
	}
}

// Dropped returns how many datagrams were discarded on a full queue.
func (s *UDPSink) Dropped() uint64 {
	return s.dropped.Load()
}

// enqueue hands a datagram to the writer without blocking.
func (s *UDPSink) enqueue(pkt []byte) {
	select {
	case s.channel <- pkt:
	default:
		s.dropped.Add(1)
	}
}

// header writes the common datagram prefix.
func header(kind uint8, stamp time.Time, body int) []byte {
	pkt := make([]byte, 16, 16+body)
	binary.LittleEndian.PutUint32(pkt[0:4], udpMagic)
	pkt[4] = udpVersion
	pkt[5] = kind
	binary.LittleEndian.PutUint64(pkt[8:16], uint64(stamp.UnixNano()))
	return pkt
}

// encodeImage emits the image dimensions and a size-capped prefix of the
// pixel data. Monitoring only needs a representative slice, not the frame.
func encodeImage(kind uint8, msg *processors.ImageMessage) []byte {
	data := msg.Data
	if len(data) > maxDatagram {
		data = data[:maxDatagram]
	}
	pkt := header(kind, msg.Stamp, 8+len(data))
	var dims [8]byte
	binary.LittleEndian.PutUint16(dims[0:2], uint16(msg.Width))
	binary.LittleEndian.PutUint16(dims[2:4], uint16(msg.Height))
	binary.LittleEndian.PutUint32(dims[4:8], uint32(len(msg.Data)))
	pkt = append(pkt, dims[:]...)
	return append(pkt, data...)
}

func (s *UDPSink) PublishRangeImage(msg *processors.ImageMessage) {
	s.enqueue(encodeImage(udpKindRangeImage, msg))
}

func (s *UDPSink) PublishIntensityImage(msg *processors.ImageMessage) {
	s.enqueue(encodeImage(udpKindIntensityImage, msg))
}

func (s *UDPSink) PublishNoiseImage(msg *processors.ImageMessage) {
	s.enqueue(encodeImage(udpKindNoiseImage, msg))
}

// PublishPointCloud emits a strided subset of the cloud sized to one
// datagram.
func (s *UDPSink) PublishPointCloud(msg *processors.PointCloudMessage) {
	stride := 1
	maxPoints := maxDatagram / cloudPointBytes
	if len(msg.Points) > maxPoints {
		stride = (len(msg.Points) + maxPoints - 1) / maxPoints
	}
	kept := len(msg.Points) / stride

	pkt := header(udpKindPointCloud, msg.Stamp, 8+kept*cloudPointBytes)
	var counts [8]byte
	binary.LittleEndian.PutUint32(counts[0:4], uint32(len(msg.Points)))
	binary.LittleEndian.PutUint32(counts[4:8], uint32(kept))
	pkt = append(pkt, counts[:]...)

	var word [cloudPointBytes]byte
	for i := 0; i < len(msg.Points); i += stride {
		p := msg.Points[i]
		binary.LittleEndian.PutUint32(word[0:4], math.Float32bits(p.X))
		binary.LittleEndian.PutUint32(word[4:8], math.Float32bits(p.Y))
		binary.LittleEndian.PutUint32(word[8:12], math.Float32bits(p.Z))
		binary.LittleEndian.PutUint16(word[12:14], p.Intensity)
		word[14] = p.Ring
		pkt = append(pkt, word[:]...)
	}
	s.enqueue(pkt)
}

func (s *UDPSink) PublishImu(msg *processors.ImuMessage) {
	pkt := header(udpKindImu, msg.Stamp, 48)
	var word [8]byte
	for _, v := range msg.LinearAcceleration {
		binary.LittleEndian.PutUint64(word[:], math.Float64bits(v))
		pkt = append(pkt, word[:]...)
	}
	for _, v := range msg.AngularVelocity {
		binary.LittleEndian.PutUint64(word[:], math.Float64bits(v))
		pkt = append(pkt, word[:]...)
	}
	s.enqueue(pkt)
}

// PublishTransforms is a no-op on the monitor stream; transforms are static
// and carried by the MQTT announcement.
func (s *UDPSink) PublishTransforms([]processors.TransformMessage) {}

// Close stops the writer and closes the connection. Idempotent.
func (s *UDPSink) Close() error {
	var err error
	s.once.Do(func() {
		close(s.stopCh)
		s.done.Wait()
		err = s.conn.Close()
	})
	return err
}
