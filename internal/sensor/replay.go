//go:build pcap
// +build pcap

package sensor

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
)

// ReplayConfig describes a recorded capture to play back in place of a live
// sensor. MetadataPath points at the JSON metadata snapshot recorded with
// the capture; without it the beam intrinsics are unknown and frames cannot
// be assembled.
type ReplayConfig struct {
	Path         string
	MetadataPath string
	LidarPort    int
	ImuPort      int
	Mode         string
	Realtime     bool // pace packets by capture timestamps
}

// ReplaySession replays lidar and IMU packets from a PCAP capture through
// the same decode path as the live client. It satisfies Session so the
// driver cannot tell it apart from real hardware.
type ReplaySession struct {
	md    Metadata
	queue *pendingQueue
	asm   *FrameAssembler
	cfg   ReplayConfig

	mu     sync.Mutex
	closed bool
	stopCh chan struct{}
	done   sync.WaitGroup

	fatalMu sync.Mutex
	fatal   error
}

// OpenReplay loads the metadata snapshot and starts replaying the capture.
func OpenReplay(cfg ReplayConfig) (Session, error) {
	raw, err := os.ReadFile(cfg.MetadataPath)
	if err != nil {
		return nil, fmt.Errorf("replay metadata: %w", err)
	}
	var md Metadata
	if err := json.Unmarshal(raw, &md); err != nil {
		return nil, fmt.Errorf("replay metadata: %w", err)
	}
	if len(md.BeamAltitudeAngles) == 0 {
		return nil, fmt.Errorf("replay metadata: no beam intrinsics in %s", cfg.MetadataPath)
	}

	mode := cfg.Mode
	if mode == "" {
		mode = md.Mode
	}
	sm, ok := scanModes[mode]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	}

	if cfg.LidarPort == 0 {
		cfg.LidarPort = DefaultLidarPort
	}
	if cfg.ImuPort == 0 {
		cfg.ImuPort = DefaultImuPort
	}

	s := &ReplaySession{
		md:     md,
		cfg:    cfg,
		queue:  newPendingQueue(defaultQueueDepth),
		asm:    NewFrameAssembler(sm.Columns, md),
		stopCh: make(chan struct{}),
	}
	s.done.Add(1)
	go s.run()
	return s, nil
}

func (s *ReplaySession) run() {
	defer s.done.Done()

	handle, err := pcap.OpenOffline(s.cfg.Path)
	if err != nil {
		s.setFatal(fmt.Errorf("open capture %s: %w", s.cfg.Path, err))
		return
	}
	defer handle.Close()

	filter := fmt.Sprintf("udp port %d or udp port %d", s.cfg.LidarPort, s.cfg.ImuPort)
	if err := handle.SetBPFFilter(filter); err != nil {
		s.setFatal(fmt.Errorf("set BPF filter %q: %w", filter, err))
		return
	}

	source := gopacket.NewPacketSource(handle, handle.LinkType())
	var lastTS time.Time
	count := 0

	for pkt := range source.Packets() {
		select {
		case <-s.stopCh:
			return
		default:
		}

		udpLayer := pkt.Layer(layers.LayerTypeUDP)
		if udpLayer == nil {
			continue
		}
		udp, ok := udpLayer.(*layers.UDP)
		if !ok || len(udp.Payload) == 0 {
			continue
		}

		// Pace by capture timestamps so the driver sees the native cadence.
		if s.cfg.Realtime {
			ts := pkt.Metadata().Timestamp
			if !lastTS.IsZero() {
				if d := ts.Sub(lastTS); d > 0 && d < time.Second {
					time.Sleep(d)
				}
			}
			lastTS = ts
		}

		count++
		switch int(udp.DstPort) {
		case s.cfg.LidarPort:
			units, err := s.asm.AddPacket(udp.Payload, pkt.Metadata().Timestamp)
			if err != nil {
				continue
			}
			for _, u := range units {
				s.queue.push(u)
			}
		case s.cfg.ImuPort:
			sample, err := ParseImuPacket(udp.Payload)
			if err != nil {
				continue
			}
			s.queue.push(TickResult{Kind: KindImuSample, Imu: sample})
		}
	}

	log.Printf("Replay complete: %d packets from %s", count, s.cfg.Path)
}

func (s *ReplaySession) setFatal(err error) {
	s.fatalMu.Lock()
	s.fatal = err
	s.fatalMu.Unlock()
}

// Poll returns the next replayed decode unit.
func (s *ReplaySession) Poll() TickResult {
	s.fatalMu.Lock()
	err := s.fatal
	s.fatalMu.Unlock()
	if err != nil {
		return TickResult{Kind: KindNothing, Err: err}
	}
	if r, ok := s.queue.pop(); ok {
		return r
	}
	return TickResult{Kind: KindNothing}
}

// Reset restarts playback from the beginning of the capture. The incoming
// configuration only matters to a live sensor and is ignored here.
func (s *ReplaySession) Reset(Config) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	close(s.stopCh)
	s.mu.Unlock()
	s.done.Wait()

	s.mu.Lock()
	s.stopCh = make(chan struct{})
	s.mu.Unlock()
	s.queue.reset()
	s.asm = NewFrameAssembler(s.asm.width, s.md)
	s.done.Add(1)
	go s.run()
	return nil
}

// Metadata returns the snapshot loaded from the capture's metadata file.
func (s *ReplaySession) Metadata() Metadata { return s.md }

// Close stops playback. Idempotent.
func (s *ReplaySession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.stopCh)
	s.mu.Unlock()
	s.done.Wait()
	return nil
}
