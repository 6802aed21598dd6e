//go:build !pcap
// +build !pcap

package sensor

import "fmt"

// ReplayConfig describes a recorded capture to play back in place of a live
// sensor. PCAP replay requires building with the 'pcap' tag (needs libpcap).
type ReplayConfig struct {
	Path         string
	MetadataPath string
	LidarPort    int
	ImuPort      int
	Mode         string
	Realtime     bool
}

// OpenReplay is unavailable without the 'pcap' build tag.
func OpenReplay(cfg ReplayConfig) (Session, error) {
	return nil, fmt.Errorf("pcap replay not available: rebuild with -tags pcap (capture: %s)", cfg.Path)
}
