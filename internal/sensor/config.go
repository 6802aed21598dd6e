package sensor

import (
	"errors"
	"fmt"
)

// Default host-facing ports and frame names. These match the sensor's
// factory defaults and are only overridden by explicit operator flags.
const (
	DefaultImuPort   = 7503
	DefaultLidarPort = 7502
	DefaultMode      = "512x10"

	DefaultSensorFrame = "laser_sensor_frame"
	DefaultLaserFrame  = "laser_data_frame"
	DefaultImuFrame    = "imu_data_frame"
)

// ErrMissingField is returned by Validate when a required connection
// parameter is absent. Configuration cannot proceed without both the sensor
// and host addresses.
var ErrMissingField = errors.New("missing required field")

// ErrInvalidMode is returned by Validate when the scan mode string does not
// name one of the sensor's supported resolution/rate pairings.
var ErrInvalidMode = errors.New("invalid lidar mode")

// ScanMode describes one of the sensor's supported resolution/rate pairings.
type ScanMode struct {
	Columns int // horizontal resolution (columns per rotation)
	Rate    int // rotation rate in Hz
}

// scanModes enumerates every mode the sensor accepts. The key is the wire
// string sent to the sensor during configuration.
var scanModes = map[string]ScanMode{
	"512x10":  {Columns: 512, Rate: 10},
	"512x20":  {Columns: 512, Rate: 20},
	"1024x10": {Columns: 1024, Rate: 10},
	"1024x20": {Columns: 1024, Rate: 20},
	"2048x10": {Columns: 2048, Rate: 10},
}

// Config holds the per-session connection parameters for the sensor. It is
// built once at configure time and treated as immutable until a reset or
// re-configure constructs a fresh one.
type Config struct {
	SensorAddr string // sensor network address (IP or hostname)
	HostAddr   string // host address the sensor streams UDP data to
	ImuPort    int    // host-facing IMU UDP port
	LidarPort  int    // host-facing LiDAR UDP port
	Mode       string // scan mode, e.g. "1024x10"

	// Coordinate frame names attached to outgoing messages.
	SensorFrame string
	LaserFrame  string
	ImuFrame    string
}

// ApplyDefaults fills zero-valued optional fields with their documented
// defaults. Required fields (addresses) are left untouched.
func (c *Config) ApplyDefaults() {
	if c.ImuPort == 0 {
		c.ImuPort = DefaultImuPort
	}
	if c.LidarPort == 0 {
		c.LidarPort = DefaultLidarPort
	}
	if c.Mode == "" {
		c.Mode = DefaultMode
	}
	if c.SensorFrame == "" {
		c.SensorFrame = DefaultSensorFrame
	}
	if c.LaserFrame == "" {
		c.LaserFrame = DefaultLaserFrame
	}
	if c.ImuFrame == "" {
		c.ImuFrame = DefaultImuFrame
	}
}

// Validate checks the configuration against the sensor's requirements.
// It returns ErrMissingField when either address is absent and
// ErrInvalidMode when the scan mode is not a supported pairing. Validate has
// no side effects.
func (c *Config) Validate() error {
	if c.SensorAddr == "" {
		return fmt.Errorf("%w: sensor address", ErrMissingField)
	}
	if c.HostAddr == "" {
		return fmt.Errorf("%w: host address", ErrMissingField)
	}
	if c.ImuPort <= 0 || c.ImuPort > 65535 {
		return fmt.Errorf("%w: imu port %d", ErrMissingField, c.ImuPort)
	}
	if c.LidarPort <= 0 || c.LidarPort > 65535 {
		return fmt.Errorf("%w: lidar port %d", ErrMissingField, c.LidarPort)
	}
	if _, ok := scanModes[c.Mode]; !ok {
		return fmt.Errorf("%w: %q", ErrInvalidMode, c.Mode)
	}
	return nil
}

// ScanMode returns the resolution/rate pairing for the configured mode.
// Validate must have succeeded first.
func (c *Config) ScanMode() ScanMode {
	return scanModes[c.Mode]
}

// SupportedModes lists the accepted scan mode strings, for flag help text
// and error messages.
func SupportedModes() []string {
	return []string{"512x10", "512x20", "1024x10", "1024x20", "2048x10"}
}
