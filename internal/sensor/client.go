package sensor

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// TCP command port on the sensor.
	cmdPort = 7501

	cmdTimeout  = 5 * time.Second
	readTimeout = 100 * time.Millisecond

	// Depth of the pending decode-unit queue. At 1280 Hz polling the loop
	// drains far faster than rotations complete; the queue only fills when
	// the consumer stalls, at which point the oldest units are evicted.
	defaultQueueDepth = 64
)

// ClientStats is a snapshot of the session's packet counters.
type ClientStats struct {
	LidarPackets  uint64
	ImuPackets    uint64
	DecodeErrors  uint64
	PartialFrames uint64
	BadColumns    uint64
	QueueDrops    uint64
}

// Client is the live session with a physical sensor: a one-shot TCP command
// exchange at open, then two UDP reader goroutines feeding the pending
// queue. All exported methods are funnelled through the driver's session
// lock, so Client itself only guards its reader-shared state.
type Client struct {
	mu     sync.Mutex // guards cfg, md, conns, stop state
	cfg    Config
	md     Metadata
	closed bool

	lidarConn *net.UDPConn
	imuConn   *net.UDPConn
	stopCh    chan struct{}
	readers   sync.WaitGroup

	queue *pendingQueue

	fatalMu sync.Mutex
	fatal   error

	lidarPackets atomic.Uint64
	imuPackets   atomic.Uint64
	decodeErrors atomic.Uint64

	asm *FrameAssembler
}

// Open negotiates the sensor configuration over TCP, fetches the metadata
// snapshot, binds the two UDP data sockets and starts the reader goroutines.
func Open(cfg Config) (*Client, error) {
	c := &Client{queue: newPendingQueue(defaultQueueDepth)}
	if err := c.start(cfg); err != nil {
		return nil, err
	}
	return c, nil
}

// start brings the session up against cfg. Callers hold no locks; start is
// used by both Open and Reset.
func (c *Client) start(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	md, err := negotiate(cfg)
	if err != nil {
		return fmt.Errorf("sensor negotiation: %w", err)
	}
	if len(md.BeamAltitudeAngles) == 0 {
		return fmt.Errorf("sensor metadata: no beam intrinsics reported")
	}

	lidarConn, err := listenUDP(cfg.HostAddr, cfg.LidarPort)
	if err != nil {
		return fmt.Errorf("lidar socket: %w", err)
	}
	imuConn, err := listenUDP(cfg.HostAddr, cfg.ImuPort)
	if err != nil {
		lidarConn.Close()
		return fmt.Errorf("imu socket: %w", err)
	}

	c.mu.Lock()
	c.cfg = cfg
	c.md = md
	c.lidarConn = lidarConn
	c.imuConn = imuConn
	c.stopCh = make(chan struct{})
	c.closed = false
	c.asm = NewFrameAssembler(cfg.ScanMode().Columns, md)
	c.mu.Unlock()

	c.setFatal(nil)
	c.queue.reset()

	c.readers.Add(2)
	go c.readLidar(lidarConn, c.stopCh)
	go c.readImu(imuConn, c.stopCh)

	log.Printf("Sensor session open: %s (%s) mode %s, %d beams",
		cfg.SensorAddr, md.SerialNumber, cfg.Mode, len(md.BeamAltitudeAngles))
	return nil
}

func listenUDP(host string, port int) (*net.UDPConn, error) {
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, err
	}
	// Lidar packets arrive at ~1280 Hz; give the kernel room for bursts.
	if err := conn.SetReadBuffer(4 << 20); err != nil {
		log.Printf("Warning: failed to set UDP receive buffer: %v", err)
	}
	return conn, nil
}

// commandAddr resolves the sensor's TCP command endpoint. A bare host gets
// the standard command port; an explicit host:port is used as given.
func commandAddr(sensorAddr string) string {
	if _, _, err := net.SplitHostPort(sensorAddr); err == nil {
		return sensorAddr
	}
	return net.JoinHostPort(sensorAddr, strconv.Itoa(cmdPort))
}

// negotiate performs the TCP command exchange: push the host-facing
// configuration to the sensor, then pull its metadata.
func negotiate(cfg Config) (Metadata, error) {
	var md Metadata

	conn, err := net.DialTimeout("tcp", commandAddr(cfg.SensorAddr), cmdTimeout)
	if err != nil {
		return md, err
	}
	defer conn.Close()
	rw := bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn))

	setParams := [][2]string{
		{"udp_ip", cfg.HostAddr},
		{"udp_port_lidar", strconv.Itoa(cfg.LidarPort)},
		{"udp_port_imu", strconv.Itoa(cfg.ImuPort)},
		{"lidar_mode", cfg.Mode},
	}
	for _, p := range setParams {
		if _, err := command(conn, rw, fmt.Sprintf("set_config_param %s %s", p[0], p[1])); err != nil {
			return md, fmt.Errorf("set_config_param %s: %w", p[0], err)
		}
	}
	if _, err := command(conn, rw, "reinitialize"); err != nil {
		return md, fmt.Errorf("reinitialize: %w", err)
	}

	// The metadata snapshot is assembled from four separate queries; each
	// returns a one-line JSON document.
	queries := []string{"get_sensor_info", "get_beam_intrinsics", "get_imu_intrinsics", "get_lidar_intrinsics"}
	for _, q := range queries {
		resp, err := command(conn, rw, q)
		if err != nil {
			return md, fmt.Errorf("%s: %w", q, err)
		}
		if err := json.Unmarshal([]byte(resp), &md); err != nil {
			return md, fmt.Errorf("%s: parse %q: %w", q, resp, err)
		}
	}
	return md, nil
}

// command writes one command line and reads the single-line response.
func command(conn net.Conn, rw *bufio.ReadWriter, cmd string) (string, error) {
	if err := conn.SetDeadline(time.Now().Add(cmdTimeout)); err != nil {
		return "", err
	}
	if _, err := rw.WriteString(cmd + "\n"); err != nil {
		return "", err
	}
	if err := rw.Flush(); err != nil {
		return "", err
	}
	resp, err := rw.ReadString('\n')
	if err != nil {
		return "", err
	}
	return resp[:len(resp)-1], nil
}

// readLidar drains the lidar socket, assembling rotations and pushing
// completed decode units onto the pending queue.
func (c *Client) readLidar(conn *net.UDPConn, stop <-chan struct{}) {
	defer c.readers.Done()

	beams := c.asm.Height()
	buf := make([]byte, lidarPacketSize(beams)+512)

	for {
		select {
		case <-stop:
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			select {
			case <-stop:
				return
			default:
			}
			c.setFatal(fmt.Errorf("lidar socket read: %w", err))
			return
		}

		c.lidarPackets.Add(1)
		units, err := c.asm.AddPacket(buf[:n], time.Now())
		if err != nil {
			// Malformed packet: drop and count, keep reading.
			c.decodeErrors.Add(1)
			continue
		}
		for _, u := range units {
			c.queue.push(u)
		}
	}
}

// readImu drains the IMU socket, one decode unit per packet.
func (c *Client) readImu(conn *net.UDPConn, stop <-chan struct{}) {
	defer c.readers.Done()

	buf := make([]byte, ImuPacketSize+64)

	for {
		select {
		case <-stop:
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			select {
			case <-stop:
				return
			default:
			}
			c.setFatal(fmt.Errorf("imu socket read: %w", err))
			return
		}

		c.imuPackets.Add(1)
		sample, err := ParseImuPacket(buf[:n])
		if err != nil {
			c.decodeErrors.Add(1)
			continue
		}
		c.queue.push(TickResult{Kind: KindImuSample, Imu: sample})
	}
}

func (c *Client) setFatal(err error) {
	c.fatalMu.Lock()
	c.fatal = err
	c.fatalMu.Unlock()
}

func (c *Client) fatalErr() error {
	c.fatalMu.Lock()
	defer c.fatalMu.Unlock()
	return c.fatal
}

// Poll returns the next pending decode unit, a Nothing result when no unit
// is ready, or a session error when a reader goroutine has died.
func (c *Client) Poll() TickResult {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return TickResult{Kind: KindNothing, Err: ErrSessionClosed}
	}
	if err := c.fatalErr(); err != nil {
		return TickResult{Kind: KindNothing, Err: err}
	}
	if r, ok := c.queue.pop(); ok {
		return r
	}
	return TickResult{Kind: KindNothing}
}

// Reset tears the connection down and re-initialises it in place with a
// fresh configuration. The pending queue is cleared; decode units from the
// previous configuration are not delivered across a reset.
func (c *Client) Reset(cfg Config) error {
	c.teardown()
	return c.start(cfg)
}

// Metadata returns the calibration snapshot cached at open.
func (c *Client) Metadata() Metadata {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.md
}

// Stats returns a snapshot of the session counters.
func (c *Client) Stats() ClientStats {
	s := ClientStats{
		LidarPackets: c.lidarPackets.Load(),
		ImuPackets:   c.imuPackets.Load(),
		DecodeErrors: c.decodeErrors.Load(),
		QueueDrops:   c.queue.drops(),
	}
	c.mu.Lock()
	if c.asm != nil {
		s.PartialFrames = c.asm.PartialFrames()
		s.BadColumns = c.asm.BadColumns()
	}
	c.mu.Unlock()
	return s
}

// teardown stops the readers and closes both sockets. Safe when already
// closed.
func (c *Client) teardown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	stopCh := c.stopCh
	lidarConn, imuConn := c.lidarConn, c.imuConn
	c.lidarConn, c.imuConn = nil, nil
	c.mu.Unlock()

	if stopCh != nil {
		close(stopCh)
	}
	if lidarConn != nil {
		lidarConn.Close()
	}
	if imuConn != nil {
		imuConn.Close()
	}
	c.readers.Wait()
}

// Close releases the session. Idempotent.
func (c *Client) Close() error {
	c.teardown()
	return nil
}
