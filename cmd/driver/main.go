// Command driver runs the lifecycle-governed LiDAR driver: it negotiates
// the sensor configuration, runs the acquisition loop at the sensor's
// native packet cadence, and forwards decoded output to the configured
// sinks. Lifecycle and control operations are exposed over HTTP.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/lidar.driver/internal/api"
	"github.com/banshee-data/lidar.driver/internal/driver"
	"github.com/banshee-data/lidar.driver/internal/publish"
	"github.com/banshee-data/lidar.driver/internal/sensor"
	"github.com/banshee-data/lidar.driver/internal/telemetry"
)

var (
	sensorAddr = flag.String("sensor-addr", "", "Sensor network address (required)")
	hostAddr   = flag.String("host-addr", "", "Host address the sensor streams UDP data to (required)")
	imuPort    = flag.Int("imu-port", sensor.DefaultImuPort, "Host-facing IMU UDP port")
	lidarPort  = flag.Int("lidar-port", sensor.DefaultLidarPort, "Host-facing LiDAR UDP port")
	mode       = flag.String("mode", sensor.DefaultMode,
		fmt.Sprintf("Scan mode, one of %s", strings.Join(sensor.SupportedModes(), ", ")))

	sensorFrame = flag.String("sensor-frame", sensor.DefaultSensorFrame, "Sensor coordinate frame name")
	laserFrame  = flag.String("laser-frame", sensor.DefaultLaserFrame, "Laser data coordinate frame name")
	imuFrame    = flag.String("imu-frame", sensor.DefaultImuFrame, "IMU data coordinate frame name")

	listen      = flag.String("listen", ":8081", "HTTP control API listen address")
	mqttBroker  = flag.String("mqtt", "", "MQTT broker for message publication (e.g. tcp://localhost:1883)")
	mqttPrefix  = flag.String("mqtt-prefix", "lidar", "MQTT topic prefix")
	monitorAddr = flag.String("monitor", "", "UDP monitor sink address (e.g. localhost:2368)")
	dbFile      = flag.String("db", "", "Path to the telemetry sqlite database (empty disables)")

	pcapFile     = flag.String("pcap", "", "Replay packets from a PCAP capture instead of a live sensor (requires -tags pcap build)")
	pcapMetadata = flag.String("pcap-metadata", "", "Sensor metadata JSON recorded with the capture")

	autoStart = flag.Bool("auto-start", true, "Configure and activate immediately on startup")
	debug     = flag.Bool("debug", false, "Enable diagnostic logging")
	trace     = flag.Bool("trace", false, "Enable per-unit trace logging (implies -debug, very noisy)")
)

func main() {
	flag.Parse()

	if *debug || *trace {
		driver.EnableDebugLogging(*trace)
	}

	// A driver with no sensor and no host to stream to cannot run in any
	// defined state; refuse to start rather than idle half-initialised.
	if *sensorAddr == "" || *hostAddr == "" {
		fmt.Fprintln(os.Stderr, "Fatal: -sensor-addr and -host-addr are both required")
		flag.Usage()
		os.Exit(2)
	}

	cfg := sensor.Config{
		SensorAddr:  *sensorAddr,
		HostAddr:    *hostAddr,
		ImuPort:     *imuPort,
		LidarPort:   *lidarPort,
		Mode:        *mode,
		SensorFrame: *sensorFrame,
		LaserFrame:  *laserFrame,
		ImuFrame:    *imuFrame,
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal: %v\n", err)
		os.Exit(2)
	}

	var sinks publish.MultiSink
	if *mqttBroker != "" {
		mqttSink, err := publish.NewMQTTSink(publish.MQTTConfig{
			Broker:      *mqttBroker,
			TopicPrefix: *mqttPrefix,
		})
		if err != nil {
			log.Fatalf("Failed to connect MQTT sink: %v", err)
		}
		sinks = append(sinks, mqttSink)
	}
	if *monitorAddr != "" {
		udpSink, err := publish.NewUDPSink(*monitorAddr)
		if err != nil {
			log.Fatalf("Failed to open UDP monitor sink: %v", err)
		}
		sinks = append(sinks, udpSink)
	}
	if len(sinks) == 0 {
		log.Print("No sinks configured; decoded output will be discarded")
	}

	var store *telemetry.Store
	if *dbFile != "" {
		var err error
		store, err = telemetry.Open(*dbFile)
		if err != nil {
			log.Fatalf("Failed to open telemetry store: %v", err)
		}
		defer store.Close()
	}

	opts := driver.Options{Store: store}
	if len(sinks) > 0 {
		opts.Sink = sinks
	}
	if *pcapFile != "" {
		replayCfg := sensor.ReplayConfig{
			Path:         *pcapFile,
			MetadataPath: *pcapMetadata,
			LidarPort:    cfg.LidarPort,
			ImuPort:      cfg.ImuPort,
			Mode:         cfg.Mode,
			Realtime:     true,
		}
		opts.OpenSession = func(sensor.Config) (sensor.Session, error) {
			return sensor.OpenReplay(replayCfg)
		}
		log.Printf("Replay mode: %s", *pcapFile)
	}

	d := driver.New(opts)

	if *autoStart {
		if err := d.Configure(cfg); err != nil {
			log.Fatalf("Failed to configure driver: %v", err)
		}
		if err := d.Activate(); err != nil {
			log.Fatalf("Failed to activate driver: %v", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server := &http.Server{
		Addr:    *listen,
		Handler: api.NewServer(d, cfg).Handler(),
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Printf("Control API listening on %s", *listen)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Control API server failed: %v", err)
		}
	}()

	<-ctx.Done()
	log.Print("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Control API shutdown error: %v", err)
		server.Close()
	}

	if err := d.Shutdown(); err != nil {
		log.Printf("Driver shutdown error: %v", err)
	}
	if err := sinks.Close(); err != nil {
		log.Printf("Sink close error: %v", err)
	}

	wg.Wait()
	log.Print("Graceful shutdown complete")
}
