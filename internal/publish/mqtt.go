package publish

import (
	"encoding/json"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/banshee-data/lidar.driver/internal/processors"
)

// MQTTConfig configures the MQTT sink.
type MQTTConfig struct {
	Broker      string // e.g. "tcp://localhost:1883"
	ClientID    string
	TopicPrefix string // e.g. "lidar/os1-01"
}

// MQTTSink publishes converted messages as JSON, one topic per payload
// kind. Static transforms are published retained so late subscribers still
// receive the announcement. Publish tokens are not waited on in the data
// path; errors surface through the token callback and a drop counter.
type MQTTSink struct {
	client mqtt.Client
	prefix string

	publishErrors atomic.Uint64
}

// NewMQTTSink connects to the broker. Connection failure is an error:
// a sink that never delivers is worse than no sink.
func NewMQTTSink(cfg MQTTConfig) (*MQTTSink, error) {
	if cfg.ClientID == "" {
		cfg.ClientID = "lidar-driver"
	}
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(5 * time.Second)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqtt connect: %w", token.Error())
	}

	log.Printf("MQTT sink connected to %s (prefix %q)", cfg.Broker, cfg.TopicPrefix)
	return &MQTTSink{client: client, prefix: cfg.TopicPrefix}, nil
}

// PublishErrors returns how many publishes have failed so far.
func (s *MQTTSink) PublishErrors() uint64 {
	return s.publishErrors.Load()
}

func (s *MQTTSink) topic(suffix string) string {
	if s.prefix == "" {
		return suffix
	}
	return s.prefix + "/" + suffix
}

// publishJSON marshals and publishes without waiting for the broker ack.
func (s *MQTTSink) publishJSON(topic string, retained bool, v interface{}) {
	payload, err := json.Marshal(v)
	if err != nil {
		s.publishErrors.Add(1)
		log.Printf("MQTT marshal error on %s: %v", topic, err)
		return
	}
	token := s.client.Publish(topic, 0, retained, payload)
	go func() {
		if token.Wait() && token.Error() != nil {
			if s.publishErrors.Add(1)%100 == 1 {
				log.Printf("MQTT publish error on %s: %v", topic, token.Error())
			}
		}
	}()
}

func (s *MQTTSink) PublishRangeImage(msg *processors.ImageMessage) {
	s.publishJSON(s.topic("range_image"), false, msg)
}

func (s *MQTTSink) PublishIntensityImage(msg *processors.ImageMessage) {
	s.publishJSON(s.topic("intensity_image"), false, msg)
}

func (s *MQTTSink) PublishNoiseImage(msg *processors.ImageMessage) {
	s.publishJSON(s.topic("noise_image"), false, msg)
}

func (s *MQTTSink) PublishPointCloud(msg *processors.PointCloudMessage) {
	s.publishJSON(s.topic("points"), false, msg)
}

func (s *MQTTSink) PublishImu(msg *processors.ImuMessage) {
	s.publishJSON(s.topic("imu"), false, msg)
}

// PublishTransforms publishes the static transform announcement retained,
// and waits for the ack: this happens once per configure, off the tick
// path, and subscribers depend on it.
func (s *MQTTSink) PublishTransforms(msgs []processors.TransformMessage) {
	payload, err := json.Marshal(msgs)
	if err != nil {
		log.Printf("MQTT marshal error on tf_static: %v", err)
		return
	}
	token := s.client.Publish(s.topic("tf_static"), 0, true, payload)
	if token.Wait() && token.Error() != nil {
		s.publishErrors.Add(1)
		log.Printf("MQTT publish error on tf_static: %v", token.Error())
	}
}

// Close disconnects from the broker.
func (s *MQTTSink) Close() error {
	s.client.Disconnect(250)
	return nil
}
