// Package publish carries converted sensor messages out of the driver.
// Delivery is fire-and-forget: sinks log failures and drop, they never
// block the acquisition path or report errors back into it.
package publish

import "github.com/banshee-data/lidar.driver/internal/processors"

// Sink accepts one converted message per payload kind, plus the static
// transform announcement emitted once per configure.
type Sink interface {
	PublishRangeImage(*processors.ImageMessage)
	PublishIntensityImage(*processors.ImageMessage)
	PublishNoiseImage(*processors.ImageMessage)
	PublishPointCloud(*processors.PointCloudMessage)
	PublishImu(*processors.ImuMessage)
	PublishTransforms([]processors.TransformMessage)
	Close() error
}

// MultiSink fans every message out to each member sink.
type MultiSink []Sink

func (m MultiSink) PublishRangeImage(msg *processors.ImageMessage) {
	for _, s := range m {
		s.PublishRangeImage(msg)
	}
}

func (m MultiSink) PublishIntensityImage(msg *processors.ImageMessage) {
	for _, s := range m {
		s.PublishIntensityImage(msg)
	}
}

func (m MultiSink) PublishNoiseImage(msg *processors.ImageMessage) {
	for _, s := range m {
		s.PublishNoiseImage(msg)
	}
}

func (m MultiSink) PublishPointCloud(msg *processors.PointCloudMessage) {
	for _, s := range m {
		s.PublishPointCloud(msg)
	}
}

func (m MultiSink) PublishImu(msg *processors.ImuMessage) {
	for _, s := range m {
		s.PublishImu(msg)
	}
}

func (m MultiSink) PublishTransforms(msgs []processors.TransformMessage) {
	for _, s := range m {
		s.PublishTransforms(msgs)
	}
}

// Close closes every member, returning the first error encountered.
func (m MultiSink) Close() error {
	var first error
	for _, s := range m {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
