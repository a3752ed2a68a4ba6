package telemetry

import (
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// ChannelStats summarizes one channel's rescaled samples.
type ChannelStats struct {
	Channel string  `json:"channel"`
	Points  int     `json:"points"`
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	Mean    float64 `json:"mean"`
	StdDev  float64 `json:"stdDev"`
}

// CaptureSummary is what telemetry keeps of a capture; samples are not retained.
type CaptureSummary struct {
	Index    int            `json:"index"`
	ID       string         `json:"id"`
	Trigger  int            `json:"trigger"`
	Time     time.Time      `json:"time"`
	Duration time.Duration  `json:"duration"`
	Channels []ChannelStats `json:"channels"`
}

// StatsOf computes summary statistics. An empty trace yields zero values.
func StatsOf(channel string, samples []float64) ChannelStats {
	s := ChannelStats{Channel: channel, Points: len(samples)}
	if len(samples) == 0 {
		return s
	}
	s.Min = floats.Min(samples)
	s.Max = floats.Max(samples)
	s.Mean, s.StdDev = stat.MeanStdDev(samples, nil)
	if len(samples) == 1 {
		s.StdDev = 0
	}
	return s
}
