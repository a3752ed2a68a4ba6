package telemetry

import (
	"fmt"

	"github.com/rjboer/tracecap/internal/logging"
)

// Reporter receives one summary per stored capture.
type Reporter interface {
	Report(sum CaptureSummary)
}

// StdoutReporter logs capture summaries.
type StdoutReporter struct {
	logger logging.Logger
}

// NewStdoutReporter builds a stdout reporter with the provided logger.
func NewStdoutReporter(logger logging.Logger) StdoutReporter {
	if logger == nil {
		logger = logging.Default()
	}
	return StdoutReporter{logger: logger}
}

func (r StdoutReporter) Report(sum CaptureSummary) {
	fields := []logging.Field{
		{Key: "subsystem", Value: "telemetry"},
		{Key: "capture", Value: sum.Index},
		{Key: "id", Value: sum.ID},
		{Key: "trigger", Value: sum.Trigger},
		{Key: "duration", Value: sum.Duration.String()},
	}
	for _, ch := range sum.Channels {
		fields = append(fields, logging.Field{
			Key:   ch.Channel,
			Value: fmt.Sprintf("n=%d min=%.4g max=%.4g mean=%.4g sd=%.4g", ch.Points, ch.Min, ch.Max, ch.Mean, ch.StdDev),
		})
	}
	r.logger.Info("capture stored", fields...)
}

// MultiReporter fans out telemetry to multiple destinations.
type MultiReporter []Reporter

// Report forwards the summary to each configured reporter.
func (m MultiReporter) Report(sum CaptureSummary) {
	for _, r := range m {
		if r != nil {
			r.Report(sum)
		}
	}
}
