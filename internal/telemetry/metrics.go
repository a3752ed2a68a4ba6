package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Registry holds every tracecap collector. It is separate from the global
// prometheus registry so tests can build handlers without double registration.
var Registry = prometheus.NewRegistry()

var (
	CommandsSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tracecap_scpi_commands_total",
		Help: "SCPI commands written to the instrument, excluding *OPC? polls.",
	})

	GatePolls = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tracecap_scpi_gate_polls_total",
		Help: "*OPC? polls issued by the completion gate.",
	})

	BytesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tracecap_scpi_bytes_received_total",
		Help: "Response bytes read from the instrument.",
	})

	ShortBlocks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tracecap_waveform_short_blocks_total",
		Help: "Waveform data blocks shorter than the requested window.",
	})

	TriggerPolls = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tracecap_trigger_polls_total",
		Help: ":TRIG:POS? queries issued while waiting for a trigger.",
	})

	CapturesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tracecap_captures_total",
		Help: "Captures handed to storage.",
	})

	CaptureDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "tracecap_capture_duration_seconds",
		Help:    "Time from single-shot arm to the last channel read.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
	})
)

func init() {
	Registry.MustRegister(
		CommandsSent,
		GatePolls,
		BytesReceived,
		ShortBlocks,
		TriggerPolls,
		CapturesTotal,
		CaptureDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}
