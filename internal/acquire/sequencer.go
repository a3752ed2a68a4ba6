package acquire

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/rjboer/tracecap/internal/logging"
	"github.com/rjboer/tracecap/internal/scpi"
	"github.com/rjboer/tracecap/internal/telemetry"
	"github.com/rjboer/tracecap/internal/waveform"
)

const (
	singleCommand        = ":SING"
	triggerPositionQuery = ":TRIG:POS?"
)

// ErrTriggerTimeout is returned when a bounded trigger policy gives up.
var ErrTriggerTimeout = errors.New("trigger position never became valid")

// Instrument is the gated command interface the sequencer needs.
type Instrument interface {
	Write(ctx context.Context, cmd string) error
	Query(ctx context.Context, cmd string) (string, error)
}

// TraceReader reads one channel from a sample offset to the end of memory.
type TraceReader interface {
	Read(ctx context.Context, channel string, start int) (waveform.Trace, error)
}

// Source yields stimulus payloads in order. ok is false once exhausted.
type Source interface {
	Next() (payload string, ok bool, err error)
}

// Target receives stimulus payloads (the microcontroller serial line).
type Target interface {
	Send(payload string) error
}

// Store receives every capture exactly once, in acquisition order.
type Store interface {
	Save(ctx context.Context, c Capture) error
}

// Capture is one trigger event and the traces read for it.
type Capture struct {
	Index   int
	ID      string
	Payload string
	Trigger int
	Time    time.Time
	Traces  []waveform.Trace
}

// State is the sequencer position within one trigger event.
type State int

const (
	Idle State = iota
	Armed
	WaitTrigger
	Capturing
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Armed:
		return "armed"
	case WaitTrigger:
		return "wait-trigger"
	case Capturing:
		return "capture"
	default:
		return "unknown"
	}
}

// Config bounds the trigger wait. The zero policy polls forever.
type Config struct {
	Trigger scpi.RetryPolicy
}

// Sequencer runs single-shot acquisitions, one per stimulus payload.
type Sequencer struct {
	inst     Instrument
	reader   TraceReader
	target   Target
	store    Store
	reporter telemetry.Reporter
	channels ChannelSet
	cfg      Config
	log      logging.Logger

	state State
	count int
}

// NewSequencer wires the sequencer. reporter may be nil.
func NewSequencer(inst Instrument, reader TraceReader, target Target, store Store, reporter telemetry.Reporter, channels ChannelSet, cfg Config, log logging.Logger) *Sequencer {
	if log == nil {
		log = logging.Default()
	}
	return &Sequencer{
		inst:     inst,
		reader:   reader,
		target:   target,
		store:    store,
		reporter: reporter,
		channels: channels,
		cfg:      cfg,
		log:      log.With(logging.Field{Key: "subsystem", Value: "acquire"}),
	}
}

// State returns the current state.
func (s *Sequencer) State() State { return s.state }

// Run acquires one capture per payload until src is exhausted and returns the
// number of captures stored.
func (s *Sequencer) Run(ctx context.Context, src Source) (int, error) {
	stored := 0
	for {
		if err := ctx.Err(); err != nil {
			return stored, err
		}
		payload, ok, err := src.Next()
		if err != nil {
			return stored, fmt.Errorf("next payload: %w", err)
		}
		if !ok {
			s.log.Info("stimulus exhausted", logging.Field{Key: "captures", Value: stored})
			return stored, nil
		}
		if _, err := s.Step(ctx, payload); err != nil {
			return stored, err
		}
		stored++
	}
}

// Step runs one Idle -> Armed -> WaitTrigger -> Capture -> Idle cycle and
// hands the capture to the store before returning.
func (s *Sequencer) Step(ctx context.Context, payload string) (Capture, error) {
	started := time.Now()
	s.state = Idle
	defer func() { s.state = Idle }()

	if err := s.inst.Write(ctx, singleCommand); err != nil {
		return Capture{}, fmt.Errorf("arm single shot: %w", err)
	}
	s.transition(Armed)

	if err := s.target.Send(payload); err != nil {
		return Capture{}, fmt.Errorf("send stimulus: %w", err)
	}
	s.transition(WaitTrigger)

	pos, err := s.waitTrigger(ctx)
	if err != nil {
		return Capture{}, err
	}
	s.transition(Capturing)

	c := Capture{
		Index:   s.count,
		ID:      uuid.NewString(),
		Payload: payload,
		Trigger: pos,
		Time:    started,
		Traces:  make([]waveform.Trace, 0, len(s.channels)),
	}
	for _, ch := range s.channels {
		tr, err := s.reader.Read(ctx, ch, pos)
		if err != nil {
			return Capture{}, fmt.Errorf("capture %d: %w", c.Index, err)
		}
		c.Traces = append(c.Traces, tr)
	}

	if err := s.store.Save(ctx, c); err != nil {
		return Capture{}, fmt.Errorf("store capture %d: %w", c.Index, err)
	}
	s.count++

	elapsed := time.Since(started)
	telemetry.CapturesTotal.Inc()
	telemetry.CaptureDuration.Observe(elapsed.Seconds())
	if s.reporter != nil {
		s.reporter.Report(Summarize(c, elapsed))
	}
	return c, nil
}

// waitTrigger polls :TRIG:POS? until it answers a non-negative integer. Empty
// or unparsable answers count as "not yet".
func (s *Sequencer) waitTrigger(ctx context.Context) (int, error) {
	pos := -1
	err := s.cfg.Trigger.Do(ctx, func() (bool, error) {
		telemetry.TriggerPolls.Inc()
		resp, err := s.inst.Query(ctx, triggerPositionQuery)
		if err != nil {
			return false, err
		}
		v, err := strconv.Atoi(resp)
		if err != nil {
			s.log.Debug("trigger position unreadable", logging.Field{Key: "response", Value: resp})
			return false, nil
		}
		pos = v
		return v >= 0, nil
	})
	if errors.Is(err, scpi.ErrExhausted) {
		return 0, fmt.Errorf("%w (last %d)", ErrTriggerTimeout, pos)
	}
	if err != nil {
		return 0, fmt.Errorf("wait for trigger: %w", err)
	}
	return pos, nil
}

func (s *Sequencer) transition(next State) {
	s.log.Debug("state", logging.Field{Key: "from", Value: s.state.String()}, logging.Field{Key: "to", Value: next.String()})
	s.state = next
}

// Summarize reduces a capture to per-channel statistics for telemetry.
func Summarize(c Capture, elapsed time.Duration) telemetry.CaptureSummary {
	sum := telemetry.CaptureSummary{
		Index:    c.Index,
		ID:       c.ID,
		Trigger:  c.Trigger,
		Time:     c.Time,
		Duration: elapsed,
		Channels: make([]telemetry.ChannelStats, 0, len(c.Traces)),
	}
	for _, tr := range c.Traces {
		sum.Channels = append(sum.Channels, telemetry.StatsOf(tr.Channel, tr.Samples))
	}
	return sum
}
