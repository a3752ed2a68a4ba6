package waveform

import (
	"context"
	"fmt"

	"github.com/rjboer/tracecap/internal/logging"
	"github.com/rjboer/tracecap/internal/scpi"
	"github.com/rjboer/tracecap/internal/telemetry"
)

// SCPI vocabulary used by the reader.
const (
	SourceCommand = ":WAV:SOUR %s"
	ModeRaw       = ":WAV:MODE RAW"
	FormatByte    = ":WAV:FORM BYTE"
	PreambleQuery = ":WAV:PRE?"
	StartCommand  = ":WAV:STAR %d"
	StopCommand   = ":WAV:STOP %d"
	DataQuery     = ":WAV:DATA?"
)

// HeaderSize is the length of the "#9NNNNNNNNN" descriptor in front of each
// data block.
const HeaderSize = 11

// Commander is the part of the instrument link the reader drives.
type Commander interface {
	Write(ctx context.Context, cmd string) error
	Query(ctx context.Context, cmd string) (string, error)
	QueryRaw(ctx context.Context, cmd string) ([]byte, error)
}

// Config tunes the reader.
type Config struct {
	ChunkSize int
	// Strict turns a short data block into a *scpi.ProtocolError instead of
	// a logged warning and a short trace.
	Strict bool
}

// Trace is one channel's rescaled acquisition memory, starting at Start.
type Trace struct {
	Channel  string
	Start    int
	Preamble Preamble
	Samples  []float64
}

// Reader pulls full-memory waveforms from the instrument in bounded chunks.
type Reader struct {
	cmd Commander
	cfg Config
	log logging.Logger
}

// NewReader builds a reader. A non-positive chunk size falls back to
// DefaultChunkSize.
func NewReader(cmd Commander, cfg Config, log logging.Logger) *Reader {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if log == nil {
		log = logging.Default()
	}
	return &Reader{cmd: cmd, cfg: cfg, log: log.With(logging.Field{Key: "subsystem", Value: "waveform"})}
}

// Read fetches channel from sample start to the end of memory and rescales
// it to volts.
//
// RAW mode is not available on math channels (they only support NORMAL);
// reading one here gives whatever the instrument returns.
func (r *Reader) Read(ctx context.Context, channel string, start int) (Trace, error) {
	codes, pre, err := r.ReadCodes(ctx, channel, start)
	if err != nil {
		return Trace{}, err
	}
	return Trace{
		Channel:  channel,
		Start:    start,
		Preamble: pre,
		Samples:  Rescale(codes, pre),
	}, nil
}

// ReadCodes returns the raw BYTE codes and the preamble used to scale them.
func (r *Reader) ReadCodes(ctx context.Context, channel string, start int) ([]byte, Preamble, error) {
	for _, cmd := range []string{fmt.Sprintf(SourceCommand, channel), ModeRaw, FormatByte} {
		if err := r.cmd.Write(ctx, cmd); err != nil {
			return nil, Preamble{}, fmt.Errorf("select %s: %w", channel, err)
		}
	}

	resp, err := r.cmd.Query(ctx, PreambleQuery)
	if err != nil {
		return nil, Preamble{}, fmt.Errorf("preamble %s: %w", channel, err)
	}
	pre, err := ParsePreamble(resp)
	if err != nil {
		return nil, Preamble{}, err
	}
	r.log.Debug("preamble",
		logging.Field{Key: "channel", Value: channel},
		logging.Field{Key: "points", Value: pre.Points},
		logging.Field{Key: "yincrement", Value: pre.YIncrement},
		logging.Field{Key: "yorigin", Value: pre.YOrigin},
		logging.Field{Key: "yreference", Value: pre.YReference},
	)

	chunks := PlanChunks(start, pre.Points, r.cfg.ChunkSize)
	buf := make([]byte, 0, max(pre.Points-start, 0))
	for _, c := range chunks {
		data, err := r.readChunk(ctx, c)
		if err != nil {
			return nil, Preamble{}, fmt.Errorf("read %s [%d,%d]: %w", channel, c.Start, c.Stop, err)
		}
		if len(data) != c.Len() {
			telemetry.ShortBlocks.Inc()
			if r.cfg.Strict {
				return nil, Preamble{}, &scpi.ProtocolError{
					Op:      "block",
					Command: DataQuery,
					Err:     fmt.Errorf("%w: %s [%d,%d] got %d of %d points", scpi.ErrShortBlock, channel, c.Start, c.Stop, len(data), c.Len()),
				}
			}
			r.log.Warn("short data block",
				logging.Field{Key: "channel", Value: channel},
				logging.Field{Key: "start", Value: c.Start},
				logging.Field{Key: "stop", Value: c.Stop},
				logging.Field{Key: "got", Value: len(data)},
				logging.Field{Key: "want", Value: c.Len()},
			)
		}
		buf = append(buf, data...)
	}
	return buf, pre, nil
}

func (r *Reader) readChunk(ctx context.Context, c Chunk) ([]byte, error) {
	if err := r.cmd.Write(ctx, fmt.Sprintf(StartCommand, c.Start)); err != nil {
		return nil, err
	}
	if err := r.cmd.Write(ctx, fmt.Sprintf(StopCommand, c.Stop)); err != nil {
		return nil, err
	}
	raw, err := r.cmd.QueryRaw(ctx, DataQuery)
	if err != nil {
		return nil, err
	}
	if len(raw) <= HeaderSize {
		return nil, nil
	}
	return raw[HeaderSize:], nil
}
