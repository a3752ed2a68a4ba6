package scpi

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rjboer/tracecap/internal/logging"
	"github.com/rjboer/tracecap/internal/telemetry"
)

// DefaultPort is the raw-socket SCPI port used by Rigol instruments.
const DefaultPort = 5555

const (
	opcQuery   = "*OPC?"
	terminator = '\n'
)

// completeMarker is the exact answer that releases the gate.
var completeMarker = []byte("1\n")

// staleTrailer is a block terminator that arrived after QueryRaw returned.
var staleTrailer = []byte{terminator}

// Config carries the link timing and gate policy.
type Config struct {
	DialTimeout     time.Duration
	WriteTimeout    time.Duration
	GateTimeout     time.Duration // bound on each *OPC? read
	ResponseTimeout time.Duration // bound on each command response read
	Gate            RetryPolicy
}

// DefaultConfig uses 1s reads and an unbounded gate.
func DefaultConfig() Config {
	return Config{
		DialTimeout:     3 * time.Second,
		WriteTimeout:    5 * time.Second,
		GateTimeout:     time.Second,
		ResponseTimeout: time.Second,
	}
}

// Link owns the command channel to one instrument. Every command goes
// through Send, which runs the completion gate first, so there is never more
// than one command in flight.
type Link struct {
	mu     sync.Mutex
	conn   net.Conn
	reader *bufio.Reader
	cfg    Config
	log    logging.Logger
}

// Dial connects to the instrument at addr ("host:port").
func Dial(ctx context.Context, addr string, cfg Config, log logging.Logger) (*Link, error) {
	d := net.Dialer{Timeout: cfg.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("connect to instrument at %s: %w", addr, err)
	}
	return NewLink(conn, cfg, log), nil
}

// NewLink wraps an already open connection (tests, tunnels).
func NewLink(conn net.Conn, cfg Config, log logging.Logger) *Link {
	if log == nil {
		log = logging.Default()
	}
	return &Link{
		conn:   conn,
		reader: bufio.NewReaderSize(conn, 64*1024),
		cfg:    cfg,
		log:    log.With(logging.Field{Key: "subsystem", Value: "scpi"}),
	}
}

func (l *Link) Close() error {
	if l.conn != nil {
		return l.conn.Close()
	}
	return nil
}

// ---------- Gated command dispatch ----------

// Send is the single entry point to the instrument. It waits for the
// completion gate, writes cmd, and when expectResponse is set reads one
// response. Text responses are trimmed; raw responses are returned as read.
// A read that times out returns whatever arrived, possibly nothing.
func (l *Link) Send(ctx context.Context, cmd string, expectResponse, raw bool) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conn == nil {
		return nil, errNotConnected
	}
	if err := l.waitComplete(ctx, cmd); err != nil {
		return nil, err
	}

	if err := l.writeLine(cmd); err != nil {
		return nil, fmt.Errorf("write %q: %w", cmd, err)
	}
	telemetry.CommandsSent.Inc()
	l.log.Debug("sent", logging.Field{Key: "command", Value: cmd})

	if !expectResponse {
		return nil, nil
	}

	var (
		resp []byte
		err  error
	)
	if raw {
		resp, err = l.readResponse(l.cfg.ResponseTimeout)
	} else {
		resp, err = l.readLine(l.cfg.ResponseTimeout)
	}
	if err != nil {
		return nil, fmt.Errorf("read response to %q: %w", cmd, err)
	}

	if raw {
		l.log.Debug("received", logging.Field{Key: "command", Value: cmd}, logging.Field{Key: "bytes", Value: len(resp)})
		return resp, nil
	}
	resp = bytes.TrimSpace(resp)
	l.log.Debug("received", logging.Field{Key: "command", Value: cmd}, logging.Field{Key: "response", Value: string(resp)})
	return resp, nil
}

// Write sends a command that has no response.
func (l *Link) Write(ctx context.Context, cmd string) error {
	_, err := l.Send(ctx, cmd, false, false)
	return err
}

// Query sends a command and returns its trimmed text response.
func (l *Link) Query(ctx context.Context, cmd string) (string, error) {
	resp, err := l.Send(ctx, cmd, true, false)
	if err != nil {
		return "", err
	}
	return string(resp), nil
}

// QueryRaw sends a command and returns its undecoded response. Definite
// length blocks are returned with their "#N<len>" header.
func (l *Link) QueryRaw(ctx context.Context, cmd string) ([]byte, error) {
	return l.Send(ctx, cmd, true, true)
}

// QueryInt sends a query and parses the answer as an integer.
func (l *Link) QueryInt(ctx context.Context, cmd string) (int, error) {
	s, err := l.Query(ctx, cmd)
	if err != nil {
		return 0, err
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, Malformed("query", cmd, err)
	}
	return v, nil
}

// QueryFloat sends a query and parses the answer as a float.
func (l *Link) QueryFloat(ctx context.Context, cmd string) (float64, error) {
	s, err := l.Query(ctx, cmd)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, Malformed("query", cmd, err)
	}
	return v, nil
}

// waitComplete polls *OPC? until the instrument answers exactly "1\n". It is
// re-run before every command; nothing is cached between calls.
func (l *Link) waitComplete(ctx context.Context, pending string) error {
	var polls int
	err := l.cfg.Gate.Do(ctx, func() (bool, error) {
		polls++
		if err := l.writeLine(opcQuery); err != nil {
			return false, fmt.Errorf("write %s: %w", opcQuery, err)
		}
		resp, err := l.readLine(l.cfg.GateTimeout)
		if err != nil {
			return false, fmt.Errorf("read %s: %w", opcQuery, err)
		}
		if bytes.Equal(resp, staleTrailer) {
			// Late block terminator. The answer to this poll is still coming,
			// so read again instead of sending another *OPC?.
			l.log.Debug("dropped late block terminator")
			if resp, err = l.readLine(l.cfg.GateTimeout); err != nil {
				return false, fmt.Errorf("read %s: %w", opcQuery, err)
			}
		}
		if !bytes.Equal(resp, completeMarker) {
			l.log.Debug("gate pending", logging.Field{Key: "response", Value: string(resp)}, logging.Field{Key: "poll", Value: polls})
			return false, nil
		}
		return true, nil
	})
	telemetry.GatePolls.Add(float64(polls))

	if errors.Is(err, ErrExhausted) {
		return &ProtocolError{Op: "gate", Command: pending, Err: ErrGateExhausted}
	}
	return err
}

// ---------- Raw I/O ----------

// writeLine writes cmd terminated with a single LF.
func (l *Link) writeLine(cmd string) error {
	if !strings.HasSuffix(cmd, "\n") {
		cmd += "\n"
	}
	return l.writeAll([]byte(cmd))
}

// writeAll writes the full buffer, handling short writes.
func (l *Link) writeAll(b []byte) error {
	if l.cfg.WriteTimeout > 0 {
		_ = l.conn.SetWriteDeadline(time.Now().Add(l.cfg.WriteTimeout))
	}
	for len(b) > 0 {
		n, err := l.conn.Write(b)
		if err != nil {
			return err
		}
		b = b[n:]
	}
	return nil
}

func (l *Link) setReadDeadline(timeout time.Duration) {
	if timeout > 0 {
		_ = l.conn.SetReadDeadline(time.Now().Add(timeout))
		return
	}
	_ = l.conn.SetReadDeadline(time.Time{})
}

// readLine reads up to and including the next LF. A timeout is not an
// error: the bytes received so far are returned.
func (l *Link) readLine(timeout time.Duration) ([]byte, error) {
	l.setReadDeadline(timeout)
	line, err := l.reader.ReadBytes(terminator)
	telemetry.BytesReceived.Add(float64(len(line)))
	if err != nil && !isTimeout(err) {
		return line, err
	}
	return line, nil
}

// readResponse reads one undecoded response. IEEE 488.2 definite-length
// blocks ("#9000250000...") are read by their declared length so sample
// bytes equal to LF do not end the read early; anything else is one line.
func (l *Link) readResponse(timeout time.Duration) ([]byte, error) {
	l.setReadDeadline(timeout)

	first, err := l.reader.Peek(1)
	if err != nil {
		if isTimeout(err) {
			return nil, nil
		}
		return nil, err
	}
	if first[0] != '#' {
		line, err := l.reader.ReadBytes(terminator)
		telemetry.BytesReceived.Add(float64(len(line)))
		if err != nil && !isTimeout(err) {
			return line, err
		}
		return line, nil
	}

	head := make([]byte, 2, 11)
	if _, err := io.ReadFull(l.reader, head); err != nil {
		return l.partial(head, err)
	}
	digits := int(head[1] - '0')
	if digits < 0 || digits > 9 {
		return head, Malformed("block", "", fmt.Errorf("bad length digit %q", head[1]))
	}
	if digits == 0 {
		// Indefinite length: terminated by LF.
		rest, err := l.reader.ReadBytes(terminator)
		return l.partial(append(head, rest...), err)
	}

	lenField := make([]byte, digits)
	if n, err := io.ReadFull(l.reader, lenField); err != nil {
		return l.partial(append(head, lenField[:n]...), err)
	}
	head = append(head, lenField...)
	size, err := strconv.Atoi(string(lenField))
	if err != nil {
		return head, Malformed("block", "", err)
	}

	out := make([]byte, len(head)+size)
	copy(out, head)
	n, err := io.ReadFull(l.reader, out[len(head):])
	out = out[:len(head)+n]
	if err != nil {
		return l.partial(out, err)
	}
	telemetry.BytesReceived.Add(float64(len(out)))

	// Swallow the trailing terminator so it is not taken as the answer to the
	// next *OPC? poll. It gets the full response budget; one that still
	// arrives later is dropped by waitComplete.
	if l.reader.Buffered() == 0 {
		l.setReadDeadline(timeout)
	}
	if next, err := l.reader.Peek(1); err == nil && next[0] == terminator {
		_, _ = l.reader.ReadByte()
	}
	return out, nil
}

// partial accounts for a block read that stopped early. Timeouts and EOF in
// the middle of a block give back what arrived; other errors propagate.
func (l *Link) partial(b []byte, err error) ([]byte, error) {
	telemetry.BytesReceived.Add(float64(len(b)))
	if err == nil || isTimeout(err) || errors.Is(err, io.ErrUnexpectedEOF) {
		return b, nil
	}
	return b, err
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
