package scpi

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rjboer/tracecap/internal/logging"
	"github.com/rjboer/tracecap/internal/scpi/scpitest"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.GateTimeout = 50 * time.Millisecond
	cfg.ResponseTimeout = 200 * time.Millisecond
	return cfg
}

func newTestLink(t *testing.T, scope *scpitest.Scope, cfg Config) *Link {
	t.Helper()
	l := NewLink(scope.Pipe(), cfg, logging.Discard())
	t.Cleanup(func() { l.Close() })
	return l
}

func TestQueryWaitsForCompletionMarker(t *testing.T) {
	scope := scpitest.New()
	scope.GateScript = []string{"0", "0", "1"}
	l := newTestLink(t, scope, testConfig())

	id, err := l.Query(context.Background(), "*IDN?")
	if err != nil {
		t.Fatalf("Query returned error: %v", err)
	}
	if id != scope.Identity {
		t.Fatalf("unexpected identity %q", id)
	}

	want := []string{"*OPC?", "*OPC?", "*OPC?", "*IDN?"}
	if got := scope.Events(); strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("unexpected wire order: %q", got)
	}
}

func TestGateRequiresExactMarker(t *testing.T) {
	scope := scpitest.New()
	// "1 " and "01" trim to something close to "1" but are not the marker.
	scope.GateScript = []string{"1 ", "01", "11", "1"}
	l := newTestLink(t, scope, testConfig())

	if err := l.Write(context.Background(), ":SING"); err != nil {
		t.Fatalf("Write returned error: %v", err)
	}
	if _, err := l.Query(context.Background(), "*IDN?"); err != nil {
		t.Fatalf("Query returned error: %v", err)
	}

	events := scope.Events()
	if len(events) < 5 || events[4] != ":SING" {
		t.Fatalf("command released before exact marker: %q", events)
	}
	for _, e := range events[:4] {
		if e != "*OPC?" {
			t.Fatalf("expected only gate polls before :SING, got %q", events)
		}
	}
}

func TestGateTimeoutCountsAsNotComplete(t *testing.T) {
	scope := scpitest.New()
	scope.GateScript = []string{"", "1"}
	l := newTestLink(t, scope, testConfig())

	start := time.Now()
	if err := l.Write(context.Background(), ":WAV:MODE RAW"); err != nil {
		t.Fatalf("Write returned error: %v", err)
	}
	if time.Since(start) < 50*time.Millisecond {
		t.Fatalf("gate did not wait for the silent poll to time out")
	}

	// The write is only observable once the next command round-trips.
	if _, err := l.Query(context.Background(), "*IDN?"); err != nil {
		t.Fatalf("Query returned error: %v", err)
	}
	want := []string{"*OPC?", "*OPC?", ":WAV:MODE RAW", "*OPC?", "*IDN?"}
	if got := scope.Events(); strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("unexpected wire order: %q", got)
	}
}

func TestGateExhaustedIsProtocolError(t *testing.T) {
	scope := scpitest.New()
	scope.GateScript = []string{"0", "0", "0", "0", "0"}
	cfg := testConfig()
	cfg.Gate = RetryPolicy{MaxAttempts: 3}
	l := newTestLink(t, scope, cfg)

	_, err := l.Query(context.Background(), "*IDN?")
	if !errors.Is(err, ErrGateExhausted) {
		t.Fatalf("expected ErrGateExhausted, got %v", err)
	}
	var perr *ProtocolError
	if !errors.As(err, &perr) || perr.Command != "*IDN?" || perr.Op != "gate" {
		t.Fatalf("expected gate ProtocolError for *IDN?, got %#v", err)
	}
	if cmds := scope.Commands(); len(cmds) != 0 {
		t.Fatalf("pending command leaked to the wire: %q", cmds)
	}
	if n := len(scope.Events()); n != 3 {
		t.Fatalf("expected 3 gate polls, got %d", n)
	}
}

func TestQueryRawReadsBlockContainingTerminator(t *testing.T) {
	scope := scpitest.New()
	codes := []byte{0x80, '\n', 0x0d, ' ', 0x7f, '\n'}
	scope.Channels["CHAN1"] = &scpitest.Channel{Displayed: true, Codes: codes}
	l := newTestLink(t, scope, testConfig())
	ctx := context.Background()

	for _, cmd := range []string{":WAV:SOUR CHAN1", ":WAV:STAR 0", ":WAV:STOP 5"} {
		if err := l.Write(ctx, cmd); err != nil {
			t.Fatalf("Write(%q): %v", cmd, err)
		}
	}
	raw, err := l.QueryRaw(ctx, ":WAV:DATA?")
	if err != nil {
		t.Fatalf("QueryRaw returned error: %v", err)
	}
	if !bytes.Equal(raw[:11], []byte("#9000000006")) {
		t.Fatalf("unexpected header %q", raw[:11])
	}
	if !bytes.Equal(raw[11:], codes) {
		t.Fatalf("unexpected payload % x", raw[11:])
	}

	// The link stays in step after the block.
	if id, err := l.Query(ctx, "*IDN?"); err != nil || id != scope.Identity {
		t.Fatalf("link desynchronized after block: %q, %v", id, err)
	}
}

// lateTrailerScope serves one 3-byte block whose LF terminator arrives after
// a delay, over real TCP so the delay is visible to the reader.
type lateTrailerScope struct {
	mu    sync.Mutex
	lines []string
}

const lateTrailerPreamble = "0,0,1000,1,1e-9,0,0,0.04,0,127"

func (s *lateTrailerScope) serve(t *testing.T, delay time.Duration) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			cmd := strings.TrimSpace(line)
			s.mu.Lock()
			s.lines = append(s.lines, cmd)
			s.mu.Unlock()
			switch cmd {
			case "*OPC?":
				conn.Write([]byte("1\n"))
			case ":WAV:DATA?":
				conn.Write([]byte("#9000000003abc"))
				time.Sleep(delay)
				conn.Write([]byte("\n"))
			case ":WAV:PRE?":
				conn.Write([]byte(lateTrailerPreamble + "\n"))
			}
		}
	}()
	return ln.Addr().String()
}

func (s *lateTrailerScope) count(cmd string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, l := range s.lines {
		if l == cmd {
			n++
		}
	}
	return n
}

func runLateTrailer(t *testing.T, cfg Config) {
	t.Helper()
	scope := &lateTrailerScope{}
	addr := scope.serve(t, 150*time.Millisecond)
	ctx := context.Background()
	l, err := Dial(ctx, addr, cfg, logging.Discard())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer l.Close()

	raw, err := l.QueryRaw(ctx, ":WAV:DATA?")
	if err != nil {
		t.Fatalf("QueryRaw returned error: %v", err)
	}
	if string(raw) != "#9000000003abc" {
		t.Fatalf("unexpected block %q", raw)
	}
	for i := 0; i < 3; i++ {
		if err := l.Write(ctx, ":WAV:STAR 0"); err != nil {
			t.Fatalf("Write %d: %v", i, err)
		}
	}
	pre, err := l.Query(ctx, ":WAV:PRE?")
	if err != nil {
		t.Fatalf("Query returned error: %v", err)
	}
	if pre != lateTrailerPreamble {
		t.Fatalf("link out of step after block: got %q", pre)
	}
	// one gate poll per command means every poll saw "1\n" the first time
	if n := scope.count("*OPC?"); n != 5 {
		t.Fatalf("expected 5 gate polls, got %d", n)
	}
}

func TestQueryRawWaitsForLateTrailer(t *testing.T) {
	cfg := testConfig()
	cfg.ResponseTimeout = time.Second
	runLateTrailer(t, cfg)
}

func TestGateDropsTrailerArrivingAfterBlock(t *testing.T) {
	cfg := testConfig()
	cfg.GateTimeout = 500 * time.Millisecond
	cfg.ResponseTimeout = 50 * time.Millisecond
	runLateTrailer(t, cfg)
}

func TestQueryTimeoutYieldsEmptyResponse(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		r := bufio.NewReader(server)
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			if strings.TrimSpace(line) == "*OPC?" {
				server.Write([]byte("1\n"))
			}
			// Everything else goes unanswered.
		}
	}()

	l := NewLink(client, testConfig(), logging.Discard())
	resp, err := l.Query(context.Background(), ":TRIG:POS?")
	if err != nil {
		t.Fatalf("timeout must not be an error, got %v", err)
	}
	if resp != "" {
		t.Fatalf("expected empty response, got %q", resp)
	}
}

func TestQueryIntMalformed(t *testing.T) {
	scope := scpitest.New()
	l := newTestLink(t, scope, testConfig())

	_, err := l.QueryInt(context.Background(), "*IDN?")
	if !errors.Is(err, ErrMalformedResponse) {
		t.Fatalf("expected ErrMalformedResponse, got %v", err)
	}
}

func TestQueryFloat(t *testing.T) {
	scope := scpitest.New()
	l := newTestLink(t, scope, testConfig())

	rate, err := l.QueryFloat(context.Background(), ":ACQ:SRAT?")
	if err != nil {
		t.Fatalf("QueryFloat returned error: %v", err)
	}
	if rate != 1e9 {
		t.Fatalf("unexpected sample rate %v", rate)
	}
}

func TestSendOnClosedLink(t *testing.T) {
	l := &Link{cfg: testConfig(), log: logging.Discard()}
	if _, err := l.Query(context.Background(), "*IDN?"); err == nil {
		t.Fatalf("expected error on unconnected link")
	}
}
