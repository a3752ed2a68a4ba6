// Package scpitest provides an in-memory oscilloscope that speaks enough of
// the Rigol DS1000Z SCPI dialect to drive the link, the waveform reader and
// the acquisition sequencer in tests.
package scpitest

import (
	"bufio"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
)

// Channel is the acquisition memory and scaling of one analog channel.
type Channel struct {
	Displayed  bool
	Codes      []byte
	YIncrement float64
	YOrigin    float64
	YReference float64
}

// Scope is a scripted instrument. Configure the exported fields before
// calling Pipe; they must not be changed while serving.
type Scope struct {
	Identity   string
	SampleRate string
	Channels   map[string]*Channel

	// GateScript lists answers to successive *OPC? polls. An empty entry
	// means "do not answer" so the client read times out. Once the script is
	// used up every poll answers "1".
	GateScript []string

	// TriggerNotReady is the number of negative :TRIG:POS? answers given
	// after each :SING before TriggerPos is reported.
	TriggerNotReady int
	TriggerPos      int

	// TriggerScript lists raw answers to the first :TRIG:POS? polls, ahead of
	// the TriggerNotReady countdown. An empty entry is sent as a bare LF.
	TriggerScript []string

	// MaxBlock truncates :WAV:DATA? payloads to simulate short reads.
	MaxBlock int

	mu          sync.Mutex
	events      []string
	gateUsed    int
	triggerUsed int
	triggerLeft int
	source      string
	start       int
	stop        int
}

// New returns a scope identifying as a DS1054Z with no channels.
func New() *Scope {
	return &Scope{
		Identity:   "RIGOL TECHNOLOGIES,DS1054Z,DS1ZA000000001,00.04.04.SP3",
		SampleRate: "1.000000e+09",
		Channels:   map[string]*Channel{},
	}
}

// Pipe starts serving on one end of an in-memory connection and returns the
// other end. Closing the returned conn stops the scope.
func (s *Scope) Pipe() net.Conn {
	client, server := net.Pipe()
	go s.serve(server)
	return client
}

// Events returns every line received, including *OPC? polls.
func (s *Scope) Events() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.events...)
}

// Commands returns every line received except *OPC? polls.
func (s *Scope) Commands() []string {
	var out []string
	for _, e := range s.Events() {
		if e != "*OPC?" {
			out = append(out, e)
		}
	}
	return out
}

func (s *Scope) serve(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		cmd := strings.TrimSpace(line)
		s.mu.Lock()
		s.events = append(s.events, cmd)
		s.mu.Unlock()

		resp, ok := s.handle(cmd)
		if !ok {
			continue
		}
		if _, err := conn.Write(resp); err != nil {
			return
		}
	}
}

func (s *Scope) handle(cmd string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	verb, arg, _ := strings.Cut(cmd, " ")
	switch {
	case verb == "*OPC?":
		if s.gateUsed < len(s.GateScript) {
			ans := s.GateScript[s.gateUsed]
			s.gateUsed++
			if ans == "" {
				return nil, false
			}
			return []byte(ans + "\n"), true
		}
		return []byte("1\n"), true
	case verb == "*IDN?":
		return line(s.Identity), true
	case verb == ":ACQ:SRAT?":
		return line(s.SampleRate), true
	case strings.HasSuffix(verb, ":DISP?"):
		name := strings.TrimSuffix(strings.TrimPrefix(verb, ":"), ":DISP?")
		if ch, ok := s.Channels[name]; ok && ch.Displayed {
			return line("1"), true
		}
		return line("0"), true
	case verb == ":SING":
		s.triggerLeft = s.TriggerNotReady
	case verb == ":TRIG:POS?":
		if s.triggerUsed < len(s.TriggerScript) {
			ans := s.TriggerScript[s.triggerUsed]
			s.triggerUsed++
			return line(ans), true
		}
		if s.triggerLeft > 0 {
			s.triggerLeft--
			return line("-1"), true
		}
		return line(strconv.Itoa(s.TriggerPos)), true
	case verb == ":WAV:SOUR":
		s.source = arg
	case verb == ":WAV:STAR":
		s.start, _ = strconv.Atoi(arg)
	case verb == ":WAV:STOP":
		s.stop, _ = strconv.Atoi(arg)
	case verb == ":WAV:PRE?":
		ch := s.Channels[s.source]
		if ch == nil {
			return line("0,0,0,1,0,0,0,0,0,0"), true
		}
		return line(fmt.Sprintf("0,2,%d,1,1.000000e-09,-6.000000e-06,0,%s,%s,%s",
			len(ch.Codes),
			strconv.FormatFloat(ch.YIncrement, 'g', -1, 64),
			strconv.FormatFloat(ch.YOrigin, 'g', -1, 64),
			strconv.FormatFloat(ch.YReference, 'g', -1, 64))), true
	case verb == ":WAV:DATA?":
		var data []byte
		if ch := s.Channels[s.source]; ch != nil && s.start <= s.stop && s.stop < len(ch.Codes) {
			data = ch.Codes[s.start : s.stop+1]
		}
		if s.MaxBlock > 0 && len(data) > s.MaxBlock {
			data = data[:s.MaxBlock]
		}
		block := make([]byte, 0, 11+len(data)+1)
		block = append(block, fmt.Sprintf("#9%09d", len(data))...)
		block = append(block, data...)
		block = append(block, '\n')
		return block, true
	}
	return nil, false
}

func line(s string) []byte {
	return []byte(s + "\n")
}
