// Package stimulus supplies the payloads that make the target device run
// the operation being measured, and delivers them over its serial line.
package stimulus

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// DefaultPayloads are sent when no payload file is configured.
var DefaultPayloads = []string{"PLOP\n", "plap\n"}

// StaticSource yields a fixed list of payloads in order.
type StaticSource struct {
	payloads []string
	next     int
}

// NewStaticSource copies payloads; an empty list is exhausted immediately.
func NewStaticSource(payloads ...string) *StaticSource {
	return &StaticSource{payloads: append([]string(nil), payloads...)}
}

// Next returns the next payload, or ok=false once all have been handed out.
func (s *StaticSource) Next() (string, bool, error) {
	if s.next >= len(s.payloads) {
		return "", false, nil
	}
	p := s.payloads[s.next]
	s.next++
	return p, true, nil
}

// Len is the total number of payloads.
func (s *StaticSource) Len() int { return len(s.payloads) }

// LoadFile reads one payload per line. Each payload keeps a trailing "\n",
// the framing the target firmware reads up to. Blank lines and lines
// starting with '#' are skipped.
func LoadFile(path string) (*StaticSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open payload file: %w", err)
	}
	defer f.Close()

	var payloads []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if strings.TrimSpace(line) == "" || strings.HasPrefix(line, "#") {
			continue
		}
		payloads = append(payloads, line+"\n")
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read payload file %s: %w", path, err)
	}
	return NewStaticSource(payloads...), nil
}
