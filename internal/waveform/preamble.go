package waveform

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/rjboer/tracecap/internal/scpi"
)

// Preamble describes how to interpret one channel's waveform data.
//
// The instrument answers :WAV:PRE? with ten comma separated fields:
//
//	format,type,points,count,xincrement,xorigin,xreference,yincrement,yorigin,yreference
//
// Only points and the three y fields are needed to rescale a trace; the rest
// are kept when they parse and left zero otherwise.
type Preamble struct {
	Format     int
	Type       int
	Points     int // memory depth
	Count      int
	XIncrement float64
	XOrigin    float64
	XReference float64
	YIncrement float64 // volts per ADC code
	YOrigin    float64
	YReference float64
}

const (
	fieldFormat = iota
	fieldType
	fieldPoints
	fieldCount
	fieldXIncrement
	fieldXOrigin
	fieldXReference
	fieldYIncrement
	fieldYOrigin
	fieldYReference

	preambleFields
)

// ParsePreamble parses a :WAV:PRE? answer. A missing or unparsable core
// field yields a *scpi.ProtocolError wrapping scpi.ErrMalformedResponse.
func ParsePreamble(s string) (Preamble, error) {
	fields := strings.Split(strings.TrimSpace(s), ",")
	if len(fields) < preambleFields {
		return Preamble{}, scpi.Malformed("preamble", PreambleQuery,
			fmt.Errorf("%d fields, want %d", len(fields), preambleFields))
	}
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}

	var (
		p   Preamble
		err error
	)
	if p.Points, err = parseCount(fields[fieldPoints]); err != nil {
		return Preamble{}, scpi.Malformed("preamble", PreambleQuery, fmt.Errorf("points: %w", err))
	}
	if p.YIncrement, err = strconv.ParseFloat(fields[fieldYIncrement], 64); err != nil {
		return Preamble{}, scpi.Malformed("preamble", PreambleQuery, fmt.Errorf("yincrement: %w", err))
	}
	if p.YOrigin, err = strconv.ParseFloat(fields[fieldYOrigin], 64); err != nil {
		return Preamble{}, scpi.Malformed("preamble", PreambleQuery, fmt.Errorf("yorigin: %w", err))
	}
	if p.YReference, err = strconv.ParseFloat(fields[fieldYReference], 64); err != nil {
		return Preamble{}, scpi.Malformed("preamble", PreambleQuery, fmt.Errorf("yreference: %w", err))
	}

	p.Format, _ = strconv.Atoi(fields[fieldFormat])
	p.Type, _ = strconv.Atoi(fields[fieldType])
	p.Count, _ = strconv.Atoi(fields[fieldCount])
	p.XIncrement, _ = strconv.ParseFloat(fields[fieldXIncrement], 64)
	p.XOrigin, _ = strconv.ParseFloat(fields[fieldXOrigin], 64)
	p.XReference, _ = strconv.ParseFloat(fields[fieldXReference], 64)
	return p, nil
}

// parseCount accepts "1200000" as well as "1.200000e+06".
func parseCount(s string) (int, error) {
	if n, err := strconv.Atoi(s); err == nil {
		if n < 0 {
			return 0, fmt.Errorf("negative count %d", n)
		}
		return n, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	if f < 0 || f != math.Trunc(f) || f > math.MaxInt32 {
		return 0, fmt.Errorf("not a point count: %q", s)
	}
	return int(f), nil
}
