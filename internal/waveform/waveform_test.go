package waveform

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rjboer/tracecap/internal/logging"
	"github.com/rjboer/tracecap/internal/scpi"
)

func TestRescaleLiteralScenario(t *testing.T) {
	p, err := ParsePreamble("0,2,1000,1,1e-09,0,0,0.5,10,2")
	require.NoError(t, err)
	require.Equal(t, 1000, p.Points)
	require.Equal(t, 0.5, p.YIncrement)
	require.Equal(t, 10.0, p.YOrigin)
	require.Equal(t, 2.0, p.YReference)

	got := Rescale([]byte{138}, p)
	require.Equal(t, []float64{63.0}, got)
}

func TestRescaleEveryCode(t *testing.T) {
	p := Preamble{YIncrement: 0.0125, YOrigin: -3, YReference: 127}
	codes := make([]byte, 256)
	for i := range codes {
		codes[255-i] = byte(i) // reversed to catch reordering
	}
	got := Rescale(codes, p)
	require.Len(t, got, len(codes))
	for i, c := range codes {
		want := (float64(c) - p.YOrigin - p.YReference) * p.YIncrement
		require.Equal(t, math.Float64bits(want), math.Float64bits(got[i]), "code %d at %d", c, i)
	}
}

func TestParsePreambleIgnoresNonCoreFields(t *testing.T) {
	p, err := ParsePreamble("x,y,1000,z,a,b,c,0.5,10,2,extra")
	require.NoError(t, err)
	require.Equal(t, Preamble{Points: 1000, YIncrement: 0.5, YOrigin: 10, YReference: 2}, p)
}

func TestParsePreambleScientificPoints(t *testing.T) {
	p, err := ParsePreamble("0,2,1.200000e+06,1,1.000000e-09,-6.000000e-03,0,4.000000e-02,0,127")
	require.NoError(t, err)
	require.Equal(t, 1200000, p.Points)
	require.Equal(t, 1e-9, p.XIncrement)
	require.Equal(t, 127.0, p.YReference)
}

func TestParsePreambleMalformed(t *testing.T) {
	for _, in := range []string{
		"",
		"0,2,1000",
		"0,2,many,1,0,0,0,0.5,10,2",
		"0,2,1000,1,0,0,0,half,10,2",
		"0,2,1000,1,0,0,0,0.5,,2",
		"0,2,-5,1,0,0,0,0.5,10,2",
	} {
		_, err := ParsePreamble(in)
		require.ErrorIs(t, err, scpi.ErrMalformedResponse, "input %q", in)
		var perr *scpi.ProtocolError
		require.True(t, errors.As(err, &perr), "input %q", in)
	}
}

func TestPlanChunksThreeChunks(t *testing.T) {
	chunks := PlanChunks(0, 600000, DefaultChunkSize)
	require.Equal(t, []Chunk{
		{Start: 0, Stop: 249999},
		{Start: 250000, Stop: 499999},
		{Start: 500000, Stop: 599999},
	}, chunks)
	require.Equal(t, 250000, chunks[0].Len())
	require.Equal(t, 250000, chunks[1].Len())
	require.Equal(t, 100000, chunks[2].Len())
}

func TestPlanChunksReassembly(t *testing.T) {
	const k = DefaultChunkSize
	cases := []struct{ start, depth int }{
		{0, 1}, {0, 12000}, {0, 250000}, {0, 250001}, {1, 250001},
		{123456, 600000}, {599999, 600000}, {17, 24000000},
	}
	for _, tc := range cases {
		chunks := PlanChunks(tc.start, tc.depth, k)
		total := 0
		for i, c := range chunks {
			require.Equal(t, tc.start+i*k, c.Start, "case %+v chunk %d", tc, i)
			require.LessOrEqual(t, c.Len(), k)
			total += c.Len()
		}
		require.Equal(t, tc.depth-tc.start, total, "case %+v", tc)
		require.Equal(t, tc.depth-1, chunks[len(chunks)-1].Stop, "case %+v", tc)
	}
}

func TestPlanChunksEmpty(t *testing.T) {
	require.Nil(t, PlanChunks(1000, 1000, DefaultChunkSize))
	require.Nil(t, PlanChunks(0, 0, DefaultChunkSize))
	require.Nil(t, PlanChunks(0, 1000, 0))
	require.Nil(t, PlanChunks(-1, 1000, 10))
}

// memoryScope serves :WAV:DATA? from an in-memory buffer.
type memoryScope struct {
	preamble    string
	memory      []byte
	maxBlock    int
	start, stop int
	log         []string
}

func (m *memoryScope) Write(_ context.Context, cmd string) error {
	m.log = append(m.log, cmd)
	fmt.Sscanf(cmd, StartCommand, &m.start)
	fmt.Sscanf(cmd, StopCommand, &m.stop)
	return nil
}

func (m *memoryScope) Query(_ context.Context, cmd string) (string, error) {
	m.log = append(m.log, cmd)
	return m.preamble, nil
}

func (m *memoryScope) QueryRaw(_ context.Context, cmd string) ([]byte, error) {
	m.log = append(m.log, cmd)
	data := m.memory[m.start : m.stop+1]
	if m.maxBlock > 0 && len(data) > m.maxBlock {
		data = data[:m.maxBlock]
	}
	return append([]byte(fmt.Sprintf("#9%09d", len(data))), data...), nil
}

func newMemoryScope(depth int) *memoryScope {
	mem := make([]byte, depth)
	for i := range mem {
		mem[i] = byte(i % 251)
	}
	return &memoryScope{
		preamble: fmt.Sprintf("0,2,%d,1,1e-09,0,0,0.04,0,127", depth),
		memory:   mem,
	}
}

func TestReaderCommandSequence(t *testing.T) {
	scope := newMemoryScope(600000)
	r := NewReader(scope, Config{}, logging.Discard())

	trace, err := r.Read(context.Background(), "CHAN2", 0)
	require.NoError(t, err)
	require.Equal(t, "CHAN2", trace.Channel)
	require.Len(t, trace.Samples, 600000)

	require.Equal(t, []string{
		":WAV:SOUR CHAN2", ":WAV:MODE RAW", ":WAV:FORM BYTE", ":WAV:PRE?",
		":WAV:STAR 0", ":WAV:STOP 249999", ":WAV:DATA?",
		":WAV:STAR 250000", ":WAV:STOP 499999", ":WAV:DATA?",
		":WAV:STAR 500000", ":WAV:STOP 599999", ":WAV:DATA?",
	}, scope.log)

	for _, i := range []int{0, 1, 249999, 250000, 599999} {
		want := (float64(scope.memory[i]) - 0 - 127) * 0.04
		require.Equal(t, want, trace.Samples[i], "sample %d", i)
	}
}

func TestReaderStartsAtTriggerOffset(t *testing.T) {
	scope := newMemoryScope(12000)
	r := NewReader(scope, Config{ChunkSize: 5000}, logging.Discard())

	codes, _, err := r.ReadCodes(context.Background(), "CHAN1", 1500)
	require.NoError(t, err)
	require.Equal(t, scope.memory[1500:], codes)
	require.Contains(t, scope.log, ":WAV:STAR 1500")
	require.Contains(t, scope.log, ":WAV:STOP 11999")
}

func TestReaderShortBlockDefaultKeepsShortTrace(t *testing.T) {
	scope := newMemoryScope(1000)
	scope.maxBlock = 400
	r := NewReader(scope, Config{ChunkSize: 500}, logging.Discard())

	trace, err := r.Read(context.Background(), "CHAN1", 0)
	require.NoError(t, err)
	require.Len(t, trace.Samples, 800)
}

func TestReaderShortBlockStrict(t *testing.T) {
	scope := newMemoryScope(1000)
	scope.maxBlock = 400
	r := NewReader(scope, Config{ChunkSize: 500, Strict: true}, logging.Discard())

	_, err := r.Read(context.Background(), "CHAN1", 0)
	require.ErrorIs(t, err, scpi.ErrShortBlock)
}

func TestReaderMalformedPreamble(t *testing.T) {
	scope := newMemoryScope(10)
	scope.preamble = ""
	r := NewReader(scope, Config{}, logging.Discard())

	_, err := r.Read(context.Background(), "CHAN1", 0)
	require.ErrorIs(t, err, scpi.ErrMalformedResponse)
	require.NotContains(t, scope.log, DataQuery)
}
