package telemetry

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rjboer/tracecap/internal/logging"
)

func newTestHub(limit int) *Hub {
	return NewHub(limit, logging.New(logging.Debug, logging.Text, io.Discard))
}

func TestHubHistoryLimit(t *testing.T) {
	hub := newTestHub(3)
	for i := 0; i < 5; i++ {
		hub.Report(CaptureSummary{Index: i})
	}
	got := hub.History()
	if len(got) != 3 {
		t.Fatalf("expected 3 summaries, got %d", len(got))
	}
	if got[0].Index != 2 || got[2].Index != 4 {
		t.Fatalf("expected oldest entries trimmed, got %+v", got)
	}
}

func TestHandleHistory(t *testing.T) {
	hub := newTestHub(10)
	hub.Report(CaptureSummary{Index: 7, ID: "abc", Channels: []ChannelStats{{Channel: "CHAN1", Points: 4}}})

	rr := httptest.NewRecorder()
	hub.handleHistory(rr, httptest.NewRequest(http.MethodGet, "/api/history", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	var resp []CaptureSummary
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp) != 1 || resp[0].ID != "abc" || resp[0].Channels[0].Channel != "CHAN1" {
		t.Fatalf("unexpected history: %+v", resp)
	}
}

func TestHandleHistoryMethodNotAllowed(t *testing.T) {
	hub := newTestHub(10)
	rr := httptest.NewRecorder()
	hub.handleHistory(rr, httptest.NewRequest(http.MethodPost, "/api/history", nil))
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rr.Code)
	}
}

func TestHandleLiveStreamsHistoryAndUpdates(t *testing.T) {
	hub := newTestHub(10)
	hub.Report(CaptureSummary{Index: 1})

	srv := httptest.NewServer(NewHandler(hub))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/live", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("live request: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	r := bufio.NewReader(resp.Body)
	first := readEvent(t, r)
	if first.Index != 1 {
		t.Fatalf("expected history replay, got %+v", first)
	}

	// the handler subscribes before replaying history, so this is delivered live
	hub.Report(CaptureSummary{Index: 2})
	second := readEvent(t, r)
	if second.Index != 2 {
		t.Fatalf("expected live update, got %+v", second)
	}
}

func readEvent(t *testing.T, r *bufio.Reader) CaptureSummary {
	t.Helper()
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read event: %v", err)
		}
		data, ok := strings.CutPrefix(strings.TrimSpace(line), "data: ")
		if !ok {
			continue
		}
		var sum CaptureSummary
		if err := json.Unmarshal([]byte(data), &sum); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		return sum
	}
}

func TestMetricsAndHealthEndpoints(t *testing.T) {
	CapturesTotal.Inc()
	h := NewHandler(nil)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 from /metrics, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "tracecap_captures_total") {
		t.Fatal("expected tracecap_captures_total in metrics output")
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "ok") {
		t.Fatalf("unexpected health response %d %q", rr.Code, rr.Body.String())
	}
}

func TestStatsOf(t *testing.T) {
	s := StatsOf("CHAN1", []float64{1, 2, 3, 4})
	if s.Points != 4 || s.Min != 1 || s.Max != 4 || s.Mean != 2.5 {
		t.Fatalf("unexpected stats %+v", s)
	}
	if math.Abs(s.StdDev-1.2909944487358056) > 1e-12 {
		t.Fatalf("unexpected stddev %v", s.StdDev)
	}

	if s := StatsOf("CHAN2", nil); s.Points != 0 || s.Min != 0 || s.Max != 0 {
		t.Fatalf("expected zero stats for empty trace, got %+v", s)
	}
	if s := StatsOf("CHAN3", []float64{5}); s.StdDev != 0 || s.Mean != 5 {
		t.Fatalf("expected single sample stats, got %+v", s)
	}
}

type recordingReporter struct{ got []CaptureSummary }

func (r *recordingReporter) Report(sum CaptureSummary) { r.got = append(r.got, sum) }

func TestMultiReporterSkipsNil(t *testing.T) {
	a, b := &recordingReporter{}, &recordingReporter{}
	MultiReporter{a, nil, b}.Report(CaptureSummary{Index: 3})
	if len(a.got) != 1 || len(b.got) != 1 {
		t.Fatalf("expected both reporters called, got %d and %d", len(a.got), len(b.got))
	}
}
