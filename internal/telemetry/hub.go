package telemetry

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/rjboer/tracecap/internal/logging"
)

const defaultHistoryLimit = 500

// Hub collects capture history and fans out summaries to subscribers.
type Hub struct {
	mu           sync.RWMutex
	history      []CaptureSummary
	historyLimit int
	subscribers  map[chan CaptureSummary]struct{}
	logger       logging.Logger
}

// NewHub builds a telemetry hub keeping at most historyLimit summaries.
func NewHub(historyLimit int, logger logging.Logger) *Hub {
	if historyLimit <= 0 {
		historyLimit = defaultHistoryLimit
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Hub{
		historyLimit: historyLimit,
		subscribers:  make(map[chan CaptureSummary]struct{}),
		logger:       logger.With(logging.Field{Key: "subsystem", Value: "telemetry"}),
	}
}

// Report implements Reporter and records a new summary. Slow subscribers
// miss updates rather than block the acquisition loop.
func (h *Hub) Report(sum CaptureSummary) {
	h.mu.Lock()
	h.history = append(h.history, sum)
	if len(h.history) > h.historyLimit {
		h.history = h.history[len(h.history)-h.historyLimit:]
	}
	for ch := range h.subscribers {
		select {
		case ch <- sum:
		default:
			h.logger.Debug("dropped live update", logging.Field{Key: "capture", Value: sum.Index})
		}
	}
	h.mu.Unlock()
}

// History returns a copy of stored summaries, oldest first.
func (h *Hub) History() []CaptureSummary {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]CaptureSummary, len(h.history))
	copy(out, h.history)
	return out
}

// Subscribe registers a listener for live updates.
func (h *Hub) Subscribe() (chan CaptureSummary, func()) {
	ch := make(chan CaptureSummary, 16)
	h.mu.Lock()
	h.subscribers[ch] = struct{}{}
	h.mu.Unlock()
	cancel := func() {
		h.mu.Lock()
		delete(h.subscribers, ch)
		close(ch)
		h.mu.Unlock()
	}
	return ch, cancel
}

func (h *Hub) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(h.History())
}

func (h *Hub) handleLive(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, cancel := h.Subscribe()
	defer cancel()

	// send existing history for immediate display
	for _, sum := range h.History() {
		writeEvent(w, sum)
	}
	flusher.Flush()

	for {
		select {
		case sum, ok := <-ch:
			if !ok {
				return
			}
			writeEvent(w, sum)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func writeEvent(w http.ResponseWriter, sum CaptureSummary) {
	payload, _ := json.Marshal(sum)
	w.Write([]byte("data: "))
	w.Write(payload)
	w.Write([]byte("\n\n"))
}
