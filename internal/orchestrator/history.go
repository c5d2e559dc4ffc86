package orchestrator

import (
	"sync"
	"time"

	"github.com/jmylchreest/captcha-broker/internal/challenge"
)

// historySize is the number of recent solves kept in memory.
const historySize = 100

// SolveRecord describes one finished Solve call.
type SolveRecord struct {
	ID        string         `json:"id"`
	Type      challenge.Type `json:"type"`
	Provider  string         `json:"provider,omitempty"`
	Attempted []string       `json:"attempted,omitempty"`
	Success   bool           `json:"success"`
	Duration  time.Duration  `json:"durationNs"`
	Error     string         `json:"error,omitempty"`
	At        time.Time      `json:"at"`
}

// Stats aggregates every Solve call since start or the last reset.
type Stats struct {
	Total     int64                    `json:"total"`
	Succeeded int64                    `json:"succeeded"`
	Failed    int64                    `json:"failed"`
	ByType    map[challenge.Type]int64 `json:"byType"`
}

// history is a fixed-size ring of SolveRecords plus running totals.
type history struct {
	mu      sync.Mutex
	records []SolveRecord
	next    int
	full    bool
	stats   Stats
}

func newHistory() *history {
	return &history{
		records: make([]SolveRecord, historySize),
		stats:   Stats{ByType: make(map[challenge.Type]int64)},
	}
}

func (h *history) add(r SolveRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.records[h.next] = r
	h.next = (h.next + 1) % len(h.records)
	if h.next == 0 {
		h.full = true
	}

	h.stats.Total++
	if r.Success {
		h.stats.Succeeded++
	} else {
		h.stats.Failed++
	}
	h.stats.ByType[r.Type]++
}

// recent returns the stored records, newest first.
func (h *history) recent() []SolveRecord {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := h.next
	if h.full {
		n = len(h.records)
	}
	out := make([]SolveRecord, 0, n)
	for i := 1; i <= n; i++ {
		idx := (h.next - i + len(h.records)) % len(h.records)
		out = append(out, h.records[idx])
	}
	return out
}

func (h *history) snapshot() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := h.stats
	out.ByType = make(map[challenge.Type]int64, len(h.stats.ByType))
	for k, v := range h.stats.ByType {
		out.ByType[k] = v
	}
	return out
}

func (h *history) reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	clear(h.records)
	h.next = 0
	h.full = false
	h.stats = Stats{ByType: make(map[challenge.Type]int64)}
}
