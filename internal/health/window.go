package health

import (
	"time"

	"github.com/kiranshivaraju/gpufleet/pkg/models"
)

// window is a fixed-size rolling record of recent probes for one node.
type window struct {
	records []models.HealthRecord
	next    int
	full    bool
}

func newWindow(size int) *window {
	if size < 1 {
		size = 1
	}
	return &window{records: make([]models.HealthRecord, size)}
}

func (w *window) add(r models.HealthRecord) {
	w.records[w.next] = r
	w.next = (w.next + 1) % len(w.records)
	if w.next == 0 {
		w.full = true
	}
}

func (w *window) len() int {
	if w.full {
		return len(w.records)
	}
	return w.next
}

// stats summarizes the window. Latency is averaged over probes that answered.
func (w *window) stats() (mean time.Duration, successRate, errorRate float64) {
	n := w.len()
	if n == 0 {
		return 0, 0, 0
	}
	var answered, failed int
	var total time.Duration
	for i := 0; i < n; i++ {
		r := w.records[i]
		if r.Outcome.Failed() {
			failed++
			continue
		}
		answered++
		total += r.Latency
	}
	if answered > 0 {
		mean = total / time.Duration(answered)
	}
	return mean, float64(answered) / float64(n), float64(failed) / float64(n)
}

// recent returns the records oldest first.
func (w *window) recent() []models.HealthRecord {
	n := w.len()
	out := make([]models.HealthRecord, 0, n)
	start := 0
	if w.full {
		start = w.next
	}
	for i := 0; i < n; i++ {
		out = append(out, w.records[(start+i)%len(w.records)])
	}
	return out
}
