package gateway

import (
	"fmt"
	"net/http"
	"runtime"
	"sort"

	"github.com/basket/go-relay/internal/persistence"
)

// handleMetrics writes a Prometheus text snapshot of task and pool state.
// Latency histograms go through the OpenTelemetry exporter instead.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	counts, err := s.cfg.Store.TaskCounts(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	mem := &runtime.MemStats{}
	runtime.ReadMemStats(mem)

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	fmt.Fprintf(w, "# HELP gorelay_tasks Number of tasks per status.\n")
	fmt.Fprintf(w, "# TYPE gorelay_tasks gauge\n")
	statuses := make([]string, 0, len(counts))
	for st := range counts {
		statuses = append(statuses, string(st))
	}
	sort.Strings(statuses)
	for _, st := range statuses {
		fmt.Fprintf(w, "gorelay_tasks{status=%q} %d\n", st, counts[persistence.TaskStatus(st)])
	}

	if s.cfg.Pool != nil {
		st := s.cfg.Pool.Status()
		fmt.Fprintf(w, "# HELP gorelay_running_tasks Tasks currently holding a worker slot.\n")
		fmt.Fprintf(w, "# TYPE gorelay_running_tasks gauge\n")
		fmt.Fprintf(w, "gorelay_running_tasks %d\n", st.ActiveTasks)
		fmt.Fprintf(w, "# HELP gorelay_max_concurrent_tasks Worker slot count.\n")
		fmt.Fprintf(w, "# TYPE gorelay_max_concurrent_tasks gauge\n")
		fmt.Fprintf(w, "gorelay_max_concurrent_tasks %d\n", st.MaxConcurrent)
	}
	if s.cfg.Queue != nil {
		if n, err := s.cfg.Queue.Len(r.Context()); err == nil {
			fmt.Fprintf(w, "# HELP gorelay_queue_depth Task ids waiting in the queue.\n")
			fmt.Fprintf(w, "# TYPE gorelay_queue_depth gauge\n")
			fmt.Fprintf(w, "gorelay_queue_depth %d\n", n)
		}
	}
	if s.cfg.Bus != nil {
		fmt.Fprintf(w, "# HELP gorelay_stream_subscribers Live stream subscribers.\n")
		fmt.Fprintf(w, "# TYPE gorelay_stream_subscribers gauge\n")
		fmt.Fprintf(w, "gorelay_stream_subscribers %d\n", s.cfg.Bus.SubscriberCount())
		fmt.Fprintf(w, "# HELP gorelay_stream_dropped_total Events dropped for slow subscribers.\n")
		fmt.Fprintf(w, "# TYPE gorelay_stream_dropped_total counter\n")
		fmt.Fprintf(w, "gorelay_stream_dropped_total %d\n", s.cfg.Bus.Dropped())
	}
	fmt.Fprintf(w, "# HELP gorelay_alloc_bytes Current allocated memory in bytes.\n")
	fmt.Fprintf(w, "# TYPE gorelay_alloc_bytes gauge\n")
	fmt.Fprintf(w, "gorelay_alloc_bytes %d\n", mem.Alloc)
}
