package runtime

import (
	"net/http"
	"sync"

	"github.com/drblury/relaybench/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/relaybench/internal/runtime/logging"
	"github.com/drblury/relaybench/internal/runtime/perf"
)

// reportSource holds what /report serves: a live view while a run is in
// progress and the finalized snapshot afterwards.
type reportSource struct {
	mu   sync.RWMutex
	live func() perf.Snapshot
	last *perf.Snapshot
}

func (r *reportSource) setLive(fn func() perf.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.live = fn
	r.last = nil
}

func (r *reportSource) setFinal(s perf.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.live = nil
	r.last = &s
}

func (r *reportSource) current() (perf.Snapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	switch {
	case r.last != nil:
		return *r.last, true
	case r.live != nil:
		return r.live(), true
	default:
		return perf.Snapshot{}, false
	}
}

// LastReport returns the report of the current or most recent run.
func (s *Service) LastReport() (perf.Snapshot, bool) {
	return s.report.current()
}

func (s *Service) reportHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		snap, ok := s.report.current()
		if !ok {
			http.Error(w, "no run has been started", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := jsoncodec.Encode(w, snap); err != nil {
			s.Logger.Error("Failed to write report", err, loggingpkg.LogFields{"test_run_id": snap.TestRunID})
		}
	})
}
