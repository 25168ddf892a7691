package ops

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"cinebot/internal/runtime/supervisor"
)

// Check reports whether a dependency is usable.
type Check func(ctx context.Context) error

// Health aggregates named checks and supervisor snapshots for /healthz.
type Health struct {
	mu     sync.RWMutex
	checks map[string]Check
	sups   map[string]func() *supervisor.Supervisor
}

func NewHealth() *Health {
	return &Health{checks: map[string]Check{}, sups: map[string]func() *supervisor.Supervisor{}}
}

func (h *Health) AddCheck(name string, c Check) {
	h.mu.Lock()
	h.checks[name] = c
	h.mu.Unlock()
}

// AddSupervisor registers a lookup, since some supervisors only exist while
// their component runs.
func (h *Health) AddSupervisor(name string, get func() *supervisor.Supervisor) {
	h.mu.Lock()
	h.sups[name] = get
	h.mu.Unlock()
}

type Report struct {
	OK          bool                           `json:"ok"`
	Checks      map[string]string              `json:"checks"`
	Supervisors map[string]supervisor.Snapshot `json:"supervisors"`
}

func (h *Health) Report(ctx context.Context) Report {
	h.mu.RLock()
	names := make([]string, 0, len(h.checks))
	for n := range h.checks {
		names = append(names, n)
	}
	checks := make(map[string]Check, len(h.checks))
	for n, c := range h.checks {
		checks[n] = c
	}
	sups := make(map[string]func() *supervisor.Supervisor, len(h.sups))
	for n, s := range h.sups {
		sups[n] = s
	}
	h.mu.RUnlock()
	sort.Strings(names)

	r := Report{OK: true, Checks: map[string]string{}, Supervisors: map[string]supervisor.Snapshot{}}
	for _, n := range names {
		cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := checks[n](cctx)
		cancel()
		if err != nil {
			r.OK = false
			r.Checks[n] = err.Error()
			continue
		}
		r.Checks[n] = "ok"
	}
	for n, get := range sups {
		if s := get(); s != nil {
			snap := s.Snapshot()
			if snap.FirstError != "" {
				r.OK = false
			}
			r.Supervisors[n] = snap
		}
	}
	return r
}

func (h *Health) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rep := h.Report(r.Context())
	w.Header().Set("Content-Type", "application/json")
	if !rep.OK {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(rep)
}
