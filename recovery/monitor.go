package recovery

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
)

// Monitor maintains the shared counters of a recovery run. Workers
// post per-unit deltas concurrently; every counter is updated
// atomically. A plain-text snapshot is written to stats.txt at
// shutdown and, when a port is configured, served over HTTP.
type Monitor struct {
	typ string

	iteratedKeys     int64
	diffKeys         int64
	transferredKeys  int64
	transferredBytes int64
	failedKeys       int64
	failedUnits      int64

	srv *http.Server
}

// NewMonitor produces a Monitor labeling its counters with the
// recovery type (merge or dc).
func NewMonitor(typ string) *Monitor {
	return &Monitor{typ: typ}
}

func (m *Monitor) AddIterated(n int64)         { atomic.AddInt64(&m.iteratedKeys, n) }
func (m *Monitor) AddDiff(n int64)             { atomic.AddInt64(&m.diffKeys, n) }
func (m *Monitor) AddTransferred(keys int64)   { atomic.AddInt64(&m.transferredKeys, keys) }
func (m *Monitor) AddTransferredBytes(n int64) { atomic.AddInt64(&m.transferredBytes, n) }
func (m *Monitor) AddFailed(n int64)           { atomic.AddInt64(&m.failedKeys, n) }
func (m *Monitor) AddFailedUnit()              { atomic.AddInt64(&m.failedUnits, 1) }

// Snapshot renders the counters as plain text.
func (m *Monitor) Snapshot() string {
	var sb strings.Builder
	for _, c := range []struct {
		name  string
		value *int64
	}{
		{"iterated_keys", &m.iteratedKeys},
		{"diff_keys", &m.diffKeys},
		{"transferred_keys", &m.transferredKeys},
		{"transferred_bytes", &m.transferredBytes},
		{"failed_keys", &m.failedKeys},
		{"failed_units", &m.failedUnits},
	} {
		fmt.Fprintf(&sb, "%s.%s: %d\n", m.typ, c.name, atomic.LoadInt64(c.value))
	}
	return sb.String()
}

// WriteFile writes the snapshot to stats.txt under dir.
func (m *Monitor) WriteFile(dir string) error {
	return os.WriteFile(filepath.Join(dir, "stats.txt"), []byte(m.Snapshot()), 0644)
}

// Serve starts a passive HTTP endpoint on the given port, serving
// the current snapshot at / and /stats.txt.
func (m *Monitor) Serve(port int) {
	mux := http.NewServeMux()
	serve := func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprint(w, m.Snapshot())
	}
	mux.HandleFunc("/", serve)
	mux.HandleFunc("/stats.txt", serve)

	m.srv = &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}
	go func() {
		if err := m.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("monitor: %s", err)
		}
	}()
}

// Close stops the HTTP endpoint if one is running.
func (m *Monitor) Close() {
	if m.srv != nil {
		m.srv.Close()
	}
}
