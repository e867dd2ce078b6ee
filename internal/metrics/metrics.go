// Package metrics tracks every live tunnel session and rolls closed
// sessions into lifetime counters, exposed via a PrintAllState-style
// dump.
//
// Grounded on machine/machine.go's PrintAllState (a plain
// fmt.Fprintln dump of activeConnectionCount /
// allDownloadBytesSinceStart / allUploadBytesSinceStart plus one line
// per live listener/client) and machine/apiServer.go:91, which wires
// that dump straight to an http.ResponseWriter behind /api/allstate.
package metrics

import (
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/nullbind/vlessway/internal/tunnel"
)

// Registry is the process-wide session tracker. The zero value is not
// usable; construct with NewRegistry.
type Registry struct {
	mu       sync.Mutex
	sessions map[uint64]*entry
	nextID   uint64

	totalSessions       int64
	lifetimeBytesUp     int64
	lifetimeBytesDown   int64
	lifetimePacketsUp   int64
	lifetimePacketsDown int64
}

type entry struct {
	remote string
	stats  *tunnel.Stats
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[uint64]*entry)}
}

// Track registers a session as active and returns a handle to pass to
// Untrack once the session ends. remote is a free-form label (e.g.
// the peer's address) shown in the dump.
func (r *Registry) Track(remote string, stats *tunnel.Stats) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	id := r.nextID
	r.sessions[id] = &entry{remote: remote, stats: stats}
	r.totalSessions++
	return id
}

// Untrack folds a finished session's counters into the lifetime totals
// and stops tracking it as active.
func (r *Registry) Untrack(id uint64) {
	r.mu.Lock()
	e, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	atomic.AddInt64(&r.lifetimeBytesUp, e.stats.BytesUp())
	atomic.AddInt64(&r.lifetimeBytesDown, e.stats.BytesDown())
	atomic.AddInt64(&r.lifetimePacketsUp, e.stats.PacketsUp())
	atomic.AddInt64(&r.lifetimePacketsDown, e.stats.PacketsDown())
}

// ActiveCount returns the number of sessions currently tracked.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// PrintAllState writes a plain-text snapshot of lifetime and
// currently-active traffic counters to w, one fact per line, in the
// same shape as machine.go's PrintAllState.
func (r *Registry) PrintAllState(w io.Writer) {
	r.mu.Lock()
	ids := make([]uint64, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	activeUp, activeDown := int64(0), int64(0)
	rows := make([]string, 0, len(ids))
	for _, id := range ids {
		e := r.sessions[id]
		activeUp += e.stats.BytesUp()
		activeDown += e.stats.BytesDown()
		rows = append(rows, fmt.Sprintf("session %d remote=%s bytesUp=%d bytesDown=%d",
			id, e.remote, e.stats.BytesUp(), e.stats.BytesDown()))
	}
	activeCount := len(ids)
	total := r.totalSessions
	lifetimeUp := atomic.LoadInt64(&r.lifetimeBytesUp) + activeUp
	lifetimeDown := atomic.LoadInt64(&r.lifetimeBytesDown) + activeDown
	r.mu.Unlock()

	fmt.Fprintln(w, "activeConnectionCount", activeCount)
	fmt.Fprintln(w, "totalConnectionCount", total)
	fmt.Fprintln(w, "allUploadBytesSinceStart", lifetimeUp)
	fmt.Fprintln(w, "allDownloadBytesSinceStart", lifetimeDown)
	for _, row := range rows {
		fmt.Fprintln(w, row)
	}
}
