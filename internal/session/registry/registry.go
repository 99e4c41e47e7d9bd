// Package registry tracks live agent processes per session.
//
// The registry is the only piece of shared mutable state in the session core.
// One execution owns one session at a time, so concurrent writes to the same
// key are not expected, but many sessions run concurrently and access to
// different keys must not interfere. It is injected as a dependency into the
// executor and the lifecycle service so both can be tested without spawning
// real processes.
package registry

import (
	"os"
	"os/exec"
	"sync"

	"go.uber.org/zap"

	"github.com/codedeck/codedeck/internal/common/logger"
)

// Record holds the transient execution state for one session.
type Record struct {
	// Handle is the live agent process, nil once cleared.
	Handle *exec.Cmd
	// Cancelled is set before the process is killed so the executor can
	// reclassify the resulting exit as a non-error.
	Cancelled bool
	// TempDirs are transient resource paths (e.g. staged image uploads) that
	// must be removed however execution ends.
	TempDirs []string
}

// Registry is a process-wide table of live executions keyed by the internal
// session id (the tracking id, not the id passed to the external tool).
type Registry struct {
	mu      sync.RWMutex
	records map[string]*Record
	logger  *logger.Logger
}

// New creates an empty registry.
func New(log *logger.Logger) *Registry {
	return &Registry{
		records: make(map[string]*Record),
		logger:  log.WithFields(zap.String("component", "process-registry")),
	}
}

// SetProcess registers or overwrites the live handle for a session.
func (r *Registry) SetProcess(sessionID string, cmd *exec.Cmd) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[sessionID]
	if !ok {
		rec = &Record{}
		r.records[sessionID] = rec
	}
	rec.Handle = cmd
	r.logger.Debug("registered process", zap.String("session_id", sessionID))
}

// GetProcess returns the live handle for a session, if any.
func (r *Registry) GetProcess(sessionID string) (*exec.Cmd, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[sessionID]
	if !ok || rec.Handle == nil {
		return nil, false
	}
	return rec.Handle, true
}

// ClearProcess removes the handle entry but preserves the other transient
// fields (cancelled flag, temp dirs) until the record is cleared explicitly.
func (r *Registry) ClearProcess(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, ok := r.records[sessionID]; ok {
		rec.Handle = nil
		r.logger.Debug("cleared process handle", zap.String("session_id", sessionID))
	}
}

// Update merges transient fields into a session's record without requiring
// the caller to read-modify-write the whole record. The record is created if
// it does not exist yet.
func (r *Registry) Update(sessionID string, fn func(*Record)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[sessionID]
	if !ok {
		rec = &Record{}
		r.records[sessionID] = rec
	}
	fn(rec)
}

// Get returns a snapshot copy of the full transient record for a session.
func (r *Registry) Get(sessionID string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[sessionID]
	if !ok {
		return Record{}, false
	}
	snapshot := *rec
	snapshot.TempDirs = append([]string(nil), rec.TempDirs...)
	return snapshot, true
}

// Clear removes the whole record for a session.
func (r *Registry) Clear(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.records, sessionID)
}

// AddTempDir records a transient directory to be removed when the session's
// execution finishes.
func (r *Registry) AddTempDir(sessionID, dir string) {
	r.Update(sessionID, func(rec *Record) {
		rec.TempDirs = append(rec.TempDirs, dir)
	})
}

// CleanupTempDirs removes and forgets all transient directories for a session.
// Removal errors are logged, not returned: cleanup is best-effort and must
// never fail an execution result.
func (r *Registry) CleanupTempDirs(sessionID string) {
	r.mu.Lock()
	rec, ok := r.records[sessionID]
	var dirs []string
	if ok {
		dirs = rec.TempDirs
		rec.TempDirs = nil
	}
	r.mu.Unlock()

	for _, dir := range dirs {
		if err := os.RemoveAll(dir); err != nil {
			r.logger.Warn("failed to remove temp dir",
				zap.String("session_id", sessionID),
				zap.String("dir", dir),
				zap.Error(err))
		}
	}
}

// ActiveSessionIDs returns the ids of all sessions with a live handle.
// Used during shutdown to terminate everything still running.
func (r *Registry) ActiveSessionIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.records))
	for id, rec := range r.records {
		if rec.Handle != nil {
			ids = append(ids, id)
		}
	}
	return ids
}
