// Package reconciler heals drift between the durable store and the
// transcript files the external agent writes on its own.
//
// Reconciliation is one-way: it creates rows for transcripts the store does
// not know about and corrects drifted creation timestamps, but it never
// deletes. A row without a transcript file is not provably obsolete: it may
// be a programmatically created workflow session, or a round currently in
// flight whose file has not appeared yet.
package reconciler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/codedeck/codedeck/internal/common/logger"
	"github.com/codedeck/codedeck/internal/events"
	"github.com/codedeck/codedeck/internal/events/bus"
	"github.com/codedeck/codedeck/internal/session/models"
	"github.com/codedeck/codedeck/internal/session/store"
	"github.com/codedeck/codedeck/internal/session/transcript"
)

// eventSource identifies the reconciler on the event bus.
const eventSource = "session-reconciler"

// Counts reports the outcome of one sync: files parsed, rows inserted,
// rows corrected.
type Counts struct {
	Synced  int `json:"synced"`
	Created int `json:"created"`
	Updated int `json:"updated"`
}

// Reconciler scans one agent kind's transcript directory per project.
// Each agent kind has its own storage convention and its own reconciler
// instance.
type Reconciler struct {
	store          store.Store
	bus            bus.EventBus
	logger         *logger.Logger
	transcriptRoot string
	agentKind      models.AgentKind
	tolerance      time.Duration
}

// New creates a reconciler for one agent kind. tolerance bounds how far the
// stored created_at may drift from the transcript's recorded creation time
// before a correction is queued.
func New(st store.Store, eventBus bus.EventBus, transcriptRoot string, agentKind models.AgentKind, tolerance time.Duration, log *logger.Logger) *Reconciler {
	return &Reconciler{
		store:          st,
		bus:            eventBus,
		logger:         log.WithFields(zap.String("component", "reconciler"), zap.String("agent_kind", string(agentKind))),
		transcriptRoot: transcriptRoot,
		agentKind:      agentKind,
		tolerance:      tolerance,
	}
}

// createdAtCorrection is one queued timestamp fix.
type createdAtCorrection struct {
	sessionID string
	createdAt time.Time
}

// SyncProjectSessions reconciles one project's transcript directory against
// the store.
//
// The scan reads store state once, computes a plan, then applies it. It is
// not serialized against a concurrent scan of the same project; the per-row
// insert fallback that skips duplicates is the conflict resolution. A
// missing directory yields zero counts and no error; any other filesystem
// failure propagates.
func (r *Reconciler) SyncProjectSessions(ctx context.Context, projectID, ownerID string) (Counts, error) {
	log := r.logger.WithProjectID(projectID)

	project, err := r.store.GetProject(ctx, projectID)
	if err != nil {
		return Counts{}, err
	}

	dir := transcript.DirForProject(r.transcriptRoot, project.Path)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			log.Debug("transcript directory absent, nothing to sync", zap.String("dir", dir))
			return Counts{}, nil
		}
		return Counts{}, err
	}

	existing, err := r.store.ListSessionsByProject(ctx, projectID, store.SessionFilter{
		AgentKind:       r.agentKind,
		IncludeInternal: true,
		IncludeArchived: true,
	})
	if err != nil {
		return Counts{}, err
	}
	byID := make(map[string]*models.Session, len(existing))
	for _, s := range existing {
		byID[s.ID] = s
	}

	// Ids across all agent kinds, to detect cross-agent collisions.
	allIDs, err := r.store.ListSessionIDsByProject(ctx, projectID)
	if err != nil {
		return Counts{}, err
	}

	var counts Counts
	var toCreate []*models.Session
	var corrections []createdAtCorrection

	for _, entry := range entries {
		if entry.IsDir() || !transcript.IsSessionFile(entry.Name()) {
			continue
		}

		meta, err := transcript.ParseFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			// A file deleted since ReadDir is fine, and one bad file must
			// not abort the scan. A filesystem failure, such as a permission
			// error, is neither: it hides state the scan needs.
			var pathErr *os.PathError
			if errors.As(err, &pathErr) && !os.IsNotExist(err) {
				return counts, err
			}
			log.Warn("skipping unparseable transcript",
				zap.String("file", entry.Name()), zap.Error(err))
			continue
		}
		counts.Synced++

		if row, ok := byID[meta.SessionID]; ok {
			if !meta.CreatedAt.IsZero() && absDuration(row.CreatedAt.Sub(meta.CreatedAt)) > r.tolerance {
				corrections = append(corrections, createdAtCorrection{
					sessionID: row.ID,
					createdAt: meta.CreatedAt,
				})
			}
			continue
		}

		if kind, ok := allIDs[meta.SessionID]; ok && kind != r.agentKind {
			// Same id under another agent kind. Legitimate collision, skip.
			log.Debug("skipping cross-agent id collision",
				zap.String("session_id", meta.SessionID),
				zap.String("existing_kind", string(kind)))
			continue
		}

		toCreate = append(toCreate, r.newDiscoveredSession(project, ownerID, meta, filepath.Join(dir, entry.Name())))
	}

	created, err := r.insertDiscovered(ctx, toCreate)
	if err != nil {
		return counts, err
	}
	counts.Created = created

	for _, c := range corrections {
		if err := r.store.UpdateSessionFields(ctx, c.sessionID, map[string]interface{}{
			"created_at": c.createdAt,
		}); err != nil {
			log.Warn("failed to correct created_at",
				zap.String("session_id", c.sessionID), zap.Error(err))
			continue
		}
		counts.Updated++
	}

	log.Info("project sessions synced",
		zap.Int("synced", counts.Synced),
		zap.Int("created", counts.Created),
		zap.Int("updated", counts.Updated))
	r.publishSynced(ctx, projectID, counts)
	return counts, nil
}

// newDiscoveredSession builds the row for a transcript the store does not
// know about. Discovered sessions are idle: whatever execution produced the
// file is not tracked by this process.
func (r *Reconciler) newDiscoveredSession(project *models.Project, ownerID string, meta *transcript.Meta, path string) *models.Session {
	session := &models.Session{
		ID:                meta.SessionID,
		ProjectID:         project.ID,
		OwnerID:           ownerID,
		AgentKind:         r.agentKind,
		SessionType:       models.SessionTypeChat,
		State:             models.SessionStateIdle,
		ExternalSessionID: meta.SessionID,
		TranscriptPath:    path,
		Metadata: models.SessionMetadata{
			MessageCount: meta.MessageCount,
			InputTokens:  meta.InputTokens,
			OutputTokens: meta.OutputTokens,
			Preview:      meta.Preview,
		},
		CreatedAt: meta.CreatedAt,
	}
	if !meta.LastMessageAt.IsZero() {
		t := meta.LastMessageAt
		session.Metadata.LastMessageAt = &t
	}
	return session
}

// insertDiscovered tries one batch insert, then falls back to per-row
// inserts skipping duplicates. A concurrent sync of the same project races
// to insert the same rows; losing that race is not an error.
func (r *Reconciler) insertDiscovered(ctx context.Context, rows []*models.Session) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	if err := r.store.CreateSessions(ctx, rows); err == nil {
		return len(rows), nil
	} else if !store.IsDuplicate(err) {
		return 0, err
	}

	created := 0
	for _, row := range rows {
		if err := r.store.CreateSession(ctx, row); err != nil {
			if store.IsDuplicate(err) {
				continue
			}
			return created, err
		}
		created++
	}
	return created, nil
}

func (r *Reconciler) publishSynced(ctx context.Context, projectID string, counts Counts) {
	event := bus.NewEvent(events.ProjectSessionsSynced, eventSource, map[string]interface{}{
		"project_id": projectID,
		"synced":     counts.Synced,
		"created":    counts.Created,
		"updated":    counts.Updated,
	})
	if err := r.bus.Publish(ctx, events.BuildProjectSubject(projectID), event); err != nil {
		r.logger.Warn("failed to publish sync event",
			zap.String("project_id", projectID), zap.Error(err))
	}
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
