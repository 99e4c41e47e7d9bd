package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/codedeck/codedeck/internal/session/models"
)

func testSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatalf("failed to open sqlite store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteStore_SessionRoundTrip(t *testing.T) {
	s := testSQLiteStore(t)
	ctx := context.Background()
	seedProject(t, s)

	lastMsg := time.Date(2024, 5, 2, 9, 30, 0, 0, time.UTC)
	session := newSession("s1", models.AgentKindClaude)
	session.SessionType = models.SessionTypeChat
	session.TranscriptPath = "/tmp/s1.jsonl"
	session.Metadata = models.SessionMetadata{
		MessageCount:  3,
		InputTokens:   120,
		OutputTokens:  450,
		LastMessageAt: &lastMsg,
		Preview:       "fix the flaky test",
	}
	if err := s.CreateSession(ctx, session); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	got, err := s.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got.TranscriptPath != "/tmp/s1.jsonl" {
		t.Errorf("unexpected transcript path %q", got.TranscriptPath)
	}
	if got.Metadata.MessageCount != 3 || got.Metadata.Preview != "fix the flaky test" {
		t.Errorf("metadata did not round-trip: %+v", got.Metadata)
	}
	if got.Metadata.LastMessageAt == nil || !got.Metadata.LastMessageAt.Equal(lastMsg) {
		t.Errorf("last message timestamp did not round-trip: %v", got.Metadata.LastMessageAt)
	}

	if err := s.CreateSession(ctx, newSession("s1", models.AgentKindClaude)); !IsDuplicate(err) {
		t.Errorf("expected duplicate error, got %v", err)
	}
}

func TestSQLiteStore_CreateSessionsRollsBackOnConflict(t *testing.T) {
	s := testSQLiteStore(t)
	ctx := context.Background()
	seedProject(t, s)

	if err := s.CreateSession(ctx, newSession("dup", models.AgentKindClaude)); err != nil {
		t.Fatal(err)
	}

	batch := []*models.Session{
		newSession("fresh-1", models.AgentKindClaude),
		newSession("dup", models.AgentKindClaude),
	}
	if err := s.CreateSessions(ctx, batch); !IsDuplicate(err) {
		t.Fatalf("expected duplicate error, got %v", err)
	}
	if _, err := s.GetSession(ctx, "fresh-1"); !IsNotFound(err) {
		t.Errorf("expected rollback to remove fresh-1, got %v", err)
	}
}

func TestSQLiteStore_UpdateSessionFields(t *testing.T) {
	s := testSQLiteStore(t)
	ctx := context.Background()
	seedProject(t, s)
	if err := s.CreateSession(ctx, newSession("s1", models.AgentKindClaude)); err != nil {
		t.Fatal(err)
	}

	if err := s.UpdateSessionFields(ctx, "s1", map[string]interface{}{
		"state":               models.SessionStateError,
		"error_message":       "agent crashed",
		"external_session_id": "ext-9",
	}); err != nil {
		t.Fatalf("UpdateSessionFields failed: %v", err)
	}
	got, _ := s.GetSession(ctx, "s1")
	if got.State != models.SessionStateError || got.ErrorMessage != "agent crashed" || got.ExternalSessionID != "ext-9" {
		t.Errorf("unexpected row: %+v", got)
	}

	want := time.Date(2023, 11, 20, 8, 0, 0, 0, time.UTC)
	if err := s.UpdateSessionFields(ctx, "s1", map[string]interface{}{"created_at": want}); err != nil {
		t.Fatal(err)
	}
	got, _ = s.GetSession(ctx, "s1")
	if !got.CreatedAt.Equal(want) {
		t.Errorf("expected created_at %v, got %v", want, got.CreatedAt)
	}

	if err := s.UpdateSessionFields(ctx, "missing", map[string]interface{}{"state": "idle"}); !IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestSQLiteStore_ListFiltersMatchMemoryStore(t *testing.T) {
	s := testSQLiteStore(t)
	ctx := context.Background()
	seedProject(t, s)

	internal := newSession("internal", models.AgentKindClaude)
	internal.SessionType = models.SessionTypeInternal
	archived := newSession("archived", models.AgentKindClaude)
	archived.IsArchived = true
	for _, sess := range []*models.Session{newSession("chat", models.AgentKindClaude), internal, archived, newSession("codex", models.AgentKindCodex)} {
		if err := s.CreateSession(ctx, sess); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.ListSessionsByProject(ctx, "p1", SessionFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Errorf("default filter: expected 2 rows, got %d", len(got))
	}

	got, _ = s.ListSessionsByProject(ctx, "p1", SessionFilter{AgentKind: models.AgentKindClaude, IncludeInternal: true, IncludeArchived: true})
	if len(got) != 3 {
		t.Errorf("claude inclusive filter: expected 3 rows, got %d", len(got))
	}

	ids, err := s.ListSessionIDsByProject(ctx, "p1")
	if err != nil || len(ids) != 4 {
		t.Errorf("expected 4 ids, got %v err %v", ids, err)
	}
}

func TestSQLiteStore_Projects(t *testing.T) {
	s := testSQLiteStore(t)
	ctx := context.Background()

	seedProject(t, s)
	if err := s.CreateProject(ctx, &models.Project{ID: "p1"}); !IsDuplicate(err) {
		t.Errorf("expected duplicate error, got %v", err)
	}
	if _, err := s.GetProject(ctx, "nope"); !IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}
	all, err := s.ListProjects(ctx)
	if err != nil || len(all) != 1 || all[0].Path != "/home/dev/demo" {
		t.Errorf("unexpected projects %v err %v", all, err)
	}
}
