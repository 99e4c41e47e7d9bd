package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/codedeck/codedeck/internal/common/logger"
	"github.com/codedeck/codedeck/internal/events/bus"
	"github.com/codedeck/codedeck/internal/session/executor"
	"github.com/codedeck/codedeck/internal/session/models"
	"github.com/codedeck/codedeck/internal/session/reconciler"
	"github.com/codedeck/codedeck/internal/session/registry"
	"github.com/codedeck/codedeck/internal/session/service"
	"github.com/codedeck/codedeck/internal/session/store"
)

func setupTestRouter(t *testing.T) (*gin.Engine, *store.MemoryStore) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	st := store.NewMemoryStore()
	reg := registry.New(log)
	// Rounds spawned by handlers fail fast instead of launching anything.
	exe := executor.New(filepath.Join(t.TempDir(), "missing-agent"), reg, log)
	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)

	root := t.TempDir()
	svc := service.New(st, reg, exe, eventBus, root, time.Second, log)
	reconcilers := map[models.AgentKind]*reconciler.Reconciler{
		models.AgentKindClaude: reconciler.New(st, eventBus, root, models.AgentKindClaude, time.Second, log),
	}

	router := gin.New()
	SetupRoutes(router.Group("/api/v1"), svc, reconcilers, log)
	return router, st
}

func seedProject(t *testing.T, st *store.MemoryStore) {
	t.Helper()
	project := &models.Project{ID: "p1", Name: "demo", Path: "/home/dev/demo", OwnerID: "u1"}
	if err := st.CreateProject(context.Background(), project); err != nil {
		t.Fatal(err)
	}
}

func seedSession(t *testing.T, st *store.MemoryStore, id string, state models.SessionState) {
	t.Helper()
	session := &models.Session{
		ID: id, ProjectID: "p1", OwnerID: "u1",
		AgentKind: models.AgentKindClaude, SessionType: models.SessionTypeChat,
		State: state,
	}
	if err := st.CreateSession(context.Background(), session); err != nil {
		t.Fatal(err)
	}
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHandler_CreateSession(t *testing.T) {
	router, st := setupTestRouter(t)
	seedProject(t, st)

	w := doJSON(t, router, http.MethodPost, "/api/v1/sessions", CreateSessionRequest{
		ProjectID: "p1",
		OwnerID:   "u1",
		AgentKind: "claude",
		Prompt:    "fix the bug",
	})

	if w.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", w.Code, w.Body.String())
	}
	var resp SessionResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if resp.State != string(models.SessionStateWorking) {
		t.Errorf("expected working state, got %s", resp.State)
	}
	if resp.TranscriptPath == "" {
		t.Error("expected transcript path to be resolved")
	}
}

func TestHandler_CreateSessionProjectNotFound(t *testing.T) {
	router, _ := setupTestRouter(t)

	w := doJSON(t, router, http.MethodPost, "/api/v1/sessions", CreateSessionRequest{
		ProjectID: "ghost",
		OwnerID:   "u1",
		AgentKind: "claude",
		Prompt:    "hello",
	})

	if w.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandler_CreateSessionValidation(t *testing.T) {
	router, _ := setupTestRouter(t)

	w := doJSON(t, router, http.MethodPost, "/api/v1/sessions", map[string]string{"project_id": "p1"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400 for missing fields, got %d", w.Code)
	}
}

func TestHandler_GetSession(t *testing.T) {
	router, st := setupTestRouter(t)
	seedProject(t, st)
	seedSession(t, st, "s1", models.SessionStateIdle)

	w := doJSON(t, router, http.MethodGet, "/api/v1/sessions/s1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(t, router, http.MethodGet, "/api/v1/sessions/ghost", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", w.Code)
	}
}

func TestHandler_CancelSessionRaceReturnsSuccess(t *testing.T) {
	router, st := setupTestRouter(t)
	seedProject(t, st)
	seedSession(t, st, "s1", models.SessionStateWorking)

	w := doJSON(t, router, http.MethodPost, "/api/v1/sessions/s1/cancel", CancelSessionRequest{OwnerID: "u1"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp CancelSessionResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if !resp.Success {
		t.Error("expected success true")
	}

	row, _ := st.GetSession(context.Background(), "s1")
	if row.State != models.SessionStateIdle {
		t.Errorf("expected idle row after cancel, got %s", row.State)
	}
}

func TestHandler_CancelSessionRejections(t *testing.T) {
	router, st := setupTestRouter(t)
	seedProject(t, st)
	seedSession(t, st, "idle-row", models.SessionStateIdle)
	seedSession(t, st, "working-row", models.SessionStateWorking)

	w := doJSON(t, router, http.MethodPost, "/api/v1/sessions/idle-row/cancel", CancelSessionRequest{OwnerID: "u1"})
	if w.Code != http.StatusConflict {
		t.Errorf("expected status 409 for idle session, got %d", w.Code)
	}

	w = doJSON(t, router, http.MethodPost, "/api/v1/sessions/working-row/cancel", CancelSessionRequest{OwnerID: "intruder"})
	if w.Code != http.StatusForbidden {
		t.Errorf("expected status 403 for wrong owner, got %d", w.Code)
	}

	w = doJSON(t, router, http.MethodPost, "/api/v1/sessions/ghost/cancel", CancelSessionRequest{OwnerID: "u1"})
	if w.Code != http.StatusNotFound {
		t.Errorf("expected status 404 for missing session, got %d", w.Code)
	}
}

func TestHandler_ListSessions(t *testing.T) {
	router, st := setupTestRouter(t)
	seedProject(t, st)
	seedSession(t, st, "visible", models.SessionStateIdle)
	internal := &models.Session{
		ID: "hidden", ProjectID: "p1", OwnerID: "u1",
		AgentKind: models.AgentKindClaude, SessionType: models.SessionTypeInternal,
		State: models.SessionStateIdle,
	}
	if err := st.CreateSession(context.Background(), internal); err != nil {
		t.Fatal(err)
	}

	w := doJSON(t, router, http.MethodGet, "/api/v1/projects/p1/sessions", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp SessionsListResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Total != 1 {
		t.Errorf("expected internal session hidden by default, got %d rows", resp.Total)
	}

	w = doJSON(t, router, http.MethodGet, "/api/v1/projects/p1/sessions?include_internal=true", nil)
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Total != 2 {
		t.Errorf("expected 2 rows with include_internal, got %d", resp.Total)
	}
}

func TestHandler_SyncSessions(t *testing.T) {
	router, st := setupTestRouter(t)
	seedProject(t, st)

	w := doJSON(t, router, http.MethodPost, "/api/v1/projects/p1/sessions/sync", SyncSessionsRequest{OwnerID: "u1"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp SyncSessionsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	// No transcript directory exists for a fresh project.
	if resp.Synced != 0 || resp.Created != 0 || resp.Updated != 0 {
		t.Errorf("expected zero counts, got %+v", resp)
	}

	w = doJSON(t, router, http.MethodPost, "/api/v1/projects/p1/sessions/sync", SyncSessionsRequest{OwnerID: "u1", AgentKind: "codex"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400 for unconfigured agent kind, got %d", w.Code)
	}
}

func TestHandler_Projects(t *testing.T) {
	router, _ := setupTestRouter(t)

	w := doJSON(t, router, http.MethodPost, "/api/v1/projects", CreateProjectRequest{
		Name:    "demo",
		Path:    "/home/dev/demo",
		OwnerID: "u1",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(t, router, http.MethodGet, "/api/v1/projects", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	var resp ProjectsListResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Total != 1 {
		t.Errorf("expected one project, got %d", resp.Total)
	}
}

func TestHandler_ArchiveSession(t *testing.T) {
	router, st := setupTestRouter(t)
	seedProject(t, st)
	seedSession(t, st, "s1", models.SessionStateIdle)

	w := doJSON(t, router, http.MethodPost, "/api/v1/sessions/s1/archive", ArchiveSessionRequest{OwnerID: "u1"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp SessionResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if !resp.IsArchived {
		t.Error("expected archived session in response")
	}
}
