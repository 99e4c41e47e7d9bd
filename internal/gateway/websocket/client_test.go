package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	gorilla "github.com/gorilla/websocket"

	"github.com/codedeck/codedeck/internal/common/logger"
	"github.com/codedeck/codedeck/internal/events"
	"github.com/codedeck/codedeck/internal/events/bus"
	"github.com/codedeck/codedeck/internal/session/executor"
	"github.com/codedeck/codedeck/internal/session/models"
	"github.com/codedeck/codedeck/internal/session/registry"
	"github.com/codedeck/codedeck/internal/session/service"
	"github.com/codedeck/codedeck/internal/session/store"
)

func setupGateway(t *testing.T) (*httptest.Server, *bus.MemoryEventBus) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	st := store.NewMemoryStore()
	reg := registry.New(log)
	exe := executor.New(filepath.Join(t.TempDir(), "missing-agent"), reg, log)
	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)

	svc := service.New(st, reg, exe, eventBus, t.TempDir(), time.Second, log)

	ctx := context.Background()
	if err := st.CreateProject(ctx, &models.Project{ID: "p1", Name: "demo", Path: "/home/dev/demo"}); err != nil {
		t.Fatal(err)
	}
	if err := st.CreateSession(ctx, &models.Session{
		ID: "s1", ProjectID: "p1", OwnerID: "u1",
		AgentKind: models.AgentKindClaude, SessionType: models.SessionTypeChat,
		State: models.SessionStateIdle,
	}); err != nil {
		t.Fatal(err)
	}

	router := gin.New()
	handler := NewHandler(svc, eventBus, log)
	router.GET("/ws/sessions/:sessionId", handler.Serve)

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return server, eventBus
}

func TestServeForwardsSessionEvents(t *testing.T) {
	server, eventBus := setupGateway(t)

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws/sessions/s1"
	conn, _, err := gorilla.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	// The subscription goes live just after the upgrade completes; republish
	// until the feed picks it up.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		for {
			event := bus.NewEvent(events.MessageComplete, "test", map[string]interface{}{
				"session_id": "s1",
				"cancelled":  true,
			})
			_ = eventBus.Publish(context.Background(), events.BuildSessionSubject("s1"), event)
			select {
			case <-stop:
				return
			case <-ticker.C:
			}
		}
	}()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("expected forwarded event, read failed: %v", err)
	}

	var got bus.Event
	if err := json.Unmarshal(payload, &got); err != nil {
		t.Fatalf("forwarded payload is not an event: %v", err)
	}
	if got.Type != events.MessageComplete {
		t.Errorf("expected %s, got %s", events.MessageComplete, got.Type)
	}
	if got.Data["cancelled"] != true {
		t.Errorf("expected cancelled flag, got %v", got.Data)
	}
}

func TestServeRejectsUnknownSession(t *testing.T) {
	server, _ := setupGateway(t)

	resp, err := http.Get(server.URL + "/ws/sessions/ghost")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected status 404 before upgrade, got %d", resp.StatusCode)
	}
}
