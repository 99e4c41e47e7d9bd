package registry

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/codedeck/codedeck/internal/common/logger"
)

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	return New(log)
}

func TestSetGetClearProcess(t *testing.T) {
	reg := testRegistry(t)
	cmd := exec.Command("true")

	if _, ok := reg.GetProcess("s1"); ok {
		t.Fatal("expected no process before SetProcess")
	}

	reg.SetProcess("s1", cmd)
	got, ok := reg.GetProcess("s1")
	if !ok || got != cmd {
		t.Fatalf("expected registered process, got %v ok=%v", got, ok)
	}

	reg.ClearProcess("s1")
	if _, ok := reg.GetProcess("s1"); ok {
		t.Fatal("expected no process after ClearProcess")
	}
}

func TestClearProcessPreservesTransientFields(t *testing.T) {
	reg := testRegistry(t)
	reg.SetProcess("s1", exec.Command("true"))
	reg.Update("s1", func(rec *Record) {
		rec.Cancelled = true
	})
	reg.AddTempDir("s1", "/tmp/does-not-matter")

	reg.ClearProcess("s1")

	rec, ok := reg.Get("s1")
	if !ok {
		t.Fatal("expected record to survive ClearProcess")
	}
	if rec.Handle != nil {
		t.Error("expected handle to be cleared")
	}
	if !rec.Cancelled {
		t.Error("expected cancelled flag to survive ClearProcess")
	}
	if len(rec.TempDirs) != 1 {
		t.Errorf("expected temp dirs to survive ClearProcess, got %v", rec.TempDirs)
	}
}

func TestClearRemovesWholeRecord(t *testing.T) {
	reg := testRegistry(t)
	reg.Update("s1", func(rec *Record) {
		rec.Cancelled = true
	})

	reg.Clear("s1")

	if _, ok := reg.Get("s1"); ok {
		t.Fatal("expected no record after Clear")
	}
}

func TestUpdateCreatesRecord(t *testing.T) {
	reg := testRegistry(t)
	reg.Update("s1", func(rec *Record) {
		rec.Cancelled = true
	})

	rec, ok := reg.Get("s1")
	if !ok || !rec.Cancelled {
		t.Fatalf("expected cancelled record, got %+v ok=%v", rec, ok)
	}
}

func TestGetReturnsSnapshot(t *testing.T) {
	reg := testRegistry(t)
	reg.AddTempDir("s1", "/tmp/a")

	rec, _ := reg.Get("s1")
	rec.TempDirs[0] = "/tmp/mutated"
	rec.Cancelled = true

	fresh, _ := reg.Get("s1")
	if fresh.TempDirs[0] != "/tmp/a" {
		t.Errorf("snapshot mutation leaked into registry: %v", fresh.TempDirs)
	}
	if fresh.Cancelled {
		t.Error("snapshot mutation leaked into registry record")
	}
}

func TestCleanupTempDirs(t *testing.T) {
	reg := testRegistry(t)
	dir := filepath.Join(t.TempDir(), "staged")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	reg.AddTempDir("s1", dir)

	reg.CleanupTempDirs("s1")

	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("expected %s to be removed, stat err: %v", dir, err)
	}
	rec, _ := reg.Get("s1")
	if len(rec.TempDirs) != 0 {
		t.Errorf("expected temp dirs to be forgotten, got %v", rec.TempDirs)
	}
}

func TestActiveSessionIDs(t *testing.T) {
	reg := testRegistry(t)
	reg.SetProcess("live", exec.Command("true"))
	reg.Update("flag-only", func(rec *Record) {
		rec.Cancelled = true
	})

	ids := reg.ActiveSessionIDs()
	if len(ids) != 1 || ids[0] != "live" {
		t.Errorf("expected only the live session, got %v", ids)
	}
}

func TestConcurrentAccessDifferentKeys(t *testing.T) {
	reg := testRegistry(t)
	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func(n int) {
			defer func() { done <- struct{}{} }()
			id := string(rune('a' + n))
			for j := 0; j < 100; j++ {
				reg.SetProcess(id, nil)
				reg.Update(id, func(rec *Record) { rec.Cancelled = !rec.Cancelled })
				reg.Get(id)
				reg.ClearProcess(id)
			}
			reg.Clear(id)
		}(i)
	}
	for i := 0; i < 8; i++ {
		<-done
	}
}
