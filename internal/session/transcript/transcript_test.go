package transcript

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestMungeProjectPath(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"/home/dev/my-project", "-home-dev-my-project"},
		{"/srv/app.v2", "-srv-app-v2"},
		{"relative/path", "relative-path"},
	}
	for _, tt := range tests {
		if got := MungeProjectPath(tt.in); got != tt.want {
			t.Errorf("MungeProjectPath(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFileForSession(t *testing.T) {
	got := FileForSession("/root/transcripts", "/home/dev/demo", "abc123")
	want := filepath.Join("/root/transcripts", "-home-dev-demo", "abc123.jsonl")
	if got != want {
		t.Errorf("FileForSession = %q, want %q", got, want)
	}
}

func TestIsSessionFile(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"abc123.jsonl", true},
		{"agent-abc123.jsonl", false},
		{"abc123.txt", false},
		{"notes.md", false},
	}
	for _, tt := range tests {
		if got := IsSessionFile(tt.name); got != tt.want {
			t.Errorf("IsSessionFile(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

const sampleTranscript = `{"type":"summary","summary":"irrelevant"}
{"type":"user","timestamp":"2024-06-01T10:00:00Z","message":{"role":"user","content":"fix the login bug\nplease"}}
not valid json at all
{"type":"assistant","timestamp":"2024-06-01T10:00:30Z","message":{"role":"assistant","content":[{"type":"text","text":"Looking at it now."}],"usage":{"input_tokens":150,"output_tokens":42}}}
{"type":"assistant","timestamp":"2024-06-01T10:01:10Z","message":{"role":"assistant","content":[{"type":"text","text":"Done."}],"usage":{"input_tokens":10,"output_tokens":5}}}
`

func writeTranscript(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestParseFile(t *testing.T) {
	path := writeTranscript(t, t.TempDir(), "abc123.jsonl", sampleTranscript)

	meta, err := ParseFile(path)
	if err != nil {
		t.Fatalf("ParseFile failed: %v", err)
	}

	if meta.SessionID != "abc123" {
		t.Errorf("session id = %q", meta.SessionID)
	}
	wantCreated := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	if !meta.CreatedAt.Equal(wantCreated) {
		t.Errorf("created at = %v, want %v", meta.CreatedAt, wantCreated)
	}
	wantLast := time.Date(2024, 6, 1, 10, 1, 10, 0, time.UTC)
	if !meta.LastMessageAt.Equal(wantLast) {
		t.Errorf("last message at = %v, want %v", meta.LastMessageAt, wantLast)
	}
	if meta.MessageCount != 3 {
		t.Errorf("message count = %d, want 3 (summary and bad line skipped)", meta.MessageCount)
	}
	if meta.InputTokens != 160 || meta.OutputTokens != 47 {
		t.Errorf("token totals = %d/%d, want 160/47", meta.InputTokens, meta.OutputTokens)
	}
	if meta.Preview != "fix the login bug" {
		t.Errorf("preview = %q", meta.Preview)
	}
}

func TestParseFileEmpty(t *testing.T) {
	path := writeTranscript(t, t.TempDir(), "empty.jsonl", "")
	if _, err := ParseFile(path); err == nil {
		t.Error("expected error for transcript with no entries")
	}
}

func TestParseFileMissing(t *testing.T) {
	if _, err := ParseFile(filepath.Join(t.TempDir(), "nope.jsonl")); err == nil {
		t.Error("expected error for missing file")
	}
}
