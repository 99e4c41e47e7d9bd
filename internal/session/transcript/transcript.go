// Package transcript knows the on-disk layout and format of the files the
// external agent writes, one per external session id.
//
// Layout: <root>/<munged-project-path>/<session-id>.jsonl, where the munged
// form of a project path replaces every '/' and '.' with '-'. Files whose
// basename starts with "agent-" are auxiliary and do not correspond to
// sessions.
package transcript

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Extension is the transcript file extension, including the dot.
const Extension = ".jsonl"

// auxiliaryPrefix marks non-session files the agent keeps alongside
// transcripts.
const auxiliaryPrefix = "agent-"

// maxLineBytes bounds one transcript line. Tool results can be large.
const maxLineBytes = 1024 * 1024

// MungeProjectPath converts an absolute project path into the directory name
// the agent uses under its transcript root.
func MungeProjectPath(projectPath string) string {
	munged := strings.ReplaceAll(projectPath, "/", "-")
	return strings.ReplaceAll(munged, ".", "-")
}

// DirForProject returns the transcript directory for a project path.
func DirForProject(root, projectPath string) string {
	return filepath.Join(root, MungeProjectPath(projectPath))
}

// FileForSession returns the transcript file path for a session of a project.
func FileForSession(root, projectPath, sessionID string) string {
	return filepath.Join(DirForProject(root, projectPath), sessionID+Extension)
}

// IsSessionFile reports whether name (a bare filename) is a session
// transcript, as opposed to an auxiliary file or something unrelated.
func IsSessionFile(name string) bool {
	return strings.HasSuffix(name, Extension) && !strings.HasPrefix(name, auxiliaryPrefix)
}

// SessionIDFromFilename strips the extension from a transcript filename.
func SessionIDFromFilename(name string) string {
	return strings.TrimSuffix(name, Extension)
}

// Meta is the lightweight metadata extracted from one transcript file.
type Meta struct {
	SessionID     string
	CreatedAt     time.Time
	LastMessageAt time.Time
	MessageCount  int
	InputTokens   int
	OutputTokens  int
	Preview       string
}

// entry is the subset of a transcript line the reconciler cares about.
type entry struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
	Message   struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
		Usage   struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	} `json:"message"`
}

// ParseFile extracts Meta from one transcript file. The first parseable
// timestamp becomes CreatedAt; the last becomes LastMessageAt. Malformed
// lines are skipped. A file with no usable entries is an error so the
// caller can skip it.
func ParseFile(path string) (*Meta, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	meta := &Meta{SessionID: SessionIDFromFilename(filepath.Base(path))}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e entry
		if err := json.Unmarshal(line, &e); err != nil {
			continue
		}
		if e.Type != "user" && e.Type != "assistant" {
			continue
		}

		if ts, err := time.Parse(time.RFC3339, e.Timestamp); err == nil {
			if meta.CreatedAt.IsZero() {
				meta.CreatedAt = ts
			}
			meta.LastMessageAt = ts
		}

		meta.MessageCount++
		meta.InputTokens += e.Message.Usage.InputTokens
		meta.OutputTokens += e.Message.Usage.OutputTokens

		if meta.Preview == "" && e.Type == "user" {
			meta.Preview = previewFromContent(e.Message.Content)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if meta.MessageCount == 0 {
		return nil, fmt.Errorf("transcript %s has no message entries", path)
	}
	return meta, nil
}

// previewFromContent extracts a short text preview from a message content
// field, which is either a plain string or an array of content blocks.
func previewFromContent(raw json.RawMessage) string {
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return truncatePreview(asString)
	}

	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &blocks); err == nil {
		for _, b := range blocks {
			if b.Type == "text" && b.Text != "" {
				return truncatePreview(b.Text)
			}
		}
	}
	return ""
}

func truncatePreview(s string) string {
	s = strings.TrimSpace(s)
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		s = s[:idx]
	}
	const max = 120
	if len(s) > max {
		s = s[:max]
	}
	return s
}
