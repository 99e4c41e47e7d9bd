// Package executor spawns external agent processes and streams their events.
package executor

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/codedeck/codedeck/internal/common/logger"
	"github.com/codedeck/codedeck/internal/session/models"
	"github.com/codedeck/codedeck/internal/session/registry"
)

// maxEventLineBytes bounds a single stream event line. Tool results can be
// large, matching the transcript reader's limit.
const maxEventLineBytes = 1024 * 1024

// ImageAttachment is an uploaded image staged to disk for the agent to read.
type ImageAttachment struct {
	Name string
	Data []byte
}

// ExecuteConfig describes one execution round of an external agent.
type ExecuteConfig struct {
	AgentKind  models.AgentKind
	Prompt     string
	WorkingDir string

	// ProcessTrackingID keys the process registry. It is always the internal
	// session id, so cancellation operates on the session's own identity.
	ProcessTrackingID string
	// ExternalSessionID is the id passed to the spawned tool. It may differ
	// from ProcessTrackingID, e.g. when resuming a separate planning session.
	ExternalSessionID string

	Resume         bool
	PermissionMode string
	Model          string
	Images         []ImageAttachment

	// OnEvent is invoked for each streamed event as it arrives.
	OnEvent func(AgentEvent)
	// OnStart receives the live process handle immediately after spawn,
	// before any events are delivered.
	OnStart func(*exec.Cmd)
}

// Result is the outcome of one execution round.
type Result struct {
	Success           bool
	ExitCode          int
	ErrorMessage      string
	ExternalSessionID string
}

// Executor runs agent CLI processes for session rounds.
type Executor struct {
	binary   string
	registry *registry.Registry
	logger   *logger.Logger
}

// New creates an executor that spawns the given agent binary.
func New(binary string, reg *registry.Registry, log *logger.Logger) *Executor {
	return &Executor{
		binary:   binary,
		registry: reg,
		logger:   log.WithFields(zap.String("component", "agent-executor")),
	}
}

// Execute spawns the agent process for one round and blocks until it exits.
//
// The registry entry for cfg.ProcessTrackingID is always cleared before
// Execute returns, on success, failure and panic alike. A run whose transient
// record was marked cancelled is remapped to success: a user-initiated stop
// is the expected outcome of cancellation, not a failure. Errors never
// propagate to the caller as Go errors; they are captured in the Result.
func (e *Executor) Execute(ctx context.Context, cfg ExecuteConfig) (res Result) {
	log := e.logger.WithSessionID(cfg.ProcessTrackingID)

	defer func() {
		if rec := recover(); rec != nil {
			log.Error("agent execution panicked", zap.Any("panic", rec))
			res = Result{Success: false, ExitCode: 1, ErrorMessage: fmt.Sprintf("agent execution panicked: %v", rec)}
		}
		// Hard invariant: no registry leaks, whatever path got us here.
		e.registry.CleanupTempDirs(cfg.ProcessTrackingID)
		e.registry.ClearProcess(cfg.ProcessTrackingID)
	}()

	prompt := cfg.Prompt
	if len(cfg.Images) > 0 {
		imageDir, paths, err := e.stageImages(cfg)
		if err != nil {
			return Result{Success: false, ExitCode: 1, ErrorMessage: err.Error()}
		}
		e.registry.AddTempDir(cfg.ProcessTrackingID, imageDir)
		prompt = appendImagePaths(prompt, paths)
	}

	args := buildArgs(cfg)
	cmd := exec.CommandContext(ctx, e.binary, args...)
	cmd.Dir = cfg.WorkingDir
	cmd.Stdin = strings.NewReader(prompt)
	// New process group so cancellation can kill the whole subprocess tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Result{Success: false, ExitCode: 1, ErrorMessage: fmt.Sprintf("failed to attach stdout: %v", err)}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return Result{Success: false, ExitCode: 1, ErrorMessage: fmt.Sprintf("failed to attach stderr: %v", err)}
	}

	if err := cmd.Start(); err != nil {
		return Result{Success: false, ExitCode: 1, ErrorMessage: fmt.Sprintf("failed to start agent: %v", err)}
	}

	log.Debug("agent process started",
		zap.String("agent_kind", string(cfg.AgentKind)),
		zap.String("external_session_id", cfg.ExternalSessionID),
		zap.Int("pid", cmd.Process.Pid))

	if cfg.OnStart != nil {
		cfg.OnStart(cmd)
	}

	externalID := cfg.ExternalSessionID
	var resultEvent *AgentEvent
	var stderrTail string

	g := new(errgroup.Group)
	g.Go(func() error {
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), maxEventLineBytes)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			var event AgentEvent
			if err := json.Unmarshal(line, &event); err != nil {
				log.Warn("skipping malformed agent event", zap.Error(err))
				continue
			}
			event.Raw = append(json.RawMessage(nil), line...)
			if event.SessionID != "" {
				externalID = event.SessionID
			}
			if event.Type == EventTypeResult {
				ev := event
				resultEvent = &ev
			}
			if cfg.OnEvent != nil {
				cfg.OnEvent(event)
			}
		}
		return scanner.Err()
	})
	g.Go(func() error {
		stderrTail = readTail(stderr, 4096)
		return nil
	})

	streamErr := g.Wait()
	waitErr := cmd.Wait()

	exitCode := 0
	if waitErr != nil {
		exitCode = 1
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
				exitCode = status.ExitStatus()
			}
		}
	}

	// Cancellation wins over whatever exit the kill produced.
	if rec, ok := e.registry.Get(cfg.ProcessTrackingID); ok && rec.Cancelled {
		log.Info("agent execution cancelled by user")
		return Result{Success: true, ExitCode: 0, ExternalSessionID: externalID}
	}

	if waitErr != nil || (resultEvent != nil && resultEvent.IsError) {
		msg := buildErrorMessage(resultEvent, stderrTail, exitCode)
		log.Warn("agent execution failed",
			zap.Int("exit_code", exitCode),
			zap.String("error", msg),
			zap.Error(waitErr))
		if exitCode == 0 {
			exitCode = 1
		}
		return Result{Success: false, ExitCode: exitCode, ErrorMessage: msg, ExternalSessionID: externalID}
	}

	if streamErr != nil {
		log.Warn("agent stream read error", zap.Error(streamErr))
	}

	log.Debug("agent execution completed", zap.String("external_session_id", externalID))
	return Result{Success: true, ExitCode: 0, ExternalSessionID: externalID}
}

// KillGracefully terminates a running agent process: SIGTERM to the process
// group, wait up to grace for exit, then SIGKILL. Kill errors are swallowed;
// a process that is already dead is not a failure.
//
// Exit is detected by polling with signal 0 rather than Wait: the executor
// goroutine that spawned the process owns the real Wait, and reaping the
// child twice is an error.
func KillGracefully(cmd *exec.Cmd, grace time.Duration) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	pid := cmd.Process.Pid

	pgid, pgidErr := syscall.Getpgid(pid)
	if pgidErr == nil {
		_ = syscall.Kill(-pgid, syscall.SIGTERM)
	} else {
		_ = cmd.Process.Signal(syscall.SIGTERM)
	}

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if syscall.Kill(pid, 0) != nil {
			return // already reaped
		}
		time.Sleep(100 * time.Millisecond)
	}

	if pgidErr == nil {
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
	} else {
		_ = cmd.Process.Kill()
	}
}

// buildArgs assembles the agent CLI argument list for one round.
func buildArgs(cfg ExecuteConfig) []string {
	args := []string{"--print", "--output-format", "stream-json", "--verbose"}

	if cfg.Resume && cfg.ExternalSessionID != "" {
		args = append(args, "--resume", cfg.ExternalSessionID)
	} else if cfg.ExternalSessionID != "" {
		args = append(args, "--session-id", cfg.ExternalSessionID)
	}
	if cfg.PermissionMode != "" {
		args = append(args, "--permission-mode", cfg.PermissionMode)
	}
	if cfg.Model != "" {
		args = append(args, "--model", cfg.Model)
	}
	return args
}

// stageImages writes attachments into a fresh temp directory and returns its
// path plus the staged file paths. The caller registers the directory for
// cleanup regardless of how the round ends.
func (e *Executor) stageImages(cfg ExecuteConfig) (string, []string, error) {
	dir, err := os.MkdirTemp("", "codedeck-images-")
	if err != nil {
		return "", nil, fmt.Errorf("failed to create image temp dir: %w", err)
	}

	paths := make([]string, 0, len(cfg.Images))
	for i, img := range cfg.Images {
		name := img.Name
		if name == "" {
			name = fmt.Sprintf("image-%d.png", i)
		}
		path := filepath.Join(dir, filepath.Base(name))
		if err := os.WriteFile(path, img.Data, 0600); err != nil {
			_ = os.RemoveAll(dir)
			return "", nil, fmt.Errorf("failed to stage image %s: %w", name, err)
		}
		paths = append(paths, path)
	}
	return dir, paths, nil
}

func appendImagePaths(prompt string, paths []string) string {
	var b strings.Builder
	b.WriteString(prompt)
	b.WriteString("\n\nAttached images:\n")
	for _, p := range paths {
		b.WriteString(p)
		b.WriteString("\n")
	}
	return b.String()
}

func buildErrorMessage(resultEvent *AgentEvent, stderrTail string, exitCode int) string {
	if resultEvent != nil && resultEvent.IsError && resultEvent.Result != "" {
		return resultEvent.Result
	}
	if tail := strings.TrimSpace(stderrTail); tail != "" {
		return tail
	}
	return fmt.Sprintf("agent process exited with code %d", exitCode)
}

// readTail reads r to EOF keeping only the final max bytes.
func readTail(r io.Reader, max int) string {
	var tail []byte
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			tail = append(tail, buf[:n]...)
			if len(tail) > max {
				tail = tail[len(tail)-max:]
			}
		}
		if err != nil {
			return string(tail)
		}
	}
}
