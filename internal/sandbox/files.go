package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/HyphaGroup/edward/internal/container"
	"github.com/HyphaGroup/edward/internal/logger"
	"github.com/HyphaGroup/edward/internal/metrics"
)

// PrepareSandboxFile creates the parent directories for path and
// idempotently truncates it. path is normalized and rejected if it
// would escape the workspace root.
func (m *Manager) PrepareSandboxFile(ctx context.Context, sandboxID, path string) error {
	st, err := m.lookup(sandboxID)
	if err != nil {
		return err
	}
	norm, err := normalizePath(path)
	if err != nil {
		return err
	}

	st.mu.Lock()
	containerID := st.instance.ContainerID
	delete(st.buffers, norm)
	st.mu.Unlock()

	full := WorkspaceRoot + "/" + norm
	cctx, cancel := context.WithTimeout(ctx, quickCmdTimeout)
	defer cancel()
	if _, err := m.runtime.Exec(cctx, containerID, container.ExecConfig{
		Cmd: []string{"mkdir", "-p", parentDir(full)},
	}); err != nil {
		return fmt.Errorf("sandbox: mkdir %s: %w", norm, err)
	}
	if _, err := m.runtime.Exec(cctx, containerID, container.ExecConfig{
		Cmd: []string{"sh", "-c", ": > " + shellQuote(full)},
	}); err != nil {
		return fmt.Errorf("sandbox: truncate %s: %w", norm, err)
	}
	return nil
}

// WriteSandboxFile appends content to the in-memory buffer for
// (sandboxID, path) and schedules a debounced flush. Exceeding the
// per-sandbox buffer bound forces a synchronous flush.
func (m *Manager) WriteSandboxFile(ctx context.Context, sandboxID, path, content string) error {
	st, err := m.lookup(sandboxID)
	if err != nil {
		return err
	}
	norm, err := normalizePath(path)
	if err != nil {
		return err
	}

	st.mu.Lock()
	buf, ok := st.buffers[norm]
	if !ok {
		buf = &pathBuffer{}
		st.buffers[norm] = buf
	}
	buf.pending = append(buf.pending, content...)
	st.total += int64(len(content))
	over := st.total > m.maxBufferBytes
	if !over && st.timer == nil {
		st.timer = time.AfterFunc(m.debounce, func() {
			if err := m.FlushSandbox(context.Background(), sandboxID, false); err != nil {
				logger.ErrorContext(ctx, "sandbox: debounced flush failed", "sandboxId", sandboxID, "error", err)
			}
		})
	}
	st.mu.Unlock()

	if over {
		return m.FlushSandbox(ctx, sandboxID, false)
	}
	return nil
}

// FlushSandbox atomically drains every dirty path's buffer and writes
// it to the container. Concurrent callers for the same sandbox
// dedupe onto a single in-flight write.
func (m *Manager) FlushSandbox(ctx context.Context, sandboxID string, final bool) error {
	_, err, _ := m.flushGroup.Do(sandboxID, func() (interface{}, error) {
		return nil, m.doFlush(ctx, sandboxID)
	})
	return err
}

func (m *Manager) doFlush(ctx context.Context, sandboxID string) error {
	st, err := m.lookup(sandboxID)
	if err != nil {
		return err
	}

	st.mu.Lock()
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
	dirty := st.buffers
	st.buffers = make(map[string]*pathBuffer)
	st.total = 0
	containerID := st.instance.ContainerID
	st.mu.Unlock()

	for path, buf := range dirty {
		if len(buf.pending) == 0 {
			continue
		}
		if err := m.execWrite(ctx, containerID, path, buf.pending); err != nil {
			return fmt.Errorf("sandbox: flush %s: %w", path, err)
		}
	}
	return nil
}

func (m *Manager) execWrite(ctx context.Context, containerID, path string, content []byte) error {
	full := WorkspaceRoot + "/" + path
	proc, err := m.runtime.ExecInteractive(ctx, containerID, container.ExecConfig{
		Cmd: []string{"sh", "-c", "cat >> " + shellQuote(full)},
	})
	if err != nil {
		return fmt.Errorf("exec cat: %w", err)
	}
	defer func() { _ = proc.Close() }()

	if _, err := io.Copy(proc.Stdin, bytes.NewReader(content)); err != nil {
		return fmt.Errorf("write stdin: %w", err)
	}
	if err := proc.Stdin.Close(); err != nil {
		return fmt.Errorf("close stdin: %w", err)
	}
	code, err := proc.Wait()
	if err != nil {
		return fmt.Errorf("wait: %w", err)
	}
	if code != 0 {
		return fmt.Errorf("cat exited %d", code)
	}
	return nil
}

// FlushAll flushes every sandbox's buffered writes, best-effort. Used
// at shutdown so a SIGTERM mid-stream never leaves a debounced write
// sitting only in memory.
func (m *Manager) FlushAll(ctx context.Context) error {
	m.mu.Lock()
	ids := make([]string, 0, len(m.byID))
	for id := range m.byID {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var firstErr error
	for _, id := range ids {
		if err := m.FlushSandbox(ctx, id, false); err != nil {
			logger.ErrorContext(ctx, "sandbox: shutdown flush failed", "sandboxId", id, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Exec runs cfg inside sandboxID's container, for collaborators (the
// Workflow Engine's Installer/Builder) that need to run a command
// without going through the buffered file-write path.
func (m *Manager) Exec(ctx context.Context, sandboxID string, cfg container.ExecConfig) (*container.ExecResult, error) {
	st, err := m.lookup(sandboxID)
	if err != nil {
		return nil, err
	}
	if cfg.WorkingDir == "" {
		cfg.WorkingDir = WorkspaceRoot
	}
	return m.runtime.Exec(ctx, st.instance.ContainerID, cfg)
}

// ReadTar tars dir (relative to the workspace root) inside sandboxID's
// container and returns the archive bytes, so a caller like the
// Deployer can extract a build output directory onto the host without
// this package needing to know anything about static-file serving.
func (m *Manager) ReadTar(ctx context.Context, sandboxID, dir string) ([]byte, error) {
	st, err := m.lookup(sandboxID)
	if err != nil {
		return nil, err
	}
	full := WorkspaceRoot + "/" + strings.TrimPrefix(dir, "/")
	res, err := m.runtime.Exec(ctx, st.instance.ContainerID, container.ExecConfig{
		Cmd:          []string{"tar", "-C", full, "-cf", "-", "."},
		AttachStdout: true,
	})
	if err != nil {
		return nil, fmt.Errorf("sandbox: tar %s: %w", dir, err)
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("sandbox: tar %s exited %d: %s", dir, res.ExitCode, res.Stderr)
	}
	return []byte(res.Stdout), nil
}

// CleanupSandbox flushes pending writes best-effort, destroys the
// container, and clears all in-memory state for sandboxID.
func (m *Manager) CleanupSandbox(ctx context.Context, sandboxID string) error {
	st, err := m.lookup(sandboxID)
	if err != nil {
		return err
	}

	if err := m.FlushSandbox(ctx, sandboxID, true); err != nil {
		logger.ErrorContext(ctx, "sandbox: cleanup flush failed", "sandboxId", sandboxID, "error", err)
	}

	st.mu.Lock()
	containerID := st.instance.ContainerID
	chatID := st.instance.ChatID
	st.instance.State = StateDestroyed
	st.mu.Unlock()

	if err := m.runtime.Remove(ctx, containerID, true); err != nil {
		logger.ErrorContext(ctx, "sandbox: cleanup remove failed", "sandboxId", sandboxID, "error", err)
	}

	m.mu.Lock()
	delete(m.byID, sandboxID)
	if m.activeByChat[chatID] == sandboxID {
		delete(m.activeByChat, chatID)
	}
	activeCount := len(m.byID)
	m.mu.Unlock()
	metrics.SetSandboxesRunning("active", float64(activeCount))

	return nil
}

func parentDir(p string) string {
	idx := strings.LastIndex(p, "/")
	if idx <= 0 {
		return "/"
	}
	return p[:idx]
}

// shellQuote wraps s in single quotes for safe use as a single shell
// word, escaping any embedded single quote.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
