package sandbox

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/HyphaGroup/edward/internal/container"
	"github.com/HyphaGroup/edward/internal/logger"
)

// excludedFromBackup lists workspace entries that are derived, never
// worth persisting, and often large enough to blow the backup budget.
var excludedFromBackup = []string{"node_modules", ".next", "dist", "build", ".git"}

func backupKey(userID, chatID string) string {
	return fmt.Sprintf("%s/%s/source_backup.tar.gz", userID, chatID)
}

func backupExistsKey(chatID string) string {
	return "backup:exists:" + chatID
}

// BackupSandbox streams a tar.gz of the sandbox's workspace, excluding
// derived artifacts, to object storage at a key derived from
// (userID, chatID). Container-gone errors are swallowed: a sandbox
// that no longer exists has nothing left to back up.
func (m *Manager) BackupSandbox(ctx context.Context, sandboxID string) error {
	if m.store == nil {
		return nil
	}
	st, err := m.lookup(sandboxID)
	if err != nil {
		return err
	}
	st.mu.Lock()
	containerID := st.instance.ContainerID
	userID, chatID := st.instance.UserID, st.instance.ChatID
	st.mu.Unlock()

	excludeArgs := make([]string, 0, len(excludedFromBackup))
	for _, e := range excludedFromBackup {
		excludeArgs = append(excludeArgs, "--exclude="+e)
	}
	cmd := append([]string{"tar", "c", "-C", WorkspaceRoot}, excludeArgs...)
	cmd = append(cmd, ".")

	res, err := m.runtime.Exec(ctx, containerID, container.ExecConfig{Cmd: cmd})
	if err != nil {
		logger.ErrorContext(ctx, "sandbox: backup tar failed", "sandboxId", sandboxID, "error", err)
		return nil
	}
	if res.ExitCode != 0 {
		logger.ErrorContext(ctx, "sandbox: backup tar exited nonzero", "sandboxId", sandboxID, "code", res.ExitCode, "stderr", res.Stderr)
		return nil
	}

	var gz bytes.Buffer
	gw := gzip.NewWriter(&gz)
	if _, err := io.WriteString(gw, res.Stdout); err != nil {
		return fmt.Errorf("sandbox: gzip backup: %w", err)
	}
	if err := gw.Close(); err != nil {
		return fmt.Errorf("sandbox: gzip close: %w", err)
	}

	if err := m.store.Put(ctx, backupKey(userID, chatID), gz.Bytes()); err != nil {
		return fmt.Errorf("sandbox: upload backup: %w", err)
	}
	if m.cache != nil {
		_ = m.cache.Set(ctx, backupExistsKey(chatID), "1", backupExistsTTL)
	}
	return nil
}

// RestoreSandbox reverses BackupSandbox into inst's workspace. It is
// best-effort: a missing backup (confirmed via the negative-cache hint
// or a not-found response from the store) is not an error.
func (m *Manager) RestoreSandbox(ctx context.Context, sandboxID string) error {
	if m.store == nil {
		return nil
	}
	st, err := m.lookup(sandboxID)
	if err != nil {
		return err
	}
	st.mu.Lock()
	containerID := st.instance.ContainerID
	userID, chatID := st.instance.UserID, st.instance.ChatID
	st.mu.Unlock()

	// The exists hint is set only once a backup has actually been
	// written; its absence means no backup was ever taken, so skip the
	// object-store round trip entirely.
	if m.cache != nil {
		if _, ok, err := m.cache.Get(ctx, backupExistsKey(chatID)); err == nil && !ok {
			return nil
		}
	}

	data, err := m.store.Get(ctx, backupKey(userID, chatID))
	if err != nil {
		logger.ErrorContext(ctx, "sandbox: restore fetch failed", "sandboxId", sandboxID, "error", err)
		return nil
	}
	if len(data) == 0 {
		return nil
	}

	gr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("sandbox: gunzip restore: %w", err)
	}
	defer func() { _ = gr.Close() }()

	tarBytes, err := io.ReadAll(gr)
	if err != nil {
		return fmt.Errorf("sandbox: read restore tar: %w", err)
	}
	if err := validateTar(tarBytes); err != nil {
		return fmt.Errorf("sandbox: restore tar rejected: %w", err)
	}

	proc, err := m.runtime.ExecInteractive(ctx, containerID, container.ExecConfig{
		Cmd: []string{"tar", "x", "-C", WorkspaceRoot},
	})
	if err != nil {
		return fmt.Errorf("sandbox: exec tar x: %w", err)
	}
	defer func() { _ = proc.Close() }()

	if _, err := io.Copy(proc.Stdin, bytes.NewReader(tarBytes)); err != nil {
		return fmt.Errorf("sandbox: write restore tar: %w", err)
	}
	if err := proc.Stdin.Close(); err != nil {
		return fmt.Errorf("sandbox: close restore stdin: %w", err)
	}
	code, err := proc.Wait()
	if err != nil {
		return fmt.Errorf("sandbox: wait restore: %w", err)
	}
	if code != 0 {
		return fmt.Errorf("sandbox: tar x exited %d", code)
	}
	return nil
}

// validateTar rejects any archive entry that would escape the
// workspace root when extracted, mirroring the same normalization
// applied to caller-supplied file paths.
func validateTar(data []byte) error {
	tr := tar.NewReader(bytes.NewReader(data))
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		name := strings.TrimPrefix(hdr.Name, "./")
		if _, err := normalizePath(name); name != "" && name != "." && err != nil {
			return fmt.Errorf("entry %q: %w", hdr.Name, ErrInvalidPath)
		}
	}
}
