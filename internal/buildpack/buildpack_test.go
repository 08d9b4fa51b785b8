package buildpack

import (
	"archive/tar"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/HyphaGroup/edward/internal/container"
)

type fakeExecutor struct {
	execFn    func(cmd []string) (*container.ExecResult, error)
	tarResult []byte
}

func (f *fakeExecutor) Exec(ctx context.Context, sandboxID string, cfg container.ExecConfig) (*container.ExecResult, error) {
	return f.execFn(cfg.Cmd)
}

func (f *fakeExecutor) ReadTar(ctx context.Context, sandboxID, dir string) ([]byte, error) {
	return f.tarResult, nil
}

func TestResolver_DefaultsByFramework(t *testing.T) {
	pkgs, err := Resolver{}.Resolve(context.Background(), "react", "todo app")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(pkgs) == 0 {
		t.Fatal("expected default packages for react")
	}
}

func TestInstaller_FailsOnNonZeroExit(t *testing.T) {
	exec := &fakeExecutor{execFn: func(cmd []string) (*container.ExecResult, error) {
		return &container.ExecResult{ExitCode: 1, Stderr: "npm error"}, nil
	}}
	err := Installer{Sandbox: exec}.Install(context.Background(), "sbx1", []string{"lodash"})
	if err == nil {
		t.Fatal("expected install failure to surface as an error")
	}
}

func TestInstaller_NoopOnEmptyPackageList(t *testing.T) {
	called := false
	exec := &fakeExecutor{execFn: func(cmd []string) (*container.ExecResult, error) {
		called = true
		return &container.ExecResult{}, nil
	}}
	if err := (Installer{Sandbox: exec}).Install(context.Background(), "sbx1", nil); err != nil {
		t.Fatalf("Install: %v", err)
	}
	if called {
		t.Fatal("expected no exec call for an empty package list")
	}
}

func TestBuilder_UsesRecordedFramework(t *testing.T) {
	var seenCmd []string
	exec := &fakeExecutor{execFn: func(cmd []string) (*container.ExecResult, error) {
		seenCmd = cmd
		return &container.ExecResult{ExitCode: 0}, nil
	}}
	b := &Builder{Sandbox: exec}
	b.SetFramework("sbx1", "vue")

	dir, report, err := b.Build(context.Background(), "sbx1")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if report != "" {
		t.Fatalf("expected no error report on success, got %q", report)
	}
	if dir != "dist" {
		t.Fatalf("buildDir = %q, want dist", dir)
	}
	if len(seenCmd) == 0 {
		t.Fatal("expected a build command to run for a recorded vue framework")
	}
}

func TestBuilder_ReportsStderrOnFailure(t *testing.T) {
	exec := &fakeExecutor{execFn: func(cmd []string) (*container.ExecResult, error) {
		return &container.ExecResult{ExitCode: 1, Stderr: "SyntaxError: unexpected token"}, nil
	}}
	b := &Builder{Sandbox: exec}
	b.SetFramework("sbx1", "react")

	_, report, err := b.Build(context.Background(), "sbx1")
	if err == nil {
		t.Fatal("expected build failure")
	}
	if report != "SyntaxError: unexpected token" {
		t.Fatalf("report = %q, want stderr passthrough", report)
	}
}

func TestDeployer_ExtractsTarAndReturnsURL(t *testing.T) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	content := []byte("<html>hi</html>")
	if err := tw.WriteHeader(&tar.Header{Name: "index.html", Size: int64(len(content)), Mode: 0o644}); err != nil {
		t.Fatalf("tar header: %v", err)
	}
	if _, err := tw.Write(content); err != nil {
		t.Fatalf("tar write: %v", err)
	}
	tw.Close()

	dir := t.TempDir()
	exec := &fakeExecutor{tarResult: buf.Bytes()}
	d := Deployer{Sandbox: exec, PreviewRoot: dir, PublicBase: "http://localhost:8080/preview"}

	url, err := d.Deploy(context.Background(), "sbx1", "dist")
	if err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	if url != "http://localhost:8080/preview/sbx1/" {
		t.Fatalf("url = %q", url)
	}

	got, err := os.ReadFile(filepath.Join(dir, "sbx1", "index.html"))
	if err != nil {
		t.Fatalf("read extracted file: %v", err)
	}
	if string(got) != string(content) {
		t.Fatalf("extracted content = %q, want %q", got, content)
	}
}
