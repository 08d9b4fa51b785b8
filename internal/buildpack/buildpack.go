// Package buildpack provides the Workflow Engine's PackageResolver,
// Installer, Builder and Deployer collaborators, grounded on the
// Sandbox Manager's Exec/ReadTar primitives (internal/sandbox/files.go)
// rather than talking to the container runtime directly.
package buildpack

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/HyphaGroup/edward/internal/container"
)

// SandboxExecutor is the subset of *sandbox.Manager this package needs.
type SandboxExecutor interface {
	Exec(ctx context.Context, sandboxID string, cfg container.ExecConfig) (*container.ExecResult, error)
	ReadTar(ctx context.Context, sandboxID, dir string) ([]byte, error)
}

// frameworkProfile names the install/build commands and build output
// directory for one supported framework. A framework absent from this
// table falls back to "static" (no install, no build, workspace root
// itself is deployed as-is).
type frameworkProfile struct {
	defaultPackages []string
	installCmd      []string
	buildCmd        []string
	buildDir        string
}

var profiles = map[string]frameworkProfile{
	"react": {
		defaultPackages: []string{"react", "react-dom"},
		installCmd:      []string{"npm", "install"},
		buildCmd:        []string{"npm", "run", "build"},
		buildDir:        "dist",
	},
	"vue": {
		defaultPackages: []string{"vue"},
		installCmd:      []string{"npm", "install"},
		buildCmd:        []string{"npm", "run", "build"},
		buildDir:        "dist",
	},
	"next": {
		defaultPackages: []string{"next", "react", "react-dom"},
		installCmd:      []string{"npm", "install"},
		buildCmd:        []string{"npm", "run", "build"},
		buildDir:        ".next",
	},
	"static": {
		installCmd: nil,
		buildCmd:   nil,
		buildDir:   ".",
	},
}

func profileFor(framework string) frameworkProfile {
	if p, ok := profiles[strings.ToLower(framework)]; ok {
		return p
	}
	return profiles["static"]
}

// Resolver is the PackageResolver fallback used when the model's own
// <edward_install> tag has not supplied a package list yet (the common
// path bypasses this entirely, see workflow.resolvePackagesPhase).
type Resolver struct{}

func (Resolver) Resolve(ctx context.Context, framework, intent string) ([]string, error) {
	return profileFor(framework).defaultPackages, nil
}

// Installer runs `npm install` with the resolved packages inside the
// sandbox, whatever the framework.
type Installer struct {
	Sandbox SandboxExecutor
}

func (in Installer) Install(ctx context.Context, sandboxID string, packages []string) error {
	if len(packages) == 0 {
		return nil
	}
	// npm install accepts the package list directly; other managers
	// would need their own arg shape, added here as new profiles.
	cmd := append([]string{"npm", "install"}, packages...)
	res, err := in.Sandbox.Exec(ctx, sandboxID, container.ExecConfig{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return fmt.Errorf("buildpack: install exec: %w", err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("buildpack: install failed (exit %d): %s", res.ExitCode, res.Stderr)
	}
	return nil
}

// Builder runs a framework's build command and reports its output
// directory, or a structured error report drawn from stderr when the
// build fails. Builder.Build only receives a sandboxID (the fixed
// workflow.Builder contract), so the framework ANALYZE classified is
// recorded per sandbox via SetFramework before BUILD runs, rather than
// threaded through the call.
type Builder struct {
	Sandbox SandboxExecutor

	mu         sync.Mutex
	frameworks map[string]string
}

// SetFramework records the framework a sandbox's project was
// classified as, for Build to look up by sandboxID. Called by the
// orchestrator right after it provisions the sandbox on SANDBOX_START.
func (b *Builder) SetFramework(sandboxID, framework string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.frameworks == nil {
		b.frameworks = make(map[string]string)
	}
	b.frameworks[sandboxID] = framework
}

func (b *Builder) frameworkFor(sandboxID string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.frameworks[sandboxID]
}

func (b *Builder) Build(ctx context.Context, sandboxID string) (string, string, error) {
	profile := profileFor(b.frameworkFor(sandboxID))
	if len(profile.buildCmd) == 0 {
		return profile.buildDir, "", nil
	}

	res, err := b.Sandbox.Exec(ctx, sandboxID, container.ExecConfig{
		Cmd:          profile.buildCmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return "", "", fmt.Errorf("buildpack: build exec: %w", err)
	}
	if res.ExitCode != 0 {
		report := res.Stderr
		if report == "" {
			report = res.Stdout
		}
		return "", report, fmt.Errorf("buildpack: build failed (exit %d)", res.ExitCode)
	}
	return profile.buildDir, "", nil
}

// Deployer extracts a build output directory out of the sandbox and
// onto the host, under PreviewRoot/<sandboxID>/, then returns a preview
// URL the caller's HTTP server can serve directly with
// http.FileServer. The sandbox's own container never needs to be
// network-reachable (it runs with NetworkMode "none"): only its
// already-built static assets leave the container.
type Deployer struct {
	Sandbox     SandboxExecutor
	PreviewRoot string
	PublicBase  string // e.g. "http://localhost:8080/preview"
}

func (d Deployer) Deploy(ctx context.Context, sandboxID, buildDir string) (string, error) {
	archive, err := d.Sandbox.ReadTar(ctx, sandboxID, buildDir)
	if err != nil {
		return "", fmt.Errorf("buildpack: read build output: %w", err)
	}

	destDir := filepath.Join(d.PreviewRoot, sandboxID)
	if err := os.RemoveAll(destDir); err != nil {
		return "", fmt.Errorf("buildpack: clear preview dir: %w", err)
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", fmt.Errorf("buildpack: create preview dir: %w", err)
	}
	if err := extractTar(archive, destDir); err != nil {
		return "", fmt.Errorf("buildpack: extract build output: %w", err)
	}

	return strings.TrimRight(d.PublicBase, "/") + "/" + sandboxID + "/", nil
}

// extractTar writes a tar archive's regular files and directories
// under dest, rejecting any entry whose cleaned path would escape it.
func extractTar(archiveBytes []byte, dest string) error {
	tr := tar.NewReader(strings.NewReader(string(archiveBytes)))
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		cleaned := filepath.Clean(hdr.Name)
		if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
			continue
		}
		target := filepath.Join(dest, cleaned)

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
			if err != nil {
				return err
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return err
			}
			f.Close()
		}
	}
}
