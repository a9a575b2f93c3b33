package builder

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

// dockerCommand is the container toolchain binary. Overridable in tests.
var dockerCommand = "docker"

// DockerfileBuilder builds projects that ship their own Dockerfile.
type DockerfileBuilder struct{}

func NewDockerfileBuilder() *DockerfileBuilder { return &DockerfileBuilder{} }

func (b *DockerfileBuilder) Name() string { return "dockerfile" }

func (b *DockerfileBuilder) Detect(workspace string) bool {
	info, err := os.Stat(filepath.Join(workspace, "Dockerfile"))
	return err == nil && !info.IsDir()
}

func (b *DockerfileBuilder) Build(ctx context.Context, workspace, imageRef string) (Image, []byte, error) {
	dockerfile := filepath.Join(workspace, "Dockerfile")
	if _, err := os.Stat(dockerfile); err != nil {
		return Image{}, nil, &ToolError{Err: fmt.Errorf("Dockerfile not found in workspace: %w", err)}
	}
	return buildImage(ctx, workspace, dockerfile, imageRef)
}

// buildImage runs the container toolchain against a workspace, capturing
// combined output. The child runs in its own process group so a timeout
// kills the whole build tree, not just the top-level process.
func buildImage(ctx context.Context, workspace, dockerfile, imageRef string) (Image, []byte, error) {
	cmd := exec.CommandContext(ctx, dockerCommand,
		"build",
		"--tag", imageRef,
		"--file", dockerfile,
		workspace,
	)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 10 * time.Second

	output, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			err = fmt.Errorf("build timed out: %w", ctx.Err())
		}
		return Image{}, output, &ToolError{Output: output, Err: err}
	}

	img := Image{Reference: imageRef}
	// Best effort: the build already succeeded, a missing digest is fine.
	if digest, err := imageDigest(ctx, imageRef); err == nil {
		img.Digest = digest
	}
	return img, output, nil
}

// imageDigest asks the runtime for the image's repo digest, falling back to
// the image ID for images that were never pushed.
func imageDigest(ctx context.Context, imageRef string) (string, error) {
	out, err := exec.CommandContext(ctx, dockerCommand,
		"inspect", "--format={{index .RepoDigests 0}}", imageRef,
	).Output()
	if err == nil {
		if _, digest, found := strings.Cut(strings.TrimSpace(string(out)), "@"); found {
			return digest, nil
		}
	}

	out, err = exec.CommandContext(ctx, dockerCommand,
		"inspect", "--format={{.Id}}", imageRef,
	).Output()
	if err != nil {
		return "", fmt.Errorf("inspect image: %w", err)
	}
	id := strings.TrimSpace(string(out))
	if id == "" {
		return "", fmt.Errorf("no digest or ID reported for %s", imageRef)
	}
	return id, nil
}
