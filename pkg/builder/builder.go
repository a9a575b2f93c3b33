// Package builder turns extracted workspaces into container images. Each
// builder is a strategy that recognizes a project shape and drives the
// external container toolchain to produce an image.
package builder

import (
	"context"
	"errors"
	"fmt"
)

// ErrNoBuilderFound indicates no builder recognized the workspace contents.
var ErrNoBuilderFound = errors.New("no builder matches project")

// UnknownBuilderError indicates a nimble.yaml named a builder that does not
// exist. This fails hard rather than falling through to auto-detection.
type UnknownBuilderError struct {
	Name string
}

func (e *UnknownBuilderError) Error() string {
	return fmt.Sprintf("unknown builder %q in project config", e.Name)
}

// ToolError indicates the external build toolchain failed or timed out.
// Output carries the captured combined stdout/stderr.
type ToolError struct {
	Output []byte
	Err    error
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("build tool: %v", e.Err)
}

func (e *ToolError) Unwrap() error { return e.Err }

// Image is the result of a successful build.
type Image struct {
	// Reference is the full image reference, e.g. "nimble/myapp:abc123".
	Reference string `json:"reference"`
	// Digest is the content digest when the runtime reports one.
	Digest string `json:"digest,omitempty"`
}

// Builder builds container images from source code in a workspace.
type Builder interface {
	// Name identifies the builder in project config and build results.
	Name() string
	// Detect reports whether this builder can build the workspace.
	Detect(workspace string) bool
	// Build produces an image tagged imageRef from the workspace, returning
	// captured toolchain output alongside the result. Failures and timeouts
	// are reported as *ToolError with the output captured so far.
	Build(ctx context.Context, workspace, imageRef string) (Image, []byte, error)
}
