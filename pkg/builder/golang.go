package builder

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

const goDockerfile = `# Stage 1: build the binary
FROM golang:1.22-alpine AS builder
WORKDIR /src
COPY . .
RUN go build -o /out/app .

# Stage 2: minimal image
FROM alpine:3.19
COPY --from=builder /out/app /usr/local/bin/app
ENTRYPOINT ["app"]
`

// GoBuilder auto-detects Go modules and builds them with a generated
// multi-stage Dockerfile.
type GoBuilder struct{}

func NewGoBuilder() *GoBuilder { return &GoBuilder{} }

func (b *GoBuilder) Name() string { return "go" }

func (b *GoBuilder) Detect(workspace string) bool {
	info, err := os.Stat(filepath.Join(workspace, "go.mod"))
	return err == nil && !info.IsDir()
}

func (b *GoBuilder) Build(ctx context.Context, workspace, imageRef string) (Image, []byte, error) {
	dockerfile, err := writeGeneratedDockerfile(workspace, b.Name(), goDockerfile)
	if err != nil {
		return Image{}, nil, err
	}
	defer os.Remove(dockerfile)
	return buildImage(ctx, workspace, dockerfile, imageRef)
}

// writeGeneratedDockerfile drops a builder-owned Dockerfile into the
// workspace so the whole workspace can serve as the build context. The
// workspace is ephemeral, so the extra file is harmless, but it is removed
// after the build anyway.
func writeGeneratedDockerfile(workspace, name, contents string) (string, error) {
	path := filepath.Join(workspace, fmt.Sprintf("Dockerfile.nimble-%s", name))
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		return "", &ToolError{Err: fmt.Errorf("write generated Dockerfile: %w", err)}
	}
	return path, nil
}
