package builder

import (
	"context"
	"os"
	"path/filepath"
)

const nodeDockerfile = `FROM node:20-alpine
WORKDIR /app
COPY package*.json ./
RUN npm install --omit=dev
COPY . .
CMD ["npm", "start"]
`

// NodeBuilder auto-detects Node.js projects by their package manifest.
type NodeBuilder struct{}

func NewNodeBuilder() *NodeBuilder { return &NodeBuilder{} }

func (b *NodeBuilder) Name() string { return "node" }

func (b *NodeBuilder) Detect(workspace string) bool {
	info, err := os.Stat(filepath.Join(workspace, "package.json"))
	return err == nil && !info.IsDir()
}

func (b *NodeBuilder) Build(ctx context.Context, workspace, imageRef string) (Image, []byte, error) {
	dockerfile, err := writeGeneratedDockerfile(workspace, b.Name(), nodeDockerfile)
	if err != nil {
		return Image{}, nil, err
	}
	defer os.Remove(dockerfile)
	return buildImage(ctx, workspace, dockerfile, imageRef)
}
