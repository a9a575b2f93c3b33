package builder

import (
	"errors"
	"io/fs"

	"github.com/barrettj12/nimble/pkg/project"
)

// Registry selects a builder for a workspace. The order is fixed and
// deterministic: an explicit nimble.yaml override wins outright, then a
// Dockerfile at the workspace root, then the auto-detection heuristics in
// registration order. Selection is recomputed for every build.
type Registry struct {
	builders []Builder
	byName   map[string]Builder
}

// NewRegistry returns the default registry: Dockerfile first, then the
// language heuristics. New builders are added here, never discovered at
// runtime.
func NewRegistry() *Registry {
	return NewRegistryWith(
		NewDockerfileBuilder(),
		NewGoBuilder(),
		NewNodeBuilder(),
	)
}

// NewRegistryWith builds a registry with an explicit priority order.
func NewRegistryWith(builders ...Builder) *Registry {
	r := &Registry{byName: make(map[string]Builder, len(builders))}
	for _, b := range builders {
		r.builders = append(r.builders, b)
		r.byName[b.Name()] = b
	}
	return r
}

// Select resolves the builder for a workspace, or fails with
// *UnknownBuilderError for a bad explicit override and ErrNoBuilderFound
// when nothing matches.
func (r *Registry) Select(workspace string) (Builder, error) {
	cfg, err := project.Load(workspace)
	switch {
	case err == nil:
		if cfg.Builder != "" {
			b, ok := r.byName[cfg.Builder]
			if !ok {
				return nil, &UnknownBuilderError{Name: cfg.Builder}
			}
			return b, nil
		}
	case errors.Is(err, fs.ErrNotExist):
		// No manifest: fall through to detection.
	default:
		return nil, err
	}

	for _, b := range r.builders {
		if b.Detect(workspace) {
			return b, nil
		}
	}
	return nil, ErrNoBuilderFound
}
