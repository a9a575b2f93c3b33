package build

import (
	"context"
	"errors"
)

var (
	// ErrNotFound indicates a lookup for a build ID that was never created.
	ErrNotFound = errors.New("build not found")
	// ErrConflict indicates a guarded transition lost a race: the build was
	// not in the expected prior status. Expected under concurrent workers.
	ErrConflict = errors.New("build status conflict")
)

// Filter restricts and bounds a List call.
type Filter struct {
	Status *Status
	Limit  int
}

// Fields carries the record fields a transition may set alongside the
// status change. Nil pointers leave the stored value untouched.
type Fields struct {
	WorkspacePath *string
	LogRef        *string
	ResultRef     *string
	Error         *string
}

// Store is the single source of truth for build state. Transition is the
// only status mutator and is conditioned on the expected prior status, so
// two workers racing on the same build cannot both win a claim.
type Store interface {
	Create(ctx context.Context, id, archivePath string) (Build, error)
	Get(ctx context.Context, id string) (Build, error)
	List(ctx context.Context, filter Filter) ([]Build, error)
	Transition(ctx context.Context, id string, from, to Status, fields Fields) (Build, error)
}
