package build

import (
	"fmt"
	"time"
)

// Status represents the lifecycle state of a build.
type Status string

const (
	StatusQueued   Status = "queued"
	StatusBuilding Status = "building"
	StatusSuccess  Status = "success"
	StatusFailed   Status = "failed"
)

// ParseStatus validates a status string received from a caller.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusQueued, StatusBuilding, StatusSuccess, StatusFailed:
		return Status(s), nil
	}
	return "", fmt.Errorf("unknown build status %q", s)
}

// Terminal reports whether no further automated transition can occur.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// Build describes one request to turn a source archive into a container image.
type Build struct {
	ID                string    `json:"id"`
	Status            Status    `json:"status"`
	SourceArchivePath string    `json:"source_archive_path"`
	WorkspacePath     string    `json:"workspace_path,omitempty"`
	LogRef            string    `json:"log_ref,omitempty"`
	ResultRef         string    `json:"result_ref,omitempty"`
	Error             string    `json:"error,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Summary is the listing representation exposed to API callers.
type Summary struct {
	ID        string    `json:"id"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Summary converts a build to its listing form.
func (b Build) Summary() Summary {
	return Summary{
		ID:        b.ID,
		Status:    b.Status,
		CreatedAt: b.CreatedAt,
		UpdatedAt: b.UpdatedAt,
	}
}
