// Package profile owns persisted user profiles: the SQLite store, the
// recoverable enrollment draft, and the duplicate-descriptor index used by
// the enrollment pipeline.
package profile

import (
	"errors"
	"time"

	"facelock/internal/face"
)

// ErrNotFound is returned when a profile id does not exist.
var ErrNotFound = errors.New("profile not found")

// ErrDuplicateID is returned when saving a profile whose id already exists.
var ErrDuplicateID = errors.New("profile id already exists")

// UserProfile is one registered person. MeanDescriptor is the elementwise
// average of RawDescriptors, computed once at enrollment completion and never
// recomputed; keeping it as a named field avoids the fragile convention of
// hiding the mean as the last list element.
type UserProfile struct {
	ID             string            `json:"id"`
	Name           string            `json:"name"`
	RawDescriptors []face.Descriptor `json:"raw_descriptors"`
	MeanDescriptor face.Descriptor   `json:"mean_descriptor"`
	CreatedAt      time.Time         `json:"created_at"`
}

// Store persists user profiles. Pipelines hold only transient copies; the
// store exclusively owns the durable state.
type Store interface {
	GetAll() ([]*UserProfile, error)
	Get(id string) (*UserProfile, error)
	Save(p *UserProfile) error
	Rename(id, newName string) error
	Delete(id string) error
}

// Draft is the recoverable state of an interrupted enrollment session.
type Draft struct {
	UserID      string            `json:"user_id"`
	UserName    string            `json:"user_name"`
	Captured    []face.Descriptor `json:"captured"`
	PreviewRefs []string          `json:"preview_refs"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// DraftStore persists at most one enrollment draft.
type DraftStore interface {
	SaveDraft(d *Draft) error
	LoadDraft() (*Draft, error) // nil when no draft exists
	ClearDraft() error
}
