package domain

import (
	"fmt"
	"strings"
	"time"
)

type DocumentStatus string

const (
	StatusIdle       DocumentStatus = "idle"
	StatusProcessing DocumentStatus = "processing"
	StatusSyncing    DocumentStatus = "syncing"
	StatusSynced     DocumentStatus = "synced"
	StatusError      DocumentStatus = "error"
)

// allowedTransitions is the document status machine. A status not listed as a
// key has no outgoing edges.
var allowedTransitions = map[DocumentStatus][]DocumentStatus{
	StatusIdle:       {StatusProcessing, StatusSyncing},
	StatusProcessing: {StatusIdle, StatusError},
	StatusSyncing:    {StatusSynced, StatusError},
	StatusError:      {StatusSyncing},
	StatusSynced:     {StatusSyncing},
}

func (s DocumentStatus) Valid() bool {
	switch s {
	case StatusIdle, StatusProcessing, StatusSyncing, StatusSynced, StatusError:
		return true
	default:
		return false
	}
}

// CanTransition reports whether from -> to is an edge of the status machine.
// Staying in the same status is not a transition.
func CanTransition(from, to DocumentStatus) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// DocumentRecord is one scanned document as persisted on the device.
type DocumentRecord struct {
	ID        string         `json:"id"`
	Title     string         `json:"title"`
	LocalPath string         `json:"localPath"`
	Pages     int            `json:"pages"`
	Status    DocumentStatus `json:"status"`
	UpdatedAt time.Time      `json:"updatedAt"`
	CreatedAt time.Time      `json:"createdAt"`
	CloudID   string         `json:"cloudId,omitempty"`
}

// Validate checks the record-level invariants.
func (r DocumentRecord) Validate() error {
	switch {
	case strings.TrimSpace(r.ID) == "":
		return WrapError(ErrInvalidInput, "validate document", fmt.Errorf("empty id"))
	case r.Pages < 1:
		return WrapError(ErrInvalidInput, "validate document", fmt.Errorf("pages must be positive, got %d", r.Pages))
	case !r.Status.Valid():
		return WrapError(ErrInvalidInput, "validate document", fmt.Errorf("unknown status %q", r.Status))
	case r.UpdatedAt.Before(r.CreatedAt):
		return WrapError(ErrInvalidInput, "validate document", fmt.Errorf("updatedAt before createdAt"))
	case r.Status == StatusSynced && r.CloudID == "":
		return WrapError(ErrInvalidInput, "validate document", fmt.Errorf("synced document without cloud id"))
	}
	return nil
}

// DocumentPatch lists the fields an update changes. Nil fields are left as-is.
// ID and CreatedAt are not patchable.
type DocumentPatch struct {
	Title     *string         `json:"title,omitempty"`
	LocalPath *string         `json:"localPath,omitempty"`
	Pages     *int            `json:"pages,omitempty"`
	Status    *DocumentStatus `json:"status,omitempty"`
	CloudID   *string         `json:"cloudId,omitempty"`
}

func (p DocumentPatch) Empty() bool {
	return p.Title == nil && p.LocalPath == nil && p.Pages == nil && p.Status == nil && p.CloudID == nil
}

// Apply returns a copy of rec with the patch merged in. The status machine and
// record invariants are checked against the result; rec is never modified.
func (p DocumentPatch) Apply(rec DocumentRecord, now time.Time) (DocumentRecord, error) {
	next := rec
	if p.Title != nil {
		next.Title = *p.Title
	}
	if p.LocalPath != nil {
		next.LocalPath = *p.LocalPath
	}
	if p.Pages != nil {
		next.Pages = *p.Pages
	}
	if p.CloudID != nil {
		next.CloudID = *p.CloudID
	}
	if p.Status != nil && *p.Status != rec.Status {
		if !CanTransition(rec.Status, *p.Status) {
			return rec, WrapError(
				ErrInvalidTransition,
				"apply patch",
				fmt.Errorf("document %s: %s -> %s", rec.ID, rec.Status, *p.Status),
			)
		}
		next.Status = *p.Status
	}
	if now.After(next.UpdatedAt) {
		next.UpdatedAt = now
	}
	if err := next.Validate(); err != nil {
		return rec, err
	}
	return next, nil
}

// DocumentEventType names a registry mutation.
type DocumentEventType string

const (
	DocumentCreated DocumentEventType = "created"
	DocumentUpdated DocumentEventType = "updated"
	DocumentRemoved DocumentEventType = "removed"
)

// DocumentEvent is delivered to registry observers after a mutation is durable.
type DocumentEvent struct {
	Type       DocumentEventType `json:"type"`
	DocumentID string            `json:"document_id"`
	Status     DocumentStatus    `json:"status,omitempty"`
	At         time.Time         `json:"at"`
}

// RemoteDocument is the backend's copy of a document's metadata.
type RemoteDocument struct {
	CloudID      string    `json:"cloud_id"`
	OwnerID      string    `json:"owner_id"`
	LocalID      string    `json:"local_id"`
	Title        string    `json:"title"`
	LocalPath    string    `json:"local_path"`
	Pages        int       `json:"pages"`
	CreatedAt    time.Time `json:"created_at"`
	LastModified time.Time `json:"last_modified"`
}
