// Package store provides the append-only record store for document edits.
package store

import (
	"context"
	"errors"
	"fmt"
)

// EditRecord is one committed change in a document's history chain.
// Records are immutable once written; Preview is the only field that may be
// attached later.
type EditRecord struct {
	EditID          int64   `json:"edit_id"`
	DocumentID      string  `json:"document_id"`
	WorkspaceID     string  `json:"workspace_id,omitempty"`
	FilePath        string  `json:"file_path,omitempty"`
	Patch           string  `json:"patch"`
	ParentEditID    *int64  `json:"parent_edit_id"`
	TimestampNs     int64   `json:"timestamp_ns"`
	ContentChecksum uint32  `json:"content_checksum"`
	ParentChecksum  *uint32 `json:"parent_checksum"`
	Preview         []byte  `json:"preview,omitempty"`
}

// IsRoot reports whether the record starts its document's chain.
func (r *EditRecord) IsRoot() bool {
	return r.ParentEditID == nil
}

// Clone returns a deep copy of the record.
func (r *EditRecord) Clone() *EditRecord {
	c := *r
	if r.ParentEditID != nil {
		id := *r.ParentEditID
		c.ParentEditID = &id
	}
	if r.ParentChecksum != nil {
		sum := *r.ParentChecksum
		c.ParentChecksum = &sum
	}
	if r.Preview != nil {
		c.Preview = append([]byte(nil), r.Preview...)
	}
	return &c
}

// Stats summarizes store contents.
type Stats struct {
	Records   int64 `json:"records"`
	Documents int64 `json:"documents"`
}

// RecordStore is the persistence contract consumed by the history engine.
// Records are keyed by a store-assigned id that is never reused.
type RecordStore interface {
	// Append writes a new record and returns its assigned id. The EditID
	// field of r is ignored.
	Append(ctx context.Context, r *EditRecord) (int64, error)

	// Get returns the record with the given id, or nil if none exists.
	Get(ctx context.Context, editID int64) (*EditRecord, error)

	// QueryLatest returns the newest record of a document, or nil.
	QueryLatest(ctx context.Context, documentID string) (*EditRecord, error)

	// QueryAll returns every record of a document, newest first.
	QueryAll(ctx context.Context, documentID string) ([]EditRecord, error)

	// DeleteAll removes every record of a document and returns how many
	// were removed.
	DeleteAll(ctx context.Context, documentID string) (int64, error)

	// UpdatePreview replaces the preview blob of an existing record.
	UpdatePreview(ctx context.Context, editID int64, blob []byte) error

	// Close releases the store.
	Close() error
}

// Inspector is implemented by stores that can report aggregate statistics.
type Inspector interface {
	Stats(ctx context.Context) (Stats, error)
}

var (
	// ErrUnavailable indicates the backing store failed or is closed.
	ErrUnavailable = errors.New("store: unavailable")

	// ErrRecordNotFound indicates an update against a missing record.
	ErrRecordNotFound = errors.New("store: record not found")
)

// UnavailableError wraps a failure of the backing database. It matches
// ErrUnavailable under errors.Is and unwraps to the driver error.
type UnavailableError struct {
	Op  string
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("store: %s: %v", e.Op, e.Err)
}

func (e *UnavailableError) Unwrap() error {
	return e.Err
}

// Is matches ErrUnavailable.
func (e *UnavailableError) Is(target error) bool {
	return target == ErrUnavailable
}

func unavailable(op string, err error) error {
	return &UnavailableError{Op: op, Err: err}
}
