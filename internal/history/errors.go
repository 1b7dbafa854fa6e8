package history

import (
	"errors"
	"fmt"

	"editlog/internal/integrity"
	"editlog/internal/patch"
	"editlog/internal/store"
)

var (
	// ErrEditNotFound is returned when an edit id, or an ancestor in its
	// chain, does not exist.
	ErrEditNotFound = errors.New("history: edit not found")

	// ErrBrokenChain is returned when a chain cannot be walked to its root:
	// a missing ancestor, a parent in another document, or a cycle. It
	// matches ErrEditNotFound.
	ErrBrokenChain = fmt.Errorf("%w: broken chain", ErrEditNotFound)

	// ErrForeignEdit is returned when an edit belongs to a different
	// document than the one being operated on.
	ErrForeignEdit = errors.New("history: edit belongs to another document")

	// ErrEmptyDocumentID is returned for operations without a document id.
	ErrEmptyDocumentID = errors.New("history: empty document id")

	// ErrInvalidText is returned when committed text is not valid UTF-8.
	ErrInvalidText = errors.New("history: text is not valid UTF-8")
)

// Errors surfaced unchanged from lower layers.
var (
	ErrPatchCorruption  = patch.ErrPatchCorruption
	ErrChecksumMismatch = integrity.ErrChecksumMismatch
	ErrUnavailable      = store.ErrUnavailable
)
