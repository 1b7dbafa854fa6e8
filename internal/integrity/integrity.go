// Package integrity tags reconstructed document text with CRC32 checksums and
// describes the outcome of chain verification.
//
// Checksums detect corruption and missing ancestors cheaply; they are not a
// security boundary.
package integrity

import (
	"errors"
	"fmt"
	"hash/crc32"
	"strings"
)

// ErrChecksumMismatch indicates reconstructed text whose checksum differs
// from the one recorded at commit time.
var ErrChecksumMismatch = errors.New("integrity: checksum mismatch")

// Checksum returns the CRC32 (IEEE) of text.
func Checksum(text string) uint32 {
	return crc32.ChecksumIEEE([]byte(text))
}

// Verify compares the checksum of text against expected.
func Verify(expected uint32, text string) error {
	if got := Checksum(text); got != expected {
		return fmt.Errorf("%w: computed %08x, recorded %08x", ErrChecksumMismatch, got, expected)
	}
	return nil
}

// ProblemKind classifies a verification finding.
type ProblemKind string

const (
	// ProblemMissingAncestor is a parent id that resolves to no record.
	ProblemMissingAncestor ProblemKind = "missing_ancestor"
	// ProblemParentChecksum is a parent checksum that disagrees with the
	// parent's content checksum.
	ProblemParentChecksum ProblemKind = "parent_checksum"
	// ProblemContentChecksum is reconstructed text that disagrees with the
	// record's content checksum.
	ProblemContentChecksum ProblemKind = "content_checksum"
	// ProblemCorruptPatch is a patch that cannot be decoded or applied.
	ProblemCorruptPatch ProblemKind = "corrupt_patch"
	// ProblemForeignParent is a parent that belongs to another document.
	ProblemForeignParent ProblemKind = "foreign_parent"
	// ProblemCycle is a chain that revisits an edit.
	ProblemCycle ProblemKind = "cycle"
)

// Problem is one finding at a specific edit.
type Problem struct {
	EditID int64       `json:"edit_id"`
	Kind   ProblemKind `json:"kind"`
	Detail string      `json:"detail"`
}

func (p Problem) String() string {
	return fmt.Sprintf("edit %d: %s: %s", p.EditID, p.Kind, p.Detail)
}

// Report is the result of verifying one chain.
type Report struct {
	DocumentID string    `json:"document_id"`
	HeadEditID int64     `json:"head_edit_id"`
	Depth      int       `json:"depth"`
	Verified   int       `json:"verified"`
	Problems   []Problem `json:"problems,omitempty"`
}

// OK reports whether the chain verified without problems.
func (r *Report) OK() bool {
	return len(r.Problems) == 0
}

// Add records a problem.
func (r *Report) Add(editID int64, kind ProblemKind, format string, args ...any) {
	r.Problems = append(r.Problems, Problem{
		EditID: editID,
		Kind:   kind,
		Detail: fmt.Sprintf(format, args...),
	})
}

// Has reports whether any problem of kind was recorded.
func (r *Report) Has(kind ProblemKind) bool {
	for _, p := range r.Problems {
		if p.Kind == kind {
			return true
		}
	}
	return false
}

func (r *Report) String() string {
	if r.OK() {
		return fmt.Sprintf("document %s: head %d: %d edits verified", r.DocumentID, r.HeadEditID, r.Verified)
	}
	lines := make([]string, 0, len(r.Problems)+1)
	lines = append(lines, fmt.Sprintf("document %s: head %d: %d problem(s)", r.DocumentID, r.HeadEditID, len(r.Problems)))
	for _, p := range r.Problems {
		lines = append(lines, "  "+p.String())
	}
	return strings.Join(lines, "\n")
}
