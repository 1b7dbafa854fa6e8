// Package export writes a document's edit history as a self-describing JSON
// document, validated against docs/schema/edit-history-v1.schema.json.
package export

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"editlog/docs"
	"editlog/internal/history"
	"editlog/internal/integrity"
	"editlog/internal/patch"
	"editlog/internal/security"
	"editlog/internal/store"
)

const (
	Format  = "editlog.edit-history"
	Version = 1
)

// History is the part of the history engine an export reads.
type History interface {
	GetEdits(ctx context.Context, documentID string) ([]store.EditRecord, error)
	Reconstruct(ctx context.Context, editID int64) (string, error)
	VerifyDocument(ctx context.Context, documentID string) (*integrity.Report, error)
}

// Options controls what an export contains.
type Options struct {
	// IncludeText adds the full text of every edit.
	IncludeText bool
	// Verify adds an integrity section.
	Verify bool
	// Now stamps exported_at. Defaults to time.Now.
	Now func() time.Time
}

// Document is the exported history.
type Document struct {
	Format     string     `json:"format"`
	Version    int        `json:"version"`
	DocumentID string     `json:"document_id"`
	ExportedAt time.Time  `json:"exported_at"`
	HeadEditID *int64     `json:"head_edit_id"`
	EditCount  int        `json:"edit_count"`
	Edits      []Edit     `json:"edits"`
	Integrity  *Integrity `json:"integrity,omitempty"`
}

// Edit is one exported record. Checksums are lowercase hex.
type Edit struct {
	EditID          int64   `json:"edit_id"`
	ParentEditID    *int64  `json:"parent_edit_id"`
	TimestampNs     int64   `json:"timestamp_ns"`
	Timestamp       string  `json:"timestamp"`
	ContentChecksum string  `json:"content_checksum"`
	ParentChecksum  *string `json:"parent_checksum"`
	Patch           string  `json:"patch"`
	WorkspaceID     string  `json:"workspace_id,omitempty"`
	FilePath        string  `json:"file_path,omitempty"`
	HasPreview      bool    `json:"has_preview"`
	Stats           *Stats  `json:"stats,omitempty"`
	Text            *string `json:"text,omitempty"`
	Error           string  `json:"error,omitempty"`
}

// Stats summarizes an edit against its parent, in runes.
type Stats struct {
	Inserted   int `json:"inserted"`
	Deleted    int `json:"deleted"`
	Operations int `json:"operations"`
}

// Integrity is the verification summary.
type Integrity struct {
	OK       bool                `json:"ok"`
	Verified int                 `json:"verified"`
	Problems []integrity.Problem `json:"problems"`
}

func hexChecksum(c uint32) string {
	return fmt.Sprintf("%08x", c)
}

// Build assembles the export for documentID. Edits are listed oldest first.
// An edit whose text cannot be rebuilt is exported with an error message
// instead of stats and text; store failures abort the export.
func Build(ctx context.Context, h History, documentID string, opts Options) (*Document, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}

	records, err := h.GetEdits(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("list edits: %w", err)
	}

	doc := &Document{
		Format:     Format,
		Version:    Version,
		DocumentID: documentID,
		ExportedAt: opts.Now().UTC().Truncate(time.Second),
		EditCount:  len(records),
		Edits:      make([]Edit, 0, len(records)),
	}
	if len(records) > 0 {
		head := records[0].EditID
		doc.HeadEditID = &head
	}

	sort.Slice(records, func(i, j int) bool { return records[i].EditID < records[j].EditID })

	codec := patch.New()
	texts := make(map[int64]string, len(records))
	failed := make(map[int64]bool)

	for i := range records {
		rec := &records[i]
		e := Edit{
			EditID:          rec.EditID,
			ParentEditID:    rec.ParentEditID,
			TimestampNs:     rec.TimestampNs,
			Timestamp:       time.Unix(0, rec.TimestampNs).UTC().Format(time.RFC3339Nano),
			ContentChecksum: hexChecksum(rec.ContentChecksum),
			Patch:           rec.Patch,
			WorkspaceID:     rec.WorkspaceID,
			FilePath:        rec.FilePath,
			HasPreview:      len(rec.Preview) > 0,
		}
		if rec.ParentChecksum != nil {
			s := hexChecksum(*rec.ParentChecksum)
			e.ParentChecksum = &s
		}

		text, err := h.Reconstruct(ctx, rec.EditID)
		switch {
		case err == nil:
			texts[rec.EditID] = text
			if opts.IncludeText {
				e.Text = &text
			}
			if parent, ok := parentText(rec, texts, failed); ok {
				st := patch.Stats(codec.Optimize(codec.Diff(parent, text)))
				e.Stats = &Stats{Inserted: st.Inserted, Deleted: st.Deleted, Operations: st.Operations}
			}
		case recoverable(err):
			failed[rec.EditID] = true
			e.Error = err.Error()
		default:
			return nil, fmt.Errorf("reconstruct edit %d: %w", rec.EditID, err)
		}
		doc.Edits = append(doc.Edits, e)
	}

	if opts.Verify {
		report, err := h.VerifyDocument(ctx, documentID)
		if err != nil {
			return nil, fmt.Errorf("verify: %w", err)
		}
		problems := report.Problems
		if problems == nil {
			problems = []integrity.Problem{}
		}
		doc.Integrity = &Integrity{OK: report.OK(), Verified: report.Verified, Problems: problems}
	}

	return doc, nil
}

// parentText returns the text an edit was diffed against: empty for a root,
// the parent's text otherwise.
func parentText(rec *store.EditRecord, texts map[int64]string, failed map[int64]bool) (string, bool) {
	if rec.ParentEditID == nil {
		return "", true
	}
	if failed[*rec.ParentEditID] {
		return "", false
	}
	t, ok := texts[*rec.ParentEditID]
	return t, ok
}

func recoverable(err error) bool {
	return errors.Is(err, history.ErrEditNotFound) ||
		errors.Is(err, history.ErrPatchCorruption) ||
		errors.Is(err, history.ErrChecksumMismatch)
}

// Encode returns the document as indented JSON.
func (d *Document) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := d.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Write encodes the document to w.
func (d *Document) Write(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(d)
}

// WriteFile validates the document and writes it atomically to path.
func WriteFile(path string, d *Document) error {
	data, err := d.Encode()
	if err != nil {
		return fmt.Errorf("encode export: %w", err)
	}
	if err := Validate(data); err != nil {
		return err
	}
	return security.WriteSecureFile(path, data, security.PermPublicFile)
}

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		data, err := docs.Schemas.ReadFile(docs.EditHistorySchema)
		if err != nil {
			schemaErr = fmt.Errorf("load schema: %w", err)
			return
		}
		const url = "https://editlog.dev/schema/edit-history-v1.schema.json"
		c := jsonschema.NewCompiler()
		c.AssertFormat = true
		if err := c.AddResource(url, bytes.NewReader(data)); err != nil {
			schemaErr = fmt.Errorf("add schema: %w", err)
			return
		}
		schema, schemaErr = c.Compile(url)
	})
	return schema, schemaErr
}

// Validate checks an encoded export against the published schema.
func Validate(data []byte) error {
	s, err := compiledSchema()
	if err != nil {
		return err
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var instance any
	if err := dec.Decode(&instance); err != nil {
		return fmt.Errorf("decode export: %w", err)
	}
	if err := s.Validate(instance); err != nil {
		return fmt.Errorf("export does not match schema: %w", err)
	}
	return nil
}
