// Package history stores a document's versions as a chain of patches and
// rebuilds any version on demand.
//
// Each committed edit holds a patch against its parent's text, the parent's
// id and checksum, and a checksum of its own text. Reconstruction walks the
// parent links back to a root (or to an ancestor already in the cache) and
// replays the patches oldest first.
package history

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"editlog/internal/cache"
	"editlog/internal/events"
	"editlog/internal/integrity"
	"editlog/internal/logging"
	"editlog/internal/metrics"
	"editlog/internal/patch"
	"editlog/internal/store"
)

// IntegrityMode selects what Reconstruct does when reconstructed text does
// not match its recorded checksum.
type IntegrityMode string

const (
	// IntegrityStrict fails the reconstruction with ErrChecksumMismatch.
	IntegrityStrict IntegrityMode = "strict"
	// IntegrityWarn logs the mismatch and returns the text uncached.
	IntegrityWarn IntegrityMode = "warn"
	// IntegrityOff skips the check.
	IntegrityOff IntegrityMode = "off"
)

// ParseIntegrityMode parses a mode name. The empty string is strict.
func ParseIntegrityMode(s string) (IntegrityMode, error) {
	switch IntegrityMode(strings.ToLower(s)) {
	case "", IntegrityStrict:
		return IntegrityStrict, nil
	case IntegrityWarn:
		return IntegrityWarn, nil
	case IntegrityOff:
		return IntegrityOff, nil
	default:
		return IntegrityStrict, fmt.Errorf("unknown integrity mode: %q", s)
	}
}

// Config configures an Engine. Only Store is required.
type Config struct {
	Store   store.RecordStore
	Cache   *cache.Cache
	Codec   *patch.Codec
	Bus     *events.Bus
	Logger  *logging.Logger
	Metrics *metrics.EditlogMetrics

	// AllowWhitespaceOnly disables the rule that skips commits whose only
	// changes are whitespace.
	AllowWhitespaceOnly bool

	IntegrityMode IntegrityMode

	// Clock supplies commit timestamps. Defaults to time.Now.
	Clock func() time.Time
}

// Engine is the history engine for any number of documents sharing a store.
// Commits to one document must be serialized by the caller; reads are safe
// for concurrent use.
type Engine struct {
	store     store.RecordStore
	cache     *cache.Cache
	codec     *patch.Codec
	bus       *events.Bus
	log       *logging.Logger
	metrics   *metrics.EditlogMetrics
	allowWS   bool
	integrity IntegrityMode
	clock     func() time.Time
}

// NewEngine creates an engine from cfg.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, errors.New("history: store is required")
	}

	mode, err := ParseIntegrityMode(string(cfg.IntegrityMode))
	if err != nil {
		return nil, err
	}

	e := &Engine{
		store:     cfg.Store,
		cache:     cfg.Cache,
		codec:     cfg.Codec,
		bus:       cfg.Bus,
		log:       logging.OrDefault(cfg.Logger).WithComponent("history"),
		metrics:   cfg.Metrics,
		allowWS:   cfg.AllowWhitespaceOnly,
		integrity: mode,
		clock:     cfg.Clock,
	}
	if e.cache == nil {
		if e.cache, err = cache.New(cache.DefaultSize); err != nil {
			return nil, err
		}
	}
	if e.codec == nil {
		e.codec = patch.New()
	}
	if e.bus == nil {
		e.bus = events.NewBus()
	}
	if e.clock == nil {
		e.clock = time.Now
	}
	return e, nil
}

// Events returns the engine's notification bus.
func (e *Engine) Events() *events.Bus {
	return e.bus
}

// Cache returns the engine's reconstruction cache.
func (e *Engine) Cache() *cache.Cache {
	return e.cache
}

// Store returns the record store.
func (e *Engine) Store() store.RecordStore {
	return e.store
}

// CommitRequest describes one commit.
type CommitRequest struct {
	DocumentID  string
	Text        string
	WorkspaceID string
	FilePath    string

	// ParentEditID pins the parent. When nil the document's latest edit is
	// the parent.
	ParentEditID *int64

	// Force writes a record even when the text is unchanged or the change
	// is whitespace-only.
	Force bool
}

// SaveEdit commits text as the next version of documentID. It returns nil
// and no error when the text is identical to the latest version or differs
// from it only in whitespace.
func (e *Engine) SaveEdit(ctx context.Context, documentID, text string) (*store.EditRecord, error) {
	return e.Commit(ctx, CommitRequest{DocumentID: documentID, Text: text})
}

// Commit is the general form of SaveEdit.
func (e *Engine) Commit(ctx context.Context, req CommitRequest) (*store.EditRecord, error) {
	if req.DocumentID == "" {
		return nil, ErrEmptyDocumentID
	}
	if !utf8.ValidString(req.Text) {
		return nil, fmt.Errorf("%w: document %q", ErrInvalidText, req.DocumentID)
	}
	start := time.Now()
	log := e.log.WithDocument(req.DocumentID)

	latest, err := e.store.QueryLatest(ctx, req.DocumentID)
	if err != nil {
		return nil, fmt.Errorf("query latest edit: %w", err)
	}

	parent := latest
	if req.ParentEditID != nil {
		parent, err = e.GetEdit(ctx, *req.ParentEditID)
		if err != nil {
			return nil, fmt.Errorf("load parent: %w", err)
		}
		if parent.DocumentID != req.DocumentID {
			return nil, fmt.Errorf("%w: parent %d is in %q", ErrForeignEdit, parent.EditID, parent.DocumentID)
		}
	}

	parentText := ""
	if parent != nil {
		if parentText, err = e.Reconstruct(ctx, parent.EditID); err != nil {
			return nil, fmt.Errorf("reconstruct parent %d: %w", parent.EditID, err)
		}
	}

	diffs := e.codec.Optimize(e.codec.Diff(parentText, req.Text))
	if !req.Force {
		if patch.IsIdentity(diffs) {
			log.Debug("commit skipped", "reason", "unchanged")
			e.metrics.RecordSkip()
			return nil, nil
		}
		if !e.allowWS && patch.IsWhitespaceOnly(diffs) {
			log.Debug("commit skipped", "reason", "whitespace_only")
			e.metrics.RecordSkip()
			return nil, nil
		}
	}

	encoded, err := e.codec.Build(parentText, req.Text, diffs)
	if err != nil {
		return nil, fmt.Errorf("encode edit: %w", err)
	}

	ts := e.clock().UnixNano()
	if latest != nil && ts <= latest.TimestampNs {
		ts = latest.TimestampNs + 1
	}

	rec := &store.EditRecord{
		DocumentID:      req.DocumentID,
		WorkspaceID:     req.WorkspaceID,
		FilePath:        req.FilePath,
		Patch:           encoded,
		TimestampNs:     ts,
		ContentChecksum: integrity.Checksum(req.Text),
	}
	if parent != nil {
		id, sum := parent.EditID, parent.ContentChecksum
		rec.ParentEditID = &id
		rec.ParentChecksum = &sum
	}

	id, err := e.store.Append(ctx, rec)
	if err != nil {
		return nil, fmt.Errorf("append edit: %w", err)
	}
	rec.EditID = id
	e.cache.Add(id, req.Text)

	stats := patch.Stats(diffs)
	e.metrics.RecordCommit(time.Since(start), len(rec.Patch))
	e.metrics.SetCacheEntries(e.cache.Len())
	log.Info("edit committed",
		"edit_id", id,
		"parent_edit_id", parentIDAttr(rec.ParentEditID),
		"inserted", stats.Inserted,
		"deleted", stats.Deleted,
		"forced", req.Force,
	)

	e.bus.Publish(events.Event{Kind: events.KindEditCommitted, DocumentID: req.DocumentID, EditID: id, Record: rec.Clone()})
	e.bus.Publish(events.Event{Kind: events.KindHistoryChanged, DocumentID: req.DocumentID, EditID: id})
	return rec, nil
}

func parentIDAttr(id *int64) any {
	if id == nil {
		return nil
	}
	return *id
}

// Reconstruct returns the full text of editID.
func (e *Engine) Reconstruct(ctx context.Context, editID int64) (string, error) {
	if text, ok := e.cache.Get(editID); ok {
		e.metrics.RecordCacheHit()
		return text, nil
	}
	start := time.Now()

	// Newest first; chain[0] is editID.
	var chain []*store.EditRecord
	base := ""
	seen := make(map[int64]bool)

	for cur := editID; ; {
		if seen[cur] {
			return "", fmt.Errorf("%w: edit %d revisits edit %d", ErrBrokenChain, editID, cur)
		}
		seen[cur] = true

		rec, err := e.store.Get(ctx, cur)
		if err != nil {
			return "", fmt.Errorf("load edit %d: %w", cur, err)
		}
		if rec == nil {
			if cur == editID {
				return "", fmt.Errorf("%w: edit %d", ErrEditNotFound, editID)
			}
			return "", fmt.Errorf("%w: ancestor %d of edit %d is missing", ErrBrokenChain, cur, editID)
		}
		if len(chain) > 0 {
			if rec.DocumentID != chain[0].DocumentID {
				return "", fmt.Errorf("%w: ancestor %d of edit %d is in %q", ErrBrokenChain, cur, editID, rec.DocumentID)
			}
			if text, ok := e.cache.Peek(cur); ok {
				base = text
				break
			}
		}
		chain = append(chain, rec)

		if rec.ParentEditID == nil {
			break
		}
		cur = *rec.ParentEditID
	}

	text := base
	for i := len(chain) - 1; i >= 0; i-- {
		var err error
		if text, err = e.codec.ApplyText(text, chain[i].Patch); err != nil {
			return "", fmt.Errorf("reconstruct edit %d: patch of edit %d: %w", editID, chain[i].EditID, err)
		}
	}

	head := chain[0]
	if e.integrity != IntegrityOff {
		if err := integrity.Verify(head.ContentChecksum, text); err != nil {
			e.metrics.RecordIntegrityFailure()
			e.log.Warn("checksum mismatch",
				"document_id", head.DocumentID,
				"edit_id", editID,
				"mode", string(e.integrity),
				"error", err,
			)
			if e.integrity == IntegrityStrict {
				return "", fmt.Errorf("reconstruct edit %d: %w", editID, err)
			}
			return text, nil
		}
	}

	e.cache.Add(editID, text)
	e.metrics.RecordReconstruct(time.Since(start), len(chain))
	e.metrics.SetCacheEntries(e.cache.Len())
	return text, nil
}

// GetEdit returns the record with the given id.
func (e *Engine) GetEdit(ctx context.Context, editID int64) (*store.EditRecord, error) {
	rec, err := e.store.Get(ctx, editID)
	if err != nil {
		return nil, fmt.Errorf("load edit %d: %w", editID, err)
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: edit %d", ErrEditNotFound, editID)
	}
	return rec, nil
}

// GetEdits returns every edit of documentID, newest first.
func (e *Engine) GetEdits(ctx context.Context, documentID string) ([]store.EditRecord, error) {
	return e.store.QueryAll(ctx, documentID)
}

// GetLatestEdit returns the newest edit of documentID, or nil when the
// document has no history.
func (e *Engine) GetLatestEdit(ctx context.Context, documentID string) (*store.EditRecord, error) {
	return e.store.QueryLatest(ctx, documentID)
}

// ClearAllEdits deletes every edit of documentID and evicts their cached
// reconstructions. It returns the number of records removed.
func (e *Engine) ClearAllEdits(ctx context.Context, documentID string) (int64, error) {
	if documentID == "" {
		return 0, ErrEmptyDocumentID
	}

	records, err := e.store.QueryAll(ctx, documentID)
	if err != nil {
		return 0, fmt.Errorf("list edits: %w", err)
	}

	n, err := e.store.DeleteAll(ctx, documentID)
	if err != nil {
		return 0, fmt.Errorf("delete edits: %w", err)
	}

	for _, r := range records {
		e.cache.Remove(r.EditID)
	}

	e.metrics.RecordClear()
	e.metrics.SetCacheEntries(e.cache.Len())
	e.log.Info("history cleared", "document_id", documentID, "removed", n)
	e.bus.Publish(events.Event{Kind: events.KindHistoryChanged, DocumentID: documentID})
	return n, nil
}

// UpdatePreview attaches a rendered artifact to an edit. The last write wins.
func (e *Engine) UpdatePreview(ctx context.Context, editID int64, blob []byte) error {
	err := e.store.UpdatePreview(ctx, editID, blob)
	if errors.Is(err, store.ErrRecordNotFound) {
		return fmt.Errorf("%w: edit %d", ErrEditNotFound, editID)
	}
	return err
}

// WithMetadata returns a saver that tags every commit with the given
// workspace id and file path.
func (e *Engine) WithMetadata(workspaceID, filePath string) *MetadataSaver {
	return &MetadataSaver{engine: e, WorkspaceID: workspaceID, FilePath: filePath}
}

// MetadataSaver commits through an Engine with fixed contextual metadata.
type MetadataSaver struct {
	engine      *Engine
	WorkspaceID string
	FilePath    string
}

// SaveEdit behaves like Engine.SaveEdit.
func (s *MetadataSaver) SaveEdit(ctx context.Context, documentID, text string) (*store.EditRecord, error) {
	return s.engine.Commit(ctx, CommitRequest{
		DocumentID:  documentID,
		Text:        text,
		WorkspaceID: s.WorkspaceID,
		FilePath:    s.FilePath,
	})
}

// Close releases the event bus. The store is owned by the caller.
func (e *Engine) Close() {
	e.bus.Close()
}
