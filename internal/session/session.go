// Package session binds an editor surface to a document's history: viewing
// old versions, restoring them into the editor, rebasing the history onto
// them and clearing it.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"editlog/internal/commit"
	"editlog/internal/history"
	"editlog/internal/logging"
	"editlog/internal/store"
)

// ErrForeignEdit is returned for an edit that belongs to another document.
var ErrForeignEdit = history.ErrForeignEdit

// Editor is the text surface a session drives.
type Editor interface {
	Text() string
	SetText(text string) error
}

// History is the part of the history engine a session uses.
type History interface {
	GetEdit(ctx context.Context, editID int64) (*store.EditRecord, error)
	GetLatestEdit(ctx context.Context, documentID string) (*store.EditRecord, error)
	Reconstruct(ctx context.Context, editID int64) (string, error)
	Commit(ctx context.Context, req history.CommitRequest) (*store.EditRecord, error)
	ClearAllEdits(ctx context.Context, documentID string) (int64, error)
}

// Config wires a Session.
type Config struct {
	History    History
	Controller *commit.Controller
	Editor     Editor
	Logger     *logging.Logger
}

// Session is one document open in one editor.
type Session struct {
	history    History
	controller *commit.Controller
	editor     Editor
	documentID string
	log        *logging.Logger

	mu        sync.Mutex
	viewed    int64
	hasViewed bool
}

// New creates a session. The document is the controller's.
func New(cfg Config) (*Session, error) {
	switch {
	case cfg.History == nil:
		return nil, errors.New("session: history is required")
	case cfg.Controller == nil:
		return nil, errors.New("session: controller is required")
	case cfg.Editor == nil:
		return nil, errors.New("session: editor is required")
	}
	doc := cfg.Controller.DocumentID()
	return &Session{
		history:    cfg.History,
		controller: cfg.Controller,
		editor:     cfg.Editor,
		documentID: doc,
		log:        logging.OrDefault(cfg.Logger).WithComponent("session").WithDocument(doc),
	}, nil
}

// DocumentID returns the session's document.
func (s *Session) DocumentID() string {
	return s.documentID
}

// edit loads editID and checks it belongs to this document.
func (s *Session) edit(ctx context.Context, editID int64) (*store.EditRecord, error) {
	rec, err := s.history.GetEdit(ctx, editID)
	if err != nil {
		return nil, err
	}
	if rec.DocumentID != s.documentID {
		return nil, fmt.Errorf("%w: edit %d belongs to %q", ErrForeignEdit, editID, rec.DocumentID)
	}
	return rec, nil
}

func (s *Session) setViewed(editID int64) {
	s.mu.Lock()
	s.viewed, s.hasViewed = editID, true
	s.mu.Unlock()
}

// SelectEdit marks editID as viewed and returns its text. Neither the
// editor nor the history changes.
func (s *Session) SelectEdit(ctx context.Context, editID int64) (string, error) {
	if _, err := s.edit(ctx, editID); err != nil {
		return "", err
	}
	text, err := s.history.Reconstruct(ctx, editID)
	if err != nil {
		return "", err
	}
	s.setViewed(editID)
	return text, nil
}

// Viewed returns the edit last selected, restored or rebased onto.
func (s *Session) Viewed() (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewed, s.hasViewed
}

// Head returns the document's latest edit, or nil when it has none.
func (s *Session) Head(ctx context.Context) (*store.EditRecord, error) {
	return s.history.GetLatestEdit(ctx, s.documentID)
}

// Restore puts the text of editID into the editor without writing a record.
// The next commit is still parented on the current head, so the restored
// text arrives as a new edit on top of it.
func (s *Session) Restore(ctx context.Context, editID int64) error {
	return s.controller.Transaction(ctx, func(ctx context.Context) error {
		if _, err := s.edit(ctx, editID); err != nil {
			return err
		}
		text, err := s.history.Reconstruct(ctx, editID)
		if err != nil {
			return err
		}
		if err := s.editor.SetText(text); err != nil {
			return fmt.Errorf("set editor text: %w", err)
		}
		s.setViewed(editID)
		s.log.Info("restored edit", "edit_id", editID)
		return nil
	})
}

// Rebase makes editID the base of future commits. The editor gets its text
// and a marker record with an empty patch, parented on editID, becomes the
// new head. Later edits stay in the store.
func (s *Session) Rebase(ctx context.Context, editID int64) (*store.EditRecord, error) {
	var marker *store.EditRecord
	err := s.controller.Transaction(ctx, func(ctx context.Context) error {
		if _, err := s.edit(ctx, editID); err != nil {
			return err
		}
		text, err := s.history.Reconstruct(ctx, editID)
		if err != nil {
			return err
		}
		if err := s.editor.SetText(text); err != nil {
			return fmt.Errorf("set editor text: %w", err)
		}

		marker, err = s.history.Commit(ctx, history.CommitRequest{
			DocumentID:   s.documentID,
			Text:         text,
			ParentEditID: &editID,
			Force:        true,
		})
		if err != nil {
			return fmt.Errorf("write rebase marker: %w", err)
		}
		s.setViewed(marker.EditID)
		s.log.Info("rebased", "onto", editID, "marker", marker.EditID)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return marker, nil
}

// ClearAll deletes the document's history and empties the editor.
func (s *Session) ClearAll(ctx context.Context) error {
	return s.controller.Transaction(ctx, func(ctx context.Context) error {
		n, err := s.history.ClearAllEdits(ctx, s.documentID)
		if err != nil {
			return err
		}
		s.controller.MarkCleared()
		if err := s.editor.SetText(""); err != nil {
			return fmt.Errorf("set editor text: %w", err)
		}

		s.mu.Lock()
		s.viewed, s.hasViewed = 0, false
		s.mu.Unlock()
		s.log.Info("cleared history", "removed", n)
		return nil
	})
}
