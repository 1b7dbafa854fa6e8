package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"editlog/internal/commit"
	"editlog/internal/history"
	"editlog/internal/logging"
	"editlog/internal/store"
)

// memEditor forwards every text change to the controller, like a real
// editor binding does.
type memEditor struct {
	mu       sync.Mutex
	text     string
	failNext error
	onChange func(string)
}

func (e *memEditor) Text() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.text
}

func (e *memEditor) SetText(text string) error {
	e.mu.Lock()
	if err := e.failNext; err != nil {
		e.failNext = nil
		e.mu.Unlock()
		return err
	}
	e.text = text
	cb := e.onChange
	e.mu.Unlock()
	if cb != nil {
		cb(text)
	}
	return nil
}

// typeText simulates the user typing.
func (e *memEditor) typeText(text string) {
	_ = e.SetText(text)
}

type fixture struct {
	engine     *history.Engine
	controller *commit.Controller
	editor     *memEditor
	session    *Session
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	engine, err := history.NewEngine(history.Config{Store: store.NewMemoryStore(), Logger: logging.Nop()})
	require.NoError(t, err)
	t.Cleanup(engine.Close)

	c, err := commit.NewController(engine, "doc", commit.Options{QuietPeriod: time.Hour, Logger: logging.Nop()})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	ed := &memEditor{onChange: c.OnTextChange}
	s, err := New(Config{History: engine, Controller: c, Editor: ed, Logger: logging.Nop()})
	require.NoError(t, err)
	return &fixture{engine: engine, controller: c, editor: ed, session: s}
}

func (f *fixture) commit(t *testing.T, text string) *store.EditRecord {
	t.Helper()
	f.editor.typeText(text)
	rec, err := f.controller.Flush(context.Background())
	require.NoError(t, err)
	require.NotNil(t, rec)
	return rec
}

func (f *fixture) count(t *testing.T) int {
	t.Helper()
	edits, err := f.engine.GetEdits(context.Background(), "doc")
	require.NoError(t, err)
	return len(edits)
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

// =============================================================================
// SelectEdit
// =============================================================================

func TestSelectEdit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.commit(t, "Hello")
	f.commit(t, "Hello World")

	_, ok := f.session.Viewed()
	assert.False(t, ok)

	text, err := f.session.SelectEdit(ctx, a.EditID)
	require.NoError(t, err)
	assert.Equal(t, "Hello", text)

	viewed, ok := f.session.Viewed()
	require.True(t, ok)
	assert.Equal(t, a.EditID, viewed)

	assert.Equal(t, "Hello World", f.editor.Text())
	assert.Equal(t, 2, f.count(t))
}

func TestSelectEditErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.session.SelectEdit(ctx, 99)
	assert.ErrorIs(t, err, history.ErrEditNotFound)

	other, err := f.engine.SaveEdit(ctx, "other", "not mine")
	require.NoError(t, err)
	_, err = f.session.SelectEdit(ctx, other.EditID)
	assert.ErrorIs(t, err, ErrForeignEdit)

	assert.ErrorIs(t, f.session.Restore(ctx, other.EditID), ErrForeignEdit)
	_, err = f.session.Rebase(ctx, other.EditID)
	assert.ErrorIs(t, err, ErrForeignEdit)
}

// =============================================================================
// Restore
// =============================================================================

func TestRestoreThenSaveParentsOnPreviousHead(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.commit(t, "Hello")
	b := f.commit(t, "Hello World")

	require.NoError(t, f.session.Restore(ctx, a.EditID))
	assert.Equal(t, "Hello", f.editor.Text())
	assert.Equal(t, 2, f.count(t), "restore writes no record")

	_, pending := f.controller.Pending()
	assert.False(t, pending, "the restore itself is not a user change")

	next := f.commit(t, "Hello there")
	require.NotNil(t, next.ParentEditID)
	assert.Equal(t, b.EditID, *next.ParentEditID)

	text, err := f.engine.Reconstruct(ctx, next.EditID)
	require.NoError(t, err)
	assert.Equal(t, "Hello there", text)
}

func TestRestoreDropsPendingText(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.commit(t, "Hello")

	f.editor.typeText("Hello, unsaved")
	require.NoError(t, f.session.Restore(ctx, a.EditID))

	rec, err := f.controller.Flush(ctx)
	require.NoError(t, err)
	assert.Nil(t, rec)
	assert.Equal(t, 1, f.count(t))
}

func TestRestoreEditorFailure(t *testing.T) {
	f := newFixture(t)
	a := f.commit(t, "Hello")
	f.commit(t, "Hello World")

	f.editor.failNext = errors.New("read-only buffer")
	err := f.session.Restore(context.Background(), a.EditID)
	assert.ErrorContains(t, err, "read-only buffer")
	assert.Equal(t, "Hello World", f.editor.Text())
	assert.False(t, f.controller.Muted())
}

// =============================================================================
// Rebase
// =============================================================================

func TestRebaseWritesMarkerOnRestoredEdit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.commit(t, "Hello")
	b := f.commit(t, "Hello World")

	marker, err := f.session.Rebase(ctx, a.EditID)
	require.NoError(t, err)
	require.NotNil(t, marker.ParentEditID)
	assert.Equal(t, a.EditID, *marker.ParentEditID)
	assert.Equal(t, "", marker.Patch)
	assert.Equal(t, "Hello", f.editor.Text())

	head, err := f.session.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, marker.EditID, head.EditID)

	viewed, _ := f.session.Viewed()
	assert.Equal(t, marker.EditID, viewed)

	text, err := f.engine.Reconstruct(ctx, marker.EditID)
	require.NoError(t, err)
	assert.Equal(t, "Hello", text)

	next := f.commit(t, "Hello again")
	assert.Equal(t, marker.EditID, *next.ParentEditID)

	// The abandoned branch is still readable.
	text, err = f.engine.Reconstruct(ctx, b.EditID)
	require.NoError(t, err)
	assert.Equal(t, "Hello World", text)

	report, err := f.engine.VerifyDocument(ctx, "doc")
	require.NoError(t, err)
	assert.True(t, report.OK(), report.String())
}

func TestRebaseEditorFailureWritesNothing(t *testing.T) {
	f := newFixture(t)
	a := f.commit(t, "Hello")
	f.commit(t, "Hello World")

	f.editor.failNext = errors.New("closed")
	_, err := f.session.Rebase(context.Background(), a.EditID)
	require.Error(t, err)
	assert.Equal(t, 2, f.count(t))
}

// =============================================================================
// ClearAll
// =============================================================================

func TestClearAll(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.commit(t, "Hello")
	f.commit(t, "Hello World")
	_, err := f.session.SelectEdit(ctx, a.EditID)
	require.NoError(t, err)

	require.NoError(t, f.session.ClearAll(ctx))

	assert.Zero(t, f.count(t))
	assert.Equal(t, "", f.editor.Text())
	_, ok := f.session.Viewed()
	assert.False(t, ok)

	head, err := f.session.Head(ctx)
	require.NoError(t, err)
	assert.Nil(t, head)

	_, err = f.session.SelectEdit(ctx, a.EditID)
	assert.ErrorIs(t, err, history.ErrEditNotFound)

	// A fresh history starts with a root record.
	root := f.commit(t, "Fresh start")
	assert.Nil(t, root.ParentEditID)
}
