// Package commit decides when editor text becomes a history record.
//
// A Controller debounces text changes per document: each change re-arms a
// quiet-period timer, and the text is committed once typing pauses. Callers
// that rewrite the editor themselves (restore, rebase, clear) run inside a
// Transaction, which mutes change tracking and serializes with timer-fired
// commits.
package commit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"editlog/internal/journal"
	"editlog/internal/logging"
	"editlog/internal/metrics"
	"editlog/internal/store"
)

const (
	// DefaultQuietPeriod is how long the text must stay unchanged before
	// it is committed.
	DefaultQuietPeriod = 3 * time.Second

	// DefaultCommitTimeout bounds a timer-fired commit.
	DefaultCommitTimeout = 30 * time.Second

	errorBuffer = 16
)

// ErrClosed is returned by operations on a closed controller.
var ErrClosed = errors.New("commit: controller closed")

// Saver persists a document version. A nil record with a nil error means
// the text was not worth recording.
type Saver interface {
	SaveEdit(ctx context.Context, documentID, text string) (*store.EditRecord, error)
}

// DraftLog durably records uncommitted text. *journal.Journal implements it.
type DraftLog interface {
	Draft(documentID, text string) (uint64, error)
	Committed(documentID string, editID int64) (uint64, error)
	Cleared(documentID string) (uint64, error)
	ReadAll() ([]journal.Entry, error)
}

// Options configures a Controller.
type Options struct {
	QuietPeriod   time.Duration
	CommitTimeout time.Duration
	Journal       DraftLog
	Logger        *logging.Logger
	Metrics       *metrics.EditlogMetrics
}

// Controller is the commit policy for one document.
type Controller struct {
	saver      Saver
	documentID string
	journal    DraftLog
	log        *logging.Logger
	metrics    *metrics.EditlogMetrics
	timeout    time.Duration

	// tx is held by transactions and by every commit.
	tx chan struct{}

	mu         sync.Mutex
	quiet      time.Duration
	pending    string
	hasPending bool
	generation uint64
	timer      *time.Timer
	muted      bool
	closed     bool

	errs   chan error
	ctx    context.Context
	cancel context.CancelFunc
}

// NewController creates a controller committing documentID through saver.
func NewController(saver Saver, documentID string, opts Options) (*Controller, error) {
	if saver == nil {
		return nil, errors.New("commit: saver is required")
	}
	if documentID == "" {
		return nil, errors.New("commit: document id is required")
	}
	if opts.QuietPeriod <= 0 {
		opts.QuietPeriod = DefaultQuietPeriod
	}
	if opts.CommitTimeout <= 0 {
		opts.CommitTimeout = DefaultCommitTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		saver:      saver,
		documentID: documentID,
		journal:    opts.Journal,
		log:        logging.OrDefault(opts.Logger).WithComponent("commit").WithDocument(documentID),
		metrics:    opts.Metrics,
		timeout:    opts.CommitTimeout,
		tx:         make(chan struct{}, 1),
		quiet:      opts.QuietPeriod,
		errs:       make(chan error, errorBuffer),
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// DocumentID returns the document this controller commits.
func (c *Controller) DocumentID() string {
	return c.documentID
}

func (c *Controller) lock(ctx context.Context) error {
	select {
	case c.tx <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) unlock() {
	<-c.tx
}

// OnTextChange records a new editor text. The text replaces any pending
// one and is committed after the quiet period unless another change comes
// first. Changes are ignored while muted.
func (c *Controller) OnTextChange(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.muted {
		return
	}

	c.pending = text
	c.hasPending = true
	c.generation++
	gen := c.generation
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(c.quiet, func() { c.fire(gen) })

	if c.journal != nil {
		if _, err := c.journal.Draft(c.documentID, text); err != nil {
			c.log.Warn("journal draft failed", "error", err)
			c.report(fmt.Errorf("journal draft: %w", err))
		} else {
			c.metrics.RecordDraft()
		}
	}
}

// take removes and returns the pending text. Callers hold c.mu.
func (c *Controller) take() (string, bool) {
	if !c.hasPending {
		return "", false
	}
	text := c.pending
	c.pending = ""
	c.hasPending = false
	c.generation++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	return text, true
}

// fire commits the pending text when the timer armed for generation gen
// expires.
func (c *Controller) fire(gen uint64) {
	if err := c.lock(c.ctx); err != nil {
		return
	}
	defer c.unlock()

	c.mu.Lock()
	if c.closed || c.muted || gen != c.generation {
		c.mu.Unlock()
		return
	}
	text, ok := c.take()
	c.mu.Unlock()
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(c.ctx, c.timeout)
	defer cancel()
	if _, err := c.commit(ctx, text); err != nil {
		c.report(err)
	}
}

// commit saves text and resolves the journaled draft. Callers hold tx.
func (c *Controller) commit(ctx context.Context, text string) (*store.EditRecord, error) {
	rec, err := c.saver.SaveEdit(ctx, c.documentID, text)
	if err != nil {
		c.metrics.RecordCommitError()
		c.log.Error("commit failed", "error", err)
		return nil, fmt.Errorf("commit %s: %w", c.documentID, err)
	}

	var editID int64
	if rec != nil {
		editID = rec.EditID
		c.log.Debug("committed", "edit_id", rec.EditID)
	}
	c.resolveDraft(editID)
	return rec, nil
}

func (c *Controller) resolveDraft(editID int64) {
	if c.journal == nil {
		return
	}
	if _, err := c.journal.Committed(c.documentID, editID); err != nil {
		c.log.Warn("journal commit marker failed", "error", err)
	}
}

func (c *Controller) report(err error) {
	select {
	case c.errs <- err:
	default:
		c.log.Warn("commit error dropped", "error", err)
	}
}

// Flush commits the pending text now. It returns nil, nil when nothing is
// pending. Flush must not be called from inside a Transaction.
func (c *Controller) Flush(ctx context.Context) (*store.EditRecord, error) {
	if err := c.lock(ctx); err != nil {
		return nil, err
	}
	defer c.unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	text, ok := c.take()
	c.mu.Unlock()
	if !ok {
		return nil, nil
	}
	return c.commit(ctx, text)
}

// CommitNow discards any pending text and commits text immediately.
func (c *Controller) CommitNow(ctx context.Context, text string) (*store.EditRecord, error) {
	if err := c.lock(ctx); err != nil {
		return nil, err
	}
	defer c.unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.take()
	c.mu.Unlock()
	return c.commit(ctx, text)
}

// Transaction runs fn with change tracking muted. Any pending text is
// dropped first. Transactions and commits never overlap.
func (c *Controller) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := c.lock(ctx); err != nil {
		return err
	}
	defer c.unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.muted = true
	_, dropped := c.take()
	c.mu.Unlock()

	if dropped {
		c.resolveDraft(0)
	}

	defer func() {
		c.mu.Lock()
		c.muted = false
		c.mu.Unlock()
	}()
	return fn(ctx)
}

// MarkCleared journals that the document's history was cleared, so no
// older draft is recovered afterwards.
func (c *Controller) MarkCleared() {
	if c.journal == nil {
		return
	}
	if _, err := c.journal.Cleared(c.documentID); err != nil {
		c.log.Warn("journal clear marker failed", "error", err)
	}
}

// Recover commits the newest journaled draft that was never committed. It
// returns nil, nil when there is nothing to recover or the draft matched the
// stored history.
func (c *Controller) Recover(ctx context.Context) (*store.EditRecord, error) {
	if c.journal == nil {
		return nil, nil
	}
	entries, err := c.journal.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read journal: %w", err)
	}
	draft, seq, ok := journal.PendingDraft(entries, c.documentID)
	if !ok {
		return nil, nil
	}

	if err := c.lock(ctx); err != nil {
		return nil, err
	}
	defer c.unlock()

	rec, err := c.commit(ctx, draft.Text)
	if err != nil {
		return nil, err
	}
	c.metrics.RecordRecovery()
	c.log.Info("recovered draft", "sequence", seq, "chars", len(draft.Text))
	return rec, nil
}

// Muted reports whether a transaction is running.
func (c *Controller) Muted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.muted
}

// Pending returns the text waiting for the quiet period.
func (c *Controller) Pending() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending, c.hasPending
}

// QuietPeriod returns the current quiet period.
func (c *Controller) QuietPeriod() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.quiet
}

// SetQuietPeriod changes the quiet period for changes made from now on.
// Non-positive values restore the default.
func (c *Controller) SetQuietPeriod(d time.Duration) {
	if d <= 0 {
		d = DefaultQuietPeriod
	}
	c.mu.Lock()
	c.quiet = d
	c.mu.Unlock()
}

// Errors delivers failures of timer-fired commits and journal writes. The
// channel is never closed.
func (c *Controller) Errors() <-chan error {
	return c.errs
}

// Close stops the timer and waits for a running commit. Pending text is not
// committed; it stays in the journal for Recover.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.mu.Unlock()

	c.tx <- struct{}{}
	c.unlock()
	c.cancel()
	return nil
}
