package commit

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"editlog/internal/history"
	"editlog/internal/journal"
	"editlog/internal/logging"
	"editlog/internal/metrics"
	"editlog/internal/store"
)

const quiet = 20 * time.Millisecond

type recordingSaver struct {
	mu    sync.Mutex
	texts []string
	err   error
	next  int64
}

func (s *recordingSaver) SaveEdit(_ context.Context, _ string, text string) (*store.EditRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	s.texts = append(s.texts, text)
	s.next++
	return &store.EditRecord{EditID: s.next, DocumentID: "doc"}, nil
}

func (s *recordingSaver) saved() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.texts...)
}

func newController(t *testing.T, saver Saver, mutate ...func(*Options)) *Controller {
	t.Helper()
	opts := Options{QuietPeriod: quiet, Logger: logging.Nop()}
	for _, m := range mutate {
		m(&opts)
	}
	c, err := NewController(saver, "doc", opts)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

// =============================================================================
// Debounce
// =============================================================================

func TestDebounceCommitsLatestText(t *testing.T) {
	saver := &recordingSaver{}
	c := newController(t, saver)

	c.OnTextChange("H")
	c.OnTextChange("He")
	c.OnTextChange("Hello")

	text, ok := c.Pending()
	assert.True(t, ok)
	assert.Equal(t, "Hello", text)

	require.Eventually(t, func() bool { return len(saver.saved()) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(3 * quiet)
	assert.Equal(t, []string{"Hello"}, saver.saved())

	_, ok = c.Pending()
	assert.False(t, ok)
}

func TestNewChangeRearmsTimer(t *testing.T) {
	saver := &recordingSaver{}
	c := newController(t, saver, func(o *Options) { o.QuietPeriod = 80 * time.Millisecond })

	c.OnTextChange("a")
	time.Sleep(40 * time.Millisecond)
	c.OnTextChange("ab")
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, saver.saved(), "the second change must restart the quiet period")

	require.Eventually(t, func() bool { return len(saver.saved()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"ab"}, saver.saved())
}

func TestSetQuietPeriod(t *testing.T) {
	c := newController(t, &recordingSaver{})
	c.SetQuietPeriod(time.Minute)
	assert.Equal(t, time.Minute, c.QuietPeriod())
	c.SetQuietPeriod(0)
	assert.Equal(t, DefaultQuietPeriod, c.QuietPeriod())
}

func TestNewControllerValidation(t *testing.T) {
	_, err := NewController(nil, "doc", Options{})
	assert.Error(t, err)
	_, err = NewController(&recordingSaver{}, "", Options{})
	assert.Error(t, err)

	c, err := NewController(&recordingSaver{}, "doc", Options{Logger: logging.Nop()})
	require.NoError(t, err)
	defer c.Close()
	assert.Equal(t, DefaultQuietPeriod, c.QuietPeriod())
	assert.Equal(t, "doc", c.DocumentID())
}

// =============================================================================
// Immediate commits
// =============================================================================

func TestFlush(t *testing.T) {
	saver := &recordingSaver{}
	c := newController(t, saver, func(o *Options) { o.QuietPeriod = time.Hour })
	ctx := context.Background()

	rec, err := c.Flush(ctx)
	require.NoError(t, err)
	assert.Nil(t, rec)

	c.OnTextChange("draft")
	rec, err = c.Flush(ctx)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, []string{"draft"}, saver.saved())

	_, ok := c.Pending()
	assert.False(t, ok)
}

func TestCommitNowCancelsPending(t *testing.T) {
	saver := &recordingSaver{}
	c := newController(t, saver)

	c.OnTextChange("typed")
	_, err := c.CommitNow(context.Background(), "explicit")
	require.NoError(t, err)

	time.Sleep(4 * quiet)
	assert.Equal(t, []string{"explicit"}, saver.saved())
}

func TestBackgroundErrorsReported(t *testing.T) {
	m := metrics.NewEditlogMetrics(metrics.NewRegistry("test"))
	saver := &recordingSaver{err: errors.New("disk full")}
	c := newController(t, saver, func(o *Options) { o.Metrics = m })

	c.OnTextChange("text")

	select {
	case err := <-c.Errors():
		assert.ErrorContains(t, err, "disk full")
	case <-time.After(time.Second):
		t.Fatal("expected a background commit error")
	}
	assert.Equal(t, uint64(1), m.CommitErrors.Value())

	_, err := c.CommitNow(context.Background(), "again")
	assert.ErrorContains(t, err, "disk full")
}

// =============================================================================
// Transactions
// =============================================================================

func TestTransactionMutesChanges(t *testing.T) {
	saver := &recordingSaver{}
	c := newController(t, saver)

	err := c.Transaction(context.Background(), func(context.Context) error {
		assert.True(t, c.Muted())
		c.OnTextChange("programmatic")
		_, ok := c.Pending()
		assert.False(t, ok)
		return nil
	})
	require.NoError(t, err)
	assert.False(t, c.Muted())

	time.Sleep(4 * quiet)
	assert.Empty(t, saver.saved())
}

func TestTransactionDropsPending(t *testing.T) {
	saver := &recordingSaver{}
	c := newController(t, saver)

	c.OnTextChange("about to be replaced")
	require.NoError(t, c.Transaction(context.Background(), func(context.Context) error { return nil }))

	time.Sleep(4 * quiet)
	assert.Empty(t, saver.saved())
}

func TestTransactionReturnsError(t *testing.T) {
	c := newController(t, &recordingSaver{})
	boom := errors.New("boom")
	err := c.Transaction(context.Background(), func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.False(t, c.Muted())
}

func TestTransactionsSerialize(t *testing.T) {
	c := newController(t, &recordingSaver{})

	var active, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := c.Transaction(context.Background(), func(context.Context) error {
				n := active.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(2 * time.Millisecond)
				active.Add(-1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), peak.Load())
}

func TestTransactionHonorsContext(t *testing.T) {
	c := newController(t, &recordingSaver{})

	started := make(chan struct{})
	release := make(chan struct{})
	go c.Transaction(context.Background(), func(context.Context) error {
		close(started)
		<-release
		return nil
	})
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := c.Transaction(ctx, func(context.Context) error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	close(release)
}

// =============================================================================
// Lifecycle
// =============================================================================

func TestCloseStopsTimer(t *testing.T) {
	saver := &recordingSaver{}
	c := newController(t, saver)

	c.OnTextChange("unsaved")
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	time.Sleep(4 * quiet)
	assert.Empty(t, saver.saved())

	c.OnTextChange("ignored")
	_, ok := c.Pending()
	assert.False(t, ok)

	_, err := c.Flush(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, c.Transaction(context.Background(), func(context.Context) error { return nil }), ErrClosed)
}

// =============================================================================
// Journal recovery
// =============================================================================

func openJournal(t *testing.T, path string) *journal.Journal {
	t.Helper()
	j, err := journal.Open(path, []byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func TestRecoverCommitsJournaledDraft(t *testing.T) {
	path := filepath.Join(t.TempDir(), "drafts.journal")
	m := metrics.NewEditlogMetrics(metrics.NewRegistry("test"))

	crashed := newController(t, &recordingSaver{}, func(o *Options) {
		o.QuietPeriod = time.Hour
		o.Journal = openJournal(t, path)
		o.Metrics = m
	})
	crashed.OnTextChange("first")
	crashed.OnTextChange("lost on crash")
	require.NoError(t, crashed.Close())
	assert.Equal(t, uint64(2), m.DraftsJournaled.Value())

	saver := &recordingSaver{}
	j := openJournal(t, path)
	c := newController(t, saver, func(o *Options) {
		o.Journal = j
		o.Metrics = m
	})

	rec, err := c.Recover(context.Background())
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, []string{"lost on crash"}, saver.saved())
	assert.Equal(t, uint64(1), m.DraftsRecovered.Value())

	rec, err = c.Recover(context.Background())
	require.NoError(t, err)
	assert.Nil(t, rec)
	assert.Len(t, saver.saved(), 1)
}

func TestCommittedDraftIsNotRecovered(t *testing.T) {
	path := filepath.Join(t.TempDir(), "drafts.journal")
	j := openJournal(t, path)
	saver := &recordingSaver{}
	c := newController(t, saver, func(o *Options) { o.Journal = j })

	c.OnTextChange("saved")
	require.Eventually(t, func() bool { return len(saver.saved()) == 1 }, time.Second, 5*time.Millisecond)

	c.OnTextChange("dropped")
	require.NoError(t, c.Transaction(context.Background(), func(context.Context) error { return nil }))

	rec, err := c.Recover(context.Background())
	require.NoError(t, err)
	assert.Nil(t, rec)
	assert.Equal(t, []string{"saved"}, saver.saved())
}

func TestMarkClearedResolvesDraft(t *testing.T) {
	j := openJournal(t, filepath.Join(t.TempDir(), "drafts.journal"))
	saver := &recordingSaver{}
	c := newController(t, saver, func(o *Options) {
		o.Journal = j
		o.QuietPeriod = time.Hour
	})

	c.OnTextChange("pending")
	c.MarkCleared()

	rec, err := c.Recover(context.Background())
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestControllerWithEngine(t *testing.T) {
	engine, err := history.NewEngine(history.Config{Store: store.NewMemoryStore(), Logger: logging.Nop()})
	require.NoError(t, err)
	defer engine.Close()

	c := newController(t, engine)
	ctx := context.Background()

	c.OnTextChange("Hello")
	require.Eventually(t, func() bool {
		latest, _ := engine.GetLatestEdit(ctx, "doc")
		return latest != nil
	}, time.Second, 5*time.Millisecond)

	// Whitespace-only change: flushed, but the engine skips it.
	c.OnTextChange("Hello\n\n")
	rec, err := c.Flush(ctx)
	require.NoError(t, err)
	assert.Nil(t, rec)

	edits, err := engine.GetEdits(ctx, "doc")
	require.NoError(t, err)
	assert.Len(t, edits, 1)
}
