package journal

import (
	"crypto/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestKey() []byte {
	key := make([]byte, 32)
	rand.Read(key)
	return key
}

func openTestJournal(t *testing.T) (*Journal, string, []byte) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "drafts.journal")
	key := newTestKey()
	j, err := Open(path, key)
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j, path, key
}

// =============================================================================
// Open / Append / ReadAll
// =============================================================================

func TestOpenNewJournal(t *testing.T) {
	j, path, _ := openTestJournal(t)

	assert.Equal(t, path, j.Path())
	assert.NotEqual(t, uuid.Nil, j.ID())
	assert.Zero(t, j.LastSequence())
	assert.Zero(t, j.EntryCount())
	assert.Equal(t, int64(HeaderSize), j.Size())

	entries, err := j.ReadAll()
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestAppendAndReadAll(t *testing.T) {
	j, _, _ := openTestJournal(t)

	for i, text := range []string{"a", "ab", "abc"} {
		seq, err := j.Draft("doc", text)
		require.NoError(t, err)
		assert.Equal(t, uint64(i+1), seq)
	}
	_, err := j.Committed("doc", 7)
	require.NoError(t, err)

	entries, err := j.ReadAll()
	require.NoError(t, err)
	require.Len(t, entries, 4)
	assert.Equal(t, EntryDraft, entries[0].Type)
	assert.Equal(t, EntryCommitted, entries[3].Type)
	assert.Equal(t, entries[0].Hash(), entries[1].PrevHash)

	rec, err := entries[2].Record()
	require.NoError(t, err)
	assert.Equal(t, Record{DocumentID: "doc", Text: "abc"}, rec)

	rec, err = entries[3].Record()
	require.NoError(t, err)
	assert.Equal(t, int64(7), rec.EditID)

	after, err := j.ReadAfter(2)
	require.NoError(t, err)
	require.Len(t, after, 2)
	assert.Equal(t, uint64(3), after[0].Sequence)
}

func TestReopenContinuesSequence(t *testing.T) {
	j, path, key := openTestJournal(t)
	id := j.ID()
	_, err := j.Draft("doc", "one")
	require.NoError(t, err)
	_, err = j.Draft("doc", "two")
	require.NoError(t, err)
	require.NoError(t, j.Close())

	j2, err := Open(path, key)
	require.NoError(t, err)
	defer j2.Close()

	assert.Equal(t, id, j2.ID())
	assert.Equal(t, uint64(2), j2.LastSequence())
	assert.Zero(t, j2.Trimmed())

	seq, err := j2.Draft("doc", "three")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), seq)

	entries, err := j2.ReadAll()
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}

func TestClosedJournal(t *testing.T) {
	j, _, _ := openTestJournal(t)
	require.NoError(t, j.Close())
	require.NoError(t, j.Close())

	_, err := j.Draft("doc", "x")
	assert.ErrorIs(t, err, ErrClosed)
	_, err = j.ReadAll()
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, j.Truncate(1), ErrClosed)
}

func TestConcurrentAppends(t *testing.T) {
	j, _, _ := openTestJournal(t)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				_, err := j.Draft("doc", "text")
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	entries, err := j.ReadAll()
	require.NoError(t, err)
	require.Len(t, entries, 80)
	for i, e := range entries {
		assert.Equal(t, uint64(i+1), e.Sequence)
	}
}

// =============================================================================
// Damage detection
// =============================================================================

func TestTornTailIsTrimmed(t *testing.T) {
	j, path, key := openTestJournal(t)
	_, err := j.Draft("doc", "kept")
	require.NoError(t, err)
	_, err = j.Draft("doc", "torn")
	require.NoError(t, err)
	full := j.Size()
	require.NoError(t, j.Close())

	require.NoError(t, os.Truncate(path, full-5))

	j2, err := Open(path, key)
	require.NoError(t, err)
	defer j2.Close()

	assert.Positive(t, j2.Trimmed())
	assert.Equal(t, uint64(1), j2.LastSequence())

	seq, err := j2.Draft("doc", "after")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), seq)

	entries, err := j2.ReadAll()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	rec, err := entries[1].Record()
	require.NoError(t, err)
	assert.Equal(t, "after", rec.Text)
}

func TestGarbageTailIsTrimmed(t *testing.T) {
	j, path, key := openTestJournal(t)
	_, err := j.Draft("doc", "kept")
	require.NoError(t, err)
	size := j.Size()
	require.NoError(t, j.Close())

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o600)
	require.NoError(t, err)
	_, err = f.Write([]byte{0, 0, 0, 200, 1, 2, 3})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	j2, err := Open(path, key)
	require.NoError(t, err)
	defer j2.Close()
	assert.Equal(t, int64(7), j2.Trimmed())
	assert.Equal(t, size, j2.Size())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, size, info.Size())
}

func TestReadOnlyLeavesTailInPlace(t *testing.T) {
	j, path, key := openTestJournal(t)
	_, err := j.Draft("doc", "kept")
	require.NoError(t, err)

	// An entry still being written by the live writer.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o600)
	require.NoError(t, err)
	_, err = f.Write([]byte{0, 0, 0, 200, 1, 2, 3})
	require.NoError(t, err)
	require.NoError(t, f.Close())
	before, err := os.Stat(path)
	require.NoError(t, err)

	ro, err := OpenReadOnly(path, key)
	require.NoError(t, err)
	defer ro.Close()

	entries, err := ro.ReadAll()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(7), ro.Trimmed())

	_, err = ro.Draft("doc", "nope")
	assert.ErrorIs(t, err, ErrReadOnly)
	assert.ErrorIs(t, ro.Compact(), ErrReadOnly)
	assert.ErrorIs(t, ro.Truncate(1), ErrReadOnly)

	after, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, before.Size(), after.Size())
}

func TestReadOnlyDoesNotCreate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.journal")

	_, err := OpenReadOnly(path, newTestKey())
	assert.ErrorIs(t, err, os.ErrNotExist)
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestReadOnlyEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.journal")
	require.NoError(t, os.WriteFile(path, nil, 0o600))

	ro, err := OpenReadOnly(path, newTestKey())
	require.NoError(t, err)
	defer ro.Close()

	entries, err := ro.ReadAll()
	require.NoError(t, err)
	assert.Empty(t, entries)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Zero(t, info.Size())
}

func TestInvalidMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.journal")
	require.NoError(t, os.WriteFile(path, make([]byte, HeaderSize), 0o600))

	_, err := Open(path, newTestKey())
	assert.ErrorIs(t, err, ErrInvalidMagic)
}

func TestWrongKeyFailsHMAC(t *testing.T) {
	j, path, _ := openTestJournal(t)
	_, err := j.Draft("doc", "secret draft")
	require.NoError(t, err)
	require.NoError(t, j.Close())

	j2, err := Open(path, newTestKey())
	require.NoError(t, err)
	defer j2.Close()

	_, err = j2.ReadAll()
	assert.ErrorIs(t, err, ErrInvalidHMAC)
}

func TestTamperedPayloadDetected(t *testing.T) {
	j, path, _ := openTestJournal(t)
	_, err := j.Draft("doc", "original")
	require.NoError(t, err)

	f, err := os.OpenFile(path, os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte("X"), HeaderSize+25)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = j.ReadAll()
	assert.ErrorIs(t, err, ErrCorruptedEntry)
}

// =============================================================================
// Truncate / Compact
// =============================================================================

func TestTruncate(t *testing.T) {
	j, path, key := openTestJournal(t)
	for i := 0; i < 5; i++ {
		_, err := j.Draft("doc", string(rune('a'+i)))
		require.NoError(t, err)
	}

	require.NoError(t, j.Truncate(3))
	assert.Equal(t, 3, j.EntryCount())

	entries, err := j.ReadAll()
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, uint64(3), entries[0].Sequence)
	assert.Equal(t, [32]byte{}, entries[0].PrevHash)

	seq, err := j.Draft("doc", "f")
	require.NoError(t, err)
	assert.Equal(t, uint64(6), seq)
	require.NoError(t, j.Close())

	_, err = os.Stat(path + ".new")
	assert.True(t, os.IsNotExist(err))

	j2, err := Open(path, key)
	require.NoError(t, err)
	defer j2.Close()
	entries, err = j2.ReadAll()
	require.NoError(t, err)
	assert.Len(t, entries, 4)
	assert.Equal(t, uint64(6), j2.LastSequence())
}

func TestCompactKeepsPendingDrafts(t *testing.T) {
	j, _, _ := openTestJournal(t)

	_, _ = j.Draft("a", "a1")
	_, _ = j.Draft("a", "a2")
	_, _ = j.Committed("a", 1)
	_, _ = j.Draft("b", "b1")
	seqA, err := j.Draft("a", "a3")
	require.NoError(t, err)
	_, _ = j.Cleared("b")

	require.NoError(t, j.Compact())

	entries, err := j.ReadAll()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, seqA, entries[0].Sequence)

	rec, seq, ok := PendingDraft(entries, "a")
	require.True(t, ok)
	assert.Equal(t, seqA, seq)
	assert.Equal(t, "a3", rec.Text)
}

func TestPendingDraft(t *testing.T) {
	entry := func(seq uint64, typ EntryType, doc, text string) Entry {
		payload := `{"document_id":"` + doc + `","text":"` + text + `"}`
		return Entry{Sequence: seq, Type: typ, Payload: []byte(payload)}
	}

	tests := []struct {
		name    string
		entries []Entry
		want    string
		wantOK  bool
	}{
		{name: "empty"},
		{
			name:    "single draft",
			entries: []Entry{entry(1, EntryDraft, "doc", "hi")},
			want:    "hi",
			wantOK:  true,
		},
		{
			name: "newest draft wins",
			entries: []Entry{
				entry(1, EntryDraft, "doc", "one"),
				entry(2, EntryDraft, "doc", "two"),
			},
			want:   "two",
			wantOK: true,
		},
		{
			name: "committed resolves",
			entries: []Entry{
				entry(1, EntryDraft, "doc", "one"),
				entry(2, EntryCommitted, "doc", ""),
			},
		},
		{
			name: "cleared resolves",
			entries: []Entry{
				entry(1, EntryDraft, "doc", "one"),
				entry(2, EntryCleared, "doc", ""),
			},
		},
		{
			name: "other documents ignored",
			entries: []Entry{
				entry(1, EntryDraft, "doc", "mine"),
				entry(2, EntryCommitted, "other", ""),
				entry(3, EntryDraft, "other", "theirs"),
			},
			want:   "mine",
			wantOK: true,
		},
		{
			name: "undecodable skipped",
			entries: []Entry{
				entry(1, EntryDraft, "doc", "good"),
				{Sequence: 2, Type: EntryCommitted, Payload: []byte("{")},
			},
			want:   "good",
			wantOK: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, _, ok := PendingDraft(tt.entries, "doc")
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, rec.Text)
		})
	}
}

func TestEntryTypeString(t *testing.T) {
	assert.Equal(t, "draft", EntryDraft.String())
	assert.Equal(t, "committed", EntryCommitted.String())
	assert.Equal(t, "cleared", EntryCleared.String())
	assert.Equal(t, "unknown(9)", EntryType(9).String())
}
