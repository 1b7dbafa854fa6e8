package history

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"editlog/internal/integrity"
	"editlog/internal/store"
)

func buildChain(t *testing.T, st *store.MemoryStore, texts ...string) []*store.EditRecord {
	t.Helper()
	e := newEngine(t, st)
	out := make([]*store.EditRecord, 0, len(texts))
	for _, text := range texts {
		out = append(out, mustSave(t, e, "doc", text))
	}
	return out
}

func TestVerifyChainOK(t *testing.T) {
	st := store.NewMemoryStore()
	recs := buildChain(t, st, "one", "one two", "one two three")

	e := newEngine(t, st)
	report, err := e.VerifyChain(context.Background(), recs[2].EditID)
	require.NoError(t, err)
	assert.True(t, report.OK(), report.String())
	assert.Equal(t, 3, report.Depth)
	assert.Equal(t, 3, report.Verified)
	assert.Equal(t, "doc", report.DocumentID)
}

func TestVerifyChainMissingHead(t *testing.T) {
	e := newEngine(t, store.NewMemoryStore())
	_, err := e.VerifyChain(context.Background(), 77)
	assert.ErrorIs(t, err, ErrEditNotFound)
}

func TestVerifyChainMissingAncestor(t *testing.T) {
	st := store.NewMemoryStore()
	recs := buildChain(t, st, "one", "one two", "one two three")
	require.True(t, st.Drop(recs[0].EditID))

	e := newEngine(t, st)
	report, err := e.VerifyChain(context.Background(), recs[2].EditID)
	require.NoError(t, err)
	require.False(t, report.OK())
	assert.True(t, report.Has(integrity.ProblemMissingAncestor))
	assert.Equal(t, recs[1].EditID, report.Problems[0].EditID)
	assert.Zero(t, report.Verified)
}

func TestVerifyChainContentChecksum(t *testing.T) {
	st := store.NewMemoryStore()
	recs := buildChain(t, st, "one", "one two", "one two three")
	bad := recs[1].ContentChecksum ^ 0xff
	require.True(t, st.Corrupt(recs[1].EditID, recs[1].Patch, &bad))

	e := newEngine(t, st)
	report, err := e.VerifyChain(context.Background(), recs[2].EditID)
	require.NoError(t, err)

	// The middle record's checksum is wrong, and its child's recorded
	// parent checksum no longer matches it.
	assert.True(t, report.Has(integrity.ProblemContentChecksum))
	assert.True(t, report.Has(integrity.ProblemParentChecksum))
	assert.Equal(t, 2, report.Verified)
}

func TestVerifyChainCorruptPatch(t *testing.T) {
	st := store.NewMemoryStore()
	recs := buildChain(t, st, "one", "one two", "one two three")
	require.True(t, st.Corrupt(recs[1].EditID, "garbage", nil))

	e := newEngine(t, st)
	report, err := e.VerifyChain(context.Background(), recs[2].EditID)
	require.NoError(t, err)
	assert.True(t, report.Has(integrity.ProblemCorruptPatch))
	assert.Equal(t, 1, report.Verified)
}

func TestVerifyDocumentCoversBranches(t *testing.T) {
	st := store.NewMemoryStore()
	e := newEngine(t, st)
	ctx := context.Background()

	a := mustSave(t, e, "doc", "Hello")
	b := mustSave(t, e, "doc", "Hello World")
	_, err := e.Commit(ctx, CommitRequest{DocumentID: "doc", Text: "Hello", ParentEditID: &a.EditID, Force: true})
	require.NoError(t, err)
	mustSave(t, e, "doc", "Hello!!")

	report, err := e.VerifyDocument(ctx, "doc")
	require.NoError(t, err)
	assert.True(t, report.OK(), report.String())
	assert.Equal(t, 4, report.Verified)
	assert.Equal(t, 4, report.Depth)

	// Corrupt the abandoned branch; only a full-document check sees it.
	bad := b.ContentChecksum + 1
	require.True(t, st.Corrupt(b.EditID, b.Patch, &bad))

	cold := newEngine(t, st)
	latest, _ := cold.GetLatestEdit(ctx, "doc")
	chain, err := cold.VerifyChain(ctx, latest.EditID)
	require.NoError(t, err)
	assert.True(t, chain.OK(), chain.String())

	report, err = cold.VerifyDocument(ctx, "doc")
	require.NoError(t, err)
	assert.True(t, report.Has(integrity.ProblemContentChecksum))
	assert.Equal(t, b.EditID, report.Problems[0].EditID)
}

func TestVerifyDocumentEmpty(t *testing.T) {
	e := newEngine(t, store.NewMemoryStore())
	report, err := e.VerifyDocument(context.Background(), "nothing")
	require.NoError(t, err)
	assert.True(t, report.OK())
	assert.Zero(t, report.Depth)
}

func TestVerifyDocumentForeignParent(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()

	otherID, err := st.Append(ctx, &store.EditRecord{DocumentID: "other", Patch: "", ContentChecksum: integrity.Checksum("")})
	require.NoError(t, err)
	sum := integrity.Checksum("")
	_, err = st.Append(ctx, &store.EditRecord{
		DocumentID:      "doc",
		Patch:           "",
		ParentEditID:    &otherID,
		ParentChecksum:  &sum,
		TimestampNs:     1,
		ContentChecksum: integrity.Checksum(""),
	})
	require.NoError(t, err)

	e := newEngine(t, st)
	report, err := e.VerifyDocument(ctx, "doc")
	require.NoError(t, err)
	assert.True(t, report.Has(integrity.ProblemForeignParent))
}
