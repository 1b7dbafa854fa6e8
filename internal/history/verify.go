package history

import (
	"context"
	"fmt"
	"sort"

	"editlog/internal/integrity"
	"editlog/internal/store"
)

// VerifyChain replays the chain ending at editID from its root, ignoring the
// cache, and checks every parent link and content checksum along the way.
// Problems are reported, not returned as errors; an error means the
// verification itself could not run.
func (e *Engine) VerifyChain(ctx context.Context, editID int64) (*integrity.Report, error) {
	head, err := e.GetEdit(ctx, editID)
	if err != nil {
		return nil, err
	}

	v := e.newVerifier(head.DocumentID)
	v.records[head.EditID] = head
	report := &integrity.Report{DocumentID: head.DocumentID, HeadEditID: editID}
	v.report = report

	depth, err := v.resolve(ctx, editID)
	if err != nil {
		return nil, err
	}
	report.Depth = depth
	return report, nil
}

// VerifyDocument checks every edit of documentID, including edits that are
// no longer on the latest edit's chain.
func (e *Engine) VerifyDocument(ctx context.Context, documentID string) (*integrity.Report, error) {
	records, err := e.store.QueryAll(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("list edits: %w", err)
	}

	report := &integrity.Report{DocumentID: documentID}
	if len(records) == 0 {
		return report, nil
	}
	report.HeadEditID = records[0].EditID
	report.Depth = len(records)

	sort.Slice(records, func(i, j int) bool { return records[i].EditID < records[j].EditID })

	v := e.newVerifier(documentID)
	v.report = report
	for i := range records {
		v.records[records[i].EditID] = &records[i]
	}

	for _, r := range records {
		if _, err := v.resolve(ctx, r.EditID); err != nil {
			return nil, err
		}
	}
	return report, nil
}

type verifier struct {
	e          *Engine
	documentID string
	report     *integrity.Report

	records map[int64]*store.EditRecord
	texts   map[int64]string // replayed text of verified-or-replayable edits
	failed  map[int64]bool   // edits whose text cannot be replayed
}

func (e *Engine) newVerifier(documentID string) *verifier {
	return &verifier{
		e:          e,
		documentID: documentID,
		records:    make(map[int64]*store.EditRecord),
		texts:      make(map[int64]string),
		failed:     make(map[int64]bool),
	}
}

func (v *verifier) lookup(ctx context.Context, id int64) (*store.EditRecord, error) {
	if r, ok := v.records[id]; ok {
		return r, nil
	}
	r, err := v.e.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load edit %d: %w", id, err)
	}
	if r != nil {
		v.records[id] = r
	}
	return r, nil
}

func (v *verifier) settled(id int64) bool {
	_, ok := v.texts[id]
	return ok || v.failed[id]
}

// resolve replays the chain ending at id, recording problems, and returns
// how many records it walked.
func (v *verifier) resolve(ctx context.Context, id int64) (int, error) {
	if v.settled(id) {
		return 0, nil
	}

	var path []*store.EditRecord // newest first
	onPath := make(map[int64]bool)
	base := ""
	replayable := true
	child := func() int64 {
		if len(path) == 0 {
			return id
		}
		return path[len(path)-1].EditID
	}

	for cur := id; ; {
		if v.settled(cur) {
			if v.failed[cur] {
				replayable = false
			} else {
				base = v.texts[cur]
			}
			break
		}
		if onPath[cur] {
			v.report.Add(child(), integrity.ProblemCycle, "parent %d is already on the chain", cur)
			replayable = false
			break
		}

		rec, err := v.lookup(ctx, cur)
		if err != nil {
			return 0, err
		}
		if rec == nil {
			v.report.Add(child(), integrity.ProblemMissingAncestor, "parent %d not found", cur)
			replayable = false
			break
		}
		if rec.DocumentID != v.documentID {
			v.report.Add(child(), integrity.ProblemForeignParent, "parent %d belongs to %q", cur, rec.DocumentID)
			replayable = false
			break
		}

		onPath[cur] = true
		path = append(path, rec)
		if rec.ParentEditID == nil {
			break
		}
		cur = *rec.ParentEditID
	}

	text := base
	for i := len(path) - 1; i >= 0; i-- {
		rec := path[i]
		if !replayable {
			v.failed[rec.EditID] = true
			continue
		}

		if rec.ParentEditID != nil {
			parent := v.records[*rec.ParentEditID]
			switch {
			case rec.ParentChecksum == nil:
				v.report.Add(rec.EditID, integrity.ProblemParentChecksum, "missing parent checksum")
			case *rec.ParentChecksum != parent.ContentChecksum:
				v.report.Add(rec.EditID, integrity.ProblemParentChecksum,
					"recorded %08x, parent %d has %08x", *rec.ParentChecksum, parent.EditID, parent.ContentChecksum)
			}
		}

		next, err := v.e.codec.ApplyText(text, rec.Patch)
		if err != nil {
			v.report.Add(rec.EditID, integrity.ProblemCorruptPatch, "%v", err)
			v.failed[rec.EditID] = true
			replayable = false
			continue
		}
		text = next

		if err := integrity.Verify(rec.ContentChecksum, text); err != nil {
			v.e.metrics.RecordIntegrityFailure()
			v.report.Add(rec.EditID, integrity.ProblemContentChecksum, "%v", err)
		} else {
			v.report.Verified++
		}
		v.texts[rec.EditID] = text
	}

	return len(path), nil
}
