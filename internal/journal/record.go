package journal

import (
	"encoding/json"
	"fmt"
)

// Record is the JSON payload carried by every entry type.
type Record struct {
	DocumentID string `json:"document_id"`
	Text       string `json:"text,omitempty"`
	EditID     int64  `json:"edit_id,omitempty"`
}

// AppendRecord encodes rec and appends it as an entry of the given type.
func (j *Journal) AppendRecord(entryType EntryType, rec Record) (uint64, error) {
	payload, err := json.Marshal(rec)
	if err != nil {
		return 0, fmt.Errorf("encode %s record: %w", entryType, err)
	}
	return j.Append(entryType, payload)
}

// Draft journals uncommitted text for documentID.
func (j *Journal) Draft(documentID, text string) (uint64, error) {
	return j.AppendRecord(EntryDraft, Record{DocumentID: documentID, Text: text})
}

// Committed marks the pending draft of documentID as resolved. editID is
// zero when the commit was a no-op.
func (j *Journal) Committed(documentID string, editID int64) (uint64, error) {
	return j.AppendRecord(EntryCommitted, Record{DocumentID: documentID, EditID: editID})
}

// Cleared marks the history of documentID as cleared.
func (j *Journal) Cleared(documentID string) (uint64, error) {
	return j.AppendRecord(EntryCleared, Record{DocumentID: documentID})
}

// Record decodes the entry payload.
func (e *Entry) Record() (Record, error) {
	var rec Record
	if err := json.Unmarshal(e.Payload, &rec); err != nil {
		return rec, fmt.Errorf("decode entry %d: %w", e.Sequence, err)
	}
	return rec, nil
}

// PendingDraft returns the newest draft of documentID that no later
// committed or cleared entry resolved, with its sequence number. Entries
// whose payload cannot be decoded are skipped.
func PendingDraft(entries []Entry, documentID string) (Record, uint64, bool) {
	var (
		pending Record
		seq     uint64
		ok      bool
	)
	for i := range entries {
		rec, err := entries[i].Record()
		if err != nil || rec.DocumentID != documentID {
			continue
		}
		switch entries[i].Type {
		case EntryDraft:
			pending, seq, ok = rec, entries[i].Sequence, true
		case EntryCommitted, EntryCleared:
			pending, seq, ok = Record{}, 0, false
		}
	}
	return pending, seq, ok
}
