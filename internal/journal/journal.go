// Package journal implements the draft journal for editlog.
//
// Text typed between commits lives only in memory until the quiet period
// elapses. The journal records each draft durably so a crashed editor can
// replay the newest uncommitted draft on the next start.
package journal

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	Version    = 1
	Magic      = "ELJN"
	HeaderSize = 64

	// fixed bytes per entry: length, sequence, timestamp, type,
	// payload length, previous hash, hmac, crc
	entryOverhead = 4 + 8 + 8 + 1 + 4 + 32 + 32 + 4

	// MaxPayload bounds a single entry so a damaged length prefix cannot
	// trigger a huge allocation.
	MaxPayload = 64 << 20
)

// EntryType identifies what an entry records.
type EntryType uint8

const (
	EntryDraft     EntryType = 1 // uncommitted editor text
	EntryCommitted EntryType = 2 // the pending draft reached the history
	EntryCleared   EntryType = 3 // the document history was cleared
)

func (t EntryType) String() string {
	switch t {
	case EntryDraft:
		return "draft"
	case EntryCommitted:
		return "committed"
	case EntryCleared:
		return "cleared"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

var (
	ErrInvalidMagic   = errors.New("journal: invalid magic number")
	ErrInvalidVersion = errors.New("journal: unsupported version")
	ErrCorruptedEntry = errors.New("journal: corrupted entry (CRC mismatch)")
	ErrBrokenChain    = errors.New("journal: broken hash chain")
	ErrInvalidHMAC    = errors.New("journal: HMAC verification failed")
	ErrClosed         = errors.New("journal: closed")
	ErrPayloadTooLong = errors.New("journal: payload too long")
	ErrReadOnly       = errors.New("journal: opened read-only")
)

// Header is the journal file header.
type Header struct {
	Magic     [4]byte
	Version   uint32
	JournalID uuid.UUID
	CreatedAt int64
}

// Entry is a single journal entry.
type Entry struct {
	Sequence  uint64
	Timestamp int64 // UnixNano
	Type      EntryType
	Payload   []byte
	PrevHash  [32]byte
	HMAC      [32]byte
	CRC32     uint32
}

// Hash returns the chain hash of the entry.
func (e *Entry) Hash() [32]byte {
	h := sha256.New()
	e.writeFields(h)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func (e *Entry) writeFields(h hash.Hash) {
	var buf [17]byte
	binary.BigEndian.PutUint64(buf[0:8], e.Sequence)
	binary.BigEndian.PutUint64(buf[8:16], uint64(e.Timestamp))
	buf[16] = byte(e.Type)
	h.Write(buf[:])
	h.Write(e.Payload)
	h.Write(e.PrevHash[:])
}

func (e *Entry) checksum() uint32 {
	crc := crc32.NewIEEE()
	e.writeFields(crc)
	crc.Write(e.HMAC[:])
	return crc.Sum32()
}

// Journal is an append-only, hash-chained draft log. It is safe for
// concurrent use.
type Journal struct {
	mu sync.Mutex

	path    string
	file    *os.File
	header  Header
	hmacKey []byte
	now     func() time.Time

	nextSequence uint64
	lastHash     [32]byte
	entryCount   int
	size         int64
	trimmed      int64
	closed       bool
	readOnly     bool
}

// Open opens the journal at path, creating it when missing. A torn or
// corrupted tail left by a crash is cut off; Trimmed reports how many bytes
// were discarded.
func Open(path string, hmacKey []byte) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	j := &Journal{
		path:         path,
		file:         file,
		hmacKey:      append([]byte(nil), hmacKey...),
		now:          time.Now,
		nextSequence: 1,
	}

	if err := j.load(); err != nil {
		file.Close()
		return nil, err
	}
	return j, nil
}

// OpenReadOnly opens an existing journal for reading while another process
// may be appending to it. Nothing is created or written: a missing file is an
// error, an empty file reads as no entries, and a torn tail is skipped rather
// than cut off. Append, Truncate and Compact return ErrReadOnly.
func OpenReadOnly(path string, hmacKey []byte) (*Journal, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	j := &Journal{
		path:         path,
		file:         file,
		hmacKey:      append([]byte(nil), hmacKey...),
		now:          time.Now,
		nextSequence: 1,
		readOnly:     true,
	}

	if err := j.load(); err != nil {
		file.Close()
		return nil, err
	}
	return j, nil
}

func (j *Journal) load() error {
	stat, err := j.file.Stat()
	if err != nil {
		return fmt.Errorf("stat journal: %w", err)
	}

	if stat.Size() == 0 && j.readOnly {
		j.size = HeaderSize
		return nil
	}
	if stat.Size() == 0 {
		j.header = Header{Version: Version, JournalID: uuid.New(), CreatedAt: j.now().UnixNano()}
		copy(j.header.Magic[:], Magic)
		if err := writeHeader(j.file, j.header); err != nil {
			return fmt.Errorf("write header: %w", err)
		}
		j.size = HeaderSize
		return nil
	}

	if j.header, err = readHeader(j.file); err != nil {
		return fmt.Errorf("read header: %w", err)
	}
	return j.scanToEnd(stat.Size())
}

func writeHeader(f *os.File, h Header) error {
	buf := make([]byte, HeaderSize)
	copy(buf[0:4], h.Magic[:])
	binary.BigEndian.PutUint32(buf[4:8], h.Version)
	copy(buf[8:24], h.JournalID[:])
	binary.BigEndian.PutUint64(buf[24:32], uint64(h.CreatedAt))

	if _, err := f.WriteAt(buf, 0); err != nil {
		return err
	}
	return f.Sync()
}

func readHeader(f *os.File) (Header, error) {
	var h Header
	buf := make([]byte, HeaderSize)
	if _, err := f.ReadAt(buf, 0); err != nil {
		if errors.Is(err, io.EOF) {
			return h, ErrInvalidMagic
		}
		return h, err
	}
	if string(buf[0:4]) != Magic {
		return h, ErrInvalidMagic
	}
	copy(h.Magic[:], buf[0:4])
	h.Version = binary.BigEndian.Uint32(buf[4:8])
	if h.Version != Version {
		return h, fmt.Errorf("%w: got %d, expected %d", ErrInvalidVersion, h.Version, Version)
	}
	copy(h.JournalID[:], buf[8:24])
	h.CreatedAt = int64(binary.BigEndian.Uint64(buf[24:32]))
	return h, nil
}

// scanToEnd walks the entries to restore the append state and cuts the file
// at the first entry that cannot be read back.
func (j *Journal) scanToEnd(fileSize int64) error {
	offset := int64(HeaderSize)
	for {
		entry, n, err := readEntryAt(j.file, offset)
		if err != nil {
			break
		}
		if entry.PrevHash != j.lastHash || entry.CRC32 != entry.checksum() {
			break
		}
		j.nextSequence = entry.Sequence + 1
		j.lastHash = entry.Hash()
		j.entryCount++
		offset += n
	}

	if offset < fileSize && j.readOnly {
		j.trimmed = fileSize - offset
	} else if offset < fileSize {
		if err := j.file.Truncate(offset); err != nil {
			return fmt.Errorf("truncate torn tail: %w", err)
		}
		if err := j.file.Sync(); err != nil {
			return fmt.Errorf("sync journal: %w", err)
		}
		j.trimmed = fileSize - offset
	}
	j.size = offset
	return nil
}

// readEntryAt decodes the entry starting at offset and returns it with its
// encoded length.
func readEntryAt(r io.ReaderAt, offset int64) (*Entry, int64, error) {
	var lenBuf [4]byte
	if _, err := r.ReadAt(lenBuf[:], offset); err != nil {
		return nil, 0, err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length < entryOverhead || length > entryOverhead+MaxPayload {
		return nil, 0, ErrCorruptedEntry
	}

	buf := make([]byte, length)
	if _, err := r.ReadAt(buf, offset); err != nil {
		return nil, 0, err
	}
	entry, err := decodeEntry(buf)
	if err != nil {
		return nil, 0, err
	}
	return entry, int64(length), nil
}

func encodeEntry(e *Entry) []byte {
	buf := make([]byte, entryOverhead+len(e.Payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(buf)))
	binary.BigEndian.PutUint64(buf[4:12], e.Sequence)
	binary.BigEndian.PutUint64(buf[12:20], uint64(e.Timestamp))
	buf[20] = byte(e.Type)
	binary.BigEndian.PutUint32(buf[21:25], uint32(len(e.Payload)))
	off := 25 + copy(buf[25:], e.Payload)
	off += copy(buf[off:], e.PrevHash[:])
	off += copy(buf[off:], e.HMAC[:])
	binary.BigEndian.PutUint32(buf[off:], e.CRC32)
	return buf
}

func decodeEntry(buf []byte) (*Entry, error) {
	if len(buf) < entryOverhead {
		return nil, ErrCorruptedEntry
	}
	payloadLen := int(binary.BigEndian.Uint32(buf[21:25]))
	if len(buf) != entryOverhead+payloadLen {
		return nil, ErrCorruptedEntry
	}

	e := &Entry{
		Sequence:  binary.BigEndian.Uint64(buf[4:12]),
		Timestamp: int64(binary.BigEndian.Uint64(buf[12:20])),
		Type:      EntryType(buf[20]),
		Payload:   append([]byte(nil), buf[25:25+payloadLen]...),
	}
	off := 25 + payloadLen
	off += copy(e.PrevHash[:], buf[off:off+32])
	off += copy(e.HMAC[:], buf[off:off+32])
	e.CRC32 = binary.BigEndian.Uint32(buf[off:])
	return e, nil
}

func (j *Journal) sign(e *Entry) {
	h := hmac.New(sha256.New, j.hmacKey)
	e.writeFields(h)
	copy(e.HMAC[:], h.Sum(nil))
	e.CRC32 = e.checksum()
}

func (j *Journal) verify(e *Entry) bool {
	h := hmac.New(sha256.New, j.hmacKey)
	e.writeFields(h)
	return hmac.Equal(e.HMAC[:], h.Sum(nil))
}

// Append writes a new entry and syncs it to disk. It returns the entry's
// sequence number.
func (j *Journal) Append(entryType EntryType, payload []byte) (uint64, error) {
	if len(payload) > MaxPayload {
		return 0, fmt.Errorf("%w: %d bytes", ErrPayloadTooLong, len(payload))
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return 0, ErrClosed
	}
	if j.readOnly {
		return 0, ErrReadOnly
	}

	entry := &Entry{
		Sequence:  j.nextSequence,
		Timestamp: j.now().UnixNano(),
		Type:      entryType,
		Payload:   payload,
		PrevHash:  j.lastHash,
	}
	j.sign(entry)
	data := encodeEntry(entry)

	if _, err := j.file.WriteAt(data, j.size); err != nil {
		return 0, fmt.Errorf("write entry: %w", err)
	}
	if err := j.file.Sync(); err != nil {
		return 0, fmt.Errorf("sync entry: %w", err)
	}

	j.lastHash = entry.Hash()
	j.nextSequence++
	j.entryCount++
	j.size += int64(len(data))
	return entry.Sequence, nil
}

// ReadAll returns every entry, verifying checksums, the hash chain and the
// HMAC of each.
func (j *Journal) ReadAll() ([]Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil, ErrClosed
	}
	return j.readEntries()
}

// ReadAfter returns the entries with a sequence greater than afterSeq.
func (j *Journal) ReadAfter(afterSeq uint64) ([]Entry, error) {
	entries, err := j.ReadAll()
	if err != nil {
		return nil, err
	}
	out := entries[:0]
	for _, e := range entries {
		if e.Sequence > afterSeq {
			out = append(out, e)
		}
	}
	return out, nil
}

func (j *Journal) readEntries() ([]Entry, error) {
	var entries []Entry
	var prev [32]byte

	for offset := int64(HeaderSize); offset < j.size; {
		entry, n, err := readEntryAt(j.file, offset)
		if err != nil {
			return nil, fmt.Errorf("read entry at offset %d: %w", offset, err)
		}
		if entry.CRC32 != entry.checksum() {
			return nil, fmt.Errorf("entry %d: %w", entry.Sequence, ErrCorruptedEntry)
		}
		if entry.PrevHash != prev {
			return nil, fmt.Errorf("entry %d: %w", entry.Sequence, ErrBrokenChain)
		}
		if !j.verify(entry) {
			return nil, fmt.Errorf("entry %d: %w", entry.Sequence, ErrInvalidHMAC)
		}
		entries = append(entries, *entry)
		prev = entry.Hash()
		offset += n
	}
	return entries, nil
}

// Truncate drops every entry with a sequence below beforeSeq. Sequence
// numbers of the kept entries are preserved.
func (j *Journal) Truncate(beforeSeq uint64) error {
	return j.rewrite(func(_ []Entry, e Entry) bool { return e.Sequence >= beforeSeq })
}

// Compact drops everything except the pending draft of each document.
func (j *Journal) Compact() error {
	return j.rewrite(func(all []Entry, e Entry) bool {
		if e.Type != EntryDraft {
			return false
		}
		rec, err := e.Record()
		if err != nil {
			return false
		}
		_, seq, ok := PendingDraft(all, rec.DocumentID)
		return ok && seq == e.Sequence
	})
}

// rewrite copies the entries accepted by keep into a fresh file, relinking
// the hash chain, and atomically replaces the journal with it.
func (j *Journal) rewrite(keep func(all []Entry, e Entry) bool) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return ErrClosed
	}
	if j.readOnly {
		return ErrReadOnly
	}

	entries, err := j.readEntries()
	if err != nil {
		return err
	}

	tmpPath := j.path + ".new"
	tmp, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create compacted journal: %w", err)
	}
	fail := func(err error) error {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}

	if err := writeHeader(tmp, j.header); err != nil {
		return fail(fmt.Errorf("write header: %w", err))
	}

	var (
		last  [32]byte
		size  = int64(HeaderSize)
		count int
	)
	for _, e := range entries {
		if !keep(entries, e) {
			continue
		}
		e.PrevHash = last
		j.sign(&e)
		data := encodeEntry(&e)
		if _, err := tmp.WriteAt(data, size); err != nil {
			return fail(fmt.Errorf("write entry: %w", err))
		}
		last = e.Hash()
		size += int64(len(data))
		count++
	}
	if err := tmp.Sync(); err != nil {
		return fail(fmt.Errorf("sync compacted journal: %w", err))
	}

	if err := os.Rename(tmpPath, j.path); err != nil {
		return fail(fmt.Errorf("replace journal: %w", err))
	}
	j.file.Close()
	j.file = tmp
	j.lastHash = last
	j.size = size
	j.entryCount = count
	return nil
}

// Path returns the journal file path.
func (j *Journal) Path() string {
	return j.path
}

// ID returns the journal's identifier.
func (j *Journal) ID() uuid.UUID {
	return j.header.JournalID
}

// Size returns the journal size in bytes.
func (j *Journal) Size() int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.size
}

// EntryCount returns the number of entries.
func (j *Journal) EntryCount() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.entryCount
}

// LastSequence returns the sequence of the newest entry, or 0 when none was
// ever written.
func (j *Journal) LastSequence() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.nextSequence - 1
}

// Trimmed returns the number of bytes of torn tail found on open: cut off by
// Open, left in place by OpenReadOnly.
func (j *Journal) Trimmed() int64 {
	return j.trimmed
}

// Close closes the journal. Closing twice is a no-op.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil
	}
	j.closed = true
	return j.file.Close()
}
