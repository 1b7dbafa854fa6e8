// Package patch implements the edit-script codec used by the history engine.
//
// A document version is stored as a patch against its parent's text. The
// codec computes character diffs, reduces them to an efficient edit script,
// serializes that script to a flat text form and applies it back to a base
// string.
//
// The serialized form is a tab-separated list of operations:
//
//	=N      copy N bytes of the base
//	-TEXT   remove TEXT, which must be the next bytes of the base
//	+TEXT   insert TEXT
//
// TEXT is query-escaped, so any byte sequence round-trips. Application is
// exact: a deletion that does not match the base, a copy past its end or a
// script that does not consume the whole base is a corruption.
package patch

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// ErrPatchCorruption indicates a serialized patch that cannot be decoded or
// a script that does not apply to the supplied base.
var ErrPatchCorruption = errors.New("patch: corrupt patch")

// Diff is a single equal/insert/delete operation.
type Diff = diffmatchpatch.Diff

// Operation kinds, re-exported for callers that inspect diffs.
const (
	OpEqual  = diffmatchpatch.DiffEqual
	OpInsert = diffmatchpatch.DiffInsert
	OpDelete = diffmatchpatch.DiffDelete
)

// Op is one step of an edit script. Copies carry a byte length; insertions
// and deletions carry their text.
type Op struct {
	Type diffmatchpatch.Operation
	Len  int
	Text string
}

// Script is an edit script: the operations that turn one text into another.
// The empty script is the identity.
type Script []Op

// Len returns the number of operations in the script.
func (s Script) Len() int {
	return len(s)
}

// Options tune the underlying diff algorithm.
type Options struct {
	// DiffTimeout bounds the time spent looking for a minimal diff. A
	// timed-out diff is still correct, only less compact. Zero means no limit.
	DiffTimeout time.Duration

	// EditCost is the cost of an empty edit in terms of characters, used
	// when merging fragmented operations.
	EditCost int

	// LineModeThreshold is the text length above which a line-level pass
	// runs before the character diff.
	LineModeThreshold int
}

// DefaultOptions returns the options used by New.
func DefaultOptions() Options {
	return Options{
		DiffTimeout:       time.Second,
		EditCost:          4,
		LineModeThreshold: 1024,
	}
}

// Codec computes, encodes and applies edit scripts. It holds no mutable
// state and is safe for concurrent use.
type Codec struct {
	dmp      *diffmatchpatch.DiffMatchPatch
	lineMode int
}

// New returns a codec with default options.
func New() *Codec {
	return NewWithOptions(DefaultOptions())
}

// NewWithOptions returns a codec with the given options.
func NewWithOptions(opts Options) *Codec {
	dmp := diffmatchpatch.New()
	dmp.DiffTimeout = opts.DiffTimeout
	if opts.EditCost > 0 {
		dmp.DiffEditCost = opts.EditCost
	}
	return &Codec{dmp: dmp, lineMode: opts.LineModeThreshold}
}

// Diff computes the operations transforming oldText into newText.
//
// The character diff works on runes, so texts that are not valid UTF-8 get
// a whole-text replacement instead. The same replacement is returned if the
// diff algorithm fails.
func (c *Codec) Diff(oldText, newText string) (diffs []Diff) {
	if oldText == newText {
		if oldText == "" {
			return nil
		}
		return []Diff{{Type: OpEqual, Text: oldText}}
	}
	if !utf8.ValidString(oldText) || !utf8.ValidString(newText) {
		return Replacement(oldText, newText)
	}

	defer func() {
		if r := recover(); r != nil {
			diffs = Replacement(oldText, newText)
		}
	}()

	checkLines := c.lineMode > 0 && (len(oldText) > c.lineMode || len(newText) > c.lineMode)
	return c.dmp.DiffMain(oldText, newText, checkLines)
}

// Optimize merges small fragmented operations into larger ones. The result
// describes the same transformation. If cleanup fails the input is returned
// unchanged.
func (c *Codec) Optimize(diffs []Diff) (out []Diff) {
	in := append([]Diff(nil), diffs...)
	defer func() {
		if r := recover(); r != nil {
			out = diffs
		}
	}()
	return c.dmp.DiffCleanupEfficiency(in)
}

// Replacement returns the diff that deletes all of oldText and inserts all
// of newText.
func Replacement(oldText, newText string) []Diff {
	var diffs []Diff
	if oldText != "" {
		diffs = append(diffs, Diff{Type: OpDelete, Text: oldText})
	}
	if newText != "" {
		diffs = append(diffs, Diff{Type: OpInsert, Text: newText})
	}
	return diffs
}

// Make builds the script that turns base into the text described by diffs.
// The diffs must describe base: their equal and deleted text, in order, has
// to spell it out exactly.
func (c *Codec) Make(base string, diffs []Diff) (Script, error) {
	var (
		s      Script
		pos    int
		change bool
	)
	for _, d := range diffs {
		if d.Text == "" {
			continue
		}
		switch d.Type {
		case OpEqual, OpDelete:
			if !strings.HasPrefix(base[pos:], d.Text) {
				return nil, fmt.Errorf("%w: diff does not describe base at byte %d", ErrPatchCorruption, pos)
			}
			pos += len(d.Text)
		}

		op := Op{Type: d.Type, Text: d.Text}
		switch d.Type {
		case OpEqual:
			op = Op{Type: OpEqual, Len: len(d.Text)}
		case OpInsert, OpDelete:
			change = true
		default:
			return nil, fmt.Errorf("%w: unknown operation %d", ErrPatchCorruption, d.Type)
		}

		if n := len(s); n > 0 && s[n-1].Type == op.Type {
			s[n-1].Len += op.Len
			s[n-1].Text += op.Text
			continue
		}
		s = append(s, op)
	}
	if pos != len(base) {
		return nil, fmt.Errorf("%w: diff covers %d of %d base bytes", ErrPatchCorruption, pos, len(base))
	}
	if !change {
		return nil, nil
	}
	return s, nil
}

// Serialize encodes a script as text. The empty script encodes as "".
func (c *Codec) Serialize(s Script) string {
	tokens := make([]string, 0, len(s))
	for _, op := range s {
		switch op.Type {
		case OpEqual:
			tokens = append(tokens, "="+strconv.Itoa(op.Len))
		case OpDelete:
			tokens = append(tokens, "-"+url.QueryEscape(op.Text))
		case OpInsert:
			tokens = append(tokens, "+"+url.QueryEscape(op.Text))
		}
	}
	return strings.Join(tokens, "\t")
}

// Deserialize decodes text produced by Serialize.
func (c *Codec) Deserialize(text string) (Script, error) {
	if text == "" {
		return nil, nil
	}

	tokens := strings.Split(text, "\t")
	s := make(Script, 0, len(tokens))
	for i, tok := range tokens {
		if len(tok) < 2 {
			return nil, fmt.Errorf("%w: empty operation %d", ErrPatchCorruption, i+1)
		}
		switch tok[0] {
		case '=':
			n, err := strconv.Atoi(tok[1:])
			if err != nil || n <= 0 {
				return nil, fmt.Errorf("%w: bad copy length %q", ErrPatchCorruption, tok[1:])
			}
			s = append(s, Op{Type: OpEqual, Len: n})
		case '-', '+':
			t, err := url.QueryUnescape(tok[1:])
			if err != nil {
				return nil, fmt.Errorf("%w: operation %d: %v", ErrPatchCorruption, i+1, err)
			}
			typ := OpInsert
			if tok[0] == '-' {
				typ = OpDelete
			}
			s = append(s, Op{Type: typ, Text: t})
		default:
			return nil, fmt.Errorf("%w: unknown operation %q", ErrPatchCorruption, tok[0])
		}
	}
	return s, nil
}

// Apply applies a script to base. Every operation must line up with the
// base and the script must consume all of it; otherwise ErrPatchCorruption
// is returned and no text.
func (c *Codec) Apply(base string, s Script) (string, error) {
	if len(s) == 0 {
		return base, nil
	}

	var b strings.Builder
	pos := 0
	for i, op := range s {
		switch op.Type {
		case OpEqual:
			if op.Len <= 0 || op.Len > len(base)-pos {
				return "", fmt.Errorf("%w: operation %d copies past end of base", ErrPatchCorruption, i+1)
			}
			b.WriteString(base[pos : pos+op.Len])
			pos += op.Len
		case OpDelete:
			if op.Text == "" || !strings.HasPrefix(base[pos:], op.Text) {
				return "", fmt.Errorf("%w: operation %d does not match base", ErrPatchCorruption, i+1)
			}
			pos += len(op.Text)
		case OpInsert:
			b.WriteString(op.Text)
		default:
			return "", fmt.Errorf("%w: unknown operation %d", ErrPatchCorruption, op.Type)
		}
	}
	if pos != len(base) {
		return "", fmt.Errorf("%w: script covers %d of %d base bytes", ErrPatchCorruption, pos, len(base))
	}
	return b.String(), nil
}

// ApplyText deserializes and applies a serialized patch in one step.
func (c *Codec) ApplyText(base, patchText string) (string, error) {
	s, err := c.Deserialize(patchText)
	if err != nil {
		return "", err
	}
	return c.Apply(base, s)
}

// Build serializes the patch from base to target described by diffs and
// checks that it reproduces target. If it does not, a whole-text
// replacement is used instead. An error means neither form round-trips.
func (c *Codec) Build(base, target string, diffs []Diff) (string, error) {
	if text, ok := c.verified(base, target, diffs); ok {
		return text, nil
	}
	if text, ok := c.verified(base, target, Replacement(base, target)); ok {
		return text, nil
	}
	return "", fmt.Errorf("%w: no encoding reproduces the target text", ErrPatchCorruption)
}

func (c *Codec) verified(base, target string, diffs []Diff) (string, bool) {
	s, err := c.Make(base, diffs)
	if err != nil {
		return "", false
	}
	text := c.Serialize(s)
	got, err := c.ApplyText(base, text)
	if err != nil || got != target {
		return "", false
	}
	return text, true
}

// Encode diffs oldText against newText, optimizes the result and returns the
// verified serialized script along with the optimized diffs.
func (c *Codec) Encode(oldText, newText string) (string, []Diff, error) {
	diffs := c.Optimize(c.Diff(oldText, newText))
	text, err := c.Build(oldText, newText, diffs)
	return text, diffs, err
}

// IsWhitespaceOnly reports whether every non-equal operation in diffs
// inserts or deletes only whitespace. A diff with no changes at all is
// whitespace-only.
func IsWhitespaceOnly(diffs []Diff) bool {
	for _, d := range diffs {
		if d.Type == OpEqual {
			continue
		}
		if strings.TrimFunc(d.Text, unicode.IsSpace) != "" {
			return false
		}
	}
	return true
}

// IsIdentity reports whether diffs contain no insertions or deletions.
func IsIdentity(diffs []Diff) bool {
	for _, d := range diffs {
		if d.Type != OpEqual {
			return false
		}
	}
	return true
}

// DiffStats summarizes a diff.
type DiffStats struct {
	Inserted   int // runes inserted
	Deleted    int // runes deleted
	Operations int // non-equal operations
}

// Stats counts inserted and deleted runes.
func Stats(diffs []Diff) DiffStats {
	var s DiffStats
	for _, d := range diffs {
		switch d.Type {
		case OpInsert:
			s.Inserted += utf8.RuneCountInString(d.Text)
			s.Operations++
		case OpDelete:
			s.Deleted += utf8.RuneCountInString(d.Text)
			s.Operations++
		}
	}
	return s
}
