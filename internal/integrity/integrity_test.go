package integrity

import (
	"errors"
	"strings"
	"testing"
)

func TestChecksumDeterministic(t *testing.T) {
	a := Checksum("Hello World")
	b := Checksum("Hello World")
	if a != b {
		t.Errorf("same text should produce same checksum: %08x != %08x", a, b)
	}
	if Checksum("Hello World!") == a {
		t.Error("different text should produce different checksum")
	}
}

func TestChecksumKnownValue(t *testing.T) {
	// CRC32 IEEE of the empty string is zero.
	if got := Checksum(""); got != 0 {
		t.Errorf("expected 0 for empty text, got %08x", got)
	}
	if got := Checksum("123456789"); got != 0xcbf43926 {
		t.Errorf("expected cbf43926, got %08x", got)
	}
}

func TestVerify(t *testing.T) {
	text := "document body"
	if err := Verify(Checksum(text), text); err != nil {
		t.Fatalf("Verify failed: %v", err)
	}

	err := Verify(Checksum(text)+1, text)
	if err == nil {
		t.Fatal("expected mismatch error")
	}
	if !errors.Is(err, ErrChecksumMismatch) {
		t.Errorf("expected ErrChecksumMismatch, got %v", err)
	}
}

func TestReport(t *testing.T) {
	r := &Report{DocumentID: "doc", HeadEditID: 7, Depth: 3, Verified: 3}
	if !r.OK() {
		t.Fatal("empty report should be OK")
	}
	if !strings.Contains(r.String(), "3 edits verified") {
		t.Errorf("unexpected summary: %s", r.String())
	}

	r.Add(5, ProblemContentChecksum, "computed %08x", 1)
	if r.OK() {
		t.Error("report with problems should not be OK")
	}
	if !r.Has(ProblemContentChecksum) {
		t.Error("expected content checksum problem")
	}
	if r.Has(ProblemCycle) {
		t.Error("unexpected cycle problem")
	}
	if !strings.Contains(r.String(), "edit 5: content_checksum") {
		t.Errorf("unexpected report text: %s", r.String())
	}
}
