package conversation

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestPreviewOfKeepsShortBodies(t *testing.T) {
	if got := previewOf("Tot morgen!"); got != "Tot morgen!" {
		t.Fatalf("previewOf = %q, want the body unchanged", got)
	}
}

func TestPreviewOfTruncatesOnRuneBoundary(t *testing.T) {
	// é is two bytes; the leading ASCII byte puts byte offset 120 in the
	// middle of a rune, where a plain byte slice would cut.
	body := "a" + strings.Repeat("é", 100)

	got := previewOf(body)
	if len(got) >= len(body) {
		t.Fatalf("previewOf did not truncate: %d bytes", len(got))
	}
	if !utf8.ValidString(got) {
		t.Fatalf("preview is not valid UTF-8: %q", got)
	}
	if !strings.HasPrefix(body, got) {
		t.Fatal("preview must be a prefix of the body")
	}
}
