package pagination

import (
	"errors"
	"testing"
)

func TestClampLimit(t *testing.T) {
	cases := []struct {
		in   int
		want int
	}{
		{in: -5, want: DefaultLimit},
		{in: 0, want: DefaultLimit},
		{in: 1, want: 1},
		{in: 50, want: 50},
		{in: 100, want: 100},
		{in: 101, want: MaxLimit},
	}
	for _, tc := range cases {
		if got := ClampLimit(tc.in); got != tc.want {
			t.Fatalf("ClampLimit(%d) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestCursorRoundTripsThroughToken(t *testing.T) {
	original := Cursor{CreatedAt: 1_706_000_000_123, MessageID: "0190f7a0-aaaa-7bbb-8ccc-000000000001"}

	parsed, err := Parse(original.String())
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if parsed == nil || *parsed != original {
		t.Fatalf("expected %+v, got %+v", original, parsed)
	}
}

func TestParseAcceptsBareTimestampAndEmpty(t *testing.T) {
	parsed, err := Parse("")
	if err != nil || parsed != nil {
		t.Fatalf("expected nil cursor for empty token, got %+v, %v", parsed, err)
	}

	parsed, err = Parse("1706000000000")
	if err != nil {
		t.Fatalf("Parse timestamp failed: %v", err)
	}
	if parsed.CreatedAt != 1706000000000 || parsed.MessageID != "" {
		t.Fatalf("unexpected cursor %+v", parsed)
	}
}

func TestParseRejectsMalformedCursors(t *testing.T) {
	for _, raw := range []string{"-1", "not base64!", "bm9kb3Q", "YWJjLmlk", "MC5pZA"} {
		if _, err := Parse(raw); !errors.Is(err, ErrMalformedCursor) {
			t.Fatalf("Parse(%q): expected ErrMalformedCursor, got %v", raw, err)
		}
	}
}

func TestCursorBeforeBreaksTiesByMessageID(t *testing.T) {
	c := Cursor{CreatedAt: 100, MessageID: "m"}
	if !c.Before(99, "z") {
		t.Fatalf("older timestamp must sort before cursor")
	}
	if !c.Before(100, "a") {
		t.Fatalf("equal timestamp with smaller id must sort before cursor")
	}
	if c.Before(100, "m") || c.Before(100, "z") || c.Before(101, "a") {
		t.Fatalf("cursor position and newer items must not sort before cursor")
	}

	bare := Cursor{CreatedAt: 100}
	if bare.Before(100, "a") {
		t.Fatalf("bare timestamp cursor must exclude equal timestamps")
	}
}

func TestBuildMarksHasMoreAndNextCursor(t *testing.T) {
	type row struct {
		at int64
		id string
	}
	pos := func(r row) Cursor { return Cursor{CreatedAt: r.at, MessageID: r.id} }

	rows := []row{{5, "e"}, {4, "d"}, {3, "c"}}
	page := Build(rows, 2, pos)
	if len(page.Items) != 2 || !page.HasMore {
		t.Fatalf("expected 2 items with more, got %+v", page)
	}
	if page.NextCursor == nil || page.NextCursor.MessageID != "d" {
		t.Fatalf("expected next cursor at d, got %+v", page.NextCursor)
	}

	final := Build(rows[2:], 2, pos)
	if final.HasMore || final.NextCursor != nil {
		t.Fatalf("expected final page without cursor, got %+v", final)
	}

	empty := Build[row](nil, 10, pos)
	if empty.Items == nil || len(empty.Items) != 0 || empty.HasMore || empty.NextCursor != nil {
		t.Fatalf("expected empty final page, got %+v", empty)
	}
}
