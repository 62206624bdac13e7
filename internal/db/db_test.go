package db

import (
	"testing"

	"github.com/jackc/pgx/v5/pgtype"
)

func TestParseUUIDRoundTrip(t *testing.T) {
	t.Parallel()

	const raw = "0bd6f9f7-5a5a-4f8e-9d5f-0a8df0a8e610"
	parsed, err := ParseUUID(" " + raw + " ")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if !parsed.Valid {
		t.Fatal("expected valid uuid")
	}
	if got := UUIDString(parsed); got != raw {
		t.Fatalf("round trip mismatch: %q", got)
	}

	if _, err := ParseUUID("not-a-uuid"); err == nil {
		t.Fatal("expected parse error")
	}
	if got := UUIDString(pgtype.UUID{}); got != "" {
		t.Fatalf("null uuid must render empty, got %q", got)
	}
}

func TestParseOptionalUUID(t *testing.T) {
	t.Parallel()

	empty, err := ParseOptionalUUID("  ")
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if empty.Valid {
		t.Fatal("empty input must yield NULL uuid")
	}

	if _, err := ParseOptionalUUID("still-not-a-uuid"); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestTextHelpers(t *testing.T) {
	t.Parallel()

	if got := Text("  "); got.Valid {
		t.Fatal("blank input must map to NULL")
	}
	wrapped := Text(" hello ")
	if !wrapped.Valid || wrapped.String != "hello" {
		t.Fatalf("unexpected text: %+v", wrapped)
	}
	if got := TextString(wrapped); got != "hello" {
		t.Fatalf("unexpected unwrap: %q", got)
	}
	if got := TextString(pgtype.Text{}); got != "" {
		t.Fatalf("NULL must unwrap to empty, got %q", got)
	}
}
