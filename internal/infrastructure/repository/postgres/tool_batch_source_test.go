package postgres

import (
	"context"
	"database/sql"
	"testing"
)

func validString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: true}
}

func TestMapRows_DropsRowsMissingIDOrURL(t *testing.T) {
	t.Parallel()

	source := NewToolBatchSource(nil, 10, nil)
	rows := []toolBatchRow{
		{RawToolID: validString("tool-1"), HTMLURL: validString("https://github.com/acme/one")},
		{RawToolID: sql.NullString{}, HTMLURL: validString("https://github.com/acme/two")},
		{RawToolID: validString("tool-3"), HTMLURL: sql.NullString{}},
		{RawToolID: validString("tool-4"), HTMLURL: validString("not a url")},
		{RawToolID: validString("tool-5"), HTMLURL: validString("https://github.com/acme/five")},
	}

	items := source.mapRows(context.Background(), rows)

	if len(items) != 2 {
		t.Fatalf("expected 2 usable items, got %d: %+v", len(items), items)
	}
	if items[0].ID != "tool-1" || items[1].ID != "tool-5" {
		t.Fatalf("unexpected items: %+v", items)
	}
}

func TestNewToolBatchSource_DefaultsNonPositiveLimit(t *testing.T) {
	t.Parallel()

	source := NewToolBatchSource(nil, 0, nil)
	if source.limit != 10 {
		t.Fatalf("expected default limit 10, got %d", source.limit)
	}
}
