package postgres

import (
	"strings"
	"testing"

	"github.com/toolhunt/enrich-scheduler/internal/domain/enrichment"
)

func TestMarshalOutcome_OmitsEmptyFields(t *testing.T) {
	t.Parallel()

	got, err := marshalOutcome(enrichment.SkippedByRemote("unchanged"))
	if err != nil {
		t.Fatalf("marshal outcome: %v", err)
	}

	if !strings.Contains(got, `"kind":"skipped"`) || !strings.Contains(got, `"reason":"unchanged"`) {
		t.Fatalf("unexpected outcome JSON: %s", got)
	}
	if strings.Contains(got, "status_code") || strings.Contains(got, "transport_kind") {
		t.Fatalf("empty fields should be omitted: %s", got)
	}
}

func TestOptionalString_TrimsAndNils(t *testing.T) {
	t.Parallel()

	if optionalString("  ") != nil {
		t.Fatalf("blank value should map to nil")
	}
	if got := optionalString(" x "); got == nil || *got != "x" {
		t.Fatalf("unexpected optional value: %v", got)
	}
}
