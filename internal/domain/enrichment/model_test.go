package enrichment

import (
	"strings"
	"testing"
)

func TestStatusFromOutcome_CoversEveryKind(t *testing.T) {
	t.Parallel()

	cases := []struct {
		outcome DispatchOutcome
		want    DispatchStatus
	}{
		{Success(`{"enriched":1}`), StatusCompleted},
		{SkippedByRemote("unchanged"), StatusSkipped},
		{RemoteError(500, "boom"), StatusFailed},
		{TransportError(TransportTimeout, "deadline exceeded"), StatusFailed},
		{TransportError(TransportConnectionFailure, "refused"), StatusFailed},
		{TransportError(TransportOther, "odd"), StatusFailed},
	}

	for _, tc := range cases {
		if got := StatusFromOutcome(tc.outcome); got != tc.want {
			t.Fatalf("outcome %s: got status %s want %s", tc.outcome.Kind, got, tc.want)
		}
	}
}

func TestSkippedByRemote_DefaultsReason(t *testing.T) {
	t.Parallel()

	outcome := SkippedByRemote("")
	if outcome.Reason != "no reason provided" {
		t.Fatalf("unexpected default reason: %q", outcome.Reason)
	}
	if !strings.Contains(outcome.String(), "no reason provided") {
		t.Fatalf("String() should carry the reason, got %q", outcome.String())
	}
}

func TestDispatchOutcome_OK(t *testing.T) {
	t.Parallel()

	if !Success("").OK() || !SkippedByRemote("x").OK() {
		t.Fatalf("success and skipped must be OK")
	}
	if RemoteError(404, "").OK() || TransportError(TransportOther, "").OK() {
		t.Fatalf("error outcomes must not be OK")
	}
}
