package inbox

import (
	"testing"

	"github.com/medstack/receiptocr/internal/receipt"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to SessionState
		want     bool
	}{
		{StateIdle, StateAwaitConfirm, true},
		{StateIdle, StateAwaitFieldCandidate, false},
		{StateAwaitConfirm, StateAwaitFieldSelection, true},
		{StateAwaitConfirm, StateCompleted, true},
		{StateAwaitConfirm, StateAwaitFreeText, false},
		{StateAwaitFieldSelection, StateAwaitFieldCandidate, true},
		{StateAwaitFieldCandidate, StateAwaitFreeText, true},
		{StateAwaitFreeText, StateAwaitConfirm, true},
		{StateHold, StateAwaitConfirm, true},
		{StateHold, StateAwaitFieldSelection, false},
		{StateCompleted, StateAwaitConfirm, false},
		{StateCompleted, StateCompleted, true},
	}
	for _, c := range cases {
		if got := CanTransition(c.from, c.to); got != c.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestInitialState(t *testing.T) {
	if got := InitialState(receipt.StatusAutoAccept); got != StateAwaitConfirm {
		t.Fatalf("auto accept opens %s", got)
	}
	if got := InitialState(receipt.StatusReviewRequired); got != StateAwaitConfirm {
		t.Fatalf("review opens %s", got)
	}
	if got := InitialState(receipt.StatusRejected); got != StateIdle {
		t.Fatalf("rejected opens %s", got)
	}
}
