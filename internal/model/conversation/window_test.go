package conversation

import (
	"fmt"
	"testing"
)

func TestWindowEvictsOldest(t *testing.T) {
	w := NewWindow(3)
	for i := 1; i <= 5; i++ {
		w.Append(Turn{ID: fmt.Sprintf("t%d", i)})
	}

	turns := w.Turns()
	if len(turns) != 3 {
		t.Fatalf("expected 3 turns, got %d", len(turns))
	}
	for i, want := range []string{"t3", "t4", "t5"} {
		if turns[i].ID != want {
			t.Fatalf("turn %d = %s, want %s", i, turns[i].ID, want)
		}
	}
}

func TestWindowTurnsIsCopy(t *testing.T) {
	w := NewWindow(2)
	w.Append(Turn{ID: "a"})

	turns := w.Turns()
	turns[0].ID = "mutated"

	if w.Turns()[0].ID != "a" {
		t.Fatal("Turns must return a copy")
	}
}

func TestWindowDefaultSize(t *testing.T) {
	if NewWindow(0).Size() != DefaultWindowSize {
		t.Fatalf("expected default size %d", DefaultWindowSize)
	}
}

func TestVerdictHelpers(t *testing.T) {
	if !(Verdict{Classification: Blocked}).IsBlocked() {
		t.Fatal("blocked verdict should report IsBlocked")
	}
	if (Verdict{Classification: Safe}).NeedsAlert() {
		t.Fatal("safe verdict must not alert")
	}
	if !(Verdict{Classification: Flagged}).NeedsAlert() {
		t.Fatal("flagged verdict should alert")
	}
}
