package guard

import "testing"

func TestTryEnterExcludesReentry(t *testing.T) {
	var g Guard

	if !g.TryEnter() {
		t.Fatalf("first TryEnter() = false, want true")
	}
	if g.TryEnter() {
		t.Fatalf("nested TryEnter() = true, want false while held")
	}

	g.Exit()
	if !g.TryEnter() {
		t.Fatalf("TryEnter() after Exit() = false, want true")
	}
}

func TestHeldReflectsState(t *testing.T) {
	var g Guard
	if g.Held() {
		t.Fatalf("zero-value guard reports held")
	}
	g.TryEnter()
	if !g.Held() {
		t.Fatalf("Held() = false after TryEnter()")
	}
	g.Exit()
	if g.Held() {
		t.Fatalf("Held() = true after Exit()")
	}
}
