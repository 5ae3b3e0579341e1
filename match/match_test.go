package match

import "testing"

func TestOutcomeVocabulary(t *testing.T) {
	winners := map[Outcome]bool{
		OutcomeWin:               true,
		OutcomeTimeout:           true,
		OutcomeDrawPartialRefund: false,
		OutcomeDrawFullRefund:    false,
		OutcomeNoPlay:            false,
	}
	for outcome, wantWinner := range winners {
		if !outcome.Valid() {
			t.Errorf("%s should be a valid outcome", outcome)
		}
		if got := outcome.HasWinner(); got != wantWinner {
			t.Errorf("%s.HasWinner() = %v, want %v", outcome, got, wantWinner)
		}
	}
	if Outcome("FORFEIT").Valid() {
		t.Error("unknown outcome reported valid")
	}
}

func TestSameWinner(t *testing.T) {
	alice := "alice"
	if !sameWinner(nil, "") {
		t.Error("nil winner should match empty replay")
	}
	if sameWinner(nil, alice) {
		t.Error("nil winner should not match named replay")
	}
	if !sameWinner(&alice, "alice") {
		t.Error("same winner should match")
	}
	if sameWinner(&alice, "bob") {
		t.Error("different winner should not match")
	}
}
