package chunk

import (
	"strings"
	"testing"
)

// countFields counts whitespace-separated words, a stable stand-in for a
// real tokenizer in these tests.
func countFields(s string) int {
	return len(strings.Fields(s))
}

// --- Split tests ---

func TestSplit_SpeakerTaggedLines(t *testing.T) {
	s := NewSplitter(50, countFields)

	turns := s.Split("Alice: hi there\nBob: hello back")

	if len(turns) != 2 {
		t.Fatalf("expected 2 turns, got %d: %v", len(turns), turns)
	}
	if turns[0] != "Alice: hi there" {
		t.Errorf("expected first turn %q, got %q", "Alice: hi there", turns[0])
	}
	if turns[1] != "Bob: hello back" {
		t.Errorf("expected second turn %q, got %q", "Bob: hello back", turns[1])
	}
}

func TestSplit_SpeakerPropagatesToUntaggedLines(t *testing.T) {
	s := NewSplitter(50, countFields)

	turns := s.Split("Alice: first remark\na continuation line\nBob: reply")

	if len(turns) != 3 {
		t.Fatalf("expected 3 turns, got %d: %v", len(turns), turns)
	}
	if turns[1] != "Alice: a continuation line" {
		t.Errorf("expected continuation to keep Alice, got %q", turns[1])
	}
	if turns[2] != "Bob: reply" {
		t.Errorf("expected speaker switch to Bob, got %q", turns[2])
	}
}

func TestSplit_DefaultSpeakerForPlainText(t *testing.T) {
	s := NewSplitter(50, countFields)

	turns := s.Split("just some prose with no labels")

	if len(turns) != 1 {
		t.Fatalf("expected 1 turn, got %d", len(turns))
	}
	if turns[0] != DefaultSpeaker+": just some prose with no labels" {
		t.Errorf("expected default speaker prefix, got %q", turns[0])
	}
}

func TestSplit_MultiWordSpeakerLabel(t *testing.T) {
	s := NewSplitter(50, countFields)

	turns := s.Split("Dr. Smith: rounds at nine")

	if len(turns) != 1 {
		t.Fatalf("expected 1 turn, got %d", len(turns))
	}
	if turns[0] != "Dr. Smith: rounds at nine" {
		t.Errorf("expected multi-word label to be kept, got %q", turns[0])
	}
}

func TestSplit_URLColonIsNotASpeaker(t *testing.T) {
	s := NewSplitter(50, countFields)

	turns := s.Split("https://example.com/path: see this link")

	if len(turns) != 1 {
		t.Fatalf("expected 1 turn, got %d", len(turns))
	}
	if !strings.HasPrefix(turns[0], DefaultSpeaker+": ") {
		t.Errorf("URL should not become a speaker label, got %q", turns[0])
	}
}

func TestSplit_DropsBlankLines(t *testing.T) {
	s := NewSplitter(50, countFields)

	turns := s.Split("\n\nAlice: hi\n\n\nBob: yo\n")

	if len(turns) != 2 {
		t.Fatalf("expected 2 turns, got %d: %v", len(turns), turns)
	}
}

func TestSplit_EmptyInput(t *testing.T) {
	s := NewSplitter(50, countFields)

	if turns := s.Split(""); len(turns) != 0 {
		t.Errorf("expected no turns for empty input, got %v", turns)
	}
}

func TestSplit_LongTurnSubdividedOnSentences(t *testing.T) {
	s := NewSplitter(5, countFields)

	turns := s.Split("Alice: One two three. Four five six. Seven eight nine.")

	if len(turns) != 3 {
		t.Fatalf("expected 3 sub-turns, got %d: %v", len(turns), turns)
	}
	for i, turn := range turns {
		if !strings.HasPrefix(turn, "Alice: ") {
			t.Errorf("sub-turn %d lost the speaker prefix: %q", i, turn)
		}
		if countFields(turn) > 5 {
			t.Errorf("sub-turn %d exceeds threshold: %q", i, turn)
		}
	}
}

func TestSplit_SubTurnsPreserveOrder(t *testing.T) {
	s := NewSplitter(5, countFields)

	turns := s.Split("Alice: One two three. Four five six. Seven eight nine.")

	joined := strings.Join(turns, " ")
	for _, word := range []string{"One", "Four", "Seven"} {
		if !strings.Contains(joined, word) {
			t.Fatalf("subdivision lost content %q: %v", word, turns)
		}
	}
	if strings.Index(joined, "One") > strings.Index(joined, "Four") {
		t.Error("sub-turns out of order")
	}
	if strings.Index(joined, "Four") > strings.Index(joined, "Seven") {
		t.Error("sub-turns out of order")
	}
}

func TestSplit_OversizedSentenceStillEmitted(t *testing.T) {
	s := NewSplitter(3, countFields)

	turns := s.Split("Alice: this single sentence has far too many words to fit")

	if len(turns) == 0 {
		t.Fatal("oversized sentence must still produce a turn")
	}
	joined := strings.Join(turns, " ")
	if !strings.Contains(joined, "far too many words") {
		t.Errorf("content was dropped: %v", turns)
	}
}

// --- SpeakerOf tests ---

func TestSpeakerOf(t *testing.T) {
	tests := []struct {
		name        string
		turn        string
		wantSpeaker string
		wantRest    string
	}{
		{
			name:        "tagged turn",
			turn:        "Alice: hello there",
			wantSpeaker: "Alice",
			wantRest:    "hello there",
		},
		{
			name:        "untagged turn",
			turn:        "no label here",
			wantSpeaker: DefaultSpeaker,
			wantRest:    "no label here",
		},
		{
			name:        "only first separator splits",
			turn:        "Bob: note: remember this",
			wantSpeaker: "Bob",
			wantRest:    "note: remember this",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			speaker, rest := SpeakerOf(tt.turn)
			if speaker != tt.wantSpeaker || rest != tt.wantRest {
				t.Errorf("SpeakerOf(%q) = (%q, %q), want (%q, %q)",
					tt.turn, speaker, rest, tt.wantSpeaker, tt.wantRest)
			}
		})
	}
}

// --- Consolidate tests ---

func TestConsolidate_MergesSameSpeaker(t *testing.T) {
	turns := []string{"Alice: one", "Alice: two", "Bob: three"}

	out := Consolidate(turns, 50, countFields)

	if len(out) != 2 {
		t.Fatalf("expected 2 turns, got %d: %v", len(out), out)
	}
	if out[0] != "Alice: one two" {
		t.Errorf("expected merged turn %q, got %q", "Alice: one two", out[0])
	}
	if out[1] != "Bob: three" {
		t.Errorf("expected %q, got %q", "Bob: three", out[1])
	}
}

func TestConsolidate_RespectsTokenCap(t *testing.T) {
	turns := []string{"Alice: one two", "Alice: three four"}

	// Merged turn would be 5 words, over the cap of 3.
	out := Consolidate(turns, 3, countFields)

	if len(out) != 2 {
		t.Fatalf("expected turns to stay separate, got %v", out)
	}
	if out[0] != "Alice: one two" || out[1] != "Alice: three four" {
		t.Errorf("turns were altered: %v", out)
	}
}

func TestConsolidate_AlternatingSpeakersUntouched(t *testing.T) {
	turns := []string{"Alice: a", "Bob: b", "Alice: c"}

	out := Consolidate(turns, 50, countFields)

	if len(out) != 3 {
		t.Fatalf("expected 3 turns, got %d: %v", len(out), out)
	}
}

func TestConsolidate_SingleTurn(t *testing.T) {
	out := Consolidate([]string{"Alice: only"}, 50, countFields)

	if len(out) != 1 || out[0] != "Alice: only" {
		t.Errorf("expected single turn unchanged, got %v", out)
	}
}

func TestConsolidate_EmptyInput(t *testing.T) {
	if out := Consolidate(nil, 50, countFields); out != nil {
		t.Errorf("expected nil for empty input, got %v", out)
	}
}

func TestConsolidate_ResumesMergingAfterFlush(t *testing.T) {
	turns := []string{"Alice: one two", "Alice: three four", "Alice: five"}

	// First merge overflows the cap of 4; the next pair fits.
	out := Consolidate(turns, 4, countFields)

	if len(out) != 2 {
		t.Fatalf("expected 2 turns, got %d: %v", len(out), out)
	}
	if out[1] != "Alice: three four five" {
		t.Errorf("expected merge to resume after flush, got %q", out[1])
	}
}
