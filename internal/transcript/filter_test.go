package transcript

import "testing"

func TestRedactExactMatch(t *testing.T) {
	t.Parallel()

	f := NewFilter([]string{"gambling"})
	got := f.Redact("No gambling here.")
	if got != "No *** here." {
		t.Errorf("Redact = %q", got)
	}
}

func TestRedactCaseInsensitive(t *testing.T) {
	t.Parallel()

	f := NewFilter([]string{"gambling"})
	if got := f.Redact("GAMBLING is out"); got != "*** is out" {
		t.Errorf("Redact = %q", got)
	}
}

func TestRedactFuzzySpelling(t *testing.T) {
	t.Parallel()

	// Speech models drift on spelling; phonetic + similarity matching
	// should still catch the variant.
	f := NewFilter([]string{"gambling"})
	if got := f.Redact("a bit of gamblin on the side"); got != "a bit of *** on the side" {
		t.Errorf("Redact = %q", got)
	}
}

func TestRedactPreservesPunctuation(t *testing.T) {
	t.Parallel()

	f := NewFilter([]string{"whisky"})
	if got := f.Redact("Whisky, anyone?"); got != "***, anyone?" {
		t.Errorf("Redact = %q", got)
	}
}

func TestRedactLeavesCleanTextAlone(t *testing.T) {
	t.Parallel()

	f := NewFilter([]string{"whisky"})
	in := "Tea and biscuits for everyone."
	if got := f.Redact(in); got != in {
		t.Errorf("Redact changed clean text: %q", got)
	}
}

func TestRedactNoTermsPassthrough(t *testing.T) {
	t.Parallel()

	f := NewFilter(nil)
	in := "anything at all"
	if got := f.Redact(in); got != in {
		t.Errorf("Redact = %q, want unchanged", got)
	}
}

func TestRedactDissimilarWordSurvives(t *testing.T) {
	t.Parallel()

	// "gumboot" shares no phonetic root with "gambling" close enough to
	// clear the similarity bar.
	f := NewFilter([]string{"gambling"})
	in := "wear a gumboot"
	if got := f.Redact(in); got != in {
		t.Errorf("Redact over-matched: %q", got)
	}
}

func TestRedactMultipleTerms(t *testing.T) {
	t.Parallel()

	f := NewFilter([]string{"whisky", "gambling"})
	if got := f.Redact("whisky and gambling"); got != "*** and ***" {
		t.Errorf("Redact = %q", got)
	}
}
