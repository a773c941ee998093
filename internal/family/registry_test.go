package family

import "testing"

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := NewRegistry([]Member{
		{Canonical: "山田 太郎", Aliases: []string{"山田太朗"}},
		{Canonical: "山田 花子"},
	}, true, 0)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return r
}

func TestRequiredEmptyRegistryFails(t *testing.T) {
	if _, err := NewRegistry(nil, true, 0); err == nil {
		t.Fatal("expected error for required empty registry")
	}
	if _, err := NewRegistry(nil, false, 0); err != nil {
		t.Fatalf("optional empty registry: %v", err)
	}
}

func TestResolveTiers(t *testing.T) {
	r := testRegistry(t)
	tests := []struct {
		raw    string
		reason string
		score  float64
		known  bool
	}{
		{"患者氏名 山田 太郎 様", ReasonExact, 6.2, true},
		{"山田太朗", ReasonAlias, 5.8, true},
		{"山田 花 子", ReasonExact, 6.2, true},
		{"山田 一郎", ReasonSameSurname, 4.0, false},
		{"佐藤 次郎", ReasonUnknownSurname, 4.0, false},
	}
	for _, tt := range tests {
		got := r.Resolve(tt.raw)
		if got.Reason != tt.reason {
			t.Errorf("Resolve(%q).Reason = %s, want %s", tt.raw, got.Reason, tt.reason)
		}
		if got.Score != tt.score {
			t.Errorf("Resolve(%q).Score = %v, want %v", tt.raw, got.Score, tt.score)
		}
		if got.Known != tt.known {
			t.Errorf("Resolve(%q).Known = %v, want %v", tt.raw, got.Known, tt.known)
		}
	}
}

func TestResolveFuzzy(t *testing.T) {
	r, err := NewRegistry([]Member{{Canonical: "やまだ たろう"}}, true, 0)
	if err != nil {
		t.Fatal(err)
	}
	got := r.Resolve("やまだ たろ")
	if got.Reason != ReasonFuzzy {
		t.Fatalf("reason = %s, want fuzzy", got.Reason)
	}
	if got.Canonical != "やまだ たろう" {
		t.Errorf("canonical = %q", got.Canonical)
	}
}

func TestNormalizeStripsLabelsAndHonorifics(t *testing.T) {
	if got := Normalize("受診者氏名: 山田 太郎 様"); got != "山田 太郎" {
		t.Errorf("Normalize = %q", got)
	}
}

func TestSimilarity(t *testing.T) {
	if s := similarity("abcd", "abcd"); s != 1 {
		t.Errorf("identical = %v", s)
	}
	if s := similarity("abcd", "wxyz"); s != 0 {
		t.Errorf("disjoint = %v", s)
	}
}

func TestResolveFuzzyAgainstAlias(t *testing.T) {
	r, err := NewRegistry([]Member{
		{Canonical: "やまだ たろう", Aliases: []string{"山田太郎"}},
	}, true, 0)
	if err != nil {
		t.Fatal(err)
	}
	// OCR dropped the last character of the kanji alias.
	got := r.Resolve("山田太")
	if got.Reason != ReasonFuzzy || !got.Known {
		t.Fatalf("resolution = %+v, want fuzzy via alias", got)
	}
	if got.Canonical != "やまだ たろう" {
		t.Errorf("canonical = %q", got.Canonical)
	}
}

func TestResolveSurnameFromUnspacedCanonical(t *testing.T) {
	r, err := NewRegistry([]Member{{Canonical: "山田花子"}}, true, 0)
	if err != nil {
		t.Fatal(err)
	}
	got := r.Resolve("山田 一郎")
	if got.Reason != ReasonSameSurname || got.Known {
		t.Fatalf("resolution = %+v, want same surname", got)
	}
	if got := r.Resolve("田山 一郎"); got.Reason != ReasonUnknownSurname {
		t.Fatalf("resolution = %+v, want unknown surname", got)
	}
}
