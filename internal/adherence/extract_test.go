package adherence

import (
	"reflect"
	"strings"
	"testing"

	"medication-reminder/internal/calls"
)

var tracked = []string{"Aspirin", "Cardivol", "Metformin"}

func TestExtract(t *testing.T) {
	cases := []struct {
		name string
		text string
		want calls.StatusMap
	}{
		{
			name: "negation beats shared taken keyword",
			text: "I have not taken my aspirin",
			want: calls.StatusMap{"aspirin": "not taken", "cardivol": "unknown", "metformin": "unknown"},
		},
		{
			name: "simple affirmation",
			text: "yes I took aspirin",
			want: calls.StatusMap{"aspirin": "taken", "cardivol": "unknown", "metformin": "unknown"},
		},
		{
			name: "no mention",
			text: "I feel fine today",
			want: calls.StatusMap{"aspirin": "unknown", "cardivol": "unknown", "metformin": "unknown"},
		},
		{
			name: "mixed utterance",
			text: "Yes, I took my aspirin and cardivol, but not metformin",
			want: calls.StatusMap{"aspirin": "taken", "cardivol": "taken", "metformin": "not taken"},
		},
		{
			name: "comma separated list",
			text: "I took aspirin, cardivol, and metformin this morning.",
			want: calls.StatusMap{"aspirin": "taken", "cardivol": "taken", "metformin": "taken"},
		},
		{
			name: "medication before negation",
			text: "Metformin I haven't had yet.",
			want: calls.StatusMap{"aspirin": "unknown", "cardivol": "unknown", "metformin": "not taken"},
		},
		{
			name: "curly apostrophe and uppercase",
			text: "I DIDN’T take my Cardivol",
			want: calls.StatusMap{"aspirin": "unknown", "cardivol": "not taken", "metformin": "unknown"},
		},
		{
			name: "second statement after and i",
			text: "I took aspirin and I have not taken metformin",
			want: calls.StatusMap{"aspirin": "taken", "cardivol": "unknown", "metformin": "not taken"},
		},
		{
			name: "medication followed by taken",
			text: "aspirin taken. cardivol no.",
			want: calls.StatusMap{"aspirin": "taken", "cardivol": "not taken", "metformin": "unknown"},
		},
		{
			name: "list negation without but",
			text: "Yes, I took my aspirin and cardivol, not metformin",
			want: calls.StatusMap{"aspirin": "taken", "cardivol": "taken", "metformin": "not taken"},
		},
		{
			name: "list negation without yes",
			text: "I took aspirin and cardivol, not metformin",
			want: calls.StatusMap{"aspirin": "taken", "cardivol": "taken", "metformin": "not taken"},
		},
		{
			name: "trailing no belongs to the next name",
			text: "I took aspirin and cardivol, no metformin",
			want: calls.StatusMap{"aspirin": "taken", "cardivol": "taken", "metformin": "not taken"},
		},
		{
			name: "one word answer after a question",
			text: "Aspirin? No.",
			want: calls.StatusMap{"aspirin": "not taken", "cardivol": "unknown", "metformin": "unknown"},
		},
		{
			name: "one word answer before the name",
			text: "Yes. Aspirin.",
			want: calls.StatusMap{"aspirin": "taken", "cardivol": "unknown", "metformin": "unknown"},
		},
		{
			name: "answers after each name",
			text: "Cardivol no, aspirin yes",
			want: calls.StatusMap{"aspirin": "taken", "cardivol": "not taken", "metformin": "unknown"},
		},
		{
			name: "keyword too far from name",
			text: "I took a very long walk around the park with aspirin",
			want: calls.StatusMap{"aspirin": "unknown", "cardivol": "unknown", "metformin": "unknown"},
		},
		{
			name: "empty transcript",
			text: "",
			want: calls.StatusMap{"aspirin": "unknown", "cardivol": "unknown", "metformin": "unknown"},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Extract(tc.text, tracked)
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("Extract(%q) = %v, want %v", tc.text, got, tc.want)
			}
		})
	}
}

func TestExtract_EveryMedicationExactlyOnce(t *testing.T) {
	e := NewExtractor([]string{"Aspirin", "aspirin", "Cardivol", " ", "Metformin"})
	inputs := []string{"", "no", "yes", "aspirin aspirin aspirin", "not not metformin yes cardivol taken"}
	for _, in := range inputs {
		got := e.Extract(in)
		if len(got) != 3 {
			t.Fatalf("expected 3 keys for %q, got %v", in, got)
		}
		for k, v := range got {
			if !v.Valid() {
				t.Fatalf("invalid status %q for %s", v, k)
			}
		}
	}
}

func TestExtract_Idempotent(t *testing.T) {
	e := NewExtractor(tracked)
	text := "Yes, I took my aspirin and cardivol, but not metformin"
	first := e.Extract(text)
	for i := 0; i < 5; i++ {
		if got := e.Extract(text); !reflect.DeepEqual(got, first) {
			t.Fatalf("run %d differs: %v vs %v", i, got, first)
		}
	}
}

func TestExplain_ReportsDecidingRule(t *testing.T) {
	e := NewExtractor(tracked)
	matches := e.Explain("I have not taken my aspirin")
	if len(matches) != 3 {
		t.Fatalf("expected one match per medication, got %d", len(matches))
	}
	if matches[0].Medication != "aspirin" || matches[0].Rule != "negative/negation-before" {
		t.Fatalf("unexpected explanation %+v", matches[0])
	}
	if matches[1].Rule != "" || matches[1].Status != calls.MedicationUnknown {
		t.Fatalf("expected no rule for cardivol, got %+v", matches[1])
	}
}

func TestBuildRules_NegativeBeforePositive(t *testing.T) {
	rules := BuildRules([]string{"Aspirin"})
	seenPositive := false
	for _, r := range rules {
		if r.Medication != "aspirin" {
			t.Fatalf("expected lowercase key, got %q", r.Medication)
		}
		if r.Polarity == Positive {
			seenPositive = true
		}
		if r.Polarity == Negative && seenPositive {
			t.Fatalf("negative rule %s ordered after a positive rule", r.Name)
		}
	}
}

func TestBuildRules_QuotesMedicationNames(t *testing.T) {
	rules := BuildRules([]string{"Vitamin B12+"})
	for _, r := range rules {
		if !strings.Contains(r.Pattern.String(), `b12\+`) {
			t.Fatalf("expected quoted name in %s", r.Pattern)
		}
	}
}

func TestExtract_NamesWithPunctuation(t *testing.T) {
	meds := []string{"Vitamin B12+", "Aspirin"}
	cases := []struct {
		text string
		want calls.StatusMap
	}{
		{"I took my vitamin b12+ today", calls.StatusMap{"vitamin b12+": "taken", "aspirin": "unknown"}},
		{"I have not taken vitamin b12+", calls.StatusMap{"vitamin b12+": "not taken", "aspirin": "unknown"}},
		{"vitamin b12+ no, aspirin yes", calls.StatusMap{"vitamin b12+": "not taken", "aspirin": "taken"}},
		{"I took multivitamin b12+", calls.StatusMap{"vitamin b12+": "unknown", "aspirin": "unknown"}},
	}
	for _, tc := range cases {
		if got := Extract(tc.text, meds); !reflect.DeepEqual(got, tc.want) {
			t.Fatalf("Extract(%q) = %v, want %v", tc.text, got, tc.want)
		}
	}
}

func TestClauses_AttachesBareAnswers(t *testing.T) {
	cases := map[string][]string{
		"Aspirin? No.":                     {"aspirin no"},
		"Yes. Aspirin.":                    {"yes aspirin"},
		"Yes.":                             {"yes"},
		"Cardivol? Yeah. Metformin? Nope.": {"cardivol yeah", "metformin nope"},
	}
	for in, want := range cases {
		if got := Clauses(in); !reflect.DeepEqual(got, want) {
			t.Fatalf("Clauses(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestClauses_SplitsOnContrast(t *testing.T) {
	got := Clauses("Yes, I took aspirin, but NOT metformin. Thanks!")
	want := []string{"yes, i took aspirin", "not metformin", "thanks"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Clauses = %q, want %q", got, want)
	}
}
