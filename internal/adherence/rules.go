package adherence

import (
	"regexp"
	"strings"

	"medication-reminder/internal/calls"
)

// Polarity is the status a rule assigns when it matches.
type Polarity int

const (
	Negative Polarity = iota
	Positive
)

func (p Polarity) Status() calls.MedicationStatus {
	if p == Negative {
		return calls.MedicationNotTaken
	}
	return calls.MedicationTaken
}

func (p Polarity) String() string {
	if p == Negative {
		return "negative"
	}
	return "positive"
}

// Rule binds one pattern to one medication.
type Rule struct {
	Medication string
	Polarity   Polarity
	Name       string
	Pattern    *regexp.Regexp

	// Trailing rules put the keyword after the name.
	Trailing bool
}

const (
	negationWords = `have not|haven'?t|didn'?t|did not|not taken|not had|not|no`
	// Bare "not" after a name usually negates the next item in a list
	// ("aspirin and cardivol, not metformin"), so it only counts before one.
	trailingNegationWords = `have not|haven'?t|didn'?t|did not|not taken|not had|no`
	affirmationWords      = `have|had|took|taken|taking|yes|yeah|yep`

	// sep tolerates list commas; gap allows up to three words between a
	// keyword and the medication name.
	sep = `[\s,]+`
	gap = `(?:` + sep + `[\w']+){0,3}` + sep
	// negationGap is gap without a comma straight after the keyword: in
	// "cardivol no, aspirin yes" the "no," closes the previous answer.
	negationGap = `\s+(?:[\w']+` + sep + `){0,3}`
)

type template struct {
	name     string
	polarity Polarity
	trailing bool
	build    func(med string) string
}

// Templates are listed in evaluation order. Negative rules come first so a
// negated mention always wins over a nearby affirmation. med is already
// quoted and guarded.
var templates = []template{
	{"negation-before", Negative, false, func(m string) string { return `\b(?:` + negationWords + `)` + negationGap + m }},
	{"negation-after", Negative, true, func(m string) string { return m + gap + `(?:` + trailingNegationWords + `)\b` }},
	{"taken-determiner", Positive, false, func(m string) string { return `\btaken` + sep + `(?:my|the|all)` + gap + m }},
	{"affirmation-before", Positive, false, func(m string) string { return `\b(?:` + affirmationWords + `)` + gap + m }},
	{"affirmation-after", Positive, true, func(m string) string { return m + gap + `(?:` + affirmationWords + `)\b` }},
}

// namePattern quotes a medication name and adds a word boundary on each
// side that starts or ends with a word character. Names like "b12+" end in
// punctuation, where \b would never match before a space.
func namePattern(key string) string {
	p := regexp.QuoteMeta(key)
	if isWordByte(key[0]) {
		p = `\b` + p
	}
	if isWordByte(key[len(key)-1]) {
		p += `\b`
	}
	return p
}

func isWordByte(b byte) bool {
	return b == '_' || ('0' <= b && b <= '9') || ('a' <= b && b <= 'z') || ('A' <= b && b <= 'Z')
}

// BuildRules expands the templates for each medication. Medication names are
// matched case-insensitively as whole words.
func BuildRules(medications []string) []Rule {
	rules := make([]Rule, 0, len(medications)*len(templates))
	for _, med := range medications {
		key := Key(med)
		if key == "" {
			continue
		}
		name := namePattern(key)
		for _, t := range templates {
			rules = append(rules, Rule{
				Medication: key,
				Polarity:   t.polarity,
				Name:       t.name,
				Pattern:    regexp.MustCompile(t.build(name)),
				Trailing:   t.trailing,
			})
		}
	}
	return rules
}

// Key is the status map key for a medication name.
func Key(medication string) string {
	return strings.ToLower(strings.TrimSpace(medication))
}
