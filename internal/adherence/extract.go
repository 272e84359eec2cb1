package adherence

import (
	"regexp"
	"strings"

	"medication-reminder/internal/calls"
)

// Clause boundaries: sentence punctuation, contrastive conjunctions, and
// "and I" which starts a new statement about a different dose.
var (
	sentenceBreak = regexp.MustCompile(`[.;:!?]+`)
	clauseBreak   = regexp.MustCompile(`\b(?:but|however|although|though|except)\b|\band\s+i\b`)
)

// A sentence that is only a yes or no answers its neighbour:
// "Aspirin? No." and "Yes. Aspirin." each read as one clause.
var bareAnswer = regexp.MustCompile(`^(?:yes|yeah|yep|no|nope)$`)

var apostrophes = strings.NewReplacer("’", "'", "‘", "'", "`", "'")

// Extractor classifies a transcript against a fixed medication list.
// It is safe for concurrent use.
type Extractor struct {
	medications []string
	rules       []Rule

	// nextMed matches text that continues, without a comma, into a tracked
	// medication name.
	nextMed *regexp.Regexp
}

func NewExtractor(medications []string) *Extractor {
	e := &Extractor{rules: BuildRules(medications)}
	seen := make(map[string]struct{}, len(medications))
	for _, m := range medications {
		k := Key(m)
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		e.medications = append(e.medications, k)
	}
	if len(e.medications) > 0 {
		names := make([]string, len(e.medications))
		for i, m := range e.medications {
			names[i] = namePattern(m)
		}
		e.nextMed = regexp.MustCompile(`^\s+(?:(?:my|the|any)\s+)?(?:` + strings.Join(names, "|") + `)`)
	}
	return e
}

// Medications returns the tracked status map keys in configured order.
func (e *Extractor) Medications() []string {
	return append([]string(nil), e.medications...)
}

// Match explains why a medication received its status.
type Match struct {
	Medication string
	Status     calls.MedicationStatus
	Rule       string
	Clause     string
}

// Extract returns a status for every tracked medication. Medications with no
// matching rule are unknown.
func (e *Extractor) Extract(transcript string) calls.StatusMap {
	out := make(calls.StatusMap, len(e.medications))
	for _, m := range e.Explain(transcript) {
		out[m.Medication] = m.Status
	}
	return out
}

// Explain is Extract with the deciding rule and clause for each medication.
func (e *Extractor) Explain(transcript string) []Match {
	clauses := Clauses(transcript)
	out := make([]Match, 0, len(e.medications))
	for _, med := range e.medications {
		out = append(out, e.classify(med, clauses))
	}
	return out
}

func (e *Extractor) classify(med string, clauses []string) Match {
	for _, r := range e.rules {
		if r.Medication != med {
			continue
		}
		for _, c := range clauses {
			if e.matches(r, c) {
				return Match{Medication: med, Status: r.Polarity.Status(), Rule: r.Polarity.String() + "/" + r.Name, Clause: c}
			}
		}
	}
	return Match{Medication: med, Status: calls.MedicationUnknown}
}

// matches reports whether r applies to clause. A trailing keyword that runs
// straight into another medication ("cardivol, no metformin") belongs to
// that medication, not to r's.
func (e *Extractor) matches(r Rule, clause string) bool {
	if !r.Trailing || e.nextMed == nil {
		return r.Pattern.MatchString(clause)
	}
	for _, loc := range r.Pattern.FindAllStringIndex(clause, -1) {
		if !e.nextMed.MatchString(clause[loc[1]:]) {
			return true
		}
	}
	return false
}

// Extract is a convenience for one-off classification.
func Extract(transcript string, medications []string) calls.StatusMap {
	return NewExtractor(medications).Extract(transcript)
}

// Clauses normalizes a transcript and splits it into independently matched clauses.
func Clauses(transcript string) []string {
	text := strings.ToLower(apostrophes.Replace(transcript))

	var sentences []string
	pendingAnswer := ""
	for _, p := range sentenceBreak.Split(text, -1) {
		p = trimClause(p)
		switch {
		case p == "":
		case bareAnswer.MatchString(p) && len(sentences) > 0:
			sentences[len(sentences)-1] += " " + p
		case bareAnswer.MatchString(p):
			pendingAnswer += p + " "
		default:
			sentences = append(sentences, pendingAnswer+p)
			pendingAnswer = ""
		}
	}
	if pendingAnswer != "" {
		sentences = append(sentences, strings.TrimSpace(pendingAnswer))
	}

	out := make([]string, 0, len(sentences))
	for _, sentence := range sentences {
		for _, p := range clauseBreak.Split(sentence, -1) {
			if p = trimClause(p); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

func trimClause(s string) string {
	return strings.Trim(s, " \t\r\n,")
}
