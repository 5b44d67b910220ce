package intake

import (
	"fmt"
	"strings"
	"unicode"
)

// DefaultCompletionPhrases are the utterances that signal the patient has
// nothing more to add.
func DefaultCompletionPhrases() []string {
	return []string{
		"i'm done",
		"im done",
		"i am done",
		"that's all",
		"thats all",
		"that is all",
		"that's everything",
		"nothing else",
		"nothing more",
		"no more questions",
		"i'm finished",
		"i am finished",
		"we're done",
		"let's finish",
	}
}

// TerminationInput is everything the detector looks at.
type TerminationInput struct {
	Utterance         string
	ActiveAgent       AgentRole
	TotalMessages     int
	Completeness      int
	HasChiefComplaint bool
	HasPresentIllness bool
}

// Detector decides whether the latest user turn should force a handover.
type Detector struct {
	phrases             []string
	phraseCompleteness  int
	autoEndCompleteness int
}

// NewDetector builds a detector over the given phrases; an empty list uses
// DefaultCompletionPhrases.
func NewDetector(phrases []string) *Detector {
	if len(phrases) == 0 {
		phrases = DefaultCompletionPhrases()
	}
	norm := make([]string, 0, len(phrases))
	for _, p := range phrases {
		if p = normalizeUtterance(p); p != "" {
			norm = append(norm, p)
		}
	}
	return &Detector{phrases: norm, phraseCompleteness: 60, autoEndCompleteness: 80}
}

// MatchesCompletion reports whether utterance contains a completion phrase
// on word boundaries.
func (d *Detector) MatchesCompletion(utterance string) bool {
	u := normalizeUtterance(utterance)
	if u == "" {
		return false
	}
	for _, p := range d.phrases {
		if containsWords(u, p) {
			return true
		}
	}
	return false
}

// Evaluate applies the rules in order; the first match wins.
func (d *Detector) Evaluate(in TerminationInput) Decision {
	matched := d.MatchesCompletion(in.Utterance)
	essentials := in.HasChiefComplaint && in.HasPresentIllness

	if matched && (in.Completeness >= d.phraseCompleteness || essentials) {
		factors := []string{"explicit completion phrase"}
		if essentials {
			factors = append(factors, "chief complaint and HPI recorded")
		}
		if in.Completeness >= d.phraseCompleteness {
			factors = append(factors, fmt.Sprintf("completeness %d%%", in.Completeness))
		}
		return Decision{
			Kind:        DecisionCompletionPhrase,
			Reason:      "patient indicated they are finished",
			Factors:     factors,
			TargetAgent: AgentHandoverSpecialist,
			Confidence:  0.9,
		}
	}

	if !matched && in.Completeness >= d.autoEndCompleteness && in.ActiveAgent != AgentHandoverSpecialist {
		return Decision{
			Kind:        DecisionCompletenessThreshold,
			Reason:      "enough information has been gathered",
			Factors:     []string{fmt.Sprintf("completeness %d%%", in.Completeness)},
			TargetAgent: AgentHandoverSpecialist,
			Confidence:  float64(in.Completeness) / 100,
		}
	}

	return Decision{Kind: DecisionNone}
}

func normalizeUtterance(s string) string {
	s = strings.ToLower(s)
	s = strings.NewReplacer("’", "'", "‘", "'").Replace(s)
	var b strings.Builder
	space := true
	for _, r := range s {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r) || r == '\'':
			b.WriteRune(r)
			space = false
		default:
			if !space {
				b.WriteByte(' ')
				space = true
			}
		}
	}
	return strings.TrimSpace(b.String())
}

func containsWords(text, phrase string) bool {
	return strings.Contains(" "+text+" ", " "+phrase+" ")
}
