package main

import (
	"fmt"
	"strings"
)

// LabelMap is the per-deliberation bijection between anonymized labels
// ("A", "B", ...) and personality ids. A fresh map is generated for every
// deliberation so labels never leak identity across sessions.
type LabelMap map[string]string

// AssignLabels gives each successful Stage-1 result a single-letter
// label in completion order. The order carries no meaning.
func AssignLabels(results []StageOneResult) LabelMap {
	labels := make(LabelMap)
	next := 0
	for _, r := range results {
		if !r.OK {
			continue
		}
		labels[string(rune('A'+next))] = r.PersonalityID
		next++
	}
	return labels
}

// LabelFor returns the label assigned to a personality, if any
func (m LabelMap) LabelFor(personalityID string) (string, bool) {
	for label, id := range m {
		if id == personalityID {
			return label, true
		}
	}
	return "", false
}

// AnonymizedBlob renders the successful responses as "Response X:"
// blocks, omitting the personality whose id is excludeID so reviewers
// never see (or rank) their own answer.
func AnonymizedBlob(results []StageOneResult, labels LabelMap, excludeID string) string {
	var b strings.Builder
	for _, r := range results {
		if !r.OK || r.PersonalityID == excludeID {
			continue
		}
		label, ok := labels.LabelFor(r.PersonalityID)
		if !ok {
			continue
		}
		b.WriteString(fmt.Sprintf("Response %s:\n%s\n\n", label, r.Response))
	}
	return b.String()
}

// Deanonymize replaces "Response X" references in text with the display
// names behind them. Display-only: the result must never be fed back to
// a model.
func Deanonymize(text string, labels LabelMap, personalities []Personality) string {
	names := make(map[string]string, len(personalities))
	for _, p := range personalities {
		names[p.ID] = p.Name
	}

	replacements := make([]string, 0, len(labels)*2)
	for label, id := range labels {
		name, ok := names[id]
		if !ok {
			continue
		}
		replacements = append(replacements, "Response "+label, name)
	}
	return strings.NewReplacer(replacements...).Replace(text)
}
