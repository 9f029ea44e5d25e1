// Package classify maps raw model output to one of a use case's labeled
// options. Keyword rules handle verbose or rephrased output; a positional
// fallback covers use cases without curated keyword tables.
package classify

import (
	"strings"

	"github.com/care/vigil/internal/types"
)

// firstSegmentDelims truncate the response before option matching, so a
// model that echoes the whole option list ("yes, if the door is open or...")
// is judged on its leading clause only.
var firstSegmentDelims = []string{"\n", ".", ",", " if ", " or "}

// containmentMaxLen bounds the loose substring check to short responses;
// long rambling text would false-positive on almost any option.
const containmentMaxLen = 30

// Classify maps raw model text to one of the use case's options.
//
// With a keyword table: options are tried in declared order and the first
// option whose keyword occurs (case-insensitive) in the response wins; no
// match falls back to the first declared option, or types.NoEvent when the
// option list is empty.
//
// Without a keyword table: the first segment of the response is compared
// against each option, exact or prefix, in declared order. If that fails and
// the whole response is short, a substring containment pass runs. Otherwise
// types.NoEvent.
func Classify(response string, uc *types.UseCase) string {
	responseLower := strings.ToLower(response)

	if len(uc.Keywords) > 0 {
		for _, option := range uc.Options {
			keywords, ok := uc.Keywords[option]
			if !ok {
				continue
			}
			for _, keyword := range keywords {
				if strings.Contains(responseLower, strings.ToLower(keyword)) {
					return option
				}
			}
		}
		if len(uc.Options) > 0 {
			return uc.Options[0]
		}
		return types.NoEvent
	}

	firstPart := firstSegment(responseLower)
	for _, option := range uc.Options {
		optionLower := strings.ToLower(option)
		if firstPart == optionLower || strings.HasPrefix(firstPart, optionLower) {
			return option
		}
	}

	if len(responseLower) < containmentMaxLen {
		for _, option := range uc.Options {
			if strings.Contains(responseLower, strings.ToLower(option)) {
				return option
			}
		}
	}

	return types.NoEvent
}

// firstSegment truncates at each delimiter's first non-zero occurrence in
// turn, then trims whitespace and surrounding quotes.
func firstSegment(s string) string {
	for _, delim := range firstSegmentDelims {
		if pos := strings.Index(s, delim); pos > 0 {
			s = s[:pos]
		}
	}
	return strings.Trim(strings.TrimSpace(s), "'\"")
}
