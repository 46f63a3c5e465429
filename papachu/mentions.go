package papachu

import "regexp"

// mentionPattern matches user mention markup, with or without the
// legacy nickname '!'. The ID isn't checked against anything.
var mentionPattern = regexp.MustCompile(`<@!?[0-9]*>`)

// ExtractMentions returns the user mentions in text, in the order they
// appear. Repeated mentions are kept.
func ExtractMentions(text string) []string {
	matches := mentionPattern.FindAllString(text, -1)
	if matches == nil {
		return []string{}
	}
	return matches
}
