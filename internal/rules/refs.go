package rules

import (
	"regexp"

	"github.com/agnivade/levenshtein"
)

var tokenPattern = regexp.MustCompile(`\{([^{}]*)\}`)

// UnknownReference is a {name} token that matches no dataset header.
type UnknownReference struct {
	Rule       int    `json:"rule"`
	Name       string `json:"name"`
	Suggestion string `json:"suggestion,omitempty"`
}

// References lists the attribute names referenced in text, in order of appearance.
func References(text string) []string {
	matches := tokenPattern.FindAllStringSubmatch(text, -1)
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, m[1])
	}
	return out
}

// CheckReferences reports tokens naming no header. The closest header is
// suggested when it is within half the name's length in edits.
func CheckReferences(rules []string, headers []string) []UnknownReference {
	known := make(map[string]bool, len(headers))
	for _, h := range headers {
		known[h] = true
	}
	var out []UnknownReference
	for i, rule := range rules {
		for _, name := range References(rule) {
			if known[name] {
				continue
			}
			out = append(out, UnknownReference{Rule: i, Name: name, Suggestion: closest(name, headers)})
		}
	}
	return out
}

func closest(name string, headers []string) string {
	best, bestDist := "", -1
	for _, h := range headers {
		if h == "" {
			continue
		}
		d := levenshtein.ComputeDistance(name, h)
		if bestDist < 0 || d < bestDist {
			best, bestDist = h, d
		}
	}
	if bestDist < 0 || bestDist > (len([]rune(name))+1)/2 {
		return ""
	}
	return best
}
