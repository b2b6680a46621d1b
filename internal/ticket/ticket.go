package ticket

import (
	"regexp"
	"strings"
)

// Source labels name where a resolved ticket came from.
const (
	SourcePRTitle       = "PR title"
	SourceCommitMessage = "commit message"
)

// trackerPattern is the strict issue-tracker reference form. A candidate
// produced by this pattern always wins primary selection.
var trackerPattern = regexp.MustCompile(`\b([A-Z]{2,10}-\d+)\b`)

// scanPatterns are tried in order when no tracker-style candidate exists.
// The order is part of the extraction contract.
var scanPatterns = []*regexp.Regexp{
	trackerPattern,
	regexp.MustCompile(`(#\d+)`),
	regexp.MustCompile(`\b([A-Z]{2,}\d+)\b`),
	regexp.MustCompile(`(?i)\b(?:ticket|issue|task)[\s:/#-]*(\d+)\b`),
}

// Extract returns all candidate ticket references found in text, in scan
// order, without duplicates.
func Extract(text string) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	seen := make(map[string]struct{})
	var candidates []string
	for _, pattern := range scanPatterns {
		for _, match := range pattern.FindAllStringSubmatch(text, -1) {
			candidate := match[1]
			if _, exists := seen[candidate]; exists {
				continue
			}
			seen[candidate] = struct{}{}
			candidates = append(candidates, candidate)
		}
	}
	return candidates
}

// Primary returns the single best ticket reference in text. A strict
// tracker-style reference (ABC-123) wins over every other form; otherwise
// the first candidate in scan order is returned.
func Primary(text string) (string, bool) {
	if strings.TrimSpace(text) == "" {
		return "", false
	}

	if match := trackerPattern.FindStringSubmatch(text); match != nil {
		return match[1], true
	}

	candidates := Extract(text)
	if len(candidates) == 0 {
		return "", false
	}
	return candidates[0], true
}
