package activity

import "strings"

// Dedupe collapses items that share an identity key, keeping only the first
// occurrence of each key and preserving the original relative order. The
// same physical commit can be discovered twice, once through its owning
// pull request's commit list and once through the direct repository scan.
func Dedupe(items []Item) []Item {
	if len(items) == 0 {
		return items
	}

	seen := make(map[string]struct{}, len(items))
	result := make([]Item, 0, len(items))
	for _, item := range items {
		key := item.IdentityKey()
		if _, exists := seen[key]; exists {
			continue
		}
		seen[key] = struct{}{}
		result = append(result, item)
	}
	return result
}

// FilterByAuthor keeps items attributable to the given author: the raw
// commit author string contains the name, or the pull request author
// matches exactly. An empty author keeps everything.
func FilterByAuthor(items []Item, author string) []Item {
	if author == "" {
		return items
	}

	result := make([]Item, 0, len(items))
	for _, item := range items {
		if matchesAuthor(item, author) {
			result = append(result, item)
		}
	}
	return result
}

func matchesAuthor(item Item, author string) bool {
	if item.IsCommitShaped() {
		return containsFold(item.RawAuthor, author) || item.PRAuthor == author
	}
	return item.PRAuthor == author
}

func containsFold(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}
