package topic

import (
	"sort"
	"strings"
)

// Normalize trims, drops empty entries, deduplicates and sorts a list of topics. A comma is
// the storage separator, so an entry containing commas yields one topic per part.
func Normalize(topics []string) []string {
	seen := make(map[string]struct{}, len(topics))
	out := make([]string, 0, len(topics))
	for _, entry := range topics {
		for _, t := range strings.Split(entry, ",") {
			t = strings.TrimSpace(t)
			if t == "" {
				continue
			}
			if _, ok := seen[t]; ok {
				continue
			}
			seen[t] = struct{}{}
			out = append(out, t)
		}
	}
	sort.Strings(out)
	return out
}

// Parse splits a comma separated list into a normalized topic set.
func Parse(s string) []string {
	if strings.TrimSpace(s) == "" {
		return []string{}
	}
	return Normalize([]string{s})
}

// Join renders a topic set in its comma separated form.
func Join(topics []string) string {
	return strings.Join(Normalize(topics), ",")
}

// Contains reports whether t is one of topics. Matching is exact.
func Contains(topics []string, t string) bool {
	for _, candidate := range topics {
		if candidate == t {
			return true
		}
	}
	return false
}
