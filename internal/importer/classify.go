package importer

import (
	"strings"
)

// ClassifyEmployment maps free-text employment types onto a fixed set.
// Unknown or missing values count as full-time.
func ClassifyEmployment(s string) string {
	lower := strings.ToLower(s)
	switch {
	case lower == "":
		return "full-time"
	case strings.Contains(lower, "full"):
		return "full-time"
	case strings.Contains(lower, "part"):
		return "part-time"
	case strings.Contains(lower, "contract"), strings.Contains(lower, "freelance"):
		return "contract"
	case strings.Contains(lower, "intern"):
		return "internship"
	case strings.Contains(lower, "temp"):
		return "temporary"
	}
	return "full-time"
}

var experienceWords = []struct {
	level string
	words []string
}{
	{"executive", []string{"executive", "director", "vp", "chief", "head"}},
	{"senior", []string{"senior", "sr", "lead", "principal", "staff"}},
	{"mid", []string{"mid", "intermediate", "associate"}},
	{"entry", []string{"entry", "junior", "jr", "intern", "internship", "graduate"}},
}

// ClassifyExperience matches whole words so "sr" does not fire inside other words.
func ClassifyExperience(s string) string {
	words := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !(r >= 'a' && r <= 'z')
	})
	if len(words) == 0 {
		return ""
	}
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	for _, candidate := range experienceWords {
		for _, w := range candidate.words {
			if _, ok := set[w]; ok {
				return candidate.level
			}
		}
	}
	return ""
}

// Categorize buckets a posting by its title.
func Categorize(title string) string {
	lower := strings.ToLower(title)
	switch {
	case containsAny(lower, "engineer", "developer", "programmer"):
		return "software-dev"
	case containsAny(lower, "data", "analytics"):
		return "data"
	case containsAny(lower, "design", "ux"):
		return "design"
	case strings.Contains(lower, "product"):
		return "product"
	case strings.Contains(lower, "marketing"):
		return "marketing"
	case strings.Contains(lower, "sales"):
		return "sales"
	}
	return "other"
}

// LocationType resolves remote, hybrid or onsite from the workplace hint, the remote flag and the location text.
func LocationType(workplace string, remote bool, location string) string {
	switch strings.ToLower(workplace) {
	case "remote":
		return "remote"
	case "hybrid":
		return "hybrid"
	case "onsite", "on-site", "on_site":
		return "onsite"
	}
	if remote {
		return "remote"
	}
	lower := strings.ToLower(location)
	switch {
	case strings.Contains(lower, "remote"):
		return "remote"
	case strings.Contains(lower, "hybrid"):
		return "hybrid"
	}
	return "onsite"
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
