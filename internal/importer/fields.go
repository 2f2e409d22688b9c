package importer

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"job-ingestion-orchestrator/internal/models"
)

// Canonical fields a dataset record can be mapped onto.
const (
	FieldExternalID      = "external_id"
	FieldTitle           = "title"
	FieldCompany         = "company"
	FieldLocation        = "location"
	FieldRemote          = "remote"
	FieldWorkplace       = "workplace_type"
	FieldDescription     = "description"
	FieldDescriptionHTML = "description_html"
	FieldCompanyLogo     = "company_logo"
	FieldCompanyURL      = "company_url"
	FieldApplyURL        = "apply_url"
	FieldPostedAt        = "posted_at"
	FieldTags            = "tags"
	FieldExperience      = "experience_level"
	FieldEmployment      = "employment_type"
	FieldSalaryMin       = "salary_min"
	FieldSalaryMax       = "salary_max"
	FieldSalaryText      = "salary_text"
	FieldSalaryCurrency  = "salary_currency"
)

// FieldRule maps one canonical field to the record paths tried in order.
// Paths are dot separated; "*" fans out over an array.
type FieldRule struct {
	Field   string
	Sources []string
	Default string
}

// Table is the ordered normalization table for one actor profile.
type Table []FieldRule

// Rule returns the rule for field, if the table has one.
func (t Table) Rule(field string) (FieldRule, bool) {
	for _, r := range t {
		if r.Field == field {
			return r, true
		}
	}
	return FieldRule{}, false
}

// with returns a copy of t where field reads from sources instead.
func (t Table) with(field string, sources []string) Table {
	out := make(Table, 0, len(t)+1)
	replaced := false
	for _, r := range t {
		if r.Field == field {
			r.Sources = append([]string(nil), sources...)
			replaced = true
		}
		out = append(out, r)
	}
	if !replaced {
		out = append(out, FieldRule{Field: field, Sources: append([]string(nil), sources...)})
	}
	return out
}

var profiles = map[string]Table{
	"linkedin": {
		{Field: FieldExternalID, Sources: []string{"jobId", "id"}},
		{Field: FieldTitle, Sources: []string{"title", "jobTitle"}},
		{Field: FieldCompany, Sources: []string{"companyName", "company"}},
		{Field: FieldLocation, Sources: []string{"location"}, Default: "Remote"},
		{Field: FieldWorkplace, Sources: []string{"workplaceType"}},
		{Field: FieldDescription, Sources: []string{"description", "jobDescription"}},
		{Field: FieldDescriptionHTML, Sources: []string{"descriptionHtml"}},
		{Field: FieldCompanyLogo, Sources: []string{"companyLogo", "companyLogoUrl"}},
		{Field: FieldCompanyURL, Sources: []string{"companyUrl", "companyLinkedInUrl"}},
		{Field: FieldApplyURL, Sources: []string{"applyUrl", "url", "link"}},
		{Field: FieldPostedAt, Sources: []string{"postedAt", "listedAt"}},
		{Field: FieldTags, Sources: []string{"skills"}},
		{Field: FieldExperience, Sources: []string{"seniorityLevel"}},
		{Field: FieldEmployment, Sources: []string{"employmentType"}},
		{Field: FieldSalaryMin, Sources: []string{"salaryRange.min"}},
		{Field: FieldSalaryMax, Sources: []string{"salaryRange.max"}},
		{Field: FieldSalaryText, Sources: []string{"salary"}},
		{Field: FieldSalaryCurrency, Sources: []string{"salaryCurrency"}},
	},
	"greenhouse": {
		{Field: FieldExternalID, Sources: []string{"id"}},
		{Field: FieldTitle, Sources: []string{"title"}},
		{Field: FieldCompany, Sources: []string{"companyName"}},
		{Field: FieldLocation, Sources: []string{"location.name", "location"}, Default: "Remote"},
		{Field: FieldDescriptionHTML, Sources: []string{"content"}},
		{Field: FieldApplyURL, Sources: []string{"absoluteUrl"}},
		{Field: FieldPostedAt, Sources: []string{"updatedAt", "firstPublished"}},
		{Field: FieldTags, Sources: []string{"departments.*.name"}},
	},
	"indeed": {
		{Field: FieldExternalID, Sources: []string{"id", "jobkey"}},
		{Field: FieldTitle, Sources: []string{"title", "jobTitle", "positionName"}},
		{Field: FieldCompany, Sources: []string{"company", "companyName"}},
		{Field: FieldLocation, Sources: []string{"location", "formattedLocation"}, Default: "Remote"},
		{Field: FieldRemote, Sources: []string{"isRemote"}},
		{Field: FieldDescription, Sources: []string{"description", "snippet"}},
		{Field: FieldDescriptionHTML, Sources: []string{"descriptionHtml", "descriptionHTML"}},
		{Field: FieldCompanyLogo, Sources: []string{"companyLogo"}},
		{Field: FieldCompanyURL, Sources: []string{"companyUrl"}},
		{Field: FieldApplyURL, Sources: []string{"url", "link", "externalApplyLink"}},
		{Field: FieldPostedAt, Sources: []string{"postedAt", "date", "postingDateParsed"}},
		{Field: FieldTags, Sources: []string{"tags", "jobType"}},
		{Field: FieldEmployment, Sources: []string{"jobType"}},
		{Field: FieldSalaryMin, Sources: []string{"salary.min"}},
		{Field: FieldSalaryMax, Sources: []string{"salary.max"}},
		{Field: FieldSalaryText, Sources: []string{"salary"}},
	},
}

// generic is the union of every profile, used for actors without one.
var generic = func() Table {
	order := []string{"linkedin", "indeed", "greenhouse"}
	var out Table
	index := map[string]int{}
	for _, name := range order {
		for _, r := range profiles[name] {
			i, ok := index[r.Field]
			if !ok {
				index[r.Field] = len(out)
				out = append(out, FieldRule{Field: r.Field, Default: r.Default})
				i = len(out) - 1
			}
			for _, src := range r.Sources {
				if !containsString(out[i].Sources, src) {
					out[i].Sources = append(out[i].Sources, src)
				}
			}
		}
	}
	return out
}()

// FieldsFor builds the table for an actor: its profile, falling back to the
// generic table, with the actor's own overrides applied on top.
func FieldsFor(def models.ActorDefinition) Table {
	base, ok := profiles[strings.ToLower(def.Profile)]
	if !ok {
		base = generic
	}
	out := append(Table(nil), base...)
	for field, sources := range def.Fields {
		if len(sources) == 0 {
			continue
		}
		out = out.with(field, sources)
	}
	return out
}

// lookup resolves a dotted path against a record. Wildcards return every match.
func lookup(v any, path string) []any {
	return walk(v, strings.Split(path, "."))
}

func walk(v any, parts []string) []any {
	if v == nil {
		return nil
	}
	if len(parts) == 0 {
		return []any{v}
	}
	head, rest := parts[0], parts[1:]
	if head == "*" {
		arr, ok := v.([]any)
		if !ok {
			return nil
		}
		var out []any
		for _, item := range arr {
			out = append(out, walk(item, rest)...)
		}
		return out
	}
	switch m := v.(type) {
	case models.RawRecord:
		return walk(m[head], rest)
	case map[string]any:
		return walk(m[head], rest)
	}
	return nil
}

// text returns the first non-blank string any source yields.
func text(raw models.RawRecord, rule FieldRule) string {
	for _, src := range rule.Sources {
		for _, v := range lookup(raw, src) {
			if arr, ok := v.([]any); ok && len(arr) > 0 {
				v = arr[0]
			}
			if s := CleanText(scalarString(v)); s != "" {
				return s
			}
		}
	}
	return ""
}

func scalarString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case json.Number:
		return t.String()
	}
	return ""
}

// list returns the values of the first source that yields any.
func list(raw models.RawRecord, rule FieldRule) []string {
	for _, src := range rule.Sources {
		var out []string
		for _, v := range lookup(raw, src) {
			switch t := v.(type) {
			case []any:
				for _, item := range t {
					out = appendUnique(out, CleanText(scalarString(item)))
				}
			default:
				out = appendUnique(out, CleanText(scalarString(t)))
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return nil
}

func number(raw models.RawRecord, rule FieldRule) *float64 {
	for _, src := range rule.Sources {
		for _, v := range lookup(raw, src) {
			var f float64
			switch t := v.(type) {
			case float64:
				f = t
			case int:
				f = float64(t)
			case json.Number:
				parsed, err := t.Float64()
				if err != nil {
					continue
				}
				f = parsed
			case string:
				parsed, err := strconv.ParseFloat(strings.ReplaceAll(strings.TrimSpace(t), ",", ""), 64)
				if err != nil {
					continue
				}
				f = parsed
			default:
				continue
			}
			if f > 0 {
				return &f
			}
		}
	}
	return nil
}

func flag(raw models.RawRecord, rule FieldRule) (value, ok bool) {
	for _, src := range rule.Sources {
		for _, v := range lookup(raw, src) {
			switch t := v.(type) {
			case bool:
				return t, true
			case string:
				if b, err := strconv.ParseBool(t); err == nil {
					return b, true
				}
			}
		}
	}
	return false, false
}

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func timestamp(raw models.RawRecord, rule FieldRule) *time.Time {
	for _, src := range rule.Sources {
		for _, v := range lookup(raw, src) {
			if t, ok := parseTime(v); ok {
				return &t
			}
		}
	}
	return nil
}

func parseTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case string:
		s := strings.TrimSpace(t)
		for _, layout := range timeLayouts {
			if parsed, err := time.Parse(layout, s); err == nil {
				return parsed.UTC(), true
			}
		}
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return epoch(n)
		}
	case float64:
		return epoch(int64(t))
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return epoch(n)
		}
	}
	return time.Time{}, false
}

// epoch accepts seconds or milliseconds.
func epoch(n int64) (time.Time, bool) {
	if n <= 0 {
		return time.Time{}, false
	}
	if n > 1e12 {
		return time.UnixMilli(n).UTC(), true
	}
	return time.Unix(n, 0).UTC(), true
}

func appendUnique(list []string, s string) []string {
	if s == "" || containsString(list, s) {
		return list
	}
	return append(list, s)
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
