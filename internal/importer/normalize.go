package importer

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"

	"job-ingestion-orchestrator/internal/dedupe"
	"job-ingestion-orchestrator/internal/models"
)

// MaxDescriptionRunes bounds stored descriptions.
const MaxDescriptionRunes = 5000

// Source locates a record inside the run that produced it.
type Source struct {
	ActorID  string
	RunID    string
	Position int
}

// Normalize maps one raw record onto the canonical job schema using table.
// Records with neither a title nor a company fail with ErrRecordSkipped.
func Normalize(raw models.RawRecord, table Table, src Source) (models.NormalizedJob, error) {
	get := func(field string) string {
		rule, ok := table.Rule(field)
		if !ok {
			return ""
		}
		if v := text(raw, rule); v != "" {
			return v
		}
		return rule.Default
	}
	rule := func(field string) FieldRule {
		r, _ := table.Rule(field)
		return r
	}

	title := get(FieldTitle)
	company := get(FieldCompany)
	if title == "" && company == "" {
		return models.NormalizedJob{}, fmt.Errorf("record %d: %w", src.Position, ErrRecordSkipped)
	}
	location := get(FieldLocation)

	job := models.NormalizedJob{
		ExternalID:     get(FieldExternalID),
		Title:          title,
		Company:        company,
		Location:       location,
		CompanyLogo:    get(FieldCompanyLogo),
		CompanyURL:     get(FieldCompanyURL),
		ApplyURL:       get(FieldApplyURL),
		EmploymentType: ClassifyEmployment(get(FieldEmployment)),
		Category:       Categorize(title),
		Tags:           list(raw, rule(FieldTags)),
		PostedAt:       timestamp(raw, rule(FieldPostedAt)),
		SourceRunID:    src.RunID,
		SourceActorID:  src.ActorID,
		SourcePosition: src.Position,
		DedupeKey:      dedupe.Key(title, company, location),
	}

	job.Description, job.DescriptionHTML = descriptions(get(FieldDescription), rawHTML(raw, rule(FieldDescriptionHTML)))

	job.ExperienceLevel = ClassifyExperience(get(FieldExperience))
	if job.ExperienceLevel == "" {
		job.ExperienceLevel = ClassifyExperience(title)
	}

	remote, hasRemote := flag(raw, rule(FieldRemote))
	job.LocationType = LocationType(get(FieldWorkplace), remote && hasRemote, location)

	job.SalaryMin = number(raw, rule(FieldSalaryMin))
	job.SalaryMax = number(raw, rule(FieldSalaryMax))
	currency := get(FieldSalaryCurrency)
	if job.SalaryMin == nil && job.SalaryMax == nil {
		if s, ok := ParseSalary(get(FieldSalaryText)); ok {
			job.SalaryMin, job.SalaryMax = &s.Min, &s.Max
			if currency == "" {
				currency = s.Currency
			}
		}
	}
	if job.SalaryMin != nil && job.SalaryMax != nil && *job.SalaryMin > *job.SalaryMax {
		job.SalaryMin, job.SalaryMax = job.SalaryMax, job.SalaryMin
	}
	if (job.SalaryMin != nil || job.SalaryMax != nil) && currency == "" {
		currency = "USD"
	}
	if job.SalaryMin != nil || job.SalaryMax != nil {
		job.SalaryCurrency = strings.ToUpper(currency)
	}
	return job, nil
}

// rawHTML reads markup without collapsing it.
func rawHTML(raw models.RawRecord, rule FieldRule) string {
	for _, src := range rule.Sources {
		for _, v := range lookup(raw, src) {
			if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
				return strings.TrimSpace(s)
			}
		}
	}
	return ""
}

func descriptions(plain, html string) (string, string) {
	if plain == "" && html != "" {
		plain = html
	}
	if looksLikeHTML(plain) {
		if html == "" {
			html = plain
		}
		plain = StripHTML(plain)
	}
	return Truncate(CleanText(plain), MaxDescriptionRunes), html
}

var tagPattern = regexp.MustCompile(`<[a-zA-Z/!][^>]*>`)

func looksLikeHTML(s string) bool {
	return tagPattern.MatchString(s)
}

// CleanText collapses whitespace runs, including non-breaking spaces, and trims.
func CleanText(s string) string {
	s = strings.ReplaceAll(s, "\u00a0", " ")
	return strings.Join(strings.Fields(s), " ")
}

var blockSelectors = "p, div, li, br, tr, h1, h2, h3, h4, h5, h6"

// StripHTML renders markup to plain text. Entities are decoded.
func StripHTML(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return CleanText(tagPattern.ReplaceAllString(html, " "))
	}
	doc.Find("script, style").Remove()
	doc.Find(blockSelectors).Each(func(_ int, s *goquery.Selection) {
		s.AfterHtml(" ")
	})
	return CleanText(doc.Text())
}

// Truncate cuts s to limit runes, marking the cut with an ellipsis.
func Truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return strings.TrimSpace(string(runes[:limit])) + "..."
}

// Salary is a parsed salary range.
type Salary struct {
	Min      float64
	Max      float64
	Currency string
}

var digitRuns = regexp.MustCompile(`\d+(?:\.\d+)?k?`)

// ParseSalary reads a range such as "$120,000 - $150,000" or "€60k-80k".
// Values of 100 or less are ignored as noise.
func ParseSalary(s string) (Salary, bool) {
	if s == "" {
		return Salary{}, false
	}
	cleaned := strings.ToLower(strings.NewReplacer(",", "", " ", "").Replace(s))

	out := Salary{Currency: "USD"}
	switch {
	case strings.Contains(cleaned, "eur") || strings.Contains(cleaned, "€"):
		out.Currency = "EUR"
	case strings.Contains(cleaned, "gbp") || strings.Contains(cleaned, "£"):
		out.Currency = "GBP"
	case strings.Contains(cleaned, "cad") || strings.Contains(cleaned, "c$"):
		out.Currency = "CAD"
	}

	var values []float64
	for _, m := range digitRuns.FindAllString(cleaned, -1) {
		mult := 1.0
		if strings.HasSuffix(m, "k") {
			mult = 1000
			m = strings.TrimSuffix(m, "k")
		}
		v, err := strconv.ParseFloat(m, 64)
		if err != nil {
			continue
		}
		if v*mult > 100 {
			values = append(values, v*mult)
		}
	}
	if len(values) == 0 {
		return Salary{}, false
	}
	out.Min, out.Max = values[0], values[0]
	for _, v := range values[1:] {
		out.Min = min(out.Min, v)
		out.Max = max(out.Max, v)
	}
	return out, true
}
