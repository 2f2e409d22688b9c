package importer

import (
	"errors"
	"strings"
	"testing"
	"time"

	"job-ingestion-orchestrator/internal/catalog"
	"job-ingestion-orchestrator/internal/models"
)

func tableFor(t *testing.T, actorID string) Table {
	t.Helper()
	def, ok := catalog.Default().Lookup(actorID)
	if !ok {
		t.Fatalf("actor %s missing from default catalog", actorID)
	}
	return FieldsFor(def)
}

func TestNormalizeLinkedIn(t *testing.T) {
	raw := models.RawRecord{
		"jobId":          "123",
		"title":          "Senior  Go Engineer",
		"companyName":    "Acme",
		"location":       "Berlin, Germany",
		"workplaceType":  "Hybrid",
		"description":    "<p>Build <b>things</b></p><p>Fast &amp; well</p>",
		"applyUrl":       "https://example.com/apply",
		"listedAt":       float64(1711929600000),
		"skills":         []any{"Go", "Kubernetes", "Go"},
		"seniorityLevel": "Mid-Senior level",
		"employmentType": "Full-time",
		"salaryRange":    map[string]any{"min": float64(100000), "max": float64(150000)},
	}
	job, err := Normalize(raw, tableFor(t, catalog.LinkedInJobs), Source{ActorID: "li", RunID: "run-1", Position: 4})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}

	if job.ExternalID != "123" || job.Title != "Senior Go Engineer" || job.Company != "Acme" {
		t.Fatalf("identity fields wrong: %+v", job)
	}
	if job.Description != "Build things Fast & well" {
		t.Fatalf("unexpected description %q", job.Description)
	}
	if !strings.Contains(job.DescriptionHTML, "<b>things</b>") {
		t.Fatalf("html not preserved: %q", job.DescriptionHTML)
	}
	if job.LocationType != "hybrid" || job.EmploymentType != "full-time" || job.ExperienceLevel != "senior" {
		t.Fatalf("classification wrong: type=%s employment=%s level=%s", job.LocationType, job.EmploymentType, job.ExperienceLevel)
	}
	if job.Category != "software-dev" {
		t.Fatalf("unexpected category %s", job.Category)
	}
	if len(job.Tags) != 2 || job.Tags[0] != "Go" || job.Tags[1] != "Kubernetes" {
		t.Fatalf("unexpected tags %v", job.Tags)
	}
	if job.SalaryMin == nil || *job.SalaryMin != 100000 || job.SalaryMax == nil || *job.SalaryMax != 150000 || job.SalaryCurrency != "USD" {
		t.Fatalf("unexpected salary %v-%v %s", job.SalaryMin, job.SalaryMax, job.SalaryCurrency)
	}
	if job.PostedAt == nil || !job.PostedAt.Equal(time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected posted at %v", job.PostedAt)
	}
	if job.SourceActorID != "li" || job.SourceRunID != "run-1" || job.SourcePosition != 4 {
		t.Fatalf("source not recorded: %+v", job)
	}
	if job.DedupeKey != "senior go engineer|acme|berlin, germany" {
		t.Fatalf("unexpected dedupe key %q", job.DedupeKey)
	}
}

func TestNormalizeGreenhouse(t *testing.T) {
	raw := models.RawRecord{
		"id":          float64(4567),
		"title":       "Product Designer",
		"companyName": "Globex",
		"location":    map[string]any{"name": "Remote - US"},
		"content":     "<div>Design things</div>",
		"absoluteUrl": "https://boards.greenhouse.io/globex/jobs/4567",
		"updatedAt":   "2024-03-02T10:00:00-05:00",
		"departments": []any{map[string]any{"name": "Design"}, map[string]any{"name": "Product"}},
	}
	job, err := Normalize(raw, tableFor(t, catalog.GreenhouseJobs), Source{ActorID: "gh", RunID: "run-2"})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if job.ExternalID != "4567" || job.Location != "Remote - US" || job.LocationType != "remote" {
		t.Fatalf("unexpected location fields: %+v", job)
	}
	if job.Description != "Design things" || job.DescriptionHTML != "<div>Design things</div>" {
		t.Fatalf("unexpected descriptions %q / %q", job.Description, job.DescriptionHTML)
	}
	if len(job.Tags) != 2 || job.Tags[0] != "Design" {
		t.Fatalf("departments not mapped to tags: %v", job.Tags)
	}
	if job.Category != "design" || job.EmploymentType != "full-time" {
		t.Fatalf("unexpected category %s employment %s", job.Category, job.EmploymentType)
	}
	if job.PostedAt == nil || !job.PostedAt.Equal(time.Date(2024, 3, 2, 15, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected posted at %v", job.PostedAt)
	}
	if job.SalaryMin != nil || job.SalaryCurrency != "" {
		t.Fatalf("no salary expected, got %v %s", job.SalaryMin, job.SalaryCurrency)
	}
}

func TestNormalizeIndeed(t *testing.T) {
	raw := models.RawRecord{
		"id":                "abc",
		"positionName":      "Data Analyst",
		"company":           "Initech",
		"location":          "Austin, TX",
		"isRemote":          false,
		"salary":            "$60,000 - $80,000 a year",
		"description":       "Analyze data",
		"url":               "https://example.com/abc",
		"postingDateParsed": "2024-02-10T00:00:00.000Z",
		"jobType":           []any{"Part-time"},
	}
	job, err := Normalize(raw, tableFor(t, catalog.IndeedJobs), Source{ActorID: "in", RunID: "run-3"})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if job.Title != "Data Analyst" || job.ApplyURL != "https://example.com/abc" {
		t.Fatalf("fallback chain not applied: %+v", job)
	}
	if job.SalaryMin == nil || *job.SalaryMin != 60000 || *job.SalaryMax != 80000 || job.SalaryCurrency != "USD" {
		t.Fatalf("salary text not parsed: %v %v %s", job.SalaryMin, job.SalaryMax, job.SalaryCurrency)
	}
	if job.EmploymentType != "part-time" || job.LocationType != "onsite" || job.Category != "data" {
		t.Fatalf("classification wrong: %s %s %s", job.EmploymentType, job.LocationType, job.Category)
	}
	if job.PostedAt == nil || !job.PostedAt.Equal(time.Date(2024, 2, 10, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected posted at %v", job.PostedAt)
	}
}

func TestNormalizeSkipsRecordsWithoutTitleAndCompany(t *testing.T) {
	_, err := Normalize(models.RawRecord{"description": "orphan"}, generic, Source{Position: 7})
	if !errors.Is(err, ErrRecordSkipped) {
		t.Fatalf("expected ErrRecordSkipped, got %v", err)
	}

	job, err := Normalize(models.RawRecord{"title": "Engineer"}, tableFor(t, catalog.LinkedInJobs), Source{})
	if err != nil {
		t.Fatalf("title alone is enough: %v", err)
	}
	if job.Location != "Remote" {
		t.Fatalf("expected default location, got %q", job.Location)
	}
}

func TestFieldsForOverridesAndGeneric(t *testing.T) {
	def := models.ActorDefinition{ID: "custom", Profile: "linkedin", Fields: map[string][]string{
		FieldTitle: {"headline"},
	}}
	job, err := Normalize(models.RawRecord{"headline": "Staff Engineer", "title": "ignored", "companyName": "X"}, FieldsFor(def), Source{})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if job.Title != "Staff Engineer" {
		t.Fatalf("override not applied, got %q", job.Title)
	}

	unknown := FieldsFor(models.ActorDefinition{ID: "other", Profile: "nope"})
	job, err = Normalize(models.RawRecord{"positionName": "Engineer", "company": "Y", "jobkey": "k1"}, unknown, Source{})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if job.Title != "Engineer" || job.Company != "Y" || job.ExternalID != "k1" {
		t.Fatalf("generic table did not map record: %+v", job)
	}
}

func TestTruncateDescription(t *testing.T) {
	long := strings.Repeat("a", MaxDescriptionRunes+1000)
	job, err := Normalize(models.RawRecord{"title": "T", "company": "C", "description": long}, generic, Source{})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if !strings.HasSuffix(job.Description, "...") || len([]rune(job.Description)) != MaxDescriptionRunes+3 {
		t.Fatalf("description not truncated, len=%d", len([]rune(job.Description)))
	}
	if Truncate("short", 10) != "short" {
		t.Fatalf("short strings must be untouched")
	}
}

func TestParseSalary(t *testing.T) {
	cases := []struct {
		in       string
		ok       bool
		min, max float64
		currency string
	}{
		{"$120,000 - $150,000 per year", true, 120000, 150000, "USD"},
		{"€60k-80k", true, 60000, 80000, "EUR"},
		{"£45,000", true, 45000, 45000, "GBP"},
		{"competitive", false, 0, 0, ""},
		{"$50 per hour", false, 0, 0, ""},
		{"", false, 0, 0, ""},
	}
	for _, tc := range cases {
		got, ok := ParseSalary(tc.in)
		if ok != tc.ok {
			t.Fatalf("%q: expected ok=%v, got %v", tc.in, tc.ok, ok)
		}
		if !ok {
			continue
		}
		if got.Min != tc.min || got.Max != tc.max || got.Currency != tc.currency {
			t.Fatalf("%q: unexpected %+v", tc.in, got)
		}
	}
}

func TestClassifiers(t *testing.T) {
	levels := map[string]string{
		"Sr. Backend Developer": "senior",
		"Junior Designer":       "entry",
		"VP of Engineering":     "executive",
		"Engineer":              "",
		"Description writer":    "",
	}
	for in, want := range levels {
		if got := ClassifyExperience(in); got != want {
			t.Errorf("ClassifyExperience(%q) = %q, want %q", in, got, want)
		}
	}

	employment := map[string]string{
		"":           "full-time",
		"Contract":   "contract",
		"Freelance":  "contract",
		"Internship": "internship",
		"Temporary":  "temporary",
		"whatever":   "full-time",
	}
	for in, want := range employment {
		if got := ClassifyEmployment(in); got != want {
			t.Errorf("ClassifyEmployment(%q) = %q, want %q", in, got, want)
		}
	}

	if got := LocationType("", true, "Austin"); got != "remote" {
		t.Errorf("remote flag ignored: %s", got)
	}
	if got := LocationType("", false, "Hybrid - London"); got != "hybrid" {
		t.Errorf("hybrid location text ignored: %s", got)
	}
	if got := LocationType("On-site", false, "Remote"); got != "onsite" {
		t.Errorf("workplace hint must win: %s", got)
	}
}

func TestStripHTML(t *testing.T) {
	got := StripHTML("<ul><li>One</li><li>Two&nbsp;&amp; three</li></ul><script>x()</script>")
	if got != "One Two & three" {
		t.Fatalf("unexpected text %q", got)
	}
}
