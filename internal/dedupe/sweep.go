// Package dedupe collapses job records that describe the same posting.
package dedupe

import (
	"context"
	"fmt"
	"strings"

	"job-ingestion-orchestrator/internal/logger"
	"job-ingestion-orchestrator/internal/models"
	"job-ingestion-orchestrator/internal/telemetry"
)

// Store is the slice of the job store the sweep needs. Its lock is shared by every
// process using the store, so sweeps and import writes exclude each other store-wide.
type Store interface {
	ListJobs(ctx context.Context) ([]models.JobRecord, error)
	DeleteJobs(ctx context.Context, ids []string) (int, error)
	LockWrites(ctx context.Context) (unlock func(), err error)
	LockSweep(ctx context.Context) (unlock func(), err error)
}

// Sweeper runs store-wide deduplication.
type Sweeper struct {
	store Store
	log   *logger.Logger
}

func NewSweeper(store Store, log *logger.Logger) *Sweeper {
	if log == nil {
		log = logger.Nop()
	}
	return &Sweeper{store: store, log: log}
}

// Dedupe removes every non-canonical record of each duplicate group and returns how many went away.
func (s *Sweeper) Dedupe(ctx context.Context) (int, error) {
	unlock, err := s.store.LockSweep(ctx)
	if err != nil {
		return 0, fmt.Errorf("lock sweep: %w", err)
	}
	defer unlock()

	records, err := s.store.ListJobs(ctx)
	if err != nil {
		return 0, fmt.Errorf("list jobs: %w", err)
	}
	doomed := Plan(records)
	if len(doomed) == 0 {
		return 0, nil
	}
	removed, err := s.store.DeleteJobs(ctx, doomed)
	if err != nil {
		return 0, fmt.Errorf("delete duplicates: %w", err)
	}
	telemetry.DuplicatesRemoved.Add(float64(removed))
	s.log.Info().Int("scanned", len(records)).Int("removed", removed).Msg("dedupe sweep finished")
	return removed, nil
}

// Key is the fingerprint of a posting: lowercase, whitespace-collapsed title, company and location.
func Key(title, company, location string) string {
	return normalizePart(title) + "|" + normalizePart(company) + "|" + normalizePart(location)
}

func normalizePart(s string) string {
	s = strings.ReplaceAll(s, "\u00a0", " ")
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// Plan returns the ids to delete so that each dedupe key keeps exactly one record.
func Plan(records []models.JobRecord) []string {
	keep := make(map[string]int, len(records))
	for i := range records {
		key := Key(records[i].Title, records[i].Company, records[i].Location)
		cur, seen := keep[key]
		if !seen || preferred(records[i], records[cur]) {
			keep[key] = i
		}
	}
	if len(keep) == len(records) {
		return nil
	}

	kept := make(map[int]struct{}, len(keep))
	for _, i := range keep {
		kept[i] = struct{}{}
	}
	doomed := make([]string, 0, len(records)-len(keep))
	for i := range records {
		if _, ok := kept[i]; !ok {
			doomed = append(doomed, records[i].ID)
		}
	}
	return doomed
}

// preferred reports whether a should be kept over b.
func preferred(a, b models.JobRecord) bool {
	if pa, pb := Populated(a.NormalizedJob), Populated(b.NormalizedJob); pa != pb {
		return pa > pb
	}
	switch {
	case a.PostedAt != nil && b.PostedAt == nil:
		return true
	case a.PostedAt == nil && b.PostedAt != nil:
		return false
	case a.PostedAt != nil && b.PostedAt != nil && !a.PostedAt.Equal(*b.PostedAt):
		return a.PostedAt.Before(*b.PostedAt)
	}
	return a.InsertSeq < b.InsertSeq
}

// Populated counts the optional fields that carry a value.
func Populated(j models.NormalizedJob) int {
	n := 0
	for _, s := range []string{
		j.ExternalID, j.LocationType, j.Description, j.DescriptionHTML, j.CompanyLogo, j.CompanyURL,
		j.ApplyURL, j.EmploymentType, j.ExperienceLevel, j.Category, j.SalaryCurrency,
	} {
		if strings.TrimSpace(s) != "" {
			n++
		}
	}
	if len(j.Tags) > 0 {
		n++
	}
	if j.SalaryMin != nil {
		n++
	}
	if j.SalaryMax != nil {
		n++
	}
	if j.PostedAt != nil {
		n++
	}
	return n
}
