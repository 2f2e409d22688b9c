package models

import (
	"time"
)

// RawRecord is one item of a run's dataset. Its schema is controlled by the actor.
type RawRecord map[string]any

// NormalizedJob is the canonical job posting persisted by the store.
type NormalizedJob struct {
	ExternalID      string     `json:"external_id,omitempty"`
	Title           string     `json:"title"`
	Company         string     `json:"company"`
	Location        string     `json:"location"`
	LocationType    string     `json:"location_type,omitempty"`
	Description     string     `json:"description,omitempty"`
	DescriptionHTML string     `json:"description_html,omitempty"`
	CompanyLogo     string     `json:"company_logo,omitempty"`
	CompanyURL      string     `json:"company_url,omitempty"`
	ApplyURL        string     `json:"apply_url,omitempty"`
	EmploymentType  string     `json:"employment_type,omitempty"`
	ExperienceLevel string     `json:"experience_level,omitempty"`
	Category        string     `json:"category,omitempty"`
	Tags            []string   `json:"tags,omitempty"`
	SalaryMin       *float64   `json:"salary_min,omitempty"`
	SalaryMax       *float64   `json:"salary_max,omitempty"`
	SalaryCurrency  string     `json:"salary_currency,omitempty"`
	PostedAt        *time.Time `json:"posted_at,omitempty"`
	SourceRunID     string     `json:"source_run_id"`
	SourceActorID   string     `json:"source_actor_id"`
	SourcePosition  int        `json:"source_position"`
	DedupeKey       string     `json:"dedupe_key"`
}

// JobRecord is a persisted job with its store identity.
type JobRecord struct {
	NormalizedJob
	ID         string    `json:"id"`
	NaturalKey string    `json:"natural_key"`
	InsertSeq  int64     `json:"insert_seq"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// ImportStats summarizes one import of a run's dataset.
type ImportStats struct {
	RunID             string `json:"run_id"`
	ActorID           string `json:"actor_id"`
	TotalFetched      int    `json:"total_fetched"`
	Normalized        int    `json:"normalized"`
	Created           int    `json:"created"`
	Updated           int    `json:"updated"`
	Skipped           int    `json:"skipped"`
	Failed            int    `json:"failed"`
	DuplicatesRemoved int    `json:"duplicates_removed"`
	ArchivedAt        string `json:"archived_at,omitempty"`
}

// Synced is the number of records that reached the store.
func (s ImportStats) Synced() int {
	return s.Created + s.Updated
}
