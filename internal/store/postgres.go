package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"job-ingestion-orchestrator/internal/models"
)

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const jobColumns = `id, natural_key, dedupe_key, external_id, title, company, location, location_type,
	description, description_html, company_logo, company_url, apply_url, employment_type, experience_level,
	category, tags, salary_min, salary_max, salary_currency, posted_at, source_run_id, source_actor_id,
	source_position, insert_seq, created_at, updated_at`

const upsertJobSQL = `
	INSERT INTO jobs (id, natural_key, dedupe_key, external_id, title, company, location, location_type,
		description, description_html, company_logo, company_url, apply_url, employment_type, experience_level,
		category, tags, salary_min, salary_max, salary_currency, posted_at, source_run_id, source_actor_id,
		source_position, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, NOW(), NOW())
	ON CONFLICT (natural_key) DO UPDATE SET
		dedupe_key = EXCLUDED.dedupe_key,
		external_id = EXCLUDED.external_id,
		title = EXCLUDED.title,
		company = EXCLUDED.company,
		location = EXCLUDED.location,
		location_type = EXCLUDED.location_type,
		description = EXCLUDED.description,
		description_html = EXCLUDED.description_html,
		company_logo = EXCLUDED.company_logo,
		company_url = EXCLUDED.company_url,
		apply_url = EXCLUDED.apply_url,
		employment_type = EXCLUDED.employment_type,
		experience_level = EXCLUDED.experience_level,
		category = EXCLUDED.category,
		tags = EXCLUDED.tags,
		salary_min = EXCLUDED.salary_min,
		salary_max = EXCLUDED.salary_max,
		salary_currency = EXCLUDED.salary_currency,
		posted_at = EXCLUDED.posted_at,
		source_run_id = EXCLUDED.source_run_id,
		source_actor_id = EXCLUDED.source_actor_id,
		source_position = EXCLUDED.source_position,
		updated_at = NOW()
	RETURNING (xmax = 0) AS inserted
`

// BeginImport opens a transaction. Each upsert runs in its own savepoint so one bad row
// does not poison the batch.
func (s *Store) BeginImport(ctx context.Context) (ImportTx, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	return &pgImportTx{tx: tx}, nil
}

type pgImportTx struct {
	tx pgx.Tx
}

func (t *pgImportTx) UpsertJob(ctx context.Context, naturalKey string, job models.NormalizedJob) (bool, error) {
	tags, err := json.Marshal(nonNilTags(job.Tags))
	if err != nil {
		return false, fmt.Errorf("marshal tags: %w", err)
	}

	sp, err := t.tx.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("savepoint: %w", err)
	}
	var inserted bool
	err = sp.QueryRow(ctx, upsertJobSQL,
		uuid.New().String(), naturalKey, job.DedupeKey, emptyToNil(job.ExternalID),
		job.Title, job.Company, job.Location, emptyToNil(job.LocationType),
		emptyToNil(job.Description), emptyToNil(job.DescriptionHTML), emptyToNil(job.CompanyLogo),
		emptyToNil(job.CompanyURL), emptyToNil(job.ApplyURL), emptyToNil(job.EmploymentType),
		emptyToNil(job.ExperienceLevel), emptyToNil(job.Category), tags,
		job.SalaryMin, job.SalaryMax, emptyToNil(job.SalaryCurrency), job.PostedAt,
		job.SourceRunID, job.SourceActorID, job.SourcePosition,
	).Scan(&inserted)
	if err != nil {
		_ = sp.Rollback(ctx)
		return false, fmt.Errorf("upsert job %s: %w", naturalKey, err)
	}
	if err := sp.Commit(ctx); err != nil {
		return false, fmt.Errorf("release savepoint: %w", err)
	}
	return inserted, nil
}

func (t *pgImportTx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(ctx); err != nil {
		if errors.Is(err, pgx.ErrTxClosed) {
			return ErrTxDone
		}
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (t *pgImportTx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback(ctx)
	if err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("rollback: %w", err)
	}
	return nil
}

// ListJobs reads all jobs in insertion order. A single statement sees one snapshot.
func (s *Store) ListJobs(ctx context.Context) ([]models.JobRecord, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+jobColumns+` FROM jobs ORDER BY insert_seq`)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var out []models.JobRecord
	for rows.Next() {
		rec, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return out, nil
}

// DeleteJobs removes jobs by id and reports how many rows went away.
func (s *Store) DeleteJobs(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM jobs WHERE id = ANY($1::uuid[])`, ids)
	if err != nil {
		return 0, fmt.Errorf("delete jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// LoadRunConfigs returns the owner's saved preferences.
func (s *Store) LoadRunConfigs(ctx context.Context, owner string) ([]models.ActorRunConfig, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT actor_id, enabled, custom_max_results FROM actor_run_configs WHERE owner = $1 ORDER BY actor_id
	`, owner)
	if err != nil {
		return nil, fmt.Errorf("query run configs: %w", err)
	}
	defer rows.Close()

	var out []models.ActorRunConfig
	for rows.Next() {
		var c models.ActorRunConfig
		if err := rows.Scan(&c.ActorID, &c.Enabled, &c.CustomMaxResults); err != nil {
			return nil, fmt.Errorf("scan run config: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SaveRunConfigs replaces the owner's preferences atomically.
func (s *Store) SaveRunConfigs(ctx context.Context, owner string, cfgs []models.ActorRunConfig) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	if _, err := tx.Exec(ctx, `DELETE FROM actor_run_configs WHERE owner = $1`, owner); err != nil {
		return fmt.Errorf("clear run configs: %w", err)
	}
	for _, c := range cfgs {
		_, err := tx.Exec(ctx, `
			INSERT INTO actor_run_configs (owner, actor_id, enabled, custom_max_results, updated_at)
			VALUES ($1, $2, $3, $4, NOW())
		`, owner, c.ActorID, c.Enabled, c.CustomMaxResults)
		if err != nil {
			return fmt.Errorf("insert run config %s: %w", c.ActorID, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func scanJob(rows pgx.Rows) (models.JobRecord, error) {
	var rec models.JobRecord
	var externalID, locationType, description, descriptionHTML, logo, companyURL, applyURL,
		employmentType, experienceLevel, category, currency pgtype.Text
	var tags []byte
	var postedAt pgtype.Timestamptz

	err := rows.Scan(&rec.ID, &rec.NaturalKey, &rec.DedupeKey, &externalID, &rec.Title, &rec.Company,
		&rec.Location, &locationType, &description, &descriptionHTML, &logo, &companyURL, &applyURL,
		&employmentType, &experienceLevel, &category, &tags, &rec.SalaryMin, &rec.SalaryMax, &currency,
		&postedAt, &rec.SourceRunID, &rec.SourceActorID, &rec.SourcePosition, &rec.InsertSeq,
		&rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return models.JobRecord{}, fmt.Errorf("scan job: %w", err)
	}

	rec.ExternalID = textValue(externalID)
	rec.LocationType = textValue(locationType)
	rec.Description = textValue(description)
	rec.DescriptionHTML = textValue(descriptionHTML)
	rec.CompanyLogo = textValue(logo)
	rec.CompanyURL = textValue(companyURL)
	rec.ApplyURL = textValue(applyURL)
	rec.EmploymentType = textValue(employmentType)
	rec.ExperienceLevel = textValue(experienceLevel)
	rec.Category = textValue(category)
	rec.SalaryCurrency = textValue(currency)
	if postedAt.Valid {
		t := postedAt.Time.UTC()
		rec.PostedAt = &t
	}
	if len(tags) > 0 {
		if err := json.Unmarshal(tags, &rec.Tags); err != nil {
			return models.JobRecord{}, fmt.Errorf("unmarshal tags: %w", err)
		}
	}
	if len(rec.Tags) == 0 {
		rec.Tags = nil
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return rec, nil
}

func textValue(t pgtype.Text) string {
	if t.Valid {
		return t.String
	}
	return ""
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func nonNilTags(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}

var _ Backend = (*Store)(nil)
var _ Backend = (*Memory)(nil)
