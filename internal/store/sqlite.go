package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"job-ingestion-orchestrator/internal/models"
)

// SQLite is a single-file Backend for local runs without Postgres.
// Its sweep lock is per process; point one process at a database file.
type SQLite struct {
	gate
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// sqlite wants a single writer
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() {
	if s.db != nil {
		_ = s.db.Close()
	}
}

// RunMigrations executes the embedded SQLite migrations statement by statement.
func (s *SQLite) RunMigrations(ctx context.Context) error {
	return applyMigrations("migrations/sqlite", func(name, script string) error {
		for _, stmt := range strings.Split(script, ";") {
			stmt = strings.TrimSpace(stmt)
			if stmt == "" {
				continue
			}
			if _, err := s.db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("exec migration %s: %w", name, err)
			}
		}
		return nil
	})
}

const sqliteJobColumns = `id, natural_key, dedupe_key, external_id, title, company, location, location_type,
	description, description_html, company_logo, company_url, apply_url, employment_type, experience_level,
	category, tags, salary_min, salary_max, salary_currency, posted_at_ms, source_run_id, source_actor_id,
	source_position, insert_seq, created_at_ms, updated_at_ms`

const sqliteUpsertSQL = `
	INSERT INTO jobs (id, natural_key, dedupe_key, external_id, title, company, location, location_type,
		description, description_html, company_logo, company_url, apply_url, employment_type, experience_level,
		category, tags, salary_min, salary_max, salary_currency, posted_at_ms, source_run_id, source_actor_id,
		source_position, created_at_ms, updated_at_ms)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(natural_key) DO UPDATE SET
		dedupe_key = excluded.dedupe_key,
		external_id = excluded.external_id,
		title = excluded.title,
		company = excluded.company,
		location = excluded.location,
		location_type = excluded.location_type,
		description = excluded.description,
		description_html = excluded.description_html,
		company_logo = excluded.company_logo,
		company_url = excluded.company_url,
		apply_url = excluded.apply_url,
		employment_type = excluded.employment_type,
		experience_level = excluded.experience_level,
		category = excluded.category,
		tags = excluded.tags,
		salary_min = excluded.salary_min,
		salary_max = excluded.salary_max,
		salary_currency = excluded.salary_currency,
		posted_at_ms = excluded.posted_at_ms,
		source_run_id = excluded.source_run_id,
		source_actor_id = excluded.source_actor_id,
		source_position = excluded.source_position,
		updated_at_ms = excluded.updated_at_ms
`

func (s *SQLite) BeginImport(ctx context.Context) (ImportTx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	return &sqliteImportTx{tx: tx}, nil
}

type sqliteImportTx struct {
	tx *sql.Tx
}

func (t *sqliteImportTx) UpsertJob(ctx context.Context, naturalKey string, job models.NormalizedJob) (bool, error) {
	tags, err := json.Marshal(nonNilTags(job.Tags))
	if err != nil {
		return false, fmt.Errorf("marshal tags: %w", err)
	}
	if _, err := t.tx.ExecContext(ctx, `SAVEPOINT upsert_job`); err != nil {
		return false, fmt.Errorf("savepoint: %w", err)
	}

	var exists int
	err = t.tx.QueryRowContext(ctx, `SELECT 1 FROM jobs WHERE natural_key = ?`, naturalKey).Scan(&exists)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		t.rollbackSavepoint(ctx)
		return false, fmt.Errorf("lookup job %s: %w", naturalKey, err)
	}

	now := time.Now().UnixMilli()
	_, err = t.tx.ExecContext(ctx, sqliteUpsertSQL,
		uuid.NewString(), naturalKey, job.DedupeKey, emptyToNil(job.ExternalID),
		job.Title, job.Company, job.Location, emptyToNil(job.LocationType),
		emptyToNil(job.Description), emptyToNil(job.DescriptionHTML), emptyToNil(job.CompanyLogo),
		emptyToNil(job.CompanyURL), emptyToNil(job.ApplyURL), emptyToNil(job.EmploymentType),
		emptyToNil(job.ExperienceLevel), emptyToNil(job.Category), string(tags),
		job.SalaryMin, job.SalaryMax, emptyToNil(job.SalaryCurrency), millisOrNil(job.PostedAt),
		job.SourceRunID, job.SourceActorID, job.SourcePosition, now, now,
	)
	if err != nil {
		t.rollbackSavepoint(ctx)
		return false, fmt.Errorf("upsert job %s: %w", naturalKey, err)
	}
	if _, err := t.tx.ExecContext(ctx, `RELEASE SAVEPOINT upsert_job`); err != nil {
		return false, fmt.Errorf("release savepoint: %w", err)
	}
	return exists == 0, nil
}

func (t *sqliteImportTx) rollbackSavepoint(ctx context.Context) {
	_, _ = t.tx.ExecContext(ctx, `ROLLBACK TO SAVEPOINT upsert_job`)
	_, _ = t.tx.ExecContext(ctx, `RELEASE SAVEPOINT upsert_job`)
}

func (t *sqliteImportTx) Commit(context.Context) error {
	if err := t.tx.Commit(); err != nil {
		if errors.Is(err, sql.ErrTxDone) {
			return ErrTxDone
		}
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (t *sqliteImportTx) Rollback(context.Context) error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("rollback: %w", err)
	}
	return nil
}

func (s *SQLite) ListJobs(ctx context.Context) ([]models.JobRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sqliteJobColumns+` FROM jobs ORDER BY insert_seq`)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var out []models.JobRecord
	for rows.Next() {
		var rec models.JobRecord
		var externalID, locationType, description, descriptionHTML, logo, companyURL, applyURL,
			employmentType, experienceLevel, category, currency sql.NullString
		var salaryMin, salaryMax sql.NullFloat64
		var postedAt sql.NullInt64
		var tags string
		var createdAt, updatedAt int64

		if err := rows.Scan(&rec.ID, &rec.NaturalKey, &rec.DedupeKey, &externalID, &rec.Title, &rec.Company,
			&rec.Location, &locationType, &description, &descriptionHTML, &logo, &companyURL, &applyURL,
			&employmentType, &experienceLevel, &category, &tags, &salaryMin, &salaryMax, &currency,
			&postedAt, &rec.SourceRunID, &rec.SourceActorID, &rec.SourcePosition, &rec.InsertSeq,
			&createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}

		rec.ExternalID = externalID.String
		rec.LocationType = locationType.String
		rec.Description = description.String
		rec.DescriptionHTML = descriptionHTML.String
		rec.CompanyLogo = logo.String
		rec.CompanyURL = companyURL.String
		rec.ApplyURL = applyURL.String
		rec.EmploymentType = employmentType.String
		rec.ExperienceLevel = experienceLevel.String
		rec.Category = category.String
		rec.SalaryCurrency = currency.String
		if salaryMin.Valid {
			v := salaryMin.Float64
			rec.SalaryMin = &v
		}
		if salaryMax.Valid {
			v := salaryMax.Float64
			rec.SalaryMax = &v
		}
		if postedAt.Valid {
			t := time.UnixMilli(postedAt.Int64).UTC()
			rec.PostedAt = &t
		}
		if err := json.Unmarshal([]byte(tags), &rec.Tags); err != nil {
			return nil, fmt.Errorf("unmarshal tags: %w", err)
		}
		if len(rec.Tags) == 0 {
			rec.Tags = nil
		}
		rec.CreatedAt = time.UnixMilli(createdAt).UTC()
		rec.UpdatedAt = time.UnixMilli(updatedAt).UTC()
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return out, nil
}

func (s *SQLite) DeleteJobs(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return 0, fmt.Errorf("delete jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(n), nil
}

func (s *SQLite) LoadRunConfigs(ctx context.Context, owner string) ([]models.ActorRunConfig, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT actor_id, enabled, custom_max_results FROM actor_run_configs WHERE owner = ? ORDER BY actor_id
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

func (s *SQLite) SaveRunConfigs(ctx context.Context, owner string, cfgs []models.ActorRunConfig) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM actor_run_configs WHERE owner = ?`, owner); err != nil {
		return fmt.Errorf("clear run configs: %w", err)
	}
	now := time.Now().UnixMilli()
	for _, c := range cfgs {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO actor_run_configs (owner, actor_id, enabled, custom_max_results, updated_at_ms)
			VALUES (?, ?, ?, ?, ?)
		`, owner, c.ActorID, c.Enabled, c.CustomMaxResults, now)
		if err != nil {
			return fmt.Errorf("insert run config %s: %w", c.ActorID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func millisOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

var _ Backend = (*SQLite)(nil)
