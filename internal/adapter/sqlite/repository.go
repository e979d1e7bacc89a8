package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cwygoda/scanfarm/internal/domain"
)

// Repository implements domain.JobRepository. Jobs are stored as JSON
// documents; url, status and queued are copied into columns for lookup.
type Repository struct {
	db *DB
}

// NewRepository returns a job repository backed by db.
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

func queuedMillis(job *domain.Job) sql.NullInt64 {
	if job.Queued == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: job.Queued.UnixMilli(), Valid: true}
}

// Create inserts a new job.
func (r *Repository) Create(ctx context.Context, job *domain.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", job.ID, err)
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO jobs (id, url, status, queued, data, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		job.ID, job.URL, string(job.Status), queuedMillis(job), string(data), time.Now().UnixMilli(),
	)
	return err
}

// Get retrieves a job by ID.
func (r *Repository) Get(ctx context.Context, id string) (*domain.Job, error) {
	var data string
	err := r.db.GetContext(ctx, &data, `SELECT data FROM jobs WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeJob(data)
}

// FindByURL returns every job for url, most recently queued first.
func (r *Repository) FindByURL(ctx context.Context, url string) ([]*domain.Job, error) {
	var rows []string
	err := r.db.SelectContext(ctx, &rows,
		`SELECT data FROM jobs WHERE url = ? ORDER BY queued DESC`, url)
	if err != nil {
		return nil, err
	}
	jobs := make([]*domain.Job, 0, len(rows))
	for _, data := range rows {
		job, err := decodeJob(data)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Update replaces a stored job. The investigated flag is owned by
// SetInvestigated and keeps its stored value.
func (r *Repository) Update(ctx context.Context, job *domain.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", job.ID, err)
	}
	result, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET url = ?, status = ?, queued = ?,
		    data = json_set(?, '$.investigated', json(coalesce(data -> '$.investigated', 'false'))),
		    updated_at = ?
		 WHERE id = ?`,
		job.URL, string(job.Status), queuedMillis(job), string(data), time.Now().UnixMilli(), job.ID,
	)
	if err != nil {
		return err
	}
	return requireRow(result)
}

// SetInvestigated writes the investigated flag and nothing else, so it
// never races with a merge of the rest of the document. The last write
// wins.
func (r *Repository) SetInvestigated(ctx context.Context, id string, investigated bool) error {
	flag := "false"
	if investigated {
		flag = "true"
	}
	result, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET data = json_set(data, '$.investigated', json(?)), updated_at = ? WHERE id = ?`,
		flag, time.Now().UnixMilli(), id,
	)
	if err != nil {
		return err
	}
	return requireRow(result)
}

func requireRow(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return domain.ErrJobNotFound
	}
	return nil
}

func decodeJob(data string) (*domain.Job, error) {
	var job domain.Job
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	return &job, nil
}
