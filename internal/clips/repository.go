package clips

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/screenclip/backend/internal/models"
)

// Repository handles clip metadata persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a clips repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const clipColumns = `id, filename, content_type, size_bytes, duration_sec, status, COALESCE(archive_url,''), COALESCE(archive_key,''), created_at, updated_at`

func scanClip(row pgx.Row) (*models.Clip, error) {
	var c models.Clip
	err := row.Scan(&c.ID, &c.Filename, &c.ContentType, &c.SizeBytes, &c.DurationSec, &c.Status, &c.ArchiveURL, &c.ArchiveKey, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// Create inserts a new clip row (status = stored).
func (r *Repository) Create(ctx context.Context, c *models.Clip) error {
	const q = `INSERT INTO clips (id, filename, content_type, size_bytes, duration_sec, status)
		VALUES (gen_random_uuid(), $1, $2, $3, $4, $5)
		RETURNING id, created_at, updated_at`
	if c.Status == "" {
		c.Status = models.ClipStatusStored
	}
	return r.pool.QueryRow(ctx, q, c.Filename, c.ContentType, c.SizeBytes, c.DurationSec, c.Status).
		Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt)
}

// GetByID returns a clip by ID, or nil when no row exists.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.Clip, error) {
	const q = `SELECT ` + clipColumns + ` FROM clips WHERE id = $1`
	c, err := scanClip(r.pool.QueryRow(ctx, q, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return c, nil
}

// List returns all clips, newest first.
func (r *Repository) List(ctx context.Context) ([]models.Clip, error) {
	const q = `SELECT ` + clipColumns + ` FROM clips ORDER BY created_at DESC`
	rows, err := r.pool.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.Clip
	for rows.Next() {
		c, err := scanClip(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *c)
	}
	return list, rows.Err()
}

// UpdateStatus sets clip status.
func (r *Repository) UpdateStatus(ctx context.Context, id uuid.UUID, status string) error {
	const q = `UPDATE clips SET status = $1, updated_at = NOW() WHERE id = $2`
	_, err := r.pool.Exec(ctx, q, status, id)
	return err
}

// UpdateArchiveResult records the S3 location and marks the clip archived.
func (r *Repository) UpdateArchiveResult(ctx context.Context, id uuid.UUID, archiveURL, archiveKey string) error {
	const q = `UPDATE clips SET archive_url = $1, archive_key = $2, status = $3, updated_at = NOW() WHERE id = $4`
	_, err := r.pool.Exec(ctx, q, archiveURL, archiveKey, models.ClipStatusArchived, id)
	return err
}

// Delete removes a clip row.
func (r *Repository) Delete(ctx context.Context, id uuid.UUID) error {
	const q = `DELETE FROM clips WHERE id = $1`
	_, err := r.pool.Exec(ctx, q, id)
	return err
}
