package image

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/lib/pq"
)

// PostgresRepository implements Repository against the managed_images,
// poi_image_links, and comment_image_links tables.
type PostgresRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresRepository creates a PostgresRepository.
func NewPostgresRepository(db *sql.DB, logger *slog.Logger) *PostgresRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresRepository{db: db, logger: logger}
}

const managedImageColumns = `mi.id, mi.original_url, mi.processed_url, mi.crop_details,
	mi.image_type, mi.uploaded_by, mi.created_at, mi.updated_at`

func scanManagedImage(rows *sql.Rows) (ManagedImage, error) {
	var img ManagedImage
	err := rows.Scan(&img.ID, &img.OriginalURL, &img.ProcessedURL, &img.CropDetails,
		&img.ImageType, &img.UploadedBy, &img.CreatedAt, &img.UpdatedAt)
	return img, err
}

// ListForPoi resolves the managed images linked to a POI, ordered by
// display order.
func (r *PostgresRepository) ListForPoi(ctx context.Context, poiID string) ([]ManagedImage, error) {
	query := `
		SELECT ` + managedImageColumns + `
		FROM poi_image_links pil
		JOIN managed_images mi ON mi.id = pil.image_id
		WHERE pil.poi_id = $1
		ORDER BY pil.display_order ASC, mi.created_at ASC`
	rows, err := r.db.QueryContext(ctx, query, poiID)
	if err != nil {
		return nil, fmt.Errorf("failed to list images for poi: %w", err)
	}
	defer rows.Close()

	var out []ManagedImage
	for rows.Next() {
		img, err := scanManagedImage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan managed image: %w", err)
		}
		out = append(out, img)
	}
	return out, rows.Err()
}

// ListForComment resolves the managed images linked to a comment.
func (r *PostgresRepository) ListForComment(ctx context.Context, commentID string) ([]ManagedImage, error) {
	query := `
		SELECT ` + managedImageColumns + `
		FROM comment_image_links cil
		JOIN managed_images mi ON mi.id = cil.image_id
		WHERE cil.comment_id = $1
		ORDER BY mi.created_at ASC`
	rows, err := r.db.QueryContext(ctx, query, commentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list images for comment: %w", err)
	}
	defer rows.Close()

	var out []ManagedImage
	for rows.Next() {
		img, err := scanManagedImage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan managed image: %w", err)
		}
		out = append(out, img)
	}
	return out, rows.Err()
}

// GetByID retrieves one managed image row.
func (r *PostgresRepository) GetByID(ctx context.Context, imageID string) (*ManagedImage, error) {
	query := `
		SELECT ` + managedImageColumns + `
		FROM managed_images mi
		WHERE mi.id = $1`
	rows, err := r.db.QueryContext(ctx, query, imageID)
	if err != nil {
		return nil, fmt.Errorf("failed to get managed image: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, ErrImageNotFound
	}
	img, err := scanManagedImage(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to scan managed image: %w", err)
	}
	return &img, rows.Err()
}

// Insert stores a managed image row.
func (r *PostgresRepository) Insert(ctx context.Context, img *ManagedImage) error {
	query := `
		INSERT INTO managed_images (id, original_url, processed_url, crop_details, image_type, uploaded_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())`
	_, err := r.db.ExecContext(ctx, query,
		img.ID, img.OriginalURL, img.ProcessedURL, img.CropDetails, img.ImageType, img.UploadedBy)
	if err != nil {
		return fmt.Errorf("failed to insert managed image: %w", err)
	}
	return nil
}

// LinkToPoi creates a poi_image_links row.
func (r *PostgresRepository) LinkToPoi(ctx context.Context, link *PoiImageLink) error {
	query := `INSERT INTO poi_image_links (id, poi_id, image_id, display_order) VALUES ($1, $2, $3, $4)`
	_, err := r.db.ExecContext(ctx, query, link.ID, link.PoiID, link.ImageID, link.DisplayOrder)
	if err != nil {
		return fmt.Errorf("failed to link image to poi: %w", err)
	}
	return nil
}

// LinkToComment creates a comment_image_links row.
func (r *PostgresRepository) LinkToComment(ctx context.Context, link *CommentImageLink) error {
	query := `INSERT INTO comment_image_links (id, comment_id, image_id) VALUES ($1, $2, $3)`
	_, err := r.db.ExecContext(ctx, query, link.ID, link.CommentID, link.ImageID)
	if err != nil {
		return fmt.Errorf("failed to link image to comment: %w", err)
	}
	return nil
}

// DeletePoiLink removes the single link between a POI and an image.
func (r *PostgresRepository) DeletePoiLink(ctx context.Context, poiID, imageID string) error {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM poi_image_links WHERE poi_id = $1 AND image_id = $2`, poiID, imageID)
	if err != nil {
		return fmt.Errorf("failed to delete poi image link: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return ErrLinkNotFound
	}
	return nil
}

// LinkCount returns how many links still reference an image.
func (r *PostgresRepository) LinkCount(ctx context.Context, imageID string) (int, error) {
	query := `
		SELECT
			(SELECT count(*) FROM poi_image_links WHERE image_id = $1) +
			(SELECT count(*) FROM comment_image_links WHERE image_id = $1)`
	var n int
	if err := r.db.QueryRowContext(ctx, query, imageID).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count image links: %w", err)
	}
	return n, nil
}

// DeletePoiLinks removes all poi_image_links rows for a POI.
func (r *PostgresRepository) DeletePoiLinks(ctx context.Context, poiID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM poi_image_links WHERE poi_id = $1`, poiID)
	if err != nil {
		return fmt.Errorf("failed to delete poi image links: %w", err)
	}
	return nil
}

// DeleteCommentLinks removes comment_image_links rows for the given comment ids.
func (r *PostgresRepository) DeleteCommentLinks(ctx context.Context, commentIDs []string) error {
	if len(commentIDs) == 0 {
		return nil
	}
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM comment_image_links WHERE comment_id = ANY($1)`, pq.Array(commentIDs))
	if err != nil {
		return fmt.Errorf("failed to delete comment image links: %w", err)
	}
	return nil
}

// DeleteImages removes managed image rows by id.
func (r *PostgresRepository) DeleteImages(ctx context.Context, imageIDs []string) error {
	if len(imageIDs) == 0 {
		return nil
	}
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM managed_images WHERE id = ANY($1)`, pq.Array(imageIDs))
	if err != nil {
		return fmt.Errorf("failed to delete managed images: %w", err)
	}
	return nil
}
