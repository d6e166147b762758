package poi

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/lib/pq"

	"github.com/sandmaps/atlas/internal/image"
	"github.com/sandmaps/atlas/internal/tracing"
)

// PostgresRepository implements Repository against the pois table and its
// satellite tables. Joined relations (poi_types, profiles) ride along in
// the row queries; images are resolved through the image repository so the
// single-row refetch and the bulk fetch use the same join.
type PostgresRepository struct {
	db     *sql.DB
	images image.Repository
	logger *slog.Logger
}

// NewPostgresRepository creates a PostgresRepository.
func NewPostgresRepository(db *sql.DB, images image.Repository, logger *slog.Logger) *PostgresRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresRepository{db: db, images: images, logger: logger}
}

const poiSelect = `
	SELECT p.id, p.title, p.description, p.map_type, p.grid_square_id,
	       p.coordinate_x, p.coordinate_y, p.poi_type_id, p.privacy_level,
	       p.created_by, p.created_at, p.updated_at,
	       pt.id, pt.name, pt.category, pt.icon,
	       COALESCE(pr.username, '')
	FROM pois p
	LEFT JOIN poi_types pt ON pt.id = p.poi_type_id
	LEFT JOIN profiles pr ON pr.id = p.created_by`

func (r *PostgresRepository) scanPoi(rows *sql.Rows) (*Poi, error) {
	var (
		p        Poi
		typeID   sql.NullString
		typeName sql.NullString
		typeCat  sql.NullString
		typeIcon sql.NullString
	)
	err := rows.Scan(&p.ID, &p.Title, &p.Description, &p.MapType, &p.GridSquareID,
		&p.Coordinates.X, &p.Coordinates.Y, &p.PoiTypeID, &p.PrivacyLevel,
		&p.CreatedBy, &p.CreatedAt, &p.UpdatedAt,
		&typeID, &typeName, &typeCat, &typeIcon,
		&p.OwnerUsername)
	if err != nil {
		return nil, err
	}
	if typeID.Valid {
		p.PoiType = &PoiType{ID: typeID.String, Name: typeName.String, Category: typeCat.String, Icon: typeIcon.String}
	}
	return &p, nil
}

func (r *PostgresRepository) queryPois(ctx context.Context, query string, args ...any) (pois []*Poi, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "pois", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query pois: %w", err)
	}
	defer rows.Close()

	var out []*Poi
	for rows.Next() {
		p, err := r.scanPoi(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan poi: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, p := range out {
		imgs, err := r.images.ListForPoi(ctx, p.ID)
		if err != nil {
			// Missing images degrade the row, they don't fail the read.
			r.logger.Warn("failed to resolve poi images",
				slog.String("poi_id", p.ID),
				slog.String("error", err.Error()))
			continue
		}
		p.Images = imgs
	}
	return out, nil
}

// ListByScope retrieves every POI in a map partition, newest first.
func (r *PostgresRepository) ListByScope(ctx context.Context, scope Scope) ([]*Poi, error) {
	if scope.MapType == MapDeepDesert && scope.GridSquareID != nil {
		return r.queryPois(ctx,
			poiSelect+` WHERE p.map_type = $1 AND p.grid_square_id = $2 ORDER BY p.created_at DESC`,
			scope.MapType, *scope.GridSquareID)
	}
	return r.queryPois(ctx,
		poiSelect+` WHERE p.map_type = $1 ORDER BY p.created_at DESC`, scope.MapType)
}

// GetByID retrieves one POI with all relations joined.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*Poi, error) {
	pois, err := r.queryPois(ctx, poiSelect+` WHERE p.id = $1`, id)
	if err != nil {
		return nil, err
	}
	if len(pois) == 0 {
		return nil, ErrPoiNotFound
	}
	return pois[0], nil
}

// Insert stores a new POI row.
func (r *PostgresRepository) Insert(ctx context.Context, p *Poi) (err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "pois", tracing.DBOperationInsert)
	defer func() { endSpan(err) }()

	query := `
		INSERT INTO pois (id, title, description, map_type, grid_square_id,
			coordinate_x, coordinate_y, poi_type_id, privacy_level, created_by,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW(), NOW())`
	if _, err = r.db.ExecContext(ctx, query,
		p.ID, p.Title, p.Description, p.MapType, p.GridSquareID,
		p.Coordinates.X, p.Coordinates.Y, p.PoiTypeID, p.PrivacyLevel, p.CreatedBy); err != nil {
		return fmt.Errorf("failed to create poi: %w", err)
	}
	return nil
}

// Update rewrites a POI row's mutable fields.
func (r *PostgresRepository) Update(ctx context.Context, p *Poi) (err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "pois", tracing.DBOperationUpdate)
	defer func() { endSpan(err) }()

	query := `
		UPDATE pois
		SET title = $2, description = $3, coordinate_x = $4, coordinate_y = $5,
		    poi_type_id = $6, privacy_level = $7, updated_at = NOW()
		WHERE id = $1`
	res, err := r.db.ExecContext(ctx, query,
		p.ID, p.Title, p.Description, p.Coordinates.X, p.Coordinates.Y,
		p.PoiTypeID, p.PrivacyLevel)
	if err != nil {
		return fmt.Errorf("failed to update poi: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return ErrPoiNotFound
	}
	return nil
}

// DeleteRow removes the bare POI row. Only the cleanup engine should call
// this; it is the last layer of the cascading deletion.
func (r *PostgresRepository) DeleteRow(ctx context.Context, id string) (err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "pois", tracing.DBOperationDelete)
	defer func() { endSpan(err) }()

	res, err := r.db.ExecContext(ctx, `DELETE FROM pois WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete poi: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return ErrPoiNotFound
	}
	return nil
}

// ListComments retrieves the comments owned by a POI.
func (r *PostgresRepository) ListComments(ctx context.Context, poiID string) ([]Comment, error) {
	query := `
		SELECT id, poi_id, author_id, body, created_at
		FROM comments WHERE poi_id = $1 ORDER BY created_at ASC`
	rows, err := r.db.QueryContext(ctx, query, poiID)
	if err != nil {
		return nil, fmt.Errorf("failed to list comments: %w", err)
	}
	defer rows.Close()

	var out []Comment
	for rows.Next() {
		var c Comment
		if err := rows.Scan(&c.ID, &c.PoiID, &c.AuthorID, &c.Body, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan comment: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// DeleteComments removes all comments owned by a POI.
func (r *PostgresRepository) DeleteComments(ctx context.Context, poiID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM comments WHERE poi_id = $1`, poiID)
	if err != nil {
		return fmt.Errorf("failed to delete comments: %w", err)
	}
	return nil
}

// DeleteEntityLinks removes all entity links for a POI.
func (r *PostgresRepository) DeleteEntityLinks(ctx context.Context, poiID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM poi_entity_links WHERE poi_id = $1`, poiID)
	if err != nil {
		return fmt.Errorf("failed to delete entity links: %w", err)
	}
	return nil
}

// LinkCounts returns the entity-link count per POI in one batched query.
func (r *PostgresRepository) LinkCounts(ctx context.Context, poiIDs []string) (map[string]int, error) {
	out := make(map[string]int, len(poiIDs))
	if len(poiIDs) == 0 {
		return out, nil
	}
	query := `
		SELECT poi_id, COUNT(*)
		FROM poi_entity_links
		WHERE poi_id = ANY($1)
		GROUP BY poi_id`
	rows, err := r.db.QueryContext(ctx, query, pq.Array(poiIDs))
	if err != nil {
		return nil, fmt.Errorf("failed to count entity links: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, fmt.Errorf("failed to scan link count: %w", err)
		}
		out[id] = n
	}
	return out, rows.Err()
}

// SharedPoiIDs returns the ids of POIs explicitly shared with a user.
func (r *PostgresRepository) SharedPoiIDs(ctx context.Context, userID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT poi_id FROM poi_shares WHERE shared_with_user_id = $1`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list shared pois: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan share: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ReplaceShares replaces the share list of a POI with the given users.
func (r *PostgresRepository) ReplaceShares(ctx context.Context, poiID string, userIDs []string) (err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "poi_shares", tracing.DBOperationExec)
	defer func() { endSpan(err) }()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && err != sql.ErrTxDone {
			r.logger.Warn("failed to rollback share replacement", slog.String("error", err.Error()))
		}
	}()

	if _, err := tx.ExecContext(ctx, `DELETE FROM poi_shares WHERE poi_id = $1`, poiID); err != nil {
		return fmt.Errorf("failed to clear shares: %w", err)
	}
	for _, uid := range userIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO poi_shares (poi_id, shared_with_user_id, created_at) VALUES ($1, $2, NOW())`,
			poiID, uid); err != nil {
			return fmt.Errorf("failed to insert share: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit share replacement: %w", err)
	}
	return nil
}
