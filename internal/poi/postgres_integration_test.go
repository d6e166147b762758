//go:build integration

package poi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/sandmaps/atlas/internal/cleanup"
	"github.com/sandmaps/atlas/internal/db"
	"github.com/sandmaps/atlas/internal/image"
)

// startPostgres launches a disposable Postgres and applies the migrations.
func startPostgres(t *testing.T) *sql.DB {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("atlas_test"),
		postgres.WithUsername("atlas"),
		postgres.WithPassword("atlas"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		t.Fatalf("starting postgres container: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("terminating container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}

	conn, err := db.Open(ctx, dsn)
	if err != nil {
		t.Fatalf("opening database: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	if err := db.Migrate(conn, "../../migrations"); err != nil {
		t.Fatalf("applying migrations: %v", err)
	}
	return conn
}

// seedRefs inserts a profile and a poi type and returns their ids.
func seedRefs(t *testing.T, conn *sql.DB) (userID, poiTypeID string) {
	t.Helper()
	userID = uuid.New().String()
	poiTypeID = uuid.New().String()
	if _, err := conn.Exec(
		`INSERT INTO profiles (id, username) VALUES ($1, $2)`, userID, "muaddib-"+userID[:8]); err != nil {
		t.Fatalf("seeding profile: %v", err)
	}
	if _, err := conn.Exec(
		`INSERT INTO poi_types (id, name, category) VALUES ($1, 'Spice Field', 'resource')`, poiTypeID); err != nil {
		t.Fatalf("seeding poi type: %v", err)
	}
	return userID, poiTypeID
}

func TestPostgresRepository_RoundTrip(t *testing.T) {
	conn := startPostgres(t)
	ctx := context.Background()

	images := image.NewPostgresRepository(conn, nil)
	repo := NewPostgresRepository(conn, images, nil)
	userID, poiTypeID := seedRefs(t, conn)

	p := &Poi{
		ID:           uuid.New().String(),
		Title:        "Rock Outcrop",
		Description:  "sheltered from the storms",
		MapType:      MapHaggaBasin,
		Coordinates:  Coordinates{X: 101.5, Y: -44.25},
		PoiTypeID:    poiTypeID,
		PrivacyLevel: PrivacyGlobal,
		CreatedBy:    userID,
	}
	if err := repo.Insert(ctx, p); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	got, err := repo.GetByID(ctx, p.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if got.Title != p.Title || got.MapType != MapHaggaBasin || got.Coordinates.X != 101.5 {
		t.Errorf("GetByID() = %+v, want inserted values", got)
	}
	if got.PoiType == nil || got.PoiType.Name != "Spice Field" {
		t.Errorf("PoiType join missing: %+v", got.PoiType)
	}
	if got.OwnerUsername == "" {
		t.Error("owner username join missing")
	}

	got.Title = "Renamed Outcrop"
	got.PrivacyLevel = PrivacyPrivate
	if err := repo.Update(ctx, got); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	again, err := repo.GetByID(ctx, p.ID)
	if err != nil {
		t.Fatalf("GetByID() after update error = %v", err)
	}
	if again.Title != "Renamed Outcrop" || again.PrivacyLevel != PrivacyPrivate {
		t.Errorf("updated row = %+v", again)
	}

	if err := repo.Update(ctx, &Poi{ID: uuid.New().String(), Title: "ghost", PoiTypeID: poiTypeID}); !errors.Is(err, ErrPoiNotFound) {
		t.Errorf("Update(missing) error = %v, want ErrPoiNotFound", err)
	}
}

func TestPostgresRepository_SharesAndScope(t *testing.T) {
	conn := startPostgres(t)
	ctx := context.Background()

	images := image.NewPostgresRepository(conn, nil)
	repo := NewPostgresRepository(conn, images, nil)
	owner, poiTypeID := seedRefs(t, conn)
	grantee, _ := seedRefs(t, conn)

	grid := "E7"
	deep := &Poi{
		ID:           uuid.New().String(),
		Title:        "Shipwreck",
		MapType:      MapDeepDesert,
		GridSquareID: &grid,
		PoiTypeID:    poiTypeID,
		PrivacyLevel: PrivacyShared,
		CreatedBy:    owner,
	}
	basin := &Poi{
		ID:           uuid.New().String(),
		Title:        "Cave",
		MapType:      MapHaggaBasin,
		PoiTypeID:    poiTypeID,
		PrivacyLevel: PrivacyGlobal,
		CreatedBy:    owner,
	}
	for _, p := range []*Poi{deep, basin} {
		if err := repo.Insert(ctx, p); err != nil {
			t.Fatalf("Insert(%s) error = %v", p.Title, err)
		}
	}

	inGrid, err := repo.ListByScope(ctx, Scope{MapType: MapDeepDesert, GridSquareID: &grid})
	if err != nil {
		t.Fatalf("ListByScope() error = %v", err)
	}
	if len(inGrid) != 1 || inGrid[0].ID != deep.ID {
		t.Errorf("ListByScope(deep_desert E7) = %d rows", len(inGrid))
	}

	if err := repo.ReplaceShares(ctx, deep.ID, []string{grantee}); err != nil {
		t.Fatalf("ReplaceShares() error = %v", err)
	}
	ids, err := repo.SharedPoiIDs(ctx, grantee)
	if err != nil {
		t.Fatalf("SharedPoiIDs() error = %v", err)
	}
	if len(ids) != 1 || ids[0] != deep.ID {
		t.Errorf("SharedPoiIDs() = %v, want [%s]", ids, deep.ID)
	}

	// Replacing with an empty set revokes everything.
	if err := repo.ReplaceShares(ctx, deep.ID, nil); err != nil {
		t.Fatalf("ReplaceShares(nil) error = %v", err)
	}
	ids, err = repo.SharedPoiIDs(ctx, grantee)
	if err != nil {
		t.Fatalf("SharedPoiIDs() error = %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("SharedPoiIDs() after revoke = %v, want none", ids)
	}
}

func TestCleanupEngine_AgainstPostgres(t *testing.T) {
	conn := startPostgres(t)
	ctx := context.Background()

	images := image.NewPostgresRepository(conn, nil)
	repo := NewPostgresRepository(conn, images, nil)
	owner, poiTypeID := seedRefs(t, conn)

	p := &Poi{
		ID:           uuid.New().String(),
		Title:        "Doomed Camp",
		MapType:      MapHaggaBasin,
		PoiTypeID:    poiTypeID,
		PrivacyLevel: PrivacyGlobal,
		CreatedBy:    owner,
	}
	if err := repo.Insert(ctx, p); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	img := &image.ManagedImage{
		ID:          uuid.New().String(),
		OriginalURL: "https://bucket.example.com/screenshots/poi_screenshots_original/a.jpg",
		ImageType:   image.TypePoiScreenshot,
		UploadedBy:  &owner,
	}
	if err := images.Insert(ctx, img); err != nil {
		t.Fatalf("image Insert() error = %v", err)
	}
	if err := images.LinkToPoi(ctx, &image.PoiImageLink{
		ID: uuid.New().String(), PoiID: p.ID, ImageID: img.ID,
	}); err != nil {
		t.Fatalf("LinkToPoi() error = %v", err)
	}

	commentID := uuid.New().String()
	if _, err := conn.Exec(
		`INSERT INTO comments (id, poi_id, author_id, body) VALUES ($1, $2, $3, 'first')`,
		commentID, p.ID, owner); err != nil {
		t.Fatalf("seeding comment: %v", err)
	}
	crop := json.RawMessage(`{"x":0,"y":0,"w":10,"h":10}`)
	cimg := &image.ManagedImage{
		ID:          uuid.New().String(),
		OriginalURL: "https://bucket.example.com/screenshots/comment_screenshots_original/b.png",
		CropDetails: crop,
		ImageType:   image.TypeCommentImage,
		UploadedBy:  &owner,
	}
	if err := images.Insert(ctx, cimg); err != nil {
		t.Fatalf("comment image Insert() error = %v", err)
	}
	if err := images.LinkToComment(ctx, &image.CommentImageLink{
		ID: uuid.New().String(), CommentID: commentID, ImageID: cimg.ID,
	}); err != nil {
		t.Fatalf("LinkToComment() error = %v", err)
	}
	if _, err := conn.Exec(
		`INSERT INTO poi_entity_links (id, poi_id, entity_id) VALUES ($1, $2, $3)`,
		uuid.New().String(), p.ID, uuid.New().String()); err != nil {
		t.Fatalf("seeding entity link: %v", err)
	}

	engine := cleanup.NewEngine(repo, images, nil, nil)
	res, err := engine.DeletePOI(ctx, p.ID)
	if err != nil {
		t.Fatalf("DeletePOI() error = %v, warnings = %v", err, res.Warnings)
	}

	if _, err := repo.GetByID(ctx, p.ID); !errors.Is(err, ErrPoiNotFound) {
		t.Errorf("GetByID() after delete error = %v, want ErrPoiNotFound", err)
	}
	for _, table := range []string{"comments", "poi_image_links", "comment_image_links", "poi_entity_links"} {
		var n int
		if err := conn.QueryRow(`SELECT count(*) FROM ` + table).Scan(&n); err != nil {
			t.Fatalf("counting %s: %v", table, err)
		}
		if n != 0 {
			t.Errorf("%s rows remaining = %d, want 0", table, n)
		}
	}
	var n int
	if err := conn.QueryRow(`SELECT count(*) FROM managed_images`).Scan(&n); err != nil {
		t.Fatalf("counting managed_images: %v", err)
	}
	if n != 0 {
		t.Errorf("managed_images rows remaining = %d, want 0", n)
	}
}
