package ops

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/sandmaps/atlas/internal/cache"
	"github.com/sandmaps/atlas/internal/cleanup"
	"github.com/sandmaps/atlas/internal/image"
	"github.com/sandmaps/atlas/internal/poi"
)

// recordingNotifier captures notifications by level.
type recordingNotifier struct {
	mu       sync.Mutex
	success  []string
	warnings []string
	errs     []string
}

func (n *recordingNotifier) Success(msg string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.success = append(n.success, msg)
}

func (n *recordingNotifier) Warning(msg string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.warnings = append(n.warnings, msg)
}

func (n *recordingNotifier) Error(msg string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.errs = append(n.errs, msg)
}

// blockingRepo wraps the in-memory repository and parks Insert until
// released, so a second operation can be submitted mid-flight.
type blockingRepo struct {
	*poi.InMemoryRepository
	entered chan struct{}
	release chan struct{}
}

func (r *blockingRepo) Insert(ctx context.Context, p *poi.Poi) error {
	close(r.entered)
	<-r.release
	return r.InMemoryRepository.Insert(ctx, p)
}

func validPoi(id string) *poi.Poi {
	return &poi.Poi{
		ID:           id,
		Title:        "crash site",
		MapType:      poi.MapHaggaBasin,
		PoiTypeID:    "type-1",
		PrivacyLevel: poi.PrivacyGlobal,
		CreatedBy:    "u1",
	}
}

func newTestOrchestrator(repo poi.Repository, n Notifier) *Orchestrator {
	images := image.NewInMemoryRepository()
	engine := cleanup.NewEngine(repo, images, nil, nil)
	return New(repo, images, engine, nil, n, nil, nil)
}

// TestOrchestrator_Create persists a POI and emits a success notification.
func TestOrchestrator_Create(t *testing.T) {
	repo := poi.NewInMemoryRepository()
	n := &recordingNotifier{}
	o := newTestOrchestrator(repo, n)

	if err := o.Create(context.Background(), validPoi("p1")); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := repo.GetByID(context.Background(), "p1"); err != nil {
		t.Errorf("created POI not found: %v", err)
	}
	if len(n.success) != 1 {
		t.Errorf("success notifications = %v, want one", n.success)
	}
	if o.Busy() {
		t.Error("Busy() = true after Create returned")
	}
}

// TestOrchestrator_SingleFlight submits a second operation while the first
// is parked inside the repository and checks it is rejected, not queued.
func TestOrchestrator_SingleFlight(t *testing.T) {
	repo := &blockingRepo{
		InMemoryRepository: poi.NewInMemoryRepository(),
		entered:            make(chan struct{}),
		release:            make(chan struct{}),
	}
	n := &recordingNotifier{}
	o := newTestOrchestrator(repo, n)

	done := make(chan error, 1)
	go func() {
		done <- o.Create(context.Background(), validPoi("p1"))
	}()
	<-repo.entered

	if !o.Busy() {
		t.Error("Busy() = false while an operation is in flight")
	}
	if err := o.Update(context.Background(), validPoi("p2")); !errors.Is(err, ErrOperationInFlight) {
		t.Errorf("Update() during in-flight Create error = %v, want ErrOperationInFlight", err)
	}
	if err := o.Delete(context.Background(), "p1"); !errors.Is(err, ErrOperationInFlight) {
		t.Errorf("Delete() during in-flight Create error = %v, want ErrOperationInFlight", err)
	}

	close(repo.release)
	if err := <-done; err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if o.Busy() {
		t.Error("Busy() = true after the operation completed")
	}

	// The slot is free again.
	if err := o.Update(context.Background(), validPoi("p1")); err != nil {
		t.Errorf("Update() after release error = %v", err)
	}
}

// TestOrchestrator_ValidationBeforeSlot checks invalid payloads are
// rejected without claiming the in-flight slot.
func TestOrchestrator_ValidationBeforeSlot(t *testing.T) {
	n := &recordingNotifier{}
	o := newTestOrchestrator(poi.NewInMemoryRepository(), n)

	tests := []struct {
		name    string
		mutate  func(p *poi.Poi)
		wantErr error
	}{
		{"empty title", func(p *poi.Poi) { p.Title = "" }, ErrEmptyTitle},
		{"missing type", func(p *poi.Poi) { p.PoiTypeID = "" }, ErrMissingPoiType},
		{"nan coordinate", func(p *poi.Poi) { p.Coordinates.X = math.NaN() }, ErrInvalidCoordinates},
		{"infinite coordinate", func(p *poi.Poi) { p.Coordinates.Y = math.Inf(1) }, ErrInvalidCoordinates},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p := validPoi("bad")
			tc.mutate(p)
			if err := o.Create(context.Background(), p); !errors.Is(err, tc.wantErr) {
				t.Errorf("Create() error = %v, want %v", err, tc.wantErr)
			}
			if o.Busy() {
				t.Error("rejected payload left the orchestrator busy")
			}
		})
	}
	if len(n.errs) != len(tests) {
		t.Errorf("error notifications = %d, want %d", len(n.errs), len(tests))
	}
}

// TestOrchestrator_SetPrivacy changes the level and rejects unknown ones.
func TestOrchestrator_SetPrivacy(t *testing.T) {
	repo := poi.NewInMemoryRepository()
	o := newTestOrchestrator(repo, &recordingNotifier{})
	if err := repo.Insert(context.Background(), validPoi("p1")); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	if err := o.SetPrivacy(context.Background(), "p1", poi.PrivacyPrivate); err != nil {
		t.Fatalf("SetPrivacy() error = %v", err)
	}
	p, err := repo.GetByID(context.Background(), "p1")
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if p.PrivacyLevel != poi.PrivacyPrivate {
		t.Errorf("PrivacyLevel = %q, want %q", p.PrivacyLevel, poi.PrivacyPrivate)
	}

	if err := o.SetPrivacy(context.Background(), "p1", "everyone"); !errors.Is(err, ErrInvalidPrivacy) {
		t.Errorf("SetPrivacy(everyone) error = %v, want ErrInvalidPrivacy", err)
	}
}

// TestOrchestrator_Share replaces the grant set.
func TestOrchestrator_Share(t *testing.T) {
	repo := poi.NewInMemoryRepository()
	o := newTestOrchestrator(repo, &recordingNotifier{})
	p := validPoi("p1")
	p.PrivacyLevel = poi.PrivacyShared
	if err := repo.Insert(context.Background(), p); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	if err := o.Share(context.Background(), "p1", []string{"u2", "u3"}); err != nil {
		t.Fatalf("Share() error = %v", err)
	}
	ids, err := repo.SharedPoiIDs(context.Background(), "u2")
	if err != nil {
		t.Fatalf("SharedPoiIDs() error = %v", err)
	}
	if len(ids) != 1 || ids[0] != "p1" {
		t.Errorf("SharedPoiIDs(u2) = %v, want [p1]", ids)
	}
}

// warningDeleteRepo fails comment deletion so the cascade yields warnings.
type warningDeleteRepo struct {
	*poi.InMemoryRepository
}

func (r *warningDeleteRepo) DeleteComments(ctx context.Context, poiID string) error {
	return errors.New("comments table locked")
}

// TestOrchestrator_DeleteSurfacesWarnings runs a delete whose cascade
// partially fails and checks warnings reach the notifier while the
// operation still succeeds.
func TestOrchestrator_DeleteSurfacesWarnings(t *testing.T) {
	inner := poi.NewInMemoryRepository()
	repo := &warningDeleteRepo{inner}
	if err := inner.Insert(context.Background(), validPoi("p1")); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	n := &recordingNotifier{}
	images := image.NewInMemoryRepository()
	engine := cleanup.NewEngine(repo, images, nil, nil)
	o := New(inner, images, engine, nil, n, nil, nil)

	if err := o.Delete(context.Background(), "p1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if len(n.warnings) != 1 || !strings.Contains(n.warnings[0], "comments table locked") {
		t.Errorf("warnings = %v, want the comment deletion failure", n.warnings)
	}
	if len(n.success) != 1 {
		t.Errorf("success notifications = %v, want one", n.success)
	}
	if _, err := inner.GetByID(context.Background(), "p1"); !errors.Is(err, poi.ErrPoiNotFound) {
		t.Errorf("GetByID after delete error = %v, want ErrPoiNotFound", err)
	}
}

// TestOrchestrator_DeleteClearsReferences checks selection, gallery, and
// edit state referencing the deleted id are cleared, and unrelated state
// survives.
func TestOrchestrator_DeleteClearsReferences(t *testing.T) {
	repo := poi.NewInMemoryRepository()
	o := newTestOrchestrator(repo, &recordingNotifier{})
	for _, id := range []string{"p1", "p2"} {
		if err := repo.Insert(context.Background(), validPoi(id)); err != nil {
			t.Fatalf("Insert(%s) error = %v", id, err)
		}
	}

	o.Select("p1")
	o.OpenGallery("p1")
	o.BeginEdit("p2")

	if err := o.Delete(context.Background(), "p1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if o.Selected() != "" {
		t.Errorf("Selected() = %q, want cleared", o.Selected())
	}
	if o.GalleryOpenFor() != "" {
		t.Errorf("GalleryOpenFor() = %q, want cleared", o.GalleryOpenFor())
	}
	if o.Editing() != "p2" {
		t.Errorf("Editing() = %q, unrelated edit state was cleared", o.Editing())
	}
}

// TestOrchestrator_DeleteMissingPoi checks a delete of an unknown id fails
// and notifies.
func TestOrchestrator_DeleteMissingPoi(t *testing.T) {
	n := &recordingNotifier{}
	o := newTestOrchestrator(poi.NewInMemoryRepository(), n)

	if err := o.Delete(context.Background(), "ghost"); err == nil {
		t.Fatal("Delete() of missing POI should fail")
	}
	if len(n.errs) != 1 {
		t.Errorf("error notifications = %v, want one", n.errs)
	}
	if o.Busy() {
		t.Error("failed delete left the orchestrator busy")
	}
}

// TestOrchestrator_AttachImage registers the image, links it, and
// refreshes the cache from the repository.
func TestOrchestrator_AttachImage(t *testing.T) {
	repo := poi.NewInMemoryRepository()
	images := image.NewInMemoryRepository()
	engine := cleanup.NewEngine(repo, images, nil, nil)
	n := &recordingNotifier{}
	o := New(repo, images, engine, nil, n, nil, nil)
	if err := repo.Insert(context.Background(), validPoi("p1")); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	img := &image.ManagedImage{
		ID:          "img-1",
		OriginalURL: "https://cdn.example.com/storage/v1/object/public/screenshots/poi_screenshots_original/a.png",
	}
	if err := o.AttachImage(context.Background(), "p1", img, 1); err != nil {
		t.Fatalf("AttachImage() error = %v", err)
	}
	if img.ImageType != image.TypePoiScreenshot {
		t.Errorf("ImageType = %q, want %q", img.ImageType, image.TypePoiScreenshot)
	}

	linked, err := images.ListForPoi(context.Background(), "p1")
	if err != nil {
		t.Fatalf("ListForPoi() error = %v", err)
	}
	if len(linked) != 1 || linked[0].ID != "img-1" {
		t.Errorf("ListForPoi() = %v, want img-1", linked)
	}
	if len(n.success) != 1 {
		t.Errorf("success notifications = %v, want one", n.success)
	}
}

// TestOrchestrator_AttachImage_Validation rejects empty addresses and
// unknown POIs without leaving stray rows.
func TestOrchestrator_AttachImage_Validation(t *testing.T) {
	repo := poi.NewInMemoryRepository()
	images := image.NewInMemoryRepository()
	engine := cleanup.NewEngine(repo, images, nil, nil)
	o := New(repo, images, engine, nil, &recordingNotifier{}, nil, nil)

	if err := o.AttachImage(context.Background(), "p1", &image.ManagedImage{ID: "img-1"}, 0); !errors.Is(err, ErrMissingImageURL) {
		t.Errorf("AttachImage() with empty url error = %v, want ErrMissingImageURL", err)
	}
	if err := o.AttachImage(context.Background(), "ghost", &image.ManagedImage{
		ID: "img-1", OriginalURL: "https://example.com/a.png",
	}, 0); !errors.Is(err, poi.ErrPoiNotFound) {
		t.Errorf("AttachImage() to unknown POI error = %v, want wrapped ErrPoiNotFound", err)
	}
	if n := images.CountImages(); n != 0 {
		t.Errorf("managed images = %d after rejected attaches, want 0", n)
	}
	if o.Busy() {
		t.Error("rejected attach left the orchestrator busy")
	}
}

// TestOrchestrator_DetachImage unlinks through the cleanup engine and
// removes the orphaned row.
func TestOrchestrator_DetachImage(t *testing.T) {
	repo := poi.NewInMemoryRepository()
	images := image.NewInMemoryRepository()
	engine := cleanup.NewEngine(repo, images, nil, nil)
	n := &recordingNotifier{}
	o := New(repo, images, engine, nil, n, nil, nil)
	if err := repo.Insert(context.Background(), validPoi("p1")); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	img := &image.ManagedImage{ID: "img-1", OriginalURL: "https://example.com/a.png"}
	if err := o.AttachImage(context.Background(), "p1", img, 0); err != nil {
		t.Fatalf("AttachImage() error = %v", err)
	}

	if err := o.DetachImage(context.Background(), "p1", "img-1"); err != nil {
		t.Fatalf("DetachImage() error = %v", err)
	}
	if _, err := images.GetByID(context.Background(), "img-1"); !errors.Is(err, image.ErrImageNotFound) {
		t.Errorf("GetByID after detach error = %v, want ErrImageNotFound", err)
	}
	if err := o.DetachImage(context.Background(), "p1", "img-1"); err == nil {
		t.Error("DetachImage() of a removed image should fail")
	}
}

// TestOrchestrator_Metrics counts executed operations by kind and
// outcome, and in-flight rejections separately.
func TestOrchestrator_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics()
	if err := m.Register(reg); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	repo := &blockingRepo{
		InMemoryRepository: poi.NewInMemoryRepository(),
		entered:            make(chan struct{}),
		release:            make(chan struct{}),
	}
	images := image.NewInMemoryRepository()
	engine := cleanup.NewEngine(repo, images, nil, nil)
	o := New(repo, images, engine, nil, &recordingNotifier{}, m, nil)

	done := make(chan error, 1)
	go func() {
		done <- o.Create(context.Background(), validPoi("p1"))
	}()
	<-repo.entered

	if err := o.Delete(context.Background(), "p1"); !errors.Is(err, ErrOperationInFlight) {
		t.Fatalf("Delete() during in-flight Create error = %v, want ErrOperationInFlight", err)
	}
	close(repo.release)
	if err := <-done; err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	// A failed operation counts under its own outcome.
	if err := o.Delete(context.Background(), "ghost"); err == nil {
		t.Fatal("Delete() of missing POI should fail")
	}

	if got := testutil.ToFloat64(m.operations.WithLabelValues(OpCreate, outcomeSuccess)); got != 1 {
		t.Errorf("operations{create,success} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.operations.WithLabelValues(OpDelete, outcomeError)); got != 1 {
		t.Errorf("operations{delete,error} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.rejections); got != 1 {
		t.Errorf("rejections = %v, want 1", got)
	}

	// The rejected submission must not appear as an executed operation.
	if got := testutil.ToFloat64(m.operations.WithLabelValues(OpDelete, outcomeSuccess)); got != 0 {
		t.Errorf("operations{delete,success} = %v, want 0", got)
	}
}

// TestOrchestrator_CacheIntegration wires a live cache and checks create,
// update, and delete keep it in sync.
func TestOrchestrator_CacheIntegration(t *testing.T) {
	repo := poi.NewInMemoryRepository()
	c := cache.NewPoiCache(poi.Scope{MapType: poi.MapHaggaBasin}, repo, nil, nil)
	images := image.NewInMemoryRepository()
	engine := cleanup.NewEngine(repo, images, nil, nil)
	o := New(repo, images, engine, c, &recordingNotifier{}, nil, nil)

	if err := o.Create(context.Background(), validPoi("p1")); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if c.Len() != 1 {
		t.Errorf("cache Len() = %d after create, want 1", c.Len())
	}

	edited := validPoi("p1")
	edited.Title = "renamed"
	if err := o.Update(context.Background(), edited); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if items := c.Items(); len(items) != 1 || items[0].Title != "renamed" {
		t.Errorf("cache not updated, items = %v", items)
	}

	if err := o.Delete(context.Background(), "p1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if c.Len() != 0 {
		t.Errorf("cache Len() = %d after delete, want 0", c.Len())
	}
}
