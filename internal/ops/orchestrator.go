// Package ops serializes user-initiated POI mutations. One mutation runs
// at a time; a second submission while one is in flight is rejected
// outright rather than queued.
package ops

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/sandmaps/atlas/internal/cache"
	"github.com/sandmaps/atlas/internal/cleanup"
	"github.com/sandmaps/atlas/internal/image"
	"github.com/sandmaps/atlas/internal/poi"
	"github.com/sandmaps/atlas/internal/tracing"
)

var (
	ErrOperationInFlight  = errors.New("another operation is already in flight")
	ErrEmptyTitle         = errors.New("poi title must not be empty")
	ErrMissingPoiType     = errors.New("poi type must be set")
	ErrInvalidCoordinates = errors.New("poi coordinates are invalid")
	ErrInvalidPrivacy     = errors.New("unknown privacy level")
	ErrMissingImageURL    = errors.New("image url must not be empty")
)

// Operation kinds, used for the in-flight rejection log line and the
// operations counter.
const (
	OpCreate      = "create"
	OpUpdate      = "update"
	OpSetPrivacy  = "set_privacy"
	OpShare       = "share"
	OpDelete      = "delete"
	OpAttachImage = "attach_image"
	OpDetachImage = "detach_image"
)

// Orchestrator coordinates POI mutations across the repository, the
// cascading deleter, and the cache. It also owns the interaction
// bookkeeping tied to a POI (selection, gallery, edit form) so deletion
// can clear any state referencing the removed id.
type Orchestrator struct {
	repo     poi.Repository
	images   image.Repository
	deleter  *cleanup.Engine
	cache    *cache.PoiCache
	notifier Notifier
	metrics  *Metrics
	logger   *slog.Logger

	mu       sync.Mutex
	inFlight string // operation kind, "" when idle

	stateMu   sync.Mutex
	selected  string
	galleryID string
	editingID string
}

// New creates an orchestrator. A nil notifier falls back to logging; nil
// metrics disable instrumentation.
func New(repo poi.Repository, images image.Repository, deleter *cleanup.Engine, c *cache.PoiCache, notifier Notifier, metrics *Metrics, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = &LogNotifier{Logger: logger}
	}
	return &Orchestrator{
		repo:     repo,
		images:   images,
		deleter:  deleter,
		cache:    c,
		notifier: notifier,
		metrics:  metrics,
		logger:   logger,
	}
}

// begin claims the single in-flight slot. The returned release func must
// run even when the operation fails, so a failed operation never wedges
// the orchestrator.
func (o *Orchestrator) begin(kind string) (func(), error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.inFlight != "" {
		o.logger.Warn("rejecting concurrent operation",
			slog.String("requested", kind),
			slog.String("in_flight", o.inFlight))
		o.metrics.rejected()
		return nil, ErrOperationInFlight
	}
	o.inFlight = kind
	return func() {
		o.mu.Lock()
		o.inFlight = ""
		o.mu.Unlock()
	}, nil
}

// Busy reports whether a mutation is currently in flight.
func (o *Orchestrator) Busy() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.inFlight != ""
}

func validatePoi(p *poi.Poi) error {
	if p.Title == "" {
		return ErrEmptyTitle
	}
	if p.PoiTypeID == "" {
		return ErrMissingPoiType
	}
	if math.IsNaN(p.Coordinates.X) || math.IsNaN(p.Coordinates.Y) ||
		math.IsInf(p.Coordinates.X, 0) || math.IsInf(p.Coordinates.Y, 0) {
		return ErrInvalidCoordinates
	}
	return nil
}

func validPrivacy(level string) bool {
	switch level {
	case poi.PrivacyGlobal, poi.PrivacyPrivate, poi.PrivacyShared:
		return true
	}
	return false
}

// Create validates and persists a new POI, then applies the optimistic
// cache insert. Validation runs before the in-flight slot is claimed; a
// rejected payload never blocks other operations.
func (o *Orchestrator) Create(ctx context.Context, p *poi.Poi) (err error) {
	if err = validatePoi(p); err != nil {
		o.notifier.Error(err.Error())
		return err
	}
	release, err := o.begin(OpCreate)
	if err != nil {
		return err
	}
	defer release()
	defer func() { o.metrics.observe(OpCreate, err) }()

	ctx, endSpan := tracing.StartSpan(ctx, "ops.Create")
	defer func() { endSpan(err) }()
	tracing.SetAttributes(ctx, attribute.String("poi.id", p.ID))

	if err := o.repo.Insert(ctx, p); err != nil {
		o.notifier.Error("failed to create POI")
		return fmt.Errorf("creating poi: %w", err)
	}
	if o.cache != nil {
		o.cache.Add(p)
	}
	o.notifier.Success(fmt.Sprintf("Created %q", p.Title))
	return nil
}

// Update validates and persists an edit, then upserts the cache entry.
func (o *Orchestrator) Update(ctx context.Context, p *poi.Poi) (err error) {
	if err = validatePoi(p); err != nil {
		o.notifier.Error(err.Error())
		return err
	}
	release, err := o.begin(OpUpdate)
	if err != nil {
		return err
	}
	defer release()
	defer func() { o.metrics.observe(OpUpdate, err) }()

	ctx, endSpan := tracing.StartSpan(ctx, "ops.Update")
	defer func() { endSpan(err) }()
	tracing.SetAttributes(ctx, attribute.String("poi.id", p.ID))

	if err := o.repo.Update(ctx, p); err != nil {
		o.notifier.Error("failed to update POI")
		return fmt.Errorf("updating poi: %w", err)
	}
	if o.cache != nil {
		o.cache.Update(p)
	}
	o.notifier.Success(fmt.Sprintf("Updated %q", p.Title))
	return nil
}

// SetPrivacy changes a POI's privacy level in isolation.
func (o *Orchestrator) SetPrivacy(ctx context.Context, poiID, level string) (err error) {
	if !validPrivacy(level) {
		o.notifier.Error("unknown privacy level")
		return ErrInvalidPrivacy
	}
	release, err := o.begin(OpSetPrivacy)
	if err != nil {
		return err
	}
	defer release()
	defer func() { o.metrics.observe(OpSetPrivacy, err) }()

	ctx, endSpan := tracing.StartSpan(ctx, "ops.SetPrivacy")
	defer func() { endSpan(err) }()
	tracing.SetAttributes(ctx, attribute.String("poi.id", poiID))

	p, err := o.repo.GetByID(ctx, poiID)
	if err != nil {
		o.notifier.Error("failed to load POI")
		return fmt.Errorf("loading poi for privacy change: %w", err)
	}
	p.PrivacyLevel = level
	if err := o.repo.Update(ctx, p); err != nil {
		o.notifier.Error("failed to change privacy")
		return fmt.Errorf("updating poi privacy: %w", err)
	}
	if o.cache != nil {
		o.cache.Update(p)
	}
	o.notifier.Success("Privacy updated")
	return nil
}

// Share replaces the grant set of a shared POI and refreshes the cached
// entry with the authoritative row.
func (o *Orchestrator) Share(ctx context.Context, poiID string, userIDs []string) (err error) {
	release, err := o.begin(OpShare)
	if err != nil {
		return err
	}
	defer release()
	defer func() { o.metrics.observe(OpShare, err) }()

	ctx, endSpan := tracing.StartSpan(ctx, "ops.Share")
	defer func() { endSpan(err) }()
	tracing.SetAttributes(ctx, attribute.String("poi.id", poiID))

	if err := o.repo.ReplaceShares(ctx, poiID, userIDs); err != nil {
		o.notifier.Error("failed to update sharing")
		return fmt.Errorf("replacing shares: %w", err)
	}
	if o.cache != nil {
		if p, err := o.repo.GetByID(ctx, poiID); err == nil {
			o.cache.Update(p)
		}
	}
	o.notifier.Success("Sharing updated")
	return nil
}

// Delete runs the cascading deletion and then clears every piece of
// interaction state referencing the removed POI. Partial cleanup failures
// surface as warnings; the operation still counts as a success once the
// POI row is gone.
func (o *Orchestrator) Delete(ctx context.Context, poiID string) (err error) {
	release, err := o.begin(OpDelete)
	if err != nil {
		return err
	}
	defer release()
	defer func() { o.metrics.observe(OpDelete, err) }()

	ctx, endSpan := tracing.StartSpan(ctx, "ops.Delete")
	defer func() { endSpan(err) }()
	tracing.SetAttributes(ctx, attribute.String("poi.id", poiID))

	res, err := o.deleter.DeletePOI(ctx, poiID)
	if err != nil {
		o.notifier.Error("failed to delete POI")
		return fmt.Errorf("deleting poi: %w", err)
	}
	for _, w := range res.Warnings {
		tracing.AddEvent(ctx, "cleanup warning", attribute.String("warning", w))
		o.notifier.Warning(w)
	}
	if o.cache != nil {
		o.cache.Remove(poiID)
	}
	o.clearReferences(poiID)
	o.notifier.Success("POI deleted")
	return nil
}

// AttachImage registers an uploaded screenshot as a managed image and
// links it to the POI. The caller supplies the row (id, addresses, crop
// details); the orchestrator fills the link and refreshes the cached POI
// with the authoritative joined row.
func (o *Orchestrator) AttachImage(ctx context.Context, poiID string, img *image.ManagedImage, displayOrder int) (err error) {
	if img == nil || img.OriginalURL == "" {
		o.notifier.Error("image url must not be empty")
		return ErrMissingImageURL
	}
	release, err := o.begin(OpAttachImage)
	if err != nil {
		return err
	}
	defer release()
	defer func() { o.metrics.observe(OpAttachImage, err) }()

	ctx, endSpan := tracing.StartSpan(ctx, "ops.AttachImage")
	defer func() { endSpan(err) }()
	tracing.SetAttributes(ctx,
		attribute.String("poi.id", poiID),
		attribute.String("image.id", img.ID))

	if _, err := o.repo.GetByID(ctx, poiID); err != nil {
		o.notifier.Error("failed to load POI")
		return fmt.Errorf("loading poi for image attach: %w", err)
	}
	if img.ImageType == "" {
		img.ImageType = image.TypePoiScreenshot
	}
	if err := o.images.Insert(ctx, img); err != nil {
		o.notifier.Error("failed to register image")
		return fmt.Errorf("inserting managed image: %w", err)
	}
	if err := o.images.LinkToPoi(ctx, &image.PoiImageLink{
		ID:           uuid.New().String(),
		PoiID:        poiID,
		ImageID:      img.ID,
		DisplayOrder: displayOrder,
	}); err != nil {
		o.notifier.Error("failed to link image")
		return fmt.Errorf("linking image to poi: %w", err)
	}
	o.refreshCached(ctx, poiID)
	o.notifier.Success("Screenshot attached")
	return nil
}

// DetachImage unlinks a screenshot from the POI. When the removed link
// was the image's last, the managed image row and its blobs go with it.
func (o *Orchestrator) DetachImage(ctx context.Context, poiID, imageID string) (err error) {
	release, err := o.begin(OpDetachImage)
	if err != nil {
		return err
	}
	defer release()
	defer func() { o.metrics.observe(OpDetachImage, err) }()

	ctx, endSpan := tracing.StartSpan(ctx, "ops.DetachImage")
	defer func() { endSpan(err) }()
	tracing.SetAttributes(ctx,
		attribute.String("poi.id", poiID),
		attribute.String("image.id", imageID))

	res, err := o.deleter.DetachImage(ctx, poiID, imageID)
	if err != nil {
		o.notifier.Error("failed to remove image")
		return fmt.Errorf("detaching image: %w", err)
	}
	for _, w := range res.Warnings {
		tracing.AddEvent(ctx, "cleanup warning", attribute.String("warning", w))
		o.notifier.Warning(w)
	}
	o.refreshCached(ctx, poiID)
	o.notifier.Success("Screenshot removed")
	return nil
}

// refreshCached swaps the cached row for the repository's current one.
// Best effort; the feed event for the same change converges the cache
// anyway.
func (o *Orchestrator) refreshCached(ctx context.Context, poiID string) {
	if o.cache == nil {
		return
	}
	if p, err := o.repo.GetByID(ctx, poiID); err == nil {
		o.cache.Update(p)
	}
}

// Select marks a POI as the current selection.
func (o *Orchestrator) Select(poiID string) {
	o.stateMu.Lock()
	o.selected = poiID
	o.stateMu.Unlock()
}

// Selected returns the currently selected POI id, "" when none.
func (o *Orchestrator) Selected() string {
	o.stateMu.Lock()
	defer o.stateMu.Unlock()
	return o.selected
}

// OpenGallery marks a POI's image gallery as open.
func (o *Orchestrator) OpenGallery(poiID string) {
	o.stateMu.Lock()
	o.galleryID = poiID
	o.stateMu.Unlock()
}

// GalleryOpenFor returns the id whose gallery is open, "" when closed.
func (o *Orchestrator) GalleryOpenFor() string {
	o.stateMu.Lock()
	defer o.stateMu.Unlock()
	return o.galleryID
}

// BeginEdit marks a POI as being edited.
func (o *Orchestrator) BeginEdit(poiID string) {
	o.stateMu.Lock()
	o.editingID = poiID
	o.stateMu.Unlock()
}

// Editing returns the id under edit, "" when none.
func (o *Orchestrator) Editing() string {
	o.stateMu.Lock()
	defer o.stateMu.Unlock()
	return o.editingID
}

func (o *Orchestrator) clearReferences(poiID string) {
	o.stateMu.Lock()
	defer o.stateMu.Unlock()
	if o.selected == poiID {
		o.selected = ""
	}
	if o.galleryID == poiID {
		o.galleryID = ""
	}
	if o.editingID == poiID {
		o.editingID = ""
	}
}
