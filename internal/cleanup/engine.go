// Package cleanup implements the cascading deletion engine: ordered,
// best-effort removal of a POI together with every dependent row and blob
// it owns.
package cleanup

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/sandmaps/atlas/internal/blob"
	"github.com/sandmaps/atlas/internal/image"
	"github.com/sandmaps/atlas/internal/poi"
)

const tracerName = "github.com/sandmaps/atlas/internal/cleanup"

// PoiStore is the slice of the POI repository the engine needs.
type PoiStore interface {
	GetByID(ctx context.Context, id string) (*poi.Poi, error)
	ListComments(ctx context.Context, poiID string) ([]poi.Comment, error)
	DeleteComments(ctx context.Context, poiID string) error
	DeleteEntityLinks(ctx context.Context, poiID string) error
	DeleteRow(ctx context.Context, id string) error
}

// ImageStore is the slice of the image repository the engine needs.
type ImageStore interface {
	ListForPoi(ctx context.Context, poiID string) ([]image.ManagedImage, error)
	ListForComment(ctx context.Context, commentID string) ([]image.ManagedImage, error)
	GetByID(ctx context.Context, imageID string) (*image.ManagedImage, error)
	DeletePoiLink(ctx context.Context, poiID, imageID string) error
	LinkCount(ctx context.Context, imageID string) (int, error)
	DeletePoiLinks(ctx context.Context, poiID string) error
	DeleteCommentLinks(ctx context.Context, commentIDs []string) error
	DeleteImages(ctx context.Context, imageIDs []string) error
}

// Result is the outcome of one cascading deletion. Warnings collects the
// non-fatal sub-step failures; callers surface them as warnings, never as
// an overall failure.
type Result struct {
	Deleted  bool
	Warnings []string
}

// Engine walks a POI's owned graph and removes each layer in order:
// blobs first (expensive to recompute), the authoritative row last, so a
// crash mid-cleanup leaves an orphaned-but-referenced POI rather than a
// dangling reference with no owner. The layers between the two fatal
// endpoints are garbage collection: failures are recorded and skipped,
// never compensated or rolled back.
//
// The engine holds no state; concurrent deletions of different ids are
// safe. Two concurrent deletions of the same id are undefined and must be
// prevented upstream by the orchestrator's single-flight guard.
type Engine struct {
	pois   PoiStore
	images ImageStore
	blobs  blob.ObjectStore
	logger *slog.Logger
	tracer trace.Tracer
}

// NewEngine creates a cascading deletion engine.
func NewEngine(pois PoiStore, images ImageStore, blobs blob.ObjectStore, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		pois:   pois,
		images: images,
		blobs:  blobs,
		logger: logger,
		tracer: otel.Tracer(tracerName),
	}
}

// DeletePOI removes a POI and everything it owns. A non-nil error means
// the operation failed outright (the POI row could not be loaded or could
// not be deleted); the returned Result still carries any warnings
// accumulated before the failure.
func (e *Engine) DeletePOI(ctx context.Context, poiID string) (Result, error) {
	ctx, span := e.tracer.Start(ctx, "cleanup.DeletePOI",
		trace.WithAttributes(attribute.String("poi.id", poiID)))
	defer span.End()

	var res Result
	warn := func(format string, args ...any) {
		msg := fmt.Sprintf(format, args...)
		res.Warnings = append(res.Warnings, msg)
		e.logger.Warn("poi cleanup step failed",
			slog.String("poi_id", poiID),
			slog.String("warning", msg))
	}

	// Layer 1: load the POI. Without the row there is no scoping for any
	// later step, so this failure is fatal.
	if _, err := e.pois.GetByID(ctx, poiID); err != nil {
		return res, fmt.Errorf("failed to fetch poi %s: %w", poiID, err)
	}

	// Layers 2-5: POI-side images.
	imgs, err := e.images.ListForPoi(ctx, poiID)
	if err != nil {
		warn("failed to list poi images: %v", err)
	}
	e.removeBlobLayer(ctx, "poi_images", collectKeys(imgs), warn)

	if err := e.images.DeletePoiLinks(ctx, poiID); err != nil {
		warn("failed to delete poi image links: %v", err)
	}
	if err := e.images.DeleteImages(ctx, imageIDs(imgs)); err != nil {
		warn("failed to delete poi managed images: %v", err)
	}

	// Layer 6: comment-side images, one independent sub-batch per comment
	// so a bad comment never blocks the next one.
	comments, err := e.pois.ListComments(ctx, poiID)
	if err != nil {
		warn("failed to list comments for cleanup: %v", err)
	}
	for _, c := range comments {
		cimgs, err := e.images.ListForComment(ctx, c.ID)
		if err != nil {
			warn("failed to list images for comment %s: %v", c.ID, err)
			continue
		}
		e.removeBlobLayer(ctx, "comment_images", collectKeys(cimgs), warn)
		if err := e.images.DeleteCommentLinks(ctx, []string{c.ID}); err != nil {
			warn("failed to delete image links for comment %s: %v", c.ID, err)
		}
		if err := e.images.DeleteImages(ctx, imageIDs(cimgs)); err != nil {
			warn("failed to delete managed images for comment %s: %v", c.ID, err)
		}
	}

	// Layer 7: comment rows.
	if err := e.pois.DeleteComments(ctx, poiID); err != nil {
		warn("failed to delete comments: %v", err)
	}

	// Layer 8: entity links.
	if err := e.pois.DeleteEntityLinks(ctx, poiID); err != nil {
		warn("failed to delete entity links: %v", err)
	}

	// Layer 9: the POI row itself. The primary record still existing
	// means the whole operation failed, regardless of earlier progress.
	if err := e.pois.DeleteRow(ctx, poiID); err != nil {
		return res, fmt.Errorf("failed to delete poi %s: %w", poiID, err)
	}

	res.Deleted = true
	return res, nil
}

// DetachImage removes the link between a POI and a managed image. When
// the removed link was the image's last, the image row and its blobs go
// with it; an image still referenced elsewhere keeps its row and blobs.
// A non-nil error means the link could not be removed (unknown image or
// no such link); orphan collection failures are warnings, same as in the
// full cascade.
func (e *Engine) DetachImage(ctx context.Context, poiID, imageID string) (Result, error) {
	ctx, span := e.tracer.Start(ctx, "cleanup.DetachImage",
		trace.WithAttributes(
			attribute.String("poi.id", poiID),
			attribute.String("image.id", imageID)))
	defer span.End()

	var res Result
	warn := func(format string, args ...any) {
		msg := fmt.Sprintf(format, args...)
		res.Warnings = append(res.Warnings, msg)
		e.logger.Warn("image detach step failed",
			slog.String("poi_id", poiID),
			slog.String("image_id", imageID),
			slog.String("warning", msg))
	}

	img, err := e.images.GetByID(ctx, imageID)
	if err != nil {
		return res, fmt.Errorf("failed to fetch image %s: %w", imageID, err)
	}
	if err := e.images.DeletePoiLink(ctx, poiID, imageID); err != nil {
		return res, fmt.Errorf("failed to unlink image %s from poi %s: %w", imageID, poiID, err)
	}

	remaining, err := e.images.LinkCount(ctx, imageID)
	if err != nil {
		// Unknown reference count; keep the row and blobs rather than
		// risk destroying a shared image.
		warn("failed to count remaining links for image %s: %v", imageID, err)
		return res, nil
	}
	if remaining > 0 {
		return res, nil
	}

	e.removeBlobLayer(ctx, "detached_image", img.StorageKeys(), warn)
	if err := e.images.DeleteImages(ctx, []string{imageID}); err != nil {
		warn("failed to delete orphaned managed image %s: %v", imageID, err)
		return res, nil
	}
	res.Deleted = true
	return res, nil
}

// removeBlobLayer deletes one layer's blob keys in a single batched call.
// Every failure mode is non-fatal: recorded and skipped.
func (e *Engine) removeBlobLayer(ctx context.Context, layer string, keys []string, warn func(string, ...any)) {
	if len(keys) == 0 {
		return
	}
	if e.blobs == nil {
		warn("object storage not configured, skipping %d %s blobs", len(keys), layer)
		return
	}
	ctx, span := e.tracer.Start(ctx, "cleanup.removeBlobLayer",
		trace.WithAttributes(
			attribute.String("layer", layer),
			attribute.Int("keys", len(keys))))
	defer span.End()

	results, err := e.blobs.Remove(ctx, keys)
	if err != nil {
		warn("failed to delete %s blobs: %v", layer, err)
		return
	}
	for _, r := range results {
		if r.Err != nil {
			warn("failed to delete blob %s: %v", r.Key, r.Err)
		}
	}
}

// collectKeys gathers the storage keys for every blob a set of managed
// images owns. Unrecognized addresses are skipped by the path codec.
func collectKeys(imgs []image.ManagedImage) []string {
	var keys []string
	for i := range imgs {
		keys = append(keys, imgs[i].StorageKeys()...)
	}
	return keys
}

func imageIDs(imgs []image.ManagedImage) []string {
	ids := make([]string, len(imgs))
	for i := range imgs {
		ids[i] = imgs[i].ID
	}
	return ids
}
