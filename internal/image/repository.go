package image

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// Errors returned by the link-lifecycle operations.
var (
	// ErrImageNotFound is returned when a managed image id does not exist.
	ErrImageNotFound = errors.New("managed image not found")

	// ErrLinkNotFound is returned when an image is not linked to the
	// given owner.
	ErrLinkNotFound = errors.New("image link not found")
)

// Repository defines data operations over managed images and the link
// tables that tie them to POIs and comments.
type Repository interface {
	// ListForPoi resolves the managed images linked to a POI, ordered by
	// display order.
	ListForPoi(ctx context.Context, poiID string) ([]ManagedImage, error)

	// ListForComment resolves the managed images linked to a comment.
	ListForComment(ctx context.Context, commentID string) ([]ManagedImage, error)

	// GetByID retrieves one managed image row.
	// Returns ErrImageNotFound if the row does not exist.
	GetByID(ctx context.Context, imageID string) (*ManagedImage, error)

	// Insert stores a managed image row.
	Insert(ctx context.Context, img *ManagedImage) error

	// LinkToPoi creates a poi_image_links row.
	LinkToPoi(ctx context.Context, link *PoiImageLink) error

	// LinkToComment creates a comment_image_links row.
	LinkToComment(ctx context.Context, link *CommentImageLink) error

	// DeletePoiLink removes the single link between a POI and an image.
	// Returns ErrLinkNotFound when no such link exists.
	DeletePoiLink(ctx context.Context, poiID, imageID string) error

	// LinkCount returns how many links, across POIs and comments, still
	// reference an image. Zero means the image is orphaned.
	LinkCount(ctx context.Context, imageID string) (int, error)

	// DeletePoiLinks removes all poi_image_links rows for a POI.
	DeletePoiLinks(ctx context.Context, poiID string) error

	// DeleteCommentLinks removes all comment_image_links rows for the
	// given comment ids.
	DeleteCommentLinks(ctx context.Context, commentIDs []string) error

	// DeleteImages removes managed image rows by id. Missing ids are not
	// an error.
	DeleteImages(ctx context.Context, imageIDs []string) error
}

// InMemoryRepository is an in-memory Repository used in tests and
// development. Thread-safe via RWMutex.
type InMemoryRepository struct {
	mu           sync.RWMutex
	images       map[string]*ManagedImage
	poiLinks     []PoiImageLink
	commentLinks []CommentImageLink
}

// NewInMemoryRepository creates an empty in-memory image repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{images: make(map[string]*ManagedImage)}
}

// ListForPoi resolves the managed images linked to a POI.
func (r *InMemoryRepository) ListForPoi(ctx context.Context, poiID string) ([]ManagedImage, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	links := make([]PoiImageLink, 0)
	for _, l := range r.poiLinks {
		if l.PoiID == poiID {
			links = append(links, l)
		}
	}
	sort.SliceStable(links, func(i, j int) bool { return links[i].DisplayOrder < links[j].DisplayOrder })

	out := make([]ManagedImage, 0, len(links))
	for _, l := range links {
		if img, ok := r.images[l.ImageID]; ok {
			out = append(out, *img)
		}
	}
	return out, nil
}

// ListForComment resolves the managed images linked to a comment.
func (r *InMemoryRepository) ListForComment(ctx context.Context, commentID string) ([]ManagedImage, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ManagedImage, 0)
	for _, l := range r.commentLinks {
		if l.CommentID != commentID {
			continue
		}
		if img, ok := r.images[l.ImageID]; ok {
			out = append(out, *img)
		}
	}
	return out, nil
}

// GetByID retrieves one managed image row.
func (r *InMemoryRepository) GetByID(ctx context.Context, imageID string) (*ManagedImage, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	img, ok := r.images[imageID]
	if !ok {
		return nil, ErrImageNotFound
	}
	cp := *img
	return &cp, nil
}

// Insert stores a managed image row.
func (r *InMemoryRepository) Insert(ctx context.Context, img *ManagedImage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *img
	r.images[img.ID] = &cp
	return nil
}

// LinkToPoi creates a POI image link.
func (r *InMemoryRepository) LinkToPoi(ctx context.Context, link *PoiImageLink) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.poiLinks = append(r.poiLinks, *link)
	return nil
}

// LinkToComment creates a comment image link.
func (r *InMemoryRepository) LinkToComment(ctx context.Context, link *CommentImageLink) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commentLinks = append(r.commentLinks, *link)
	return nil
}

// DeletePoiLink removes the single link between a POI and an image.
func (r *InMemoryRepository) DeletePoiLink(ctx context.Context, poiID, imageID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, l := range r.poiLinks {
		if l.PoiID == poiID && l.ImageID == imageID {
			r.poiLinks = append(r.poiLinks[:i], r.poiLinks[i+1:]...)
			return nil
		}
	}
	return ErrLinkNotFound
}

// LinkCount returns how many links still reference an image.
func (r *InMemoryRepository) LinkCount(ctx context.Context, imageID string) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, l := range r.poiLinks {
		if l.ImageID == imageID {
			n++
		}
	}
	for _, l := range r.commentLinks {
		if l.ImageID == imageID {
			n++
		}
	}
	return n, nil
}

// DeletePoiLinks removes all POI image links for a POI.
func (r *InMemoryRepository) DeletePoiLinks(ctx context.Context, poiID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.poiLinks[:0]
	for _, l := range r.poiLinks {
		if l.PoiID != poiID {
			kept = append(kept, l)
		}
	}
	r.poiLinks = kept
	return nil
}

// DeleteCommentLinks removes comment image links for the given comment ids.
func (r *InMemoryRepository) DeleteCommentLinks(ctx context.Context, commentIDs []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	targets := make(map[string]struct{}, len(commentIDs))
	for _, id := range commentIDs {
		targets[id] = struct{}{}
	}
	kept := r.commentLinks[:0]
	for _, l := range r.commentLinks {
		if _, ok := targets[l.CommentID]; !ok {
			kept = append(kept, l)
		}
	}
	r.commentLinks = kept
	return nil
}

// DeleteImages removes managed image rows by id.
func (r *InMemoryRepository) DeleteImages(ctx context.Context, imageIDs []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range imageIDs {
		delete(r.images, id)
	}
	return nil
}

// CountImages returns the number of managed image rows. Test helper.
func (r *InMemoryRepository) CountImages() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.images)
}

// CountPoiLinks returns the number of POI image link rows. Test helper.
func (r *InMemoryRepository) CountPoiLinks() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.poiLinks)
}

// CountCommentLinks returns the number of comment image link rows. Test helper.
func (r *InMemoryRepository) CountCommentLinks() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.commentLinks)
}
