package poi

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sandmaps/atlas/internal/image"
)

// Common errors for POI operations.
var (
	ErrPoiNotFound = errors.New("poi not found")
)

// Repository defines the data operations the cache, read path, cleanup
// engine, and orchestrator need against the pois table and its satellite
// tables (comments, poi_entity_links, poi_shares).
type Repository interface {
	// ListByScope retrieves every POI in a map partition, newest first,
	// with poi_type, owner username, and linked images joined in. Both the
	// cache and the privacy-filtered read path fetch through this; a
	// serving instance never looks outside its own partition.
	ListByScope(ctx context.Context, scope Scope) ([]*Poi, error)

	// GetByID retrieves one POI with all relations joined.
	// Returns ErrPoiNotFound if the row does not exist.
	GetByID(ctx context.Context, id string) (*Poi, error)

	// Insert stores a new POI row.
	Insert(ctx context.Context, p *Poi) error

	// Update rewrites a POI row's mutable fields.
	Update(ctx context.Context, p *Poi) error

	// DeleteRow removes the bare POI row. Callers must not use this to
	// destroy a POI directly; the cleanup engine is the only legitimate
	// deletion path.
	DeleteRow(ctx context.Context, id string) error

	// ListComments retrieves the comments owned by a POI.
	ListComments(ctx context.Context, poiID string) ([]Comment, error)

	// DeleteComments removes all comments owned by a POI.
	DeleteComments(ctx context.Context, poiID string) error

	// DeleteEntityLinks removes all entity links for a POI.
	DeleteEntityLinks(ctx context.Context, poiID string) error

	// LinkCounts returns the entity-link count per POI for the given ids
	// in a single batched query.
	LinkCounts(ctx context.Context, poiIDs []string) (map[string]int, error)

	// SharedPoiIDs returns the ids of POIs explicitly shared with a user.
	SharedPoiIDs(ctx context.Context, userID string) ([]string, error)

	// ReplaceShares replaces the share list of a POI with the given users.
	ReplaceShares(ctx context.Context, poiID string, userIDs []string) error
}

// InMemoryRepository is an in-memory Repository for tests and development.
// Thread-safe via RWMutex.
type InMemoryRepository struct {
	mu       sync.RWMutex
	pois     map[string]*Poi
	order    []string // insertion order, newest first
	comments map[string][]Comment
	links    map[string][]EntityLink
	shares   map[string][]Share
}

// NewInMemoryRepository creates an empty in-memory POI repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		pois:     make(map[string]*Poi),
		comments: make(map[string][]Comment),
		links:    make(map[string][]EntityLink),
		shares:   make(map[string][]Share),
	}
}

func copyPoi(p *Poi) *Poi {
	cp := *p
	if p.GridSquareID != nil {
		v := *p.GridSquareID
		cp.GridSquareID = &v
	}
	if p.PoiType != nil {
		t := *p.PoiType
		cp.PoiType = &t
	}
	cp.Images = append([]image.ManagedImage(nil), p.Images...)
	return &cp
}

// ListByScope retrieves every POI in a partition, newest first.
func (r *InMemoryRepository) ListByScope(ctx context.Context, scope Scope) ([]*Poi, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Poi
	for _, id := range r.order {
		p := r.pois[id]
		if scope.Contains(p) {
			out = append(out, copyPoi(p))
		}
	}
	return out, nil
}

// GetByID retrieves one POI.
func (r *InMemoryRepository) GetByID(ctx context.Context, id string) (*Poi, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pois[id]
	if !ok {
		return nil, ErrPoiNotFound
	}
	return copyPoi(p), nil
}

// Insert stores a new POI, newest first.
func (r *InMemoryRepository) Insert(ctx context.Context, p *Poi) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	r.pois[p.ID] = copyPoi(p)
	r.order = append([]string{p.ID}, r.order...)
	return nil
}

// Update rewrites an existing POI.
func (r *InMemoryRepository) Update(ctx context.Context, p *Poi) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pois[p.ID]; !ok {
		return ErrPoiNotFound
	}
	r.pois[p.ID] = copyPoi(p)
	return nil
}

// DeleteRow removes the bare POI row.
func (r *InMemoryRepository) DeleteRow(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pois[id]; !ok {
		return ErrPoiNotFound
	}
	delete(r.pois, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return nil
}

// ListComments retrieves the comments owned by a POI.
func (r *InMemoryRepository) ListComments(ctx context.Context, poiID string) ([]Comment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Comment(nil), r.comments[poiID]...), nil
}

// AddComment seeds a comment. Test helper.
func (r *InMemoryRepository) AddComment(c Comment) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.comments[c.PoiID] = append(r.comments[c.PoiID], c)
}

// DeleteComments removes all comments owned by a POI.
func (r *InMemoryRepository) DeleteComments(ctx context.Context, poiID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.comments, poiID)
	return nil
}

// AddEntityLink seeds an entity link. Test helper.
func (r *InMemoryRepository) AddEntityLink(l EntityLink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.links[l.PoiID] = append(r.links[l.PoiID], l)
}

// DeleteEntityLinks removes all entity links for a POI.
func (r *InMemoryRepository) DeleteEntityLinks(ctx context.Context, poiID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.links, poiID)
	return nil
}

// LinkCounts returns the entity-link count per POI.
func (r *InMemoryRepository) LinkCounts(ctx context.Context, poiIDs []string) (map[string]int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]int, len(poiIDs))
	for _, id := range poiIDs {
		if n := len(r.links[id]); n > 0 {
			out[id] = n
		}
	}
	return out, nil
}

// AddShare seeds a share grant. Test helper.
func (r *InMemoryRepository) AddShare(s Share) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.shares[s.PoiID] = append(r.shares[s.PoiID], s)
}

// SharedPoiIDs returns the ids of POIs explicitly shared with a user.
func (r *InMemoryRepository) SharedPoiIDs(ctx context.Context, userID string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for poiID, shares := range r.shares {
		for _, s := range shares {
			if s.SharedWithUserID == userID {
				out = append(out, poiID)
				break
			}
		}
	}
	return out, nil
}

// ReplaceShares replaces the share list of a POI.
func (r *InMemoryRepository) ReplaceShares(ctx context.Context, poiID string, userIDs []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	shares := make([]Share, 0, len(userIDs))
	for _, uid := range userIDs {
		shares = append(shares, Share{PoiID: poiID, SharedWithUserID: uid, CreatedAt: time.Now()})
	}
	r.shares[poiID] = shares
	return nil
}

// CommentCount returns the number of comments for a POI. Test helper.
func (r *InMemoryRepository) CommentCount(poiID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.comments[poiID])
}

// EntityLinkCount returns the number of entity links for a POI. Test helper.
func (r *InMemoryRepository) EntityLinkCount(poiID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.links[poiID])
}
