package poi

import (
	"context"
	"fmt"
	"log/slog"
)

// Page is one page of a privacy-filtered listing. Total counts the POIs
// visible to the requester, never the raw candidate set.
type Page struct {
	Items      []*Poi `json:"items"`
	Total      int    `json:"total"`
	PageNumber int    `json:"page"`
	PerPage    int    `json:"per_page"`
}

// Reader is the access-control-aware read path for one map partition. It
// fetches the partition's full candidate set, filters with the visibility
// predicate, attaches entity link counts from one batched query, and only
// then paginates. Paginating before filtering would make page boundaries
// and totals depend on access control, which is wrong.
type Reader struct {
	repo   Repository
	scope  Scope
	logger *slog.Logger
}

// NewReader creates a Reader over the given repository, bound to the
// partition the serving instance owns.
func NewReader(repo Repository, scope Scope, logger *slog.Logger) *Reader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reader{repo: repo, scope: scope, logger: logger}
}

// DefaultPerPage bounds listing pages when the caller does not specify.
const DefaultPerPage = 20

// ListVisible returns one page of POIs visible to the requester.
// Page numbers start at 1; out-of-range pages return empty items with the
// correct total.
func (r *Reader) ListVisible(ctx context.Context, requesterID string, pageNum, perPage int) (*Page, error) {
	if requesterID == "" {
		// Unauthenticated callers see nothing from this path.
		return &Page{Items: []*Poi{}, PageNumber: 1, PerPage: perPage}, nil
	}
	if pageNum < 1 {
		pageNum = 1
	}
	if perPage < 1 {
		perPage = DefaultPerPage
	}

	candidates, err := r.repo.ListByScope(ctx, r.scope)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch pois: %w", err)
	}

	sharedIDs, err := r.repo.SharedPoiIDs(ctx, requesterID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch share grants: %w", err)
	}
	shares := make(ShareIndex, len(sharedIDs))
	for _, id := range sharedIDs {
		shares.Grant(id, requesterID)
	}

	visible := make([]*Poi, 0, len(candidates))
	for _, p := range candidates {
		if Visible(p, requesterID, shares) {
			visible = append(visible, p)
		}
	}

	if len(visible) > 0 {
		ids := make([]string, len(visible))
		for i, p := range visible {
			ids[i] = p.ID
		}
		counts, err := r.repo.LinkCounts(ctx, ids)
		if err != nil {
			// Link counts are display sugar; a failed count query
			// degrades to zeroes rather than failing the listing.
			r.logger.Warn("failed to fetch link counts", slog.String("error", err.Error()))
		} else {
			for _, p := range visible {
				p.LinkCount = counts[p.ID]
			}
		}
	}

	total := len(visible)
	start := (pageNum - 1) * perPage
	if start > total {
		start = total
	}
	end := start + perPage
	if end > total {
		end = total
	}

	return &Page{
		Items:      visible[start:end],
		Total:      total,
		PageNumber: pageNum,
		PerPage:    perPage,
	}, nil
}
