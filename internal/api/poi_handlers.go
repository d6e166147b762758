// Package api provides HTTP handlers for the atlas API.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sandmaps/atlas/internal/image"
	"github.com/sandmaps/atlas/internal/middleware"
	"github.com/sandmaps/atlas/internal/ops"
	"github.com/sandmaps/atlas/internal/poi"
)

// Title constraints for POI creation and editing.
const (
	MaxTitleLength       = 128
	MaxDescriptionLength = 4096
)

// CreatePoiRequest represents the request body for creating a POI.
type CreatePoiRequest struct {
	Title        string          `json:"title"`
	Description  string          `json:"description,omitempty"`
	MapType      string          `json:"map_type"`
	GridSquareID *string         `json:"grid_square_id,omitempty"`
	Coordinates  poi.Coordinates `json:"coordinates"`
	PoiTypeID    string          `json:"poi_type_id"`
	PrivacyLevel string          `json:"privacy_level,omitempty"`
}

// UpdatePoiRequest represents the request body for editing a POI. Only
// mutable fields are included; ownership and partition are fixed at
// creation.
type UpdatePoiRequest struct {
	Title       *string          `json:"title,omitempty"`
	Description *string          `json:"description,omitempty"`
	Coordinates *poi.Coordinates `json:"coordinates,omitempty"`
	PoiTypeID   *string          `json:"poi_type_id,omitempty"`
}

// SetPrivacyRequest represents the request body for changing privacy.
type SetPrivacyRequest struct {
	PrivacyLevel string `json:"privacy_level"`
}

// ReplaceSharesRequest represents the request body for replacing the
// grant set of a shared POI.
type ReplaceSharesRequest struct {
	UserIDs []string `json:"user_ids"`
}

// AttachImageRequest represents the request body for attaching an
// uploaded screenshot to a POI.
type AttachImageRequest struct {
	URL          string          `json:"url"`
	ProcessedURL *string         `json:"processed_url,omitempty"`
	CropDetails  json.RawMessage `json:"crop_details,omitempty"`
	DisplayOrder int             `json:"display_order,omitempty"`
}

// PoiHandlers holds dependencies for POI HTTP handlers.
type PoiHandlers struct {
	reader *poi.Reader
	repo   poi.Repository
	orch   *ops.Orchestrator
}

// NewPoiHandlers creates a new PoiHandlers instance.
func NewPoiHandlers(reader *poi.Reader, repo poi.Repository, orch *ops.Orchestrator) *PoiHandlers {
	return &PoiHandlers{reader: reader, repo: repo, orch: orch}
}

// ListPois handles GET /pois. The result is filtered by the requester's
// visibility before pagination, so page totals reflect only what the
// requester may see. Anonymous requests get an empty collection.
func (h *PoiHandlers) ListPois(w http.ResponseWriter, r *http.Request) {
	requesterID := middleware.GetUserID(r.Context())

	pageNum := 1
	if v := r.URL.Query().Get("page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			ctx := middleware.SetErrorCode(r.Context(), ErrCodeValidation)
			WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "page must be a positive integer")
			return
		}
		pageNum = n
	}

	perPage := poi.DefaultPerPage
	if v := r.URL.Query().Get("per_page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 100 {
			ctx := middleware.SetErrorCode(r.Context(), ErrCodeValidation)
			WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "per_page must be between 1 and 100")
			return
		}
		perPage = n
	}

	page, err := h.reader.ListVisible(r.Context(), requesterID, pageNum, perPage)
	if err != nil {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeInternal)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "Failed to list POIs")
		return
	}

	writeJSON(w, http.StatusOK, page)
}

// CreatePoi handles POST /pois.
func (h *PoiHandlers) CreatePoi(w http.ResponseWriter, r *http.Request) {
	requesterID := middleware.GetUserID(r.Context())
	if requesterID == "" {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeAuthFailed)
		WriteError(w, ctx, http.StatusUnauthorized, ErrCodeAuthFailed, "Authentication required")
		return
	}

	var req CreatePoiRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "Invalid JSON in request body")
		return
	}

	if errMsg := validateCreateRequest(&req); errMsg != "" {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeValidation)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, errMsg)
		return
	}

	privacy := req.PrivacyLevel
	if privacy == "" {
		privacy = poi.PrivacyGlobal
	}

	now := time.Now().UTC()
	p := &poi.Poi{
		ID:           uuid.New().String(),
		Title:        strings.TrimSpace(req.Title),
		Description:  req.Description,
		MapType:      req.MapType,
		GridSquareID: req.GridSquareID,
		Coordinates:  req.Coordinates,
		PoiTypeID:    req.PoiTypeID,
		PrivacyLevel: privacy,
		CreatedBy:    requesterID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := h.orch.Create(r.Context(), p); err != nil {
		h.writeOperationError(w, r, err, "Failed to create POI")
		return
	}

	writeJSON(w, http.StatusCreated, p)
}

// UpdatePoi handles PUT /pois/{id}.
func (h *PoiHandlers) UpdatePoi(w http.ResponseWriter, r *http.Request) {
	poiID, ok := h.poiIDFromPath(w, r)
	if !ok {
		return
	}

	p, ok := h.loadOwnedPoi(w, r, poiID)
	if !ok {
		return
	}

	var req UpdatePoiRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "Invalid JSON in request body")
		return
	}

	if req.Title != nil {
		trimmed := strings.TrimSpace(*req.Title)
		if trimmed == "" || len(trimmed) > MaxTitleLength {
			ctx := middleware.SetErrorCode(r.Context(), ErrCodeValidation)
			WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "title must be between 1 and 128 characters")
			return
		}
		p.Title = trimmed
	}
	if req.Description != nil {
		if len(*req.Description) > MaxDescriptionLength {
			ctx := middleware.SetErrorCode(r.Context(), ErrCodeValidation)
			WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "description too long")
			return
		}
		p.Description = *req.Description
	}
	if req.Coordinates != nil {
		p.Coordinates = *req.Coordinates
	}
	if req.PoiTypeID != nil {
		p.PoiTypeID = *req.PoiTypeID
	}
	p.UpdatedAt = time.Now().UTC()

	if err := h.orch.Update(r.Context(), p); err != nil {
		h.writeOperationError(w, r, err, "Failed to update POI")
		return
	}

	writeJSON(w, http.StatusOK, p)
}

// DeletePoi handles DELETE /pois/{id}. Runs the cascading deletion.
func (h *PoiHandlers) DeletePoi(w http.ResponseWriter, r *http.Request) {
	poiID, ok := h.poiIDFromPath(w, r)
	if !ok {
		return
	}

	if _, ok := h.loadOwnedPoi(w, r, poiID); !ok {
		return
	}

	if err := h.orch.Delete(r.Context(), poiID); err != nil {
		h.writeOperationError(w, r, err, "Failed to delete POI")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// SetPrivacy handles PUT /pois/{id}/privacy.
func (h *PoiHandlers) SetPrivacy(w http.ResponseWriter, r *http.Request) {
	poiID, ok := h.poiIDFromPath(w, r)
	if !ok {
		return
	}

	if _, ok := h.loadOwnedPoi(w, r, poiID); !ok {
		return
	}

	var req SetPrivacyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "Invalid JSON in request body")
		return
	}

	if err := h.orch.SetPrivacy(r.Context(), poiID, req.PrivacyLevel); err != nil {
		h.writeOperationError(w, r, err, "Failed to change privacy")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// AttachImage handles POST /pois/{id}/images. The body carries the
// public addresses returned by the blob upload flow; the orchestrator
// registers the managed image row and links it to the POI.
func (h *PoiHandlers) AttachImage(w http.ResponseWriter, r *http.Request) {
	poiID, ok := h.poiIDFromPath(w, r)
	if !ok {
		return
	}

	if _, ok := h.loadOwnedPoi(w, r, poiID); !ok {
		return
	}

	var req AttachImageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "Invalid JSON in request body")
		return
	}

	if strings.TrimSpace(req.URL) == "" {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeValidation)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "url is required")
		return
	}

	requesterID := middleware.GetUserID(r.Context())
	now := time.Now().UTC()
	img := &image.ManagedImage{
		ID:           uuid.New().String(),
		OriginalURL:  req.URL,
		ProcessedURL: req.ProcessedURL,
		CropDetails:  req.CropDetails,
		ImageType:    image.TypePoiScreenshot,
		UploadedBy:   &requesterID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := h.orch.AttachImage(r.Context(), poiID, img, req.DisplayOrder); err != nil {
		h.writeOperationError(w, r, err, "Failed to attach image")
		return
	}

	writeJSON(w, http.StatusCreated, img)
}

// DetachImage handles DELETE /pois/{id}/images/{imageId}. Removing the
// image's last link also removes the managed image row and its blobs.
func (h *PoiHandlers) DetachImage(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/pois/"), "/")
	if len(parts) != 3 || parts[0] == "" || parts[2] == "" {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "Missing POI or image id in path")
		return
	}
	poiID, imageID := parts[0], parts[2]

	if _, ok := h.loadOwnedPoi(w, r, poiID); !ok {
		return
	}

	if err := h.orch.DetachImage(r.Context(), poiID, imageID); err != nil {
		h.writeOperationError(w, r, err, "Failed to detach image")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ReplaceShares handles PUT /pois/{id}/shares.
func (h *PoiHandlers) ReplaceShares(w http.ResponseWriter, r *http.Request) {
	poiID, ok := h.poiIDFromPath(w, r)
	if !ok {
		return
	}

	if _, ok := h.loadOwnedPoi(w, r, poiID); !ok {
		return
	}

	var req ReplaceSharesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "Invalid JSON in request body")
		return
	}

	if err := h.orch.Share(r.Context(), poiID, req.UserIDs); err != nil {
		h.writeOperationError(w, r, err, "Failed to update sharing")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// poiIDFromPath extracts the POI id from /pois/{id}[/...].
func (h *PoiHandlers) poiIDFromPath(w http.ResponseWriter, r *http.Request) (string, bool) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/pois/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "Missing POI id in path")
		return "", false
	}
	return parts[0], true
}

// loadOwnedPoi fetches the POI and checks the requester owns it. Mutating
// endpoints are owner-only.
func (h *PoiHandlers) loadOwnedPoi(w http.ResponseWriter, r *http.Request, poiID string) (*poi.Poi, bool) {
	requesterID := middleware.GetUserID(r.Context())
	if requesterID == "" {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeAuthFailed)
		WriteError(w, ctx, http.StatusUnauthorized, ErrCodeAuthFailed, "Authentication required")
		return nil, false
	}

	p, err := h.repo.GetByID(r.Context(), poiID)
	if err != nil {
		if errors.Is(err, poi.ErrPoiNotFound) {
			ctx := middleware.SetErrorCode(r.Context(), ErrCodeNotFound)
			WriteError(w, ctx, http.StatusNotFound, ErrCodeNotFound, "POI not found")
			return nil, false
		}
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeInternal)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "Failed to load POI")
		return nil, false
	}

	if p.CreatedBy != requesterID {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeForbidden)
		WriteError(w, ctx, http.StatusForbidden, ErrCodeForbidden, "Only the owner may modify this POI")
		return nil, false
	}

	return p, true
}

// writeOperationError maps orchestrator errors to API error responses.
func (h *PoiHandlers) writeOperationError(w http.ResponseWriter, r *http.Request, err error, fallback string) {
	switch {
	case errors.Is(err, ops.ErrOperationInFlight):
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeOperationInFlight)
		WriteError(w, ctx, http.StatusConflict, ErrCodeOperationInFlight, "Another operation is already in progress")
	case errors.Is(err, ops.ErrEmptyTitle),
		errors.Is(err, ops.ErrMissingPoiType),
		errors.Is(err, ops.ErrInvalidCoordinates),
		errors.Is(err, ops.ErrInvalidPrivacy),
		errors.Is(err, ops.ErrMissingImageURL):
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeValidation)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, err.Error())
	case errors.Is(err, poi.ErrPoiNotFound):
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeNotFound)
		WriteError(w, ctx, http.StatusNotFound, ErrCodeNotFound, "POI not found")
	case errors.Is(err, image.ErrImageNotFound), errors.Is(err, image.ErrLinkNotFound):
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeNotFound)
		WriteError(w, ctx, http.StatusNotFound, ErrCodeNotFound, "Image not found")
	default:
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeInternal)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, fallback)
	}
}

func validateCreateRequest(req *CreatePoiRequest) string {
	title := strings.TrimSpace(req.Title)
	if title == "" {
		return "title is required"
	}
	if len(title) > MaxTitleLength {
		return "title must not exceed 128 characters"
	}
	if len(req.Description) > MaxDescriptionLength {
		return "description too long"
	}
	if req.MapType != poi.MapHaggaBasin && req.MapType != poi.MapDeepDesert {
		return "map_type must be 'hagga_basin' or 'deep_desert'"
	}
	if req.MapType == poi.MapDeepDesert && (req.GridSquareID == nil || *req.GridSquareID == "") {
		return "grid_square_id is required for deep_desert POIs"
	}
	if req.PoiTypeID == "" {
		return "poi_type_id is required"
	}
	if req.PrivacyLevel != "" &&
		req.PrivacyLevel != poi.PrivacyGlobal &&
		req.PrivacyLevel != poi.PrivacyPrivate &&
		req.PrivacyLevel != poi.PrivacyShared {
		return "privacy_level must be 'global', 'private', or 'shared'"
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
