// Package api provides HTTP handlers for upload operations.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/sandmaps/atlas/internal/blob"
	"github.com/sandmaps/atlas/internal/middleware"
)

// SignUploadRequest represents the request body for POST /uploads/sign.
type SignUploadRequest struct {
	ContentType string `json:"content_type"`
	SizeBytes   int64  `json:"size_bytes"`
	Folder      string `json:"folder,omitempty"`
}

// UploadHandlers holds dependencies for signed-upload HTTP handlers.
type UploadHandlers struct {
	uploader *blob.Uploader
}

// NewUploadHandlers creates a new UploadHandlers instance. A nil uploader
// disables the endpoint.
func NewUploadHandlers(uploader *blob.Uploader) *UploadHandlers {
	return &UploadHandlers{uploader: uploader}
}

// SignUpload handles POST /uploads/sign. Validates content type and size,
// then returns a presigned PUT URL for direct upload to object storage.
func (h *UploadHandlers) SignUpload(w http.ResponseWriter, r *http.Request) {
	requesterID := middleware.GetUserID(r.Context())
	if requesterID == "" {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeAuthFailed)
		WriteError(w, ctx, http.StatusUnauthorized, ErrCodeAuthFailed, "Authentication required")
		return
	}

	if h.uploader == nil {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeInternal)
		WriteError(w, ctx, http.StatusServiceUnavailable, ErrCodeInternal, "Object storage is not configured")
		return
	}

	var req SignUploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "Invalid JSON in request body")
		return
	}

	grant, err := h.uploader.Grant(r.Context(), blob.UploadRequest{
		ContentType: req.ContentType,
		SizeBytes:   req.SizeBytes,
		Folder:      req.Folder,
	})
	if err != nil {
		switch {
		case errors.Is(err, blob.ErrUnsupportedType):
			ctx := middleware.SetErrorCode(r.Context(), ErrCodeUnsupportedType)
			WriteError(w, ctx, http.StatusBadRequest, ErrCodeUnsupportedType, "Content type must be image/jpeg, image/png, or image/webp")
		case errors.Is(err, blob.ErrFileTooLarge):
			ctx := middleware.SetErrorCode(r.Context(), ErrCodeFileTooLarge)
			WriteError(w, ctx, http.StatusBadRequest, ErrCodeFileTooLarge, "File exceeds the maximum upload size")
		case errors.Is(err, blob.ErrInvalidSize):
			ctx := middleware.SetErrorCode(r.Context(), ErrCodeValidation)
			WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "size_bytes must be positive")
		default:
			ctx := middleware.SetErrorCode(r.Context(), ErrCodeInternal)
			WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "Failed to sign upload")
		}
		return
	}

	writeJSON(w, http.StatusOK, grant)
}
