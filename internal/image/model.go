// Package image provides managed image records, their link tables, and the
// codec that maps public blob addresses back to storage keys.
package image

import (
	"encoding/json"
	"time"
)

// ManagedImage is a blob-backed image record. The blob itself lives in the
// object store; this row carries the public addresses and crop metadata.
// A managed image is owned by exactly one link row (POI-side or
// comment-side); removing the last link must remove the row and its blobs.
type ManagedImage struct {
	ID           string          `json:"id"`
	OriginalURL  string          `json:"original_url"`
	ProcessedURL *string         `json:"processed_url,omitempty"`
	CropDetails  json.RawMessage `json:"crop_details,omitempty"`
	ImageType    string          `json:"image_type"`
	UploadedBy   *string         `json:"uploaded_by,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Image type discriminators stored on managed_images rows.
const (
	TypePoiScreenshot = "poi_screenshot"
	TypeCommentImage  = "comment_image"
)

// StorageKeys returns the storage keys for every blob this record owns:
// always the original, plus the processed object when a crop was applied.
// Addresses that don't resolve to a recognized layout are skipped, not
// errors; callers must tolerate an empty result.
func (m *ManagedImage) StorageKeys() []string {
	var keys []string
	if k := ExtractStorageKey(m.OriginalURL); k != "" {
		keys = append(keys, k)
	}
	if m.CropDetails != nil && m.ProcessedURL != nil {
		if k := ExtractStorageKey(*m.ProcessedURL); k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

// PoiImageLink associates a managed image with a POI.
type PoiImageLink struct {
	ID           string `json:"id"`
	PoiID        string `json:"poi_id"`
	ImageID      string `json:"image_id"`
	DisplayOrder int    `json:"display_order"`
}

// CommentImageLink associates a managed image with a comment.
type CommentImageLink struct {
	ID        string `json:"id"`
	CommentID string `json:"comment_id"`
	ImageID   string `json:"image_id"`
}
