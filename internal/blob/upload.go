package blob

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Allowed MIME types for screenshot uploads.
const (
	MIMEImageJPEG = "image/jpeg"
	MIMEImagePNG  = "image/png"
	MIMEImageWebP = "image/webp"
)

// Upload validation errors.
var (
	ErrUnsupportedType = errors.New("unsupported content type")
	ErrFileTooLarge    = errors.New("file size exceeds maximum allowed")
	ErrInvalidSize     = errors.New("file size must be positive")
)

// AllowedMIMETypes maps allowed MIME types to their file extensions.
var AllowedMIMETypes = map[string]string{
	MIMEImageJPEG: ".jpg",
	MIMEImagePNG:  ".png",
	MIMEImageWebP: ".webp",
}

// Current upload folders inside the screenshots bucket. Deprecated folders
// still exist in live data but new objects only land here.
const (
	FolderPoiOriginal     = "poi_screenshots_original"
	FolderPoiCropped      = "poi_screenshots_cropped"
	FolderCommentOriginal = "comment_screenshots_original"
	FolderCommentCropped  = "comment_screenshots_cropped"
)

// UploadRequest asks for a signed upload URL for one screenshot.
type UploadRequest struct {
	ContentType string
	SizeBytes   int64
	Folder      string // one of the Folder* constants
}

// UploadGrant is a signed URL plus the object key it will create.
type UploadGrant struct {
	URL       string    `json:"url"`
	Key       string    `json:"key"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Uploader issues signed upload URLs with MIME and size validation.
type Uploader struct {
	store        *S3Store
	maxSizeBytes int64
}

// NewUploader creates an Uploader. maxSizeMB values <= 0 default to 15.
func NewUploader(store *S3Store, maxSizeMB int) *Uploader {
	if maxSizeMB <= 0 {
		maxSizeMB = 15
	}
	return &Uploader{store: store, maxSizeBytes: int64(maxSizeMB) * 1024 * 1024}
}

// ValidateContentType checks that the content type is an allowed image type.
func ValidateContentType(contentType string) error {
	if _, ok := AllowedMIMETypes[contentType]; !ok {
		return ErrUnsupportedType
	}
	return nil
}

// GenerateObjectKey creates a unique key under the given folder.
// Pattern: {folder}/{uuid}{ext}.
func GenerateObjectKey(folder, contentType string) (string, error) {
	ext, ok := AllowedMIMETypes[contentType]
	if !ok {
		return "", ErrUnsupportedType
	}
	folder = strings.Trim(folder, "/")
	if folder == "" {
		folder = FolderPoiOriginal
	}
	return fmt.Sprintf("%s/%s%s", folder, uuid.New().String(), ext), nil
}

// Grant validates the request and returns a signed PUT URL.
func (u *Uploader) Grant(ctx context.Context, req UploadRequest) (*UploadGrant, error) {
	if err := ValidateContentType(req.ContentType); err != nil {
		return nil, err
	}
	if req.SizeBytes <= 0 {
		return nil, ErrInvalidSize
	}
	if req.SizeBytes > u.maxSizeBytes {
		return nil, ErrFileTooLarge
	}

	key, err := GenerateObjectKey(req.Folder, req.ContentType)
	if err != nil {
		return nil, err
	}

	url, expiresAt, err := u.store.PresignPut(ctx, key, req.ContentType, req.SizeBytes)
	if err != nil {
		return nil, err
	}
	return &UploadGrant{URL: url, Key: key, ExpiresAt: expiresAt}, nil
}
