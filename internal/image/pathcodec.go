package image

import "strings"

// The screenshots bucket has accumulated several folder layouts over time.
// Deletion has to recognize all of them, since live rows still reference
// every generation. Order matters: specific folders before the generic
// fallback.
var urlPatterns = []string{
	// Current layout
	"/storage/v1/object/public/screenshots/poi_screenshots_original/",
	"/storage/v1/object/public/screenshots/poi_screenshots_cropped/",
	"/storage/v1/object/public/screenshots/comment_screenshots_original/",
	"/storage/v1/object/public/screenshots/comment_screenshots_cropped/",
	// Deprecated layouts
	"/storage/v1/object/public/screenshots/poi_originals/",
	"/storage/v1/object/public/screenshots/poi_screenshots/",
	"/storage/v1/object/public/screenshots/comment-screenshots/",
	// Generic fallback
	"/storage/v1/object/public/screenshots/",
}

var relativePatterns = []string{
	"/screenshots/poi_screenshots_original/",
	"/screenshots/poi_screenshots_cropped/",
	"/screenshots/comment_screenshots_original/",
	"/screenshots/comment_screenshots_cropped/",
	"/screenshots/poi_originals/",
	"/screenshots/poi_screenshots/",
	"/screenshots/comment-screenshots/",
	"/screenshots/",
}

// ExtractStorageKey translates a blob's public address into the canonical
// key used for deletion in the screenshots bucket. Returns "" when the
// address does not correspond to a recognized layout; callers treat that as
// "skip this address", never as a batch failure. Pure and total.
func ExtractStorageKey(address string) string {
	if address == "" {
		return ""
	}

	for _, pattern := range urlPatterns {
		idx := strings.Index(address, pattern)
		if idx < 0 {
			continue
		}
		rest := address[idx+len(pattern):]
		if rest == "" {
			continue
		}
		// Keep the folder component so the key stays relative to the
		// bucket root, e.g. "poi_originals/abc.png".
		folder := strings.TrimPrefix(pattern, "/storage/v1/object/public/screenshots/")
		return folder + rest
	}

	for _, pattern := range relativePatterns {
		idx := strings.Index(address, pattern)
		if idx < 0 {
			continue
		}
		rest := address[idx+len(pattern):]
		if rest == "" {
			continue
		}
		folder := strings.TrimPrefix(pattern, "/screenshots/")
		return folder + rest
	}

	// A bare object name with no path or scheme is already a key.
	if !strings.Contains(address, "/") && !strings.Contains(address, "http") {
		return address
	}

	return ""
}
