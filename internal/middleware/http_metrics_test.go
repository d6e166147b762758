package middleware

import (
	"testing"
)

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/", "/"},
		{"/pois", "/pois"},
		{"/uploads/sign", "/uploads/sign"},
		{"/health", "/health"},
		{"/ready", "/ready"},
		{"/metrics", "/metrics"},
		{"/pois/8c2f", "/pois/{id}"},
		{"/pois/8c2f/privacy", "/pois/{id}/privacy"},
		{"/pois/8c2f/shares", "/pois/{id}/shares"},
		{"/pois/8c2f/images", "/pois/{id}/images"},
		{"/pois/8c2f/images/91ab", "/pois/{id}/images/{imageId}"},
		{"/pois/8c2f/unknown", "/pois/8c2f/unknown"},
		{"/pois/", "/pois/"},
		{"/totally/unknown", "/totally/unknown"},
	}
	for _, tc := range tests {
		if got := normalizePath(tc.path); got != tc.want {
			t.Errorf("normalizePath(%q) = %q, want %q", tc.path, got, tc.want)
		}
	}
}
