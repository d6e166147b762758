package api

import (
	"net/http"
	"strings"

	"github.com/sandmaps/atlas/internal/middleware"
)

// NewMux builds the route table. Method dispatch happens here so handlers
// stay focused on one operation each.
func NewMux(pois *PoiHandlers, uploads *UploadHandlers, health *HealthHandlers, metricsHandler http.Handler) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", health.Health)
	mux.HandleFunc("/ready", health.Ready)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}

	mux.HandleFunc("/uploads/sign", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r)
			return
		}
		uploads.SignUpload(w, r)
	})

	mux.HandleFunc("/pois", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			pois.ListPois(w, r)
		case http.MethodPost:
			pois.CreatePoi(w, r)
		default:
			methodNotAllowed(w, r)
		}
	})

	mux.HandleFunc("/pois/", func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/pois/"), "/")
		switch {
		case len(parts) == 1 && parts[0] != "":
			switch r.Method {
			case http.MethodPut:
				pois.UpdatePoi(w, r)
			case http.MethodDelete:
				pois.DeletePoi(w, r)
			default:
				methodNotAllowed(w, r)
			}
		case len(parts) == 2 && parts[1] == "privacy":
			if r.Method != http.MethodPut {
				methodNotAllowed(w, r)
				return
			}
			pois.SetPrivacy(w, r)
		case len(parts) == 2 && parts[1] == "shares":
			if r.Method != http.MethodPut {
				methodNotAllowed(w, r)
				return
			}
			pois.ReplaceShares(w, r)
		case len(parts) == 2 && parts[1] == "images":
			if r.Method != http.MethodPost {
				methodNotAllowed(w, r)
				return
			}
			pois.AttachImage(w, r)
		case len(parts) == 3 && parts[1] == "images":
			if r.Method != http.MethodDelete {
				methodNotAllowed(w, r)
				return
			}
			pois.DetachImage(w, r)
		default:
			ctx := middleware.SetErrorCode(r.Context(), ErrCodeNotFound)
			WriteError(w, ctx, http.StatusNotFound, ErrCodeNotFound, "The requested resource was not found")
		}
	})

	return mux
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	ctx := middleware.SetErrorCode(r.Context(), ErrCodeBadRequest)
	WriteError(w, ctx, http.StatusMethodNotAllowed, ErrCodeBadRequest, "Method not allowed")
}
