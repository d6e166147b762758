// Package poi provides models, privacy filtering, and repositories for
// map points of interest.
package poi

import (
	"time"

	"github.com/sandmaps/atlas/internal/image"
)

// Map partitions. A POI belongs to exactly one map; deep desert POIs are
// additionally scoped to a grid square.
const (
	MapHaggaBasin = "hagga_basin"
	MapDeepDesert = "deep_desert"
)

// Privacy levels for a POI. The public level is stored as "global" in live
// data. Any other value fails closed (see Visible).
const (
	PrivacyGlobal  = "global"
	PrivacyPrivate = "private"
	PrivacyShared  = "shared"
)

// Coordinates is the map position of a POI. The core treats positions as
// opaque; rendering and geometry live outside this module.
type Coordinates struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// PoiType is the catalog type a POI references (icon, category, name).
type PoiType struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Category string `json:"category,omitempty"`
	Icon     string `json:"icon,omitempty"`
}

// Poi is a located, owned, privacy-scoped annotation on a shared map.
type Poi struct {
	ID           string      `json:"id"`
	Title        string      `json:"title"`
	Description  string      `json:"description,omitempty"`
	MapType      string      `json:"map_type"`
	GridSquareID *string     `json:"grid_square_id,omitempty"`
	Coordinates  Coordinates `json:"coordinates"`
	PoiTypeID    string      `json:"poi_type_id"`
	PrivacyLevel string      `json:"privacy_level"`
	CreatedBy    string      `json:"created_by"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`

	// Joined relations, populated by the read paths.
	PoiType       *PoiType             `json:"poi_type,omitempty"`
	OwnerUsername string               `json:"owner_username,omitempty"`
	Images        []image.ManagedImage `json:"images,omitempty"`

	// LinkCount is the number of entity links attached to this POI,
	// computed by the filtered read path for display purposes.
	LinkCount int `json:"link_count"`
}

// Comment is owned by a POI and may carry its own linked images. Comments
// are destroyed together with their POI.
type Comment struct {
	ID        string    `json:"id"`
	PoiID     string    `json:"poi_id"`
	AuthorID  string    `json:"author_id"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// EntityLink associates a POI with a catalog entity (item or schematic).
// Entity links own no blobs.
type EntityLink struct {
	ID       string `json:"id"`
	PoiID    string `json:"poi_id"`
	EntityID string `json:"entity_id"`
}

// Share grants one identity read access to a shared-privacy POI.
// Shares are irrelevant for global and private POIs.
type Share struct {
	PoiID            string    `json:"poi_id"`
	SharedWithUserID string    `json:"shared_with_user_id"`
	CreatedAt        time.Time `json:"created_at"`
}

// Scope identifies the map partition a cache or read path is bound to.
// GridSquareID is only meaningful for the deep desert map.
type Scope struct {
	MapType      string
	GridSquareID *string
}

// Contains reports whether a POI belongs to this scope. Used as the
// defensive re-check on feed events, since the feed may deliver a superset
// of the subscribed partition.
func (s Scope) Contains(p *Poi) bool {
	if p == nil || p.MapType != s.MapType {
		return false
	}
	if s.MapType == MapDeepDesert && s.GridSquareID != nil {
		return p.GridSquareID != nil && *p.GridSquareID == *s.GridSquareID
	}
	return true
}
