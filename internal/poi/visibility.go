package poi

// ShareIndex maps a POI id to the set of user ids it has been explicitly
// shared with. Built once per read from the poi_shares table, so the
// visibility predicate itself needs no I/O.
type ShareIndex map[string]map[string]struct{}

// Grant records that a POI is shared with a user.
func (idx ShareIndex) Grant(poiID, userID string) {
	if idx[poiID] == nil {
		idx[poiID] = make(map[string]struct{})
	}
	idx[poiID][userID] = struct{}{}
}

// Granted reports whether a POI is shared with a user.
func (idx ShareIndex) Granted(poiID, userID string) bool {
	_, ok := idx[poiID][userID]
	return ok
}

// Visible decides read access for one POI record. Pure and total: no I/O,
// no error path. Unknown privacy levels fail closed.
//
// Rules, in order:
//   - global: visible to anyone
//   - private: visible only to the owner
//   - shared: visible to the owner or an explicit grantee
func Visible(p *Poi, requesterID string, shares ShareIndex) bool {
	if p == nil {
		return false
	}
	switch p.PrivacyLevel {
	case PrivacyGlobal:
		return true
	case PrivacyPrivate:
		return p.CreatedBy == requesterID
	case PrivacyShared:
		return p.CreatedBy == requesterID || shares.Granted(p.ID, requesterID)
	default:
		return false
	}
}
