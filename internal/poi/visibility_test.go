package poi

import "testing"

// TestVisible_GlobalPoi validates that public POIs are visible to anyone,
// including anonymous requesters.
func TestVisible_GlobalPoi(t *testing.T) {
	p := &Poi{ID: "p1", PrivacyLevel: PrivacyGlobal, CreatedBy: "u1"}

	for _, requester := range []string{"u1", "u2", ""} {
		if !Visible(p, requester, ShareIndex{}) {
			t.Errorf("global POI should be visible to requester %q", requester)
		}
	}
}

// TestVisible_PrivatePoi validates that private POIs are visible only to
// their owner.
func TestVisible_PrivatePoi(t *testing.T) {
	p := &Poi{ID: "p1", PrivacyLevel: PrivacyPrivate, CreatedBy: "u1"}

	if !Visible(p, "u1", ShareIndex{}) {
		t.Error("private POI should be visible to its owner")
	}
	if Visible(p, "u2", ShareIndex{}) {
		t.Error("private POI should not be visible to another user")
	}
	if Visible(p, "", ShareIndex{}) {
		t.Error("private POI should not be visible to an anonymous requester")
	}
}

// TestVisible_SharedPoi validates that shared POIs are visible to the
// owner and explicit grantees only.
func TestVisible_SharedPoi(t *testing.T) {
	p := &Poi{ID: "p1", PrivacyLevel: PrivacyShared, CreatedBy: "u1"}
	shares := ShareIndex{}
	shares.Grant("p1", "u2")

	if !Visible(p, "u1", shares) {
		t.Error("shared POI should be visible to its owner")
	}
	if !Visible(p, "u2", shares) {
		t.Error("shared POI should be visible to a grantee")
	}
	if Visible(p, "u3", shares) {
		t.Error("shared POI should not be visible to a non-grantee")
	}
}

// TestVisible_UnknownPrivacyFailsClosed validates that a privacy level the
// predicate does not recognize denies access, even to the owner.
func TestVisible_UnknownPrivacyFailsClosed(t *testing.T) {
	p := &Poi{ID: "p1", PrivacyLevel: "friends_of_friends", CreatedBy: "u1"}

	if Visible(p, "u1", ShareIndex{}) {
		t.Error("unknown privacy level should fail closed, even for the owner")
	}
	if Visible(p, "u2", ShareIndex{}) {
		t.Error("unknown privacy level should fail closed")
	}
}

// TestVisible_NilPoi validates the predicate is total over nil input.
func TestVisible_NilPoi(t *testing.T) {
	if Visible(nil, "u1", ShareIndex{}) {
		t.Error("nil POI should never be visible")
	}
}

// TestVisible_MixedCollection runs the predicate across a mixed set of
// POIs for three requesters and checks each sees exactly what the rules
// allow.
func TestVisible_MixedCollection(t *testing.T) {
	pois := []*Poi{
		{ID: "global-1", PrivacyLevel: PrivacyGlobal, CreatedBy: "u1"},
		{ID: "private-u1", PrivacyLevel: PrivacyPrivate, CreatedBy: "u1"},
		{ID: "private-u2", PrivacyLevel: PrivacyPrivate, CreatedBy: "u2"},
		{ID: "shared-u1", PrivacyLevel: PrivacyShared, CreatedBy: "u1"},
	}
	shares := ShareIndex{}
	shares.Grant("shared-u1", "u2")

	visibleIDs := func(requester string) map[string]bool {
		out := make(map[string]bool)
		for _, p := range pois {
			if Visible(p, requester, shares) {
				out[p.ID] = true
			}
		}
		return out
	}

	u1 := visibleIDs("u1")
	if len(u1) != 3 || !u1["global-1"] || !u1["private-u1"] || !u1["shared-u1"] {
		t.Errorf("u1 visibility wrong: %v", u1)
	}

	u2 := visibleIDs("u2")
	if len(u2) != 3 || !u2["global-1"] || !u2["private-u2"] || !u2["shared-u1"] {
		t.Errorf("u2 visibility wrong: %v", u2)
	}

	u3 := visibleIDs("u3")
	if len(u3) != 1 || !u3["global-1"] {
		t.Errorf("u3 should see only the global POI: %v", u3)
	}
}

// TestShareIndex_GrantAndGranted covers the index helpers directly.
func TestShareIndex_GrantAndGranted(t *testing.T) {
	idx := ShareIndex{}
	if idx.Granted("p1", "u1") {
		t.Error("empty index should grant nothing")
	}

	idx.Grant("p1", "u1")
	idx.Grant("p1", "u2")

	if !idx.Granted("p1", "u1") || !idx.Granted("p1", "u2") {
		t.Error("granted users should be found")
	}
	if idx.Granted("p2", "u1") {
		t.Error("grant must be scoped to the POI it was made for")
	}
}
