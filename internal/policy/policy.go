// Package policy decides what a viewer may see and change.
//
// Every visibility question (listing, search, direct fetch) goes through
// Visible so the call sites cannot drift apart.
package policy

import (
	"fmt"

	"lineage/internal/models"
)

// Capability is a named permission held by a user.
type Capability string

// CapModifyPost lets a user see inactive posts, toggle visibility and edit or
// delete posts they do not own.
const CapModifyPost Capability = "modify_post"

// KnownCapabilities lists the capabilities that can be granted.
var KnownCapabilities = []Capability{CapModifyPost}

// ParseCapability validates a capability name.
func ParseCapability(name string) (Capability, bool) {
	for _, c := range KnownCapabilities {
		if string(c) == name {
			return c, true
		}
	}
	return "", false
}

// Viewer is the identity a request acts as. The zero value is anonymous.
type Viewer struct {
	UserID       uint
	Admin        bool
	Capabilities map[Capability]struct{}
}

// Anonymous returns the viewer for unauthenticated requests.
func Anonymous() Viewer {
	return Viewer{}
}

// NewViewer builds an authenticated viewer from stored capability names.
// Unknown names are ignored.
func NewViewer(userID uint, admin bool, capabilities []string) Viewer {
	v := Viewer{UserID: userID, Admin: admin, Capabilities: make(map[Capability]struct{}, len(capabilities))}
	for _, name := range capabilities {
		if c, ok := ParseCapability(name); ok {
			v.Capabilities[c] = struct{}{}
		}
	}
	return v
}

// Authenticated reports whether the viewer is a logged-in user.
func (v Viewer) Authenticated() bool {
	return v.UserID != 0
}

// Has reports whether the viewer holds c. Admins hold every capability.
func (v Viewer) Has(c Capability) bool {
	if !v.Authenticated() {
		return false
	}
	if v.Admin {
		return true
	}
	_, ok := v.Capabilities[c]
	return ok
}

// Decision is the outcome of a policy check.
type Decision int

const (
	Allowed Decision = iota
	DeniedNotFound
	DeniedForbidden
)

func (d Decision) String() string {
	switch d {
	case Allowed:
		return "allowed"
	case DeniedNotFound:
		return "denied_not_found"
	case DeniedForbidden:
		return "denied_forbidden"
	default:
		return fmt.Sprintf("decision(%d)", int(d))
	}
}

// Visible is the single visibility rule: active posts are public, inactive
// posts are shown only to holders of CapModifyPost.
func Visible(v Viewer, isActive bool) bool {
	return isActive || v.Has(CapModifyPost)
}

// Scope is the repository filter derived from Visible for list queries.
type Scope struct {
	IncludeInactive bool
}

// ListingScope returns the filter used by listing and search.
func ListingScope(v Viewer) Scope {
	return Scope{IncludeInactive: Visible(v, false)}
}

// PostAccess decides whether v may fetch p directly.
func PostAccess(v Viewer, p *models.Post) Decision {
	if p == nil {
		return DeniedNotFound
	}
	if !Visible(v, p.IsActive) {
		return DeniedForbidden
	}
	return Allowed
}

// PostMutation decides whether v may edit or delete p.
func PostMutation(v Viewer, p *models.Post) Decision {
	if p == nil {
		return DeniedNotFound
	}
	if !v.Authenticated() {
		return DeniedForbidden
	}
	if p.IsAuthoredBy(v.UserID) || v.Has(CapModifyPost) {
		return Allowed
	}
	return DeniedForbidden
}

// Moderation decides whether v may flip a post's active flag.
func Moderation(v Viewer) Decision {
	if v.Has(CapModifyPost) {
		return Allowed
	}
	return DeniedForbidden
}

// CountsView reports whether a successful fetch of p by v bumps its counter.
func CountsView(v Viewer, p *models.Post) bool {
	return v.Authenticated() && !p.IsAuthoredBy(v.UserID)
}
