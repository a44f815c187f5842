// Package auth implements config & auth (spec.md §4.11, component C11):
// resolving an inbound key string to a (User, Key) principal, synthesizing
// the admin principal from process configuration, and enforcing the
// web_login_only split between proxy (data-plane) and control-plane calls.
//
// Grounded on the teacher's middleware/auth.go bearer-token lookup,
// generalized from its single enabled/disabled check to the fuller
// active-key predicate spec.md §4.11 requires.
package auth

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/nexusgate/gateway/internal/catalog"
)

// Surface distinguishes which call kind is authenticating, since
// web_login_only is honored differently on each (spec.md §4.11).
type Surface string

const (
	SurfaceProxy        Surface = "proxy"
	SurfaceControlPlane Surface = "control_plane"
)

// Principal is the resolved identity of an authenticated request.
type Principal struct {
	User    catalog.User
	Key     catalog.Key
	IsAdmin bool
}

// ErrUnauthenticated is returned for any resolution failure; callers map it
// to apierr.KindAuthFailed without leaking which specific check failed.
type ErrUnauthenticated struct {
	Reason string
}

func (e *ErrUnauthenticated) Error() string { return "auth: " + e.Reason }

// PrincipalStore is the subset of internal/store.Store that auth needs,
// accepted as an interface so Authenticator can be tested without a live
// database.
type PrincipalStore interface {
	GetKeyBySecret(ctx context.Context, secret string) (catalog.Key, error)
	GetUserByID(ctx context.Context, id uuid.UUID) (catalog.User, error)
}

// Authenticator resolves inbound key strings to principals.
type Authenticator struct {
	store      PrincipalStore
	adminToken string
}

// New creates an Authenticator. adminToken is the process-configured admin
// secret (spec.md §4.11 "a special admin token from process configuration");
// empty disables the admin-token path.
func New(st PrincipalStore, adminToken string) *Authenticator {
	return &Authenticator{store: st, adminToken: adminToken}
}

// Authenticate resolves keyString for the given surface.
func (a *Authenticator) Authenticate(ctx context.Context, keyString string, surface Surface, now time.Time) (Principal, error) {
	if keyString == "" {
		return Principal{}, &ErrUnauthenticated{Reason: "empty key"}
	}

	if a.adminToken != "" && keyString == a.adminToken {
		return Principal{
			IsAdmin: true,
			User:    catalog.User{Role: catalog.RoleAdmin, Enabled: true},
		}, nil
	}

	key, err := a.store.GetKeyBySecret(ctx, keyString)
	if err != nil {
		return Principal{}, &ErrUnauthenticated{Reason: "unknown key"}
	}
	if !key.Active(now) {
		return Principal{}, &ErrUnauthenticated{Reason: "key not active"}
	}

	user, err := a.store.GetUserByID(ctx, key.UserID)
	if err != nil {
		return Principal{}, &ErrUnauthenticated{Reason: "owning user not found"}
	}
	if !user.Enabled {
		return Principal{}, &ErrUnauthenticated{Reason: "owning user disabled"}
	}

	// web_login_only: proxy calls ignore the flag entirely; control-plane
	// calls require it to be true (spec.md §4.11).
	if surface == SurfaceControlPlane && !key.WebLoginCapable {
		return Principal{}, &ErrUnauthenticated{Reason: "key is not web-login capable"}
	}

	return Principal{User: user, Key: key, IsAdmin: user.Role == catalog.RoleAdmin}, nil
}
