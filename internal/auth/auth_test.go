package auth_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexusgate/gateway/internal/auth"
	"github.com/nexusgate/gateway/internal/catalog"
)

type fakeStore struct {
	keys  map[string]catalog.Key
	users map[uuid.UUID]catalog.User
}

func (f *fakeStore) GetKeyBySecret(ctx context.Context, secret string) (catalog.Key, error) {
	k, ok := f.keys[secret]
	if !ok {
		return catalog.Key{}, assert.AnError
	}
	return k, nil
}

func (f *fakeStore) GetUserByID(ctx context.Context, id uuid.UUID) (catalog.User, error) {
	u, ok := f.users[id]
	if !ok {
		return catalog.User{}, assert.AnError
	}
	return u, nil
}

func TestAuthenticateAdminToken(t *testing.T) {
	a := auth.New(&fakeStore{}, "super-secret-admin")
	p, err := a.Authenticate(context.Background(), "super-secret-admin", auth.SurfaceProxy, time.Now())
	require.NoError(t, err)
	assert.True(t, p.IsAdmin)
}

func TestAuthenticateActiveKey(t *testing.T) {
	userID := uuid.New()
	fs := &fakeStore{
		keys:  map[string]catalog.Key{"sk-live-1": {UserID: userID, Enabled: true}},
		users: map[uuid.UUID]catalog.User{userID: {ID: userID, Enabled: true}},
	}
	a := auth.New(fs, "")
	p, err := a.Authenticate(context.Background(), "sk-live-1", auth.SurfaceProxy, time.Now())
	require.NoError(t, err)
	assert.Equal(t, userID, p.User.ID)
}

func TestAuthenticateSetsIsAdminForDBBackedAdminUser(t *testing.T) {
	userID := uuid.New()
	fs := &fakeStore{
		keys:  map[string]catalog.Key{"sk-admin": {UserID: userID, Enabled: true, WebLoginCapable: true}},
		users: map[uuid.UUID]catalog.User{userID: {ID: userID, Enabled: true, Role: catalog.RoleAdmin}},
	}
	a := auth.New(fs, "")
	p, err := a.Authenticate(context.Background(), "sk-admin", auth.SurfaceControlPlane, time.Now())
	require.NoError(t, err)
	assert.True(t, p.IsAdmin, "a DB-backed user with role admin must resolve IsAdmin true")
}

func TestAuthenticateLeavesIsAdminFalseForNonAdminUser(t *testing.T) {
	userID := uuid.New()
	fs := &fakeStore{
		keys:  map[string]catalog.Key{"sk-live-1": {UserID: userID, Enabled: true}},
		users: map[uuid.UUID]catalog.User{userID: {ID: userID, Enabled: true, Role: catalog.RoleUser}},
	}
	a := auth.New(fs, "")
	p, err := a.Authenticate(context.Background(), "sk-live-1", auth.SurfaceProxy, time.Now())
	require.NoError(t, err)
	assert.False(t, p.IsAdmin)
}

func TestAuthenticateRejectsExpiredKey(t *testing.T) {
	userID := uuid.New()
	past := time.Now().Add(-time.Hour)
	fs := &fakeStore{
		keys:  map[string]catalog.Key{"sk-expired": {UserID: userID, Enabled: true, ExpiresAt: &past}},
		users: map[uuid.UUID]catalog.User{userID: {ID: userID, Enabled: true}},
	}
	a := auth.New(fs, "")
	_, err := a.Authenticate(context.Background(), "sk-expired", auth.SurfaceProxy, time.Now())
	require.Error(t, err)
}

func TestAuthenticateRejectsDisabledOwningUser(t *testing.T) {
	userID := uuid.New()
	fs := &fakeStore{
		keys:  map[string]catalog.Key{"sk-live": {UserID: userID, Enabled: true}},
		users: map[uuid.UUID]catalog.User{userID: {ID: userID, Enabled: false}},
	}
	a := auth.New(fs, "")
	_, err := a.Authenticate(context.Background(), "sk-live", auth.SurfaceProxy, time.Now())
	require.Error(t, err)
}

func TestWebLoginOnlyIgnoredOnProxySurface(t *testing.T) {
	userID := uuid.New()
	fs := &fakeStore{
		keys:  map[string]catalog.Key{"sk-no-web": {UserID: userID, Enabled: true, WebLoginCapable: false}},
		users: map[uuid.UUID]catalog.User{userID: {ID: userID, Enabled: true}},
	}
	a := auth.New(fs, "")
	_, err := a.Authenticate(context.Background(), "sk-no-web", auth.SurfaceProxy, time.Now())
	assert.NoError(t, err, "web_login_only must be ignored for proxy/data-plane calls")
}

func TestWebLoginOnlyDeniesControlPlaneWhenFalse(t *testing.T) {
	userID := uuid.New()
	fs := &fakeStore{
		keys:  map[string]catalog.Key{"sk-no-web": {UserID: userID, Enabled: true, WebLoginCapable: false}},
		users: map[uuid.UUID]catalog.User{userID: {ID: userID, Enabled: true}},
	}
	a := auth.New(fs, "")
	_, err := a.Authenticate(context.Background(), "sk-no-web", auth.SurfaceControlPlane, time.Now())
	assert.Error(t, err, "a false web_login_only flag must deny control-plane authentication")
}
