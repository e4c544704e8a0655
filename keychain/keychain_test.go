package keychain_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noetl/noetl/keychain"
	"github.com/noetl/noetl/keychain/inmem"
)

func TestResolveStaticCredential(t *testing.T) {
	ctx := context.Background()
	store := inmem.New()
	require.NoError(t, store.Put(ctx, &keychain.Credential{
		Name: "pg_main",
		Data: map[string]any{"user": "etl", "password": "s3cret"},
	}))

	r := keychain.NewResolver(store)
	cred, err := r.Resolve(ctx, "pg_main")
	require.NoError(t, err)
	require.Equal(t, "etl", cred.Data["user"])

	_, err = r.Resolve(ctx, "missing")
	require.ErrorIs(t, err, keychain.ErrNotFound)
}

func TestResolveSkipsRenewalWhenFresh(t *testing.T) {
	ctx := context.Background()
	store := inmem.New()
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.Put(ctx, &keychain.Credential{
		Name:      "api",
		Data:      map[string]any{"token": "fresh"},
		ExpiresAt: now.Add(time.Hour),
		Renew:     &keychain.RenewConfig{URL: "http://unreachable.test/renew"},
	}))

	r := keychain.NewResolver(store, keychain.WithClock(func() time.Time { return now }))
	cred, err := r.Resolve(ctx, "api")
	require.NoError(t, err)
	require.Equal(t, "fresh", cred.Data["token"])
}

func TestResolveRenewsExpiringCredential(t *testing.T) {
	ctx := context.Background()
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		require.Equal(t, http.MethodPost, req.Method)
		require.Equal(t, "Bearer old-token", req.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(req.Body).Decode(&gotBody))
		json.NewEncoder(w).Encode(map[string]any{
			"auth": map[string]any{
				"token":      "new-token",
				"expires_in": 3600,
			},
		})
	}))
	defer srv.Close()

	store := inmem.New()
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.Put(ctx, &keychain.Credential{
		Name:      "api",
		Data:      map[string]any{"token": "old-token", "client_id": "c1"},
		ExpiresAt: now.Add(time.Minute),
		Renew: &keychain.RenewConfig{
			URL:           srv.URL + "/renew",
			Headers:       map[string]string{"Authorization": "Bearer {{ data.token }}"},
			Body:          map[string]any{"client_id": "{{ data.client_id }}"},
			DataPath:      "auth",
			ExpiresInPath: "auth.expires_in",
		},
	}))

	r := keychain.NewResolver(store, keychain.WithClock(func() time.Time { return now }))
	cred, err := r.Resolve(ctx, "api")
	require.NoError(t, err)

	require.Equal(t, "new-token", cred.Data["token"])
	require.Equal(t, "c1", cred.Data["client_id"], "unrelated fields survive the merge")
	require.True(t, cred.ExpiresAt.Equal(now.Add(time.Hour)))
	require.Equal(t, "c1", gotBody["client_id"], "body values render against credential data")

	stored, err := store.Get(ctx, "api")
	require.NoError(t, err)
	require.Equal(t, "new-token", stored.Data["token"], "renewal persists")
}

func TestResolveRenewalFailureSurfaces(t *testing.T) {
	ctx := context.Background()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "denied", http.StatusForbidden)
	}))
	defer srv.Close()

	store := inmem.New()
	now := time.Now()
	require.NoError(t, store.Put(ctx, &keychain.Credential{
		Name:      "api",
		Data:      map[string]any{"token": "old"},
		ExpiresAt: now.Add(time.Minute),
		Renew:     &keychain.RenewConfig{URL: srv.URL},
	}))

	r := keychain.NewResolver(store)
	_, err := r.Resolve(ctx, "api")
	require.ErrorContains(t, err, `renew credential "api"`)

	stored, err := store.Get(ctx, "api")
	require.NoError(t, err)
	require.Equal(t, "old", stored.Data["token"], "failed renewal leaves the stored credential alone")
}
