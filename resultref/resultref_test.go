package resultref

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTiersSelect(t *testing.T) {
	mem, kvb, obj, cloud := NewMemoryBackend(), NewMemoryBackend(), NewMemoryBackend(), NewMemoryBackend()
	tiers := Tiers{Memory: mem, KV: kvb, Object: obj, Cloud: cloud}

	b, tier, err := tiers.Select(1<<10, ScopeStep)
	require.NoError(t, err)
	require.Equal(t, TierMemory, tier)
	require.Same(t, mem, b.(*MemoryBackend))

	_, tier, err = tiers.Select(1<<10, ScopeExecution)
	require.NoError(t, err)
	require.Equal(t, TierKV, tier, "memory tier is step scoped only")

	_, tier, err = tiers.Select(5<<20, ScopeStep)
	require.NoError(t, err)
	require.Equal(t, TierObject, tier)

	_, tier, err = tiers.Select(100<<20, ScopeStep)
	require.NoError(t, err)
	require.Equal(t, TierCloud, tier)
}

func TestTiersSelectFallsThroughUnsetTiers(t *testing.T) {
	obj := NewMemoryBackend()
	tiers := Tiers{Object: obj}

	_, tier, err := tiers.Select(100, ScopeStep)
	require.NoError(t, err)
	require.Equal(t, TierObject, tier)

	_, _, err = Tiers{}.Select(100, ScopeStep)
	require.Error(t, err)
}

func TestExternalizeBuildsRef(t *testing.T) {
	ctx := context.Background()
	tiers := Tiers{KV: NewMemoryBackend()}
	payload := []byte(`{"items":[1,2,3]}`)

	ref, err := Externalize(ctx, tiers, "7/fetch/result", payload, ExternalizeOptions{Scope: ScopeExecution})
	require.NoError(t, err)

	require.Equal(t, TierKV, ref.Store)
	require.Equal(t, ScopeExecution, ref.Scope)
	require.Equal(t, int64(len(payload)), ref.Bytes)
	sum := sha256.Sum256(payload)
	require.Equal(t, hex.EncodeToString(sum[:]), ref.SHA256)
	require.NotEmpty(t, ref.Preview)

	got, err := tiers.Lookup(ref.Store).Get(ctx, ref.URI)
	require.NoError(t, err)
	require.True(t, bytes.Equal(payload, got))
}

func TestExternalizePreviewTruncates(t *testing.T) {
	ctx := context.Background()
	tiers := Tiers{KV: NewMemoryBackend()}
	payload := bytes.Repeat([]byte("x"), 2048)

	ref, err := Externalize(ctx, tiers, "k", payload, ExternalizeOptions{Scope: ScopeExecution, PreviewBytes: 16})
	require.NoError(t, err)
	require.Less(t, len(ref.Preview), 64)
}

func TestExternalizeToPinsBackend(t *testing.T) {
	ctx := context.Background()
	cloud := NewMemoryBackend()

	ref, err := ExternalizeTo(ctx, cloud, TierCloud, "k", []byte("small"), ExternalizeOptions{})
	require.NoError(t, err)
	require.Equal(t, TierCloud, ref.Store, "explicit tier wins over size rules")
	require.Equal(t, ScopeStep, ref.Scope)

	_, err = ExternalizeTo(ctx, nil, TierCloud, "k", []byte("x"), ExternalizeOptions{})
	require.Error(t, err)
}

func TestMemoryBackendLifecycle(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend()

	uri, err := b.Put(ctx, "a/b", []byte("payload"), "application/json")
	require.NoError(t, err)

	got, err := b.Get(ctx, uri)
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), got)

	uris, err := b.List(ctx, "a/")
	require.NoError(t, err)
	require.Len(t, uris, 1)

	require.NoError(t, b.Delete(ctx, uri))
	_, err = b.Get(ctx, uri)
	require.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, b.Delete(ctx, uri), "deleting a missing URI is not an error")
}

func TestJanitorScopes(t *testing.T) {
	ctx := context.Background()
	kvb := NewMemoryBackend()
	tiers := Tiers{KV: kvb}
	j := NewJanitor(tiers)

	put := func(key string, scope Scope) *Ref {
		ref, err := Externalize(ctx, tiers, key, []byte("data"), ExternalizeOptions{Scope: scope})
		require.NoError(t, err)
		j.Track(9, ref)
		return ref
	}
	stepRef := put("step", ScopeStep)
	execRef := put("exec", ScopeExecution)
	wfRef := put("wf", ScopeWorkflow)
	permRef := put("perm", ScopePermanent)

	require.NoError(t, j.SweepExecution(ctx, 9, false))

	_, err := kvb.Get(ctx, stepRef.URI)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = kvb.Get(ctx, execRef.URI)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = kvb.Get(ctx, wfRef.URI)
	require.NoError(t, err, "workflow refs survive a non-root drain")
	_, err = kvb.Get(ctx, permRef.URI)
	require.NoError(t, err)

	require.NoError(t, j.SweepExecution(ctx, 9, true))
	_, err = kvb.Get(ctx, wfRef.URI)
	require.ErrorIs(t, err, ErrNotFound, "root drain collects workflow refs")
	_, err = kvb.Get(ctx, permRef.URI)
	require.NoError(t, err, "permanent refs are never collected")
}

func TestJanitorReparentMovesSurvivingRefs(t *testing.T) {
	ctx := context.Background()
	kvb := NewMemoryBackend()
	tiers := Tiers{KV: kvb}
	j := NewJanitor(tiers)

	ref, err := Externalize(ctx, tiers, "shard-out", []byte("data"), ExternalizeOptions{Scope: ScopeWorkflow})
	require.NoError(t, err)
	j.Track(9, ref)

	// The child drains: its workflow ref survives and moves to the parent.
	require.NoError(t, j.SweepExecution(ctx, 9, false))
	j.Reparent(9, 1)

	_, err = kvb.Get(ctx, ref.URI)
	require.NoError(t, err, "workflow ref survives the child drain")

	// Draining the former owner again finds nothing to collect.
	require.NoError(t, j.SweepExecution(ctx, 9, true))
	_, err = kvb.Get(ctx, ref.URI)
	require.NoError(t, err)

	// The root drain collects the reparented ref.
	require.NoError(t, j.SweepExecution(ctx, 1, true))
	_, err = kvb.Get(ctx, ref.URI)
	require.ErrorIs(t, err, ErrNotFound)
}
