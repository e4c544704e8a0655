// Package resultref separates what a step produced from what flows through
// the event log. Full tool payloads are uploaded to a tiered backend and only
// a lightweight Ref (URI, digest, extracted scalars, preview) is recorded.
package resultref

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"
)

// Scope controls a reference's lifetime. Step and execution scoped refs are
// collected when their owner drains; workflow refs survive until the parent
// chain drains; permanent refs are never collected.
type Scope string

const (
	ScopeStep      Scope = "step"
	ScopeExecution Scope = "execution"
	ScopeWorkflow  Scope = "workflow"
	ScopePermanent Scope = "permanent"
)

// Tier tags which backend class stores the payload.
type Tier string

const (
	TierMemory Tier = "memory"
	TierKV     Tier = "kv"
	TierObject Tier = "object"
	TierCloud  Tier = "cloud"
)

// Size thresholds for automatic tier selection.
const (
	// InlineMaxBytes is the default threshold above which workers externalize
	// results instead of inlining them into events.
	InlineMaxBytes = 64 << 10
	// memoryMaxBytes bounds the process-memory tier.
	memoryMaxBytes = 10 << 10
	// kvMaxBytes bounds the distributed KV tier.
	kvMaxBytes = 1 << 20
	// objectMaxBytes bounds the object tier.
	objectMaxBytes = 10 << 20
)

// Ref is an opaque pointer to externally stored result data. Readers treat
// refs as immutable.
type Ref struct {
	// URI locates the payload within its backend.
	URI string `json:"ref"`
	// Store tags the tier holding the payload.
	Store Tier `json:"store"`
	// Scope controls garbage collection.
	Scope Scope `json:"scope"`
	// ExpiresAt is the TTL boundary, zero for no expiry.
	ExpiresAt time.Time `json:"expires_at,omitempty"`
	// Bytes is the payload size before compression.
	Bytes int64 `json:"bytes"`
	// SHA256 is the hex digest of the payload.
	SHA256 string `json:"sha256"`
	// Compression names the applied compression, empty for none.
	Compression string `json:"compression,omitempty"`
	// Extracted holds the declared scalar selections from the payload.
	Extracted map[string]any `json:"extracted,omitempty"`
	// Preview is a truncated sample of the payload for introspection.
	Preview json.RawMessage `json:"preview,omitempty"`
}

// Backend stores opaque payloads addressed by URI. Implementations own the
// URI scheme they mint.
type Backend interface {
	// Put stores the payload under key and returns the backend URI.
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
	// Get retrieves the payload for a URI minted by this backend.
	Get(ctx context.Context, uri string) ([]byte, error)
	// Delete removes the payload. Deleting a missing URI is not an error.
	Delete(ctx context.Context, uri string) error
	// List returns the URIs stored under the key prefix.
	List(ctx context.Context, prefix string) ([]string, error)
}

// ErrNotFound is returned by Get when the URI has no payload.
var ErrNotFound = errors.New("resultref: not found")

// Tiers wires one backend per tier. Unset tiers fall through to the next
// larger configured tier.
type Tiers struct {
	Memory Backend
	KV     Backend
	Object Backend
	Cloud  Backend
}

// Select applies the auto rule: small step-scoped payloads stay in process
// memory, then KV, then object storage, then cloud. Returns the chosen
// backend and its tier tag, or an error when no tier is configured.
func (t Tiers) Select(size int64, scope Scope) (Backend, Tier, error) {
	type cand struct {
		b    Backend
		tier Tier
	}
	var order []cand
	if size < memoryMaxBytes && scope == ScopeStep {
		order = append(order, cand{t.Memory, TierMemory})
	}
	if size < kvMaxBytes {
		order = append(order, cand{t.KV, TierKV})
	}
	if size < objectMaxBytes {
		order = append(order, cand{t.Object, TierObject})
	}
	order = append(order, cand{t.Cloud, TierCloud})
	for _, c := range order {
		if c.b != nil {
			return c.b, c.tier, nil
		}
	}
	return nil, "", errors.New("resultref: no backend configured for payload size")
}

// Lookup returns the backend serving the given tier tag.
func (t Tiers) Lookup(tier Tier) Backend {
	switch tier {
	case TierMemory:
		return t.Memory
	case TierKV:
		return t.KV
	case TierObject:
		return t.Object
	case TierCloud:
		return t.Cloud
	}
	return nil
}

// ExternalizeOptions configures Externalize.
type ExternalizeOptions struct {
	// Scope is the ref lifetime, defaults to step.
	Scope Scope
	// TTL sets ExpiresAt relative to now, zero for no expiry.
	TTL time.Duration
	// Extracted carries pre-computed scalar selections to attach.
	Extracted map[string]any
	// PreviewBytes bounds the stored preview. Zero uses the default (512).
	PreviewBytes int
	// ContentType labels the payload, defaults to application/json.
	ContentType string
}

const defaultPreviewBytes = 512

// Externalize uploads the payload to the tier selected by its size and scope
// and returns the Ref to record in the event log.
func Externalize(ctx context.Context, tiers Tiers, key string, payload []byte, opts ExternalizeOptions) (*Ref, error) {
	scope := opts.Scope
	if scope == "" {
		scope = ScopeStep
	}
	backend, tier, err := tiers.Select(int64(len(payload)), scope)
	if err != nil {
		return nil, err
	}
	return ExternalizeTo(ctx, backend, tier, key, payload, opts)
}

// ExternalizeTo uploads the payload to a specific backend, bypassing tier
// selection. Used when the playbook pins a storage kind.
func ExternalizeTo(ctx context.Context, backend Backend, tier Tier, key string, payload []byte, opts ExternalizeOptions) (*Ref, error) {
	if backend == nil {
		return nil, errors.New("resultref: no backend configured for tier " + string(tier))
	}
	scope := opts.Scope
	if scope == "" {
		scope = ScopeStep
	}
	contentType := opts.ContentType
	if contentType == "" {
		contentType = "application/json"
	}
	uri, err := backend.Put(ctx, key, payload, contentType)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(payload)
	ref := &Ref{
		URI:       uri,
		Store:     tier,
		Scope:     scope,
		Bytes:     int64(len(payload)),
		SHA256:    hex.EncodeToString(sum[:]),
		Extracted: opts.Extracted,
		Preview:   preview(payload, opts.PreviewBytes),
	}
	if opts.TTL > 0 {
		ref.ExpiresAt = time.Now().Add(opts.TTL).UTC()
	}
	return ref, nil
}

// preview truncates the payload to a displayable sample. The sample is stored
// as a JSON string so it is always valid inside event payloads.
func preview(payload []byte, limit int) json.RawMessage {
	if limit <= 0 {
		limit = defaultPreviewBytes
	}
	if len(payload) > limit {
		payload = payload[:limit]
	}
	b, err := json.Marshal(string(payload))
	if err != nil {
		return nil
	}
	return b
}
