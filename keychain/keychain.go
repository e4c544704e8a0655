// Package keychain resolves named credentials for tool calls and renews
// short-lived tokens before they expire.
//
// Credentials live in a Store; the Resolver fronts it with a TTL check. When
// a credential's remaining lifetime drops below the refresh threshold and it
// carries a renew configuration, the resolver performs the configured HTTP
// call, folds the response into the credential data and persists the update
// before returning it.
package keychain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/noetl/noetl/template"
	"github.com/noetl/noetl/toolerr"
)

type (
	// Credential is a named secret with optional expiry and renewal.
	Credential struct {
		// Name is the store-unique credential name.
		Name string `json:"name"`
		// Data holds the secret material (token, user, password, ...).
		// Templates reach it as keychain.<name>.<field>.
		Data map[string]any `json:"data"`
		// Metadata holds non-secret annotations.
		Metadata map[string]string `json:"metadata,omitempty"`
		// ExpiresAt bounds the credential's validity. Zero means no expiry.
		ExpiresAt time.Time `json:"expires_at,omitempty"`
		// Renew configures proactive renewal. Nil credentials are never
		// renewed.
		Renew *RenewConfig `json:"renew_config,omitempty"`
	}

	// RenewConfig is the HTTP call that refreshes the credential.
	RenewConfig struct {
		// URL is the renewal endpoint. May contain template expressions over
		// the current credential data.
		URL string `json:"url"`
		// Method defaults to POST.
		Method string `json:"method,omitempty"`
		// Headers are sent with the request, values rendered against the
		// current credential data.
		Headers map[string]string `json:"headers,omitempty"`
		// Body is the JSON request body, values rendered likewise.
		Body map[string]any `json:"body,omitempty"`
		// DataPath selects the object in the response merged into Data.
		// Empty merges the whole response object.
		DataPath string `json:"data_path,omitempty"`
		// ExpiresInPath selects the validity seconds in the response. Empty
		// leaves ExpiresAt untouched.
		ExpiresInPath string `json:"expires_in_path,omitempty"`
	}

	// Store is the credential store contract.
	Store interface {
		// Get returns the named credential or ErrNotFound.
		Get(ctx context.Context, name string) (*Credential, error)
		// Put stores or replaces the credential.
		Put(ctx context.Context, c *Credential) error
	}

	// Resolver fronts a Store with TTL checking and proactive renewal.
	Resolver struct {
		store     Store
		client    *resty.Client
		threshold time.Duration
		now       func() time.Time
	}

	// ResolverOption configures the resolver.
	ResolverOption func(*Resolver)
)

// ErrNotFound is returned when the named credential does not exist.
var ErrNotFound = errors.New("keychain: credential not found")

// DefaultRefreshThreshold is the remaining-lifetime floor below which
// credentials are renewed before use.
const DefaultRefreshThreshold = 300 * time.Second

// WithRefreshThreshold overrides the renewal threshold.
func WithRefreshThreshold(d time.Duration) ResolverOption {
	return func(r *Resolver) { r.threshold = d }
}

// WithHTTPClient overrides the renewal HTTP client.
func WithHTTPClient(c *resty.Client) ResolverOption {
	return func(r *Resolver) { r.client = c }
}

// WithClock overrides the clock, for tests.
func WithClock(now func() time.Time) ResolverOption {
	return func(r *Resolver) { r.now = now }
}

// NewResolver builds a resolver over the store.
func NewResolver(store Store, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		store:     store,
		client:    resty.New(),
		threshold: DefaultRefreshThreshold,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the named credential, renewing it first when its remaining
// lifetime is below the threshold and a renew configuration exists.
func (r *Resolver) Resolve(ctx context.Context, name string) (*Credential, error) {
	cred, err := r.store.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	if !r.needsRenewal(cred) {
		return cred, nil
	}
	renewed, err := r.renew(ctx, cred)
	if err != nil {
		return nil, fmt.Errorf("renew credential %q: %w", name, err)
	}
	if err := r.store.Put(ctx, renewed); err != nil {
		return nil, fmt.Errorf("store renewed credential %q: %w", name, err)
	}
	return renewed, nil
}

func (r *Resolver) needsRenewal(c *Credential) bool {
	if c.Renew == nil || c.ExpiresAt.IsZero() {
		return false
	}
	return c.ExpiresAt.Sub(r.now()) < r.threshold
}

func (r *Resolver) renew(ctx context.Context, c *Credential) (*Credential, error) {
	tctx := map[string]any{"data": c.Data, "name": c.Name}
	url, err := template.Render(c.Renew.URL, tctx)
	if err != nil {
		return nil, err
	}
	method := c.Renew.Method
	if method == "" {
		method = http.MethodPost
	}

	req := r.client.R().SetContext(ctx)
	for k, v := range c.Renew.Headers {
		rendered, err := template.Render(v, tctx)
		if err != nil {
			return nil, err
		}
		req.SetHeader(k, rendered)
	}
	if len(c.Renew.Body) > 0 {
		body, err := template.RenderValue(c.Renew.Body, tctx)
		if err != nil {
			return nil, err
		}
		req.SetBody(body)
	}

	resp, err := req.Execute(method, url)
	if err != nil {
		return nil, toolerr.FromError(err)
	}
	if resp.StatusCode() >= 400 {
		return nil, toolerr.FromHTTPStatus(resp.StatusCode(), string(resp.Body()))
	}

	var payload map[string]any
	if err := json.Unmarshal(resp.Body(), &payload); err != nil {
		return nil, toolerr.Errorf(toolerr.KindParse, "decode renewal response: %v", err)
	}

	renewed := &Credential{
		Name:      c.Name,
		Data:      mergeData(c.Data, payload, c.Renew.DataPath),
		Metadata:  c.Metadata,
		ExpiresAt: c.ExpiresAt,
		Renew:     c.Renew,
	}
	if c.Renew.ExpiresInPath != "" {
		if v, ok := template.Select(any(payload), c.Renew.ExpiresInPath); ok {
			if secs, ok := asSeconds(v); ok {
				renewed.ExpiresAt = r.now().Add(secs)
			}
		}
	}
	return renewed, nil
}

func mergeData(base map[string]any, payload map[string]any, path string) map[string]any {
	fragment := any(payload)
	if path != "" {
		v, ok := template.Select(any(payload), path)
		if !ok {
			return base
		}
		fragment = v
	}
	obj, ok := fragment.(map[string]any)
	if !ok {
		return base
	}
	merged := make(map[string]any, len(base)+len(obj))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range obj {
		merged[k] = v
	}
	return merged
}

func asSeconds(v any) (time.Duration, bool) {
	switch n := v.(type) {
	case float64:
		return time.Duration(n * float64(time.Second)), true
	case int:
		return time.Duration(n) * time.Second, true
	case int64:
		return time.Duration(n) * time.Second, true
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, false
		}
		return time.Duration(f * float64(time.Second)), true
	}
	return 0, false
}
