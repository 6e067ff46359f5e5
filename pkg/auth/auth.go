// Package auth describes the principal-validation collaborator the dispatch
// layer consumes. Issuing credentials is someone else's job; this package only
// asks "who is this" and caches the answer.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/bytedance/sonic"
	"github.com/code-100-precent/LingDispatch/pkg/cache"
)

// ErrRejected means the credential did not resolve to an enabled principal.
var ErrRejected = errors.New("auth: credential rejected")

type Role string

const (
	RoleObserver   Role = "observer"
	RoleDispatcher Role = "dispatcher"
	RoleSupervisor Role = "supervisor"
)

// CanControl reports whether the role may take over or escalate calls.
func (r Role) CanControl() bool {
	return r == RoleDispatcher || r == RoleSupervisor
}

// Principal is an authenticated dispatcher identity.
type Principal struct {
	DispatcherID string `json:"dispatcherId"`
	Name         string `json:"name,omitempty"`
	Role         Role   `json:"role"`
}

// Credential is what a console presents when it connects.
type Credential struct {
	APIKey    string
	APISecret string
}

// Validator resolves a credential to a principal or returns ErrRejected.
type Validator interface {
	Validate(ctx context.Context, cred Credential) (Principal, error)
}

// ValidatorFunc adapts a function to Validator.
type ValidatorFunc func(ctx context.Context, cred Credential) (Principal, error)

func (f ValidatorFunc) Validate(ctx context.Context, cred Credential) (Principal, error) {
	return f(ctx, cred)
}

// StaticValidator maps api keys to principals. Secrets must match exactly.
type StaticValidator map[string]StaticEntry

type StaticEntry struct {
	Secret    string
	Principal Principal
}

func (s StaticValidator) Validate(_ context.Context, cred Credential) (Principal, error) {
	e, ok := s[cred.APIKey]
	if !ok || e.Secret != cred.APISecret || cred.APISecret == "" {
		return Principal{}, ErrRejected
	}
	return e.Principal, nil
}

// Revoker is implemented by validators that can tell cheaply whether an
// api key is still enabled. CachedValidator asks it on every cache hit so a
// disabled credential stops working at once instead of after the TTL.
type Revoker interface {
	Enabled(ctx context.Context, apiKey string) (bool, error)
}

// CachedValidator memoizes successful validations. Rejections are not cached
// so a freshly provisioned credential works immediately.
type CachedValidator struct {
	next  Validator
	cache cache.Cache
	ttl   time.Duration
}

func NewCachedValidator(next Validator, c cache.Cache, ttl time.Duration) *CachedValidator {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &CachedValidator{next: next, cache: c, ttl: ttl}
}

func (v *CachedValidator) Validate(ctx context.Context, cred Credential) (Principal, error) {
	if cred.APIKey == "" || cred.APISecret == "" {
		return Principal{}, ErrRejected
	}
	key := cacheKey(cred)
	if v.cache != nil {
		if raw, ok := v.cache.Get(ctx, key); ok {
			if p, ok := decodePrincipal(raw); ok {
				return v.stillEnabled(ctx, cred, key, p)
			}
		}
	}

	p, err := v.next.Validate(ctx, cred)
	if err != nil {
		return Principal{}, err
	}
	if v.cache != nil {
		if data, err := sonic.ConfigStd.Marshal(p); err == nil {
			_ = v.cache.Set(ctx, key, string(data), v.ttl)
		}
	}
	return p, nil
}

// stillEnabled re-checks a cached principal against the Revoker, if any.
// A failed lookup keeps the cached answer.
func (v *CachedValidator) stillEnabled(ctx context.Context, cred Credential, key string, p Principal) (Principal, error) {
	r, ok := v.next.(Revoker)
	if !ok {
		return p, nil
	}
	enabled, err := r.Enabled(ctx, cred.APIKey)
	if err != nil || enabled {
		return p, nil
	}
	_ = v.cache.Delete(ctx, key)
	return Principal{}, ErrRejected
}

// Forget drops a cached entry, e.g. after the credential was revoked.
func (v *CachedValidator) Forget(ctx context.Context, cred Credential) {
	if v.cache != nil {
		_ = v.cache.Delete(ctx, cacheKey(cred))
	}
}

func cacheKey(cred Credential) string {
	sum := sha256.Sum256([]byte(cred.APIKey + ":" + cred.APISecret))
	return "auth:principal:" + hex.EncodeToString(sum[:])
}

func decodePrincipal(raw interface{}) (Principal, bool) {
	var data []byte
	switch v := raw.(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return Principal{}, false
	}
	var p Principal
	if err := sonic.ConfigStd.Unmarshal(data, &p); err != nil || p.DispatcherID == "" {
		return Principal{}, false
	}
	return p, true
}
