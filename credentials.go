package main

import (
	"context"
)

// CacheScope selects how much of the credential cache an invalidation drops.
type CacheScope int

const (
	// ScopeSession drops the store-affinity token and the basket id.
	ScopeSession CacheScope = iota
	// ScopeAll additionally drops the base cookies and wipes the browser's cookies.
	ScopeAll
)

func (s CacheScope) String() string {
	if s == ScopeAll {
		return "all"
	}
	return "session"
}

// every Nth clear escalates to a full clear regardless of the requested scope
const fullClearEvery = 100

// credentialSource computes the values the cache holds. Each fetch is
// expensive in its own way: a browser visit, a login, an API round trip.
type credentialSource interface {
	fetchBaseCookies(ctx context.Context) (map[string]string, error)
	fetchStoreToken(ctx context.Context, baseCookies map[string]string) (string, error)
	fetchBasketID(ctx context.Context) (string, error)
	wipeBrowserCookies() error
}

// CredentialCache lazily computes base cookies -> store-affinity token ->
// basket id, in dependency order. A value is computed at most once until
// Invalidate drops it; a nil field means "not computed".
type CredentialCache struct {
	source credentialSource

	baseCookies map[string]string
	storeToken  *string
	basketID    *string

	clears int
}

func NewCredentialCache(source credentialSource) *CredentialCache {
	return &CredentialCache{source: source}
}

func (c *CredentialCache) BaseCookies(ctx context.Context) (map[string]string, error) {
	if c.baseCookies != nil {
		return c.baseCookies, nil
	}
	cookies, err := c.source.fetchBaseCookies(ctx)
	if err != nil {
		return nil, err
	}
	if cookies == nil {
		cookies = map[string]string{}
	}
	c.baseCookies = cookies
	return cookies, nil
}

func (c *CredentialCache) StoreToken(ctx context.Context) (string, error) {
	if c.storeToken != nil {
		return *c.storeToken, nil
	}
	base, err := c.BaseCookies(ctx)
	if err != nil {
		return "", err
	}
	token, err := c.source.fetchStoreToken(ctx, base)
	if err != nil {
		return "", err
	}
	c.storeToken = &token
	return token, nil
}

// RequiredCookies is the union every basket call must carry.
func (c *CredentialCache) RequiredCookies(ctx context.Context) (map[string]string, error) {
	base, err := c.BaseCookies(ctx)
	if err != nil {
		return nil, err
	}
	token, err := c.StoreToken(ctx)
	if err != nil {
		return nil, err
	}

	out := make(map[string]string, len(base)+1)
	for k, v := range base {
		out[k] = v
	}
	out[storeTokenCookie] = token
	return out, nil
}

// BasketID assumes the session already carries the required cookies.
func (c *CredentialCache) BasketID(ctx context.Context) (string, error) {
	if c.basketID != nil {
		return *c.basketID, nil
	}
	id, err := c.source.fetchBasketID(ctx)
	if err != nil {
		return "", err
	}
	c.basketID = &id
	return id, nil
}

// Invalidate drops cached values and returns the scope actually applied.
// The basket id never outlives the session it was created in.
func (c *CredentialCache) Invalidate(scope CacheScope) (CacheScope, error) {
	c.clears++
	c.basketID = nil
	c.storeToken = nil

	if c.clears%fullClearEvery == 0 {
		scope = ScopeAll
	}
	if scope == ScopeAll && c.baseCookies != nil {
		c.baseCookies = nil
		return scope, c.source.wipeBrowserCookies()
	}
	return scope, nil
}

// Clears counts every invalidation since the cache was created.
func (c *CredentialCache) Clears() int {
	return c.clears
}
