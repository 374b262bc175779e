package proofsvc

import (
	"context"

	"github.com/10yihang/pcdsync/internal/metrics"
	"github.com/10yihang/pcdsync/internal/pcd"
	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultVerifyCacheSize is the number of verify results kept by default.
const DefaultVerifyCacheSize = 256

// CachedVerifier memoizes Verify results keyed by (s_current, proof_current).
// Init and Update pass through. Failed calls are not cached.
type CachedVerifier struct {
	pcd.ProofService
	cache *lru.Cache[string, pcd.VerifyResult]
}

// NewCachedVerifier wraps svc with an LRU of the given size.
func NewCachedVerifier(svc pcd.ProofService, size int) (*CachedVerifier, error) {
	if size <= 0 {
		size = DefaultVerifyCacheSize
	}
	cache, err := lru.New[string, pcd.VerifyResult](size)
	if err != nil {
		return nil, err
	}
	return &CachedVerifier{ProofService: svc, cache: cache}, nil
}

func (c *CachedVerifier) Verify(ctx context.Context, state *pcd.PcdState) (*pcd.VerifyResult, error) {
	if state == nil {
		return nil, errMissingState
	}
	key := normalizeHex(state.SCurrent) + "/" + normalizeHex(state.ProofCurrent)
	if res, ok := c.cache.Get(key); ok {
		metrics.RecordVerifyCache(true)
		return &res, nil
	}
	metrics.RecordVerifyCache(false)

	res, err := c.ProofService.Verify(ctx, state)
	if err != nil {
		return nil, err
	}
	c.cache.Add(key, *res)
	return res, nil
}

// Len returns the number of cached results.
func (c *CachedVerifier) Len() int {
	return c.cache.Len()
}

// Purge drops all cached results.
func (c *CachedVerifier) Purge() {
	c.cache.Purge()
}
