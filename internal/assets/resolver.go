// Package assets turns image source URIs into published assets, creating
// each distinct URI at most once per batch.
package assets

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"richimport/internal/metrics"
	"richimport/internal/store"
)

// Repository is the asset half of the content repository.
type Repository interface {
	FindAssetBySourceURI(ctx context.Context, uri string) (store.Asset, bool, error)
	CreateAsset(ctx context.Context, uri string) (store.Asset, error)
	// ProcessAsset blocks until every locale variant is processed.
	ProcessAsset(ctx context.Context, id string) error
	FetchAsset(ctx context.Context, id string) (store.Asset, error)
	PublishAsset(ctx context.Context, id string, version int) (store.Asset, error)
}

// Resolution steps reported in ResolutionError.
const (
	StepLookup  = "lookup"
	StepCreate  = "create"
	StepProcess = "process"
	StepFetch   = "fetch"
	StepPublish = "publish"
)

// ResolutionError reports the step at which resolving URI failed.
type ResolutionError struct {
	URI  string
	Step string
	Err  error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolve asset %q: %s: %v", e.URI, e.Step, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// Resolver owns the source URI → published asset cache of one batch.
// Failed resolutions are never cached.
type Resolver struct {
	repo    Repository
	log     *zap.Logger
	metrics *metrics.Metrics

	mu    sync.RWMutex
	cache map[string]store.Asset

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex
}

func NewResolver(repo Repository, log *zap.Logger, m *metrics.Metrics) *Resolver {
	return &Resolver{
		repo:    repo,
		log:     log.Named("assets"),
		metrics: m,
		cache:   make(map[string]store.Asset),
		locks:   make(map[string]*sync.Mutex),
	}
}

// Resolve returns the published asset for uri, creating, processing and
// publishing it when neither the cache nor the repository has one.
func (r *Resolver) Resolve(ctx context.Context, uri string) (store.Asset, error) {
	if asset, ok := r.cached(uri); ok {
		r.metrics.AssetCacheHit()
		return asset, nil
	}

	lock := r.uriLock(uri)
	lock.Lock()
	defer lock.Unlock()

	// another caller may have finished while we waited
	if asset, ok := r.cached(uri); ok {
		r.metrics.AssetCacheHit()
		return asset, nil
	}

	existing, found, err := r.repo.FindAssetBySourceURI(ctx, uri)
	if err != nil {
		return store.Asset{}, &ResolutionError{URI: uri, Step: StepLookup, Err: err}
	}

	var asset store.Asset
	switch {
	case found && existing.Status == store.AssetPublished:
		r.log.Debug("asset already exists", zap.String("uri", uri), zap.String("asset", existing.ID))
		r.metrics.AssetCacheHit()
		asset = existing
	case found:
		r.log.Info("finishing interrupted asset", zap.String("uri", uri), zap.String("asset", existing.ID),
			zap.String("status", string(existing.Status)))
		if asset, err = r.complete(ctx, uri, existing); err != nil {
			return store.Asset{}, err
		}
	default:
		created, err := r.repo.CreateAsset(ctx, uri)
		if err != nil {
			return store.Asset{}, &ResolutionError{URI: uri, Step: StepCreate, Err: err}
		}
		if created.Status == store.AssetPublished {
			// another writer created and published it first
			r.log.Debug("asset published concurrently", zap.String("uri", uri), zap.String("asset", created.ID))
			r.metrics.AssetCacheHit()
			asset = created
			break
		}
		if asset, err = r.complete(ctx, uri, created); err != nil {
			return store.Asset{}, err
		}
		r.metrics.AssetCreated()
		r.log.Info("asset published", zap.String("uri", uri), zap.String("asset", asset.ID))
	}

	r.mu.Lock()
	r.cache[uri] = asset
	r.mu.Unlock()
	return asset, nil
}

// complete drives an unpublished asset through processing and publishing.
func (r *Resolver) complete(ctx context.Context, uri string, asset store.Asset) (store.Asset, error) {
	if asset.Status == store.AssetPending {
		if err := r.repo.ProcessAsset(ctx, asset.ID); err != nil {
			return store.Asset{}, &ResolutionError{URI: uri, Step: StepProcess, Err: err}
		}
	}

	current, err := r.repo.FetchAsset(ctx, asset.ID)
	if err != nil {
		return store.Asset{}, &ResolutionError{URI: uri, Step: StepFetch, Err: err}
	}

	published, err := r.repo.PublishAsset(ctx, current.ID, current.Version)
	if err != nil {
		return store.Asset{}, &ResolutionError{URI: uri, Step: StepPublish, Err: err}
	}
	return published, nil
}

func (r *Resolver) cached(uri string) (store.Asset, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	asset, ok := r.cache[uri]
	return asset, ok
}

func (r *Resolver) uriLock(uri string) *sync.Mutex {
	r.lockMu.Lock()
	defer r.lockMu.Unlock()
	lock, ok := r.locks[uri]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	r.locks[uri] = lock
	return lock
}

// Len reports how many URIs have been resolved.
func (r *Resolver) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.cache)
}
