package assets

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"richimport/internal/metrics"
	"richimport/internal/store"
)

// fakeRepo is a call-counting in-memory asset repository.
type fakeRepo struct {
	mu      sync.Mutex
	assets  map[string]store.Asset
	byURI   map[string]string
	calls   map[string]int
	failOn  map[string]error
	nextSeq int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		assets: map[string]store.Asset{},
		byURI:  map[string]string{},
		calls:  map[string]int{},
		failOn: map[string]error{},
	}
}

func (f *fakeRepo) count(step string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[step]
}

func (f *fakeRepo) hit(step string) error {
	f.calls[step]++
	return f.failOn[step]
}

func (f *fakeRepo) FindAssetBySourceURI(_ context.Context, uri string) (store.Asset, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.hit(StepLookup); err != nil {
		return store.Asset{}, false, err
	}
	id, ok := f.byURI[uri]
	if !ok {
		return store.Asset{}, false, nil
	}
	return f.assets[id], true, nil
}

func (f *fakeRepo) CreateAsset(_ context.Context, uri string) (store.Asset, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.hit(StepCreate); err != nil {
		return store.Asset{}, err
	}
	f.nextSeq++
	a := store.Asset{ID: fmt.Sprintf("A%d", f.nextSeq), SourceURI: uri, Status: store.AssetPending, Version: 1}
	f.assets[a.ID] = a
	f.byURI[uri] = a.ID
	return a, nil
}

func (f *fakeRepo) ProcessAsset(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.hit(StepProcess); err != nil {
		return err
	}
	a := f.assets[id]
	a.Status = store.AssetProcessed
	a.Version++
	f.assets[id] = a
	return nil
}

func (f *fakeRepo) FetchAsset(_ context.Context, id string) (store.Asset, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.hit(StepFetch); err != nil {
		return store.Asset{}, err
	}
	return f.assets[id], nil
}

func (f *fakeRepo) PublishAsset(_ context.Context, id string, version int) (store.Asset, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.hit(StepPublish); err != nil {
		return store.Asset{}, err
	}
	a := f.assets[id]
	if a.Version != version {
		return store.Asset{}, store.ErrVersionConflict
	}
	published := a.Version
	a.PublishedVersion = &published
	a.Status = store.AssetPublished
	a.Version++
	f.assets[id] = a
	return a, nil
}

func TestResolveSameURITwiceCreatesOnce(t *testing.T) {
	repo := newFakeRepo()
	m := metrics.New()
	r := NewResolver(repo, zap.NewNop(), m)
	ctx := context.Background()

	first, err := r.Resolve(ctx, "https://cdn.example.com/a.png")
	require.NoError(t, err)
	second, err := r.Resolve(ctx, "https://cdn.example.com/a.png")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, store.AssetPublished, first.Status)
	assert.Equal(t, 1, repo.count(StepCreate))
	assert.Equal(t, 1, repo.count(StepProcess))
	assert.Equal(t, 1, repo.count(StepPublish))
	assert.Equal(t, 1, repo.count(StepLookup), "cached resolution must not query the repository")
	assert.Equal(t, 1, r.Len())

	expected := `
# HELP richimport_asset_cache_hits_total Asset resolutions served without creating a new asset.
# TYPE richimport_asset_cache_hits_total counter
richimport_asset_cache_hits_total 1
# HELP richimport_assets_created_total Assets created and published from source URIs.
# TYPE richimport_assets_created_total counter
richimport_assets_created_total 1
`
	assert.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected),
		"richimport_asset_cache_hits_total", "richimport_assets_created_total"))
}

func TestResolvePublishesPostProcessingRevision(t *testing.T) {
	repo := newFakeRepo()
	r := NewResolver(repo, zap.NewNop(), nil)

	asset, err := r.Resolve(context.Background(), "https://cdn.example.com/a.png")
	require.NoError(t, err)
	require.NotNil(t, asset.PublishedVersion)
	// created at 1, processed to 2, published at 2
	assert.Equal(t, 2, *asset.PublishedVersion)
	assert.Equal(t, 1, repo.count(StepFetch))
}

func TestResolveDistinctURIs(t *testing.T) {
	repo := newFakeRepo()
	r := NewResolver(repo, zap.NewNop(), nil)
	ctx := context.Background()

	a, err := r.Resolve(ctx, "https://cdn.example.com/a.png")
	require.NoError(t, err)
	b, err := r.Resolve(ctx, "https://cdn.example.com/b.png")
	require.NoError(t, err)

	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, 2, repo.count(StepCreate))
}

func TestResolveReturnsExistingPublishedAsset(t *testing.T) {
	repo := newFakeRepo()
	published := 1
	repo.assets["OLD"] = store.Asset{ID: "OLD", SourceURI: "u", Status: store.AssetPublished, Version: 2, PublishedVersion: &published}
	repo.byURI["u"] = "OLD"
	r := NewResolver(repo, zap.NewNop(), nil)

	asset, err := r.Resolve(context.Background(), "u")
	require.NoError(t, err)
	assert.Equal(t, "OLD", asset.ID)
	assert.Equal(t, 0, repo.count(StepCreate))
	assert.Equal(t, 0, repo.count(StepPublish))
}

// lateWriterRepo misses on lookup while another writer's published asset
// wins the create, as when a second process inserts the same source first.
type lateWriterRepo struct {
	*fakeRepo
	winner store.Asset
}

func (l *lateWriterRepo) FindAssetBySourceURI(context.Context, string) (store.Asset, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return store.Asset{}, false, l.hit(StepLookup)
}

func (l *lateWriterRepo) CreateAsset(context.Context, string) (store.Asset, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.winner, l.hit(StepCreate)
}

func TestResolveKeepsConcurrentlyPublishedAsset(t *testing.T) {
	published := 2
	winner := store.Asset{ID: "W1", SourceURI: "u", Status: store.AssetPublished, Version: 3, PublishedVersion: &published}
	repo := &lateWriterRepo{fakeRepo: newFakeRepo(), winner: winner}
	repo.assets["W1"] = winner
	m := metrics.New()
	r := NewResolver(repo, zap.NewNop(), m)

	asset, err := r.Resolve(context.Background(), "u")
	require.NoError(t, err)
	assert.Equal(t, winner, asset)
	assert.Equal(t, 1, repo.count(StepCreate))
	assert.Equal(t, 0, repo.count(StepProcess))
	assert.Equal(t, 0, repo.count(StepPublish))
	assert.Equal(t, 3, repo.assets["W1"].Version)

	expected := `
# HELP richimport_asset_cache_hits_total Asset resolutions served without creating a new asset.
# TYPE richimport_asset_cache_hits_total counter
richimport_asset_cache_hits_total 1
# HELP richimport_assets_created_total Assets created and published from source URIs.
# TYPE richimport_assets_created_total counter
richimport_assets_created_total 0
`
	assert.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected),
		"richimport_asset_cache_hits_total", "richimport_assets_created_total"))
}

func TestResolveFinishesInterruptedAsset(t *testing.T) {
	repo := newFakeRepo()
	repo.assets["HALF"] = store.Asset{ID: "HALF", SourceURI: "u", Status: store.AssetProcessed, Version: 2}
	repo.byURI["u"] = "HALF"
	r := NewResolver(repo, zap.NewNop(), nil)

	asset, err := r.Resolve(context.Background(), "u")
	require.NoError(t, err)
	assert.Equal(t, "HALF", asset.ID)
	assert.Equal(t, store.AssetPublished, asset.Status)
	assert.Equal(t, 0, repo.count(StepCreate))
	assert.Equal(t, 0, repo.count(StepProcess))
	assert.Equal(t, 1, repo.count(StepPublish))
}

func TestResolveFailureIsNotCached(t *testing.T) {
	for _, step := range []string{StepLookup, StepCreate, StepProcess, StepFetch, StepPublish} {
		t.Run(step, func(t *testing.T) {
			repo := newFakeRepo()
			cause := errors.New("upstream down")
			repo.failOn[step] = cause
			r := NewResolver(repo, zap.NewNop(), nil)
			ctx := context.Background()

			_, err := r.Resolve(ctx, "https://cdn.example.com/a.png")
			require.Error(t, err)

			var resErr *ResolutionError
			require.True(t, errors.As(err, &resErr))
			assert.Equal(t, step, resErr.Step)
			assert.Equal(t, "https://cdn.example.com/a.png", resErr.URI)
			assert.ErrorIs(t, err, cause)
			assert.Equal(t, 0, r.Len())

			delete(repo.failOn, step)
			asset, err := r.Resolve(ctx, "https://cdn.example.com/a.png")
			require.NoError(t, err)
			assert.Equal(t, store.AssetPublished, asset.Status)
		})
	}
}

func TestResolveConcurrentSameURI(t *testing.T) {
	repo := newFakeRepo()
	r := NewResolver(repo, zap.NewNop(), nil)

	var wg sync.WaitGroup
	ids := make([]string, 16)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			asset, err := r.Resolve(context.Background(), "https://cdn.example.com/shared.png")
			if err == nil {
				ids[i] = asset.ID
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, repo.count(StepCreate))
	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
}
