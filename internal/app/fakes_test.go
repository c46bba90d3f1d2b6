package app

import (
	"context"
	"errors"
	"sync"
	"time"

	"richimport/internal/media"
	"richimport/internal/store"
)

// memoryStore is an in-memory dataStore with the same version rules as
// the Postgres store.
type memoryStore struct {
	mu      sync.Mutex
	pingErr error
	assets  map[string]store.Asset
	entries map[string]store.Entry
	runs    map[string]store.ImportRun
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		assets:  map[string]store.Asset{},
		entries: map[string]store.Entry{},
		runs:    map[string]store.ImportRun{},
	}
}

func (m *memoryStore) Ping(context.Context) error { return m.pingErr }

func (m *memoryStore) FindAssetBySourceURI(_ context.Context, uri string) (store.Asset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.assets {
		if a.SourceURI == uri {
			return a, nil
		}
	}
	return store.Asset{}, store.ErrNotFound
}

func (m *memoryStore) InsertAsset(_ context.Context, asset store.Asset) (store.Asset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.assets {
		if a.SourceURI == asset.SourceURI {
			return store.Asset{}, store.ErrDuplicate
		}
	}
	asset.Version = 1
	asset.CreatedAt = time.Now()
	asset.UpdatedAt = asset.CreatedAt
	m.assets[asset.ID] = asset
	return asset, nil
}

func (m *memoryStore) GetAsset(_ context.Context, id string) (store.Asset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.assets[id]
	if !ok {
		return store.Asset{}, store.ErrNotFound
	}
	return a, nil
}

func (m *memoryStore) SaveAssetFiles(_ context.Context, id string, files []store.AssetFile) (store.Asset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.assets[id]
	if !ok {
		return store.Asset{}, store.ErrNotFound
	}
	a.Files = files
	a.Status = store.AssetProcessed
	a.Version++
	m.assets[id] = a
	return a, nil
}

func (m *memoryStore) PublishAsset(_ context.Context, id string, version int) (store.Asset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.assets[id]
	if !ok {
		return store.Asset{}, store.ErrNotFound
	}
	if a.Version != version {
		return store.Asset{}, store.ErrVersionConflict
	}
	published := version
	a.PublishedVersion = &published
	a.Status = store.AssetPublished
	a.Version++
	m.assets[id] = a
	return a, nil
}

func (m *memoryStore) InsertEntry(_ context.Context, entry store.Entry) (store.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry.Version = 1
	entry.CreatedAt = time.Now()
	entry.UpdatedAt = entry.CreatedAt
	m.entries[entry.ID] = entry
	return entry, nil
}

func (m *memoryStore) GetEntry(_ context.Context, id string) (store.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return store.Entry{}, store.ErrNotFound
	}
	return e, nil
}

func (m *memoryStore) PublishEntry(_ context.Context, id string, version int) (store.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return store.Entry{}, store.ErrNotFound
	}
	if e.Version != version {
		return store.Entry{}, store.ErrVersionConflict
	}
	published := version
	e.PublishedVersion = &published
	e.Status = store.EntryPublished
	e.Version++
	m.entries[id] = e
	return e, nil
}

func (m *memoryStore) CreateImportRun(_ context.Context, run store.ImportRun) (store.ImportRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run.StartedAt = time.Now()
	m.runs[run.ID] = run
	return run, nil
}

func (m *memoryStore) UpdateImportRun(_ context.Context, run store.ImportRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[run.ID]; !ok {
		return store.ErrNotFound
	}
	run.FinishedAt = nil
	if run.Status != store.ImportRunning {
		finished := time.Now()
		run.FinishedAt = &finished
	}
	m.runs[run.ID] = run
	return nil
}

func (m *memoryStore) GetImportRun(_ context.Context, id string) (store.ImportRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return store.ImportRun{}, store.ErrNotFound
	}
	return run, nil
}

func (m *memoryStore) entryList() []store.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	return out
}

var pngHeader = []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a, 0, 0, 0, 0x0d, 'I', 'H', 'D', 'R'}

type stubFetcher struct {
	mu    sync.Mutex
	calls map[string]int
	fail  map[string]error
	// gate, when set, blocks every fetch until closed.
	gate chan struct{}
}

func newStubFetcher() *stubFetcher {
	return &stubFetcher{calls: map[string]int{}, fail: map[string]error{}}
}

func (f *stubFetcher) Fetch(ctx context.Context, uri string) (media.File, error) {
	f.mu.Lock()
	f.calls[uri]++
	err := f.fail[uri]
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return media.File{}, ctx.Err()
		}
	}
	if err != nil {
		return media.File{}, err
	}
	return media.File{Data: pngHeader, ContentType: "image/png", Extension: "png"}, nil
}

func (f *stubFetcher) count(uri string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[uri]
}

var errFetch = errors.New("source unreachable")
