package importer

import (
	"context"
	"fmt"
	"sync"

	"richimport/internal/store"
)

// DryRunResolver hands out stable fake ids without touching the network.
type DryRunResolver struct {
	mu  sync.Mutex
	ids map[string]string
}

func NewDryRunResolver() *DryRunResolver {
	return &DryRunResolver{ids: make(map[string]string)}
}

func (r *DryRunResolver) Resolve(_ context.Context, uri string) (store.Asset, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.ids[uri]
	if !ok {
		id = fmt.Sprintf("dry-run:%d", len(r.ids))
		r.ids[uri] = id
	}
	return store.Asset{ID: id, SourceURI: uri, Status: store.AssetPublished}, nil
}
