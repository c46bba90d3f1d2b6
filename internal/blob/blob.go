// Package blob stores processed asset files.
package blob

import (
	"context"
	"errors"
	"io"
)

var ErrNotFound = errors.New("object not found")

// Object describes a stored file.
type Object struct {
	Key         string
	URL         string
	ContentType string
	Size        int64
}

// Store uploads and serves asset files by key.
type Store interface {
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) (Object, error)
	Get(ctx context.Context, key string) (io.ReadCloser, Object, error)
}

// AssetKey is the object key of an asset file for one locale.
func AssetKey(assetID, locale, fileName string) string {
	return "assets/" + assetID + "/" + locale + "/" + fileName
}
