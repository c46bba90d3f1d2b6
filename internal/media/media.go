// Package media downloads asset sources and names the resulting files.
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/gosimple/slug"
	"github.com/h2non/filetype"
)

// DefaultContentType is used when the bytes match no known signature.
const DefaultContentType = "image/jpeg"

var ErrTooLarge = errors.New("asset exceeds size limit")

// File is a downloaded asset source.
type File struct {
	Data        []byte
	ContentType string
	Extension   string
}

// Fetcher downloads asset sources over HTTP.
type Fetcher struct {
	client   *http.Client
	maxBytes int64
}

func NewFetcher(timeout time.Duration, maxBytes int64) *Fetcher {
	return &Fetcher{
		client:   &http.Client{Timeout: timeout},
		maxBytes: maxBytes,
	}
}

// Fetch downloads uri and sniffs its content type.
func (f *Fetcher) Fetch(ctx context.Context, uri string) (File, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return File{}, fmt.Errorf("parse source uri: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return File{}, fmt.Errorf("unsupported source uri scheme %q", u.Scheme)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return File{}, fmt.Errorf("build request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return File{}, fmt.Errorf("download %s: %w", uri, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return File{}, fmt.Errorf("download %s: unexpected status %d", uri, resp.StatusCode)
	}

	body := io.Reader(resp.Body)
	if f.maxBytes > 0 {
		body = io.LimitReader(resp.Body, f.maxBytes+1)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return File{}, fmt.Errorf("read %s: %w", uri, err)
	}
	if f.maxBytes > 0 && int64(len(data)) > f.maxBytes {
		return File{}, fmt.Errorf("download %s: %w", uri, ErrTooLarge)
	}

	contentType, ext := Sniff(data)
	return File{Data: data, ContentType: contentType, Extension: ext}, nil
}

// Sniff returns the MIME type and extension matching the file signature of
// data, falling back to DefaultContentType.
func Sniff(data []byte) (string, string) {
	kind, err := filetype.Match(data)
	if err != nil || kind == filetype.Unknown {
		return DefaultContentType, "jpg"
	}
	return kind.MIME.Value, kind.Extension
}

// FileName derives a stable file name from the last path segment of uri:
// the stem is slugified and the extension kept.
func FileName(uri string) string {
	p := uri
	if u, err := url.Parse(uri); err == nil {
		p = u.Path
	}
	base := path.Base(p)
	if base == "." || base == "/" {
		base = ""
	}

	ext := strings.ToLower(path.Ext(base))
	stem := slug.Make(strings.TrimSuffix(base, path.Ext(base)))
	if stem == "" {
		stem = "image"
	}
	if ext == "" || ext == "." {
		return stem
	}
	return stem + ext
}
