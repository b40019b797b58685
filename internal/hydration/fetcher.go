package hydration

import (
	"fmt"
	"os"
	"strings"
)

// Fetcher retrieves the raw bytes of an external XML resource named by a URI.
type Fetcher interface {
	Fetch(uri string) ([]byte, error)
	Supports(uri string) bool
}

// FetchError reports a resource that could not be retrieved.
type FetchError struct {
	URI string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("hydration: fetching %q: %v", e.URI, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// FileFetcher resolves file:// URIs and plain filesystem paths. An optional
// base directory confines relative paths.
type FileFetcher struct {
	BaseDir string
}

// Supports reports whether the URI looks like a local file reference.
func (f *FileFetcher) Supports(uri string) bool {
	return strings.HasPrefix(uri, "file://") || !strings.Contains(uri, "://")
}

// Fetch reads the file named by the URI.
func (f *FileFetcher) Fetch(uri string) ([]byte, error) {
	path := strings.TrimPrefix(uri, "file://")
	if f.BaseDir != "" && !strings.HasPrefix(path, "/") {
		path = f.BaseDir + "/" + path
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &FetchError{URI: uri, Err: err}
	}
	return data, nil
}

// CompositeFetcher tries each registered fetcher that supports the URI, in
// order, returning the first success.
type CompositeFetcher struct {
	fetchers []Fetcher
}

// NewCompositeFetcher builds a composite over the given fetchers.
func NewCompositeFetcher(fetchers ...Fetcher) *CompositeFetcher {
	return &CompositeFetcher{fetchers: fetchers}
}

// Supports reports whether any registered fetcher supports the URI.
func (c *CompositeFetcher) Supports(uri string) bool {
	for _, f := range c.fetchers {
		if f.Supports(uri) {
			return true
		}
	}
	return false
}

// Fetch retrieves the resource via the first supporting fetcher.
func (c *CompositeFetcher) Fetch(uri string) ([]byte, error) {
	var lastErr error
	for _, f := range c.fetchers {
		if !f.Supports(uri) {
			continue
		}
		data, err := f.Fetch(uri)
		if err == nil {
			return data, nil
		}
		lastErr = err
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, &FetchError{URI: uri, Err: fmt.Errorf("no fetcher supports this URI")}
}
