// Package source defines the retrieval capability the sync core consumes and
// the built-in implementations selected by type tag.
package source

import (
	"context"
	"io"
	"path"
	"time"
)

// An Item is one entry of a remote listing.
type Item struct {
	// Path is slash-separated and relative to the source root.
	Path  string
	IsDir bool

	// Identity is the provider-supplied content identity of a leaf, such as
	// an ETag or a checksum, and IdentityKind names it ("etag", "md5").
	Identity     string
	IdentityKind string

	Size    int64
	ModTime time.Time

	// Ref is what Fetch needs to download the item. Leaves without a Ref
	// cannot be downloaded.
	Ref string
}

// Name returns the last element of the item's path.
func (i Item) Name() string {
	return path.Base(i.Path)
}

// Source lists a remote hierarchical namespace and fetches its leaves.
type Source interface {
	// List returns the direct children of dir.
	List(ctx context.Context, dir string) ([]Item, error)
	// Fetch opens the content of a leaf returned by List.
	Fetch(ctx context.Context, item Item) (io.ReadCloser, error)
}

// DatedSource serves sources partitioned by calendar day, such as continuous
// device telemetry.
type DatedSource interface {
	// FetchDate opens the partition of subject for date. It returns an error
	// matching errors.ErrNotFound when the source holds no data for the day.
	FetchDate(ctx context.Context, subject string, date time.Time) (Item, io.ReadCloser, error)
}

// DateLayout is how partition dates are rendered in names and metadata.
const DateLayout = "2006-01-02"
