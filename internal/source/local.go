package source

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/spf13/afero"

	"github.com/chmdznr/oss-study-sync/internal/identity"
	"github.com/chmdznr/oss-study-sync/pkg/errors"
)

// Local serves a directory tree as a source. Leaf identities are sampled
// content fingerprints, so listing costs the same for any file size.
type Local struct {
	fs   afero.Fs
	opts identity.FingerprintOptions
}

// NewLocal returns a source rooted at root on fs.
func NewLocal(fs afero.Fs, root string, opts identity.FingerprintOptions) *Local {
	if opts.Algorithm == "" {
		opts.Algorithm = identity.Blake3
	}
	return &Local{fs: afero.NewBasePathFs(fs, root), opts: opts}
}

func newLocal(cfg Config) (Source, error) {
	root, err := cfg.Require("root")
	if err != nil {
		return nil, err
	}
	opts := cfg.Fingerprint
	if opts == (identity.FingerprintOptions{}) {
		opts = identity.DefaultFingerprintOptions()
	}
	return NewLocal(afero.NewOsFs(), root, opts), nil
}

// List implements Source.
func (l *Local) List(ctx context.Context, dir string) ([]Item, error) {
	infos, err := afero.ReadDir(l.fs, osPath(dir))
	if err != nil {
		return nil, fmt.Errorf("list %q: %w", dir, errors.Mark(err, errors.ErrRemoteUnavailable))
	}

	items := make([]Item, 0, len(infos))
	for _, fi := range infos {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		item := Item{
			Path:    path.Join(dir, fi.Name()),
			IsDir:   fi.IsDir(),
			Size:    fi.Size(),
			ModTime: fi.ModTime(),
		}
		if !fi.IsDir() {
			sum, err := identity.Fingerprint(l.fs, osPath(item.Path), l.opts)
			if errors.Is(err, errors.ErrInvalidArgument) {
				return nil, fmt.Errorf("fingerprint %q: %w", item.Path, err)
			}
			if err != nil {
				return nil, fmt.Errorf("fingerprint %q: %w", item.Path, errors.Mark(err, errors.ErrRemoteUnavailable))
			}
			item.Identity = sum
			item.IdentityKind = string(l.opts.Algorithm)
			item.Ref = item.Path
		}
		items = append(items, item)
	}
	return items, nil
}

// Fetch implements Source.
func (l *Local) Fetch(ctx context.Context, item Item) (io.ReadCloser, error) {
	f, err := l.fs.Open(osPath(item.Ref))
	if err != nil {
		return nil, fmt.Errorf("fetch %q: %w", item.Ref, errors.Mark(err, errors.ErrRemoteUnavailable))
	}
	return f, nil
}

// LocalDaily serves <root>/<subject>/<YYYY-MM-DD><ext> partitions.
type LocalDaily struct {
	fs  afero.Fs
	ext string
}

// NewLocalDaily returns a dated source rooted at root on fs.
func NewLocalDaily(fs afero.Fs, root, ext string) *LocalDaily {
	return &LocalDaily{fs: afero.NewBasePathFs(fs, root), ext: ext}
}

func newLocalDaily(cfg Config) (DatedSource, error) {
	root, err := cfg.Require("root")
	if err != nil {
		return nil, err
	}
	return NewLocalDaily(afero.NewOsFs(), root, cfg.Option("ext", ".json")), nil
}

// FetchDate implements DatedSource.
func (l *LocalDaily) FetchDate(ctx context.Context, subject string, date time.Time) (Item, io.ReadCloser, error) {
	name := path.Join(subject, date.Format(DateLayout)+l.ext)
	f, err := l.fs.Open(osPath(name))
	if os.IsNotExist(err) {
		return Item{}, nil, fmt.Errorf("partition %s: %w", name, errors.ErrNotFound)
	}
	if err != nil {
		return Item{}, nil, fmt.Errorf("fetch %s: %w", name, errors.Mark(err, errors.ErrRemoteUnavailable))
	}
	item := Item{Path: name, Ref: name}
	if fi, err := f.Stat(); err == nil {
		item.Size = fi.Size()
		item.ModTime = fi.ModTime()
	}
	return item, f, nil
}

// osPath turns a slash-separated source path into one BasePathFs accepts.
func osPath(p string) string {
	return filepath.FromSlash(path.Join("/", p))
}
