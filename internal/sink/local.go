package sink

import (
	"context"
	"fmt"
	"io"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/chmdznr/oss-study-sync/pkg/errors"
)

// Local copies files into a directory tree, for archives mounted as a
// filesystem.
type Local struct {
	fs   afero.Fs
	root string
}

// NewLocal returns a sink writing below root on fs.
func NewLocal(fs afero.Fs, root string) *Local {
	return &Local{fs: fs, root: root}
}

func newLocal(cfg Config) (Sink, error) {
	root, err := cfg.Require("root")
	if err != nil {
		return nil, err
	}
	return NewLocal(afero.NewOsFs(), root), nil
}

// Upload implements Sink. Content is written to a temporary name and renamed
// into place once complete.
func (l *Local) Upload(ctx context.Context, name string, r io.Reader, size int64, _ map[string]string) (Destination, error) {
	dst := filepath.Join(l.root, filepath.Clean(filepath.Join(string(filepath.Separator), filepath.FromSlash(name))))
	if err := l.fs.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return Destination{}, fmt.Errorf("upload %s: %w", name, errors.Mark(err, errors.ErrDeliveryFailure))
	}

	tmp := dst + ".part"
	out, err := l.fs.Create(tmp)
	if err != nil {
		return Destination{}, fmt.Errorf("upload %s: %w", name, errors.Mark(err, errors.ErrDeliveryFailure))
	}
	n, copyErr := io.Copy(out, r)
	closeErr := out.Close()
	if copyErr == nil {
		copyErr = closeErr
	}
	if copyErr == nil && size >= 0 && n != size {
		copyErr = fmt.Errorf("short write: %d of %d bytes", n, size)
	}
	if copyErr != nil {
		_ = l.fs.Remove(tmp)
		return Destination{}, fmt.Errorf("upload %s: %w", name, errors.Mark(copyErr, errors.ErrDeliveryFailure))
	}
	if err := l.fs.Rename(tmp, dst); err != nil {
		_ = l.fs.Remove(tmp)
		return Destination{}, fmt.Errorf("upload %s: %w", name, errors.Mark(err, errors.ErrDeliveryFailure))
	}
	return Destination{Key: dst, Size: n}, nil
}
