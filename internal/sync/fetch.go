package sync

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/spf13/afero"

	"github.com/chmdznr/oss-study-sync/internal/identity"
	"github.com/chmdznr/oss-study-sync/internal/layout"
	"github.com/chmdznr/oss-study-sync/internal/source"
	"github.com/chmdznr/oss-study-sync/pkg/errors"
	"github.com/chmdznr/oss-study-sync/pkg/models"
)

// Fetch downloads the item of a Fetch action into its local path, writes
// its sidecar and records the artifact, sidecar and pull in the ledger.
// The sidecar only takes its final name once the ledger batch committed, so
// an artifact without provenance is fetched again by the next walk.
func (w *Walker) Fetch(ctx context.Context, src source.Source, t Target, a Action) (*models.File, error) {
	if a.Decision != Fetch {
		return nil, fmt.Errorf("fetch called for %s action: %w", a.Decision, errors.ErrInvalidArgument)
	}
	start := time.Now()

	rc, err := src.Fetch(ctx, a.Item)
	if err != nil {
		return nil, fmt.Errorf("fetch %q: %w", a.Item.Path, errors.Mark(err, errors.ErrRemoteUnavailable))
	}
	defer rc.Close()

	file, err := materialize(w.fs, a.LocalPath, rc, w.cfg.Algorithm, a.Item.ModTime)
	if err != nil {
		return nil, fmt.Errorf("fetch %q: %w", a.Item.Path, err)
	}

	files := []models.File{file}
	sc, scFile, err := stageSidecar(w.fs, a.LocalPath, a.Item, w.cfg.Algorithm)
	if err != nil {
		return nil, err
	}
	if sc != nil {
		files = append(files, scFile)
	}

	pull := models.Pull{
		Scope:    t.Scope,
		FilePath: file.Path,
		FileHash: file.Hash,
		Duration: time.Since(start),
		Metadata: models.Metadata{
			"remote_path": remoteName(a.Item),
			"bytes":       file.Size,
		},
	}
	annotateIdentity(pull.Metadata, a.Item)
	if t.RunID != "" {
		pull.Metadata["run_id"] = t.RunID
	}

	if _, err := w.ledger.RecordFetch(ctx, pull, files...); err != nil {
		sc.discard()
		return nil, err
	}
	if err := sc.install(); err != nil {
		return nil, err
	}
	return &file, nil
}

// A sidecar is an identity file staged under its partial name.
type sidecar struct {
	fs   afero.Fs
	path string
	part string
}

// stageSidecar writes item's remote identity to the partial sidecar of local
// and returns the ledger row describing the final sidecar. Items without an
// identity get a nil sidecar.
func stageSidecar(fs afero.Fs, local string, item source.Item, alg identity.Algorithm) (*sidecar, models.File, error) {
	if item.Identity == "" {
		return nil, models.File{}, nil
	}
	sc := &sidecar{fs: fs, path: layout.SidecarPath(local, identityKind(item))}
	sc.part = layout.PartialPath(sc.path)

	content := []byte(item.Identity)
	if err := afero.WriteFile(fs, sc.part, content, 0o644); err != nil {
		return nil, models.File{}, fmt.Errorf("write sidecar: %w", err)
	}
	hash, err := identity.HashBytes(content, alg)
	if err != nil {
		_ = fs.Remove(sc.part)
		return nil, models.File{}, err
	}
	return sc, models.File{
		Path:    sc.path,
		Hash:    hash,
		Size:    int64(len(content)),
		ModTime: time.Now(),
	}, nil
}

// install gives the sidecar its final name. Call it once the ledger batch
// naming it committed.
func (s *sidecar) install() error {
	if s == nil {
		return nil
	}
	if err := s.fs.Rename(s.part, s.path); err != nil {
		return fmt.Errorf("install sidecar: %w", err)
	}
	return nil
}

func (s *sidecar) discard() {
	if s != nil {
		_ = s.fs.Remove(s.part)
	}
}

func annotateIdentity(md models.Metadata, item source.Item) {
	if item.Identity != "" {
		md["remote_identity"] = item.Identity
		md["identity_kind"] = identityKind(item)
	}
}

// Tombstone records that the file of a Tombstone action vanished upstream.
// The bytes on disk are left in place.
func (w *Walker) Tombstone(ctx context.Context, a Action) error {
	if a.Decision != Tombstone {
		return fmt.Errorf("tombstone called for %s action: %w", a.Decision, errors.ErrInvalidArgument)
	}
	return w.ledger.RecordFile(ctx, models.Tombstone(a.LocalPath, time.Now()))
}

// materialize streams r into dst through a partial file, hashing it on the
// way, and renames it into place once complete.
func materialize(fs afero.Fs, dst string, r io.Reader, alg identity.Algorithm, modTime time.Time) (models.File, error) {
	if err := fs.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return models.File{}, err
	}
	h, err := alg.New()
	if err != nil {
		return models.File{}, err
	}

	part := layout.PartialPath(dst)
	out, err := fs.Create(part)
	if err != nil {
		return models.File{}, err
	}
	n, err := io.Copy(io.MultiWriter(out, h), r)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = fs.Remove(part)
		return models.File{}, errors.Mark(err, errors.ErrRemoteUnavailable)
	}
	if err := fs.Rename(part, dst); err != nil {
		_ = fs.Remove(part)
		return models.File{}, err
	}

	if modTime.IsZero() {
		modTime = time.Now()
	} else {
		_ = fs.Chtimes(dst, modTime, modTime)
	}
	return models.File{
		Path:    dst,
		Hash:    fmt.Sprintf("%x", h.Sum(nil)),
		Size:    n,
		ModTime: modTime,
		Kind:    models.KindOf(dst),
	}, nil
}
