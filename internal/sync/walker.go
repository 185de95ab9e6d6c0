package sync

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	json "github.com/goccy/go-json"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/chmdznr/oss-study-sync/internal/identity"
	"github.com/chmdznr/oss-study-sync/internal/layout"
	"github.com/chmdznr/oss-study-sync/internal/source"
	"github.com/chmdznr/oss-study-sync/pkg/errors"
	"github.com/chmdznr/oss-study-sync/pkg/models"
)

// Decision classifies one remote item or local file.
type Decision int

const (
	// Skip leaves local state as it is.
	Skip Decision = iota
	// Fetch downloads the item.
	Fetch
	// Tombstone records that a local file vanished upstream.
	Tombstone
)

func (d Decision) String() string {
	switch d {
	case Skip:
		return "skip"
	case Fetch:
		return "fetch"
	case Tombstone:
		return "tombstone"
	default:
		return fmt.Sprintf("Decision(%d)", int(d))
	}
}

// Skip reasons.
const (
	reasonUnchanged           = "unchanged"
	reasonSubmissionUnchanged = "submission unchanged"
	reasonScopeMismatch       = "marker scope mismatch"
	reasonNoRef               = "no download reference"
)

// An Action is a decision bound to the item and local path it concerns.
// Item is zero for tombstones.
type Action struct {
	Decision  Decision
	Item      source.Item
	LocalPath string
	Reason    string
	// Marker is set on the submission marker's own action. Plan orders it
	// after every other leaf of its directory.
	Marker bool
}

// MarkerConfig enables the submission-marker variant: directories holding a
// document named Name are materialized as a group, gated on the marker.
type MarkerConfig struct {
	// Name is the marker document's file name.
	Name string
	// ScopeField must hold the subject id.
	ScopeField string
	// TimestampField holds the submission's freshness timestamp.
	TimestampField string
}

// maxMarkerBytes bounds how much of a marker document is read.
const maxMarkerBytes = 1 << 20

// WalkerConfig configures a Walker.
type WalkerConfig struct {
	Layout layout.Layout
	// Algorithm is the full hash recorded for fetched content.
	Algorithm identity.Algorithm
	// Include holds doublestar patterns matched against paths relative to
	// the walk root. Empty includes everything.
	Include []string
	// CaseInsensitive compares names ignoring case, for remote namespaces
	// that do.
	CaseInsensitive bool
	Marker          *MarkerConfig
}

// Target is one scope's subtree of a source.
type Target struct {
	Scope    models.Scope
	Modality string
	// Root is the remote directory the walk starts from.
	Root  string
	RunID string
}

// Walker compares a remote tree against the local tree and the ledger.
type Walker struct {
	fs     afero.Fs
	ledger Ledger
	cfg    WalkerConfig
	log    log.FieldLogger
}

// NewWalker creates a walker over the local filesystem fs.
func NewWalker(fs afero.Fs, ledger Ledger, cfg WalkerConfig, logger log.FieldLogger) (*Walker, error) {
	for _, p := range cfg.Include {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("include pattern %q: %w", p, errors.ErrInvalidArgument)
		}
	}
	if cfg.Algorithm == "" {
		cfg.Algorithm = identity.DefaultAlgorithm
	}
	if cfg.Marker != nil && cfg.Marker.Name == "" {
		return nil, fmt.Errorf("marker: %w", errors.MissingFieldError{Field: "name"})
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Walker{fs: fs, ledger: ledger, cfg: cfg, log: logger}, nil
}

// dirState collects what one remote listing expects to exist locally.
type dirState struct {
	localDir string
	leaves   map[string]bool
	dirs     map[string]bool
}

// Plan walks the remote tree below t.Root breadth first and returns one
// action per remote leaf and per vanished local file. Plan does not fetch
// item content or write to the ledger; in the marker variant it reads the
// marker document only.
func (w *Walker) Plan(ctx context.Context, src source.Source, t Target) ([]Action, error) {
	var actions []Action
	queue := []string{t.Root}

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		dir := queue[0]
		queue = queue[1:]

		items, err := src.List(ctx, dir)
		if err != nil {
			return nil, fmt.Errorf("list %q: %w", dir, errors.Mark(err, errors.ErrRemoteUnavailable))
		}

		localDir, err := w.localPath(t, dir)
		if err != nil {
			return nil, err
		}
		state := dirState{localDir: localDir, leaves: map[string]bool{}, dirs: map[string]bool{}}

		gate, err := w.checkMarker(ctx, src, t, localDir, items)
		if err != nil {
			return nil, err
		}

		var markers []Action
		emit := func(a Action) {
			if w.isMarker(a.Item) {
				a.Marker = true
				markers = append(markers, a)
				return
			}
			actions = append(actions, a)
		}
		for _, item := range items {
			if item.IsDir {
				state.dirs[w.key(item.Name())] = true
				queue = append(queue, item.Path)
				continue
			}
			rel := w.rel(t, item.Path)
			if !w.included(rel) {
				continue
			}
			state.leaves[w.key(item.Name())] = true

			local, err := w.cfg.Layout.ArtifactPath(t.Scope.ProjectID, t.Scope.SiteID, t.Scope.SubjectID, t.Modality, rel)
			if err != nil {
				w.log.WithField("path", item.Path).WithError(err).Warn("Skipping item with unsafe path")
				continue
			}

			if gate != "" {
				emit(Action{Decision: Skip, Item: item, LocalPath: local, Reason: gate})
				continue
			}
			if item.Ref == "" {
				w.log.WithField("path", item.Path).Warn("Skipping item without download reference")
				emit(Action{Decision: Skip, Item: item, LocalPath: local, Reason: reasonNoRef})
				continue
			}

			action, err := w.compare(ctx, item, local)
			if err != nil {
				return nil, err
			}
			emit(action)
		}
		actions = append(actions, markers...)

		stale, err := w.vanished(ctx, t, state)
		if err != nil {
			return nil, err
		}
		actions = append(actions, stale...)
	}
	return actions, nil
}

// compare decides whether a downloadable leaf must be fetched.
func (w *Walker) compare(ctx context.Context, item source.Item, local string) (Action, error) {
	fetch := func(reason string) (Action, error) {
		return Action{Decision: Fetch, Item: item, LocalPath: local, Reason: reason}, nil
	}

	exists, err := afero.Exists(w.fs, local)
	if err != nil {
		return Action{}, err
	}
	if !exists {
		return fetch("not present locally")
	}
	if item.Identity == "" {
		return fetch("no remote identity")
	}

	stored, err := afero.ReadFile(w.fs, layout.SidecarPath(local, identityKind(item)))
	switch {
	case os.IsNotExist(err):
		return fetch("no sidecar")
	case err != nil:
		return Action{}, err
	case strings.TrimSpace(string(stored)) != item.Identity:
		return fetch("remote identity changed")
	}

	latest, err := w.ledger.LatestFile(ctx, local)
	switch {
	case errors.Is(err, errors.ErrNotFound):
	case err != nil:
		return Action{}, err
	case latest.IsTombstone():
		return fetch("reappeared upstream")
	}
	return Action{Decision: Skip, Item: item, LocalPath: local, Reason: reasonUnchanged}, nil
}

// vanished returns tombstone actions for files the ledger knows below
// state.localDir that the remote listing no longer holds.
func (w *Walker) vanished(ctx context.Context, t Target, state dirState) ([]Action, error) {
	entries, err := afero.ReadDir(w.fs, state.localDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var actions []Action
	for _, e := range entries {
		if layout.IsHidden(e.Name()) {
			continue
		}
		local := filepath.Join(state.localDir, e.Name())
		if e.IsDir() {
			if state.dirs[w.key(e.Name())] {
				continue
			}
			err := afero.Walk(w.fs, local, func(p string, info os.FileInfo, err error) error {
				if err != nil {
					return err
				}
				if info.IsDir() {
					if p != local && layout.IsHidden(info.Name()) {
						return filepath.SkipDir
					}
					return nil
				}
				if layout.IsHidden(info.Name()) {
					return nil
				}
				a, ok, err := w.tombstoneCandidate(ctx, t, p)
				if ok {
					actions = append(actions, a)
				}
				return err
			})
			if err != nil {
				return nil, err
			}
			continue
		}
		if state.leaves[w.key(e.Name())] {
			continue
		}
		a, ok, err := w.tombstoneCandidate(ctx, t, local)
		if err != nil {
			return nil, err
		}
		if ok {
			actions = append(actions, a)
		}
	}
	return actions, nil
}

// tombstoneCandidate reports whether local was synced before and is not
// already tombstoned.
func (w *Walker) tombstoneCandidate(ctx context.Context, t Target, local string) (Action, bool, error) {
	subject := w.cfg.Layout.SubjectDir(t.Scope.ProjectID, t.Scope.SiteID, t.Scope.SubjectID, t.Modality)
	if rel, err := filepath.Rel(subject, local); err == nil && !w.included(filepath.ToSlash(rel)) {
		return Action{}, false, nil
	}

	latest, err := w.ledger.LatestFile(ctx, local)
	switch {
	case errors.Is(err, errors.ErrNotFound):
		return Action{}, false, nil
	case err != nil:
		return Action{}, false, err
	case latest.IsTombstone():
		return Action{}, false, nil
	}
	return Action{Decision: Tombstone, LocalPath: local, Reason: "absent upstream"}, true, nil
}

// checkMarker applies the submission-marker gate to one listing. It returns
// a non-empty reason when every leaf of the listing is to be skipped.
func (w *Walker) checkMarker(ctx context.Context, src source.Source, t Target, localDir string, items []source.Item) (string, error) {
	m := w.cfg.Marker
	if m == nil {
		return "", nil
	}
	var marker *source.Item
	for i := range items {
		if w.isMarker(items[i]) && items[i].Ref != "" {
			marker = &items[i]
			break
		}
	}
	if marker == nil {
		return "", nil
	}

	rc, err := src.Fetch(ctx, *marker)
	if err != nil {
		return "", fmt.Errorf("fetch marker %q: %w", marker.Path, errors.Mark(err, errors.ErrRemoteUnavailable))
	}
	data, err := io.ReadAll(io.LimitReader(rc, maxMarkerBytes))
	rc.Close()
	if err != nil {
		return "", fmt.Errorf("read marker %q: %w", marker.Path, errors.Mark(err, errors.ErrRemoteUnavailable))
	}
	remote, err := parseMarker(data)
	if err != nil {
		w.log.WithField("path", marker.Path).WithError(err).Warn("Ignoring unreadable submission marker")
		return "", nil
	}

	if m.ScopeField != "" && remote.field(m.ScopeField) != t.Scope.SubjectID {
		w.log.WithFields(log.Fields{
			"path":     marker.Path,
			"expected": t.Scope.SubjectID,
			"found":    remote.field(m.ScopeField),
		}).Warn("Submission marker belongs to another subject")
		return reasonScopeMismatch, nil
	}
	if m.TimestampField == "" {
		return "", nil
	}

	localData, err := afero.ReadFile(w.fs, filepath.Join(localDir, marker.Name()))
	if err != nil {
		return "", nil
	}
	previous, err := parseMarker(localData)
	if err != nil {
		return "", nil
	}
	fresh := remote.field(m.TimestampField)
	if fresh == "" || fresh != previous.field(m.TimestampField) {
		return "", nil
	}
	complete, err := w.siblingsPresent(t, items)
	if err != nil || !complete {
		return "", err
	}
	return reasonSubmissionUnchanged, nil
}

// isMarker reports whether item is the submission marker document.
func (w *Walker) isMarker(item source.Item) bool {
	m := w.cfg.Marker
	return m != nil && !item.IsDir && w.key(item.Name()) == w.key(m.Name)
}

// siblingsPresent reports whether every downloadable leaf that shares the
// marker's listing exists locally. A run that stopped after the marker was
// stored leaves the group incomplete.
func (w *Walker) siblingsPresent(t Target, items []source.Item) (bool, error) {
	for _, item := range items {
		if item.IsDir || item.Ref == "" || w.isMarker(item) {
			continue
		}
		rel := w.rel(t, item.Path)
		if !w.included(rel) {
			continue
		}
		local, err := w.cfg.Layout.ArtifactPath(t.Scope.ProjectID, t.Scope.SiteID, t.Scope.SubjectID, t.Modality, rel)
		if err != nil {
			continue
		}
		ok, err := afero.Exists(w.fs, local)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

type markerDoc map[string]any

func parseMarker(data []byte) (markerDoc, error) {
	var doc markerDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func (d markerDoc) field(name string) string {
	v, ok := d[name]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func (w *Walker) localPath(t Target, remoteDir string) (string, error) {
	return w.cfg.Layout.ArtifactPath(t.Scope.ProjectID, t.Scope.SiteID, t.Scope.SubjectID, t.Modality, w.rel(t, remoteDir))
}

// rel returns p relative to the walk root.
func (w *Walker) rel(t Target, p string) string {
	root := strings.Trim(t.Root, "/")
	p = strings.Trim(p, "/")
	if root == "" {
		return p
	}
	if p == root {
		return ""
	}
	return strings.TrimPrefix(p, root+"/")
}

func (w *Walker) included(rel string) bool {
	if len(w.cfg.Include) == 0 {
		return true
	}
	name := rel
	if w.cfg.CaseInsensitive {
		name = strings.ToLower(rel)
	}
	for _, p := range w.cfg.Include {
		if w.cfg.CaseInsensitive {
			p = strings.ToLower(p)
		}
		if ok, _ := doublestar.Match(p, name); ok {
			return true
		}
	}
	return false
}

func (w *Walker) key(name string) string {
	if w.cfg.CaseInsensitive {
		return strings.ToLower(name)
	}
	return name
}

func identityKind(item source.Item) string {
	if item.IdentityKind == "" {
		return "remote"
	}
	return item.IdentityKind
}

// remoteName is the slash path an artifact is known by at the source.
func remoteName(item source.Item) string {
	return path.Clean("/" + item.Path)[1:]
}
