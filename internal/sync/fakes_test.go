package sync

import (
	"context"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/chmdznr/oss-study-sync/internal/db"
	"github.com/chmdznr/oss-study-sync/internal/layout"
	"github.com/chmdznr/oss-study-sync/internal/sink"
	"github.com/chmdznr/oss-study-sync/internal/source"
	"github.com/chmdznr/oss-study-sync/pkg/errors"
	"github.com/chmdznr/oss-study-sync/pkg/models"
)

var (
	testLayout = layout.Layout{Root: "/data"}
	testScope  = models.Scope{ProjectID: "pronet", SiteID: "YA", SubjectID: "YA01", Source: "surveys"}
)

const subjectDir = "/data/Pronet/PROTECTED/YA/raw/YA01/surveys"

func testTarget() Target {
	return Target{Scope: testScope, Modality: "surveys", Root: "YA01", RunID: "run-1"}
}

func testLedger(t *testing.T) *db.DB {
	t.Helper()
	ledger, err := db.New(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { ledger.Close() })
	return ledger
}

func testLogger() log.FieldLogger {
	logger := log.New()
	logger.SetOutput(io.Discard)
	return logger
}

func count(t *testing.T, ledger *db.DB, table string) int {
	t.Helper()
	var n int
	require.NoError(t, ledger.QueryRow("SELECT COUNT(*) FROM "+table).Scan(&n))
	return n
}

// fakeSource is an in-memory remote tree.
type fakeSource struct {
	dirs    map[string]map[string]source.Item
	content map[string]string

	lists   int
	fetches int
	// failures makes the next n fetches of a ref fail.
	failures map[string]int
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		dirs:     map[string]map[string]source.Item{"": {}},
		content:  map[string]string{},
		failures: map[string]int{},
	}
}

// put adds or replaces the leaf at p, creating its parent directories.
func (s *fakeSource) put(p, content, id string) {
	dir := path.Dir(p)
	if dir == "." {
		dir = ""
	}
	s.mkdir(dir)
	s.dirs[dir][path.Base(p)] = source.Item{
		Path:         p,
		Identity:     id,
		IdentityKind: "etag",
		Size:         int64(len(content)),
		Ref:          p,
	}
	s.content[p] = content
}

func (s *fakeSource) mkdir(dir string) {
	if dir == "" {
		return
	}
	if _, ok := s.dirs[dir]; ok {
		return
	}
	s.dirs[dir] = map[string]source.Item{}
	parent := path.Dir(dir)
	if parent == "." {
		parent = ""
	}
	s.mkdir(parent)
	s.dirs[parent][path.Base(dir)] = source.Item{Path: dir, IsDir: true}
}

// remove deletes the leaf or directory at p.
func (s *fakeSource) remove(p string) {
	parent := path.Dir(p)
	if parent == "." {
		parent = ""
	}
	delete(s.dirs[parent], path.Base(p))
	delete(s.content, p)
	for dir := range s.dirs {
		if dir == p || strings.HasPrefix(dir, p+"/") {
			delete(s.dirs, dir)
		}
	}
}

func (s *fakeSource) List(_ context.Context, dir string) ([]source.Item, error) {
	s.lists++
	entries, ok := s.dirs[strings.Trim(dir, "/")]
	if !ok {
		return nil, fmt.Errorf("list %s: %w", dir, errors.ErrNotFound)
	}
	items := make([]source.Item, 0, len(entries))
	for _, item := range entries {
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Path < items[j].Path })
	return items, nil
}

func (s *fakeSource) Fetch(_ context.Context, item source.Item) (io.ReadCloser, error) {
	s.fetches++
	if s.failures[item.Ref] > 0 {
		s.failures[item.Ref]--
		return nil, io.ErrUnexpectedEOF
	}
	content, ok := s.content[item.Ref]
	if !ok {
		return nil, fmt.Errorf("fetch %s: %w", item.Ref, errors.ErrNotFound)
	}
	return io.NopCloser(strings.NewReader(content)), nil
}

// fakeSink records uploads in memory.
type fakeSink struct {
	uploads  map[string]string
	calls    int
	failures int
}

func newFakeSink() *fakeSink {
	return &fakeSink{uploads: map[string]string{}}
}

func (s *fakeSink) Upload(_ context.Context, name string, r io.Reader, size int64, _ map[string]string) (sink.Destination, error) {
	s.calls++
	if s.failures > 0 {
		s.failures--
		return sink.Destination{}, fmt.Errorf("bucket unavailable")
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return sink.Destination{}, err
	}
	s.uploads[name] = string(data)
	return sink.Destination{Bucket: "study", Key: name, Size: int64(len(data))}, nil
}

// failingLedger rejects every fetch batch.
type failingLedger struct {
	*db.DB
}

func (failingLedger) RecordFetch(context.Context, models.Pull, ...models.File) (bool, error) {
	return false, errors.Mark(fmt.Errorf("disk I/O error"), errors.ErrLedgerWrite)
}

// countingLedger counts full pull scans.
type countingLedger struct {
	Ledger
	scans int
}

func (l *countingLedger) PullsFor(ctx context.Context, scope models.Scope) ([]models.Pull, error) {
	l.scans++
	return l.Ledger.PullsFor(ctx, scope)
}
